// Package auth はサインイン（パスワード・Google）、セッションの発行と更新、
// クライアントごとの認証イベント配信を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/consign/internal/model"
	"github.com/hitoshi/consign/internal/repository"
)

// ProviderGoogle はGoogleサインインのprovider名。
const ProviderGoogle = "google"

// ErrOAuthDisabled は外部IdPが設定されていないことを示す。
var ErrOAuthDisabled = errors.New("oauth provider is not configured")

// OAuthUserInfo はOAuthプロバイダーから取得したユーザー情報を表す。
type OAuthUserInfo struct {
	ProviderUserID string
	Email          string
	Name           string
	Provider       string
}

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
type OAuthProvider interface {
	// GetLoginURL はOAuth認証URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをトークンに交換し、ユーザー情報を取得する。
	ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge int // セッション有効期間（秒）
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	oauth       OAuthProvider
	userRepo    repository.UserRepository
	identRepo   repository.IdentityRepository
	sessionRepo repository.SessionRepository
	config      ServiceConfig
	now         func() time.Time
}

// NewService はServiceを生成する。oauthはGoogleサインインを使わない場合nilでよい。
func NewService(
	oauth OAuthProvider,
	userRepo repository.UserRepository,
	identRepo repository.IdentityRepository,
	sessionRepo repository.SessionRepository,
	config ServiceConfig,
) *Service {
	return &Service{
		oauth:       oauth,
		userRepo:    userRepo,
		identRepo:   identRepo,
		sessionRepo: sessionRepo,
		config:      config,
		now:         time.Now,
	}
}

// OAuthEnabled は外部IdPでのサインインが利用可能かを返す。
func (s *Service) OAuthEnabled() bool {
	return s.oauth != nil
}

// SessionMaxAge はセッションの有効期間を返す。
func (s *Service) SessionMaxAge() time.Duration {
	return time.Duration(s.config.SessionMaxAge) * time.Second
}

// GetLoginURL はOAuth認証URLを生成する。
func (s *Service) GetLoginURL(state string) (string, error) {
	if s.oauth == nil {
		return "", ErrOAuthDisabled
	}
	return s.oauth.GetLoginURL(state), nil
}

// HandleCallback はOAuthコールバックを処理し、セッションとユーザーを返す。
// 未登録のIdPアカウントは、同じメールアドレスのユーザーがいればそのユーザーに紐付け、
// いなければユーザーとidentityを新規作成する。
func (s *Service) HandleCallback(ctx context.Context, code string) (*model.Session, *model.User, error) {
	if s.oauth == nil {
		return nil, nil, ErrOAuthDisabled
	}

	info, err := s.oauth.ExchangeCode(ctx, code)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to exchange oauth code: %w", err)
	}

	identity, err := s.identRepo.FindByProviderAndProviderUserID(ctx, info.Provider, info.ProviderUserID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find identity: %w", err)
	}

	var user *model.User
	switch {
	case identity != nil:
		user, err = s.userRepo.FindByID(ctx, identity.UserID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to find user: %w", err)
		}
		if user == nil {
			return nil, nil, model.NewUserNotFoundError()
		}
		slog.Info("existing user signed in",
			slog.String("user_id", user.ID),
			slog.String("provider", info.Provider),
		)

	default:
		user, err = s.userRepo.FindByEmail(ctx, info.Email)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to find user by email: %w", err)
		}
		if user != nil {
			if err := s.identRepo.Create(ctx, s.newIdentity(user.ID, info)); err != nil {
				return nil, nil, fmt.Errorf("failed to link identity: %w", err)
			}
			slog.Info("identity linked to existing user",
				slog.String("user_id", user.ID),
				slog.String("provider", info.Provider),
			)
			break
		}

		now := s.now()
		user = &model.User{
			ID:        uuid.New().String(),
			Email:     info.Email,
			Name:      info.Name,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.userRepo.CreateWithIdentity(ctx, user, s.newIdentity(user.ID, info)); err != nil {
			return nil, nil, fmt.Errorf("failed to create user and identity: %w", err)
		}
		slog.Info("new user created",
			slog.String("user_id", user.ID),
			slog.String("provider", info.Provider),
		)
	}

	session, err := s.createSession(ctx, user.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, user, nil
}

func (s *Service) newIdentity(userID string, info *OAuthUserInfo) *model.Identity {
	return &model.Identity{
		ID:             uuid.New().String(),
		UserID:         userID,
		Provider:       info.Provider,
		ProviderUserID: info.ProviderUserID,
		CreatedAt:      s.now(),
	}
}

// SignIn はメールアドレスとパスワードで認証し、セッションを発行する。
// ユーザーが存在しない場合もパスワード不一致と同じエラーを返す。
func (s *Service) SignIn(ctx context.Context, email, password string) (*model.Session, *model.User, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, nil, model.NewInvalidCredentialsError()
	}

	user, err := s.userRepo.FindByEmail(ctx, email)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil || !CheckPassword(user.PasswordHash, password) {
		return nil, nil, model.NewInvalidCredentialsError()
	}

	session, err := s.createSession(ctx, user.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create session: %w", err)
	}

	slog.Info("user signed in", slog.String("user_id", user.ID), slog.String("provider", "password"))
	return session, user, nil
}

// SignUp はパスワード認証のユーザーを登録し、そのままサインインする。
func (s *Service) SignUp(ctx context.Context, email, password, name string) (*model.Session, *model.User, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, nil, err
	}

	hash, err := HashPassword(password)
	if errors.Is(err, ErrWeakPassword) {
		return nil, nil, model.NewWeakPasswordError(MinPasswordLength)
	}
	if err != nil {
		return nil, nil, err
	}

	now := s.now()
	user := &model.User{
		ID:           uuid.New().String(),
		Email:        email,
		Name:         strings.TrimSpace(name),
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.userRepo.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, nil, model.NewEmailTakenError()
		}
		return nil, nil, fmt.Errorf("failed to create user: %w", err)
	}

	session, err := s.createSession(ctx, user.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create session: %w", err)
	}

	slog.Info("user signed up", slog.String("user_id", user.ID))
	return session, user, nil
}

// ChangePassword はユーザーのパスワードを変更する。
// 既にパスワードを持つユーザーは現在のパスワードの一致が必要。
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return model.NewUserNotFoundError()
	}
	if user.HasPassword() && !CheckPassword(user.PasswordHash, current) {
		return model.NewInvalidCredentialsError()
	}

	hash, err := HashPassword(next)
	if errors.Is(err, ErrWeakPassword) {
		return model.NewWeakPasswordError(MinPasswordLength)
	}
	if err != nil {
		return err
	}

	if err := s.userRepo.UpdatePasswordHash(ctx, userID, hash); err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	slog.Info("password changed", slog.String("user_id", userID))
	return nil
}

// Logout はセッションを破棄する。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("session ID is required")
	}

	if err := s.sessionRepo.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	slog.Info("user signed out")
	return nil
}

// GetCurrentUser はセッションから現在のユーザーを取得する。
// セッションが無効な場合はmodel.ErrSessionNotFoundを返す。
func (s *Service) GetCurrentUser(ctx context.Context, sessionID string) (*model.User, error) {
	if sessionID == "" {
		return nil, model.ErrSessionNotFound
	}

	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, model.ErrSessionNotFound
	}

	user, err := s.userRepo.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.ErrSessionNotFound
	}

	return user, nil
}

// NeedsRefresh はセッションの残り時間が有効期間の半分を切っているかを返す。
func (s *Service) NeedsRefresh(session *model.Session) bool {
	return session.ExpiresAt.Sub(s.now()) < s.SessionMaxAge()/2
}

// FindSession は有効なセッションを返す。見つからない場合はmodel.ErrSessionNotFoundを返す。
func (s *Service) FindSession(ctx context.Context, sessionID string) (*model.Session, error) {
	if sessionID == "" {
		return nil, model.ErrSessionNotFound
	}
	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, model.ErrSessionNotFound
	}
	return session, nil
}

// Refresh はセッションの有効期限を延長する。
func (s *Service) Refresh(ctx context.Context, sessionID string) (*model.Session, error) {
	session, err := s.FindSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	session.ExpiresAt = s.now().Add(s.SessionMaxAge())
	if err := s.sessionRepo.UpdateExpiresAt(ctx, sessionID, session.ExpiresAt); err != nil {
		return nil, fmt.Errorf("failed to refresh session: %w", err)
	}
	return session, nil
}

func (s *Service) createSession(ctx context.Context, userID string) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := s.now()
	session := &model.Session{
		ID:        sessionID,
		UserID:    userID,
		ExpiresAt: now.Add(s.SessionMaxAge()),
		CreatedAt: now,
	}

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", model.NewValidationError("Zadajte platnú e-mailovú adresu.")
	}
	return email, nil
}
