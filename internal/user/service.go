// Package user はプロフィール編集とユーザー・管理者権限の管理を提供する。
package user

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/hitoshi/consign/internal/model"
	"github.com/hitoshi/consign/internal/repository"
)

// maxNameLength は表示名の最大文字数（users.nameの列幅）。
const maxNameLength = 255

// Service はユーザー管理のサービス層。
type Service struct {
	userRepo    repository.UserRepository
	adminRepo   repository.AdminRepository
	sessionRepo repository.SessionRepository
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	userRepo repository.UserRepository,
	adminRepo repository.AdminRepository,
	sessionRepo repository.SessionRepository,
) *Service {
	return &Service{
		userRepo:    userRepo,
		adminRepo:   adminRepo,
		sessionRepo: sessionRepo,
	}
}

// Profile はユーザーを取得する。
func (s *Service) Profile(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}
	return user, nil
}

// UpdateName は表示名を変更し、変更後のユーザーを返す。
func (s *Service) UpdateName(ctx context.Context, userID, name string) (*model.User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, model.NewValidationError("Meno nesmie byť prázdne.")
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return nil, model.NewValidationError(fmt.Sprintf("Meno môže mať najviac %d znakov.", maxNameLength))
	}

	if err := s.userRepo.UpdateName(ctx, userID, name); err != nil {
		return nil, fmt.Errorf("表示名の更新に失敗しました: %w", err)
	}
	return s.Profile(ctx, userID)
}

// List は全ユーザーを管理者フラグ付きで返す。
func (s *Service) List(ctx context.Context) ([]model.UserWithRole, error) {
	users, err := s.userRepo.ListWithRoles(ctx)
	if err != nil {
		return nil, fmt.Errorf("ユーザー一覧の取得に失敗しました: %w", err)
	}
	return users, nil
}

// SetAdmin は対象ユーザーの管理者権限を付与または剥奪する。
// 自分自身の権限は剥奪できない。
// 剥奪した場合は対象ユーザーの全セッションを削除し、次のリクエストでサインアウトさせる。
func (s *Service) SetAdmin(ctx context.Context, actorID, targetID string, grant bool) error {
	if !grant && actorID == targetID {
		return model.NewSelfDemotionError()
	}

	target, err := s.userRepo.FindByID(ctx, targetID)
	if err != nil {
		return fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if target == nil {
		return model.NewUserNotFoundError()
	}

	if grant {
		if err := s.adminRepo.Grant(ctx, targetID); err != nil {
			return fmt.Errorf("管理者権限の付与に失敗しました: %w", err)
		}
		slog.Info("管理者権限を付与しました",
			slog.String("actor_id", actorID),
			slog.String("user_id", targetID),
		)
		return nil
	}

	if err := s.adminRepo.Revoke(ctx, targetID); err != nil {
		return fmt.Errorf("管理者権限の剥奪に失敗しました: %w", err)
	}
	if err := s.sessionRepo.DeleteByUserID(ctx, targetID); err != nil {
		return fmt.Errorf("セッションの削除に失敗しました: %w", err)
	}
	slog.Info("管理者権限を剥奪しました",
		slog.String("actor_id", actorID),
		slog.String("user_id", targetID),
	)
	return nil
}

// GrantAdminByEmail はメールアドレスで指定したユーザーを管理者にする。
// 最初の管理者を作成するCLIコマンドから使う。
func (s *Service) GrantAdminByEmail(ctx context.Context, email string) (*model.User, error) {
	user, err := s.userRepo.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}
	if err := s.adminRepo.Grant(ctx, user.ID); err != nil {
		return nil, fmt.Errorf("管理者権限の付与に失敗しました: %w", err)
	}
	slog.Info("管理者権限を付与しました",
		slog.String("user_id", user.ID),
		slog.String("source", "cli"),
	)
	return user, nil
}
