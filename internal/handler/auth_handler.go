// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/consign/internal/auth"
	"github.com/hitoshi/consign/internal/middleware"
	"github.com/hitoshi/consign/internal/model"
)

const oauthStateCookie = "oauth_state"

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	SignIn(ctx context.Context, email, password string) (*model.Session, *model.User, error)
	SignUp(ctx context.Context, email, password, name string) (*model.Session, *model.User, error)
	GetLoginURL(state string) (string, error)
	HandleCallback(ctx context.Context, code string) (*model.Session, *model.User, error)
	Logout(ctx context.Context, sessionID string) error
	SessionMaxAge() time.Duration
}

// AuthEventPublisher はクライアントの認証状態の変化を通知する。
type AuthEventPublisher interface {
	SignIn(ctx context.Context, clientID, sessionID string, user *model.User)
	SignOut(ctx context.Context, clientID string)
	Refreshed(ctx context.Context, clientID string, user *model.User)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	BasePath string
	Cookie   middleware.CookieConfig
}

// AuthHandler はサインイン・登録・サインアウト・Google OAuthのHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	events  AuthEventPublisher
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, events AuthEventPublisher, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		events:  events,
		config:  config,
	}
}

// SignIn はメールアドレスとパスワードでサインインする。
// POST /auth/signin
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	session, user, err := h.service.SignIn(r.Context(), r.PostFormValue("email"), r.PostFormValue("password"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.establish(w, r, session, user)
}

// SignUp はユーザーを登録してサインインする。
// POST /auth/signup
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	session, user, err := h.service.SignUp(r.Context(),
		r.PostFormValue("email"),
		r.PostFormValue("password"),
		r.PostFormValue("name"),
	)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	setFlash(w, h.config.Cookie, "ok", "Účet bol vytvorený.")
	h.establish(w, r, session, user)
}

// Logout はセッションを破棄する。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if sessionID := middleware.SessionIDFromRequest(r); sessionID != "" {
		if err := h.service.Logout(r.Context(), sessionID); err != nil {
			slog.Error("failed to logout", slog.String("error", err.Error()))
			// ログアウト失敗してもCookieはクリアする
		}
	}
	middleware.ClearSessionCookie(w, h.config.Cookie)

	if clientID, err := middleware.ClientIDFromContext(r.Context()); err == nil {
		h.events.SignOut(r.Context(), clientID)
	}

	http.Redirect(w, r, h.home(), http.StatusSeeOther)
}

// GoogleLogin はGoogle OAuthフローを開始する。
// GET /auth/google/login
func (h *AuthHandler) GoogleLogin(w http.ResponseWriter, r *http.Request) {
	state, err := generateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	url, err := h.service.GetLoginURL(state)
	if errors.Is(err, auth.ErrOAuthDisabled) {
		setFlash(w, h.config.Cookie, "error", "Prihlásenie cez Google nie je dostupné.")
		http.Redirect(w, r, h.home(), http.StatusSeeOther)
		return
	}
	if err != nil {
		slog.Error("failed to build oauth login url", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	// stateをCookieに保存（CSRF対策）
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     h.config.Cookie.CookiePath(),
		MaxAge:   600, // 10分
		HttpOnly: true,
		Secure:   h.config.Cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, url, http.StatusTemporaryRedirect)
}

// GoogleCallback はOAuthコールバックを処理する。
// GET /auth/google/callback?code=xxx&state=yyy
func (h *AuthHandler) GoogleCallback(w http.ResponseWriter, r *http.Request) {
	// 1. stateの検証（CSRF対策）
	state := r.URL.Query().Get("state")
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || state == "" || stateCookie.Value != state {
		slog.Warn("oauth state mismatch", slog.String("query_state", state))
		http.Error(w, "invalid state parameter", http.StatusBadRequest)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    "",
		Path:     h.config.Cookie.CookiePath(),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.Cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})

	// 2. 認可コードの取得
	code := r.URL.Query().Get("code")
	if code == "" {
		setFlash(w, h.config.Cookie, "error", "Prihlásenie cez Google bolo zrušené.")
		http.Redirect(w, r, h.home(), http.StatusSeeOther)
		return
	}

	// 3. 認証処理
	session, user, err := h.service.HandleCallback(r.Context(), code)
	if errors.Is(err, auth.ErrEmailNotVerified) {
		setFlash(w, h.config.Cookie, "error", "E-mail účtu Google nie je overený.")
		http.Redirect(w, r, h.home(), http.StatusSeeOther)
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.establish(w, r, session, user)
}

// establish はセッションCookieを設定し、クライアントにSIGNED_INを通知してトップへ戻す。
func (h *AuthHandler) establish(w http.ResponseWriter, r *http.Request, session *model.Session, user *model.User) {
	middleware.SetSessionCookie(w, h.config.Cookie, session.ID, h.service.SessionMaxAge())

	clientID, err := middleware.ClientIDFromContext(r.Context())
	if err != nil {
		// 次のリクエストでクライアントミドルウェアが紐付ける
		slog.Warn("client id not found on sign-in", slog.String("user_id", user.ID))
	} else {
		h.events.SignIn(r.Context(), clientID, session.ID, user)
	}

	http.Redirect(w, r, h.home(), http.StatusSeeOther)
}

// fail はエラーメッセージをフラッシュに設定してサインイン画面へ戻す。
func (h *AuthHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	setFlash(w, h.config.Cookie, "error", userMessage(err))
	http.Redirect(w, r, h.home(), http.StatusSeeOther)
}

func (h *AuthHandler) home() string {
	return h.config.BasePath + "/"
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
