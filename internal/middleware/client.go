// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/consign/internal/model"
	"github.com/hitoshi/consign/internal/session"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	clientIDContextKey   = contextKey("client_id")
	controllerContextKey = contextKey("session_controller")
)

// SessionAuthenticator はセッションCookieの検証と延長に必要な認証サービスのインターフェース。
type SessionAuthenticator interface {
	FindSession(ctx context.Context, sessionID string) (*model.Session, error)
	NeedsRefresh(session *model.Session) bool
	Refresh(ctx context.Context, sessionID string) (*model.Session, error)
	GetCurrentUser(ctx context.Context, sessionID string) (*model.User, error)
	SessionMaxAge() time.Duration
}

// SessionHub はクライアントとセッションの紐付けを管理し、認証イベントを発行する。
type SessionHub interface {
	SessionID(clientID string) string
	Attach(clientID, sessionID string)
	SignIn(ctx context.Context, clientID, sessionID string, user *model.User)
	SignOut(ctx context.Context, clientID string)
	Refreshed(ctx context.Context, clientID string, user *model.User)
}

// ControllerSource はクライアントごとのセッションコントローラーを提供する。
type ControllerSource interface {
	Get(clientID string) *session.Controller
	Lookup(clientID string) (*session.Controller, bool)
}

// ClientConfig はクライアントミドルウェアの依存関係。
type ClientConfig struct {
	Auth        SessionAuthenticator
	Hub         SessionHub
	Controllers ControllerSource
	Cookie      CookieConfig
}

// NewClientMiddleware はブラウザクライアントを識別し、セッションCookieと
// クライアントのセッションコントローラーを同期するミドルウェアを返す。
//
// 処理内容:
//   - client_id Cookieがなければ発行する
//   - 期限切れのセッションCookieを削除し、残り時間が半分を切ったセッションを延長する
//   - Cookieのセッションとクライアントに紐付くセッションが異なる場合は認証イベントを発行する
//   - セッションコントローラーをリクエストコンテキストに注入する
func NewClientMiddleware(config ClientConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			clientID := clientIDFromCookie(r)
			if clientID == "" {
				clientID = uuid.New().String()
				setClientCookie(w, config.Cookie, clientID)
			}
			setLogClientID(ctx, clientID)

			sessionID, refreshed := validateSessionCookie(ctx, w, config, SessionIDFromRequest(r))
			reconcileSession(ctx, w, config, clientID, sessionID)

			ctrl := config.Controllers.Get(clientID)
			if refreshed {
				if user := ctrl.State().User; user != nil {
					config.Hub.Refreshed(ctx, clientID, user)
				}
			}
			setLogController(ctx, ctrl)

			ctx = context.WithValue(ctx, clientIDContextKey, clientID)
			ctx = context.WithValue(ctx, controllerContextKey, ctrl)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// validateSessionCookie はセッションCookieを検証し、有効なセッションIDを返す。
// 期限切れの場合はCookieを削除して空文字列を返す。
// DBエラーの場合はCookieの値をそのまま返し、サインアウト扱いにしない。
func validateSessionCookie(ctx context.Context, w http.ResponseWriter, config ClientConfig, sessionID string) (string, bool) {
	if sessionID == "" {
		return "", false
	}

	s, err := config.Auth.FindSession(ctx, sessionID)
	if errors.Is(err, model.ErrSessionNotFound) {
		ClearSessionCookie(w, config.Cookie)
		return "", false
	}
	if err != nil {
		slog.Error("failed to find session", slog.String("error", err.Error()))
		return sessionID, false
	}

	if !config.Auth.NeedsRefresh(s) {
		return sessionID, false
	}
	if _, err := config.Auth.Refresh(ctx, sessionID); err != nil {
		slog.Warn("failed to refresh session", slog.String("error", err.Error()))
		return sessionID, false
	}
	SetSessionCookie(w, config.Cookie, sessionID, config.Auth.SessionMaxAge())
	return sessionID, true
}

// reconcileSession はCookieのセッションとクライアントに紐付くセッションを一致させる。
func reconcileSession(ctx context.Context, w http.ResponseWriter, config ClientConfig, clientID, sessionID string) {
	bound := config.Hub.SessionID(clientID)
	if sessionID == bound {
		return
	}

	if sessionID == "" {
		config.Hub.SignOut(ctx, clientID)
		return
	}

	// コントローラー未生成の場合は紐付けだけ行い、Initializeで現在のユーザーを読ませる
	if _, ok := config.Controllers.Lookup(clientID); !ok {
		config.Hub.Attach(clientID, sessionID)
		return
	}

	user, err := config.Auth.GetCurrentUser(ctx, sessionID)
	if errors.Is(err, model.ErrSessionNotFound) {
		ClearSessionCookie(w, config.Cookie)
		if bound != "" {
			config.Hub.SignOut(ctx, clientID)
		}
		return
	}
	if err != nil {
		slog.Error("failed to get current user", slog.String("error", err.Error()))
		return
	}
	config.Hub.SignIn(ctx, clientID, sessionID, user)
}

func clientIDFromCookie(r *http.Request) string {
	cookie, err := r.Cookie(ClientCookieName)
	if err != nil {
		return ""
	}
	if _, err := uuid.Parse(cookie.Value); err != nil {
		return ""
	}
	return cookie.Value
}

// ClientIDFromContext はリクエストコンテキストからクライアントIDを取得する。
// クライアントミドルウェアを通過したリクエストでのみ有効。
func ClientIDFromContext(ctx context.Context) (string, error) {
	clientID, ok := ctx.Value(clientIDContextKey).(string)
	if !ok || clientID == "" {
		return "", fmt.Errorf("client ID not found in context")
	}
	return clientID, nil
}

// ControllerFromContext はリクエストコンテキストからセッションコントローラーを取得する。
func ControllerFromContext(ctx context.Context) (*session.Controller, bool) {
	ctrl, ok := ctx.Value(controllerContextKey).(*session.Controller)
	return ctrl, ok && ctrl != nil
}

// ContextWithClient はコンテキストにクライアントIDとセッションコントローラーを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithClient(ctx context.Context, clientID string, ctrl *session.Controller) context.Context {
	ctx = context.WithValue(ctx, clientIDContextKey, clientID)
	return context.WithValue(ctx, controllerContextKey, ctrl)
}
