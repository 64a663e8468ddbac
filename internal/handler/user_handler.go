package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/consign/internal/guard"
	"github.com/hitoshi/consign/internal/metrics"
	"github.com/hitoshi/consign/internal/middleware"
)

const profilePath = "/profile"

// PasswordChanger はパスワード変更に必要な認証サービスのインターフェース。
type PasswordChanger interface {
	ChangePassword(ctx context.Context, userID, current, next string) error
}

// UserHandler はサインイン中のユーザー自身のプロフィール操作のHTTPハンドラー。
type UserHandler struct {
	users     UserServiceInterface
	passwords PasswordChanger
	events    AuthEventPublisher
	guard     actionGuard
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(
	users UserServiceInterface,
	passwords PasswordChanger,
	events AuthEventPublisher,
	table *guard.Table,
	collector metrics.MetricsCollector,
	config ActionConfig,
) *UserHandler {
	return &UserHandler{
		users:     users,
		passwords: passwords,
		events:    events,
		guard:     newActionGuard(table, collector, config),
	}
}

// UpdateProfile は表示名を変更する。
// POST /profile
func (h *UserHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	state, ok := h.guard.authorize(w, r, profilePath)
	if !ok {
		return
	}

	user, err := h.users.UpdateName(r.Context(), state.UserID(), r.PostFormValue("name"))
	if err == nil {
		// 画面に表示する名前を新しいユーザー情報に置き換える
		if clientID, idErr := middleware.ClientIDFromContext(r.Context()); idErr == nil {
			h.events.Refreshed(r.Context(), clientID, user)
		}
	}
	h.guard.finish(w, r, profilePath, err, "Profil bol uložený.")
}

// ChangePassword はパスワードを変更する。
// POST /profile/password
func (h *UserHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	state, ok := h.guard.authorize(w, r, profilePath)
	if !ok {
		return
	}

	err := h.passwords.ChangePassword(r.Context(), state.UserID(),
		r.PostFormValue("current_password"),
		r.PostFormValue("new_password"),
	)
	h.guard.finish(w, r, profilePath, err, "Heslo bolo zmenené.")
}
