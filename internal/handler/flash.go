package handler

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/consign/internal/middleware"
)

const flashCookieName = "flash"

// flash はPOST後のリダイレクト先で1回だけ表示するメッセージ。
type flash struct {
	Kind    string // "ok" または "error"
	Message string
}

func setFlash(w http.ResponseWriter, config middleware.CookieConfig, kind, message string) {
	http.SetCookie(w, &http.Cookie{
		Name:     flashCookieName,
		Value:    url.QueryEscape(kind + ":" + message),
		Path:     config.CookiePath(),
		MaxAge:   60,
		HttpOnly: true,
		Secure:   config.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// popFlash はフラッシュメッセージを読み出してCookieを削除する。
func popFlash(w http.ResponseWriter, r *http.Request, config middleware.CookieConfig) *flash {
	cookie, err := r.Cookie(flashCookieName)
	if err != nil || cookie.Value == "" {
		return nil
	}
	http.SetCookie(w, &http.Cookie{
		Name:     flashCookieName,
		Value:    "",
		Path:     config.CookiePath(),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   config.Secure,
		SameSite: http.SameSiteLaxMode,
	})

	raw, err := url.QueryUnescape(cookie.Value)
	if err != nil {
		return nil
	}
	kind, message, ok := strings.Cut(raw, ":")
	if !ok {
		return nil
	}
	return &flash{Kind: kind, Message: message}
}
