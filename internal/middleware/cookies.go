package middleware

import (
	"net/http"
	"time"
)

const (
	// SessionCookieName はログインセッションIDを保持するCookieの名前。
	SessionCookieName = "session_id"

	// ClientCookieName はブラウザクライアントを識別するCookieの名前。
	ClientCookieName = "client_id"

	clientCookieMaxAge = 365 * 24 * 60 * 60
)

// CookieConfig はアプリケーションが発行するCookieの共通属性。
type CookieConfig struct {
	Domain string
	Path   string // BASE_PATHが空の場合は"/"
	Secure bool
}

// CookiePath はCookieのPath属性を返す。
func (c CookieConfig) CookiePath() string {
	if c.Path == "" {
		return "/"
	}
	return c.Path
}

// SetSessionCookie はセッションCookie（HTTP Only）を設定する。
func SetSessionCookie(w http.ResponseWriter, config CookieConfig, sessionID string, maxAge time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    sessionID,
		Path:     config.CookiePath(),
		Domain:   config.Domain,
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		Secure:   config.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie はセッションCookieを削除する。
func ClearSessionCookie(w http.ResponseWriter, config CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     config.CookiePath(),
		Domain:   config.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   config.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// SessionIDFromRequest はリクエストのセッションCookieの値を返す。未設定の場合は空文字列。
func SessionIDFromRequest(r *http.Request) string {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func setClientCookie(w http.ResponseWriter, config CookieConfig, clientID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     ClientCookieName,
		Value:    clientID,
		Path:     config.CookiePath(),
		Domain:   config.Domain,
		MaxAge:   clientCookieMaxAge,
		HttpOnly: true,
		Secure:   config.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}
