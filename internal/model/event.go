package model

// AuthEvent は認証状態の変化を表すイベント種別。
type AuthEvent string

const (
	// AuthEventSignedIn は新しいセッションでサインインしたことを示す。
	AuthEventSignedIn AuthEvent = "SIGNED_IN"
	// AuthEventSignedOut はサインアウト、またはセッションの失効を示す。
	AuthEventSignedOut AuthEvent = "SIGNED_OUT"
	// AuthEventTokenRefreshed はセッションの有効期限が延長されたことを示す。
	AuthEventTokenRefreshed AuthEvent = "TOKEN_REFRESHED"
)
