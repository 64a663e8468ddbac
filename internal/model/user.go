// Package model はドメインモデルを定義する。
package model

import "time"

// User はサービス利用ユーザー（委託者・管理者）を表す。
// 認証プロバイダーが発行するIdentityに相当し、IDが一意な識別子となる。
type User struct {
	ID           string
	Email        string
	Name         string
	PasswordHash string // パスワード認証を使わないユーザーは空
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasPassword はパスワードでのサインインが可能かどうかを返す。
func (u *User) HasPassword() bool {
	return u.PasswordHash != ""
}

// DisplayName は画面表示用の名前を返す。名前が未設定の場合はメールアドレスを使う。
func (u *User) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	return u.Email
}

// Identity は外部IdPとの紐付け情報を表す。
type Identity struct {
	ID             string
	UserID         string
	Provider       string
	ProviderUserID string
	CreatedAt      time.Time
}

// Session はユーザーのログインセッションを表す。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// AdminUser は管理者メンバーシップを表す。
// admin_usersテーブルにユーザーIDと同じIDの行が存在すれば、そのユーザーは管理者となる。
type AdminUser struct {
	ID        string
	CreatedAt time.Time
}

// UserWithRole はユーザー管理画面で使う、管理者フラグ付きのユーザー情報。
type UserWithRole struct {
	User
	IsAdmin bool
}
