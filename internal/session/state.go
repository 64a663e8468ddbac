package session

import "github.com/hitoshi/consign/internal/model"

// LoadErrorPrefix は現在のユーザーの取得に失敗した場合のエラーメッセージの接頭辞。
const LoadErrorPrefix = "Chyba pri načítavaní: "

// State はクライアントから見たセッションの状態。
// Controllerだけが更新し、ルートガードとビューはスナップショットを読む。
type State struct {
	User    *model.User
	IsAdmin bool
	Loading bool
	Error   string
	// Version は最後に適用された更新の通し番号。
	Version uint64
}

// SignedIn はユーザーがサインインしているかを返す。
func (s State) SignedIn() bool {
	return s.User != nil
}

// UserID はサインイン中のユーザーIDを返す。未サインインの場合は空文字列。
func (s State) UserID() string {
	if s.User == nil {
		return ""
	}
	return s.User.ID
}
