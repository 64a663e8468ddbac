package auth

import (
	"context"
	"errors"

	"github.com/hitoshi/consign/internal/model"
)

// CurrentUserFinder はセッションIDから現在のユーザーを取得する。
type CurrentUserFinder interface {
	GetCurrentUser(ctx context.Context, sessionID string) (*model.User, error)
}

// ClientProvider は1つのブラウザクライアントから見た認証プロバイダー。
// HubとServiceを組み合わせ、現在のユーザーの取得と認証イベントの購読を提供する。
type ClientProvider struct {
	hub      *Hub
	users    CurrentUserFinder
	clientID string
}

// NewClientProvider はClientProviderを生成する。
func NewClientProvider(hub *Hub, users CurrentUserFinder, clientID string) *ClientProvider {
	return &ClientProvider{hub: hub, users: users, clientID: clientID}
}

// GetCurrentUser は現在のユーザーを返す。サインインしていない場合は(nil, nil)。
// 期限切れのセッションはクライアントから外し、サインアウト扱いにする。
func (p *ClientProvider) GetCurrentUser(ctx context.Context) (*model.User, error) {
	sessionID := p.hub.SessionID(p.clientID)
	if sessionID == "" {
		return nil, nil
	}

	user, err := p.users.GetCurrentUser(ctx, sessionID)
	if errors.Is(err, model.ErrSessionNotFound) {
		p.hub.Detach(p.clientID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

// Subscribe はこのクライアントの認証イベントを購読する。
func (p *ClientProvider) Subscribe(listener func(ctx context.Context, event model.AuthEvent, user *model.User)) (unsubscribe func()) {
	return p.hub.Subscribe(p.clientID, listener)
}
