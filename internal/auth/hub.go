package auth

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hitoshi/consign/internal/model"
)

// Listener は認証状態の変化を受け取るコールバック。サインアウト時のuserはnil。
type Listener func(ctx context.Context, event model.AuthEvent, user *model.User)

// Hub はブラウザクライアントとセッションの対応を保持し、
// 認証状態の変化をそのクライアントの購読者へ同期的に通知する。
// Publish系メソッドは購読者の処理が終わるまで戻らないため、
// 直後のリダイレクト先では更新済みの状態が見える。
type Hub struct {
	mu        sync.RWMutex
	bindings  map[string]string // clientID -> sessionID
	listeners map[string]map[uint64]Listener
	nextID    uint64
	logger    *slog.Logger
}

// NewHub はHubを生成する。
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		bindings:  make(map[string]string),
		listeners: make(map[string]map[uint64]Listener),
		logger:    logger,
	}
}

// SessionID はクライアントに紐付いたセッションIDを返す。未サインインの場合は空文字列。
func (h *Hub) SessionID(clientID string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.bindings[clientID]
}

// Attach はイベントを発行せずにクライアントへセッションを紐付ける。
// サーバー再起動後など、Cookieに残っているセッションを引き継ぐ場合に使う。
func (h *Hub) Attach(clientID, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bindings[clientID] = sessionID
}

// Detach はイベントを発行せずにクライアントの紐付けを外す。
func (h *Hub) Detach(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.bindings, clientID)
}

// SignIn はクライアントにセッションを紐付け、SIGNED_INを通知する。
func (h *Hub) SignIn(ctx context.Context, clientID, sessionID string, user *model.User) {
	h.Attach(clientID, sessionID)
	h.publish(ctx, clientID, model.AuthEventSignedIn, user)
}

// SignOut はクライアントの紐付けを外し、SIGNED_OUTを通知する。
func (h *Hub) SignOut(ctx context.Context, clientID string) {
	h.Detach(clientID)
	h.publish(ctx, clientID, model.AuthEventSignedOut, nil)
}

// Refreshed はセッション延長をTOKEN_REFRESHEDとして通知する。
func (h *Hub) Refreshed(ctx context.Context, clientID string, user *model.User) {
	h.publish(ctx, clientID, model.AuthEventTokenRefreshed, user)
}

// Subscribe はクライアントの認証イベントを購読する。戻り値の関数で購読を解除する。
func (h *Hub) Subscribe(clientID string, listener Listener) (unsubscribe func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	if h.listeners[clientID] == nil {
		h.listeners[clientID] = make(map[uint64]Listener)
	}
	h.listeners[clientID][id] = listener

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.listeners[clientID], id)
			if len(h.listeners[clientID]) == 0 {
				delete(h.listeners, clientID)
			}
		})
	}
}

// ListenerCount はクライアントの購読者数を返す。
func (h *Hub) ListenerCount(clientID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners[clientID])
}

func (h *Hub) publish(ctx context.Context, clientID string, event model.AuthEvent, user *model.User) {
	h.mu.RLock()
	targets := make([]Listener, 0, len(h.listeners[clientID]))
	for _, l := range h.listeners[clientID] {
		targets = append(targets, l)
	}
	h.mu.RUnlock()

	h.logger.Debug("auth event published",
		slog.String("client_id", clientID),
		slog.String("event", string(event)),
		slog.Int("listeners", len(targets)),
	)

	for _, l := range targets {
		l(ctx, event, user)
	}
}
