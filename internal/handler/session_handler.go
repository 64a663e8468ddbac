package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hitoshi/consign/internal/middleware"
	"github.com/hitoshi/consign/internal/session"
)

const (
	defaultPingInterval = 30 * time.Second
	liveWriteTimeout    = 10 * time.Second
)

// ControllerGetter はクライアントのセッションコントローラーを取得する。
// 取得は無操作時間の計測をリセットする。
type ControllerGetter interface {
	Get(clientID string) *session.Controller
}

// SessionHandlerConfig はセッション状態ハンドラーの設定。
type SessionHandlerConfig struct {
	BasePath     string
	PingInterval time.Duration
}

// SessionHandler はセッション状態の取得・再読み込み・変更通知のHTTPハンドラー。
type SessionHandler struct {
	controllers ControllerGetter
	upgrader    websocket.Upgrader
	config      SessionHandlerConfig
}

// NewSessionHandler はSessionHandlerを生成する。
func NewSessionHandler(controllers ControllerGetter, config SessionHandlerConfig) *SessionHandler {
	if config.PingInterval <= 0 {
		config.PingInterval = defaultPingInterval
	}
	return &SessionHandler{
		controllers: controllers,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		config: config,
	}
}

// sessionUserResponse はJSONに含めるユーザー情報。
type sessionUserResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// sessionStateResponse はセッション状態のJSON表現。
type sessionStateResponse struct {
	State   string               `json:"state"`
	Loading bool                 `json:"loading"`
	User    *sessionUserResponse `json:"user"`
	IsAdmin bool                 `json:"is_admin"`
	Error   string               `json:"error,omitempty"`
	Version uint64               `json:"version"`
}

func newSessionStateResponse(s session.State) sessionStateResponse {
	resp := sessionStateResponse{
		State:   stateKey(s),
		Loading: s.Loading,
		IsAdmin: s.IsAdmin,
		Error:   s.Error,
		Version: s.Version,
	}
	if s.User != nil {
		resp.User = &sessionUserResponse{
			ID:    s.User.ID,
			Email: s.User.Email,
			Name:  s.User.Name,
		}
	}
	return resp
}

// stateKey は画面の切り替えが必要な状態の区分を返す。
// ブラウザは表示中の区分と通知された区分が異なる場合に再読み込みする。
func stateKey(s session.State) string {
	switch {
	case s.Loading:
		return "loading"
	case s.User == nil && s.Error != "":
		return "error"
	case s.User == nil:
		return "guest"
	case s.IsAdmin:
		return "admin"
	default:
		return "member"
	}
}

// State は現在のセッション状態を返す。
// GET /api/session
func (h *SessionHandler) State(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := middleware.ControllerFromContext(r.Context())
	if !ok {
		middleware.WriteInternalServerError(w)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	json.NewEncoder(w).Encode(newSessionStateResponse(ctrl.State()))
}

// Retry は現在のユーザーを取得し直す。読み込みエラーの画面から呼ばれる。
// POST /session/retry
func (h *SessionHandler) Retry(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := middleware.ControllerFromContext(r.Context())
	if !ok {
		middleware.WriteInternalServerError(w)
		return
	}

	ctrl.Initialize(r.Context())
	http.Redirect(w, r, h.config.BasePath+"/", http.StatusSeeOther)
}

// Live はWebSocketでセッション状態の変化を通知する。
// 接続直後に現在の状態を送り、以降は状態が変わるたびに送る。
// GET /live
func (h *SessionHandler) Live(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := middleware.ControllerFromContext(r.Context())
	if !ok {
		middleware.WriteInternalServerError(w)
		return
	}
	clientID, err := middleware.ClientIDFromContext(r.Context())
	if err != nil {
		middleware.WriteInternalServerError(w)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	// 最新の状態だけを保持する
	updates := make(chan session.State, 1)
	cancel := ctrl.Watch(func(s session.State) {
		for {
			select {
			case updates <- s:
				return
			default:
			}
			select {
			case <-updates:
			default:
			}
		}
	})
	defer cancel()

	// サーバーのReadTimeoutを引き継がないようにPongごとに期限を延ばす
	readWait := 2 * h.config.PingInterval
	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	// 切断を検知するための読み込みループ
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := h.send(conn, ctrl.State()); err != nil {
		return
	}

	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case s := <-updates:
			if err := h.send(conn, s); err != nil {
				return
			}
		case <-ticker.C:
			// コントローラーが破棄されていたら切断し、再接続で新しい状態を読ませる
			if h.controllers.Get(clientID) != ctrl {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session reset"),
					time.Now().Add(liveWriteTimeout))
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(liveWriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (h *SessionHandler) send(conn *websocket.Conn, s session.State) error {
	data, err := json.Marshal(newSessionStateResponse(s))
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}
