// Package session はブラウザクライアントごとのセッション状態（現在のユーザーと管理者フラグ）を管理する。
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/consign/internal/metrics"
	"github.com/hitoshi/consign/internal/model"
	"golang.org/x/sync/singleflight"
)

// AuthProvider は現在のユーザーの取得と認証イベントの購読を提供する。
type AuthProvider interface {
	// GetCurrentUser は現在のユーザーを返す。サインインしていない場合は(nil, nil)。
	GetCurrentUser(ctx context.Context) (*model.User, error)
	// Subscribe は認証イベントを購読し、購読解除関数を返す。
	Subscribe(listener func(ctx context.Context, event model.AuthEvent, user *model.User)) (unsubscribe func())
}

// AdminStore は管理者メンバーシップを照会する。
// メンバーシップが存在しない場合はmodel.ErrAdminNotFoundを返す。
type AdminStore interface {
	FindByID(ctx context.Context, userID string) (*model.AdminUser, error)
}

// Options はControllerの動作設定。
type Options struct {
	Logger  *slog.Logger
	Metrics metrics.MetricsCollector
	// LookupTimeout は現在のユーザー取得と管理者照会それぞれの上限時間。
	LookupTimeout time.Duration
}

const defaultLookupTimeout = 5 * time.Second

// Controller は1つのクライアントのセッション状態を保持する。
//
// 状態を書き換える操作（Initialize、OnAuthEvent）は開始時に通し番号を取り、
// 既に適用された番号より古い書き込みは破棄される。
// そのため完了順に関係なく、後から始まった操作の結果が残る。
type Controller struct {
	auth    AuthProvider
	admins  AdminStore
	cache   *AdminStatusCache
	logger  *slog.Logger
	metrics metrics.MetricsCollector
	timeout time.Duration

	inits   singleflight.Group
	lookups singleflight.Group
	seq     atomic.Uint64

	mu          sync.Mutex
	state       State
	applied     uint64
	watchers    map[uint64]func(State)
	nextWatch   uint64
	closed      bool
	unsubscribe func()

	ready     chan struct{}
	readyOnce sync.Once
}

// NewController はControllerを生成し、認証イベントの購読を開始する。
// 初期状態はLoading=true。Initializeが完了するまでWaitはブロックする。
func NewController(auth AuthProvider, admins AdminStore, opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = defaultLookupTimeout
	}

	c := &Controller{
		auth:     auth,
		admins:   admins,
		cache:    NewAdminStatusCache(),
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		timeout:  opts.LookupTimeout,
		state:    State{Loading: true},
		watchers: make(map[uint64]func(State)),
		ready:    make(chan struct{}),
	}
	c.unsubscribe = auth.Subscribe(c.OnAuthEvent)
	return c
}

// Cache はこのControllerが所有する管理者判定キャッシュを返す。
func (c *Controller) Cache() *AdminStatusCache {
	return c.cache
}

// State は現在の状態のスナップショットを返す。
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Ready は最初のInitializeが完了すると閉じられるチャネルを返す。
func (c *Controller) Ready() <-chan struct{} {
	return c.ready
}

// Wait は最初のInitializeの完了を待って状態を返す。
// ctxが先に終了した場合はその時点の状態（Loading=true）とctxのエラーを返す。
func (c *Controller) Wait(ctx context.Context) (State, error) {
	select {
	case <-c.ready:
		return c.State(), nil
	case <-ctx.Done():
		return c.State(), ctx.Err()
	}
}

// Initialize は現在のユーザーを取得し、サインイン中であれば管理者フラグを判定する。
// 実行中に呼ばれた場合は新たに取得せず、実行中の処理の完了を待つ。
// 失敗してもエラーは返さず、State.Errorに記録してサインアウト状態にする。
// 成否にかかわらずLoadingは解除される。
func (c *Controller) Initialize(ctx context.Context) {
	c.inits.Do("initialize", func() (any, error) {
		c.initialize(ctx)
		return nil, nil
	})
}

func (c *Controller) initialize(ctx context.Context) {
	seq := c.seq.Add(1)

	var mutate func(*State)
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("session initialization panicked", slog.Any("panic", r))
			c.cache.Clear()
			mutate = signedOutWithError(fmt.Sprint(r))
		}
		c.finishInitialize(seq, mutate)
	}()

	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	user, err := c.auth.GetCurrentUser(fetchCtx)
	if err != nil {
		c.logger.Warn("failed to load current user", slog.String("error", err.Error()))
		c.cache.Clear()
		mutate = signedOutWithError(err.Error())
		return
	}
	if user == nil {
		c.cache.Clear()
		mutate = func(s *State) {
			s.User = nil
			s.IsAdmin = false
			s.Error = ""
		}
		return
	}

	isAdmin := c.ResolveAdmin(ctx, user.ID)
	mutate = func(s *State) {
		s.User = user
		s.IsAdmin = isAdmin
		s.Error = ""
	}
}

func signedOutWithError(msg string) func(*State) {
	return func(s *State) {
		s.User = nil
		s.IsAdmin = false
		s.Error = LoadErrorPrefix + msg
	}
}

// finishInitialize は初期化結果を適用し、Loadingを解除する。
// 結果が追い越されていてもLoadingの解除は必ず行う。
func (c *Controller) finishInitialize(seq uint64, mutate func(*State)) {
	c.mu.Lock()
	if seq >= c.applied {
		c.applied = seq
		mutate(&c.state)
		c.state.Version = seq
	} else {
		c.metrics.RecordDiscardedUpdate()
		c.logger.Debug("stale initialization result discarded",
			slog.Uint64("seq", seq),
			slog.Uint64("applied", c.applied),
		)
	}
	c.state.Loading = false
	snapshot := c.state
	watchers := c.watcherListLocked()
	c.mu.Unlock()

	c.readyOnce.Do(func() { close(c.ready) })
	c.notify(watchers, snapshot)
}

// ResolveAdmin はユーザーが管理者かどうかを返す。
// キャッシュにあれば照会しない。無ければ管理者ストアを1回だけ照会し、
// 同じユーザーの同時呼び出しはその照会の結果を共有する。
// 「存在しない」はfalseとしてキャッシュする。それ以外の照会エラーはfalseを返し、
// キャッシュせずに次回の呼び出しで再照会する。
func (c *Controller) ResolveAdmin(ctx context.Context, userID string) bool {
	if isAdmin, ok := c.cache.Get(userID); ok {
		c.metrics.RecordAdminCacheHit()
		return isAdmin
	}

	generation := c.cache.Generation()
	key := fmt.Sprintf("%d:%s", generation, userID)

	v, _, _ := c.lookups.Do(key, func() (any, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()

		start := time.Now()
		_, err := c.admins.FindByID(lookupCtx, userID)
		elapsed := time.Since(start)

		switch {
		case err == nil:
			c.metrics.RecordAdminLookup(metrics.LookupAdmin, elapsed)
			c.cache.StoreIf(generation, userID, true)
			return true, nil
		case errors.Is(err, model.ErrAdminNotFound):
			c.metrics.RecordAdminLookup(metrics.LookupNotAdmin, elapsed)
			c.cache.StoreIf(generation, userID, false)
			return false, nil
		default:
			c.metrics.RecordAdminLookup(metrics.LookupError, elapsed)
			c.logger.Warn("admin lookup failed",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
			return false, nil
		}
	})
	return v.(bool)
}

// OnAuthEvent は認証状態の変化を反映する。
// userがnilの場合はキャッシュを消去してサインアウト状態にする。
// SIGNED_INの場合はキャッシュを消去してから管理者フラグを判定し直す。
// その他のイベントではキャッシュを残したまま判定する。
// 処理中のpanicは回復し、管理者フラグをfalseにする。
func (c *Controller) OnAuthEvent(ctx context.Context, event model.AuthEvent, user *model.User) {
	if c.isClosed() {
		return
	}
	seq := c.seq.Add(1)
	c.metrics.RecordAuthEvent(string(event))

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("auth event handling panicked",
				slog.String("event", string(event)),
				slog.Any("panic", r),
			)
			c.apply(seq, func(s *State) { s.IsAdmin = false })
		}
	}()

	if user == nil {
		c.cache.Clear()
		c.apply(seq, func(s *State) {
			s.User = nil
			s.IsAdmin = false
			s.Error = ""
		})
		return
	}

	if event == model.AuthEventSignedIn {
		c.cache.Clear()
	}

	isAdmin := c.ResolveAdmin(ctx, user.ID)
	c.apply(seq, func(s *State) {
		s.User = user
		s.IsAdmin = isAdmin
		s.Error = ""
	})
}

// apply は通し番号seqの更新を適用する。seqが適用済みの番号より古い場合は破棄する。
func (c *Controller) apply(seq uint64, mutate func(*State)) bool {
	c.mu.Lock()
	if seq < c.applied {
		applied := c.applied
		c.mu.Unlock()
		c.metrics.RecordDiscardedUpdate()
		c.logger.Debug("stale session update discarded",
			slog.Uint64("seq", seq),
			slog.Uint64("applied", applied),
		)
		return false
	}
	c.applied = seq
	mutate(&c.state)
	c.state.Version = seq
	snapshot := c.state
	watchers := c.watcherListLocked()
	c.mu.Unlock()

	c.notify(watchers, snapshot)
	return true
}

// Watch は状態が更新されるたびにfnを呼ぶ。戻り値の関数で登録を解除する。
// fnは状態更新を行ったゴルーチンから呼ばれるため、ブロックしてはならない。
func (c *Controller) Watch(fn func(State)) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return func() {}
	}
	c.nextWatch++
	id := c.nextWatch
	c.watchers[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.watchers, id)
	}
}

func (c *Controller) watcherListLocked() []func(State) {
	if len(c.watchers) == 0 {
		return nil
	}
	list := make([]func(State), 0, len(c.watchers))
	for _, fn := range c.watchers {
		list = append(list, fn)
	}
	return list
}

func (c *Controller) notify(watchers []func(State), s State) {
	for _, fn := range watchers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("session watcher panicked", slog.Any("panic", r))
				}
			}()
			fn(s)
		}()
	}
}

// Close は認証イベントの購読を解除する。以降のイベントは無視される。
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	unsubscribe := c.unsubscribe
	clear(c.watchers)
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
