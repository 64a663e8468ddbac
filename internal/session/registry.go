package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ProviderFactory はクライアントIDに対応するAuthProviderを生成する。
type ProviderFactory func(clientID string) AuthProvider

// RegistryConfig はRegistryの設定。
type RegistryConfig struct {
	IdleTTL         time.Duration // 最終アクセスからこの時間を過ぎたControllerを破棄する
	CleanupInterval time.Duration // 破棄対象を探す間隔
	// OnEvict はエントリを削除したのと同じロックの中で呼ばれる。nilでもよい。
	// 同じクライアントの新しいControllerは、OnEvictが戻るまで生成されない。
	// Registryのメソッドを呼んではならない。
	OnEvict func(clientID string)
}

// DefaultRegistryConfig はデフォルトの設定を返す。
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		IdleTTL:         30 * time.Minute,
		CleanupInterval: time.Minute,
	}
}

type registryEntry struct {
	ctrl       *Controller
	lastAccess time.Time
}

// Registry はクライアントIDごとのControllerを保持する。
// 最初のアクセスでControllerを生成してバックグラウンドでInitializeを開始し、
// 一定時間アクセスの無いControllerは購読を解除して破棄する。
type Registry struct {
	newProvider ProviderFactory
	admins      AdminStore
	opts        Options
	config      RegistryConfig

	mu      sync.Mutex
	entries map[string]*registryEntry
	stopped bool

	stopCh   chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewRegistry はRegistryを生成し、バックグラウンドで破棄ループを開始する。
func NewRegistry(newProvider ProviderFactory, admins AdminStore, config RegistryConfig, opts Options) *Registry {
	defaults := DefaultRegistryConfig()
	if config.IdleTTL <= 0 {
		config.IdleTTL = defaults.IdleTTL
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = defaults.CleanupInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	r := &Registry{
		newProvider: newProvider,
		admins:      admins,
		opts:        opts,
		config:      config,
		entries:     make(map[string]*registryEntry),
		stopCh:      make(chan struct{}),
		now:         time.Now,
	}

	go r.cleanupLoop()

	return r
}

// Get はクライアントのControllerを返す。存在しなければ生成してInitializeを開始する。
func (r *Registry) Get(clientID string) *Controller {
	r.mu.Lock()
	if e, ok := r.entries[clientID]; ok {
		e.lastAccess = r.now()
		r.mu.Unlock()
		return e.ctrl
	}

	ctrl := NewController(r.newProvider(clientID), r.admins, r.opts)
	if r.stopped {
		r.mu.Unlock()
		ctrl.Close()
		return ctrl
	}
	r.entries[clientID] = &registryEntry{ctrl: ctrl, lastAccess: r.now()}
	count := len(r.entries)
	r.mu.Unlock()

	if r.opts.Metrics != nil {
		r.opts.Metrics.SetActiveControllers(count)
	}
	go ctrl.Initialize(context.Background())
	return ctrl
}

// Lookup は既存のControllerを返す。生成はしない。
func (r *Registry) Lookup(clientID string) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[clientID]
	if !ok {
		return nil, false
	}
	e.lastAccess = r.now()
	return e.ctrl, true
}

// Len は保持しているController数を返す。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Evict はクライアントのControllerを破棄する。
func (r *Registry) Evict(clientID string) {
	r.mu.Lock()
	e, ok := r.entries[clientID]
	if ok {
		r.removeLocked(clientID)
	}
	count := len(r.entries)
	r.mu.Unlock()

	if ok {
		r.release(clientID, e.ctrl, count)
	}
}

// Stop は破棄ループを停止し、全Controllerを閉じる。
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)

		r.mu.Lock()
		r.stopped = true
		entries := make(map[string]*registryEntry, len(r.entries))
		for clientID, e := range r.entries {
			entries[clientID] = e
			r.removeLocked(clientID)
		}
		r.mu.Unlock()

		for clientID, e := range entries {
			r.release(clientID, e.ctrl, 0)
		}
	})
}

// removeLocked はエントリを削除してOnEvictを呼ぶ。r.muを保持して呼ぶこと。
func (r *Registry) removeLocked(clientID string) {
	delete(r.entries, clientID)
	if r.config.OnEvict != nil {
		r.config.OnEvict(clientID)
	}
}

// release は削除済みエントリのControllerを閉じる。
func (r *Registry) release(clientID string, ctrl *Controller, remaining int) {
	ctrl.Close()
	if r.opts.Metrics != nil {
		r.opts.Metrics.SetActiveControllers(remaining)
	}
}

func (r *Registry) cleanupLoop() {
	ticker := time.NewTicker(r.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.cleanup()
		case <-r.stopCh:
			return
		}
	}
}

// cleanup は最終アクセスからIdleTTLを過ぎたControllerを破棄し、破棄した数を返す。
func (r *Registry) cleanup() int {
	now := r.now()

	r.mu.Lock()
	idle := make(map[string]*Controller)
	for clientID, e := range r.entries {
		if now.Sub(e.lastAccess) > r.config.IdleTTL {
			idle[clientID] = e.ctrl
			r.removeLocked(clientID)
		}
	}
	remaining := len(r.entries)
	r.mu.Unlock()

	for clientID, ctrl := range idle {
		r.release(clientID, ctrl, remaining)
	}
	if len(idle) > 0 {
		r.opts.Logger.Debug("idle session controllers evicted", slog.Int("count", len(idle)))
	}
	return len(idle)
}
