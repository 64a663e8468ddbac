package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/consign/internal/model"
)

// --- モック定義 ---

type fakeAuth struct {
	getCurrentUserFn func(ctx context.Context) (*model.User, error)

	mu        sync.Mutex
	listeners map[int]func(ctx context.Context, event model.AuthEvent, user *model.User)
	next      int
}

func newFakeAuth(getFn func(ctx context.Context) (*model.User, error)) *fakeAuth {
	return &fakeAuth{
		getCurrentUserFn: getFn,
		listeners:        make(map[int]func(ctx context.Context, event model.AuthEvent, user *model.User)),
	}
}

func (f *fakeAuth) GetCurrentUser(ctx context.Context) (*model.User, error) {
	if f.getCurrentUserFn != nil {
		return f.getCurrentUserFn(ctx)
	}
	return nil, nil
}

func (f *fakeAuth) Subscribe(listener func(ctx context.Context, event model.AuthEvent, user *model.User)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := f.next
	f.listeners[id] = listener
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.listeners, id)
	}
}

func (f *fakeAuth) emit(event model.AuthEvent, user *model.User) {
	f.mu.Lock()
	var targets []func(ctx context.Context, event model.AuthEvent, user *model.User)
	for _, l := range f.listeners {
		targets = append(targets, l)
	}
	f.mu.Unlock()
	for _, l := range targets {
		l(context.Background(), event, user)
	}
}

func (f *fakeAuth) listenerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

type fakeAdminStore struct {
	calls    atomic.Int32
	findByID func(ctx context.Context, userID string) (*model.AdminUser, error)
}

func (f *fakeAdminStore) FindByID(ctx context.Context, userID string) (*model.AdminUser, error) {
	f.calls.Add(1)
	return f.findByID(ctx, userID)
}

// adminsByID は指定IDだけが管理者のストアを返す。
func adminsByID(ids ...string) *fakeAdminStore {
	set := make(map[string]bool)
	for _, id := range ids {
		set[id] = true
	}
	return &fakeAdminStore{
		findByID: func(ctx context.Context, userID string) (*model.AdminUser, error) {
			if set[userID] {
				return &model.AdminUser{ID: userID}, nil
			}
			return nil, model.ErrAdminNotFound
		},
	}
}

var (
	_ AuthProvider = (*fakeAuth)(nil)
	_ AdminStore   = (*fakeAdminStore)(nil)
)

func newTestController(auth *fakeAuth, admins *fakeAdminStore) *Controller {
	return NewController(auth, admins, Options{LookupTimeout: time.Second})
}

func waitReady(t *testing.T, c *Controller) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := c.Wait(ctx)
	if err != nil {
		t.Fatalf("controller did not finish loading: %v", err)
	}
	return s
}

// --- ResolveAdmin ---

func TestResolveAdmin_LooksUpOnceThenCaches(t *testing.T) {
	admins := adminsByID("admin-1")
	c := newTestController(newFakeAuth(nil), admins)
	ctx := context.Background()

	if !c.ResolveAdmin(ctx, "admin-1") {
		t.Error("expected admin-1 to be admin")
	}
	if got := admins.calls.Load(); got != 1 {
		t.Fatalf("lookups after first call = %d, want 1", got)
	}

	if !c.ResolveAdmin(ctx, "admin-1") {
		t.Error("expected cached admin-1 to be admin")
	}
	if got := admins.calls.Load(); got != 1 {
		t.Errorf("lookups after second call = %d, want 1", got)
	}
}

func TestResolveAdmin_NotFoundIsFalseAndCached(t *testing.T) {
	admins := adminsByID()
	c := newTestController(newFakeAuth(nil), admins)
	ctx := context.Background()

	if c.ResolveAdmin(ctx, "user-y") {
		t.Error("expected not-found to resolve to false")
	}
	c.ResolveAdmin(ctx, "user-y")

	if got := admins.calls.Load(); got != 1 {
		t.Errorf("lookups = %d, want 1", got)
	}
	if v, ok := c.Cache().Get("user-y"); !ok || v {
		t.Errorf("cache entry = (%v, %v), want (false, true)", v, ok)
	}
}

func TestResolveAdmin_GenericErrorIsFalseAndNotCached(t *testing.T) {
	admins := &fakeAdminStore{
		findByID: func(ctx context.Context, userID string) (*model.AdminUser, error) {
			return nil, errors.New("connection reset by peer")
		},
	}
	c := newTestController(newFakeAuth(nil), admins)
	ctx := context.Background()

	if c.ResolveAdmin(ctx, "user-x") {
		t.Error("expected lookup error to resolve to false")
	}
	if _, ok := c.Cache().Get("user-x"); ok {
		t.Error("a failed lookup must not be cached")
	}

	c.ResolveAdmin(ctx, "user-x")
	if got := admins.calls.Load(); got != 2 {
		t.Errorf("lookups = %d, want 2 (retry after failure)", got)
	}
}

func TestResolveAdmin_ConcurrentCallersShareOneLookup(t *testing.T) {
	gate := make(chan struct{})
	admins := &fakeAdminStore{
		findByID: func(ctx context.Context, userID string) (*model.AdminUser, error) {
			<-gate
			return &model.AdminUser{ID: userID}, nil
		},
	}
	c := newTestController(newFakeAuth(nil), admins)

	const callers = 8
	var wg sync.WaitGroup
	results := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- c.ResolveAdmin(context.Background(), "admin-1")
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()
	close(results)

	for r := range results {
		if !r {
			t.Error("every caller should see admin=true")
		}
	}
	if got := admins.calls.Load(); got != 1 {
		t.Errorf("lookups = %d, want 1", got)
	}
}

func TestResolveAdmin_ClearDiscardsInFlightResult(t *testing.T) {
	started := make(chan struct{})
	gate := make(chan struct{})
	admins := &fakeAdminStore{
		findByID: func(ctx context.Context, userID string) (*model.AdminUser, error) {
			close(started)
			<-gate
			return &model.AdminUser{ID: userID}, nil
		},
	}
	c := newTestController(newFakeAuth(nil), admins)

	done := make(chan bool)
	go func() { done <- c.ResolveAdmin(context.Background(), "u1") }()

	<-started
	c.Cache().Clear()
	close(gate)
	<-done

	if _, ok := c.Cache().Get("u1"); ok {
		t.Error("result of a lookup started before Clear must not repopulate the cache")
	}
}

func TestResolveAdmin_LookupIgnoresCallerCancellation(t *testing.T) {
	admins := &fakeAdminStore{
		findByID: func(ctx context.Context, userID string) (*model.AdminUser, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if _, ok := ctx.Deadline(); !ok {
				t.Error("lookup should run with a deadline")
			}
			return &model.AdminUser{ID: userID}, nil
		},
	}
	c := newTestController(newFakeAuth(nil), admins)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if !c.ResolveAdmin(ctx, "admin-1") {
		t.Error("a canceled request context must not fail the shared lookup")
	}
}

// --- Initialize ---

func TestInitialize_SignedInAdmin(t *testing.T) {
	user := &model.User{ID: "admin-1"}
	c := newTestController(newFakeAuth(func(ctx context.Context) (*model.User, error) {
		return user, nil
	}), adminsByID("admin-1"))

	if !c.State().Loading {
		t.Fatal("a new controller should be loading")
	}

	c.Initialize(context.Background())
	s := waitReady(t, c)

	if s.Loading {
		t.Error("Loading should be cleared")
	}
	if s.User != user || !s.IsAdmin || s.Error != "" {
		t.Errorf("state = %+v", s)
	}
}

func TestInitialize_SignedOut(t *testing.T) {
	admins := adminsByID()
	c := newTestController(newFakeAuth(nil), admins)

	c.Initialize(context.Background())
	s := waitReady(t, c)

	if s.SignedIn() || s.IsAdmin || s.Loading {
		t.Errorf("state = %+v", s)
	}
	if admins.calls.Load() != 0 {
		t.Error("no admin lookup expected without a user")
	}
}

func TestInitialize_FetchErrorSetsPrefixedMessage(t *testing.T) {
	c := newTestController(newFakeAuth(func(ctx context.Context) (*model.User, error) {
		return nil, errors.New("network down")
	}), adminsByID())

	c.Initialize(context.Background())
	s := waitReady(t, c)

	if s.Error != LoadErrorPrefix+"network down" {
		t.Errorf("Error = %q", s.Error)
	}
	if s.SignedIn() || s.IsAdmin || s.Loading {
		t.Errorf("state = %+v", s)
	}
}

func TestInitialize_PanicIsRecoveredAndClearsLoading(t *testing.T) {
	c := newTestController(newFakeAuth(func(ctx context.Context) (*model.User, error) {
		panic("boom")
	}), adminsByID())

	c.Initialize(context.Background())
	s := waitReady(t, c)

	if s.Loading || s.SignedIn() || s.Error == "" {
		t.Errorf("state = %+v", s)
	}
}

func TestInitialize_ConcurrentCallsJoin(t *testing.T) {
	var fetches atomic.Int32
	gate := make(chan struct{})
	c := newTestController(newFakeAuth(func(ctx context.Context) (*model.User, error) {
		fetches.Add(1)
		<-gate
		return nil, nil
	}), adminsByID())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Initialize(context.Background())
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	if got := fetches.Load(); got != 1 {
		t.Errorf("fetches = %d, want 1", got)
	}
}

func TestInitialize_StaleResultIsDiscardedButLoadingClears(t *testing.T) {
	fetching := make(chan struct{})
	gate := make(chan struct{})
	auth := newFakeAuth(func(ctx context.Context) (*model.User, error) {
		close(fetching)
		<-gate
		return &model.User{ID: "admin-1"}, nil
	})
	c := newTestController(auth, adminsByID("admin-1"))

	go c.Initialize(context.Background())
	<-fetching

	// 初期化の開始後に始まったサインアウトが優先される
	auth.emit(model.AuthEventSignedOut, nil)
	close(gate)

	s := waitReady(t, c)
	if s.SignedIn() || s.IsAdmin {
		t.Errorf("stale initialization overwrote a newer sign-out: %+v", s)
	}
	if s.Loading {
		t.Error("Loading must be cleared even when the result is discarded")
	}
}

func TestWait_ContextDone(t *testing.T) {
	c := newTestController(newFakeAuth(nil), adminsByID())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	s, err := c.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
	if !s.Loading {
		t.Error("state should still be loading")
	}
}

// --- OnAuthEvent ---

func TestOnAuthEvent_SignOutClearsEverything(t *testing.T) {
	user := &model.User{ID: "admin-1"}
	auth := newFakeAuth(func(ctx context.Context) (*model.User, error) { return user, nil })
	c := newTestController(auth, adminsByID("admin-1"))
	c.Initialize(context.Background())
	waitReady(t, c)

	if c.Cache().Len() != 1 {
		t.Fatalf("cache len = %d, want 1", c.Cache().Len())
	}

	auth.emit(model.AuthEventSignedOut, nil)

	s := c.State()
	if s.SignedIn() || s.IsAdmin {
		t.Errorf("state after sign-out = %+v", s)
	}
	if c.Cache().Len() != 0 {
		t.Errorf("cache len after sign-out = %d, want 0", c.Cache().Len())
	}
}

func TestOnAuthEvent_SignedInClearsCacheBeforeResolving(t *testing.T) {
	isAdmin := true
	admins := &fakeAdminStore{
		findByID: func(ctx context.Context, userID string) (*model.AdminUser, error) {
			if isAdmin {
				return &model.AdminUser{ID: userID}, nil
			}
			return nil, model.ErrAdminNotFound
		},
	}
	auth := newFakeAuth(nil)
	c := newTestController(auth, admins)
	user := &model.User{ID: "u1"}

	if !c.ResolveAdmin(context.Background(), "u1") {
		t.Fatal("expected cached admin=true")
	}

	isAdmin = false
	auth.emit(model.AuthEventSignedIn, user)

	if got := admins.calls.Load(); got != 2 {
		t.Errorf("lookups = %d, want 2 (SIGNED_IN must re-resolve)", got)
	}
	s := c.State()
	if s.IsAdmin {
		t.Error("stale cached admin=true survived a fresh sign-in")
	}
	if s.User != user {
		t.Errorf("user = %+v, want %+v", s.User, user)
	}
}

func TestOnAuthEvent_RefreshKeepsCache(t *testing.T) {
	admins := adminsByID("u1")
	auth := newFakeAuth(nil)
	c := newTestController(auth, admins)
	user := &model.User{ID: "u1"}

	auth.emit(model.AuthEventSignedIn, user)
	auth.emit(model.AuthEventTokenRefreshed, user)

	if got := admins.calls.Load(); got != 1 {
		t.Errorf("lookups = %d, want 1", got)
	}
	if !c.State().IsAdmin {
		t.Error("expected admin after refresh")
	}
}

func TestOnAuthEvent_ClearsLoadError(t *testing.T) {
	auth := newFakeAuth(func(ctx context.Context) (*model.User, error) {
		return nil, errors.New("timeout")
	})
	c := newTestController(auth, adminsByID())
	c.Initialize(context.Background())
	waitReady(t, c)

	auth.emit(model.AuthEventSignedIn, &model.User{ID: "u1"})

	if s := c.State(); s.Error != "" || !s.SignedIn() {
		t.Errorf("state = %+v", s)
	}
}

func TestOnAuthEvent_PanicForcesNonAdmin(t *testing.T) {
	panicking := false
	admins := &fakeAdminStore{
		findByID: func(ctx context.Context, userID string) (*model.AdminUser, error) {
			if panicking {
				panic("store exploded")
			}
			return &model.AdminUser{ID: userID}, nil
		},
	}
	auth := newFakeAuth(nil)
	c := newTestController(auth, admins)

	auth.emit(model.AuthEventSignedIn, &model.User{ID: "u1"})
	if !c.State().IsAdmin {
		t.Fatal("expected admin before the failure")
	}

	panicking = true
	auth.emit(model.AuthEventSignedIn, &model.User{ID: "u1"})

	if c.State().IsAdmin {
		t.Error("a panicking handler must leave IsAdmin=false")
	}
}

func TestOnAuthEvent_VersionIncreases(t *testing.T) {
	auth := newFakeAuth(nil)
	c := newTestController(auth, adminsByID())

	auth.emit(model.AuthEventSignedIn, &model.User{ID: "u1"})
	v1 := c.State().Version
	auth.emit(model.AuthEventSignedOut, nil)
	v2 := c.State().Version

	if v2 <= v1 {
		t.Errorf("version did not increase: %d -> %d", v1, v2)
	}
}

func TestOnAuthEvent_OlderEventFinishingLastIsDiscarded(t *testing.T) {
	started := make(chan struct{})
	gate := make(chan struct{})
	admins := &fakeAdminStore{
		findByID: func(ctx context.Context, userID string) (*model.AdminUser, error) {
			if userID == "slow" {
				close(started)
				<-gate
			}
			return &model.AdminUser{ID: userID}, nil
		},
	}
	auth := newFakeAuth(nil)
	c := newTestController(auth, admins)

	done := make(chan struct{})
	go func() {
		auth.emit(model.AuthEventSignedIn, &model.User{ID: "slow"})
		close(done)
	}()
	<-started

	auth.emit(model.AuthEventSignedOut, nil)
	close(gate)
	<-done

	if s := c.State(); s.SignedIn() {
		t.Errorf("older sign-in overwrote newer sign-out: %+v", s)
	}
}

// --- Watch / Close ---

func TestWatch_ReceivesUpdates(t *testing.T) {
	auth := newFakeAuth(nil)
	c := newTestController(auth, adminsByID())

	var got []State
	cancel := c.Watch(func(s State) { got = append(got, s) })

	auth.emit(model.AuthEventSignedIn, &model.User{ID: "u1"})
	cancel()
	auth.emit(model.AuthEventSignedOut, nil)

	if len(got) != 1 {
		t.Fatalf("got %d notifications, want 1", len(got))
	}
	if !got[0].SignedIn() {
		t.Error("notification should carry the signed-in state")
	}
}

func TestWatch_PanickingWatcherDoesNotBreakUpdates(t *testing.T) {
	auth := newFakeAuth(nil)
	c := newTestController(auth, adminsByID("u1"))
	c.Watch(func(s State) { panic("bad watcher") })

	auth.emit(model.AuthEventSignedIn, &model.User{ID: "u1"})

	if !c.State().IsAdmin {
		t.Error("state should be applied despite the panicking watcher")
	}
}

func TestClose_UnsubscribesAndIgnoresEvents(t *testing.T) {
	auth := newFakeAuth(nil)
	c := newTestController(auth, adminsByID())

	if auth.listenerCount() != 1 {
		t.Fatalf("listeners = %d, want 1", auth.listenerCount())
	}

	c.Close()
	c.Close()

	if auth.listenerCount() != 0 {
		t.Errorf("listeners after Close = %d, want 0", auth.listenerCount())
	}

	c.OnAuthEvent(context.Background(), model.AuthEventSignedIn, &model.User{ID: "u1"})
	if c.State().SignedIn() {
		t.Error("events after Close must be ignored")
	}
}
