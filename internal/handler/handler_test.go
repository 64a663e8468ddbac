package handler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/consign/internal/auth"
	"github.com/hitoshi/consign/internal/catalog"
	"github.com/hitoshi/consign/internal/guard"
	"github.com/hitoshi/consign/internal/middleware"
	"github.com/hitoshi/consign/internal/model"
	"github.com/hitoshi/consign/internal/session"
)

// --- モック定義 ---

// fakeAuth は認証サービスのインメモリ実装。
type fakeAuth struct {
	mu         sync.Mutex
	users      map[string]*model.User // userID -> user
	passwords  map[string]string      // email -> password
	sessions   map[string]string      // sessionID -> userID
	next       int
	oauth      bool
	currentErr error         // 設定時はGetCurrentUserがこのエラーを返す
	block      chan struct{} // 設定時はGetCurrentUserが閉じられるまで待つ
	changed    []string      // ChangePasswordを呼ばれたユーザーID
}

func newFakeAuth() *fakeAuth {
	return &fakeAuth{
		users:     make(map[string]*model.User),
		passwords: make(map[string]string),
		sessions:  make(map[string]string),
	}
}

var (
	_ AuthServiceInterface            = (*fakeAuth)(nil)
	_ PasswordChanger                 = (*fakeAuth)(nil)
	_ middleware.SessionAuthenticator = (*fakeAuth)(nil)
	_ auth.CurrentUserFinder          = (*fakeAuth)(nil)
)

func (f *fakeAuth) addUser(id, email, password string) *model.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := &model.User{ID: id, Email: email, Name: "Name " + id, PasswordHash: "hash"}
	f.users[id] = u
	f.passwords[email] = password
	return u
}

func (f *fakeAuth) createSessionLocked(userID string) *model.Session {
	f.next++
	id := fmt.Sprintf("sess-%d", f.next)
	f.sessions[id] = userID
	return &model.Session{ID: id, UserID: userID, ExpiresAt: time.Now().Add(time.Hour)}
}

func (f *fakeAuth) createSession(userID string) *model.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createSessionLocked(userID)
}

func (f *fakeAuth) setCurrentErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.currentErr = err
}

func (f *fakeAuth) SignIn(ctx context.Context, email, password string) (*model.Session, *model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.passwords[email]; !ok || p != password {
		return nil, nil, model.NewInvalidCredentialsError()
	}
	for _, u := range f.users {
		if u.Email == email {
			return f.createSessionLocked(u.ID), u, nil
		}
	}
	return nil, nil, model.NewInvalidCredentialsError()
}

func (f *fakeAuth) SignUp(ctx context.Context, email, password, name string) (*model.Session, *model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.passwords[email]; ok {
		return nil, nil, model.NewEmailTakenError()
	}
	f.next++
	u := &model.User{ID: fmt.Sprintf("user-%d", f.next), Email: email, Name: name, PasswordHash: "hash"}
	f.users[u.ID] = u
	f.passwords[email] = password
	return f.createSessionLocked(u.ID), u, nil
}

func (f *fakeAuth) GetLoginURL(state string) (string, error) {
	if !f.oauth {
		return "", auth.ErrOAuthDisabled
	}
	return "https://accounts.google.com/o/oauth2/auth?state=" + state, nil
}

func (f *fakeAuth) HandleCallback(ctx context.Context, code string) (*model.Session, *model.User, error) {
	if code == "unverified" {
		return nil, nil, auth.ErrEmailNotVerified
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users["google-user"]
	if !ok {
		u = &model.User{ID: "google-user", Email: "google@example.com", Name: "Google User"}
		f.users[u.ID] = u
	}
	return f.createSessionLocked(u.ID), u, nil
}

func (f *fakeAuth) Logout(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, sessionID)
	return nil
}

func (f *fakeAuth) SessionMaxAge() time.Duration {
	return time.Hour
}

func (f *fakeAuth) FindSession(ctx context.Context, sessionID string) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	userID, ok := f.sessions[sessionID]
	if !ok {
		return nil, model.ErrSessionNotFound
	}
	return &model.Session{ID: sessionID, UserID: userID, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeAuth) NeedsRefresh(*model.Session) bool {
	return false
}

func (f *fakeAuth) Refresh(ctx context.Context, sessionID string) (*model.Session, error) {
	return f.FindSession(ctx, sessionID)
}

func (f *fakeAuth) GetCurrentUser(ctx context.Context, sessionID string) (*model.User, error) {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.currentErr != nil {
		return nil, f.currentErr
	}
	userID, ok := f.sessions[sessionID]
	if !ok {
		return nil, model.ErrSessionNotFound
	}
	return f.users[userID], nil
}

func (f *fakeAuth) ChangePassword(ctx context.Context, userID, current, next string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return model.NewUserNotFoundError()
	}
	if f.passwords[u.Email] != current {
		return model.NewInvalidCredentialsError()
	}
	f.passwords[u.Email] = next
	f.changed = append(f.changed, userID)
	return nil
}

// fakeAdmins は管理者ストアのインメモリ実装。
type fakeAdmins struct {
	mu  sync.Mutex
	ids map[string]bool
}

func (f *fakeAdmins) FindByID(ctx context.Context, userID string) (*model.AdminUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ids[userID] {
		return nil, model.ErrAdminNotFound
	}
	return &model.AdminUser{ID: userID}, nil
}

func (f *fakeAdmins) set(userID string, admin bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids[userID] = admin
}

// fakeUsers はユーザーサービスのモック。
type fakeUsers struct {
	auth   *fakeAuth
	admins *fakeAdmins

	mu      sync.Mutex
	setLogs []string // "actor->target:grant"
}

var _ UserServiceInterface = (*fakeUsers)(nil)

func (f *fakeUsers) UpdateName(ctx context.Context, userID, name string) (*model.User, error) {
	if strings.TrimSpace(name) == "" {
		return nil, model.NewValidationError("Meno je povinné.")
	}
	f.auth.mu.Lock()
	defer f.auth.mu.Unlock()
	u, ok := f.auth.users[userID]
	if !ok {
		return nil, model.NewUserNotFoundError()
	}
	updated := *u
	updated.Name = name
	f.auth.users[userID] = &updated
	return &updated, nil
}

func (f *fakeUsers) List(ctx context.Context) ([]model.UserWithRole, error) {
	f.auth.mu.Lock()
	defer f.auth.mu.Unlock()
	f.admins.mu.Lock()
	defer f.admins.mu.Unlock()
	var list []model.UserWithRole
	for _, u := range f.auth.users {
		list = append(list, model.UserWithRole{User: *u, IsAdmin: f.admins.ids[u.ID]})
	}
	return list, nil
}

func (f *fakeUsers) SetAdmin(ctx context.Context, actorID, targetID string, grant bool) error {
	if actorID == targetID && !grant {
		return model.NewSelfDemotionError()
	}
	f.mu.Lock()
	f.setLogs = append(f.setLogs, fmt.Sprintf("%s->%s:%t", actorID, targetID, grant))
	f.mu.Unlock()
	f.admins.set(targetID, grant)
	return nil
}

// fakeCatalog は委託販売サービスのモック。
type fakeCatalog struct {
	mu       sync.Mutex
	products []*model.Product
	listings []model.ListedProductView
	sales    []model.SaleView
	settings model.Settings
	err      error // 設定時は更新系の操作がこのエラーを返す

	createdProducts []catalog.ProductInput
	deletedProducts []string
	createdListings []catalog.ListingInput
	returned        []string
	sold            map[string]int
	updatedSettings []model.Settings
}

var _ CatalogServiceInterface = (*fakeCatalog)(nil)

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{settings: model.DefaultSettings(), sold: make(map[string]int)}
}

func (f *fakeCatalog) ListProducts(ctx context.Context) ([]*model.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.products, nil
}

func (f *fakeCatalog) CreateProduct(ctx context.Context, in catalog.ProductInput) (*model.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.createdProducts = append(f.createdProducts, in)
	p := &model.Product{ID: fmt.Sprintf("prod-%d", len(f.products)+1), Name: in.Name, Category: in.Category}
	f.products = append(f.products, p)
	return p, nil
}

func (f *fakeCatalog) DeleteProduct(ctx context.Context, productID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.deletedProducts = append(f.deletedProducts, productID)
	return nil
}

func (f *fakeCatalog) ListListings(ctx context.Context) ([]model.ListedProductView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listings, nil
}

func (f *fakeCatalog) ListListingsByUser(ctx context.Context, userID string) ([]model.ListedProductView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var own []model.ListedProductView
	for _, l := range f.listings {
		if l.UserID == userID {
			own = append(own, l)
		}
	}
	return own, nil
}

func (f *fakeCatalog) CreateListing(ctx context.Context, in catalog.ListingInput) (*model.ListedProduct, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.createdListings = append(f.createdListings, in)
	return &model.ListedProduct{ID: "listing-new", ProductID: in.ProductID, UserID: in.UserID}, nil
}

func (f *fakeCatalog) ReturnListing(ctx context.Context, listingID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.returned = append(f.returned, listingID)
	return nil
}

func (f *fakeCatalog) RecordSale(ctx context.Context, listingID string, quantity int) (*model.Sale, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.sold[listingID] += quantity
	return &model.Sale{ID: "sale-new", ListedProductID: listingID, Quantity: quantity}, nil
}

func (f *fakeCatalog) ListSales(ctx context.Context) ([]model.SaleView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sales, nil
}

func (f *fakeCatalog) ListSalesByUser(ctx context.Context, userID string) ([]model.SaleView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var own []model.SaleView
	for _, s := range f.sales {
		if s.UserID == userID {
			own = append(own, s)
		}
	}
	return own, nil
}

func (f *fakeCatalog) SalesSummary(ctx context.Context, userID string) (model.SalesSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var sum model.SalesSummary
	for _, s := range f.sales {
		if userID != "" && s.UserID != userID {
			continue
		}
		sum.Count++
		sum.AmountCents += s.AmountCents
		sum.CommissionCents += s.CommissionCents
	}
	return sum, nil
}

func (f *fakeCatalog) Settings(ctx context.Context) (model.Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings, nil
}

func (f *fakeCatalog) UpdateSettings(ctx context.Context, commissionPercent int, currency string) (model.Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return model.Settings{}, f.err
	}
	f.settings = model.Settings{CommissionPercent: commissionPercent, Currency: currency}
	f.updatedSettings = append(f.updatedSettings, f.settings)
	return f.settings, nil
}

func (f *fakeCatalog) DashboardStats(ctx context.Context) (model.DashboardStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return model.DashboardStats{Products: len(f.products), ActiveListings: len(f.listings)}, nil
}

// --- テスト用アプリケーション ---

type testAppConfig struct {
	basePath string
	loadWait time.Duration
	oauth    bool
}

// testApp はルーター全体をhttptest.Serverで起動し、Cookieを保持するクライアントで操作する。
type testApp struct {
	t        *testing.T
	server   *httptest.Server
	client   *http.Client
	jar      *cookiejar.Jar
	basePath string

	auth     *fakeAuth
	admins   *fakeAdmins
	users    *fakeUsers
	catalog  *fakeCatalog
	hub      *auth.Hub
	registry *session.Registry
}

func newTestApp(t *testing.T, opts ...func(*testAppConfig)) *testApp {
	t.Helper()

	cfg := testAppConfig{loadWait: 2 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}

	fa := newFakeAuth()
	fa.oauth = cfg.oauth
	admins := &fakeAdmins{ids: make(map[string]bool)}
	users := &fakeUsers{auth: fa, admins: admins}
	cat := newFakeCatalog()

	hub := auth.NewHub(nil)
	registry := session.NewRegistry(
		func(clientID string) session.AuthProvider {
			return auth.NewClientProvider(hub, fa, clientID)
		},
		admins,
		session.RegistryConfig{IdleTTL: time.Hour, CleanupInterval: time.Hour, OnEvict: hub.Detach},
		session.Options{LookupTimeout: 2 * time.Second},
	)
	t.Cleanup(registry.Stop)

	renderer, err := NewRenderer(cfg.basePath)
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}

	limiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	t.Cleanup(limiter.Stop)

	cookie := middleware.CookieConfig{Path: cfg.basePath}
	router := NewRouter(&RouterDeps{
		Client: middleware.ClientConfig{
			Auth:        fa,
			Hub:         hub,
			Controllers: registry,
			Cookie:      cookie,
		},
		RateLimiter:    limiter,
		Guard:          guard.Default(),
		Renderer:       renderer,
		BasePath:       cfg.basePath,
		LoadWait:       cfg.loadWait,
		OAuthEnabled:   cfg.oauth,
		AuthService:    fa,
		AuthEvents:     hub,
		Passwords:      fa,
		UserService:    users,
		CatalogService: cat,
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookiejar.New: %v", err)
	}
	client := &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return &testApp{
		t:        t,
		server:   server,
		client:   client,
		jar:      jar,
		basePath: cfg.basePath,
		auth:     fa,
		admins:   admins,
		users:    users,
		catalog:  cat,
		hub:      hub,
		registry: registry,
	}
}

func (a *testApp) url(path string) string {
	return a.server.URL + a.basePath + path
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

func (a *testApp) get(path string) (*http.Response, string) {
	a.t.Helper()
	resp, err := a.client.Get(a.url(path))
	if err != nil {
		a.t.Fatalf("GET %s: %v", path, err)
	}
	return resp, readBody(a.t, resp)
}

// post はCSRFトークンを付けてフォームを送信する。
func (a *testApp) post(path string, form url.Values) (*http.Response, string) {
	a.t.Helper()
	if form == nil {
		form = url.Values{}
	}
	form.Set(middleware.CSRFFormField, a.csrfToken())
	resp, err := a.client.PostForm(a.url(path), form)
	if err != nil {
		a.t.Fatalf("POST %s: %v", path, err)
	}
	return resp, readBody(a.t, resp)
}

func (a *testApp) cookie(name string) string {
	u, _ := url.Parse(a.url("/"))
	for _, c := range a.jar.Cookies(u) {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

// csrfToken はCSRF Cookieの値を返す。未取得の場合はトップページを開いて取得する。
func (a *testApp) csrfToken() string {
	a.t.Helper()
	if token := a.cookie("csrf_token"); token != "" {
		return token
	}
	a.get("/")
	token := a.cookie("csrf_token")
	if token == "" {
		a.t.Fatal("csrf cookie was not issued")
	}
	return token
}

func (a *testApp) clientID() string {
	return a.cookie(middleware.ClientCookieName)
}

func (a *testApp) controller() *session.Controller {
	a.t.Helper()
	ctrl, ok := a.registry.Lookup(a.clientID())
	if !ok {
		a.t.Fatal("controller not found for client")
	}
	return ctrl
}

// signIn はパスワードでサインインし、成功したことを確認する。
func (a *testApp) signIn(email, password string) {
	a.t.Helper()
	resp, _ := a.post("/auth/signin", url.Values{"email": {email}, "password": {password}})
	if resp.StatusCode != http.StatusSeeOther {
		a.t.Fatalf("sign in status = %d, want %d", resp.StatusCode, http.StatusSeeOther)
	}
	if a.cookie(middleware.SessionCookieName) == "" {
		a.t.Fatal("session cookie was not set after sign in")
	}
}

func (a *testApp) seedMember() *model.User {
	return a.auth.addUser("member-1", "member@example.com", "member-pass")
}

func (a *testApp) seedAdmin() *model.User {
	u := a.auth.addUser("admin-1", "admin@example.com", "admin-pass")
	a.admins.set(u.ID, true)
	return u
}

func assertRedirect(t *testing.T, resp *http.Response, want string) {
	t.Helper()
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusSeeOther)
	}
	if got := resp.Header.Get("Location"); got != want {
		t.Errorf("Location = %q, want %q", got, want)
	}
}

func assertContains(t *testing.T, body, want string) {
	t.Helper()
	if !strings.Contains(body, want) {
		t.Errorf("body does not contain %q", want)
	}
}
