package catalog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hitoshi/consign/internal/model"
	"github.com/hitoshi/consign/internal/repository"
	"github.com/hitoshi/consign/internal/security"
)

// --- モック ---

type mockProductRepo struct {
	products    map[string]*model.Product
	hasListings bool
	deleteErr   error
	created     []*model.Product
}

func (m *mockProductRepo) List(ctx context.Context) ([]*model.Product, error) {
	var out []*model.Product
	for _, p := range m.products {
		out = append(out, p)
	}
	return out, nil
}
func (m *mockProductRepo) FindByID(ctx context.Context, id string) (*model.Product, error) {
	return m.products[id], nil
}
func (m *mockProductRepo) Create(ctx context.Context, product *model.Product) error {
	m.created = append(m.created, product)
	return nil
}
func (m *mockProductRepo) Delete(ctx context.Context, id string) error { return m.deleteErr }
func (m *mockProductRepo) HasListings(ctx context.Context, id string) (bool, error) {
	return m.hasListings, nil
}
func (m *mockProductRepo) Count(ctx context.Context) (int, error) { return len(m.products), nil }

type mockListingRepo struct {
	listings      map[string]*model.ListedProduct
	created       []*model.ListedProduct
	statusUpdates map[string]model.ListingStatus
	activeCount   int
}

func (m *mockListingRepo) Create(ctx context.Context, listing *model.ListedProduct) error {
	m.created = append(m.created, listing)
	return nil
}
func (m *mockListingRepo) FindByID(ctx context.Context, id string) (*model.ListedProduct, error) {
	return m.listings[id], nil
}
func (m *mockListingRepo) List(ctx context.Context) ([]model.ListedProductView, error) {
	return nil, nil
}
func (m *mockListingRepo) ListByUser(ctx context.Context, userID string) ([]model.ListedProductView, error) {
	return nil, nil
}
func (m *mockListingRepo) UpdateStatus(ctx context.Context, id string, status model.ListingStatus) error {
	if m.statusUpdates == nil {
		m.statusUpdates = map[string]model.ListingStatus{}
	}
	m.statusUpdates[id] = status
	return nil
}
func (m *mockListingRepo) CountByStatus(ctx context.Context, status model.ListingStatus) (int, error) {
	return m.activeCount, nil
}

type mockSaleRepo struct {
	recordFn func(ctx context.Context, sale *model.Sale, commission func(int64) int64) error
	summary  model.SalesSummary
}

func (m *mockSaleRepo) Record(ctx context.Context, sale *model.Sale, commission func(int64) int64) error {
	if m.recordFn != nil {
		return m.recordFn(ctx, sale, commission)
	}
	return nil
}
func (m *mockSaleRepo) List(ctx context.Context) ([]model.SaleView, error) { return nil, nil }
func (m *mockSaleRepo) ListByUser(ctx context.Context, userID string) ([]model.SaleView, error) {
	return nil, nil
}
func (m *mockSaleRepo) Summary(ctx context.Context, userID string) (model.SalesSummary, error) {
	return m.summary, nil
}

type mockSettingsRepo struct {
	settings model.Settings
	updated  *model.Settings
}

func (m *mockSettingsRepo) Get(ctx context.Context) (model.Settings, error) { return m.settings, nil }
func (m *mockSettingsRepo) Update(ctx context.Context, settings model.Settings) error {
	m.updated = &settings
	return nil
}

type mockUserRepo struct {
	users map[string]*model.User
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	return m.users[id], nil
}
func (m *mockUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	return nil, nil
}
func (m *mockUserRepo) Create(ctx context.Context, user *model.User) error { return nil }
func (m *mockUserRepo) CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error {
	return nil
}
func (m *mockUserRepo) UpdateName(ctx context.Context, id, name string) error         { return nil }
func (m *mockUserRepo) UpdatePasswordHash(ctx context.Context, id, hash string) error { return nil }
func (m *mockUserRepo) ListWithRoles(ctx context.Context) ([]model.UserWithRole, error) {
	return nil, nil
}
func (m *mockUserRepo) Count(ctx context.Context) (int, error) { return len(m.users), nil }

var (
	_ repository.ProductRepository       = (*mockProductRepo)(nil)
	_ repository.ListedProductRepository = (*mockListingRepo)(nil)
	_ repository.SaleRepository          = (*mockSaleRepo)(nil)
	_ repository.SettingsRepository      = (*mockSettingsRepo)(nil)
	_ repository.UserRepository          = (*mockUserRepo)(nil)
)

type fixture struct {
	products *mockProductRepo
	listings *mockListingRepo
	sales    *mockSaleRepo
	settings *mockSettingsRepo
	users    *mockUserRepo
	svc      *Service
}

func newFixture() *fixture {
	f := &fixture{
		products: &mockProductRepo{products: map[string]*model.Product{
			"p1": {ID: "p1", Name: "Sveter"},
		}},
		listings: &mockListingRepo{listings: map[string]*model.ListedProduct{}},
		sales:    &mockSaleRepo{},
		settings: &mockSettingsRepo{settings: model.DefaultSettings()},
		users: &mockUserRepo{users: map[string]*model.User{
			"u1": {ID: "u1", Email: "jana@example.com"},
		}},
	}
	f.svc = NewService(f.products, f.listings, f.sales, f.settings, f.users, security.NewContentSanitizer())
	f.svc.now = func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }
	return f
}

func errorCode(err error) string {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// --- 商品 ---

func TestService_CreateProduct_SanitizesDescription(t *testing.T) {
	f := newFixture()

	p, err := f.svc.CreateProduct(context.Background(), ProductInput{
		Name:        "  Čiapka  ",
		Description: `<p>Teplá</p><script>alert(1)</script>`,
		Category:    "Oblečenie",
	})
	if err != nil {
		t.Fatalf("CreateProduct() error = %v", err)
	}
	if p.Name != "Čiapka" {
		t.Errorf("Name = %q, want trimmed", p.Name)
	}
	if p.Description != "<p>Teplá</p>" {
		t.Errorf("Description = %q", p.Description)
	}
	if p.ID == "" || len(f.products.created) != 1 {
		t.Error("product should be persisted with a generated ID")
	}
}

func TestService_CreateProduct_RequiresName(t *testing.T) {
	f := newFixture()

	_, err := f.svc.CreateProduct(context.Background(), ProductInput{Name: "   "})
	if errorCode(err) != model.ErrCodeValidation {
		t.Errorf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestService_DeleteProduct(t *testing.T) {
	t.Run("出品がある商品は削除できない", func(t *testing.T) {
		f := newFixture()
		f.products.hasListings = true
		err := f.svc.DeleteProduct(context.Background(), "p1")
		if errorCode(err) != model.ErrCodeProductInUse {
			t.Errorf("expected PRODUCT_IN_USE, got %v", err)
		}
	})

	t.Run("削除時の外部キー違反はPRODUCT_IN_USEになる", func(t *testing.T) {
		f := newFixture()
		f.products.deleteErr = repository.ErrReferenced
		err := f.svc.DeleteProduct(context.Background(), "p1")
		if errorCode(err) != model.ErrCodeProductInUse {
			t.Errorf("expected PRODUCT_IN_USE, got %v", err)
		}
	})

	t.Run("未検出エラーはそのまま返る", func(t *testing.T) {
		f := newFixture()
		f.products.deleteErr = model.NewProductNotFoundError("p9")
		err := f.svc.DeleteProduct(context.Background(), "p9")
		if errorCode(err) != model.ErrCodeProductNotFound {
			t.Errorf("expected PRODUCT_NOT_FOUND, got %v", err)
		}
	})
}

// --- 出品 ---

func TestService_CreateListing(t *testing.T) {
	f := newFixture()

	listing, err := f.svc.CreateListing(context.Background(), ListingInput{
		ProductID: "p1", UserID: "u1", Price: "12,50", Quantity: 2,
	})
	if err != nil {
		t.Fatalf("CreateListing() error = %v", err)
	}
	if listing.PriceCents != 1250 || listing.Quantity != 2 || listing.Status != model.ListingStatusListed {
		t.Errorf("listing = %+v", listing)
	}
}

func TestService_CreateListing_Validation(t *testing.T) {
	tests := []struct {
		name     string
		in       ListingInput
		wantCode string
	}{
		{"不正な価格", ListingInput{ProductID: "p1", UserID: "u1", Price: "abc", Quantity: 1}, model.ErrCodeValidation},
		{"数量0", ListingInput{ProductID: "p1", UserID: "u1", Price: "1", Quantity: 0}, model.ErrCodeValidation},
		{"商品なし", ListingInput{ProductID: "p9", UserID: "u1", Price: "1", Quantity: 1}, model.ErrCodeProductNotFound},
		{"委託者なし", ListingInput{ProductID: "p1", UserID: "u9", Price: "1", Quantity: 1}, model.ErrCodeUserNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			_, err := f.svc.CreateListing(context.Background(), tt.in)
			if errorCode(err) != tt.wantCode {
				t.Errorf("error = %v, want %s", err, tt.wantCode)
			}
			if len(f.listings.created) != 0 {
				t.Error("listing must not be created")
			}
		})
	}
}

func TestService_ReturnListing(t *testing.T) {
	f := newFixture()
	f.listings.listings["l1"] = &model.ListedProduct{ID: "l1", Status: model.ListingStatusListed}
	f.listings.listings["l2"] = &model.ListedProduct{ID: "l2", Status: model.ListingStatusSold}

	if err := f.svc.ReturnListing(context.Background(), "l1"); err != nil {
		t.Fatalf("ReturnListing() error = %v", err)
	}
	if f.listings.statusUpdates["l1"] != model.ListingStatusReturned {
		t.Errorf("status = %q", f.listings.statusUpdates["l1"])
	}

	if err := f.svc.ReturnListing(context.Background(), "l2"); errorCode(err) != model.ErrCodeListingNotAvailable {
		t.Errorf("sold listing: error = %v", err)
	}
	if err := f.svc.ReturnListing(context.Background(), "l9"); errorCode(err) != model.ErrCodeListingNotFound {
		t.Errorf("missing listing: error = %v", err)
	}
}

// --- 販売 ---

func TestService_RecordSale_UsesCurrentCommission(t *testing.T) {
	f := newFixture()
	f.settings.settings.CommissionPercent = 25
	f.sales.recordFn = func(ctx context.Context, sale *model.Sale, commission func(int64) int64) error {
		sale.AmountCents = 1999
		sale.CommissionCents = commission(sale.AmountCents)
		return nil
	}

	sale, err := f.svc.RecordSale(context.Background(), "l1", 1)
	if err != nil {
		t.Fatalf("RecordSale() error = %v", err)
	}
	// 1999 * 25% = 499.75 → 500
	if sale.CommissionCents != 500 {
		t.Errorf("CommissionCents = %d, want 500", sale.CommissionCents)
	}
	if sale.PayoutCents() != 1499 {
		t.Errorf("PayoutCents = %d, want 1499", sale.PayoutCents())
	}
}

func TestService_RecordSale_PassesDomainErrorsThrough(t *testing.T) {
	f := newFixture()
	f.sales.recordFn = func(ctx context.Context, sale *model.Sale, commission func(int64) int64) error {
		return model.NewInsufficientQuantityError(1)
	}

	_, err := f.svc.RecordSale(context.Background(), "l1", 2)
	if errorCode(err) != model.ErrCodeInsufficientQuantity {
		t.Errorf("expected INSUFFICIENT_QUANTITY, got %v", err)
	}

	if _, err := f.svc.RecordSale(context.Background(), "l1", 0); errorCode(err) != model.ErrCodeValidation {
		t.Errorf("quantity 0: error = %v", err)
	}
}

// --- 設定 ---

func TestService_UpdateSettings(t *testing.T) {
	f := newFixture()

	got, err := f.svc.UpdateSettings(context.Background(), 40, " czk ")
	if err != nil {
		t.Fatalf("UpdateSettings() error = %v", err)
	}
	if got.CommissionPercent != 40 || got.Currency != "CZK" {
		t.Errorf("settings = %+v", got)
	}
	if f.settings.updated == nil {
		t.Fatal("settings should be persisted")
	}

	for _, tc := range []struct {
		percent  int
		currency string
	}{{-1, "EUR"}, {101, "EUR"}, {30, "EURO"}, {30, "E1R"}} {
		if _, err := f.svc.UpdateSettings(context.Background(), tc.percent, tc.currency); errorCode(err) != model.ErrCodeValidation {
			t.Errorf("UpdateSettings(%d, %q) error = %v", tc.percent, tc.currency, err)
		}
	}
}

func TestService_DashboardStats(t *testing.T) {
	f := newFixture()
	f.listings.activeCount = 3
	f.sales.summary = model.SalesSummary{Count: 2, AmountCents: 5000, CommissionCents: 1500}

	stats, err := f.svc.DashboardStats(context.Background())
	if err != nil {
		t.Fatalf("DashboardStats() error = %v", err)
	}
	if stats.Products != 1 || stats.ActiveListings != 3 || stats.Users != 1 || stats.Sales.PayoutCents() != 3500 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestCommission(t *testing.T) {
	tests := []struct {
		amount  int64
		percent int
		want    int64
	}{
		{10000, 30, 3000},
		{1, 30, 0},
		{2, 25, 1},
		{999, 0, 0},
		{999, 100, 999},
	}
	for _, tt := range tests {
		if got := Commission(tt.amount, tt.percent); got != tt.want {
			t.Errorf("Commission(%d, %d) = %d, want %d", tt.amount, tt.percent, got, tt.want)
		}
	}
}
