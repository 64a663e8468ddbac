package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/consign/internal/catalog"
	"github.com/hitoshi/consign/internal/guard"
	"github.com/hitoshi/consign/internal/metrics"
	"github.com/hitoshi/consign/internal/middleware"
	"github.com/hitoshi/consign/internal/model"
	"github.com/hitoshi/consign/internal/session"
)

// CatalogServiceInterface は画面表示と管理操作が必要とする委託販売サービスのインターフェース。
type CatalogServiceInterface interface {
	ListProducts(ctx context.Context) ([]*model.Product, error)
	CreateProduct(ctx context.Context, in catalog.ProductInput) (*model.Product, error)
	DeleteProduct(ctx context.Context, productID string) error
	ListListings(ctx context.Context) ([]model.ListedProductView, error)
	ListListingsByUser(ctx context.Context, userID string) ([]model.ListedProductView, error)
	CreateListing(ctx context.Context, in catalog.ListingInput) (*model.ListedProduct, error)
	ReturnListing(ctx context.Context, listingID string) error
	RecordSale(ctx context.Context, listingID string, quantity int) (*model.Sale, error)
	ListSales(ctx context.Context) ([]model.SaleView, error)
	ListSalesByUser(ctx context.Context, userID string) ([]model.SaleView, error)
	SalesSummary(ctx context.Context, userID string) (model.SalesSummary, error)
	Settings(ctx context.Context) (model.Settings, error)
	UpdateSettings(ctx context.Context, commissionPercent int, currency string) (model.Settings, error)
	DashboardStats(ctx context.Context) (model.DashboardStats, error)
}

// UserServiceInterface はプロフィールとユーザー管理が必要とするサービスインターフェース。
type UserServiceInterface interface {
	UpdateName(ctx context.Context, userID, name string) (*model.User, error)
	List(ctx context.Context) ([]model.UserWithRole, error)
	SetAdmin(ctx context.Context, actorID, targetID string, grant bool) error
}

// PageConfig は画面ハンドラーの設定。
type PageConfig struct {
	LoadWait     time.Duration // 認証状態の確定を待つ上限。0以下なら待たない
	OAuthEnabled bool
	Cookie       middleware.CookieConfig
}

// PageHandler はルートガードの判定に従って画面を描画する。
type PageHandler struct {
	table    *guard.Table
	renderer *Renderer
	catalog  CatalogServiceInterface
	users    UserServiceInterface
	metrics  metrics.MetricsCollector
	config   PageConfig
}

// NewPageHandler はPageHandlerを生成する。collectorがnilの場合はメトリクスを記録しない。
func NewPageHandler(
	table *guard.Table,
	renderer *Renderer,
	catalogService CatalogServiceInterface,
	users UserServiceInterface,
	collector metrics.MetricsCollector,
	config PageConfig,
) *PageHandler {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &PageHandler{
		table:    table,
		renderer: renderer,
		catalog:  catalogService,
		users:    users,
		metrics:  collector,
		config:   config,
	}
}

// memberOverview は委託者ダッシュボードのデータ。
type memberOverview struct {
	Listings []model.ListedProductView
	Summary  model.SalesSummary
}

// salesPage は販売一覧画面のデータ。
type salesPage struct {
	Sales   []model.SaleView
	Summary model.SalesSummary
}

// listingsPage は出品管理画面のデータ。
type listingsPage struct {
	Listings []model.ListedProductView
	Products []*model.Product
	Users    []model.UserWithRole
}

// View はpathの画面を表示するハンドラーを返す。
// GET /, /dashboard, /profile, /sales, /admin/*
func (h *PageHandler) View(path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.serve(w, r, path)
	}
}

// NotFound は未定義のパスを処理する。
// 末尾スラッシュ付きなどの表記揺れはルートガードで正規化する。
func (h *PageHandler) NotFound(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, h.appPath(r))
}

// appPath はリクエストパスからBASE_PATHを除いたアプリケーション内のパスを返す。
func (h *PageHandler) appPath(r *http.Request) string {
	path := strings.TrimPrefix(r.URL.Path, h.renderer.basePath)
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}

func (h *PageHandler) serve(w http.ResponseWriter, r *http.Request, path string) {
	ctrl, ok := middleware.ControllerFromContext(r.Context())
	if !ok {
		slog.Error("session controller not found in context")
		middleware.WriteInternalServerError(w)
		return
	}

	state := h.awaitState(r.Context(), ctrl)
	decision := h.table.Decide(path, subjectOf(state))
	h.metrics.RecordGuardDecision(decision.Outcome.String())

	switch decision.Outcome {
	case guard.OutcomeRedirect:
		http.Redirect(w, r, h.renderer.basePath+decision.Location, http.StatusSeeOther)
	case guard.OutcomeLoading:
		h.render(w, r, http.StatusOK, guard.ViewLoading, state, nil, "")
	case guard.OutcomeNotFound:
		h.render(w, r, http.StatusNotFound, guard.ViewNotFound, state, nil, "")
	default:
		data, currency, err := h.load(r.Context(), decision.View, state)
		if err != nil {
			slog.Error("failed to load view data",
				slog.String("view", string(decision.View)),
				slog.String("error", err.Error()),
			)
			middleware.WriteInternalServerError(w)
			return
		}
		h.render(w, r, http.StatusOK, decision.View, state, data, currency)
	}
}

// awaitState は最初のInitializeの完了をLoadWaitまで待って状態を返す。
func (h *PageHandler) awaitState(ctx context.Context, ctrl *session.Controller) session.State {
	if h.config.LoadWait <= 0 {
		return ctrl.State()
	}
	waitCtx, cancel := context.WithTimeout(ctx, h.config.LoadWait)
	defer cancel()
	state, _ := ctrl.Wait(waitCtx)
	return state
}

// load は画面ごとの表示データと通貨コードを取得する。
func (h *PageHandler) load(ctx context.Context, view guard.View, state session.State) (any, string, error) {
	switch view {
	case guard.ViewSignIn, guard.ViewProfile:
		return nil, "", nil
	case guard.ViewAdminUsers:
		users, err := h.users.List(ctx)
		return users, "", err
	case guard.ViewAdminProducts:
		products, err := h.catalog.ListProducts(ctx)
		return products, "", err
	case guard.ViewAdminSettings:
		settings, err := h.catalog.Settings(ctx)
		return settings, settings.Currency, err
	}

	settings, err := h.catalog.Settings(ctx)
	if err != nil {
		return nil, "", err
	}
	data, err := h.loadPriced(ctx, view, state.UserID())
	return data, settings.Currency, err
}

// loadPriced は金額を含む画面のデータを取得する。
func (h *PageHandler) loadPriced(ctx context.Context, view guard.View, userID string) (any, error) {
	switch view {
	case guard.ViewDashboard:
		listings, err := h.catalog.ListListingsByUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		summary, err := h.catalog.SalesSummary(ctx, userID)
		if err != nil {
			return nil, err
		}
		return memberOverview{Listings: listings, Summary: summary}, nil

	case guard.ViewSales:
		sales, err := h.catalog.ListSalesByUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		summary, err := h.catalog.SalesSummary(ctx, userID)
		if err != nil {
			return nil, err
		}
		return salesPage{Sales: sales, Summary: summary}, nil

	case guard.ViewAdminDashboard:
		return h.catalog.DashboardStats(ctx)

	case guard.ViewAdminSales:
		sales, err := h.catalog.ListSales(ctx)
		if err != nil {
			return nil, err
		}
		summary, err := h.catalog.SalesSummary(ctx, "")
		if err != nil {
			return nil, err
		}
		return salesPage{Sales: sales, Summary: summary}, nil

	case guard.ViewAdminListed:
		listings, err := h.catalog.ListListings(ctx)
		if err != nil {
			return nil, err
		}
		products, err := h.catalog.ListProducts(ctx)
		if err != nil {
			return nil, err
		}
		users, err := h.users.List(ctx)
		if err != nil {
			return nil, err
		}
		return listingsPage{Listings: listings, Products: products, Users: users}, nil
	}
	return nil, nil
}

func (h *PageHandler) render(w http.ResponseWriter, r *http.Request, status int, view guard.View, state session.State, data any, currency string) {
	h.renderer.Render(w, status, view, &pageData{
		CSRFToken:    middleware.CSRFTokenFromContext(r.Context()),
		State:        stateKey(state),
		User:         state.User,
		IsAdmin:      state.IsAdmin,
		LoadError:    state.Error,
		Version:      state.Version,
		Flash:        popFlash(w, r, h.config.Cookie),
		OAuthEnabled: h.config.OAuthEnabled,
		Currency:     currency,
		Data:         data,
	})
}

// subjectOf はセッション状態をルートガードの入力に変換する。
func subjectOf(state session.State) guard.Subject {
	return guard.Subject{
		Loading:  state.Loading,
		SignedIn: state.SignedIn(),
		IsAdmin:  state.IsAdmin,
	}
}
