package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/consign/internal/catalog"
	"github.com/hitoshi/consign/internal/guard"
	"github.com/hitoshi/consign/internal/metrics"
)

// AdminHandler は管理画面からのフォーム送信を処理する。
// 各操作は送信元の管理画面と同じルートガードで保護する。
type AdminHandler struct {
	catalog CatalogServiceInterface
	users   UserServiceInterface
	guard   actionGuard
}

// NewAdminHandler はAdminHandlerを生成する。
func NewAdminHandler(
	catalogService CatalogServiceInterface,
	users UserServiceInterface,
	table *guard.Table,
	collector metrics.MetricsCollector,
	config ActionConfig,
) *AdminHandler {
	return &AdminHandler{
		catalog: catalogService,
		users:   users,
		guard:   newActionGuard(table, collector, config),
	}
}

const (
	adminProductsPath = "/admin/products"
	adminUsersPath    = "/admin/users"
	adminListedPath   = "/admin/listed-products"
	adminSalesPath    = "/admin/sales"
	adminSettingsPath = "/admin/settings"
)

// CreateProduct は商品を登録する。
// POST /admin/products
func (h *AdminHandler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.guard.authorize(w, r, adminProductsPath); !ok {
		return
	}

	_, err := h.catalog.CreateProduct(r.Context(), catalog.ProductInput{
		Name:        r.PostFormValue("name"),
		Description: r.PostFormValue("description"),
		Category:    r.PostFormValue("category"),
	})
	h.guard.finish(w, r, adminProductsPath, err, "Produkt bol pridaný.")
}

// DeleteProduct は商品を削除する。
// POST /admin/products/{id}/delete
func (h *AdminHandler) DeleteProduct(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.guard.authorize(w, r, adminProductsPath); !ok {
		return
	}

	err := h.catalog.DeleteProduct(r.Context(), chi.URLParam(r, "id"))
	h.guard.finish(w, r, adminProductsPath, err, "Produkt bol odstránený.")
}

// SetAdmin は管理者権限を付与または剥奪する。
// POST /admin/users/{id}/admin (grant=true|false)
func (h *AdminHandler) SetAdmin(w http.ResponseWriter, r *http.Request) {
	state, ok := h.guard.authorize(w, r, adminUsersPath)
	if !ok {
		return
	}

	grant := r.PostFormValue("grant") == "true"
	err := h.users.SetAdmin(r.Context(), state.UserID(), chi.URLParam(r, "id"), grant)

	success := "Administrátorské práva boli odobraté."
	if grant {
		success = "Administrátorské práva boli pridelené."
	}
	h.guard.finish(w, r, adminUsersPath, err, success)
}

// CreateListing は委託品を受け付ける。
// POST /admin/listed-products
func (h *AdminHandler) CreateListing(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.guard.authorize(w, r, adminListedPath); !ok {
		return
	}

	quantity, err := formInt(r, "quantity", "Neplatné množstvo.")
	if err == nil {
		_, err = h.catalog.CreateListing(r.Context(), catalog.ListingInput{
			ProductID: r.PostFormValue("product_id"),
			UserID:    r.PostFormValue("user_id"),
			Price:     r.PostFormValue("price"),
			Quantity:  quantity,
		})
	}
	h.guard.finish(w, r, adminListedPath, err, "Položka bola prijatá do komisie.")
}

// ReturnListing は委託品を委託者に返却する。
// POST /admin/listed-products/{id}/return
func (h *AdminHandler) ReturnListing(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.guard.authorize(w, r, adminListedPath); !ok {
		return
	}

	err := h.catalog.ReturnListing(r.Context(), chi.URLParam(r, "id"))
	h.guard.finish(w, r, adminListedPath, err, "Položka bola vrátená.")
}

// RecordSale は委託品の販売を記録する。
// POST /admin/sales
func (h *AdminHandler) RecordSale(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.guard.authorize(w, r, adminSalesPath); !ok {
		return
	}

	quantity, err := formInt(r, "quantity", "Neplatné množstvo.")
	if err == nil {
		_, err = h.catalog.RecordSale(r.Context(), r.PostFormValue("listed_product_id"), quantity)
	}
	h.guard.finish(w, r, adminSalesPath, err, "Predaj bol zaznamenaný.")
}

// UpdateSettings は手数料率と通貨を変更する。
// POST /admin/settings
func (h *AdminHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.guard.authorize(w, r, adminSettingsPath); !ok {
		return
	}

	percent, err := formInt(r, "commission_percent", "Neplatná výška provízie.")
	if err == nil {
		_, err = h.catalog.UpdateSettings(r.Context(), percent, r.PostFormValue("currency"))
	}
	h.guard.finish(w, r, adminSettingsPath, err, "Nastavenia boli uložené.")
}
