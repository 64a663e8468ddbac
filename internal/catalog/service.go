// Package catalog は商品・出品・販売記録・設定のドメインロジックを提供する。
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/hitoshi/consign/internal/model"
	"github.com/hitoshi/consign/internal/repository"
	"github.com/hitoshi/consign/internal/security"
)

const (
	maxProductNameLength = 255
	maxCategoryLength    = 100
	maxQuantity          = 10000
)

// Service は委託販売カタログのサービス層。
type Service struct {
	productRepo  repository.ProductRepository
	listingRepo  repository.ListedProductRepository
	saleRepo     repository.SaleRepository
	settingsRepo repository.SettingsRepository
	userRepo     repository.UserRepository
	sanitizer    security.ContentSanitizerService
	now          func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	productRepo repository.ProductRepository,
	listingRepo repository.ListedProductRepository,
	saleRepo repository.SaleRepository,
	settingsRepo repository.SettingsRepository,
	userRepo repository.UserRepository,
	sanitizer security.ContentSanitizerService,
) *Service {
	return &Service{
		productRepo:  productRepo,
		listingRepo:  listingRepo,
		saleRepo:     saleRepo,
		settingsRepo: settingsRepo,
		userRepo:     userRepo,
		sanitizer:    sanitizer,
		now:          time.Now,
	}
}

// ProductInput は商品作成フォームの入力値。
type ProductInput struct {
	Name        string
	Description string
	Category    string
}

// ListProducts は全商品を返す。
func (s *Service) ListProducts(ctx context.Context) ([]*model.Product, error) {
	products, err := s.productRepo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("商品一覧の取得に失敗しました: %w", err)
	}
	return products, nil
}

// CreateProduct は商品を作成する。説明文のHTMLはサニタイズして保存する。
func (s *Service) CreateProduct(ctx context.Context, in ProductInput) (*model.Product, error) {
	name := strings.TrimSpace(in.Name)
	category := strings.TrimSpace(in.Category)
	if name == "" {
		return nil, model.NewValidationError("Názov produktu je povinný.")
	}
	if utf8.RuneCountInString(name) > maxProductNameLength {
		return nil, model.NewValidationError(fmt.Sprintf("Názov môže mať najviac %d znakov.", maxProductNameLength))
	}
	if utf8.RuneCountInString(category) > maxCategoryLength {
		return nil, model.NewValidationError(fmt.Sprintf("Kategória môže mať najviac %d znakov.", maxCategoryLength))
	}

	now := s.now()
	product := &model.Product{
		ID:          uuid.New().String(),
		Name:        name,
		Description: s.sanitizer.Sanitize(in.Description),
		Category:    category,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.productRepo.Create(ctx, product); err != nil {
		return nil, fmt.Errorf("商品の作成に失敗しました: %w", err)
	}

	slog.Info("商品を作成しました", slog.String("product_id", product.ID))
	return product, nil
}

// DeleteProduct は商品を削除する。出品から参照されている商品は削除できない。
func (s *Service) DeleteProduct(ctx context.Context, productID string) error {
	inUse, err := s.productRepo.HasListings(ctx, productID)
	if err != nil {
		return fmt.Errorf("出品の確認に失敗しました: %w", err)
	}
	if inUse {
		return model.NewProductInUseError()
	}

	if err := s.productRepo.Delete(ctx, productID); err != nil {
		// HasListingsの確認後に出品が作成された場合
		if errors.Is(err, repository.ErrReferenced) {
			return model.NewProductInUseError()
		}
		return fmt.Errorf("商品の削除に失敗しました: %w", err)
	}

	slog.Info("商品を削除しました", slog.String("product_id", productID))
	return nil
}

// ListingInput は出品作成フォームの入力値。
type ListingInput struct {
	ProductID string
	UserID    string
	Price     string // "12,50" 形式
	Quantity  int
}

// ListListings は全出品を返す。
func (s *Service) ListListings(ctx context.Context) ([]model.ListedProductView, error) {
	listings, err := s.listingRepo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("出品一覧の取得に失敗しました: %w", err)
	}
	return listings, nil
}

// ListListingsByUser は委託者本人の出品を返す。
func (s *Service) ListListingsByUser(ctx context.Context, userID string) ([]model.ListedProductView, error) {
	listings, err := s.listingRepo.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("出品一覧の取得に失敗しました: %w", err)
	}
	return listings, nil
}

// CreateListing は委託者の商品を出品する。
func (s *Service) CreateListing(ctx context.Context, in ListingInput) (*model.ListedProduct, error) {
	priceCents, err := ParsePrice(in.Price)
	if err != nil {
		return nil, err
	}
	if in.Quantity < 1 || in.Quantity > maxQuantity {
		return nil, model.NewValidationError(fmt.Sprintf("Množstvo musí byť medzi 1 a %d.", maxQuantity))
	}

	product, err := s.productRepo.FindByID(ctx, in.ProductID)
	if err != nil {
		return nil, fmt.Errorf("商品の取得に失敗しました: %w", err)
	}
	if product == nil {
		return nil, model.NewProductNotFoundError(in.ProductID)
	}
	consignor, err := s.userRepo.FindByID(ctx, in.UserID)
	if err != nil {
		return nil, fmt.Errorf("委託者の取得に失敗しました: %w", err)
	}
	if consignor == nil {
		return nil, model.NewUserNotFoundError()
	}

	now := s.now()
	listing := &model.ListedProduct{
		ID:         uuid.New().String(),
		ProductID:  product.ID,
		UserID:     consignor.ID,
		PriceCents: priceCents,
		Quantity:   in.Quantity,
		Status:     model.ListingStatusListed,
		ListedAt:   now,
		UpdatedAt:  now,
	}
	if err := s.listingRepo.Create(ctx, listing); err != nil {
		return nil, fmt.Errorf("出品の作成に失敗しました: %w", err)
	}

	slog.Info("出品を作成しました",
		slog.String("listing_id", listing.ID),
		slog.String("user_id", listing.UserID),
	)
	return listing, nil
}

// ReturnListing は販売中の出品を委託者に返却済みにする。
func (s *Service) ReturnListing(ctx context.Context, listingID string) error {
	listing, err := s.listingRepo.FindByID(ctx, listingID)
	if err != nil {
		return fmt.Errorf("出品の取得に失敗しました: %w", err)
	}
	if listing == nil {
		return model.NewListingNotFoundError(listingID)
	}
	if listing.Status != model.ListingStatusListed {
		return model.NewListingNotAvailableError()
	}

	if err := s.listingRepo.UpdateStatus(ctx, listingID, model.ListingStatusReturned); err != nil {
		return fmt.Errorf("出品の返却に失敗しました: %w", err)
	}
	return nil
}

// RecordSale は出品の販売を記録する。手数料は現在の設定値で計算する。
func (s *Service) RecordSale(ctx context.Context, listingID string, quantity int) (*model.Sale, error) {
	if quantity < 1 {
		return nil, model.NewValidationError("Množstvo musí byť aspoň 1.")
	}

	settings, err := s.settingsRepo.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("設定の取得に失敗しました: %w", err)
	}

	sale := &model.Sale{
		ID:              uuid.New().String(),
		ListedProductID: listingID,
		Quantity:        quantity,
		SoldAt:          s.now(),
	}
	commission := func(amountCents int64) int64 {
		return Commission(amountCents, settings.CommissionPercent)
	}
	if err := s.saleRepo.Record(ctx, sale, commission); err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			return nil, err
		}
		return nil, fmt.Errorf("販売記録の作成に失敗しました: %w", err)
	}

	slog.Info("販売を記録しました",
		slog.String("sale_id", sale.ID),
		slog.String("listing_id", listingID),
		slog.Int64("amount_cents", sale.AmountCents),
	)
	return sale, nil
}

// ListSales は全販売記録を返す。
func (s *Service) ListSales(ctx context.Context) ([]model.SaleView, error) {
	sales, err := s.saleRepo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("販売記録の取得に失敗しました: %w", err)
	}
	return sales, nil
}

// ListSalesByUser は委託者本人の販売記録を返す。
func (s *Service) ListSalesByUser(ctx context.Context, userID string) ([]model.SaleView, error) {
	sales, err := s.saleRepo.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("販売記録の取得に失敗しました: %w", err)
	}
	return sales, nil
}

// SalesSummary は販売記録を集計する。userIDが空の場合は全体を集計する。
func (s *Service) SalesSummary(ctx context.Context, userID string) (model.SalesSummary, error) {
	summary, err := s.saleRepo.Summary(ctx, userID)
	if err != nil {
		return model.SalesSummary{}, fmt.Errorf("販売集計に失敗しました: %w", err)
	}
	return summary, nil
}

// Settings は現在の設定を返す。
func (s *Service) Settings(ctx context.Context) (model.Settings, error) {
	settings, err := s.settingsRepo.Get(ctx)
	if err != nil {
		return model.Settings{}, fmt.Errorf("設定の取得に失敗しました: %w", err)
	}
	return settings, nil
}

// UpdateSettings は設定を検証して保存する。
func (s *Service) UpdateSettings(ctx context.Context, commissionPercent int, currency string) (model.Settings, error) {
	if commissionPercent < 0 || commissionPercent > 100 {
		return model.Settings{}, model.NewValidationError("Provízia musí byť medzi 0 a 100 %.")
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if !isCurrencyCode(currency) {
		return model.Settings{}, model.NewValidationError("Mena musí byť trojpísmenový kód (napr. EUR).")
	}

	settings := model.Settings{
		CommissionPercent: commissionPercent,
		Currency:          currency,
		UpdatedAt:         s.now(),
	}
	if err := s.settingsRepo.Update(ctx, settings); err != nil {
		return model.Settings{}, fmt.Errorf("設定の更新に失敗しました: %w", err)
	}

	slog.Info("設定を更新しました",
		slog.Int("commission_percent", commissionPercent),
		slog.String("currency", currency),
	)
	return settings, nil
}

// DashboardStats は管理者ダッシュボードの集計値を返す。
func (s *Service) DashboardStats(ctx context.Context) (model.DashboardStats, error) {
	var stats model.DashboardStats
	var err error

	if stats.Products, err = s.productRepo.Count(ctx); err != nil {
		return stats, fmt.Errorf("商品数の取得に失敗しました: %w", err)
	}
	if stats.ActiveListings, err = s.listingRepo.CountByStatus(ctx, model.ListingStatusListed); err != nil {
		return stats, fmt.Errorf("出品数の取得に失敗しました: %w", err)
	}
	if stats.Users, err = s.userRepo.Count(ctx); err != nil {
		return stats, fmt.Errorf("ユーザー数の取得に失敗しました: %w", err)
	}
	if stats.Sales, err = s.saleRepo.Summary(ctx, ""); err != nil {
		return stats, fmt.Errorf("販売集計に失敗しました: %w", err)
	}
	return stats, nil
}

// Commission は販売金額に対する手数料額を返す。1セント未満は四捨五入する。
func Commission(amountCents int64, percent int) int64 {
	return (amountCents*int64(percent) + 50) / 100
}

func isCurrencyCode(s string) bool {
	if len(s) != 3 {
		return false
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}
