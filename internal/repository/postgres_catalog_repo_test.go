package repository

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/consign/internal/database"
	"github.com/hitoshi/consign/internal/model"
)

func TestCatalogRepos_ImplementInterfaces(t *testing.T) {
	var _ ProductRepository = (*PostgresProductRepo)(nil)
	var _ ListedProductRepository = (*PostgresListedProductRepo)(nil)
	var _ SaleRepository = (*PostgresSaleRepo)(nil)
	var _ SettingsRepository = (*PostgresSettingsRepo)(nil)
}

// setupRepoDB はTEST_DATABASE_URLのデータベースにマイグレーションを適用し、全テーブルを空にする。
// 未設定または接続できない場合はスキップする。
func setupRepoDB(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URLが未設定のためスキップ")
	}

	db, err := database.Open(dbURL)
	if err != nil {
		t.Fatalf("データベースへの接続に失敗: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		t.Skipf("テスト用データベースに接続できません（スキップ）: %v", err)
	}
	if err := database.RunMigrations(dbURL); err != nil {
		db.Close()
		t.Fatalf("マイグレーションに失敗: %v", err)
	}

	_, err = db.Exec(`TRUNCATE sales, listed_products, products, admin_users, sessions, identities, users CASCADE;
		UPDATE settings SET commission_percent = 30, currency = 'EUR' WHERE id = 1`)
	if err != nil {
		db.Close()
		t.Fatalf("テーブルの初期化に失敗: %v", err)
	}

	t.Cleanup(func() { db.Close() })
	return db
}

func createTestUser(t *testing.T, db *sql.DB, email string) *model.User {
	t.Helper()
	now := time.Now()
	user := &model.User{
		ID:        uuid.New().String(),
		Email:     email,
		Name:      "Test " + email,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := NewPostgresUserRepo(db).Create(context.Background(), user); err != nil {
		t.Fatalf("ユーザー作成に失敗: %v", err)
	}
	return user
}

func TestPostgresUserRepo_CreateDuplicateEmail(t *testing.T) {
	db := setupRepoDB(t)
	createTestUser(t, db, "dup@example.com")

	now := time.Now()
	err := NewPostgresUserRepo(db).Create(context.Background(), &model.User{
		ID:        uuid.New().String(),
		Email:     "DUP@example.com",
		CreatedAt: now,
		UpdatedAt: now,
	})
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
}

func TestPostgresAdminRepo_FindGrantRevoke(t *testing.T) {
	db := setupRepoDB(t)
	ctx := context.Background()
	user := createTestUser(t, db, "admin@example.com")
	repo := NewPostgresAdminRepo(db)

	if _, err := repo.FindByID(ctx, user.ID); !errors.Is(err, model.ErrAdminNotFound) {
		t.Fatalf("expected ErrAdminNotFound before grant, got %v", err)
	}

	if err := repo.Grant(ctx, user.ID); err != nil {
		t.Fatalf("Grant failed: %v", err)
	}
	// 二重付与はエラーにならない
	if err := repo.Grant(ctx, user.ID); err != nil {
		t.Fatalf("second Grant failed: %v", err)
	}

	admin, err := repo.FindByID(ctx, user.ID)
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if admin.ID != user.ID {
		t.Errorf("admin.ID = %q, want %q", admin.ID, user.ID)
	}

	users, err := NewPostgresUserRepo(db).ListWithRoles(ctx)
	if err != nil {
		t.Fatalf("ListWithRoles failed: %v", err)
	}
	if len(users) != 1 || !users[0].IsAdmin {
		t.Errorf("expected one admin user, got %+v", users)
	}

	if err := repo.Revoke(ctx, user.ID); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if _, err := repo.FindByID(ctx, user.ID); !errors.Is(err, model.ErrAdminNotFound) {
		t.Errorf("expected ErrAdminNotFound after revoke, got %v", err)
	}
}

func TestPostgresSaleRepo_Record(t *testing.T) {
	db := setupRepoDB(t)
	ctx := context.Background()
	user := createTestUser(t, db, "consignor@example.com")
	now := time.Now()

	product := &model.Product{ID: uuid.New().String(), Name: "Kabát", CreatedAt: now, UpdatedAt: now}
	if err := NewPostgresProductRepo(db).Create(ctx, product); err != nil {
		t.Fatalf("product Create failed: %v", err)
	}

	listings := NewPostgresListedProductRepo(db)
	listing := &model.ListedProduct{
		ID:         uuid.New().String(),
		ProductID:  product.ID,
		UserID:     user.ID,
		PriceCents: 1500,
		Quantity:   2,
		Status:     model.ListingStatusListed,
		ListedAt:   now,
		UpdatedAt:  now,
	}
	if err := listings.Create(ctx, listing); err != nil {
		t.Fatalf("listing Create failed: %v", err)
	}

	sales := NewPostgresSaleRepo(db)
	commission := func(amount int64) int64 { return amount * 30 / 100 }

	over := &model.Sale{ID: uuid.New().String(), ListedProductID: listing.ID, Quantity: 3, SoldAt: now}
	err := sales.Record(ctx, over, commission)
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInsufficientQuantity {
		t.Fatalf("expected INSUFFICIENT_QUANTITY, got %v", err)
	}

	sale := &model.Sale{ID: uuid.New().String(), ListedProductID: listing.ID, Quantity: 2, SoldAt: now}
	if err := sales.Record(ctx, sale, commission); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if sale.AmountCents != 3000 || sale.CommissionCents != 900 || sale.UserID != user.ID {
		t.Errorf("unexpected sale: %+v", sale)
	}

	got, err := listings.FindByID(ctx, listing.ID)
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if got.Quantity != 0 || got.Status != model.ListingStatusSold {
		t.Errorf("listing = %+v, want sold with quantity 0", got)
	}

	again := &model.Sale{ID: uuid.New().String(), ListedProductID: listing.ID, Quantity: 1, SoldAt: now}
	err = sales.Record(ctx, again, commission)
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeListingNotAvailable {
		t.Errorf("expected LISTING_NOT_AVAILABLE, got %v", err)
	}

	summary, err := sales.Summary(ctx, user.ID)
	if err != nil {
		t.Fatalf("Summary failed: %v", err)
	}
	if summary.Count != 1 || summary.PayoutCents() != 2100 {
		t.Errorf("summary = %+v", summary)
	}

	if err := NewPostgresProductRepo(db).Delete(ctx, product.ID); !errors.Is(err, ErrReferenced) {
		t.Errorf("expected ErrReferenced when deleting listed product, got %v", err)
	}
}

func TestPostgresSettingsRepo_GetUpdate(t *testing.T) {
	db := setupRepoDB(t)
	ctx := context.Background()
	repo := NewPostgresSettingsRepo(db)

	s, err := repo.Get(ctx)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if s.CommissionPercent != 30 || s.Currency != "EUR" {
		t.Errorf("default settings = %+v", s)
	}

	if err := repo.Update(ctx, model.Settings{CommissionPercent: 25, Currency: "CZK"}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	s, err = repo.Get(ctx)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if s.CommissionPercent != 25 || s.Currency != "CZK" {
		t.Errorf("updated settings = %+v", s)
	}
}
