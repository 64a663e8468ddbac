package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/consign/internal/model"
)

// PostgresListedProductRepo はPostgreSQLを使用した出品リポジトリ。
type PostgresListedProductRepo struct {
	db *sql.DB
}

// NewPostgresListedProductRepo はPostgresListedProductRepoを生成する。
func NewPostgresListedProductRepo(db *sql.DB) *PostgresListedProductRepo {
	return &PostgresListedProductRepo{db: db}
}

// Create は出品を作成する。商品または委託者が存在しない場合はAPIErrorを返す。
func (r *PostgresListedProductRepo) Create(ctx context.Context, listing *model.ListedProduct) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO listed_products (id, product_id, user_id, price_cents, quantity, status, listed_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		listing.ID, listing.ProductID, listing.UserID, listing.PriceCents, listing.Quantity,
		string(listing.Status), listing.ListedAt, listing.UpdatedAt,
	)
	if isForeignKeyViolation(err) {
		return model.NewValidationError("Produkt alebo komitent neexistuje.")
	}
	if err != nil {
		return fmt.Errorf("failed to insert listed product: %w", err)
	}
	return nil
}

// FindByID は指定IDの出品を取得する。見つからない場合はnilを返す。
func (r *PostgresListedProductRepo) FindByID(ctx context.Context, id string) (*model.ListedProduct, error) {
	lp := &model.ListedProduct{}
	var status string
	err := r.db.QueryRowContext(ctx,
		`SELECT id, product_id, user_id, price_cents, quantity, status, listed_at, updated_at
		 FROM listed_products WHERE id = $1`,
		id,
	).Scan(&lp.ID, &lp.ProductID, &lp.UserID, &lp.PriceCents, &lp.Quantity, &status, &lp.ListedAt, &lp.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find listed product: %w", err)
	}
	lp.Status = model.ListingStatus(status)
	return lp, nil
}

const listedProductViewQuery = `
	SELECT lp.id, lp.product_id, lp.user_id, lp.price_cents, lp.quantity, lp.status,
	       lp.listed_at, lp.updated_at, p.name, COALESCE(NULLIF(u.name, ''), u.email)
	FROM listed_products lp
	JOIN products p ON p.id = lp.product_id
	JOIN users u ON u.id = lp.user_id`

// List は全出品を出品日時の降順で返す。
func (r *PostgresListedProductRepo) List(ctx context.Context) ([]model.ListedProductView, error) {
	return r.queryViews(ctx, listedProductViewQuery+` ORDER BY lp.listed_at DESC`)
}

// ListByUser は指定委託者の出品を出品日時の降順で返す。
func (r *PostgresListedProductRepo) ListByUser(ctx context.Context, userID string) ([]model.ListedProductView, error) {
	return r.queryViews(ctx, listedProductViewQuery+` WHERE lp.user_id = $1 ORDER BY lp.listed_at DESC`, userID)
}

func (r *PostgresListedProductRepo) queryViews(ctx context.Context, query string, args ...any) ([]model.ListedProductView, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list listed products: %w", err)
	}
	defer rows.Close()

	var views []model.ListedProductView
	for rows.Next() {
		var v model.ListedProductView
		var status string
		if err := rows.Scan(&v.ID, &v.ProductID, &v.UserID, &v.PriceCents, &v.Quantity, &status,
			&v.ListedAt, &v.UpdatedAt, &v.ProductName, &v.ConsignorName); err != nil {
			return nil, fmt.Errorf("failed to scan listed product: %w", err)
		}
		v.Status = model.ListingStatus(status)
		views = append(views, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate listed products: %w", err)
	}
	return views, nil
}

// UpdateStatus は出品の状態を更新する。
func (r *PostgresListedProductRepo) UpdateStatus(ctx context.Context, id string, status model.ListingStatus) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE listed_products SET status = $2, updated_at = now() WHERE id = $1`,
		id, string(status),
	)
	if err != nil {
		return fmt.Errorf("failed to update listing status: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.NewListingNotFoundError(id)
	}
	return nil
}

// CountByStatus は指定状態の出品数を返す。
func (r *PostgresListedProductRepo) CountByStatus(ctx context.Context, status model.ListingStatus) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM listed_products WHERE status = $1`,
		string(status),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count listed products: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ ListedProductRepository = (*PostgresListedProductRepo)(nil)
