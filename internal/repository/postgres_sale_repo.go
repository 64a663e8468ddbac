package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/consign/internal/model"
)

// PostgresSaleRepo はPostgreSQLを使用した販売記録リポジトリ。
type PostgresSaleRepo struct {
	db *sql.DB
}

// NewPostgresSaleRepo はPostgresSaleRepoを生成する。
func NewPostgresSaleRepo(db *sql.DB) *PostgresSaleRepo {
	return &PostgresSaleRepo{db: db}
}

// Record は出品の在庫を減らし、販売記録を同一トランザクションで作成する。
// saleのUserIDとAmountCentsとCommissionCentsは出品の内容から設定される。
func (r *PostgresSaleRepo) Record(ctx context.Context, sale *model.Sale, commission func(amountCents int64) int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		userID     string
		priceCents int64
		quantity   int
		status     string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT user_id, price_cents, quantity, status
		 FROM listed_products WHERE id = $1 FOR UPDATE`,
		sale.ListedProductID,
	).Scan(&userID, &priceCents, &quantity, &status)
	if err == sql.ErrNoRows {
		return model.NewListingNotFoundError(sale.ListedProductID)
	}
	if err != nil {
		return fmt.Errorf("failed to lock listed product: %w", err)
	}

	if model.ListingStatus(status) != model.ListingStatusListed {
		return model.NewListingNotAvailableError()
	}
	if sale.Quantity > quantity {
		return model.NewInsufficientQuantityError(quantity)
	}

	remaining := quantity - sale.Quantity
	newStatus := model.ListingStatusListed
	if remaining == 0 {
		newStatus = model.ListingStatusSold
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE listed_products SET quantity = $2, status = $3, updated_at = now() WHERE id = $1`,
		sale.ListedProductID, remaining, string(newStatus),
	)
	if err != nil {
		return fmt.Errorf("failed to update listed product: %w", err)
	}

	sale.UserID = userID
	sale.AmountCents = priceCents * int64(sale.Quantity)
	sale.CommissionCents = commission(sale.AmountCents)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sales (id, listed_product_id, user_id, quantity, amount_cents, commission_cents, sold_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sale.ID, sale.ListedProductID, sale.UserID, sale.Quantity, sale.AmountCents, sale.CommissionCents, sale.SoldAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert sale: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const saleViewQuery = `
	SELECT s.id, s.listed_product_id, s.user_id, s.quantity, s.amount_cents, s.commission_cents,
	       s.sold_at, p.name, COALESCE(NULLIF(u.name, ''), u.email)
	FROM sales s
	JOIN listed_products lp ON lp.id = s.listed_product_id
	JOIN products p ON p.id = lp.product_id
	JOIN users u ON u.id = s.user_id`

// List は全販売記録を販売日時の降順で返す。
func (r *PostgresSaleRepo) List(ctx context.Context) ([]model.SaleView, error) {
	return r.queryViews(ctx, saleViewQuery+` ORDER BY s.sold_at DESC`)
}

// ListByUser は指定委託者の販売記録を販売日時の降順で返す。
func (r *PostgresSaleRepo) ListByUser(ctx context.Context, userID string) ([]model.SaleView, error) {
	return r.queryViews(ctx, saleViewQuery+` WHERE s.user_id = $1 ORDER BY s.sold_at DESC`, userID)
}

func (r *PostgresSaleRepo) queryViews(ctx context.Context, query string, args ...any) ([]model.SaleView, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sales: %w", err)
	}
	defer rows.Close()

	var views []model.SaleView
	for rows.Next() {
		var v model.SaleView
		if err := rows.Scan(&v.ID, &v.ListedProductID, &v.UserID, &v.Quantity, &v.AmountCents,
			&v.CommissionCents, &v.SoldAt, &v.ProductName, &v.ConsignorName); err != nil {
			return nil, fmt.Errorf("failed to scan sale: %w", err)
		}
		views = append(views, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sales: %w", err)
	}
	return views, nil
}

// Summary は販売記録を集計する。userIDが空の場合は全体を集計する。
func (r *PostgresSaleRepo) Summary(ctx context.Context, userID string) (model.SalesSummary, error) {
	var s model.SalesSummary
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*), COALESCE(sum(amount_cents), 0), COALESCE(sum(commission_cents), 0)
		 FROM sales
		 WHERE $1 = '' OR user_id::text = $1`,
		userID,
	).Scan(&s.Count, &s.AmountCents, &s.CommissionCents)
	if err != nil {
		return model.SalesSummary{}, fmt.Errorf("failed to summarize sales: %w", err)
	}
	return s, nil
}

// compile-time interface check
var _ SaleRepository = (*PostgresSaleRepo)(nil)
