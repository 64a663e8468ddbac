package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/consign/internal/model"
)

// PostgresAdminRepo はadmin_usersテーブルを使った管理者メンバーシップストア。
type PostgresAdminRepo struct {
	db *sql.DB
}

// NewPostgresAdminRepo はPostgresAdminRepoを生成する。
func NewPostgresAdminRepo(db *sql.DB) *PostgresAdminRepo {
	return &PostgresAdminRepo{db: db}
}

// FindByID は指定ユーザーIDの管理者メンバーシップを取得する。
// 行が存在しない場合はmodel.ErrAdminNotFoundを返し、呼び出し側は「管理者ではない」と解釈する。
func (r *PostgresAdminRepo) FindByID(ctx context.Context, userID string) (*model.AdminUser, error) {
	admin := &model.AdminUser{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, created_at FROM admin_users WHERE id = $1`,
		userID,
	).Scan(&admin.ID, &admin.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrAdminNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find admin user: %w", err)
	}
	return admin, nil
}

// Grant はユーザーを管理者にする。既に管理者の場合は何もしない。
func (r *PostgresAdminRepo) Grant(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO admin_users (id, created_at) VALUES ($1, now())
		 ON CONFLICT (id) DO NOTHING`,
		userID,
	)
	if isForeignKeyViolation(err) {
		return model.NewUserNotFoundError()
	}
	if err != nil {
		return fmt.Errorf("failed to grant admin: %w", err)
	}
	return nil
}

// Revoke はユーザーの管理者権限を外す。
func (r *PostgresAdminRepo) Revoke(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM admin_users WHERE id = $1`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("failed to revoke admin: %w", err)
	}
	return nil
}

// compile-time interface check
var _ AdminRepository = (*PostgresAdminRepo)(nil)
