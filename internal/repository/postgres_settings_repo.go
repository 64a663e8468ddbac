package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/consign/internal/model"
)

// PostgresSettingsRepo はsettingsテーブル（単一行）を使った設定リポジトリ。
type PostgresSettingsRepo struct {
	db *sql.DB
}

// NewPostgresSettingsRepo はPostgresSettingsRepoを生成する。
func NewPostgresSettingsRepo(db *sql.DB) *PostgresSettingsRepo {
	return &PostgresSettingsRepo{db: db}
}

// Get は現在の設定を返す。行が存在しない場合は初期値を返す。
func (r *PostgresSettingsRepo) Get(ctx context.Context) (model.Settings, error) {
	var s model.Settings
	err := r.db.QueryRowContext(ctx,
		`SELECT commission_percent, currency, updated_at FROM settings WHERE id = 1`,
	).Scan(&s.CommissionPercent, &s.Currency, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return model.DefaultSettings(), nil
	}
	if err != nil {
		return model.Settings{}, fmt.Errorf("failed to get settings: %w", err)
	}
	return s, nil
}

// Update は設定を更新する。
func (r *PostgresSettingsRepo) Update(ctx context.Context, settings model.Settings) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO settings (id, commission_percent, currency, updated_at)
		 VALUES (1, $1, $2, now())
		 ON CONFLICT (id) DO UPDATE
		 SET commission_percent = EXCLUDED.commission_percent,
		     currency = EXCLUDED.currency,
		     updated_at = EXCLUDED.updated_at`,
		settings.CommissionPercent, settings.Currency,
	)
	if err != nil {
		return fmt.Errorf("failed to update settings: %w", err)
	}
	return nil
}

// compile-time interface check
var _ SettingsRepository = (*PostgresSettingsRepo)(nil)
