// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hitoshi/consign/internal/model"
	"github.com/lib/pq"
)

// ErrDuplicate は一意制約違反を表す。
var ErrDuplicate = errors.New("duplicate key")

// ErrReferenced は他のレコードから参照されているため削除できないことを表す。
var ErrReferenced = errors.New("record is referenced")

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail はメールアドレス（大文字小文字を区別しない）でユーザーを取得する。
	// 見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// Create はパスワード認証のユーザーを作成する。
	// メールアドレスが登録済みの場合はErrDuplicateを返す。
	Create(ctx context.Context, user *model.User) error

	// CreateWithIdentity はユーザーとidentityを同一トランザクションで作成する。
	CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error

	// UpdateName は表示名を更新する。
	UpdateName(ctx context.Context, id, name string) error

	// UpdatePasswordHash はパスワードハッシュを更新する。
	UpdatePasswordHash(ctx context.Context, id, hash string) error

	// ListWithRoles は全ユーザーを管理者フラグ付きで作成日時の昇順に返す。
	ListWithRoles(ctx context.Context) ([]model.UserWithRole, error)

	// Count はユーザー数を返す。
	Count(ctx context.Context) (int, error)
}

// IdentityRepository は外部IdP紐付け情報の永続化インターフェース。
type IdentityRepository interface {
	// FindByProviderAndProviderUserID はproviderとprovider_user_idでidentityを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error)

	// Create は既存ユーザーにidentityを紐付ける。
	Create(ctx context.Context, identity *model.Identity) error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// UpdateExpiresAt はセッションの有効期限を更新する。
	UpdateExpiresAt(ctx context.Context, id string, expiresAt time.Time) error
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
}

// AdminRepository は管理者メンバーシップの永続化インターフェース。
type AdminRepository interface {
	// FindByID は指定ユーザーIDの管理者メンバーシップを取得する。
	// 存在しない場合はmodel.ErrAdminNotFoundを返す。
	FindByID(ctx context.Context, userID string) (*model.AdminUser, error)

	// Grant はユーザーを管理者にする。既に管理者の場合は何もしない。
	Grant(ctx context.Context, userID string) error

	// Revoke はユーザーの管理者権限を外す。管理者でない場合は何もしない。
	Revoke(ctx context.Context, userID string) error
}

// ProductRepository は商品マスタの永続化インターフェース。
type ProductRepository interface {
	// List は全商品を名前順に返す。
	List(ctx context.Context) ([]*model.Product, error)
	// FindByID は指定IDの商品を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Product, error)
	// Create は商品を作成する。
	Create(ctx context.Context, product *model.Product) error
	// Delete は商品を削除する。出品から参照されている場合はErrReferencedを返す。
	Delete(ctx context.Context, id string) error
	// HasListings は商品に紐付く出品が1件以上存在するかを返す。
	HasListings(ctx context.Context, id string) (bool, error)
	// Count は商品数を返す。
	Count(ctx context.Context) (int, error)
}

// ListedProductRepository は出品データの永続化インターフェース。
type ListedProductRepository interface {
	// Create は出品を作成する。
	Create(ctx context.Context, listing *model.ListedProduct) error
	// FindByID は指定IDの出品を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.ListedProduct, error)
	// List は全出品を出品日時の降順で返す。
	List(ctx context.Context) ([]model.ListedProductView, error)
	// ListByUser は指定委託者の出品を出品日時の降順で返す。
	ListByUser(ctx context.Context, userID string) ([]model.ListedProductView, error)
	// UpdateStatus は出品の状態を更新する。
	UpdateStatus(ctx context.Context, id string, status model.ListingStatus) error
	// CountByStatus は指定状態の出品数を返す。
	CountByStatus(ctx context.Context, status model.ListingStatus) (int, error)
}

// SaleRepository は販売記録の永続化インターフェース。
type SaleRepository interface {
	// Record は出品の在庫を減らし、販売記録を同一トランザクションで作成する。
	// 在庫が0になった出品は販売済みになる。
	// 出品が存在しない場合はmodel.ErrCodeListingNotFound、
	// 販売可能でない場合はErrCodeListingNotAvailable、
	// 在庫不足の場合はErrCodeInsufficientQuantityのAPIErrorを返す。
	// commissionは販売金額から手数料額を計算する関数。
	Record(ctx context.Context, sale *model.Sale, commission func(amountCents int64) int64) error
	// List は全販売記録を販売日時の降順で返す。
	List(ctx context.Context) ([]model.SaleView, error)
	// ListByUser は指定委託者の販売記録を販売日時の降順で返す。
	ListByUser(ctx context.Context, userID string) ([]model.SaleView, error)
	// Summary は販売記録を集計する。userIDが空の場合は全体を集計する。
	Summary(ctx context.Context, userID string) (model.SalesSummary, error)
}

// SettingsRepository はアプリケーション設定の永続化インターフェース。
type SettingsRepository interface {
	// Get は現在の設定を返す。
	Get(ctx context.Context) (model.Settings, error)
	// Update は設定を更新する。
	Update(ctx context.Context, settings model.Settings) error
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
)

// isUniqueViolation はPostgreSQLの一意制約違反かどうかを判定する。
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation
}

// isForeignKeyViolation はPostgreSQLの外部キー制約違反かどうかを判定する。
func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == pqForeignKeyViolation
}
