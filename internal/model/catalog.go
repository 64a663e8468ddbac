package model

import "time"

// Product は委託販売で扱う商品のマスタを表す。
type Product struct {
	ID          string
	Name        string
	Description string // サニタイズ済みHTML
	Category    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ListingStatus は出品の状態を表す。
type ListingStatus string

const (
	ListingStatusListed   ListingStatus = "listed"
	ListingStatusSold     ListingStatus = "sold"
	ListingStatusReturned ListingStatus = "returned"
)

// ListedProduct は委託者（ユーザー）から預かって店頭に並べた商品を表す。
type ListedProduct struct {
	ID         string
	ProductID  string
	UserID     string
	PriceCents int64
	Quantity   int
	Status     ListingStatus
	ListedAt   time.Time
	UpdatedAt  time.Time
}

// ListedProductView は一覧表示用に商品名と委託者名を結合した出品情報。
type ListedProductView struct {
	ListedProduct
	ProductName   string
	ConsignorName string
}

// Sale は出品の販売記録を表す。
// 手数料は販売時点の設定値で計算し、後から設定を変えても変わらない。
type Sale struct {
	ID              string
	ListedProductID string
	UserID          string
	Quantity        int
	AmountCents     int64
	CommissionCents int64
	SoldAt          time.Time
}

// PayoutCents は委託者に支払う金額（売上から手数料を引いた額）を返す。
func (s *Sale) PayoutCents() int64 {
	return s.AmountCents - s.CommissionCents
}

// SaleView は一覧表示用に商品名と委託者名を結合した販売記録。
type SaleView struct {
	Sale
	ProductName   string
	ConsignorName string
}

// SalesSummary は販売記録の集計値。
type SalesSummary struct {
	Count           int
	AmountCents     int64
	CommissionCents int64
}

// PayoutCents は集計期間の支払額を返す。
func (s SalesSummary) PayoutCents() int64 {
	return s.AmountCents - s.CommissionCents
}

// Settings はアプリケーション全体の設定（管理画面で変更可能）を表す。
type Settings struct {
	CommissionPercent int
	Currency          string
	UpdatedAt         time.Time
}

// DefaultSettings は設定が未保存の場合に使う初期値を返す。
func DefaultSettings() Settings {
	return Settings{
		CommissionPercent: 30,
		Currency:          "EUR",
	}
}

// DashboardStats は管理者ダッシュボードに表示する集計値。
type DashboardStats struct {
	Products       int
	ActiveListings int
	Users          int
	Sales          SalesSummary
}
