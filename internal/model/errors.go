package model

import (
	"errors"
	"fmt"
)

// ErrAdminNotFound は管理者メンバーシップが存在しないことを示す。
// エラーではなく「管理者ではない」という結果として扱う。
var ErrAdminNotFound = errors.New("admin membership not found")

// ErrSessionNotFound はセッションが存在しないか期限切れであることを示す。
var ErrSessionNotFound = errors.New("session not found or expired")

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, catalog, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidCredentials   = "INVALID_CREDENTIALS"
	ErrCodeEmailTaken           = "EMAIL_TAKEN"
	ErrCodeWeakPassword         = "WEAK_PASSWORD"
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeProductNotFound      = "PRODUCT_NOT_FOUND"
	ErrCodeProductInUse         = "PRODUCT_IN_USE"
	ErrCodeListingNotFound      = "LISTING_NOT_FOUND"
	ErrCodeListingNotAvailable  = "LISTING_NOT_AVAILABLE"
	ErrCodeInsufficientQuantity = "INSUFFICIENT_QUANTITY"
	ErrCodeUserNotFound         = "USER_NOT_FOUND"
	ErrCodeSelfDemotion         = "SELF_DEMOTION"
)

// NewInvalidCredentialsError はメールアドレスまたはパスワードの誤りを表すエラーを生成する。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "Nesprávny e-mail alebo heslo.",
		Category: "auth",
		Action:   "Skontrolujte prihlasovacie údaje a skúste to znova.",
	}
}

// NewEmailTakenError は登録済みメールアドレスでの新規登録エラーを生成する。
func NewEmailTakenError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailTaken,
		Message:  "Tento e-mail je už zaregistrovaný.",
		Category: "auth",
		Action:   "Prihláste sa existujúcim účtom.",
	}
}

// NewWeakPasswordError はパスワードが短すぎる場合のエラーを生成する。
func NewWeakPasswordError(minLength int) *APIError {
	return &APIError{
		Code:     ErrCodeWeakPassword,
		Message:  fmt.Sprintf("Heslo musí mať aspoň %d znakov.", minLength),
		Category: "validation",
		Action:   "Zvoľte dlhšie heslo.",
	}
}

// NewValidationError は入力値の検証エラーを生成する。
func NewValidationError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  message,
		Category: "validation",
		Action:   "Opravte zadané údaje a skúste to znova.",
	}
}

// NewProductNotFoundError は商品未検出エラーを生成する。
func NewProductNotFoundError(productID string) *APIError {
	return &APIError{
		Code:     ErrCodeProductNotFound,
		Message:  fmt.Sprintf("Produkt sa nenašiel: %s", productID),
		Category: "catalog",
		Action:   "Obnovte stránku so zoznamom produktov.",
	}
}

// NewProductInUseError は出品中の商品を削除しようとした場合のエラーを生成する。
func NewProductInUseError() *APIError {
	return &APIError{
		Code:     ErrCodeProductInUse,
		Message:  "Produkt má aktívne alebo predané položky a nedá sa odstrániť.",
		Category: "catalog",
		Action:   "Najprv vráťte alebo uzavrite položky tohto produktu.",
	}
}

// NewListingNotFoundError は出品未検出エラーを生成する。
func NewListingNotFoundError(listingID string) *APIError {
	return &APIError{
		Code:     ErrCodeListingNotFound,
		Message:  fmt.Sprintf("Položka sa nenašla: %s", listingID),
		Category: "catalog",
		Action:   "Obnovte stránku so zoznamom položiek.",
	}
}

// NewListingNotAvailableError は販売済み・返却済みの出品を操作しようとした場合のエラーを生成する。
func NewListingNotAvailableError() *APIError {
	return &APIError{
		Code:     ErrCodeListingNotAvailable,
		Message:  "Položka už nie je v ponuke.",
		Category: "catalog",
		Action:   "Vyberte položku v stave „v ponuke“.",
	}
}

// NewInsufficientQuantityError は在庫数を超える販売を記録しようとした場合のエラーを生成する。
func NewInsufficientQuantityError(available int) *APIError {
	return &APIError{
		Code:     ErrCodeInsufficientQuantity,
		Message:  fmt.Sprintf("Nedostatočné množstvo, k dispozícii: %d.", available),
		Category: "catalog",
		Action:   "Zadajte menšie množstvo.",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "Používateľ sa nenašiel.",
		Category: "auth",
		Action:   "Prihláste sa znova.",
	}
}

// NewSelfDemotionError は管理者が自分自身の管理者権限を外そうとした場合のエラーを生成する。
func NewSelfDemotionError() *APIError {
	return &APIError{
		Code:     ErrCodeSelfDemotion,
		Message:  "Nemôžete si odobrať vlastné administrátorské práva.",
		Category: "auth",
		Action:   "Požiadajte iného administrátora.",
	}
}
