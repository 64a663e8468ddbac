package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/consign/internal/middleware"
	"github.com/hitoshi/consign/internal/model"
)

// handleServiceError はサービス層から返されたエラーをJSONのエラーレスポンスに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInvalidCredentials:
		return http.StatusUnauthorized
	case model.ErrCodeValidation, model.ErrCodeWeakPassword:
		return http.StatusBadRequest
	case model.ErrCodeEmailTaken, model.ErrCodeProductInUse,
		model.ErrCodeListingNotAvailable, model.ErrCodeInsufficientQuantity:
		return http.StatusConflict
	case model.ErrCodeProductNotFound, model.ErrCodeListingNotFound, model.ErrCodeUserNotFound:
		return http.StatusNotFound
	case model.ErrCodeSelfDemotion:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// userMessage はフォーム画面に表示するエラーメッセージを返す。
// APIError以外のエラーはログに記録し、一般的なメッセージにする。
func userMessage(err error) string {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	slog.Error("internal server error", slog.String("error", err.Error()))
	return "Nastala vnútorná chyba. Skúste to znova."
}
