// Package httputil はHTTPレスポンス生成のユーティリティを提供する。
package httputil

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"wgfleet/internal/domain"
)

// ErrorResponse はエラーレスポンスの形式。
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// JSON はJSONレスポンスを返す。
func JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// ヘッダーは既に送信済みのため、エラーログのみ出力する
			slog.Error("failed to encode response", "status", status, "error", err)
		}
	}
}

// Error はエラーレスポンスを返す。
func Error(w http.ResponseWriter, status int, code string, message string) {
	JSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
	})
}

// StatusFor はエラーコードに対応するHTTPステータスを返す。
func StatusFor(code string) int {
	switch code {
	case "VALIDATION_ERROR":
		return http.StatusBadRequest
	case "NOT_FOUND":
		return http.StatusNotFound
	case "VERSION_CONFLICT", "ALREADY_EXISTS":
		return http.StatusConflict
	case "EXECUTION_ERROR", "CONVERGENCE_ERROR":
		return http.StatusBadGateway
	case "TIMEOUT":
		return http.StatusGatewayTimeout
	case "ENTROPY_ERROR":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteError はエラーを分類してエラーレスポンスを返す。
// 内部エラーと復号エラーの詳細はクライアントに返さない。
func WriteError(w http.ResponseWriter, err error) {
	code := domain.Kind(err)
	message := err.Error()
	switch code {
	case "INTERNAL_ERROR":
		message = "internal server error"
	case "DECRYPTION_ERROR":
		message = "stored key could not be decrypted"
	}
	Error(w, StatusFor(code), code, message)
}
