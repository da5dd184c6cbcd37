// Package middleware はHTTPミドルウェアと監査ログを提供する。
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// WriteAuditLog は監査ログを出力する。subjectにはサーバーIDまたはピアIDを渡す。
func WriteAuditLog(ctx context.Context, operation string, subject string, result string) {
	slog.InfoContext(ctx, "fleet operation completed",
		"audit", true,
		"operation", operation,
		"subject", subject,
		"result", result,
		"timestamp", time.Now().UTC().Format(time.RFC3339),
	)
}

// RequestLogger はリクエストごとにメソッド・パス・ステータス・所要時間を構造化ログに出力する。
// クエリ文字列と本文は出力しない。
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			slog.InfoContext(r.Context(), "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", chimiddleware.GetReqID(r.Context()),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}
