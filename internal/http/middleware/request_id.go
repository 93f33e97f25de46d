package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/pribylovaa/qfarm-gateway/internal/farmapi"
)

// RequestID обеспечивает наличие X-Request-Id: берёт входящий или генерирует
// UUID, пишет его в заголовки запроса и ответа и в контекст по ключу
// farmapi.CtxRequestID (его подхватывают исходящие вызовы сервиса фермы).
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-Id")
			if id == "" {
				id = uuid.NewString()
				r.Header.Set("X-Request-Id", id)
			}
			w.Header().Set("X-Request-Id", id)

			ctx := context.WithValue(r.Context(), farmapi.CtxRequestID, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
