package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	apierrors "github.com/pribylovaa/qfarm-gateway/internal/errors"
	"github.com/pribylovaa/qfarm-gateway/internal/models"
)

type ctxKey string

const (
	// CtxAuthToken — «сырой» токен панели из Authorization: Bearer.
	CtxAuthToken ctxKey = "auth_token"
	ctxIdentity  ctxKey = "identity"
)

// maxPeek — сколько тела читается в поисках поля token.
const maxPeek = 1 << 20

// Verifier — проверка токена панели (auth.Authority).
type Verifier interface {
	Verify(token string) (models.Identity, bool)
}

// AuthBearer извлекает Bearer-токен из Authorization и кладёт его в контекст.
func AuthBearer() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const prefix = "Bearer "

			h := r.Header.Get("Authorization")
			if strings.HasPrefix(h, prefix) {
				if token := strings.TrimSpace(h[len(prefix):]); token != "" {
					r = r.WithContext(context.WithValue(r.Context(), CtxAuthToken, token))
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// TokenFrom ищет токен панели: Bearer, затем ?token=, затем поле token
// JSON-тела. Тело после чтения восстанавливается для хендлера.
func TokenFrom(r *http.Request) string {
	if tok, _ := r.Context().Value(CtxAuthToken).(string); tok != "" {
		return tok
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	if r.Body == nil || r.Body == http.NoBody || !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		return ""
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxPeek))
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(data))
	if err != nil {
		return ""
	}

	var body struct {
		Token string `json:"token"`
	}
	if json.Unmarshal(data, &body) != nil {
		return ""
	}

	return body.Token
}

// Authenticate пропускает только запросы с действующим токеном панели
// и кладёт владельца токена в контекст. Иначе 401.
func Authenticate(v Verifier) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := v.Verify(TokenFrom(r))
			if !ok {
				apierrors.WriteError(w, r, apierrors.ErrUnauthenticated)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxIdentity, id)))
		})
	}
}

// RequireMaster — только для роли master. Иначе 403.
// Ставится после Authenticate.
func RequireMaster() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFrom(r.Context())
			if !ok {
				apierrors.WriteError(w, r, apierrors.ErrUnauthenticated)
				return
			}
			if !id.IsMaster() {
				apierrors.WriteError(w, r, apierrors.ErrForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// IdentityFrom — владелец токена текущего запроса.
func IdentityFrom(ctx context.Context) (models.Identity, bool) {
	id, ok := ctx.Value(ctxIdentity).(models.Identity)
	return id, ok
}
