package errors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pribylovaa/qfarm-gateway/internal/auth"
	"github.com/pribylovaa/qfarm-gateway/internal/farm"
	"github.com/pribylovaa/qfarm-gateway/internal/farmapi"
	"github.com/pribylovaa/qfarm-gateway/internal/qrlogin"
	"github.com/pribylovaa/qfarm-gateway/internal/settings"
	"github.com/stretchr/testify/require"
)

func farmErr(k farmapi.Kind) error {
	return fmt.Errorf("farm.Something: %w", &farmapi.Error{Op: "farmapi.X", Kind: k, Message: "secret upstream detail"})
}

func TestToHTTP_BaseMapping(t *testing.T) {
	tcs := []struct {
		name       string
		in         error
		wantStatus int
		wantCode   string
	}{
		{"unauth", ErrUnauthenticated, http.StatusUnauthorized, "unauthenticated"},
		{"bad_token", fmt.Errorf("auth.Exchange: %w", auth.ErrInvalidToken), http.StatusUnauthorized, "unauthenticated"},
		{"forbidden", ErrForbidden, http.StatusForbidden, "permission_denied"},
		{"invalid_arg", ErrInvalidArgument, http.StatusBadRequest, "invalid_argument"},
		{"invalid_id", settings.ErrInvalidID, http.StatusBadRequest, "invalid_argument"},
		{"no_account", fmt.Errorf("x: %w", farm.ErrNoAccount), http.StatusNotFound, "not_bound"},
		{"login_expired", fmt.Errorf("x: %w: %w", farm.ErrLoginCodeExpired, farmErr(farmapi.KindServerError)), http.StatusPreconditionFailed, "login_expired"},
		{"already_bound", qrlogin.ErrAlreadyBound, http.StatusConflict, "already_bound"},
		{"in_progress", qrlogin.ErrInProgress, http.StatusConflict, "in_progress"},
		{"handshake", fmt.Errorf("x: %w: %w", qrlogin.ErrHandshake, farmErr(farmapi.KindUnavailable)), http.StatusBadGateway, "handshake_failed"},
		{"closed", qrlogin.ErrClosed, http.StatusServiceUnavailable, "unavailable"},
		{"canceled", context.Canceled, StatusClientClosedRequest, "canceled"},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, "deadline_exceeded"},
		{"farm_not_found", farmErr(farmapi.KindNotFound), http.StatusNotFound, "not_found"},
		{"farm_conflict", farmErr(farmapi.KindConflict), http.StatusConflict, "conflict"},
		{"farm_timeout", farmErr(farmapi.KindTimeout), http.StatusGatewayTimeout, "deadline_exceeded"},
		{"farm_unavailable", farmErr(farmapi.KindUnavailable), http.StatusServiceUnavailable, "unavailable"},
		{"farm_500", farmErr(farmapi.KindServerError), http.StatusBadGateway, "bad_gateway"},
		{"farm_bad_response", farmErr(farmapi.KindBadResponse), http.StatusBadGateway, "bad_gateway"},
		{"internal", fmt.Errorf("boom"), http.StatusInternalServerError, "internal"},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			gotStatus, resp := ToHTTP(tc.in)
			require.Equal(t, tc.wantStatus, gotStatus)
			require.Equal(t, tc.wantCode, resp.Error.Code)
			require.NotEmpty(t, resp.Error.Message)
			require.NotContains(t, resp.Error.Message, "secret upstream detail")
		})
	}
}

func TestToHTTP_NilError_Returns500Internal(t *testing.T) {
	gotStatus, resp := ToHTTP(nil)
	require.Equal(t, http.StatusInternalServerError, gotStatus)
	require.Equal(t, "internal", resp.Error.Code)
	require.Equal(t, "internal error", resp.Error.Message)
}

func TestWriteError_EnvelopeWithRequestID(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/qfarm/api/status", nil)
	r.Header.Set("X-Request-Id", "rid-1")
	w := httptest.NewRecorder()

	WriteError(w, r, farm.ErrNoAccount)

	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "not_bound", resp.Error.Code)
	require.Equal(t, "rid-1", resp.Error.RequestID)
}
