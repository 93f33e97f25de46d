package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	apierrors "github.com/pribylovaa/qfarm-gateway/internal/errors"
	"github.com/pribylovaa/qfarm-gateway/internal/http/middleware"
	"github.com/pribylovaa/qfarm-gateway/internal/models"
	logctx "github.com/pribylovaa/qfarm-gateway/pkg/log"
)

type sessionResponse struct {
	Token  string      `json:"token"`
	UserID string      `json:"userId"`
	Role   models.Role `json:"role"`
}

type statusResponse struct {
	UserID      string                `json:"userId"`
	Account     *models.Account       `json:"account"`
	Status      *models.AccountStatus `json:"status"`
	AutoEnabled bool                  `json:"autoEnabled"`
}

type toggleRequest struct {
	Token  string `json:"token,omitempty"`
	Enable *bool  `json:"enable"`
}

type toggleResponse struct {
	Enabled bool            `json:"enabled"`
	Account *models.Account `json:"account"`
}

type logoutRequest struct {
	Token string `json:"token,omitempty"`
}

type logoutResponse struct {
	Deleted bool `json:"deleted"`
	Revoked int  `json:"revoked"`
}

type accountsResponse struct {
	Accounts []models.Account `json:"accounts"`
}

// Session меняет токен из ссылки на сессионный (первый заход на панель).
func (h *Handlers) Session(w http.ResponseWriter, r *http.Request) {
	token := middleware.TokenFrom(r)
	if token == "" {
		apierrors.WriteError(w, r, apierrors.ErrUnauthenticated)
		return
	}

	session, id, err := h.Tokens.Exchange(r.Context(), token)
	if err != nil {
		apierrors.WriteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse{Token: session, UserID: id.UserID, Role: id.Role})
}

func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.IdentityFrom(r.Context())
	h.writeStatus(w, r, id.UserID)
}

// UserStatus — статус чужого аккаунта (только master).
func (h *Handlers) UserStatus(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "id")
	if uid == "" {
		apierrors.WriteError(w, r, apierrors.ErrInvalidArgument)
		return
	}

	h.writeStatus(w, r, uid)
}

func (h *Handlers) writeStatus(w http.ResponseWriter, r *http.Request, userID string) {
	acc, st, err := h.Accounts.UserAccountStatus(r.Context(), userID)
	if err != nil {
		apierrors.WriteError(w, r, err)
		return
	}

	resp := statusResponse{UserID: userID, Account: acc, Status: st}
	if acc != nil {
		auto, err := h.Accounts.IsAutoEnabled(r.Context(), userID)
		if err != nil {
			apierrors.WriteError(w, r, err)
			return
		}
		resp.AutoEnabled = auto
	}

	writeJSON(w, http.StatusOK, resp)
}

// ToggleAuto запускает или останавливает аккаунт пользователя.
func (h *Handlers) ToggleAuto(w http.ResponseWriter, r *http.Request) {
	var in toggleRequest
	if err := decodeStrict(r, &in); err != nil || in.Enable == nil {
		apierrors.WriteError(w, r, apierrors.ErrInvalidArgument)
		return
	}

	id, _ := middleware.IdentityFrom(r.Context())

	var (
		acc *models.Account
		err error
	)
	if *in.Enable {
		acc, err = h.Accounts.StartUserAccount(r.Context(), id.UserID)
	} else {
		acc, err = h.Accounts.StopUserAccount(r.Context(), id.UserID)
	}
	if err != nil {
		apierrors.WriteError(w, r, err)
		return
	}

	logctx.From(r.Context()).Info("panel_toggle_auto",
		slog.String("user_id", id.UserID),
		slog.Bool("enable", *in.Enable),
	)

	writeJSON(w, http.StatusOK, toggleResponse{Enabled: *in.Enable, Account: acc})
}

func (h *Handlers) AccountDetails(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.IdentityFrom(r.Context())

	d, err := h.Accounts.AccountDetails(r.Context(), id.UserID)
	if err != nil {
		apierrors.WriteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, d)
}

// Logout отвязывает аккаунт и отзывает все токены пользователя.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	// тело необязательно: токен мог прийти заголовком
	var in logoutRequest
	if err := decodeStrict(r, &in); err != nil && !errors.Is(err, io.EOF) {
		apierrors.WriteError(w, r, apierrors.ErrInvalidArgument)
		return
	}

	id, _ := middleware.IdentityFrom(r.Context())

	deleted, err := h.Accounts.DeleteUserAccount(r.Context(), id.UserID)
	if err != nil {
		apierrors.WriteError(w, r, err)
		return
	}

	if h.Tracker != nil {
		h.Tracker.ClearUser(id.UserID)
	}
	revoked := h.Tokens.Revoke(id.UserID)

	logctx.From(r.Context()).Info("panel_logout",
		slog.String("user_id", id.UserID),
		slog.Bool("deleted", deleted),
		slog.Int("revoked", revoked),
	)

	writeJSON(w, http.StatusOK, logoutResponse{Deleted: deleted, Revoked: revoked})
}

// AdminAccounts — все привязанные аккаунты (только master).
func (h *Handlers) AdminAccounts(w http.ResponseWriter, r *http.Request) {
	list, err := h.Accounts.AllAccounts(r.Context())
	if err != nil {
		apierrors.WriteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, accountsResponse{Accounts: list})
}
