// bot — приём событий чат-хоста: POST /bot/events.
//
// Хост уже разобрал текст команды и присылает действие с аргументами.
// Ответ {"reply": "..."} хост пересылает в тот же чат. Исход входа по QR
// приходит позже и отправляется отдельным сообщением через OneBot.
package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pribylovaa/qfarm-gateway/internal/config"
	apierrors "github.com/pribylovaa/qfarm-gateway/internal/errors"
	"github.com/pribylovaa/qfarm-gateway/internal/farm"
	"github.com/pribylovaa/qfarm-gateway/internal/models"
	"github.com/pribylovaa/qfarm-gateway/internal/qrlogin"
	"github.com/pribylovaa/qfarm-gateway/pkg/log"
	"github.com/pribylovaa/qfarm-gateway/pkg/redact"
)

// ErrInvalidSignature — подпись события отсутствует или не прошла проверку.
// Транспорт: 401.
var ErrInvalidSignature = errors.New("invalid event signature")

const (
	maxBodyBytes   = 64 << 10
	deliverTimeout = 15 * time.Second
)

// Tokens — токены веб-панели (auth.Authority).
type Tokens interface {
	IsMaster(userID string) bool
	Generate(userID string, isMaster bool) string
	Revoke(userID string) int
}

// Accounts — аккаунты пользователей (farm.Registry).
type Accounts interface {
	UserAccountStatus(ctx context.Context, userID string) (*models.Account, *models.AccountStatus, error)
	IsAutoEnabled(ctx context.Context, userID string) (bool, error)
	StartUserAccount(ctx context.Context, userID string) (*models.Account, error)
	StopUserAccount(ctx context.Context, userID string) (*models.Account, error)
	DeleteUserAccount(ctx context.Context, userID string) (bool, error)
	AllAccounts(ctx context.Context) ([]models.Account, error)
	StartAllAccounts(ctx context.Context) (farm.BulkResult, error)
	StopAllAccounts(ctx context.Context) (farm.BulkResult, error)
}

// Logins — вход по QR (qrlogin.Manager).
type Logins interface {
	Start(ctx context.Context, userID string, cb qrlogin.Callback) (qrlogin.Ticket, error)
	Cancel(ctx context.Context, userID string) bool
}

// Settings — подписки и блокировки (settings.Store).
type Settings interface {
	IsBanned(ctx context.Context, userID string) (bool, error)
	Ban(ctx context.Context, userID string) error
	Unban(ctx context.Context, userID string) error
	AddNotifyGroup(ctx context.Context, userID, groupID string) error
	RemoveNotifyGroup(ctx context.Context, userID, groupID string) error
}

// Sender — исходящие сообщения (notify.OneBot).
type Sender interface {
	SendGroup(ctx context.Context, groupID, text string) error
	SendPrivate(ctx context.Context, userID, text string) error
	At(userID string) string
}

// Tracker — состояние монитора отключений; может быть nil.
type Tracker interface {
	ClearUser(userID string)
}

type Options struct {
	// Secret — HS256-ключ подписи событий; пустой отключает проверку.
	Secret string
	// PanelURL — публичный адрес веб-панели для ссылок с токеном.
	PanelURL string
	// AllowedGroups — группы, где разрешены команды; пустой список — любые.
	AllowedGroups config.IDList
}

// ID — идентификатор QQ: хосты присылают его и числом, и строкой.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// Event — тело POST /bot/events.
type Event struct {
	UserID     ID       `json:"user_id"`
	GroupID    ID       `json:"group_id,omitempty"`
	SenderRole string   `json:"sender_role,omitempty"`
	Action     string   `json:"action"`
	Args       []string `json:"args,omitempty"`
}

// Reply — ответ хосту.
type Reply struct {
	Reply string `json:"reply"`
	// URL — ссылка из ответа (QR входа, панель), если она есть.
	URL string `json:"url,omitempty"`
}

type eventClaims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

type Handler struct {
	tokens   Tokens
	accounts Accounts
	logins   Logins
	settings Settings
	sender   Sender
	tracker  Tracker
	opts     Options
}

func New(tokens Tokens, accounts Accounts, logins Logins, settings Settings, sender Sender, tracker Tracker, opts Options) *Handler {
	return &Handler{
		tokens:   tokens,
		accounts: accounts,
		logins:   logins,
		settings: settings,
		sender:   sender,
		tracker:  tracker,
		opts:     opts,
	}
}

type action func(h *Handler, ctx context.Context, ev Event) (Reply, error)

var actions = map[string]action{
	"help":         (*Handler).help,
	"login":        (*Handler).login,
	"cancel_login": (*Handler).cancelLogin,
	"logout":       (*Handler).logout,
	"panel":        (*Handler).panel,
	"status":       (*Handler).status,
	"start":        (*Handler).start,
	"stop":         (*Handler).stop,
	"notify_on":    (*Handler).notifyOn,
	"notify_off":   (*Handler).notifyOff,
}

var masterActions = map[string]action{
	"ban":       (*Handler).ban,
	"unban":     (*Handler).unban,
	"accounts":  (*Handler).listAccounts,
	"start_all": (*Handler).startAll,
	"stop_all":  (*Handler).stopAll,
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "bot.ServeHTTP"

	ctx := r.Context()

	var claims *eventClaims
	if h.opts.Secret != "" {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			apierrors.WriteError(w, r, fmt.Errorf("%s: %w", op, apierrors.ErrUnauthenticated))
			return
		}
		c, err := h.verify(strings.TrimSpace(raw))
		if err != nil {
			log.From(ctx).Warn("bot_event_rejected", slog.String("op", op), slog.String("err", err.Error()))
			apierrors.WriteError(w, r, fmt.Errorf("%s: %w", op, apierrors.ErrUnauthenticated))
			return
		}
		claims = c
	}

	var ev Event
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&ev); err != nil || ev.UserID == "" || ev.Action == "" {
		apierrors.WriteError(w, r, fmt.Errorf("%s: %w", op, apierrors.ErrInvalidArgument))
		return
	}

	if claims != nil && claims.UserID != "" && claims.UserID != string(ev.UserID) {
		log.From(ctx).Warn("bot_event_rejected",
			slog.String("op", op),
			slog.String("reason", "user_mismatch"),
			slog.String("user_id", string(ev.UserID)),
		)
		apierrors.WriteError(w, r, fmt.Errorf("%s: %w", op, apierrors.ErrUnauthenticated))
		return
	}

	attrs := []any{
		slog.String("user_id", string(ev.UserID)),
		slog.String("action", ev.Action),
	}
	if ev.GroupID != "" {
		attrs = append(attrs, slog.String("group_id", string(ev.GroupID)))
	}
	if ev.SenderRole != "" {
		attrs = append(attrs, slog.String("sender_role", ev.SenderRole))
	}
	ctx = log.With(ctx, attrs...)
	lg := log.From(ctx)

	reply, err := h.Handle(ctx, ev)
	if err != nil {
		lg.Warn("bot_action_failed", slog.String("op", op), slog.String("err", err.Error()))
		reply = Reply{Reply: replyForError(err)}
	}

	writeJSON(w, http.StatusOK, reply)
}

// Handle выполняет действие события. Ошибки домена возвращаются как есть;
// отказы в доступе и неизвестные действия оформляются текстом ответа.
func (h *Handler) Handle(ctx context.Context, ev Event) (Reply, error) {
	uid := string(ev.UserID)
	master := h.tokens.IsMaster(uid)

	if fn, ok := masterActions[ev.Action]; ok {
		if !master {
			return Reply{Reply: "Only the bot owner can do this."}, nil
		}
		return fn(h, ctx, ev)
	}

	fn, ok := actions[ev.Action]
	if !ok {
		return Reply{Reply: fmt.Sprintf("Unknown command %q. Send \"help\" for the command list.", ev.Action)}, nil
	}

	if !master {
		if ev.GroupID != "" && len(h.opts.AllowedGroups) > 0 && !h.opts.AllowedGroups.Contains(string(ev.GroupID)) {
			return Reply{Reply: "Farm commands are disabled in this group."}, nil
		}
		banned, err := h.settings.IsBanned(ctx, uid)
		if err != nil {
			return Reply{}, err
		}
		if banned {
			return Reply{Reply: "You are banned from using the farm."}, nil
		}
	}

	return fn(h, ctx, ev)
}

// verify проверяет подпись события так же строго, как токены доступа:
// только HS256, обязательный exp, небольшой допуск по часам.
func (h *Handler) verify(raw string) (*eventClaims, error) {
	const op = "bot.verify"

	token, err := jwt.ParseWithClaims(raw, &eventClaims{},
		func(t *jwt.Token) (interface{}, error) {
			if t.Method != jwt.SigningMethodHS256 {
				return nil, fmt.Errorf("%s: %w", op, ErrInvalidSignature)
			}
			return []byte(h.opts.Secret), nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrInvalidSignature, err)
	}

	claims, ok := token.Claims.(*eventClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidSignature)
	}

	return claims, nil
}

func (h *Handler) help(_ context.Context, ev Event) (Reply, error) {
	lines := []string{
		"Farm commands:",
		"login - bind a farm account by QR code",
		"cancel_login - abort a pending QR login",
		"status - account status",
		"start / stop - turn auto farming on or off",
		"panel - get a web panel link",
		"notify_on / notify_off - offline alerts in this group",
		"logout - unbind and delete the farm account",
	}
	if h.tokens.IsMaster(string(ev.UserID)) {
		lines = append(lines,
			"ban <qq> / unban <qq> - block or unblock a user",
			"accounts - list all farm accounts",
			"start_all / stop_all - start or stop every farm account",
		)
	}
	return Reply{Reply: strings.Join(lines, "\n")}, nil
}

func (h *Handler) login(ctx context.Context, ev Event) (Reply, error) {
	const op = "bot.login"

	uid := string(ev.UserID)
	gid := string(ev.GroupID)

	// колбэк живёт дольше запроса: значения контекста (логгер) нужны, отмена нет
	deliverCtx := context.WithoutCancel(ctx)

	ticket, err := h.logins.Start(ctx, uid, func(out qrlogin.Outcome) {
		h.deliver(deliverCtx, uid, gid, loginText(out))
	})
	if err != nil {
		return Reply{}, fmt.Errorf("%s: %w", op, err)
	}

	return Reply{
		Reply: "Scan the QR code or open this link in mobile QQ to log in (valid for about 2 minutes):\n" + ticket.URL,
		URL:   ticket.URL,
	}, nil
}

func loginText(out qrlogin.Outcome) string {
	if !out.Success {
		return "Login failed: " + out.Message
	}

	text := "Login succeeded."
	if out.Account != nil {
		text += " Account ID: " + out.Account.ID + "."
	}
	if out.AutoEnabled {
		text += " Auto farming is on."
	} else {
		text += ` Send "start" to turn on auto farming.`
	}
	return text
}

// deliver отправляет сообщение туда, откуда пришла команда.
func (h *Handler) deliver(ctx context.Context, userID, groupID, text string) {
	const op = "bot.deliver"

	ctx, cancel := context.WithTimeout(ctx, deliverTimeout)
	defer cancel()

	var err error
	if groupID != "" {
		err = h.sender.SendGroup(ctx, groupID, h.sender.At(userID)+" "+text)
	} else {
		err = h.sender.SendPrivate(ctx, userID, text)
	}
	if err != nil {
		log.From(ctx).Warn("bot_deliver_failed", slog.String("op", op), slog.String("err", err.Error()))
	}
}

func (h *Handler) cancelLogin(ctx context.Context, ev Event) (Reply, error) {
	if !h.logins.Cancel(ctx, string(ev.UserID)) {
		return Reply{Reply: "You have no QR login in progress."}, nil
	}
	return Reply{Reply: "QR login cancelled."}, nil
}

func (h *Handler) logout(ctx context.Context, ev Event) (Reply, error) {
	const op = "bot.logout"

	uid := string(ev.UserID)

	h.logins.Cancel(ctx, uid)

	deleted, err := h.accounts.DeleteUserAccount(ctx, uid)
	if err != nil {
		return Reply{}, fmt.Errorf("%s: %w", op, err)
	}

	revoked := h.tokens.Revoke(uid)
	if h.tracker != nil {
		h.tracker.ClearUser(uid)
	}

	log.From(ctx).Info("bot_logout", slog.Bool("deleted", deleted), slog.Int("tokens_revoked", revoked))

	if !deleted {
		return Reply{Reply: "You have no farm account bound."}, nil
	}
	return Reply{Reply: "Logged out. Your farm account has been deleted."}, nil
}

func (h *Handler) panel(ctx context.Context, ev Event) (Reply, error) {
	uid := string(ev.UserID)

	token := h.tokens.Generate(uid, h.tokens.IsMaster(uid))
	link := panelLink(h.opts.PanelURL, token)

	log.From(ctx).Info("bot_panel_link_issued", slog.String("token", redact.Prefix(token, 6)))

	return Reply{
		Reply: "Web panel (the link works for 5 minutes, do not share it):\n" + link,
		URL:   link,
	}, nil
}

func panelLink(base, token string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base + "?token=" + url.QueryEscape(token)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

func (h *Handler) status(ctx context.Context, ev Event) (Reply, error) {
	const op = "bot.status"

	uid := string(ev.UserID)

	acc, st, err := h.accounts.UserAccountStatus(ctx, uid)
	if err != nil {
		return Reply{}, fmt.Errorf("%s: %w", op, err)
	}
	if acc == nil {
		return Reply{}, fmt.Errorf("%s: %w", op, farm.ErrNoAccount)
	}

	auto, err := h.accounts.IsAutoEnabled(ctx, uid)
	if err != nil {
		return Reply{}, fmt.Errorf("%s: %w", op, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Account: %s (%s)\n", acc.Name, acc.ID)
	fmt.Fprintf(&b, "Running: %s, connected: %s, auto: %s", yesNo(st.IsRunning), yesNo(st.IsConnected), onOff(auto))
	if us := st.UserState; us != nil {
		fmt.Fprintf(&b, "\nPlayer: %s, level %d, gold %d", us.Name, us.Level, us.Gold)
	}
	if !st.IsConnected && st.DisconnectedReason != "" {
		fmt.Fprintf(&b, "\nDisconnected: %s", st.DisconnectedReason)
	}

	return Reply{Reply: b.String()}, nil
}

func (h *Handler) start(ctx context.Context, ev Event) (Reply, error) {
	const op = "bot.start"

	if _, err := h.accounts.StartUserAccount(ctx, string(ev.UserID)); err != nil {
		return Reply{}, fmt.Errorf("%s: %w", op, err)
	}
	return Reply{Reply: "Auto farming is on."}, nil
}

func (h *Handler) stop(ctx context.Context, ev Event) (Reply, error) {
	const op = "bot.stop"

	if _, err := h.accounts.StopUserAccount(ctx, string(ev.UserID)); err != nil {
		return Reply{}, fmt.Errorf("%s: %w", op, err)
	}
	return Reply{Reply: "Auto farming is off."}, nil
}

func (h *Handler) notifyOn(ctx context.Context, ev Event) (Reply, error) {
	const op = "bot.notifyOn"

	if ev.GroupID == "" {
		return Reply{Reply: "Offline alerts can only be turned on in a group chat."}, nil
	}
	if err := h.settings.AddNotifyGroup(ctx, string(ev.UserID), string(ev.GroupID)); err != nil {
		return Reply{}, fmt.Errorf("%s: %w", op, err)
	}
	return Reply{Reply: "Offline alerts for your account will be posted in this group."}, nil
}

func (h *Handler) notifyOff(ctx context.Context, ev Event) (Reply, error) {
	const op = "bot.notifyOff"

	if ev.GroupID == "" {
		return Reply{Reply: "Offline alerts can only be turned off in a group chat."}, nil
	}
	uid := string(ev.UserID)
	if err := h.settings.RemoveNotifyGroup(ctx, uid, string(ev.GroupID)); err != nil {
		return Reply{}, fmt.Errorf("%s: %w", op, err)
	}
	if h.tracker != nil {
		h.tracker.ClearUser(uid)
	}
	return Reply{Reply: "Offline alerts are off for this group."}, nil
}

func (h *Handler) ban(ctx context.Context, ev Event) (Reply, error) {
	const op = "bot.ban"

	target, ok := firstArg(ev)
	if !ok {
		return Reply{Reply: "Usage: ban <qq>"}, nil
	}
	if h.tokens.IsMaster(target) {
		return Reply{Reply: "The bot owner cannot be banned."}, nil
	}
	if err := h.settings.Ban(ctx, target); err != nil {
		return Reply{}, fmt.Errorf("%s: %w", op, err)
	}

	// действующие ссылки и сессии панели забаненного больше не работают
	h.tokens.Revoke(target)

	log.From(ctx).Info("bot_user_banned", slog.String("target", target))
	return Reply{Reply: fmt.Sprintf("User %s is banned.", target)}, nil
}

func (h *Handler) unban(ctx context.Context, ev Event) (Reply, error) {
	const op = "bot.unban"

	target, ok := firstArg(ev)
	if !ok {
		return Reply{Reply: "Usage: unban <qq>"}, nil
	}
	if err := h.settings.Unban(ctx, target); err != nil {
		return Reply{}, fmt.Errorf("%s: %w", op, err)
	}

	log.From(ctx).Info("bot_user_unbanned", slog.String("target", target))
	return Reply{Reply: fmt.Sprintf("User %s is unbanned.", target)}, nil
}

func (h *Handler) listAccounts(ctx context.Context, _ Event) (Reply, error) {
	const op = "bot.listAccounts"

	list, err := h.accounts.AllAccounts(ctx)
	if err != nil {
		return Reply{}, fmt.Errorf("%s: %w", op, err)
	}
	if len(list) == 0 {
		return Reply{Reply: "No farm accounts."}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Farm accounts: %d", len(list))
	for _, acc := range list {
		fmt.Fprintf(&b, "\n%s  %s  user=%s  running=%s", acc.ID, acc.Name, ownerOf(acc), yesNo(acc.IsRunning))
	}
	return Reply{Reply: b.String()}, nil
}

func (h *Handler) startAll(ctx context.Context, _ Event) (Reply, error) {
	const op = "bot.startAll"

	res, err := h.accounts.StartAllAccounts(ctx)
	if err != nil {
		return Reply{}, fmt.Errorf("%s: %w", op, err)
	}
	return Reply{Reply: bulkReply("Started", res)}, nil
}

func (h *Handler) stopAll(ctx context.Context, _ Event) (Reply, error) {
	const op = "bot.stopAll"

	res, err := h.accounts.StopAllAccounts(ctx)
	if err != nil {
		return Reply{}, fmt.Errorf("%s: %w", op, err)
	}
	return Reply{Reply: bulkReply("Stopped", res)}, nil
}

func bulkReply(verb string, res farm.BulkResult) string {
	if res.Total == 0 {
		return "No farm accounts."
	}
	s := fmt.Sprintf("%s %d of %d accounts.", verb, res.Succeeded, res.Total)
	if len(res.Failed) > 0 {
		s += "\nFailed: " + strings.Join(res.Failed, ", ")
	}
	return s
}

// ownerOf — владелец аккаунта по имени user_<id>, иначе по полю userId.
func ownerOf(acc models.Account) string {
	if id, ok := strings.CutPrefix(acc.Name, farm.AccountName("")); ok && id != "" {
		return id
	}
	if acc.UserID != "" {
		return acc.UserID
	}
	return "?"
}

func firstArg(ev Event) (string, bool) {
	if len(ev.Args) == 0 {
		return "", false
	}
	v := strings.TrimSpace(ev.Args[0])
	return v, v != ""
}

// replyForError — текст для чата; детали апстрима остаются в логе.
func replyForError(err error) string {
	switch {
	case errors.Is(err, farm.ErrNoAccount):
		return `You have no farm account yet. Send "login" to bind one.`
	case errors.Is(err, farm.ErrLoginCodeExpired):
		return `Your login has expired. Send "logout" and then "login" again.`
	case errors.Is(err, qrlogin.ErrAlreadyBound):
		return "You already have a farm account bound."
	case errors.Is(err, qrlogin.ErrInProgress):
		return `A QR login is already in progress. Finish it or send "cancel_login".`
	case errors.Is(err, qrlogin.ErrHandshake):
		return "Could not get a login link, try again later."
	case errors.Is(err, qrlogin.ErrCancelled):
		return "QR login was cancelled."
	case errors.Is(err, qrlogin.ErrClosed):
		return "The service is restarting, try again in a minute."
	case errors.Is(err, context.DeadlineExceeded):
		return "The farm service did not answer in time, try again later."
	default:
		return "Request failed, try again later."
	}
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}
