package prodibot

import (
	"context"
	cryprand "crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	pprofPrefix              = "/debug"
	apiPrefix                = "/api"
	apiPathLogin             = "/login"
	apiPathLogout            = "/logout"
	apiPathHealthCheck       = "/healthz"
	apiPathSetup             = "/setup"
	apiPathLoggedIn          = "/loggedin"
	apiPathReminders         = "/reminders"
	apiPathReminder          = "/reminder/:id"
	apiPathFollowUps         = "/followups"
	apiPathFollowUp          = "/followup/:user_id"
	apiPathOpenAICompletions = "/openai/completions"
	apiPathStats             = "/stats"
	apiPathConfig            = "/config"
	apiPathPause             = "/pause"
	apiPathResume            = "/resume"
	apiPathQuit              = "/quit"
	apiPathDiscordGatewayBot = "/discord/gateway/bot"
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "username"

	defaultPageLimit = 25
)

var structValidator = validator.New()

type Sort string

var (
	Ascending  Sort = "asc"
	Descending Sort = "desc"
)

// Pagination holds the paging query parameters shared by list endpoints
type Pagination struct {
	Limit  int  `form:"limit" binding:"omitempty,min=1,max=100"`
	Order  Sort `form:"order" binding:"omitempty,oneof=asc desc"`
	Offset int  `form:"offset" binding:"omitempty,min=0"`
}

// apply orders q by column and applies the limit and offset. Results are
// newest (highest) first unless Order is asc.
func (p Pagination) apply(q *gorm.DB, column string) *gorm.DB {
	limit := p.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	return q.Order(
		clause.OrderByColumn{
			Column: clause.Column{Name: column},
			Desc:   p.Order != Ascending,
		},
	).Limit(limit).Offset(p.Offset)
}

// API is the admin HTTP API
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	requestMetrics      map[string]int
	requestMetricsMu    sync.Mutex
	logger              *slog.Logger

	handlers *APIHandlers
}

func newAPI(p *Prodibot, config *APIConfig) (*API, error) {
	logger := slog.New(newComponentHandler(config.LogLevel, "api"))

	if config.SSL.Cert == "" && config.SSL.Key == "" {
		if !config.Development {
			return nil, errors.New("ssl cert and key are required outside of development mode")
		}
		dir, err := os.MkdirTemp("", "prodibot-tls-")
		if err != nil {
			return nil, fmt.Errorf("error creating cert dir: %w", err)
		}
		config.SSL.Cert = filepath.Join(dir, "cert.pem")
		config.SSL.Key = filepath.Join(dir, "key.pem")
		if _, err = generateSelfSignedCert(config.SSL.Cert, config.SSL.Key); err != nil {
			return nil, fmt.Errorf("error generating self-signed cert: %w", err)
		}
		logger.Warn("generated self-signed certificate", "cert", config.SSL.Cert)
	}

	tlsCfg, err := tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
	if err != nil {
		return nil, fmt.Errorf("error loading SSL certs: %w", err)
	}

	if !config.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	api := &API{
		config:              config,
		engine:              r,
		requestMetrics:      map[string]int{},
		loginRequestLimiter: rate.NewLimiter(rate.Limit(1), 3),
		logger:              logger,
	}
	handlers := NewAPIHandlers(p, logger)
	api.handlers = handlers
	api.store = handlers.store

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowAllOrigins = config.Development
		if !config.Development {
			corsConfig.AllowOrigins = []string{"https://" + config.Listen}
		}
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		metricMiddleware(api),
		cors.New(corsConfig),
		sessions.Sessions(sessionVarName, handlers.store),
	)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
		runtime.SetMutexProfileFraction(1)
		runtime.SetBlockProfileRate(1)
	}

	r.POST(apiPathLogin, handlers.loginHandler)
	r.POST(apiPathLogout, handlers.logoutHandler)

	public := r.Group(apiPrefix)
	public.GET(apiPathHealthCheck, handlers.healthCheck)
	public.GET(apiPathSetup, handlers.setupStatus)
	public.POST(apiPathSetup, handlers.adminSetup)

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(p, api))

	protected.GET(apiPathLoggedIn, handlers.loggedIn)
	protected.GET(apiPathReminders, handlers.getReminders)
	protected.POST(apiPathReminders, handlers.createReminder)
	protected.GET(apiPathReminder, handlers.getReminder)
	protected.PATCH(apiPathReminder, handlers.updateReminder)
	protected.DELETE(apiPathReminder, handlers.deleteReminder)
	protected.GET(apiPathFollowUps, handlers.getFollowUps)
	protected.GET(apiPathFollowUp, handlers.getFollowUp)
	protected.DELETE(apiPathFollowUp, handlers.deleteFollowUp)
	protected.GET(apiPathOpenAICompletions, handlers.getOpenAICompletions)
	protected.GET(apiPathStats, handlers.getStats)
	protected.GET(apiPathConfig, handlers.getConfig)
	protected.PATCH(apiPathConfig, handlers.updateRuntimeConfig)
	protected.POST(apiPathPause, handlers.botPause)
	protected.POST(apiPathResume, handlers.botResume)
	protected.POST(apiPathQuit, handlers.botQuit)
	protected.GET(apiPathDiscordGatewayBot, handlers.getDiscordGatewayBot)

	return api, nil
}

// Serve listens on the configured address and serves the API over TLS,
// until the server is shut down
func (a *API) Serve(ctx context.Context) error {
	if a.listener != nil {
		return a.httpServer.Serve(a.listener)
	}
	listenCfg := &net.ListenConfig{}
	ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
	}
	a.listener = tls.NewListener(ln, a.httpServer.TLSConfig)
	return a.httpServer.Serve(a.listener)
}

func (a *API) requestMetricsSnapshot() map[string]int {
	a.requestMetricsMu.Lock()
	defer a.requestMetricsMu.Unlock()
	m := make(map[string]int, len(a.requestMetrics))
	for k, v := range a.requestMetrics {
		m[k] = v
	}
	return m
}

func (a *API) getSessionUsername(c *gin.Context) (string, error) {
	session, err := a.store.Get(c.Request, sessionVarName)
	if err != nil {
		return "", err
	}
	username, ok := session.Values[sessionVarField].(string)
	if !ok || username == "" {
		return "", errors.New("username not found in session")
	}
	return username, nil
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// APIHandlers holds the admin API's request handlers
type APIHandlers struct {
	p      *Prodibot
	logger *slog.Logger
	store  CookieStore
}

func NewAPIHandlers(p *Prodibot, logger *slog.Logger) *APIHandlers {
	var secretKey []byte
	switch sk := p.config.API.Secret; {
	case sk == "":
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	default:
		secretKey = derive64ByteKey(sk)
	}

	store := NewCookieStore(secretKey)
	store.Options(sessionOptions(p.config.API))
	return &APIHandlers{p: p, logger: logger, store: store}
}

func sessionOptions(config *APIConfig) sessions.Options {
	sameSite := http.SameSiteStrictMode
	if config.Development {
		sameSite = http.SameSiteNoneMode
	}
	return sessions.Options{
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		MaxAge:   int(config.SessionMaxAge.Seconds()),
		SameSite: sameSite,
	}
}

func (h *APIHandlers) setupStatus(c *gin.Context) {
	c.JSON(http.StatusOK, setupResponse{Required: h.p.pendingSetup.Load()})
}

// adminSetup sets the admin credentials, only while none have been set
func (h *APIHandlers) adminSetup(c *gin.Context) {
	h.p.cfgMu.Lock()
	defer h.p.cfgMu.Unlock()

	if !h.p.pendingSetup.Load() {
		c.JSON(http.StatusForbidden, httpError{Error: "Forbidden"})
		return
	}

	logger := ginContextLogger(c)
	logger.Info("first time admin setup")

	var payload adminSetupPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		logger.Warn("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	if err := SetAdminCredentials(
		c, h.p.db, h.p.runtimeConfig, payload.Username, payload.Password,
	); err != nil {
		if errors.Is(err, ErrInvalidAdminCredentials) {
			logger.Warn("invalid admin credentials", tint.Err(err))
			c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
			return
		}
		logger.Error("error setting admin credentials", tint.Err(err))
		ginReplyError(c, "error setting admin credentials")
		return
	}
	h.p.pendingSetup.Store(false)
	c.JSON(http.StatusCreated, httpReply{Message: "admin credentials set"})
}

func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	if !h.p.api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	cfg := h.p.RuntimeConfig()
	if cfg.AdminUsername == "" || cfg.AdminPassword == "" {
		logger.Warn("admin username and password not set")
		c.JSON(http.StatusUnauthorized, httpError{Error: "Unauthorized"})
		return
	}
	if login.Username != cfg.AdminUsername {
		logger.Warn("admin username incorrect")
		c.JSON(http.StatusUnauthorized, httpError{Error: "Unauthorized"})
		return
	}
	valid, err := VerifyPassword(cfg.AdminPassword, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		ginReplyError(c, "Internal Server Error")
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.JSON(http.StatusUnauthorized, httpError{Error: "Unauthorized"})
		return
	}

	session, err := h.store.New(c.Request, sessionVarName)
	if err != nil || session == nil {
		logger.Error("error creating session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	opts := sessionOptions(h.p.config.API)
	session.Options = opts.ToGorillaOptions()
	session.Values[sessionVarField] = login.Username
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, healthCheckResponse{
			Paused:                  h.p.paused.Load(),
			DiscordGatewayConnected: h.p.discord.connected.Load(),
			Uptime:                  time.Since(h.p.startedAt).Round(time.Second).String(),
		},
	)
}

func (h *APIHandlers) logoutHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	session, err := h.store.Get(c.Request, sessionVarName)
	if err != nil {
		logger.Error("error getting session", tint.Err(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	session.Values[sessionVarField] = ""
	session.Options.MaxAge = -1
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("error saving cookie", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

func (h *APIHandlers) loggedIn(c *gin.Context) {
	username, err := h.p.api.getSessionUsername(c)
	if err != nil {
		ginContextLogger(c).Warn("error getting session username", tint.Err(err))
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, loggedInResponse{Username: username})
}

type getRemindersQuery struct {
	Pagination
	ReminderFilter
}

func (h *APIHandlers) getReminders(c *gin.Context) {
	var q getRemindersQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	reminders, err := h.p.reminders.ListReminders(c, q.ReminderFilter, q.Pagination)
	if err != nil {
		ginContextLogger(c).Error("error listing reminders", tint.Err(err))
		ginReplyError(c, "error listing reminders")
		return
	}
	c.JSON(http.StatusOK, reminders)
}

// apiCreateReminder is the payload for creating a reminder. Exactly one
// of RemindAt, InMinutes or Days+Time sets when it's due. Days+Time make
// it a weekly recurring reminder.
type apiCreateReminder struct {
	UserID    string     `json:"user_id" binding:"required,numeric"`
	ChannelID string     `json:"channel_id" binding:"omitempty,numeric"`
	Task      string     `json:"task" binding:"required,max=1000"`
	RemindAt  *time.Time `json:"remind_at" binding:"omitnil"`
	InMinutes *int       `json:"in_minutes" binding:"omitnil,min=1"`
	Days      string     `json:"days" binding:"required_with=Time"`
	Time      string     `json:"time" binding:"required_with=Days"`
}

// resolve returns when the reminder is first due, and its recurrence rule
func (r apiCreateReminder) resolve(parser *TimeParser, now time.Time) (time.Time, string, error) {
	set := 0
	for _, ok := range []bool{r.RemindAt != nil, r.InMinutes != nil, r.Days != ""} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return time.Time{}, "", errors.New("exactly one of remind_at, in_minutes or days/time is required")
	}

	switch {
	case r.RemindAt != nil:
		if !r.RemindAt.After(now) {
			return time.Time{}, "", errors.New("remind_at is in the past")
		}
		return *r.RemindAt, "", nil
	case r.InMinutes != nil:
		return now.Add(time.Duration(*r.InMinutes) * time.Minute), "", nil
	default:
		weekdays := ParseDays(r.Days)
		if len(weekdays) == 0 {
			return time.Time{}, "", fmt.Errorf("invalid days: %q", r.Days)
		}
		local := now.In(parser.Location())
		hour, minute, err := parser.ParseTimeOfDay(r.Time, local)
		if err != nil {
			return time.Time{}, "", fmt.Errorf("invalid time: %q", r.Time)
		}
		return NextOccurrence(local, weekdays, hour, minute), FormatRule(weekdays, hour, minute), nil
	}
}

func (h *APIHandlers) createReminder(c *gin.Context) {
	logger := ginContextLogger(c)
	var payload apiCreateReminder
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	remindAt, rule, err := payload.resolve(h.p.timeParser, h.p.now())
	if err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	username, _ := h.p.api.getSessionUsername(c)
	r, err := h.p.reminders.AddReminder(
		c, NewReminder{
			UserID:         payload.UserID,
			ChannelID:      payload.ChannelID,
			CreatedBy:      "api:" + username,
			Task:           payload.Task,
			RemindAt:       remindAt,
			RecurrenceRule: rule,
		},
	)
	if err != nil {
		logger.Error("error adding reminder", tint.Err(err))
		ginReplyError(c, "error adding reminder")
		return
	}
	c.JSON(http.StatusCreated, r)
}

// reminderFromParam looks up the reminder named by the :id parameter,
// replying with 404 when it doesn't exist
func (h *APIHandlers) reminderFromParam(c *gin.Context) (*Reminder, bool) {
	r, err := h.p.reminders.GetReminder(c, c.Param("id"))
	switch {
	case errors.Is(err, ErrReminderNotFound):
		c.JSON(http.StatusNotFound, httpError{Error: "reminder not found"})
		return nil, false
	case err != nil:
		ginContextLogger(c).Error("error getting reminder", tint.Err(err))
		ginReplyError(c, "error getting reminder")
		return nil, false
	}
	return r, true
}

func (h *APIHandlers) getReminder(c *gin.Context) {
	if r, ok := h.reminderFromParam(c); ok {
		c.JSON(http.StatusOK, r)
	}
}

func (h *APIHandlers) deleteReminder(c *gin.Context) {
	r, ok := h.reminderFromParam(c)
	if !ok {
		return
	}
	if err := h.p.reminders.DeleteReminder(c, r); err != nil {
		ginContextLogger(c).Error("error deleting reminder", tint.Err(err))
		ginReplyError(c, "error deleting reminder")
		return
	}
	ginReplyMessage(c, "reminder deleted")
}

type apiPatchReminder struct {
	Task     *string    `json:"task,omitempty" binding:"omitnil,min=1,max=1000"`
	RemindAt *time.Time `json:"remind_at,omitempty" binding:"omitnil"`
}

func (h *APIHandlers) updateReminder(c *gin.Context) {
	logger := ginContextLogger(c)
	var update apiPatchReminder
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if update.RemindAt != nil && !update.RemindAt.After(h.p.now()) {
		c.JSON(http.StatusBadRequest, httpError{Error: "remind_at is in the past"})
		return
	}
	r, ok := h.reminderFromParam(c)
	if !ok {
		return
	}
	if update.Task != nil && strings.TrimSpace(*update.Task) != "" {
		if err := h.p.reminders.UpdateReminderTask(c, r, *update.Task); err != nil {
			logger.Error("error updating task", tint.Err(err))
			ginReplyError(c, "error updating reminder")
			return
		}
	}
	if update.RemindAt != nil {
		if err := h.p.reminders.UpdateReminderTime(c, r, *update.RemindAt); err != nil {
			logger.Error("error updating time", tint.Err(err))
			ginReplyError(c, "error updating reminder")
			return
		}
	}
	h.getReminder(c)
}

func (h *APIHandlers) getFollowUps(c *gin.Context) {
	var page Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	followUps, err := h.p.followUps.ListFollowUps(c, page)
	if err != nil {
		ginContextLogger(c).Error("error listing follow-ups", tint.Err(err))
		ginReplyError(c, "error listing follow-ups")
		return
	}
	c.JSON(http.StatusOK, followUps)
}

func (h *APIHandlers) getFollowUp(c *gin.Context) {
	f, err := h.p.followUps.GetFollowUp(c, c.Param("user_id"))
	if err != nil {
		ginContextLogger(c).Error("error getting follow-up", tint.Err(err))
		ginReplyError(c, "error getting follow-up")
		return
	}
	if f == nil {
		c.JSON(http.StatusNotFound, httpError{Error: "follow-up not found"})
		return
	}
	c.JSON(http.StatusOK, f)
}

func (h *APIHandlers) deleteFollowUp(c *gin.Context) {
	cleared, err := h.p.clearFollowUp(c, c.Param("user_id"))
	if err != nil {
		ginContextLogger(c).Error("error clearing follow-up", tint.Err(err))
		ginReplyError(c, "error clearing follow-up")
		return
	}
	if !cleared {
		c.JSON(http.StatusNotFound, httpError{Error: "follow-up not found"})
		return
	}
	ginReplyMessage(c, "follow-up cleared")
}

func (h *APIHandlers) getOpenAICompletions(c *gin.Context) {
	var page Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	completions, err := h.p.openai.ListCompletions(c, page)
	if err != nil {
		ginContextLogger(c).Error("error listing completions", tint.Err(err))
		ginReplyError(c, "error listing completions")
		return
	}
	c.JSON(http.StatusOK, completions)
}

type statsResponse struct {
	Reminders map[ReminderStatus]int64 `json:"reminders"`
	FollowUps map[FollowUpStatus]int64 `json:"follow_ups"`

	DiscordConnects        int64          `json:"discord_connects"`
	DiscordDisconnects     int64          `json:"discord_disconnects"`
	DiscordMessagesHandled int64          `json:"discord_messages_handled"`
	APIRequests            map[string]int `json:"api_requests"`
}

// getStats counts reminders and follow-ups by status, one query per
// status
func (h *APIHandlers) getStats(c *gin.Context) {
	reminderStatuses := []ReminderStatus{
		ReminderStatusPending,
		ReminderStatusSent,
		ReminderStatusSkipped,
		ReminderStatusFailed,
	}
	followUpStatuses := []FollowUpStatus{FollowUpWaitingForReply, FollowUpWaitingToRemind}

	reminderCounts := make([]int64, len(reminderStatuses))
	followUpCounts := make([]int64, len(followUpStatuses))

	g, ctx := errgroup.WithContext(c.Request.Context())
	for i, status := range reminderStatuses {
		g.Go(
			func() (err error) {
				reminderCounts[i], err = h.p.reminders.CountReminders(ctx, status)
				return err
			},
		)
	}
	for i, status := range followUpStatuses {
		g.Go(
			func() (err error) {
				followUpCounts[i], err = h.p.followUps.CountFollowUps(ctx, status)
				return err
			},
		)
	}
	if err := g.Wait(); err != nil {
		ginContextLogger(c).Error("error counting", tint.Err(err))
		ginReplyError(c, "error getting stats")
		return
	}

	resp := statsResponse{
		Reminders:              make(map[ReminderStatus]int64, len(reminderStatuses)),
		FollowUps:              make(map[FollowUpStatus]int64, len(followUpStatuses)),
		DiscordConnects:        h.p.discord.metricConnects.Load(),
		DiscordDisconnects:     h.p.discord.metricDisconnects.Load(),
		DiscordMessagesHandled: h.p.discord.metricMessagesHandled.Load(),
		APIRequests:            h.p.api.requestMetricsSnapshot(),
	}
	for i, status := range reminderStatuses {
		resp.Reminders[status] = reminderCounts[i]
	}
	for i, status := range followUpStatuses {
		resp.FollowUps[status] = followUpCounts[i]
	}
	c.JSON(http.StatusOK, resp)
}

func (h *APIHandlers) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.p.RuntimeConfig())
}

// updateRuntimeConfig applies a partial update to the runtime config,
// then tells every instance to reload it
func (h *APIHandlers) updateRuntimeConfig(c *gin.Context) {
	logger := ginContextLogger(c)

	var update RuntimeConfigUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		logger.Warn("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	p := h.p
	p.cfgMu.Lock()
	previous := *p.runtimeConfig
	updated := previous
	update.apply(&updated)

	if err := structValidator.Struct(updated); err != nil {
		p.cfgMu.Unlock()
		logger.Warn("invalid config", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	logger.Info("applying config update", "update", update)
	err := p.writeDB.Transaction(
		c, func(tx *gorm.DB) error {
			return tx.Save(&updated).Error
		},
	)
	if err != nil {
		p.cfgMu.Unlock()
		logger.Error("error updating config", tint.Err(err))
		ginReplyError(c, "error updating config")
		return
	}
	p.runtimeConfig = &updated
	p.applyRuntimeConfig(c, logger, previous, updated)
	p.cfgMu.Unlock()

	c.JSON(http.StatusAccepted, updated)

	if !p.dbNotifier.ReloadRuntimeConfig(context.WithoutCancel(c)) {
		logger.Error("error sending config update notification")
	}
}

func (h *APIHandlers) botPause(c *gin.Context) {
	if !h.p.Pause(c) {
		c.AbortWithStatusJSON(http.StatusConflict, httpError{Error: "bot already paused"})
		return
	}
	h.p.dbNotifier.ReloadRuntimeConfig(context.WithoutCancel(c))
	ginReplyMessage(c, "bot paused")
}

func (h *APIHandlers) botResume(c *gin.Context) {
	if !h.p.Resume(c) {
		c.AbortWithStatusJSON(http.StatusConflict, httpError{Error: "bot not paused"})
		return
	}
	h.p.dbNotifier.ReloadRuntimeConfig(context.WithoutCancel(c))
	ginReplyMessage(c, "bot resumed")
}

// botQuit tells every bot instance to shut down
func (h *APIHandlers) botQuit(c *gin.Context) {
	logger := ginContextLogger(c)
	logger.Warn("sending stop signal")
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c), 30*time.Second)
	defer cancel()

	doneCh := make(chan struct{}, 1)
	go func() {
		h.p.dbNotifier.Stop(ctx)
		doneCh <- struct{}{}
		close(doneCh)
	}()
	select {
	case <-doneCh:
		ginReplyMessage(c, "quitting")
	case <-ctx.Done():
		logger.Warn("timeout sending stop signal")
		c.JSON(http.StatusGatewayTimeout, httpError{Error: "timeout sending stop signal"})
	}
}

func (h *APIHandlers) getDiscordGatewayBot(c *gin.Context) {
	gb, err := h.p.discord.session.GatewayBot(
		discordgo.WithContext(c),
		discordgo.WithRetryOnRatelimit(false),
		discordgo.WithRestRetries(1),
	)
	if err != nil {
		ginReplyError(c, "error fetching gateway bot")
		return
	}
	c.JSON(http.StatusOK, gb)
}

type loggedInResponse struct {
	Username string `json:"username"`
}

type healthCheckResponse struct {
	Paused                  bool   `json:"paused"`
	DiscordGatewayConnected bool   `json:"discord_gateway_connected"`
	Uptime                  string `json:"uptime"`
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

type userLogin struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type adminSetupPayload struct {
	Username        string `json:"username" binding:"required"`
	Password        string `json:"password" binding:"required,min=8,eqfield=ConfirmPassword"`
	ConfirmPassword string `json:"confirm_password" binding:"required"`
}

// setupResponse tells the client whether admin credentials still need
// to be set
type setupResponse struct {
	Required bool `json:"required"`
}

// authMiddleware rejects requests without a logged-in session, and all
// requests while admin credentials haven't been set
func authMiddleware(p *Prodibot, api *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		if p.pendingSetup.Load() {
			logger.Warn("admin username and password not set")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}

		username, err := api.getSessionUsername(c)
		if err != nil {
			logger.Warn("no session", tint.Err(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		logger.Debug("got session", sessionVarField, username)
		c.Next()
	}
}

// requestIDMiddleware assigns each request an ID, returned in the
// X-Request-ID header. An ID sent by the client is kept when it's a
// valid UUID.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(xRequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the request's logger, creating it (with
// request details attached) on first use
func ginContextLogger(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := v.(*slog.Logger); ok {
			return requestLogger
		}
	}
	baseLogger := slog.Default()
	if v, ok := c.Get(string(apiLoggerKey)); ok {
		if l, ok := v.(*slog.Logger); ok {
			baseLogger = l
		}
	}

	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}
	requestLogger := baseLogger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

const apiLoggerKey contextKey = "api_logger"

func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Set(string(apiLoggerKey), logger)

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs.Errors(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// metricMiddleware counts requests per route
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		key := fmt.Sprintf("%s %s", c.Request.Method, route)

		a.requestMetricsMu.Lock()
		a.requestMetrics[key]++
		a.requestMetricsMu.Unlock()

		c.Next()
	}
}

func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

// generateSelfSignedCert writes a self-signed certificate and key, valid
// for a year, to the given paths
func generateSelfSignedCert(certFile string, keyFile string) (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(cryprand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	certTemplate := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			Organization: []string{"Prodibot"},
		},
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	derBytes, err := x509.CreateCertificate(
		cryprand.Reader,
		&certTemplate,
		&certTemplate,
		&priv.PublicKey,
		priv,
	)
	if err != nil {
		return tls.Certificate{}, err
	}

	if err = writePEM(certFile, "CERTIFICATE", derBytes); err != nil {
		return tls.Certificate{}, err
	}
	if err = writePEM(keyFile, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(priv)); err != nil {
		return tls.Certificate{}, err
	}
	return tls.LoadX509KeyPair(certFile, keyFile)
}

func writePEM(path string, blockType string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if err = pem.Encode(f, &pem.Block{Type: blockType, Bytes: data}); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

//nolint:gochecknoinits // validators need registering before use
func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterStructValidation(validateRuntimeConfigTiming, RuntimeConfig{})
}
