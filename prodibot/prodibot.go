package prodibot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	rcron "github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/osmanclan1/ProdiBot/prodibot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// Prodibot is the bot. It owns the database, the discord session, the
// OpenAI client, the sweeps and the admin API.
type Prodibot struct {
	config *Config
	logger *slog.Logger

	db         *gorm.DB
	writeDB    DBI
	dbNotifier DBNotifier

	// runtimeConfig is the current 'live' config, loaded from the database
	runtimeConfig *RuntimeConfig
	cfgMu         sync.RWMutex

	paused       atomic.Bool
	pendingSetup atomic.Bool

	discord   *Discord
	openai    *OpenAI
	api       *API
	scheduler *rcron.Cron

	reminders  *ReminderStore
	followUps  *FollowUpStore
	timeParser *TimeParser
	locks      *userLocks
	cmds       map[string]*command

	now func() time.Time

	runMu     sync.Mutex
	startedAt time.Time

	signalReady                   chan struct{}
	signalStop                    chan struct{}
	triggerRuntimeConfigRefreshCh chan bool
}

// New creates a bot from the given config. Nothing is connected or
// started until Run is called.
func New(config *Config) (*Prodibot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	p := &Prodibot{
		config:                        config,
		signalReady:                   make(chan struct{}, 1),
		signalStop:                    make(chan struct{}, 1),
		triggerRuntimeConfigRefreshCh: make(chan bool, 1),
		locks:                         newUserLocks(),
		now:                           time.Now,
		timeParser:                    NewTimeParser(config.Scheduler.Location()),
	}
	p.logger = slog.New(newComponentHandler(config.LogLevel, ""))
	slog.SetDefault(p.logger)
	p.cmds = p.commands()

	// the database is set in initDB
	p.openai = newOpenAI(config.OpenAI, nil, config.HTTPClient)

	config.Discord.httpClient = config.HTTPClient
	p.discord = newDiscord(config.Discord)
	p.discord.logger = slog.New(newComponentHandler(config.Discord.LogLevel, "discord"))
	p.discord.p = p

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newComponentHandler(config.Discord.DiscordGoLogLevel, "discordgo"),
	)

	api, err := newAPI(p, config.API)
	errs = append(errs, err)
	p.api = api

	return p, errors.Join(errs...)
}

func (p *Prodibot) ValidateConfig() error {
	return structValidator.Struct(p.config)
}

// RuntimeConfig returns a copy of the current runtime configuration
func (p *Prodibot) RuntimeConfig() RuntimeConfig {
	p.cfgMu.RLock()
	defer p.cfgMu.RUnlock()
	if p.runtimeConfig == nil {
		return DefaultRuntimeConfig()
	}
	return *p.runtimeConfig
}

// Run connects to the database and discord, starts the sweeps and the
// API, and blocks until ctx is canceled or a stop signal is received.
func (p *Prodibot) Run(ctx context.Context) error {
	// prevents concurrent runs
	p.runMu.Lock()
	defer p.runMu.Unlock()

	p.startedAt = time.Now()
	logger := p.logger

	if err := p.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	notifier, err := newDBNotifier(p)
	if err != nil {
		logger.Error("error creating db notifier", tint.Err(err))
		return err
	}
	p.dbNotifier = notifier

	ctx = WithLogger(ctx, logger)
	runtimeWG := &sync.WaitGroup{}

	logger.LogAttrs(
		ctx,
		slog.LevelInfo,
		"starting",
		slog.String("version", Version),
		slog.String("commit", CommitSHA),
		slog.Any("config", p.config),
	)

	// the 'runtime' context, which triggers a graceful shutdown when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-p.signalStop:
			p.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			p.logger.Warn("context canceled")
		}
	}()

	go func() {
		httpErr := p.api.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			p.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, p.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- p.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return errors.New("startup cancelled or timed out")
	case err = <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			if p.api.listener != nil {
				_ = p.api.listener.Close()
			}
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	if p.pendingSetup.Load() {
		logger.WarnContext(
			ctx,
			fmt.Sprintf("admin credentials not set, complete setup at: %s%s", apiPrefix, apiPathSetup),
		)
	}

	if err = p.initDiscordSession(ctx, runtimeWG); err != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		return err
	}
	if err = p.discordInit(ctx, p.RuntimeConfig(), logger); err != nil {
		return err
	}

	scheduler, err := p.startScheduler(ctx)
	if err != nil {
		return err
	}
	p.scheduler = scheduler

	p.startRuntimeConfigRefresher(ctx, runtimeWG, logger)

	p.signalReady <- struct{}{}
	logger.InfoContext(ctx, "sent ready signal")

	for _, channel := range p.dbNotifier.Channels() {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			if e := p.dbNotifier.Listen(ctx, channel); e != nil {
				p.logger.ErrorContext(ctx, "error listening for notifications", "channel", channel, tint.Err(e))
			}
		}()
	}

	// block until something cancels the runtime context - an interrupt,
	// or the quit endpoint
	<-ctx.Done()

	return p.shutdown(ctx, runtimeWG)
}

// initRun opens the database, and loads (or creates) the runtime config
func (p *Prodibot) initRun(ctx context.Context) error {
	p.logger.Debug("initializing DB...")
	if err := p.initDB(ctx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	p.logger.Debug("finished initializing DB")

	// the runtime config is persisted, so the bot comes back up paused
	// if it was paused when it stopped
	var cfg RuntimeConfig
	if err := p.db.WithContext(ctx).Last(&cfg).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("error getting config: %w", err)
		}
		cfg = DefaultRuntimeConfig()
		if _, err = p.writeDB.Create(ctx, &cfg); err != nil {
			return fmt.Errorf("error creating config: %w", err)
		}
	}
	if err := structValidator.Struct(cfg); err != nil {
		return fmt.Errorf("invalid runtime config: %w", err)
	}

	p.pendingSetup.Store(cfg.AdminUsername == "" || cfg.AdminPassword == "")
	p.paused.Store(cfg.Paused)
	p.setRuntimeLevels(cfg)

	p.cfgMu.Lock()
	p.runtimeConfig = &cfg
	p.cfgMu.Unlock()
	return nil
}

func (p *Prodibot) initDB(ctx context.Context) error {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = p.logger
	}

	handler := newComponentHandler(p.config.DatabaseLogLevel, "database")
	gormLogger := newGORMLogger(handler, p.config.DatabaseSlowThreshold)
	db, err := getDB(p.config.DatabaseType, p.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	p.db = db

	if p.config.DatabaseType == dbTypeSQLite {
		if err = configureSQLite(db.WithContext(ctx)); err != nil {
			return err
		}
	}

	logger.Debug("migrating database...")
	if err = db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			return tx.Migrator().AutoMigrate(migrateModels()...)
		},
	); err != nil {
		logger.Error("error migrating database", tint.Err(err))
		return fmt.Errorf("error migrating database: %w", err)
	}
	logger.Debug("finished migrating database")

	p.writeDB = NewDatabase(db, slog.New(handler), p.config.DatabaseType == dbTypePostgres)
	p.reminders = NewReminderStore(p.writeDB, p.logger)
	p.followUps = NewFollowUpStore(p.writeDB, p.logger)

	p.openai.db = p.writeDB
	return nil
}

// initDiscordSession creates the discord session (unless one was already
// set) and registers the gateway event handlers
func (p *Prodibot) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	if p.discord.session == nil {
		session, err := p.discord.newSession()
		if err != nil {
			return fmt.Errorf("error creating discord session: %w", err)
		}
		p.discord.session = session
	}

	p.discord.session.SetIdentify(
		discordgo.Identify{
			Intents:  p.config.Discord.GatewayIntents,
			Presence: getDiscordIdentifyPresence(p.RuntimeConfig()),
		},
	)

	ctx = WithLogger(ctx, p.discord.logger)
	p.discord.addHandlers(
		func(m *discordgo.MessageCreate) {
			runtimeWG.Add(1)
			go func() {
				defer runtimeWG.Done()
				p.handleDiscordMessage(ctx, m)
			}()
		},
	)
	return nil
}

// discordInit opens the gateway connection, if it's enabled
func (p *Prodibot) discordInit(
	ctx context.Context,
	runtimeCfg RuntimeConfig,
	logger *slog.Logger,
) error {
	if !runtimeCfg.DiscordGatewayEnabled {
		logger.WarnContext(ctx, "discord gateway disabled, commands and DMs won't be received")
		return nil
	}
	logger.InfoContext(ctx, "connecting to discord")
	if err := p.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	return nil
}

// startRuntimeConfigRefresher reloads the runtime config from the
// database every RuntimeConfigTTL, and whenever a reload is triggered
func (p *Prodibot) startRuntimeConfigRefresher(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
	logger *slog.Logger,
) {
	if ttl := p.config.RuntimeConfigTTL; ttl > 0 {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			ticker := time.NewTicker(ttl)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					select {
					case p.triggerRuntimeConfigRefreshCh <- false:
						logger.Debug("sent config refresh signal from ticker")
					case <-time.After(5 * time.Second):
						logger.Warn("timed out sending config refresh signal")
					}
				}
			}
		}()
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case force := <-p.triggerRuntimeConfigRefreshCh:
				refreshCtx, refreshCancel := context.WithTimeout(ctx, 30*time.Second)
				p.refreshRuntimeConfig(refreshCtx, force)
				refreshCancel()
			}
		}
	}()
}

// refreshRuntimeConfig reloads the runtime config from the database. Unless
// forced, it's only applied when it was updated more than RuntimeConfigTTL
// ago.
func (p *Prodibot) refreshRuntimeConfig(ctx context.Context, force bool) {
	p.cfgMu.Lock()
	defer p.cfgMu.Unlock()

	var refreshed RuntimeConfig
	if err := p.db.WithContext(ctx).Last(&refreshed).Error; err != nil {
		p.logger.ErrorContext(ctx, "error getting runtime config", tint.Err(err))
		return
	}

	lastUpdated := time.Since(time.UnixMilli(refreshed.UpdatedAt))
	if !force && lastUpdated <= p.config.RuntimeConfigTTL {
		p.logger.Debug("runtime config is up to date, skipping refresh")
		return
	}
	p.logger.InfoContext(ctx, "refreshing runtime config", "last_updated", lastUpdated)

	var previous RuntimeConfig
	if p.runtimeConfig != nil {
		previous = *p.runtimeConfig
	}
	p.runtimeConfig = &refreshed
	p.pendingSetup.Store(refreshed.AdminUsername == "" || refreshed.AdminPassword == "")
	p.applyRuntimeConfig(ctx, p.logger, previous, refreshed)
}

// applyRuntimeConfig makes changes between previous and current take
// effect: log levels, the paused state and the discord connection and
// status. cfgMu must be held.
func (p *Prodibot) applyRuntimeConfig(
	ctx context.Context,
	logger *slog.Logger,
	previous RuntimeConfig,
	current RuntimeConfig,
) {
	p.setRuntimeLevels(current)

	wasPaused := p.paused.Swap(current.Paused)
	switch {
	case wasPaused && !current.Paused:
		logger.InfoContext(ctx, "unpaused bot")
	case current.Paused && !wasPaused:
		logger.WarnContext(ctx, "paused bot")
	}

	if p.discord.session == nil {
		return
	}

	switch {
	case previous.DiscordGatewayEnabled && !current.DiscordGatewayEnabled:
		if err := p.discord.session.Close(); err != nil {
			logger.ErrorContext(ctx, "error closing discord connection", tint.Err(err))
		}
	case previous.DiscordGatewayEnabled && current.DiscordGatewayEnabled:
		if previous.Paused != current.Paused ||
			previous.DiscordCustomStatus != current.DiscordCustomStatus {
			p.updateDiscordStatus(ctx, current)
		}
	case current.DiscordGatewayEnabled:
		p.discord.session.SetIdentify(
			discordgo.Identify{
				Intents:  p.config.Discord.GatewayIntents,
				Presence: getDiscordIdentifyPresence(current),
			},
		)
		if err := p.discord.session.Open(); err != nil {
			logger.ErrorContext(ctx, "error opening discord connection", tint.Err(err))
		}
	}
}

func (p *Prodibot) updateDiscordStatus(ctx context.Context, cfg RuntimeConfig) {
	if !cfg.DiscordGatewayEnabled || !p.discord.connected.Load() {
		return
	}
	if err := p.discord.session.UpdateStatusComplex(getDiscordPresenceStatusUpdate(cfg)); err != nil {
		p.logger.ErrorContext(ctx, "error updating discord status", tint.Err(err))
	}
}

func (p *Prodibot) setRuntimeLevels(cfg RuntimeConfig) {
	p.config.LogLevel.Set(cfg.LogLevel.Level())
	p.config.OpenAI.LogLevel.Set(cfg.OpenAILogLevel.Level())
	p.config.Discord.LogLevel.Set(cfg.DiscordLogLevel.Level())
	p.config.Discord.DiscordGoLogLevel.Set(cfg.DiscordGoLogLevel.Level())
	p.config.API.LogLevel.Set(cfg.APILogLevel.Level())
	p.config.DatabaseLogLevel.Set(cfg.DatabaseLogLevel.Level())
	if p.openai != nil {
		p.openai.SetRequestLimit(p.config.OpenAI.MaxRequestsPerSecond)
	}
}

// Pause stops the reminder and follow-up sweeps. Commands and DM replies
// are still handled. It returns false if the bot was already paused.
func (p *Prodibot) Pause(ctx context.Context) bool {
	p.cfgMu.Lock()
	defer p.cfgMu.Unlock()

	if p.paused.Swap(true) {
		return false
	}
	p.logger.WarnContext(ctx, "bot paused")
	p.setPausedColumn(ctx, true)
	return true
}

// Resume restarts the sweeps. It returns false if the bot wasn't paused.
func (p *Prodibot) Resume(ctx context.Context) bool {
	p.cfgMu.Lock()
	defer p.cfgMu.Unlock()

	if !p.paused.Swap(false) {
		p.logger.Warn("bot not paused")
		return false
	}
	p.logger.InfoContext(ctx, "bot resumed")
	p.setPausedColumn(ctx, false)
	return true
}

// setPausedColumn persists the paused state and updates the discord
// status to match. cfgMu must be held.
func (p *Prodibot) setPausedColumn(ctx context.Context, paused bool) {
	if p.runtimeConfig == nil {
		return
	}
	if p.runtimeConfig.Paused != paused {
		if _, err := p.writeDB.Update(
			ctx, p.runtimeConfig, columnRuntimeConfigPaused, paused,
		); err != nil {
			p.logger.ErrorContext(ctx, "unable to update paused state in db", tint.Err(err))
		}
		p.runtimeConfig.Paused = paused
	}
	p.updateDiscordStatus(ctx, *p.runtimeConfig)
}

// shutdown stops the sweeps, the API and the discord session, giving
// in-flight work until ShutdownTimeout to finish
func (p *Prodibot) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	p.logger.WarnContext(ctx, "shutting down")
	shutdownStart := time.Now()
	shutdownTimeout := p.config.ShutdownTimeout
	if shutdownTimeout <= 0 {
		p.logger.Warn("immediate shutdown")
		go func() {
			_ = p.api.httpServer.Close()
		}()
		return errors.New("shutdown timeout is zero, forced close")
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)

	announcementTicker := time.NewTicker(10 * time.Second)
	defer announcementTicker.Stop()

	p.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", shutdownTimeout,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		stopWG := &sync.WaitGroup{}

		if p.scheduler != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				p.logger.InfoContext(ctx, "stopping scheduler")
				// waits on any running sweep
				<-p.scheduler.Stop().Done()
				p.logger.InfoContext(ctx, "scheduler stopped")
			}()
		}

		if p.api.httpServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				p.logger.InfoContext(ctx, "stopping http server")
				_ = p.api.httpServer.Shutdown(closeCtx)
				p.logger.InfoContext(ctx, "http server stopped")
			}()
		}

		stopWG.Add(1)
		go func() {
			defer stopWG.Done()
			runtimeWG.Wait()
			p.logger.InfoContext(ctx, "finished handling in-flight messages")
			if p.discord.session != nil {
				p.logger.InfoContext(ctx, "closing discord session")
				_ = p.discord.session.Close()
				p.discord.removeHandlers()
				p.logger.InfoContext(ctx, "discord session closed")
			}
		}()

		stopWG.Wait()
		gracefulShutdownCh <- struct{}{}
	}()

	for {
		select {
		case <-gracefulShutdownCh:
			shutdownEnded := time.Now()
			p.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_duration", shutdownEnded.Sub(shutdownStart),
			)
			return nil
		case <-announcementTicker.C:
			p.logger.Warn(fmt.Sprintf("time until hard shutdown: %s", time.Until(shutdownDeadline)))
		case <-closeCtx.Done():
			p.logger.Warn("in-flight work did not stop in time, forcing close")
			go func() {
				_ = p.api.httpServer.Close()
			}()
			return errors.New("shutdown timed out")
		}
	}
}

// handleRecover logs a recovered panic with its stack trace
func (*Prodibot) handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	stackTrace := string(debug.Stack())

	switch v := rc.(type) {
	case error:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(v), "stack_trace", stackTrace)
	case string:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(errors.New(v)), "stack_trace", stackTrace)
	default:
		logger.ErrorContext(ctx, "recovered from panic", "panic_arg", rc, "stack_trace", stackTrace)
	}
}
