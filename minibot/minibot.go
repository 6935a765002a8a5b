package minibot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/KyleMinter/mini-bot/minibot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var defaultLogWriter io.Writer = os.Stdout

// Bot is the main application struct, wiring the Discord session, the tag
// and timezone stores, the membership reconciler, the GeoNames client, and
// the maintenance API together.
type Bot struct {
	config *Config

	// settings is the behavioral subset of the configuration, replaced
	// atomically on reload. Handlers take a snapshot per call via
	// [Bot.Settings].
	settings   *Settings
	settingsMu sync.RWMutex

	// reloadConfigFn re-reads the configuration from its original source
	// (set by the CLI layer, which owns file/env loading)
	reloadConfigFn func() (*Config, error)

	// Pointer to a read-only GORM connection. This is from an
	// overabundance of caution for using SQLite.
	db *gorm.DB

	// gorm.DB wrapper for write/update/delete operations. The only
	// difference between this and [Bot.db] is that, when using sqlite,
	// a mutex is used.
	writeDB DBI

	dbNotifier DBNotifier

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger *slog.Logger

	// Handler to use for the above
	logHandler slog.Handler

	discord    *Discord
	geonames   *GeoNamesClient
	tags       *TagStore
	timezones  *TimezoneStore
	reconciler *Reconciler
	api        *API

	// signalStop enables an explicit stop signal to be sent to the bot,
	// such as by the `/api/quit` endpoint
	signalStop chan struct{}

	// signalReady has a value sent on it once the database is migrated,
	// the API is serving, the gateway session is open, and commands are
	// registered
	signalReady chan struct{}

	// A signal is sent on this channel when the [Bot.shutdown] function
	// finishes
	eventShutdown chan struct{}

	// triggerConfigReloadCh receives a value when a configuration reload
	// has been requested, locally or via the database notifier
	triggerConfigReloadCh chan bool

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// The time Run was called
	startedAt time.Time

	metricInteractionsHandled atomic.Int64
	metricMessagesRemoved     atomic.Int64
}

// New initializes a Bot from the given configuration. Run must be called
// on the returned Bot to connect and begin handling events.
func New(config *Config) (*Bot, error) {
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

	b := &Bot{
		config:                config,
		settings:              settingsFromConfig(config),
		signalReady:           make(chan struct{}, 1),
		eventShutdown:         make(chan struct{}, 1),
		triggerConfigReloadCh: make(chan bool, 1),
	}

	b.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     b.config.LogLevel,
			AddSource: true,
		},
	)

	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	b.config.Discord.httpClient = b.config.HTTPClient

	disc, err := newDiscord(b.config.Discord)
	if err != nil {
		errs = append(errs, err)
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     b.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	if disc != nil {
		disc.logger = slog.New(
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     b.config.Discord.LogLevel,
					AddSource: true,
				},
			),
		).With(loggerNameKey, "discord")
		disc.bot = b
		b.discord = disc
	}

	b.geonames = NewGeoNamesClient(b.config.GeoNames, b.config.HTTPClient, b.logger)

	if config.API.Enabled {
		api, apiErr := newAPI(b, config.API)
		if apiErr != nil {
			errs = append(errs, apiErr)
		}
		b.api = api
	}

	return b, errors.Join(errs...)
}

// Settings returns the current behavioral settings snapshot. Callers use
// the returned value for the duration of one operation, so a concurrent
// reload never changes the rules mid-operation.
func (b *Bot) Settings() Settings {
	b.settingsMu.RLock()
	defer b.settingsMu.RUnlock()
	return *b.settings
}

func (b *Bot) setSettings(s *Settings) {
	b.settingsMu.Lock()
	defer b.settingsMu.Unlock()
	b.settings = s
}

// SetReloadConfigFunc registers the function used to re-read the
// configuration on /reload or POST /api/config/reload. The CLI layer sets
// this, since it owns file and environment loading.
func (b *Bot) SetReloadConfigFunc(fn func() (*Config, error)) {
	b.reloadConfigFn = fn
}

func (b *Bot) ValidateConfig() error {
	return structValidator.Struct(b.config)
}

// ReloadConfig re-reads the configuration and swaps in a new settings
// snapshot and log levels. On failure, the previous settings stay active.
func (b *Bot) ReloadConfig(ctx context.Context) error {
	if b.reloadConfigFn == nil {
		return errors.New("no config reload function set")
	}
	newConfig, err := b.reloadConfigFn()
	if err != nil {
		return fmt.Errorf("error reloading config: %w", err)
	}
	if err = structValidator.Struct(newConfig); err != nil {
		return fmt.Errorf("reloaded config invalid: %w", err)
	}

	b.setSettings(settingsFromConfig(newConfig))
	if newConfig.LogLevel != nil {
		b.config.LogLevel.Set(newConfig.LogLevel.Level())
	}
	if newConfig.Discord.LogLevel != nil {
		b.config.Discord.LogLevel.Set(newConfig.Discord.LogLevel.Level())
	}
	if newConfig.Discord.DiscordGoLogLevel != nil {
		b.config.Discord.DiscordGoLogLevel.Set(
			newConfig.Discord.DiscordGoLogLevel.Level(),
		)
	}
	if newConfig.DatabaseLogLevel != nil {
		b.config.DatabaseLogLevel.Set(newConfig.DatabaseLogLevel.Level())
	}

	b.logger.InfoContext(ctx, "configuration reloaded", "config", newConfig)
	return nil
}

// initDB opens the database, runs migrations, and wires the stores and
// reconciler.
func (b *Bot) initDB(ctx context.Context) error {
	db, err := CreateDB(ctx, b.config.DatabaseType, b.config.Database)
	if err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}

	gormLogger := newGORMLogger(b.logHandler, b.config.DatabaseSlowThreshold)
	db.Logger = gormLogger

	b.db = db
	b.writeDB = NewDatabase(db, b.logger, b.config.DatabaseType == dbTypePostgres)

	b.tags = NewTagStore(b.writeDB, b.logger)
	b.timezones = NewTimezoneStore(b.writeDB, b.logger)
	b.reconciler = NewReconciler(b.writeDB, b.discord, b.logger)
	return nil
}

// Run starts the bot and blocks until the given context is canceled or a
// stop signal arrives, then shuts down gracefully.
func (b *Bot) Run(ctx context.Context) error {
	// prevents concurrent runs
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.signalStop = make(chan struct{}, 1)
	b.startedAt = time.Now()
	logger := b.logger

	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-b.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			logger.Warn("context canceled, sending stop signal")
			b.signalStop <- struct{}{}
			return
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	if err := b.initDB(startCtx); err != nil {
		logger.ErrorContext(ctx, "init error", tint.Err(err))
		return err
	}

	notifier, err := newDBNotifier(b)
	if err != nil {
		logger.Error("error creating db notifier", tint.Err(err))
		return err
	}
	b.dbNotifier = notifier

	if b.api != nil {
		go func() {
			httpErr := b.api.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			}
		}()
	}

	session, err := b.discord.newSession()
	if err != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		return err
	}
	b.discord.session = session

	b.addGatewayHandlers(ctx)

	logger.InfoContext(ctx, "connecting to discord")
	if err = b.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	if err = b.discord.registerCommands(); err != nil {
		logger.ErrorContext(ctx, "error registering commands", tint.Err(err))
		return err
	}
	b.discord.updateCustomStatus()

	runtimeWG := &sync.WaitGroup{}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		b.watchConfigReload(ctx)
	}()

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		if e := b.dbNotifier.Listen(
			ctx,
			b.dbNotifier.ConfigReloadChannelName(),
		); e != nil {
			logger.ErrorContext(
				ctx,
				"error listening to config reload channel",
				tint.Err(e),
			)
		}
	}()

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		if e := b.dbNotifier.Listen(
			ctx,
			b.dbNotifier.StopChannelName(),
		); e != nil {
			logger.ErrorContext(
				ctx,
				"error listening to stop channel",
				tint.Err(e),
			)
		}
	}()

	b.signalReady <- struct{}{}
	logger.InfoContext(ctx, "sent ready signal")

	// block until something cancels the main runtime context - generally
	// from an interrupt, or the `/api/quit` endpoint
	<-ctx.Done()

	return b.shutdown(runtimeWG)
}

// watchConfigReload consumes reload triggers for the lifetime of the run.
func (b *Bot) watchConfigReload(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.triggerConfigReloadCh:
			if err := b.ReloadConfig(ctx); err != nil {
				b.logger.ErrorContext(ctx, "config reload failed", tint.Err(err))
			}
		}
	}
}

// addGatewayHandlers registers all gateway event handlers on the current
// session.
func (b *Bot) addGatewayHandlers(ctx context.Context) {
	b.discord.discordgoRemoveHandlerFuncs = []func(){
		b.discord.session.AddHandler(b.discord.handlerConnect()),
		b.discord.session.AddHandler(b.discord.handlerDisconnect()),
		b.discord.session.AddHandler(b.handlerReady(ctx)),
		b.discord.session.AddHandler(b.handlerMessageCreate(ctx)),
		b.discord.session.AddHandler(b.handlerMessageUpdate(ctx)),
		b.discord.session.AddHandler(b.handlerGuildDelete(ctx)),
		b.discord.session.AddHandler(b.handlerGuildMemberRemove(ctx)),
		b.discord.session.AddHandler(b.handlerInteractionCreate(ctx)),
	}
}

// handlerReady runs a full reconciliation pass in the background once the
// gateway session reports ready, pruning rows for guilds and members that
// changed while the bot was offline.
func (b *Bot) handlerReady(ctx context.Context) func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, _ *discordgo.Ready) {
		var username string
		if s.State != nil && s.State.User != nil {
			username = s.State.User.Username
		}
		b.logger.InfoContext(ctx, "Ready", "username", username)

		settings := b.Settings()
		go func() {
			result, err := b.reconciler.ReconcileAll(ctx, settings.CleanUserData)
			switch {
			case errors.Is(err, ErrReconciliationRunning):
				b.logger.InfoContext(ctx, "reconciliation already running")
			case err != nil:
				b.logger.ErrorContext(
					ctx,
					"startup reconciliation failed",
					tint.Err(err),
				)
			default:
				b.logger.InfoContext(
					ctx,
					"startup reconciliation complete",
					"result", result,
				)
			}
		}()
	}
}

// checkMessageBlacklist deletes the given message if it contains a
// blacklisted word. Messages authored by bots are left alone.
func (b *Bot) checkMessageBlacklist(
	ctx context.Context,
	m *discordgo.Message,
) {
	if m == nil || m.Author == nil || m.Author.Bot {
		return
	}
	settings := b.Settings()
	if !ContainsBlacklistedWord(m.Content, settings.Blacklist) {
		return
	}
	if err := b.discord.session.ChannelMessageDelete(m.ChannelID, m.ID); err != nil {
		b.logger.ErrorContext(
			ctx,
			"error removing blacklisted message",
			tint.Err(err),
			"channel_id", m.ChannelID,
			"message_id", m.ID,
		)
		return
	}
	b.metricMessagesRemoved.Add(1)
	b.logger.InfoContext(
		ctx,
		"removed blacklisted message",
		"channel_id", m.ChannelID,
		"message_id", m.ID,
		"author_id", m.Author.ID,
	)
}

func (b *Bot) handlerMessageCreate(ctx context.Context) func(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	return func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		b.checkMessageBlacklist(ctx, m.Message)
	}
}

func (b *Bot) handlerMessageUpdate(ctx context.Context) func(
	s *discordgo.Session,
	m *discordgo.MessageUpdate,
) {
	return func(_ *discordgo.Session, m *discordgo.MessageUpdate) {
		b.checkMessageBlacklist(ctx, m.Message)
	}
}

// handlerGuildDelete prunes a guild's rows when the bot leaves or is
// removed from it. Guilds that merely became unavailable (outage) are
// ignored.
func (b *Bot) handlerGuildDelete(ctx context.Context) func(
	s *discordgo.Session,
	g *discordgo.GuildDelete,
) {
	return func(_ *discordgo.Session, g *discordgo.GuildDelete) {
		if g.Unavailable {
			b.logger.InfoContext(
				ctx,
				"guild unavailable, keeping data",
				"guild_id", g.ID,
			)
			return
		}
		if _, err := b.reconciler.GuildRemoved(ctx, g.ID); err != nil {
			b.logger.ErrorContext(
				ctx,
				"error removing guild data",
				tint.Err(err),
				"guild_id", g.ID,
			)
		}
	}
}

// handlerGuildMemberRemove prunes a departing member's rows, if user data
// cleanup is enabled.
func (b *Bot) handlerGuildMemberRemove(ctx context.Context) func(
	s *discordgo.Session,
	m *discordgo.GuildMemberRemove,
) {
	return func(_ *discordgo.Session, m *discordgo.GuildMemberRemove) {
		settings := b.Settings()
		if !settings.CleanUserData {
			return
		}
		if m.User == nil {
			return
		}
		if _, err := b.reconciler.MemberRemoved(
			ctx,
			m.GuildID,
			m.User.ID,
			settings.SharedTags(),
		); err != nil {
			b.logger.ErrorContext(
				ctx,
				"error removing member data",
				tint.Err(err),
				"guild_id", m.GuildID,
				"user_id", m.User.ID,
			)
		}
	}
}

func (b *Bot) handlerInteractionCreate(ctx context.Context) func(
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
) {
	return func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		if i.Type != discordgo.InteractionApplicationCommand {
			return
		}
		b.handleInteraction(ctx, i)
	}
}

// handleInteraction dispatches a slash command interaction to its handler.
func (b *Bot) handleInteraction(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	b.metricInteractionsHandled.Add(1)
	name := i.ApplicationCommandData().Name
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = b.logger
	}
	logger.InfoContext(
		ctx,
		"received command",
		"name", name,
		"interaction", interactionLogAttrs(*i),
	)

	switch name {
	case DiscordSlashCommandAbout:
		b.handleAbout(ctx, i)
	case DiscordSlashCommandInvite:
		b.handleInvite(ctx, i)
	case DiscordSlashCommandCoinflip:
		b.handleCoinflip(ctx, i)
	case DiscordSlashCommandCringe:
		b.handleCringe(ctx, i)
	case DiscordSlashCommandEightBall:
		b.handleEightBall(ctx, i)
	case DiscordSlashCommandTagGet:
		b.handleTagGet(ctx, i)
	case DiscordSlashCommandTagAdd:
		b.handleTagAdd(ctx, i)
	case DiscordSlashCommandTagDelete:
		b.handleTagDelete(ctx, i)
	case DiscordSlashCommandTagInfo:
		b.handleTagInfo(ctx, i)
	case DiscordSlashCommandTagAll:
		b.handleTagAll(ctx, i)
	case DiscordSlashCommandTagRandom:
		b.handleTagRandom(ctx, i)
	case DiscordSlashCommandTagClear:
		b.handleTagClear(ctx, i)
	case DiscordSlashCommandTimezoneSet:
		b.handleTimezoneSet(ctx, i)
	case DiscordSlashCommandTimezoneGet:
		b.handleTimezoneGet(ctx, i)
	case DiscordSlashCommandTimezoneRemove:
		b.handleTimezoneRemove(ctx, i)
	case DiscordSlashCommandTimezoneList:
		b.handleTimezoneList(ctx, i)
	case DiscordSlashCommandTimezoneClear:
		b.handleTimezoneClear(ctx, i)
	case DiscordSlashCommandReload:
		b.handleReload(ctx, i)
	default:
		logger.WarnContext(ctx, "unknown command", "name", name)
	}
}

// shutdown closes the gateway session, stops the API server, and waits
// for runtime goroutines, bounded by ShutdownTimeout.
func (b *Bot) shutdown(runtimeWG *sync.WaitGroup) error {
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		b.config.ShutdownTimeout,
	)
	defer cancel()
	defer func() {
		b.eventShutdown <- struct{}{}
	}()

	logger := b.logger
	logger.Info("shutting down")

	for _, removeHandler := range b.discord.discordgoRemoveHandlerFuncs {
		removeHandler()
	}
	if b.discord.session != nil {
		if err := b.discord.session.Close(); err != nil {
			logger.Error("error closing discord session", tint.Err(err))
		}
	}

	if b.api != nil {
		if err := b.api.Shutdown(shutdownCtx); err != nil {
			logger.Error("error shutting down api", tint.Err(err))
		}
	}

	done := make(chan struct{}, 1)
	go func() {
		runtimeWG.Wait()
		done <- struct{}{}
	}()
	select {
	case <-done:
		logger.Info("shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out")
		return shutdownCtx.Err()
	}
}
