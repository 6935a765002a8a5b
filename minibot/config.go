//nolint:lll // struct tags can't be split
package minibot

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
)

const (
	EnvvarSetEnvPrefix = "MINIBOT_ENV_PREFIX"
	DefaultEnvPrefix   = "MB"

	DefaultDatabaseType          = "sqlite"
	DefaultDatabase              = "minibot.sqlite3"
	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelInfo

	DefaultLogLevel          = slog.LevelInfo
	DefaultDiscordLogLevel   = slog.LevelWarn
	DefaultDiscordgoLogLevel = slog.LevelWarn
	DefaultAPILogLevel       = slog.LevelInfo

	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	// DefaultKeepServerTagsSeparate scopes tag names per guild, so two
	// guilds can each have their own tag of the same name.
	DefaultKeepServerTagsSeparate = true

	DefaultDiscordGatewayIntent = discordgo.IntentsAllWithoutPrivileged |
		discordgo.IntentsGuildMembers | discordgo.IntentMessageContent

	DefaultGeoNamesBaseURL           = "http://api.geonames.org"
	DefaultGeoNamesRequestsPerSecond = 1

	DefaultAPIListen               = "127.0.0.1:5000"
	defaultListenNetwork           = "tcp"
	DefaultReadTimeout             = 5 * time.Second
	DefaultReadHeaderTimeout       = 5 * time.Second
	DefaultWriteTimeout            = 10 * time.Second
	DefaultIdleTimeout             = 30 * time.Second
	DefaultAPICORSAllowCredentials = true

	discordMaxMessageLength = 2000
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"Cache-Control",
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		"Accept-Encoding",
		"Location",
		"ETag",
		"Last-Modified",
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

var structValidator = validator.New()

//nolint:gochecknoinits // validation rules live in the `binding` tag
func init() {
	structValidator.SetTagName("binding")
}

// Config is the process-wide configuration, loaded once at startup (the
// behavioral subset can be re-read at runtime, see [Bot.ReloadConfig]).
type Config struct {
	// Database connection string, or SQLite file path
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// OwnerID is the Discord user ID permitted to bypass tag authorship
	// checks and run the bulk-clear and reload commands.
	OwnerID string `yaml:"owner_id" mapstructure:"owner_id" json:"owner_id"`

	// KeepServerTagsSeparate scopes tag names per guild when true. When
	// false, tag names are shared across every guild the bot is in.
	KeepServerTagsSeparate bool `yaml:"keep_server_tags_separate" mapstructure:"keep_server_tags_separate" json:"keep_server_tags_separate"`

	// CleanUserData enables deletion of a user's rows when they leave a
	// guild, and user-level orphan cleanup during full reconciliation.
	CleanUserData bool `yaml:"clean_user_data" mapstructure:"clean_user_data" json:"clean_user_data"`

	// Blacklist is the list of words that cause a message to be removed.
	// Matching is literal, case-sensitive substring matching.
	Blacklist []string `yaml:"blacklist" mapstructure:"blacklist" json:"blacklist"`

	// InviteURL is the OAuth2 link shown by the /invite command
	InviteURL string `yaml:"invite_url" mapstructure:"invite_url" json:"invite_url"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After
	// this elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// Discord configures the discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// GeoNames configures the geocoding API used by /timezone_set
	GeoNames *GeoNamesConfig `yaml:"geonames" mapstructure:"geonames" json:"geonames"`

	// API configures the localhost maintenance API
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// TestingModeEnabled registers slash commands with guild scope
	// (TestingGuildID) instead of globally, so command changes propagate
	// immediately during development.
	TestingModeEnabled bool `yaml:"testing_mode_enabled" mapstructure:"testing_mode_enabled" json:"testing_mode_enabled"`

	// TestingGuildID is the guild commands are registered to when
	// TestingModeEnabled is set.
	TestingGuildID string `yaml:"testing_guild_id" mapstructure:"testing_guild_id" json:"testing_guild_id" binding:"required_if=TestingModeEnabled true"`

	// CustomStatus is shown as the bot's Discord status, if set
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// GeoNamesConfig configures the GeoNames geocoding API client.
//
//nolint:lll // can't break tags
type GeoNamesConfig struct {
	// Username is the GeoNames API username. The /timezone_set command is
	// unavailable without it.
	Username string `yaml:"username" mapstructure:"username" json:"username"`

	// BaseURL of the GeoNames API
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url"`

	// RequestsPerSecond caps outgoing GeoNames API calls (the free tier
	// enforces hourly and daily credit limits).
	RequestsPerSecond int `yaml:"requests_per_second" mapstructure:"requests_per_second" json:"requests_per_second" binding:"min=1"`
}

// APIConfig configures the localhost maintenance API server.
//
//nolint:lll // can't break tags
type APIConfig struct {
	// Determines if the API server should be active
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000")
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true,hostname|filepath"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix")
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,oneof=tcp tcp4 tcp6 unix"`

	// The logging level for the API server
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"required_if=Enabled true,min=1s"`

	// Amount of time allowed to read request headers
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"required_if=Enabled true,min=1s"`

	// Maximum duration before timing out writes of the response
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"required_if=Enabled true,min=1s"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"required_if=Enabled true,min=1s"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	defaultExpose := make([]string, len(DefaultCORSExposeHeaders))
	copy(defaultExpose, DefaultCORSExposeHeaders)

	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		ExposeHeaders:    defaultExpose,
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		DatabaseType:           DefaultDatabaseType,
		Database:               DefaultDatabase,
		DatabaseLogLevel:       dbLogLevel,
		DatabaseSlowThreshold:  DefaultDatabaseSlowThreshold,
		LogLevel:               mainLogLevel,
		KeepServerTagsSeparate: DefaultKeepServerTagsSeparate,
		Blacklist:              []string{},
		StartupTimeout:         DefaultStartupTimeout,
		ShutdownTimeout:        DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
		},
		GeoNames: &GeoNamesConfig{
			BaseURL:           DefaultGeoNamesBaseURL,
			RequestsPerSecond: DefaultGeoNamesRequestsPerSecond,
		},
		API: &APIConfig{
			Enabled:           false,
			Listen:            DefaultAPIListen,
			ListenNetwork:     defaultListenNetwork,
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			CORS:              DefaultCORSConfig(),
		},
	}
}

// Settings is the behavioral subset of [Config] read by command handlers,
// event listeners, and the reconciler. A snapshot is taken per call, so a
// concurrent config reload never changes the rules mid-operation.
type Settings struct {
	OwnerID                string
	KeepServerTagsSeparate bool
	CleanUserData          bool
	Blacklist              []string
	InviteURL              string
}

// SharedTags reports whether tag names are shared across guilds (the
// inverse of KeepServerTagsSeparate).
func (s Settings) SharedTags() bool {
	return !s.KeepServerTagsSeparate
}

func settingsFromConfig(c *Config) *Settings {
	blacklist := make([]string, len(c.Blacklist))
	copy(blacklist, c.Blacklist)
	return &Settings{
		OwnerID:                c.OwnerID,
		KeepServerTagsSeparate: c.KeepServerTagsSeparate,
		CleanUserData:          c.CleanUserData,
		Blacklist:              blacklist,
		InviteURL:              c.InviteURL,
	}
}
