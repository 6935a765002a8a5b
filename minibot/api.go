package minibot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

const xRequestIDHeader = "X-Request-ID"

const (
	apiPathHealth       = "/api/health"
	apiPathStatus       = "/api/status"
	apiPathReconcile    = "/api/reconcile"
	apiPathConfigReload = "/api/config/reload"
	apiPathQuit         = "/api/quit"
)

type httpReply struct {
	Message string `json:"message"`
}

// API is the localhost maintenance server: health/status probes plus
// endpoints to trigger reconciliation, configuration reload, and shutdown
// without going through Discord.
type API struct {
	config           *APIConfig
	engine           *gin.Engine
	httpServer       *http.Server
	listener         net.Listener
	logger           *slog.Logger
	bot              *Bot
	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex
}

func newAPI(b *Bot, config *APIConfig) (*API, error) {
	setupLogger := slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	api := &API{
		config:         config,
		engine:         r,
		bot:            b,
		requestMetrics: map[string]int{},
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	api.logger = setupLogger.With(loggerNameKey, "api")

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		metricMiddleware(api),
		cors.New(config.CORS.GINConfig()),
	)

	r.GET(apiPathHealth, api.healthCheck)
	r.GET(apiPathStatus, api.botStatus)
	r.POST(apiPathReconcile, api.triggerReconcile)
	r.POST(apiPathConfigReload, api.triggerConfigReload)
	r.POST(apiPathQuit, api.botQuit)

	return api, nil
}

func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return err
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "api listening", "addr", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

func (a *API) Shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}

func (a *API) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, httpReply{Message: "ok"})
}

type botStatusReply struct {
	Version             string `json:"version"`
	CommitSHA           string `json:"commit_sha,omitempty"`
	Uptime              string `json:"uptime"`
	DiscordConnected    bool   `json:"discord_connected"`
	ReconcilerRunning   bool   `json:"reconciler_running"`
	DatabaseType        string `json:"database_type"`
	InteractionsHandled int64  `json:"interactions_handled"`
	MessagesRemoved     int64  `json:"messages_removed"`
}

func (a *API) botStatus(c *gin.Context) {
	b := a.bot
	c.JSON(
		http.StatusOK, botStatusReply{
			Version:             Version,
			CommitSHA:           CommitSHA,
			Uptime:              time.Since(b.startedAt).String(),
			DiscordConnected:    b.discord.connected.Load(),
			ReconcilerRunning:   b.reconciler.Running(),
			DatabaseType:        b.config.DatabaseType,
			InteractionsHandled: b.metricInteractionsHandled.Load(),
			MessagesRemoved:     b.metricMessagesRemoved.Load(),
		},
	)
}

// triggerReconcile runs a full reconciliation pass synchronously and
// reports the row counts. A pass already in flight yields 409.
func (a *API) triggerReconcile(c *gin.Context) {
	settings := a.bot.Settings()
	result, err := a.bot.reconciler.ReconcileAll(
		c.Request.Context(),
		settings.CleanUserData,
	)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, result)
	case errors.Is(err, ErrReconciliationRunning):
		c.JSON(
			http.StatusConflict,
			httpReply{Message: ErrReconciliationRunning.Error()},
		)
	default:
		ginContextLogger(c).Error("reconciliation failed", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			httpReply{Message: "reconciliation failed"},
		)
	}
}

func (a *API) triggerConfigReload(c *gin.Context) {
	if a.bot.dbNotifier == nil ||
		!a.bot.dbNotifier.NotifyConfigReload(c.Request.Context()) {
		c.JSON(
			http.StatusInternalServerError,
			httpReply{Message: "unable to send config reload signal"},
		)
		return
	}
	c.JSON(http.StatusAccepted, httpReply{Message: "config reload triggered"})
}

func (a *API) botQuit(c *gin.Context) {
	if a.bot.dbNotifier == nil ||
		!a.bot.dbNotifier.NotifyStop(c.Request.Context()) {
		c.JSON(
			http.StatusInternalServerError,
			httpReply{Message: "unable to send stop signal"},
		)
		return
	}
	c.JSON(http.StatusAccepted, httpReply{Message: "stopping"})
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		if requestID, exists := c.Get(xRequestIDHeader); exists {
			c.Header(xRequestIDHeader, requestID.(string))
		}
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	var requestLogger *slog.Logger
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		requestLogger, ok = logger.(*slog.Logger)
		if ok {
			return requestLogger
		}
	}
	requestLogger = slog.Default()
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	raw := c.Request.URL.RawQuery
	if raw != "" {
		path = path + "?" + raw
	}

	requestLogger = requestLogger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
			"referer", c.Request.Referer(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware returns a Gin middleware function for logging HTTP
// requests.
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		} else {
			requestLogger.Info(
				fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
				"duration", latency,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		}
	}
}

// metricMiddleware returns a Gin middleware function for tracking API
// request metrics, keyed by HTTP method and path.
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Next()

		a.requestMetricsMu.Lock()
		defer a.requestMetricsMu.Unlock()

		key := fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		_, ok := a.requestMetrics[key]
		if !ok {
			a.requestMetrics[key] = 1
			return
		}
		a.requestMetrics[key]++
	}
}
