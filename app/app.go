package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/mark3labs/mcp-go/server"
	"github.com/niftydash/kite-dashboard/app/metrics"
	"github.com/niftydash/kite-dashboard/kc"
	"github.com/niftydash/kite-dashboard/market"
	"github.com/niftydash/kite-dashboard/mcp"
	"github.com/niftydash/kite-dashboard/web"
)

// App represents the main application structure
type App struct {
	Config      *Config
	Version     string
	startTime   time.Time
	kcManager   *kc.Manager
	logger      *slog.Logger
	metrics     *metrics.Manager
	rateLimiter *web.RateLimiter
}

// Server mode constants
const (
	ModeSSE    = "sse"
	ModeStdIO  = "stdio"
	ModeHTTP   = "http"
	ModeHybrid = "hybrid"

	DefaultPort    = "8080"
	DefaultHost    = "localhost"
	DefaultAppMode = "http"
)

func NewApp(logger *slog.Logger) *App {
	cfg := configFromEnv()
	return &App{
		Config:      cfg,
		Version:     "v0.0.0",
		startTime:   time.Now(),
		logger:      logger,
		rateLimiter: web.NewRateLimiter(web.DefaultRequestInterval, web.DefaultRequestBurst),
		metrics: metrics.New(metrics.Config{
			ServiceName:     metrics.DefaultServiceName,
			AdminSecretPath: cfg.AdminSecretPath,
		}),
	}
}

func (app *App) SetVersion(version string) {
	app.Version = version
}

func (app *App) LoadConfig() error {
	if app.Config.AppMode == "" {
		app.Config.AppMode = DefaultAppMode
	}
	if app.Config.AppPort == "" {
		app.Config.AppPort = DefaultPort
	}
	if app.Config.AppHost == "" {
		app.Config.AppHost = DefaultHost
	}
	if app.Config.KiteAPIKey == "" || app.Config.KiteAccessToken == "" {
		return fmt.Errorf("KITE_API_KEY or KITE_ACCESS_TOKEN is missing")
	}

	marketCfg, err := LoadMarketConfig(app.Config.ConfigPath)
	if err != nil {
		return err
	}
	app.Config.Market = marketCfg
	return nil
}

func (app *App) RunServer() error {
	url := app.buildServerURL()
	app.configureHTTPClient()
	kcManager, mcpServer, err := app.initializeServices()
	if err != nil {
		return err
	}
	srv := app.createHTTPServer(url)
	app.setupGracefulShutdown(srv, kcManager)
	kcManager.Start()
	return app.startServer(srv, mcpServer, url)
}

func (app *App) buildServerURL() string {
	return app.Config.AppHost + ":" + app.Config.AppPort
}

func (app *App) configureHTTPClient() {
	http.DefaultClient.Timeout = 30 * time.Second
}

func (app *App) initializeServices() (*kc.Manager, *server.MCPServer, error) {
	app.logger.Info("Creating Kite Connect manager...")
	kcManager, err := kc.New(kc.Config{
		APIKey:      app.Config.KiteAPIKey,
		AccessToken: app.Config.KiteAccessToken,
		BaseURI:     app.Config.KiteBaseURI,
		Market:      app.Config.Market,
		Logger:      app.logger,
		Metrics:     app.metrics,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create Kite Connect manager: %w", err)
	}
	app.kcManager = kcManager

	app.logger.Info("Creating MCP server...")
	mcpServer := server.NewMCPServer("Kite Market Dashboard", app.Version)
	mcp.RegisterTools(mcpServer, kcManager, app.Config.ExcludedTools, app.logger)

	return kcManager, mcpServer, nil
}

func (app *App) createHTTPServer(url string) *http.Server {
	return &http.Server{
		Addr:              url,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (app *App) setupGracefulShutdown(srv *http.Server, kcManager *kc.Manager) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		defer stop()
		<-ctx.Done()
		app.logger.Info("Shutting down server...")
		kcManager.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			app.logger.Error("Server shutdown error", "error", err)
		}
		app.logger.Info("Server shutdown complete")
	}()
}

func (app *App) startServer(srv *http.Server, mcpServer *server.MCPServer, url string) error {
	switch app.Config.AppMode {
	default:
		return fmt.Errorf("invalid APP_MODE: %s", app.Config.AppMode)
	case ModeHybrid, ModeHTTP, ModeSSE:
		app.startHybridServer(srv, mcpServer, url)
	case ModeStdIO:
		app.startStdIOServer(srv, mcpServer)
	}
	return nil
}

// setupRouter registers the dashboard, the JSON API, the health check and
// the admin metrics endpoint.
func (app *App) setupRouter() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/", app.rateLimiter.Middleware(http.HandlerFunc(app.handleDashboard))).Methods(http.MethodGet)
	r.HandleFunc("/healthz", app.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(app.rateLimiter.Middleware, web.ZstdMiddleware)
	api.HandleFunc("/snapshot", app.handleSnapshot).Methods(http.MethodGet)
	api.HandleFunc("/status", app.handleStatus).Methods(http.MethodGet)

	if app.Config.AdminSecretPath != "" {
		r.PathPrefix(metrics.AdminPathPrefix).HandlerFunc(app.metrics.AdminHTTPHandler())
	}
	return r
}

func (app *App) serveHTTPServer(srv *http.Server) {
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		app.logger.Error("HTTP server error", "error", err)
	}
}

func (app *App) startHybridServer(srv *http.Server, mcpServer *server.MCPServer, url string) {
	app.logger.Info("Starting MCP server", "mode", app.Config.AppMode, "url", "http://"+url)
	r := app.setupRouter()

	if app.Config.AppMode != ModeHTTP {
		sse := server.NewSSEServer(mcpServer,
			server.WithBaseURL("http://"+url),
			server.WithKeepAlive(true),
			server.WithSSEContextFunc(func(ctx context.Context, _ *http.Request) context.Context {
				return mcp.WithSessionType(ctx, mcp.SessionTypeSSE)
			}),
		)
		r.Handle("/sse", sse)
		r.Handle("/message", sse)
	}
	if app.Config.AppMode != ModeSSE {
		streamable := server.NewStreamableHTTPServer(mcpServer,
			server.WithHTTPContextFunc(func(ctx context.Context, _ *http.Request) context.Context {
				return mcp.WithSessionType(ctx, mcp.SessionTypeMCP)
			}),
		)
		r.Handle("/mcp", streamable)
	}

	srv.Handler = r
	app.serveHTTPServer(srv)
}

func (app *App) startStdIOServer(srv *http.Server, mcpServer *server.MCPServer) {
	app.logger.Info("Starting STDIO MCP server...")
	stdio := server.NewStdioServer(mcpServer)
	stdio.SetContextFunc(func(ctx context.Context) context.Context {
		return mcp.WithSessionType(ctx, mcp.SessionTypeStdio)
	})
	srv.Handler = app.setupRouter()
	go app.serveHTTPServer(srv)
	if err := stdio.Listen(context.Background(), os.Stdin, os.Stdout); err != nil {
		app.logger.Error("STDIO server error", "error", err)
	}
}

// --- HTTP handlers ---

func (app *App) handleDashboard(w http.ResponseWriter, r *http.Request) {
	res := app.kcManager.Snapshot(r.Context())
	app.metrics.Increment("dashboard_views")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := app.kcManager.RenderDashboard(w, res); err != nil {
		app.logger.Error("Failed to render dashboard", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (app *App) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	res := app.kcManager.Snapshot(r.Context())
	app.writeJSON(w, snapshotStatusCode(res), res)
}

// snapshotStatusCode maps a snapshot result to an HTTP status.
func snapshotStatusCode(res market.SnapshotResult) int {
	if res.Snapshot != nil {
		return http.StatusOK
	}
	if res.Error == nil {
		return http.StatusInternalServerError
	}
	switch res.Error.Kind {
	case market.KindMarketClosed:
		return http.StatusServiceUnavailable
	case market.KindAggregationFailed, market.KindUpstreamUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type statusResponse struct {
	Status   market.MarketStatus `json:"status"`
	Expiries market.ExpirySet    `json:"expiries"`
	Version  string              `json:"version"`
	Mode     string              `json:"mode"`
	Uptime   string              `json:"uptime"`
}

func (app *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	app.writeJSON(w, http.StatusOK, statusResponse{
		Status:   app.kcManager.MarketStatus(),
		Expiries: app.kcManager.Expiries(),
		Version:  app.Version,
		Mode:     app.Config.AppMode,
		Uptime:   time.Since(app.startTime).Round(time.Second).String(),
	})
}

// handleHealth answers 200 while the market is open and 503 otherwise, so
// upstream routing can follow the session.
func (app *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := app.kcManager.MarketStatus()
	code := http.StatusOK
	if !status.IsOpen {
		code = http.StatusServiceUnavailable
	}
	app.writeJSON(w, code, status)
}

func (app *App) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		app.logger.Error("Failed to encode response", "error", err)
	}
}
