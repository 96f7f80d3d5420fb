package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/pockode/codexbridge/agent"
	"github.com/pockode/codexbridge/logger"
	"github.com/pockode/codexbridge/mcp"
	"github.com/pockode/codexbridge/metrics"
	"github.com/pockode/codexbridge/middleware"
	"github.com/pockode/codexbridge/process"
	"github.com/pockode/codexbridge/session"
	"github.com/pockode/codexbridge/settings"
	"github.com/pockode/codexbridge/ws"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

const shutdownTimeout = 10 * time.Second

var serveOpts struct {
	port        int
	token       string
	workDir     string
	dataDir     string
	devMode     bool
	codexBinary string
	idleTimeout time.Duration
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server (default)",
	Long: `Serve the WebSocket JSON-RPC API on /ws, the MCP permission tools on
/mcp and Prometheus metrics on /metrics. Every flag falls back to an
environment variable.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	registerServeFlags(serveCmd)
	rootCmd.AddCommand(serveCmd)
}

func registerServeFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.IntVar(&serveOpts.port, "port", envIntOr("PORT", 8080), "Listen port (PORT)")
	f.StringVar(&serveOpts.token, "auth-token", os.Getenv("AUTH_TOKEN"), "Bearer token clients must present (AUTH_TOKEN)")
	f.StringVar(&serveOpts.workDir, "work-dir", os.Getenv("WORK_DIR"), "Directory codex runs in, defaults to the current directory (WORK_DIR)")
	f.StringVar(&serveOpts.dataDir, "data-dir", envOr("DATA_DIR", defaultDataDir()), "Directory for conversations, settings and logs (DATA_DIR)")
	f.BoolVar(&serveOpts.devMode, "dev", envBoolOr("DEV_MODE", false), "Log to stdout and accept any websocket origin (DEV_MODE)")
	f.StringVar(&serveOpts.codexBinary, "codex-binary", envOr("CODEX_BINARY", "codex"), "codex executable (CODEX_BINARY)")
	f.DurationVar(&serveOpts.idleTimeout, "idle-timeout", envDurationOr("IDLE_TIMEOUT", 10*time.Minute), "Stop codex processes idle for this long (IDLE_TIMEOUT)")
}

func validateServeOptions() error {
	if serveOpts.token == "" {
		return errors.New("auth token is required (--auth-token or AUTH_TOKEN)")
	}
	if serveOpts.idleTimeout < time.Second {
		return fmt.Errorf("idle timeout must be at least 1s, got %s (--idle-timeout or IDLE_TIMEOUT)", serveOpts.idleTimeout)
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := validateServeOptions(); err != nil {
		return err
	}

	workDir := serveOpts.workDir
	if workDir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolve work dir: %w", err)
		}
		workDir = cwd
	}

	if err := os.MkdirAll(serveOpts.dataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	logger.Init(logger.Config{DataDir: serveOpts.dataDir, DevMode: serveOpts.devMode})

	sessionStore, err := session.NewFileStore(serveOpts.dataDir)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	settingsStore, err := settings.NewStore(serveOpts.dataDir)
	if err != nil {
		return fmt.Errorf("open settings store: %w", err)
	}

	ag := agent.NewCodexAgent(serveOpts.codexBinary, nil)
	manager := process.NewManager(ag, workDir, sessionStore, settingsStore, serveOpts.idleTimeout)
	manager.SetOnProcessEnd(func() {
		slog.Info("codex process ended", "remaining", manager.ProcessCount())
	})
	rpcHandler := ws.NewRPCHandler(serveOpts.token, version, workDir, serveOpts.devMode, manager, sessionStore, settingsStore)
	mcpServer := mcp.NewServer(manager, rpcHandler)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", serveOpts.port),
		Handler:           newHandler(serveOpts.token, rpcHandler, mcpServer.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server starting", "port", serveOpts.port, "workDir", workDir, "version", version)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return settingsStore.Watch(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if term.IsTerminal(int(os.Stdout.Fd())) {
		printConnectInfo(os.Stdout, serveOpts.port)
	}

	err = g.Wait()

	rpcHandler.Stop()
	manager.Shutdown()
	slog.Info("server stopped")

	return err
}

func newHandler(token string, rpcHandler http.Handler, mcpHandler http.Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// WebSocket endpoint (authenticates with the first JSON-RPC call)
	mux.Handle("GET /ws", rpcHandler)
	mux.Handle("/mcp", mcpHandler)
	mux.Handle("GET /metrics", metrics.Handler())

	return metrics.Middleware(middleware.Auth(token, "/health", "/ws")(mux))
}

func printConnectInfo(w io.Writer, port int) {
	url := fmt.Sprintf("http://%s:%d", lanAddress(), port)
	fmt.Fprintf(w, "\ncodexbridge %s listening on %s\n\n", version, url)
	qrterminal.GenerateHalfBlock(url, qrterminal.L, w)
	fmt.Fprintln(w)
}

// lanAddress returns the first non-loopback IPv4 address of this host.
func lanAddress() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "localhost"
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip := ipNet.IP.To4(); ip != nil {
			return ip.String()
		}
	}
	return "localhost"
}
