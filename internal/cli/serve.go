package cli

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"clip-acquirer/internal/api"
	"clip-acquirer/internal/config"
	"clip-acquirer/internal/doctor"
	"clip-acquirer/internal/hub"
)

const (
	shutdownTimeout = 15 * time.Second
	healthTTL       = 30 * time.Second
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP trigger surface and progress channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a.cfg, a.logger, nil)
		},
	}
	cmd.Flags().String("listen", config.DefaultListenAddr, "HTTP listen address")
	cmd.Flags().Int("max-concurrent", config.DefaultMaxConcurrent, "acquisitions allowed to run at once")
	a.bind("listen_addr", cmd.Flags().Lookup("listen"))
	a.bind("max_concurrent", cmd.Flags().Lookup("max-concurrent"))
	return cmd
}

// serve blocks until ctx ends. When ready is non-nil it receives the bound
// address once the listener is open.
func serve(ctx context.Context, cfg config.Config, logger *slog.Logger, ready chan<- string) error {
	progressHub := hub.New(logger.With(slog.String("component", "hub")))
	rt, err := newRuntime(cfg, logger, runtimeOptions{
		Publisher:   progressHub,
		Connections: progressHub.Clients,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Warn("browser close failed", slog.String("error", err.Error()))
		}
	}()

	gin.SetMode(gin.ReleaseMode)
	health := &cachedHealth{opts: doctorOptions(cfg), ttl: healthTTL}
	server := api.New(api.Options{
		Acquirer: rt.orch,
		Hub:      progressHub,
		Metrics:  rt.metrics.Handler(),
		Health:   health.get,
		Logger:   logger.With(slog.String("component", "api")),
	})

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info("serving",
		slog.String("addr", ln.Addr().String()),
		slog.String("output_dir", rt.media.Dir()),
		slog.Int("max_concurrent", cfg.MaxConcurrent),
		slog.Bool("browser", cfg.Browser.Enabled),
	)
	if ready != nil {
		ready <- ln.Addr().String()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := rt.orch.Shutdown(shutdownCtx); err != nil {
			logger.Warn("acquisitions still running at shutdown", slog.String("error", err.Error()))
		}
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// cachedHealth keeps /healthz from spawning probe processes on every poll.
type cachedHealth struct {
	opts doctor.Options
	ttl  time.Duration

	mu     sync.Mutex
	at     time.Time
	result doctor.Result
}

func (h *cachedHealth) get() doctor.Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.at.IsZero() && time.Since(h.at) < h.ttl {
		return h.result
	}
	h.result = doctor.Run(h.opts)
	h.at = time.Now()
	return h.result
}
