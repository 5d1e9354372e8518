package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openclaw/studio-gateway/internal/config"
	"github.com/openclaw/studio-gateway/internal/hooks"
	"github.com/openclaw/studio-gateway/internal/plugins/auth"
	"github.com/openclaw/studio-gateway/internal/plugins/ipallow"
	"github.com/openclaw/studio-gateway/internal/plugins/stats"
	"github.com/openclaw/studio-gateway/internal/proxy"
	"github.com/openclaw/studio-gateway/internal/settings"
	"github.com/openclaw/studio-gateway/internal/sshkey"
	"github.com/openclaw/studio-gateway/internal/tunnel"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(cfg).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(cfg *config.Config) *cobra.Command {
	pipeline := &hooks.Pipeline{}
	statsPlugin := stats.New()

	// Each plugin owns its own flags; add new ones here.
	pipeline.RegisterPlugin(statsPlugin)
	pipeline.RegisterPlugin(auth.New())
	pipeline.RegisterPlugin(ipallow.New())

	serve := func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		ctx, err := withLogger(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		return run(ctx, cfg, pipeline, statsPlugin)
	}

	root := &cobra.Command{
		Use:          "studio-gateway",
		Short:        "WebSocket proxy between OpenClaw Studio and remote gateways",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE:         serve,
	}
	cfg.RegisterFlags(root.PersistentFlags())
	pipeline.RegisterFlags(root.PersistentFlags())

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the gateway proxy (default)",
		Args:  cobra.NoArgs,
		RunE:  serve,
	})
	root.AddCommand(&cobra.Command{
		Use:   "key",
		Short: "Show the SSH identity used for tunnels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			info, err := sshkey.Inspect(cfg.SSHKeyPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "path:        %s\n", info.Path)
			fmt.Fprintf(out, "type:        %s\n", info.Type)
			fmt.Fprintf(out, "fingerprint: %s\n", info.Fingerprint)
			fmt.Fprintf(out, "\nAdd this line to ~/.ssh/authorized_keys on each gateway host:\n%s\n", info.AuthorizedKey)
			return nil
		},
	})
	return root
}

func withLogger(ctx context.Context, cfg *config.Config) (context.Context, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(cfg.LogFormat) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "text", "":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.LogFormat)
	}
	return clog.WithLogger(ctx, clog.NewLogger(slog.New(handler))), nil
}

func run(ctx context.Context, cfg *config.Config, pipeline *hooks.Pipeline, statsPlugin *stats.Plugin) error {
	log := clog.FromContext(ctx)

	if active := pipeline.Activate(); len(active) > 0 {
		log.Info("plugins enabled", "plugins", active)
	}

	switch info, err := sshkey.Inspect(cfg.SSHKeyPath); {
	case err == nil:
		log.Info("ssh identity", "path", info.Path, "fingerprint", info.Fingerprint)
	case errors.Is(err, os.ErrNotExist):
		log.Info("no ssh identity found; tunnels use the ssh client defaults", "path", cfg.SSHKeyPath)
	default:
		log.Warn("ssh identity unusable", "path", cfg.SSHKeyPath, "error", err)
	}

	manager := tunnel.NewManager(tunnel.Options{
		Binary:         cfg.SSHBinary,
		KeyPath:        cfg.SSHKeyPath,
		ProbeDelay:     cfg.ProbeDelay,
		ProbeInterval:  cfg.ProbeInterval,
		ProbeAttempts:  cfg.ProbeAttempts,
		ConnectTimeout: cfg.SSHConnectTimeout,
		KeepAlive:      cfg.SSHKeepAlive,
	})
	gateway, err := proxy.NewServer(proxy.Options{
		Loader:  settings.FileLoader(cfg.SettingsFile),
		Tunnels: proxy.SSHTunnels(manager),
		Path:    cfg.Path,
		Hooks:   pipeline,
	})
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "ok sessions=%d\n", gateway.Sessions())
	})
	mux.Handle("/", gateway)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	var statsSrv *stats.Server
	if statsPlugin.Enabled() {
		if statsSrv, err = stats.StartServer(ctx, statsPlugin); err != nil {
			_ = ln.Close()
			return fmt.Errorf("stats server: %w", err)
		}
		log.Info("stats server listening", "addr", statsSrv.Addr())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("gateway proxy listening", "addr", ln.Addr().String(), "path", cfg.Path)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		// Hijacked WebSocket connections are not tracked by Shutdown.
		_ = gateway.Close()
		err := srv.Shutdown(shutdownCtx)
		if statsSrv != nil {
			err = errors.Join(err, statsSrv.Shutdown(shutdownCtx))
		}
		return err
	})

	if err := g.Wait(); err != nil {
		log.Error("server error", "error", err)
		return err
	}
	log.Info("goodbye")
	return nil
}
