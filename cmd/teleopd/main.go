package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robolab/teleopctl/internal/config"
	"github.com/robolab/teleopctl/internal/observability"
	"github.com/robolab/teleopctl/internal/policy"
	"github.com/robolab/teleopctl/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to teleopd config.toml")
	listenAddr := flag.String("listen", "", "override control listen address")
	adminAddr := flag.String("admin", "", "override admin listen address")
	flag.Parse()

	if err := run(*configPath, *listenAddr, *adminAddr); err != nil {
		fmt.Fprintf(os.Stderr, "teleopd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, listenOverride, adminOverride string) error {
	var cfg config.ServerConfig
	if configPath != "" {
		loaded, err := config.LoadServerConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	} else {
		cfg = config.ServerConfig{}.WithDefaults()
	}
	if listenOverride != "" {
		cfg.ListenAddr = listenOverride
	}
	if adminOverride != "" {
		cfg.AdminAddr = adminOverride
	}

	logger := observability.InitLogger(cfg.Name)
	observability.RegisterMetrics()

	srvCfg := server.Config{
		ListenAddr:    cfg.ListenAddr,
		MaxSessions:   cfg.MaxSessions,
		SweepInterval: time.Duration(cfg.SweepMS) * time.Millisecond,
		Session:       cfg.SessionTuning.SessionConfig(cfg.Transport),
	}

	srv, err := server.NewServer(srvCfg, buildLoader(cfg))
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}
	logger.Info().Str("addr", srv.Addr()).Int("max_sessions", cfg.MaxSessions).Msg("control listener up")

	admin := &http.Server{
		Addr:    adminBind(cfg),
		Handler: server.NewAdminRouter(srv, logger),
	}
	go func() {
		if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("admin server failed")
		}
	}()
	logger.Info().Str("addr", admin.Addr).Msg("admin listener up")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = admin.Shutdown(ctx)
	return srv.Shutdown(ctx)
}

// buildLoader picks the policy source: a filesystem root when configured,
// otherwise a static in-memory catalog good enough for bring-up.
func buildLoader(cfg config.ServerConfig) policy.Loader {
	if strings.TrimSpace(cfg.PolicyRoot) != "" {
		return policy.PathLoader{Root: cfg.PolicyRoot}
	}
	id := strings.TrimSpace(cfg.StaticPolicy)
	if id == "" {
		id = "zero"
	}
	return policy.StaticLoader{
		Policies: map[string]func() policy.Policy{
			id: func() policy.Policy { return policy.ZeroPolicy{} },
		},
	}
}

func adminBind(cfg config.ServerConfig) string {
	addr := strings.TrimSpace(cfg.AdminAddr)
	if strings.HasPrefix(addr, ":") {
		return net.JoinHostPort(cfg.AdminHost, strings.TrimPrefix(addr, ":"))
	}
	return addr
}
