package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/ubl/pkg/api"
	"github.com/Mindburn-Labs/ubl/pkg/atoms"
	"github.com/Mindburn-Labs/ubl/pkg/canonicalize"
	"github.com/Mindburn-Labs/ubl/pkg/config"
	"github.com/Mindburn-Labs/ubl/pkg/notify"
	"github.com/Mindburn-Labs/ubl/pkg/observability"
	"github.com/Mindburn-Labs/ubl/pkg/orchestrator"
	"github.com/Mindburn-Labs/ubl/pkg/policy"
)

const shutdownTimeout = 10 * time.Second

// node is a fully wired ledger server.
type node struct {
	backend *backend
	atoms   atoms.Store
	tail    *notify.TailBus
	redis   *redis.Client
	relay   *notify.RedisPublisher
	obs     *observability.Provider
	orch    *orchestrator.Orchestrator
	server  *api.Server
}

func runServe(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		configFile string
		port       string
	)
	cmd.StringVar(&configFile, "config", "", "Ledger wiring YAML (overrides UBL_CONFIG)")
	cmd.StringVar(&port, "port", "", "API port (overrides PORT)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	if configFile != "" {
		cfg.ConfigFile = configFile
	}
	if port != "" {
		cfg.Port = port
	}
	if err := cfg.Validate(); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	slog.SetDefault(newLogger(cfg, stderr))

	_, _ = fmt.Fprintf(stdout, "%sUBL Ledger starting...%s\n", ColorBold+ColorBlue, ColorReset)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := buildNode(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	apiSrv := &http.Server{Addr: ":" + cfg.Port, Handler: n.server.Handler(), ReadHeaderTimeout: 10 * time.Second}
	healthSrv := &http.Server{Addr: ":" + cfg.HealthPort, Handler: n.server.HealthHandler(), ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 2)
	for _, srv := range []*http.Server{apiSrv, healthSrv} {
		go func(srv *http.Server) {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("%s: %w", srv.Addr, err)
			}
		}(srv)
	}
	log.Printf("[ubl] health server: :%s", cfg.HealthPort)
	log.Printf("[ubl] ready: http://localhost:%s", cfg.Port)
	log.Println("[ubl] press ctrl+c to stop")

	code := 0
	select {
	case <-ctx.Done():
	case err := <-errCh:
		log.Printf("[ubl] server error: %v", err)
		code = 1
	}
	log.Println("[ubl] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = apiSrv.Shutdown(shutdownCtx)
	_ = healthSrv.Shutdown(shutdownCtx)
	if err := n.Close(shutdownCtx); err != nil {
		log.Printf("[ubl] shutdown: %v", err)
	}
	return code
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// buildNode wires storage, policy, notifications and the API. Background
// workers stop when ctx is done.
func buildNode(ctx context.Context, cfg *config.Config) (*node, error) {
	if err := canonicalize.SelfCheck(); err != nil {
		return nil, err
	}
	b, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	n := &node{backend: b}
	if err := n.wire(ctx, cfg); err != nil {
		_ = n.Close(context.Background())
		return nil, err
	}
	return n, nil
}

func (n *node) wire(ctx context.Context, cfg *config.Config) error {
	orch, err := orchestrator.New(n.backend.store, n.backend.pacts)
	if err != nil {
		return err
	}
	n.orch = orch

	if cfg.OTelEnabled {
		oc := observability.DefaultConfig()
		oc.OTLPEndpoint = cfg.OTLPEndpoint
		oc.Insecure = !cfg.Production
		if cfg.Production {
			oc.Environment = "production"
		}
		n.obs, err = observability.New(ctx, oc)
		if err != nil {
			return fmt.Errorf("failed to init observability: %w", err)
		}
		orch.SetObservability(n.obs)
		log.Printf("[ubl] otel: exporting to %s", cfg.OTLPEndpoint)
	}

	if cfg.ConfigFile != "" {
		if err := n.loadWiring(ctx, cfg.ConfigFile); err != nil {
			return err
		}
	}

	n.atoms, err = atoms.NewStoreFromEnv(ctx)
	if err != nil {
		return fmt.Errorf("failed to init atom store: %w", err)
	}

	n.tail = notify.NewTailBus(64)
	publishers := notify.Fanout{n.tail}
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		n.redis = redis.NewClient(opts)
		n.relay = notify.NewRedisPublisher(n.redis, notify.DefaultChannel, 1024)
		publishers = append(publishers, n.relay)
		sub := notify.NewRedisSubscriber(n.redis, notify.DefaultChannel, n.tail).IgnoreOrigin(n.relay.Origin())
		go func() {
			if err := sub.Run(ctx); err != nil {
				slog.Warn("redis subscriber stopped", "error", err)
			}
		}()
		log.Printf("[ubl] notifications: redis channel %s", notify.DefaultChannel)
	}
	orch.SetPublisher(publishers)

	n.server, err = api.NewServer(orch, n.backend.store, n.atoms, n.tail)
	if err != nil {
		return err
	}
	if cfg.RateLimitRPS > 0 {
		rl := api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		go rl.Run(ctx)
		n.server.SetRateLimiter(rl)
	}
	return nil
}

// loadWiring stores configured pacts in the registry and installs
// namespaces and container policies.
func (n *node) loadWiring(ctx context.Context, path string) error {
	f, err := config.LoadFile(path)
	if err != nil {
		return err
	}
	pacts, err := f.BuildPacts()
	if err != nil {
		return err
	}
	for _, p := range pacts {
		if err := n.backend.pacts.Put(ctx, p); err != nil {
			return fmt.Errorf("failed to register pact %s: %w", p.ID, err)
		}
	}
	n.orch.SetNamespaces(f.NamespaceTable())

	table := f.PolicyTable()
	if len(table) > 0 {
		eval, err := policy.NewCELEvaluator(table)
		if err != nil {
			return fmt.Errorf("failed to compile policies: %w", err)
		}
		n.orch.SetPolicy(eval)
	}
	log.Printf("[ubl] wiring: %d pacts, %d namespaces, %d policies from %s",
		len(pacts), len(f.Namespaces), len(table), path)
	return nil
}

// Close releases everything buildNode opened.
func (n *node) Close(ctx context.Context) error {
	var errs []error
	if n.relay != nil {
		n.relay.Close()
	}
	if n.redis != nil {
		errs = append(errs, n.redis.Close())
	}
	if n.obs != nil {
		errs = append(errs, n.obs.Shutdown(ctx))
	}
	if c, ok := n.atoms.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if n.backend != nil {
		errs = append(errs, n.backend.close())
	}
	return errors.Join(errs...)
}
