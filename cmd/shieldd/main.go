// main.go - Devnet ledger node for the shielded pool.
//
// shieldd keeps a MemoryLedger, serves it over JSON-RPC (pool_* methods),
// verifies Groth16 transaction proofs, rate limits submissions per sender
// and persists the ledger to a JSON file. Prometheus metrics and the health
// report are served on a separate address.
//
// Usage:
//
//	shieldd --config shieldd.json

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/HamzaZF/shieldpool/internal/circuit"
	"github.com/HamzaZF/shieldpool/internal/config"
	"github.com/HamzaZF/shieldpool/internal/ledger"
	"github.com/HamzaZF/shieldpool/internal/logging"
	"github.com/HamzaZF/shieldpool/internal/metrics"
)

const version = "0.3.0"

const (
	saveInterval   = 5 * time.Second
	maxPendingTxs  = 1000
	shutdownWindow = 5 * time.Second
)

func main() {
	var (
		configPath string
		faucet     bool
	)
	cmd := &cobra.Command{
		Use:           "shieldd",
		Short:         "Shielded pool devnet ledger node",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, configPath, faucet)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "shieldd.json", "configuration file (.json or .yaml)")
	cmd.Flags().BoolVar(&faucet, "faucet", true, "enable pool_faucet for devnet funding")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "shieldd:", err)
		os.Exit(1)
	}
}

// persister snapshots the ledger to its file.
type persister struct {
	mu      sync.Mutex
	ledger  *ledger.MemoryLedger
	path    string
	lastErr error
}

func (p *persister) save() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastErr = p.ledger.SaveToFile(p.path)
	return p.lastErr
}

func (p *persister) health() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastErr != nil {
		return fmt.Errorf("last save failed: %w", p.lastErr)
	}
	return nil
}

func run(ctx context.Context, configPath string, faucet bool) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.ApplyFees(); err != nil {
		return err
	}
	auditPath := ""
	if cfg.EnableAudit {
		auditPath = cfg.AuditLogPath
	}
	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFile, auditPath, os.Stdout)
	if err != nil {
		return err
	}
	defer logger.Close()
	log := logger.With().Str("component", "shieldd").Logger()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	opts := []ledger.MemoryOption{
		ledger.WithLedgerLogger(logger.With().Str("component", "ledger").Logger()),
		ledger.WithLedgerMetrics(m),
	}
	if cfg.VerifyProofs {
		verifier, err := circuit.NewGroth16Prover(cfg.TreeDepth, cfg.ProvingKeyPath(), cfg.VerifyingKeyPath(), log)
		if err != nil {
			return fmt.Errorf("load verifier: %w", err)
		}
		opts = append(opts, ledger.WithVerifier(verifier))
	} else {
		log.Warn().Msg("proof verification disabled")
	}

	l, err := ledger.LoadLedgerFromFile(cfg.LedgerPath, opts...)
	switch {
	case errors.Is(err, os.ErrNotExist):
		l, err = ledger.NewMemoryLedger(cfg.TreeDepth, opts...)
		if err != nil {
			return err
		}
		log.Info().Int("depth", cfg.TreeDepth).Msg("created empty ledger")
	case err != nil:
		return err
	case l.Depth() != cfg.TreeDepth:
		return fmt.Errorf("ledger %s has depth %d, config says %d", cfg.LedgerPath, l.Depth(), cfg.TreeDepth)
	default:
		stats := l.Stats()
		m.SetLedgerSize(stats.Leaves, stats.Nullifiers)
		log.Info().Uint64("leaves", stats.Leaves).Int("txs", stats.Txs).Str("path", cfg.LedgerPath).Msg("ledger loaded")
	}
	store := &persister{ledger: l, path: cfg.LedgerPath}

	limiter := NewSenderRateLimiter(cfg.RateLimit, cfg.RateBurst, m)
	rpcSrv, err := ledger.NewServer(ledger.NewService(l, limiter, faucet))
	if err != nil {
		return err
	}
	defer rpcSrv.Stop()

	health := NewHealthChecker(version)
	health.RegisterComponent("ledger", func() error {
		if p := l.Stats().Pending; p > maxPendingTxs {
			return degraded(fmt.Sprintf("%d transactions pending", p))
		}
		return nil
	})
	health.RegisterComponent("persistence", store.health)

	ops := http.NewServeMux()
	ops.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	ops.Handle("/health", health)

	servers := []*http.Server{
		{Addr: cfg.ListenAddr, Handler: rpcSrv, ReadHeaderTimeout: 10 * time.Second},
		{Addr: cfg.MetricsAddr, Handler: ops, ReadHeaderTimeout: 10 * time.Second},
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			log.Info().Str("addr", srv.Addr).Msg("listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(saveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := store.save(); err != nil {
					m.RecordError("persist")
					log.Error().Err(err).Msg("save ledger")
				}
			}
		}
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), shutdownWindow)
		defer cancel()
		for _, srv := range servers {
			_ = srv.Shutdown(shutdown)
		}
		return nil
	})

	logger.Audit("node_started", map[string]any{"version": version, "faucet": faucet, "verify": cfg.VerifyProofs})
	err = g.Wait()
	if saveErr := store.save(); saveErr != nil {
		log.Error().Err(saveErr).Msg("final save")
		err = errors.Join(err, saveErr)
	}
	logger.Audit("node_stopped", map[string]any{"txs": l.Stats().Txs})
	return err
}
