// main.go - Command line wallet for the shielded pool.
//
// shieldctl keeps its notes in a leveldb store under the configured data
// directory and talks to a shieldd node over JSON-RPC. Proving keys are
// created by `shieldctl setup` and loaded on the first command that needs
// a proof.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/HamzaZF/shieldpool/internal/assembler"
	"github.com/HamzaZF/shieldpool/internal/circuit"
	"github.com/HamzaZF/shieldpool/internal/config"
	"github.com/HamzaZF/shieldpool/internal/ledger"
	"github.com/HamzaZF/shieldpool/internal/logging"
	"github.com/HamzaZF/shieldpool/internal/note"
	"github.com/HamzaZF/shieldpool/internal/store"
	"github.com/HamzaZF/shieldpool/internal/wallet"
)

var (
	Version = "dev"
	Commit  = "none"
)

// env is the per-invocation state shared by the commands.
type env struct {
	configPath string
	verbose    bool

	cfg    *config.Config
	logger *logging.Logger
	client *ledger.Client
	wallet *wallet.Wallet
}

func (e *env) loadConfig() error {
	if e.cfg != nil {
		return nil
	}
	cfg, err := config.LoadConfig(e.configPath)
	if err != nil {
		return err
	}
	if err := cfg.ApplyFees(); err != nil {
		return err
	}
	level := cfg.LogLevel
	if e.verbose {
		level = "debug"
	}
	auditPath := ""
	if cfg.EnableAudit {
		auditPath = cfg.AuditLogPath
	}
	logger, err := logging.NewLogger(level, cfg.LogFile, auditPath, os.Stderr)
	if err != nil {
		return err
	}
	e.cfg, e.logger = cfg, logger
	return nil
}

// open loads keys and the note store and connects to the ledger. Journaled
// operations of earlier runs are loaded so they can be addressed by id.
func (e *env) open(ctx context.Context) (*wallet.Wallet, error) {
	if e.wallet != nil {
		return e.wallet, nil
	}
	if err := e.loadConfig(); err != nil {
		return nil, err
	}
	keys, err := note.LoadKeys(e.cfg.KeyPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("no key at %s, run `shieldctl keygen` first", e.cfg.KeyPath())
	}
	if err != nil {
		return nil, err
	}
	st, err := store.Open(e.cfg.StorePath(), store.WithLogger(e.logger.With().Str("component", "store").Logger()))
	if err != nil {
		return nil, err
	}
	client, err := ledger.Dial(ctx, e.cfg.LedgerURL)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("connect to ledger %s: %w", e.cfg.LedgerURL, err)
	}
	w, err := wallet.New(keys, st, e.cfg.TreeDepth, &lazyProver{env: e}, client,
		wallet.WithOrchestratorConfig(e.cfg.Orchestrator()),
		wallet.WithScanWorkers(e.cfg.ScanWorkers),
		wallet.WithLogger(e.logger.Logger),
	)
	if err != nil {
		client.Close()
		st.Close()
		return nil, err
	}
	if _, err := w.Load(); err != nil {
		e.logger.Warn().Err(err).Msg("journal could not be fully loaded")
	}
	e.client, e.wallet = client, w
	return w, nil
}

func (e *env) close() {
	if e.wallet != nil {
		if err := e.wallet.Close(); err != nil {
			fmt.Fprintln(os.Stderr, "close store:", err)
		}
		e.wallet = nil
	}
	if e.client != nil {
		e.client.Close()
		e.client = nil
	}
	if e.logger != nil {
		e.logger.Close()
	}
}

// lazyProver compiles the circuit and loads the keys on the first proof.
type lazyProver struct {
	env  *env
	once sync.Once
	p    *circuit.Groth16Prover
	err  error
}

func (lp *lazyProver) Prove(ctx context.Context, in *assembler.ProofInputs) ([]byte, error) {
	lp.once.Do(func() {
		cfg := lp.env.cfg
		lp.p, lp.err = circuit.NewGroth16Prover(cfg.TreeDepth, cfg.ProvingKeyPath(), cfg.VerifyingKeyPath(), lp.env.logger.Logger)
	})
	if lp.err != nil {
		return nil, lp.err
	}
	return lp.p.Prove(ctx, in)
}

func main() {
	e := &env{}
	root := &cobra.Command{
		Use:           "shieldctl",
		Short:         "Shielded pool wallet",
		Long:          "Deposit into and withdraw from the shielded pool, and inspect or settle in-flight operations.",
		Version:       fmt.Sprintf("%s (%s)", Version, Commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRun: func(*cobra.Command, []string) {
			e.close()
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVarP(&e.configPath, "config", "c", "shieldctl.json", "configuration file (.json or .yaml)")
	root.PersistentFlags().BoolVarP(&e.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		keygenCmd(e),
		setupCmd(e),
		faucetCmd(e),
		syncCmd(e),
		balanceCmd(e),
		notesCmd(e),
		depositCmd(e),
		withdrawCmd(e),
		withdrawAllCmd(e),
		opsCmd(e),
		resolveCmd(e),
		retryCmd(e),
		releaseCmd(e),
		cancelCmd(e),
		recoverCmd(e),
		resetCmd(e),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		e.close()
		printError(err)
		os.Exit(1)
	}
}
