// main.go - In-process walkthrough of the shielded pool.
//
// Runs a proof-verifying MemoryLedger and two wallets in one process: Alice
// funds her public account, shields it in two deposits, withdraws part to
// Bob's account with a change note, then withdraws the rest. Every
// transaction carries a real Groth16 proof over a small tree.

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/HamzaZF/shieldpool/internal/circuit"
	"github.com/HamzaZF/shieldpool/internal/ledger"
	"github.com/HamzaZF/shieldpool/internal/note"
	"github.com/HamzaZF/shieldpool/internal/orchestrator"
	"github.com/HamzaZF/shieldpool/internal/store"
	"github.com/HamzaZF/shieldpool/internal/token"
	"github.com/HamzaZF/shieldpool/internal/wallet"
)

const demoDepth = 10

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "demo failed:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(zerolog.InfoLevel).With().Timestamp().Logger()

	fmt.Println("=== Shielded Pool ===")
	fmt.Println("\n1. Compiling the transaction circuit and running Groth16 setup...")
	prover, err := circuit.NewGroth16Prover(demoDepth, "", "", log)
	if err != nil {
		return err
	}

	l, err := ledger.NewMemoryLedger(demoDepth,
		ledger.WithVerifier(prover),
		ledger.WithLedgerLogger(log.With().Str("component", "ledger").Logger()))
	if err != nil {
		return err
	}

	alice, err := newWallet(l, prover, log)
	if err != nil {
		return err
	}
	bob, err := note.GenerateKeys()
	if err != nil {
		return err
	}
	tok := token.USDC

	fmt.Println("\n2. Funding Alice's public account...")
	if _, err := alice.Faucet(ctx, tok, 30_000_000); err != nil {
		return err
	}
	printPublic(ctx, alice, tok)

	fmt.Println("\n3. Shielding two deposits...")
	for _, amt := range []uint64{12_000_000, 8_000_000} {
		op, err := alice.Deposit(ctx, tok, amt)
		if err != nil {
			return err
		}
		printOp(op)
	}
	if _, err := alice.Sync(ctx); err != nil {
		return err
	}
	printShielded(alice, tok)

	fmt.Println("\n4. Withdrawing to Bob's account...")
	op, err := alice.Withdraw(ctx, tok, 15_000_000, bob.Account())
	if err != nil {
		return err
	}
	printOp(op)
	got, err := l.Balance(ctx, bob.Account(), tok)
	if err != nil {
		return err
	}
	fmt.Printf("Bob received %s %s\n", tok.FormatUnits(got), tok)
	if _, err := alice.Sync(ctx); err != nil {
		return err
	}
	printShielded(alice, tok)

	fmt.Println("\n5. Withdrawing everything left...")
	op, err = alice.WithdrawAll(ctx, tok, alice.Account())
	if err != nil {
		return err
	}
	printOp(op)
	if _, err := alice.Sync(ctx); err != nil {
		return err
	}
	printShielded(alice, tok)
	printPublic(ctx, alice, tok)

	stats := l.Stats()
	fmt.Println("\n=== Ledger ===")
	fmt.Printf("Transactions: %d  Leaves: %d  Nullifiers: %d\n", stats.Txs, stats.Leaves, stats.Nullifiers)
	return alice.Close()
}

func newWallet(l *ledger.MemoryLedger, prover orchestrator.Prover, log zerolog.Logger) (*wallet.Wallet, error) {
	keys, err := note.GenerateKeys()
	if err != nil {
		return nil, err
	}
	return wallet.New(keys, store.NewMemory(), demoDepth, prover, l,
		wallet.WithLogger(log.With().Str("wallet", keys.Account().Hex()[:10]).Logger()))
}

func printOp(op *orchestrator.Op) {
	fmt.Printf("%-8s %s %s  fee %s  change %s  [%s]\n",
		op.Kind, op.Token.FormatUnits(op.Amount), op.Token, op.Token.FormatUnits(op.Fee),
		op.Token.FormatUnits(op.Change), op.State)
}

func printShielded(w *wallet.Wallet, tok token.ID) {
	b := w.Balance(tok)
	fmt.Printf("Shielded: %s %s in %d notes (%s pending)\n", tok.FormatUnits(b.Confirmed), tok, b.Notes, tok.FormatUnits(b.Pending))
}

func printPublic(ctx context.Context, w *wallet.Wallet, tok token.ID) {
	bal, err := w.PublicBalance(ctx, tok)
	if err != nil {
		fmt.Println("public balance:", err)
		return
	}
	fmt.Printf("Public:   %s %s\n", tok.FormatUnits(bal), tok)
}
