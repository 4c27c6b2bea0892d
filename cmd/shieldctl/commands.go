// commands.go - shieldctl subcommands
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/HamzaZF/shieldpool/internal/circuit"
	"github.com/HamzaZF/shieldpool/internal/note"
	"github.com/HamzaZF/shieldpool/internal/orchestrator"
	"github.com/HamzaZF/shieldpool/internal/token"
)

func parseTokenAmount(tokArg, amountArg string) (token.ID, uint64, error) {
	tok, err := token.Parse(tokArg)
	if err != nil {
		return 0, 0, err
	}
	if amountArg == "" {
		return tok, 0, nil
	}
	amount, err := strconv.ParseUint(amountArg, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("amount %q: want base units: %w", amountArg, err)
	}
	return tok, amount, nil
}

func parseRecipient(s string) (common.Address, error) {
	if s == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid recipient %q", s)
	}
	return common.HexToAddress(s), nil
}

func keygenCmd(e *env) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create the wallet's account key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := e.loadConfig(); err != nil {
				return err
			}
			path := e.cfg.KeyPath()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to replace it", path)
			}
			if err := os.MkdirAll(e.cfg.DataDir, 0o700); err != nil {
				return err
			}
			keys, err := note.GenerateKeys()
			if err != nil {
				return err
			}
			if err := keys.Save(path); err != nil {
				return err
			}
			e.logger.Audit("keygen", map[string]any{"account": keys.Account().Hex()})
			printKeyValue("Key file", path)
			printKeyValue("Account", keys.Account().Hex())
			printKeyValue("Shielded address", keys.Address().String())
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing key")
	return cmd
}

func setupCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Compile the transaction circuit and create or load its Groth16 keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := e.loadConfig(); err != nil {
				return err
			}
			if err := os.MkdirAll(e.cfg.KeyDir, 0o755); err != nil {
				return err
			}
			if _, err := circuit.NewGroth16Prover(e.cfg.TreeDepth, e.cfg.ProvingKeyPath(), e.cfg.VerifyingKeyPath(), e.logger.Logger); err != nil {
				return err
			}
			printKeyValue("Proving key", e.cfg.ProvingKeyPath())
			printKeyValue("Verifying key", e.cfg.VerifyingKeyPath())
			return nil
		},
	}
}

func faucetCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "faucet <token> <amount>",
		Short: "Credit the account's public balance on a devnet ledger",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, amount, err := parseTokenAmount(args[0], args[1])
			if err != nil {
				return err
			}
			w, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			bal, err := w.Faucet(cmd.Context(), tok, amount)
			if err != nil {
				return err
			}
			printKeyValue("Public balance", tok.FormatUnits(bal)+" "+tok.String())
			return nil
		},
	}
}

func syncCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Scan new pool events and refresh spent notes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			res, err := w.Sync(cmd.Context())
			if err != nil {
				return err
			}
			spent, err := w.RefreshSpent(cmd.Context())
			if err != nil {
				return err
			}
			printKeyValue("Events scanned", strconv.Itoa(res.Events))
			printKeyValue("Notes discovered", strconv.Itoa(len(res.Discovered)))
			printKeyValue("Spent elsewhere", strconv.Itoa(len(spent)))
			printKeyValue("Checkpoint", strconv.FormatUint(res.Checkpoint, 10))
			printKeyValue("Root", res.Root.Hex())
			return nil
		},
	}
}

func balanceCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Show shielded and public balances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			if _, err := w.Sync(cmd.Context()); err != nil {
				return err
			}
			public := make(map[token.ID]uint64)
			for _, tok := range token.All() {
				if public[tok], err = w.PublicBalance(cmd.Context(), tok); err != nil {
					return err
				}
			}
			printBalances(os.Stdout, w.Balances(), public)
			return nil
		},
	}
}

func notesCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "notes <token>",
		Short: "List the wallet's notes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, _, err := parseTokenAmount(args[0], "")
			if err != nil {
				return err
			}
			w, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			printNotes(os.Stdout, w.Notes(tok))
			return nil
		},
	}
}

func depositCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "deposit <token> <amount>",
		Short: "Move public funds into a shielded note",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, amount, err := parseTokenAmount(args[0], args[1])
			if err != nil {
				return err
			}
			w, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			op, err := w.Deposit(cmd.Context(), tok, amount)
			return report(e, op, err)
		},
	}
}

func withdrawCmd(e *env) *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "withdraw <token> <amount>",
		Short: "Withdraw shielded funds to a public account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, amount, err := parseTokenAmount(args[0], args[1])
			if err != nil {
				return err
			}
			recipient, err := parseRecipient(to)
			if err != nil {
				return err
			}
			w, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			op, err := w.Withdraw(cmd.Context(), tok, amount, recipient)
			return report(e, op, err)
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "recipient account (default: own account)")
	return cmd
}

func withdrawAllCmd(e *env) *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "withdraw-all <token>",
		Short: "Withdraw the largest amount one transaction can carry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, _, err := parseTokenAmount(args[0], "")
			if err != nil {
				return err
			}
			recipient, err := parseRecipient(to)
			if err != nil {
				return err
			}
			w, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			op, err := w.WithdrawAll(cmd.Context(), tok, recipient)
			return report(e, op, err)
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "recipient account (default: own account)")
	return cmd
}

func opsCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "ops",
		Short: "List operations left open by earlier runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			printOps(os.Stdout, w.Ops())
			return nil
		},
	}
}

// opCmd builds the commands that act on one operation id.
func opCmd(e *env, use, short string, act func(cmd *cobra.Command, id string) (*orchestrator.Op, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <op-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := e.open(cmd.Context()); err != nil {
				return err
			}
			op, err := act(cmd, args[0])
			return report(e, op, err)
		},
	}
}

func resolveCmd(e *env) *cobra.Command {
	return opCmd(e, "resolve", "Check the ledger for a submitted operation", func(cmd *cobra.Command, id string) (*orchestrator.Op, error) {
		return e.wallet.Resolve(cmd.Context(), id)
	})
}

func retryCmd(e *env) *cobra.Command {
	return opCmd(e, "retry", "Resubmit a submitted operation's transaction", func(cmd *cobra.Command, id string) (*orchestrator.Op, error) {
		return e.wallet.Retry(cmd.Context(), id)
	})
}

func releaseCmd(e *env) *cobra.Command {
	return opCmd(e, "release", "Give up on an operation and unlock its notes", func(cmd *cobra.Command, id string) (*orchestrator.Op, error) {
		return e.wallet.Release(cmd.Context(), id)
	})
}

func cancelCmd(e *env) *cobra.Command {
	return opCmd(e, "cancel", "Cancel an operation that has not been submitted", func(cmd *cobra.Command, id string) (*orchestrator.Op, error) {
		if err := e.wallet.Cancel(id); err != nil {
			return nil, err
		}
		return e.wallet.Op(id)
	})
}

func recoverCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Resume or roll back every open operation and release stale locks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			ops, err := w.Recover(cmd.Context())
			printOps(os.Stdout, ops)
			return err
		},
	}
}

func resetCmd(e *env) *cobra.Command {
	var rescan bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Forget local notes and tree so the pool is rescanned",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			if err := w.Reset(); err != nil {
				return err
			}
			fmt.Println(yellow("Local wallet state cleared"))
			if !rescan {
				return nil
			}
			res, err := w.Sync(cmd.Context())
			if err != nil {
				return err
			}
			printKeyValue("Notes discovered", strconv.Itoa(len(res.Discovered)))
			printKeyValue("Checkpoint", strconv.FormatUint(res.Checkpoint, 10))
			return nil
		},
	}
	cmd.Flags().BoolVar(&rescan, "rescan", true, "sync from the first leaf after clearing")
	return cmd
}
