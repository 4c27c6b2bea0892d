// output.go - Terminal rendering for shieldctl
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/HamzaZF/shieldpool/internal/note"
	"github.com/HamzaZF/shieldpool/internal/orchestrator"
	"github.com/HamzaZF/shieldpool/internal/selector"
	"github.com/HamzaZF/shieldpool/internal/store"
	"github.com/HamzaZF/shieldpool/internal/token"
)

var (
	bold   = color.New(color.Bold).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
)

func printKeyValue(key, value string) {
	fmt.Printf("%s %s\n", bold(key+":"), value)
}

func newTable(out io.Writer, header ...string) *tablewriter.Table {
	t := tablewriter.NewWriter(out)
	t.SetHeader(header)
	t.SetAutoWrapText(false)
	t.SetBorder(false)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	return t
}

func shortHash(h interface{ Hex() string }) string {
	s := h.Hex()
	if len(s) <= 14 {
		return s
	}
	return s[:8] + ".." + s[len(s)-4:]
}

func printBalances(out io.Writer, balances []store.Balance, public map[token.ID]uint64) {
	t := newTable(out, "Token", "Shielded", "Pending spend", "Unconfirmed", "Notes", "Public")
	for _, b := range balances {
		t.Append([]string{
			b.Token.String(),
			green(b.Token.FormatUnits(b.Confirmed)),
			yellow(b.Token.FormatUnits(b.Pending)),
			b.Token.FormatUnits(b.Unconfirmed),
			strconv.Itoa(b.Notes),
			b.Token.FormatUnits(public[b.Token]),
		})
	}
	t.Render()
}

func colorState(s note.State) string {
	switch s {
	case note.Confirmed:
		return green(s.String())
	case note.PendingSpend, note.Unconfirmed:
		return yellow(s.String())
	default:
		return s.String()
	}
}

func printNotes(out io.Writer, recs []store.Record) {
	t := newTable(out, "Commitment", "Leaf", "Amount", "State", "Locked by")
	for _, r := range recs {
		leaf := "-"
		if r.Note.LeafIndex != nil {
			leaf = strconv.FormatUint(*r.Note.LeafIndex, 10)
		}
		t.Append([]string{
			shortHash(r.Commitment),
			leaf,
			r.Note.Token.FormatUnits(r.Note.Amount),
			colorState(r.State),
			r.LockedBy,
		})
	}
	t.Render()
}

func colorOpState(s orchestrator.State) string {
	switch s {
	case orchestrator.StateConfirmed:
		return green(string(s))
	case orchestrator.StateFailed:
		return red(string(s))
	default:
		return yellow(string(s))
	}
}

func printOps(out io.Writer, ops []*orchestrator.Op) {
	if len(ops) == 0 {
		fmt.Fprintln(out, "no open operations")
		return
	}
	t := newTable(out, "ID", "Kind", "State", "Amount", "Fee", "Inputs", "Age", "Reason")
	for _, op := range ops {
		t.Append([]string{
			op.ID,
			string(op.Kind),
			colorOpState(op.State),
			op.Token.FormatUnits(op.Amount) + " " + op.Token.String(),
			op.Token.FormatUnits(op.Fee),
			strconv.Itoa(len(op.Inputs)),
			time.Since(op.CreatedAt).Round(time.Second).String(),
			op.Reason,
		})
	}
	t.Render()
}

// report prints an operation result and passes err through.
func report(e *env, op *orchestrator.Op, err error) error {
	if op != nil {
		printKeyValue("Operation", op.ID)
		printKeyValue("State", colorOpState(op.State))
		printKeyValue("Amount", op.Token.FormatUnits(op.Amount)+" "+op.Token.String())
		printKeyValue("Fee", op.Token.FormatUnits(op.Fee))
		if op.Change > 0 {
			printKeyValue("Change", op.Token.FormatUnits(op.Change))
		}
		if op.TxID != nil {
			printKeyValue("Transaction", op.TxID.Hex())
		}
		if e.logger != nil {
			e.logger.Audit(string(op.Kind), map[string]any{
				"op":     op.ID,
				"state":  string(op.State),
				"token":  op.Token.String(),
				"amount": op.Amount,
			})
		}
	}
	return err
}

func printError(err error) {
	fmt.Fprintln(os.Stderr, red("error:"), err)

	var short *selector.InsufficientFundsError
	if errors.As(err, &short) {
		fmt.Fprintf(os.Stderr, "  short by %s %s\n", short.Token.FormatUnits(short.Shortfall), short.Token)
	}
	var opErr *orchestrator.OpError
	if errors.As(err, &opErr) && len(opErr.Locked) > 0 {
		fmt.Fprintf(os.Stderr, "  %d notes stay pending spend; settle with `shieldctl resolve|retry|release %s`\n",
			len(opErr.Locked), opErr.OpID)
	}
}
