package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/ubl/pkg/config"
	"github.com/Mindburn-Labs/ubl/pkg/contracts"
	"github.com/Mindburn-Labs/ubl/pkg/merkle"
	"github.com/Mindburn-Labs/ubl/pkg/store/ledger"
)

// ContainerReport is the verification result for one container.
type ContainerReport struct {
	ContainerID contracts.ContainerID `json:"container_id"`
	Entries     int                   `json:"entries"`
	Head        contracts.Head        `json:"head"`
	MerkleRoot  contracts.Hash        `json:"merkle_root"`
	Verified    bool                  `json:"verified"`
	ErrorKind   contracts.ErrorKind   `json:"error_kind,omitempty"`
	Reason      string                `json:"reason,omitempty"`
}

// VerifyReport covers every container in a ledger.
type VerifyReport struct {
	Verified   bool              `json:"verified"`
	Containers []ContainerReport `json:"containers"`
}

// runVerifyCmd implements `ubl verify`.
//
// Replays every container chain from genesis in the configured ledger and
// checks it against the stored head.
//
// Exit codes:
//
//	0 = verification passed
//	1 = verification failed
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	cfg := config.Load()
	var (
		jsonOutput bool
		signatures bool
	)
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON to stdout")
	cmd.BoolVar(&signatures, "signatures", true, "Re-verify author signatures")
	cmd.StringVar(&cfg.LedgerBackend, "backend", cfg.LedgerBackend, "Ledger backend: sql or file")
	cmd.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Data directory for lite mode and file ledgers")
	cmd.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "Postgres URL (empty for lite mode)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cfg.LedgerBackend == config.BackendMemory {
		_, _ = fmt.Fprintln(stderr, "Error: the memory backend has nothing to verify")
		return 2
	}

	ctx := context.Background()
	b, err := openBackend(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = b.close() }()

	report, err := verifyLedger(ctx, b.store, ledger.VerifyOptions{Signatures: signatures})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		printReport(stdout, report)
	}
	if !report.Verified {
		return 1
	}
	return 0
}

// verifyLedger replays every container. An I/O failure aborts; a broken
// chain is recorded in the report.
func verifyLedger(ctx context.Context, store ledger.Store, opts ledger.VerifyOptions) (*VerifyReport, error) {
	cids, err := store.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	report := &VerifyReport{Verified: true, Containers: []ContainerReport{}}
	for _, cid := range cids {
		entries, err := store.Entries(ctx, cid, 0, 0)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", cid, err)
		}
		cr := ContainerReport{ContainerID: cid, Entries: len(entries), Verified: true}

		head, err := ledger.VerifyChain(cid, entries, opts)
		cr.Head = head
		var ie *ledger.IntegrityError
		switch {
		case errors.As(err, &ie):
			cr.Verified, cr.ErrorKind, cr.Reason = false, ie.Kind, ie.Error()
		case err != nil:
			return nil, err
		default:
			stored, err := store.Head(ctx, cid)
			if err != nil && !errors.Is(err, ledger.ErrHalted) {
				return nil, fmt.Errorf("head %s: %w", cid, err)
			}
			if err == nil && (stored.Sequence != head.Sequence || stored.LastHash != head.LastHash) {
				cr.Verified, cr.ErrorKind = false, contracts.KindBrokenChain
				cr.Reason = fmt.Sprintf("stored head #%d %s, chain folds to #%d %s",
					stored.Sequence, stored.LastHash, head.Sequence, head.LastHash)
			}
			cr.MerkleRoot = merkle.EntryRoot(entries)
		}
		if !cr.Verified {
			report.Verified = false
		}
		report.Containers = append(report.Containers, cr)
	}
	return report, nil
}

func printReport(w io.Writer, r *VerifyReport) {
	for _, c := range r.Containers {
		if c.Verified {
			_, _ = fmt.Fprintf(w, "%s✓%s %s  %d entries  root %s\n", ColorGreen, ColorReset, c.ContainerID, c.Entries, c.MerkleRoot)
			continue
		}
		_, _ = fmt.Fprintf(w, "%s✗%s %s  %s: %s\n", ColorRed, ColorReset, c.ContainerID, c.ErrorKind, c.Reason)
	}
	if r.Verified {
		_, _ = fmt.Fprintf(w, "%sLedger verified: %d containers%s\n", ColorBold+ColorGreen, len(r.Containers), ColorReset)
		return
	}
	_, _ = fmt.Fprintf(w, "%sLedger verification FAILED%s\n", ColorBold+ColorRed, ColorReset)
}
