package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Mindburn-Labs/ubl/pkg/canonicalize"
	"github.com/Mindburn-Labs/ubl/pkg/config"
	"github.com/Mindburn-Labs/ubl/pkg/contracts"
	"github.com/Mindburn-Labs/ubl/pkg/crypto"
	"github.com/Mindburn-Labs/ubl/pkg/envelope"
	"github.com/Mindburn-Labs/ubl/pkg/pact"
)

// listFlag collects a repeatable string flag.
type listFlag []string

func (l *listFlag) String() string     { return strings.Join(*l, ",") }
func (l *listFlag) Set(v string) error { *l = append(*l, v); return nil }

// signRequest is everything needed to build one signed commit.
type signRequest struct {
	KeyPath   string
	Container string
	Sequence  uint64
	Previous  string
	Atom      string
	AtomFile  string
	Class     string
	Delta     string
	PactID    string
	Cosigners []string
}

// runSignCmd implements `ubl sign`: prints a signed commit envelope ready
// for POST /v1/commits, or with --submit posts it and prints the receipt.
// When --server is given and --seq is omitted, the sequence and previous
// hash come from the live head.
func runSignCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("sign", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		req    signRequest
		server string
		submit bool
	)
	cosign := listFlag{}
	cmd.StringVar(&req.KeyPath, "key", "", "Author seed file (REQUIRED)")
	cmd.StringVar(&req.Container, "container", "", "Container name or id (REQUIRED)")
	cmd.Uint64Var(&req.Sequence, "seq", 0, "Expected sequence (head + 1)")
	cmd.StringVar(&req.Previous, "prev", "", "Previous entry hash (empty for genesis)")
	cmd.StringVar(&req.Atom, "atom", "", "Atom hash")
	cmd.StringVar(&req.AtomFile, "atom-file", "", "JSON file to canonicalize and hash as the atom")
	cmd.StringVar(&req.Class, "class", "Observation", "Intent class")
	cmd.StringVar(&req.Delta, "delta", "0", "Physics delta (signed 128-bit integer)")
	cmd.StringVar(&req.PactID, "pact", "", "Pact id to attach")
	cmd.Var(&cosign, "cosign", "Co-signer seed file for --pact (repeatable)")
	cmd.StringVar(&server, "server", "", "Fetch sequence and previous hash from this server")
	cmd.BoolVar(&submit, "submit", false, "Submit the signed commit to --server and print the receipt")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	req.Cosigners = cosign

	if req.KeyPath == "" || req.Container == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --key and --container are required")
		cmd.Usage()
		return 2
	}
	if submit && server == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --submit needs --server")
		return 2
	}
	if req.Sequence == 0 {
		if server == "" {
			_, _ = fmt.Fprintln(stderr, "Error: --seq is required without --server")
			return 2
		}
		head, err := newClient(server).Head(context.Background(), config.ResolveContainer(req.Container))
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		req.Sequence = head.Sequence + 1
		req.Previous = head.LastHash.String()
	}

	c, err := buildCommit(req)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	var out any = c
	if submit {
		receipt, err := newClient(server).Submit(context.Background(), &c)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		out = receipt
	}
	data, _ := json.MarshalIndent(out, "", "  ")
	_, _ = fmt.Fprintln(stdout, string(data))
	return 0
}

func buildCommit(req signRequest) (contracts.Commit, error) {
	author, err := crypto.LoadSeedFile(req.KeyPath, "author")
	if err != nil {
		return contracts.Commit{}, err
	}

	head := contracts.GenesisHead(config.ResolveContainer(req.Container))
	head.Sequence = req.Sequence - 1
	if req.Previous != "" {
		if head.LastHash, err = contracts.ParseHash(req.Previous); err != nil {
			return contracts.Commit{}, fmt.Errorf("--prev: %w", err)
		}
	}

	atom, err := atomHash(req)
	if err != nil {
		return contracts.Commit{}, err
	}
	class, err := contracts.ParseIntentClass(req.Class)
	if err != nil {
		return contracts.Commit{}, fmt.Errorf("--class: %w", err)
	}
	delta, err := contracts.ParseInt128(req.Delta)
	if err != nil {
		return contracts.Commit{}, fmt.Errorf("--delta: %w", err)
	}

	b := envelope.Next(head).Atom(atom).Intent(class, delta)
	if req.PactID != "" {
		unsigned := b.Unsigned()
		signers := make([]crypto.Signer, 0, len(req.Cosigners))
		for _, path := range req.Cosigners {
			s, err := crypto.LoadSeedFile(path, "cosigner")
			if err != nil {
				return contracts.Commit{}, err
			}
			signers = append(signers, s)
		}
		b.Pact(pact.Prove(req.PactID, &unsigned, signers...))
	} else if len(req.Cosigners) > 0 {
		return contracts.Commit{}, fmt.Errorf("--cosign needs --pact")
	}
	return b.Sign(author), nil
}

func atomHash(req signRequest) (contracts.Hash, error) {
	switch {
	case req.Atom != "" && req.AtomFile != "":
		return contracts.Hash{}, fmt.Errorf("use only one of --atom and --atom-file")
	case req.AtomFile != "":
		raw, err := os.ReadFile(req.AtomFile) //nolint:gosec // operator supplied path
		if err != nil {
			return contracts.Hash{}, err
		}
		h, _, err := canonicalize.AtomHashJSON(raw)
		return h, err
	case req.Atom != "":
		h, err := contracts.ParseHash(req.Atom)
		if err != nil {
			return contracts.Hash{}, fmt.Errorf("--atom: %w", err)
		}
		return h, nil
	default:
		return contracts.Hash{}, fmt.Errorf("--atom or --atom-file is required")
	}
}
