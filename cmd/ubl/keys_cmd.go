package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Mindburn-Labs/ubl/pkg/crypto"
)

type keyInfo struct {
	KeyID     string `json:"key_id,omitempty"`
	PublicKey string `json:"public_key"`
	Path      string `json:"path,omitempty"`
}

// runKeygenCmd implements `ubl keygen`.
//
// Exit codes:
//
//	0 = key written
//	2 = usage or I/O error
func runKeygenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("keygen", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		out        string
		force      bool
		jsonOutput bool
	)
	cmd.StringVar(&out, "out", "data/author.key", "Path for the hex-encoded seed")
	cmd.BoolVar(&force, "force", false, "Overwrite an existing key file")
	cmd.BoolVar(&jsonOutput, "json", false, "Output as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	if _, err := os.Stat(out); err == nil && !force {
		_, _ = fmt.Fprintf(stderr, "Error: %s exists (use --force to overwrite)\n", out)
		return 2
	}

	signer, err := crypto.NewEd25519Signer("author")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if err := crypto.WriteSeedFile(out, signer); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	return printKey(stdout, keyInfo{PublicKey: signer.PublicKey().String(), Path: out}, jsonOutput)
}

// runDeriveKeyCmd implements `ubl derive-key`: a labelled key derived from a
// master seed file. The same seed and label always give the same key.
func runDeriveKeyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("derive-key", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		seedPath   string
		label      string
		out        string
		jsonOutput bool
	)
	cmd.StringVar(&seedPath, "seed", "", "Master seed file (REQUIRED)")
	cmd.StringVar(&label, "label", "", "Derivation label, e.g. a container name (REQUIRED)")
	cmd.StringVar(&out, "out", "", "Also write the derived seed to this path")
	cmd.BoolVar(&jsonOutput, "json", false, "Output as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if seedPath == "" || label == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --seed and --label are required")
		cmd.Usage()
		return 2
	}

	master, err := crypto.LoadSeedFile(seedPath, "master")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	signer, err := crypto.DeriveSigner(master.Seed(), label)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if out != "" {
		if err := crypto.WriteSeedFile(out, signer); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	}
	return printKey(stdout, keyInfo{KeyID: label, PublicKey: signer.PublicKey().String(), Path: out}, jsonOutput)
}

func printKey(w io.Writer, k keyInfo, jsonOutput bool) int {
	if jsonOutput {
		data, _ := json.MarshalIndent(k, "", "  ")
		_, _ = fmt.Fprintln(w, string(data))
		return 0
	}
	if k.KeyID != "" {
		_, _ = fmt.Fprintf(w, "Label:      %s\n", k.KeyID)
	}
	_, _ = fmt.Fprintf(w, "Public key: %s%s%s\n", ColorBold+ColorGreen, k.PublicKey, ColorReset)
	if k.Path != "" {
		_, _ = fmt.Fprintf(w, "Seed file:  %s\n", k.Path)
	}
	return 0
}
