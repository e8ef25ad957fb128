package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/Mindburn-Labs/ubl/pkg/client"
	"github.com/Mindburn-Labs/ubl/pkg/config"
)

const defaultServer = "http://localhost:8080"

func newClient(server string) *client.Client {
	return client.New(server, client.WithTimeout(10*time.Second))
}

func runHeadCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("head", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		server     string
		container  string
		jsonOutput bool
	)
	cmd.StringVar(&server, "server", defaultServer, "Ledger server base URL")
	cmd.StringVar(&container, "container", "", "Container name or id (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if container == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --container is required")
		return 2
	}

	head, err := newClient(server).Head(context.Background(), config.ResolveContainer(container))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(head, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}
	_, _ = fmt.Fprintf(stdout, "Container: %s\n", head.ContainerID)
	_, _ = fmt.Fprintf(stdout, "Sequence:  %d\n", head.Sequence)
	_, _ = fmt.Fprintf(stdout, "Last hash: %s\n", head.LastHash)
	_, _ = fmt.Fprintf(stdout, "Balance:   %s\n", head.Balance)
	return 0
}
