// Command corecheck keeps the admission core free of transport, storage and
// telemetry imports.
//
// It scans the non-test Go files of the core packages under pkg/ and fails
// when one imports a forbidden path.
//
// Usage:
//
//	go run ./tools/corecheck [-root <project-root>]
package main

import (
	"flag"
	"fmt"
	"go/parser"
	"go/token"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// corePackages decide admission and must stay pure.
var corePackages = []string{
	"contracts",
	"canonicalize",
	"crypto",
	"envelope",
	"membrane",
	"merkle",
}

// Forbidden import path fragments.
var forbiddenFragments = []string{
	"net/http",
	"database/sql",
	"github.com/redis/",
	"go.opentelemetry.io/",
	"github.com/aws/",
	"cloud.google.com/",
	"/pkg/api",
	"/pkg/atoms",
	"/pkg/client",
	"/pkg/config",
	"/pkg/notify",
	"/pkg/orchestrator",
	"/pkg/policy",
	"/pkg/store",
}

// Violation is one forbidden import.
type Violation struct {
	File     string
	Line     int
	Import   string
	Fragment string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s:%d imports %q (forbidden: %q)", v.File, v.Line, v.Import, v.Fragment)
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("corecheck", flag.ContinueOnError)
	fs.SetOutput(stderr)
	root := fs.String("root", ".", "Project root directory")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	violations, err := scan(*root)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}
	for _, v := range violations {
		_, _ = fmt.Fprintf(stdout, "CORE VIOLATION: %s\n", v)
	}
	if len(violations) > 0 {
		_, _ = fmt.Fprintf(stdout, "\n❌ %d core violation(s) found\n", len(violations))
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "✅ core isolation check passed")
	return 0
}

func scan(root string) ([]Violation, error) {
	var out []Violation
	fset := token.NewFileSet()
	for _, pkg := range corePackages {
		dir := filepath.Join(root, "pkg", pkg)
		if _, err := os.Stat(dir); err != nil {
			return nil, fmt.Errorf("core package %s: %w", pkg, err)
		}
		paths, err := filepath.Glob(filepath.Join(dir, "*.go"))
		if err != nil {
			return nil, err
		}
		for _, path := range paths {
			if strings.HasSuffix(path, "_test.go") {
				continue
			}
			f, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
			if err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
			for _, imp := range f.Imports {
				importPath := strings.Trim(imp.Path.Value, `"`)
				for _, frag := range forbiddenFragments {
					if !strings.Contains(importPath, frag) {
						continue
					}
					rel, _ := filepath.Rel(root, path)
					out = append(out, Violation{
						File:     rel,
						Line:     fset.Position(imp.Pos()).Line,
						Import:   importPath,
						Fragment: frag,
					})
				}
			}
		}
	}
	return out, nil
}
