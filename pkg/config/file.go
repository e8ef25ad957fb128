package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/ubl/pkg/contracts"
	"github.com/Mindburn-Labs/ubl/pkg/envelope"
	"github.com/Mindburn-Labs/ubl/pkg/pact"
	"github.com/Mindburn-Labs/ubl/pkg/policy"
)

// File is the YAML ledger wiring file. Container keys are either a 32-byte
// container id (hex or base64) or a human name hashed with
// envelope.ContainerIDFor.
type File struct {
	Pacts      []pact.Spec               `yaml:"pacts"`
	Namespaces map[string]string         `yaml:"namespaces"`
	Policies   map[string]*policy.Policy `yaml:"policies"`
}

// LoadFile reads and parses the file at path.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator supplied path
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", path, err)
	}
	return ParseFile(data)
}

// ParseFile parses YAML file contents.
func ParseFile(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &f, nil
}

// ResolveContainer maps a configured container key to its id.
func ResolveContainer(key string) contracts.ContainerID {
	if cid, err := contracts.ParseContainerID(key); err == nil {
		return cid
	}
	return envelope.ContainerIDFor(key)
}

// BuildPacts converts every pact spec.
func (f *File) BuildPacts() ([]*pact.Pact, error) {
	out := make([]*pact.Pact, 0, len(f.Pacts))
	seen := make(map[string]bool, len(f.Pacts))
	for _, s := range f.Pacts {
		if seen[s.ID] {
			return nil, fmt.Errorf("config: duplicate pact id %q", s.ID)
		}
		seen[s.ID] = true
		p, err := s.Pact(envelope.ContainerIDFor)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		out = append(out, p)
	}
	return out, nil
}

// NamespaceTable maps container ids to namespaces.
func (f *File) NamespaceTable() map[contracts.ContainerID]string {
	out := make(map[contracts.ContainerID]string, len(f.Namespaces))
	for k, ns := range f.Namespaces {
		out[ResolveContainer(k)] = ns
	}
	return out
}

// PolicyTable maps container ids to their policy.
func (f *File) PolicyTable() policy.Table {
	out := make(policy.Table, len(f.Policies))
	for k, p := range f.Policies {
		if p == nil {
			continue
		}
		out[ResolveContainer(k)] = p
	}
	return out
}
