// Package chains holds the chain registry, address helpers and a JSON-RPC reader.
package chains

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed chains.yaml
var defaultChains []byte

// Chain is one supported chain.
type Chain struct {
	Identifier string `yaml:"identifier" json:"identifier"`
	Name       string `yaml:"name" json:"name"`
	Symbol     string `yaml:"symbol" json:"symbol"`
	ChainID    int64  `yaml:"chain_id" json:"chainId"`
	RPCURL     string `yaml:"rpc_url" json:"-"`
}

type registryFile struct {
	Chains []Chain `yaml:"chains"`
}

// Registry is an immutable set of chains keyed by identifier.
type Registry struct {
	ordered []Chain
	byID    map[string]Chain
}

// Load reads a registry file. An empty path loads the built-in list.
func Load(path string) (*Registry, error) {
	data := defaultChains
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read chains file: %w", err)
		}
		data = raw
	}
	return Parse(data)
}

// Parse builds a registry from YAML.
func Parse(data []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse chains: %w", err)
	}
	return New(file.Chains...)
}

// New builds a registry from chains. Identifiers must be unique and non-empty.
func New(chains ...Chain) (*Registry, error) {
	r := &Registry{byID: make(map[string]Chain, len(chains))}
	for _, chain := range chains {
		id := strings.TrimSpace(chain.Identifier)
		if id == "" {
			return nil, fmt.Errorf("chain %q has no identifier", chain.Name)
		}
		if _, dup := r.byID[id]; dup {
			return nil, fmt.Errorf("duplicate chain identifier %q", id)
		}
		chain.Identifier = id
		r.byID[id] = chain
		r.ordered = append(r.ordered, chain)
	}
	sort.SliceStable(r.ordered, func(i, j int) bool {
		return r.ordered[i].Identifier < r.ordered[j].Identifier
	})
	return r, nil
}

// ListSupportedChains returns every chain sorted by identifier.
func (r *Registry) ListSupportedChains(context.Context) ([]Chain, error) {
	out := make([]Chain, len(r.ordered))
	copy(out, r.ordered)
	return out, nil
}

// Lookup returns the chain with the given identifier.
func (r *Registry) Lookup(identifier string) (Chain, bool) {
	chain, ok := r.byID[identifier]
	return chain, ok
}
