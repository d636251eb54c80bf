// Package node describes the storage nodes known to a validator. Membership,
// addresses and stake are supplied from outside as a read-only snapshot.
package node

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/spf13/viper"
)

// ID is the stable public identifier of a storage node or validator.
type ID string

// Seed namespaces the logical storage region shared by a node and a validator.
type Seed string

// Node is one entry of a membership snapshot.
type Node struct {
	ID    ID      `mapstructure:"id" json:"id"`
	Addr  string  `mapstructure:"addr" json:"addr"`
	Stake float64 `mapstructure:"stake" json:"stake"`
}

// PairingSeed derives the region seed for a (node, validator) pair. Both
// sides compute the same value.
func PairingSeed(n, validator ID) Seed {
	return Seed(string(n) + string(validator))
}

// Snapshot yields the current node set. Implementations may return a
// different set on every call; callers treat each result as read-only.
type Snapshot interface {
	Nodes(ctx context.Context) ([]Node, error)
}

// StaticSnapshot is a fixed node set.
type StaticSnapshot []Node

// Nodes returns a copy of the configured nodes.
func (s StaticSnapshot) Nodes(ctx context.Context) ([]Node, error) {
	out := make([]Node, len(s))
	copy(out, s)
	return out, nil
}

// FileSnapshot re-reads a YAML, TOML or JSON file on every call. The file
// holds a top-level "nodes" list of {id, addr, stake}.
type FileSnapshot struct {
	Path string
}

// Nodes loads and validates the node list.
func (f FileSnapshot) Nodes(ctx context.Context) ([]Node, error) {
	if f.Path == "" {
		return nil, fmt.Errorf("node snapshot: path is required")
	}
	v := viper.New()
	v.SetConfigFile(f.Path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("node snapshot: read %s: %w", f.Path, err)
	}
	var nodes []Node
	if err := v.UnmarshalKey("nodes", &nodes); err != nil {
		return nil, fmt.Errorf("node snapshot: decode %s: %w", f.Path, err)
	}
	if err := Validate(nodes); err != nil {
		return nil, fmt.Errorf("node snapshot: %s: %w", f.Path, err)
	}
	return nodes, nil
}

// Validate rejects empty or duplicate identifiers and negative or
// non-finite stake.
func Validate(nodes []Node) error {
	seen := make(map[ID]struct{}, len(nodes))
	for i, n := range nodes {
		if strings.TrimSpace(string(n.ID)) == "" {
			return fmt.Errorf("node %d: empty id", i)
		}
		if math.IsNaN(n.Stake) || math.IsInf(n.Stake, 0) {
			return fmt.Errorf("node %s: non-finite stake %v", n.ID, n.Stake)
		}
		if n.Stake < 0 {
			return fmt.Errorf("node %s: negative stake %v", n.ID, n.Stake)
		}
		if _, dup := seen[n.ID]; dup {
			return fmt.Errorf("node %s: duplicate id", n.ID)
		}
		seen[n.ID] = struct{}{}
	}
	return nil
}

// IDs returns the identifiers of nodes in order.
func IDs(nodes []Node) []ID {
	out := make([]ID, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}
