// Package alloc turns a stake snapshot into per-node storage budgets.
package alloc

import (
	"fmt"
	"math"

	"github.com/jacktea/chunkvault/pkg/node"
	"github.com/jacktea/chunkvault/pkg/xerrors"
)

const (
	// DefaultChunkSize is the chunk size used when none is configured.
	DefaultChunkSize = 100000
	// DefaultThreshold is the share of free disk space handed out.
	DefaultThreshold = 0.0001
)

// Allocation is the budget a validator grants one node for a cycle.
type Allocation struct {
	Node       node.ID   `json:"node"`
	Validator  node.ID   `json:"validator"`
	Stake      float64   `json:"stake"`
	ByteBudget uint64    `json:"byte_budget"`
	ChunkCount uint32    `json:"chunk_count"`
	ChunkSize  uint32    `json:"chunk_size"`
	Seed       node.Seed `json:"seed"`
}

// Validate checks the allocation invariants.
func (a Allocation) Validate() error {
	switch {
	case a.Node == "" || a.Validator == "":
		return xerrors.E(xerrors.KindInvalid, "Allocation.Validate", "missing node or validator")
	case a.ChunkSize == 0:
		return xerrors.E(xerrors.KindInvalid, "Allocation.Validate", "chunk size is zero")
	case a.ChunkCount == 0:
		return xerrors.E(xerrors.KindInvalid, "Allocation.Validate", "chunk count is zero")
	case a.Seed != node.PairingSeed(a.Node, a.Validator):
		return xerrors.E(xerrors.KindInvalid, "Allocation.Validate", "seed does not match pairing")
	}
	return nil
}

// Allocator computes stake-proportional allocations for one validator.
type Allocator struct {
	Validator node.ID
	ChunkSize uint32
}

// Compute splits budget bytes across nodes in proportion to stake+1. The
// result is a pure function of its inputs and keeps the order of nodes.
func (a Allocator) Compute(nodes []node.Node, budget float64) ([]Allocation, error) {
	if math.IsNaN(budget) || math.IsInf(budget, 0) || budget <= 0 {
		return nil, xerrors.E(xerrors.KindInvalidBudget, "Allocator.Compute", fmt.Sprintf("budget %v", budget))
	}
	if a.Validator == "" {
		return nil, xerrors.E(xerrors.KindInvalid, "Allocator.Compute", "validator id is required")
	}
	chunkSize := a.ChunkSize
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	if err := node.Validate(nodes); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalid, "Allocator.Compute", "snapshot", err)
	}

	var denom float64
	for _, n := range nodes {
		denom += n.Stake + 1
	}
	out := make([]Allocation, 0, len(nodes))
	for _, n := range nodes {
		size := (n.Stake + 1) / denom * budget
		chunks := math.Floor(size/float64(chunkSize)) + 1
		if chunks > math.MaxUint32 {
			chunks = math.MaxUint32
		}
		out = append(out, Allocation{
			Node:       n.ID,
			Validator:  a.Validator,
			Stake:      n.Stake,
			ByteBudget: uint64(size),
			ChunkCount: uint32(chunks),
			ChunkSize:  chunkSize,
			Seed:       node.PairingSeed(n.ID, a.Validator),
		})
	}
	return out, nil
}

// HumanSize renders a byte count the way allocation logs print it.
func HumanSize(size float64) string {
	thresholds := []float64{1 << 30, 1 << 20, 1 << 10}
	units := []string{"GB", "MB", "KB"}
	for i, threshold := range thresholds {
		if size >= threshold {
			return fmt.Sprintf("%.2f %s", size/threshold, units[i])
		}
	}
	return fmt.Sprintf("%d bytes", int64(size))
}
