// Package sharder splits files into chunks, places each chunk on several
// storage nodes, and reassembles files from verified holder responses.
package sharder

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"math/rand"
	"sync"
	"time"
)

const (
	// DefaultChunkSize matches the allocator's chunk size.
	DefaultChunkSize = 100000
	// DefaultRedundancy is the number of holders wanted per chunk.
	DefaultRedundancy = 2
)

// Hash returns the hex SHA-256 used for every content check.
func Hash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// readChunk fills buf from r. It returns the bytes read and whether the
// stream is finished.
func readChunk(r io.Reader, buf []byte) (int, bool, error) {
	n, err := io.ReadFull(r, buf)
	switch {
	case err == nil:
		return n, false, nil
	case errors.Is(err, io.EOF):
		return 0, true, nil
	case errors.Is(err, io.ErrUnexpectedEOF):
		return n, true, nil
	default:
		return n, false, err
	}
}

// lockedRand serializes access to a *rand.Rand.
type lockedRand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newLockedRand(rng *rand.Rand) *lockedRand {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &lockedRand{rng: rng}
}

// draw removes k uniformly chosen entries from pool and returns them.
func (l *lockedRand) draw(pool *[]int, k int) []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := *pool
	if k > len(p) {
		k = len(p)
	}
	for i := 0; i < k; i++ {
		j := i + l.rng.Intn(len(p)-i)
		p[i], p[j] = p[j], p[i]
	}
	out := append([]int(nil), p[:k]...)
	*pool = p[k:]
	return out
}
