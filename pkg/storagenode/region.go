package storagenode

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jacktea/chunkvault/pkg/meta"
	"github.com/jacktea/chunkvault/pkg/node"
	"github.com/jacktea/chunkvault/pkg/xerrors"
)

// RegionEntry is one line of a region import. Data carries the chunk inline
// (base64 in JSON); otherwise Path names a file holding it.
type RegionEntry struct {
	Seed  node.Seed `json:"seed"`
	Index uint32    `json:"index"`
	Data  []byte    `json:"data,omitempty"`
	Path  string    `json:"path,omitempty"`
}

// ImportOptions configures ImportRegion.
type ImportOptions struct {
	// BaseDir resolves relative entry paths.
	BaseDir string
	// Hashes, when set, receives one verification entry per loaded chunk in
	// the JSON-lines form the validator's import-hashes reads.
	Hashes io.Writer
}

const maxRegionLine = 64 << 20

// ImportRegion loads region chunks, one JSON object per line, and returns
// the number stored.
func (n *Node) ImportRegion(ctx context.Context, r io.Reader, opts ImportOptions) (int, error) {
	const op = "storagenode.ImportRegion"
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxRegionLine)
	var enc *json.Encoder
	if opts.Hashes != nil {
		enc = json.NewEncoder(opts.Hashes)
	}
	var count, line int
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var entry RegionEntry
		if err := json.Unmarshal([]byte(text), &entry); err != nil {
			return count, xerrors.Wrap(xerrors.KindInvalid, op, fmt.Sprintf("line %d", line), err)
		}
		if entry.Seed == "" {
			return count, xerrors.E(xerrors.KindInvalid, op, fmt.Sprintf("line %d: seed is required", line))
		}
		data, err := entry.payload(opts.BaseDir)
		if err != nil {
			return count, xerrors.Wrap(xerrors.KindInvalid, op, fmt.Sprintf("line %d", line), err)
		}
		hash, err := n.PutRegion(ctx, entry.Seed, entry.Index, data)
		if err != nil {
			return count, err
		}
		if enc != nil {
			if err := enc.Encode(meta.VerificationEntry{Seed: entry.Seed, Index: entry.Index, Hash: hash}); err != nil {
				return count, xerrors.Wrap(xerrors.KindInternal, op, "write hashes", err)
			}
		}
		count++
	}
	if err := sc.Err(); err != nil {
		return count, xerrors.Wrap(xerrors.KindInvalid, op, "read", err)
	}
	return count, nil
}

func (e RegionEntry) payload(base string) ([]byte, error) {
	switch {
	case len(e.Data) > 0 && e.Path != "":
		return nil, fmt.Errorf("data and path are exclusive")
	case len(e.Data) > 0:
		return e.Data, nil
	case e.Path == "":
		return nil, fmt.Errorf("data or path is required")
	}
	path := e.Path
	if !filepath.IsAbs(path) && base != "" {
		path = filepath.Join(base, path)
	}
	return os.ReadFile(path)
}
