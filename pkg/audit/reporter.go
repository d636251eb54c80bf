package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/jacktea/chunkvault/pkg/logging"
	"github.com/jacktea/chunkvault/pkg/node"
)

// Weight is one entry of a normalized score vector.
type Weight struct {
	Node   node.ID `json:"node"`
	Weight float64 `json:"weight"`
}

// Reporter hands normalized weights to the external reputation system.
type Reporter interface {
	SubmitWeights(ctx context.Context, weights []Weight) error
}

// LogReporter writes weights to the log.
type LogReporter struct {
	Logger *zap.Logger
}

func (r LogReporter) SubmitWeights(ctx context.Context, weights []Weight) error {
	log := logging.OrNop(r.Logger)
	fields := make([]zap.Field, 0, len(weights))
	for _, w := range weights {
		fields = append(fields, zap.Float64(string(w.Node), w.Weight))
	}
	log.Info("weights", fields...)
	return nil
}

// FileReporter replaces a JSON document with the latest weights.
type FileReporter struct {
	Path string
	Now  func() time.Time
}

type weightsDocument struct {
	UpdatedAt time.Time `json:"updated_at"`
	Weights   []Weight  `json:"weights"`
}

func (r FileReporter) SubmitWeights(ctx context.Context, weights []Weight) error {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	data, err := json.MarshalIndent(weightsDocument{UpdatedAt: now().UTC(), Weights: weights}, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(r.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".weights-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), r.Path)
}
