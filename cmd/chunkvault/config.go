package main

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/jacktea/chunkvault/pkg/encryption"
	"github.com/jacktea/chunkvault/pkg/node"
	"github.com/jacktea/chunkvault/pkg/server/middleware"
	"github.com/jacktea/chunkvault/pkg/validator"
	"github.com/jacktea/chunkvault/pkg/xerrors"
)

// validatorConfig reads the pipeline and audit settings from v.
func validatorConfig(v *viper.Viper) (validator.Config, error) {
	const op = "config"
	id := v.GetString("validator_id")
	if id == "" {
		host, err := os.Hostname()
		if err != nil {
			return validator.Config{}, xerrors.E(xerrors.KindInvalid, op, "--validator-id is required")
		}
		id = host
	}
	enc, err := encryptionOptions(v)
	if err != nil {
		return validator.Config{}, err
	}
	dataDir := v.GetString("data_dir")
	if dataDir == "" {
		dataDir = filepath.Dir(v.GetString("db"))
	}
	return validator.Config{
		Validator:     node.ID(id),
		ChunkSize:     v.GetInt("chunk_size"),
		Redundancy:    v.GetInt("redundancy"),
		Rounds:        v.GetInt("rounds"),
		RoundInterval: v.GetDuration("round_interval"),
		RPCTimeout:    v.GetDuration("rpc_timeout"),
		Parallelism:   v.GetInt("parallelism"),
		Budget:        v.GetFloat64("budget"),
		DataDir:       dataDir,
		Threshold:     v.GetFloat64("threshold"),
		Encryption:    enc,
		LivenessTTL:   v.GetDuration("liveness_ttl"),
		Audit: validator.AuditConfig{
			Interval:    v.GetDuration("audit.interval"),
			ReportEvery: v.GetInt("audit.report_every"),
			Alpha:       v.GetFloat64("audit.alpha"),
			Floor:       v.GetUint32("audit.floor"),
		},
	}, nil
}

func encryptionOptions(v *viper.Viper) (encryption.Options, error) {
	if !v.GetBool("encrypt") {
		return encryption.Options{Method: encryption.MethodNone}, nil
	}
	key := encryption.ParseKey(v.GetString("key"))
	if key == nil {
		return encryption.Options{}, xerrors.E(xerrors.KindInvalid, "config", "encryption enabled but key missing")
	}
	opts := encryption.Options{Method: encryption.MethodAES256CTR, Key: key}
	return opts, opts.Validate()
}

func rateLimit(v *viper.Viper, prefix string) middleware.RateLimitOptions {
	requests := v.GetInt(prefix + ".rate_limit")
	if requests <= 0 {
		return middleware.RateLimitOptions{}
	}
	window := v.GetDuration(prefix + ".rate_window")
	if window <= 0 {
		window = time.Second
	}
	return middleware.RateLimitOptions{
		Requests:  requests,
		Window:    window,
		PerClient: v.GetBool(prefix + ".rate_per_client"),
	}
}

type nodeOptions struct {
	DataDir   string
	Listen    []string
	Identity  string
	MaxChunks int
}

func nodeConfig(v *viper.Viper) (nodeOptions, error) {
	opts := nodeOptions{
		DataDir:   v.GetString("node.data"),
		Listen:    v.GetStringSlice("p2p.listen"),
		Identity:  v.GetString("node.identity"),
		MaxChunks: v.GetInt("node.max_chunks"),
	}
	if opts.DataDir == "" {
		return nodeOptions{}, xerrors.E(xerrors.KindInvalid, "config", "--data is required")
	}
	if len(opts.Listen) == 0 {
		opts.Listen = []string{"/ip4/0.0.0.0/tcp/4001"}
	}
	if opts.Identity == "" {
		opts.Identity = filepath.Join(opts.DataDir, "identity.key")
	}
	return opts, nil
}
