package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jacktea/chunkvault/pkg/alloc"
	"github.com/jacktea/chunkvault/pkg/audit"
	"github.com/jacktea/chunkvault/pkg/blob"
	"github.com/jacktea/chunkvault/pkg/meta"
	"github.com/jacktea/chunkvault/pkg/node"
	"github.com/jacktea/chunkvault/pkg/rpc/p2p"
	"github.com/jacktea/chunkvault/pkg/server/httpapi"
	"github.com/jacktea/chunkvault/pkg/server/s3gw"
	"github.com/jacktea/chunkvault/pkg/storagenode"
	"github.com/jacktea/chunkvault/pkg/validator"
	"github.com/jacktea/chunkvault/pkg/xerrors"
)

// service opens the verification store and a libp2p client and wires a
// validator over them.
func (a *app) service() (*validator.Service, *prometheus.Registry, error) {
	cfg, err := validatorConfig(viper.GetViper())
	if err != nil {
		return nil, nil, err
	}
	dbPath := viper.GetString("db")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, nil, xerrors.Wrap(xerrors.KindInternal, "open", dbPath, err)
	}
	store, err := meta.NewBoltStore(meta.BoltConfig{Path: dbPath, Timeout: time.Second})
	if err != nil {
		return nil, nil, err
	}
	a.onClose(store.Close)
	client, err := p2p.NewClient()
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.KindInternal, "p2p", "client", err)
	}
	a.onClose(client.Close)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	var reporter audit.Reporter = audit.LogReporter{Logger: a.log.Named("weights")}
	if path := viper.GetString("audit.report_file"); path != "" {
		reporter = audit.FileReporter{Path: path}
	}
	svc, err := validator.New(cfg, validator.Deps{
		Snapshot:   node.FileSnapshot{Path: viper.GetString("nodes_file")},
		Client:     client,
		Store:      store,
		Reporter:   reporter,
		Logger:     a.log,
		Registerer: reg,
	})
	if err != nil {
		return nil, nil, err
	}
	return svc, reg, nil
}

func newValidatorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validator",
		Short: "Run the HTTP API, the optional S3 gateway and the audit loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, reg, err := application.service()
			if err != nil {
				return err
			}
			return runValidator(cmd.Context(), svc, reg, application.log)
		},
	}
	cmd.Flags().String("addr", ":8080", "HTTP API listen address")
	cmd.Flags().String("api-key", "", "require API key (X-API-Key or Bearer token)")
	cmd.Flags().Int("rate-limit", 0, "requests allowed per rate window (0 disables)")
	cmd.Flags().Duration("rate-window", time.Second, "rate limit window")
	cmd.Flags().Bool("rate-per-client", false, "keep one rate bucket per remote host")
	cmd.Flags().Int64("max-upload", 0, "largest accepted upload in bytes (0 disables)")
	cmd.Flags().String("s3-addr", "", "S3 gateway listen address (empty disables)")
	cmd.Flags().String("s3-bucket", s3gw.DefaultBucket, "bucket name exposed by the gateway")
	cmd.Flags().String("s3-api-key", "", "require API key on the gateway")
	cmd.Flags().Duration("audit-interval", time.Minute, "pause between audit cycles")
	cmd.Flags().Int("audit-report-every", 1000, "cycles between weight reports")
	cmd.Flags().String("audit-report-file", "", "write weights to this JSON file instead of the log")
	cmd.Flags().Float64("audit-alpha", 0.9, "score smoothing factor")
	cmd.Flags().Uint32("audit-floor", 25, "smallest next chunk count")

	bindConfig("serve.addr", cmd.Flags().Lookup("addr"))
	bindConfig("serve.api_key", cmd.Flags().Lookup("api-key"))
	bindConfig("serve.rate_limit", cmd.Flags().Lookup("rate-limit"))
	bindConfig("serve.rate_window", cmd.Flags().Lookup("rate-window"))
	bindConfig("serve.rate_per_client", cmd.Flags().Lookup("rate-per-client"))
	bindConfig("serve.max_upload", cmd.Flags().Lookup("max-upload"))
	bindConfig("s3.addr", cmd.Flags().Lookup("s3-addr"))
	bindConfig("s3.bucket", cmd.Flags().Lookup("s3-bucket"))
	bindConfig("s3.api_key", cmd.Flags().Lookup("s3-api-key"))
	bindConfig("audit.interval", cmd.Flags().Lookup("audit-interval"))
	bindConfig("audit.report_every", cmd.Flags().Lookup("audit-report-every"))
	bindConfig("audit.report_file", cmd.Flags().Lookup("audit-report-file"))
	bindConfig("audit.alpha", cmd.Flags().Lookup("audit-alpha"))
	bindConfig("audit.floor", cmd.Flags().Lookup("audit-floor"))
	return cmd
}

func runValidator(ctx context.Context, svc *validator.Service, reg *prometheus.Registry, log *zap.Logger) error {
	allocs, err := svc.Allocate(ctx)
	if err != nil {
		return err
	}
	log.Info("allocations bootstrapped", zap.Int("nodes", len(allocs)))

	g, gctx := errgroup.WithContext(ctx)
	api := &httpapi.Server{
		Service:  svc,
		Log:      log.Named("http"),
		Gatherer: reg,
		Opts: httpapi.Options{
			APIKey:         viper.GetString("serve.api_key"),
			RateLimit:      rateLimit(viper.GetViper(), "serve"),
			MaxUploadBytes: viper.GetInt64("serve.max_upload"),
		},
	}
	addr := viper.GetString("serve.addr")
	g.Go(func() error {
		log.Info("serving HTTP API", zap.String("addr", addr))
		return api.Start(gctx, addr)
	})
	if s3Addr := viper.GetString("s3.addr"); s3Addr != "" {
		gw := &s3gw.Server{
			Service: svc,
			Log:     log.Named("s3"),
			Opt: s3gw.Options{
				Bucket:    viper.GetString("s3.bucket"),
				APIKey:    viper.GetString("s3.api_key"),
				RateLimit: rateLimit(viper.GetViper(), "serve"),
			},
		}
		g.Go(func() error {
			log.Info("serving S3 gateway", zap.String("addr", s3Addr), zap.String("bucket", gw.Opt.Bucket))
			return gw.Start(gctx, s3Addr)
		})
	}
	g.Go(func() error {
		return svc.RunAudit(gctx)
	})
	return g.Wait()
}

func newNodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run a storage node on libp2p",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := nodeConfig(viper.GetViper())
			if err != nil {
				return err
			}
			return runNode(cmd.Context(), opts, application)
		},
	}
	flags := cmd.PersistentFlags()
	flags.String("data", ".chunkvault/node", "directory holding blobs and the region index")
	flags.String("identity", "", "libp2p private key file (default <data>/identity.key)")
	flags.Int("max-chunks", 0, "cap on stored chunks (0 disables)")
	bindConfig("node.data", flags.Lookup("data"))
	bindConfig("node.identity", flags.Lookup("identity"))
	bindConfig("node.max_chunks", flags.Lookup("max-chunks"))
	cmd.AddCommand(newImportRegionCmd())
	return cmd
}

// openNode builds the node handler over the blob store and region index
// under opts.DataDir.
func openNode(opts nodeOptions, a *app) (*storagenode.Node, error) {
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "node", opts.DataDir, err)
	}
	blobs, err := blob.NewPathStore(filepath.Join(opts.DataDir, "blobs"))
	if err != nil {
		return nil, err
	}
	index, err := storagenode.OpenBoltIndex(filepath.Join(opts.DataDir, "index.db"))
	if err != nil {
		return nil, err
	}
	a.onClose(index.Close)
	return storagenode.New(blobs, index, storagenode.Options{
		MaxChunks: opts.MaxChunks,
		Logger:    a.log.Named("node"),
	})
}

func runNode(ctx context.Context, opts nodeOptions, a *app) error {
	handler, err := openNode(opts, a)
	if err != nil {
		return err
	}
	priv, err := p2p.LoadIdentity(opts.Identity)
	if err != nil {
		return xerrors.Wrap(xerrors.KindInvalid, "node", opts.Identity, err)
	}
	srv, err := p2p.NewServer(handler, p2p.ServerOptions{
		ListenAddrs:    opts.Listen,
		Identity:       priv,
		HandlerTimeout: viper.GetDuration("rpc_timeout"),
		Logger:         a.log.Named("p2p"),
	})
	if err != nil {
		return xerrors.Wrap(xerrors.KindInternal, "node", "listen", err)
	}
	a.onClose(srv.Close)
	for _, addr := range srv.Addrs() {
		fmt.Println(addr)
	}
	a.log.Info("storage node ready", zap.String("peer", srv.ID().String()))
	<-ctx.Done()
	return nil
}

func newImportRegionCmd() *cobra.Command {
	var hashesOut string
	cmd := &cobra.Command{
		Use:   "import-region <file>",
		Short: "Load region chunks (JSON lines {seed,index,data|path}, - for stdin) while the node is stopped",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := nodeConfig(viper.GetViper())
			if err != nil {
				return err
			}
			handler, err := openNode(opts, application)
			if err != nil {
				return err
			}
			n, err := importRegion(cmd.Context(), handler, args[0], hashesOut)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "imported %d chunks\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&hashesOut, "hashes-out", "-", "where to write the expected hashes for import-hashes (- for stdout)")
	return cmd
}

func importRegion(ctx context.Context, n *storagenode.Node, src, hashesOut string) (int, error) {
	var (
		r    io.Reader = os.Stdin
		base string
	)
	if src != "-" {
		f, err := os.Open(src)
		if err != nil {
			return 0, xerrors.Wrap(xerrors.KindNotFound, "import-region", src, err)
		}
		defer f.Close()
		r, base = f, filepath.Dir(src)
	}
	var w io.Writer = os.Stdout
	if hashesOut != "-" {
		f, err := os.Create(hashesOut)
		if err != nil {
			return 0, xerrors.Wrap(xerrors.KindInternal, "import-region", hashesOut, err)
		}
		defer f.Close()
		w = f
	}
	return n.ImportRegion(ctx, r, storagenode.ImportOptions{BaseDir: base, Hashes: w})
}

func newAllocateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "allocate",
		Short: "Print the allocation table for the current snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := application.service()
			if err != nil {
				return err
			}
			allocs, err := svc.Allocate(cmd.Context())
			if err != nil {
				return err
			}
			return writeAllocations(os.Stdout, allocs)
		},
	}
}

func writeAllocations(w io.Writer, allocs []alloc.Allocation) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tSTAKE\tBUDGET\tCHUNKS\tSEED")
	for _, a := range allocs {
		fmt.Fprintf(tw, "%s\t%g\t%s\t%d\t%s\n", a.Node, a.Stake, alloc.HumanSize(float64(a.ByteBudget)), a.ChunkCount, a.Seed)
	}
	return tw.Flush()
}

func newPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <file>",
		Short: "Store a file across the node set and print its id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := application.service()
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return xerrors.Wrap(xerrors.KindNotFound, "put", args[0], err)
			}
			defer f.Close()
			m, err := svc.StoreFile(cmd.Context(), filepath.Base(args[0]), f)
			if err != nil {
				return err
			}
			fmt.Printf("%s\t%d\t%d chunks\n", m.ID, m.Size, m.ChunkCount)
			return nil
		},
	}
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id> [out]",
		Short: "Retrieve a stored file to out, or stdout",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := application.service()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				_, err := svc.RetrieveFile(cmd.Context(), args[0], os.Stdout)
				return err
			}
			return retrieveTo(cmd.Context(), svc, args[0], args[1])
		},
	}
}

// retrieveTo writes into a temporary file next to out and renames it once
// every chunk verified.
func retrieveTo(ctx context.Context, svc *validator.Service, id, out string) error {
	tmp, err := os.CreateTemp(filepath.Dir(out), "."+filepath.Base(out)+".*")
	if err != nil {
		return xerrors.Wrap(xerrors.KindInternal, "get", out, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := svc.RetrieveFile(ctx, id, tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return xerrors.Wrap(xerrors.KindInternal, "get", out, err)
	}
	return os.Rename(tmp.Name(), out)
}

func newImportHashesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import-hashes <file>",
		Short: "Load expected chunk hashes (JSON lines, - for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := application.service()
			if err != nil {
				return err
			}
			var r io.Reader = os.Stdin
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return xerrors.Wrap(xerrors.KindNotFound, "import-hashes", args[0], err)
				}
				defer f.Close()
				r = f
			}
			n, err := svc.ImportHashes(cmd.Context(), r)
			if err != nil {
				return err
			}
			fmt.Printf("imported %d entries\n", n)
			return nil
		},
	}
}
