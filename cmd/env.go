package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/fmcg/dimpipe/internal/aws"
	"github.com/fmcg/dimpipe/internal/changefeed"
	"github.com/fmcg/dimpipe/internal/config"
	"github.com/fmcg/dimpipe/internal/lock"
	"github.com/fmcg/dimpipe/internal/logging"
	"github.com/fmcg/dimpipe/internal/lookup"
	"github.com/fmcg/dimpipe/internal/merge"
	"github.com/fmcg/dimpipe/internal/metrics"
	"github.com/fmcg/dimpipe/internal/pipeline"
	"github.com/fmcg/dimpipe/internal/report"
	"github.com/fmcg/dimpipe/internal/source"
	"github.com/fmcg/dimpipe/internal/state"
	"github.com/fmcg/dimpipe/internal/store"
)

// env bundles everything a command needs to touch the tables of one
// catalog and data source.
type env struct {
	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer
	store     store.Store
	s3        aws.Client
	state     *state.State
	statePath string
	dryRun    bool
}

type envOptions struct {
	dryRun bool
	// quiet sends logs to the log file only.
	quiet bool
}

// loadConfig reads the config file, falling back to defaults when the
// default file does not exist, and applies the parameter flags.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	path := cfgFile
	if path == "" {
		path = config.ExpandHome(config.DefaultPath)
	}
	loaded, err := config.Load(path)
	switch {
	case err == nil:
		cfg = loaded
	case cfgFile == "" && errors.Is(err, fs.ErrNotExist):
		cfg = config.Default()
	default:
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if catalog != "" {
		cfg.Params.Catalog = catalog
	}
	if dataSource != "" {
		cfg.Params.DataSource = dataSource
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openEnv loads config, logging, state and the store.
func openEnv(ctx context.Context, opts envOptions) (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	var console io.Writer = os.Stdout
	if opts.quiet {
		console = nil
	}
	logger, closer, err := logging.Setup(cfg.Logging, console)
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, logger: logger, logCloser: closer, dryRun: opts.dryRun}

	if opts.dryRun {
		// Dry runs leave the persisted state alone.
		e.state = state.New(cfg.Params)
	} else {
		e.statePath = state.Path(cfg.StateDir, cfg.Params)
		e.state, err = state.Load(e.statePath, cfg.Params)
		if err != nil {
			e.close(ctx)
			return nil, err
		}
	}

	if opts.dryRun {
		e.store = store.NewMemoryStore()
		logger.Info("dry run: writing to an in-memory store")
	} else {
		if err := cfg.ResolveSecrets(); err != nil {
			e.close(ctx)
			return nil, err
		}
		e.store, err = store.Open(ctx, cfg.Store)
		if err != nil {
			e.close(ctx)
			return nil, fmt.Errorf("opening %s store: %w", cfg.Store.Type, err)
		}
	}
	return e, nil
}

func (e *env) close(ctx context.Context) {
	if e.store != nil {
		if err := e.store.Close(ctx); err != nil {
			e.logger.Warn("closing store", "error", err)
		}
	}
	if e.logCloser != nil {
		e.logCloser.Close()
	}
}

// s3Client creates the shared S3 client on first use.
func (e *env) s3Client(ctx context.Context) (aws.Client, error) {
	if e.s3 != nil {
		return e.s3, nil
	}
	client, err := aws.NewRealClient(ctx, aws.Options{
		Profile:  e.cfg.Source.Profile,
		Region:   e.cfg.Source.Region,
		Endpoint: e.cfg.Source.Endpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("creating S3 client: %w", err)
	}
	e.s3 = client
	return client, nil
}

func (e *env) lookups(ctx context.Context) (*lookup.Tables, error) {
	var client aws.Client
	if aws.IsURI(e.cfg.Lookups.Path) {
		c, err := e.s3Client(ctx)
		if err != nil {
			return nil, err
		}
		client = c
	}
	return lookup.Load(ctx, e.cfg.Lookups, client)
}

// runner wires a pipeline runner to the environment.
func (e *env) runner(ctx context.Context, needSource bool) (*pipeline.Runner, error) {
	var src source.Reader
	if needSource {
		var err error
		src, err = source.New(ctx, e.cfg)
		if err != nil {
			return nil, fmt.Errorf("creating source reader: %w", err)
		}
	}
	lk, err := e.lookups(ctx)
	if err != nil {
		return nil, err
	}

	r := pipeline.New(e.cfg.Params, e.store, src, lk, e.logger)
	r.State = e.state
	r.StatePath = e.statePath
	r.Metrics = metrics.New()
	if e.cfg.ChangeFeed.Enabled() && !e.dryRun {
		r.Publisher = changefeed.NewKafkaPublisher(e.cfg.ChangeFeed.Brokers, e.cfg.ChangeFeedTopic(), merge.ColCustomerCode)
	}
	return r, nil
}

// finish writes the run report, pushes metrics and closes the publisher.
// Failures here are logged; they never mask the run's own error.
func (e *env) finish(ctx context.Context, r *pipeline.Runner, runErr error) {
	if r.Publisher != nil {
		if err := r.Publisher.Close(); err != nil {
			e.logger.Warn("closing change feed publisher", "error", err)
		}
	}
	if r.Report.Status == "" {
		r.Report.Status = pipeline.RunComplete
		if runErr != nil {
			r.Report.Status = pipeline.RunFailed
		}
	}

	if e.dryRun {
		return
	}

	path := r.Report.Path(e.cfg.StateDir)
	if err := report.WriteJSON(r.Report, path); err != nil {
		e.logger.Warn("writing run report", "error", err)
	} else {
		e.state.ReportPath = path
		if err := e.state.Save(e.statePath); err != nil {
			e.logger.Warn("saving state", "error", err)
		}
		e.logger.Info("run report written", "path", path)
	}

	if e.cfg.ReportURI != "" {
		client, err := e.s3Client(ctx)
		if err == nil {
			var uri string
			uri, err = report.Upload(ctx, client, e.cfg.ReportURI, r.Report)
			if err == nil {
				e.logger.Info("run report uploaded", "uri", uri)
			}
		}
		if err != nil {
			e.logger.Warn("uploading run report", "error", err)
		}
	}

	if e.cfg.Metrics.PushgatewayURL != "" && r.Metrics != nil {
		if err := r.Metrics.Push(ctx, e.cfg.Metrics.PushgatewayURL, e.cfg.Metrics.Job, e.cfg.Params); err != nil {
			e.logger.Warn("pushing metrics", "error", err)
		}
	}
}

// locked runs fn under the per-parameter lock.
func (e *env) locked(fn func() error) error {
	return pipeline.WithLock(lock.Path(e.cfg.StateDir, e.cfg.Params), fn)
}
