package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/specialistvlad/gridchain/internal/ctxlog"
	"github.com/specialistvlad/gridchain/internal/dataset"
	"github.com/specialistvlad/gridchain/internal/graph"
	"github.com/specialistvlad/gridchain/internal/localdataset"
	"github.com/specialistvlad/gridchain/internal/localtransport"
	"github.com/specialistvlad/gridchain/internal/lockstep"
	"github.com/specialistvlad/gridchain/internal/model"
	"github.com/specialistvlad/gridchain/internal/notify"
	"github.com/specialistvlad/gridchain/internal/sshtransport"
	"github.com/specialistvlad/gridchain/internal/statestore"
	"github.com/specialistvlad/gridchain/internal/transport"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW       io.Writer
	logger     *slog.Logger
	config     *Config
	pipeline   *model.Pipeline
	fanIn      lockstep.FanIn
	transports *transport.Registry
	endpoints  map[string]transport.Endpoint
	graph      *graph.Registry[dataset.Dataset]
	datasets   map[string]*localdataset.Dataset
	dispatcher *lockstep.Dispatcher
	publisher  notify.Publisher
	dial       func(ctx context.Context, url string) (notify.Publisher, error)
}

// Option customises an App. Tests use them to replace network-facing parts.
type Option func(*App)

// WithTransports replaces the transport registry. The default registers the
// local and ssh kinds.
func WithTransports(r *transport.Registry) Option {
	return func(a *App) { a.transports = r }
}

// WithPublisher sets the event publisher instead of dialing settings.notify_url.
func WithPublisher(p notify.Publisher) Option {
	return func(a *App) { a.publisher = p }
}

// DefaultTransports returns a registry with every transport compiled into
// the binary.
func DefaultTransports() *transport.Registry {
	r := transport.NewRegistry()
	r.Register(localtransport.Kind, localtransport.Open)
	r.Register(sshtransport.Kind, sshtransport.Dial)
	return r
}

// NewApp is the constructor for the main application. It loads the pipeline,
// opens one endpoint per connection in use and restores every dataset from
// the state directory.
func NewApp(ctx context.Context, outW io.Writer, cfg *Config, opts ...Option) (*App, error) {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)
	ctx = ctxlog.WithLogger(ctx, logger)
	logger.Debug("Logger configured successfully.")

	a := &App{
		outW:      outW,
		logger:    logger,
		config:    cfg,
		endpoints: make(map[string]transport.Endpoint),
		graph:     graph.New[dataset.Dataset](),
		datasets:  make(map[string]*localdataset.Dataset),
		dial: func(ctx context.Context, url string) (notify.Publisher, error) {
			return notify.Dial(ctx, url, notify.Options{})
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.transports == nil {
		a.transports = DefaultTransports()
	}

	pipeline, err := model.Load(ctx, cfg.PipelinePath, cfg.Vars)
	if err != nil {
		return nil, fmt.Errorf("failed to load pipeline: %w", err)
	}
	a.pipeline = pipeline
	if a.fanIn, err = lockstep.ParseFanIn(pipeline.Settings.FanIn); err != nil {
		return nil, err
	}

	if err := a.buildGraph(ctx); err != nil {
		a.closeEndpoints()
		return nil, err
	}
	a.dispatcher = lockstep.New(a.graph, lockstep.WithFanIn(a.fanIn))
	for _, d := range a.datasets {
		d.SetHook(a.dispatcher)
	}
	logger.Debug("Dataset graph built.", "datasets", a.graph.Len(), "edges", len(a.graph.Edges()), "fan_in", a.fanIn)
	return a, nil
}

func (a *App) buildGraph(ctx context.Context) error {
	store := statestore.NewFileStore(a.config.statePath())
	for _, def := range a.pipeline.Datasets {
		ep, err := a.endpoint(ctx, a.pipeline.ConnectionFor(def))
		if err != nil {
			return err
		}

		localDir := def.LocalDir
		if localDir == "" {
			localDir = filepath.Join(a.config.datasetPath(), def.Name)
		}
		extraFiles := make([]string, len(def.ExtraFiles))
		for i, f := range def.ExtraFiles {
			extraFiles[i] = relativeTo(def.FSInformation, f)
		}

		d, err := localdataset.Open(ctx, localdataset.Config{
			Name:         def.Name,
			Function:     def.Function,
			Entrypoint:   def.Entrypoint,
			Extra:        def.Extra,
			LocalDir:     localDir,
			RemoteDir:    def.RemoteDir,
			ExtraFiles:   extraFiles,
			Asynchronous: def.Asynchronous,
			AvoidNodes:   def.AvoidNodes,
			Endpoint:     ep,
			Store:        store,
		})
		if err != nil {
			return err
		}
		if err := a.graph.Add(d); err != nil {
			return err
		}
		a.datasets[def.Name] = d
	}

	for _, def := range a.pipeline.Datasets {
		for _, dep := range def.DependsOn {
			if err := a.graph.AddEdge(a.datasets[dep], a.datasets[def.Name]); err != nil {
				return fmt.Errorf("dataset '%s': %w", def.Name, err)
			}
		}
	}
	return nil
}

// endpoint opens the connection once and shares it between its datasets.
func (a *App) endpoint(ctx context.Context, c *model.Connection) (transport.Endpoint, error) {
	if ep, ok := a.endpoints[c.Name]; ok {
		return ep, nil
	}
	ep, err := a.transports.Open(ctx, transport.Settings{
		Name:         c.Name,
		Kind:         c.Kind,
		Host:         c.Host,
		User:         c.User,
		Port:         c.Port,
		IdentityFile: c.IdentityFile,
		KnownHosts:   c.KnownHosts,
		Root:         c.Root,
		Submitter:    c.Submitter,
		Shell:        c.Shell,
		Manifest:     c.Manifest,
	})
	if err != nil {
		return nil, err
	}
	a.endpoints[c.Name] = ep
	return ep, nil
}

func relativeTo(fs *model.FSInfo, p string) string {
	if filepath.IsAbs(p) || fs == nil || fs.FilePath == "" {
		return p
	}
	return filepath.Join(filepath.Dir(fs.FilePath), p)
}

// Close releases every endpoint and the publisher, if one was opened.
func (a *App) Close() error {
	errs := a.closeEndpoints()
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publisher: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (a *App) closeEndpoints() []error {
	var errs []error
	for name, ep := range a.endpoints {
		if err := ep.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection '%s': %w", name, err))
		}
	}
	return errs
}

// Graph returns the application's dataset graph. This is primarily for testing.
func (a *App) Graph() *graph.Registry[dataset.Dataset] {
	return a.graph
}

// Pipeline returns the loaded pipeline definition.
func (a *App) Pipeline() *model.Pipeline {
	return a.pipeline
}
