package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/roach88/collab/internal/config"
	"github.com/roach88/collab/internal/server"
	"github.com/roach88/collab/internal/tracelog"
	"github.com/roach88/collab/internal/transport"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen    string
	ReplicaID string
	TraceDB   string
}

// ServeInfo is printed once the server is listening.
type ServeInfo struct {
	Addr    string `json:"addr"`
	Replica string `json:"replica"`
	TraceDB string `json:"trace_db,omitempty"`
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a relay replica server",
		Long: `Run the relay server. Every room under /rooms/{room} is a full replica
that merges and rebroadcasts what its clients send, so a late joiner
catches up from the server even when the other clients are gone.

Endpoints:
  GET /rooms/{room}   websocket upgrade
  GET /rooms          open rooms as JSON
  GET /metrics        Prometheus metrics
  GET /healthz        liveness

Flags override the config file.

Examples:
  collab serve --listen :8080
  collab serve --config collab.yaml --trace-db trace.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "HTTP listen address (overrides listen_addr)")
	cmd.Flags().StringVar(&opts.ReplicaID, "replica", "", "fixed replica ID (overrides replica_id)")
	cmd.Flags().StringVar(&opts.TraceDB, "trace-db", "", "record wire traffic to this SQLite file (overrides trace_db)")

	return cmd
}

func (o *ServeOptions) config() (config.Config, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return cfg, err
	}
	if o.Listen != "" {
		cfg.ListenAddr = o.Listen
	}
	if o.ReplicaID != "" {
		cfg.ReplicaID = o.ReplicaID
	}
	if o.TraceDB != "" {
		cfg.TraceDB = o.TraceDB
	}
	if err := cfg.Validate(); err != nil {
		return cfg, WrapExitError(ExitCommandError, "invalid config", err)
	}
	return cfg, nil
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := opts.config()
	if err != nil {
		return err
	}
	logger := opts.newLogger(cmd.ErrOrStderr())

	var srv *server.Server
	app := fx.New(
		serveModule(cfg, logger),
		fx.Populate(&srv),
	)
	if err := app.Err(); err != nil {
		return WrapExitError(ExitCommandError, "failed to assemble server", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	startCtx, cancel := context.WithTimeout(ctx, app.StartTimeout())
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return WrapExitError(ExitCommandError, "failed to start server", err)
	}

	info := ServeInfo{Addr: srv.Addr(), Replica: string(srv.Replica()), TraceDB: cfg.TraceDB}
	if err := newFormatter(opts.RootOptions, cmd).Result(info, func(w io.Writer) {
		fmt.Fprintf(w, "collab serving on %s (replica %s)\n", info.Addr, info.Replica)
	}); err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	stopCtx, cancelStop := context.WithTimeout(context.Background(), app.StopTimeout())
	defer cancelStop()
	if err := app.Stop(stopCtx); err != nil {
		return fmt.Errorf("stop server: %w", err)
	}
	return nil
}

// serveModule wires the server, its metrics registry and the optional
// trace database. Hooks stop in reverse order, so the server drains before
// the database closes.
func serveModule(cfg config.Config, logger *slog.Logger) fx.Option {
	return fx.Options(
		fx.Supply(cfg, logger),
		fx.WithLogger(func(l *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: l.With("component", "fx")}
		}),
		fx.Module("serve",
			fx.Provide(
				newRegistry,
				newTraceLog,
				newServer,
			),
			fx.Invoke(registerServer, advertiseRoom),
		),
	)
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// newTraceLog opens trace_db, or provides nil when tracing is off.
func newTraceLog(lc fx.Lifecycle, cfg config.Config, logger *slog.Logger) (server.TraceLog, error) {
	if cfg.TraceDB == "" {
		return nil, nil
	}
	log, err := tracelog.Open(cfg.TraceDB)
	if err != nil {
		return nil, err
	}
	logger.Info("recording wire trace", "path", cfg.TraceDB)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return log.Close() },
	})
	return log, nil
}

func newServer(cfg config.Config, logger *slog.Logger, reg *prometheus.Registry, trace server.TraceLog) (*server.Server, error) {
	opts := []server.Option{
		server.WithLogger(logger),
		server.WithRegistry(reg),
	}
	if trace != nil {
		opts = append(opts, server.WithTraceLog(trace))
	}
	return server.New(cfg, opts...)
}

func registerServer(lc fx.Lifecycle, srv *server.Server) {
	lc.Append(fx.Hook{
		OnStart: srv.Start,
		OnStop:  srv.Stop,
	})
}

// advertiseRoom announces the configured room over mDNS when mesh
// discovery is on, so "collab join" peers on the LAN find the server.
func advertiseRoom(lc fx.Lifecycle, cfg config.Config, srv *server.Server, logger *slog.Logger) {
	if !cfg.MeshDiscovery {
		return
	}
	var withdraw func()
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			_, portStr, err := net.SplitHostPort(srv.Addr())
			if err != nil {
				return fmt.Errorf("advertise: %w", err)
			}
			port, err := strconv.Atoi(portStr)
			if err != nil {
				return fmt.Errorf("advertise: port %q: %w", portStr, err)
			}
			withdraw, err = transport.Advertise(string(srv.Replica()), cfg.Room, port)
			if err != nil {
				return err
			}
			logger.Info("room advertised", "room", cfg.Room, "port", port)
			return nil
		},
		OnStop: func(context.Context) error {
			if withdraw != nil {
				withdraw()
			}
			return nil
		},
	})
}
