package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/roach88/collab/internal/awareness"
	"github.com/roach88/collab/internal/config"
	"github.com/roach88/collab/internal/crdt"
	"github.com/roach88/collab/internal/engine"
	"github.com/roach88/collab/internal/transport"
)

// JoinOptions holds flags for the join command.
type JoinOptions struct {
	*RootOptions
	Room      string
	ReplicaID string
	User      string
	Redis     string
	Mesh      bool
	WebRTC    bool
}

// DocumentView is the join command's output line in JSON mode.
type DocumentView struct {
	Origin string           `json:"origin"`
	Text   string           `json:"text"`
	Vector crdt.StateVector `json:"vector"`
}

// NewJoinCommand creates the join command.
func NewJoinCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &JoinOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "join [relay-url...]",
		Short: "Join a room as a headless peer",
		Long: `Join a room and keep a local replica of its document.

Each line read from stdin is appended to the document. The document is
printed whenever it changes. Relays are dialed with exponential backoff
and redialed when the connection drops; edits made while offline merge
on reconnect. With --webrtc the relay connection is a WebRTC data channel
negotiated over the room's /webrtc endpoint.

A relay URL may name the server ("ws://host:8080") or the room endpoint
("ws://host:8080/rooms/notes"). Without arguments the relay_urls of the
config file are used.

Examples:
  collab join ws://localhost:8080 --room notes
  collab join --config peer.yaml --user ana
  collab join --redis localhost:6379 --room notes --mesh
  collab join ws://localhost:8080 --room notes --webrtc`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJoin(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Room, "room", "", "room to join (overrides room)")
	cmd.Flags().StringVar(&opts.ReplicaID, "replica", "", "fixed replica ID (overrides replica_id)")
	cmd.Flags().StringVar(&opts.User, "user", "", "user name announced in presence")
	cmd.Flags().StringVar(&opts.Redis, "redis", "", "redis relay address (overrides redis_addr)")
	cmd.Flags().BoolVar(&opts.Mesh, "mesh", false, "discover LAN peers of the room over mDNS")
	cmd.Flags().BoolVar(&opts.WebRTC, "webrtc", false, "reach relays over a WebRTC data channel (overrides webrtc)")

	return cmd
}

func (o *JoinOptions) config(relays []string) (config.Config, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return cfg, err
	}
	if o.Room != "" {
		cfg.Room = o.Room
	}
	if o.ReplicaID != "" {
		cfg.ReplicaID = o.ReplicaID
	}
	if o.Redis != "" {
		cfg.RedisAddr = o.Redis
	}
	if o.Mesh {
		cfg.MeshDiscovery = true
	}
	if o.WebRTC {
		cfg.WebRTC = true
	}
	if len(relays) > 0 {
		cfg.RelayURLs = relays
	}
	if err := cfg.Validate(); err != nil {
		return cfg, WrapExitError(ExitCommandError, "invalid config", err)
	}
	if len(cfg.RelayURLs) == 0 && cfg.RedisAddr == "" && !cfg.MeshDiscovery {
		return cfg, NewExitError(ExitCommandError, "nothing to join: give a relay URL, --redis or --mesh")
	}
	return cfg, nil
}

// roomURL points url at the room endpoint unless it already names one.
func roomURL(url, room string) string {
	if strings.Contains(url, "/rooms/") {
		return url
	}
	return strings.TrimSuffix(url, "/") + "/rooms/" + room
}

// peer is one running join session.
type peer struct {
	cfg    config.Config
	eng    *engine.Engine
	logger *slog.Logger

	wg sync.WaitGroup

	mu     sync.Mutex
	dialed map[string]bool
}

func runJoin(opts *JoinOptions, args []string, cmd *cobra.Command) error {
	cfg, err := opts.config(args)
	if err != nil {
		return err
	}
	logger := opts.newLogger(cmd.ErrOrStderr()).With("room", cfg.Room)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	replica := cfg.Replica(engine.UUIDv7Generator{})
	doc := crdt.New(replica, append(cfg.StoreOptions(), crdt.WithLogger(logger))...)
	m := transport.NewMux(append(cfg.MuxOptions(), transport.WithMuxLogger(logger))...)
	p := &peer{
		cfg:    cfg,
		eng:    engine.New(doc, m, append(cfg.EngineOptions(cfg.Room), engine.WithLogger(logger))...),
		logger: logger,
		dialed: make(map[string]bool),
	}
	logger.Info("joining", "replica", string(replica))

	runErr := make(chan error, 1)
	go func() { runErr <- p.eng.Run(ctx) }()

	if opts.User != "" {
		if _, err := p.eng.Awareness().SetLocal(awareness.Presence{User: opts.User}); err != nil {
			return WrapExitError(ExitCommandError, "invalid presence", err)
		}
	}

	for _, url := range cfg.RelayURLs {
		url := roomURL(url, cfg.Room)
		p.redial(ctx, url, p.relayDialer(url))
	}
	if cfg.RedisAddr != "" {
		p.redial(ctx, "redis://"+cfg.RedisAddr, func(ctx context.Context) (transport.Channel, error) {
			return transport.DialRedis(ctx, cfg.RedisAddr, cfg.Room)
		})
	}
	if cfg.MeshDiscovery {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			err := transport.Discover(ctx, cfg.Room, string(replica), func(found transport.MeshPeer) {
				url := found.URL()
				p.redial(ctx, url, func(ctx context.Context) (transport.Channel, error) {
					return transport.DialWebSocket(ctx, url, transport.KindMesh, nil)
				})
			}, logger)
			if err != nil {
				logger.Warn("mesh discovery stopped", "error", err)
			}
		}()
	}

	err = p.edit(ctx, cmd.InOrStdin(), newFormatter(opts.RootOptions, cmd))

	cancel()
	p.wg.Wait()
	if rerr := <-runErr; rerr != nil && !errors.Is(rerr, context.Canceled) && err == nil {
		err = rerr
	}
	if cerr := m.Close(); cerr != nil {
		logger.Debug("close connections", "error", cerr)
	}
	return err
}

// relayDialer dials the room at url over a websocket, or over WebRTC when
// configured.
func (p *peer) relayDialer(url string) transport.Dialer {
	if p.cfg.WebRTC {
		pc := p.cfg.PeerConfig(transport.KindRelay)
		return func(ctx context.Context) (transport.Channel, error) {
			return transport.DialWebRTC(ctx, url, pc)
		}
	}
	return func(ctx context.Context) (transport.Channel, error) {
		return transport.DialWebSocket(ctx, url, transport.KindRelay, nil)
	}
}

// redial keeps a connection to target, once per target.
func (p *peer) redial(ctx context.Context, target string, dial transport.Dialer) {
	p.mu.Lock()
	if p.dialed[target] {
		p.mu.Unlock()
		return
	}
	p.dialed[target] = true
	p.mu.Unlock()

	logger := p.logger.With("target", target)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		err := transport.Redial(ctx, p.eng.Mux(), dial, transport.RedialConfig{
			Logger: logger,
			OnConnect: func(conn *transport.Conn) {
				if err := p.eng.AttachConn(conn); err != nil {
					logger.Warn("attach failed", "conn", uint64(conn.ID()), "error", err)
					_ = conn.Close()
				}
			},
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("redial stopped", "error", err)
		}
	}()
}

// edit appends stdin lines to the document and prints every change until
// ctx ends. End of input stops editing but keeps the replica online.
func (p *peer) edit(ctx context.Context, in io.Reader, out *OutputFormatter) error {
	doc := p.eng.Doc()
	sub := doc.Subscribe(64)
	defer sub.Close()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			p.logger.Warn("read input", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if _, err := p.eng.Apply(crdt.Insert{Pos: doc.Len(), Text: line + "\n"}); err != nil {
				p.logger.Warn("edit rejected", "error", err)
			}

		case change, ok := <-sub.C:
			if !ok {
				return nil
			}
			if err := printDocument(out, change.Origin, doc); err != nil {
				return err
			}
		}
	}
}

func printDocument(out *OutputFormatter, origin crdt.Origin, doc *crdt.Store) error {
	if out.Format == "json" {
		return json.NewEncoder(out.Writer).Encode(DocumentView{
			Origin: origin.String(),
			Text:   doc.Snapshot(),
			Vector: doc.StateVector(),
		})
	}
	_, err := fmt.Fprintf(out.Writer, "--- %s %s\n%s", origin, doc.StateVector(), doc.Snapshot())
	return err
}
