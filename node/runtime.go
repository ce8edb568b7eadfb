package node

// runtime.go - builds every collaborator of a node from a Config and owns
// their lifetimes.

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/olserra/meshclaw/bridge"
	"github.com/olserra/meshclaw/core"
	"github.com/olserra/meshclaw/inference"
	"github.com/olserra/meshclaw/memory"
	"github.com/olserra/meshclaw/p2p"
	"github.com/olserra/meshclaw/radio"
	"github.com/olserra/meshclaw/vectorstore"
)

// Option adjusts how Build assembles a Runtime.
type Option func(*buildOptions)

type buildOptions struct {
	provider Provider
	hostCfg  *p2p.Config
	radios   bool
}

// WithProvider replaces the HTTP compute provider.
func WithProvider(p Provider) Option {
	return func(o *buildOptions) { o.provider = p }
}

// WithHostConfig replaces the networking settings derived from Config.
func WithHostConfig(cfg p2p.Config) Option {
	return func(o *buildOptions) { o.hostCfg = &cfg }
}

// WithoutRadios skips the radio placeholders.
func WithoutRadios() Option {
	return func(o *buildOptions) { o.radios = false }
}

// Runtime is a fully wired node.
type Runtime struct {
	cfg      Config
	opts     buildOptions
	identity *core.NodeIdentity
	host     *p2p.MeshHost
	store    *memory.Store
	vectors  *vectorstore.Index
	journal  *core.Journal
	peers    *core.PeerSet
	bridge   *bridge.Server
	listener net.Listener
	node     *Node
}

// Build creates the identity, storage, networking and gateway of a node.
// Any failure here is fatal to the process; partially built parts are
// released before returning.
func Build(ctx context.Context, cfg Config, opts ...Option) (_ *Runtime, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions{radios: true}
	for _, opt := range opts {
		opt(&o)
	}
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("node: state dir: %w", err)
	}

	rt := &Runtime{cfg: cfg, opts: o, peers: core.NewPeerSet()}
	defer func() {
		if err != nil {
			if cerr := rt.Close(); cerr != nil {
				log.Warnf("releasing partial node: %v", cerr)
			}
		}
	}()

	if cfg.EphemeralKey {
		rt.identity, err = core.NewIdentity()
	} else {
		rt.identity, err = core.LoadOrCreateIdentity(cfg.KeyPath())
	}
	if err != nil {
		return nil, fmt.Errorf("node: identity: %w", err)
	}
	log.Infof("local peer id: %s", rt.identity)

	if rt.journal, err = core.OpenJournal(cfg.JournalPath()); err != nil {
		return nil, fmt.Errorf("node: journal: %w", err)
	}
	if rt.store, err = memory.Open(cfg.MemoryPath()); err != nil {
		return nil, fmt.Errorf("node: memory: %w", err)
	}
	if rt.vectors, err = vectorstore.Open(cfg.VectorPath()); err != nil {
		return nil, fmt.Errorf("node: vector store: %w", err)
	}

	hostCfg := p2p.DefaultConfig()
	if len(cfg.ListenAddrs) > 0 {
		hostCfg.ListenAddrs = cfg.ListenAddrs
	}
	if o.hostCfg != nil {
		hostCfg = *o.hostCfg
	}
	if rt.host, err = p2p.NewHost(ctx, hostCfg, rt.identity); err != nil {
		return nil, fmt.Errorf("node: transport: %w", err)
	}

	if rt.listener, err = net.Listen("tcp", cfg.BridgeAddr()); err != nil {
		return nil, fmt.Errorf("node: bridge listen: %w", err)
	}
	inbound := make(chan *core.ProtocolMessage, 64)
	rt.bridge, err = bridge.NewServer(bridge.Config{
		Self:    rt.identity.String(),
		Memory:  rt.store,
		Peers:   rt.peers,
		Inbound: inbound,
	})
	if err != nil {
		return nil, fmt.Errorf("node: bridge: %w", err)
	}

	provider := o.provider
	if provider == nil {
		provider = inference.NewClient(cfg.InferenceURL, inference.WithModel(cfg.InferenceModel))
	}

	rt.node = New(cfg, Deps{
		Self:      rt.identity.String(),
		Events:    rt.host.Events(),
		Inbound:   inbound,
		Dialer:    rt.host,
		Gossip:    rt.host.Gossip(),
		Directory: rt.host.Directory(),
		Memory:    rt.store,
		Vectors:   rt.vectors,
		Provider:  provider,
		Notifier:  rt.bridge.Hub(),
		Peers:     rt.peers,
		Journal:   rt.journal,
	})
	return rt, nil
}

// Run starts networking, the gateway and the radios, then dispatches events
// until ctx is cancelled.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.host.Start(); err != nil {
		return fmt.Errorf("node: start transport: %w", err)
	}
	go func() {
		if err := r.bridge.Serve(r.listener); err != nil {
			log.Errorf("bridge: %v", err)
		}
	}()
	if r.opts.radios {
		go radio.StartLoRa(ctx)
		go radio.StartBLE(ctx)
	}
	return r.node.Run(ctx)
}

// Close releases everything Build acquired. It is safe on a partial Runtime.
func (r *Runtime) Close() error {
	var errs []error
	if r.bridge != nil {
		errs = append(errs, r.bridge.Close())
	}
	if r.listener != nil {
		if err := r.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if r.host != nil {
		errs = append(errs, r.host.Close())
	}
	if r.vectors != nil {
		errs = append(errs, r.vectors.Close())
	}
	if r.store != nil {
		errs = append(errs, r.store.Close())
	}
	if r.journal != nil {
		errs = append(errs, r.journal.Close())
	}
	return errors.Join(errs...)
}

// ID is the node's peer id.
func (r *Runtime) ID() string { return r.identity.String() }

// Host exposes the networking layer.
func (r *Runtime) Host() *p2p.MeshHost { return r.host }

// Memory exposes the shared document.
func (r *Runtime) Memory() *memory.Store { return r.store }

// Hub exposes the gateway push hub.
func (r *Runtime) Hub() *bridge.Hub { return r.bridge.Hub() }

// Node exposes the event dispatcher.
func (r *Runtime) Node() *Node { return r.node }

// BridgeAddr is the address the gateway websocket actually listens on.
func (r *Runtime) BridgeAddr() string { return r.listener.Addr().String() }
