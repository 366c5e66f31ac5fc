// Package gateway wires the authorization cache, session registry, router,
// dispatcher and listener into one component and exposes the control-plane
// operations.
package gateway

import (
	"context"
	"net"

	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/authz"
	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/connection"
	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/dispatcher"
	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/fanout"
	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/logger"
	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/notify"
	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/protocol"
	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/router"
	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/server"
)

type Options struct {
	Server     server.Options
	Topics     protocol.Topics
	Policy     connection.Policy
	BindOn     router.BindOn
	Sentinel   string
	Workers    int
	Directory  authz.Directory
	Resolver   []authz.ResolverOption
	Pipeline   router.Pipeline
	Upstream   fanout.Upstream
	Notifier   notify.Notifier
	Terminator string
}

type Gateway struct {
	cache      *authz.Cache
	resolver   *authz.Resolver
	registry   *connection.Registry
	dispatcher *dispatcher.Dispatcher
	fanout     *fanout.Local
	router     *router.Router
	server     *server.Server
	notifier   notify.Notifier
}

func New(opts Options) *Gateway {
	g := &Gateway{notifier: opts.Notifier}
	if g.notifier == nil {
		g.notifier = notify.LogNotifier{}
	}
	if opts.Topics.Data == nil && opts.Topics.Message == nil && opts.Topics.GroupMessage == nil {
		opts.Topics = protocol.DefaultTopics()
	}
	responder := protocol.NewResponder(opts.Terminator)

	g.cache = authz.NewCache()
	resolverOpts := append([]authz.ResolverOption(nil), opts.Resolver...)
	if opts.Directory != nil {
		resolverOpts = append(resolverOpts, authz.WithDirectory(opts.Directory))
	}
	g.resolver = authz.NewResolver(g.cache, resolverOpts...)

	g.registry = connection.NewRegistry(opts.Policy, g.onUnbind)
	g.dispatcher = dispatcher.New(g.registry, g.notifier,
		dispatcher.WithTerminator(responder.Terminator()),
		dispatcher.WithSentinel(opts.Sentinel),
		dispatcher.WithWorkers(opts.Workers),
	)
	g.fanout = fanout.NewLocal(g.registry, g.dispatcher, opts.Upstream)
	g.router = router.New(router.Options{
		Codec:     protocol.NewCodec(opts.Topics),
		Responder: responder,
		Resolver:  g.resolver,
		Registry:  g.registry,
		Pipeline:  opts.Pipeline,
		Fanout:    g.fanout,
		Notifier:  g.notifier,
		BindOn:    opts.BindOn,
	})

	serverOpts := opts.Server
	serverOpts.Terminator = responder.Terminator()
	g.server = server.New(serverOpts, g.router, g.registry)
	return g
}

func (g *Gateway) onUnbind(deviceID string, _ *connection.Connection) {
	g.notifier.Disconnect(deviceID)
}

// Seed loads the startup snapshot into the authorization cache.
func (g *Gateway) Seed(records []authz.DeviceRecord) int {
	n := g.cache.Seed(records)
	logger.InfoF("Authorization cache seeded with %d devices", n)
	return n
}

// AddDevice authorizes record.ID. Records without an id are ignored.
func (g *Gateway) AddDevice(record authz.DeviceRecord) bool {
	if !g.resolver.Add(record) {
		return false
	}
	logger.InfoF("Device %s added", record.ID)
	return true
}

// RemoveDevice revokes id. A live session is not closed; its next message
// is refused.
func (g *Gateway) RemoveDevice(id string) bool {
	if !g.resolver.Remove(id) {
		return false
	}
	logger.InfoF("Device %s removed", id)
	return true
}

// Deliver sends payload to deviceID, or to every bound device when deviceID
// is dispatcher.Broadcast.
func (g *Gateway) Deliver(ctx context.Context, deviceID string, payload []byte, messageID string) dispatcher.Result {
	return g.Dispatch(ctx, dispatcher.Outbound{Target: deviceID, CorrelationID: messageID, Payload: payload})
}

func (g *Gateway) Dispatch(ctx context.Context, msg dispatcher.Outbound) dispatcher.Result {
	return g.dispatcher.Deliver(ctx, msg)
}

func (g *Gateway) Start() error {
	return g.server.Start()
}

// Shutdown stops accepting connections. Open sessions are left to close on
// their own.
func (g *Gateway) Shutdown() error {
	return g.server.Shutdown()
}

// Invoke lets the gateway be registered with the shutdown cleaner.
func (g *Gateway) Invoke(_ context.Context) error {
	if err := g.Shutdown(); err != nil {
		return err
	}
	g.fanout.Close()
	return nil
}

func (g *Gateway) Addr() net.Addr {
	return g.server.Addr()
}

func (g *Gateway) Cache() *authz.Cache {
	return g.cache
}

func (g *Gateway) Registry() *connection.Registry {
	return g.registry
}
