package config

import (
	"fmt"
	"net/url"
	"sync"

	"streamkit/internal/domain"
	"streamkit/internal/endpoint"
)

// Gateway is the immutable client configuration for one AI-processing
// gateway: normalized base URL, optional default pipeline and ICE servers.
// It may be shared read-only across sessions; the only mutation after
// construction is recording the latest session descriptor.
type Gateway struct {
	resolver        *endpoint.Resolver
	defaultPipeline string
	iceServers      []domain.ICEServer

	mu         sync.Mutex
	descriptor *domain.SessionDescriptor
}

// Option customizes a Gateway at construction.
type Option func(*options)

type options struct {
	pipeline   string
	iceServers []domain.ICEServer
	overrides  endpoint.Overrides
}

// WithDefaultPipeline sets the processing pipeline used when a call does
// not name one.
func WithDefaultPipeline(name string) Option {
	return func(o *options) { o.pipeline = name }
}

// WithICEServers replaces the default ICE server list.
func WithICEServers(servers []domain.ICEServer) Option {
	return func(o *options) { o.iceServers = servers }
}

// WithEndpointOverrides replaces the default endpoint paths.
func WithEndpointOverrides(ov endpoint.Overrides) Option {
	return func(o *options) { o.overrides = ov }
}

// NewGateway validates and normalizes the gateway base URL once, then
// builds the shared configuration.
func NewGateway(baseURL string, opts ...Option) (*Gateway, error) {
	if baseURL == "" {
		return nil, domain.NewError(domain.KindConfig, "gateway base URL is required")
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, domain.NewError(domain.KindConfig, fmt.Sprintf("invalid gateway base URL %q", baseURL))
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if len(o.iceServers) == 0 {
		o.iceServers = []domain.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}

	return &Gateway{
		resolver:        endpoint.NewResolver(baseURL, o.overrides),
		defaultPipeline: o.pipeline,
		iceServers:      o.iceServers,
	}, nil
}

// Resolver returns the endpoint resolver bound to this gateway.
func (g *Gateway) Resolver() *endpoint.Resolver {
	return g.resolver
}

// DefaultPipeline returns the configured default pipeline name, or "".
func (g *Gateway) DefaultPipeline() string {
	return g.defaultPipeline
}

// ICEServers returns the configured ICE server list.
func (g *Gateway) ICEServers() []domain.ICEServer {
	return g.iceServers
}

// SetDescriptor records the latest session descriptor. Pass nil to clear.
func (g *Gateway) SetDescriptor(d *domain.SessionDescriptor) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.descriptor = d
}

// Descriptor returns the latest recorded session descriptor, or nil.
func (g *Gateway) Descriptor() *domain.SessionDescriptor {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.descriptor
}
