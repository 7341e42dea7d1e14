// CLAUDE:SUMMARY In-process service router — named byte handlers, middleware chain, dispatch by service name.
// Package connectivity dispatches named service calls to in-process
// handlers: bytes in, bytes out. Services register their operations with
// RegisterLocal and callers use Call without knowing which package serves
// them.
//
//	router := connectivity.New()
//	users.RegisterConnectivity(router)
//	resp, err := router.Call(ctx, "users_find", payload)
package connectivity

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Handler is a service function: JSON payload in, JSON payload out.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// HandlerMiddleware wraps a Handler.
type HandlerMiddleware func(Handler) Handler

// Router maps service names to handlers. Safe for concurrent use.
type Router struct {
	mu          sync.RWMutex
	handlers    map[string]Handler
	middlewares []HandlerMiddleware
	logger      *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithMiddleware wraps every handler registered after construction.
// The first middleware is the outermost.
func WithMiddleware(mws ...HandlerMiddleware) Option {
	return func(r *Router) { r.middlewares = append(r.middlewares, mws...) }
}

// New creates an empty Router.
func New(opts ...Option) *Router {
	r := &Router{
		handlers: make(map[string]Handler),
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RegisterLocal registers h under service, replacing any previous handler.
func (r *Router) RegisterLocal(service string, h Handler) {
	for i := len(r.middlewares) - 1; i >= 0; i-- {
		h = r.middlewares[i](h)
	}
	r.mu.Lock()
	r.handlers[service] = h
	r.mu.Unlock()
}

// Call dispatches payload to the handler registered for service.
func (r *Router) Call(ctx context.Context, service string, payload []byte) ([]byte, error) {
	r.mu.RLock()
	h := r.handlers[service]
	r.mu.RUnlock()

	if h == nil {
		return nil, &ErrServiceNotFound{Service: service}
	}
	r.logger.DebugContext(ctx, "connectivity: dispatch", "service", service, "bytes", len(payload))
	return h(ctx, payload)
}

// Services lists the registered service names in sorted order.
func (r *Router) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
