// Package kit holds the transport-agnostic request plumbing: endpoints,
// middleware chaining, request-scoped context values and the MCP adapter.
package kit

import "context"

// Endpoint is the unit every transport adapts to: one request in, one
// response or error out.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint with cross-cutting behavior.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares left to right: the first argument is the
// outermost wrapper.
func Chain(outer Middleware, others ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(others) - 1; i >= 0; i-- {
			next = others[i](next)
		}
		return outer(next)
	}
}
