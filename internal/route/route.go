// Package route implements the route-script invocation protocol: the
// Decider interface a route script must implement, the optional rewrite
// and error-handling capability interfaces it may implement, and the
// Adapter that probes for those capabilities once at load time and
// memoizes the result for the connection layer to consult.
package route

import (
	"fmt"

	"github.com/tproxy/tproxy/internal/pipe"
)

// Decider is the one required entry point: inspect the bytes received so
// far and decide what to do.
type Decider interface {
	Decide(data []byte) (Decision, error)
}

// RequestRewriter is implemented by route scripts that want to see the
// request-side stream as a pipe instead of a plain forward.
type RequestRewriter interface {
	RewriteRequest(p *pipe.Pipe) error
}

// RequestRewriterExtra is the two-argument arity variant of
// RequestRewriter: the route script also receives the Extra value carried
// by the Forward decision.
type RequestRewriterExtra interface {
	RewriteRequest(p *pipe.Pipe, extra any) error
}

// ResponseRewriter is implemented by route scripts that want to see the
// response-side stream as a pipe instead of a plain relay.
type ResponseRewriter interface {
	RewriteResponse(p *pipe.Pipe) error
}

// ResponseRewriterExtra is the two-argument arity variant of
// ResponseRewriter.
type ResponseRewriterExtra interface {
	RewriteResponse(p *pipe.Pipe, extra any) error
}

// ErrorHandler is implemented by route scripts that want to observe
// connection failures that occurred before relaying started.
type ErrorHandler interface {
	ProxyError(connID string, err error)
}

// Adapter wraps a loaded route script and exposes the three capability
// flags and arities the connection layer consults on every connection,
// without ever touching the underlying script again — the Go rendering of
// "detected by name... memoizes three booleans" from spec §4.3.
type Adapter struct {
	script Decider

	hasRewriteRequest       bool
	requestRewriteHasExtra  bool
	hasRewriteResponse      bool
	responseRewriteHasExtra bool
	hasProxyError           bool
}

// Load probes script for its optional capabilities and returns an Adapter.
// script must implement Decider; Load returns an error otherwise.
func Load(script any) (*Adapter, error) {
	decider, ok := script.(Decider)
	if !ok {
		return nil, fmt.Errorf("route: script %T does not implement Decide(data []byte) (Decision, error)", script)
	}

	a := &Adapter{script: decider}

	if _, ok := script.(RequestRewriterExtra); ok {
		a.hasRewriteRequest = true
		a.requestRewriteHasExtra = true
	} else if _, ok := script.(RequestRewriter); ok {
		a.hasRewriteRequest = true
	}

	if _, ok := script.(ResponseRewriterExtra); ok {
		a.hasRewriteResponse = true
		a.responseRewriteHasExtra = true
	} else if _, ok := script.(ResponseRewriter); ok {
		a.hasRewriteResponse = true
	}

	if _, ok := script.(ErrorHandler); ok {
		a.hasProxyError = true
	}

	return a, nil
}

// Decide calls the script's Decide function.
func (a *Adapter) Decide(data []byte) (Decision, error) {
	return a.script.Decide(data)
}

// HasRewriteRequest reports whether the script implements a request-side
// rewrite hook.
func (a *Adapter) HasRewriteRequest() bool { return a.hasRewriteRequest }

// HasRewriteResponse reports whether the script implements a
// response-side rewrite hook.
func (a *Adapter) HasRewriteResponse() bool { return a.hasRewriteResponse }

// HasProxyError reports whether the script wants to observe connection
// failures.
func (a *Adapter) HasProxyError() bool { return a.hasProxyError }

// RewriteRequest invokes the request-side rewrite hook, dispatching on the
// arity recorded at load time.
func (a *Adapter) RewriteRequest(p *pipe.Pipe, extra any) error {
	if a.requestRewriteHasExtra {
		return a.script.(RequestRewriterExtra).RewriteRequest(p, extra)
	}
	return a.script.(RequestRewriter).RewriteRequest(p)
}

// RewriteResponse invokes the response-side rewrite hook, dispatching on
// the arity recorded at load time.
func (a *Adapter) RewriteResponse(p *pipe.Pipe, extra any) error {
	if a.responseRewriteHasExtra {
		return a.script.(ResponseRewriterExtra).RewriteResponse(p, extra)
	}
	return a.script.(ResponseRewriter).RewriteResponse(p)
}

// ProxyError invokes the script's error hook, if present.
func (a *Adapter) ProxyError(connID string, err error) {
	if a.hasProxyError {
		a.script.(ErrorHandler).ProxyError(connID, err)
	}
}
