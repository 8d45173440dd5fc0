// Copyright 2026 Canonical Ltd.
// Licensed under the LGPLv3, see LICENCE file for details.

package vsphereclient

import (
	"context"
	"net/url"

	"github.com/vmware/govmomi/vim25/types"
)

// Args holds the named arguments of one remote method invocation,
// keyed by the wire-level parameter name.
type Args map[string]interface{}

// Invoker issues single RPC round trips against a SOAP endpoint.
//
// A failed invocation must return exactly one of: a connection-kind
// error, an overload-kind error, an unknown-method-kind error, or an
// *Error carrying a non-empty server fault list. The resilience policy
// in Session is built entirely on that classification.
type Invoker interface {
	// Invoke calls the named method on the given managed object.
	// Implementations attach their own SOAP headers (operation id,
	// session cookie) to the request.
	Invoke(ctx context.Context, target types.ManagedObjectReference, method string, args Args) (interface{}, error)
}

type opIDKey struct{}

// withoutOpID marks ctx so that calls made with it are not tagged
// with a fresh operation ID. Repeated polls of one operation use this
// so server-side logs show one operation, not one per poll.
func withoutOpID(ctx context.Context) context.Context {
	return context.WithValue(ctx, opIDKey{}, true)
}

func opIDSkipped(ctx context.Context) bool {
	skip, _ := ctx.Value(opIDKey{}).(bool)
	return skip
}

// EndpointInvoker is an Invoker bound to a VIM endpoint. It
// additionally exposes the endpoint's service directory and the
// HTTP-level session cookie issued at login.
type EndpointInvoker interface {
	Invoker

	// ServiceContent returns the endpoint's service directory,
	// retrieving it on first use.
	ServiceContent(ctx context.Context) (types.ServiceContent, error)

	// SessionCookie returns the value of the endpoint's HTTP session
	// cookie, or empty if no session has been established.
	SessionCookie() string
}

// PolicyInvoker is an Invoker bound to the storage policy (PBM)
// endpoint. It speaks for the primary session's identity by carrying
// that session's authentication cookie on every call.
type PolicyInvoker interface {
	Invoker

	// SetSessionCookie installs the primary session's authentication
	// cookie. Called whenever the primary session is established or
	// refreshed.
	SetSessionCookie(cookie string)

	// UpdateEndpoint repoints the invoker at a new endpoint URL,
	// discarding any cached service state.
	UpdateEndpoint(u *url.URL) error

	// ProfileManager returns the endpoint's profile manager reference,
	// retrieving the policy service directory on first use.
	ProfileManager(ctx context.Context) (types.ManagedObjectReference, error)
}
