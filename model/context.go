package model

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// RequestContext identifies the actor behind a command. It is immutable after
// construction and travels with the command into its handler task, so
// gateway calls run on behalf of the same actor.
type RequestContext struct {
	SubjectID string
	Email     string
	TenantID  string
	Roles     []string
	Claims    map[string]any
	RequestID string
	TraceID   string
	// Token is the caller's bearer token, forwarded on backend calls.
	Token string
}

// Validate checks that all mandatory fields are present.
func (rc *RequestContext) Validate() error {
	var errs []error
	if rc.SubjectID == "" {
		errs = append(errs, fmt.Errorf("SubjectID is required"))
	}
	if rc.TenantID == "" {
		errs = append(errs, fmt.Errorf("TenantID is required"))
	}
	return errors.Join(errs...)
}

// HasRole returns true if the actor holds the given role.
func (rc *RequestContext) HasRole(role string) bool {
	return slices.Contains(rc.Roles, role)
}

// Claim returns the value of the given claim key, or nil if not present.
func (rc *RequestContext) Claim(key string) any {
	if rc.Claims == nil {
		return nil
	}
	return rc.Claims[key]
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns nil
// if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}

// AnonymousSubject is the subject used when no identity is configured.
const AnonymousSubject = "anonymous"

// SubjectFrom returns the subject id in ctx, or AnonymousSubject.
func SubjectFrom(ctx context.Context) string {
	if rctx := RequestContextFrom(ctx); rctx != nil && rctx.SubjectID != "" {
		return rctx.SubjectID
	}
	return AnonymousSubject
}
