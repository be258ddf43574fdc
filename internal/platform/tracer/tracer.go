// Package tracer is a small tracing abstraction shared by the onboarding
// and binding services.
//
// The services program against the Tracer interface rather than the
// OpenTelemetry API directly, so tests run against the noop implementation
// with zero overhead and production wires the OTel adapter.
//
// Spans never carry raw nonces or external references. Organization ids
// are attached as short hashes so traces can be correlated without
// exposing the identifier space.
package tracer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Span represents an active trace span.
type Span interface {
	// End completes the span, recording any error that occurred. If err is
	// non-nil the span is marked failed. End must be called exactly once,
	// typically via defer.
	End(err error)

	// SetAttributes adds key-value pairs to the span.
	SetAttributes(attrs ...Attribute)

	// AddEvent records a timestamped event within the span.
	AddEvent(name string, attrs ...Attribute)
}

// Tracer creates spans. Implementations must be safe for concurrent use.
type Tracer interface {
	// Start creates a new span with the given name and attributes. The
	// returned context carries the span and should be passed to child
	// operations.
	Start(ctx context.Context, name string, attrs ...Attribute) (context.Context, Span)
}

// Attribute is a key-value pair attached to spans.
type Attribute struct {
	Key   string
	Value any
}

// String creates a string attribute.
func String(key, value string) Attribute {
	return Attribute{Key: key, Value: value}
}

// Bool creates a boolean attribute.
func Bool(key string, value bool) Attribute {
	return Attribute{Key: key, Value: value}
}

// Int64 creates an int64 attribute.
func Int64(key string, value int64) Attribute {
	return Attribute{Key: key, Value: value}
}

// Duration creates a duration attribute in milliseconds.
func Duration(key string, value time.Duration) Attribute {
	return Attribute{Key: key, Value: value.Milliseconds()}
}

// HashOrgID returns a short SHA-256 hash of the organization id, safe to
// attach to spans and logs.
func HashOrgID(orgID string) string {
	if orgID == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(orgID))
	return hex.EncodeToString(sum[:8])
}

// Span names.
const (
	SpanOnboard  = "verification.onboard"
	SpanVerify   = "verification.verifier_call"
	SpanBind     = "binding.bind"
	SpanRotate   = "binding.rotate"
	SpanRevoke   = "binding.revoke"
	SpanValidate = "binding.validate"
)

// Attribute keys.
const (
	AttrOrgHash = "org_hash"
	AttrMethod  = "verification_method"
	AttrValid   = "valid"
	AttrReason  = "reason"
	AttrAttempt = "attempt"
)
