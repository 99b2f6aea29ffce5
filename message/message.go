// Package message defines the tagged-union call/return/discard messages
// that flow through the sink chain (spec.md §3), plus the property bag
// known contexts (spec.md §9's "replace the dynamic string->value map
// with an enumerated set of known contexts plus a generic overflow map").
package message

import "time"

// PropertyKey names a well-known property on a MethodCall. Overflow
// (transport headers not listed here) lives in MethodCall.Headers.
type PropertyKey string

const (
	// Deadline is the absolute wall-clock time by which the call must
	// complete. Value type: time.Time.
	Deadline PropertyKey = "Deadline"

	// DeadlineEvent is a single-set signal cancelled on reply. Value
	// type: chan struct{} (closed exactly once).
	DeadlineEvent PropertyKey = "Deadline.Event"

	// Tag is the per-connection integer correlating a call to its reply
	// on a multiplexed transport. Value type: int32.
	Tag PropertyKey = "Tag"

	// ClientID is the client identifier stamped by the Client-ID
	// Interceptor sink. Value type: string.
	ClientID PropertyKey = "ClientId"
)

// MethodCall is an immutable view of an outgoing invocation.
//
// "Immutable" means sinks never mutate args/kwargs/Properties shared with
// the caller; a sink that needs to add or change a property calls
// WithProperty, which returns a shallow copy.
type MethodCall struct {
	Service string
	Method  string
	Args    []any
	Kwargs  map[string]any

	// Properties holds well-known PropertyKey entries (Deadline, Tag,
	// ClientID, ...).
	Properties map[PropertyKey]any

	// Headers is the generic string-keyed overflow map for arbitrary
	// transport headers that aren't one of the recognized properties.
	Headers map[string]string
}

// NewMethodCall constructs a MethodCall with empty Properties/Headers maps
// ready for WithProperty/WithHeader.
func NewMethodCall(service, method string, args []any, kwargs map[string]any) *MethodCall {
	return &MethodCall{
		Service:    service,
		Method:     method,
		Args:       args,
		Kwargs:     kwargs,
		Properties: make(map[PropertyKey]any),
		Headers:    make(map[string]string),
	}
}

// WithProperty returns a shallow copy of the call with key set to value.
func (c *MethodCall) WithProperty(key PropertyKey, value any) *MethodCall {
	cp := *c
	cp.Properties = make(map[PropertyKey]any, len(c.Properties)+1)
	for k, v := range c.Properties {
		cp.Properties[k] = v
	}
	cp.Properties[key] = value
	return &cp
}

// WithHeader returns a shallow copy of the call with the given header set.
func (c *MethodCall) WithHeader(key, value string) *MethodCall {
	cp := *c
	cp.Headers = make(map[string]string, len(c.Headers)+1)
	for k, v := range c.Headers {
		cp.Headers[k] = v
	}
	cp.Headers[key] = value
	return &cp
}

// Property fetches a well-known property, reporting whether it was set.
func (c *MethodCall) Property(key PropertyKey) (any, bool) {
	v, ok := c.Properties[key]
	return v, ok
}

// DeadlineAt returns the call's Deadline property, or the zero Time if unset.
func (c *MethodCall) DeadlineAt() time.Time {
	if v, ok := c.Properties[Deadline]; ok {
		if t, ok := v.(time.Time); ok {
			return t
		}
	}
	return time.Time{}
}

// TagValue returns the call's Tag property, or 0 (one-way) if unset.
func (c *MethodCall) TagValue() int32 {
	if v, ok := c.Properties[Tag]; ok {
		if t, ok := v.(int32); ok {
			return t
		}
	}
	return 0
}

// MethodReturn is either a success value or an error - never both
// (spec.md §3: "return_value = v or error = E (mutually exclusive)").
type MethodReturn struct {
	Value any
	Err   error

	// RemoteTrace optionally carries a server-side stack string for
	// diagnostic wrapping by the Dispatcher.
	RemoteTrace string
}

// OK constructs a successful MethodReturn.
func OK(value any) *MethodReturn { return &MethodReturn{Value: value} }

// Errorf constructs a failed MethodReturn.
func Errorf(err error) *MethodReturn { return &MethodReturn{Err: err} }

// IsError reports whether the return represents a failure.
func (r *MethodReturn) IsError() bool { return r != nil && r.Err != nil }

// MethodDiscard references the tag (or message) to be cancelled, plus a
// reason. Only meaningful on tag-multiplexed transports (spec.md §3).
type MethodDiscard struct {
	Tag    int32
	Reason string
}
