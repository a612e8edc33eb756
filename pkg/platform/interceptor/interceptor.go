// Package interceptor provides an explicit pre/post pipeline for cross-cutting
// checks (access auditing, consent verification). Call sites compose a chain
// and invoke it around the operation, so every check is visible, ordered, and
// testable in isolation instead of hiding inside decorators or middleware
// registered far from the call.
package interceptor

import "context"

// Call describes the operation being intercepted.
type Call struct {
	ActorID    string
	Action     string
	Resource   string
	ResourceID string
	// Metadata carries transport details (client IP, device) that individual
	// interceptors may record. Never put sensitive field values here.
	Metadata map[string]string
}

// Next invokes the remainder of the chain, ending at the wrapped operation.
type Next func(ctx context.Context) error

// Interceptor wraps an operation. Implementations decide whether to run
// pre-work, call next, and run post-work; not calling next vetoes the call.
type Interceptor func(ctx context.Context, call Call, next Next) error

// Chain composes interceptors left to right: the first interceptor is the
// outermost. An empty chain just runs the operation.
func Chain(interceptors ...Interceptor) Interceptor {
	return func(ctx context.Context, call Call, next Next) error {
		// Build the nesting from the inside out.
		wrapped := next
		for i := len(interceptors) - 1; i >= 0; i-- {
			ic := interceptors[i]
			inner := wrapped
			wrapped = func(ctx context.Context) error {
				return ic(ctx, call, inner)
			}
		}
		return wrapped(ctx)
	}
}

// Run executes op through the chain.
func Run(ctx context.Context, chain Interceptor, call Call, op func(ctx context.Context) error) error {
	if chain == nil {
		return op(ctx)
	}
	return chain(ctx, call, op)
}
