package pipeline

import "meridian/internal/proto"

// BeforeInterceptor runs in the before-chain (spec.md §4.3 step 3):
// given the incoming op, it returns a possibly-modified op, or ok=false
// to reject (dropped silently with an audit log entry, per spec).
type BeforeInterceptor func(op proto.ClientOp) (modified proto.ClientOp, ok bool)

// AfterInterceptor runs fire-and-forget once an op has been fully
// processed (spec.md §4.3 step 12).
type AfterInterceptor func(op proto.ClientOp)

// interceptorChain holds the ordered before/after interceptor lists.
type interceptorChain struct {
	before []BeforeInterceptor
	after  []AfterInterceptor
}

// runBefore applies every registered before-interceptor in order,
// stopping at the first rejection.
func (c *interceptorChain) runBefore(op proto.ClientOp) (proto.ClientOp, bool) {
	for _, fn := range c.before {
		var ok bool
		op, ok = fn(op)
		if !ok {
			return op, false
		}
	}
	return op, true
}

// runAfter fires every after-interceptor; callers invoke this as its
// own goroutine per spec's "fire-and-forget".
func (c *interceptorChain) runAfter(op proto.ClientOp) {
	for _, fn := range c.after {
		fn(op)
	}
}
