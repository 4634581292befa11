package fake

import "sync"

// Call records a single method invocation on a fake.
type Call struct {
	Method string
	Args   []any
}

// CallRecorder tracks invocations for assertions in tests.
type CallRecorder struct {
	mu    sync.Mutex
	calls []Call
}

func (r *CallRecorder) record(method string, args ...any) {
	r.mu.Lock()
	r.calls = append(r.calls, Call{Method: method, Args: args})
	r.mu.Unlock()
}

// Calls returns the recorded calls to method, or every call when method is
// empty.
func (r *CallRecorder) Calls(method string) []Call {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Call
	for _, c := range r.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Count is len(Calls(method)).
func (r *CallRecorder) Count(method string) int {
	return len(r.Calls(method))
}

func (r *CallRecorder) Reset() {
	r.mu.Lock()
	r.calls = nil
	r.mu.Unlock()
}
