package cmdrunner

import (
	"context"
	"strings"
	"sync"
)

// Response is a canned result for RecordingRunner.
type Response struct {
	Output string
	Err    error
}

// RecordingRunner records every invocation instead of executing it.  Responses
// are matched by the longest registered prefix of the joined command line.
type RecordingRunner struct {
	lock      sync.Mutex
	calls     []string
	responses map[string][]Response
}

var _ Runner = (*RecordingRunner)(nil)

func NewRecordingRunner() *RecordingRunner {
	return &RecordingRunner{
		responses: make(map[string][]Response),
	}
}

// On queues a response for commands starting with prefix.  Queued responses
// are consumed in order; the last one is sticky.
func (r *RecordingRunner) On(prefix string, resp Response) {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.responses[prefix] = append(r.responses[prefix], resp)
}

func (r *RecordingRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	line := strings.Join(append([]string{name}, args...), " ")

	r.lock.Lock()
	defer r.lock.Unlock()

	r.calls = append(r.calls, line)

	bestPrefix := ""
	found := false
	for prefix := range r.responses {
		if strings.HasPrefix(line, prefix) && len(prefix) >= len(bestPrefix) {
			bestPrefix = prefix
			found = true
		}
	}
	if !found {
		return "", nil
	}

	queue := r.responses[bestPrefix]
	resp := queue[0]
	if len(queue) > 1 {
		r.responses[bestPrefix] = queue[1:]
	}

	return resp.Output, resp.Err
}

// Calls returns a copy of the recorded command lines.
func (r *RecordingRunner) Calls() []string {
	r.lock.Lock()
	defer r.lock.Unlock()

	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

// CallsWithPrefix returns the recorded command lines starting with prefix.
func (r *RecordingRunner) CallsWithPrefix(prefix string) []string {
	var out []string
	for _, call := range r.Calls() {
		if strings.HasPrefix(call, prefix) {
			out = append(out, call)
		}
	}
	return out
}
