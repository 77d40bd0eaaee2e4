// ABOUTME: Backend reachability probe used by readiness checks and the check command
// ABOUTME: Each backend is dialled once and asked for its identities

package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/ssh/agent"
)

// ProbeResult is the outcome of probing one backend.
type ProbeResult struct {
	Index      int
	Descriptor Descriptor
	Identities int
	Latency    time.Duration
	Err        error
}

// OK reports whether the backend answered.
func (r ProbeResult) OK() bool {
	return r.Err == nil
}

// Probe dials every backend concurrently and lists its identities. Results
// are returned in backend order.
func (f *Factory) Probe(ctx context.Context) []ProbeResult {
	results := make([]ProbeResult, len(f.descriptors))

	var wg sync.WaitGroup
	for index, d := range f.descriptors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[index] = f.probeOne(ctx, index, d)
		}()
	}
	wg.Wait()

	return results
}

func (f *Factory) probeOne(ctx context.Context, index int, d Descriptor) (result ProbeResult) {
	result = ProbeResult{Index: index, Descriptor: d}
	start := time.Now()
	defer func() { result.Latency = time.Since(start) }()

	conn, err := f.dial(ctx, d)
	if err != nil {
		result.Err = fmt.Errorf("dial: %w", err)
		return result
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	identities, err := agent.NewClient(conn).List()
	if err != nil {
		result.Err = fmt.Errorf("list identities: %w", err)
		return result
	}
	result.Identities = len(identities)
	return result
}
