package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nativebpm/taskworker/internal/engine"
	"github.com/nativebpm/taskworker/internal/pack"
	"github.com/nativebpm/taskworker/internal/registry"
	"github.com/nativebpm/taskworker/internal/runner"
)

type fetchResponse struct {
	tasks []engine.ExternalTask
	err   error
}

// fakeFetcher hands out scripted responses, then behaves like an idle long
// poll: it blocks until the fetch context is cancelled.
type fakeFetcher struct {
	mu        sync.Mutex
	responses []fetchResponse
	fetches   []int
	fetchedAt []time.Time
	unlocked  []string
}

func (f *fakeFetcher) FetchAndLock(ctx context.Context, maxTasks int, topics []engine.TopicRequest) ([]engine.ExternalTask, error) {
	f.mu.Lock()
	f.fetches = append(f.fetches, maxTasks)
	f.fetchedAt = append(f.fetchedAt, time.Now())
	var resp *fetchResponse
	if len(f.responses) > 0 {
		r := f.responses[0]
		f.responses = f.responses[1:]
		resp = &r
	}
	f.mu.Unlock()

	if resp != nil {
		return resp.tasks, resp.err
	}

	<-ctx.Done()
	return nil, nil
}

func (f *fakeFetcher) Unlock(ctx context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unlocked = append(f.unlocked, taskID)
	return nil
}

func (f *fakeFetcher) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetches)
}

// fakeRunner counts concurrency and records reports
type fakeRunner struct {
	mu            sync.Mutex
	running       atomic.Int32
	maxConcurrent atomic.Int32
	block         chan struct{}
	reported      []string
}

func (r *fakeRunner) Run(ctx context.Context, entry registry.Entry, task engine.ExternalTask, shutdown <-chan struct{}) runner.Result {
	n := r.running.Add(1)
	for {
		max := r.maxConcurrent.Load()
		if n <= max || r.maxConcurrent.CompareAndSwap(max, n) {
			break
		}
	}
	defer r.running.Add(-1)

	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return runner.Result{Outcome: runner.OutcomeTaskFailure, ErrorMessage: "aborted"}
		}
	}
	return runner.Result{Outcome: runner.OutcomeSuccess}
}

func (r *fakeRunner) Report(ctx context.Context, entry registry.Entry, task engine.ExternalTask, result runner.Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reported = append(r.reported, task.ID)
	return nil
}

func (r *fakeRunner) reports() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.reported...)
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	dir := t.TempDir()
	manifest := "topics:\n  - topic: greet\n    entry: Greet\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, pack.ManifestFileName), []byte(manifest), 0o644))
	p, err := pack.Load(dir)
	require.NoError(t, err)
	reg, err := registry.Build([]*pack.Package{p}, pack.PolicyFail)
	require.NoError(t, err)
	return reg
}

func greetTask(id string) engine.ExternalTask {
	return engine.ExternalTask{ID: id, TopicName: "greet"}
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestRun_SingleSuccess(t *testing.T) {
	fetcher := &fakeFetcher{responses: []fetchResponse{
		{tasks: []engine.ExternalTask{greetTask("L1")}},
	}}
	taskRunner := &fakeRunner{}
	s := New(Config{MaxJobs: 1, LockDuration: 30 * time.Second}, fetcher, taskRunner, testRegistry(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	eventually(t, 2*time.Second, func() bool { return len(taskRunner.reports()) == 1 }, "expected one report")
	cancel()
	<-done

	assert.Equal(t, []string{"L1"}, taskRunner.reports())
}

func TestRun_ConcurrentDispatch(t *testing.T) {
	tasks := []engine.ExternalTask{greetTask("L1"), greetTask("L2"), greetTask("L3")}
	fetcher := &fakeFetcher{responses: []fetchResponse{{tasks: tasks}}}
	taskRunner := &fakeRunner{block: make(chan struct{})}
	s := New(Config{MaxJobs: 3, LockDuration: 30 * time.Second}, fetcher, taskRunner, testRegistry(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	// All three leases run in parallel
	eventually(t, 2*time.Second, func() bool { return taskRunner.running.Load() == 3 }, "expected 3 concurrent runners")

	// With every slot held, the driver must withhold the next fetch
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, fetcher.fetchCount(), "driver fetched while saturated")

	close(taskRunner.block)
	eventually(t, 2*time.Second, func() bool { return len(taskRunner.reports()) == 3 }, "expected 3 reports")

	cancel()
	<-done

	assert.Equal(t, int32(3), taskRunner.maxConcurrent.Load())
	assert.ElementsMatch(t, []string{"L1", "L2", "L3"}, taskRunner.reports())

	// The saturated fetch asked for all free slots
	fetcher.mu.Lock()
	firstAsk := fetcher.fetches[0]
	fetcher.mu.Unlock()
	assert.Equal(t, 3, firstAsk)
}

func TestRun_InFlightNeverExceedsMaxJobs(t *testing.T) {
	batchA := []engine.ExternalTask{greetTask("A1"), greetTask("A2")}
	batchB := []engine.ExternalTask{greetTask("B1"), greetTask("B2")}
	fetcher := &fakeFetcher{responses: []fetchResponse{{tasks: batchA}, {tasks: batchB}}}
	taskRunner := &fakeRunner{}
	s := New(Config{MaxJobs: 2, LockDuration: 30 * time.Second}, fetcher, taskRunner, testRegistry(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	eventually(t, 2*time.Second, func() bool { return len(taskRunner.reports()) == 4 }, "expected 4 reports")
	cancel()
	<-done

	assert.LessOrEqual(t, taskRunner.maxConcurrent.Load(), int32(2))
}

func TestRun_EmptyPollRepollsWithoutBackoff(t *testing.T) {
	fetcher := &fakeFetcher{responses: []fetchResponse{
		{tasks: nil},
		{tasks: nil},
		{tasks: []engine.ExternalTask{greetTask("L1")}},
	}}
	taskRunner := &fakeRunner{}
	// A long initial backoff would make this test time out if empty polls
	// ever backed off
	s := New(Config{MaxJobs: 1, LockDuration: 30 * time.Second, InitialBackoff: 10 * time.Second}, fetcher, taskRunner, testRegistry(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	eventually(t, 2*time.Second, func() bool { return len(taskRunner.reports()) == 1 }, "expected the third poll to deliver")
	cancel()
	<-done

	assert.GreaterOrEqual(t, fetcher.fetchCount(), 3)
}

func TestRun_FetchErrorBacksOff(t *testing.T) {
	fetcher := &fakeFetcher{responses: []fetchResponse{
		{err: assert.AnError},
		{tasks: []engine.ExternalTask{greetTask("L1")}},
	}}
	taskRunner := &fakeRunner{}
	s := New(Config{MaxJobs: 1, LockDuration: 30 * time.Second, InitialBackoff: 100 * time.Millisecond, MaxBackoff: 100 * time.Millisecond}, fetcher, taskRunner, testRegistry(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	eventually(t, 3*time.Second, func() bool { return len(taskRunner.reports()) == 1 }, "expected recovery after backoff")
	cancel()
	<-done

	fetcher.mu.Lock()
	gap := fetcher.fetchedAt[1].Sub(fetcher.fetchedAt[0])
	fetcher.mu.Unlock()
	assert.GreaterOrEqual(t, gap, 90*time.Millisecond, "second fetch should wait out the backoff")
}

func TestRun_UnknownTopicUnlocked(t *testing.T) {
	stray := engine.ExternalTask{ID: "X1", TopicName: "unknown"}
	fetcher := &fakeFetcher{responses: []fetchResponse{
		{tasks: []engine.ExternalTask{stray, greetTask("L1")}},
	}}
	taskRunner := &fakeRunner{}
	s := New(Config{MaxJobs: 2, LockDuration: 30 * time.Second}, fetcher, taskRunner, testRegistry(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	eventually(t, 2*time.Second, func() bool { return len(taskRunner.reports()) == 1 }, "expected one report")
	cancel()
	<-done

	fetcher.mu.Lock()
	unlocked := append([]string{}, fetcher.unlocked...)
	fetcher.mu.Unlock()
	assert.Equal(t, []string{"X1"}, unlocked)
	assert.Equal(t, []string{"L1"}, taskRunner.reports())
}

func TestRun_ShutdownDrainsInFlight(t *testing.T) {
	fetcher := &fakeFetcher{responses: []fetchResponse{
		{tasks: []engine.ExternalTask{greetTask("L1")}},
	}}
	taskRunner := &fakeRunner{block: make(chan struct{})}
	s := New(Config{MaxJobs: 1, LockDuration: 30 * time.Second}, fetcher, taskRunner, testRegistry(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	eventually(t, 2*time.Second, func() bool { return taskRunner.running.Load() == 1 }, "expected the lease to start")

	cancel()

	// Run must not return while the lease is still in flight
	select {
	case <-done:
		t.Fatal("scheduler exited before draining")
	case <-time.After(100 * time.Millisecond):
	}

	close(taskRunner.block)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not exit after drain")
	}

	// The terminal report still went out during the drain
	assert.Equal(t, []string{"L1"}, taskRunner.reports())
}

func TestRun_ShutdownIdleExitsPromptly(t *testing.T) {
	fetcher := &fakeFetcher{}
	taskRunner := &fakeRunner{}
	s := New(Config{MaxJobs: 1, LockDuration: 30 * time.Second}, fetcher, taskRunner, testRegistry(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	eventually(t, 2*time.Second, func() bool { return fetcher.fetchCount() == 1 }, "expected the idle poll to start")

	start := time.Now()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("idle scheduler did not exit on shutdown")
	}
	assert.Less(t, time.Since(start), time.Second)
}

func TestAbort_SkipsTerminalReports(t *testing.T) {
	fetcher := &fakeFetcher{responses: []fetchResponse{
		{tasks: []engine.ExternalTask{greetTask("L1")}},
	}}
	taskRunner := &fakeRunner{block: make(chan struct{})}
	s := New(Config{MaxJobs: 1, LockDuration: 30 * time.Second}, fetcher, taskRunner, testRegistry(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	eventually(t, 2*time.Second, func() bool { return taskRunner.running.Load() == 1 }, "expected the lease to start")

	cancel()
	s.Abort()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not exit after abort")
	}

	// Hard abort: the engine reclaims via lock expiry, no report is issued
	assert.Empty(t, taskRunner.reports())
}
