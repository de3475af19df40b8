package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner is a controllable engine. Each Run blocks until the test
// releases it with finish or until its context is cancelled, which mirrors a
// real engine honoring cooperative cancellation.
type fakeRunner struct {
	mu        sync.Mutex
	started   map[string]chan struct{}
	release   map[string]chan error
	progress  map[string]chan<- Progress
	runs      map[string]int
	live      map[string]int
	maxLive   map[string]int
	exitDelay time.Duration // simulated wind-down after cancellation
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		started:  make(map[string]chan struct{}),
		release:  make(map[string]chan error),
		progress: make(map[string]chan<- Progress),
		runs:     make(map[string]int),
		live:     make(map[string]int),
		maxLive:  make(map[string]int),
	}
}

func (r *fakeRunner) Run(ctx context.Context, spec RunSpec, progress chan<- Progress) (RunResult, error) {
	id := spec.TaskID
	r.mu.Lock()
	r.runs[id]++
	r.live[id]++
	if r.live[id] > r.maxLive[id] {
		r.maxLive[id] = r.live[id]
	}
	r.progress[id] = progress
	if r.started[id] == nil {
		r.started[id] = make(chan struct{}, 64)
	}
	if r.release[id] == nil {
		r.release[id] = make(chan error)
	}
	started, release := r.started[id], r.release[id]
	delay := r.exitDelay
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.live[id]--
		r.mu.Unlock()
	}()
	select {
	case started <- struct{}{}:
	default:
	}
	select {
	case err := <-release:
		if err != nil {
			return RunResult{}, err
		}
		return RunResult{OutputPath: spec.OutputPath, Size: 1024}, nil
	case <-ctx.Done():
		if delay > 0 {
			time.Sleep(delay)
		}
		return RunResult{}, ctx.Err()
	}
}

func (r *fakeRunner) waitStarted(t *testing.T, id string) {
	t.Helper()
	r.mu.Lock()
	if r.started[id] == nil {
		r.started[id] = make(chan struct{}, 64)
	}
	ch := r.started[id]
	r.mu.Unlock()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("engine for task %s never started", id)
	}
}

// finish releases a blocked engine with the given outcome.
func (r *fakeRunner) finish(t *testing.T, id string, err error) {
	t.Helper()
	r.mu.Lock()
	if r.release[id] == nil {
		r.release[id] = make(chan error)
	}
	ch := r.release[id]
	r.mu.Unlock()
	select {
	case ch <- err:
	case <-time.After(2 * time.Second):
		t.Fatalf("no engine waiting for task %s", id)
	}
}

// finishAny releases one currently blocked engine, if any.
func (r *fakeRunner) finishAny(err error) bool {
	r.mu.Lock()
	var channels []chan error
	for id, n := range r.live {
		if n > 0 {
			channels = append(channels, r.release[id])
		}
	}
	r.mu.Unlock()
	for _, ch := range channels {
		select {
		case ch <- err:
			return true
		default:
		}
	}
	return false
}

func (r *fakeRunner) sendProgress(id string, p Progress) {
	r.mu.Lock()
	ch := r.progress[id]
	r.mu.Unlock()
	if ch != nil {
		ch <- p
	}
}

func (r *fakeRunner) runCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[id]
}

func (r *fakeRunner) maxConcurrent(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxLive[id]
}

func newTestManager(t *testing.T, cfg Config, runner Runner, opts ...Option) *Manager {
	t.Helper()
	eventLog, err := OpenEventLog(filepath.Join(t.TempDir(), "events.jsonl"))
	require.NoError(t, err)
	m, err := NewManager(cfg, eventLog, runner, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		m.Stop()
		eventLog.Close()
	})
	return m
}

func waitStatus(t *testing.T, m *Manager, id string, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		task, err := m.Task(id)
		return err == nil && task.Status == want
	}, 2*time.Second, 5*time.Millisecond, "task %s never reached %s", id, want)
}

// checkInvariants asserts the structural guarantees the queue promises: the
// active set never exceeds the concurrency bound, a task is Downloading
// exactly when it has an active entry, and every entry belongs to a task.
func checkInvariants(t *testing.T, m *Manager) {
	t.Helper()
	m.tasksMu.Lock()
	defer m.tasksMu.Unlock()
	m.activeMu.Lock()
	defer m.activeMu.Unlock()
	require.LessOrEqual(t, len(m.active), m.cfg.MaxConcurrent, "active entries exceed concurrency bound")
	for id, task := range m.tasks {
		_, hasEntry := m.active[id]
		if task.Status == StatusDownloading {
			assert.True(t, hasEntry, "task %s downloading without active entry", id)
		} else {
			assert.False(t, hasEntry, "task %s has entry in status %s", id, task.Status)
		}
	}
	for id := range m.active {
		_, ok := m.tasks[id]
		assert.True(t, ok, "active entry %s has no task", id)
	}
}

func eventTypes(t *testing.T, m *Manager) []EventType {
	t.Helper()
	events, err := m.eventLog.ReadEvents()
	require.NoError(t, err)
	types := make([]EventType, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}

func TestAddValidation(t *testing.T) {
	m := newTestManager(t, Config{}, newFakeRunner())

	_, err := m.Add(AddRequest{URL: "   "})
	assert.Error(t, err)
	_, err = m.Add(AddRequest{URL: "not a url at all"})
	assert.Error(t, err)

	id, err := m.Add(AddRequest{URL: "https://files.example.com/archive.tar.gz"})
	require.NoError(t, err)
	task, err := m.Task(id)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, task.Status)
	assert.False(t, task.Retry)
	assert.False(t, task.CreatedAt.IsZero())

	id2, err := m.Add(AddRequest{URL: "https://files.example.com/other.bin"})
	require.NoError(t, err)
	assert.NotEqual(t, id, id2)
}

func TestConcurrencyBoundAndPromotion(t *testing.T) {
	runner := newFakeRunner()
	m := newTestManager(t, Config{MaxConcurrent: 2}, runner)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := m.Add(AddRequest{URL: fmt.Sprintf("https://files.example.com/file-%d.bin", i)})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	m.processQueue()
	for _, id := range ids[:2] {
		task, err := m.Task(id)
		require.NoError(t, err)
		assert.Equal(t, StatusDownloading, task.Status)
	}
	third, err := m.Task(ids[2])
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, third.Status)
	assert.Equal(t, 2, m.ActiveCount())
	checkInvariants(t, m)

	// extra passes must not promote past the bound
	m.processQueue()
	assert.Equal(t, 2, m.ActiveCount())

	// pausing one frees a slot and the queued task is promoted on the next pass
	runner.waitStarted(t, ids[0])
	require.NoError(t, m.Pause(ids[0]))
	task, err := m.Task(ids[0])
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, task.Status)

	m.processQueue()
	third, err = m.Task(ids[2])
	require.NoError(t, err)
	assert.Equal(t, StatusDownloading, third.Status)
	assert.Equal(t, 2, m.ActiveCount())
	checkInvariants(t, m)
}

func TestRapidCommandSequence(t *testing.T) {
	runner := newFakeRunner()
	m := newTestManager(t, Config{MaxConcurrent: 1}, runner)
	id, err := m.Add(AddRequest{URL: "https://files.example.com/video.mp4"})
	require.NoError(t, err)
	m.processQueue()
	runner.waitStarted(t, id)

	require.NoError(t, m.Pause(id))
	require.NoError(t, m.Resume(id))
	assert.ErrorIs(t, m.Pause(id), ErrIllegalTransition) // re-queued, not downloading yet
	require.NoError(t, m.Resume(id))                     // no-op while queued
	require.NoError(t, m.Cancel(id))

	task, err := m.Task(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, task.Status)
	assert.Equal(t, 0, m.ActiveCount())

	require.Eventually(t, func() bool {
		m.processQueue()
		m.activeMu.Lock()
		defer m.activeMu.Unlock()
		return len(m.active) == 0 && len(m.exiting) == 0
	}, 2*time.Second, 5*time.Millisecond, "engine never wound down")
	checkInvariants(t, m)

	// cancelled is terminal, further passes must not revive it
	m.processQueue()
	task, err = m.Task(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, task.Status)
}

func TestRandomOperationsKeepInvariants(t *testing.T) {
	runner := newFakeRunner()
	m := newTestManager(t, Config{MaxConcurrent: 4}, runner)
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 50; i++ {
		_, err := m.Add(AddRequest{URL: fmt.Sprintf("https://files.example.com/batch/part-%02d.zip", i)})
		require.NoError(t, err)
	}
	m.processQueue()
	checkInvariants(t, m)

	for i := 0; i < 100; i++ {
		tasks := m.Tasks()
		if len(tasks) == 0 {
			break
		}
		id := tasks[rng.Intn(len(tasks))].ID
		switch rng.Intn(8) {
		case 0:
			m.Pause(id)
		case 1:
			m.Resume(id)
		case 2:
			m.Cancel(id)
		case 3:
			m.Remove(id)
		case 4:
			m.ResumeAll()
		case 5:
			m.ClearCompleted()
		case 6:
			runner.finishAny(nil)
		case 7:
			runner.finishAny(errors.New("connection reset by peer"))
		}
		m.processQueue()
		checkInvariants(t, m)
	}

	for _, task := range m.Tasks() {
		m.Cancel(task.ID)
	}
	require.Eventually(t, func() bool {
		m.processQueue()
		m.activeMu.Lock()
		defer m.activeMu.Unlock()
		return len(m.active) == 0 && len(m.exiting) == 0
	}, 5*time.Second, 10*time.Millisecond, "engines never drained")
	checkInvariants(t, m)
}

func TestPauseWaitsForWindDown(t *testing.T) {
	runner := newFakeRunner()
	runner.exitDelay = 50 * time.Millisecond
	m := newTestManager(t, Config{MaxConcurrent: 1}, runner)
	id, err := m.Add(AddRequest{URL: "https://files.example.com/slow.iso"})
	require.NoError(t, err)
	m.processQueue()
	runner.waitStarted(t, id)

	require.NoError(t, m.Pause(id))
	require.NoError(t, m.Resume(id))

	// hammer the scheduler while the first engine winds down; a second
	// engine must not start until the first has exited
	require.Eventually(t, func() bool {
		m.processQueue()
		return runner.runCount(id) == 2
	}, 2*time.Second, time.Millisecond, "task never restarted")
	assert.Equal(t, 1, runner.maxConcurrent(id), "two engines ran concurrently for one task")
	waitStatus(t, m, id, StatusDownloading)
	checkInvariants(t, m)
}

func TestZombieHealing(t *testing.T) {
	m := newTestManager(t, Config{MaxConcurrent: 2}, newFakeRunner())
	id, err := m.Add(AddRequest{URL: "https://files.example.com/ghost.bin"})
	require.NoError(t, err)

	// simulate a crashed spawn: downloading status with no active entry
	m.tasksMu.Lock()
	m.tasks[id].Status = StatusDownloading
	m.tasksMu.Unlock()

	m.processQueue()
	task, err := m.Task(id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, task.Status)
	assert.Equal(t, FailureInternal, task.FailureClass)
	assert.Contains(t, task.LastError, "no active download entry")
	checkInvariants(t, m)

	types := eventTypes(t, m)
	require.NotEmpty(t, types)
	assert.Equal(t, EventTaskFailed, types[len(types)-1])
}

func TestProgressAndStallIndicator(t *testing.T) {
	runner := newFakeRunner()
	m := newTestManager(t, Config{MaxConcurrent: 1, StallThreshold: 40 * time.Millisecond}, runner)
	id, err := m.Add(AddRequest{URL: "https://files.example.com/large.mkv"})
	require.NoError(t, err)
	m.processQueue()
	runner.waitStarted(t, id)

	runner.sendProgress(id, Progress{Delta: 2048, Total: 8192})
	require.Eventually(t, func() bool {
		task, err := m.Task(id)
		return err == nil && task.Progress == 2048 && task.TotalSize == 8192
	}, 2*time.Second, 5*time.Millisecond)
	task, err := m.Task(id)
	require.NoError(t, err)
	assert.False(t, task.Stalled)

	time.Sleep(60 * time.Millisecond)
	task, err = m.Task(id)
	require.NoError(t, err)
	assert.True(t, task.Stalled, "no progress past the threshold should read as stalled")

	runner.sendProgress(id, Progress{Delta: 1})
	require.Eventually(t, func() bool {
		task, err := m.Task(id)
		return err == nil && !task.Stalled
	}, 2*time.Second, 5*time.Millisecond, "fresh progress should clear the stall indicator")

	runner.finish(t, id, nil)
	waitStatus(t, m, id, StatusCompleted)
}

func TestFailureClassifiedAndRetryFlag(t *testing.T) {
	runner := newFakeRunner()
	m := newTestManager(t, Config{MaxConcurrent: 1}, runner)
	const fileURL = "https://files.example.com/flaky.tar"

	id, err := m.Add(AddRequest{URL: fileURL})
	require.NoError(t, err)
	m.processQueue()
	runner.waitStarted(t, id)
	runner.finish(t, id, errors.New("401 unauthorized"))
	waitStatus(t, m, id, StatusFailed)

	task, err := m.Task(id)
	require.NoError(t, err)
	assert.Equal(t, FailureAuth, task.FailureClass)
	assert.Contains(t, task.LastError, "401")
	checkInvariants(t, m)

	// a new task for the same url is flagged as a retry
	id2, err := m.Add(AddRequest{URL: fileURL})
	require.NoError(t, err)
	task2, err := m.Task(id2)
	require.NoError(t, err)
	assert.True(t, task2.Retry)
}

func TestSpawnFailureRollsBack(t *testing.T) {
	preflightErr := errors.New("insufficient disk space: need 1.0GB, 100.0MB free")
	m := newTestManager(t, Config{MaxConcurrent: 1}, newFakeRunner(),
		WithPreflight(func(RunSpec) error { return preflightErr }))
	id, err := m.Add(AddRequest{URL: "https://files.example.com/huge.img"})
	require.NoError(t, err)

	m.processQueue()
	waitStatus(t, m, id, StatusFailed)
	task, err := m.Task(id)
	require.NoError(t, err)
	assert.Equal(t, FailureDisk, task.FailureClass)
	assert.Contains(t, task.LastError, "insufficient disk space")
	assert.Equal(t, 0, m.ActiveCount())
	checkInvariants(t, m)

	assert.Equal(t, []EventType{EventTaskAdded, EventTaskStarted, EventTaskFailed}, eventTypes(t, m))
}

func TestEnginePanicBecomesFailure(t *testing.T) {
	panicky := RunnerFunc(func(ctx context.Context, spec RunSpec, progress chan<- Progress) (RunResult, error) {
		panic("segment index out of range")
	})
	m := newTestManager(t, Config{MaxConcurrent: 1}, panicky)
	id, err := m.Add(AddRequest{URL: "https://files.example.com/cursed.bin"})
	require.NoError(t, err)

	m.processQueue()
	waitStatus(t, m, id, StatusFailed)
	task, err := m.Task(id)
	require.NoError(t, err)
	assert.Contains(t, task.LastError, "engine panic")
	checkInvariants(t, m)
}

func TestRemoveSemantics(t *testing.T) {
	t.Run("queued task is cancelled then removed", func(t *testing.T) {
		m := newTestManager(t, Config{}, newFakeRunner())
		id, err := m.Add(AddRequest{URL: "https://files.example.com/a.bin"})
		require.NoError(t, err)
		require.NoError(t, m.Remove(id))
		_, err = m.Task(id)
		assert.ErrorIs(t, err, ErrTaskNotFound)
		assert.Equal(t, []EventType{EventTaskAdded, EventTaskCancelled, EventTaskRemoved}, eventTypes(t, m))
	})

	t.Run("downloading task is torn down first", func(t *testing.T) {
		runner := newFakeRunner()
		m := newTestManager(t, Config{MaxConcurrent: 1}, runner)
		id, err := m.Add(AddRequest{URL: "https://files.example.com/b.bin"})
		require.NoError(t, err)
		m.processQueue()
		runner.waitStarted(t, id)
		require.NoError(t, m.Remove(id))
		assert.Equal(t, 0, m.ActiveCount())
		_, err = m.Task(id)
		assert.ErrorIs(t, err, ErrTaskNotFound)
		checkInvariants(t, m)
	})

	t.Run("completed task is removed without a cancel", func(t *testing.T) {
		runner := newFakeRunner()
		m := newTestManager(t, Config{MaxConcurrent: 1}, runner)
		id, err := m.Add(AddRequest{URL: "https://files.example.com/c.bin"})
		require.NoError(t, err)
		m.processQueue()
		runner.waitStarted(t, id)
		runner.finish(t, id, nil)
		waitStatus(t, m, id, StatusCompleted)
		require.NoError(t, m.Remove(id))
		assert.Equal(t, []EventType{EventTaskAdded, EventTaskStarted, EventTaskCompleted, EventTaskRemoved}, eventTypes(t, m))
	})
}

func TestClearCompleted(t *testing.T) {
	runner := newFakeRunner()
	m := newTestManager(t, Config{MaxConcurrent: 2}, runner)

	done1, err := m.Add(AddRequest{URL: "https://files.example.com/done1.bin"})
	require.NoError(t, err)
	done2, err := m.Add(AddRequest{URL: "https://files.example.com/done2.bin"})
	require.NoError(t, err)
	queued, err := m.Add(AddRequest{URL: "https://files.example.com/waiting.bin"})
	require.NoError(t, err)

	m.processQueue()
	for _, id := range []string{done1, done2} {
		runner.waitStarted(t, id)
		runner.finish(t, id, nil)
		waitStatus(t, m, id, StatusCompleted)
	}

	n, err := m.ClearCompleted()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	tasks := m.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, queued, tasks[0].ID)
	assert.Equal(t, StatusQueued, tasks[0].Status)
}

func TestIllegalTransitions(t *testing.T) {
	m := newTestManager(t, Config{}, newFakeRunner())
	id, err := m.Add(AddRequest{URL: "https://files.example.com/x.bin"})
	require.NoError(t, err)

	force := func(s Status) {
		m.tasksMu.Lock()
		m.tasks[id].Status = s
		m.tasksMu.Unlock()
	}

	tests := []struct {
		name string
		from Status
		op   func() error
	}{
		{"pause queued", StatusQueued, func() error { return m.Pause(id) }},
		{"pause completed", StatusCompleted, func() error { return m.Pause(id) }},
		{"pause cancelled", StatusCancelled, func() error { return m.Pause(id) }},
		{"resume completed", StatusCompleted, func() error { return m.Resume(id) }},
		{"resume failed", StatusFailed, func() error { return m.Resume(id) }},
		{"cancel completed", StatusCompleted, func() error { return m.Cancel(id) }},
		{"cancel failed", StatusFailed, func() error { return m.Cancel(id) }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			force(tc.from)
			assert.ErrorIs(t, tc.op(), ErrIllegalTransition)
		})
	}

	t.Run("unknown task", func(t *testing.T) {
		assert.ErrorIs(t, m.Pause("nope"), ErrTaskNotFound)
		assert.ErrorIs(t, m.Resume("nope"), ErrTaskNotFound)
		assert.ErrorIs(t, m.Cancel("nope"), ErrTaskNotFound)
		assert.ErrorIs(t, m.Remove("nope"), ErrTaskNotFound)
		_, err := m.Task("nope")
		assert.ErrorIs(t, err, ErrTaskNotFound)
	})
}

func TestConcurrentResumeIsIdempotent(t *testing.T) {
	runner := newFakeRunner()
	m := newTestManager(t, Config{MaxConcurrent: 1}, runner)
	id, err := m.Add(AddRequest{URL: "https://files.example.com/shared.bin"})
	require.NoError(t, err)
	m.processQueue()
	runner.waitStarted(t, id)
	require.NoError(t, m.Pause(id))

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.Resume(id)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
	task, err := m.Task(id)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, task.Status)

	resumes := 0
	for _, typ := range eventTypes(t, m) {
		if typ == EventTaskResumed {
			resumes++
		}
	}
	assert.Equal(t, 1, resumes, "only the first resume should be recorded")
}

func TestResumeAll(t *testing.T) {
	runner := newFakeRunner()
	m := newTestManager(t, Config{MaxConcurrent: 3}, runner)
	var ids []string
	for i := 0; i < 3; i++ {
		id, err := m.Add(AddRequest{URL: fmt.Sprintf("https://files.example.com/p%d.bin", i)})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	m.processQueue()
	for _, id := range ids {
		runner.waitStarted(t, id)
		require.NoError(t, m.Pause(id))
	}

	n, err := m.ResumeAll()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	for _, id := range ids {
		task, err := m.Task(id)
		require.NoError(t, err)
		assert.Equal(t, StatusQueued, task.Status)
	}

	n, err = m.ResumeAll()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestStopLeavesResumableState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	log1, err := OpenEventLog(path)
	require.NoError(t, err)
	runner := newFakeRunner()
	m1, err := NewManager(Config{MaxConcurrent: 2}, log1, runner)
	require.NoError(t, err)

	id, err := m1.Add(AddRequest{URL: "https://files.example.com/big.iso"})
	require.NoError(t, err)
	m1.processQueue()
	runner.waitStarted(t, id)
	m1.Stop()
	require.NoError(t, log1.Close())

	log2, err := OpenEventLog(path)
	require.NoError(t, err)
	defer log2.Close()
	m2, err := NewManager(Config{}, log2, newFakeRunner())
	require.NoError(t, err)
	defer m2.Stop()

	task, err := m2.Task(id)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, task.Status, "interrupted download should come back paused")
}

func TestCloseCompactsLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	eventLog, err := OpenEventLog(path)
	require.NoError(t, err)
	runner := newFakeRunner()
	m, err := NewManager(Config{MaxConcurrent: 2}, eventLog, runner)
	require.NoError(t, err)

	finished, err := m.Add(AddRequest{URL: "https://files.example.com/one.bin"})
	require.NoError(t, err)
	running, err := m.Add(AddRequest{URL: "https://files.example.com/two.bin"})
	require.NoError(t, err)
	waiting, err := m.Add(AddRequest{URL: "https://files.example.com/three.bin"})
	require.NoError(t, err)

	m.processQueue()
	runner.waitStarted(t, finished)
	runner.finish(t, finished, nil)
	waitStatus(t, m, finished, StatusCompleted)
	runner.waitStarted(t, running)
	require.NoError(t, m.Close())

	log2, err := OpenEventLog(path)
	require.NoError(t, err)
	defer log2.Close()
	events, err := log2.ReadEvents()
	require.NoError(t, err)
	assert.Len(t, events, 5, "compacted log should hold one or two events per task")

	tasks := Rehydrate(events)
	require.Len(t, tasks, 3)
	assert.Equal(t, StatusCompleted, tasks[finished].Status)
	assert.Equal(t, StatusPaused, tasks[running].Status)
	assert.Equal(t, StatusQueued, tasks[waiting].Status)
}

func TestSubscribeNotifications(t *testing.T) {
	m := newTestManager(t, Config{}, newFakeRunner())
	ch, unsub := m.Subscribe(8)

	id, err := m.Add(AddRequest{URL: "https://files.example.com/watched.bin"})
	require.NoError(t, err)

	select {
	case n := <-ch:
		assert.Equal(t, NoteStatusChanged, n.Kind)
		assert.Equal(t, id, n.TaskID)
		assert.Equal(t, StatusQueued, n.Status)
		assert.False(t, n.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no notification received")
	}

	unsub()
	_, open := <-ch
	assert.False(t, open, "unsubscribe should close the channel")
}

func TestSchedulerLoop(t *testing.T) {
	runner := newFakeRunner()
	m := newTestManager(t, Config{MaxConcurrent: 1, TickInterval: 5 * time.Millisecond}, runner)
	m.Start()

	id, err := m.Add(AddRequest{URL: "https://files.example.com/ticked.bin"})
	require.NoError(t, err)
	waitStatus(t, m, id, StatusDownloading)
	runner.finish(t, id, nil)
	waitStatus(t, m, id, StatusCompleted)
	task, err := m.Task(id)
	require.NoError(t, err)
	assert.Equal(t, int64(1024), task.TotalSize)
	m.Stop()
}

func TestTerminalHookReceivesSnapshots(t *testing.T) {
	runner := newFakeRunner()
	dir := t.TempDir()
	eventLog, err := OpenEventLog(filepath.Join(dir, "events.jsonl"))
	require.NoError(t, err)

	var mu sync.Mutex
	seen := map[string]Status{}
	hook := func(task Task) {
		mu.Lock()
		seen[task.ID] = task.Status
		mu.Unlock()
	}
	m, err := NewManager(Config{MaxConcurrent: 2, TickInterval: time.Hour}, eventLog, runner, WithTerminalHook(hook))
	require.NoError(t, err)
	t.Cleanup(func() {
		m.Stop()
		m.Close()
	})

	doneID, err := m.Add(AddRequest{URL: "https://example.com/done.bin"})
	require.NoError(t, err)
	cancelID, err := m.Add(AddRequest{URL: "https://example.com/cancelled.bin"})
	require.NoError(t, err)

	m.processQueue()
	runner.waitStarted(t, doneID)
	runner.waitStarted(t, cancelID)
	runner.finish(t, doneID, nil)
	waitStatus(t, m, doneID, StatusCompleted)
	require.NoError(t, m.Cancel(cancelID))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, StatusCompleted, seen[doneID])
	assert.Equal(t, StatusCancelled, seen[cancelID])
	mu.Unlock()
}
