package queue

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tugdl/tug/internal/logx"
)

// Config tunes the Manager. Zero values fall back to defaults.
type Config struct {
	MaxConcurrent  int           // concurrent downloads (default 4)
	Segments       int           // byte-range segments per download (default 16)
	TickInterval   time.Duration // scheduler pass interval (default 100ms)
	StallThreshold time.Duration // advisory stall indicator (default 30s)
	KeepPartial    bool          // leave partial output on cancel/failure
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.Segments <= 0 {
		c.Segments = 16
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 100 * time.Millisecond
	}
	if c.StallThreshold <= 0 {
		c.StallThreshold = 30 * time.Second
	}
}

// RunSpec is everything an engine needs to execute one task.
type RunSpec struct {
	TaskID      string
	URL         string
	Kind        string
	Format      string
	OutputPath  string
	Segments    int
	KeepPartial bool
}

// RunResult reports where the finished file ended up and how large it is.
type RunResult struct {
	OutputPath string
	Size       int64
}

// Progress is one delta from a running engine. Total is nonzero once the
// engine learns the full size.
type Progress struct {
	Delta int64
	Total int64
}

// Runner executes downloads on behalf of the Manager. Run must honor ctx
// between I/O operations and must stop sending on progress before it
// returns; the Manager closes the channel afterwards.
type Runner interface {
	Run(ctx context.Context, spec RunSpec, progress chan<- Progress) (RunResult, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, spec RunSpec, progress chan<- Progress) (RunResult, error)

func (f RunnerFunc) Run(ctx context.Context, spec RunSpec, progress chan<- Progress) (RunResult, error) {
	return f(ctx, spec, progress)
}

// AddRequest is the payload of an add command.
type AddRequest struct {
	URL        string `json:"url"`
	Kind       string `json:"kind,omitempty"`
	Format     string `json:"format,omitempty"`
	OutputPath string `json:"output,omitempty"`
}

// activeEntry is the live handle for one running engine. An entry exists in
// the active map exactly while its task is Downloading.
type activeEntry struct {
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{} // closed when the engine goroutine exits
	spawned bool          // placeholder until the engine goroutine is launched
}

// Option customizes a Manager at construction.
type Option func(*Manager)

// WithPreflight installs a check that runs after promotion and before the
// engine starts; a non-nil error fails the task without spawning.
func WithPreflight(fn func(RunSpec) error) Option {
	return func(m *Manager) { m.preflight = fn }
}

// WithTerminalHook installs a callback invoked with a snapshot of every task
// that reaches Completed, Failed, or Cancelled. Runs on its own goroutine so
// the hook may block or call back into the Manager.
func WithTerminalHook(fn func(Task)) Option {
	return func(m *Manager) { m.terminalHook = fn }
}

// Manager is the single source of truth for task state. It owns the task
// table and the active-entries map behind two locks with a fixed order:
// tasksMu is always acquired before activeMu on any path that needs both.
// Reversing that order anywhere is a deadlock.
type Manager struct {
	cfg          Config
	eventLog     *EventLog
	runner       Runner
	preflight    func(RunSpec) error
	terminalHook func(Task)

	tasksMu sync.Mutex
	tasks   map[string]*Task
	order   []string // insertion order, drives FIFO promotion
	closing bool

	activeMu sync.Mutex
	active   map[string]*activeEntry
	exiting  map[string]chan struct{} // torn-down engines not yet exited

	subsMu sync.Mutex
	subs   map[chan Notification]struct{}

	runCtx    context.Context
	cancelRun context.CancelFunc
	wg        sync.WaitGroup
	stopOnce  sync.Once
	log       zerolog.Logger
}

// NewManager rehydrates the task table from the event log and returns a
// Manager ready to Start. Tasks that were mid-download when the previous
// process died come back Paused.
func NewManager(cfg Config, eventLog *EventLog, runner Runner, opts ...Option) (*Manager, error) {
	cfg.applyDefaults()
	events, err := eventLog.ReadEvents()
	if err != nil {
		return nil, fmt.Errorf("error reading event log: %v", err)
	}
	tasks := Rehydrate(events)
	order := make([]string, 0, len(tasks))
	for id := range tasks {
		order = append(order, id)
	}
	sort.Slice(order, func(i, j int) bool {
		a, b := tasks[order[i]], tasks[order[j]]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID < b.ID
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})

	runCtx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:       cfg,
		eventLog:  eventLog,
		runner:    runner,
		tasks:     tasks,
		order:     order,
		active:    make(map[string]*activeEntry),
		exiting:   make(map[string]chan struct{}),
		subs:      make(map[chan Notification]struct{}),
		runCtx:    runCtx,
		cancelRun: cancel,
		log:       logx.Get("queue"),
	}
	for _, opt := range opts {
		opt(m)
	}
	if len(tasks) > 0 {
		m.log.Info().Int("tasks", len(tasks)).Msg("rehydrated task table from event log")
	}
	return m, nil
}

// Start launches the scheduler loop. Safe to call once.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.schedulerLoop()
}

func (m *Manager) schedulerLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.runCtx.Done():
			return
		case <-ticker.C:
			m.processQueue()
		}
	}
}

// Stop halts the scheduler and signals every live engine, then waits for
// them to exit cooperatively. Task statuses are left untouched so the event
// log rehydrates in-flight work as Paused on the next start.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.tasksMu.Lock()
		m.closing = true
		m.tasksMu.Unlock()
		m.cancelRun()

		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(30 * time.Second):
			m.log.Warn().Msg("timed out waiting for engines to exit")
		}

		m.subsMu.Lock()
		for ch := range m.subs {
			close(ch)
			delete(m.subs, ch)
		}
		m.subsMu.Unlock()
	})
}

// Close stops the Manager and compacts the event log to a minimal snapshot.
func (m *Manager) Close() error {
	m.Stop()
	m.tasksMu.Lock()
	snapshot := make([]Task, 0, len(m.tasks))
	for _, id := range m.order {
		if t, ok := m.tasks[id]; ok {
			snapshot = append(snapshot, *t)
		}
	}
	m.tasksMu.Unlock()
	if err := m.eventLog.Compact(snapshot); err != nil {
		return fmt.Errorf("error compacting event log: %v", err)
	}
	return m.eventLog.Close()
}

// Subscribe registers a notification channel. The returned func unsubscribes
// and closes the channel. Notifications to a full channel are dropped.
func (m *Manager) Subscribe(buffer int) (<-chan Notification, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Notification, buffer)
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()
	unsub := func() {
		m.subsMu.Lock()
		if _, ok := m.subs[ch]; ok {
			delete(m.subs, ch)
			close(ch)
		}
		m.subsMu.Unlock()
	}
	return ch, unsub
}

func (m *Manager) publish(n Notification) {
	n.Timestamp = time.Now().UTC()
	m.subsMu.Lock()
	for ch := range m.subs {
		select {
		case ch <- n:
		default:
		}
	}
	m.subsMu.Unlock()
}

// notifyTerminal hands a task snapshot to the terminal hook. Called with
// locks held, hence the goroutine.
func (m *Manager) notifyTerminal(t Task) {
	if m.terminalHook != nil {
		go m.terminalHook(t)
	}
}

// Add validates the request, creates a Queued task, and durably records it.
// Returns the new task id. If a failed task with the same URL exists, the new
// task is flagged as a retry.
func (m *Manager) Add(req AddRequest) (string, error) {
	if strings.TrimSpace(req.URL) == "" {
		return "", fmt.Errorf("url is required")
	}
	if req.Kind == "" || req.Kind == "http" {
		if _, err := url.ParseRequestURI(req.URL); err != nil {
			return "", fmt.Errorf("invalid url %q: %v", req.URL, err)
		}
	}
	id := uuid.New().String()
	now := time.Now().UTC()

	m.tasksMu.Lock()
	defer m.tasksMu.Unlock()
	retry := false
	for _, existing := range m.tasks {
		if existing.URL == req.URL && existing.Status == StatusFailed {
			retry = true
			break
		}
	}
	ev := Event{
		Type: EventTaskAdded, TaskID: id, Timestamp: now,
		URL: req.URL, Kind: req.Kind, Format: req.Format, OutputPath: req.OutputPath,
		Retry: retry,
	}
	if err := m.eventLog.Append(ev); err != nil {
		return "", fmt.Errorf("error recording task: %v", err)
	}
	m.tasks[id] = &Task{
		ID:         id,
		URL:        req.URL,
		Kind:       req.Kind,
		Format:     req.Format,
		OutputPath: req.OutputPath,
		Status:     StatusQueued,
		Retry:      retry,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.order = append(m.order, id)
	m.log.Debug().Str("op", "queue/add").Str("task", id).Msgf("queued %s", req.URL)
	m.publish(Notification{Kind: NoteStatusChanged, TaskID: id, Status: StatusQueued})
	return id, nil
}

// Pause stops a downloading task. The engine is signalled and the active
// entry removed before the call returns; the engine itself winds down
// cooperatively in the background.
func (m *Manager) Pause(id string) error {
	m.tasksMu.Lock()
	defer m.tasksMu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if t.Status != StatusDownloading {
		return illegalTransition("pause", id, t.Status)
	}
	if err := m.eventLog.Append(Event{Type: EventTaskPaused, TaskID: id}); err != nil {
		return fmt.Errorf("error recording pause: %v", err)
	}
	m.activeMu.Lock()
	m.teardownEntryLocked(id)
	t.Status = StatusPaused
	t.UpdatedAt = time.Now().UTC()
	m.activeMu.Unlock()
	m.log.Debug().Str("op", "queue/pause").Str("task", id).Msg("paused")
	m.publish(Notification{Kind: NoteStatusChanged, TaskID: id, Status: StatusPaused})
	return nil
}

// teardownEntryLocked signals and unregisters a live engine. Both locks must
// be held. The done channel moves to exiting so the scheduler will not start
// a second engine for the id until the first has fully wound down.
func (m *Manager) teardownEntryLocked(id string) {
	if entry, ok := m.active[id]; ok {
		entry.cancel()
		m.exiting[id] = entry.done
		delete(m.active, id)
	}
}

// Resume re-queues a paused task. Resuming a task that is already Queued or
// Downloading is a no-op, which makes concurrent resumes safe: however many
// callers race, the scheduler promotes the task once.
func (m *Manager) Resume(id string) error {
	m.tasksMu.Lock()
	defer m.tasksMu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	switch t.Status {
	case StatusQueued, StatusDownloading:
		return nil
	case StatusPaused:
	default:
		return illegalTransition("resume", id, t.Status)
	}
	if err := m.eventLog.Append(Event{Type: EventTaskResumed, TaskID: id}); err != nil {
		return fmt.Errorf("error recording resume: %v", err)
	}
	t.Status = StatusQueued
	t.UpdatedAt = time.Now().UTC()
	m.log.Debug().Str("op", "queue/resume").Str("task", id).Msg("requeued")
	m.publish(Notification{Kind: NoteStatusChanged, TaskID: id, Status: StatusQueued})
	return nil
}

// ResumeAll re-queues every paused task and reports how many it touched.
func (m *Manager) ResumeAll() (int, error) {
	m.tasksMu.Lock()
	defer m.tasksMu.Unlock()
	resumed := 0
	for _, id := range m.order {
		t, ok := m.tasks[id]
		if !ok || t.Status != StatusPaused {
			continue
		}
		if err := m.eventLog.Append(Event{Type: EventTaskResumed, TaskID: id}); err != nil {
			return resumed, fmt.Errorf("error recording resume: %v", err)
		}
		t.Status = StatusQueued
		t.UpdatedAt = time.Now().UTC()
		resumed++
		m.publish(Notification{Kind: NoteStatusChanged, TaskID: id, Status: StatusQueued})
	}
	return resumed, nil
}

// Cancel stops a task from Queued, Downloading, or Paused. The task stays
// visible as Cancelled until removed.
func (m *Manager) Cancel(id string) error {
	m.tasksMu.Lock()
	defer m.tasksMu.Unlock()
	return m.cancelLocked(id)
}

func (m *Manager) cancelLocked(id string) error {
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	switch t.Status {
	case StatusQueued, StatusDownloading, StatusPaused:
	default:
		return illegalTransition("cancel", id, t.Status)
	}
	if err := m.eventLog.Append(Event{Type: EventTaskCancelled, TaskID: id}); err != nil {
		return fmt.Errorf("error recording cancel: %v", err)
	}
	m.activeMu.Lock()
	m.teardownEntryLocked(id)
	t.Status = StatusCancelled
	t.UpdatedAt = time.Now().UTC()
	m.activeMu.Unlock()
	m.log.Debug().Str("op", "queue/cancel").Str("task", id).Msg("cancelled")
	m.publish(Notification{Kind: NoteStatusChanged, TaskID: id, Status: StatusCancelled})
	m.notifyTerminal(*t)
	return nil
}

// Remove deletes a task from the visible set. Downloading and Queued tasks
// are cancelled first so the transition is durably recorded.
func (m *Manager) Remove(id string) error {
	m.tasksMu.Lock()
	defer m.tasksMu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	switch t.Status {
	case StatusDownloading, StatusQueued:
		if err := m.cancelLocked(id); err != nil {
			return err
		}
	case StatusPaused, StatusCompleted, StatusFailed, StatusCancelled:
	}
	return m.removeLocked(id)
}

func (m *Manager) removeLocked(id string) error {
	if err := m.eventLog.Append(Event{Type: EventTaskRemoved, TaskID: id}); err != nil {
		return fmt.Errorf("error recording removal: %v", err)
	}
	last := StatusCancelled
	if t, ok := m.tasks[id]; ok {
		last = t.Status
	}
	delete(m.tasks, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.log.Debug().Str("op", "queue/remove").Str("task", id).Msg("removed")
	m.publish(Notification{Kind: NoteRemoved, TaskID: id, Status: last})
	return nil
}

// ClearCompleted removes every completed task and reports how many.
func (m *Manager) ClearCompleted() (int, error) {
	m.tasksMu.Lock()
	defer m.tasksMu.Unlock()
	var ids []string
	for _, id := range m.order {
		if t, ok := m.tasks[id]; ok && t.Status == StatusCompleted {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		if err := m.removeLocked(id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// Tasks returns a consistent snapshot for display, oldest first. The Stalled
// field is derived at snapshot time.
func (m *Manager) Tasks() []Task {
	now := time.Now()
	m.tasksMu.Lock()
	defer m.tasksMu.Unlock()
	out := make([]Task, 0, len(m.tasks))
	for _, id := range m.order {
		t, ok := m.tasks[id]
		if !ok {
			continue
		}
		snap := *t
		snap.Stalled = m.stalledLocked(t, now)
		out = append(out, snap)
	}
	return out
}

// Task returns a snapshot of one task.
func (m *Manager) Task(id string) (Task, error) {
	m.tasksMu.Lock()
	defer m.tasksMu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	snap := *t
	snap.Stalled = m.stalledLocked(t, time.Now())
	return snap, nil
}

func (m *Manager) stalledLocked(t *Task, now time.Time) bool {
	return t.Status == StatusDownloading &&
		!t.LastProgressAt.IsZero() &&
		now.Sub(t.LastProgressAt) > m.cfg.StallThreshold
}

// ActiveCount reports how many engines are currently registered.
func (m *Manager) ActiveCount() int {
	m.activeMu.Lock()
	defer m.activeMu.Unlock()
	return len(m.active)
}

// Stats summarizes the queue for status endpoints.
func (m *Manager) Stats() map[string]int {
	m.tasksMu.Lock()
	defer m.tasksMu.Unlock()
	stats := map[string]int{"total": len(m.tasks)}
	for _, t := range m.tasks {
		stats[t.Status.String()]++
	}
	m.activeMu.Lock()
	stats["active"] = len(m.active)
	m.activeMu.Unlock()
	return stats
}

type spawnRequest struct {
	id    string
	entry *activeEntry
	spec  RunSpec
}

// processQueue is one scheduler pass: reap wound-down engines, heal zombie
// tasks, then promote queued tasks up to the concurrency bound. Runs on
// every tick and may be invoked directly.
func (m *Manager) processQueue() {
	m.reapExiting()
	m.sweepZombies()
	spawns := m.promoteQueued()
	for _, req := range spawns {
		m.wg.Add(1)
		go m.runTask(req)
	}
}

func (m *Manager) reapExiting() {
	m.activeMu.Lock()
	for id, done := range m.exiting {
		select {
		case <-done:
			delete(m.exiting, id)
		default:
		}
	}
	m.activeMu.Unlock()
}

// sweepZombies forces any task marked Downloading without a live entry to
// Failed. Such a task cannot make progress and indicates a crash or bug; the
// queue heals itself rather than trusting the broken state.
func (m *Manager) sweepZombies() {
	m.tasksMu.Lock()
	defer m.tasksMu.Unlock()
	if m.closing {
		return
	}
	m.activeMu.Lock()
	var zombies []*Task
	for _, t := range m.tasks {
		if t.Status == StatusDownloading {
			if _, ok := m.active[t.ID]; !ok {
				zombies = append(zombies, t)
			}
		}
	}
	m.activeMu.Unlock()
	for _, t := range zombies {
		reason := "task marked downloading with no active download entry"
		m.log.Error().Str("op", "queue/sweep").Str("task", t.ID).Msg(reason)
		if err := m.eventLog.Append(Event{Type: EventTaskFailed, TaskID: t.ID, Reason: reason, Class: FailureInternal}); err != nil {
			m.log.Error().Str("task", t.ID).Msgf("error recording zombie failure: %v", err)
		}
		t.Status = StatusFailed
		t.LastError = reason
		t.FailureClass = FailureInternal
		t.UpdatedAt = time.Now().UTC()
		m.publish(Notification{Kind: NoteFailed, TaskID: t.ID, Status: StatusFailed, Reason: reason, Class: FailureInternal})
		m.publish(Notification{Kind: NoteStatusChanged, TaskID: t.ID, Status: StatusFailed})
		m.notifyTerminal(*t)
	}
}

// promoteQueued fills free slots with queued tasks. For each promotion the
// placeholder entry is registered before the status flips to Downloading, so
// no observer can ever see a Downloading task without an entry. Engines are
// spawned by the caller after the locks are released.
func (m *Manager) promoteQueued() []spawnRequest {
	var spawns []spawnRequest
	m.tasksMu.Lock()
	defer m.tasksMu.Unlock()
	if m.closing {
		return nil
	}
	m.activeMu.Lock()
	defer m.activeMu.Unlock()

	for _, id := range m.order {
		if len(m.active) >= m.cfg.MaxConcurrent {
			break
		}
		t, ok := m.tasks[id]
		if !ok || t.Status != StatusQueued {
			continue
		}
		if done, winding := m.exiting[id]; winding {
			select {
			case <-done:
				delete(m.exiting, id)
			default:
				// previous engine still winding down, try next tick
				continue
			}
		}

		entryCtx, cancel := context.WithCancel(m.runCtx)
		entry := &activeEntry{ctx: entryCtx, cancel: cancel, done: make(chan struct{})}
		m.active[id] = entry

		if err := m.eventLog.Append(Event{Type: EventTaskStarted, TaskID: id}); err != nil {
			// Recording the start failed, so the transition never happened.
			delete(m.active, id)
			cancel()
			close(entry.done)
			reason := fmt.Sprintf("error recording task start: %v", err)
			m.log.Error().Str("op", "queue/promote").Str("task", id).Msg(reason)
			t.Status = StatusFailed
			t.LastError = reason
			t.FailureClass = FailureInternal
			t.UpdatedAt = time.Now().UTC()
			m.publish(Notification{Kind: NoteFailed, TaskID: id, Status: StatusFailed, Reason: reason, Class: FailureInternal})
			m.publish(Notification{Kind: NoteStatusChanged, TaskID: id, Status: StatusFailed})
			m.notifyTerminal(*t)
			continue
		}

		now := time.Now().UTC()
		t.Status = StatusDownloading
		t.LastProgressAt = now
		t.UpdatedAt = now
		m.log.Debug().Str("op", "queue/promote").Str("task", id).Msgf("promoted %s", t.URL)
		m.publish(Notification{Kind: NoteStatusChanged, TaskID: id, Status: StatusDownloading})
		spawns = append(spawns, spawnRequest{id: id, entry: entry, spec: RunSpec{
			TaskID:      id,
			URL:         t.URL,
			Kind:        t.Kind,
			Format:      t.Format,
			OutputPath:  t.OutputPath,
			Segments:    m.cfg.Segments,
			KeepPartial: m.cfg.KeepPartial,
		}})
	}
	return spawns
}

// runTask drives one engine from spawn to completion and routes the outcome
// back into the task table.
func (m *Manager) runTask(req spawnRequest) {
	defer m.wg.Done()
	defer close(req.entry.done)

	if m.preflight != nil {
		if err := m.preflight(req.spec); err != nil {
			m.rollbackSpawn(req.id, req.entry, err)
			return
		}
	}
	if m.runner == nil {
		m.rollbackSpawn(req.id, req.entry, fmt.Errorf("no download engine configured"))
		return
	}

	m.activeMu.Lock()
	req.entry.spawned = true
	m.activeMu.Unlock()

	progressCh := make(chan Progress, 64)
	var drainWg sync.WaitGroup
	drainWg.Add(1)
	go func() {
		defer drainWg.Done()
		for p := range progressCh {
			m.noteProgress(req.id, p)
		}
	}()

	res, err := func() (res RunResult, err error) {
		defer close(progressCh)
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("engine panic: %v", r)
			}
		}()
		return m.runner.Run(req.entry.ctx, req.spec, progressCh)
	}()
	drainWg.Wait()
	m.finishTask(req.id, req.entry, res, err)
}

// rollbackSpawn undoes a promotion whose engine never started: the entry is
// removed and the task forced to Failed. A task is never left Downloading
// with no active entry.
func (m *Manager) rollbackSpawn(id string, entry *activeEntry, cause error) {
	m.tasksMu.Lock()
	defer m.tasksMu.Unlock()
	m.activeMu.Lock()
	if m.active[id] != entry {
		// a command already tore the entry down
		m.activeMu.Unlock()
		return
	}
	delete(m.active, id)
	t, ok := m.tasks[id]
	if !ok || m.closing {
		m.activeMu.Unlock()
		return
	}
	reason := fmt.Sprintf("error starting download: %v", cause)
	class := Classify(cause)
	if err := m.eventLog.Append(Event{Type: EventTaskFailed, TaskID: id, Reason: reason, Class: class}); err != nil {
		m.log.Error().Str("task", id).Msgf("error recording spawn failure: %v", err)
	}
	t.Status = StatusFailed
	t.LastError = reason
	t.FailureClass = class
	t.UpdatedAt = time.Now().UTC()
	m.activeMu.Unlock()
	m.log.Warn().Str("op", "queue/spawn").Str("task", id).Msg(reason)
	m.publish(Notification{Kind: NoteFailed, TaskID: id, Status: StatusFailed, Reason: reason, Class: class})
	m.publish(Notification{Kind: NoteStatusChanged, TaskID: id, Status: StatusFailed})
	m.notifyTerminal(*t)
}

// noteProgress applies one engine delta. Deltas arriving after a command has
// already moved the task out of Downloading are dropped.
func (m *Manager) noteProgress(id string, p Progress) {
	m.tasksMu.Lock()
	t, ok := m.tasks[id]
	if !ok || t.Status != StatusDownloading {
		m.tasksMu.Unlock()
		return
	}
	t.Progress += p.Delta
	if p.Total > 0 {
		t.TotalSize = p.Total
	}
	if p.Delta != 0 {
		t.LastProgressAt = time.Now()
	}
	progress, total := t.Progress, t.TotalSize
	m.tasksMu.Unlock()
	m.publish(Notification{Kind: NoteProgress, TaskID: id, Status: StatusDownloading, Progress: progress, TotalSize: total})
}

// finishTask commits an engine outcome. If a command (pause/cancel/remove)
// already tore the entry down, the outcome is stale and ignored; during
// shutdown statuses are left untouched so rehydration sees Paused.
func (m *Manager) finishTask(id string, entry *activeEntry, res RunResult, runErr error) {
	m.tasksMu.Lock()
	defer m.tasksMu.Unlock()
	m.activeMu.Lock()
	if m.active[id] != entry {
		m.activeMu.Unlock()
		return
	}
	delete(m.active, id)
	t, ok := m.tasks[id]
	if !ok || m.closing {
		m.activeMu.Unlock()
		return
	}

	now := time.Now().UTC()
	if runErr == nil {
		if err := m.eventLog.Append(Event{Type: EventTaskCompleted, TaskID: id, OutputPath: res.OutputPath, Size: res.Size}); err != nil {
			m.log.Error().Str("task", id).Msgf("error recording completion: %v", err)
		}
		t.Status = StatusCompleted
		if res.OutputPath != "" {
			t.OutputPath = res.OutputPath
		}
		if res.Size > 0 {
			t.TotalSize = res.Size
			t.Progress = res.Size
		}
		t.LastError = ""
		t.FailureClass = ""
		t.UpdatedAt = now
		m.activeMu.Unlock()
		m.log.Info().Str("op", "queue/finish").Str("task", id).Msgf("completed %s", t.OutputPath)
		m.publish(Notification{Kind: NoteCompleted, TaskID: id, Status: StatusCompleted, OutputPath: t.OutputPath, TotalSize: t.TotalSize})
		m.publish(Notification{Kind: NoteStatusChanged, TaskID: id, Status: StatusCompleted})
		m.notifyTerminal(*t)
		return
	}

	reason := runErr.Error()
	class := Classify(runErr)
	if err := m.eventLog.Append(Event{Type: EventTaskFailed, TaskID: id, Reason: reason, Class: class}); err != nil {
		m.log.Error().Str("task", id).Msgf("error recording failure: %v", err)
	}
	t.Status = StatusFailed
	t.LastError = reason
	t.FailureClass = class
	t.UpdatedAt = now
	m.activeMu.Unlock()
	m.log.Warn().Str("op", "queue/finish").Str("task", id).Str("class", string(class)).Msgf("failed: %s", reason)
	m.publish(Notification{Kind: NoteFailed, TaskID: id, Status: StatusFailed, Reason: reason, Class: class})
	m.publish(Notification{Kind: NoteStatusChanged, TaskID: id, Status: StatusFailed})
	m.notifyTerminal(*t)
}
