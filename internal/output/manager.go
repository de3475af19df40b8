package output

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// FunctionOutput tracks one download's presentation state.
type FunctionOutput struct {
	ID          int
	URL         string
	Status      string
	Message     string
	StreamLines []string
	Complete    bool
	StartTime   time.Time
	LastUpdated time.Time
	Error       error
}

type ErrorReport struct {
	Name  string
	Error error
	Time  time.Time
}

// Manager renders live download state to the terminal, redrawing in place on
// a ticker. All mutation goes through locked setters so downloaders can
// report from any goroutine.
type Manager struct {
	mu          sync.RWMutex
	outputs     map[int]*FunctionOutput
	numLines    int
	maxStreams  int
	errors      []ErrorReport
	doneCh      chan struct{}
	pauseCh     chan bool
	isPaused    bool
	displayTick time.Duration
	nextID      int
	displayWg   sync.WaitGroup
}

func NewManager() *Manager {
	return &Manager{
		outputs:     make(map[int]*FunctionOutput),
		maxStreams:  10,
		doneCh:      make(chan struct{}),
		pauseCh:     make(chan bool),
		displayTick: 300 * time.Millisecond,
	}
}

// Pause suspends display redraws, leaving the terminal free for interactive
// prompts (OAuth flows and the like). Resume picks redrawing back up.
func (m *Manager) Pause() {
	if !m.isPaused {
		m.pauseCh <- true
		m.isPaused = true
	}
}

func (m *Manager) Resume() {
	if m.isPaused {
		m.pauseCh <- false
		m.isPaused = false
	}
}

func (m *Manager) RegisterFunction(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.outputs[m.nextID] = &FunctionOutput{
		ID:          m.nextID,
		URL:         name,
		Status:      "pending",
		StreamLines: []string{},
		StartTime:   time.Now(),
		LastUpdated: time.Now(),
	}
	return m.nextID
}

func (m *Manager) SetMessage(id int, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, exists := m.outputs[id]; exists {
		info.Message = message
		info.LastUpdated = time.Now()
	}
}

func (m *Manager) SetStatus(id int, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, exists := m.outputs[id]; exists {
		info.Status = status
		info.LastUpdated = time.Now()
	}
}

func (m *Manager) GetStatus(id int) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if info, exists := m.outputs[id]; exists {
		return info.Status
	}
	return "unknown"
}

func (m *Manager) Complete(id int, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, exists := m.outputs[id]; exists {
		info.StreamLines = []string{}
		if message == "" {
			message = fmt.Sprintf("Completed %s", info.URL)
		}
		info.Message = message
		info.Complete = true
		info.Status = "success"
		info.LastUpdated = time.Now()
	}
}

func (m *Manager) ReportError(id int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, exists := m.outputs[id]; exists {
		info.Complete = true
		info.Status = "error"
		info.Error = err
		info.LastUpdated = time.Now()
		m.errors = append(m.errors, ErrorReport{
			Name:  info.URL,
			Error: err,
			Time:  time.Now(),
		})
	}
}

// AddStreamLine appends one line of raw tool output under the function's row.
func (m *Manager) AddStreamLine(id int, line string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, exists := m.outputs[id]; exists {
		info.StreamLines = append(info.StreamLines, wrapText(line, 6)...)
		if len(info.StreamLines) > m.maxStreams {
			info.StreamLines = info.StreamLines[len(info.StreamLines)-m.maxStreams:]
		}
		info.LastUpdated = time.Now()
	}
}

// SetProgress replaces the stream area with a progress bar and speed readout.
func (m *Manager) SetProgress(id int, downloaded, total int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, exists := m.outputs[id]; exists {
		bar := PrintProgressBar(max(0, downloaded), total, 30)
		elapsed := time.Since(info.StartTime).Round(time.Second).Seconds()
		display := fmt.Sprintf("%s%s %s %s",
			bar,
			debugStyle.Render(FormatBytes(uint64(max(0, downloaded)))),
			StyleSymbols["bullet"],
			debugStyle.Render(FormatSpeed(downloaded, elapsed)))
		info.StreamLines = []string{display}
		info.LastUpdated = time.Now()
	}
}

func (m *Manager) ClearAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.outputs {
		m.outputs[id].StreamLines = []string{}
	}
}

func statusIndicator(status string) string {
	switch status {
	case "success", "pass":
		return successStyle.Render(StyleSymbols["pass"])
	case "error", "fail":
		return errorStyle.Render(StyleSymbols["fail"])
	case "warning":
		return warningStyle.Render(StyleSymbols["warning"])
	case "pending":
		return pendingStyle.Render(StyleSymbols["pending"])
	default:
		return infoStyle.Render(StyleSymbols["bullet"])
	}
}

func styledMessage(status, message string) string {
	switch status {
	case "success":
		return successStyle.Render(message)
	case "error":
		return errorStyle.Render(message)
	case "warning":
		return warningStyle.Render(message)
	default:
		return pendingStyle.Render(message)
	}
}

func (m *Manager) sortFunctions() (active, pending, completed []*FunctionOutput) {
	all := make([]*FunctionOutput, 0, len(m.outputs))
	for _, info := range m.outputs {
		all = append(all, info)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	for _, f := range all {
		switch {
		case f.Complete:
			completed = append(completed, f)
		case f.Status == "pending" && f.Message == "":
			pending = append(pending, f)
		default:
			active = append(active, f)
		}
	}
	return active, pending, completed
}

// renderFunction prints one function row plus its stream lines, returning how
// many terminal lines it used. budget caps the output.
func (m *Manager) renderFunction(f *FunctionOutput, budget int) int {
	if budget <= 0 {
		return 0
	}
	lines := 1
	indicator := statusIndicator(f.Status)
	if f.Status == "pending" && f.Message == "" {
		fmt.Printf("  %s %s\n", indicator, pendingStyle.Render("Waiting..."))
	} else {
		elapsed := time.Since(f.StartTime)
		if f.Complete {
			elapsed = f.LastUpdated.Sub(f.StartTime)
		}
		fmt.Printf("  %s %s %s\n", indicator, debugStyle.Render(elapsed.Round(time.Second).String()), styledMessage(f.Status, f.Message))
	}
	indent := strings.Repeat(" ", 6)
	for _, line := range f.StreamLines {
		if lines >= budget {
			break
		}
		fmt.Printf("%s%s\n", indent, streamStyle.Render(line))
		lines++
	}
	return lines
}

func (m *Manager) updateDisplay() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	available := getTerminalHeight() - 3
	if m.numLines > 0 {
		fmt.Printf("\033[%dA\033[J", m.numLines)
	}

	active, pending, completed := m.sortFunctions()
	lineCount := 0

	// Completed rows are the first to go when the terminal is short.
	needed := len(completed)
	for _, f := range active {
		needed += 1 + len(f.StreamLines)
	}
	for _, f := range pending {
		needed += 1 + len(f.StreamLines)
	}
	if needed > available {
		keep := available - (needed - len(completed))
		if keep < 0 {
			keep = 0
		}
		if len(completed) > keep {
			completed = completed[len(completed)-keep:]
		}
	}

	for _, f := range active {
		lineCount += m.renderFunction(f, available-lineCount)
	}
	for _, f := range pending {
		lineCount += m.renderFunction(f, available-lineCount)
	}
	if len(completed) > 10 && lineCount < available {
		PrintInfo(fmt.Sprintf("  %d downloads finished, older ones hidden ...", len(completed)-8))
		completed = completed[len(completed)-8:]
		lineCount++
	}
	for _, f := range completed {
		lineCount += m.renderFunction(f, available-lineCount)
	}
	m.numLines = lineCount
}

func (m *Manager) StartDisplay() {
	m.displayWg.Add(1)
	go func() {
		defer m.displayWg.Done()
		ticker := time.NewTicker(m.displayTick)
		defer ticker.Stop()
		paused := false
		for {
			select {
			case <-ticker.C:
				if !paused {
					m.updateDisplay()
				}
			case state := <-m.pauseCh:
				paused = state
			case <-m.doneCh:
				m.ClearAll()
				m.updateDisplay()
				m.ShowSummary()
				return
			}
		}
	}()
}

func (m *Manager) StopDisplay() {
	close(m.doneCh)
	m.displayWg.Wait()
}

func (m *Manager) displayErrors() {
	if len(m.errors) == 0 {
		return
	}
	fmt.Println()
	fmt.Println("  " + errorStyle.Bold(true).Render("Errors:"))
	for i, report := range m.errors {
		fmt.Printf("    %s %s %s\n",
			errorStyle.Render(fmt.Sprintf("%d.", i+1)),
			debugStyle.Render(fmt.Sprintf("[%s]", report.Time.Format("15:04:05"))),
			errorStyle.Render(report.Name))
		fmt.Printf("      %s\n", errorStyle.Render(fmt.Sprintf("Error: %v", report.Error)))
	}
}

func (m *Manager) ShowSummary() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fmt.Println()
	var success, failures int
	for _, info := range m.outputs {
		switch info.Status {
		case "success":
			success++
		case "error":
			failures++
		}
	}
	fmt.Println("  " + success2Style.Render(fmt.Sprintf("Completed %d of %d", success, len(m.outputs))))
	if failures > 0 {
		fmt.Println("  " + errorStyle.Render(fmt.Sprintf("Failed %d of %d", failures, len(m.outputs))))
	}
	m.displayErrors()
	fmt.Println()
}
