// Package proctor watches focus and fullscreen signals during an attempt,
// records violations and forces submission past a threshold.
package proctor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-engine/internal/clock"
	"github.com/stemsi/exstem-engine/internal/model"
	ws "github.com/stemsi/exstem-engine/internal/websocket"
)

// Signal is a focus, visibility or fullscreen change.
type Signal = ws.Signal

// State is the monitor's view of the student.
type State int

const (
	StateFocused State = iota
	StateWarned
	// StateTerminating is entered once forced submission is scheduled and is
	// never left.
	StateTerminating
)

func (s State) String() string {
	switch s {
	case StateFocused:
		return "focused"
	case StateWarned:
		return "warned"
	case StateTerminating:
		return "terminating"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Monitoring event types sent to the server.
const (
	EventTabReturn        = "tab_return"
	EventFullscreenReturn = "fullscreen_return"
	EventForcedScheduled  = "forced_submit_scheduled"
)

const reportTimeout = 10 * time.Second

// Source delivers signals to a handler until the returned cancel func is
// called.
type Source interface {
	Subscribe(handler func(Signal)) (cancel func())
}

// Reporter receives best-effort violation reports.
type Reporter interface {
	LogMonitoring(ctx context.Context, req model.MonitoringLogRequest) error
	FullscreenExit(ctx context.Context, participantID uuid.UUID) (model.FullscreenResponse, error)
	FullscreenReturn(ctx context.Context, participantID uuid.UUID) (model.FullscreenResponse, error)
}

// SubmissionState reports whether submission of the attempt has begun.
type SubmissionState interface {
	Started() bool
}

// Warning describes a violation the student should be told about.
type Warning struct {
	Violation        model.ViolationType
	TabSwitches      int
	FullscreenExits  int
	ForcedSubmitIn   time.Duration // non-zero when forced submission was scheduled
	CheatingDetected bool          // server verdict on fullscreen exits
	RedirectTo       string
}

// Config controls the violation policy.
type Config struct {
	TabSwitchThreshold int
	ForcedSubmitDelay  time.Duration
}

// DefaultConfig forces submission 30s after the third tab switch.
func DefaultConfig() Config {
	return Config{TabSwitchThreshold: 3, ForcedSubmitDelay: 30 * time.Second}
}

// Params groups the collaborators of a Monitor.
type Params struct {
	Config        Config
	ParticipantID uuid.UUID
	Violations    *model.ViolationLog
	Submission    SubmissionState
	Reporter      Reporter // optional
	Clock         clock.Clock
	// ForceSubmit runs when the forced-submission delay elapses and
	// submission has not started yet.
	ForceSubmit func()
	OnWarning   func(Warning)
}

// Monitor is the proctoring state machine of one attempt.
type Monitor struct {
	cfg         Config
	pid         uuid.UUID
	violations  *model.ViolationLog
	submission  SubmissionState
	reporter    Reporter
	clock       clock.Clock
	forceSubmit func()
	onWarning   func(Warning)
	log         zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	state       State
	away        bool // tab hidden or window blurred
	outOfFull   bool
	forced      clock.Timer
	scheduled   int
	detached    bool
	unsubscribe func()
	detachOnce  sync.Once
}

// NewMonitor creates a Monitor in the focused state.
func NewMonitor(p Params, log zerolog.Logger) *Monitor {
	if p.Config.TabSwitchThreshold <= 0 {
		p.Config.TabSwitchThreshold = DefaultConfig().TabSwitchThreshold
	}
	if p.Violations == nil {
		p.Violations = model.NewViolationLog()
	}
	if p.Clock == nil {
		p.Clock = clock.Real{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		cfg:         p.Config,
		pid:         p.ParticipantID,
		violations:  p.Violations,
		submission:  p.Submission,
		reporter:    p.Reporter,
		clock:       p.Clock,
		forceSubmit: p.ForceSubmit,
		onWarning:   p.OnWarning,
		log:         log.With().Str("component", "proctor").Str("participant_id", p.ParticipantID.String()).Logger(),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Attach subscribes the monitor to src. Only the first Attach takes effect.
func (m *Monitor) Attach(src Source) {
	m.mu.Lock()
	if m.detached || m.unsubscribe != nil {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	cancel := src.Subscribe(m.Handle)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.detached || m.unsubscribe != nil {
		cancel()
		return
	}
	m.unsubscribe = cancel
}

// Handle processes one signal.
func (m *Monitor) Handle(sig Signal) {
	switch sig {
	case ws.SignalHidden:
		m.leave(model.ViolationTabSwitch)
	case ws.SignalBlur:
		m.leave(model.ViolationWindowBlur)
	case ws.SignalVisible, ws.SignalFocus:
		m.returned()
	case ws.SignalFullscreenExit:
		m.fullscreenExit()
	case ws.SignalFullscreenEnter:
		m.fullscreenEnter()
	default:
		m.log.Debug().Str("signal", string(sig)).Msg("Ignoring signal")
	}
}

// leave records a focus loss. A blur following a hidden tab (or the reverse)
// is the same departure and is counted once.
func (m *Monitor) leave(kind model.ViolationType) {
	m.mu.Lock()
	if m.detached || m.away {
		m.mu.Unlock()
		return
	}
	m.away = true

	v := m.violations.Append(kind, m.clock.Now())
	tabSwitches := m.violations.TabSwitches()
	if m.state == StateFocused {
		m.state = StateWarned
	}

	var forcedIn time.Duration
	if tabSwitches >= m.cfg.TabSwitchThreshold && m.forced == nil && !m.submissionStarted() {
		m.forced = m.clock.AfterFunc(m.cfg.ForcedSubmitDelay, m.fireForcedSubmit)
		m.scheduled++
		m.state = StateTerminating
		forcedIn = m.cfg.ForcedSubmitDelay
	}
	w := Warning{
		Violation:       kind,
		TabSwitches:     tabSwitches,
		FullscreenExits: m.violations.FullscreenExits(),
		ForcedSubmitIn:  forcedIn,
	}
	m.mu.Unlock()

	m.log.Warn().
		Str("violation", string(kind)).
		Int("tab_switches", tabSwitches).
		Msg("Focus lost")

	m.report(string(kind), map[string]any{"tabSwitches": tabSwitches, "at": v.At})
	if forcedIn > 0 {
		m.log.Warn().Dur("delay", forcedIn).Msg("Forced submission scheduled")
		m.report(EventForcedScheduled, map[string]any{"delayMs": forcedIn.Milliseconds()})
	}
	m.warn(w)
}

func (m *Monitor) returned() {
	m.mu.Lock()
	if m.detached || !m.away {
		m.mu.Unlock()
		return
	}
	m.away = false
	if m.state == StateWarned {
		m.state = StateFocused
	}
	m.mu.Unlock()

	m.report(EventTabReturn, nil)
}

func (m *Monitor) fullscreenExit() {
	m.mu.Lock()
	if m.detached || m.outOfFull {
		m.mu.Unlock()
		return
	}
	m.outOfFull = true
	m.violations.Append(model.ViolationFullscreenExit, m.clock.Now())
	w := Warning{
		Violation:       model.ViolationFullscreenExit,
		TabSwitches:     m.violations.TabSwitches(),
		FullscreenExits: m.violations.FullscreenExits(),
	}
	m.mu.Unlock()

	m.log.Warn().Int("fullscreen_exits", w.FullscreenExits).Msg("Fullscreen exited")
	m.warn(w)
	m.report(string(model.ViolationFullscreenExit), map[string]any{"fullscreenExits": w.FullscreenExits})

	if m.reporter == nil {
		return
	}
	m.async(func(ctx context.Context) {
		res, err := m.reporter.FullscreenExit(ctx, m.pid)
		if err != nil {
			m.log.Warn().Err(err).Msg("Reporting fullscreen exit failed")
			return
		}
		if res.CheatingDetected || res.RedirectTo != "" {
			verdict := w
			verdict.CheatingDetected = res.CheatingDetected
			verdict.RedirectTo = res.RedirectTo
			m.warn(verdict)
		}
	})
}

func (m *Monitor) fullscreenEnter() {
	m.mu.Lock()
	if m.detached || !m.outOfFull {
		m.mu.Unlock()
		return
	}
	m.outOfFull = false
	m.mu.Unlock()

	m.report(EventFullscreenReturn, nil)
	if m.reporter == nil {
		return
	}
	m.async(func(ctx context.Context) {
		if _, err := m.reporter.FullscreenReturn(ctx, m.pid); err != nil {
			m.log.Warn().Err(err).Msg("Reporting fullscreen return failed")
		}
	})
}

func (m *Monitor) fireForcedSubmit() {
	if m.submissionStarted() {
		m.log.Debug().Msg("Forced submission skipped, already submitting")
		return
	}
	m.mu.Lock()
	detached := m.detached
	m.mu.Unlock()
	if detached || m.forceSubmit == nil {
		return
	}
	m.log.Warn().Msg("Forcing submission after repeated violations")
	m.forceSubmit()
}

func (m *Monitor) submissionStarted() bool {
	return m.submission != nil && m.submission.Started()
}

func (m *Monitor) warn(w Warning) {
	if m.onWarning != nil {
		m.onWarning(w)
	}
}

// report sends a monitoring log entry without blocking the caller.
func (m *Monitor) report(eventType string, data map[string]any) {
	if m.reporter == nil {
		return
	}
	req := model.MonitoringLogRequest{ParticipantID: m.pid, EventType: eventType, EventData: data}
	m.async(func(ctx context.Context) {
		if err := m.reporter.LogMonitoring(ctx, req); err != nil {
			m.log.Warn().Err(err).Str("event_type", eventType).Msg("Monitoring log failed")
		}
	})
}

func (m *Monitor) async(fn func(ctx context.Context)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(m.ctx, reportTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ForcedSubmissionsScheduled returns how many forced submissions were
// scheduled. It never exceeds one.
func (m *Monitor) ForcedSubmissionsScheduled() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scheduled
}

// Violations returns the log the monitor appends to.
func (m *Monitor) Violations() *model.ViolationLog { return m.violations }

// Detach unsubscribes from the signal source and cancels a pending forced
// submission. Safe to call repeatedly.
func (m *Monitor) Detach() {
	m.detachOnce.Do(func() {
		m.mu.Lock()
		m.detached = true
		unsubscribe := m.unsubscribe
		if m.forced != nil {
			m.forced.Stop()
		}
		m.mu.Unlock()

		if unsubscribe != nil {
			unsubscribe()
		}
		m.log.Debug().Msg("Proctoring detached")
	})
}

// Wait blocks until in-flight reports finish or ctx ends.
func (m *Monitor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		m.cancel()
		return ctx.Err()
	}
}
