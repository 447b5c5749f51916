// Package whatsapp – machine.go is the lifecycle state machine of the
// connectivity service. Transition is pure: it takes the current state and
// one event and returns the next state plus the commands the service must
// execute. All timing, I/O and goroutines live in service.go.
package whatsapp

import (
	"fmt"
	"time"

	"github.com/jholhewres/taskwire/pkg/taskwire/channels"
	"github.com/jholhewres/taskwire/pkg/taskwire/events"
)

// Phase is the externally visible lifecycle phase.
type Phase string

const (
	PhaseUninitialized Phase = "uninitialized"
	PhaseInitializing  Phase = "initializing"
	PhaseAwaitingScan  Phase = "awaiting_scan"
	PhaseReady         Phase = "ready"
	PhaseDisconnected  Phase = "disconnected"
	PhaseFallback      Phase = "fallback"
)

// StatusText is the human readable description shown to operators.
func (p Phase) StatusText() string {
	switch p {
	case PhaseUninitialized:
		return "WhatsApp service not started"
	case PhaseInitializing:
		return "Starting WhatsApp service..."
	case PhaseAwaitingScan:
		return "QR code generated. Please scan with your phone."
	case PhaseReady:
		return "WhatsApp connected and ready"
	case PhaseDisconnected:
		return "WhatsApp disconnected, reconnecting"
	case PhaseFallback:
		return "WhatsApp unavailable, notifications suppressed"
	}
	return string(p)
}

// allowedEdges lists every phase change Transition may produce.
var allowedEdges = map[Phase][]Phase{
	PhaseUninitialized: {PhaseInitializing, PhaseFallback},
	PhaseInitializing:  {PhaseAwaitingScan, PhaseReady, PhaseFallback, PhaseUninitialized},
	PhaseAwaitingScan:  {PhaseReady, PhaseInitializing, PhaseFallback, PhaseUninitialized},
	PhaseReady:         {PhaseDisconnected, PhaseFallback, PhaseInitializing, PhaseUninitialized},
	PhaseDisconnected:  {PhaseInitializing, PhaseFallback, PhaseUninitialized},
	PhaseFallback:      {PhaseInitializing, PhaseUninitialized},
}

// EdgeAllowed reports whether from -> to is a legal phase change.
func EdgeAllowed(from, to Phase) bool {
	for _, p := range allowedEdges[from] {
		if p == to {
			return true
		}
	}
	return false
}

// State is the connection state owned by the service actor.
type State struct {
	Phase          Phase
	Attempt        int
	MaxAttempts    int
	Initializing   bool
	LastQR         string
	SessionPresent bool
	Disabled       bool

	// Generation tags the current channel instance. It is bumped on every
	// launch and every teardown; events and scheduled initializes carrying
	// another generation are stale.
	Generation uint64
	// ChannelLive is set while an instance of Generation may exist.
	ChannelLive bool

	StartedAt        time.Time
	LastTransitionAt time.Time
	LastError        string
	LastReason       string
}

// NewState returns the initial state.
func NewState(maxAttempts int, now time.Time) State {
	return State{
		Phase:            PhaseUninitialized,
		MaxAttempts:      maxAttempts,
		StartedAt:        now,
		LastTransitionAt: now,
	}
}

// Policy holds the tunables read by Transition.
type Policy struct {
	MaxAttempts        int
	InitTimeout        time.Duration
	RetryDelay         time.Duration
	ReconnectDelay     time.Duration
	RestartDelay       time.Duration
	ClearSessionOnInit bool

	// Disabled forces fallback on initialize; DisabledReason is shown to
	// viewers.
	Disabled       bool
	DisabledReason string
}

// ── Events ──

// Event is an input to Transition.
type Event interface{ isEvent() }

// InitializeRequested starts a launch. Scheduled requests come from retry,
// reconnect and restart timers and carry the generation they were
// scheduled under.
type InitializeRequested struct {
	Scheduled bool
	Gen       uint64
}

type QRReceived struct {
	Gen  uint64
	Code string
}

type ReadyReceived struct {
	Gen  uint64
	Info map[string]any
}

type DisconnectedReceived struct {
	Gen    uint64
	Reason string
}

type ChannelFailed struct {
	Gen uint64
	Err error
}

type InitTimeout struct{ Gen uint64 }

type MessageReceived struct {
	Gen uint64
	Msg *channels.IncomingMessage
}

type DisableRequested struct{ Reason string }

type EnableRequested struct{}

type ForceRestartRequested struct{}

type ResetRequested struct{}

func (InitializeRequested) isEvent()   {}
func (QRReceived) isEvent()            {}
func (ReadyReceived) isEvent()         {}
func (DisconnectedReceived) isEvent()  {}
func (ChannelFailed) isEvent()         {}
func (InitTimeout) isEvent()           {}
func (MessageReceived) isEvent()       {}
func (DisableRequested) isEvent()      {}
func (EnableRequested) isEvent()       {}
func (ForceRestartRequested) isEvent() {}
func (ResetRequested) isEvent()        {}

// ── Commands ──

// Command is an effect requested by Transition.
type Command interface{ isCommand() }

// EmitEvent publishes a viewer event.
type EmitEvent struct {
	Name string
	Data any
}

type ClearSession struct{}

type LaunchChannel struct{ Gen uint64 }

type DestroyChannel struct{ Gen uint64 }

type StartInitTimer struct {
	Gen   uint64
	After time.Duration
}

type StopInitTimer struct{}

type ScheduleInitialize struct {
	Gen   uint64
	After time.Duration
}

type DeliverMessage struct{ Msg *channels.IncomingMessage }

func (EmitEvent) isCommand()          {}
func (ClearSession) isCommand()       {}
func (LaunchChannel) isCommand()      {}
func (DestroyChannel) isCommand()     {}
func (StartInitTimer) isCommand()     {}
func (StopInitTimer) isCommand()      {}
func (ScheduleInitialize) isCommand() {}
func (DeliverMessage) isCommand()     {}

// ── Event payloads ──

// StateChange is the payload of the "state-change" event.
type StateChange struct {
	Phase       Phase  `json:"phase"`
	Previous    Phase  `json:"previous"`
	Status      string `json:"status"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
}

// RetryNotice is the payload of the "retry" event.
type RetryNotice struct {
	Attempt     int     `json:"attempt"`
	MaxAttempts int     `json:"max_attempts"`
	NextRetryIn float64 `json:"next_retry_in_seconds"`
	Reason      string  `json:"reason,omitempty"`
}

// ErrorNotice is the payload of the "error" event.
type ErrorNotice struct {
	Type          string `json:"type"`
	Message       string `json:"message"`
	OriginalError string `json:"original_error,omitempty"`
	Attempt       int    `json:"attempt"`
	MaxAttempts   int    `json:"max_attempts"`
	Final         bool   `json:"final"`
}

// Transition applies ev to s. It never changes the phase more than once.
func Transition(s State, ev Event, p Policy, now time.Time) (State, []Command) {
	t := &transition{s: s, p: p, now: now}
	switch e := ev.(type) {
	case InitializeRequested:
		t.initialize(e)
	case QRReceived:
		t.qr(e)
	case ReadyReceived:
		t.ready(e)
	case DisconnectedReceived:
		t.disconnected(e)
	case ChannelFailed:
		t.failed(e.Gen, e.Err)
	case InitTimeout:
		t.timeout(e)
	case MessageReceived:
		if e.Gen == t.s.Generation && t.s.Phase == PhaseReady && e.Msg != nil {
			t.cmd(DeliverMessage{Msg: e.Msg})
		}
	case DisableRequested:
		t.disable(e.Reason)
	case EnableRequested:
		t.s.Disabled = false
	case ForceRestartRequested:
		t.forceRestart()
	case ResetRequested:
		t.reset()
	}
	return t.s, t.cmds
}

type transition struct {
	s    State
	p    Policy
	now  time.Time
	cmds []Command
}

func (t *transition) cmd(c Command) { t.cmds = append(t.cmds, c) }

func (t *transition) emit(name string, data any) {
	t.cmd(EmitEvent{Name: name, Data: data})
}

func (t *transition) move(to Phase) {
	from := t.s.Phase
	if from == to {
		return
	}
	t.s.Phase = to
	t.s.LastTransitionAt = t.now
	t.emit(events.StateChange, StateChange{
		Phase:       to,
		Previous:    from,
		Status:      to.StatusText(),
		Attempt:     t.s.Attempt,
		MaxAttempts: t.s.MaxAttempts,
	})
}

// teardown destroys the current instance, if any, and moves to a fresh
// generation so everything it still reports is stale.
func (t *transition) teardown() {
	if t.s.ChannelLive {
		t.cmd(DestroyChannel{Gen: t.s.Generation})
	}
	t.s.ChannelLive = false
	t.s.Initializing = false
	t.s.Generation++
}

func (t *transition) schedule(after time.Duration) {
	t.cmd(ScheduleInitialize{Gen: t.s.Generation, After: after})
}

func (t *transition) initialize(e InitializeRequested) {
	if e.Scheduled && e.Gen != t.s.Generation {
		return
	}
	if t.p.Disabled {
		t.disable(t.p.DisabledReason)
		return
	}
	if t.s.Initializing {
		return
	}
	switch t.s.Phase {
	case PhaseAwaitingScan, PhaseReady, PhaseFallback:
		return
	}

	if t.s.ChannelLive {
		t.cmd(DestroyChannel{Gen: t.s.Generation})
	}
	t.s.MaxAttempts = t.p.MaxAttempts
	t.s.Attempt++
	t.s.Generation++
	t.s.ChannelLive = true
	t.s.Initializing = true
	t.s.LastQR = ""
	t.s.LastError = ""

	if t.p.ClearSessionOnInit {
		t.cmd(ClearSession{})
		t.s.SessionPresent = false
	}
	t.emit(events.Initializing, fmt.Sprintf("Starting WhatsApp service (attempt %d/%d)...",
		t.s.Attempt, t.s.MaxAttempts))
	t.move(PhaseInitializing)
	t.cmd(LaunchChannel{Gen: t.s.Generation})
	if t.p.InitTimeout > 0 {
		t.cmd(StartInitTimer{Gen: t.s.Generation, After: t.p.InitTimeout})
	}
}

func (t *transition) qr(e QRReceived) {
	if e.Gen != t.s.Generation || !t.s.ChannelLive {
		return
	}
	if t.s.Phase != PhaseInitializing && t.s.Phase != PhaseAwaitingScan {
		return
	}
	if t.s.Initializing {
		t.s.Initializing = false
		t.cmd(StopInitTimer{})
	}
	t.s.LastQR = e.Code
	t.emit(events.QR, e.Code)
	t.move(PhaseAwaitingScan)
}

func (t *transition) ready(e ReadyReceived) {
	if e.Gen != t.s.Generation || !t.s.ChannelLive {
		return
	}
	if t.s.Phase != PhaseInitializing && t.s.Phase != PhaseAwaitingScan {
		return
	}
	if t.s.Initializing {
		t.s.Initializing = false
		t.cmd(StopInitTimer{})
	}
	t.s.LastQR = ""
	t.s.SessionPresent = true
	t.s.LastReason = ""
	t.emit(events.Ready, e.Info)
	t.move(PhaseReady)
}

func (t *transition) disconnected(e DisconnectedReceived) {
	if e.Gen != t.s.Generation || !t.s.ChannelLive {
		return
	}
	switch t.s.Phase {
	case PhaseReady:
	case PhaseInitializing, PhaseAwaitingScan:
		t.failed(e.Gen, fmt.Errorf("disconnected before ready: %s", e.Reason))
		return
	default:
		return
	}

	t.teardown()
	t.s.LastReason = e.Reason
	t.emit(events.Disconnected, e.Reason)
	if t.s.Attempt < t.s.MaxAttempts {
		t.emit(events.Retry, RetryNotice{
			Attempt:     t.s.Attempt,
			MaxAttempts: t.s.MaxAttempts,
			NextRetryIn: t.p.ReconnectDelay.Seconds(),
			Reason:      e.Reason,
		})
		t.move(PhaseDisconnected)
		t.schedule(t.p.ReconnectDelay)
		return
	}
	t.s.LastError = fmt.Sprintf("disconnected after %d attempts: %s", t.s.Attempt, e.Reason)
	t.move(PhaseFallback)
}

func (t *transition) failed(gen uint64, err error) {
	if gen != t.s.Generation || !t.s.ChannelLive {
		return
	}
	switch t.s.Phase {
	case PhaseInitializing, PhaseAwaitingScan:
	case PhaseReady:
		reason := "channel failed"
		if err != nil {
			reason = err.Error()
		}
		t.disconnected(DisconnectedReceived{Gen: gen, Reason: reason})
		return
	default:
		return
	}

	wasInitializing := t.s.Initializing
	t.teardown()
	if wasInitializing {
		t.cmd(StopInitTimer{})
	}
	t.s.LastQR = ""

	kind, msg := classifyError(err)
	t.s.LastError = msg
	notice := ErrorNotice{
		Type:        kind,
		Message:     msg,
		Attempt:     t.s.Attempt,
		MaxAttempts: t.s.MaxAttempts,
		Final:       t.s.Attempt >= t.s.MaxAttempts,
	}
	if err != nil {
		notice.OriginalError = err.Error()
	}
	t.emit(events.Error, notice)

	if notice.Final {
		t.move(PhaseFallback)
		return
	}
	t.emit(events.Retry, RetryNotice{
		Attempt:     t.s.Attempt,
		MaxAttempts: t.s.MaxAttempts,
		NextRetryIn: t.p.RetryDelay.Seconds(),
		Reason:      msg,
	})
	t.move(PhaseInitializing)
	t.schedule(t.p.RetryDelay)
}

func (t *transition) timeout(e InitTimeout) {
	if e.Gen != t.s.Generation || !t.s.Initializing || t.s.Phase != PhaseInitializing {
		return
	}
	t.teardown()
	t.s.LastError = "WhatsApp initialization timed out"
	t.emit(events.Error, ErrorNotice{
		Type:        ErrKindInitTimeout,
		Message:     t.s.LastError,
		Attempt:     t.s.Attempt,
		MaxAttempts: t.s.MaxAttempts,
		Final:       true,
	})
	t.move(PhaseFallback)
}

func (t *transition) disable(reason string) {
	if reason == "" {
		reason = "WhatsApp service disabled"
	}
	wasInitializing := t.s.Initializing
	t.teardown()
	if wasInitializing {
		t.cmd(StopInitTimer{})
	}
	t.s.Disabled = true
	t.s.LastQR = ""
	t.s.LastReason = reason
	t.emit(events.Disabled, reason)
	t.move(PhaseFallback)
}

func (t *transition) forceRestart() {
	wasInitializing := t.s.Initializing
	t.teardown()
	if wasInitializing {
		t.cmd(StopInitTimer{})
	}
	t.cmd(ClearSession{})
	t.s.SessionPresent = false
	t.s.Attempt = 0
	t.s.LastQR = ""
	t.s.LastError = ""
	t.s.LastReason = ""
	t.emit(events.Initializing, "Restarting WhatsApp service...")
	t.move(PhaseInitializing)
	t.schedule(t.p.RestartDelay)
}

func (t *transition) reset() {
	wasInitializing := t.s.Initializing
	t.teardown()
	if wasInitializing {
		t.cmd(StopInitTimer{})
	}
	t.cmd(ClearSession{})

	prev := t.s
	t.s = State{
		Phase:            prev.Phase,
		MaxAttempts:      prev.MaxAttempts,
		Generation:       prev.Generation,
		StartedAt:        prev.StartedAt,
		LastTransitionAt: prev.LastTransitionAt,
	}
	t.move(PhaseUninitialized)
}
