// Package whatsapp implements the WhatsApp connectivity service of
// taskwire: it keeps one channel instance alive through pairing, readiness,
// disconnects and retries, degrades to a fallback mode in which outbound
// notifications are suppressed, and hands inbound text messages to the
// workflow layer.
//
// The service is a single actor. One goroutine owns the State, consumes an
// event channel fed by channel instances, timers and operator requests,
// runs the pure Transition function and executes the commands it returns.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/robfig/cron/v3"

	"github.com/jholhewres/taskwire/pkg/taskwire/channels"
	"github.com/jholhewres/taskwire/pkg/taskwire/events"
	"github.com/jholhewres/taskwire/pkg/taskwire/metrics"
)

// Config holds the connectivity settings.
type Config struct {
	// Disabled keeps the service in fallback mode.
	Disabled bool `yaml:"disabled"`

	// DisabledReason is shown to viewers when Disabled is set by the
	// environment rather than by the operator.
	DisabledReason string `yaml:"-"`

	// Driver selects the channel backend: "whatsmeow" or "browser".
	Driver string `yaml:"driver"`

	// DeviceName is shown on the phone under linked devices.
	DeviceName string `yaml:"device_name"`

	// AuthDir holds pairing data, CacheDir anything cached next to it.
	AuthDir  string `yaml:"auth_dir"`
	CacheDir string `yaml:"cache_dir"`

	// MaxAttempts is read at each initialize.
	MaxAttempts int `yaml:"max_attempts"`

	InitTimeout    time.Duration `yaml:"init_timeout"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	RestartDelay   time.Duration `yaml:"restart_delay"`

	// ClearSessionOnInit wipes pairing data before every launch, forcing a
	// fresh QR scan.
	ClearSessionOnInit bool `yaml:"clear_session_on_init"`

	// DefaultCountryCode is prefixed to ten-digit phone numbers.
	DefaultCountryCode string `yaml:"default_country_code"`

	// PrintQR renders QR codes on the terminal.
	PrintQR bool `yaml:"print_qr"`

	// AutoStart initializes the service when the server starts.
	AutoStart bool `yaml:"auto_start"`

	// InboundBuffer is the size of the inbound message queue.
	InboundBuffer int `yaml:"inbound_buffer"`

	Browser       BrowserConfig       `yaml:"browser"`
	HealthMonitor HealthMonitorConfig `yaml:"health_monitor"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Driver:             "whatsmeow",
		DeviceName:         "Taskwire",
		AuthDir:            "./data/whatsapp/auth",
		CacheDir:           "./data/whatsapp/cache",
		MaxAttempts:        3,
		InitTimeout:        60 * time.Second,
		RetryDelay:         10 * time.Second,
		ReconnectDelay:     5 * time.Second,
		RestartDelay:       2 * time.Second,
		ClearSessionOnInit: true,
		DefaultCountryCode: "91",
		PrintQR:            true,
		AutoStart:          true,
		InboundBuffer:      256,
		Browser:            DefaultBrowserConfig(),
		HealthMonitor:      DefaultHealthMonitorConfig(),
	}
}

// Policy derives the state machine tunables.
func (c Config) Policy() Policy {
	p := Policy{
		MaxAttempts:        c.MaxAttempts,
		InitTimeout:        c.InitTimeout,
		RetryDelay:         c.RetryDelay,
		ReconnectDelay:     c.ReconnectDelay,
		RestartDelay:       c.RestartDelay,
		ClearSessionOnInit: c.ClearSessionOnInit,
		Disabled:           c.Disabled,
		DisabledReason:     c.DisabledReason,
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	return p
}

// Options wires a Service.
type Options struct {
	Config    Config
	Driver    Driver
	Session   *SessionStore
	Publisher events.Publisher
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	// QROutput receives terminal QR renderings when Config.PrintQR is set.
	QROutput io.Writer

	// Now overrides the clock.
	Now func() time.Time
}

// Status is the operator view of the service.
type Status struct {
	Phase          Phase  `json:"phase"`
	Status         string `json:"status"`
	IsReady        bool   `json:"is_ready"`
	IsInitializing bool   `json:"is_initializing"`
	FallbackMode   bool   `json:"fallback_mode"`
	Disabled       bool   `json:"disabled"`
	Attempt        int    `json:"attempt"`
	MaxAttempts    int    `json:"max_attempts"`
	HasQR          bool   `json:"has_qr"`
	QR             string `json:"qr,omitempty"`
}

// DetailedStatus adds diagnostics to Status.
type DetailedStatus struct {
	Status

	Driver           string             `json:"driver"`
	Generation       uint64             `json:"generation"`
	ClientExists     bool               `json:"client_exists"`
	ClientConnected  bool               `json:"client_connected"`
	ClientInfo       map[string]any     `json:"client_info,omitempty"`
	SessionPresent   bool               `json:"session_present"`
	SessionOnDisk    bool               `json:"session_on_disk"`
	AuthDir          string             `json:"auth_dir"`
	CacheDir         string             `json:"cache_dir"`
	Browser          *BrowserResolution `json:"browser,omitempty"`
	StartedAt        time.Time          `json:"started_at"`
	LastTransitionAt time.Time          `json:"last_transition_at"`
	LastActivityAt   time.Time          `json:"last_activity_at,omitempty"`
	Uptime           string             `json:"uptime"`
	LastError        string             `json:"last_error,omitempty"`
	LastReason       string             `json:"last_reason,omitempty"`
}

// attached reports the Conn produced by a finished launch.
type attached struct {
	gen  uint64
	conn Conn
}

func (attached) isEvent() {}

// Service is the connectivity actor.
type Service struct {
	driver  Driver
	session *SessionStore
	pub     events.Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger
	qrOut   io.Writer
	now     func() time.Time

	cfgMu sync.RWMutex
	cfg   Config

	inbox          chan Event
	messages       chan *channels.IncomingMessage
	messagesClosed atomic.Bool

	// Owned by the actor goroutine.
	state     State
	conn      Conn
	connGen   uint64
	initTimer *time.Timer

	// snapMu guards the copy read by status and send paths.
	snapMu   sync.RWMutex
	snap     State
	snapConn Conn

	lastActivity atomic.Value // time.Time

	health *cron.Cron

	started  atomic.Bool
	stopped  chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a service. Call Start to run it.
func New(opts Options) (*Service, error) {
	if opts.Driver == nil {
		return nil, errors.New("whatsapp: driver is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	cfg := opts.Config
	session := opts.Session
	if session == nil {
		session = NewSessionStore(cfg.AuthDir, cfg.CacheDir, logger)
	}
	buf := cfg.InboundBuffer
	if buf <= 0 {
		buf = 256
	}

	s := &Service{
		driver:   opts.Driver,
		session:  session,
		pub:      opts.Publisher,
		metrics:  opts.Metrics,
		logger:   logger.With("component", "whatsapp"),
		qrOut:    opts.QROutput,
		now:      now,
		cfg:      cfg,
		inbox:    make(chan Event, 64),
		messages: make(chan *channels.IncomingMessage, buf),
		stopped:  make(chan struct{}),
	}
	s.state = NewState(cfg.Policy().MaxAttempts, now())
	s.snap = s.state
	s.metrics.SetPhase(string(PhaseUninitialized))
	return s, nil
}

// Start runs the actor until ctx is cancelled or Stop is called.
func (s *Service) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("whatsapp: service already started")
	}
	if err := s.startHealthMonitor(s.config().HealthMonitor); err != nil {
		return fmt.Errorf("starting health monitor: %w", err)
	}
	s.wg.Add(1)
	go s.run(ctx)

	s.logger.Info("whatsapp service started", "driver", s.driver.Name())
	return nil
}

// Stop tears down the current instance and waits for the actor.
func (s *Service) Stop() {
	s.markStopped()
	s.wg.Wait()
}

func (s *Service) markStopped() {
	s.stopOnce.Do(func() {
		if s.health != nil {
			s.health.Stop()
		}
		close(s.stopped)
	})
}

// Receive returns the inbound message queue. It is closed when the service
// stops.
func (s *Service) Receive() <-chan *channels.IncomingMessage {
	return s.messages
}

// Initialize asks the service to launch a channel instance. It is a no-op
// while a launch is in flight, while awaiting a scan, when ready and in
// fallback mode.
func (s *Service) Initialize() { s.post(InitializeRequested{}) }

// ForceRestart tears everything down, clears the session, resets the
// attempt counter and launches again after the restart delay.
func (s *Service) ForceRestart() { s.post(ForceRestartRequested{}) }

// ResetService returns to the uninitialized phase without launching.
func (s *Service) ResetService() { s.post(ResetRequested{}) }

// Disable latches fallback mode.
func (s *Service) Disable(reason string) { s.post(DisableRequested{Reason: reason}) }

// Enable clears the disable latch. The service stays in fallback until
// restarted.
func (s *Service) Enable() { s.post(EnableRequested{}) }

// UpdateConfig replaces the configuration. Most settings apply at the
// next initialize; flipping Disabled is applied right away.
func (s *Service) UpdateConfig(cfg Config) {
	s.cfgMu.Lock()
	prev := s.cfg
	s.cfg = cfg
	s.cfgMu.Unlock()

	switch {
	case cfg.Disabled && !prev.Disabled:
		s.Disable(cfg.DisabledReason)
	case !cfg.Disabled && prev.Disabled:
		s.Enable()
	}
}

func (s *Service) config() Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// GetStatus returns the current status.
func (s *Service) GetStatus() Status {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return statusFrom(s.snap)
}

func statusFrom(st State) Status {
	return Status{
		Phase:          st.Phase,
		Status:         st.Phase.StatusText(),
		IsReady:        st.Phase == PhaseReady,
		IsInitializing: st.Initializing,
		FallbackMode:   st.Phase == PhaseFallback,
		Disabled:       st.Disabled,
		Attempt:        st.Attempt,
		MaxAttempts:    st.MaxAttempts,
		HasQR:          st.LastQR != "",
		QR:             st.LastQR,
	}
}

// GetDetailedStatus returns the status plus diagnostics.
func (s *Service) GetDetailedStatus() DetailedStatus {
	s.snapMu.RLock()
	st, conn := s.snap, s.snapConn
	s.snapMu.RUnlock()

	d := DetailedStatus{
		Status:           statusFrom(st),
		Driver:           s.driver.Name(),
		Generation:       st.Generation,
		ClientExists:     conn != nil,
		SessionPresent:   st.SessionPresent,
		SessionOnDisk:    s.session.Present(),
		AuthDir:          s.session.AuthDir(),
		CacheDir:         s.session.CacheDir(),
		StartedAt:        st.StartedAt,
		LastTransitionAt: st.LastTransitionAt,
		Uptime:           s.now().Sub(st.StartedAt).Round(time.Second).String(),
		LastError:        st.LastError,
		LastReason:       st.LastReason,
	}
	if conn != nil {
		d.ClientConnected = conn.IsConnected()
		d.ClientInfo = conn.Info()
	}
	if t, ok := s.lastActivity.Load().(time.Time); ok {
		d.LastActivityAt = t
	}
	if s.driver.Name() == "browser" {
		res := ResolveBrowser(s.config().Browser.ExecutablePath)
		d.Browser = &res
	}
	return d
}

// activeConn returns the phase and instance used by the gateway.
func (s *Service) activeConn() (Phase, Conn) {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snap.Phase, s.snapConn
}

// post queues an event for the actor. After Stop it is dropped.
func (s *Service) post(ev Event) {
	select {
	case s.inbox <- ev:
	case <-s.stopped:
	}
}

func (s *Service) touch() { s.lastActivity.Store(s.now()) }

// ---------- Actor ----------

func (s *Service) run(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			s.markStopped()
			s.shutdown()
			return
		case <-s.stopped:
			s.shutdown()
			return
		case ev := <-s.inbox:
			s.handle(ev)
		}
	}
}

func (s *Service) handle(ev Event) {
	if a, ok := ev.(attached); ok {
		s.attach(a)
		s.publishSnapshot()
		return
	}
	if gen, ok := channelGeneration(ev); ok && (gen != s.state.Generation || !s.state.ChannelLive) {
		if s.metrics != nil {
			s.metrics.StaleEvents.Inc()
		}
		s.logger.Debug("ignoring event from a torn down instance",
			"event", fmt.Sprintf("%T", ev), "generation", gen, "current", s.state.Generation)
		return
	}

	prev := s.state
	next, cmds := Transition(s.state, ev, s.config().Policy(), s.now())
	s.state = next
	if prev.Phase != next.Phase {
		s.logger.Info("phase changed",
			"from", prev.Phase, "to", next.Phase,
			"attempt", next.Attempt, "max_attempts", next.MaxAttempts)
		s.metrics.RecordTransition(string(prev.Phase), string(next.Phase))
	}
	for _, c := range cmds {
		s.execute(c)
	}
	s.publishSnapshot()
}

// channelGeneration returns the generation of events produced by channel
// instances.
func channelGeneration(ev Event) (uint64, bool) {
	switch e := ev.(type) {
	case QRReceived:
		return e.Gen, true
	case ReadyReceived:
		return e.Gen, true
	case DisconnectedReceived:
		return e.Gen, true
	case ChannelFailed:
		return e.Gen, true
	case MessageReceived:
		return e.Gen, true
	}
	return 0, false
}

func (s *Service) publishSnapshot() {
	s.snapMu.Lock()
	s.snap = s.state
	s.snapConn = s.conn
	s.snapMu.Unlock()
}

func (s *Service) execute(c Command) {
	switch c := c.(type) {
	case EmitEvent:
		s.emit(c.Name, c.Data)

	case ClearSession:
		res := s.session.Clear()
		if s.metrics != nil {
			result := "ok"
			if res.Partial() {
				result = "partial"
			}
			s.metrics.SessionClears.WithLabelValues(result).Inc()
		}

	case LaunchChannel:
		if s.metrics != nil {
			s.metrics.InitAttempts.Inc()
		}
		s.launch(c.Gen)

	case DestroyChannel:
		if s.conn != nil && s.connGen == c.Gen {
			conn := s.conn
			s.conn = nil
			s.destroyAsync(conn, c.Gen)
		}

	case StartInitTimer:
		s.stopInitTimer()
		gen := c.Gen
		s.initTimer = time.AfterFunc(c.After, func() { s.post(InitTimeout{Gen: gen}) })

	case StopInitTimer:
		s.stopInitTimer()

	case ScheduleInitialize:
		gen := c.Gen
		s.logger.Info("initialize scheduled", "in", c.After, "generation", gen)
		time.AfterFunc(c.After, func() { s.post(InitializeRequested{Scheduled: true, Gen: gen}) })

	case DeliverMessage:
		s.deliver(c.Msg)
	}
}

func (s *Service) stopInitTimer() {
	if s.initTimer != nil {
		s.initTimer.Stop()
		s.initTimer = nil
	}
}

func (s *Service) emit(name string, data any) {
	switch name {
	case events.QR:
		if code, ok := data.(string); ok && s.config().PrintQR && s.qrOut != nil {
			fmt.Fprintln(s.qrOut, "Scan this QR code with WhatsApp:")
			qrterminal.GenerateHalfBlock(code, qrterminal.L, s.qrOut)
		}
	case events.Error:
		if n, ok := data.(ErrorNotice); ok {
			s.logger.Error("channel error",
				"type", n.Type, "message", n.Message, "error", n.OriginalError,
				"attempt", n.Attempt, "final", n.Final)
			if s.metrics != nil {
				s.metrics.ChannelErrors.WithLabelValues(n.Type).Inc()
			}
		}
	case events.Ready:
		s.touch()
	}
	if s.pub != nil {
		s.pub.Publish(name, data)
	}
}

// launch runs Driver.Launch off the actor goroutine. Errors and panics
// come back as ChannelFailed, a successful Conn as attached.
func (s *Service) launch(gen uint64) {
	cfg := s.config()
	opts := LaunchOptions{
		Generation: gen,
		Session:    s.session,
		Browser:    cfg.Browser,
	}
	s.logger.Info("launching channel", "driver", s.driver.Name(), "generation", gen)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		var (
			conn Conn
			err  error
		)
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("channel launch panic: %v", r)
				}
			}()
			ctx, cancel := context.WithTimeout(context.Background(), launchTimeout)
			defer cancel()
			conn, err = s.driver.Launch(ctx, opts, serviceSink{s: s})
		}()

		if err == nil && conn == nil {
			err = errors.New("driver returned no channel instance")
		}
		if err != nil {
			s.post(ChannelFailed{Gen: gen, Err: err})
			return
		}
		s.post(attached{gen: gen, conn: conn})
	}()
}

func (s *Service) attach(a attached) {
	if a.gen == s.state.Generation && s.state.ChannelLive && s.conn == nil {
		s.conn = a.conn
		s.connGen = a.gen
		return
	}
	s.logger.Debug("discarding late channel instance", "generation", a.gen, "current", s.state.Generation)
	s.destroyAsync(a.conn, a.gen)
}

func (s *Service) destroyAsync(conn Conn, gen uint64) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Warn("channel destroy panic", "generation", gen, "error", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := conn.Destroy(ctx); err != nil {
			s.logger.Warn("channel destroy failed", "generation", gen, "error", err)
		}
	}()
}

// deliver queues an inbound message without blocking the actor.
func (s *Service) deliver(msg *channels.IncomingMessage) {
	if s.messagesClosed.Load() {
		return
	}
	select {
	case s.messages <- msg:
	default:
		s.logger.Warn("inbound queue full, dropping message", "from", msg.From, "id", msg.ID)
		if s.metrics != nil {
			s.metrics.DroppedInbound.Inc()
		}
	}
}

func (s *Service) shutdown() {
	s.stopInitTimer()
	if s.conn != nil {
		conn := s.conn
		s.conn = nil
		s.destroyAsync(conn, s.connGen)
	}
	s.state.ChannelLive = false
	s.publishSnapshot()
	if s.messagesClosed.CompareAndSwap(false, true) {
		close(s.messages)
	}
	s.logger.Info("whatsapp service stopped")
}

// serviceSink turns channel callbacks into actor events.
type serviceSink struct{ s *Service }

func (k serviceSink) QR(gen uint64, code string) {
	k.s.post(QRReceived{Gen: gen, Code: code})
}

func (k serviceSink) Ready(gen uint64, info map[string]any) {
	k.s.post(ReadyReceived{Gen: gen, Info: info})
}

func (k serviceSink) Disconnected(gen uint64, reason string) {
	k.s.post(DisconnectedReceived{Gen: gen, Reason: reason})
}

func (k serviceSink) Failed(gen uint64, err error) {
	k.s.post(ChannelFailed{Gen: gen, Err: err})
}

func (k serviceSink) Message(gen uint64, msg *channels.IncomingMessage) {
	k.s.touch()
	k.s.post(MessageReceived{Gen: gen, Msg: msg})
}
