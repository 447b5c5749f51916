// Package whatsapp – browser.go is the fallback channel backend: a
// headless Chromium driven through the DevTools protocol (go-rod) that
// loads web.whatsapp.com with its profile in the session auth directory.
//
// It reads the pairing code from the QR canvas, treats the chat pane as
// the ready signal and sends through the /send deep link. It does not read
// inbound messages.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
)

const (
	whatsappWebURL   = "https://web.whatsapp.com"
	qrSelector       = "div[data-ref]"
	chatPaneSelector = "#pane-side"
	sendSelector     = `span[data-icon="send"]`
)

// BrowserConfig configures the browser backend.
type BrowserConfig struct {
	// ExecutablePath overrides browser discovery.
	ExecutablePath string `yaml:"executable_path"`

	// Headless runs the browser without a window.
	Headless bool `yaml:"headless"`

	// ExtraFlags are appended to the conservative flag set, as
	// "name" or "name=value" without leading dashes.
	ExtraFlags []string `yaml:"extra_flags"`

	// PollInterval is how often the page is inspected for QR and ready.
	PollInterval time.Duration `yaml:"poll_interval"`

	// QRTimeout is how long a QR code may go unscanned before the
	// instance reports a pairing failure.
	QRTimeout time.Duration `yaml:"qr_timeout"`

	// SendTimeout bounds one send.
	SendTimeout time.Duration `yaml:"send_timeout"`
}

// DefaultBrowserConfig returns the browser backend defaults.
func DefaultBrowserConfig() BrowserConfig {
	return BrowserConfig{
		Headless:     true,
		PollInterval: time.Second,
		QRTimeout:    3 * time.Minute,
		SendTimeout:  30 * time.Second,
	}
}

// conservativeFlags keep Chromium within the memory and process limits of
// small containers.
var conservativeFlags = []string{
	"no-sandbox",
	"disable-setuid-sandbox",
	"disable-dev-shm-usage",
	"disable-gpu",
	"disable-web-security",
	"disable-features=VizDisplayCompositor",
	"no-first-run",
	"no-zygote",
	"single-process",
	"disable-background-timer-throttling",
	"disable-backgrounding-occluded-windows",
	"disable-renderer-backgrounding",
	"disable-extensions",
	"disable-plugins",
	"memory-pressure-off",
}

// wellKnownBrowserPaths are tried after the environment.
var wellKnownBrowserPaths = []string{
	"/usr/bin/chromium",
	"/usr/bin/chromium-browser",
	"/usr/bin/google-chrome-stable",
	"/usr/bin/google-chrome",
}

// BrowserResolution describes where the browser binary came from.
type BrowserResolution struct {
	Path   string `json:"path,omitempty"`
	Source string `json:"source"`
	Found  bool   `json:"found"`
}

// ResolveBrowser finds a Chromium binary: configured path, then
// PUPPETEER_EXECUTABLE_PATH and CHROME_PATH, then PATH, then well-known
// locations, then rod's own lookup.
func ResolveBrowser(configured string) BrowserResolution {
	if configured != "" {
		if fileExists(configured) {
			return BrowserResolution{Path: configured, Source: "config", Found: true}
		}
	}
	for _, env := range []string{"PUPPETEER_EXECUTABLE_PATH", "CHROME_PATH"} {
		if p := os.Getenv(env); p != "" && fileExists(p) {
			return BrowserResolution{Path: p, Source: "env:" + env, Found: true}
		}
	}
	for _, name := range []string{"chromium", "chromium-browser"} {
		if p, err := exec.LookPath(name); err == nil {
			return BrowserResolution{Path: p, Source: "path", Found: true}
		}
	}
	for _, p := range wellKnownBrowserPaths {
		if fileExists(p) {
			return BrowserResolution{Path: p, Source: "well-known", Found: true}
		}
	}
	if p, ok := launcher.LookPath(); ok {
		return BrowserResolution{Path: p, Source: "rod", Found: true}
	}
	return BrowserResolution{Source: "none"}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// splitFlag turns "name=value" into a launcher flag and its values.
func splitFlag(raw string) (flags.Flag, []string) {
	raw = strings.TrimLeft(strings.TrimSpace(raw), "-")
	name, value, ok := strings.Cut(raw, "=")
	if !ok {
		return flags.Flag(name), nil
	}
	return flags.Flag(name), []string{value}
}

// BrowserDriver launches headless Chromium instances.
type BrowserDriver struct {
	logger *slog.Logger
}

// NewBrowserDriver creates the driver.
func NewBrowserDriver(logger *slog.Logger) *BrowserDriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &BrowserDriver{logger: logger.With("component", "whatsapp-browser")}
}

// Name returns "browser".
func (d *BrowserDriver) Name() string { return "browser" }

// Launch starts Chromium, opens WhatsApp Web and begins watching the page.
func (d *BrowserDriver) Launch(ctx context.Context, opts LaunchOptions, sink Sink) (Conn, error) {
	cfg := opts.Browser
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}

	res := ResolveBrowser(cfg.ExecutablePath)
	if !res.Found {
		return nil, &ChannelError{
			Kind:    ErrKindChromiumMissing,
			Message: "Chromium browser not found. Install it or set PUPPETEER_EXECUTABLE_PATH.",
		}
	}
	if opts.Session == nil {
		return nil, errors.New("browser: session store is required")
	}
	if err := opts.Session.Ensure(); err != nil {
		return nil, fmt.Errorf("preparing session directory: %w", err)
	}
	profile := opts.Session.ProfileDir()
	if err := os.MkdirAll(profile, 0o700); err != nil {
		return nil, fmt.Errorf("creating browser profile: %w", err)
	}

	l := launcher.New().
		Bin(res.Path).
		Headless(cfg.Headless).
		UserDataDir(profile).
		NoSandbox(true)
	for _, f := range conservativeFlags {
		name, values := splitFlag(f)
		l = l.Set(name, values...)
	}
	for _, f := range cfg.ExtraFlags {
		name, values := splitFlag(f)
		l = l.Set(name, values...)
	}

	logger := d.logger.With("generation", opts.Generation)
	logger.Info("launching browser", "path", res.Path, "source", res.Source)

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launching browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("connecting to browser: %w", err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: whatsappWebURL})
	if err != nil {
		_ = browser.Close()
		l.Kill()
		return nil, fmt.Errorf("navigation to WhatsApp Web failed: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c := &browserConn{
		gen:      opts.Generation,
		cfg:      cfg,
		launcher: l,
		browser:  browser,
		page:     page,
		sink:     sink,
		ctx:      connCtx,
		cancel:   cancel,
		binary:   res,
		logger:   logger,
	}
	go c.watch()
	return c, nil
}

// browserConn is one running browser instance.
type browserConn struct {
	gen      uint64
	cfg      BrowserConfig
	launcher *launcher.Launcher
	browser  *rod.Browser
	sink     Sink
	binary   BrowserResolution
	logger   *slog.Logger

	// pageMu serializes page access between the watcher and Send.
	pageMu sync.Mutex
	page   *rod.Page

	ctx    context.Context
	cancel context.CancelFunc

	ready     atomic.Bool
	destroyed atomic.Bool
	once      sync.Once
}

// pageState is what one poll observed.
type pageState struct {
	qr    string
	ready bool
}

func (c *browserConn) inspect() (pageState, error) {
	c.pageMu.Lock()
	defer c.pageMu.Unlock()

	var st pageState
	hasPane, _, err := c.page.Has(chatPaneSelector)
	if err != nil {
		return st, err
	}
	if hasPane {
		st.ready = true
		return st, nil
	}
	hasQR, el, err := c.page.Has(qrSelector)
	if err != nil {
		return st, err
	}
	if hasQR && el != nil {
		ref, err := el.Attribute("data-ref")
		if err == nil && ref != nil {
			st.qr = *ref
		}
	}
	return st, nil
}

// watch polls the page until the instance is destroyed or fails.
func (c *browserConn) watch() {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	var (
		lastQR      string
		firstQRAt   time.Time
		readyPassed bool
	)

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}

		st, err := c.inspect()
		if c.destroyed.Load() {
			return
		}
		if err != nil {
			c.ready.Store(false)
			if readyPassed {
				c.sink.Disconnected(c.gen, "browser_closed")
			} else {
				c.sink.Failed(c.gen, fmt.Errorf("protocol error while reading page: %w", err))
			}
			return
		}

		switch {
		case st.ready:
			if !c.ready.Load() {
				c.ready.Store(true)
				readyPassed = true
				lastQR = ""
				firstQRAt = time.Time{}
				c.logger.Info("WhatsApp Web ready")
				c.sink.Ready(c.gen, c.Info())
			}

		case st.qr != "":
			if readyPassed {
				c.ready.Store(false)
				c.logger.Warn("WhatsApp Web logged out, QR shown again")
				c.sink.Disconnected(c.gen, "logged_out")
				return
			}
			if st.qr != lastQR {
				lastQR = st.qr
				if firstQRAt.IsZero() {
					firstQRAt = time.Now()
				}
				c.sink.QR(c.gen, st.qr)
			}
			if c.cfg.QRTimeout > 0 && time.Since(firstQRAt) > c.cfg.QRTimeout {
				c.sink.Failed(c.gen, errQRTimeout)
				return
			}
		}
	}
}

// sendURL builds the WhatsApp Web deep link that opens a chat with the
// text prefilled.
func sendURL(phone, body string) string {
	q := url.Values{}
	q.Set("phone", phone)
	q.Set("text", body)
	return whatsappWebURL + "/send?" + q.Encode()
}

// Send opens the deep link and clicks the send button.
func (c *browserConn) Send(ctx context.Context, to Recipient, body string) error {
	if c.destroyed.Load() {
		return errors.New("browser instance destroyed")
	}
	if !c.ready.Load() {
		return errors.New("browser channel not ready")
	}

	c.pageMu.Lock()
	defer c.pageMu.Unlock()

	page := c.page.Context(ctx).Timeout(c.cfg.SendTimeout)
	if err := page.Navigate(sendURL(to.Phone, body)); err != nil {
		return fmt.Errorf("opening chat: %w", err)
	}
	btn, err := page.Element(sendSelector)
	if err != nil {
		return fmt.Errorf("waiting for send button: %w", err)
	}
	if err := btn.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("clicking send: %w", err)
	}
	return nil
}

// IsConnected reports whether the chat pane was seen and the browser is
// still reachable.
func (c *browserConn) IsConnected() bool {
	return c.ready.Load() && !c.destroyed.Load()
}

// Destroy closes the browser and kills the process.
func (c *browserConn) Destroy(_ context.Context) error {
	var err error
	c.once.Do(func() {
		c.destroyed.Store(true)
		c.ready.Store(false)
		c.cancel()
		err = c.browser.Close()
		c.launcher.Kill()
		c.logger.Info("browser destroyed")
	})
	return err
}

// Info returns browser diagnostics.
func (c *browserConn) Info() map[string]any {
	return map[string]any{
		"driver":         "browser",
		"ready":          c.ready.Load(),
		"browser_path":   c.binary.Path,
		"browser_source": c.binary.Source,
	}
}
