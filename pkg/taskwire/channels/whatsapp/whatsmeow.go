// Package whatsapp – whatsmeow.go is the default channel backend: a native
// WhatsApp Web multi-device client (go.mau.fi/whatsmeow) whose device
// store lives in a SQLite file inside the session auth directory.
//
// whatsmeow's own auto-reconnect is switched off. Reconnection belongs to
// the lifecycle state machine, which tears the instance down and launches
// a fresh one.
package whatsapp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jholhewres/taskwire/pkg/taskwire/channels"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waEvents "go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for the device store.
)

// WhatsmeowDriver launches whatsmeow clients.
type WhatsmeowDriver struct {
	deviceName string
	logger     *slog.Logger
}

// NewWhatsmeowDriver creates the driver. deviceName is what the phone shows
// under linked devices.
func NewWhatsmeowDriver(deviceName string, logger *slog.Logger) *WhatsmeowDriver {
	if logger == nil {
		logger = slog.Default()
	}
	if deviceName == "" {
		deviceName = "Taskwire"
	}
	return &WhatsmeowDriver{
		deviceName: deviceName,
		logger:     logger.With("component", "whatsmeow"),
	}
}

// Name returns "whatsmeow".
func (d *WhatsmeowDriver) Name() string { return "whatsmeow" }

// Launch opens the device store and starts the client. Pairing and
// readiness are reported through sink.
func (d *WhatsmeowDriver) Launch(ctx context.Context, opts LaunchOptions, sink Sink) (Conn, error) {
	if opts.Session == nil {
		return nil, errors.New("whatsmeow: session store is required")
	}
	if err := opts.Session.Ensure(); err != nil {
		return nil, fmt.Errorf("preparing session directory: %w", err)
	}

	dbPath := opts.Session.DatabasePath()
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000", dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening session store: %w", err)
	}
	container := sqlstore.NewWithDB(db, "sqlite3", waLog.Noop)
	if err := container.Upgrade(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating session store: %w", err)
	}

	device, err := firstDevice(ctx, container)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("getting device: %w", err)
	}

	store.SetOSInfo(d.deviceName, [3]uint32{1, 0, 0})

	client := whatsmeow.NewClient(device, waLog.Noop)
	client.EnableAutoReconnect = false

	connCtx, cancel := context.WithCancel(context.Background())
	c := &whatsmeowConn{
		gen:    opts.Generation,
		client: client,
		db:     db,
		sink:   sink,
		ctx:    connCtx,
		cancel: cancel,
		logger: d.logger.With("generation", opts.Generation),
	}
	client.AddEventHandler(c.handleEvent)

	if client.Store.ID == nil {
		c.logger.Info("no paired device, waiting for QR scan")
		go c.loginWithQR()
	} else {
		c.logger.Info("restoring paired device", "jid", client.Store.ID.String())
		go func() {
			if err := client.Connect(); err != nil {
				c.fail(fmt.Errorf("connecting: %w", err))
			}
		}()
	}
	return c, nil
}

func firstDevice(ctx context.Context, container *sqlstore.Container) (*store.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

// whatsmeowConn is one running whatsmeow client.
type whatsmeowConn struct {
	gen    uint64
	client *whatsmeow.Client
	db     *sql.DB
	sink   Sink
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	connected atomic.Bool
	destroyed atomic.Bool
	lastMsg   atomic.Value // time.Time
	once      sync.Once
}

func (c *whatsmeowConn) fail(err error) {
	if c.destroyed.Load() {
		return
	}
	c.sink.Failed(c.gen, err)
}

func (c *whatsmeowConn) disconnected(reason string) {
	c.connected.Store(false)
	if c.destroyed.Load() {
		return
	}
	c.sink.Disconnected(c.gen, reason)
}

func (c *whatsmeowConn) loginWithQR() {
	qrChan, err := c.client.GetQRChannel(c.ctx)
	if err != nil {
		c.fail(fmt.Errorf("getting QR channel: %w", err))
		return
	}
	if err := c.client.Connect(); err != nil {
		c.fail(fmt.Errorf("connecting for QR: %w", err))
		return
	}

	codes := 0
	for {
		select {
		case <-c.ctx.Done():
			return
		case evt, ok := <-qrChan:
			if !ok {
				return
			}
			switch evt.Event {
			case "code":
				codes++
				c.logger.Info("QR code ready", "code_number", codes, "valid_for", evt.Timeout)
				if !c.destroyed.Load() {
					c.sink.QR(c.gen, evt.Code)
				}
			case "success":
				c.logger.Info("QR pairing succeeded")
				return
			case "timeout":
				c.logger.Warn("QR code expired without a scan")
				c.fail(errQRTimeout)
				return
			default:
				if evt.Error != nil {
					c.fail(fmt.Errorf("QR login error: %w", evt.Error))
				} else {
					c.fail(fmt.Errorf("QR login error: %s", evt.Event))
				}
				return
			}
		}
	}
}

func (c *whatsmeowConn) handleEvent(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *waEvents.Connected:
		c.connected.Store(true)
		c.logger.Info("connected", "jid", c.jid())
		if !c.destroyed.Load() {
			c.sink.Ready(c.gen, c.Info())
		}

	case *waEvents.PairSuccess:
		c.logger.Info("device paired", "jid", evt.ID.String(), "platform", evt.Platform)

	case *waEvents.Disconnected:
		c.logger.Warn("disconnected")
		c.disconnected("connection_lost")

	case *waEvents.StreamReplaced:
		c.logger.Error("stream replaced, another client took over the session")
		c.disconnected("stream_replaced")

	case *waEvents.LoggedOut:
		reason := "unknown"
		if evt.Reason != 0 {
			reason = evt.Reason.String()
		}
		c.logger.Error("logged out", "reason", reason, "on_connect", evt.OnConnect)
		c.disconnected("logged_out: " + reason)

	case *waEvents.ConnectFailure:
		reason := "unknown"
		if evt.Reason != 0 {
			reason = evt.Reason.String()
		}
		c.connected.Store(false)
		c.logger.Error("connect failure", "reason", reason, "message", evt.Message)
		c.fail(fmt.Errorf("connect failure: %s %s", reason, evt.Message))

	case *waEvents.TemporaryBan:
		c.connected.Store(false)
		c.logger.Error("temporary ban", "code", evt.Code, "expire", evt.Expire)
		c.fail(fmt.Errorf("temporary ban (%s), expires in %s", evt.Code.String(), evt.Expire))

	case *waEvents.KeepAliveTimeout:
		c.logger.Warn("keep-alive timeout", "error_count", evt.ErrorCount)
		if evt.ErrorCount >= 3 && c.connected.Load() {
			c.disconnected("keepalive_timeout")
		}

	case *waEvents.Message:
		c.lastMsg.Store(time.Now())
		if msg := c.convertMessage(evt); msg != nil && !c.destroyed.Load() {
			c.sink.Message(c.gen, msg)
		}
	}
}

// convertMessage turns a whatsmeow message event into an IncomingMessage.
func (c *whatsmeowConn) convertMessage(evt *waEvents.Message) *channels.IncomingMessage {
	sender := evt.Info.Sender
	from := sender.String()
	// Newer accounts may address senders by LID; resolve to the phone JID
	// so phone lookups keep working.
	if sender.Server == types.HiddenUserServer && c.client.Store != nil {
		if alt, err := c.client.Store.GetAltJID(c.ctx, sender); err == nil && !alt.IsEmpty() {
			from = alt.String()
		}
	}

	msg := &channels.IncomingMessage{
		ID:        string(evt.Info.ID),
		Channel:   "whatsapp",
		From:      from,
		FromName:  evt.Info.PushName,
		ChatID:    evt.Info.Chat.String(),
		IsGroup:   evt.Info.IsGroup || evt.Info.Chat.Server == types.BroadcastServer,
		IsFromMe:  evt.Info.IsFromMe,
		Timestamp: evt.Info.Timestamp,
	}
	extractMessageContent(evt.Message, msg)
	return msg
}

// extractMessageContent sets Type and Content from a WhatsApp message.
func extractMessageContent(waMsg *waE2E.Message, msg *channels.IncomingMessage) {
	msg.Type = channels.MessageOther
	if waMsg == nil {
		return
	}
	switch {
	case waMsg.Conversation != nil:
		msg.Type = channels.MessageText
		msg.Content = waMsg.GetConversation()
	case waMsg.ExtendedTextMessage != nil:
		msg.Type = channels.MessageText
		msg.Content = waMsg.GetExtendedTextMessage().GetText()
	case waMsg.ImageMessage != nil:
		msg.Type = channels.MessageImage
		msg.Content = waMsg.GetImageMessage().GetCaption()
	case waMsg.VideoMessage != nil:
		msg.Type = channels.MessageVideo
		msg.Content = waMsg.GetVideoMessage().GetCaption()
	case waMsg.AudioMessage != nil:
		msg.Type = channels.MessageAudio
	case waMsg.DocumentMessage != nil:
		msg.Type = channels.MessageDocument
		msg.Content = waMsg.GetDocumentMessage().GetCaption()
	case waMsg.StickerMessage != nil:
		msg.Type = channels.MessageSticker
	case waMsg.LocationMessage != nil:
		msg.Type = channels.MessageLocation
	case waMsg.ContactMessage != nil:
		msg.Type = channels.MessageContact
	case waMsg.ReactionMessage != nil:
		msg.Type = channels.MessageReaction
		msg.Content = waMsg.GetReactionMessage().GetText()
	}
}

func (c *whatsmeowConn) jid() string {
	if c.client.Store != nil && c.client.Store.ID != nil {
		return c.client.Store.ID.String()
	}
	return ""
}

// Send delivers body as a plain conversation message.
func (c *whatsmeowConn) Send(ctx context.Context, to Recipient, body string) error {
	if c.destroyed.Load() {
		return channels.ErrChannelDestroyed
	}
	if !c.client.IsConnected() {
		return channels.ErrChannelDisconnected
	}

	jid, err := types.ParseJID(to.JID)
	if err != nil {
		return fmt.Errorf("invalid JID %q: %w", to.JID, err)
	}
	msg := &waE2E.Message{Conversation: proto.String(body)}
	if _, err := c.client.SendMessage(ctx, jid, msg); err != nil {
		return fmt.Errorf("%w: %v", channels.ErrSendFailed, err)
	}
	return nil
}

// IsConnected reports the websocket state of the client.
func (c *whatsmeowConn) IsConnected() bool {
	return !c.destroyed.Load() && c.connected.Load() && c.client.IsConnected()
}

// Destroy disconnects the client and closes the device store.
func (c *whatsmeowConn) Destroy(_ context.Context) error {
	var err error
	c.once.Do(func() {
		c.destroyed.Store(true)
		c.connected.Store(false)
		c.cancel()
		c.client.Disconnect()
		err = c.db.Close()
		c.logger.Info("client destroyed")
	})
	return err
}

// Info returns client diagnostics.
func (c *whatsmeowConn) Info() map[string]any {
	info := map[string]any{
		"driver":    "whatsmeow",
		"connected": c.connected.Load(),
		"logged_in": c.client.IsLoggedIn(),
	}
	if c.client.Store != nil {
		if id := c.jid(); id != "" {
			info["jid"] = id
		}
		if c.client.Store.Platform != "" {
			info["platform"] = c.client.Store.Platform
		}
		if c.client.Store.PushName != "" {
			info["push_name"] = c.client.Store.PushName
		}
	}
	if t, ok := c.lastMsg.Load().(time.Time); ok {
		info["last_message_at"] = t
	}
	return info
}
