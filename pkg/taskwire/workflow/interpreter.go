// Package workflow turns WhatsApp traffic into task updates: completion
// replies close the sender's most recent open task, and task changes are
// announced to the people involved.
package workflow

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/jholhewres/taskwire/pkg/taskwire/channels"
	"github.com/jholhewres/taskwire/pkg/taskwire/channels/whatsapp"
	"github.com/jholhewres/taskwire/pkg/taskwire/events"
	"github.com/jholhewres/taskwire/pkg/taskwire/metrics"
	"github.com/jholhewres/taskwire/pkg/taskwire/store"
)

// Store is the persistence the workflow reads and writes.
type Store interface {
	FindUserByPhone(ctx context.Context, phone string) (*store.User, error)
	FindMostRecentOpenTaskForUser(ctx context.Context, userID int64) (*store.Task, error)
	UpdateTaskStatus(ctx context.Context, id int64, status store.TaskStatus, at time.Time) error
	FindAssignerForTask(ctx context.Context, taskID int64) (*store.User, error)
	GetTask(ctx context.Context, id int64) (*store.Task, error)
	GetUser(ctx context.Context, id int64) (*store.User, error)
}

// Sender delivers one notification. It never fails its caller; the
// outcome says what happened.
type Sender interface {
	Send(ctx context.Context, phone, body string) whatsapp.Outcome
}

// Config configures the workflow.
type Config struct {
	// Keywords mark a reply as a completion when contained in the
	// lowercased text.
	Keywords []string `yaml:"keywords"`

	Brand Brand `yaml:"brand"`

	// Timezone is the IANA zone used for dates in notifications.
	Timezone string `yaml:"timezone"`
}

// DefaultKeywords are the completion words, English and Urdu.
var DefaultKeywords = []string{"completed", "complete", "done", "finished", "finish", "khatam", "mukammal"}

// DefaultConfig returns the default workflow configuration.
func DefaultConfig() Config {
	return Config{
		Keywords: append([]string(nil), DefaultKeywords...),
		Brand:    DefaultBrand(),
		Timezone: "Asia/Kolkata",
	}
}

// Location resolves Timezone, falling back to UTC.
func (c Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Outcome is what the interpreter did with one message.
type Outcome string

const (
	OutcomeIgnored       Outcome = "ignored"
	OutcomeNoKeyword     Outcome = "no-keyword"
	OutcomeUnknownUser   Outcome = "unknown-user"
	OutcomeNoPendingTask Outcome = "no-pending-task"
	OutcomeCompleted     Outcome = "completed"
	OutcomeError         Outcome = "error"
)

// WorkCompleted is the payload of the work-completed event.
type WorkCompleted struct {
	TaskID      int64  `json:"task_id"`
	Title       string `json:"title"`
	CompletedBy string `json:"completed_by"`
}

// InterpreterOptions wires an Interpreter.
type InterpreterOptions struct {
	Config    Config
	Store     Store
	Sender    Sender
	Publisher events.Publisher
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

// Interpreter handles inbound messages.
type Interpreter struct {
	store    Store
	sender   Sender
	pub      events.Publisher
	metrics  *metrics.Metrics
	tmpl     *Templates
	keywords []string
	logger   *slog.Logger
	now      func() time.Time
}

// NewInterpreter creates an interpreter.
func NewInterpreter(opts InterpreterOptions) *Interpreter {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	keywords := make([]string, 0, len(opts.Config.Keywords))
	for _, k := range opts.Config.Keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			keywords = append(keywords, k)
		}
	}
	if len(keywords) == 0 {
		keywords = append(keywords, DefaultKeywords...)
	}
	return &Interpreter{
		store:    opts.Store,
		sender:   opts.Sender,
		pub:      opts.Publisher,
		metrics:  opts.Metrics,
		tmpl:     NewTemplates(opts.Config.Brand, opts.Config.Location()),
		keywords: keywords,
		logger:   logger.With("component", "interpreter"),
		now:      now,
	}
}

// Run handles messages one at a time, in arrival order, until in is
// closed or ctx is cancelled.
func (i *Interpreter) Run(ctx context.Context, in <-chan *channels.IncomingMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			i.safeHandle(ctx, msg)
		}
	}
}

func (i *Interpreter) safeHandle(ctx context.Context, msg *channels.IncomingMessage) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("panic handling inbound message", "error", r)
			i.metrics.RecordInbound(string(OutcomeError))
		}
	}()
	i.OnIncomingMessage(ctx, msg)
}

// OnIncomingMessage processes one message. Only direct text messages
// containing a completion keyword change anything.
func (i *Interpreter) OnIncomingMessage(ctx context.Context, msg *channels.IncomingMessage) Outcome {
	outcome := i.handle(ctx, msg)
	i.metrics.RecordInbound(string(outcome))
	return outcome
}

func (i *Interpreter) handle(ctx context.Context, msg *channels.IncomingMessage) Outcome {
	if !direct(msg) {
		return OutcomeIgnored
	}
	text := strings.ToLower(strings.TrimSpace(msg.Content))
	if !i.isCompletion(text) {
		return OutcomeNoKeyword
	}

	phone := msg.SenderPhone()
	log := i.logger.With("message_id", msg.ID)
	log.Info("completion message received", "from", msg.FromName)

	user, err := i.store.FindUserByPhone(ctx, phone)
	if errors.Is(err, store.ErrNotFound) {
		log.Info("no user for sender phone")
		return OutcomeUnknownUser
	}
	if err != nil {
		log.Error("looking up sender", "error", err)
		return OutcomeError
	}
	log = log.With("user_id", user.ID)

	task, err := i.store.FindMostRecentOpenTaskForUser(ctx, user.ID)
	if errors.Is(err, store.ErrNotFound) {
		log.Info("no open task to complete")
		i.sender.Send(ctx, user.Phone, i.tmpl.NoPendingTasks())
		return OutcomeNoPendingTask
	}
	if err != nil {
		log.Error("looking up open task", "error", err)
		return OutcomeError
	}

	at := i.now()
	if err := i.store.UpdateTaskStatus(ctx, task.ID, store.StatusCompleted, at); err != nil {
		log.Error("completing task", "task_id", task.ID, "error", err)
		return OutcomeError
	}
	task.Status = store.StatusCompleted
	task.CompletedAt = &at
	log.Info("task completed by reply", "task_id", task.ID, "title", task.Title)
	i.metrics.RecordTaskCompleted()

	i.sender.Send(ctx, user.Phone, i.tmpl.CompletionConfirmation(task))

	assigner, err := i.store.FindAssignerForTask(ctx, task.ID)
	switch {
	case err == nil:
		i.sender.Send(ctx, assigner.Phone, i.tmpl.AssignerCompletion(task, user, at))
	case errors.Is(err, store.ErrNotFound):
		log.Warn("task has no assigner to notify", "task_id", task.ID)
	default:
		log.Error("looking up assigner", "task_id", task.ID, "error", err)
	}

	if i.pub != nil {
		i.pub.Publish(events.WorkCompleted, WorkCompleted{
			TaskID:      task.ID,
			Title:       task.Title,
			CompletedBy: user.Name,
		})
	}
	return OutcomeCompleted
}

// direct reports whether msg is a text message sent to us by someone else
// in a one-to-one chat.
func direct(msg *channels.IncomingMessage) bool {
	if msg == nil || msg.IsFromMe || msg.IsGroup {
		return false
	}
	if msg.Type != "" && msg.Type != channels.MessageText {
		return false
	}
	for _, id := range []string{msg.From, msg.ChatID} {
		if strings.HasSuffix(id, "@g.us") || strings.HasSuffix(id, "@broadcast") {
			return false
		}
	}
	return msg.From != ""
}

func (i *Interpreter) isCompletion(text string) bool {
	for _, k := range i.keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}
