package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jholhewres/taskwire/pkg/taskwire/channels/whatsapp"
)

// Notifier announces task changes over WhatsApp. Store lookups can fail
// the call; delivery problems only show up in the returned outcome.
type Notifier struct {
	store  Store
	sender Sender
	tmpl   *Templates
	logger *slog.Logger
	now    func() time.Time
}

// NewNotifier creates a notifier.
func NewNotifier(cfg Config, st Store, sender Sender, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		store:  st,
		sender: sender,
		tmpl:   NewTemplates(cfg.Brand, cfg.Location()),
		logger: logger.With("component", "notifier"),
		now:    time.Now,
	}
}

// NotifyAssignment sends the new-assignment notice to the assignee.
func (n *Notifier) NotifyAssignment(ctx context.Context, taskID int64) (whatsapp.Outcome, error) {
	task, err := n.store.GetTask(ctx, taskID)
	if err != nil {
		return "", fmt.Errorf("loading task: %w", err)
	}
	assignee, err := n.store.GetUser(ctx, task.AssignedTo)
	if err != nil {
		return "", fmt.Errorf("loading assignee: %w", err)
	}
	assigner, err := n.store.GetUser(ctx, task.AssignedBy)
	if err != nil {
		return "", fmt.Errorf("loading assigner: %w", err)
	}

	outcome := n.sender.Send(ctx, assignee.Phone, n.tmpl.Assignment(task, assigner))
	n.logger.Info("assignment notice", "task_id", task.ID, "assignee_id", assignee.ID, "outcome", outcome)
	return outcome, nil
}

// NotifyStatusChange tells the assigner that updaterID changed the task's
// status.
func (n *Notifier) NotifyStatusChange(ctx context.Context, taskID, updaterID int64) (whatsapp.Outcome, error) {
	task, err := n.store.GetTask(ctx, taskID)
	if err != nil {
		return "", fmt.Errorf("loading task: %w", err)
	}
	updater, err := n.store.GetUser(ctx, updaterID)
	if err != nil {
		return "", fmt.Errorf("loading updater: %w", err)
	}
	assigner, err := n.store.FindAssignerForTask(ctx, taskID)
	if err != nil {
		return "", fmt.Errorf("loading assigner: %w", err)
	}

	outcome := n.sender.Send(ctx, assigner.Phone, n.tmpl.StatusUpdate(task, updater, n.now()))
	n.logger.Info("status change notice", "task_id", task.ID, "status", task.Status, "outcome", outcome)
	return outcome, nil
}
