package workflow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jholhewres/taskwire/pkg/taskwire/channels/whatsapp"
	"github.com/jholhewres/taskwire/pkg/taskwire/store"
)

func TestNotifyAssignment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	due := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)
	task := f.store.addTask(store.Task{
		Title: "Prepare syllabus", Description: "Term two", Priority: store.PriorityHigh,
		AssignedTo: f.worker.ID, AssignedBy: f.boss.ID, DueDate: &due,
	})

	cfg := DefaultConfig()
	cfg.Timezone = "UTC"
	n := NewNotifier(cfg, f.store, f.sender, testLogger())

	out, err := n.NotifyAssignment(ctx, task.ID)
	if err != nil {
		t.Fatalf("NotifyAssignment: %v", err)
	}
	if out != whatsapp.OutcomeSent {
		t.Errorf("expected sent, got %s", out)
	}

	msgs := f.sender.sent()
	if len(msgs) != 1 || msgs[0].phone != f.worker.Phone {
		t.Fatalf("unexpected notifications %+v", msgs)
	}
	for _, want := range []string{
		"*Ezzy Madrasa Task* 📚",
		"New Work Assignment",
		"Task: Prepare syllabus",
		"Description: Term two",
		"Assigned by: Boss",
		"Priority: HIGH",
		"Due Date: 05 Mar 2026",
		`reply "completed"`,
		"_- Ezzy Madrasa Management System_",
	} {
		if !strings.Contains(msgs[0].body, want) {
			t.Errorf("assignment notice missing %q:\n%s", want, msgs[0].body)
		}
	}

	t.Run("missing task", func(t *testing.T) {
		if _, err := n.NotifyAssignment(ctx, 99); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("delivery outcome is passed through", func(t *testing.T) {
		f.sender.outcome = whatsapp.OutcomeNotReady
		out, err := n.NotifyAssignment(ctx, task.ID)
		if err != nil || out != whatsapp.OutcomeNotReady {
			t.Errorf("expected not-ready without error, got %s, %v", out, err)
		}
	})
}

func TestNotifyStatusChange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	task := f.store.addTask(store.Task{
		Title: "Grade tests", AssignedTo: f.worker.ID, AssignedBy: f.boss.ID, Status: store.StatusInProgress,
	})

	n := NewNotifier(Config{Brand: Brand{}}, f.store, f.sender, testLogger())
	at := time.Date(2026, 3, 2, 15, 4, 0, 0, time.UTC)
	n.now = func() time.Time { return at }

	if _, err := n.NotifyStatusChange(ctx, task.ID, f.worker.ID); err != nil {
		t.Fatalf("NotifyStatusChange: %v", err)
	}
	msgs := f.sender.sent()
	if len(msgs) != 1 || msgs[0].phone != f.boss.Phone {
		t.Fatalf("unexpected notifications %+v", msgs)
	}
	body := msgs[0].body
	if !strings.HasPrefix(body, "📊 Work Status Update") {
		t.Errorf("an empty brand means no header:\n%s", body)
	}
	for _, want := range []string{"Updated by: Worker", "Status: IN-PROGRESS", "Updated: 02 Mar 2026, 3:04 PM"} {
		if !strings.Contains(body, want) {
			t.Errorf("status notice missing %q:\n%s", want, body)
		}
	}

	if _, err := n.NotifyStatusChange(ctx, task.ID, 42); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown updater, got %v", err)
	}
}

func TestTemplatesNoDueDate(t *testing.T) {
	tmpl := NewTemplates(DefaultBrand(), nil)
	body := tmpl.Assignment(&store.Task{Title: "T", Priority: store.PriorityLow}, &store.User{Name: "B"})
	if !strings.Contains(body, "Due Date: not set") {
		t.Errorf("unexpected body:\n%s", body)
	}
	if !strings.HasSuffix(tmpl.NoPendingTasks(), DefaultBrand().Footer) {
		t.Error("footer must close every message")
	}
}
