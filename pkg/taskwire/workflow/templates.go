package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/jholhewres/taskwire/pkg/taskwire/store"
)

// Brand frames every notification.
type Brand struct {
	Header string `yaml:"header"`
	Footer string `yaml:"footer"`
}

// DefaultBrand returns the stock header and footer.
func DefaultBrand() Brand {
	return Brand{
		Header: "*Ezzy Madrasa Task* 📚",
		Footer: "_- Ezzy Madrasa Management System_",
	}
}

// Templates renders notification bodies.
type Templates struct {
	brand Brand
	loc   *time.Location
}

// NewTemplates creates templates that print times in loc (UTC when nil).
func NewTemplates(brand Brand, loc *time.Location) *Templates {
	if loc == nil {
		loc = time.UTC
	}
	return &Templates{brand: brand, loc: loc}
}

const (
	dateLayout     = "02 Jan 2006"
	dateTimeLayout = "02 Jan 2006, 3:04 PM"
)

func (t *Templates) render(lines ...string) string {
	var b strings.Builder
	if t.brand.Header != "" {
		b.WriteString(t.brand.Header)
		b.WriteByte('\n')
	}
	b.WriteString(strings.Join(lines, "\n"))
	if t.brand.Footer != "" {
		b.WriteString("\n\n")
		b.WriteString(t.brand.Footer)
	}
	return b.String()
}

// Assignment tells the assignee about a new task.
func (t *Templates) Assignment(task *store.Task, assigner *store.User) string {
	due := "not set"
	if task.DueDate != nil {
		due = task.DueDate.In(t.loc).Format(dateLayout)
	}
	return t.render(
		"🔔 New Work Assignment",
		"",
		"📋 Task: "+task.Title,
		"📝 Description: "+task.Description,
		"👤 Assigned by: "+assigner.Name,
		"⚡ Priority: "+strings.ToUpper(string(task.Priority)),
		"📅 Due Date: "+due,
		"",
		"Please check your dashboard for more details.",
		`You can also reply "completed" to this message when done.`,
	)
}

// StatusUpdate tells the assigner that someone changed a task's status.
func (t *Templates) StatusUpdate(task *store.Task, updater *store.User, at time.Time) string {
	return t.render(
		"📊 Work Status Update",
		"",
		"📋 Task: "+task.Title,
		"👤 Updated by: "+updater.Name,
		"🔄 Status: "+strings.ToUpper(string(task.Status)),
		"📅 Updated: "+at.In(t.loc).Format(dateTimeLayout),
	)
}

// CompletionConfirmation thanks the member who completed a task by reply.
func (t *Templates) CompletionConfirmation(task *store.Task) string {
	return t.render(
		"✅ Task Completed Successfully!",
		"",
		"📋 Task: "+task.Title,
		"🎉 Thank you for completing the task!",
	)
}

// AssignerCompletion tells the assigner a task was completed by reply.
func (t *Templates) AssignerCompletion(task *store.Task, completer *store.User, at time.Time) string {
	return t.render(
		"📊 Work Status Update",
		"",
		"📋 Task: "+task.Title,
		"👤 Completed by: "+completer.Name,
		fmt.Sprintf("🔄 Status: %s", strings.ToUpper(string(store.StatusCompleted))),
		"📅 Completed: "+at.In(t.loc).Format(dateTimeLayout),
	)
}

// NoPendingTasks answers a completion reply when nothing is open.
func (t *Templates) NoPendingTasks() string {
	return t.render(
		"ℹ️ No pending tasks found for completion.",
		"",
		"Please check your dashboard for current assignments.",
	)
}
