// Package store persists the users and tasks the WhatsApp workflow acts on.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jholhewres/taskwire/pkg/taskwire/database"
)

// ErrNotFound is returned when a lookup matches nothing.
var ErrNotFound = errors.New("store: not found")

// Role is a user's role.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleMember  Role = "member"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleManager, RoleMember:
		return true
	}
	return false
}

// TaskStatus is where a task is in its lifecycle.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in-progress"
	StatusCompleted  TaskStatus = "completed"
	StatusCancelled  TaskStatus = "cancelled"
)

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Open reports whether the task still awaits completion.
func (s TaskStatus) Open() bool {
	return s == StatusPending || s == StatusInProgress
}

// Priority is a task's urgency.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// User is a person tasks are assigned to or by.
type User struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	Role       Role      `json:"role"`
	Phone      string    `json:"phone"`
	Department string    `json:"department,omitempty"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

// Task is a unit of work assigned to a user.
type Task struct {
	ID          int64      `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	AssignedTo  int64      `json:"assigned_to"`
	AssignedBy  int64      `json:"assigned_by"`
	Priority    Priority   `json:"priority"`
	Status      TaskStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Store is the SQL-backed user and task store.
type Store struct {
	db     *database.Backend
	logger *slog.Logger
	now    func() time.Time
}

// New creates a store over an open database. Call Migrate before use.
func New(db *database.Backend, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:     db,
		logger: logger.With("component", "store"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Migrate creates or upgrades the schema.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.Migrate(ctx, migrations)
}

func (s *Store) q(query string) string { return s.db.Rebind(query) }

const userColumns = "id, name, email, role, phone, department, active, created_at"

const taskColumns = "id, title, description, assigned_to, assigned_by, priority, status, created_at, due_date, completed_at"

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*User, error) {
	var u User
	var role string
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &role, &u.Phone, &u.Department, &u.Active, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.Role = Role(role)
	return &u, nil
}

func scanTask(row scanner) (*Task, error) {
	var (
		t                Task
		priority, status string
		due, completed   sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.Title, &t.Description, &t.AssignedTo, &t.AssignedBy,
		&priority, &status, &t.CreatedAt, &due, &completed); err != nil {
		return nil, err
	}
	t.Priority = Priority(priority)
	t.Status = TaskStatus(status)
	if due.Valid {
		d := due.Time
		t.DueDate = &d
	}
	if completed.Valid {
		c := completed.Time
		t.CompletedAt = &c
	}
	return &t, nil
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// CreateUser inserts a user and fills in its ID.
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	if strings.TrimSpace(u.Name) == "" {
		return errors.New("store: user name is required")
	}
	if u.Role == "" {
		u.Role = RoleMember
	}
	if !u.Role.Valid() {
		return fmt.Errorf("store: invalid role %q", u.Role)
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now()
	}

	err := s.db.DB.QueryRowContext(ctx, s.q(`
		INSERT INTO users (name, email, role, phone, department, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		u.Name, u.Email, string(u.Role), u.Phone, u.Department, u.Active, u.CreatedAt,
	).Scan(&u.ID)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUser loads a user by ID.
func (s *Store) GetUser(ctx context.Context, id int64) (*User, error) {
	row := s.db.DB.QueryRowContext(ctx, s.q("SELECT "+userColumns+" FROM users WHERE id = ?"), id)
	u, err := scanUser(row)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("user %d", id))
	}
	return u, nil
}

// FindUserByPhone finds the active user whose stored phone contains the
// sender's digits. Stored numbers are free-form, so when the substring
// lookup fails the last ten digits of both sides are compared.
func (s *Store) FindUserByPhone(ctx context.Context, phone string) (*User, error) {
	digits := digitsOnly(phone)
	if digits == "" {
		return nil, fmt.Errorf("user with phone %q: %w", phone, ErrNotFound)
	}

	row := s.db.DB.QueryRowContext(ctx, s.q(
		"SELECT "+userColumns+" FROM users WHERE active = ? AND phone LIKE ? ORDER BY id LIMIT 1"),
		true, "%"+digits+"%")
	u, err := scanUser(row)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("find user by phone: %w", err)
	}

	want := lastDigits(digits, 10)
	rows, err := s.db.DB.QueryContext(ctx, s.q(
		"SELECT "+userColumns+" FROM users WHERE active = ? AND phone <> '' ORDER BY id"), true)
	if err != nil {
		return nil, fmt.Errorf("find user by phone: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		if lastDigits(digitsOnly(u.Phone), 10) == want {
			return u, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find user by phone: %w", err)
	}
	return nil, fmt.Errorf("user with phone %s: %w", maskDigits(digits), ErrNotFound)
}

// CreateTask inserts a task and fills in its ID.
func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	if strings.TrimSpace(t.Title) == "" {
		return errors.New("store: task title is required")
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	if !t.Priority.Valid() {
		return fmt.Errorf("store: invalid priority %q", t.Priority)
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	if !t.Status.Valid() {
		return fmt.Errorf("store: invalid status %q", t.Status)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}

	err := s.db.DB.QueryRowContext(ctx, s.q(`
		INSERT INTO tasks (title, description, assigned_to, assigned_by, priority, status, created_at, due_date, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		t.Title, t.Description, t.AssignedTo, t.AssignedBy, string(t.Priority), string(t.Status),
		t.CreatedAt, nullTime(t.DueDate), nullTime(t.CompletedAt),
	).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask loads a task by ID.
func (s *Store) GetTask(ctx context.Context, id int64) (*Task, error) {
	row := s.db.DB.QueryRowContext(ctx, s.q("SELECT "+taskColumns+" FROM tasks WHERE id = ?"), id)
	t, err := scanTask(row)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("task %d", id))
	}
	return t, nil
}

// FindMostRecentOpenTaskForUser returns the most recently created pending
// or in-progress task assigned to userID.
func (s *Store) FindMostRecentOpenTaskForUser(ctx context.Context, userID int64) (*Task, error) {
	row := s.db.DB.QueryRowContext(ctx, s.q(
		"SELECT "+taskColumns+` FROM tasks
		WHERE assigned_to = ? AND status IN (?, ?)
		ORDER BY created_at DESC, id DESC
		LIMIT 1`),
		userID, string(StatusPending), string(StatusInProgress))
	t, err := scanTask(row)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("open task for user %d", userID))
	}
	return t, nil
}

// UpdateTaskStatus sets a task's status. Completing a task stamps
// completed_at with at; any other status clears it.
func (s *Store) UpdateTaskStatus(ctx context.Context, id int64, status TaskStatus, at time.Time) error {
	if !status.Valid() {
		return fmt.Errorf("store: invalid status %q", status)
	}
	var completed *time.Time
	if status == StatusCompleted {
		completed = &at
	}

	res, err := s.db.DB.ExecContext(ctx, s.q(
		"UPDATE tasks SET status = ?, completed_at = ? WHERE id = ?"),
		string(status), nullTime(completed), id)
	if err != nil {
		return fmt.Errorf("update task %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	s.logger.Debug("task status updated", "task_id", id, "status", status)
	return nil
}

// FindAssignerForTask returns the user who assigned the task.
func (s *Store) FindAssignerForTask(ctx context.Context, taskID int64) (*User, error) {
	row := s.db.DB.QueryRowContext(ctx, s.q(
		"SELECT u."+strings.ReplaceAll(userColumns, ", ", ", u.")+`
		FROM tasks t JOIN users u ON u.id = t.assigned_by
		WHERE t.id = ?`), taskID)
	u, err := scanUser(row)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("assigner of task %d", taskID))
	}
	return u, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func digitsOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}

func lastDigits(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func maskDigits(s string) string {
	if len(s) <= 4 {
		return s
	}
	return strings.Repeat("*", len(s)-4) + s[len(s)-4:]
}
