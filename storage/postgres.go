package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

// ErrConcurrencyConflict indicates the database aborted the transaction
// because it raced with a concurrent writer. The caller may retry.
var ErrConcurrencyConflict = errors.New("concurrency conflict")

const txRetries = 3

// Postgres is the durable task store. Position recomputes run inside a
// transaction that locks the affected column rows, so two reorders against
// the same (project, status) column serialize behind each other.
type Postgres struct {
	db *sql.DB
}

// New opens a connection pool and verifies it with a ping.
func New(connStr string) (*Postgres, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{db: db}, nil
}

// Migrate creates the schema when it does not exist yet.
func (s *Postgres) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			username TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS project_members (
			project_id BIGINT NOT NULL,
			user_id BIGINT NOT NULL REFERENCES users(id),
			role TEXT NOT NULL,
			PRIMARY KEY (project_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id BIGSERIAL PRIMARY KEY,
			project_id BIGINT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			position INT NOT NULL,
			assigned_to_id BIGINT REFERENCES users(id),
			labels TEXT[] NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS tasks_project_status_position
			ON tasks (project_id, status, position)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *Postgres) Close() error { return s.db.Close() }

// MemberRole returns the user's role on the project, or empty when the user
// is not a member.
func (s *Postgres) MemberRole(ctx context.Context, projectID, userID int64) (domain.Role, error) {
	var role string
	err := s.db.QueryRowContext(ctx,
		`SELECT role FROM project_members WHERE project_id = $1 AND user_id = $2`,
		projectID, userID).Scan(&role)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("member role: %w", err)
	}
	return domain.Role(role), nil
}

// AddMember records a user's role on a project.
func (s *Postgres) AddMember(ctx context.Context, projectID, userID int64, role domain.Role) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO project_members (project_id, user_id, role) VALUES ($1, $2, $3)
		 ON CONFLICT (project_id, user_id) DO UPDATE SET role = EXCLUDED.role`,
		projectID, userID, string(role))
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

const taskColumns = `t.id, t.project_id, t.title, t.description, t.status, t.position,
	t.assigned_to_id, t.labels, t.created_at, t.updated_at, u.id, u.username`

// ListTasks returns all tasks of the project with resolved assignees, in
// render order: status rank ascending, then position ascending.
func (s *Postgres) ListTasks(ctx context.Context, projectID int64) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+`
		 FROM tasks t LEFT JOIN users u ON u.id = t.assigned_to_id
		 WHERE t.project_id = $1
		 ORDER BY CASE t.status
			WHEN 'TODO' THEN 0
			WHEN 'IN_PROGRESS' THEN 1
			ELSE 2 END, t.position`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// InTx runs fn against row-locked task reads and commits all writes as one
// atomic unit. Serialization failures and deadlocks are retried a few times
// with backoff; the losing writer of a column race thereby serializes
// behind the winner.
func (s *Postgres) InTx(ctx context.Context, projectID int64, fn func(tx domain.Tx) error) error {
	return retryOnConflict(ctx, projectID, func() error { return s.runTx(ctx, fn) })
}

// retryOnConflict re-runs op while it aborts with ErrConcurrencyConflict,
// backing off a little longer before each further attempt. Any other error
// surfaces immediately.
func retryOnConflict(ctx context.Context, projectID int64, op func() error) error {
	var err error
	for attempt := 0; attempt < txRetries; attempt++ {
		err = op()
		if !errors.Is(err, ErrConcurrencyConflict) {
			return err
		}
		log.WithFields(log.Fields{"project": projectID, "attempt": attempt + 1}).Warn("task transaction conflict, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}
	return err
}

func (s *Postgres) runTx(ctx context.Context, fn func(tx domain.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(&pgTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return mapConflict(err)
	}
	if err := tx.Commit(); err != nil {
		return mapConflict(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// mapConflict converts Postgres serialization/deadlock failures into
// ErrConcurrencyConflict so the retry loop can distinguish them.
func mapConflict(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %v", ErrConcurrencyConflict, err)
		}
	}
	return err
}

type pgTx struct {
	tx *sql.Tx
}

func (p *pgTx) GetTask(ctx context.Context, projectID, taskID int64) (*domain.Task, error) {
	row := p.tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+`
		 FROM tasks t LEFT JOIN users u ON u.id = t.assigned_to_id
		 WHERE t.project_id = $1 AND t.id = $2
		 FOR UPDATE OF t`,
		projectID, taskID)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (p *pgTx) TasksInColumn(ctx context.Context, projectID int64, status domain.Status) ([]domain.Task, error) {
	rows, err := p.tx.QueryContext(ctx,
		`SELECT `+taskColumns+`
		 FROM tasks t LEFT JOIN users u ON u.id = t.assigned_to_id
		 WHERE t.project_id = $1 AND t.status = $2
		 ORDER BY t.position
		 FOR UPDATE OF t`,
		projectID, string(status))
	if err != nil {
		return nil, fmt.Errorf("tasks in column: %w", err)
	}
	defer rows.Close()

	tasks := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (p *pgTx) MaxPosition(ctx context.Context, projectID int64, status domain.Status) (int, bool, error) {
	var pos int
	err := p.tx.QueryRowContext(ctx,
		`SELECT position FROM tasks
		 WHERE project_id = $1 AND status = $2
		 ORDER BY position DESC LIMIT 1
		 FOR UPDATE`,
		projectID, string(status)).Scan(&pos)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("max position: %w", err)
	}
	return pos, true, nil
}

func (p *pgTx) InsertTask(ctx context.Context, t *domain.Task) error {
	err := p.tx.QueryRowContext(ctx,
		`INSERT INTO tasks (project_id, title, description, status, position, assigned_to_id, labels)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at, updated_at`,
		t.ProjectID, t.Title, t.Description, string(t.Status), t.Position,
		t.AssignedToID, pq.Array(labelsOrEmpty(t.Labels))).
		Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (p *pgTx) UpdateTask(ctx context.Context, t *domain.Task) error {
	err := p.tx.QueryRowContext(ctx,
		`UPDATE tasks SET title = $1, description = $2, status = $3, position = $4,
			assigned_to_id = $5, labels = $6, updated_at = now()
		 WHERE project_id = $7 AND id = $8
		 RETURNING updated_at`,
		t.Title, t.Description, string(t.Status), t.Position,
		t.AssignedToID, pq.Array(labelsOrEmpty(t.Labels)), t.ProjectID, t.ID).
		Scan(&t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update task %d: %w", t.ID, err)
	}
	return nil
}

func (p *pgTx) SetPositions(ctx context.Context, changes []domain.PositionChange) error {
	for _, c := range changes {
		if _, err := p.tx.ExecContext(ctx,
			`UPDATE tasks SET status = $1, position = $2, updated_at = now() WHERE id = $3`,
			string(c.Status), c.Position, c.TaskID); err != nil {
			return fmt.Errorf("set position of task %d: %w", c.TaskID, err)
		}
	}
	return nil
}

func (p *pgTx) DeleteTask(ctx context.Context, projectID, taskID int64) error {
	if _, err := p.tx.ExecContext(ctx,
		`DELETE FROM tasks WHERE project_id = $1 AND id = $2`, projectID, taskID); err != nil {
		return fmt.Errorf("delete task %d: %w", taskID, err)
	}
	return nil
}

func (p *pgTx) ResolveMember(ctx context.Context, userID int64) (*domain.Member, error) {
	var m domain.Member
	err := p.tx.QueryRowContext(ctx,
		`SELECT id, username FROM users WHERE id = $1`, userID).Scan(&m.ID, &m.Username)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: assignee %d is not a known user", domain.ErrInvalidInput, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve member %d: %w", userID, err)
	}
	return &m, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var (
		t          domain.Task
		status     string
		labels     pq.StringArray
		assignedID sql.NullInt64
		memberID   sql.NullInt64
		username   sql.NullString
	)
	err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &status, &t.Position,
		&assignedID, &labels, &t.CreatedAt, &t.UpdatedAt, &memberID, &username)
	if err != nil {
		return domain.Task{}, err
	}
	t.Status = domain.Status(status)
	if len(labels) > 0 {
		t.Labels = labels
	}
	if assignedID.Valid {
		id := assignedID.Int64
		t.AssignedToID = &id
		if memberID.Valid {
			t.AssignedTo = &domain.Member{ID: memberID.Int64, Username: username.String}
		}
	}
	return t, nil
}

func labelsOrEmpty(labels []string) []string {
	if labels == nil {
		return []string{}
	}
	return labels
}
