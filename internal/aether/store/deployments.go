package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aetherhub/aether/common/crypto"
)

const encryptedPrefix = "enc:v1:"

// Deployment is one row of the deployments table.
type Deployment struct {
	ID               string
	Name             string
	Port             int
	GatewayToken     string
	Status           string
	Directory        string
	Project          string
	LastErrorReason  sql.NullString
	LastErrorMessage sql.NullString
	HealthJSON       sql.NullString
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Transition is one recorded status change.
type Transition struct {
	ID           int64
	DeploymentID string
	From         string
	To           string
	Reason       sql.NullString
	TraceID      sql.NullString
	At           time.Time
}

// StatusUpdate describes a compare-and-set status change.
type StatusUpdate struct {
	From    []string
	To      string
	Reason  string
	Message string
	// ClearError resets last_error when no new reason is given.
	ClearError bool
	TraceID    string
}

const deploymentColumns = `id, name, port, gateway_token, status, directory, project,
	last_error_reason, last_error_message, health_json, created_at, updated_at`

func (s *Store) sealToken(token string) (string, error) {
	if len(s.tokenKey) == 0 {
		return token, nil
	}
	enc, err := crypto.EncryptString(s.tokenKey, token)
	if err != nil {
		return "", fmt.Errorf("encrypt gateway token: %w", err)
	}
	return encryptedPrefix + enc, nil
}

func (s *Store) openToken(stored string) (string, error) {
	if !strings.HasPrefix(stored, encryptedPrefix) {
		return stored, nil
	}
	if len(s.tokenKey) == 0 {
		return "", fmt.Errorf("gateway token is encrypted but no master key is configured")
	}
	tok, err := crypto.DecryptString(s.tokenKey, strings.TrimPrefix(stored, encryptedPrefix))
	if err != nil {
		return "", fmt.Errorf("decrypt gateway token: %w", err)
	}
	return tok, nil
}

// CreateDeployment inserts a new record. It returns ErrPortInUse when the
// port is already held and ErrExists when the id is taken.
func (s *Store) CreateDeployment(ctx context.Context, d *Deployment) error {
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now

	token, err := s.sealToken(d.GatewayToken)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO deployments (`+deploymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.Name, d.Port, token, d.Status, d.Directory, d.Project,
		d.LastErrorReason, d.LastErrorMessage, d.HealthJSON, d.CreatedAt, d.UpdatedAt)
	switch {
	case isUniqueViolation(err, "deployments.port"):
		return fmt.Errorf("port %d: %w", d.Port, ErrPortInUse)
	case isUniqueViolation(err, "deployments.id"):
		return fmt.Errorf("%s: %w", d.ID, ErrExists)
	case err != nil:
		return fmt.Errorf("failed to create deployment: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanDeployment(row rowScanner) (*Deployment, error) {
	d := &Deployment{}
	var token string
	if err := row.Scan(
		&d.ID, &d.Name, &d.Port, &token, &d.Status, &d.Directory, &d.Project,
		&d.LastErrorReason, &d.LastErrorMessage, &d.HealthJSON, &d.CreatedAt, &d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	plain, err := s.openToken(token)
	if err != nil {
		return nil, fmt.Errorf("deployment %s: %w", d.ID, err)
	}
	d.GatewayToken = plain
	return d, nil
}

// GetDeployment retrieves a deployment by id.
func (s *Store) GetDeployment(ctx context.Context, id string) (*Deployment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE id = ?`, id)
	d, err := s.scanDeployment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment: %w", err)
	}
	return d, nil
}

// ListDeployments returns every deployment, oldest first.
func (s *Store) ListDeployments(ctx context.Context) ([]*Deployment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deploymentColumns+` FROM deployments ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	defer rows.Close()

	var out []*Deployment
	for rows.Next() {
		d, err := s.scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deployments: %w", err)
	}
	return out, nil
}

// PortAllocated reports whether any record holds port.
func (s *Store) PortAllocated(ctx context.Context, port int) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM deployments WHERE port = ?`, port).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check port: %w", err)
	}
	return n > 0, nil
}

// CompareAndSetStatus moves a deployment to u.To only when its current
// status is one of u.From. It returns the status found, reports whether the
// update was applied and records the transition in the same transaction.
func (s *Store) CompareAndSetStatus(ctx context.Context, id string, u StatusUpdate) (string, bool, error) {
	if len(u.From) == 0 {
		return "", false, fmt.Errorf("compare-and-set %s: no source statuses", id)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("failed to begin status update: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM deployments WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read status: %w", err)
	}
	if !contains(u.From, current) {
		return current, false, nil
	}

	now := time.Now().UTC()
	query := `UPDATE deployments SET status = ?, updated_at = ?`
	args := []any{u.To, now}
	switch {
	case u.Reason != "":
		query += `, last_error_reason = ?, last_error_message = ?`
		args = append(args, u.Reason, u.Message)
	case u.ClearError:
		query += `, last_error_reason = NULL, last_error_message = NULL`
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return current, false, fmt.Errorf("failed to update status: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO deployment_transitions (deployment_id, from_status, to_status, reason, trace_id, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, current, u.To, nullString(u.Reason), nullString(u.TraceID), now); err != nil {
		return current, false, fmt.Errorf("failed to record transition: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return current, false, fmt.Errorf("failed to commit status update: %w", err)
	}
	return current, true, nil
}

// SetLastError records an error reason without changing status.
func (s *Store) SetLastError(ctx context.Context, id, reason, message string) error {
	return s.exec(ctx, id, `
		UPDATE deployments SET last_error_reason = ?, last_error_message = ?, updated_at = ? WHERE id = ?
	`, nullString(reason), nullString(message), time.Now().UTC(), id)
}

// SetHealth stores the JSON encoding of the last health probe result.
func (s *Store) SetHealth(ctx context.Context, id, healthJSON string) error {
	return s.exec(ctx, id, `
		UPDATE deployments SET health_json = ?, updated_at = ? WHERE id = ?
	`, nullString(healthJSON), time.Now().UTC(), id)
}

// DeleteDeployment removes the record and its transitions, releasing its
// port.
func (s *Store) DeleteDeployment(ctx context.Context, id string) error {
	return s.exec(ctx, id, `DELETE FROM deployments WHERE id = ?`, id)
}

// ListTransitions returns the recorded status changes for id, oldest first.
func (s *Store) ListTransitions(ctx context.Context, id string) ([]Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, deployment_id, from_status, to_status, reason, trace_id, at
		FROM deployment_transitions
		WHERE deployment_id = ?
		ORDER BY id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		if err := rows.Scan(&t.ID, &t.DeploymentID, &t.From, &t.To, &t.Reason, &t.TraceID, &t.At); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) exec(ctx context.Context, id, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update deployment %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
