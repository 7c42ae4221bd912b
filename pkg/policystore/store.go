// Package policystore persists versioned policies and the append-only
// active-version log in Postgres.
package policystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/epi-project/policy-reasoner/pkg/models"
)

var (
	ErrNotFound = errors.New("policy version not found")
	ErrNoActive = errors.New("no active policy version")
)

// noneVersion is the sentinel log entry meaning "no version active".
const noneVersion = 0

type policyDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the Postgres-backed policy repository. Version assignment and
// activation are single statements, so readers never observe a torn view.
type Store struct {
	DB policyDB
}

// insertAttempts bounds how often Insert recomputes the next version after
// losing a concurrent assignment race.
const insertAttempts = 3

// Insert stores a new policy under the next monotonic version. Content is
// persisted byte-identical to the submitted fragments. The MAX+1 subselect
// does not serialize concurrent writers; the loser of a race hits the
// primary key and retries with a fresh version.
func (s *Store) Insert(ctx context.Context, description, versionDescription, creator string, content []models.PolicyFragment) (models.Policy, error) {
	blob, err := json.Marshal(content)
	if err != nil {
		return models.Policy{}, fmt.Errorf("encode policy content: %w", err)
	}
	for attempt := 1; ; attempt++ {
		createdAt := time.Now().UTC().UnixMicro()
		var version int64
		err = s.DB.QueryRow(ctx, `
			INSERT INTO policies (version, description, version_description, creator, created_at, content)
			VALUES ((SELECT COALESCE(MAX(version), 0) + 1 FROM policies), $1, $2, $3, $4, $5)
			RETURNING version
		`, description, versionDescription, creator, createdAt, blob).Scan(&version)
		if err == nil {
			return models.Policy{
				Version:            version,
				Description:        description,
				VersionDescription: versionDescription,
				Creator:            creator,
				CreatedAt:          createdAt,
				Content:            content,
			}, nil
		}
		if attempt < insertAttempts && isUniqueViolation(err) {
			continue
		}
		return models.Policy{}, fmt.Errorf("insert policy: %w", err)
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Get fetches one stored version.
func (s *Store) Get(ctx context.Context, version int64) (models.Policy, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT version, description, version_description, creator, created_at, content
		FROM policies WHERE version = $1
	`, version)
	var p models.Policy
	var blob []byte
	if err := row.Scan(&p.Version, &p.Description, &p.VersionDescription, &p.Creator, &p.CreatedAt, &blob); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Policy{}, ErrNotFound
		}
		return models.Policy{}, fmt.Errorf("get policy %d: %w", version, err)
	}
	if err := json.Unmarshal(blob, &p.Content); err != nil {
		return models.Policy{}, fmt.Errorf("decode policy %d content: %w", version, err)
	}
	return p, nil
}

// List returns the metadata of every stored version in ascending order.
func (s *Store) List(ctx context.Context) ([]models.PolicyMeta, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT version, creator, created_at, version_description
		FROM policies ORDER BY version ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()
	out := []models.PolicyMeta{}
	for rows.Next() {
		var m models.PolicyMeta
		if err := rows.Scan(&m.Version, &m.Creator, &m.CreatedAt, &m.VersionDescription); err != nil {
			return nil, fmt.Errorf("scan policy meta: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	return out, nil
}

// ActiveVersion returns the most recently appended log entry, or ErrNoActive
// when the log is empty or ends in the sentinel.
func (s *Store) ActiveVersion(ctx context.Context) (int64, error) {
	var version int64
	err := s.DB.QueryRow(ctx, `
		SELECT version FROM active_version_log
		ORDER BY activated_at DESC, version DESC LIMIT 1
	`).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNoActive
	}
	if err != nil {
		return 0, fmt.Errorf("read active version: %w", err)
	}
	if version == noneVersion {
		return 0, ErrNoActive
	}
	return version, nil
}

// GetActive fetches the currently active policy, or ErrNoActive.
func (s *Store) GetActive(ctx context.Context) (models.Policy, error) {
	version, err := s.ActiveVersion(ctx)
	if err != nil {
		return models.Policy{}, err
	}
	return s.Get(ctx, version)
}

// Activate appends a log entry for version, which must exist. The existence
// check and the append are one statement.
func (s *Store) Activate(ctx context.Context, version int64, actor string) (models.Policy, error) {
	if version == noneVersion {
		return models.Policy{}, ErrNotFound
	}
	tag, err := s.DB.Exec(ctx, `
		INSERT INTO active_version_log (version, activated_at, activated_by)
		SELECT $1, $2, $3 WHERE EXISTS (SELECT 1 FROM policies WHERE version = $1)
	`, version, time.Now().UTC().UnixMicro(), actor)
	if err != nil {
		return models.Policy{}, fmt.Errorf("activate policy %d: %w", version, err)
	}
	if tag.RowsAffected() == 0 {
		return models.Policy{}, ErrNotFound
	}
	return s.Get(ctx, version)
}

// Deactivate appends the sentinel entry; subsequent GetActive returns
// ErrNoActive.
func (s *Store) Deactivate(ctx context.Context, actor string) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO active_version_log (version, activated_at, activated_by)
		VALUES ($1, $2, $3)
	`, int64(noneVersion), time.Now().UTC().UnixMicro(), actor)
	if err != nil {
		return fmt.Errorf("deactivate policy: %w", err)
	}
	return nil
}
