// Package duckdb persists jobs, endpoints and settings in an embedded
// DuckDB database.
package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/castiron/crucible/internal/core/domain"
	"github.com/castiron/crucible/internal/core/ports"
)

type Repository struct {
	db *sql.DB
}

// NewRepository opens (or creates) the database at path. An empty path
// opens an in-memory database, which the tests rely on.
func NewRepository(path string) (*Repository, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	r := &Repository{db: db}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

var _ ports.Repository = (*Repository)(nil)

func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS compilation_jobs (
			name           VARCHAR PRIMARY KEY,
			status         VARCHAR NOT NULL,
			target         VARCHAR,
			input_location VARCHAR,
			artifact       VARCHAR,
			failure_reason VARCHAR,
			created_at     TIMESTAMP,
			updated_at     TIMESTAMP,
			metadata       VARCHAR
		)`,
		`CREATE TABLE IF NOT EXISTS endpoints (
			name           VARCHAR PRIMARY KEY,
			config_name    VARCHAR,
			model_name     VARCHAR,
			status         VARCHAR NOT NULL,
			url            VARCHAR,
			failure_reason VARCHAR,
			created_at     TIMESTAMP,
			updated_at     TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key   VARCHAR PRIMARY KEY,
			value VARCHAR NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (r *Repository) SaveJob(ctx context.Context, job domain.CompilationJob) error {
	metaJSON, _ := json.Marshal(job.Metadata)

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO compilation_jobs (name, status, target, input_location, artifact,
		                              failure_reason, created_at, updated_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			status         = excluded.status,
			artifact       = excluded.artifact,
			failure_reason = excluded.failure_reason,
			updated_at     = excluded.updated_at,
			metadata       = excluded.metadata`,
		job.Name,
		string(job.Status),
		string(job.Target),
		job.InputLocation,
		job.Artifact,
		job.FailureReason,
		job.CreatedAt,
		job.UpdatedAt,
		string(metaJSON),
	)
	if err != nil {
		return fmt.Errorf("upsert job %s: %w", job.Name, err)
	}
	return nil
}

func (r *Repository) GetJob(ctx context.Context, name string) (domain.CompilationJob, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT name, status, target, input_location, artifact, failure_reason,
		       created_at, updated_at, metadata
		FROM compilation_jobs WHERE name = ?`, name)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CompilationJob{}, domain.ErrJobNotFound
	}
	if err != nil {
		return domain.CompilationJob{}, fmt.Errorf("get job %s: %w", name, err)
	}
	return job, nil
}

func (r *Repository) ListJobs(ctx context.Context) ([]domain.CompilationJob, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT name, status, target, input_location, artifact, failure_reason,
		       created_at, updated_at, metadata
		FROM compilation_jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.CompilationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.CompilationJob, error) {
	var job domain.CompilationJob
	var status, target string
	var input, artifact, reason, metaJSON sql.NullString

	err := row.Scan(&job.Name, &status, &target, &input, &artifact, &reason,
		&job.CreatedAt, &job.UpdatedAt, &metaJSON)
	if err != nil {
		return domain.CompilationJob{}, err
	}

	job.Status = domain.JobStatus(status)
	job.Target = domain.TargetDevice(target)
	job.InputLocation = input.String
	if artifact.Valid {
		job.Artifact = &artifact.String
	}
	if reason.Valid {
		job.FailureReason = &reason.String
	}
	if metaJSON.Valid && metaJSON.String != "" && metaJSON.String != "null" {
		if err := json.Unmarshal([]byte(metaJSON.String), &job.Metadata); err != nil {
			return domain.CompilationJob{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return job, nil
}

func (r *Repository) SaveEndpoint(ctx context.Context, ep domain.Endpoint) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO endpoints (name, config_name, model_name, status, url,
		                       failure_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			config_name    = excluded.config_name,
			model_name     = excluded.model_name,
			status         = excluded.status,
			url            = excluded.url,
			failure_reason = excluded.failure_reason,
			updated_at     = excluded.updated_at`,
		ep.Name,
		ep.ConfigName,
		ep.ModelName,
		string(ep.Status),
		ep.URL,
		ep.FailureReason,
		ep.CreatedAt,
		ep.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert endpoint %s: %w", ep.Name, err)
	}
	return nil
}

func (r *Repository) GetEndpoint(ctx context.Context, name string) (domain.Endpoint, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT name, config_name, model_name, status, url, failure_reason,
		       created_at, updated_at
		FROM endpoints WHERE name = ?`, name)

	ep, err := scanEndpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Endpoint{}, domain.ErrEndpointNotFound
	}
	if err != nil {
		return domain.Endpoint{}, fmt.Errorf("get endpoint %s: %w", name, err)
	}
	return ep, nil
}

func (r *Repository) ListEndpoints(ctx context.Context) ([]domain.Endpoint, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT name, config_name, model_name, status, url, failure_reason,
		       created_at, updated_at
		FROM endpoints ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	defer rows.Close()

	var endpoints []domain.Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan endpoint: %w", err)
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, rows.Err()
}

func scanEndpoint(row rowScanner) (domain.Endpoint, error) {
	var ep domain.Endpoint
	var status string
	var configName, modelName, url, reason sql.NullString

	err := row.Scan(&ep.Name, &configName, &modelName, &status, &url, &reason,
		&ep.CreatedAt, &ep.UpdatedAt)
	if err != nil {
		return domain.Endpoint{}, err
	}

	ep.ConfigName = configName.String
	ep.ModelName = modelName.String
	ep.Status = domain.EndpointStatus(status)
	ep.URL = url.String
	if reason.Valid {
		ep.FailureReason = &reason.String
	}
	return ep, nil
}

func (r *Repository) DeleteEndpoint(ctx context.Context, name string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM endpoints WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete endpoint %s: %w", name, err)
	}
	return nil
}

func (r *Repository) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("setting %s not found", key)
	}
	if err != nil {
		return "", fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, nil
}

func (r *Repository) SaveSetting(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("save setting %s: %w", key, err)
	}
	return nil
}
