package postgres

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/clearing-armada/internal/domain/clearing"
	"github.com/ahrav/clearing-armada/internal/infra/storage"
	"github.com/ahrav/clearing-armada/pkg/common/uuid"
)

var _ clearing.ReleaseRepository = (*releaseStore)(nil)

// releaseStore implements clearing.ReleaseRepository on PostgreSQL. A release
// row carries a revision that every update bumps; processes, steps and
// attachments hang off it in child tables.
type releaseStore struct {
	db     *pgxpool.Pool
	psql   sq.StatementBuilderType
	tracer trace.Tracer
}

// NewReleaseStore creates a PostgreSQL-backed release repository.
func NewReleaseStore(pool *pgxpool.Pool, tracer trace.Tracer) *releaseStore {
	return &releaseStore{
		db:     pool,
		psql:   sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		tracer: tracer,
	}
}

const (
	opTimeout = 5 * time.Second

	selectRelease = `
SELECT id, name, version, revision, clearing_state
FROM releases
WHERE id = $1`

	selectAttachments = `
SELECT content_id, filename, attachment_type, sha1, created_by, created_at
FROM release_attachments
WHERE release_id = $1
ORDER BY created_at, content_id`

	selectProcesses = `
SELECT id, tool, status, content_id, sha1, report_auto_generation, created_at, updated_at
FROM clearing_processes
WHERE release_id = $1
ORDER BY created_at, id`

	selectSteps = `
SELECT s.process_id, s.name, s.status, s.tool_side_id, s.result,
       s.started_on, s.finished_on, s.started_by, s.started_by_group
FROM clearing_steps s
JOIN clearing_processes p ON p.id = s.process_id
WHERE p.release_id = $1
ORDER BY s.process_id, s.position`

	insertRelease = `
INSERT INTO releases (id, name, version, revision, clearing_state)
VALUES ($1, $2, $3, 1, $4)`

	bumpRevision = `
UPDATE releases
SET revision = revision + 1, clearing_state = $3, updated_at = NOW()
WHERE id = $1 AND revision = $2
RETURNING revision`

	releaseExists = `SELECT EXISTS (SELECT 1 FROM releases WHERE id = $1)`

	insertAttachment = `
INSERT INTO release_attachments (release_id, content_id, filename, attachment_type, sha1, created_by, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (release_id, content_id) DO NOTHING`

	upsertProcess = `
INSERT INTO clearing_processes
    (id, release_id, tool, status, content_id, sha1, report_auto_generation, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO UPDATE SET
    status = EXCLUDED.status,
    report_auto_generation = EXCLUDED.report_auto_generation,
    updated_at = EXCLUDED.updated_at`

	deleteSteps = `DELETE FROM clearing_steps WHERE process_id = $1`
)

// CreateRelease inserts a release with its attachments. Processes are
// written by UpdateRelease.
func (s *releaseStore) CreateRelease(ctx context.Context, r *clearing.Release) error {
	dbAttrs := append(slices.Clone(storage.DefaultDBAttributes), attribute.String("release_id", r.ID))

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_release", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()

		tx, err := s.db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin transaction error: %w", err)
		}
		defer tx.Rollback(ctx)

		state := r.ClearingState
		if state == "" {
			state = clearing.ClearingStateNew
		}
		if _, err := tx.Exec(ctx, insertRelease, r.ID, r.Name, r.Version, string(state)); err != nil {
			return fmt.Errorf("insert release error: %w", err)
		}
		for _, a := range r.Attachments {
			if err := insertAttachmentTx(ctx, tx, r.ID, a); err != nil {
				return err
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit error: %w", err)
		}

		r.Revision = 1
		r.ClearingState = state
		return nil
	})
}

// GetRelease loads a release with its attachments, processes and steps.
func (s *releaseStore) GetRelease(ctx context.Context, releaseID string) (*clearing.Release, error) {
	dbAttrs := append(slices.Clone(storage.DefaultDBAttributes), attribute.String("release_id", releaseID))

	var release *clearing.Release
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_release", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()

		// One snapshot for the whole document.
		tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
		if err != nil {
			return fmt.Errorf("begin transaction error: %w", err)
		}
		defer tx.Rollback(ctx)

		r := new(clearing.Release)
		var state string
		err = tx.QueryRow(ctx, selectRelease, releaseID).Scan(&r.ID, &r.Name, &r.Version, &r.Revision, &state)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return clearing.ErrReleaseNotFound
			}
			return fmt.Errorf("select release error: %w", err)
		}
		if r.ClearingState, err = clearing.ParseClearingState(state); err != nil {
			return err
		}

		if r.Attachments, err = loadAttachments(ctx, tx, releaseID); err != nil {
			return err
		}
		if r.Processes, err = loadProcesses(ctx, tx, releaseID); err != nil {
			return err
		}

		release = r
		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, err
	}
	return release, nil
}

func loadAttachments(ctx context.Context, tx pgx.Tx, releaseID string) ([]clearing.Attachment, error) {
	rows, err := tx.Query(ctx, selectAttachments, releaseID)
	if err != nil {
		return nil, fmt.Errorf("select attachments error: %w", err)
	}
	defer rows.Close()

	var out []clearing.Attachment
	for rows.Next() {
		var (
			a   clearing.Attachment
			typ string
		)
		if err := rows.Scan(&a.ContentID, &a.Filename, &typ, &a.SHA1, &a.CreatedBy, &a.CreatedOn); err != nil {
			return nil, fmt.Errorf("scan attachment error: %w", err)
		}
		if a.Type, err = clearing.ParseAttachmentType(typ); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type processRow struct {
	id                   pgtype.UUID
	tool                 string
	status               string
	fingerprint          clearing.Fingerprint
	reportAutoGeneration bool
	createdAt, updatedAt time.Time
}

func loadProcesses(ctx context.Context, tx pgx.Tx, releaseID string) ([]*clearing.Process, error) {
	rows, err := tx.Query(ctx, selectProcesses, releaseID)
	if err != nil {
		return nil, fmt.Errorf("select processes error: %w", err)
	}
	var procRows []processRow
	for rows.Next() {
		var p processRow
		if err := rows.Scan(
			&p.id, &p.tool, &p.status, &p.fingerprint.ContentID, &p.fingerprint.SHA1,
			&p.reportAutoGeneration, &p.createdAt, &p.updatedAt,
		); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan process error: %w", err)
		}
		procRows = append(procRows, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate processes error: %w", err)
	}
	if len(procRows) == 0 {
		return nil, nil
	}

	steps, err := loadSteps(ctx, tx, releaseID)
	if err != nil {
		return nil, err
	}

	out := make([]*clearing.Process, 0, len(procRows))
	for _, row := range procRows {
		tool, err := clearing.ParseTool(row.tool)
		if err != nil {
			return nil, err
		}
		status, err := clearing.ParseProcessStatus(row.status)
		if err != nil {
			return nil, err
		}
		id := uuid.UUID(row.id.Bytes)
		p, err := clearing.ReconstructProcess(
			id, tool, status, row.fingerprint, steps[id], row.reportAutoGeneration, row.createdAt, row.updatedAt,
		)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func loadSteps(ctx context.Context, tx pgx.Tx, releaseID string) (map[uuid.UUID][]*clearing.Step, error) {
	rows, err := tx.Query(ctx, selectSteps, releaseID)
	if err != nil {
		return nil, fmt.Errorf("select steps error: %w", err)
	}
	defer rows.Close()

	steps := make(map[uuid.UUID][]*clearing.Step)
	for rows.Next() {
		var (
			processID                        pgtype.UUID
			name, status, toolSideID, result string
			startedOn                        time.Time
			finishedOn                       pgtype.Timestamptz
			startedBy, startedByGroup        string
		)
		if err := rows.Scan(
			&processID, &name, &status, &toolSideID, &result,
			&startedOn, &finishedOn, &startedBy, &startedByGroup,
		); err != nil {
			return nil, fmt.Errorf("scan step error: %w", err)
		}
		stepName, err := clearing.ParseStepName(name)
		if err != nil {
			return nil, err
		}
		stepStatus, err := clearing.ParseStepStatus(status)
		if err != nil {
			return nil, err
		}

		var finished time.Time
		if finishedOn.Valid {
			finished = finishedOn.Time
		}
		id := uuid.UUID(processID.Bytes)
		steps[id] = append(steps[id], clearing.ReconstructStep(
			stepName, stepStatus, toolSideID, result, startedOn, finished, startedBy, startedByGroup,
		))
	}
	return steps, rows.Err()
}

// UpdateRelease writes the clearing state, processes and new attachments of
// r. The write only applies if the stored revision still equals r.Revision.
func (s *releaseStore) UpdateRelease(ctx context.Context, r *clearing.Release) error {
	dbAttrs := append(
		slices.Clone(storage.DefaultDBAttributes),
		attribute.String("release_id", r.ID),
		attribute.Int64("revision", r.Revision),
		attribute.String("clearing_state", string(r.ClearingState)),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_release", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()

		tx, err := s.db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin transaction error: %w", err)
		}
		defer tx.Rollback(ctx)

		var newRevision int64
		err = tx.QueryRow(ctx, bumpRevision, r.ID, r.Revision, string(r.ClearingState)).Scan(&newRevision)
		if err != nil {
			if !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("update release error: %w", err)
			}
			var exists bool
			if err := tx.QueryRow(ctx, releaseExists, r.ID).Scan(&exists); err != nil {
				return fmt.Errorf("check release error: %w", err)
			}
			if !exists {
				return clearing.ErrReleaseNotFound
			}
			return clearing.ErrConcurrentModification
		}

		for _, a := range r.Attachments {
			if err := insertAttachmentTx(ctx, tx, r.ID, a); err != nil {
				return err
			}
		}

		// Outdated processes first so the partial unique index on live
		// processes never sees two at once.
		procs := slices.Clone(r.Processes)
		slices.SortStableFunc(procs, func(a, b *clearing.Process) int {
			switch {
			case a.IsOutdated() == b.IsOutdated():
				return 0
			case a.IsOutdated():
				return -1
			default:
				return 1
			}
		})
		for _, p := range procs {
			if err := s.writeProcess(ctx, tx, r.ID, p); err != nil {
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit error: %w", err)
		}
		r.Revision = newRevision
		return nil
	})
}

func insertAttachmentTx(ctx context.Context, tx pgx.Tx, releaseID string, a clearing.Attachment) error {
	createdOn := a.CreatedOn
	if createdOn.IsZero() {
		createdOn = time.Now()
	}
	_, err := tx.Exec(ctx, insertAttachment,
		releaseID, a.ContentID, a.Filename, string(a.Type), a.SHA1, a.CreatedBy, createdOn,
	)
	if err != nil {
		return fmt.Errorf("insert attachment %s error: %w", a.ContentID, err)
	}
	return nil
}

func (s *releaseStore) writeProcess(ctx context.Context, tx pgx.Tx, releaseID string, p *clearing.Process) error {
	pid := pgtype.UUID{Bytes: p.ID(), Valid: true}
	fp := p.Fingerprint()
	_, err := tx.Exec(ctx, upsertProcess,
		pid, releaseID, string(p.Tool()), string(p.Status()), fp.ContentID, fp.SHA1,
		p.ReportAutoGeneration(), p.CreatedOn(), p.UpdatedOn(),
	)
	if err != nil {
		return fmt.Errorf("upsert process %s error: %w", p.ID(), err)
	}

	if _, err := tx.Exec(ctx, deleteSteps, pid); err != nil {
		return fmt.Errorf("delete steps of %s error: %w", p.ID(), err)
	}

	insert := s.psql.Insert("clearing_steps").Columns(
		"process_id", "position", "name", "status", "tool_side_id", "result",
		"started_on", "finished_on", "started_by", "started_by_group",
	)
	for i, step := range p.Steps() {
		finished := pgtype.Timestamptz{Time: step.FinishedOn(), Valid: !step.FinishedOn().IsZero()}
		insert = insert.Values(
			pid, i, string(step.Name()), string(step.Status()), step.ToolSideID(), step.Result(),
			step.StartedOn(), finished, step.StartedBy(), step.StartedByGroup(),
		)
	}
	query, args, err := insert.ToSql()
	if err != nil {
		return fmt.Errorf("build steps insert error: %w", err)
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert steps of %s error: %w", p.ID(), err)
	}
	return nil
}

// ListReleaseIDsByClearingState returns up to limit release ids in any of
// states, least recently updated first.
func (s *releaseStore) ListReleaseIDsByClearingState(
	ctx context.Context,
	states []clearing.ClearingState,
	limit int,
) ([]string, error) {
	dbAttrs := append(
		slices.Clone(storage.DefaultDBAttributes),
		attribute.Int("state_count", len(states)),
		attribute.Int("limit", limit),
	)

	var ids []string
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_releases_by_clearing_state", dbAttrs, func(ctx context.Context) error {
		if len(states) == 0 {
			return nil
		}
		values := make([]string, len(states))
		for i, st := range states {
			values[i] = string(st)
		}

		q := s.psql.Select("id").From("releases").
			Where(sq.Eq{"clearing_state": values}).
			OrderBy("updated_at", "id")
		if limit > 0 {
			q = q.Limit(uint64(limit))
		}
		query, args, err := q.ToSql()
		if err != nil {
			return fmt.Errorf("build list query error: %w", err)
		}

		rows, err := s.db.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("list releases error: %w", err)
		}
		ids, err = pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("collect release ids error: %w", err)
		}
		return nil
	})
	return ids, err
}

// ListReleaseIDsByProcessStatus returns up to limit release ids holding a
// tool process in any of statuses, least recently updated process first.
func (s *releaseStore) ListReleaseIDsByProcessStatus(
	ctx context.Context,
	tool clearing.Tool,
	statuses []clearing.ProcessStatus,
	limit int,
) ([]string, error) {
	dbAttrs := append(
		slices.Clone(storage.DefaultDBAttributes),
		attribute.String("tool", tool.String()),
		attribute.Int("status_count", len(statuses)),
		attribute.Int("limit", limit),
	)

	var ids []string
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_releases_by_process_status", dbAttrs, func(ctx context.Context) error {
		if len(statuses) == 0 {
			return nil
		}
		values := make([]string, len(statuses))
		for i, st := range statuses {
			values[i] = string(st)
		}

		q := s.psql.Select("release_id").From("clearing_processes").
			Where(sq.Eq{"tool": tool.String(), "status": values}).
			OrderBy("updated_at", "release_id")
		if limit > 0 {
			q = q.Limit(uint64(limit))
		}
		query, args, err := q.ToSql()
		if err != nil {
			return fmt.Errorf("build list query error: %w", err)
		}

		rows, err := s.db.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("list releases by process status error: %w", err)
		}
		ids, err = pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("collect release ids error: %w", err)
		}
		return nil
	})
	return ids, err
}
