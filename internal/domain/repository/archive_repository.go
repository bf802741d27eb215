package repository

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"code_exec_service/internal/domain/model"

	"github.com/jackc/pgx/v5/pgxpool"
)

// maxArchivedText caps each text column in bytes.
const maxArchivedText = 65535

const archiveSchema = `
CREATE TABLE IF NOT EXISTS execution_archive (
	execution_id   TEXT PRIMARY KEY,
	owner_id       TEXT NOT NULL,
	language       TEXT NOT NULL,
	code           TEXT NOT NULL,
	input_data     TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	output         TEXT NOT NULL DEFAULT '',
	error_output   TEXT NOT NULL DEFAULT '',
	execution_time TEXT NOT NULL DEFAULT '',
	memory_usage   TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL,
	completed_at   TIMESTAMPTZ
)`

// PgExecutionArchive keeps terminal executions past their Redis TTL.
type PgExecutionArchive struct {
	pool *pgxpool.Pool
}

func NewPgExecutionArchive(pool *pgxpool.Pool) *PgExecutionArchive {
	return &PgExecutionArchive{pool: pool}
}

func (a *PgExecutionArchive) EnsureSchema(ctx context.Context) error {
	if _, err := a.pool.Exec(ctx, archiveSchema); err != nil {
		return fmt.Errorf("creating execution_archive: %w", err)
	}
	return nil
}

// Save upserts exec. A later terminal write for the same id replaces the
// result columns but keeps the first completed_at.
func (a *PgExecutionArchive) Save(ctx context.Context, exec *model.Execution) error {
	query := `
		INSERT INTO execution_archive (execution_id, owner_id, language, code, input_data,
			status, output, error_output, execution_time, memory_usage,
			created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (execution_id) DO UPDATE SET
			status = EXCLUDED.status,
			output = EXCLUDED.output,
			error_output = EXCLUDED.error_output,
			execution_time = EXCLUDED.execution_time,
			memory_usage = EXCLUDED.memory_usage,
			updated_at = EXCLUDED.updated_at,
			completed_at = COALESCE(execution_archive.completed_at, EXCLUDED.completed_at)`

	_, err := a.pool.Exec(ctx, query,
		exec.ID, exec.OwnerID, exec.Language,
		textForDB(exec.Code),
		textForDB(exec.InputData),
		string(exec.Status),
		textForDB(exec.Output),
		textForDB(exec.ErrorOutput),
		exec.ExecutionTime, exec.MemoryUsage,
		exec.CreatedAt, exec.UpdatedAt, exec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("archiving execution %s: %w", exec.ID, err)
	}
	return nil
}

// textForDB makes program text storable in a TEXT column: NUL bytes are
// dropped, invalid UTF-8 is replaced and the result is cut to
// maxArchivedText bytes on a rune boundary.
func textForDB(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.ToValidUTF8(s, "\uFFFD")
	if len(s) <= maxArchivedText {
		return s
	}
	n := maxArchivedText
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
