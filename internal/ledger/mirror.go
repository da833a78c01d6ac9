package ledger

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/pathfindlabs/journeybuilder/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS invocations (
	id            TEXT PRIMARY KEY,
	run_key       TEXT NOT NULL,
	stage_ordinal INTEGER NOT NULL,
	kind          TEXT NOT NULL,
	input_units   INTEGER NOT NULL,
	output_units  INTEGER NOT NULL,
	cached        BOOLEAN NOT NULL,
	cost_usd      DOUBLE PRECISION NOT NULL,
	duration_ms   BIGINT NOT NULL,
	success       BOOLEAN NOT NULL,
	error_class   TEXT,
	attempt       INTEGER NOT NULL,
	created_at    TIMESTAMP NOT NULL
)`

const insertStmt = `
INSERT INTO invocations
	(id, run_key, stage_ordinal, kind, input_units, output_units, cached,
	 cost_usd, duration_ms, success, error_class, attempt, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Mirror duplicates ledger records into a SQL database so cost history
// survives across runs and is queryable.
type Mirror struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// Open connects with the given driver ("sqlite3" or "postgres") and
// ensures the invocations table exists.
func Open(driver, dsn string, logger *zap.Logger) (*Mirror, error) {
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect ledger mirror: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create invocations table: %w", err)
	}
	logger.Info("Ledger mirror connected", zap.String("driver", driver))
	return &Mirror{db: db, logger: logger}, nil
}

// NewMirror wraps an existing connection; used by tests.
func NewMirror(db *sqlx.DB, logger *zap.Logger) *Mirror {
	return &Mirror{db: db, logger: logger}
}

// Insert appends one record.
func (m *Mirror) Insert(runKey string, inv models.Invocation) error {
	_, err := m.db.Exec(m.db.Rebind(insertStmt),
		inv.ID, runKey, inv.StageOrdinal, string(inv.Kind),
		inv.InputUnits, inv.OutputUnits, inv.Cached,
		inv.CostUSD, inv.DurationMs, inv.Success,
		inv.ErrorClass, inv.Attempt, inv.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert invocation: %w", err)
	}
	return nil
}

// Close releases the database connection.
func (m *Mirror) Close() error {
	return m.db.Close()
}
