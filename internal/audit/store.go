package audit

import (
	"context"
	"database/sql"
	"log/slog"
	"time"
)

// CommandRecord is one row of the admin_commands table, returned by
// the admin CLI's history subcommand.
type CommandRecord struct {
	ID        int64
	CommandID string
	Opcode    string
	Arg       string
	Worker    int
	RespCode  int32
	CreatedAt time.Time
}

// ElasticityRecord is one row of the elasticity_ticks table.
type ElasticityRecord struct {
	ID            int64
	ActiveWorkers int
	BusyWorkers   int
	QueuedJobs    int
	Spawned       int
	Reaped        int
	CreatedAt     time.Time
}

// Store persists admin activity and elasticity-tick summaries. It
// implements internal/admin's Recorder interface without that package
// importing this one, so audit logging stays optional.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore wraps an already-open, already-migrated database handle.
func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// RecordCommand implements internal/admin.Recorder. Failures are
// logged, not returned: a broken audit log must never fail the admin
// command it's trying to record.
func (s *Store) RecordCommand(ctx context.Context, commandID, opcode, arg string, worker int, respCode int32) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO admin_commands (command_id, opcode, arg, worker, resp_code) VALUES (?, ?, ?, ?, ?)`,
		commandID, opcode, arg, worker, respCode,
	)
	if err != nil {
		s.logger.Warn("failed to record admin command", "command_id", commandID, "error", err)
	}
}

// RecordElasticityTick appends one row summarizing a dispatcher
// control tick's worker-pool state and any spawn/reap activity.
func (s *Store) RecordElasticityTick(ctx context.Context, activeWorkers, busyWorkers, queuedJobs, spawned, reaped int) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO elasticity_ticks (active_workers, busy_workers, queued_jobs, spawned, reaped) VALUES (?, ?, ?, ?, ?)`,
		activeWorkers, busyWorkers, queuedJobs, spawned, reaped,
	)
	if err != nil {
		s.logger.Warn("failed to record elasticity tick", "error", err)
	}
}

// History implements internal/admin's History interface: it wraps
// RecentCommands behind an `any` return so that package never needs to
// import audit's concrete CommandRecord type.
func (s *Store) History(ctx context.Context, limit int) (any, error) {
	return s.RecentCommands(ctx, limit)
}

// RecentCommands returns the most recent admin commands, newest first,
// for the admin CLI's history subcommand.
func (s *Store) RecentCommands(ctx context.Context, limit int) ([]CommandRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, command_id, opcode, arg, worker, resp_code, created_at
		 FROM admin_commands ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CommandRecord
	for rows.Next() {
		var r CommandRecord
		if err := rows.Scan(&r.ID, &r.CommandID, &r.Opcode, &r.Arg, &r.Worker, &r.RespCode, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecentElasticityTicks returns the most recent elasticity-tick
// summaries, newest first.
func (s *Store) RecentElasticityTicks(ctx context.Context, limit int) ([]ElasticityRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, active_workers, busy_workers, queued_jobs, spawned, reaped, created_at
		 FROM elasticity_ticks ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ElasticityRecord
	for rows.Next() {
		var r ElasticityRecord
		if err := rows.Scan(&r.ID, &r.ActiveWorkers, &r.BusyWorkers, &r.QueuedJobs, &r.Spawned, &r.Reaped, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
