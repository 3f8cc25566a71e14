package audit_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubrid/gobroker/internal/audit"
)

func newTestStore(t *testing.T) *audit.Store {
	t.Helper()
	db, err := audit.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, audit.Migrate(db))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return audit.NewStore(db, logger)
}

func TestStore_RecordAndListCommands(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.RecordCommand(ctx, "cmd1", "broker_on", "", -1, 0)
	s.RecordCommand(ctx, "cmd2", "add", "2", -1, 0)
	s.RecordCommand(ctx, "cmd3", "restart", "3", 3, 1)

	records, err := s.RecentCommands(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 3)

	require.Equal(t, "cmd3", records[0].CommandID)
	require.Equal(t, "restart", records[0].Opcode)
	require.Equal(t, 3, records[0].Worker)
	require.Equal(t, int32(1), records[0].RespCode)

	require.Equal(t, "cmd1", records[2].CommandID)
}

func TestStore_RecentCommandsRespectsLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		s.RecordCommand(ctx, "cmd", "suspend", "", -1, 0)
	}

	records, err := s.RecentCommands(ctx, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
}

func TestStore_RecordAndListElasticityTicks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.RecordElasticityTick(ctx, 4, 2, 0, 1, 0)
	s.RecordElasticityTick(ctx, 5, 3, 1, 0, 1)

	ticks, err := s.RecentElasticityTicks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ticks, 2)
	require.Equal(t, 5, ticks[0].ActiveWorkers)
	require.Equal(t, 1, ticks[0].Reaped)
}
