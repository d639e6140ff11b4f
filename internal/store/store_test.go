package store

import (
	"context"
	"log/slog"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/agentkernel/internal/agent"
	"github.com/c360studio/agentkernel/internal/discovery"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return &Store{db: sqlx.NewDb(db, "sqlmock"), log: slog.Default()}, mock
}

func TestUpsertAgent_ExecutesInsertWithCapabilitiesJSON(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	a := &agent.Agent{
		ID:           "agent-1",
		Name:         "worker-1",
		Type:         agent.TypeWorker,
		PhaseID:      "implementation",
		Capabilities: map[string]struct{}{"go": {}},
		Status:       agent.StatusIdle,
		HealthStatus: agent.HealthHealthy,
		Capacity:     agent.Capacity{MaxConcurrentTasks: 2},
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}

	mock.ExpectExec(`INSERT INTO agents`).WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.UpsertAgent(ctx, a))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAgent_ScansRowIntoAgent(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	now := time.Now()
	cols := []string{"id", "name", "type", "phase_id", "capabilities", "status", "health_status",
		"last_heartbeat_at", "current_task_id", "crypto_public_key", "max_concurrent_tasks", "created_at", "updated_at"}
	rows := sqlmock.NewRows(cols).AddRow(
		"agent-1", "worker-1", "worker", "implementation", []byte(`["go"]`), "idle", "healthy",
		now, "", []byte(nil), 2, now, now)

	mock.ExpectQuery(`SELECT \* FROM agents WHERE id = \$1`).WithArgs("agent-1").WillReturnRows(rows)

	got, err := s.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", got.ID)
	assert.True(t, got.HasCapability("go"))
	assert.Equal(t, agent.StatusIdle, got.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHasValidatedResult_TrueWhenPassedRowExists(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"count"}).AddRow(1)
	mock.ExpectQuery(`SELECT count\(\*\) FROM workflow_results`).WithArgs("tk1", string(ValidationStatusPassed)).WillReturnRows(rows)

	assert.True(t, s.HasValidatedResult("tk1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHasValidatedResult_FalseWhenNoRows(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"count"}).AddRow(0)
	mock.ExpectQuery(`SELECT count\(\*\) FROM workflow_results`).WithArgs("tk2", string(ValidationStatusPassed)).WillReturnRows(rows)

	assert.False(t, s.HasValidatedResult("tk2"))
}

func TestListAllAgents_ScansEveryRow(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	now := time.Now()
	cols := []string{"id", "name", "type", "phase_id", "capabilities", "status", "health_status",
		"last_heartbeat_at", "current_task_id", "crypto_public_key", "max_concurrent_tasks", "created_at", "updated_at"}
	rows := sqlmock.NewRows(cols).
		AddRow("agent-1", "worker-1", "worker", "implementation", []byte(`["go"]`), "idle", "healthy", now, "", []byte(nil), 2, now, now).
		AddRow("agent-2", "worker-2", "worker", "qa", []byte(`[]`), "idle", "healthy", now, "", []byte(nil), 1, now, now)

	mock.ExpectQuery(`SELECT \* FROM agents`).WillReturnRows(rows)

	got, err := s.ListAllAgents(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "agent-1", got[0].ID)
	assert.Equal(t, "agent-2", got[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertAgentResult_ExecutesInsert(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(`INSERT INTO agent_results`).WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.InsertAgentResult(ctx, &AgentResult{
		ID: "res-1", TaskID: "tsk-1", AgentID: "agent-1", MarkdownPath: "/tmp/r.md",
		Type: "implementation_summary", Summary: "done", VerificationStatus: VerificationPending, CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertWorkflowResult_ExecutesInsert(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(`INSERT INTO workflow_results`).WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.InsertWorkflowResult(ctx, &WorkflowResult{
		ID: "wr-1", WorkflowID: "tk-1", MarkdownPath: "/tmp/wr.md",
		Evidence: []string{"a.md"}, ValidationStatus: ValidationStatusPassed, CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateDiscoveryResolution_ExecutesUpdateNotInsert(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(`UPDATE task_discoveries SET resolution_status`).WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.UpdateDiscoveryResolution(ctx, "d1", discovery.ResolutionResolved)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
