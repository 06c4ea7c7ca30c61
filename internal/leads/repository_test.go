package leads

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockRepo(t *testing.T) (*PostgresRepository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresRepository(mock), mock
}

func leadRow(id uuid.UUID, stage Stage) *pgxmock.Rows {
	now := time.Now().UTC()
	return pgxmock.NewRows([]string{
		"id", "name", "phone", "email", "stage", "owner_id", "service_type",
		"priority", "next_follow_up_at", "expires_at", "deleted", "created_at", "updated_at",
	}).AddRow(id, "Ahmed", "+971501234567", "", string(stage), nil, "trade_license",
		string(PriorityNormal), nil, nil, false, now, now)
}

func TestGetByID(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()

	mock.ExpectQuery("SELECT .+ FROM leads WHERE id").WithArgs(id).WillReturnRows(leadRow(id, StageEngaged))

	lead, err := repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StageEngaged, lead.Stage)
	assert.Equal(t, "Ahmed", lead.Name)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStage(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()

	mock.ExpectExec("UPDATE leads SET stage").WithArgs(string(StageQualified), id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, repo.UpdateStage(context.Background(), id, StageQualified))

	mock.ExpectExec("UPDATE leads SET stage").WithArgs(string(StageLost), id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	assert.ErrorIs(t, repo.UpdateStage(context.Background(), id, StageLost), ErrLeadNotFound)

	assert.ErrorIs(t, repo.UpdateStage(context.Background(), id, Stage("BOGUS")), ErrUnknownStage)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateValidates(t *testing.T) {
	repo, _ := newMockRepo(t)

	_, err := repo.Create(context.Background(), &CreateLeadRequest{Phone: "+97150"})
	assert.ErrorIs(t, err, ErrInvalidName)

	_, err = repo.Create(context.Background(), &CreateLeadRequest{Name: "Sara"})
	assert.ErrorIs(t, err, ErrMissingContact)
}

func TestStageTerminal(t *testing.T) {
	assert.True(t, StageCompletedWon.IsTerminal())
	assert.True(t, StageLost.IsTerminal())
	assert.False(t, StageProposalSent.IsTerminal())
	assert.True(t, IsKnownStage(StageOnHold))
	assert.False(t, IsKnownStage(Stage("nope")))
}
