package syncjob

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vipul43/connsync/internal/models"
	"github.com/vipul43/connsync/internal/oauth"
	"github.com/vipul43/connsync/internal/repository"
	"github.com/vipul43/connsync/internal/testutil"
)

type mockTokens struct {
	GetAccessTokenFunc func(ctx context.Context, connectionID string) (string, error)
}

func (m *mockTokens) GetAccessToken(ctx context.Context, connectionID string) (string, error) {
	if m.GetAccessTokenFunc != nil {
		return m.GetAccessTokenFunc(ctx, connectionID)
	}
	return "token", nil
}

type mockPuller struct {
	calls    int
	PullFunc func(ctx context.Context, accessToken string, op *models.SyncOperation) (models.SyncCounters, error)
}

func (m *mockPuller) Pull(ctx context.Context, accessToken string, op *models.SyncOperation) (models.SyncCounters, error) {
	m.calls++
	if m.PullFunc != nil {
		return m.PullFunc(ctx, accessToken, op)
	}
	return models.SyncCounters{Processed: 3, Created: 2, Skipped: 1}, nil
}

type processorEnv struct {
	processor *Processor
	ops       *repository.SyncOperationRepository
	conns     *repository.ConnectionRepository
	tokens    *mockTokens
	puller    *mockPuller
	conn      *models.Connection
}

func newProcessorEnv(t *testing.T) *processorEnv {
	t.Helper()
	db := testutil.NewTestDB(t)

	env := &processorEnv{
		ops:    repository.NewSyncOperationRepository(db),
		conns:  repository.NewConnectionRepository(db),
		tokens: &mockTokens{},
		puller: &mockPuller{},
	}
	env.processor = NewProcessor(env.ops, env.conns, env.tokens, nil)
	env.processor.Register(models.PlatformGoogleSheets, env.puller)

	env.conn = &models.Connection{
		ID:           uuid.NewString(),
		TenantID:     "org-1",
		OwnerUserID:  "user-1",
		PlatformType: models.PlatformGoogleSheets,
		Status:       models.ConnectionStatusActive,
		AccessToken:  "enc-access",
		PlatformData: models.JSONB{},
	}
	require.NoError(t, env.conns.Create(context.Background(), env.conn))
	return env
}

func (e *processorEnv) pendingTask(t *testing.T) (*models.SyncOperation, *asynq.Task) {
	t.Helper()
	op := &models.SyncOperation{
		ID:            uuid.NewString(),
		ConnectionID:  e.conn.ID,
		ResourceID:    "sheet-1",
		OperationType: models.SyncTypeWebhook,
		Status:        models.SyncStatusPending,
		StartedAt:     time.Now().UTC(),
	}
	created, err := e.ops.CreateIfNoneActive(context.Background(), op)
	require.NoError(t, err)
	require.True(t, created)

	task, err := NewSyncTask(op)
	require.NoError(t, err)
	return op, task
}

func (e *processorEnv) reload(t *testing.T, id string) *models.SyncOperation {
	t.Helper()
	op, err := e.ops.GetByID(context.Background(), id)
	require.NoError(t, err)
	return op
}

func TestProcessTask_Completes(t *testing.T) {
	env := newProcessorEnv(t)
	op, task := env.pendingTask(t)
	finished := time.Now().UTC().Add(time.Minute).Truncate(time.Second)
	env.processor.now = func() time.Time { return finished }

	var gotToken string
	env.puller.PullFunc = func(ctx context.Context, accessToken string, o *models.SyncOperation) (models.SyncCounters, error) {
		gotToken = accessToken
		assert.Equal(t, op.ID, o.ID)
		assert.Equal(t, models.SyncStatusPending, o.Status)
		return models.SyncCounters{Processed: 10, Created: 8, Skipped: 2}, nil
	}

	require.NoError(t, env.processor.ProcessTask(context.Background(), task))
	assert.Equal(t, "token", gotToken)

	stored := env.reload(t, op.ID)
	assert.Equal(t, models.SyncStatusCompleted, stored.Status)
	assert.Equal(t, 10, stored.RecordsProcessed)
	assert.Equal(t, 8, stored.RecordsCreated)
	assert.Equal(t, 2, stored.RecordsSkipped)
	require.NotNil(t, stored.CompletedAt)
	assert.True(t, finished.Equal(*stored.CompletedAt))

	conn, err := env.conns.GetByID(context.Background(), env.conn.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, conn.SyncCount)
	require.NotNil(t, conn.LastSyncAt)
	assert.True(t, finished.Equal(*conn.LastSyncAt))
}

func TestProcessTask_FinishedOperationIsSkipped(t *testing.T) {
	env := newProcessorEnv(t)
	op, task := env.pendingTask(t)
	require.NoError(t, env.ops.Fail(context.Background(), op.ID, "trigger failed", time.Now().UTC()))

	require.NoError(t, env.processor.ProcessTask(context.Background(), task))
	assert.Equal(t, 0, env.puller.calls)
}

func TestProcessTask_PullFailure(t *testing.T) {
	env := newProcessorEnv(t)
	op, task := env.pendingTask(t)
	env.puller.PullFunc = func(ctx context.Context, accessToken string, o *models.SyncOperation) (models.SyncCounters, error) {
		return models.SyncCounters{}, errors.New("spreadsheet not found")
	}

	err := env.processor.ProcessTask(context.Background(), task)
	assert.ErrorIs(t, err, asynq.SkipRetry)

	stored := env.reload(t, op.ID)
	assert.Equal(t, models.SyncStatusFailed, stored.Status)
	require.NotNil(t, stored.ErrorDetails)
	assert.Contains(t, *stored.ErrorDetails, "spreadsheet not found")
}

func TestProcessTask_TokenErrors(t *testing.T) {
	t.Run("terminal fails the operation", func(t *testing.T) {
		env := newProcessorEnv(t)
		op, task := env.pendingTask(t)
		env.tokens.GetAccessTokenFunc = func(ctx context.Context, connectionID string) (string, error) {
			return "", &oauth.TokenRefreshError{ConnectionID: connectionID, Terminal: true, Err: errors.New("invalid_grant")}
		}

		err := env.processor.ProcessTask(context.Background(), task)
		assert.ErrorIs(t, err, asynq.SkipRetry)
		assert.Equal(t, models.SyncStatusFailed, env.reload(t, op.ID).Status)
		assert.Equal(t, 0, env.puller.calls)
	})

	t.Run("transient leaves the operation for a retry", func(t *testing.T) {
		env := newProcessorEnv(t)
		op, task := env.pendingTask(t)
		env.tokens.GetAccessTokenFunc = func(ctx context.Context, connectionID string) (string, error) {
			return "", &oauth.TokenRefreshError{ConnectionID: connectionID, Err: context.DeadlineExceeded}
		}

		err := env.processor.ProcessTask(context.Background(), task)
		require.Error(t, err)
		assert.NotErrorIs(t, err, asynq.SkipRetry)
		assert.Equal(t, models.SyncStatusProcessing, env.reload(t, op.ID).Status)

		// The retry picks up the processing operation.
		env.tokens.GetAccessTokenFunc = nil
		require.NoError(t, env.processor.ProcessTask(context.Background(), task))
		assert.Equal(t, models.SyncStatusCompleted, env.reload(t, op.ID).Status)
	})
}

func TestProcessTask_NoPullerForPlatform(t *testing.T) {
	env := newProcessorEnv(t)
	env.processor = NewProcessor(env.ops, env.conns, env.tokens, nil)
	op, task := env.pendingTask(t)

	err := env.processor.ProcessTask(context.Background(), task)
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Equal(t, models.SyncStatusFailed, env.reload(t, op.ID).Status)
}

func TestProcessTask_BadTasks(t *testing.T) {
	env := newProcessorEnv(t)

	tests := []struct {
		name string
		task *asynq.Task
	}{
		{"malformed payload", asynq.NewTask(TypeSyncResource, []byte("{"))},
		{"missing operation id", asynq.NewTask(TypeSyncResource, []byte(`{"connectionId":"c"}`))},
		{"unknown operation", asynq.NewTask(TypeSyncResource, []byte(`{"operationId":"missing"}`))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := env.processor.ProcessTask(context.Background(), tt.task)
			assert.ErrorIs(t, err, asynq.SkipRetry)
		})
	}
	assert.Equal(t, 0, env.puller.calls)
}
