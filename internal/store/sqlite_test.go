package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workflow-gateway/internal/config"
	"workflow-gateway/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(st.Close)
	return st
}

func createJob(t *testing.T, st JobStore, prompt string) models.Job {
	t.Helper()
	job, err := st.CreateJob(context.Background(), CreateJobParams{Prompt: prompt})
	require.NoError(t, err)
	return job
}

func TestCreateAndGetJob(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	current := &models.WorkflowGraph{Name: "Existing", Nodes: []models.Node{{ID: "a", Type: "noop"}}}
	job, err := st.CreateJob(ctx, CreateJobParams{
		Prompt:          "  add a slack notification  ",
		Mode:            models.ModeModify,
		CurrentWorkflow: current,
		Config:          map[string]any{"temperature": 0.5},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, job.Status)
	assert.Equal(t, "add a slack notification", job.Prompt)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, models.ModeModify, got.Mode)
	require.NotNil(t, got.CurrentWorkflow)
	assert.Equal(t, "Existing", got.CurrentWorkflow.Name)
	assert.Equal(t, 0.5, got.Config["temperature"])
	assert.Empty(t, got.ProgressLogs)
	assert.Nil(t, got.WorkflowResult)
	assert.Nil(t, got.StartedAt)
	assert.WithinDuration(t, job.CreatedAt, got.CreatedAt, time.Millisecond)
}

func TestCreateJobValidation(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.CreateJob(ctx, CreateJobParams{Prompt: "   "})
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = st.CreateJob(ctx, CreateJobParams{Prompt: "x", Mode: "rewrite"})
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = st.CreateJob(ctx, CreateJobParams{Prompt: "x", Mode: models.ModeModify})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestGetMissingJob(t *testing.T) {
	st := newTestStore(t)
	_, err := st.GetJob(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClaimIsExclusive(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	job := createJob(t, st, "build a lead-routing workflow")

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := st.Claim(ctx, job.ID, fmt.Sprintf("w%d", i))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, 9, conflicts)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status)
	require.NotNil(t, got.WorkerID)
	require.NotNil(t, got.StartedAt)

	_, err = st.Claim(ctx, "missing", "w")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClaimNextTakesOldestPending(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	first := createJob(t, st, "first")
	time.Sleep(2 * time.Millisecond)
	second := createJob(t, st, "second")

	got, ok, err := st.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, models.StatusProcessing, got.Status)

	got, ok, err = st.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, second.ID, got.ID)

	_, ok, err = st.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAppendProgressIsSequencedAndMonotonic(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	job := createJob(t, st, "x")

	err := st.AppendProgress(ctx, job.ID, ProgressUpdate{Phase: models.PhaseAnalyze, Message: "too early", Progress: 10})
	assert.ErrorIs(t, err, ErrConflict, "pending jobs take no progress")

	_, err = st.Claim(ctx, job.ID, "w1")
	require.NoError(t, err)

	require.NoError(t, st.AppendProgress(ctx, job.ID, ProgressUpdate{Phase: models.PhaseAnalyze, Message: "Analyzing requirements...", Progress: 10}))
	require.NoError(t, st.AppendProgress(ctx, job.ID, ProgressUpdate{Phase: models.PhaseGeneration, Message: "Generating workflow structure...", Progress: 40}))
	require.NoError(t, st.AppendProgress(ctx, job.ID, ProgressUpdate{Phase: models.PhaseGeneration, Message: "late report", Progress: 30}))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 40, got.ProgressPercentage)
	require.NotNil(t, got.CurrentPhase)
	assert.Equal(t, models.PhaseGeneration, *got.CurrentPhase)
	require.Len(t, got.ProgressLogs, 3)
	for i, e := range got.ProgressLogs {
		assert.Equal(t, int64(i+1), e.Seq)
	}
	assert.Equal(t, "late report", got.ProgressLogs[2].Message)
}

func TestConcurrentAppendsLoseNothing(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	job := createJob(t, st, "x")
	_, err := st.Claim(ctx, job.ID, "w1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, st.AppendProgress(ctx, job.ID, ProgressUpdate{Phase: models.PhaseGeneration, Message: fmt.Sprintf("m%d", i), Progress: i}))
		}(i)
	}
	wg.Wait()

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, got.ProgressLogs, 20)
	assert.Equal(t, 19, got.ProgressPercentage)
}

func TestCompleteAndFailAreConditional(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	done := createJob(t, st, "ok")
	_, err := st.Claim(ctx, done.ID, "w1")
	require.NoError(t, err)
	graph := models.WorkflowGraph{Name: "Lead routing", Nodes: []models.Node{{ID: "node_1", Type: "noop", Config: map[string]any{}}}, Edges: []models.Edge{}}
	require.NoError(t, st.Complete(ctx, done.ID, graph, models.Observability{TotalTimeMs: 12, Attempts: 1}))

	got, err := st.GetJob(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.ProgressPercentage)
	require.NotNil(t, got.WorkflowResult)
	assert.Equal(t, "Lead routing", got.WorkflowResult.Name)
	require.NotNil(t, got.Observability)
	assert.Equal(t, int64(12), got.Observability.TotalTimeMs)
	require.NotNil(t, got.FinishedAt)

	// terminal rows are never rewritten
	assert.ErrorIs(t, st.Fail(ctx, done.ID, "late failure", nil), ErrConflict)

	failed := createJob(t, st, "bad")
	_, err = st.Claim(ctx, failed.ID, "w1")
	require.NoError(t, err)
	require.NoError(t, st.Fail(ctx, failed.ID, "", nil))
	got, err = st.GetJob(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.NotEmpty(t, *got.ErrorMessage)
}

func TestCancel(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	pending := createJob(t, st, "x")
	got, err := st.Cancel(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)

	_, err = st.Claim(ctx, pending.ID, "w1")
	assert.ErrorIs(t, err, ErrConflict)

	running := createJob(t, st, "y")
	_, err = st.Claim(ctx, running.ID, "w1")
	require.NoError(t, err)
	_, err = st.Cancel(ctx, running.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, st.AppendProgress(ctx, running.ID, ProgressUpdate{Phase: models.PhaseAnalyze, Progress: 10, Message: "x"}), ErrConflict)
	assert.ErrorIs(t, st.Complete(ctx, running.ID, models.WorkflowGraph{}, models.Observability{}), ErrConflict)

	_, err = st.Cancel(ctx, running.ID)
	assert.ErrorIs(t, err, ErrConflict)
	_, err = st.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenSelectsDriver(t *testing.T) {
	st, err := Open(context.Background(), config.Config{StoreDriver: "sqlite", SQLitePath: ":memory:"})
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.Ping(context.Background()))

	_, err = Open(context.Background(), config.Config{StoreDriver: "mongo"})
	assert.ErrorIs(t, err, ErrInvalid)
}
