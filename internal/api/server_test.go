package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workflow-gateway/internal/config"
	"workflow-gateway/internal/models"
	"workflow-gateway/internal/queue"
	"workflow-gateway/internal/store"
	"workflow-gateway/internal/worker"
)

type finishRunner struct{ st store.JobStore }

func (r finishRunner) Run(ctx context.Context, job models.Job) error {
	return r.st.Complete(ctx, job.ID, models.WorkflowGraph{Name: "generated"}, models.Observability{Attempts: 1})
}

type jobEnv struct {
	st      *store.SQLiteStore
	q       *queue.RedisQueue
	mr      *miniredis.Miniredis
	proc    *worker.Processor
	handler http.Handler
}

func newJobEnv(t *testing.T) jobEnv {
	t.Helper()
	st, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(st.Close)

	mr := miniredis.RunT(t)
	q := queue.NewRedisQueueWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "jobs:ready", "jobs:dlq")

	cfg := config.Config{
		DaemonBaseURL:      "http://daemon:11434",
		WorkerPollInterval: 10 * time.Millisecond,
		WorkerErrorBackoff: 10 * time.Millisecond,
	}
	proc := worker.NewProcessorWithID(cfg, st, finishRunner{st: st}, quiet(), "worker-test").WithHints(q)
	t.Cleanup(proc.Close)

	return jobEnv{st: st, q: q, mr: mr, proc: proc, handler: New(cfg, st, q, proc, quiet()).Router()}
}

func decodeJob(t *testing.T, body []byte) models.Job {
	t.Helper()
	var job models.Job
	require.NoError(t, json.Unmarshal(body, &job))
	return job
}

func TestCreateJobEnqueuesHint(t *testing.T) {
	env := newJobEnv(t)

	rr := do(env.handler, http.MethodPost, "/jobs", `{"prompt":"send a slack message every morning"}`, nil)
	require.Equal(t, http.StatusAccepted, rr.Code)
	job := decodeJob(t, rr.Body.Bytes())
	assert.Equal(t, models.StatusPending, job.Status)
	assert.Equal(t, models.ModeCreate, job.Mode)

	hints, err := env.mr.List("jobs:ready")
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, hints)
}

func TestCreateJobRejectsBadInput(t *testing.T) {
	env := newJobEnv(t)
	assert.Equal(t, http.StatusBadRequest, do(env.handler, http.MethodPost, "/jobs", `{oops`, nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(env.handler, http.MethodPost, "/jobs", `{"prompt":"  "}`, nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(env.handler, http.MethodPost, "/jobs", `{"prompt":"x","mode":"rewrite"}`, nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(env.handler, http.MethodPost, "/jobs", `{"prompt":"x","mode":"modify"}`, nil).Code)
}

func TestGetJobStatus(t *testing.T) {
	env := newJobEnv(t)
	created := decodeJob(t, do(env.handler, http.MethodPost, "/jobs", `{"prompt":"p"}`, nil).Body.Bytes())

	for _, path := range []string{"/jobs/" + created.ID, "/jobs/" + created.ID + "/status"} {
		rr := do(env.handler, http.MethodGet, path, "", nil)
		require.Equal(t, http.StatusOK, rr.Code, path)
		assert.Equal(t, created.ID, decodeJob(t, rr.Body.Bytes()).ID)
	}
	assert.Equal(t, http.StatusNotFound, do(env.handler, http.MethodGet, "/jobs/nope", "", nil).Code)
}

func TestProcessRunsJobOnce(t *testing.T) {
	env := newJobEnv(t)
	created := decodeJob(t, do(env.handler, http.MethodPost, "/jobs", `{"prompt":"p"}`, nil).Body.Bytes())

	rr := do(env.handler, http.MethodPost, "/jobs/"+created.ID+"/process", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, map[string]string{"status": models.StatusProcessing, "job_id": created.ID, "worker_id": "worker-test"}, body)

	assert.Equal(t, http.StatusConflict, do(env.handler, http.MethodPost, "/jobs/"+created.ID+"/process", "", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(env.handler, http.MethodPost, "/jobs/missing/process", "", nil).Code)

	env.proc.Wait()
	job, err := env.st.GetJob(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, job.Status)
}

func TestPollProcessesNextJob(t *testing.T) {
	env := newJobEnv(t)

	rr := do(env.handler, http.MethodPost, "/jobs/poll", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"no_jobs","count":0}`, rr.Body.String())

	created := decodeJob(t, do(env.handler, http.MethodPost, "/jobs", `{"prompt":"p"}`, nil).Body.Bytes())
	rr = do(env.handler, http.MethodPost, "/jobs/poll", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"processed","job_id":"`+created.ID+`"}`, rr.Body.String())

	job, err := env.st.GetJob(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, job.Status)
}

func TestCancelRemovesHint(t *testing.T) {
	env := newJobEnv(t)
	created := decodeJob(t, do(env.handler, http.MethodPost, "/jobs", `{"prompt":"p"}`, nil).Body.Bytes())

	rr := do(env.handler, http.MethodPost, "/jobs/"+created.ID+"/cancel", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, models.StatusCancelled, decodeJob(t, rr.Body.Bytes()).Status)

	depth, err := env.q.ReadyDepth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, depth)

	assert.Equal(t, http.StatusConflict, do(env.handler, http.MethodPost, "/jobs/"+created.ID+"/cancel", "", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(env.handler, http.MethodPost, "/jobs/missing/cancel", "", nil).Code)
}

func TestDLQListsDeadLetters(t *testing.T) {
	env := newJobEnv(t)
	require.NoError(t, env.q.DLQPush(context.Background(), "job-1"))

	rr := do(env.handler, http.MethodGet, "/dlq", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"items":["job-1"]}`, rr.Body.String())

	st, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	defer st.Close()
	bare := New(config.Config{}, st, nil, env.proc, quiet()).Router()
	rr = do(bare, http.MethodGet, "/dlq", "", nil)
	assert.JSONEq(t, `{"items":[]}`, rr.Body.String())
}

func TestWorkerHealth(t *testing.T) {
	env := newJobEnv(t)

	rr := do(env.handler, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"healthy","worker_id":"worker-test","ollama_url":"http://daemon:11434","redis_available":true}`, rr.Body.String())

	env.mr.Close()
	rr = do(env.handler, http.MethodGet, "/health", "", nil)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, false, body["redis_available"])
}
