// Package httpapi_test exercises the HTTP and WebSocket endpoints against a
// real scheduler backed by an embedded store.
package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/book-expert/logger"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voiceforge/voice-service/internal/audio"
	"github.com/voiceforge/voice-service/internal/config"
	"github.com/voiceforge/voice-service/internal/httpapi"
	"github.com/voiceforge/voice-service/internal/notify"
	"github.com/voiceforge/voice-service/internal/pool"
	"github.com/voiceforge/voice-service/internal/queue"
	"github.com/voiceforge/voice-service/internal/scheduler"
	"github.com/voiceforge/voice-service/internal/store"
)

// idleProcessor satisfies the processor boundary; handler tests never drive
// jobs through processing, so it is never reached.
type idleProcessor struct{}

func (idleProcessor) Execute(_ context.Context, req audio.Request) (audio.Result, error) {
	return audio.Result{Success: true, OutputPath: req.OutputPath}, nil
}

type apiRig struct {
	server *httptest.Server
	cfg    *config.Config
}

func newAPIRig(t *testing.T, mutate func(*config.Config), queueOpts ...queue.Option) *apiRig {
	t.Helper()

	log, err := logger.New(t.TempDir(), "httpapi-test.log")
	require.NoError(t, err)

	redisServer := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: redisServer.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st := store.NewWithClient(rdb, log)

	p, err := pool.New(2, log)
	require.NoError(t, err)
	require.NoError(t, p.Start())
	t.Cleanup(p.Stop)

	q := queue.New(2, log, queueOpts...)

	cfg := config.Default()
	cfg.Paths.OutputDir = t.TempDir()

	if mutate != nil {
		mutate(cfg)
	}

	sched := scheduler.New(q, p, st, nil, idleProcessor{}, log, scheduler.Config{
		Workers:   2,
		Backoff:   10 * time.Millisecond,
		OutputDir: cfg.Paths.OutputDir,
	})

	notifier := notify.NewManager(sched, log)
	sched.SetNotifier(notifier)

	api := httpapi.NewServer(sched, st, notifier, cfg, log)
	server := httptest.NewServer(api.Handler())
	t.Cleanup(server.Close)

	return &apiRig{server: server, cfg: cfg}
}

func (r *apiRig) postJSON(t *testing.T, path string, body map[string]any) *http.Response {
	t.Helper()

	payload, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(r.server.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)

	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()

	defer func() { _ = resp.Body.Close() }()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))

	return out
}

func submitConversion(t *testing.T, rig *apiRig) string {
	t.Helper()

	resp := rig.postJSON(t, "/convert", map[string]any{
		"input_path": "/tmp/input.wav",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	body := decodeBody(t, resp)
	id, ok := body["job_id"].(string)
	require.True(t, ok)
	require.NotEmpty(t, id)

	return id
}

func TestSubmit_ReturnsQueuedJobWithPosition(t *testing.T) {
	t.Parallel()

	rig := newAPIRig(t, nil)

	resp := rig.postJSON(t, "/convert", map[string]any{
		"input_path": "/tmp/input.wav",
		"priority":   "high",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "queued", body["status"])
	assert.Equal(t, float64(0), body["queue_position"])
	assert.NotEmpty(t, body["job_id"])
}

func TestSubmit_MissingInputPathRejected(t *testing.T) {
	t.Parallel()

	rig := newAPIRig(t, nil)

	resp := rig.postJSON(t, "/convert", map[string]any{})
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmit_CloneRequiresReference(t *testing.T) {
	t.Parallel()

	rig := newAPIRig(t, nil)

	resp := rig.postJSON(t, "/clone", map[string]any{
		"input_path": "/tmp/input.wav",
	})
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmit_InvalidPriorityRejected(t *testing.T) {
	t.Parallel()

	rig := newAPIRig(t, nil)

	resp := rig.postJSON(t, "/convert", map[string]any{
		"input_path": "/tmp/input.wav",
		"priority":   "asap",
	})
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmit_QueueFullReturnsServiceUnavailable(t *testing.T) {
	t.Parallel()

	rig := newAPIRig(t, nil, queue.WithMaxSize(1))

	submitConversion(t, rig)

	resp := rig.postJSON(t, "/convert", map[string]any{
		"input_path": "/tmp/overflow.wav",
	})
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestSubmit_PerClientRateLimit(t *testing.T) {
	t.Parallel()

	rig := newAPIRig(t, func(cfg *config.Config) {
		cfg.RateLimit.Requests = 2
	})

	submitConversion(t, rig)
	submitConversion(t, rig)

	resp := rig.postJSON(t, "/convert", map[string]any{
		"input_path": "/tmp/third.wav",
	})
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestStatus_KnownAndUnknownJobs(t *testing.T) {
	t.Parallel()

	rig := newAPIRig(t, nil)
	id := submitConversion(t, rig)

	resp, err := http.Get(fmt.Sprintf("%s/jobs/%s/status", rig.server.URL, id))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, id, body["job_id"])
	assert.Equal(t, "queued", body["status"])
	assert.Equal(t, "conversion", body["kind"])

	missing, err := http.Get(rig.server.URL + "/jobs/no-such-job/status")
	require.NoError(t, err)

	defer func() { _ = missing.Body.Close() }()

	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestCancel_TransitionsAndErrors(t *testing.T) {
	t.Parallel()

	rig := newAPIRig(t, nil)
	id := submitConversion(t, rig)

	del := func(jobID string) *http.Response {
		req, err := http.NewRequestWithContext(context.Background(),
			http.MethodDelete, fmt.Sprintf("%s/jobs/%s", rig.server.URL, jobID), nil)
		require.NoError(t, err)

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)

		return resp
	}

	resp := del(id)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "cancelled", body["status"])

	// A second cancel hits a terminal job.
	again := del(id)

	defer func() { _ = again.Body.Close() }()

	assert.Equal(t, http.StatusConflict, again.StatusCode)

	missing := del("no-such-job")

	defer func() { _ = missing.Body.Close() }()

	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestQueueStatus_ListsQueuedJobsInOrder(t *testing.T) {
	t.Parallel()

	rig := newAPIRig(t, nil)

	first := submitConversion(t, rig)
	second := submitConversion(t, rig)

	resp, err := http.Get(rig.server.URL + "/queue/status")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, float64(2), body["count"])

	entries, ok := body["queued"].([]any)
	require.True(t, ok)
	require.Len(t, entries, 2)

	firstEntry, ok := entries[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, first, firstEntry["job_id"])

	secondEntry, ok := entries[1].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, second, secondEntry["job_id"])
}

func TestScale_ValidatesRange(t *testing.T) {
	t.Parallel()

	rig := newAPIRig(t, nil)

	bad, err := http.Post(rig.server.URL+"/system/scale?workers=0", "application/json", nil)
	require.NoError(t, err)

	defer func() { _ = bad.Body.Close() }()

	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)

	good, err := http.Post(rig.server.URL+"/system/scale?workers=4", "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, good.StatusCode)

	body := decodeBody(t, good)
	assert.Equal(t, float64(4), body["workers"])
}

func TestSystemStats_IncludesQueueWorkersAndConnections(t *testing.T) {
	t.Parallel()

	rig := newAPIRig(t, nil)

	resp, err := http.Get(rig.server.URL + "/system/stats")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Contains(t, body, "queue")
	assert.Contains(t, body, "workers")
	assert.Contains(t, body, "connections")
	assert.Contains(t, body, "uptime_seconds")
}

func TestHealth(t *testing.T) {
	t.Parallel()

	rig := newAPIRig(t, nil)

	resp, err := http.Get(rig.server.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "healthy", body["status"])
}

func TestWebSocket_ConnectSubscribePing(t *testing.T) {
	t.Parallel()

	rig := newAPIRig(t, nil)

	wsURL := "ws" + strings.TrimPrefix(rig.server.URL, "http") + "/ws?session_id=session-1"

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	defer func() {
		_ = conn.Close()

		if resp != nil {
			_ = resp.Body.Close()
		}
	}()

	readMessage := func() map[string]any {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg))

		return msg
	}

	ack := readMessage()
	assert.Equal(t, "connection", ack["type"])
	assert.Equal(t, "session-1", ack["session_id"])

	id := submitConversion(t, rig)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":   "subscribe_job",
		"job_id": id,
	}))

	confirmed := readMessage()
	assert.Equal(t, "subscription_confirmed", confirmed["type"])
	assert.Equal(t, id, confirmed["job_id"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "ping"}))

	pong := readMessage()
	assert.Equal(t, "pong", pong["type"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "get_system_status"}))

	status := readMessage()
	assert.Equal(t, "system_status", status["type"])
	assert.Contains(t, status, "connections")
}
