package httptransport_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evaluation-service/internal/auth"
	"evaluation-service/internal/entity"
	"evaluation-service/internal/metrics"
	"evaluation-service/internal/repository/memory"
	"evaluation-service/internal/service"
	"evaluation-service/internal/stream"
	httptransport "evaluation-service/internal/transport/http"
	"evaluation-service/internal/webhook"
)

// ---- helpers ----

type testServer struct {
	queue   *service.MemoryQueue
	store   *memory.ResultStore
	handler http.Handler
}

func newTestServer(t *testing.T, provider auth.Provider) *testServer {
	t.Helper()
	queue := service.NewMemoryQueue(time.Minute)
	store := memory.NewResultStore()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	svc := service.NewEvaluationService(queue, store, nil, m, nil, service.EvaluationServiceOptions{
		MaxTextChars: 100,
		PollAfter:    time.Second,
	})
	streamer := stream.NewStreamer(svc, stream.StaticTips{"tip"}, stream.Schedule{
		EvaluatingDelay: time.Millisecond,
		TipStart:        2 * time.Millisecond,
		TipInterval:     time.Millisecond,
		MaxTips:         1,
		ChipInterval:    time.Millisecond,
		MaxChips:        1,
		PollInterval:    5 * time.Millisecond,
		MaxPolls:        5,
	}, m, nil)
	receiver := webhook.NewReceiver("s3cret", store, nil)

	h := httptransport.NewHandler(svc, streamer, receiver, httptransport.HandlerOptions{
		MaxSubmitBody:  2048,
		MaxWebhookBody: 1024,
	}, nil)
	return &testServer{
		queue: queue,
		store: store,
		handler: httptransport.Routes(h, httptransport.RoutesOptions{
			Auth:     provider,
			Gatherer: reg,
		}),
	}
}

func (s *testServer) do(method, target string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type submitResp struct {
	SubmissionID string `json:"submissionId"`
	RequestID    string `json:"requestId"`
	Status       string `json:"status"`
	PollAfterMs  int64  `json:"poll_after_ms"`
}

// ---- tests ----

func TestHTTP_Submit_202_ThenResubmit_200(t *testing.T) {
	srv := newTestServer(t, nil)
	body := []byte(`{"requestId":"r1","text":"I shipped the billing rewrite."}`)

	rec := srv.do(http.MethodPost, "/v1/evaluations", body, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	first := decode[submitResp](t, rec)
	assert.NotEmpty(t, first.SubmissionID)
	assert.Equal(t, "r1", first.RequestID)
	assert.Equal(t, "queued", first.Status)
	assert.Equal(t, int64(1000), first.PollAfterMs)

	rec = srv.do(http.MethodPost, "/v1/evaluations", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	second := decode[submitResp](t, rec)
	assert.Equal(t, first.SubmissionID, second.SubmissionID)
}

func TestHTTP_Submit_400(t *testing.T) {
	srv := newTestServer(t, nil)

	for name, body := range map[string]string{
		"bad json":    `{`,
		"no input":    `{"requestId":"r1"}`,
		"both inputs": `{"text":"a","audioUrl":"https://cdn.local/a.webm"}`,
		"too long":    `{"text":"` + strings.Repeat("x", 101) + `"}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := srv.do(http.MethodPost, "/v1/evaluations", []byte(body), nil)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "invalid_request", decode[apiError](t, rec).Code)
		})
	}
}

func TestHTTP_Submit_413_OversizedBody(t *testing.T) {
	srv := newTestServer(t, nil)

	body := []byte(`{"text":"` + strings.Repeat("x", 4096) + `"}`)
	rec := srv.do(http.MethodPost, "/v1/evaluations", body, nil)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "invalid_request", decode[apiError](t, rec).Code)

	_, err := srv.queue.ClaimBlocking(context.Background(), 10*time.Millisecond)
	assert.ErrorIs(t, err, redis.Nil, "nothing was enqueued")
}

func TestHTTP_GetStatus(t *testing.T) {
	srv := newTestServer(t, nil)
	ctx := context.Background()

	rec := srv.do(http.MethodGet, "/v1/evaluations/unknown", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode[apiError](t, rec).Code)

	jobID, _, err := srv.queue.Enqueue(ctx, entity.EvaluationRequest{RequestID: "r2", Text: "answer"})
	require.NoError(t, err)

	rec = srv.do(http.MethodGet, "/v1/evaluations/"+jobID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[entity.EvaluationStatus](t, rec)
	assert.Equal(t, entity.ClientQueued, st.Status)
	assert.Nil(t, st.Result)

	// completed, then evicted: the stored result still answers
	require.NoError(t, srv.store.Upsert(ctx, entity.EvaluationResult{RequestID: "r2", JobID: jobID, Score: 73, Feedback: "ok"}))
	srv.queue.Evict(jobID)

	rec = srv.do(http.MethodGet, "/v1/evaluations/"+jobID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st = decode[entity.EvaluationStatus](t, rec)
	assert.Equal(t, entity.ClientCompleted, st.Status)
	require.NotNil(t, st.Result)
	assert.Equal(t, 73, st.Result.Score)
	assert.NotNil(t, st.CreatedAt)
}

func TestHTTP_Stream_CompletedJob(t *testing.T) {
	srv := newTestServer(t, nil)
	ctx := context.Background()

	jobID, _, err := srv.queue.Enqueue(ctx, entity.EvaluationRequest{RequestID: "r-stream", Text: "answer"})
	require.NoError(t, err)
	require.NoError(t, srv.queue.MarkActive(ctx, jobID))
	require.NoError(t, srv.queue.Complete(ctx, jobID, entity.EvaluationResult{RequestID: "r-stream", JobID: jobID, Score: 64, Feedback: "fine"}))

	rec := srv.do(http.MethodGet, "/v1/evaluations/stream?requestId=r-stream", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events := sseEvents(rec.Body.String())
	require.NotEmpty(t, events)
	assert.Equal(t, "progress", events[0])
	assert.Equal(t, "complete", events[len(events)-1])
	assert.Contains(t, rec.Body.String(), `"score":64`)
}

func TestHTTP_Stream_UnknownJobTimesOut(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := srv.do(http.MethodGet, "/v1/evaluations/stream?jobId=nope", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	events := sseEvents(rec.Body.String())
	assert.Equal(t, "error", events[len(events)-1])
	assert.Contains(t, rec.Body.String(), stream.CodeStreamTimeout)
}

func TestHTTP_Stream_400_WithoutIDs(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := srv.do(http.MethodGet, "/v1/evaluations/stream", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTP_Webhook(t *testing.T) {
	srv := newTestServer(t, nil)
	payload, err := json.Marshal(entity.WebhookPayload{
		JobID:     "j3",
		RequestID: "r3",
		Status:    entity.ClientCompleted,
		Result:    &entity.EvaluationResult{RequestID: "r3", JobID: "j3", Score: 90, Feedback: "great"},
	})
	require.NoError(t, err)
	secret := map[string]string{webhook.HeaderSecret: "s3cret"}

	rec := srv.do(http.MethodPost, "/v1/webhooks/evaluations", payload, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, srv.store.Len())

	rec = srv.do(http.MethodPost, "/v1/webhooks/evaluations", []byte(`{"jobId":`), secret)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	for i := 0; i < 2; i++ {
		rec = srv.do(http.MethodPost, "/v1/webhooks/evaluations", payload, secret)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
	}
	assert.Equal(t, 1, srv.store.Len())

	rec = srv.do(http.MethodPost, "/v1/webhooks/evaluations", bytes.Repeat([]byte("x"), 2048), secret)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestHTTP_Auth(t *testing.T) {
	srv := newTestServer(t, auth.NewJWTProvider("signing-key", ""))
	body := []byte(`{"text":"answer"}`)

	rec := srv.do(http.MethodPost, "/v1/evaluations", body, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decode[apiError](t, rec).Code)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "candidate-7",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("signing-key"))
	require.NoError(t, err)

	rec = srv.do(http.MethodPost, "/v1/evaluations", body, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusAccepted, rec.Code)

	// webhooks carry their own secret
	rec = srv.do(http.MethodPost, "/v1/webhooks/evaluations", []byte(`{}`), nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid webhook secret", decode[apiError](t, rec).Message)
}

func TestHTTP_HealthAndMetrics(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := srv.do(http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	srv.do(http.MethodPost, "/v1/evaluations", []byte(`{"text":"answer"}`), nil)
	rec = srv.do(http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "evaluation_submissions_total")
}

func sseEvents(body string) []string {
	var out []string
	for _, line := range strings.Split(body, "\n") {
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			out = append(out, name)
		}
	}
	return out
}
