package router

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/booking-queue/internal/api/dto"
	"github.com/cuongbtq/booking-queue/internal/api/handler"
	"github.com/cuongbtq/booking-queue/internal/domain"
	"github.com/cuongbtq/booking-queue/internal/notify"
	"github.com/cuongbtq/booking-queue/internal/producer"
	"github.com/cuongbtq/booking-queue/internal/queue"
)

const (
	testPatient = "patient-42"
	testToken   = "secret-token"
)

type testEnv struct {
	router   *gin.Engine
	store    *queue.Store
	notifier *notify.Service
	mr       *miniredis.Miniredis
}

func newTestEnv(t *testing.T, submitPerMinute int) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { rdb.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := queue.NewStore(rdb, &queue.Config{KeyPrefix: "api"}, logger)
	notifier := notify.NewService(&notify.Config{}, logger)

	r := SetupRouter(&handler.Dependencies{
		Logger:          logger,
		Submitter:       producer.New(store, notifier, &producer.Config{MaxRetries: 3}, logger),
		Store:           store,
		Notifier:        notifier,
		HealthCheck:     func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		SubmitPerMinute: submitPerMinute,
		SubmitBurst:     1,
	})

	return &testEnv{router: r, store: store, notifier: notifier, mr: mr}
}

type request struct {
	method  string
	path    string
	body    string
	patient string
	role    string
	token   string
}

func (e *testEnv) do(t *testing.T, req request) *httptest.ResponseRecorder {
	t.Helper()

	var body io.Reader
	if req.body != "" {
		body = strings.NewReader(req.body)
	}
	httpReq := httptest.NewRequest(req.method, req.path, body)
	httpReq.Header.Set("Content-Type", "application/json")
	if req.patient != "" {
		httpReq.Header.Set(HeaderPatientID, req.patient)
	}
	if req.role != "" {
		httpReq.Header.Set(HeaderUserRole, req.role)
	}
	if req.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.token)
	}

	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, httpReq)
	return w
}

func (e *testEnv) submit(t *testing.T) domain.TrackingResponse {
	t.Helper()
	w := e.do(t, request{
		method:  http.MethodPost,
		path:    "/appointments/booking",
		body:    `{"specialty":"cardiology","symptoms":["chest pain"],"urgency":"high"}`,
		patient: testPatient,
		token:   testToken,
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp domain.TrackingResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) dto.ErrorBody {
	t.Helper()
	var resp dto.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error
}

func TestSubmitBooking(t *testing.T) {
	env := newTestEnv(t, 0)

	resp := env.submit(t)

	assert.NotEmpty(t, resp.JobID)
	assert.Equal(t, domain.JobStatusQueued, resp.Status)
	assert.Equal(t, "booking_"+resp.JobID, resp.NotificationChannelName)
	assert.Equal(t, "/appointments/booking-status/"+resp.JobID, resp.TrackingPath)
	assert.Equal(t, 3, resp.MaxRetries)

	job, err := env.store.Get(context.Background(), resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, testPatient, job.PatientID)
	assert.Equal(t, testToken, job.Credential)
	assert.Equal(t, "high", job.Request.Urgency)
	assert.Contains(t, env.notifier.ActiveIDs(), resp.JobID)
}

func TestSubmitBooking_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		req        request
		wantStatus int
		wantCode   string
	}{
		{
			name:       "missing identity",
			req:        request{body: `{"specialty":"cardiology"}`, token: testToken},
			wantStatus: http.StatusUnauthorized,
			wantCode:   "unauthorized",
		},
		{
			name:       "missing credential",
			req:        request{body: `{"specialty":"cardiology"}`, patient: testPatient},
			wantStatus: http.StatusUnauthorized,
			wantCode:   "unauthorized",
		},
		{
			name:       "malformed json",
			req:        request{body: `{"specialty":`, patient: testPatient, token: testToken},
			wantStatus: http.StatusBadRequest,
			wantCode:   "bad_request",
		},
		{
			name:       "missing specialty",
			req:        request{body: `{"urgency":"high"}`, patient: testPatient, token: testToken},
			wantStatus: http.StatusBadRequest,
			wantCode:   "validation_error",
		},
		{
			name:       "unknown urgency",
			req:        request{body: `{"specialty":"cardiology","urgency":"asap"}`, patient: testPatient, token: testToken},
			wantStatus: http.StatusBadRequest,
			wantCode:   "validation_error",
		},
		{
			name:       "patient mismatch",
			req:        request{body: `{"specialty":"cardiology","patient_id":"someone-else"}`, patient: testPatient, token: testToken},
			wantStatus: http.StatusBadRequest,
			wantCode:   "validation_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, 0)
			tt.req.method = http.MethodPost
			tt.req.path = "/appointments/booking"

			w := env.do(t, tt.req)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantCode, decodeError(t, w).Code)
		})
	}
}

func TestSubmitBooking_StoreDown(t *testing.T) {
	env := newTestEnv(t, 0)
	env.mr.Close()

	w := env.do(t, request{
		method:  http.MethodPost,
		path:    "/appointments/booking",
		body:    `{"specialty":"cardiology"}`,
		patient: testPatient,
		token:   testToken,
	})

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "queue_unavailable", decodeError(t, w).Code)
}

func TestSubmitBooking_RateLimited(t *testing.T) {
	env := newTestEnv(t, 1)
	env.submit(t)

	w := env.do(t, request{
		method:  http.MethodPost,
		path:    "/appointments/booking",
		body:    `{"specialty":"cardiology"}`,
		patient: testPatient,
		token:   testToken,
	})

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate_limited", decodeError(t, w).Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestGetBookingStatus(t *testing.T) {
	env := newTestEnv(t, 0)
	job := env.submit(t)

	tests := []struct {
		name       string
		path       string
		patient    string
		wantStatus int
	}{
		{"owner sees the job", "/appointments/booking-status/" + job.JobID, testPatient, http.StatusOK},
		{"other patient gets not found", "/appointments/booking-status/" + job.JobID, "patient-7", http.StatusNotFound},
		{"unknown job", "/appointments/booking-status/does-not-exist", testPatient, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, request{method: http.MethodGet, path: tt.path, patient: tt.patient})
			require.Equal(t, tt.wantStatus, w.Code)

			if tt.wantStatus != http.StatusOK {
				assert.Equal(t, "not_found", decodeError(t, w).Code)
				return
			}

			assert.NotContains(t, w.Body.String(), testToken)
			assert.NotContains(t, w.Body.String(), "credential")

			var resp dto.BookingStatusResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, job.JobID, resp.JobID)
			assert.Equal(t, domain.JobStatusQueued, resp.Status)
			assert.Equal(t, 0, resp.ProgressPercentage)
			assert.Equal(t, "booking_"+job.JobID, resp.NotificationChannelName)
		})
	}
}

func TestCancelBooking(t *testing.T) {
	env := newTestEnv(t, 0)
	job := env.submit(t)
	sub := env.notifier.Subscribe(job.JobID)
	path := "/appointments/booking-status/" + job.JobID + "/cancel"

	w := env.do(t, request{method: http.MethodPost, path: path, patient: "patient-7"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, request{method: http.MethodPost, path: path, patient: testPatient})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp dto.BookingStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, domain.JobStatusCancelled, resp.Status)
	assert.NotEmpty(t, resp.CompletedAt)

	event := <-sub.C
	assert.Equal(t, domain.JobStatusCancelled, event.Status)
	_, open := <-sub.C
	assert.False(t, open)

	// a cancelled job is never claimed
	claimed, err := env.store.Claim(context.Background(), "worker-1")
	require.NoError(t, err)
	assert.Nil(t, claimed)

	w = env.do(t, request{method: http.MethodPost, path: path, patient: testPatient})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_status_transition", decodeError(t, w).Code)
}

func TestRetryBooking(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()
	job := env.submit(t)
	path := "/appointments/booking-status/" + job.JobID + "/retry"

	w := env.do(t, request{method: http.MethodPost, path: path, patient: testPatient})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_status_transition", decodeError(t, w).Code)

	fail := func() {
		t.Helper()
		_, err := env.store.Claim(ctx, "worker-1")
		require.NoError(t, err)
		_, err = env.store.UpdateStatus(ctx, job.JobID, domain.JobStatusFailed, "engine unavailable")
		require.NoError(t, err)
	}

	for attempt := 1; attempt <= 3; attempt++ {
		fail()
		w = env.do(t, request{method: http.MethodPost, path: path, patient: testPatient})
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

		var resp dto.BookingStatusResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, domain.JobStatusRetrying, resp.Status)
		assert.Equal(t, attempt, resp.RetryCount)
		assert.Empty(t, resp.ErrorMessage)
	}

	fail()
	w = env.do(t, request{method: http.MethodPost, path: path, patient: testPatient})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "max_retries_exceeded", decodeError(t, w).Code)
}

func TestQueueStats(t *testing.T) {
	env := newTestEnv(t, 0)
	env.submit(t)
	env.submit(t)

	w := env.do(t, request{method: http.MethodGet, path: "/appointments/queue/stats", patient: testPatient})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "forbidden", decodeError(t, w).Code)

	w = env.do(t, request{method: http.MethodGet, path: "/appointments/queue/stats", patient: "ops-1", role: "admin"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.QueueStatsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.EqualValues(t, 2, resp.Queued)
	assert.EqualValues(t, 2, resp.PendingDepth)
	assert.Equal(t, 2, resp.OpenChannels)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, 0)

	w := env.do(t, request{method: http.MethodGet, path: "/health"})
	assert.Equal(t, http.StatusOK, w.Code)

	env.mr.Close()
	w = env.do(t, request{method: http.MethodGet, path: "/health"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, 0)
	env.submit(t)

	w := env.do(t, request{method: http.MethodGet, path: "/metrics"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "booking_jobs_enqueued_total")
}

func dialStream(t *testing.T, srv *httptest.Server, path, patient string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	header := http.Header{}
	header.Set(HeaderPatientID, patient)
	return websocket.DefaultDialer.Dial(url, header)
}

func readEvent(t *testing.T, conn *websocket.Conn) notify.ProgressEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var event notify.ProgressEvent
	require.NoError(t, conn.ReadJSON(&event))
	return event
}

func TestStreamBookingStatus(t *testing.T) {
	env := newTestEnv(t, 0)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	job := env.submit(t)

	conn, _, err := dialStream(t, srv, "/appointments/booking-status/"+job.JobID+"/ws", testPatient)
	require.NoError(t, err)
	defer conn.Close()

	snapshot := readEvent(t, conn)
	assert.Equal(t, domain.JobStatusQueued, snapshot.Status)
	assert.Equal(t, job.JobID, snapshot.JobID)

	env.notifier.Publish(context.Background(), notify.Update{
		JobID:   job.JobID,
		Status:  domain.JobStatusProcessing,
		Message: "Your booking is being processed",
	})
	event := readEvent(t, conn)
	assert.Equal(t, domain.JobStatusProcessing, event.Status)
	assert.Equal(t, 10, event.ProgressPercentage)

	env.notifier.Close(job.JobID)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestStreamBookingStatus_ForeignJob(t *testing.T) {
	env := newTestEnv(t, 0)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	job := env.submit(t)

	_, resp, err := dialStream(t, srv, "/appointments/booking-status/"+job.JobID+"/ws", "patient-7")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamQueue(t *testing.T) {
	env := newTestEnv(t, 0)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/appointments/queue/ws"
	header := http.Header{}
	header.Set(HeaderPatientID, "ops-1")
	header.Set(HeaderUserRole, "admin")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()

	// the subscription is attached before the upgrade completes
	job := env.submit(t)

	event := readEvent(t, conn)
	assert.Equal(t, job.JobID, event.JobID)
	assert.Equal(t, domain.JobStatusQueued, event.Status)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, 0)

	req := httptest.NewRequest(http.MethodOptions, "/appointments/booking", bytes.NewReader(nil))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-Patient-ID")
}
