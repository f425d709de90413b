package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/dunamismax/hueshift/internal/auth"
	"github.com/dunamismax/hueshift/internal/domain"
	"github.com/dunamismax/hueshift/internal/queue"
	"github.com/dunamismax/hueshift/internal/ratelimit"
	"github.com/dunamismax/hueshift/internal/store"
)

type fakeEnqueuer struct {
	payloads []queue.ProcessImagePayload
	err      error
}

func (f *fakeEnqueuer) EnqueueProcessImage(_ context.Context, payload queue.ProcessImagePayload) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.payloads = append(f.payloads, payload)
	return &asynq.TaskInfo{ID: payload.JobID, Queue: "default", State: asynq.TaskStatePending}, nil
}

type fakeLimiter struct {
	allowed bool
}

func (f fakeLimiter) Allow(_ context.Context, _ string) (ratelimit.Decision, error) {
	return ratelimit.Decision{Allowed: f.allowed, RetryAfter: 2 * time.Second}, nil
}

func newTestServer(t *testing.T, opts Options) (*Server, *fakeEnqueuer, *store.MemoryJobStore) {
	t.Helper()

	jobs := store.NewMemoryJobStore()
	enqueuer := &fakeEnqueuer{}
	srv, err := NewServer(zerolog.Nop(), enqueuer, jobs, jobs, opts)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv, enqueuer, jobs
}

func doRequest(t *testing.T, h http.Handler, method, target string, body []byte, header http.Header) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.SetNRGBA(x, y, color.NRGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestJobLifecycle(t *testing.T) {
	root := t.TempDir()
	srv, enqueuer, jobs := newTestServer(t, Options{LocalInputRoot: root})
	h := srv.Handler()

	source := filepath.Join(root, "source.png")
	if err := os.WriteFile(source, testPNG(t, 4, 4), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	body, _ := json.Marshal(domain.CreateJobRequest{
		SourceType: domain.SourceTypeLocalFile,
		ObjectKey:  source,
		Pipeline: []domain.PipelineStep{
			{ID: "warm", Action: domain.ActionAdjust, Adjust: nil},
		},
	})
	rec := doRequest(t, h, http.MethodPost, "/v1/jobs", body, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for adjust step without settings, got %d", rec.Code)
	}

	body = []byte(`{"source_type":"local_file","object_key":"` + source + `","pipeline":[{"id":"warm","action":"adjust","adjust":{"hue":20}}]}`)
	rec = doRequest(t, h, http.MethodPost, "/v1/jobs", body, http.Header{"X-User-Id": {"alice"}})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("create: expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	jobID, _ := decodeBody(t, rec)["job_id"].(string)
	if jobID == "" {
		t.Fatal("expected job_id in response")
	}

	job, ok, err := jobs.Get(context.Background(), jobID)
	if err != nil || !ok {
		t.Fatalf("job not stored: ok=%v err=%v", ok, err)
	}
	if job.UserID != "alice" {
		t.Fatalf("expected user alice, got %q", job.UserID)
	}

	rec = doRequest(t, h, http.MethodGet, "/v1/jobs/"+jobID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}
	if status := decodeBody(t, rec)["status"]; status != domain.JobStatusCreated {
		t.Fatalf("expected created status, got %v", status)
	}

	rec = doRequest(t, h, http.MethodPost, "/v1/jobs/"+jobID+"/start", nil, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("start: expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(enqueuer.payloads) != 1 || enqueuer.payloads[0].JobID != jobID {
		t.Fatalf("unexpected payloads %+v", enqueuer.payloads)
	}
	if enqueuer.payloads[0].UserID != "alice" {
		t.Fatalf("expected payload user alice, got %q", enqueuer.payloads[0].UserID)
	}

	rec = doRequest(t, h, http.MethodPost, "/v1/jobs/"+jobID+"/start", nil, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second start: expected 409, got %d", rec.Code)
	}

	rec = doRequest(t, h, http.MethodGet, "/v1/jobs/missing", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing job: expected 404, got %d", rec.Code)
	}
}

func TestStartJobMissingSource(t *testing.T) {
	srv, enqueuer, _ := newTestServer(t, Options{LocalInputRoot: t.TempDir()})
	h := srv.Handler()

	body := []byte(`{"source_type":"local_file","object_key":"missing/source.png","pipeline":[{"id":"r","action":"resize","width":10}]}`)
	rec := doRequest(t, h, http.MethodPost, "/v1/jobs", body, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("create: expected 202, got %d", rec.Code)
	}
	jobID, _ := decodeBody(t, rec)["job_id"].(string)

	rec = doRequest(t, h, http.MethodPost, "/v1/jobs/"+jobID+"/start", nil, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for missing source, got %d", rec.Code)
	}
	if len(enqueuer.payloads) != 0 {
		t.Fatal("nothing should be enqueued")
	}
}

func TestStartJobAlreadyQueued(t *testing.T) {
	root := t.TempDir()
	srv, enqueuer, jobs := newTestServer(t, Options{LocalInputRoot: root})
	enqueuer.err = queue.ErrAlreadyQueued

	source := filepath.Join(root, "source.png")
	if err := os.WriteFile(source, testPNG(t, 2, 2), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	job := domain.Job{
		ID:         "job-1",
		Status:     domain.JobStatusCreated,
		SourceType: domain.SourceTypeLocalFile,
		ObjectKey:  source,
		Pipeline:   []domain.PipelineStep{{ID: "r", Action: domain.ActionResize, Width: 1}},
	}
	if err := jobs.Create(context.Background(), job); err != nil {
		t.Fatalf("create: %v", err)
	}

	rec := doRequest(t, srv.Handler(), http.MethodPost, "/v1/jobs/job-1/start", nil, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestLocalSourcesStayUnderInputRoot(t *testing.T) {
	root := t.TempDir()
	outside := filepath.Join(t.TempDir(), "secret.png")
	if err := os.WriteFile(outside, testPNG(t, 2, 2), 0o644); err != nil {
		t.Fatalf("write outside file: %v", err)
	}
	if err := os.Symlink(outside, filepath.Join(root, "link.png")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	createBody := func(key string) []byte {
		body, _ := json.Marshal(domain.CreateJobRequest{
			SourceType: domain.SourceTypeLocalFile,
			ObjectKey:  key,
			Pipeline:   []domain.PipelineStep{{ID: "r", Action: domain.ActionResize, Width: 1}},
		})
		return body
	}

	srv, enqueuer, jobs := newTestServer(t, Options{LocalInputRoot: root})
	h := srv.Handler()

	for _, key := range []string{outside, "../secret.png", "/etc/passwd", filepath.Join(root, "..", "x.png")} {
		rec := doRequest(t, h, http.MethodPost, "/v1/jobs", createBody(key), nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("key %q: expected 400, got %d", key, rec.Code)
		}
	}

	rec := doRequest(t, h, http.MethodPost, "/v1/jobs", createBody("link.png"), nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("symlink create: expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	jobID, _ := decodeBody(t, rec)["job_id"].(string)
	rec = doRequest(t, h, http.MethodPost, "/v1/jobs/"+jobID+"/start", nil, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("symlink start: expected 409, got %d", rec.Code)
	}

	stored := domain.Job{
		ID:         "job-outside",
		Status:     domain.JobStatusCreated,
		SourceType: domain.SourceTypeLocalFile,
		ObjectKey:  outside,
		Pipeline:   []domain.PipelineStep{{ID: "r", Action: domain.ActionResize, Width: 1}},
	}
	if err := jobs.Create(context.Background(), stored); err != nil {
		t.Fatalf("create: %v", err)
	}
	rec = doRequest(t, h, http.MethodPost, "/v1/jobs/job-outside/start", nil, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("outside start: expected 409, got %d", rec.Code)
	}
	if len(enqueuer.payloads) != 0 {
		t.Fatalf("nothing should be enqueued, got %+v", enqueuer.payloads)
	}

	noRoot, _, _ := newTestServer(t, Options{})
	rec = doRequest(t, noRoot.Handler(), http.MethodPost, "/v1/jobs", createBody(outside), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("no root: expected 400, got %d", rec.Code)
	}
}

func TestCreateJobWithoutStorage(t *testing.T) {
	srv, _, _ := newTestServer(t, Options{})

	body := []byte(`{"source_type":"s3_presigned","pipeline":[{"id":"r","action":"resize","width":10}]}`)
	rec := doRequest(t, srv.Handler(), http.MethodPost, "/v1/jobs", body, nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 when storage is unavailable, got %d", rec.Code)
	}
}

func TestAdjust(t *testing.T) {
	srv, _, _ := newTestServer(t, Options{})
	h := srv.Handler()

	rec := doRequest(t, h, http.MethodPost, "/v1/adjust?brightness=20&hue=-10&crop=0,0,3,2", testPNG(t, 6, 4), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("expected image/png, got %s", ct)
	}
	if rec.Header().Get("X-Image-Width") != "3" || rec.Header().Get("X-Image-Height") != "2" {
		t.Fatalf("unexpected size %sx%s", rec.Header().Get("X-Image-Width"), rec.Header().Get("X-Image-Height"))
	}
	out, err := png.Decode(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if out.Bounds().Dx() != 3 || out.Bounds().Dy() != 2 {
		t.Fatalf("unexpected output bounds %v", out.Bounds())
	}

	rec = doRequest(t, h, http.MethodPost, "/v1/adjust?format=jpeg&quality=80", testPNG(t, 2, 2), nil)
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/jpeg" {
		t.Fatalf("expected jpeg output, got %d %s", rec.Code, rec.Header().Get("Content-Type"))
	}
}

func TestAdjustErrors(t *testing.T) {
	srv, _, _ := newTestServer(t, Options{MaxImageBytes: 1 << 16, MaxImagePixels: 1000})
	h := srv.Handler()

	cases := []struct {
		name   string
		target string
		body   []byte
		status int
	}{
		{name: "not an image", target: "/v1/adjust?hue=10", body: []byte("definitely not an image"), status: http.StatusUnprocessableEntity},
		{name: "out of range", target: "/v1/adjust?brightness=150", body: testPNG(t, 2, 2), status: http.StatusBadRequest},
		{name: "not an integer", target: "/v1/adjust?saturation=lots", body: testPNG(t, 2, 2), status: http.StatusBadRequest},
		{name: "bad quality", target: "/v1/adjust?quality=0", body: testPNG(t, 2, 2), status: http.StatusBadRequest},
		{name: "bad format", target: "/v1/adjust?format=heic", body: testPNG(t, 2, 2), status: http.StatusBadRequest},
		{name: "crop outside", target: "/v1/adjust?crop=10,10,2,2", body: testPNG(t, 2, 2), status: http.StatusBadRequest},
		{name: "empty body", target: "/v1/adjust", body: nil, status: http.StatusBadRequest},
		{name: "too large", target: "/v1/adjust", body: make([]byte, 1<<17), status: http.StatusRequestEntityTooLarge},
		{name: "too many pixels", target: "/v1/adjust?hue=10", body: testPNG(t, 40, 40), status: http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(t, h, http.MethodPost, tc.target, tc.body, nil)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
			if _, ok := decodeBody(t, rec)["error"]; !ok {
				t.Fatal("expected error message")
			}
		})
	}
}

func TestAuthRequired(t *testing.T) {
	authenticator, err := auth.New("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	srv, _, jobs := newTestServer(t, Options{Authenticator: authenticator})
	h := srv.Handler()

	rec := doRequest(t, h, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz should not need a token, got %d", rec.Code)
	}

	rec = doRequest(t, h, http.MethodGet, "/v1/usage", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if !strings.HasPrefix(rec.Header().Get("WWW-Authenticate"), "Bearer") {
		t.Fatal("expected bearer challenge")
	}

	rec = doRequest(t, h, http.MethodGet, "/v1/usage", nil, http.Header{"Authorization": {"Bearer garbage"}})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", rec.Code)
	}

	if err := jobs.Create(context.Background(), domain.Job{ID: "bobs", UserID: "bob", Status: domain.JobStatusCreated}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := jobs.CreateUsageLog(context.Background(), domain.UsageLog{UserID: "alice", JobID: "j1", Outputs: 2, PixelsProcessed: 100}); err != nil {
		t.Fatalf("usage: %v", err)
	}

	token, err := authenticator.Issue("alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	bearer := http.Header{"Authorization": {"Bearer " + token}}

	rec = doRequest(t, h, http.MethodGet, "/v1/usage", nil, bearer)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["user_id"] != "alice" {
		t.Fatalf("expected alice, got %v", body["user_id"])
	}
	totals, _ := body["totals"].(map[string]any)
	if totals["outputs"] != float64(2) || totals["pixels_processed"] != float64(100) {
		t.Fatalf("unexpected totals %v", totals)
	}

	rec = doRequest(t, h, http.MethodGet, "/v1/jobs/bobs", nil, bearer)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("other users' jobs must look missing, got %d", rec.Code)
	}
}

func TestUsageNeedsUser(t *testing.T) {
	srv, _, _ := newTestServer(t, Options{})

	rec := doRequest(t, srv.Handler(), http.MethodGet, "/v1/usage", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without a user, got %d", rec.Code)
	}
}

func TestRateLimitRejects(t *testing.T) {
	srv, _, _ := newTestServer(t, Options{RateLimiter: fakeLimiter{allowed: false}})
	h := srv.Handler()

	rec := doRequest(t, h, http.MethodPost, "/v1/adjust", testPNG(t, 2, 2), nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "2" {
		t.Fatalf("expected Retry-After 2, got %q", rec.Header().Get("Retry-After"))
	}

	rec = doRequest(t, h, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reads are not limited, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, Options{})
	h := srv.Handler()

	doRequest(t, h, http.MethodPost, "/v1/adjust?hue=5", testPNG(t, 2, 2), nil)
	rec := doRequest(t, h, http.MethodGet, "/metrics", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	text := rec.Body.String()
	for _, want := range []string{"hueshift_api_requests_total", `hueshift_api_images_adjusted_total{format="png"} 1`} {
		if !strings.Contains(text, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestRouteLabel(t *testing.T) {
	cases := map[string]string{
		"/v1/jobs":                       "/v1/jobs",
		"/v1/jobs/abc":                   "/v1/jobs/{id}",
		"/v1/jobs/abc/start":             "/v1/jobs/{id}/start",
		"/v1/jobs/abc/outputs/thumb.png": "/v1/jobs/{id}/outputs/{name}",
		"/v1/adjust":                     "/v1/adjust",
		"/favicon.ico":                   "other",
	}
	for path, want := range cases {
		if got := routeLabel(path); got != want {
			t.Fatalf("routeLabel(%q) = %q, want %q", path, got, want)
		}
	}
}

type fakeStorage struct {
	objects map[string]bool
}

func (f fakeStorage) PresignedPutURL(_ context.Context, objectKey string, _ time.Duration) (string, error) {
	return "https://storage.test/put/" + objectKey, nil
}

func (f fakeStorage) PresignedGetURL(_ context.Context, objectKey string, _ time.Duration) (string, error) {
	return "https://storage.test/get/" + objectKey, nil
}

func (f fakeStorage) ObjectExists(_ context.Context, objectKey string) (bool, error) {
	return f.objects[objectKey], nil
}

func TestPresignedUploadAndDownload(t *testing.T) {
	objects := fakeStorage{objects: map[string]bool{}}
	srv, _, jobs := newTestServer(t, Options{Storage: objects, PresignTTL: time.Minute})
	h := srv.Handler()

	body := []byte(`{"source_type":"s3_presigned","pipeline":[{"id":"thumb","action":"resize","width":10}]}`)
	rec := doRequest(t, h, http.MethodPost, "/v1/jobs", body, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("create: expected 202, got %d", rec.Code)
	}
	created := decodeBody(t, rec)
	jobID, _ := created["job_id"].(string)
	upload, _ := created["upload"].(map[string]any)
	if upload["presigned_put_url"] != "https://storage.test/put/uploads/"+jobID+"/source" {
		t.Fatalf("unexpected upload %v", upload)
	}

	rec = doRequest(t, h, http.MethodGet, "/v1/jobs/"+jobID+"/outputs/thumb.png", nil, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("unfinished job: expected 409, got %d", rec.Code)
	}

	if _, err := jobs.UpdateStatus(context.Background(), jobID, domain.JobStatusSucceeded); err != nil {
		t.Fatalf("update status: %v", err)
	}
	rec = doRequest(t, h, http.MethodGet, "/v1/jobs/"+jobID+"/outputs/thumb.png", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing output: expected 404, got %d", rec.Code)
	}

	objects.objects["outputs/"+jobID+"/thumb.png"] = true
	rec = doRequest(t, h, http.MethodGet, "/v1/jobs/"+jobID+"/outputs/thumb.png", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	got := decodeBody(t, rec)
	if got["presigned_get_url"] != "https://storage.test/get/outputs/"+jobID+"/thumb.png" {
		t.Fatalf("unexpected download %v", got)
	}
	if got["expires_in_seconds"] != float64(60) {
		t.Fatalf("unexpected expiry %v", got["expires_in_seconds"])
	}

	rec = doRequest(t, h, http.MethodGet, "/v1/jobs/"+jobID+"/outputs/.hidden", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for dot file, got %d", rec.Code)
	}
}
