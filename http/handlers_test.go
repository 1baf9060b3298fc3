package http

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"

	"txncat/db"
	"txncat/ml"
	"txncat/monitoring"
	"txncat/pipeline"
	"txncat/serving"
	"txncat/taxonomy"
)

var trainingTexts = map[string][]string{
	"Coffee Shops":   {"POS STARBUCKS 1234", "starbucks coffee", "DUNKIN #12345", "peets coffee", "SQ *BLUE BOTTLE coffee"},
	"Streaming":      {"NETFLIX.COM", "PAYPAL *SPOTIFY", "hulu subscription", "spotify premium", "netflix monthly"},
	"Transportation": {"UBER TRIP", "LYFT RIDE", "SHELL OIL 5678", "chevron gas", "uber ride home"},
}

type testEnv struct {
	handler   http.Handler
	registry  *serving.Registry
	store     *db.Store
	metrics   *monitoring.PredictionMetrics
	dashboard *monitoring.DashboardManager
	modelPath string
}

type envOptions struct {
	skipLoad   bool
	adminToken string
	maxBatch   int
	maxBody    int64
	monitor    *monitoring.RealtimeMonitor
	retrainer  *pipeline.RetrainScheduler
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)
	dir := t.TempDir()

	var texts, labels []string
	for i := 0; i < 3; i++ {
		for label, items := range trainingTexts {
			for _, text := range items {
				texts = append(texts, text)
				labels = append(labels, label)
			}
		}
	}
	p, err := ml.Train(texts, labels, ml.TrainOptions{})
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	modelPath := filepath.Join(dir, "pipeline.json")
	if err := p.Save(modelPath); err != nil {
		t.Fatalf("save: %v", err)
	}

	tax, err := taxonomy.New([]taxonomy.Category{
		{ID: 1, Name: "Coffee Shops", Keywords: []string{"STARBUCKS"}},
		{ID: 2, Name: "Streaming", Keywords: []string{"NETFLIX"}},
		{ID: 3, Name: "Transportation", Keywords: []string{"UBER"}},
	})
	if err != nil {
		t.Fatalf("taxonomy: %v", err)
	}

	store, err := db.Open(db.Config{Path: filepath.Join(dir, "txncat.db"), FlushInterval: time.Hour}, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	metrics := monitoring.NewPredictionMetrics(monitoring.NewMetricsCollector())
	dashboard := monitoring.NewDashboardManager(50, 0.5, opts.monitor, logger)
	registry := serving.NewRegistry(modelPath, logger)
	cfg := serving.DefaultConfig()
	if opts.maxBatch > 0 {
		cfg.MaxBatch = opts.maxBatch
	}
	svc, err := serving.NewService(registry, cfg, logger,
		metrics, dashboard, serving.NewHistoryObserver(store))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if !opts.skipLoad {
		if _, err := registry.Load(); err != nil {
			t.Fatalf("load: %v", err)
		}
	}

	h, err := NewHandlers(Deps{
		Service:   svc,
		Store:     store,
		Taxonomy:  tax,
		Metrics:   metrics,
		Dashboard: dashboard,
		Monitor:   opts.monitor,
		Retrainer: opts.retrainer,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("new handlers: %v", err)
	}
	serverCfg := DefaultServerConfig()
	serverCfg.AdminToken = opts.adminToken
	if opts.maxBody > 0 {
		serverCfg.MaxBodyBytes = opts.maxBody
	}
	return &testEnv{
		handler:   NewHandler(serverCfg, h, logger),
		registry:  registry,
		store:     store,
		metrics:   metrics,
		dashboard: dashboard,
		modelPath: modelPath,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("invalid json %q: %v", w.Body.String(), err)
	}
}

func errorMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var payload map[string]string
	decodeBody(t, w, &payload)
	return payload["error"]
}

func TestHealthHandler(t *testing.T) {
	env := newTestEnv(t, envOptions{skipLoad: true})

	w := env.do(t, http.MethodGet, "/api/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("handler returned wrong status code: got %v want %v", w.Code, http.StatusOK)
	}
	var payload map[string]any
	decodeBody(t, w, &payload)
	if payload["status"] != "ok" || payload["model_loaded"] != false {
		t.Fatalf("unexpected body: %v", payload)
	}

	if _, err := env.registry.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	decodeBody(t, env.do(t, http.MethodGet, "/api/health", ""), &payload)
	if payload["model_loaded"] != true {
		t.Fatalf("expected model_loaded after load, got %v", payload)
	}
}

func TestPredictHandler(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	w := env.do(t, http.MethodPost, "/predict", `{"description":"POS STARBUCKS 9876","amount":4.75}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get(RequestIDHeader) == "" {
		t.Fatal("expected request id header")
	}
	var got serving.Classification
	decodeBody(t, w, &got)
	if got.Category != "Coffee Shops" {
		t.Fatalf("expected Coffee Shops, got %+v", got)
	}
	if got.Confidence <= 0 || got.Confidence > 1 {
		t.Fatalf("confidence out of range: %v", got.Confidence)
	}
	if len(got.Explanation) == 0 || len(got.Explanation) > 5 {
		t.Fatalf("expected 1..5 contributions, got %d", len(got.Explanation))
	}
	for i := 1; i < len(got.Explanation); i++ {
		if got.Explanation[i].Score > got.Explanation[i-1].Score {
			t.Fatalf("explanation not ranked: %+v", got.Explanation)
		}
	}

	if n := env.metrics.Collector().Value(monitoring.MetricPredictions, map[string]string{"category": "Coffee Shops"}); n != 1 {
		t.Fatalf("expected predictions_total 1, got %v", n)
	}
	if snap := env.dashboard.GetSnapshot(); snap.TotalPredictions != 1 {
		t.Fatalf("expected dashboard to record the prediction, got %d", snap.TotalPredictions)
	}
}

func TestPredictValidation(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	tests := []struct {
		name string
		body string
	}{
		{name: "empty body", body: ""},
		{name: "invalid json", body: `{"description":`},
		{name: "missing description", body: `{"amount":3}`},
		{name: "invalid amount", body: `{"description":"uber","amount":"abc"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/predict", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
			if errorMessage(t, w) == "" {
				t.Fatal("expected error message")
			}
		})
	}
}

func TestPredictCoercesNonStringDescription(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	w := env.do(t, http.MethodPost, "/predict", `{"description":12345}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var got serving.Classification
	decodeBody(t, w, &got)
	if got.Category == "" || len(got.Explanation) != 0 {
		t.Fatalf("expected intercept-only prediction without explanation, got %+v", got)
	}
	if n := env.metrics.Collector().Value(monitoring.MetricInputCoercions, map[string]string{"field": "description"}); n != 1 {
		t.Fatalf("expected one coercion, got %v", n)
	}
}

func TestPredictModelUnavailable(t *testing.T) {
	env := newTestEnv(t, envOptions{skipLoad: true})

	for _, path := range []string{"/predict", "/api/explain"} {
		w := env.do(t, http.MethodPost, path, `{"description":"uber"}`)
		if w.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s: expected 503, got %d", path, w.Code)
		}
		if msg := errorMessage(t, w); msg != "model unavailable" {
			t.Fatalf("%s: unexpected error %q", path, msg)
		}
	}
	if w := env.do(t, http.MethodGet, "/api/model", ""); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for model info, got %d", w.Code)
	}
}

func TestPredictBatchHandler(t *testing.T) {
	env := newTestEnv(t, envOptions{maxBatch: 3})

	body := `{"transactions":[
		{"description":"UBER TRIP 42","amount":"12.50"},
		{"description":"NETFLIX.COM"},
		{"description":"starbucks reserve","amount":5}
	]}`
	w := env.do(t, http.MethodPost, "/predict_batch", body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var results []pipeline.Result
	decodeBody(t, w, &results)
	want := []string{"Transportation", "Streaming", "Coffee Shops"}
	if len(results) != len(want) {
		t.Fatalf("expected %d results, got %d", len(want), len(results))
	}
	for i, res := range results {
		if res.Category != want[i] {
			t.Fatalf("result %d: expected %s, got %+v", i, want[i], res)
		}
	}
	if !results[0].Amount.Valid || !results[0].Amount.Decimal.Equal(decimal.RequireFromString("12.50")) {
		t.Fatalf("amount not echoed: %+v", results[0].Amount)
	}
	if results[1].Amount.Valid {
		t.Fatalf("expected missing amount, got %+v", results[1].Amount)
	}

	tooMany := `{"transactions":[{"description":"a1"},{"description":"b2"},{"description":"c3"},{"description":"d4"}]}`
	if w := env.do(t, http.MethodPost, "/predict_batch", tooMany); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized batch, got %d", w.Code)
	}

	w = env.do(t, http.MethodPost, "/predict_batch", `{"transactions":[]}`)
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Fatalf("expected empty list, got %d %q", w.Code, w.Body.String())
	}
}

func TestCategoriesHandler(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	var categories []taxonomy.Category
	decodeBody(t, env.do(t, http.MethodGet, "/categories", ""), &categories)
	if len(categories) != 3 || categories[0].Name != "Coffee Shops" {
		t.Fatalf("unexpected categories: %+v", categories)
	}
}

func TestFeedbackHandlers(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	w := env.do(t, http.MethodPost, "/feedback", `{"description":"PAYPAL *HULU","correct_category":"Streaming"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var saved db.Feedback
	decodeBody(t, w, &saved)
	if saved.ID == "" || saved.CorrectCategory != "Streaming" || saved.PredictedCategory == "" {
		t.Fatalf("unexpected feedback: %+v", saved)
	}

	invalid := []string{
		`{"description":"PAYPAL *HULU","correct_category":"Pets"}`,
		`{"description":"  ","correct_category":"Streaming"}`,
		`{"description":"PAYPAL *HULU"}`,
	}
	for _, body := range invalid {
		if w := env.do(t, http.MethodPost, "/feedback", body); w.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %s, got %d", body, w.Code)
		}
	}

	var items []db.Feedback
	decodeBody(t, env.do(t, http.MethodGet, "/api/feedback?limit=10", ""), &items)
	if len(items) != 1 || items[0].ID != saved.ID {
		t.Fatalf("unexpected feedback list: %+v", items)
	}
	if w := env.do(t, http.MethodGet, "/api/feedback?limit=abc", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", w.Code)
	}

	if n := env.metrics.Collector().Value(monitoring.MetricFeedback, map[string]string{"category": "Streaming"}); n != 1 {
		t.Fatalf("expected feedback_total 1, got %v", n)
	}
	if snap := env.dashboard.GetSnapshot(); snap.FeedbackCount != 1 {
		t.Fatalf("expected dashboard feedback count 1, got %d", snap.FeedbackCount)
	}
}

func TestExplainHandler(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	var full, top explainResponse
	decodeBody(t, env.do(t, http.MethodPost, "/api/explain", `{"description":"uber trip shell oil"}`), &full)
	decodeBody(t, env.do(t, http.MethodPost, "/api/explain", `{"description":"uber trip shell oil","limit":1}`), &top)

	if full.Category != "Transportation" || len(full.Explanation) < 2 {
		t.Fatalf("unexpected full explanation: %+v", full)
	}
	if len(top.Explanation) != 1 || top.Explanation[0] != full.Explanation[0] {
		t.Fatalf("expected truncated explanation to keep the leader, got %+v", top.Explanation)
	}
	if w := env.do(t, http.MethodPost, "/api/explain", `{"description":"uber","limit":-1}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative limit, got %d", w.Code)
	}
}

func TestModelHandlers(t *testing.T) {
	env := newTestEnv(t, envOptions{adminToken: "s3cret"})

	var info ml.Info
	decodeBody(t, env.do(t, http.MethodGet, "/api/model", ""), &info)
	if info.ID == "" || len(info.Labels) != 3 || info.VocabularySize == 0 {
		t.Fatalf("unexpected info: %+v", info)
	}

	if w := env.do(t, http.MethodPost, "/api/model/reload", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	reload := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/model/reload", nil)
		req.Header.Set("Authorization", "Bearer s3cret")
		w := httptest.NewRecorder()
		env.handler.ServeHTTP(w, req)
		return w
	}
	if w := reload(); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	if err := os.WriteFile(env.modelPath, []byte("{broken"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	w := reload()
	if w.Code != http.StatusInternalServerError || errorMessage(t, w) == "" {
		t.Fatalf("expected 500 with message, got %d: %s", w.Code, w.Body.String())
	}
	if n := env.metrics.Collector().Value(monitoring.MetricModelReloadErrors, nil); n != 1 {
		t.Fatalf("expected one reload failure, got %v", n)
	}
	// 失败的重载保留原模型
	if w := env.do(t, http.MethodPost, "/predict", `{"description":"uber"}`); w.Code != http.StatusOK {
		t.Fatalf("expected previous model to keep serving, got %d", w.Code)
	}
}

func TestTrainingLogHandler(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	err := env.store.SaveTrainingLog(context.Background(), db.TrainingLog{
		ArtifactID: "abc", ModelPath: env.modelPath, Accuracy: 0.9, TrainedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("save training log: %v", err)
	}
	var entries []db.TrainingLog
	decodeBody(t, env.do(t, http.MethodGet, "/api/model/training-log", ""), &entries)
	if len(entries) != 1 || entries[0].ArtifactID != "abc" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestDashboardHandlers(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	env.do(t, http.MethodPost, "/predict", `{"description":"NETFLIX.COM"}`)
	env.do(t, http.MethodPost, "/predict", `{"description":"UBER TRIP"}`)

	var snap monitoring.DashboardSnapshot
	decodeBody(t, env.do(t, http.MethodGet, "/api/dashboard/snapshot", ""), &snap)
	if snap.TotalPredictions != 2 || !snap.Model.Loaded || len(snap.Recent) != 2 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.Recent[0].Category != "Transportation" {
		t.Fatalf("expected newest first, got %+v", snap.Recent)
	}

	var history []db.PredictionRecord
	decodeBody(t, env.do(t, http.MethodGet, "/api/dashboard/history?limit=1", ""), &history)
	if len(history) != 1 || history[0].Category != "Transportation" || history[0].RequestID == "" {
		t.Fatalf("unexpected history: %+v", history)
	}

	w := env.do(t, http.MethodGet, "/api/metrics", "")
	if w.Code != http.StatusOK || !strings.HasPrefix(w.Header().Get("Content-Type"), "text/plain") {
		t.Fatalf("unexpected metrics response: %d %s", w.Code, w.Header().Get("Content-Type"))
	}
	if !strings.Contains(w.Body.String(), `predictions_total{category="Streaming"} 1`) {
		t.Fatalf("metrics missing prediction counter:\n%s", w.Body.String())
	}
}

func uploadRequest(t *testing.T, path, field, content string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(field, "transactions.csv")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	part.Write([]byte(content))
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestDashboardUpload(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	csvData := "Description,Amount\nUBER TRIP,12.5\nPAYPAL *SPOTIFY,9.99\n"

	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, uploadRequest(t, "/api/dashboard/upload", "file", csvData))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var results []pipeline.Result
	decodeBody(t, w, &results)
	if len(results) != 2 || results[0].Category != "Transportation" || results[1].Category != "Streaming" {
		t.Fatalf("unexpected results: %+v", results)
	}

	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, uploadRequest(t, "/api/dashboard/upload?format=csv", "file", csvData))
	if w.Code != http.StatusOK || !strings.HasPrefix(w.Header().Get("Content-Type"), "text/csv") {
		t.Fatalf("unexpected csv response: %d %s", w.Code, w.Header().Get("Content-Type"))
	}
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[1], "UBER TRIP,12.50,Transportation,") {
		t.Fatalf("unexpected csv body:\n%s", w.Body.String())
	}

	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, uploadRequest(t, "/api/dashboard/upload", "other", csvData))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without file field, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, uploadRequest(t, "/api/dashboard/upload", "file", "merchant,amount\nUBER,1\n"))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without description column, got %d", w.Code)
	}
}

func TestWebSocketUnavailableWithoutMonitor(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	if w := env.do(t, http.MethodGet, "/api/ws/dashboard", ""); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestRetrainHandlers(t *testing.T) {
	release := make(chan struct{})
	retrainer, err := pipeline.NewRetrainScheduler(0, func(ctx context.Context) (*pipeline.TrainingReport, error) {
		<-release
		return &pipeline.TrainingReport{Model: ml.Info{ID: "retrained"}, TrainSamples: 10}, nil
	}, nil)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	env := newTestEnv(t, envOptions{retrainer: retrainer})

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- env.do(t, http.MethodPost, "/api/model/retrain", "") }()

	deadline := time.Now().Add(2 * time.Second)
	for !retrainer.GetStats().Training {
		if time.Now().After(deadline) {
			t.Fatal("retrain did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if w := env.do(t, http.MethodPost, "/api/model/retrain", ""); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 while training, got %d", w.Code)
	}
	close(release)

	w := <-done
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var report pipeline.TrainingReport
	decodeBody(t, w, &report)
	if report.Model.ID != "retrained" || report.TrainSamples != 10 {
		t.Fatalf("unexpected report: %+v", report)
	}

	var stats pipeline.SchedulerStats
	decodeBody(t, env.do(t, http.MethodGet, "/api/model/retrain", ""), &stats)
	if stats.ExecutionCount != 1 || stats.LastArtifact != "retrained" {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestRetrainNotConfigured(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	if w := env.do(t, http.MethodPost, "/api/model/retrain", ""); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}
