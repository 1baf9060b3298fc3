package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"txncat/db"
	"txncat/ml"
	"txncat/monitoring"
	"txncat/pipeline"
	"txncat/serving"
	"txncat/taxonomy"
)

const (
	defaultFeedbackLimit    = 50
	defaultHistoryLimit     = 100
	defaultTrainingLogLimit = 50
)

// Deps 处理器依赖，Metrics/Dashboard/Monitor可为空
type Deps struct {
	Service   *serving.Service
	Store     *db.Store
	Taxonomy  *taxonomy.Taxonomy
	Metrics   *monitoring.PredictionMetrics
	Dashboard *monitoring.DashboardManager
	Monitor   *monitoring.RealtimeMonitor
	Retrainer *pipeline.RetrainScheduler
	Logger    *zap.Logger
}

// Handlers 所有路由的处理器
type Handlers struct {
	service   *serving.Service
	store     *db.Store
	taxonomy  *taxonomy.Taxonomy
	metrics   *monitoring.PredictionMetrics
	dashboard *monitoring.DashboardManager
	monitor   *monitoring.RealtimeMonitor
	retrainer *pipeline.RetrainScheduler
	logger    *zap.Logger
}

func NewHandlers(deps Deps) (*Handlers, error) {
	if deps.Service == nil || deps.Store == nil || deps.Taxonomy == nil {
		return nil, errors.New("http: service, store and taxonomy are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		service:   deps.Service,
		store:     deps.Store,
		taxonomy:  deps.Taxonomy,
		metrics:   deps.Metrics,
		dashboard: deps.Dashboard,
		monitor:   deps.Monitor,
		retrainer: deps.Retrainer,
		logger:    logger,
	}, nil
}

// Register 注册路由，admin包裹管理接口
func (h *Handlers) Register(mux *http.ServeMux, admin Middleware) {
	if admin == nil {
		admin = func(next http.Handler) http.Handler { return next }
	}

	mux.HandleFunc("GET /api/health", h.handleHealth)
	mux.HandleFunc("POST /predict", h.handlePredict)
	mux.HandleFunc("POST /predict_batch", h.handlePredictBatch)
	mux.HandleFunc("GET /categories", h.handleCategories)
	mux.HandleFunc("POST /feedback", h.handleFeedback)
	mux.HandleFunc("GET /api/feedback", h.handleListFeedback)
	mux.HandleFunc("POST /api/explain", h.handleExplain)

	// 模型
	mux.HandleFunc("GET /api/model", h.handleModelInfo)
	mux.Handle("POST /api/model/reload", admin(http.HandlerFunc(h.handleModelReload)))
	mux.HandleFunc("GET /api/model/training-log", h.handleTrainingLog)
	mux.Handle("POST /api/model/retrain", admin(http.HandlerFunc(h.handleRetrain)))
	mux.HandleFunc("GET /api/model/retrain", h.handleRetrainStatus)

	// 仪表盘
	mux.HandleFunc("GET /api/dashboard/snapshot", h.handleDashboardSnapshot)
	mux.HandleFunc("GET /api/dashboard/history", h.handleDashboardHistory)
	mux.HandleFunc("POST /api/dashboard/upload", h.handleDashboardUpload)
	mux.HandleFunc("GET /api/metrics", h.handleMetrics)
	mux.HandleFunc("GET /api/ws/dashboard", h.handleWebSocket)
}

type predictRequest struct {
	Description any                 `json:"description"`
	Amount      decimal.NullDecimal `json:"amount"`
}

type batchRequest struct {
	Transactions []predictRequest `json:"transactions"`
}

type feedbackRequest struct {
	Description       string `json:"description"`
	CorrectCategory   string `json:"correct_category"`
	PredictedCategory string `json:"predicted_category"`
}

type explainRequest struct {
	Description any `json:"description"`
	Limit       int `json:"limit"`
}

type explainResponse struct {
	Category    string            `json:"category"`
	Confidence  float64           `json:"confidence"`
	Explanation []ml.Contribution `json:"explanation"`
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"model_loaded": h.service.Registry().Loaded(),
	})
}

func (h *Handlers) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req predictRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Description == nil {
		writeError(w, http.StatusBadRequest, "description is required")
		return
	}

	result, err := h.service.Classify(r.Context(), h.description(r.Context(), req.Description), req.Amount)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (h *Handlers) handlePredictBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !h.decode(w, r, &req) {
		return
	}

	txns := make([]pipeline.Transaction, len(req.Transactions))
	for i, item := range req.Transactions {
		txns[i] = pipeline.Transaction{
			Description: h.description(r.Context(), item.Description),
			Amount:      item.Amount,
		}
	}
	results, err := h.service.ClassifyBatch(r.Context(), txns)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, results)
}

func (h *Handlers) handleCategories(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.taxonomy.Categories())
}

func (h *Handlers) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.Description = strings.TrimSpace(req.Description)
	req.CorrectCategory = strings.TrimSpace(req.CorrectCategory)
	if req.Description == "" || req.CorrectCategory == "" {
		writeError(w, http.StatusBadRequest, "description and correct_category are required")
		return
	}
	if !h.taxonomy.Contains(req.CorrectCategory) {
		writeError(w, http.StatusBadRequest, "unknown category: "+req.CorrectCategory)
		return
	}
	if req.PredictedCategory == "" {
		// 未提供时用当前模型补全
		if pred, err := h.service.Predict(req.Description); err == nil {
			req.PredictedCategory = pred.Category
		}
	}

	fb, err := h.store.SaveFeedback(r.Context(), db.Feedback{
		Description:       req.Description,
		CorrectCategory:   req.CorrectCategory,
		PredictedCategory: req.PredictedCategory,
	})
	if err != nil {
		h.logger.Error("save feedback failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to save feedback")
		return
	}

	if h.metrics != nil {
		h.metrics.RecordFeedback(fb.CorrectCategory)
	}
	if h.dashboard != nil {
		h.dashboard.RecordFeedback(monitoring.FeedbackMessage{
			ID:                fb.ID,
			Description:       fb.Description,
			CorrectCategory:   fb.CorrectCategory,
			PredictedCategory: fb.PredictedCategory,
			Timestamp:         fb.CreatedAt,
		})
	}
	respondJSON(w, http.StatusCreated, fb)
}

func (h *Handlers) handleListFeedback(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r, defaultFeedbackLimit)
	if !ok {
		return
	}
	items, err := h.store.ListFeedback(r.Context(), limit)
	if err != nil {
		h.logger.Error("list feedback failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list feedback")
		return
	}
	if items == nil {
		items = []db.Feedback{}
	}
	respondJSON(w, http.StatusOK, items)
}

func (h *Handlers) handleExplain(w http.ResponseWriter, r *http.Request) {
	var req explainRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Description == nil {
		writeError(w, http.StatusBadRequest, "description is required")
		return
	}
	if req.Limit < 0 {
		writeError(w, http.StatusBadRequest, "limit must not be negative")
		return
	}

	text := h.description(r.Context(), req.Description)
	pred, err := h.service.Predict(text)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	contributions, err := h.service.Explain(r.Context(), text, req.Limit)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, explainResponse{
		Category:    pred.Category,
		Confidence:  pred.Confidence,
		Explanation: contributions,
	})
}

func (h *Handlers) handleModelInfo(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.Registry().Current()
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, p.Info())
}

func (h *Handlers) handleModelReload(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.Registry().Load()
	if h.metrics != nil {
		h.metrics.RecordReload(err)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, p.Info())
}

func (h *Handlers) handleTrainingLog(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r, defaultTrainingLogLimit)
	if !ok {
		return
	}
	entries, err := h.store.LoadTrainingLog(r.Context(), limit)
	if err != nil {
		h.logger.Error("load training log failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load training log")
		return
	}
	if entries == nil {
		entries = []db.TrainingLog{}
	}
	respondJSON(w, http.StatusOK, entries)
}

// handleRetrain 同步执行一次训练，客户端断开不会中断训练
func (h *Handlers) handleRetrain(w http.ResponseWriter, r *http.Request) {
	if h.retrainer == nil {
		writeError(w, http.StatusServiceUnavailable, "retraining not configured")
		return
	}
	report, err := h.retrainer.ExecuteNow(context.WithoutCancel(r.Context()))
	switch {
	case errors.Is(err, pipeline.ErrTrainingInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		h.logger.Error("retrain failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		respondJSON(w, http.StatusOK, report)
	}
}

func (h *Handlers) handleRetrainStatus(w http.ResponseWriter, r *http.Request) {
	if h.retrainer == nil {
		writeError(w, http.StatusServiceUnavailable, "retraining not configured")
		return
	}
	respondJSON(w, http.StatusOK, h.retrainer.GetStats())
}

// description 取请求中的描述，非字符串按空文本处理并记录
func (h *Handlers) description(ctx context.Context, v any) string {
	if _, ok := ml.NormalizeValue(v); !ok {
		h.logger.Warn("non-string description coerced to empty text",
			zap.String("request_id", serving.RequestIDFromContext(ctx)),
			zap.String("type", jsonType(v)))
		if h.metrics != nil {
			h.metrics.RecordInputCoercion("description")
		}
		return ""
	}
	return v.(string)
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil {
		return true
	}
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
	case errors.Is(err, io.EOF):
		writeError(w, http.StatusBadRequest, "request body is empty")
	default:
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	return false
}

// serviceError 将服务错误映射为状态码
func (h *Handlers) serviceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, serving.ErrModelUnavailable):
		writeError(w, http.StatusServiceUnavailable, "model unavailable")
	case errors.Is(err, serving.ErrBatchTooLarge):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "request cancelled")
	default:
		h.logger.Error("request failed",
			zap.String("request_id", serving.RequestIDFromContext(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func queryLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return limit, true
}

func jsonType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64, json.Number:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return "unknown"
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
