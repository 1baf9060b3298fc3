package http

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"txncat/db"
	"txncat/pipeline"
)

const maxUploadMemory = 32 << 20

func (h *Handlers) handleDashboardSnapshot(w http.ResponseWriter, r *http.Request) {
	if h.dashboard == nil {
		writeError(w, http.StatusServiceUnavailable, "dashboard not initialized")
		return
	}
	respondJSON(w, http.StatusOK, h.dashboard.GetSnapshot())
}

// handleDashboardHistory 先刷新异步写入再查询，保证能读到刚刚的分类
func (h *Handlers) handleDashboardHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r, defaultHistoryLimit)
	if !ok {
		return
	}
	if err := h.store.Flush(r.Context()); err != nil && !errors.Is(err, db.ErrClosed) {
		h.logger.Warn("flush prediction log failed", zap.Error(err))
	}
	records, err := h.store.RecentPredictions(r.Context(), limit)
	if err != nil {
		h.logger.Error("load prediction history failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	if records == nil {
		records = []db.PredictionRecord{}
	}
	respondJSON(w, http.StatusOK, records)
}

// handleDashboardUpload 分类上传的CSV，?format=csv时返回CSV
func (h *Handlers) handleDashboardUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	txns, err := pipeline.ReadTransactions(file)
	if err != nil {
		var rowErr *pipeline.RowError
		switch {
		case errors.Is(err, pipeline.ErrMissingDescription), errors.Is(err, pipeline.ErrEmptyInput), errors.As(err, &rowErr):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusBadRequest, "invalid csv: "+err.Error())
		}
		return
	}

	results, err := h.service.ClassifyBatch(r.Context(), txns)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	h.logger.Info("classified upload",
		zap.String("file", header.Filename),
		zap.Int("rows", len(results)))

	if r.URL.Query().Get("format") == "csv" {
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="classified.csv"`)
		if err := pipeline.WriteResults(w, results); err != nil {
			h.logger.Warn("write csv results failed", zap.Error(err))
		}
		return
	}
	respondJSON(w, http.StatusOK, results)
}

func (h *Handlers) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if h.metrics == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics not initialized")
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.Write([]byte(h.metrics.Collector().ExportPrometheus()))
}

func (h *Handlers) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.monitor == nil {
		writeError(w, http.StatusServiceUnavailable, "realtime monitor not initialized")
		return
	}
	h.monitor.Hub().HandleWebSocket(w, r)
}
