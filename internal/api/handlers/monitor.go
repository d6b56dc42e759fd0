package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/athebyme/rt-parsing/internal/domain/models"
	"github.com/athebyme/rt-parsing/internal/monitor"
	"github.com/athebyme/rt-parsing/pkg/interfaces"
	"github.com/go-chi/render"
)

// RunStorage часть хранилища, нужная панели мониторинга
type RunStorage interface {
	ListRuns(ctx context.Context, limit int) ([]models.RunSnapshot, error)
}

// MonitorHandler отдает срез состояния системы для панели управления
type MonitorHandler struct {
	monitor *monitor.Monitor
	storage RunStorage
	logger  interfaces.LoggerPort
}

// NewMonitorHandler создает обработчик мониторинга
func NewMonitorHandler(mon *monitor.Monitor, storage RunStorage, logger interfaces.LoggerPort) *MonitorHandler {
	return &MonitorHandler{
		monitor: mon,
		storage: storage,
		logger:  logger,
	}
}

// SystemStats обрабатывает запрос среза состояния системы.
// Форма ответа фиксирована, обертка успешного ответа не применяется.
func (h *MonitorHandler) SystemStats(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, h.monitor.Snapshot())
}

// Runs обрабатывает запрос последних запусков импорта
func (h *MonitorHandler) Runs(w http.ResponseWriter, r *http.Request) {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit < 1 || limit > 200 {
		limit = 20
	}

	runs, err := h.storage.ListRuns(r.Context(), limit)
	if err != nil {
		h.logger.ErrorWithContext(r.Context(), "Ошибка получения запусков импорта",
			interfaces.LogField{Key: "error", Value: err.Error()})
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, errorResponse{
			Error:   "internal_error",
			Code:    http.StatusInternalServerError,
			Message: "Ошибка получения запусков импорта",
		})
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, response{
		Success: true,
		Data:    runs,
		Meta: map[string]interface{}{
			"limit": limit,
		},
	})
}
