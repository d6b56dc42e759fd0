package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/athebyme/rt-parsing/internal/adapters/messaging"
	"github.com/athebyme/rt-parsing/internal/suppliers"
	"github.com/athebyme/rt-parsing/pkg/interfaces"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

// ImportsHandler принимает команды запуска импорта и экспорта.
// Сами запуски выполняет воркер, обработчик лишь публикует команду
// в командный топик.
type ImportsHandler struct {
	registry  *suppliers.Registry
	messaging interfaces.MessagingPort
	logger    interfaces.LoggerPort
	topic     string
	shop      string
}

// NewImportsHandler создает обработчик команд конвейера
func NewImportsHandler(registry *suppliers.Registry, msging interfaces.MessagingPort, logger interfaces.LoggerPort, topic, shop string) *ImportsHandler {
	return &ImportsHandler{
		registry:  registry,
		messaging: msging,
		logger:    logger,
		topic:     topic,
		shop:      shop,
	}
}

// StartImport обрабатывает запрос запуска импорта поставщика
func (h *ImportsHandler) StartImport(w http.ResponseWriter, r *http.Request) {
	supplierID := chi.URLParam(r, "supplier")
	if _, err := h.registry.Get(supplierID); err != nil {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, errorResponse{
			Error:   "not_found",
			Code:    http.StatusNotFound,
			Message: "Поставщик не найден",
		})
		return
	}

	h.publish(w, r, messaging.CommandPayload{
		Command:    messaging.ImportCommand,
		SupplierID: supplierID,
	})
}

// StartExport обрабатывает запрос пересборки витринных документов
func (h *ImportsHandler) StartExport(w http.ResponseWriter, r *http.Request) {
	h.publish(w, r, messaging.CommandPayload{
		Command: messaging.ExportCommand,
		Shop:    h.shop,
	})
}

func (h *ImportsHandler) publish(w http.ResponseWriter, r *http.Request, cmd messaging.CommandPayload) {
	if h.messaging == nil || h.topic == "" {
		render.Status(r, http.StatusServiceUnavailable)
		render.JSON(w, r, errorResponse{
			Error:   "unavailable",
			Code:    http.StatusServiceUnavailable,
			Message: "Командный канал не настроен",
		})
		return
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, errorResponse{
			Error:   "internal_error",
			Code:    http.StatusInternalServerError,
			Message: "Ошибка сериализации команды",
		})
		return
	}

	if err := h.messaging.Publish(r.Context(), h.topic, payload); err != nil {
		h.logger.ErrorWithContext(r.Context(), "Ошибка публикации команды",
			interfaces.LogField{Key: "command", Value: cmd.Command},
			interfaces.LogField{Key: "error", Value: err.Error()})
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, errorResponse{
			Error:   "internal_error",
			Code:    http.StatusInternalServerError,
			Message: "Ошибка публикации команды",
		})
		return
	}

	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, response{
		Success: true,
		Data:    cmd,
	})
}
