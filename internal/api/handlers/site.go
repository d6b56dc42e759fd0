package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/athebyme/rt-parsing/internal/domain/services"
	"github.com/athebyme/rt-parsing/internal/utils"
	"github.com/athebyme/rt-parsing/pkg/interfaces"
	"github.com/go-chi/render"
)

// errorResponse представляет структуру ответа с ошибкой
type errorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// response представляет структуру успешного ответа
type response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Meta    interface{} `json:"meta,omitempty"`
}

// SiteHandler отдает витринные документы магазина.
// Основной источник документов Redis, при отсутствии документа проекция
// строится заново по хранилищу.
type SiteHandler struct {
	cache    interfaces.CachePort
	exporter *services.ExportService
	logger   interfaces.LoggerPort
	shop     string
}

// NewSiteHandler создает обработчик витрины
func NewSiteHandler(cache interfaces.CachePort, exporter *services.ExportService, logger interfaces.LoggerPort, shop string) *SiteHandler {
	return &SiteHandler{
		cache:    cache,
		exporter: exporter,
		logger:   logger,
		shop:     shop,
	}
}

// Products обрабатывает запрос витринного документа товаров
func (h *SiteHandler) Products(w http.ResponseWriter, r *http.Request) {
	data, err := h.cache.Get(r.Context(), services.ProductsKey(h.shop))
	if err == nil {
		render.Status(r, http.StatusOK)
		render.JSON(w, r, response{
			Success: true,
			Data:    json.RawMessage(data),
		})
		return
	}
	if !errors.Is(err, utils.ErrCacheMiss) {
		h.logger.ErrorWithContext(r.Context(), "Ошибка чтения документа товаров",
			interfaces.LogField{Key: "error", Value: err.Error()})
	}

	// Документ еще не экспортирован, строим проекцию на лету
	products, _, err := h.exporter.Materialize(r.Context())
	if err != nil {
		h.logger.ErrorWithContext(r.Context(), "Ошибка построения витрины",
			interfaces.LogField{Key: "error", Value: err.Error()})
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, errorResponse{
			Error:   "internal_error",
			Code:    http.StatusInternalServerError,
			Message: "Ошибка получения товаров",
		})
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, response{
		Success: true,
		Data:    products,
	})
}

// Categories обрабатывает запрос витринного документа категорий
func (h *SiteHandler) Categories(w http.ResponseWriter, r *http.Request) {
	data, err := h.cache.Get(r.Context(), services.CategoriesKey(h.shop))
	if err == nil {
		render.Status(r, http.StatusOK)
		render.JSON(w, r, response{
			Success: true,
			Data:    json.RawMessage(data),
		})
		return
	}
	if !errors.Is(err, utils.ErrCacheMiss) {
		h.logger.ErrorWithContext(r.Context(), "Ошибка чтения документа категорий",
			interfaces.LogField{Key: "error", Value: err.Error()})
	}

	_, categories, err := h.exporter.Materialize(r.Context())
	if err != nil {
		h.logger.ErrorWithContext(r.Context(), "Ошибка построения витрины",
			interfaces.LogField{Key: "error", Value: err.Error()})
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, errorResponse{
			Error:   "internal_error",
			Code:    http.StatusInternalServerError,
			Message: "Ошибка получения категорий",
		})
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, response{
		Success: true,
		Data:    categories,
	})
}
