package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/athebyme/rt-parsing/internal/domain/models"
	"github.com/athebyme/rt-parsing/internal/domain/pricing"
	"github.com/athebyme/rt-parsing/pkg/interfaces"
	"github.com/go-chi/render"
)

// RuleStorage часть хранилища, нужная панели управления правилами
type RuleStorage interface {
	SaveRuleSet(ctx context.Context, shop string, rules *models.RuleSet) error
	GetRuleSet(ctx context.Context, shop string) (*models.RuleSet, error)
}

// RulesHandler обработчик правил ценообразования панели управления.
// Изменения сначала валидируются, затем сохраняются в базе и только после
// этого подменяют действующий снимок движка.
type RulesHandler struct {
	engine  *pricing.Engine
	storage RuleStorage
	logger  interfaces.LoggerPort
	shop    string
}

// NewRulesHandler создает обработчик правил
func NewRulesHandler(engine *pricing.Engine, storage RuleStorage, logger interfaces.LoggerPort, shop string) *RulesHandler {
	return &RulesHandler{
		engine:  engine,
		storage: storage,
		logger:  logger,
		shop:    shop,
	}
}

// GetRules обрабатывает запрос действующего набора правил
func (h *RulesHandler) GetRules(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, response{
		Success: true,
		Data:    h.engine.Rules(),
	})
}

// UpdateRules обрабатывает полную замену набора правил
func (h *RulesHandler) UpdateRules(w http.ResponseWriter, r *http.Request) {
	var rules models.RuleSet
	if err := json.NewDecoder(r.Body).Decode(&rules); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errorResponse{
			Error:   "bad_request",
			Code:    http.StatusBadRequest,
			Message: "Некорректное тело запроса",
		})
		return
	}
	// Унаследованные правила получают значения правила по умолчанию,
	// окно скидки отсчитывается от момента сохранения
	rules.Anchor(time.Now())
	rules.MaterializeInheritance()

	if err := rules.Validate(); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errorResponse{
			Error:   "validation_error",
			Code:    http.StatusBadRequest,
			Message: err.Error(),
		})
		return
	}

	if err := h.storage.SaveRuleSet(r.Context(), h.shop, &rules); err != nil {
		h.logger.ErrorWithContext(r.Context(), "Ошибка сохранения правил",
			interfaces.LogField{Key: "error", Value: err.Error()})
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, errorResponse{
			Error:   "internal_error",
			Code:    http.StatusInternalServerError,
			Message: "Ошибка сохранения правил",
		})
		return
	}

	if err := h.engine.ReplaceRules(&rules); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errorResponse{
			Error:   "validation_error",
			Code:    http.StatusBadRequest,
			Message: err.Error(),
		})
		return
	}

	h.logger.InfoWithContext(r.Context(), "Набор правил обновлен",
		interfaces.LogField{Key: "shop", Value: h.shop},
		interfaces.LogField{Key: "categories", Value: len(rules.Categories)},
		interfaces.LogField{Key: "subcategories", Value: len(rules.Subcategories)})

	render.Status(r, http.StatusOK)
	render.JSON(w, r, response{
		Success: true,
		Data:    h.engine.Rules(),
	})
}

// UpdateDefaultRule обрабатывает изменение правила по умолчанию.
// Правила категорий, совпадавшие со старым правилом по умолчанию, продолжают
// наследовать новое значение.
func (h *RulesHandler) UpdateDefaultRule(w http.ResponseWriter, r *http.Request) {
	var rule models.PricingRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errorResponse{
			Error:   "bad_request",
			Code:    http.StatusBadRequest,
			Message: "Некорректное тело запроса",
		})
		return
	}

	updated, err := h.engine.UpdateDefault(rule, time.Now())
	if err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errorResponse{
			Error:   "validation_error",
			Code:    http.StatusBadRequest,
			Message: err.Error(),
		})
		return
	}

	if err := h.storage.SaveRuleSet(r.Context(), h.shop, updated); err != nil {
		h.logger.ErrorWithContext(r.Context(), "Ошибка сохранения правил",
			interfaces.LogField{Key: "error", Value: err.Error()})
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, errorResponse{
			Error:   "internal_error",
			Code:    http.StatusInternalServerError,
			Message: "Ошибка сохранения правил",
		})
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, response{
		Success: true,
		Data:    updated,
	})
}
