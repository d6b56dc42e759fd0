package pricing

import (
	"fmt"
	"math"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/athebyme/rt-parsing/internal/domain/models"
)

// Engine рассчитывает витринные цены и доступность товаров по
// действующему набору правил. Набор хранится как неизменяемый снимок,
// правки подменяют указатель целиком, поэтому чтения не блокируются.
type Engine struct {
	rules atomic.Pointer[models.RuleSet]
}

// NewEngine создает движок с переданным набором правил.
// nil означает набор из одного правила по умолчанию.
func NewEngine(rules *models.RuleSet) *Engine {
	if rules == nil {
		rules = models.NewRuleSet()
	}
	e := &Engine{}
	e.rules.Store(rules.Clone())
	return e
}

// Rules возвращает текущий снимок правил. Снимок нельзя изменять.
func (e *Engine) Rules() *models.RuleSet {
	return e.rules.Load()
}

// ReplaceRules атомарно подменяет набор правил. Унаследованные правила
// перед подменой материализуются из правила по умолчанию, расчет никогда
// не видит унаследованное правило с собственными значениями.
func (e *Engine) ReplaceRules(rules *models.RuleSet) error {
	next := rules.Clone()
	next.MaterializeInheritance()
	if err := next.Validate(); err != nil {
		return err
	}
	e.rules.Store(next)
	return nil
}

// UpdateDefault правит правило по умолчанию с пересчетом наследования
// и атомарно подменяет снимок. Возвращает новый набор для сохранения.
func (e *Engine) UpdateDefault(rule models.PricingRule, now time.Time) (*models.RuleSet, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	next := e.rules.Load().WithDefault(rule, now)
	e.rules.Store(next)
	return next.Clone(), nil
}

// ResolvePrice рассчитывает цену продажи товара на момент now.
// oldPrice отличен от нуля, только пока действует окно скидки.
// Цена всегда считается заново и никогда не кэшируется за пределы окна.
func (e *Engine) ResolvePrice(p models.ProductRecord, now time.Time) (price, oldPrice int64) {
	rules := e.rules.Load()
	rule := rules.Resolve(p.Category, p.Subcategory)

	base := p.Price
	if rule.PriceType == models.PriceWholesale && p.PriceWholesale > 0 {
		base = p.PriceWholesale
	}

	full := float64(base)
	if rule.Markup != nil {
		full *= 1 + *rule.Markup
	}

	price = int64(math.Round(full))
	if rule.RoundTo9 {
		price = FloorTo9(price)
	}

	if rule.Discount != nil && discountActive(rule, now) {
		discounted := full * (1 - *rule.Discount/100)
		oldPrice = price
		price = int64(math.Round(discounted))
		if rule.RoundTo9 {
			price = FloorTo9(price)
		}
	}

	return price, oldPrice
}

// ResolveAvailability возвращает витринную доступность товара.
// Для нулевого остатка применяется политика разрешенного правила,
// Inherit раскрывается через правило по умолчанию.
func (e *Engine) ResolveAvailability(p models.ProductRecord) models.Availability {
	if p.Stock > 0 {
		return models.InStock
	}

	rules := e.rules.Load()
	rule := rules.Resolve(p.Category, p.Subcategory)
	switch rules.ResolveZeroStock(rule) {
	case models.ZeroStockNotAvailable:
		return models.NotAvailable
	default:
		return models.OnOrder
	}
}

// Project строит витринную проекцию товара.
// Второе значение false означает, что товар скрыт политикой нулевого остатка.
func (e *Engine) Project(p models.ProductRecord, now time.Time) (models.SiteProduct, bool) {
	available := e.ResolveAvailability(p)
	if available == models.NotAvailable {
		return models.SiteProduct{}, false
	}

	price, oldPrice := e.ResolvePrice(p, now)
	return models.SiteProduct{
		Article:     p.Article,
		Title:       p.Title,
		Description: p.Description,
		Price:       price,
		OldPrice:    oldPrice,
		Available:   available,
		URL:         p.URL,
		Category:    p.Category,
		Subcategory: p.Subcategory,
		Images:      p.Images,
	}, true
}

// discountActive проверяет, что момент now попадает в окно скидки правила
func discountActive(r models.PricingRule, now time.Time) bool {
	if r.AnchoredAt.IsZero() {
		return false
	}
	deadline := r.AnchoredAt.Add(time.Duration(r.EffectiveDiscountHours()) * time.Hour)
	return now.Before(deadline)
}

// FloorTo9 округляет цену вниз до ближайшего значения, оканчивающегося на 9.
// Значения меньше десяти поднимаются до девяти, ноль остается нулем.
func FloorTo9(v int64) int64 {
	if v <= 0 {
		return 0
	}
	if v < 10 {
		return 9
	}
	if v%10 == 9 {
		return v
	}
	return v - v%10 - 1
}

// Normalize отображает сырую запись поставщика на каноническую схему.
// Отсутствие артикула или названия считается ошибкой отображения,
// неизвестные поля сохраняются в Properties без потерь.
func Normalize(raw models.RawProduct, supplierID string, now time.Time) (models.ProductRecord, error) {
	article := stringField(raw.Fields, "article")
	if article == "" {
		return models.ProductRecord{}, &models.MappingError{
			SupplierID: supplierID,
			Field:      "article",
			Reason:     "missing or empty",
		}
	}

	title := stringField(raw.Fields, "title")
	if title == "" {
		return models.ProductRecord{}, &models.MappingError{
			SupplierID: supplierID,
			Article:    article,
			Field:      "title",
			Reason:     "missing or empty",
		}
	}

	p := models.ProductRecord{
		Article:     article,
		SupplierID:  supplierID,
		Title:       title,
		Description: stringField(raw.Fields, "description"),
		URL:         stringField(raw.Fields, "url"),
		Category:    stringField(raw.Fields, "category"),
		Subcategory: stringField(raw.Fields, "subcategory"),
		Currency:    stringField(raw.Fields, "currency"),
		LastVisited: now,
		UpdatedAt:   now,
	}
	if p.URL == "" {
		p.URL = raw.SourceURL
	}

	if v, ok := numberField(raw.Fields, "price"); ok {
		if v < 0 {
			return models.ProductRecord{}, &models.MappingError{
				SupplierID: supplierID,
				Article:    article,
				Field:      "price",
				Reason:     "negative value",
			}
		}
		p.Price = toMinorUnits(v)
	}
	if v, ok := numberField(raw.Fields, "price_wholesale"); ok && v > 0 {
		p.PriceWholesale = toMinorUnits(v)
	}
	if v, ok := numberField(raw.Fields, "stock"); ok && v > 0 {
		p.Stock = int(v)
	}
	if ts := stringField(raw.Fields, "last_visited"); ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			p.LastVisited = t
		}
	}

	p.Images = stringSliceField(raw.Fields, "images")

	if p.Category != "" {
		p.Categories = append(p.Categories, p.Category)
	}
	if p.Subcategory != "" {
		p.Categories = append(p.Categories, p.Subcategory)
	}

	if p.Stock > 0 {
		p.Available = models.InStock
	} else {
		p.Available = models.OnOrder
	}

	p.Properties = collectProperties(raw.Fields)

	return p, nil
}

// mappedFields поля, у которых есть место в канонической схеме
var mappedFields = map[string]bool{
	"article": true, "title": true, "description": true,
	"price": true, "price_wholesale": true, "stock": true,
	"url": true, "category": true, "subcategory": true,
	"images": true, "currency": true, "last_visited": true,
}

func collectProperties(fields map[string]interface{}) map[string]string {
	var props map[string]string
	for k, v := range fields {
		if mappedFields[k] {
			continue
		}
		if props == nil {
			props = make(map[string]string)
		}
		props[k] = fmt.Sprint(v)
	}
	return props
}

func stringField(fields map[string]interface{}, key string) string {
	if v, ok := fields[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func numberField(fields map[string]interface{}, key string) (float64, bool) {
	v, ok := fields[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func stringSliceField(fields map[string]interface{}, key string) []string {
	v, ok := fields[key]
	if !ok {
		return nil
	}
	switch s := v.(type) {
	case []string:
		return s
	case []interface{}:
		var out []string
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

// toMinorUnits переводит цену из основных единиц в минорные
func toMinorUnits(v float64) int64 {
	return int64(math.Round(v * 100))
}
