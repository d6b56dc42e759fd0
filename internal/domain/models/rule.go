package models

import (
	"fmt"
	"time"
)

// PriceType определяет, какая закупочная цена служит базой расчета
type PriceType string

const (
	PriceRetail    PriceType = "retail"
	PriceWholesale PriceType = "wholesale"
)

// ZeroStockPolicy определяет судьбу товара с нулевым остатком
type ZeroStockPolicy string

const (
	// ZeroStockInherit означает взять политику правила по умолчанию
	ZeroStockInherit ZeroStockPolicy = "inherit"
	// ZeroStockOnOrder выставляет товар под заказ
	ZeroStockOnOrder ZeroStockPolicy = "on_order"
	// ZeroStockNotAvailable скрывает товар из экспорта
	ZeroStockNotAvailable ZeroStockPolicy = "not_available"
)

// RuleOrigin показывает, следует ли правило за правилом по умолчанию
type RuleOrigin string

const (
	// RuleInherited правило повторяет правило по умолчанию и обновляется вместе с ним
	RuleInherited RuleOrigin = "inherited"
	// RuleOverridden правило задано оператором и живет своей жизнью
	RuleOverridden RuleOrigin = "overridden"
)

// DefaultDiscountHours окно действия скидки, если правило его не задает
const DefaultDiscountHours = 24

// PricingRule описывает правило ценообразования для категории или подкатегории
type PricingRule struct {
	PriceType PriceType `json:"price_type"`
	// Markup наценка долей от базовой цены: 0.2 = +20%
	Markup *float64 `json:"markup,omitempty"`
	// Discount скидка в процентах, действует в пределах окна
	Discount *float64 `json:"discount,omitempty"`
	// DiscountHours длительность окна скидки в часах от AnchoredAt
	DiscountHours *int `json:"discount_hours,omitempty"`
	// RoundTo9 округляет цену вниз до ближайшего значения на 9
	RoundTo9  bool            `json:"round_to_9"`
	ZeroStock ZeroStockPolicy `json:"zero_stock"`
	Origin    RuleOrigin      `json:"origin"`
	// AnchoredAt точка отсчета окна скидки, обновляется при сохранении правила
	AnchoredAt time.Time `json:"anchored_at,omitempty"`
}

// DefaultPricingRule возвращает правило по умолчанию для нового магазина
func DefaultPricingRule() PricingRule {
	return PricingRule{
		PriceType: PriceRetail,
		RoundTo9:  true,
		ZeroStock: ZeroStockOnOrder,
		Origin:    RuleOverridden,
	}
}

// EffectiveDiscountHours возвращает окно скидки с учетом значения по умолчанию
func (r PricingRule) EffectiveDiscountHours() int {
	if r.DiscountHours != nil {
		return *r.DiscountHours
	}
	return DefaultDiscountHours
}

// SameValues сравнивает расчетные поля двух правил.
// Origin и AnchoredAt не участвуют в сравнении.
func (r PricingRule) SameValues(o PricingRule) bool {
	return r.PriceType == o.PriceType &&
		eqFloatPtr(r.Markup, o.Markup) &&
		eqFloatPtr(r.Discount, o.Discount) &&
		eqIntPtr(r.DiscountHours, o.DiscountHours) &&
		r.RoundTo9 == o.RoundTo9 &&
		r.ZeroStock == o.ZeroStock
}

// Validate проверяет правило на допустимость значений
func (r PricingRule) Validate() error {
	switch r.PriceType {
	case PriceRetail, PriceWholesale:
	default:
		return fmt.Errorf("unknown price type %q", r.PriceType)
	}
	switch r.ZeroStock {
	case ZeroStockInherit, ZeroStockOnOrder, ZeroStockNotAvailable:
	default:
		return fmt.Errorf("unknown zero stock policy %q", r.ZeroStock)
	}
	if r.Markup != nil && *r.Markup < -1 {
		return fmt.Errorf("markup %v lowers price below zero", *r.Markup)
	}
	if r.Discount != nil && (*r.Discount < 0 || *r.Discount > 100) {
		return fmt.Errorf("discount %v is out of range [0, 100]", *r.Discount)
	}
	if r.DiscountHours != nil && *r.DiscountHours <= 0 {
		return fmt.Errorf("discount hours %d must be positive", *r.DiscountHours)
	}
	return nil
}

func (r PricingRule) clone() PricingRule {
	c := r
	if r.Markup != nil {
		v := *r.Markup
		c.Markup = &v
	}
	if r.Discount != nil {
		v := *r.Discount
		c.Discount = &v
	}
	if r.DiscountHours != nil {
		v := *r.DiscountHours
		c.DiscountHours = &v
	}
	return c
}

// RuleSet представляет полный набор правил магазина: правило по умолчанию
// плюс правила категорий и подкатегорий. Набор неизменяем, любая правка
// строит новый экземпляр.
type RuleSet struct {
	Default       PricingRule            `json:"default"`
	Categories    map[string]PricingRule `json:"categories,omitempty"`
	Subcategories map[string]PricingRule `json:"subcategories,omitempty"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// NewRuleSet возвращает набор с одним правилом по умолчанию
func NewRuleSet() *RuleSet {
	return &RuleSet{
		Default:       DefaultPricingRule(),
		Categories:    map[string]PricingRule{},
		Subcategories: map[string]PricingRule{},
	}
}

// Resolve находит правило для товара: подкатегория, затем категория,
// затем правило по умолчанию
func (s *RuleSet) Resolve(category, subcategory string) PricingRule {
	if subcategory != "" {
		if r, ok := s.Subcategories[subcategory]; ok {
			return r
		}
	}
	if category != "" {
		if r, ok := s.Categories[category]; ok {
			return r
		}
	}
	return s.Default
}

// ResolveZeroStock возвращает действующую политику нулевого остатка,
// раскрывая Inherit через правило по умолчанию
func (s *RuleSet) ResolveZeroStock(r PricingRule) ZeroStockPolicy {
	if r.ZeroStock != ZeroStockInherit {
		return r.ZeroStock
	}
	if s.Default.ZeroStock != ZeroStockInherit {
		return s.Default.ZeroStock
	}
	return ZeroStockOnOrder
}

// Clone возвращает глубокую копию набора
func (s *RuleSet) Clone() *RuleSet {
	c := &RuleSet{
		Default:       s.Default.clone(),
		Categories:    make(map[string]PricingRule, len(s.Categories)),
		Subcategories: make(map[string]PricingRule, len(s.Subcategories)),
		UpdatedAt:     s.UpdatedAt,
	}
	for k, r := range s.Categories {
		c.Categories[k] = r.clone()
	}
	for k, r := range s.Subcategories {
		c.Subcategories[k] = r.clone()
	}
	return c
}

// MaterializeInheritance переписывает унаследованные правила значениями
// правила по умолчанию. Полный набор извне может содержать унаследованное
// правило без собственных значений или с разошедшимися значениями,
// после материализации оно снова совпадает с правилом по умолчанию.
func (s *RuleSet) MaterializeInheritance() {
	sync := func(rules map[string]PricingRule) {
		for key, r := range rules {
			if r.Origin != RuleInherited {
				continue
			}
			inherited := s.Default.clone()
			inherited.Origin = RuleInherited
			rules[key] = inherited
		}
	}
	sync(s.Categories)
	sync(s.Subcategories)
}

// Anchor переводит точку отсчета окна скидки всех правил на момент сохранения
func (s *RuleSet) Anchor(now time.Time) {
	s.Default.AnchoredAt = now
	for key, r := range s.Categories {
		r.AnchoredAt = now
		s.Categories[key] = r
	}
	for key, r := range s.Subcategories {
		r.AnchoredAt = now
		s.Subcategories[key] = r
	}
	s.UpdatedAt = now
}

// WithDefault строит новый набор с измененным правилом по умолчанию.
// Правила, расчетные поля которых совпадали с прежним правилом по умолчанию,
// остаются унаследованными и получают новые значения. Отличавшиеся правила
// помечаются переопределенными и не трогаются. Пересчет выполняется при
// каждой правке правила по умолчанию.
func (s *RuleSet) WithDefault(newDefault PricingRule, now time.Time) *RuleSet {
	oldDefault := s.Default

	newDefault = newDefault.clone()
	newDefault.Origin = RuleOverridden
	newDefault.AnchoredAt = now

	sync := func(src map[string]PricingRule, dst map[string]PricingRule) {
		for key, r := range src {
			if r.SameValues(oldDefault) {
				inherited := newDefault.clone()
				inherited.Origin = RuleInherited
				dst[key] = inherited
			} else {
				overridden := r.clone()
				overridden.Origin = RuleOverridden
				dst[key] = overridden
			}
		}
	}

	c := &RuleSet{
		Default:       newDefault,
		Categories:    make(map[string]PricingRule, len(s.Categories)),
		Subcategories: make(map[string]PricingRule, len(s.Subcategories)),
		UpdatedAt:     now,
	}
	sync(s.Categories, c.Categories)
	sync(s.Subcategories, c.Subcategories)
	return c
}

// Validate проверяет весь набор
func (s *RuleSet) Validate() error {
	if err := s.Default.Validate(); err != nil {
		return fmt.Errorf("default rule: %w", err)
	}
	for key, r := range s.Categories {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("category %q: %w", key, err)
		}
	}
	for key, r := range s.Subcategories {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("subcategory %q: %w", key, err)
		}
	}
	return nil
}

func eqFloatPtr(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func eqIntPtr(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
