package pricing

import (
	"errors"
	"testing"
	"time"

	"github.com/athebyme/rt-parsing/internal/domain/models"
)

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }

func TestFloorTo9(t *testing.T) {
	cases := []struct {
		in   int64
		want int64
	}{
		{0, 0},
		{5, 9},
		{9, 9},
		{10, 9},
		{19, 19},
		{1199, 1199},
		{1200, 1199},
		{1205, 1199},
		{120000, 119999},
	}

	for _, c := range cases {
		if got := FloorTo9(c.in); got != c.want {
			t.Errorf("FloorTo9(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestResolvePriceMarkupAndRounding(t *testing.T) {
	rules := models.NewRuleSet()
	rules.Default.Markup = floatPtr(0.2)
	rules.Default.RoundTo9 = true

	engine := NewEngine(rules)

	price, oldPrice := engine.ResolvePrice(models.ProductRecord{Price: 100000}, time.Now())
	if price != 119999 {
		t.Errorf("price = %d, want 119999", price)
	}
	if oldPrice != 0 {
		t.Errorf("oldPrice = %d, want 0 without a discount", oldPrice)
	}
}

func TestResolvePriceDiscountWindow(t *testing.T) {
	now := time.Now()

	rules := models.NewRuleSet()
	rules.Default.Markup = floatPtr(0.0)
	rules.Default.RoundTo9 = false
	rules.Default.Discount = floatPtr(50)
	rules.Default.DiscountHours = intPtr(24)
	rules.Default.AnchoredAt = now.Add(-1 * time.Hour)

	engine := NewEngine(rules)

	price, oldPrice := engine.ResolvePrice(models.ProductRecord{Price: 1000}, now)
	if price != 500 {
		t.Errorf("discounted price = %d, want 500", price)
	}
	if oldPrice != 1000 {
		t.Errorf("oldPrice = %d, want 1000", oldPrice)
	}

	// За пределами окна скидка не действует
	expired := now.Add(25 * time.Hour)
	price, oldPrice = engine.ResolvePrice(models.ProductRecord{Price: 1000}, expired)
	if price != 1000 {
		t.Errorf("price after window = %d, want 1000", price)
	}
	if oldPrice != 0 {
		t.Errorf("oldPrice after window = %d, want 0", oldPrice)
	}
}

func TestResolvePriceRuleOrder(t *testing.T) {
	rules := models.NewRuleSet()
	rules.Default.Markup = floatPtr(0.1)
	rules.Default.RoundTo9 = false

	cat := rules.Default
	cat.Markup = floatPtr(0.5)
	rules.Categories["audio"] = cat

	sub := rules.Default
	sub.Markup = floatPtr(1.0)
	rules.Subcategories["speakers"] = sub

	engine := NewEngine(rules)
	now := time.Now()

	p := models.ProductRecord{Price: 1000, Category: "audio", Subcategory: "speakers"}
	if price, _ := engine.ResolvePrice(p, now); price != 2000 {
		t.Errorf("subcategory rule: price = %d, want 2000", price)
	}

	p.Subcategory = ""
	if price, _ := engine.ResolvePrice(p, now); price != 1500 {
		t.Errorf("category rule: price = %d, want 1500", price)
	}

	p.Category = ""
	if price, _ := engine.ResolvePrice(p, now); price != 1100 {
		t.Errorf("default rule: price = %d, want 1100", price)
	}
}

func TestResolvePriceWholesaleBase(t *testing.T) {
	rules := models.NewRuleSet()
	rules.Default.PriceType = models.PriceWholesale
	rules.Default.RoundTo9 = false

	engine := NewEngine(rules)

	p := models.ProductRecord{Price: 2000, PriceWholesale: 1500}
	if price, _ := engine.ResolvePrice(p, time.Now()); price != 1500 {
		t.Errorf("wholesale base: price = %d, want 1500", price)
	}

	// Без оптовой цены базой остается розничная
	p.PriceWholesale = 0
	if price, _ := engine.ResolvePrice(p, time.Now()); price != 2000 {
		t.Errorf("retail fallback: price = %d, want 2000", price)
	}
}

func TestZeroStockPolicyInheritance(t *testing.T) {
	rules := models.NewRuleSet()
	rules.Default.ZeroStock = models.ZeroStockNotAvailable

	rule := rules.Default
	rule.ZeroStock = models.ZeroStockInherit
	rules.Categories["audio"] = rule

	engine := NewEngine(rules)

	p := models.ProductRecord{Article: "a-1", Title: "t", Category: "audio", Stock: 0}
	if got := engine.ResolveAvailability(p); got != models.NotAvailable {
		t.Errorf("availability = %s, want %s", got, models.NotAvailable)
	}
	if _, visible := engine.Project(p, time.Now()); visible {
		t.Error("hidden product must not be projected")
	}

	p.Stock = 3
	if got := engine.ResolveAvailability(p); got != models.InStock {
		t.Errorf("availability with stock = %s, want %s", got, models.InStock)
	}
}

func TestUpdateDefaultInheritance(t *testing.T) {
	rules := models.NewRuleSet()
	rules.Default.Markup = floatPtr(0.1)

	// Правило, совпадающее с правилом по умолчанию
	follower := rules.Default
	rules.Categories["audio"] = follower

	// Правило с собственной наценкой
	custom := rules.Default
	custom.Markup = floatPtr(0.5)
	rules.Categories["video"] = custom

	engine := NewEngine(rules)

	newDefault := rules.Default
	newDefault.Markup = floatPtr(0.3)

	next, err := engine.UpdateDefault(newDefault, time.Now())
	if err != nil {
		t.Fatalf("UpdateDefault: %v", err)
	}

	audio := next.Categories["audio"]
	if audio.Origin != models.RuleInherited {
		t.Errorf("audio origin = %s, want %s", audio.Origin, models.RuleInherited)
	}
	if audio.Markup == nil || *audio.Markup != 0.3 {
		t.Errorf("audio markup = %v, want 0.3", audio.Markup)
	}

	video := next.Categories["video"]
	if video.Origin != models.RuleOverridden {
		t.Errorf("video origin = %s, want %s", video.Origin, models.RuleOverridden)
	}
	if video.Markup == nil || *video.Markup != 0.5 {
		t.Errorf("video markup = %v, want 0.5 untouched", video.Markup)
	}

	// Повторная правка: унаследованное правило продолжает следовать
	secondDefault := newDefault
	secondDefault.Markup = floatPtr(0.4)

	next, err = engine.UpdateDefault(secondDefault, time.Now())
	if err != nil {
		t.Fatalf("second UpdateDefault: %v", err)
	}
	audio = next.Categories["audio"]
	if audio.Origin != models.RuleInherited || *audio.Markup != 0.4 {
		t.Errorf("audio after second edit = %s/%v, want inherited/0.4", audio.Origin, audio.Markup)
	}
}

func TestReplaceRulesValidation(t *testing.T) {
	engine := NewEngine(nil)

	bad := models.NewRuleSet()
	bad.Default.Discount = floatPtr(150)

	if err := engine.ReplaceRules(bad); err == nil {
		t.Fatal("expected validation error for discount over 100")
	}
}

func TestReplaceRulesMaterializesInheritedRules(t *testing.T) {
	rules := models.NewRuleSet()
	rules.Default.Markup = floatPtr(0.3)
	rules.Default.RoundTo9 = false

	// Унаследованное правило пришло без собственных значений
	rules.Categories["audio"] = models.PricingRule{Origin: models.RuleInherited}

	engine := NewEngine(nil)
	if err := engine.ReplaceRules(rules); err != nil {
		t.Fatalf("ReplaceRules: %v", err)
	}

	audio := engine.Rules().Categories["audio"]
	if audio.Origin != models.RuleInherited {
		t.Errorf("origin = %s, want %s", audio.Origin, models.RuleInherited)
	}
	if !audio.SameValues(engine.Rules().Default) {
		t.Errorf("inherited rule diverges from default: %+v", audio)
	}

	p := models.ProductRecord{Price: 1000, Category: "audio"}
	if price, _ := engine.ResolvePrice(p, time.Now()); price != 1300 {
		t.Errorf("price = %d, want 1300 from the default markup", price)
	}
}

func TestNormalize(t *testing.T) {
	now := time.Now()

	raw := models.RawProduct{
		Fields: map[string]interface{}{
			"article":     "dd-100",
			"title":       "Сабвуфер",
			"description": "активный",
			"price":       1299.50,
			"stock":       float64(2),
			"category":    "audio",
			"subcategory": "subwoofers",
			"images":      []interface{}{"https://img/1.jpg", "https://img/2.jpg"},
			"color":       "black",
		},
		SourceURL: "https://supplier.example/dd-100",
	}

	p, err := Normalize(raw, "ddaudio", now)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	if p.Article != "dd-100" || p.SupplierID != "ddaudio" {
		t.Errorf("identity fields: %+v", p)
	}
	if p.Price != 129950 {
		t.Errorf("price = %d, want 129950 minor units", p.Price)
	}
	if p.Stock != 2 || p.Available != models.InStock {
		t.Errorf("stock/availability: %d %s", p.Stock, p.Available)
	}
	if p.URL != "https://supplier.example/dd-100" {
		t.Errorf("url fallback to source: %s", p.URL)
	}
	if len(p.Images) != 2 {
		t.Errorf("images = %v", p.Images)
	}
	if p.Properties["color"] != "black" {
		t.Errorf("unmapped field must land in properties: %v", p.Properties)
	}
	if _, mapped := p.Properties["price"]; mapped {
		t.Error("mapped fields must not duplicate into properties")
	}
}

func TestNormalizeMappingErrors(t *testing.T) {
	cases := []struct {
		name   string
		fields map[string]interface{}
		field  string
	}{
		{"missing article", map[string]interface{}{"title": "t"}, "article"},
		{"missing title", map[string]interface{}{"article": "a-1"}, "title"},
		{"negative price", map[string]interface{}{"article": "a-1", "title": "t", "price": -5.0}, "price"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Normalize(models.RawProduct{Fields: c.fields}, "davi", time.Now())
			var me *models.MappingError
			if !errors.As(err, &me) {
				t.Fatalf("expected MappingError, got %v", err)
			}
			if me.Field != c.field {
				t.Errorf("field = %s, want %s", me.Field, c.field)
			}
		})
	}
}
