package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/athebyme/rt-parsing/internal/domain/models"
	"github.com/athebyme/rt-parsing/internal/domain/pricing"
	"github.com/athebyme/rt-parsing/internal/domain/services"
	"github.com/athebyme/rt-parsing/internal/monitor"
	"github.com/athebyme/rt-parsing/internal/utils"
	"github.com/athebyme/rt-parsing/pkg/interfaces"
)

type nopLogger struct{}

func (nopLogger) Debug(msg string, args ...interface{})                                 {}
func (nopLogger) Info(msg string, args ...interface{})                                  {}
func (nopLogger) Warn(msg string, args ...interface{})                                  {}
func (nopLogger) Error(msg string, args ...interface{})                                 {}
func (nopLogger) Fatal(msg string, args ...interface{})                                 {}
func (nopLogger) DebugWithContext(ctx context.Context, msg string, args ...interface{}) {}
func (nopLogger) InfoWithContext(ctx context.Context, msg string, args ...interface{})  {}
func (nopLogger) WarnWithContext(ctx context.Context, msg string, args ...interface{})  {}
func (nopLogger) ErrorWithContext(ctx context.Context, msg string, args ...interface{}) {}
func (l nopLogger) WithFields(fields ...interfaces.LogField) interfaces.LoggerPort      { return l }
func (l nopLogger) WithField(key string, value interface{}) interfaces.LoggerPort       { return l }
func (l nopLogger) WithSupplier(supplierID string) interfaces.LoggerPort                { return l }
func (l nopLogger) WithRun(runID string) interfaces.LoggerPort                          { return l }
func (nopLogger) Sync() error                                                           { return nil }

type fakeCache struct {
	data map[string][]byte
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: make(map[string][]byte)}
}

func (c *fakeCache) Get(ctx context.Context, key string) ([]byte, error) {
	v, ok := c.data[key]
	if !ok {
		return nil, utils.ErrCacheMiss
	}
	return v, nil
}

func (c *fakeCache) Set(ctx context.Context, key string, value []byte, expiration time.Duration) error {
	c.data[key] = value
	return nil
}

func (c *fakeCache) Delete(ctx context.Context, key string) error {
	delete(c.data, key)
	return nil
}

func (c *fakeCache) DeleteByPattern(ctx context.Context, pattern string) error { return nil }

func (c *fakeCache) GetMulti(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	for _, k := range keys {
		if v, ok := c.data[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (c *fakeCache) SetMulti(ctx context.Context, items map[string][]byte, expiration time.Duration) error {
	for k, v := range items {
		c.data[k] = v
	}
	return nil
}

func (c *fakeCache) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	return delta, nil
}

func (c *fakeCache) Lock(ctx context.Context, key string, expiration time.Duration) (bool, error) {
	return true, nil
}

func (c *fakeCache) Unlock(ctx context.Context, key string) error { return nil }
func (c *fakeCache) Close() error                                 { return nil }

type fakeProductStorage struct {
	products []*models.ProductRecord
}

func (s *fakeProductStorage) ListProducts(ctx context.Context, filter models.ProductFilter) ([]*models.ProductRecord, int, error) {
	if filter.Offset >= len(s.products) {
		return nil, len(s.products), nil
	}
	end := filter.Offset + filter.Limit
	if end > len(s.products) {
		end = len(s.products)
	}
	return s.products[filter.Offset:end], len(s.products), nil
}

type fakeRuleStorage struct {
	saved *models.RuleSet
	shop  string
}

func (s *fakeRuleStorage) SaveRuleSet(ctx context.Context, shop string, rules *models.RuleSet) error {
	s.shop = shop
	s.saved = rules
	return nil
}

func (s *fakeRuleStorage) GetRuleSet(ctx context.Context, shop string) (*models.RuleSet, error) {
	if s.saved == nil {
		return nil, models.ErrRuleSetNotFound
	}
	return s.saved, nil
}

type fakeRunStorage struct {
	runs []models.RunSnapshot
}

func (s *fakeRunStorage) ListRuns(ctx context.Context, limit int) ([]models.RunSnapshot, error) {
	if limit > len(s.runs) {
		limit = len(s.runs)
	}
	return s.runs[:limit], nil
}

func newSiteHandler(cache *fakeCache, products ...*models.ProductRecord) *SiteHandler {
	engine := pricing.NewEngine(models.NewRuleSet())
	exporter := services.NewExportService(
		&fakeProductStorage{products: products}, engine, cache, nil, nopLogger{}, nil, "", time.Minute,
	)
	return NewSiteHandler(cache, exporter, nopLogger{}, "ddaudio")
}

func TestSiteProductsServedFromCache(t *testing.T) {
	cache := newFakeCache()
	cache.data[services.ProductsKey("ddaudio")] = []byte(`[{"article":"a-1","title":"Sub","price":119999,"available":"in_stock"}]`)

	h := newSiteHandler(cache)

	req := httptest.NewRequest(http.MethodGet, "/api/site/products", nil)
	rec := httptest.NewRecorder()
	h.Products(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}

	var body struct {
		Success bool                 `json:"success"`
		Data    []models.SiteProduct `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !body.Success {
		t.Error("expected success response")
	}
	if len(body.Data) != 1 || body.Data[0].Article != "a-1" {
		t.Errorf("unexpected data: %+v", body.Data)
	}
	if body.Data[0].Price != 119999 {
		t.Errorf("unexpected price %d", body.Data[0].Price)
	}
}

func TestSiteProductsFallBackToProjection(t *testing.T) {
	cache := newFakeCache()
	h := newSiteHandler(cache, &models.ProductRecord{
		Article: "b-2",
		Title:   "Amp",
		Price:   100000,
		Stock:   3,
	})

	req := httptest.NewRequest(http.MethodGet, "/api/site/products", nil)
	rec := httptest.NewRecorder()
	h.Products(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}

	var body struct {
		Data []models.SiteProduct `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(body.Data) != 1 {
		t.Fatalf("expected 1 product, got %d", len(body.Data))
	}
	// Правило по умолчанию без наценки лишь прижимает цену к девятке
	if body.Data[0].Price != 99999 {
		t.Errorf("unexpected projected price %d", body.Data[0].Price)
	}
	if body.Data[0].Available != models.InStock {
		t.Errorf("unexpected availability %q", body.Data[0].Available)
	}
}

func TestSiteCategoriesServedFromCache(t *testing.T) {
	cache := newFakeCache()
	cache.data[services.CategoriesKey("ddaudio")] = []byte(`[{"name":"audio","products":3}]`)

	h := newSiteHandler(cache)

	req := httptest.NewRequest(http.MethodGet, "/api/site/categories", nil)
	rec := httptest.NewRecorder()
	h.Categories(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}

	var body struct {
		Data []models.SiteCategory `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(body.Data) != 1 || body.Data[0].Name != "audio" || body.Data[0].Products != 3 {
		t.Errorf("unexpected categories: %+v", body.Data)
	}
}

func TestUpdateRulesRejectsInvalidDiscount(t *testing.T) {
	engine := pricing.NewEngine(models.NewRuleSet())
	storage := &fakeRuleStorage{}
	h := NewRulesHandler(engine, storage, nopLogger{}, "ddaudio")

	rules := models.NewRuleSet()
	discount := 150.0
	rules.Default.Discount = &discount

	payload, _ := json.Marshal(rules)
	req := httptest.NewRequest(http.MethodPut, "/control_panel/ddaudio/rules", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	h.UpdateRules(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if storage.saved != nil {
		t.Error("invalid rules must not be persisted")
	}
	if engine.Rules().Default.Discount != nil {
		t.Error("invalid rules must not replace the engine snapshot")
	}
}

func TestUpdateRulesPersistsAndSwapsEngine(t *testing.T) {
	engine := pricing.NewEngine(models.NewRuleSet())
	storage := &fakeRuleStorage{}
	h := NewRulesHandler(engine, storage, nopLogger{}, "ddaudio")

	rules := models.NewRuleSet()
	markup := 0.5
	rules.Default.Markup = &markup

	payload, _ := json.Marshal(rules)
	req := httptest.NewRequest(http.MethodPut, "/control_panel/ddaudio/rules", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	h.UpdateRules(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if storage.saved == nil || storage.shop != "ddaudio" {
		t.Fatal("rules were not persisted")
	}
	got := engine.Rules().Default
	if got.Markup == nil || *got.Markup != 0.5 {
		t.Errorf("engine snapshot was not replaced: %+v", got)
	}
}

func TestUpdateRulesMaterializesInheritedRules(t *testing.T) {
	engine := pricing.NewEngine(models.NewRuleSet())
	storage := &fakeRuleStorage{}
	h := NewRulesHandler(engine, storage, nopLogger{}, "ddaudio")

	rules := models.NewRuleSet()
	markup := 0.3
	rules.Default.Markup = &markup
	discount := 10.0
	rules.Default.Discount = &discount
	rules.Categories["audio"] = models.PricingRule{Origin: models.RuleInherited}

	payload, _ := json.Marshal(rules)
	req := httptest.NewRequest(http.MethodPut, "/control_panel/ddaudio/rules", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	h.UpdateRules(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	audio := engine.Rules().Categories["audio"]
	if audio.Origin != models.RuleInherited {
		t.Errorf("expected category rule to stay inherited, got %q", audio.Origin)
	}
	if audio.Markup == nil || *audio.Markup != 0.3 {
		t.Errorf("inherited rule must follow the default markup, got %+v", audio)
	}
	if !audio.SameValues(engine.Rules().Default) {
		t.Errorf("inherited rule diverges from default: %+v", audio)
	}
	if saved := storage.saved.Categories["audio"]; !saved.SameValues(storage.saved.Default) {
		t.Errorf("persisted inherited rule diverges from default: %+v", saved)
	}

	// Окно скидки отсчитывается от сохранения, нулевой якорь клиента
	// не должен гасить скидку
	if engine.Rules().Default.AnchoredAt.IsZero() {
		t.Error("discount anchor was not refreshed on save")
	}
}

func TestUpdateDefaultRuleKeepsInheritance(t *testing.T) {
	rules := models.NewRuleSet()
	rules.Categories["audio"] = rules.Default
	engine := pricing.NewEngine(rules)
	storage := &fakeRuleStorage{}
	h := NewRulesHandler(engine, storage, nopLogger{}, "ddaudio")

	newDefault := models.DefaultPricingRule()
	markup := 0.3
	newDefault.Markup = &markup

	payload, _ := json.Marshal(newDefault)
	req := httptest.NewRequest(http.MethodPut, "/control_panel/ddaudio/rules/default", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	h.UpdateDefaultRule(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	category := engine.Rules().Categories["audio"]
	if category.Origin != models.RuleInherited {
		t.Errorf("expected category rule to stay inherited, got %q", category.Origin)
	}
	if category.Markup == nil || *category.Markup != 0.3 {
		t.Errorf("expected category rule to follow new default, got %+v", category)
	}
	if storage.saved == nil {
		t.Error("updated rules were not persisted")
	}
}

func TestSystemStatsShape(t *testing.T) {
	mon := monitor.New(nil, nil, nil)
	mon.PushError(context.DeadlineExceeded)

	h := NewMonitorHandler(mon, &fakeRunStorage{}, nopLogger{})

	req := httptest.NewRequest(http.MethodGet, "/control_panel/system_stats", nil)
	rec := httptest.NewRecorder()
	h.SystemStats(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}

	var body map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	for _, key := range []string{"imports", "errors", "updated_at"} {
		if _, ok := body[key]; !ok {
			t.Errorf("missing %q in snapshot", key)
		}
	}

	var errs []string
	if err := json.Unmarshal(body["errors"], &errs); err != nil {
		t.Fatalf("errors is not a list: %v", err)
	}
	if len(errs) != 1 {
		t.Errorf("expected 1 error, got %d", len(errs))
	}
}

func TestRunsLimit(t *testing.T) {
	storage := &fakeRunStorage{}
	for i := 0; i < 30; i++ {
		storage.runs = append(storage.runs, models.RunSnapshot{SupplierID: "ddaudio", Stage: models.StageReady})
	}

	h := NewMonitorHandler(monitor.New(nil, nil, nil), storage, nopLogger{})

	req := httptest.NewRequest(http.MethodGet, "/control_panel/runs?limit=5", nil)
	rec := httptest.NewRecorder()
	h.Runs(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}

	var body struct {
		Data []models.RunSnapshot `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(body.Data) != 5 {
		t.Errorf("expected 5 runs, got %d", len(body.Data))
	}
}
