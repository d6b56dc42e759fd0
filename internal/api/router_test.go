package api

import (
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
	"github.com/athebyme/rt-parsing/internal/suppliers"
	"github.com/athebyme/rt-parsing/internal/utils"
	"github.com/athebyme/rt-parsing/pkg/interfaces"
	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

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

type stubCache struct{}

func (stubCache) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, utils.ErrCacheMiss
}
func (stubCache) Set(ctx context.Context, key string, value []byte, expiration time.Duration) error {
	return nil
}
func (stubCache) Delete(ctx context.Context, key string) error              { return nil }
func (stubCache) DeleteByPattern(ctx context.Context, pattern string) error { return nil }
func (stubCache) GetMulti(ctx context.Context, keys []string) (map[string][]byte, error) {
	return map[string][]byte{}, nil
}
func (stubCache) SetMulti(ctx context.Context, items map[string][]byte, expiration time.Duration) error {
	return nil
}
func (stubCache) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	return delta, nil
}
func (stubCache) Lock(ctx context.Context, key string, expiration time.Duration) (bool, error) {
	return true, nil
}
func (stubCache) Unlock(ctx context.Context, key string) error { return nil }
func (stubCache) Close() error                                 { return nil }

type stubStorage struct{}

func (stubStorage) ListProducts(ctx context.Context, filter models.ProductFilter) ([]*models.ProductRecord, int, error) {
	return nil, 0, nil
}
func (stubStorage) SaveRuleSet(ctx context.Context, shop string, rules *models.RuleSet) error {
	return nil
}
func (stubStorage) GetRuleSet(ctx context.Context, shop string) (*models.RuleSet, error) {
	return nil, models.ErrRuleSetNotFound
}
func (stubStorage) ListRuns(ctx context.Context, limit int) ([]models.RunSnapshot, error) {
	return nil, nil
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()

	engine := pricing.NewEngine(models.NewRuleSet())
	storage := stubStorage{}
	exporter := services.NewExportService(storage, engine, stubCache{}, nil, nopLogger{}, nil, "", time.Minute)

	return SetupRouter(Dependencies{
		Logger:             nopLogger{},
		Cache:              stubCache{},
		Engine:             engine,
		Exporter:           exporter,
		Registry:           suppliers.NewRegistry(),
		Monitor:            monitor.New(nil, nil, nil),
		RuleStorage:        storage,
		RunStorage:         storage,
		Shop:               "ddaudio",
		CommandTopic:       "import-commands",
		JWTSecret:          testSecret,
		CORSAllowedOrigins: []string{"*"},
	})
}

func signToken(t *testing.T, secret string) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "operator",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestHealthEndpoint(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if rec.Body.String() != "OK" {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
}

func TestSiteEndpointsArePublic(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/site/products", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
}

func TestControlPanelRequiresToken(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/control_panel/system_stats", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
}

func TestControlPanelRejectsForeignToken(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/control_panel/system_stats", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "other-secret"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with foreign token, got %d", rec.Code)
	}
}

func TestControlPanelAcceptsValidToken(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/control_panel/system_stats", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d: %s", rec.Code, rec.Body.String())
	}

	var body map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode snapshot: %v", err)
	}
	if _, ok := body["imports"]; !ok {
		t.Error("missing imports section in snapshot")
	}
}

func TestStartImportUnknownSupplier(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/control_panel/ddaudio/import/unknown", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown supplier, got %d", rec.Code)
	}
}
