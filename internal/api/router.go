package api

import (
	"net/http"
	"time"

	"github.com/athebyme/rt-parsing/internal/api/handlers"
	"github.com/athebyme/rt-parsing/internal/api/middleware"
	"github.com/athebyme/rt-parsing/internal/domain/pricing"
	"github.com/athebyme/rt-parsing/internal/domain/services"
	"github.com/athebyme/rt-parsing/internal/monitor"
	"github.com/athebyme/rt-parsing/internal/suppliers"
	"github.com/athebyme/rt-parsing/pkg/interfaces"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	httpSwagger "github.com/swaggo/http-swagger"
)

// Dependencies собирает все зависимости HTTP-слоя
type Dependencies struct {
	Logger    interfaces.LoggerPort
	Cache     interfaces.CachePort
	Messaging interfaces.MessagingPort

	Engine   *pricing.Engine
	Exporter *services.ExportService
	Registry *suppliers.Registry
	Monitor  *monitor.Monitor

	RuleStorage handlers.RuleStorage
	RunStorage  handlers.RunStorage

	Shop               string
	CommandTopic       string
	JWTSecret          string
	CORSAllowedOrigins []string
}

// SetupRouter настраивает маршрутизатор
func SetupRouter(deps Dependencies) *chi.Mux {
	r := chi.NewRouter()

	// Глобальные middleware
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(deps.Logger))
	r.Use(middleware.Recoverer(deps.Logger))
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(middleware.CORS(deps.CORSAllowedOrigins))
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.RateLimiter(1000, time.Minute))

	r.Method(http.MethodGet, "/health", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}))
	r.Method(http.MethodHead, "/health", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	siteHandler := handlers.NewSiteHandler(deps.Cache, deps.Exporter, deps.Logger, deps.Shop)

	// Публичная витрина
	r.Route("/api/site", func(r chi.Router) {
		r.Get("/products", siteHandler.Products)
		r.Get("/categories", siteHandler.Categories)
	})

	rulesHandler := handlers.NewRulesHandler(deps.Engine, deps.RuleStorage, deps.Logger, deps.Shop)
	monitorHandler := handlers.NewMonitorHandler(deps.Monitor, deps.RunStorage, deps.Logger)
	importsHandler := handlers.NewImportsHandler(deps.Registry, deps.Messaging, deps.Logger, deps.CommandTopic, deps.Shop)

	// Панель управления
	r.Route("/control_panel", func(r chi.Router) {
		r.Use(middleware.JWTAuth(deps.JWTSecret, deps.Logger))

		r.Get("/system_stats", monitorHandler.SystemStats)
		r.Get("/runs", monitorHandler.Runs)

		r.Route("/"+deps.Shop, func(r chi.Router) {
			r.Get("/rules", rulesHandler.GetRules)
			r.Put("/rules", rulesHandler.UpdateRules)
			r.Put("/rules/default", rulesHandler.UpdateDefaultRule)

			r.Post("/import/{supplier}", importsHandler.StartImport)
			r.Post("/export", importsHandler.StartExport)
		})
	})

	return r
}
