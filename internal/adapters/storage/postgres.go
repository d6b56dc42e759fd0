package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/athebyme/rt-parsing/internal/domain/models"
	"github.com/athebyme/rt-parsing/pkg/interfaces"
	"github.com/athebyme/rt-parsing/pkg/tx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// StorageInterface определяет интерфейс взаимодействия с хранилищем PostgreSQL
type StorageInterface interface {
	// Товары
	UpsertProduct(ctx context.Context, product *models.ProductRecord) error
	GetProduct(ctx context.Context, article string) (*models.ProductRecord, error)
	ListProducts(ctx context.Context, filter models.ProductFilter) ([]*models.ProductRecord, int, error)
	ListCategories(ctx context.Context) ([]models.SiteCategory, error)

	// Правила ценообразования
	SaveRuleSet(ctx context.Context, shop string, rules *models.RuleSet) error
	GetRuleSet(ctx context.Context, shop string) (*models.RuleSet, error)

	// Запуски импорта
	SaveRun(ctx context.Context, run models.RunSnapshot) error
	ListRuns(ctx context.Context, limit int) ([]models.RunSnapshot, error)
}

// StoragePort интерфейс хранилища вместе с управлением транзакциями
type StoragePort interface {
	StorageInterface

	InitSchema(ctx context.Context) error

	BeginTx(ctx context.Context) (context.Context, error)
	CommitTx(ctx context.Context) error
	RollbackTx(ctx context.Context) error

	Close() error
}

// contextKey тип для ключей контекста
type contextKey string

const txKey contextKey = "transaction"

// Storage реализация StoragePort для PostgreSQL
type Storage struct {
	pool *pgxpool.Pool
}

var (
	_ StoragePort            = (*Storage)(nil)
	_ interfaces.StoragePort = (*Storage)(nil)
)

// NewPostgresStorage создает новый экземпляр Storage
func NewPostgresStorage(ctx context.Context, connectionString string) (*Storage, error) {
	pool, err := pgxpool.New(ctx, connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	return &Storage{pool: pool}, nil
}

// NewPostgresStorageWithPool создает Storage поверх готового пула
func NewPostgresStorageWithPool(ctx context.Context, pool *pgxpool.Pool) (*Storage, error) {
	if pool == nil {
		return nil, errors.New("pool is nil")
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return &Storage{pool: pool}, nil
}

// Close закрывает соединение с БД
func (r *Storage) Close() error {
	r.pool.Close()
	return nil
}

type executor interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// getExecutor возвращает исполнителя запросов (транзакцию или пул)
func (r *Storage) getExecutor(ctx context.Context) executor {
	if tx := r.getTx(ctx); tx != nil {
		return tx // pgx.Tx реализует нужные методы
	}
	return r.pool // *pgxpool.Pool тоже реализует нужные методы
}

// getTx получает транзакцию из контекста: сначала ключ менеджера
// транзакций, затем собственный ключ BeginTx
func (r *Storage) getTx(ctx context.Context) pgx.Tx {
	if txFromCtx, ok := ctx.Value(tx.GetKey()).(pgx.Tx); ok {
		return txFromCtx
	}
	if txFromCtx, ok := ctx.Value(txKey).(pgx.Tx); ok {
		return txFromCtx
	}
	return nil
}

// BeginTx начинает новую транзакцию
func (r *Storage) BeginTx(ctx context.Context) (context.Context, error) {
	t, err := r.pool.Begin(ctx)
	if err != nil {
		return ctx, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return context.WithValue(ctx, txKey, t), nil
}

// CommitTx фиксирует транзакцию
func (r *Storage) CommitTx(ctx context.Context) error {
	t := r.getTx(ctx)
	if t == nil {
		return errors.New("no transaction in context")
	}
	return t.Commit(ctx)
}

// RollbackTx откатывает транзакцию
func (r *Storage) RollbackTx(ctx context.Context) error {
	t := r.getTx(ctx)
	if t == nil {
		return errors.New("no transaction in context")
	}
	return t.Rollback(ctx)
}

// InitSchema создает схему и таблицы, если их еще нет
func (r *Storage) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE SCHEMA IF NOT EXISTS parsing`,
		`CREATE TABLE IF NOT EXISTS parsing.products (
			article         TEXT PRIMARY KEY,
			supplier_id     TEXT NOT NULL,
			title           TEXT NOT NULL,
			description     TEXT NOT NULL DEFAULT '',
			price           BIGINT NOT NULL DEFAULT 0,
			price_wholesale BIGINT NOT NULL DEFAULT 0,
			available       TEXT NOT NULL,
			stock           INTEGER NOT NULL DEFAULT 0,
			url             TEXT NOT NULL DEFAULT '',
			category        TEXT NOT NULL DEFAULT '',
			subcategory     TEXT NOT NULL DEFAULT '',
			categories      TEXT[],
			images          TEXT[],
			properties      JSONB,
			currency        TEXT NOT NULL DEFAULT '',
			last_visited    TIMESTAMPTZ NOT NULL,
			updated_at      TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_products_category ON parsing.products (category)`,
		`CREATE INDEX IF NOT EXISTS idx_products_supplier ON parsing.products (supplier_id)`,
		`CREATE TABLE IF NOT EXISTS parsing.pricing_rules (
			shop       TEXT PRIMARY KEY,
			rules      JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS parsing.import_runs (
			id          UUID PRIMARY KEY,
			supplier_id TEXT NOT NULL,
			stage       TEXT NOT NULL,
			ready       INTEGER NOT NULL DEFAULT 0,
			total       INTEGER NOT NULL DEFAULT 0,
			started_at  TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ,
			error       TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_import_runs_supplier ON parsing.import_runs (supplier_id, started_at DESC)`,
	}

	for _, stmt := range statements {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to init schema: %w", err)
		}
	}
	return nil
}

// UpsertProduct сохраняет товар по артикулу. Запись с last_visited старее
// уже сохраненной отклоняется с ErrStaleWrite, повторный импорт обновляет
// товар на месте.
func (r *Storage) UpsertProduct(ctx context.Context, product *models.ProductRecord) error {
	e := r.getExecutor(ctx)

	properties, err := json.Marshal(product.Properties)
	if err != nil {
		return fmt.Errorf("failed to marshal properties: %w", err)
	}

	query := `
		INSERT INTO parsing.products (
			article, supplier_id, title, description, price, price_wholesale,
			available, stock, url, category, subcategory, categories, images,
			properties, currency, last_visited, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (article)
		DO UPDATE SET
			supplier_id     = EXCLUDED.supplier_id,
			title           = EXCLUDED.title,
			description     = EXCLUDED.description,
			price           = EXCLUDED.price,
			price_wholesale = EXCLUDED.price_wholesale,
			available       = EXCLUDED.available,
			stock           = EXCLUDED.stock,
			url             = EXCLUDED.url,
			category        = EXCLUDED.category,
			subcategory     = EXCLUDED.subcategory,
			categories      = EXCLUDED.categories,
			images          = EXCLUDED.images,
			properties      = EXCLUDED.properties,
			currency        = EXCLUDED.currency,
			last_visited    = EXCLUDED.last_visited,
			updated_at      = EXCLUDED.updated_at
		WHERE parsing.products.last_visited <= EXCLUDED.last_visited
	`

	now := time.Now().UTC()
	product.UpdatedAt = now
	if product.LastVisited.IsZero() {
		product.LastVisited = now
	}

	tag, err := e.Exec(ctx, query,
		product.Article, product.SupplierID, product.Title, product.Description,
		product.Price, product.PriceWholesale, product.Available, product.Stock,
		product.URL, product.Category, product.Subcategory, product.Categories,
		product.Images, properties, product.Currency, product.LastVisited,
		product.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23") {
			return fmt.Errorf("failed to upsert product %s: %w", product.Article, models.ErrConflict)
		}
		return fmt.Errorf("failed to upsert product %s: %w", product.Article, err)
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("product %s: %w", product.Article, models.ErrStaleWrite)
	}
	return nil
}

// GetProduct получает товар по артикулу
func (r *Storage) GetProduct(ctx context.Context, article string) (*models.ProductRecord, error) {
	e := r.getExecutor(ctx)

	query := `
		SELECT article, supplier_id, title, description, price, price_wholesale,
		       available, stock, url, category, subcategory, categories, images,
		       properties, currency, last_visited, updated_at
		FROM parsing.products
		WHERE article = $1
	`

	product, err := scanProduct(e.QueryRow(ctx, query, article))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrProductNotFound
		}
		return nil, fmt.Errorf("failed to get product %s: %w", article, err)
	}
	return product, nil
}

// ListProducts возвращает страницу товаров по фильтру и общее число совпадений
func (r *Storage) ListProducts(ctx context.Context, filter models.ProductFilter) ([]*models.ProductRecord, int, error) {
	e := r.getExecutor(ctx)

	where := " WHERE 1=1"
	args := []interface{}{}
	argn := 0

	if filter.Category != "" {
		argn++
		where += fmt.Sprintf(" AND (category = $%d OR subcategory = $%d)", argn, argn)
		args = append(args, filter.Category)
	}
	if filter.Availability != "" {
		argn++
		where += fmt.Sprintf(" AND available = $%d", argn)
		args = append(args, filter.Availability)
	}
	if filter.Search != "" {
		argn++
		where += fmt.Sprintf(" AND (title ILIKE $%d OR article ILIKE $%d)", argn, argn)
		args = append(args, "%"+filter.Search+"%")
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM parsing.products" + where
	if err := e.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count products: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	argn++
	limitClause := fmt.Sprintf(" ORDER BY article LIMIT $%d", argn)
	args = append(args, limit)
	if filter.Offset > 0 {
		argn++
		limitClause += fmt.Sprintf(" OFFSET $%d", argn)
		args = append(args, filter.Offset)
	}

	query := `
		SELECT article, supplier_id, title, description, price, price_wholesale,
		       available, stock, url, category, subcategory, categories, images,
		       properties, currency, last_visited, updated_at
		FROM parsing.products` + where + limitClause

	rows, err := e.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	var products []*models.ProductRecord
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan product: %w", err)
		}
		products = append(products, product)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to read products: %w", err)
	}

	return products, total, nil
}

// ListCategories возвращает категории с числом товаров в каждой
func (r *Storage) ListCategories(ctx context.Context) ([]models.SiteCategory, error) {
	e := r.getExecutor(ctx)

	query := `
		SELECT category, COUNT(*)
		FROM parsing.products
		WHERE category <> ''
		GROUP BY category
		ORDER BY category
	`

	rows, err := e.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list categories: %w", err)
	}
	defer rows.Close()

	var categories []models.SiteCategory
	for rows.Next() {
		var c models.SiteCategory
		if err := rows.Scan(&c.Name, &c.Products); err != nil {
			return nil, fmt.Errorf("failed to scan category: %w", err)
		}
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

// SaveRuleSet сохраняет набор правил магазина одним JSONB-документом
func (r *Storage) SaveRuleSet(ctx context.Context, shop string, rules *models.RuleSet) error {
	e := r.getExecutor(ctx)

	doc, err := json.Marshal(rules)
	if err != nil {
		return fmt.Errorf("failed to marshal rule set: %w", err)
	}

	query := `
		INSERT INTO parsing.pricing_rules (shop, rules, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (shop)
		DO UPDATE SET rules = $2, updated_at = $3
	`
	if _, err := e.Exec(ctx, query, shop, doc, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save rule set for shop %s: %w", shop, err)
	}
	return nil
}

// GetRuleSet загружает набор правил магазина
func (r *Storage) GetRuleSet(ctx context.Context, shop string) (*models.RuleSet, error) {
	e := r.getExecutor(ctx)

	var doc []byte
	err := e.QueryRow(ctx, `SELECT rules FROM parsing.pricing_rules WHERE shop = $1`, shop).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrRuleSetNotFound
		}
		return nil, fmt.Errorf("failed to get rule set for shop %s: %w", shop, err)
	}

	var rules models.RuleSet
	if err := json.Unmarshal(doc, &rules); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rule set for shop %s: %w", shop, err)
	}
	if rules.Categories == nil {
		rules.Categories = map[string]models.PricingRule{}
	}
	if rules.Subcategories == nil {
		rules.Subcategories = map[string]models.PricingRule{}
	}
	return &rules, nil
}

// SaveRun сохраняет терминальное состояние запуска импорта
func (r *Storage) SaveRun(ctx context.Context, run models.RunSnapshot) error {
	e := r.getExecutor(ctx)

	var finishedAt *time.Time
	if !run.FinishedAt.IsZero() {
		finishedAt = &run.FinishedAt
	}

	query := `
		INSERT INTO parsing.import_runs (id, supplier_id, stage, ready, total, started_at, finished_at, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id)
		DO UPDATE SET stage = $3, ready = $4, total = $5, finished_at = $7, error = $8
	`
	_, err := e.Exec(ctx, query, run.ID, run.SupplierID, run.Stage, run.Ready,
		run.Total, run.StartedAt, finishedAt, run.Error)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.ID, err)
	}
	return nil
}

// ListRuns возвращает последние запуски импорта
func (r *Storage) ListRuns(ctx context.Context, limit int) ([]models.RunSnapshot, error) {
	e := r.getExecutor(ctx)

	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, supplier_id, stage, ready, total, started_at, finished_at, error
		FROM parsing.import_runs
		ORDER BY started_at DESC
		LIMIT $1
	`

	rows, err := e.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []models.RunSnapshot
	for rows.Next() {
		var run models.RunSnapshot
		var finishedAt *time.Time
		if err := rows.Scan(&run.ID, &run.SupplierID, &run.Stage, &run.Ready,
			&run.Total, &run.StartedAt, &finishedAt, &run.Error); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if finishedAt != nil {
			run.FinishedAt = *finishedAt
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// scanProduct читает строку товара
func scanProduct(row pgx.Row) (*models.ProductRecord, error) {
	var p models.ProductRecord
	var properties []byte

	err := row.Scan(&p.Article, &p.SupplierID, &p.Title, &p.Description,
		&p.Price, &p.PriceWholesale, &p.Available, &p.Stock, &p.URL,
		&p.Category, &p.Subcategory, &p.Categories, &p.Images,
		&properties, &p.Currency, &p.LastVisited, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if len(properties) > 0 {
		if err := json.Unmarshal(properties, &p.Properties); err != nil {
			return nil, fmt.Errorf("failed to unmarshal properties: %w", err)
		}
	}
	return &p, nil
}
