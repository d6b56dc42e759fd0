package suppliers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/athebyme/rt-parsing/internal/domain/models"
	"golang.org/x/time/rate"
)

// DaviFetcher загружает каталог davi: постраничный JSON без авторизации.
// Страницы читаются подряд, пустая страница означает конец каталога.
type DaviFetcher struct {
	baseURL  string
	pageSize int
	client   *http.Client
	limiter  *rate.Limiter
}

// NewDaviFetcher создает поставщика davi
func NewDaviFetcher(baseURL string, pageSize int, rps float64, burst int, timeout time.Duration) *DaviFetcher {
	if pageSize <= 0 {
		pageSize = 100
	}
	if rps <= 0 {
		rps = 2
	}
	if burst <= 0 {
		burst = 1
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &DaviFetcher{
		baseURL:  baseURL,
		pageSize: pageSize,
		client:   &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// ID реализация интерфейса Fetcher
func (f *DaviFetcher) ID() string {
	return "davi"
}

// Fetch реализация интерфейса Fetcher
func (f *DaviFetcher) Fetch(ctx context.Context) ([]models.RawProduct, error) {
	var out []models.RawProduct

	for page := 1; ; page++ {
		items, err := f.fetchPage(ctx, page)
		if err != nil {
			return nil, err
		}
		if len(items) == 0 {
			break
		}

		for _, fields := range items {
			raw := models.RawProduct{Fields: fields}
			if url, ok := fields["url"].(string); ok {
				raw.SourceURL = url
			}
			out = append(out, raw)
		}

		if len(items) < f.pageSize {
			break
		}
	}

	return out, nil
}

func (f *DaviFetcher) fetchPage(ctx context.Context, page int) ([]map[string]interface{}, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/products?page=%d&per_page=%d", f.baseURL, page, f.pageSize)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &models.TransientFetchError{SupplierID: f.ID(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, &models.TransientFetchError{
			SupplierID: f.ID(),
			Err:        fmt.Errorf("server returned %d for page %d", resp.StatusCode, page),
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d for page %d", resp.StatusCode, page)
	}

	var items []map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, &models.TransientFetchError{
			SupplierID: f.ID(),
			Err:        fmt.Errorf("failed to decode page %d: %w", page, err),
		}
	}

	return items, nil
}
