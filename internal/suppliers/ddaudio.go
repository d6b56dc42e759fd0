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

// apiResponse конверт ответа API ddaudio
type apiResponse struct {
	Success bool                     `json:"success"`
	Data    []map[string]interface{} `json:"data"`
	Total   int                      `json:"total"`
	Limit   int                      `json:"limit"`
	Offset  int                      `json:"offset"`
}

// DDAudioFetcher загружает каталог ddaudio: API с bearer-токеном и
// пагинацией по offset. Один товар приходит отдельной строкой на каждый
// склад, строки складываются в одну запись с суммарным остатком.
type DDAudioFetcher struct {
	baseURL string
	token   string
	limit   int
	client  *http.Client
	limiter *rate.Limiter
}

// NewDDAudioFetcher создает поставщика ddaudio
func NewDDAudioFetcher(baseURL, token string, limit int, rps float64, burst int, timeout time.Duration) *DDAudioFetcher {
	if limit <= 0 {
		limit = 200
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
	return &DDAudioFetcher{
		baseURL: baseURL,
		token:   token,
		limit:   limit,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// ID реализация интерфейса Fetcher
func (f *DDAudioFetcher) ID() string {
	return "ddaudio"
}

// Fetch реализация интерфейса Fetcher
func (f *DDAudioFetcher) Fetch(ctx context.Context) ([]models.RawProduct, error) {
	merged := make(map[string]map[string]interface{})
	var order []string

	for offset := 0; ; {
		page, err := f.fetchPage(ctx, offset)
		if err != nil {
			return nil, err
		}
		if !page.Success {
			return nil, &models.TransientFetchError{
				SupplierID: f.ID(),
				Err:        fmt.Errorf("api reported failure at offset %d", offset),
			}
		}

		for _, row := range page.Data {
			sku, _ := row["sku"].(string)
			if sku == "" {
				continue
			}
			if existing, ok := merged[sku]; ok {
				mergeWarehouseRow(existing, row)
			} else {
				merged[sku] = canonicalFields(row)
				order = append(order, sku)
			}
		}

		offset += len(page.Data)
		if len(page.Data) == 0 || offset >= page.Total {
			break
		}
	}

	out := make([]models.RawProduct, 0, len(order))
	for _, sku := range order {
		out = append(out, models.RawProduct{Fields: merged[sku]})
	}
	return out, nil
}

func (f *DDAudioFetcher) fetchPage(ctx context.Context, offset int) (*apiResponse, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/products?limit=%d&offset=%d", f.baseURL, f.limit, offset)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+f.token)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &models.TransientFetchError{SupplierID: f.ID(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, &models.TransientFetchError{
			SupplierID: f.ID(),
			Err:        fmt.Errorf("server returned %d at offset %d", resp.StatusCode, offset),
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d at offset %d", resp.StatusCode, offset)
	}

	var page apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, &models.TransientFetchError{
			SupplierID: f.ID(),
			Err:        fmt.Errorf("failed to decode response at offset %d: %w", offset, err),
		}
	}

	return &page, nil
}

// canonicalFields переименовывает поля строки API в имена канонической схемы
func canonicalFields(row map[string]interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(row))
	for k, v := range row {
		switch k {
		case "sku":
			fields["article"] = v
		case "name":
			fields["title"] = v
		case "retail_price":
			fields["price"] = v
		case "wholesale_price":
			fields["price_wholesale"] = v
		case "warehouse", "warehouse_active":
			// складские поля не переносятся в каноническую запись
		case "stock":
			fields["stock"] = warehouseStock(row)
		default:
			fields[k] = v
		}
	}
	return fields
}

// mergeWarehouseRow добавляет остаток еще одного склада к уже собранной записи
func mergeWarehouseRow(fields map[string]interface{}, row map[string]interface{}) {
	current, _ := fields["stock"].(float64)
	fields["stock"] = current + warehouseStock(row)
}

// warehouseStock возвращает остаток строки склада.
// Неактивный склад не дает остатка независимо от заявленного количества.
func warehouseStock(row map[string]interface{}) float64 {
	if active, ok := row["warehouse_active"].(bool); ok && !active {
		return 0
	}
	stock, _ := row["stock"].(float64)
	if stock < 0 {
		return 0
	}
	return stock
}
