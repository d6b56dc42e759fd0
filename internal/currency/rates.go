package currency

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// rateEntry строка публичного API курсов
type rateEntry struct {
	Ccy     string `json:"ccy"`
	BaseCcy string `json:"base_ccy"`
	Buy     string `json:"buy"`
	Sale    string `json:"sale"`
}

// Converter переводит закупочные цены поставщиков в базовую валюту.
// Курсы загружаются с публичного API и кэшируются на срок жизни TTL,
// чтобы не ходить за ними на каждый товар.
type Converter struct {
	url    string
	client *http.Client
	cache  *gocache.Cache
}

// NewConverter создает конвертер с кэшем курсов на ttl
func NewConverter(url string, ttl time.Duration) *Converter {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Converter{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		cache:  gocache.New(ttl, 2*ttl),
	}
}

// Rate возвращает курс валюты к базовой. Базовая валюта и пустое
// обозначение валюты дают курс 1.0 без обращения к API.
func (c *Converter) Rate(ctx context.Context, ccy string) (float64, error) {
	ccy = strings.ToUpper(strings.TrimSpace(ccy))
	if ccy == "" || ccy == "UAH" {
		return 1.0, nil
	}

	if cached, ok := c.cache.Get(ccy); ok {
		return cached.(float64), nil
	}

	if err := c.refresh(ctx); err != nil {
		return 0, err
	}

	if cached, ok := c.cache.Get(ccy); ok {
		return cached.(float64), nil
	}
	return 0, fmt.Errorf("no rate for currency %q", ccy)
}

// ToBase переводит сумму в минорных единицах валюты ccy в базовую валюту
func (c *Converter) ToBase(ctx context.Context, amount int64, ccy string) (int64, error) {
	rate, err := c.Rate(ctx, ccy)
	if err != nil {
		return 0, err
	}
	return int64(math.Round(float64(amount) * rate)), nil
}

// refresh загружает и кэширует все курсы одним запросом
func (c *Converter) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to build rates request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch rates: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rates endpoint returned %d", resp.StatusCode)
	}

	var entries []rateEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return fmt.Errorf("failed to decode rates: %w", err)
	}

	for _, e := range entries {
		sale, err := strconv.ParseFloat(e.Sale, 64)
		if err != nil || sale <= 0 {
			continue
		}
		c.cache.SetDefault(strings.ToUpper(e.Ccy), sale)
	}

	return nil
}
