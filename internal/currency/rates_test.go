package currency

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateBaseCurrency(t *testing.T) {
	c := NewConverter("http://unused.invalid", time.Minute)

	for _, ccy := range []string{"", "UAH", "uah"} {
		rate, err := c.Rate(context.Background(), ccy)
		if err != nil {
			t.Fatalf("Rate(%q): %v", ccy, err)
		}
		if rate != 1.0 {
			t.Errorf("Rate(%q) = %v, want 1.0", ccy, rate)
		}
	}
}

func TestRateFetchesAndCaches(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode([]rateEntry{
			{Ccy: "USD", BaseCcy: "UAH", Buy: "41.00", Sale: "41.50"},
			{Ccy: "EUR", BaseCcy: "UAH", Buy: "44.00", Sale: "44.80"},
		})
	}))
	defer server.Close()

	c := NewConverter(server.URL, time.Minute)

	rate, err := c.Rate(context.Background(), "usd")
	if err != nil {
		t.Fatalf("Rate: %v", err)
	}
	if rate != 41.5 {
		t.Errorf("rate = %v, want 41.5", rate)
	}

	// Второй запрос другой валюты обслуживается из кэша
	if _, err := c.Rate(context.Background(), "EUR"); err != nil {
		t.Fatalf("Rate(EUR): %v", err)
	}
	if calls != 1 {
		t.Errorf("rates endpoint called %d times, want 1", calls)
	}

	if _, err := c.Rate(context.Background(), "JPY"); err == nil {
		t.Error("expected error for unknown currency")
	}
}

func TestToBase(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]rateEntry{
			{Ccy: "USD", BaseCcy: "UAH", Buy: "41.00", Sale: "41.50"},
		})
	}))
	defer server.Close()

	c := NewConverter(server.URL, time.Minute)

	got, err := c.ToBase(context.Background(), 10000, "USD")
	if err != nil {
		t.Fatalf("ToBase: %v", err)
	}
	if got != 415000 {
		t.Errorf("ToBase = %d, want 415000", got)
	}
}
