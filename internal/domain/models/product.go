package models

import (
	"time"
)

// Availability описывает доступность товара на витрине
type Availability string

const (
	// InStock товар в наличии
	InStock Availability = "in_stock"
	// OnOrder товар доступен под заказ
	OnOrder Availability = "on_order"
	// NotAvailable товар недоступен и скрывается из экспорта
	NotAvailable Availability = "not_available"
)

// ProductRecord представляет каноническую запись товара,
// на которую отображаются сырые данные всех поставщиков
type ProductRecord struct {
	Article     string `json:"article"` // артикул, первичный ключ
	SupplierID  string `json:"supplier_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Price       int64  `json:"price"` // розничная цена закупки в минорных единицах
	// PriceWholesale заполняется поставщиками с оптовым прайсом, 0 = нет данных
	PriceWholesale int64        `json:"price_wholesale,omitempty"`
	Available      Availability `json:"available"`
	Stock          int          `json:"stock"`
	URL            string       `json:"url,omitempty"`
	Category       string       `json:"category,omitempty"`
	Subcategory    string       `json:"subcategory,omitempty"`
	Categories     []string     `json:"categories,omitempty"`
	Images         []string     `json:"images,omitempty"`
	// Properties хранит неотображенные поля поставщика без потерь
	Properties  map[string]string `json:"properties,omitempty"`
	Currency    string            `json:"currency,omitempty"` // валюта закупочной цены, пусто = базовая
	LastVisited time.Time         `json:"last_visited"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// SiteProduct представляет витринную проекцию товара:
// закупочная цена уже заменена на рассчитанную цену продажи
type SiteProduct struct {
	Article     string       `json:"article"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Price       int64        `json:"price"`
	OldPrice    int64        `json:"old_price,omitempty"` // цена до скидки, если скидка активна
	Available   Availability `json:"available"`
	URL         string       `json:"url,omitempty"`
	Category    string       `json:"category,omitempty"`
	Subcategory string       `json:"subcategory,omitempty"`
	Images      []string     `json:"images,omitempty"`
}

// SiteCategory представляет категорию витрины с числом видимых товаров
type SiteCategory struct {
	Name     string `json:"name"`
	Products int    `json:"products"`
}

// ProductFilter параметры выборки товаров из хранилища
type ProductFilter struct {
	Category     string
	Availability Availability
	Search       string
	Limit        int
	Offset       int
}

// RawProduct представляет запись поставщика до нормализации:
// открытый набор полей плюс адрес источника
type RawProduct struct {
	Fields    map[string]interface{} `json:"fields"`
	SourceURL string                 `json:"source_url,omitempty"`
}
