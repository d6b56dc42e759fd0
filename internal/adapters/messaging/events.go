package messaging

import "time"

type KafkaEvent = string

const (
	ImportFinishedEvent = "import_finished"
	ImportFailedEvent   = "import_failed"
	ExportReadyEvent    = "export_ready"

	// Команды, которые воркер принимает из командного топика
	ImportCommand = "import"
	ExportCommand = "export"
)

// ImportEventPayload описывает завершение (успешное или нет) импорта поставщика
type ImportEventPayload struct {
	Event      KafkaEvent `json:"event"`
	RunID      string     `json:"run_id"`
	SupplierID string     `json:"supplier_id"`
	Total      int        `json:"total"`
	Ready      int        `json:"ready"`
	Error      string     `json:"error,omitempty"`
	FinishedAt time.Time  `json:"finished_at"`
}

// ExportEventPayload описывает готовность экспортных документов витрины
type ExportEventPayload struct {
	Event      KafkaEvent `json:"event"`
	Shop       string     `json:"shop"`
	Products   int        `json:"products"`
	Categories int        `json:"categories"`
	FinishedAt time.Time  `json:"finished_at"`
}

// CommandPayload описывает команду управления конвейером
type CommandPayload struct {
	Command    string `json:"command"`
	SupplierID string `json:"supplier_id,omitempty"`
	Shop       string `json:"shop,omitempty"`
}
