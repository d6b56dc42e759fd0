package monitor

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/athebyme/rt-parsing/internal/domain/models"
	"github.com/athebyme/rt-parsing/internal/importer"
)

// maxErrors сколько последних ошибок хранится в срезе состояния
const maxErrors = 5

// LoadAvg средняя загрузка системы
type LoadAvg struct {
	One     float64 `json:"one"`
	Five    float64 `json:"five"`
	Fifteen float64 `json:"fifteen"`
}

// Memory состояние памяти в мегабайтах
type Memory struct {
	TotalMB     uint64  `json:"total_mb"`
	AvailableMB uint64  `json:"available_mb"`
	UsedMB      uint64  `json:"used_mb"`
	UsedPercent float64 `json:"used_percent"`
}

// Imports счетчики конвейера импорта
type Imports struct {
	SiteInProgress    int64  `json:"site_in_progress"`
	SiteEnqueued      int64  `json:"site_enqueued"`
	SiteSuspended     int64  `json:"site_suspended"`
	SiteFailed        int64  `json:"site_failed"`
	DDAudioInProgress int64  `json:"ddaudio_in_progress"`
	DDAudioFailed     int64  `json:"ddaudio_failed"`
	ExportsInProgress int64  `json:"exports_in_progress"`
	DtStage           string `json:"dt_stage,omitempty"`
	DtReady           *int   `json:"dt_ready,omitempty"`
	DtTotal           *int   `json:"dt_total,omitempty"`
}

// Snapshot срез состояния системы для панели управления.
// Источники опрашиваются независимо: отказ одного обнуляет только его поля.
type Snapshot struct {
	Load      *LoadAvg `json:"load,omitempty"`
	Memory    *Memory  `json:"memory,omitempty"`
	Imports   Imports  `json:"imports"`
	Errors    []string `json:"errors"`
	UpdatedAt string   `json:"updated_at"`
}

// Monitor собирает срез состояния из троттла, реестра запусков и /proc
type Monitor struct {
	loadPath string
	memPath  string

	throttle *importer.Throttle
	runs     func() []models.RunSnapshot
	exports  func() int64

	mu     sync.Mutex
	errors []string
}

// New создает монитор. runs возвращает известные запуски импорта,
// exports - число экспортов в работе.
func New(throttle *importer.Throttle, runs func() []models.RunSnapshot, exports func() int64) *Monitor {
	return &Monitor{
		loadPath: "/proc/loadavg",
		memPath:  "/proc/meminfo",
		throttle: throttle,
		runs:     runs,
		exports:  exports,
	}
}

// PushError добавляет ошибку в срез состояния.
// Повторы отбрасываются, хранятся только maxErrors последних ошибок.
func (m *Monitor) PushError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.errors {
		if existing == msg {
			return
		}
	}
	if len(m.errors) >= maxErrors {
		m.errors = m.errors[1:]
	}
	m.errors = append(m.errors, msg)
}

// Snapshot собирает текущий срез состояния
func (m *Monitor) Snapshot() Snapshot {
	snap := Snapshot{
		UpdatedAt: time.Now().Format(time.RFC3339),
		Errors:    []string{},
	}

	if load, err := readLoadAvg(m.loadPath); err == nil {
		snap.Load = load
	}
	if mem, err := readMeminfo(m.memPath); err == nil {
		snap.Memory = mem
	}

	if m.throttle != nil {
		c := m.throttle.Snapshot()
		snap.Imports.SiteInProgress = c.InProgress
		snap.Imports.SiteEnqueued = c.Enqueued
		snap.Imports.SiteSuspended = c.Suspended
		snap.Imports.SiteFailed = c.Failed
	}
	if m.exports != nil {
		snap.Imports.ExportsInProgress = m.exports()
	}
	if m.runs != nil {
		m.fillRuns(&snap.Imports, m.runs())
	}

	m.mu.Lock()
	snap.Errors = append(snap.Errors, m.errors...)
	m.mu.Unlock()

	return snap
}

// fillRuns заполняет счетчики запусков: этап и прогресс самого свежего
// активного запуска плюс счетчики по поставщику ddaudio
func (m *Monitor) fillRuns(imports *Imports, runs []models.RunSnapshot) {
	var current *models.RunSnapshot

	for i := range runs {
		run := &runs[i]

		if run.SupplierID == "ddaudio" {
			switch run.Stage {
			case models.StageFailed:
				imports.DDAudioFailed++
			case models.StageReady:
			default:
				imports.DDAudioInProgress++
			}
		}

		if run.Stage == models.StageReady || run.Stage == models.StageFailed {
			continue
		}
		if current == nil || run.StartedAt.After(current.StartedAt) {
			current = run
		}
	}

	if current != nil {
		imports.DtStage = string(current.Stage)
		ready, total := current.Ready, current.Total
		imports.DtReady = &ready
		imports.DtTotal = &total
	}
}

// readLoadAvg читает среднюю загрузку из /proc/loadavg
func readLoadAvg(path string) (*LoadAvg, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	fields := strings.Fields(string(data))
	if len(fields) < 3 {
		return nil, fmt.Errorf("malformed loadavg: %q", string(data))
	}

	var load LoadAvg
	if load.One, err = strconv.ParseFloat(fields[0], 64); err != nil {
		return nil, err
	}
	if load.Five, err = strconv.ParseFloat(fields[1], 64); err != nil {
		return nil, err
	}
	if load.Fifteen, err = strconv.ParseFloat(fields[2], 64); err != nil {
		return nil, err
	}
	return &load, nil
}

// readMeminfo читает состояние памяти из /proc/meminfo
func readMeminfo(path string) (*Memory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var totalKB, availableKB uint64
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			totalKB, _ = strconv.ParseUint(fields[1], 10, 64)
		case "MemAvailable:":
			availableKB, _ = strconv.ParseUint(fields[1], 10, 64)
		}
	}
	if totalKB == 0 {
		return nil, fmt.Errorf("meminfo has no MemTotal")
	}

	mem := &Memory{
		TotalMB:     totalKB / 1024,
		AvailableMB: availableKB / 1024,
	}
	mem.UsedMB = mem.TotalMB - mem.AvailableMB
	if mem.TotalMB > 0 {
		mem.UsedPercent = float64(mem.UsedMB) / float64(mem.TotalMB) * 100
	}
	return mem, nil
}
