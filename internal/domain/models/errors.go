package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrProductNotFound возвращается, когда товар отсутствует в хранилище
	ErrProductNotFound = errors.New("product not found")

	// ErrRuleSetNotFound возвращается, когда для магазина еще не сохранены правила ценообразования
	ErrRuleSetNotFound = errors.New("rule set not found")

	// ErrStaleWrite возвращается при попытке записать товар старее уже сохраненного
	ErrStaleWrite = errors.New("stale write: stored record is newer")

	// ErrConflict возвращается при нарушении ограничений схемы
	ErrConflict = errors.New("storage conflict")
)

// MappingError описывает запись поставщика, которую не удалось отобразить
// на каноническую схему. Такие записи пропускаются, но не прерывают импорт.
type MappingError struct {
	SupplierID string
	Article    string
	Field      string
	Reason     string
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("mapping failed for supplier %s article %q: field %s: %s",
		e.SupplierID, e.Article, e.Field, e.Reason)
}

// TransientFetchError описывает временную ошибку получения данных поставщика
// (сетевой сбой, 5xx, таймаут). Подлежит повтору в рамках бюджета попыток.
type TransientFetchError struct {
	SupplierID string
	Err        error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("transient fetch error for supplier %s: %v", e.SupplierID, e.Err)
}

func (e *TransientFetchError) Unwrap() error {
	return e.Err
}

// SupplierSuspendedError возвращается троттлом, когда поставщик приостановлен
// после исчерпания бюджета повторов. Разрешение при этом не расходуется.
type SupplierSuspendedError struct {
	SupplierID string
	Until      time.Time
}

func (e *SupplierSuspendedError) Error() string {
	return fmt.Sprintf("supplier %s is suspended until %s", e.SupplierID, e.Until.Format(time.RFC3339))
}

// IsTransient сообщает, имеет ли смысл повторять операцию
func IsTransient(err error) bool {
	var tf *TransientFetchError
	return errors.As(err, &tf)
}
