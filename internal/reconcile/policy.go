package reconcile

import "fmt"

// OrphanPolicy — реакция на orphaned трансформации.
type OrphanPolicy string

const (
	// OrphanReport — только лог и счётчик.
	OrphanReport OrphanPolicy = "report"

	// OrphanReenumerate — освободить dedup-ключи трансформации, чтобы
	// следующий scan заново отправил необработанные единицы.
	OrphanReenumerate OrphanPolicy = "reenumerate"
)

// ParseOrphanPolicy парсит строку в OrphanPolicy. Пустая строка — OrphanReport.
func ParseOrphanPolicy(s string) (OrphanPolicy, error) {
	switch OrphanPolicy(s) {
	case "", OrphanReport:
		return OrphanReport, nil
	case OrphanReenumerate:
		return OrphanReenumerate, nil
	default:
		return "", fmt.Errorf("unknown orphan policy %q", s)
	}
}
