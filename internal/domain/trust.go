package domain

import "fmt"

// TrustLevel — состояние записи в автомате доверия.
// UNTRUSTED — единственное начальное состояние, остальные три терминальные.
type TrustLevel string

const (
	TrustUntrusted   TrustLevel = "UNTRUSTED"   // Создана, еще не проверена
	TrustValidated   TrustLevel = "VALIDATED"   // Находок нет, отдаем как есть
	TrustFlagged     TrustLevel = "FLAGGED"     // Опасные фрагменты зашифрованы в хранилище
	TrustQuarantined TrustLevel = "QUARANTINED" // Явная атака, хранится только для аудита
)

// IsTerminal сообщает, что из состояния больше нет переходов.
func (l TrustLevel) IsTerminal() bool {
	switch l {
	case TrustValidated, TrustFlagged, TrustQuarantined:
		return true
	default:
		return false
	}
}

// Valid проверяет, что значение входит в перечисление.
func (l TrustLevel) Valid() bool {
	return l == TrustUntrusted || l.IsTerminal()
}

// ParseTrustLevel разбирает значение из БД или JSON.
func ParseTrustLevel(s string) (TrustLevel, error) {
	l := TrustLevel(s)
	if !l.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTrustLevel, s)
	}
	return l, nil
}

// TrustVisitor — исчерпывающий разбор состояний записи.
// Каждое состояние — отдельный метод: добавление пятого состояния ломает
// компиляцию всех реализаций, а не всплывает в рантайме.
type TrustVisitor[T any] interface {
	Untrusted(r *Record) (T, error)
	Validated(r *Record) (T, error)
	Flagged(r *Record) (T, error)
	Quarantined(r *Record) (T, error)
}

// Visit направляет запись в метод визитора по ее уровню доверия.
func Visit[T any](r *Record, v TrustVisitor[T]) (T, error) {
	switch r.TrustLevel {
	case TrustUntrusted:
		return v.Untrusted(r)
	case TrustValidated:
		return v.Validated(r)
	case TrustFlagged:
		return v.Flagged(r)
	case TrustQuarantined:
		return v.Quarantined(r)
	}
	var zero T
	return zero, fmt.Errorf("%w: %q (record %s)", ErrUnknownTrustLevel, r.TrustLevel, r.ID)
}
