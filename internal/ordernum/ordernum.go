// Package ordernum содержит формат номера заказа и его разбор.
package ordernum

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	prefix     = "ORD"
	dateLayout = "20060102"
)

// Format строит номер заказа из даты и значения счётчика.
// Счётчик дополняется нулями до шести знаков; при переполнении
// шести знаков поле расширяется, а не усекается.
func Format(date time.Time, sequence int64) string {
	return fmt.Sprintf("%s-%s-%06d", prefix, date.Format(dateLayout), sequence)
}

// Parse разбирает номер заказа обратно в дату и значение счётчика.
func Parse(number string) (time.Time, int64, error) {
	parts := strings.Split(number, "-")
	if len(parts) != 3 || parts[0] != prefix {
		return time.Time{}, 0, fmt.Errorf("malformed order number: %q", number)
	}

	date, err := time.Parse(dateLayout, parts[1])
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("parse date part: %w", err)
	}

	seq, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("parse sequence part: %w", err)
	}
	if seq < 1 {
		return time.Time{}, 0, fmt.Errorf("sequence must be positive, got %d", seq)
	}

	return date, seq, nil
}
