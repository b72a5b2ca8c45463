// Package intake validates the participant's first message against the fixed
// four-field intake grammar.
package intake

import (
	"errors"
	"regexp"
	"strings"

	"github.com/MingMingbee/chatbot-experiment/internal/domain"
)

// ErrInvalidFormat is returned when the first message does not match
// "name, gender, work, tone".
var ErrInvalidFormat = errors.New("invalid intake format")

// firstInputPattern: a name of non-comma characters followed by three codes
// that are each the literal 1 or 2. Nothing may follow the fourth field.
var firstInputPattern = regexp.MustCompile(`^\s*([^,]+)\s*,\s*([12])\s*,\s*([12])\s*,\s*([12])\s*$`)

// Validate parses text into an IntakeRecord.
func Validate(text string) (domain.IntakeRecord, error) {
	m := firstInputPattern.FindStringSubmatch(text)
	if m == nil {
		return domain.IntakeRecord{}, ErrInvalidFormat
	}
	name := strings.TrimSpace(m[1])
	if name == "" {
		return domain.IntakeRecord{}, ErrInvalidFormat
	}
	return domain.IntakeRecord{
		Name:       name,
		GenderCode: digit(m[2]),
		WorkCode:   digit(m[3]),
		ToneCode:   digit(m[4]),
	}, nil
}

// digit converts a single matched '1' or '2'.
func digit(s string) int {
	return int(s[0] - '0')
}
