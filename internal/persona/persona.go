// Package persona resolves condition codes into the colleague persona the
// model is instructed to play.
package persona

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/MingMingbee/chatbot-experiment/internal/domain"
)

// ErrUnknownCode is returned for condition codes outside 1..8.
var ErrUnknownCode = errors.New("unknown condition code")

// Humanity is whether the colleague is presented as a person or an AI.
type Humanity string

const (
	Human Humanity = "human"
	AI    Humanity = "ai"
)

// Label returns the Korean label used in the behavioral script.
func (h Humanity) Label() string {
	if h == AI {
		return "AI"
	}
	return "인간"
}

const (
	minCode = 1
	maxCode = 8

	// DefaultCode is the variant the script tells the model to assume when no
	// valid code was declared.
	DefaultCode = 1
)

var names = map[Humanity]map[int]string{
	Human: {domain.GenderMale: "민준", domain.GenderFemale: "서연"},
	AI:    {domain.GenderMale: "James", domain.GenderFemale: "Julia"},
}

// ErrIncompleteTable is returned when a variant table does not cover every
// condition code.
var ErrIncompleteTable = errors.New("variant table must list codes 1..8")

// Profile is the persona variant selected by a condition code. Codes 1-4 are
// human colleagues and 5-8 AI colleagues; whether work style and tone match
// the participant comes from a Table.
type Profile struct {
	Code        int
	Humanity    Humanity
	WorkMatches bool
	ToneMatches bool
}

// Alignment says whether a variant's work style and tone match the
// participant's stated preferences.
type Alignment struct {
	WorkMatches bool `yaml:"work_matches"`
	ToneMatches bool `yaml:"tone_matches"`
}

// Table maps each condition code to its alignment. It is deployment data:
// the script asset may replace it. A nil or empty Table behaves as
// DefaultTable.
type Table map[int]Alignment

// DefaultTable returns the built-in layout, repeated in both groups:
//
//	1,5: work match,    tone match
//	2,6: work match,    tone mismatch
//	3,7: work mismatch, tone match
//	4,8: work mismatch, tone mismatch
func DefaultTable() Table {
	t := make(Table, maxCode)
	for c := minCode; c <= maxCode; c++ {
		pos := (c - 1) % 4
		t[c] = Alignment{WorkMatches: pos < 2, ToneMatches: pos%2 == 0}
	}
	return t
}

// Validate reports whether t lists exactly the codes 1..8.
func (t Table) Validate() error {
	if len(t) != maxCode {
		return fmt.Errorf("%w: got %d entries", ErrIncompleteTable, len(t))
	}
	for c := minCode; c <= maxCode; c++ {
		if _, ok := t[c]; !ok {
			return fmt.Errorf("%w: code %d missing", ErrIncompleteTable, c)
		}
	}
	return nil
}

func (t Table) orDefault() Table {
	if len(t) == 0 {
		return DefaultTable()
	}
	return t
}

// Resolve parses a condition code as supplied by the settings provider.
func (t Table) Resolve(code string) (Profile, error) {
	n, err := strconv.Atoi(strings.TrimSpace(code))
	if err != nil {
		return Profile{}, fmt.Errorf("%w: %q", ErrUnknownCode, code)
	}
	return t.ResolveInt(n)
}

// ResolveInt resolves an integer condition code.
func (t Table) ResolveInt(code int) (Profile, error) {
	a, ok := t.orDefault()[code]
	if !ok || code < minCode || code > maxCode {
		return Profile{}, fmt.Errorf("%w: %d", ErrUnknownCode, code)
	}
	h := Human
	if code > 4 {
		h = AI
	}
	return Profile{
		Code:        code,
		Humanity:    h,
		WorkMatches: a.WorkMatches,
		ToneMatches: a.ToneMatches,
	}, nil
}

// ResolveOrDefault resolves code, falling back to DefaultCode for absent or
// unknown codes.
func (t Table) ResolveOrDefault(code string) Profile {
	if p, err := t.Resolve(code); err == nil {
		return p
	}
	p, _ := t.ResolveInt(DefaultCode)
	return p
}

// Variants returns every condition code with its alignment settings.
func (t Table) Variants() []Variant {
	out := make([]Variant, 0, maxCode)
	for c := minCode; c <= maxCode; c++ {
		p, err := t.ResolveInt(c)
		if err != nil {
			continue
		}
		out = append(out, Variant{
			Code:        c,
			Humanity:    p.Humanity.Label(),
			WorkMatches: p.WorkMatches,
			ToneMatches: p.ToneMatches,
		})
	}
	return out
}

// Resolve resolves code against DefaultTable.
func Resolve(code string) (Profile, error) { return DefaultTable().Resolve(code) }

// ResolveInt resolves code against DefaultTable.
func ResolveInt(code int) (Profile, error) { return DefaultTable().ResolveInt(code) }

// ResolveOrDefault resolves code against DefaultTable.
func ResolveOrDefault(code string) Profile { return DefaultTable().ResolveOrDefault(code) }

// Name returns the colleague's name for the participant's gender code.
func (p Profile) Name(genderCode int) string {
	return NameFor(p.Humanity, genderCode)
}

// NameFor returns the fixed name for a humanity/gender pair, or "" when the
// gender code is not 1 or 2.
func NameFor(h Humanity, genderCode int) string {
	return names[h][genderCode]
}

// Colleague is the fully derived persona for one participant.
type Colleague struct {
	Name     string   `json:"name"`
	Humanity Humanity `json:"humanity"`
	WorkCode int      `json:"work_code"`
	ToneCode int      `json:"tone_code"`
}

// WorkLabel returns the colleague's work style label.
func (c Colleague) WorkLabel() string { return domain.WorkStyleLabel(c.WorkCode) }

// ToneLabel returns the colleague's tone label.
func (c Colleague) ToneLabel() string { return domain.ToneStyleLabel(c.ToneCode) }

// Describe derives the colleague persona for the given intake record.
func (p Profile) Describe(r domain.IntakeRecord) Colleague {
	work := r.WorkCode
	if !p.WorkMatches {
		work = flip(work)
	}
	tone := r.ToneCode
	if !p.ToneMatches {
		tone = flip(tone)
	}
	return Colleague{
		Name:     p.Name(r.GenderCode),
		Humanity: p.Humanity,
		WorkCode: work,
		ToneCode: tone,
	}
}

func flip(code int) int {
	if code == 1 {
		return 2
	}
	return 1
}

// Group describes one humanity group for rendering the mapping table.
type Group struct {
	Humanity Humanity
	Label    string
	Codes    []int
	Male     string
	Female   string
}

// Variant describes one condition code for rendering the mapping table.
type Variant struct {
	Code        int
	Humanity    string
	WorkMatches bool
	ToneMatches bool
}

// Groups returns the humanity groups in code order.
func Groups() []Group {
	out := make([]Group, 0, 2)
	for _, h := range []Humanity{Human, AI} {
		g := Group{
			Humanity: h,
			Label:    h.Label(),
			Male:     NameFor(h, domain.GenderMale),
			Female:   NameFor(h, domain.GenderFemale),
		}
		for c := minCode; c <= maxCode; c++ {
			if (c > 4) == (h == AI) {
				g.Codes = append(g.Codes, c)
			}
		}
		out = append(out, g)
	}
	return out
}
