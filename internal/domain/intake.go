package domain

// Gender codes as entered on the intake form.
const (
	GenderMale   = 1
	GenderFemale = 2
)

// Work style codes as entered on the intake form.
const (
	WorkThorough = 1
	WorkFast     = 2
)

// Tone codes as entered on the intake form.
const (
	ToneFormal   = 1
	ToneFriendly = 2
)

// IntakeRecord is the four-field profile collected from the first message.
type IntakeRecord struct {
	Name       string `json:"name"`
	GenderCode int    `json:"gender_code"`
	WorkCode   int    `json:"work_code"`
	ToneCode   int    `json:"tone_code"`
}

// GenderLabel returns the Korean label for the gender code.
func (r IntakeRecord) GenderLabel() string {
	if r.GenderCode == GenderFemale {
		return "여성"
	}
	return "남성"
}

// WorkLabel returns the Korean label for the work style code.
func (r IntakeRecord) WorkLabel() string {
	return WorkStyleLabel(r.WorkCode)
}

// ToneLabel returns the Korean label for the tone code.
func (r IntakeRecord) ToneLabel() string {
	return ToneStyleLabel(r.ToneCode)
}

// WorkStyleLabel maps a work code to its label.
func WorkStyleLabel(code int) string {
	if code == WorkFast {
		return "신속형"
	}
	return "꼼꼼형"
}

// ToneStyleLabel maps a tone code to its label.
func ToneStyleLabel(code int) string {
	if code == ToneFriendly {
		return "친근형(반말)"
	}
	return "공식형(존댓말)"
}
