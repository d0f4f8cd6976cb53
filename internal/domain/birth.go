package domain

import "strings"

// Field names one piece of birth data the bot needs before it can build a
// chart.
type Field string

const (
	FieldDate  Field = "date"
	FieldTime  Field = "time"
	FieldPlace Field = "place"
)

// AllFields lists every required field in the order prompts mention them.
var AllFields = []Field{FieldDate, FieldTime, FieldPlace}

// Label is the user-facing name of the field.
func (f Field) Label() string {
	switch f {
	case FieldDate:
		return "birth date"
	case FieldTime:
		return "birth time"
	case FieldPlace:
		return "birth place"
	}
	return string(f)
}

// BirthData holds the (possibly partial) birth data of a user. Date is
// normalized to YYYY-MM-DD and Time to HH:MM by the extractor.
type BirthData struct {
	Date  string `json:"date,omitempty"`
	Time  string `json:"time,omitempty"`
	Place string `json:"place,omitempty"`
}

// Get returns the value of f.
func (b BirthData) Get(f Field) string {
	switch f {
	case FieldDate:
		return b.Date
	case FieldTime:
		return b.Time
	case FieldPlace:
		return b.Place
	}
	return ""
}

// Merge fills the fields of b that are still empty with the values of next.
// Known values are never overwritten.
func (b BirthData) Merge(next BirthData) BirthData {
	if strings.TrimSpace(b.Date) == "" {
		b.Date = strings.TrimSpace(next.Date)
	}
	if strings.TrimSpace(b.Time) == "" {
		b.Time = strings.TrimSpace(next.Time)
	}
	if strings.TrimSpace(b.Place) == "" {
		b.Place = strings.TrimSpace(next.Place)
	}
	return b
}

// Missing returns the empty required fields, in AllFields order.
func (b BirthData) Missing() []Field {
	var out []Field
	for _, f := range AllFields {
		if strings.TrimSpace(b.Get(f)) == "" {
			out = append(out, f)
		}
	}
	return out
}

// Complete reports whether every required field is present.
func (b BirthData) Complete() bool { return len(b.Missing()) == 0 }

// IsZero reports whether no field is set.
func (b BirthData) IsZero() bool { return b == BirthData{} }

// Summary renders the known fields for confirmation prompts, e.g.
// "date 1990-05-15, time 14:30, place Paris".
func (b BirthData) Summary() string {
	parts := make([]string, 0, len(AllFields))
	for _, f := range AllFields {
		if v := strings.TrimSpace(b.Get(f)); v != "" {
			parts = append(parts, string(f)+" "+v)
		}
	}
	return strings.Join(parts, ", ")
}

// Labels joins field labels for prompts: "birth time", "birth time and birth
// place", "birth date, birth time and birth place".
func Labels(fields []Field) string {
	switch len(fields) {
	case 0:
		return ""
	case 1:
		return fields[0].Label()
	}
	labels := make([]string, len(fields))
	for i, f := range fields {
		labels[i] = f.Label()
	}
	return strings.Join(labels[:len(labels)-1], ", ") + " and " + labels[len(labels)-1]
}
