// Package extract implements a rule-based birth-data extractor. It recognizes
// dates, times and place names in English and Russian free text without
// calling out to a model.
package extract

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/tbourn/go-natal-bot/internal/domain"
)

// MinYear is the earliest accepted birth year.
const MinYear = 1800

// maxResidualPlace bounds how long a message may be to be taken as a bare place name.
const maxResidualPlace = 64

var monthNames = map[string]time.Month{
	"jan": 1, "january": 1,
	"feb": 2, "february": 2,
	"mar": 3, "march": 3,
	"apr": 4, "april": 4,
	"may": 5,
	"jun": 6, "june": 6,
	"jul": 7, "july": 7,
	"aug": 8, "august": 8,
	"sep": 9, "sept": 9, "september": 9,
	"oct": 10, "october": 10,
	"nov": 11, "november": 11,
	"dec": 12, "december": 12,

	"янв": 1, "января": 1, "январь": 1,
	"фев": 2, "февраля": 2, "февраль": 2,
	"мар": 3, "марта": 3, "март": 3,
	"апр": 4, "апреля": 4, "апрель": 4,
	"мая": 5, "май": 5,
	"июн": 6, "июня": 6, "июнь": 6,
	"июл": 7, "июля": 7, "июль": 7,
	"авг": 8, "августа": 8, "август": 8,
	"сен": 9, "сентября": 9, "сентябрь": 9,
	"окт": 10, "октября": 10, "октябрь": 10,
	"ноя": 11, "ноября": 11, "ноябрь": 11,
	"дек": 12, "декабря": 12, "декабрь": 12,
}

var (
	reISO      = regexp.MustCompile(`\b(\d{4})[-/.](\d{1,2})[-/.](\d{1,2})\b`)
	reDayFirst = regexp.MustCompile(`\b(\d{1,2})[-/.](\d{1,2})[-/.](\d{4})\b`)
	reSpaced   = regexp.MustCompile(`\b(\d{1,2})\s+(\d{1,2})\s+(\d{4})\b`)
	reDayMonth *regexp.Regexp
	reMonthDay *regexp.Regexp

	reClock  = regexp.MustCompile(`(?i)\b(\d{1,2}):(\d{2})(?::(\d{2}))?\s*(am|pm)?`)
	reSpaceT = regexp.MustCompile(`(?i)\b(\d{1,2})\s+(\d{2})\s*(am|pm)?(\s*\d)?`)
	reHourAP = regexp.MustCompile(`(?i)\b(\d{1,2})\s*(am|pm)\b`)

	rePlaceLabel = regexp.MustCompile(`(?i)(?:place|city|место|город)\s*[:\-]\s*([^\n;]+)`)
	rePlaceIn    = regexp.MustCompile(`(?i)(?:^|[\s,])(?:in|at|в|во)\s+(\pL[\pL\pM\s\-'’.,]*)`)
	placeStop    = regexp.MustCompile(`(?i)\s+(?:at|on|around|about|в|около)\s*$`)
)

// fillers are words that never start or make up a place name.
var fillers = map[string]struct{}{
	"born": {}, "i": {}, "was": {}, "am": {}, "the": {}, "a": {}, "on": {}, "at": {}, "in": {},
	"please": {}, "thanks": {}, "thank": {}, "you": {}, "ok": {}, "yes": {}, "no": {},
	"morning": {}, "evening": {}, "afternoon": {}, "night": {}, "noon": {}, "midnight": {},
	"родился": {}, "родилась": {}, "я": {}, "в": {}, "во": {}, "пожалуйста": {}, "спасибо": {},
	"утром": {}, "вечером": {}, "днем": {}, "днём": {}, "ночью": {}, "да": {}, "нет": {},
}

func init() {
	names := make([]string, 0, len(monthNames))
	for n := range monthNames {
		names = append(names, regexp.QuoteMeta(n))
	}
	// Longest first so "june" wins over "jun".
	sort.Slice(names, func(i, j int) bool { return len(names[i]) > len(names[j]) })
	alt := strings.Join(names, "|")
	reDayMonth = regexp.MustCompile(`(?i)(?:^|[^\d])(\d{1,2})\s+(` + alt + `)\.?\s+(\d{4})`)
	reMonthDay = regexp.MustCompile(`(?i)(?:^|[^\p{L}])(` + alt + `)\.?\s+(\d{1,2})(?:st|nd|rd|th)?[,\s]+(\d{4})`)
}

// Rules is a deterministic extractor. The zero value is not usable; call New.
type Rules struct {
	now func() time.Time
}

// Option configures Rules.
type Option func(*Rules)

// WithClock overrides the clock used to reject future dates.
func WithClock(now func() time.Time) Option { return func(r *Rules) { r.now = now } }

// New returns a rule-based extractor.
func New(opts ...Option) *Rules {
	r := &Rules{now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Extract returns the birth fields found in text. known is consulted only to
// decide whether a bare residual phrase should be read as the place.
func (r *Rules) Extract(ctx context.Context, text string, known domain.BirthData) (domain.BirthData, error) {
	if err := ctx.Err(); err != nil {
		return domain.BirthData{}, err
	}
	var out domain.BirthData
	rest := text

	if d, span, ok := r.date(rest); ok {
		out.Date = d
		rest = blank(rest, span)
	}
	if t, span, ok := clock(rest); ok {
		out.Time = t
		rest = blank(rest, span)
	}
	out.Place = place(rest)

	if out.Place == "" && known.Place == "" {
		if merged := known.Merge(out); merged.Date != "" && merged.Time != "" {
			out.Place = residualPlace(rest)
		}
	}
	return out, nil
}

// Date extracts a calendar date as YYYY-MM-DD.
func (r *Rules) Date(text string) (string, bool) {
	d, _, ok := r.date(text)
	return d, ok
}

// Time extracts a clock time as HH:MM.
func Time(text string) (string, bool) {
	t, _, ok := clock(text)
	return t, ok
}

func (r *Rules) date(text string) (string, [2]int, bool) {
	type form struct {
		re             *regexp.Regexp
		year, mon, day int
		textMonth      bool
	}
	forms := []form{
		{re: reISO, year: 1, mon: 2, day: 3},
		{re: reDayFirst, year: 3, mon: 2, day: 1},
		{re: reSpaced, year: 3, mon: 2, day: 1},
		{re: reDayMonth, year: 3, mon: 2, day: 1, textMonth: true},
		{re: reMonthDay, year: 3, mon: 1, day: 2, textMonth: true},
	}
	for _, f := range forms {
		for _, m := range f.re.FindAllStringSubmatchIndex(text, -1) {
			group := func(i int) string { return text[m[2*i]:m[2*i+1]] }
			y, _ := strconv.Atoi(group(f.year))
			d, _ := strconv.Atoi(group(f.day))
			var mon int
			if f.textMonth {
				mm, ok := monthNames[strings.ToLower(group(f.mon))]
				if !ok {
					continue
				}
				mon = int(mm)
			} else {
				mon, _ = strconv.Atoi(group(f.mon))
			}
			if s, ok := r.validDate(y, mon, d); ok {
				return s, [2]int{m[0], m[1]}, true
			}
		}
	}
	return "", [2]int{}, false
}

func (r *Rules) validDate(y, m, d int) (string, bool) {
	if y < MinYear || m < 1 || m > 12 || d < 1 {
		return "", false
	}
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	if t.Day() != d || int(t.Month()) != m {
		return "", false
	}
	if t.After(r.now().UTC()) {
		return "", false
	}
	return t.Format("2006-01-02"), true
}

func clock(text string) (string, [2]int, bool) {
	if m := reClock.FindStringSubmatchIndex(text); m != nil {
		if s, ok := hhmm(text, m, 1, 2, 4); ok {
			return s, [2]int{m[0], m[1]}, true
		}
	}
	for _, m := range reSpaceT.FindAllStringSubmatchIndex(text, -1) {
		if m[8] >= 0 {
			// Followed by more digits, looks like part of a date.
			continue
		}
		if s, ok := hhmm(text, m, 1, 2, 3); ok {
			return s, [2]int{m[0], m[1]}, true
		}
	}
	if m := reHourAP.FindStringSubmatchIndex(text); m != nil {
		h, _ := strconv.Atoi(text[m[2]:m[3]])
		if h, ok := applyAMPM(h, text[m[4]:m[5]]); ok {
			return fmt.Sprintf("%02d:00", h), [2]int{m[0], m[1]}, true
		}
	}
	return "", [2]int{}, false
}

func hhmm(text string, m []int, hi, mi, api int) (string, bool) {
	h, _ := strconv.Atoi(text[m[2*hi]:m[2*hi+1]])
	mm, _ := strconv.Atoi(text[m[2*mi]:m[2*mi+1]])
	if m[2*api] >= 0 {
		var ok bool
		if h, ok = applyAMPM(h, text[m[2*api]:m[2*api+1]]); !ok {
			return "", false
		}
	}
	if h < 0 || h > 23 || mm < 0 || mm > 59 {
		return "", false
	}
	return fmt.Sprintf("%02d:%02d", h, mm), true
}

// applyAMPM converts a 12-hour clock hour. Valid input hours are 1..12.
func applyAMPM(h int, ampm string) (int, bool) {
	if h < 1 || h > 12 {
		return 0, false
	}
	switch strings.ToLower(ampm) {
	case "pm":
		if h != 12 {
			h += 12
		}
	case "am":
		if h == 12 {
			h = 0
		}
	}
	return h, true
}

func place(text string) string {
	if m := rePlaceLabel.FindStringSubmatch(text); m != nil {
		if p := cleanPlace(m[1]); p != "" {
			return p
		}
	}
	for _, m := range rePlaceIn.FindAllStringSubmatch(text, -1) {
		if p := cleanPlace(m[1]); p != "" {
			return p
		}
	}
	return ""
}

func cleanPlace(s string) string {
	if i := strings.IndexFunc(s, unicode.IsDigit); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	for {
		word, tail, _ := strings.Cut(s, " ")
		if _, ok := fillers[strings.ToLower(strings.Trim(word, ",."))]; !ok || word == "" {
			break
		}
		s = strings.TrimSpace(tail)
	}
	for {
		trimmed := strings.TrimRightFunc(placeStop.ReplaceAllString(s, ""), func(r rune) bool {
			return unicode.IsSpace(r) || unicode.IsPunct(r)
		})
		if trimmed == s {
			break
		}
		s = trimmed
	}
	return s
}

// residualPlace accepts what is left of a short message, once dates and
// times are blanked out, as the place when it is the only thing missing.
func residualPlace(text string) string {
	t := strings.TrimSpace(text)
	if t == "" || strings.HasPrefix(t, "/") || utf8.RuneCountInString(t) > maxResidualPlace {
		return ""
	}
	if strings.IndexFunc(t, unicode.IsDigit) >= 0 || strings.IndexFunc(t, unicode.IsLetter) < 0 {
		return ""
	}
	return cleanPlace(t)
}

// blank replaces a matched span with spaces so later rules do not re-read it.
func blank(s string, span [2]int) string {
	return s[:span[0]] + strings.Repeat(" ", span[1]-span[0]) + s[span[1]:]
}
