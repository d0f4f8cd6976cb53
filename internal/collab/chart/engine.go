// Package chart computes natal charts from birth data.
//
// Positions come from low-precision mean-element formulas. They are stable and
// cheap to compute but are not an ephemeris: expect errors of a few degrees
// for the Sun and Moon and more for the outer bodies.
package chart

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel"

	"github.com/tbourn/go-natal-bot/internal/conversation"
	"github.com/tbourn/go-natal-bot/internal/domain"
)

// EngineVersion is stored with every chart so stale charts can be recomputed.
const EngineVersion = "mean-elements/1"

// ErrInvalidBirth is returned for incomplete or unparseable birth data.
var ErrInvalidBirth = errors.New("invalid birth data")

// Signs in zodiac order starting at 0° Aries.
var Signs = [12]string{
	"Aries", "Taurus", "Gemini", "Cancer", "Leo", "Virgo",
	"Libra", "Scorpio", "Sagittarius", "Capricorn", "Aquarius", "Pisces",
}

type body struct {
	name string
	// mean longitude at J2000 and daily motion, degrees
	l0, rate float64
	// optional equation-of-center term: amplitude, anomaly at J2000, anomaly rate
	amp, m0, mrate float64
}

var bodies = []body{
	{name: "Sun", l0: 280.460, rate: 0.9856474, amp: 1.915, m0: 357.528, mrate: 0.9856003},
	{name: "Moon", l0: 218.316, rate: 13.176396, amp: 6.289, m0: 134.963, mrate: 13.064993},
	{name: "Mercury", l0: 252.251, rate: 4.0923344},
	{name: "Venus", l0: 181.980, rate: 1.6021302},
	{name: "Mars", l0: 355.433, rate: 0.5240207},
	{name: "Jupiter", l0: 34.351, rate: 0.0830853},
	{name: "Saturn", l0: 50.077, rate: 0.0334442},
	{name: "Uranus", l0: 314.055, rate: 0.0117298},
	{name: "Neptune", l0: 304.349, rate: 0.0059810},
	{name: "Pluto", l0: 238.929, rate: 0.0039757},
}

type aspectDef struct {
	name       string
	angle, orb float64
}

var aspectDefs = []aspectDef{
	{"Conjunction", 0, 8},
	{"Opposition", 180, 8},
	{"Trine", 120, 8},
	{"Square", 90, 8},
	{"Sextile", 60, 6},
}

// Position is one body's placement.
type Position struct {
	Body      string  `json:"body"`
	Sign      string  `json:"sign"`
	Degree    float64 `json:"deg"`
	Longitude float64 `json:"longitude"`
}

// Aspect is an angular relationship between two bodies.
type Aspect struct {
	From string  `json:"from"`
	To   string  `json:"to"`
	Type string  `json:"type"`
	Orb  float64 `json:"orb"`
}

// Data is the structured chart payload stored with a profile.
type Data struct {
	Positions     []Position       `json:"planets"`
	Aspects       []Aspect         `json:"aspects"`
	Birth         domain.BirthData `json:"birth"`
	Source        string           `json:"source"`
	EngineVersion string           `json:"engine_version"`
}

// Sun returns the Sun position, if present.
func (d Data) Sun() (Position, bool) {
	for _, p := range d.Positions {
		if p.Body == "Sun" {
			return p, true
		}
	}
	return Position{}, false
}

// Engine generates charts. It is safe for concurrent use.
type Engine struct{}

// New returns a chart engine.
func New() *Engine { return &Engine{} }

// Generate computes the chart for complete birth data. Times are taken as UTC.
func (e *Engine) Generate(ctx context.Context, birth domain.BirthData) (conversation.Chart, error) {
	_, span := otel.Tracer("chart/Engine").Start(ctx, "Generate")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return conversation.Chart{}, err
	}
	data, err := Compute(birth)
	if err != nil {
		span.RecordError(err)
		return conversation.Chart{}, err
	}
	raw, err := sonic.MarshalString(data)
	if err != nil {
		return conversation.Chart{}, fmt.Errorf("encode chart: %w", err)
	}
	return conversation.Chart{ID: ID(birth), Data: raw, EngineVersion: EngineVersion}, nil
}

// Compute returns the chart payload for birth.
func Compute(birth domain.BirthData) (Data, error) {
	if !birth.Complete() {
		return Data{}, fmt.Errorf("%w: missing %s", ErrInvalidBirth, domain.Labels(birth.Missing()))
	}
	at, err := time.Parse("2006-01-02 15:04", birth.Date+" "+birth.Time)
	if err != nil {
		return Data{}, fmt.Errorf("%w: %v", ErrInvalidBirth, err)
	}
	days := daysSinceJ2000(at)

	out := Data{Birth: birth, Source: "generated", EngineVersion: EngineVersion}
	for _, b := range bodies {
		lon := b.l0 + b.rate*days
		if b.amp != 0 {
			m := rad(b.m0 + b.mrate*days)
			lon += b.amp*math.Sin(m) + 0.020*math.Sin(2*m)
		}
		lon = norm(lon)
		out.Positions = append(out.Positions, Position{
			Body:      b.name,
			Sign:      Signs[int(lon/30)%12],
			Degree:    round2(math.Mod(lon, 30)),
			Longitude: round2(lon),
		})
	}
	out.Aspects = aspects(out.Positions)
	return out, nil
}

// Decode parses a payload produced by Generate.
func Decode(raw string) (Data, error) {
	var d Data
	if err := sonic.UnmarshalString(raw, &d); err != nil {
		return Data{}, fmt.Errorf("decode chart: %w", err)
	}
	return d, nil
}

// ID is a stable identifier for a chart computed from birth by this engine.
func ID(birth domain.BirthData) string {
	key := strings.Join([]string{EngineVersion, birth.Date, birth.Time, strings.ToLower(strings.TrimSpace(birth.Place))}, "|")
	return fmt.Sprintf("%016x", xxhash.Sum64String(key))
}

func aspects(ps []Position) []Aspect {
	var out []Aspect
	for i := 0; i < len(ps); i++ {
		for j := i + 1; j < len(ps); j++ {
			sep := separation(ps[i].Longitude, ps[j].Longitude)
			for _, a := range aspectDefs {
				if diff := math.Abs(sep - a.angle); diff <= a.orb {
					out = append(out, Aspect{From: ps[i].Body, To: ps[j].Body, Type: a.name, Orb: round2(diff)})
					break
				}
			}
		}
	}
	return out
}

// separation is the shortest arc between two longitudes.
func separation(a, b float64) float64 {
	d := math.Abs(a - b)
	if d > 180 {
		d = 360 - d
	}
	return d
}

var j2000 = time.Date(2000, 1, 1, 12, 0, 0, 0, time.UTC)

func daysSinceJ2000(t time.Time) float64 { return t.Sub(j2000).Hours() / 24 }

func norm(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}

func rad(deg float64) float64 { return deg * math.Pi / 180 }

func round2(v float64) float64 { return math.Round(v*100) / 100 }
