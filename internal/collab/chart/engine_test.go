package chart

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbourn/go-natal-bot/internal/domain"
)

var paris = domain.BirthData{Date: "1990-05-15", Time: "14:30", Place: "Paris"}

func TestGenerate(t *testing.T) {
	c, err := New().Generate(context.Background(), paris)
	require.NoError(t, err)
	assert.Equal(t, EngineVersion, c.EngineVersion)
	assert.Len(t, c.ID, 16)

	data, err := Decode(c.Data)
	require.NoError(t, err)
	assert.Len(t, data.Positions, len(bodies))
	assert.Equal(t, paris, data.Birth)

	sun, ok := data.Sun()
	require.True(t, ok)
	assert.Equal(t, "Taurus", sun.Sign)
	assert.True(t, sun.Degree >= 0 && sun.Degree < 30)
}

func TestSunSigns(t *testing.T) {
	cases := map[string]string{
		"2000-03-30": "Aries",
		"1985-07-28": "Leo",
		"1975-12-25": "Capricorn",
		"1961-10-15": "Libra",
	}
	for date, want := range cases {
		d, err := Compute(domain.BirthData{Date: date, Time: "12:00", Place: "x"})
		require.NoError(t, err)
		sun, _ := d.Sun()
		assert.Equal(t, want, sun.Sign, date)
	}
}

func TestGenerate_Deterministic(t *testing.T) {
	a, err := New().Generate(context.Background(), paris)
	require.NoError(t, err)
	b, err := New().Generate(context.Background(), paris)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	other := paris
	other.Time = "14:31"
	assert.NotEqual(t, ID(paris), ID(other))
	assert.Equal(t, ID(paris), ID(domain.BirthData{Date: "1990-05-15", Time: "14:30", Place: " paris "}))
}

func TestGenerate_Invalid(t *testing.T) {
	_, err := New().Generate(context.Background(), domain.BirthData{Date: "1990-05-15"})
	assert.ErrorIs(t, err, ErrInvalidBirth)

	_, err = New().Generate(context.Background(), domain.BirthData{Date: "1990-13-45", Time: "14:30", Place: "Paris"})
	assert.ErrorIs(t, err, ErrInvalidBirth)
}

func TestAspects(t *testing.T) {
	ps := []Position{
		{Body: "A", Longitude: 10},
		{Body: "B", Longitude: 125},
		{Body: "C", Longitude: 355},
		{Body: "D", Longitude: 50},
	}
	got := aspects(ps)
	assert.Contains(t, got, Aspect{From: "A", To: "B", Type: "Trine", Orb: 5})
	assert.Contains(t, got, Aspect{From: "C", To: "D", Type: "Sextile", Orb: 5})
	assert.Len(t, got, 2, "A and C are 15° apart across 0°, outside the conjunction orb")
}
