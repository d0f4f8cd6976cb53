package knowledge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbourn/go-natal-bot/internal/collab/chart"
	"github.com/tbourn/go-natal-bot/internal/conversation"
	"github.com/tbourn/go-natal-bot/internal/domain"
)

type boomReader struct{}

func (boomReader) Read([]byte) (int, error) { return 0, errors.New("boom") }

func TestDefaultIndex(t *testing.T) {
	idx := Default()
	assert.Greater(t, idx.Len(), 30)

	body, ok := idx.Lookup("scorpio")
	require.True(t, ok)
	assert.Contains(t, body, "water sign")

	_, ok = idx.Lookup("Lilith")
	assert.False(t, ok)
}

func TestTopK(t *testing.T) {
	idx := Default()
	res := idx.TopK("what does my Moon in Scorpio mean?", 2)
	require.Len(t, res, 2)
	headings := []string{res[0].Heading, res[1].Heading}
	assert.ElementsMatch(t, []string{"Moon", "Scorpio"}, headings)
	assert.GreaterOrEqual(t, res[0].Score, res[1].Score)

	assert.Nil(t, idx.TopK("   ", 3))
	assert.Nil(t, idx.TopK("the of and", 3), "stop words only")
	assert.Nil(t, idx.TopK("zzzz", 3))
	assert.Len(t, idx.TopK("planet sign", 0), 3, "k defaults to 3")
}

func TestFromReader(t *testing.T) {
	md := "ignored preamble\n\n## Alpha\nalpha beta gamma delta\n\n### Beta ###\nshort\n\n## Gamma\ngamma epsilon zeta eta theta\n"
	idx, err := FromReader(strings.NewReader(md))
	require.NoError(t, err)
	assert.Equal(t, 2, idx.Len())

	res := idx.TopK("gamma", 5)
	require.Len(t, res, 2)

	idx, err = FromReader(strings.NewReader(md), WithMinSectionRunes(0), WithStopwords([]string{"Gamma"}))
	require.NoError(t, err)
	assert.Equal(t, 3, idx.Len())
	assert.Nil(t, idx.TopK("gamma", 5))

	_, err = FromReader(boomReader{})
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	idx, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Len(), idx.Len())

	p := filepath.Join(t.TempDir(), "kb.md")
	require.NoError(t, os.WriteFile(p, []byte("## Lilith\nThe black moon point in the chart.\n"), 0o600))
	idx, err = Load(p)
	require.NoError(t, err)
	assert.Equal(t, 1, idx.Len())

	_, err = Load(filepath.Join(t.TempDir(), "missing.md"))
	assert.Error(t, err)
}

func chartProfile(t *testing.T) *domain.Profile {
	t.Helper()
	birth := domain.BirthData{Date: "1990-05-15", Time: "14:30", Place: "Paris"}
	c, err := chart.New().Generate(context.Background(), birth)
	require.NoError(t, err)
	return &domain.Profile{Kind: domain.ProfileSelf, Birth: birth, ChartID: c.ID, ChartData: c.Data}
}

func TestResponder(t *testing.T) {
	r := NewResponder(Default())
	ctx := context.Background()
	p := chartProfile(t)

	got, err := r.Respond(ctx, conversation.ResponseRequest{Intent: conversation.IntentAskChart, Text: "tell me about my sun", Profile: p})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got, "Your Sun is in Taurus"), got)
	assert.Contains(t, got, "earth sign ruled by Venus")

	got, err = r.Respond(ctx, conversation.ResponseRequest{Intent: conversation.IntentAskChart, Text: "what can you see?", Profile: p})
	require.NoError(t, err)
	assert.Contains(t, got, "Your Sun is in Taurus")

	got, err = r.Respond(ctx, conversation.ResponseRequest{Intent: conversation.IntentOther, Text: "hmm", Profile: p})
	require.NoError(t, err)
	assert.Equal(t, fallbackHint, got)

	got, err = r.Respond(ctx, conversation.ResponseRequest{Intent: conversation.IntentAskChart, Text: "sun?"})
	require.NoError(t, err)
	assert.Equal(t, noChartReply, got)

	_, err = r.Respond(ctx, conversation.ResponseRequest{Intent: conversation.IntentAskChart, Text: "sun", Profile: &domain.Profile{ChartData: "{"}})
	assert.Error(t, err)
}

func TestResponder_Profiles(t *testing.T) {
	r := NewResponder(Default())
	got, err := r.Respond(context.Background(), conversation.ResponseRequest{
		Intent:   conversation.IntentSwitchProfile,
		Profiles: []domain.Profile{{Birth: domain.BirthData{Date: "1990-05-15"}}, {Name: "Anna", Birth: domain.BirthData{Date: "1992-01-02"}}},
	})
	require.NoError(t, err)
	assert.Contains(t, got, "1. you (date 1990-05-15)")
	assert.Contains(t, got, "2. Anna")

	got, _ = r.Respond(context.Background(), conversation.ResponseRequest{Intent: conversation.IntentSwitchProfile})
	assert.Contains(t, got, "no saved profiles")
}
