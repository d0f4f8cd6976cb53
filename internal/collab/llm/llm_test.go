package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbourn/go-natal-bot/internal/conversation"
	"github.com/tbourn/go-natal-bot/internal/domain"
)

type fakeModel struct {
	reply string
	err   error
	got   []*schema.Message
	opts  int
}

func (f *fakeModel) Generate(_ context.Context, in []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	f.got = in
	f.opts = len(opts)
	if f.err != nil {
		return nil, f.err
	}
	return schema.AssistantMessage(f.reply, nil), nil
}

func TestClassify(t *testing.T) {
	cases := []struct {
		reply string
		want  conversation.Intent
		conf  float64
	}{
		{`{"intent":"ask_about_chart","confidence":0.93}`, conversation.IntentAskChart, 0.93},
		{"```json\n{\"intent\": \"provide_birth_data\", \"confidence\": 0.8}\n```", conversation.IntentProvideData, 0.8},
		{"```{\"intent\":\"change_profile\",\"confidence\":2}```", conversation.IntentSwitchProfile, 1},
		{`{"intent":"meta_conversation","confidence":0.7}`, conversation.IntentOther, 0.7},
		{"I think they are asking about their chart", conversation.IntentOther, 0},
	}
	for _, tc := range cases {
		fm := &fakeModel{reply: tc.reply}
		got, err := NewClassifier(fm).Classify(context.Background(), "what does my moon mean?")
		require.NoError(t, err, tc.reply)
		assert.Equal(t, tc.want, got.Intent, tc.reply)
		assert.InDelta(t, tc.conf, got.Confidence, 1e-9, tc.reply)
		require.Len(t, fm.got, 2)
		assert.Equal(t, schema.System, fm.got[0].Role)
		assert.Equal(t, 1, fm.opts)
	}
}

func TestClassify_TransportError(t *testing.T) {
	_, err := NewClassifier(&fakeModel{err: errors.New("429")}).Classify(context.Background(), "hi")
	assert.Error(t, err)

	_, err = NewClassifier(&fakeModel{reply: "   "}).Classify(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrEmptyCompletion)
}

func TestRespond_BuildsConversation(t *testing.T) {
	fm := &fakeModel{reply: "  Your Sun is in Taurus.  "}
	profile := &domain.Profile{
		Kind:      domain.ProfileSelf,
		Birth:     domain.BirthData{Date: "1990-05-15", Time: "14:30", Place: "Paris"},
		ChartData: `{"planets":[]}`,
	}
	req := conversation.ResponseRequest{
		UserID:  "u1",
		Intent:  conversation.IntentAskChart,
		Text:    "what is my sun sign?",
		Profile: profile,
		History: []domain.LedgerEntry{
			{Role: domain.RoleUser, Content: "hello"},
			{Role: domain.RoleAssistant, Content: "hi there"},
		},
	}
	got, err := NewResponder(fm).Respond(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "Your Sun is in Taurus.", got)

	require.Len(t, fm.got, 4)
	assert.Contains(t, fm.got[0].Content, `{"planets":[]}`)
	assert.Contains(t, fm.got[0].Content, "place Paris")
	assert.Equal(t, schema.User, fm.got[1].Role)
	assert.Equal(t, schema.Assistant, fm.got[2].Role)
	assert.Equal(t, "what is my sun sign?", fm.got[3].Content)
}

func TestRespond_SwitchProfileListsProfiles(t *testing.T) {
	fm := &fakeModel{reply: "You have two profiles."}
	req := conversation.ResponseRequest{
		Intent: conversation.IntentSwitchProfile,
		Text:   "switch to my partner",
		Profiles: []domain.Profile{
			{Name: "Anna", Kind: domain.ProfileOther, Birth: domain.BirthData{Date: "1992-01-02"}},
			{Kind: domain.ProfileSelf, Birth: domain.BirthData{Date: "1990-05-15"}},
		},
	}
	_, err := NewResponder(fm).Respond(context.Background(), req)
	require.NoError(t, err)
	assert.Contains(t, fm.got[0].Content, "1. Anna")
	assert.Contains(t, fm.got[0].Content, "2. you")
	assert.Contains(t, fm.got[0].Content, "No active profile")
}

func TestRespond_Error(t *testing.T) {
	_, err := NewResponder(&fakeModel{err: context.DeadlineExceeded}).Respond(context.Background(), conversation.ResponseRequest{Text: "x"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripFences("```{\"a\":1}```"))
	assert.Equal(t, `{"a":1}`, stripFences(`  {"a":1} `))
}

func TestHeuristic(t *testing.T) {
	h := NewHeuristic()
	cases := map[string]conversation.Intent{
		"actually I was born 15.05.1990":    conversation.IntentProvideData,
		"What does my Moon in Scorpio mean": conversation.IntentAskChart,
		"is this a good week?":              conversation.IntentAskChart,
		"switch to my partner's profile":    conversation.IntentSwitchProfile,
		"расскажи про мой знак":             conversation.IntentAskChart,
		"thanks!":                           conversation.IntentOther,
	}
	for in, want := range cases {
		got, err := h.Classify(context.Background(), in)
		require.NoError(t, err)
		assert.Equal(t, want, got.Intent, in)
	}
}
