package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-natal-bot/internal/collab/chart"
	"github.com/tbourn/go-natal-bot/internal/conversation"
	"github.com/tbourn/go-natal-bot/internal/domain"
	"github.com/tbourn/go-natal-bot/internal/repo"
)

const (
	replyNoData         = "I don't have your birth data yet. Send your birth date, time and place to get started."
	replyUnknownCommand = "I don't know that command.\n\n"
	replyProfileUsage   = "Send /profile followed by a number from /profiles, for example /profile 2."

	// maxRawChart keeps a raw chart dump inside one Telegram message.
	maxRawChart = 3800
)

// command answers a slash command. Only /edit_birth and /profile change state.
func (p *Pipeline) command(ctx context.Context, lg zerolog.Logger, st *domain.ConversationState, cmd conversation.Command, args []string) (string, bool) {
	lg.Info().Str("command", string(cmd)).Msg("user command")

	switch cmd {
	case conversation.CommandStart, conversation.CommandHelp:
		return conversation.ReplyHelp(), true

	case conversation.CommandMyData:
		text, err := p.myData(ctx, st)
		if err != nil {
			lg.Error().Err(err).Msg("my_data")
			return conversation.ReplyApology(), false
		}
		return text, true

	case conversation.CommandEdit:
		out := p.machine.Edit(*st)
		if err := repo.SaveState(ctx, p.db, &out.Next); err != nil {
			lg.Error().Err(err).Msg("edit_birth")
			return conversation.ReplyApology(), false
		}
		return out.Reply, true

	case conversation.CommandResetThread:
		n, err := p.ledger.Reset(ctx, st.UserID)
		if err != nil {
			lg.Error().Err(err).Msg("reset_thread")
			return conversation.ReplyApology(), false
		}
		return fmt.Sprintf("Conversation history cleared: %d messages removed. Your chart is kept.", n), true

	case conversation.CommandChartRaw:
		text, err := p.chartRaw(ctx, st)
		if err != nil {
			lg.Error().Err(err).Msg("my_chart_raw")
			return conversation.ReplyApology(), false
		}
		return text, true

	case conversation.CommandProfiles:
		ps, err := repo.ListProfiles(ctx, p.db, st.UserID)
		if err != nil {
			lg.Error().Err(err).Msg("profiles")
			return conversation.ReplyApology(), false
		}
		return profileList(ps, st.ActiveProfileID), true

	case conversation.CommandProfile:
		text, err := p.selectProfile(ctx, st, args)
		if err != nil {
			lg.Error().Err(err).Msg("profile")
			return conversation.ReplyApology(), false
		}
		return text, true
	}
	return replyUnknownCommand + conversation.ReplyHelp(), true
}

func (p *Pipeline) myData(ctx context.Context, st *domain.ConversationState) (string, error) {
	if !st.Pending.IsZero() {
		text := "So far I have: " + st.Pending.Summary() + "."
		if len(st.MissingFields) > 0 {
			text += " Still missing: " + domain.Labels(st.MissingFields) + "."
		}
		return text, nil
	}
	prof, err := p.activeProfile(ctx, st)
	if err != nil || prof == nil {
		return replyNoData, err
	}
	return fmt.Sprintf("Your birth data: %s. Chart %s (engine %s). Use /edit_birth to change it.",
		prof.Birth.Summary(), prof.ChartID, prof.EngineVersion), nil
}

// activeProfile returns the user's active profile, or nil when there is none.
func (p *Pipeline) activeProfile(ctx context.Context, st *domain.ConversationState) (*domain.Profile, error) {
	if st.ActiveProfileID == nil {
		return nil, nil
	}
	prof, err := repo.GetProfile(ctx, p.db, *st.ActiveProfileID, st.UserID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	return prof, err
}

// chartRaw dumps the active chart as indented JSON. Charts too large for one
// message are cut down to the planet positions.
func (p *Pipeline) chartRaw(ctx context.Context, st *domain.ConversationState) (string, error) {
	prof, err := p.activeProfile(ctx, st)
	if err != nil || prof == nil {
		return replyNoData, err
	}
	data, err := chart.Decode(prof.ChartData)
	if err != nil {
		return "", err
	}
	raw, err := sonic.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", err
	}
	if len(raw) <= maxRawChart {
		return fmt.Sprintf("Your natal chart (raw data):\n\n%s\n\nSource: %s. Engine: %s. Created: %s.",
			raw, data.Source, prof.EngineVersion, prof.CreatedAt.UTC().Format("2006-01-02 15:04 UTC")), nil
	}
	planets, err := sonic.MarshalIndent(data.Positions, "", "  ")
	if err != nil {
		return "", err
	}
	return "Your natal chart is too long to show in full. Planets:\n\n" + string(planets), nil
}

// selectProfile makes the profile numbered by args[0] in the /profiles list
// active. A user without a chart in the current state lands in READY.
func (p *Pipeline) selectProfile(ctx context.Context, st *domain.ConversationState, args []string) (string, error) {
	if len(args) == 0 {
		return replyProfileUsage, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return replyProfileUsage, nil
	}
	ps, err := repo.ListProfiles(ctx, p.db, st.UserID)
	if err != nil {
		return "", err
	}
	if len(ps) == 0 {
		return replyNoData, nil
	}
	if n < 1 || n > len(ps) {
		return fmt.Sprintf("There is no profile %d. Pick a number from 1 to %d.", n, len(ps)), nil
	}

	chosen := ps[n-1]
	next := *st
	next.ActiveProfileID = &chosen.ID
	if !next.State.HasChart() {
		next.State = domain.StateReady
		next.Pending = domain.BirthData{}
		next.MissingFields = nil
	}
	if err := repo.SaveState(ctx, p.db, &next); err != nil {
		return "", err
	}
	return fmt.Sprintf("Switched to profile %d: %s (%s).", n, chosen.DisplayName(), chosen.Birth.Summary()), nil
}

func profileList(ps []domain.Profile, active *string) string {
	if len(ps) == 0 {
		return replyNoData
	}
	var b strings.Builder
	b.WriteString("Your saved profiles:\n")
	for i, pr := range ps {
		fmt.Fprintf(&b, "%d. %s (%s)", i+1, pr.DisplayName(), pr.Birth.Summary())
		if active != nil && *active == pr.ID {
			b.WriteString(" - active")
		}
		b.WriteString("\n")
	}
	b.WriteString("Send /profile N to switch.")
	return b.String()
}
