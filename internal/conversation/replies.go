package conversation

import (
	"fmt"

	"github.com/tbourn/go-natal-bot/internal/domain"
)

const (
	replyApology     = "Sorry, something went wrong on my side. Please send that again in a moment."
	replyUnavailable = "I'm temporarily unavailable. Please try again in a minute."
	replyStartOver   = "No problem, let's start over. Please send your birth date, birth time and birth place."
	replyChartFailed = "Sorry, I couldn't build your chart right now. Reply \"yes\" to try again or \"no\" to change your data."
	replyEdit        = "Let's update your birth data. Please send your birth date, birth time and birth place."
	replyHelp        = "I build natal charts and answer questions about them.\n\n" +
		"Send your birth date, time and place, for example: 15.05.1990 14:30 in Paris.\n\n" +
		"Commands:\n" +
		"/my_data - show the birth data I have\n" +
		"/edit_birth - change your birth data\n" +
		"/my_chart_raw - show the stored chart data\n" +
		"/profiles - list your saved profiles\n" +
		"/profile N - switch to profile number N\n" +
		"/reset_thread - forget our conversation history\n" +
		"/help - show this message"
)

// ReplyUnavailable is sent when a turn exceeds its processing deadline.
func ReplyUnavailable() string { return replyUnavailable }

// ReplyApology is sent when a turn fails for reasons the user cannot fix.
func ReplyApology() string { return replyApology }

// ReplyHelp lists the bot commands.
func ReplyHelp() string { return replyHelp }

func askFor(missing []domain.Field) string {
	return fmt.Sprintf("Thanks! I still need your %s.", domain.Labels(missing))
}

func askAll() string {
	return fmt.Sprintf("To build your chart I need your %s. For example: 15.05.1990 14:30 in Paris.", domain.Labels(domain.AllFields))
}

func confirmPrompt(b domain.BirthData) string {
	return fmt.Sprintf("Please confirm your birth data: %s. Reply \"yes\" to build the chart or \"no\" to start over.", b.Summary())
}

func chartReady(b domain.BirthData) string {
	return fmt.Sprintf("Your natal chart is ready (%s). Ask me anything about it.", b.Summary())
}
