package conversation

import "strings"

// Command is a slash command recognized in any state.
type Command string

const (
	CommandStart       Command = "/start"
	CommandHelp        Command = "/help"
	CommandMyData      Command = "/my_data"
	CommandEdit        Command = "/edit_birth"
	CommandResetThread Command = "/reset_thread"
	CommandChartRaw    Command = "/my_chart_raw"
	CommandProfiles    Command = "/profiles"
	CommandProfile     Command = "/profile"
	CommandUnknown     Command = ""
)

var commandAliases = map[string]Command{
	"/start":        CommandStart,
	"/help":         CommandHelp,
	"/my_data":      CommandMyData,
	"/edit_birth":   CommandEdit,
	"/edit":         CommandEdit,
	"/reset_thread": CommandResetThread,
	"/reset":        CommandResetThread,
	"/my_chart_raw": CommandChartRaw,
	"/profiles":     CommandProfiles,
	"/profile":      CommandProfile,
}

// ParseCommand recognizes a message that is a slash command, optionally
// addressed to a bot ("/help@natal_bot"). Unrecognized commands yield
// CommandUnknown with ok=true; plain text yields ok=false.
func ParseCommand(text string) (Command, bool) {
	c, _, ok := ParseCommandArgs(text)
	return c, ok
}

// ParseCommandArgs is ParseCommand that also returns the words following
// the command, as typed.
func ParseCommandArgs(text string) (Command, []string, bool) {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "/") {
		return CommandUnknown, nil, false
	}
	fields := strings.Fields(t)
	args := fields[1:]
	if len(args) == 0 {
		args = nil
	}
	word := strings.ToLower(fields[0])
	if at := strings.IndexByte(word, '@'); at > 0 {
		word = word[:at]
	}
	if c, ok := commandAliases[word]; ok {
		return c, args, true
	}
	return CommandUnknown, args, true
}
