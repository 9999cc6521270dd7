package chat

import "strings"

// Command is a parsed slash command. Arg is nil when the command was given
// without on/off and means "toggle".
type Command struct {
	Name string
	Arg  *bool
}

// Slash command names.
const (
	CmdDance = "dance"
	CmdParty = "party"
	CmdSit   = "sit"
	CmdWave  = "wave"
	CmdLaugh = "laugh"
)

// ParseCommand recognises /dance [on|off], /party [on|off], /sit, /wave and
// /laugh. Anything else, including unknown slash words, is ordinary chat.
func ParseCommand(text string) (Command, bool) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return Command{}, false
	}
	name := strings.ToLower(strings.TrimPrefix(fields[0], "/"))

	switch name {
	case CmdDance, CmdParty:
		cmd := Command{Name: name}
		if len(fields) > 1 {
			switch strings.ToLower(fields[1]) {
			case "on":
				v := true
				cmd.Arg = &v
			case "off":
				v := false
				cmd.Arg = &v
			default:
				return Command{}, false
			}
		}
		return cmd, true
	case CmdSit, CmdWave, CmdLaugh:
		if len(fields) > 1 {
			return Command{}, false
		}
		return Command{Name: name}, true
	}
	return Command{}, false
}
