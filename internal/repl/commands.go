package repl

import "strings"

const helpText = `Commands:
  /save [name]   Save the session (a timestamp name is generated if omitted)
  /load <name>   Load a saved session, replacing the current one
  /list          List saved sessions, most recent first
  /new           Start a fresh session
  /clear         Clear the screen
  /help          Show this help
  /exit, /quit   Stop the sandbox and exit

Anything else is sent to the model.`

// command is a parsed slash command.
type command struct {
	name string
	arg  string
}

// parseCommand splits a slash-command line into name and optional
// argument. ok is false for non-command input.
func parseCommand(line string) (command, bool) {
	if !strings.HasPrefix(line, "/") {
		return command{}, false
	}
	name, arg, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	return command{name: strings.ToLower(name), arg: strings.TrimSpace(arg)}, true
}
