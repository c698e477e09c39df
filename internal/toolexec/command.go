package toolexec

import (
	"strings"
)

// forbiddenMetacharacters are shell metacharacters that change how a command
// line is interpreted by the shell beyond simple argument splitting. Per
// spec.md §4.2/§9, these are rejected by default unless the command's first
// token is explicitly opted in via ToolPolicy.AllowShellMetacharactersFor.
var forbiddenMetacharacters = []string{";", "|", "&", ">", "<", "`", "$", "(", ")"}

func containsForbiddenMetacharacters(command string) bool {
	for _, meta := range forbiddenMetacharacters {
		if strings.Contains(command, meta) {
			return true
		}
	}
	return false
}

// checkCommand applies the "safe/denied command discipline" of spec.md
// §4.2: the command is split by whitespace (no shell interpretation for the
// allow check); the first token must be in the safe set; any token in the
// denied set rejects; metacharacters reject unless the first token opted in.
func (e *Executor) checkCommand(command string) error {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return errCommandNotPermitted
	}
	first := fields[0]

	if !e.toolPolicy.SafeCommands[first] {
		return errCommandNotPermitted
	}
	for _, tok := range fields {
		if e.toolPolicy.DeniedCommands[tok] {
			return errCommandNotPermitted
		}
	}
	if containsForbiddenMetacharacters(command) && !e.toolPolicy.AllowShellMetacharactersFor[first] {
		return errCommandNotPermitted
	}
	return nil
}

var errCommandNotPermitted = commandError("command not permitted")

type commandError string

func (e commandError) Error() string { return string(e) }
