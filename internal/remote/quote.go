package remote

import "strings"

// ShellQuote quotes s for a POSIX shell so that it is passed as a single word.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("@%+=:,./-_", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// ShortCommand trims a command for error messages.
func ShortCommand(command string) string {
	const limit = 160
	command = strings.Join(strings.Fields(command), " ")
	if len(command) <= limit {
		return command
	}
	return command[:limit] + "..."
}
