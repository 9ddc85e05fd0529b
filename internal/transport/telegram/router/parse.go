package router

import (
	"html"
	"strings"
)

// parseCommandLine splits "/cmd@bot a b" into ("cmd", ["a","b"]).
// ok is false for anything that isn't a command.
func parseCommandLine(text string) (cmd string, args []string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	fields := strings.Fields(text[1:])
	if len(fields) == 0 {
		return "", nil, false
	}
	word := fields[0]
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	cmd = commandName(word)
	if cmd == "" {
		return "", nil, false
	}
	return cmd, fields[1:], true
}

// splitParams separates key=value arguments from positional ones.
func splitParams(args []string) ([]string, map[string]string) {
	var pos []string
	params := map[string]string{}
	for _, a := range args {
		k, v, found := strings.Cut(a, "=")
		if found && k != "" {
			params[strings.ToLower(k)] = v
			continue
		}
		pos = append(pos, a)
	}
	return pos, params
}

// commandName lowercases s and keeps it only when it is a valid Telegram
// command: [a-z0-9_]{1,32}.
func commandName(s string) string {
	s = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "/"))
	if s == "" || len(s) > 32 {
		return ""
	}
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '_' {
			return ""
		}
	}
	return s
}

func escape(s string) string { return html.EscapeString(s) }
