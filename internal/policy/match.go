package policy

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// matchCommand matches a space-separated command pattern against one
// parsed command. A bare name matches that command with any arguments,
// and a "*" token matches the rest of them, so "git commit *" covers
// every git commit invocation. Without a "*" the arguments must match
// exactly.
func matchCommand(pattern string, cmd bashCommand) bool {
	fields := strings.Fields(pattern)
	if len(fields) == 0 || (len(fields) == 1 && fields[0] == "*") {
		return true
	}
	if fields[0] != cmd.Name {
		return false
	}
	if len(fields) == 1 {
		return true
	}
	for i, tok := range fields[1:] {
		if tok == "*" {
			return true
		}
		if i >= len(cmd.Args) || cmd.Args[i] != tok {
			return false
		}
	}
	return len(cmd.Args) == len(fields)-1
}

// matchGlob matches a glob pattern against a request title. "**" crosses
// path separators; a single leading or trailing "*" is a plain prefix or
// suffix match, which a path-aware glob would not give.
func matchGlob(pattern, title string) bool {
	if pattern == "*" {
		return true
	}
	if strings.Contains(pattern, "**") {
		ok, err := doublestar.Match(pattern, title)
		return err == nil && ok
	}
	if strings.Count(pattern, "*") == 1 {
		if rest, found := strings.CutSuffix(pattern, "*"); found {
			return strings.HasPrefix(title, rest)
		}
		if rest, found := strings.CutPrefix(pattern, "*"); found {
			return strings.HasSuffix(title, rest)
		}
	}
	if strings.ContainsAny(pattern, "*?[") {
		ok, err := doublestar.Match(pattern, title)
		return err == nil && ok
	}
	return pattern == title
}
