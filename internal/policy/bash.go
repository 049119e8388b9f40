package policy

import (
	"fmt"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// bashCommand is one simple command extracted from a command line.
type bashCommand struct {
	Name string
	Args []string
}

// parseBashTitle extracts every simple command a bash command line runs.
// Commands inside pipelines, lists and substitutions are all included, so
// a rule on "rm *" also sees the rm in `echo $(rm -rf x)`.
func parseBashTitle(title string) ([]bashCommand, error) {
	parser := syntax.NewParser(syntax.Variant(syntax.LangBash), syntax.KeepComments(false))
	file, err := parser.Parse(strings.NewReader(title), "")
	if err != nil {
		return nil, fmt.Errorf("parse command line: %w", err)
	}

	var commands []bashCommand
	syntax.Walk(file, func(node syntax.Node) bool {
		call, ok := node.(*syntax.CallExpr)
		if !ok || len(call.Args) == 0 {
			// A CallExpr with no words is a bare assignment.
			return true
		}
		cmd := bashCommand{Name: wordToString(call.Args[0])}
		for _, w := range call.Args[1:] {
			cmd.Args = append(cmd.Args, wordToString(w))
		}
		commands = append(commands, cmd)
		return true
	})
	return commands, nil
}

// wordToString flattens a word to matchable text. Expansions keep a
// placeholder, $NAME for parameters and $() for substitutions, so they
// never pass for a literal argument.
func wordToString(w *syntax.Word) string {
	var sb strings.Builder
	for _, part := range w.Parts {
		sb.WriteString(partToString(part))
	}
	return sb.String()
}

func partToString(part syntax.WordPart) string {
	switch p := part.(type) {
	case *syntax.Lit:
		return p.Value
	case *syntax.SglQuoted:
		return p.Value
	case *syntax.DblQuoted:
		var sb strings.Builder
		for _, inner := range p.Parts {
			sb.WriteString(partToString(inner))
		}
		return sb.String()
	case *syntax.ParamExp:
		return "$" + p.Param.Value
	case *syntax.CmdSubst:
		return "$()"
	default:
		return ""
	}
}
