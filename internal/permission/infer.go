package permission

import (
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// InferPattern derives the pattern to remember from a concrete, approved
// invocation. A Bash command becomes a `:*`-suffixed prefix over its leading
// token(s), path tools remember the exact path, WebFetch remembers the
// domain, and everything else remembers the bare tool name.
func InferPattern(toolName string, input map[string]any) (*Pattern, error) {
	switch {
	case toolName == "Bash":
		if cmd, ok := stringField(input, "command"); ok {
			if prefix := bashPrefix(cmd); prefix != "" {
				return Parse("Bash(" + prefix + ":*)")
			}
		}
		return Parse("Bash")
	case pathTools[toolName]:
		if p, ok := stringField(input, "file_path"); ok && p != "" {
			return Parse(toolName + "(" + normalizePath(p) + ")")
		}
		return Parse(toolName)
	case toolName == "WebFetch":
		if rawURL, ok := stringField(input, "url"); ok {
			if host := hostOf(rawURL); host != "" {
				return Parse("WebFetch(domain:" + host + ")")
			}
		}
		return Parse("WebFetch")
	default:
		return Parse(toolName)
	}
}

// bashPrefix returns "name subcommand" (or just "name") for the first
// command in a shell line, using a real bash parser so pipes, quoting and
// substitutions don't fool the tokenizer. Returns "" when nothing safe can
// be inferred.
func bashPrefix(command string) string {
	parser := syntax.NewParser(
		syntax.Variant(syntax.LangBash),
		syntax.KeepComments(false),
	)

	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		return ""
	}

	var name, subcommand string
	syntax.Walk(file, func(node syntax.Node) bool {
		if name != "" {
			return false
		}
		call, ok := node.(*syntax.CallExpr)
		if !ok || len(call.Args) == 0 {
			return true
		}

		name = wordToString(call.Args[0])
		for _, arg := range call.Args[1:] {
			s := wordToString(arg)
			if !strings.HasPrefix(s, "-") {
				subcommand = s
				break
			}
		}
		return false
	})

	if name == "" || strings.ContainsAny(name, "$()") {
		return ""
	}
	// Remembering a cd prefix would authorize arbitrary directory changes.
	if name == "cd" {
		return ""
	}
	if subcommand != "" && !strings.ContainsAny(subcommand, "$()") {
		return name + " " + subcommand
	}
	return name
}

// wordToString flattens a shell word to its literal text. Dynamic parts
// (expansions, substitutions) are marked so callers can refuse them.
func wordToString(word *syntax.Word) string {
	var sb strings.Builder
	for _, part := range word.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(p.Value)
		case *syntax.SglQuoted:
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, qp := range p.Parts {
				if lit, ok := qp.(*syntax.Lit); ok {
					sb.WriteString(lit.Value)
				}
			}
		case *syntax.ParamExp:
			sb.WriteString("$" + p.Param.Value)
		case *syntax.CmdSubst:
			sb.WriteString("$()")
		}
	}
	return sb.String()
}

func hostOf(rawURL string) string {
	host := rawURL
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if i := strings.IndexAny(host, "/?#"); i >= 0 {
		host = host[:i]
	}
	if i := strings.Index(host, "@"); i >= 0 {
		host = host[i+1:]
	}
	if i := strings.Index(host, ":"); i >= 0 {
		host = host[:i]
	}
	return strings.ToLower(host)
}
