// Package permission decides whether a tool invocation may proceed without a
// human in the loop. Patterns are parsed and validated once at load time;
// matching is a pure function of the pattern and the tool input.
package permission

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// argKind selects the argument grammar a pattern was parsed under.
type argKind int

const (
	argNone       argKind = iota // bare ToolName: no argument constraint
	argEmpty                     // explicit (): matches only an empty argument
	argBashExact                 // Bash exact command
	argBashPrefix                // Bash "prefix:*"
	argBashAny                   // Bash bare "*"
	argPath                      // filesystem path, optionally with ** suffix
	argDomain                    // WebFetch domain suffix
	argQueryAny                  // WebSearch bare "*"
	argQueryRegex                // WebSearch query:REGEX
)

// pathTools are the tools whose argument grammar is a filesystem path.
var pathTools = map[string]bool{
	"Read":      true,
	"Write":     true,
	"Edit":      true,
	"MultiEdit": true,
}

// Pattern is one parsed allow-list entry of the form `ToolName` or
// `ToolName(arg)`. Construct with Parse; the zero value matches nothing.
type Pattern struct {
	text     string
	toolName string
	toolRe   *regexp.Regexp // set when toolName contains alternation
	kind     argKind
	arg      string
	queryRe  *regexp.Regexp
}

// Parse compiles a pattern from its textual form. Callers loading stored
// patterns should treat an error as "skip this entry", never as fatal: one
// corrupt line must not disable the allow-list.
func Parse(text string) (*Pattern, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty pattern")
	}

	p := &Pattern{text: text, toolName: text, kind: argNone}

	if open := strings.Index(text, "("); open >= 0 {
		if !strings.HasSuffix(text, ")") {
			return nil, fmt.Errorf("unterminated argument in pattern %q", text)
		}
		p.toolName = text[:open]
		if err := p.parseArg(text[open+1 : len(text)-1]); err != nil {
			return nil, err
		}
	}

	if p.toolName == "" {
		return nil, fmt.Errorf("missing tool name in pattern %q", text)
	}

	if strings.Contains(p.toolName, "|") {
		re, err := regexp.Compile("^(?:" + p.toolName + ")$")
		if err != nil {
			return nil, fmt.Errorf("invalid tool alternation in pattern %q: %w", text, err)
		}
		p.toolRe = re
	}

	return p, nil
}

func (p *Pattern) parseArg(arg string) error {
	if arg == "" {
		p.kind = argEmpty
		return nil
	}
	p.arg = arg

	switch {
	case p.toolName == "Bash":
		switch {
		case arg == "*":
			p.kind = argBashAny
		case strings.HasSuffix(arg, ":*"):
			p.kind = argBashPrefix
			p.arg = strings.TrimSuffix(arg, ":*")
		default:
			p.kind = argBashExact
		}
	case pathTools[p.toolName]:
		p.kind = argPath
		p.arg = normalizePath(arg)
	case p.toolName == "WebFetch":
		if !strings.HasPrefix(arg, "domain:") {
			return fmt.Errorf("WebFetch pattern requires domain: prefix, got %q", arg)
		}
		p.kind = argDomain
		p.arg = strings.ToLower(strings.TrimPrefix(arg, "domain:"))
		if p.arg == "" {
			return fmt.Errorf("empty domain in pattern %q", p.text)
		}
	case p.toolName == "WebSearch":
		if arg == "*" {
			p.kind = argQueryAny
			return nil
		}
		if !strings.HasPrefix(arg, "query:") {
			return fmt.Errorf("WebSearch pattern requires query: prefix or *, got %q", arg)
		}
		re, err := regexp.Compile(strings.TrimPrefix(arg, "query:"))
		if err != nil {
			return fmt.Errorf("invalid query regex in pattern %q: %w", p.text, err)
		}
		p.kind = argQueryRegex
		p.queryRe = re
	default:
		// Tools without an argument grammar only support the bare and ()
		// forms.
		return fmt.Errorf("tool %s does not take an argument constraint", p.toolName)
	}
	return nil
}

// String returns the pattern's textual form.
func (p *Pattern) String() string { return p.text }

// Matches reports whether a concrete tool invocation is covered by this
// pattern. A tool input missing the field the grammar requires never
// matches.
func (p *Pattern) Matches(toolName string, input map[string]any) bool {
	if !p.matchesTool(toolName) {
		return false
	}

	switch p.kind {
	case argNone:
		return true
	case argEmpty:
		// () is not a wildcard: it covers only an empty argument value.
		arg, ok := primaryArg(toolName, input)
		return ok && arg == ""
	case argBashAny:
		_, ok := stringField(input, "command")
		return ok
	case argBashPrefix:
		cmd, ok := stringField(input, "command")
		return ok && strings.HasPrefix(collapseWhitespace(cmd), p.arg)
	case argBashExact:
		cmd, ok := stringField(input, "command")
		return ok && collapseWhitespace(cmd) == p.arg
	case argPath:
		candidate, ok := stringField(input, "file_path")
		return ok && p.matchesPath(candidate)
	case argDomain:
		rawURL, ok := stringField(input, "url")
		return ok && matchesDomain(p.arg, rawURL)
	case argQueryAny:
		_, ok := stringField(input, "query")
		return ok
	case argQueryRegex:
		query, ok := stringField(input, "query")
		return ok && p.queryRe.MatchString(query)
	}
	return false
}

func (p *Pattern) matchesTool(toolName string) bool {
	if p.toolRe != nil {
		return p.toolRe.MatchString(toolName)
	}
	return p.toolName == toolName
}

// matchesPath compares a candidate path against the pattern's path argument.
// Any candidate containing a `..` segment, in its normalized or its
// percent-decoded form, is rejected before comparison: a traversal segment
// must never ride through on a prefix match.
func (p *Pattern) matchesPath(candidate string) bool {
	if hasTraversal(candidate) {
		return false
	}
	if decoded, err := url.PathUnescape(candidate); err == nil && hasTraversal(decoded) {
		return false
	}

	normalized := normalizePath(candidate)

	if base, ok := strings.CutSuffix(p.arg, "/**"); ok {
		if normalized == base {
			return true
		}
		if strings.HasPrefix(normalized, base+"/") {
			return true
		}
		return false
	}

	if ok, err := doublestar.Match(p.arg, normalized); err == nil && ok {
		return true
	}
	return normalized == p.arg
}

// hasTraversal reports whether the path contains a `..` segment.
func hasTraversal(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

// normalizePath cleans a path and tolerates the double-leading-slash form
// some agents emit, treating it as equivalent to a single slash.
func normalizePath(s string) string {
	if strings.HasPrefix(s, "//") {
		s = s[1:]
	}
	if s == "" {
		return s
	}
	return path.Clean(s)
}

// matchesDomain implements the strict dot-boundary suffix match: the host
// must equal the domain or end in "." + domain. A bare substring without the
// boundary must not match.
func matchesDomain(domain, rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		// Tolerate a bare host with no scheme.
		host = strings.ToLower(rawURL)
		if i := strings.IndexAny(host, "/?#"); i >= 0 {
			host = host[:i]
		}
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}

// primaryArg returns the value of the field a tool's grammar constrains.
func primaryArg(toolName string, input map[string]any) (string, bool) {
	var field string
	switch {
	case toolName == "Bash":
		field = "command"
	case pathTools[toolName]:
		field = "file_path"
	case toolName == "WebFetch":
		field = "url"
	case toolName == "WebSearch":
		field = "query"
	default:
		// No grammar: the argument is empty exactly when the input is.
		if len(input) == 0 {
			return "", true
		}
		return "", false
	}
	return stringField(input, field)
}

func stringField(input map[string]any, field string) (string, bool) {
	if input == nil {
		return "", false
	}
	v, ok := input[field]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// collapseWhitespace folds runs of whitespace in a command to single spaces
// so stored exact patterns compare against a canonical form.
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
