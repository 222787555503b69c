// Package command implements the prefix-triggered command language parsed
// out of room messages: a quote-aware tokenizer, a `--key=value`/`--key`/
// `-abc` flag grammar, and a registry of named handlers gated by a
// visibility selector. Generalized from the manual os.Args-style option
// scanning the teacher's CLI subcommands used, turned into a proper
// tokenizer; visibility selectors follow a boolean-predicate shape.
package command

import (
	"sort"
	"strings"
)

// Tokenize splits body respecting single and double quotes. A quote that
// is never closed falls through as a literal character rather than
// erroring, so a malformed message still yields a best-effort token list.
func Tokenize(body string) []string {
	var tokens []string
	var cur strings.Builder
	var quote rune
	inToken := false

	flush := func() {
		if inToken {
			tokens = append(tokens, cur.String())
			cur.Reset()
			inToken = false
		}
	}

	for _, r := range body {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote = r
			inToken = true
		case r == ' ' || r == '\t' || r == '\n':
			flush()
		default:
			cur.WriteRune(r)
			inToken = true
		}
	}
	flush()
	return tokens
}

// ParsedCommand is the result of tokenizing and flag-splitting one command
// invocation.
type ParsedCommand struct {
	Name  string
	Args  []string
	Flags map[string]string
}

// Parse strips the first recognized prefix from body, tokenizes the rest,
// and separates positional arguments from flags. It returns ok=false if
// body does not start with any of prefixes.
func Parse(body string, prefixes []string) (ParsedCommand, bool) {
	trimmed := body
	matched := false
	for _, p := range prefixes {
		if strings.HasPrefix(body, p) {
			trimmed = body[len(p):]
			matched = true
			break
		}
	}
	if !matched {
		return ParsedCommand{}, false
	}

	tokens := Tokenize(trimmed)
	if len(tokens) == 0 {
		return ParsedCommand{}, false
	}

	out := ParsedCommand{
		Name:  strings.ToLower(tokens[0]),
		Flags: make(map[string]string),
	}
	for _, tok := range tokens[1:] {
		switch {
		case strings.HasPrefix(tok, "--"):
			body := tok[2:]
			if eq := strings.IndexByte(body, '='); eq >= 0 {
				out.Flags[body[:eq]] = body[eq+1:]
			} else if body != "" {
				out.Flags[body] = "true"
			}
		case strings.HasPrefix(tok, "-") && len(tok) > 1:
			for _, c := range tok[1:] {
				out.Flags[string(c)] = "true"
			}
		default:
			out.Args = append(out.Args, tok)
		}
	}
	return out, true
}

// needsQuoting reports whether a re-serialized into Format must be wrapped
// in double quotes to tokenize back to the same single argument.
func needsQuoting(a string) bool {
	return a == "" || strings.ContainsAny(a, " \t\n\"'")
}

// Format re-serializes p into a canonical command string: prefix, name,
// positional args (quoted only when necessary), then flags sorted by key
// as --key=value, or bare --key for boolean-true flags. Flag order is not
// preserved from the original string since Parse discards it, but Format's
// own output always reparses into an equal ParsedCommand.
func (p ParsedCommand) Format(prefix string) string {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteString(p.Name)

	for _, a := range p.Args {
		b.WriteByte(' ')
		if needsQuoting(a) {
			b.WriteByte('"')
			b.WriteString(a)
			b.WriteByte('"')
		} else {
			b.WriteString(a)
		}
	}

	keys := make([]string, 0, len(p.Flags))
	for k := range p.Flags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte(' ')
		b.WriteString("--")
		b.WriteString(k)
		if v := p.Flags[k]; v != "true" {
			b.WriteByte('=')
			b.WriteString(v)
		}
	}

	return b.String()
}

// String formats p using "!" as the canonical prefix.
func (p ParsedCommand) String() string {
	return p.Format("!")
}
