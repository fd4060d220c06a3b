// Package parsers contains the deterministic structural parsers the
// semantic validators evaluate rules against. Parsers are pure functions
// from strings (or structured values) to small ASTs: no policy lives
// here, no parser ever panics, and invalid input yields Valid=false plus
// whatever partial structure was recovered.
package parsers

import (
	"strings"
)

// ShellCommand is the tokenised form of a shell command line.
type ShellCommand struct {
	Valid   bool     `json:"valid"`
	Program string   `json:"program"`
	Flags   []string `json:"flags"`
	Args    []string `json:"args"`
	Raw     string   `json:"-"`
}

// ParseShell tokenises a command line using shell-word rules: whitespace
// splits outside quotes, single quotes are literal, double quotes honor
// backslash escapes. Pipelines and substitutions are not expanded; the
// tokens of the first simple command are returned and connector tokens
// (|, &&, ;) land in Args so rules can still see them.
func ParseShell(input string) ShellCommand {
	cmd := ShellCommand{Raw: input, Flags: []string{}, Args: []string{}}
	tokens, ok := shellWords(input)
	cmd.Valid = ok
	if len(tokens) == 0 {
		cmd.Valid = false
		return cmd
	}
	cmd.Program = tokens[0]
	for _, tok := range tokens[1:] {
		if strings.HasPrefix(tok, "-") && len(tok) > 1 {
			cmd.Flags = append(cmd.Flags, tok)
		} else {
			cmd.Args = append(cmd.Args, tok)
		}
	}
	return cmd
}

// HasFlag reports whether the command carries the given flag, matching
// combined short flags ("-rf" contains "-r" and "-f").
func (c ShellCommand) HasFlag(flag string) bool {
	want := strings.TrimLeft(flag, "-")
	for _, f := range c.Flags {
		if f == flag {
			return true
		}
		if strings.HasPrefix(f, "--") {
			continue
		}
		if len(want) == 1 && strings.Contains(strings.TrimPrefix(f, "-"), want) {
			return true
		}
	}
	return false
}

// shellWords splits input into words. Returns ok=false on unterminated
// quotes; the tokens recovered so far are still returned.
func shellWords(input string) ([]string, bool) {
	var (
		tokens  []string
		current strings.Builder
		inWord  bool
	)
	flush := func() {
		if inWord {
			tokens = append(tokens, current.String())
			current.Reset()
			inWord = false
		}
	}

	runes := []rune(input)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '\'':
			inWord = true
			closed := false
			for i++; i < len(runes); i++ {
				if runes[i] == '\'' {
					closed = true
					break
				}
				current.WriteRune(runes[i])
			}
			if !closed {
				flush()
				return tokens, false
			}
		case r == '"':
			inWord = true
			closed := false
			for i++; i < len(runes); i++ {
				if runes[i] == '"' {
					closed = true
					break
				}
				if runes[i] == '\\' && i+1 < len(runes) {
					i++
				}
				current.WriteRune(runes[i])
			}
			if !closed {
				flush()
				return tokens, false
			}
		case r == '\\' && i+1 < len(runes):
			inWord = true
			i++
			current.WriteRune(runes[i])
		case r == ' ' || r == '\t' || r == '\n':
			flush()
		default:
			inWord = true
			current.WriteRune(r)
		}
	}
	flush()
	return tokens, true
}
