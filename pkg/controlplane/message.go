// Package controlplane connects snapdbproxy to the local control plane
// over its newline-delimited text protocol and relays availability
// transitions both ways.
package controlplane

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Message is one control-plane command with its named parameters. The wire
// form is a single line: the command word, a space, then semicolon-joined
// key=value pairs.
type Message struct {
	Command string
	Params  map[string]string
}

// NewMessage builds an outbound message.
func NewMessage(command string) *Message {
	return &Message{Command: command, Params: map[string]string{}}
}

// Set adds a parameter and returns the message for chaining.
func (m *Message) Set(key, value string) *Message {
	m.Params[key] = value
	return m
}

// Get returns a parameter value, or "" when absent.
func (m *Message) Get(key string) string {
	return m.Params[key]
}

var paramEscaper = strings.NewReplacer(
	`\`, `\\`,
	`;`, `\;`,
	`=`, `\=`,
	"\n", `\n`,
)

func unescapeParam(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	escaped := false
	for _, r := range s {
		if escaped {
			if r == 'n' {
				b.WriteByte('\n')
			} else {
				b.WriteRune(r)
			}
			escaped = false
			continue
		}
		if r == '\\' {
			escaped = true
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// splitUnescaped splits s on sep, honoring backslash escapes.
func splitUnescaped(s string, sep byte) []string {
	var parts []string
	start := 0
	escaped := false
	for i := 0; i < len(s); i++ {
		switch {
		case escaped:
			escaped = false
		case s[i] == '\\':
			escaped = true
		case s[i] == sep:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

// Encode renders the message as one protocol line, without the trailing
// newline. Parameters are emitted in key order so the output is stable.
func (m *Message) Encode() string {
	if len(m.Params) == 0 {
		return m.Command
	}
	keys := make([]string, 0, len(m.Params))
	for k := range m.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(m.Command)
	b.WriteByte(' ')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(paramEscaper.Replace(m.Params[k]))
	}
	return b.String()
}

// ParseMessage decodes one protocol line.
func ParseMessage(line string) (*Message, error) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return nil, errors.New("controlplane: empty message")
	}
	command, rest, hasParams := strings.Cut(line, " ")
	if command == "" {
		return nil, errors.New("controlplane: message without a command")
	}
	m := NewMessage(command)
	if !hasParams || rest == "" {
		return m, nil
	}
	for _, pair := range splitUnescaped(rest, ';') {
		if pair == "" {
			continue
		}
		kv := splitUnescaped(pair, '=')
		if len(kv) != 2 || kv[0] == "" {
			return nil, errors.Errorf("controlplane: malformed parameter %q", pair)
		}
		m.Params[unescapeParam(kv[0])] = unescapeParam(kv[1])
	}
	return m, nil
}
