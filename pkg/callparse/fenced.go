package callparse

import (
	"errors"
	"strings"
)

// DefaultFenceLanguages are the info strings treated as JSON-like.
var DefaultFenceLanguages = []string{"json", "jsonc", "json5", "tool_call"}

// FencedJSON matches fenced code blocks whose language hint is JSON-like
// and whose body is a {tool, parameters} object. Unlabeled fences are
// considered when the body starts with '{'. A body without a parameters key
// is only reported when it uses the primary tool key, so echoed records such
// as {"name": "Alice Smith"} stay quiet.
type FencedJSON struct {
	Languages []string
	Keys      Keys
}

// NewFencedJSON returns a FencedJSON, defaulting empty languages.
func NewFencedJSON(languages []string, keys Keys) *FencedJSON {
	if len(languages) == 0 {
		languages = DefaultFenceLanguages
	}
	keys.ensure()

	return &FencedJSON{Languages: languages, Keys: keys}
}

func (*FencedJSON) Kind() Kind { return KindFencedJSON }

// fence is one fenced code block located in text.
type fence struct {
	start, end int // whole block including fence lines
	info       string
	body       string
}

func (m *FencedJSON) Match(text string) []Span {
	var spans []Span

	for _, f := range findFences(text) {
		if !m.accepts(f) {
			continue
		}
		if span, ok := m.parse(text, f); ok {
			spans = append(spans, span)
		}
	}

	return spans
}

func (m *FencedJSON) accepts(f fence) bool {
	if f.info == "" {
		return strings.HasPrefix(strings.TrimSpace(f.body), "{")
	}

	for _, lang := range m.Languages {
		if strings.EqualFold(f.info, lang) {
			return true
		}
	}

	return false
}

func (m *FencedJSON) parse(text string, f fence) (Span, bool) {
	body := []byte(strings.TrimSpace(f.body))

	if err := validateJSON(body); err != nil {
		if !m.Keys.intendsMalformedCall(body) {
			return Span{}, false
		}
		return errorSpan(KindFencedJSON, text, f.start, f.end, "malformed JSON: "+err.Error()), true
	}
	if len(body) == 0 || body[0] != '{' || !m.Keys.intendsCall(body) {
		return Span{}, false
	}

	name, params, err := m.Keys.decodeCall(body, paramsRequired)
	if err != nil {
		var notCall errNotACall
		if errors.As(err, &notCall) {
			return Span{}, false
		}
		return errorSpan(KindFencedJSON, text, f.start, f.end, err.Error()), true
	}

	return newSpan(KindFencedJSON, text, f.start, f.end, name, params), true
}

// findFences locates CommonMark-style fenced blocks opened by three or more
// backticks or tildes (indented at most three spaces) and closed by a run of
// the same character at least as long. Unterminated fences are ignored.
func findFences(text string) []fence {
	var fences []fence

	lines := splitLines(text)
	for i := 0; i < len(lines); i++ {
		open := lines[i]
		char, n, info, ok := fenceOpen(open.text)
		if !ok {
			continue
		}

		for j := i + 1; j < len(lines); j++ {
			if !fenceClose(lines[j].text, char, n) {
				continue
			}

			bodyStart := open.end
			if bodyStart < len(text) && text[bodyStart] == '\n' {
				bodyStart++
			}
			bodyEnd := lines[j].start
			if bodyEnd < bodyStart {
				bodyEnd = bodyStart
			}

			fences = append(fences, fence{
				start: open.start,
				end:   lines[j].end,
				info:  info,
				body:  text[bodyStart:bodyEnd],
			})
			i = j
			break
		}
	}

	return fences
}

type line struct {
	start, end int // end excludes the newline
	text       string
}

func splitLines(text string) []line {
	var lines []line

	start := 0
	for start <= len(text) {
		k := strings.IndexByte(text[start:], '\n')
		if k < 0 {
			lines = append(lines, line{start: start, end: len(text), text: text[start:]})
			break
		}
		lines = append(lines, line{start: start, end: start + k, text: text[start : start+k]})
		start += k + 1
	}

	return lines
}

func fenceOpen(s string) (char byte, n int, info string, ok bool) {
	s = strings.TrimRight(s, "\r")
	indent := len(s) - len(strings.TrimLeft(s, " "))
	if indent > 3 {
		return 0, 0, "", false
	}
	s = s[indent:]
	if len(s) < 3 || (s[0] != '`' && s[0] != '~') {
		return 0, 0, "", false
	}

	char = s[0]
	for n < len(s) && s[n] == char {
		n++
	}
	if n < 3 {
		return 0, 0, "", false
	}

	info = strings.TrimSpace(s[n:])
	if char == '`' && strings.ContainsRune(info, '`') {
		return 0, 0, "", false
	}
	if fields := strings.Fields(info); len(fields) > 0 {
		info = fields[0]
	}

	return char, n, info, true
}

func fenceClose(s string, char byte, n int) bool {
	s = strings.TrimRight(s, " \t\r")
	indent := len(s) - len(strings.TrimLeft(s, " "))
	if indent > 3 {
		return false
	}
	s = s[indent:]

	run := 0
	for run < len(s) && s[run] == char {
		run++
	}

	return run >= n && run == len(s)
}
