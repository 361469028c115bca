package callparse

import (
	"strings"
)

// TaggedBlock matches calls wrapped in an open/close marker pair:
//
//	<tool_call>
//	get_employee_info
//	{"employeeId": "A123456"}
//	</tool_call>
//
// The first non-empty line is the tool name and the rest, if any, is a JSON
// object of parameters. A body that is itself a {tool, parameters} object is
// accepted too. Anything else inside the block, including code fences, is
// literal content.
type TaggedBlock struct {
	Open  string
	Close string
	Keys  Keys
}

// NewTaggedBlock returns a TaggedBlock, defaulting empty markers.
func NewTaggedBlock(open, closing string, keys Keys) *TaggedBlock {
	if open == "" {
		open = DefaultOpenMarker
	}
	if closing == "" {
		closing = DefaultCloseMarker
	}
	keys.ensure()

	return &TaggedBlock{Open: open, Close: closing, Keys: keys}
}

func (*TaggedBlock) Kind() Kind { return KindTaggedBlock }

func (m *TaggedBlock) Match(text string) []Span {
	var spans []Span

	pos := 0
	closeLeft := true // false once no close marker remains past pos
	for pos < len(text) {
		i := strings.Index(text[pos:], m.Open)
		if i < 0 {
			break
		}
		start := pos + i
		bodyStart := start + len(m.Open)

		j := -1
		if closeLeft {
			j = strings.Index(text[bodyStart:], m.Close)
		}
		if j < 0 {
			closeLeft = false
			spans = append(spans, errorSpan(KindTaggedBlock, text, start, bodyStart, "unterminated block: missing "+m.Close))
			pos = bodyStart
			continue
		}
		bodyEnd := bodyStart + j
		end := bodyEnd + len(m.Close)

		spans = append(spans, m.parse(text, start, end, text[bodyStart:bodyEnd]))
		pos = end
	}

	return spans
}

func (m *TaggedBlock) parse(text string, start, end int, body string) Span {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return errorSpan(KindTaggedBlock, text, start, end, "empty block")
	}

	if trimmed[0] == '{' {
		if err := validateJSON([]byte(trimmed)); err != nil {
			return errorSpan(KindTaggedBlock, text, start, end, "malformed JSON: "+err.Error())
		}
		name, params, err := m.Keys.decodeCall([]byte(trimmed), paramsOptional)
		if err != nil {
			return errorSpan(KindTaggedBlock, text, start, end, err.Error())
		}
		return newSpan(KindTaggedBlock, text, start, end, name, params)
	}

	nameLine, rest, _ := strings.Cut(trimmed, "\n")
	// Tolerate "name {json}" on one line.
	if k := strings.IndexByte(nameLine, '{'); k > 0 {
		rest = nameLine[k:] + "\n" + rest
		nameLine = nameLine[:k]
	}

	name := strings.TrimSpace(nameLine)
	if !ValidToolName(name) {
		return errorSpan(KindTaggedBlock, text, start, end, "invalid tool name "+quote(name))
	}

	rest = strings.TrimSpace(rest)
	if rest == "" {
		return newSpan(KindTaggedBlock, text, start, end, name, NewParams())
	}

	params, err := decodeObject([]byte(rest))
	if err != nil {
		return errorSpan(KindTaggedBlock, text, start, end, "malformed parameters: "+err.Error())
	}

	return newSpan(KindTaggedBlock, text, start, end, name, params)
}

func quote(s string) string {
	const limit = 64
	if len(s) > limit {
		s = s[:limit] + "..."
	}

	return `"` + s + `"`
}
