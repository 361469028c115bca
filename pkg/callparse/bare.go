package callparse

import (
	"cmp"
	"errors"
	"slices"
)

// maxBareNesting is the deepest object level searched for a bare call.
const maxBareNesting = 32

// BareJSON matches top-level JSON objects embedded in prose, such as
//
//	{ "tool": "get_employee_info", "parameters": {"employeeId": "A123456"} }
//
// To stay quiet on ordinary JSON in prose, an object is only accepted when it
// parses, carries both a tool key and a parameters key, and the parameters
// value is an object. Malformed JSON is reported only when it textually
// mentions both keys.
//
// The text is scanned once, so detection time grows linearly with its
// length even for runs of unmatched braces or unterminated strings.
type BareJSON struct {
	Keys Keys
}

// NewBareJSON returns a BareJSON matcher.
func NewBareJSON(keys Keys) *BareJSON {
	keys.ensure()
	return &BareJSON{Keys: keys}
}

func (*BareJSON) Kind() Kind { return KindBareJSON }

func (m *BareJSON) Match(text string) []Span {
	regions := balancedObjects(text, maxBareNesting)
	if len(regions) == 0 {
		return nil
	}

	toolAt := m.Keys.toolRe.FindAllStringIndex(text, -1)
	paramAt := m.Keys.paramRe.FindAllStringIndex(text, -1)
	if len(toolAt) == 0 || len(paramAt) == 0 {
		return nil
	}

	var spans []Span
	next := 0
	for _, r := range regions {
		if r.start < next || !within(toolAt, r) || !within(paramAt, r) {
			continue
		}

		if span, ok := m.parse(text, r.start, r.end); ok {
			spans = append(spans, span)
			next = r.end
		}
	}

	return spans
}

func (m *BareJSON) parse(text string, start, end int) (Span, bool) {
	raw := []byte(text[start:end])

	if err := validateJSON(raw); err != nil {
		return errorSpan(KindBareJSON, text, start, end, "malformed JSON: "+err.Error()), true
	}

	name, params, err := m.Keys.decodeCall(raw, paramsRequired)
	if err != nil {
		// Well-formed JSON of the wrong shape is ordinary prose data; only a
		// bad tool name is worth reporting. A key mentioned in a nested
		// object is found when the nested region comes up.
		if errors.Is(err, errBadName) {
			return errorSpan(KindBareJSON, text, start, end, err.Error()), true
		}
		return Span{}, false
	}

	return newSpan(KindBareJSON, text, start, end, name, params), true
}

// region is a brace-balanced byte range of text, end exclusive.
type region struct {
	start, end int
}

// within reports whether one of the sorted, non-overlapping matches lies
// entirely inside r.
func within(matches [][]int, r region) bool {
	i, _ := slices.BinarySearchFunc(matches, r.start, func(m []int, start int) int {
		return cmp.Compare(m[0], start)
	})

	return i < len(matches) && matches[i][1] <= r.end
}

// balancedObjects returns the brace-balanced regions of text ordered by start
// offset, in a single pass. Braces inside JSON strings are skipped. A raw
// newline ends a string, as JSON strings cannot hold one, so a stray quote
// only hides the rest of its line. Quotes outside any object are prose.
// Regions nested deeper than maxDepth are left out.
func balancedObjects(text string, maxDepth int) []region {
	var (
		open     []int
		regions  []region
		inString bool
		escaped  bool
	)

	for i := 0; i < len(text); i++ {
		c := text[i]

		if inString {
			switch {
			case c == '\n':
				inString, escaped = false, false
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = len(open) > 0
		case '{':
			open = append(open, i)
		case '}':
			if len(open) == 0 {
				continue
			}
			start := open[len(open)-1]
			open = open[:len(open)-1]
			if len(open) < maxDepth {
				regions = append(regions, region{start: start, end: i + 1})
			}
		}
	}

	slices.SortFunc(regions, func(a, b region) int { return cmp.Compare(a.start, b.start) })

	return regions
}
