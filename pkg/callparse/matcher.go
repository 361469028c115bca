package callparse

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"

	"github.com/buger/jsonparser"
)

// Span is one region of text claimed by a Matcher. Exactly one of Candidate
// and Err is set. Error spans still claim their region so that weaker
// encodings do not re-detect the same text.
type Span struct {
	Start     int
	End       int
	Candidate *Candidate
	Err       *SyntaxError
}

func (s Span) overlaps(o Span) bool {
	return s.Start < o.End && o.Start < s.End
}

// Matcher finds one call encoding in text. Matchers are independent: each
// scans the whole text and never sees what other matchers claimed.
type Matcher interface {
	Kind() Kind
	Match(text string) []Span
}

// Default marker and key aliases.
var (
	DefaultOpenMarker  = "<tool_call>"
	DefaultCloseMarker = "</tool_call>"
	DefaultToolKeys    = []string{"tool", "tool_name", "name"}
	DefaultParamKeys   = []string{"parameters", "params", "arguments"}
)

// Keys lists the accepted aliases for the tool-name and parameters keys of a
// JSON-encoded call.
type Keys struct {
	Tool   []string
	Params []string

	toolRe    *regexp.Regexp
	primaryRe *regexp.Regexp
	paramRe   *regexp.Regexp
}

// NewKeys builds Keys, falling back to the defaults for empty lists.
func NewKeys(tool, params []string) Keys {
	if len(tool) == 0 {
		tool = DefaultToolKeys
	}
	if len(params) == 0 {
		params = DefaultParamKeys
	}

	return Keys{
		Tool:      tool,
		Params:    params,
		toolRe:    keyPattern(tool),
		primaryRe: keyPattern(tool[:1]),
		paramRe:   keyPattern(params),
	}
}

func (k *Keys) ensure() {
	if k.toolRe == nil || k.primaryRe == nil || k.paramRe == nil {
		*k = NewKeys(k.Tool, k.Params)
	}
}

// looksLikeCall reports whether raw text mentions a tool key, and whether it
// also mentions a parameters key. Used for JSON that failed to parse.
func (k *Keys) looksLikeCall(raw []byte) (tool, params bool) {
	return k.toolRe.Match(raw), k.paramRe.Match(raw)
}

// intendsCall reports whether a well-formed object that names a tool was
// meant as a call. It must carry a parameters key or use the primary tool
// key; an object matched only through an alias such as "name" is data.
func (k *Keys) intendsCall(data []byte) bool {
	if _, _, _, ok := firstKey(data, k.Params); ok {
		return true
	}
	_, _, _, ok := firstKey(data, k.Tool[:1])
	return ok
}

// intendsMalformedCall is intendsCall for text that failed to parse.
func (k *Keys) intendsMalformedCall(raw []byte) bool {
	hasTool, hasParams := k.looksLikeCall(raw)
	return hasTool && (hasParams || k.primaryRe.Match(raw))
}

// paramsRule controls how a missing parameters key is treated.
type paramsRule int

const (
	paramsOptional paramsRule = iota
	paramsRequired
)

// errNotACall means the object is well-formed JSON that is simply not a tool
// call; the matcher should ignore it rather than report an error.
type errNotACall struct{}

func (errNotACall) Error() string { return "missing tool key" }

var errBadName = errors.New("invalid tool name")

// decodeCall interprets a well-formed JSON object as {tool, parameters}.
func (k *Keys) decodeCall(data []byte, rule paramsRule) (string, *Params, error) {
	data = bytes.TrimSpace(data)

	_, toolRaw, toolType, ok := firstKey(data, k.Tool)
	if !ok {
		return "", nil, errNotACall{}
	}
	if toolType != jsonparser.String {
		return "", nil, fmt.Errorf("tool name must be a string, got %s", toolType)
	}
	name, err := jsonparser.ParseString(toolRaw)
	if err != nil {
		return "", nil, fmt.Errorf("decode tool name: %w", err)
	}
	if !ValidToolName(name) {
		return "", nil, fmt.Errorf("%w %q", errBadName, name)
	}

	paramKey, paramRaw, paramType, ok := firstKey(data, k.Params)
	if !ok {
		if rule == paramsRequired {
			return "", nil, fmt.Errorf("missing %q key", k.Params[0])
		}
		return name, NewParams(), nil
	}
	if paramType != jsonparser.Object {
		return "", nil, fmt.Errorf("%q must be a JSON object, got %s", paramKey, paramType)
	}

	params, err := objectFromValid(paramRaw)
	if err != nil {
		return "", nil, fmt.Errorf("decode %q: %w", paramKey, err)
	}

	return name, params, nil
}

func newSpan(kind Kind, text string, start, end int, name string, params *Params) Span {
	return Span{
		Start: start,
		End:   end,
		Candidate: &Candidate{
			RawText:  text[start:end],
			Kind:     kind,
			ToolName: name,
			Params:   params,
			Offset:   start,
		},
	}
}

func errorSpan(kind Kind, text string, start, end int, reason string) Span {
	return Span{
		Start: start,
		End:   end,
		Err: &SyntaxError{
			Kind:    kind,
			Offset:  start,
			RawText: text[start:end],
			Reason:  reason,
		},
	}
}
