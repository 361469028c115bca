package callparse

import (
	"encoding/json"
	"errors"
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Kind identifies the text encoding a candidate was found in.
type Kind string

const (
	KindTaggedBlock Kind = "tagged_block"
	KindFencedJSON  Kind = "fenced_json"
	KindBareJSON    Kind = "bare_json"
)

// Params holds candidate parameters in source order. Nested objects are
// *Params as well; numbers are json.Number so they re-encode exactly.
type Params = orderedmap.OrderedMap[string, any]

// NewParams returns an empty parameter map.
func NewParams() *Params {
	return orderedmap.New[string, any]()
}

// Candidate is one provisional tool call found in model text. Candidates are
// immutable; callers that need to change parameters must Clone them first.
type Candidate struct {
	RawText  string
	Kind     Kind
	ToolName string
	Params   *Params
	Offset   int
}

// ParamsJSON encodes the parameters as a JSON object, preserving key order.
func (c Candidate) ParamsJSON() (json.RawMessage, error) {
	if c.Params == nil || c.Params.Len() == 0 {
		return json.RawMessage("{}"), nil
	}

	b, err := json.Marshal(c.Params)
	if err != nil {
		return nil, fmt.Errorf("callparse: encode params: %w", err)
	}

	return b, nil
}

// CloneParams returns a shallow copy of the top-level parameter map.
func (c Candidate) CloneParams() *Params {
	out := NewParams()
	if c.Params == nil {
		return out
	}

	for pair := c.Params.Oldest(); pair != nil; pair = pair.Next() {
		out.Set(pair.Key, pair.Value)
	}

	return out
}

// ErrSyntax is matched by every *SyntaxError.
var ErrSyntax = errors.New("callparse: syntax error")

// SyntaxError reports a recognized call span that could not be parsed. It
// affects only that span; other candidates in the same text are unaffected.
type SyntaxError struct {
	Kind    Kind
	Offset  int
	RawText string
	Reason  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("callparse: %s at offset %d: %s", e.Kind, e.Offset, e.Reason)
}

func (e *SyntaxError) Unwrap() error { return ErrSyntax }

// Result is the outcome of one detection pass. Candidates and Errors are
// each sorted by offset.
type Result struct {
	Candidates []Candidate
	Errors     []SyntaxError
}
