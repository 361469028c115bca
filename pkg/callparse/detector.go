package callparse

import (
	"slices"
)

// Options configures a Detector. Zero values select the defaults.
type Options struct {
	OpenMarker     string
	CloseMarker    string
	ToolKeys       []string
	ParamKeys      []string
	FenceLanguages []string
}

// Detector runs an ordered set of matchers over text. Earlier matchers take
// precedence: a span that overlaps one already accepted is discarded.
type Detector struct {
	matchers []Matcher
}

// New builds the standard detector: tagged-block, then fenced-JSON, then
// bare-JSON.
func New(opts Options) *Detector {
	keys := NewKeys(opts.ToolKeys, opts.ParamKeys)

	return NewWithMatchers(
		NewTaggedBlock(opts.OpenMarker, opts.CloseMarker, keys),
		NewFencedJSON(opts.FenceLanguages, keys),
		NewBareJSON(keys),
	)
}

// NewWithMatchers builds a detector from matchers in precedence order.
func NewWithMatchers(matchers ...Matcher) *Detector {
	return &Detector{matchers: matchers}
}

// Matchers returns the matchers in precedence order.
func (d *Detector) Matchers() []Matcher {
	return slices.Clone(d.matchers)
}

var defaultDetector = New(Options{})

// Detect runs the default detector.
func Detect(text string) Result {
	return defaultDetector.Detect(text)
}

// Detect scans text and returns every candidate and syntax error, ordered by
// offset. It is pure: the same text always yields the same result.
func (d *Detector) Detect(text string) Result {
	var accepted []Span

	for _, m := range d.matchers {
		for _, span := range m.Match(text) {
			if overlapsAny(accepted, span) {
				continue
			}
			accepted = append(accepted, span)
		}
	}

	slices.SortStableFunc(accepted, func(a, b Span) int { return a.Start - b.Start })

	var res Result
	for _, span := range accepted {
		switch {
		case span.Err != nil:
			res.Errors = append(res.Errors, *span.Err)
		case span.Candidate != nil:
			res.Candidates = append(res.Candidates, *span.Candidate)
		}
	}

	return res
}

func overlapsAny(accepted []Span, s Span) bool {
	for _, a := range accepted {
		if a.overlaps(s) {
			return true
		}
	}

	return false
}
