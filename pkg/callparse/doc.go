// Package callparse finds tool-call directives in free-form model output.
//
// Three encodings are recognized, each by its own [Matcher]:
//   - [TaggedBlock]: an open/close marker pair around a tool name line and an
//     optional JSON object of parameters
//   - [FencedJSON]: a ```json fenced block holding {"tool": ..., "parameters": {...}}
//   - [BareJSON]: the same object inline in prose
//
// A [Detector] runs every matcher over the whole text independently and keeps
// spans in precedence order (tagged-block, fenced-JSON, bare-JSON), dropping
// any later span that overlaps an accepted one. Malformed JSON inside a
// recognized span becomes a [SyntaxError] for that span alone.
//
// Detection is pure and never blocks. Parameters keep their source key order
// (github.com/wk8/go-ordered-map) and numbers are kept as json.Number, so
// [Candidate.ParamsJSON] re-encodes exactly what the model wrote.
package callparse
