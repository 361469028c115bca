package callparse

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectNoCalls(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{name: "empty", text: ""},
		{name: "prose", text: "The quarterly numbers look fine."},
		{name: "json without keys", text: `Here is data: {"a": 1, "b": {"c": 2}}`},
		{name: "tool key only", text: `{"tool": "x"}`},
		{name: "params not object", text: `{"tool": "x", "parameters": [1, 2]}`},
		{name: "braces in prose", text: "set {x} to {y} }{ done"},
		{name: "python fence", text: "```python\nprint('hi')\n```"},
		{name: "json fence without tool", text: "```json\n{\"id\": 1}\n```"},
		{name: "close marker only", text: "oops </tool_call>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Detect(tt.text)
			assert.Empty(t, res.Candidates)
			assert.Empty(t, res.Errors)
		})
	}
}

func TestDetectBareJSONScenario(t *testing.T) {
	text := `{ "tool": "get_employee_info", "parameters": {"employeeId": "A123456"} }`

	res := Detect(text)
	require.Len(t, res.Candidates, 1)
	assert.Empty(t, res.Errors)

	c := res.Candidates[0]
	assert.Equal(t, "get_employee_info", c.ToolName)
	assert.Equal(t, KindBareJSON, c.Kind)
	assert.Equal(t, 0, c.Offset)
	assert.Equal(t, text, c.RawText)

	v, ok := c.Params.Get("employeeId")
	require.True(t, ok)
	assert.Equal(t, "A123456", v)
}

func TestDetectTaggedBlockWithoutParams(t *testing.T) {
	text := "Let me check.\n<tool_call>\nget_department_list\n</tool_call>"

	res := Detect(text)
	require.Len(t, res.Candidates, 1)
	assert.Empty(t, res.Errors)

	c := res.Candidates[0]
	assert.Equal(t, "get_department_list", c.ToolName)
	assert.Equal(t, KindTaggedBlock, c.Kind)
	assert.Equal(t, 0, c.Params.Len())
	assert.Equal(t, len("Let me check.\n"), c.Offset)

	raw, err := c.ParamsJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(raw))
}

func TestDetectTaggedBlockRoundTrip(t *testing.T) {
	params := `{"employeeId":"A123456","limit":10,"ratio":1.50,"big":12345678901234567890,"nested":{"z":1,"a":[true,null,"x"]}}`
	text := "<tool_call>\n  get_employee_info  \n" + params + "\n</tool_call>"

	res := Detect(text)
	require.Len(t, res.Candidates, 1)

	raw, err := res.Candidates[0].ParamsJSON()
	require.NoError(t, err)
	assert.Equal(t, params, string(raw))
}

func TestDetectTaggedBlockJSONBody(t *testing.T) {
	text := `<tool_call>{"name": "lookup", "arguments": {"q": "x"}}</tool_call>`

	res := Detect(text)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, "lookup", res.Candidates[0].ToolName)
	assert.Equal(t, KindTaggedBlock, res.Candidates[0].Kind)
}

func TestDetectTaggedBlockNameAndJSONOnOneLine(t *testing.T) {
	res := Detect(`<tool_call>search {"q": "go"}</tool_call>`)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, "search", res.Candidates[0].ToolName)

	v, _ := res.Candidates[0].Params.Get("q")
	assert.Equal(t, "go", v)
}

func TestDetectTaggedBlockNestedFenceIsLiteral(t *testing.T) {
	text := "<tool_call>\nrun\n```json\n{\"tool\": \"inner\", \"parameters\": {}}\n```\n</tool_call>"

	res := Detect(text)
	assert.Empty(t, res.Candidates)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, KindTaggedBlock, res.Errors[0].Kind)
}

func TestDetectFencedJSON(t *testing.T) {
	text := "Calling:\n```json\n{\"tool\": \"get_employee_info\", \"parameters\": {\"employeeId\": \"B1\"}}\n```\nDone."

	res := Detect(text)
	require.Len(t, res.Candidates, 1)
	assert.Empty(t, res.Errors)

	c := res.Candidates[0]
	assert.Equal(t, KindFencedJSON, c.Kind)
	assert.Equal(t, "get_employee_info", c.ToolName)
	assert.Equal(t, len("Calling:\n"), c.Offset)
	assert.Contains(t, c.RawText, "```json")
}

func TestDetectFencedVariants(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{name: "jsonc", text: "```jsonc\n{\"tool\": \"a\", \"parameters\": {}}\n```"},
		{name: "uppercase", text: "```JSON\n{\"tool\": \"a\", \"parameters\": {}}\n```"},
		{name: "unlabeled", text: "```\n{\"tool\": \"a\", \"parameters\": {}}\n```"},
		{name: "tildes", text: "~~~json\n{\"tool\": \"a\", \"parameters\": {}}\n~~~"},
		{name: "longer close", text: "```json\n{\"tool\": \"a\", \"parameters\": {}}\n`````"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Detect(tt.text)
			require.Len(t, res.Candidates, 1)
			assert.Equal(t, KindFencedJSON, res.Candidates[0].Kind)
			assert.Equal(t, "a", res.Candidates[0].ToolName)
		})
	}
}

func TestDetectFencedMissingParameters(t *testing.T) {
	res := Detect("```json\n{\"tool\": \"a\"}\n```")

	assert.Empty(t, res.Candidates)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, KindFencedJSON, res.Errors[0].Kind)
	assert.Contains(t, res.Errors[0].Reason, "parameters")
}

func TestDetectFencedDataWithNameKey(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{name: "name with space", text: "```json\n{\"name\": \"Alice Smith\", \"department\": \"IT\"}\n```"},
		{name: "name valid as tool", text: "```json\n{\"name\": \"alice\", \"department\": \"IT\"}\n```"},
		{name: "unlabeled", text: "```\n{\"tool_name\": \"x\", \"id\": 7}\n```"},
		{name: "malformed record", text: "```json\n{\"name\": \"Alice\", \"department\": }\n```"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Detect(tt.text)
			assert.Empty(t, res.Candidates)
			assert.Empty(t, res.Errors)
		})
	}

	// With a parameters key the alias still marks a call attempt.
	res := Detect("```json\n{\"name\": \"Alice Smith\", \"parameters\": {}}\n```")
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Reason, "invalid tool name")
}

func TestDetectMalformedDoesNotHideOthers(t *testing.T) {
	text := "First:\n```json\n{\"tool\": \"broken\", \"parameters\": {\"a\": }}\n```\n" +
		"Second: {\"tool\": \"ok_tool\", \"parameters\": {\"x\": 1}}\n" +
		"<tool_call>\nthird\n{\"y\": 2}\n</tool_call>"

	res := Detect(text)
	require.Len(t, res.Candidates, 2)
	assert.Equal(t, "ok_tool", res.Candidates[0].ToolName)
	assert.Equal(t, "third", res.Candidates[1].ToolName)

	require.Len(t, res.Errors, 1)
	assert.Equal(t, KindFencedJSON, res.Errors[0].Kind)
	assert.Contains(t, res.Errors[0].RawText, "broken")

	var syn *SyntaxError
	err := error(&res.Errors[0])
	require.ErrorAs(t, err, &syn)
	assert.True(t, errors.Is(err, ErrSyntax))
}

func TestDetectUnterminatedFenceFallsBackToBare(t *testing.T) {
	res := Detect("```json\n{\"tool\": \"x\", \"parameters\": {}}")

	require.Len(t, res.Candidates, 1)
	assert.Equal(t, KindBareJSON, res.Candidates[0].Kind)
	assert.Equal(t, len("```json\n"), res.Candidates[0].Offset)
}

func TestDetectBareMalformed(t *testing.T) {
	res := Detect(`Try {"tool": "x", "parameters": {bad}} now`)

	assert.Empty(t, res.Candidates)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, KindBareJSON, res.Errors[0].Kind)
	assert.Equal(t, 4, res.Errors[0].Offset)
}

func TestDetectInvalidToolName(t *testing.T) {
	tests := []struct {
		name string
		text string
		kind Kind
	}{
		{name: "tagged space", text: "<tool_call>\nget employee\n</tool_call>", kind: KindTaggedBlock},
		{name: "tagged symbol", text: "<tool_call>\nrm -rf /;\n</tool_call>", kind: KindTaggedBlock},
		{name: "bare", text: `{"tool": "drop table!", "parameters": {}}`, kind: KindBareJSON},
		{name: "fenced", text: "```json\n{\"tool\": \"a/b\", \"parameters\": {}}\n```", kind: KindFencedJSON},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Detect(tt.text)
			assert.Empty(t, res.Candidates)
			require.Len(t, res.Errors, 1)
			assert.Equal(t, tt.kind, res.Errors[0].Kind)
			assert.Contains(t, res.Errors[0].Reason, "invalid tool name")
		})
	}
}

func TestDetectValidNameCharacters(t *testing.T) {
	res := Detect("<tool_call>\nhr.v2:get-employee_info\n</tool_call>")
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, "hr.v2:get-employee_info", res.Candidates[0].ToolName)
}

func TestDetectPrecedence(t *testing.T) {
	// The bare object inside the tagged block is discarded.
	text := "<tool_call>\n{\"tool\": \"outer\", \"parameters\": {}}\n</tool_call>"

	res := Detect(text)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, KindTaggedBlock, res.Candidates[0].Kind)

	fenced := "```json\n{\"tool\": \"f\", \"parameters\": {}}\n```"
	res = Detect(fenced)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, KindFencedJSON, res.Candidates[0].Kind)
}

func TestDetectOrderAcrossEncodings(t *testing.T) {
	text := `{"tool": "first", "parameters": {}}` + "\n" +
		"```json\n{\"tool\": \"second\", \"parameters\": {}}\n```\n" +
		"<tool_call>\nthird\n</tool_call>"

	res := Detect(text)
	require.Len(t, res.Candidates, 3)
	assert.Equal(t, "first", res.Candidates[0].ToolName)
	assert.Equal(t, "second", res.Candidates[1].ToolName)
	assert.Equal(t, "third", res.Candidates[2].ToolName)
	assert.Less(t, res.Candidates[0].Offset, res.Candidates[1].Offset)
	assert.Less(t, res.Candidates[1].Offset, res.Candidates[2].Offset)
}

func TestDetectNestedBareObject(t *testing.T) {
	res := Detect(`{"wrapper": {"tool": "inner", "parameters": {"k": "v"}}}`)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, "inner", res.Candidates[0].ToolName)
}

func TestDetectPathologicalInputIsLinear(t *testing.T) {
	const n = 100_000

	tests := []struct {
		name string
		text string
	}{
		{name: "open braces", text: strings.Repeat("{", n)},
		{name: "nested braces", text: strings.Repeat("{", n/2) + strings.Repeat("}", n/2)},
		{name: "unterminated strings", text: strings.Repeat(`{"`, n/2)},
		{name: "open markers", text: strings.Repeat("<tool_call>", n/len("<tool_call>"))},
		{name: "keys everywhere", text: strings.Repeat(`{"tool": "x", "parameters": `, n/30)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start := time.Now()
			Detect(tt.text)
			assert.Less(t, time.Since(start), 2*time.Second)
		})
	}
}

func TestDetectBareAfterStrayCharacters(t *testing.T) {
	text := "Use { to open a block, and 5\" screens.\n" +
		`Then {"tool": "get_department_list", "parameters": {}}`

	res := Detect(text)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, "get_department_list", res.Candidates[0].ToolName)
	assert.Empty(t, res.Errors)
}

func TestDetectBracesInsideStrings(t *testing.T) {
	res := Detect(`{"tool": "echo", "parameters": {"text": "a } b { c"}}`)
	require.Len(t, res.Candidates, 1)

	v, _ := res.Candidates[0].Params.Get("text")
	assert.Equal(t, "a } b { c", v)
}

func TestDetectUnterminatedTaggedBlock(t *testing.T) {
	text := "<tool_call>\nfoo\n" + `{"tool": "bar", "parameters": {}}`

	res := Detect(text)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Reason, "unterminated")
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, "bar", res.Candidates[0].ToolName)
}

func TestDetectDeterministic(t *testing.T) {
	text := "a {\"tool\":\"x\",\"parameters\":{\"b\":1}} <tool_call>\ny\n</tool_call>"

	first := Detect(text)
	for range 5 {
		assert.Equal(t, first, Detect(text))
	}
}

func TestDetectorCustomOptions(t *testing.T) {
	d := New(Options{
		OpenMarker:  "[[call]]",
		CloseMarker: "[[/call]]",
		ToolKeys:    []string{"fn"},
		ParamKeys:   []string{"args"},
	})

	res := d.Detect("[[call]]\nping\n[[/call]] and {\"fn\": \"pong\", \"args\": {}}")
	require.Len(t, res.Candidates, 2)
	assert.Equal(t, "ping", res.Candidates[0].ToolName)
	assert.Equal(t, "pong", res.Candidates[1].ToolName)

	// Default keys are not recognized by this detector.
	res = d.Detect(`{"tool": "x", "parameters": {}}`)
	assert.Empty(t, res.Candidates)
}

func TestNewWithMatchers(t *testing.T) {
	d := NewWithMatchers(NewBareJSON(NewKeys(nil, nil)))
	require.Len(t, d.Matchers(), 1)

	res := d.Detect("<tool_call>\nx\n</tool_call>")
	assert.Empty(t, res.Candidates)
}

func TestCloneParams(t *testing.T) {
	res := Detect(`{"tool": "t", "parameters": {"a": 1, "b": 2}}`)
	require.Len(t, res.Candidates, 1)

	c := res.Candidates[0]
	clone := c.CloneParams()
	clone.Set("fields", []any{"x"})

	assert.Equal(t, 2, c.Params.Len())
	assert.Equal(t, 3, clone.Len())

	raw, err := json.Marshal(clone)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2,"fields":["x"]}`, string(raw))
}

func TestParseParams(t *testing.T) {
	p, err := ParseParams([]byte(` {"z": 1, "a": {"n": 2.50}} `))
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "a"}, keysOf(p))

	raw, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Equal(t, `{"z":1,"a":{"n":2.50}}`, string(raw))

	_, err = ParseParams([]byte(`[1]`))
	require.Error(t, err)

	_, err = ParseParams([]byte(`{"a":`))
	require.Error(t, err)
}

func keysOf(p *Params) []string {
	var keys []string
	for pair := p.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}

	return keys
}
