package guidance

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/germanamz/toolrelay/pkg/callparse"
	"github.com/germanamz/toolrelay/pkg/coordinator"
	"github.com/germanamz/toolrelay/pkg/registry"
	"github.com/germanamz/toolrelay/pkg/toolservice"
)

type catalogSource struct{ cat toolservice.Catalog }

func (s catalogSource) Name() string { return s.cat.ServiceName }

func (s catalogSource) Catalog(context.Context) (toolservice.Catalog, error) { return s.cat, nil }

func employeeRegistry(t *testing.T) *registry.Registry {
	t.Helper()

	r := registry.New()
	report := r.Sync(context.Background(), catalogSource{cat: toolservice.Catalog{
		ServiceName: "hr",
		Tools: []toolservice.CatalogTool{{
			Name:            "get_employee_info",
			ParameterSchema: json.RawMessage(`{"type":"object","properties":{"employeeId":{"type":"string"},"verbose":{"type":"boolean"}},"required":["employeeId"]}`),
		}},
	}})
	require.Empty(t, report.Failed())

	return r
}

func record(i int, tool string, status coordinator.Status) coordinator.Record {
	return coordinator.Record{Index: i, Candidate: callparse.Candidate{ToolName: tool}, Status: status}
}

func TestComposeEmptyBatch(t *testing.T) {
	assert.Empty(t, Composer{}.Compose(coordinator.Batch{}))
	assert.Empty(t, Composer{Hints: map[string]string{"x": "y"}}.Compose(coordinator.Batch{Records: []coordinator.Record{}}))
}

func TestComposeSuccessWithHint(t *testing.T) {
	ok := record(0, "get_department_list", coordinator.Succeeded)
	ok.Result = json.RawMessage(`{ "departments": [ "sales", "hr" ] }`)

	b := coordinator.Batch{
		Records: []coordinator.Record{ok},
		Counts:  map[coordinator.Status]int{coordinator.Succeeded: 1},
	}
	out := Composer{Hints: map[string]string{"get_department_list": "Departments are listed alphabetically."}}.Compose(b)

	assert.Contains(t, out, "[1] get_department_list: succeeded")
	assert.Contains(t, out, `Result: {"departments":["sales","hr"]}`)
	assert.Contains(t, out, "Hint for get_department_list: Departments are listed alphabetically.")
	assert.True(t, strings.HasSuffix(out, "Answer the user using these results.\n"))
}

func TestComposeHintOncePerTool(t *testing.T) {
	a := record(0, "get_payslip", coordinator.Succeeded)
	a.Result = json.RawMessage(`{}`)
	b := record(1, "get_payslip", coordinator.Succeeded)
	b.Result = json.RawMessage(`{}`)

	out := Composer{Hints: map[string]string{"get_payslip": "Amounts are in EUR."}}.Compose(coordinator.Batch{
		Records: []coordinator.Record{a, b},
		Counts:  map[coordinator.Status]int{coordinator.Succeeded: 2},
	})
	assert.Equal(t, 1, strings.Count(out, "Amounts are in EUR."))
}

func TestComposeTruncatesPayload(t *testing.T) {
	r := record(0, "get_org_chart", coordinator.Succeeded)
	r.Result = json.RawMessage(`"` + strings.Repeat("x", 100) + `"`)

	out := Composer{ExcerptWidth: 20}.Compose(coordinator.Batch{
		Records: []coordinator.Record{r},
		Counts:  map[coordinator.Status]int{coordinator.Succeeded: 1},
	})
	assert.Contains(t, out, `Result: "`+strings.Repeat("x", 16)+"...\n")
}

func TestComposeFailures(t *testing.T) {
	unknown := record(0, "fire_everyone", coordinator.Skipped)
	unknown.Error = &coordinator.ErrorDetail{Kind: coordinator.KindUnknownTool, Message: `tool "fire_everyone" is not registered`}

	timeout := record(1, "get_payslip", coordinator.Failed)
	timeout.Error = &coordinator.ErrorDetail{Kind: coordinator.KindTimeout, Message: "turn deadline exceeded"}

	remote := record(2, "get_employee_info", coordinator.Failed)
	remote.Error = &coordinator.ErrorDetail{
		Kind:     coordinator.KindRemoteToolError,
		Message:  "no such employee",
		Category: toolservice.CategoryNotFound,
		Payload:  json.RawMessage(`{"employeeId":"Z999999"}`),
	}

	out := Composer{}.Compose(coordinator.Batch{
		Records: []coordinator.Record{unknown, timeout, remote},
		Counts:  map[coordinator.Status]int{coordinator.Skipped: 1, coordinator.Failed: 2},
	})

	assert.Contains(t, out, "Reason (unknown_tool):")
	assert.Contains(t, out, "Do not call this tool again")
	assert.Contains(t, out, "Reason (timeout): turn deadline exceeded")
	assert.Contains(t, out, "may work if called again later")
	assert.Contains(t, out, `Details: {"employeeId":"Z999999"}`)
	assert.True(t, strings.HasSuffix(out, "No tool returned data. Tell the user what could not be done, or correct the calls above.\n"))
}

func TestComposeRepairPrompt(t *testing.T) {
	r := record(0, "get_employee_info", coordinator.Skipped)
	r.Error = &coordinator.ErrorDetail{
		Kind:    coordinator.KindSchemaViolation,
		Message: `parameters for "get_employee_info" do not match its schema`,
		Fields:  []registry.FieldError{{Field: "employeeId", Reason: "required field is missing"}},
	}
	ok := record(1, "get_department_list", coordinator.Succeeded)
	ok.Result = json.RawMessage(`[]`)

	c := Composer{Resolver: employeeRegistry(t)}
	b := coordinator.Batch{
		Records: []coordinator.Record{r, ok},
		Counts:  map[coordinator.Status]int{coordinator.Skipped: 1, coordinator.Succeeded: 1},
	}

	out := c.Compose(b)
	assert.Contains(t, out, "Operation: get_employee_info\nSchema: {")
	assert.Contains(t, out, "Error: employeeId: required field is missing\n")
	assert.Contains(t, out, `Example params: {"employeeId":"string"}`)
	assert.True(t, strings.HasSuffix(out, "Answer with the results you have and say which parts are missing.\n"))

	assert.Equal(t, out, c.Compose(b), "repair prompts are deterministic")
}

func TestComposeSyntaxErrorsOnly(t *testing.T) {
	out := Composer{}.Compose(coordinator.Batch{
		SyntaxErrors: []callparse.SyntaxError{{Kind: callparse.KindFencedJSON, Offset: 12, Reason: "malformed JSON"}},
		Counts:       map[coordinator.Status]int{},
	})

	assert.Contains(t, out, "- fenced_json at offset 12: malformed JSON")
	assert.Contains(t, out, "Write each call again as valid JSON")
}

func TestExampleParamsUsesDefaultsAndTypes(t *testing.T) {
	s := registry.ParamSchema{Fields: []registry.ParamField{
		{Name: "employeeId", Types: []string{"string"}, Required: true},
		{Name: "count", Types: []string{"null", "integer"}, Required: true},
		{Name: "fields", Types: []string{"array"}, Required: true, Default: json.RawMessage(`["name"]`)},
		{Name: "verbose", Types: []string{"boolean"}},
	}}

	assert.JSONEq(t, `{"employeeId":"string","count":0,"fields":["name"]}`, exampleParams(s))
}
