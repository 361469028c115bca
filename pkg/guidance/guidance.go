package guidance

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/germanamz/toolrelay/pkg/callparse"
	"github.com/germanamz/toolrelay/pkg/coordinator"
	"github.com/germanamz/toolrelay/pkg/registry"
)

// DefaultExcerptWidth bounds how much of a result payload is quoted.
const DefaultExcerptWidth = 600

// Resolver supplies tool schemas for repair prompts. *registry.Registry
// implements it.
type Resolver interface {
	Resolve(name string) (registry.ToolDescriptor, bool)
}

// Composer renders a coordinator batch as an instruction block for the next
// model call.
type Composer struct {
	// Hints maps tool names to static usage notes appended after that tool's
	// results.
	Hints map[string]string
	// ExcerptWidth caps each quoted payload, in terminal cells. Zero selects
	// DefaultExcerptWidth.
	ExcerptWidth int
	// Resolver, when set, lets repair prompts quote the tool's schema.
	Resolver Resolver
}

// Compose returns the instruction block for b. A batch without records or
// syntax errors yields "".
func (c Composer) Compose(b coordinator.Batch) string {
	if b.Empty() {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("Tool results for your previous message:\n")

	hinted := map[string]bool{}
	for _, r := range b.Records {
		sb.WriteString("\n")
		c.writeRecord(&sb, r)

		name := r.Candidate.ToolName
		if hint := strings.TrimSpace(c.Hints[name]); hint != "" && !hinted[name] {
			hinted[name] = true
			fmt.Fprintf(&sb, "Hint for %s: %s\n", name, hint)
		}
	}

	if len(b.SyntaxErrors) > 0 {
		sb.WriteString("\nSome tool calls could not be read:\n")
		for _, e := range b.SyntaxErrors {
			fmt.Fprintf(&sb, "- %s at offset %d: %s\n", e.Kind, e.Offset, e.Reason)
		}
		sb.WriteString("Write each call again as valid JSON if it is still needed.\n")
	}

	sb.WriteString("\n")
	sb.WriteString(closing(b))

	return sb.String()
}

func (c Composer) writeRecord(sb *strings.Builder, r coordinator.Record) {
	name := r.Candidate.ToolName
	fmt.Fprintf(sb, "[%d] %s: %s\n", r.Index+1, name, r.Status)

	switch r.Status {
	case coordinator.Succeeded:
		fmt.Fprintf(sb, "Result: %s\n", c.excerpt(r.Result))
		if len(r.ProjectedFields) > 0 {
			fmt.Fprintf(sb, "Only the default fields were returned: %s. Name other fields explicitly to get them.\n",
				strings.Join(r.ProjectedFields, ", "))
		}
	case coordinator.Failed, coordinator.Skipped:
		if r.Error == nil {
			sb.WriteString("Reason: unknown\n")
			return
		}
		fmt.Fprintf(sb, "Reason (%s): %s\n", r.Error.Kind, r.Error.Message)

		switch r.Error.Kind {
		case coordinator.KindSchemaViolation:
			sb.WriteString(c.repairPrompt(r))
			sb.WriteString("\n")
		case coordinator.KindRemoteToolError:
			if len(r.Error.Payload) > 0 {
				fmt.Fprintf(sb, "Details: %s\n", c.excerpt(r.Error.Payload))
			}
		case coordinator.KindServiceUnavailable, coordinator.KindTimeout:
			sb.WriteString("The tool may work if called again later; do not invent its result.\n")
		case coordinator.KindUnknownTool, coordinator.KindNotPermitted:
			sb.WriteString("Do not call this tool again in this conversation.\n")
		}
	}
}

func closing(b coordinator.Batch) string {
	switch {
	case b.Count(coordinator.Succeeded) == len(b.Records) && len(b.SyntaxErrors) == 0:
		return "Answer the user using these results.\n"
	case b.Count(coordinator.Succeeded) == 0:
		return "No tool returned data. Tell the user what could not be done, or correct the calls above.\n"
	default:
		return "Answer with the results you have and say which parts are missing.\n"
	}
}

// excerpt compacts a JSON payload and truncates it to the excerpt width.
func (c Composer) excerpt(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "(empty)"
	}

	var buf bytes.Buffer
	text := string(raw)
	if err := json.Compact(&buf, raw); err == nil {
		text = buf.String()
	}

	width := c.ExcerptWidth
	if width <= 0 {
		width = DefaultExcerptWidth
	}

	return runewidth.Truncate(text, width, "...")
}

const repairTemplate = `Operation: %s
%sError: %s
Redo the operation now with valid parameters.
Use only valid schema fields and ensure required fields and types are valid.
Example params: %s`

// repairPrompt builds a deterministic correction request for a call that
// failed schema validation.
func (c Composer) repairPrompt(r coordinator.Record) string {
	name := r.Candidate.ToolName

	reasons := make([]string, 0, len(r.Error.Fields))
	for _, f := range r.Error.Fields {
		reasons = append(reasons, f.Error())
	}
	errMsg := strings.Join(reasons, "; ")
	if errMsg == "" {
		errMsg = r.Error.Message
	}

	var (
		schemaPart string
		example    = "{}"
	)
	if c.Resolver != nil {
		if desc, ok := c.Resolver.Resolve(name); ok {
			if len(desc.InputSchema) > 0 {
				schemaPart = "Schema: " + string(desc.InputSchema) + "\n"
			}
			example = exampleParams(desc.Params)
		}
	}

	return fmt.Sprintf(repairTemplate, name, schemaPart, errMsg, example)
}

// exampleParams builds a minimal parameter object holding every required
// field, using the schema default or a placeholder of the declared type.
func exampleParams(s registry.ParamSchema) string {
	params := callparse.NewParams()
	for _, f := range s.Fields {
		if !f.Required {
			continue
		}
		if len(f.Default) > 0 {
			params.Set(f.Name, f.Default)
			continue
		}
		params.Set(f.Name, placeholder(f))
	}

	raw, err := callparse.Candidate{Params: params}.ParamsJSON()
	if err != nil {
		return "{}"
	}

	return string(raw)
}

func placeholder(f registry.ParamField) any {
	typ := ""
	for _, t := range f.Types {
		if t != "null" {
			typ = t
			break
		}
	}

	switch typ {
	case "integer", "number":
		return 0
	case "boolean":
		return false
	case "array":
		return []any{}
	case "object":
		return map[string]any{}
	default:
		return "string"
	}
}
