package callparse

import (
	"strconv"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestDetectProseWithoutEncodingsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("text with no call syntax yields nothing", prop.ForAll(
		func(text string) bool {
			res := Detect(text)
			return len(res.Candidates) == 0 && len(res.Errors) == 0
		},
		gen.RegexMatch(`[A-Za-z0-9 ,.!?:;()\[\]"'\n\-]{0,200}`),
	))

	properties.TestingRun(t)
}

func TestDetectTaggedRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("a tagged call round-trips its name and params", prop.ForAll(
		func(name string, keys []string, values []int64) bool {
			body, want := encodeObject(keys, values)
			text := "Sure.\n<tool_call>\n" + name + "\n" + body + "\n</tool_call>\nDone."

			res := Detect(text)
			if len(res.Candidates) != 1 || len(res.Errors) != 0 {
				return false
			}

			c := res.Candidates[0]
			got, err := c.ParamsJSON()
			if err != nil {
				return false
			}

			return c.ToolName == name && c.Kind == KindTaggedBlock && string(got) == want
		},
		gen.RegexMatch(`[a-z][a-z0-9_]{0,20}`),
		gen.SliceOfN(5, gen.Identifier()),
		gen.SliceOfN(5, gen.Int64()),
	))

	properties.TestingRun(t)
}

// encodeObject builds a compact JSON object from deduplicated keys. The
// first return is the text fed to the detector, the second the expected
// re-encoding.
func encodeObject(keys []string, values []int64) (string, string) {
	seen := map[string]bool{}

	var parts []string
	for i, k := range keys {
		if seen[k] || i >= len(values) {
			continue
		}
		seen[k] = true
		parts = append(parts, strconv.Quote(k)+":"+strconv.FormatInt(values[i], 10))
	}

	if len(parts) == 0 {
		return "{}", "{}"
	}

	compact := "{" + strings.Join(parts, ",") + "}"
	spaced := "{ " + strings.Join(parts, ", ") + " }"

	return spaced, compact
}
