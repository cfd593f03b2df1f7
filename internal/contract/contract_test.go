package contract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validBlock() string {
	return "```decision\n" +
		`{"summary": "refactored parser", "files": ["a.go"], "commands": ["go test ./..."], "risks": [], "confidence": 0.8}` +
		"\n```"
}

func TestValidate_RoundTrip(t *testing.T) {
	t.Parallel()

	rec := DecisionRecord{
		Summary:    "split scheduler from controller",
		Files:      []string{"internal/scheduler/scheduler.go", "internal/round/controller.go"},
		Commands:   []string{"go test ./..."},
		Risks:      []string{"behavior change on resume"},
		Confidence: 0.75,
	}
	res := Validate(Encode(rec))
	require.True(t, res.Valid, "reasons: %v", res.Reasons)
	assert.Equal(t, rec, *res.Record)
}

func TestValidate_RoundTripNormalizesNilSlices(t *testing.T) {
	t.Parallel()

	res := Validate(Encode(DecisionRecord{Summary: "noop", Confidence: 1}))
	require.True(t, res.Valid, "reasons: %v", res.Reasons)
	assert.Empty(t, res.Record.Files)
	assert.Empty(t, res.Record.Commands)
	assert.Empty(t, res.Record.Risks)
}

func TestValidate_IgnoresSurroundingProse(t *testing.T) {
	t.Parallel()

	out := "Here is my conclusion after reviewing the debate.\n\n" + validBlock() + "\n\nThanks!\n"
	res := Validate(out)
	require.True(t, res.Valid, "reasons: %v", res.Reasons)
	assert.Equal(t, "refactored parser", res.Record.Summary)
}

func TestValidate_NoBlock(t *testing.T) {
	t.Parallel()

	res := Validate("I could not come to a decision.")
	assert.False(t, res.Valid)
	assert.Contains(t, res.Reasons, "no decision block found")
}

func TestValidate_MultipleBlocksAmbiguous(t *testing.T) {
	t.Parallel()

	res := Validate(validBlock() + "\n" + validBlock())
	assert.False(t, res.Valid)
	require.Len(t, res.Reasons, 1)
	assert.Contains(t, res.Reasons[0], "ambiguous contract")
}

func TestValidate_MissingFieldNamed(t *testing.T) {
	t.Parallel()

	out := "```decision\n" +
		`{"summary": "done", "files": [], "commands": [], "risks": []}` +
		"\n```"
	res := Validate(out)
	assert.False(t, res.Valid)
	assert.Equal(t, []string{"missing field: confidence"}, res.Reasons)
}

func TestValidate_EnumeratesAllViolations(t *testing.T) {
	t.Parallel()

	out := "```decision\n" +
		`{"summary": "", "files": "a.go", "commands": [], "confidence": 1.5}` +
		"\n```"
	res := Validate(out)
	assert.False(t, res.Valid)
	assert.ElementsMatch(t, []string{
		"field summary: must be non-empty",
		"field files: expected array of strings",
		"missing field: risks",
		"field confidence: must be within [0,1]",
	}, res.Reasons)
}

func TestValidate_NullListIsWrongType(t *testing.T) {
	t.Parallel()

	out := "```decision\n" +
		`{"summary": "done", "files": null, "commands": [], "risks": [], "confidence": 0.5}` +
		"\n```"
	res := Validate(out)
	assert.False(t, res.Valid)
	assert.Equal(t, []string{"field files: expected array of strings"}, res.Reasons)
}

func TestValidate_RepairsTrailingComma(t *testing.T) {
	t.Parallel()

	out := "```decision\n" +
		`{"summary": "done", "files": ["a.go",], "commands": [], "risks": [], "confidence": 0.5,}` +
		"\n```"
	res := Validate(out)
	require.True(t, res.Valid, "reasons: %v", res.Reasons)
	assert.Equal(t, []string{"a.go"}, res.Record.Files)
}

func TestValidate_GarbageBlock(t *testing.T) {
	t.Parallel()

	res := Validate("```decision\nsummary is everything went great\n```")
	assert.False(t, res.Valid)
	require.NotEmpty(t, res.Reasons)
}

func TestValidate_OversizedLineReportsUnreadableOutput(t *testing.T) {
	t.Parallel()

	// A single line past the scanner's buffer cap must not masquerade as a
	// missing block; the repair loop needs to know the output was unreadable.
	raw := "```decision\n" + strings.Repeat("x", 5*1024*1024) + "\n```"
	res := Validate(raw)
	assert.False(t, res.Valid)
	require.Len(t, res.Reasons, 1)
	assert.Contains(t, res.Reasons[0], "output unreadable")
}

func TestValidate_NeverPanicsOnHostileInput(t *testing.T) {
	t.Parallel()

	for _, in := range []string{
		"",
		"```decision",
		"```decision\n```",
		"``` decision\n{}\n```",
		"```decision\n{\n```",
	} {
		res := Validate(in)
		assert.False(t, res.Valid, "input %q", in)
	}
}
