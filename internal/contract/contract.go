// Package contract extracts and validates the structured decision record
// agents must emit in their output.
package contract

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// BlockTag is the fence tag that marks the decision block in agent output.
const BlockTag = "decision"

// Instructions is handed to agents as part of their task input so the
// expected output shape travels with the work.
const Instructions = "Emit exactly one fenced block tagged `decision` containing a JSON object " +
	"with fields: summary (non-empty string), files ([]string), commands ([]string), " +
	"risks ([]string), confidence (number in [0,1])."

// DecisionRecord is the structured contract an agent must emit.
type DecisionRecord struct {
	Summary    string   `json:"summary"`
	Files      []string `json:"files"`
	Commands   []string `json:"commands"`
	Risks      []string `json:"risks"`
	Confidence float64  `json:"confidence"`
}

// Result is the outcome of validating one raw agent output. Agent output is
// untrusted free text, so malformed input is always reported through Reasons
// rather than an error.
type Result struct {
	Record  *DecisionRecord
	Valid   bool
	Reasons []string
}

// Validate locates the decision block in rawOutput and parses it into a
// DecisionRecord. Every missing or malformed field is reported, not just the
// first. Zero or multiple candidate blocks is itself a violation.
func Validate(rawOutput string) Result {
	blocks, err := extractBlocks(rawOutput)
	switch {
	case err != nil:
		return invalid("output unreadable: " + err.Error())
	case len(blocks) == 0:
		return invalid("no decision block found")
	case len(blocks) > 1:
		return invalid(fmt.Sprintf("ambiguous contract: %d decision blocks found", len(blocks)))
	}

	fields, reason := parseObject(blocks[0])
	if reason != "" {
		return invalid(reason)
	}

	var reasons []string
	rec := DecisionRecord{}

	if raw, ok := fields["summary"]; !ok {
		reasons = append(reasons, "missing field: summary")
	} else if json.Unmarshal(raw, &rec.Summary) != nil {
		reasons = append(reasons, "field summary: expected string")
	} else if strings.TrimSpace(rec.Summary) == "" {
		reasons = append(reasons, "field summary: must be non-empty")
	}

	for _, f := range []struct {
		name string
		dst  *[]string
	}{
		{"files", &rec.Files},
		{"commands", &rec.Commands},
		{"risks", &rec.Risks},
	} {
		raw, ok := fields[f.name]
		if !ok {
			reasons = append(reasons, "missing field: "+f.name)
			continue
		}
		if string(raw) == "null" || json.Unmarshal(raw, f.dst) != nil {
			reasons = append(reasons, "field "+f.name+": expected array of strings")
			continue
		}
		if *f.dst == nil {
			*f.dst = []string{}
		}
	}

	if raw, ok := fields["confidence"]; !ok {
		reasons = append(reasons, "missing field: confidence")
	} else if json.Unmarshal(raw, &rec.Confidence) != nil {
		reasons = append(reasons, "field confidence: expected number")
	} else if rec.Confidence < 0 || rec.Confidence > 1 {
		reasons = append(reasons, "field confidence: must be within [0,1]")
	}

	if len(reasons) > 0 {
		return Result{Reasons: reasons}
	}
	return Result{Record: &rec, Valid: true}
}

// Encode serializes a record into the fenced-block wire format. Nil slices
// are normalized to empty so the output survives Validate unchanged.
func Encode(rec DecisionRecord) string {
	if rec.Files == nil {
		rec.Files = []string{}
	}
	if rec.Commands == nil {
		rec.Commands = []string{}
	}
	if rec.Risks == nil {
		rec.Risks = []string{}
	}
	data, _ := json.MarshalIndent(rec, "", "  ")
	return fmt.Sprintf("```%s\n%s\n```", BlockTag, data)
}

// parseObject decodes block content into raw fields, repairing slightly
// broken JSON before giving up.
func parseObject(block string) (map[string]json.RawMessage, string) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(block), &fields); err == nil {
		return fields, ""
	}
	repaired, err := jsonrepair.JSONRepair(block)
	if err != nil {
		return nil, "decision block is not valid JSON"
	}
	if err := json.Unmarshal([]byte(repaired), &fields); err != nil {
		return nil, "decision block is not valid JSON"
	}
	return fields, ""
}

func extractBlocks(rawOutput string) ([]string, error) {
	var blocks []string
	var current []string
	inBlock := false

	scanner := bufio.NewScanner(strings.NewReader(rawOutput))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if !inBlock {
			if trimmed == "```"+BlockTag {
				inBlock = true
				current = current[:0]
			}
			continue
		}
		if trimmed == "```" {
			inBlock = false
			blocks = append(blocks, strings.Join(current, "\n"))
			continue
		}
		current = append(current, line)
	}
	// A line past the buffer cap aborts the scan; report that instead of
	// pretending the output had no block.
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return blocks, nil
}

func invalid(reason string) Result {
	return Result{Reasons: []string{reason}}
}
