package decompose

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// ParseSubtasks extracts subtask specs from model output. Accepted shapes are
// {"subtasks": [...]} and a bare array, where each element is either an
// object with a "description" field or a plain string. Malformed JSON is run
// through jsonrepair before giving up.
func ParseSubtasks(raw string) ([]Spec, error) {
	body := extractJSON(raw)
	if body == "" {
		return nil, errors.New("no JSON found in decomposition output")
	}

	specs, err := decodeSpecs(body)
	if err == nil {
		return specs, nil
	}

	repaired, repairErr := jsonrepair.JSONRepair(body)
	if repairErr != nil {
		return nil, fmt.Errorf("decode decomposition output: %w", err)
	}
	specs, err = decodeSpecs(repaired)
	if err != nil {
		return nil, fmt.Errorf("decode repaired decomposition output: %w", err)
	}
	return specs, nil
}

func extractJSON(raw string) string {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
		text = strings.TrimSpace(text)
	}
	start := strings.IndexAny(text, "[{")
	if start < 0 {
		return ""
	}
	return text[start:]
}

func decodeSpecs(body string) ([]Spec, error) {
	var items []json.RawMessage
	if strings.HasPrefix(body, "{") {
		var envelope struct {
			Subtasks []json.RawMessage `json:"subtasks"`
		}
		if err := json.Unmarshal([]byte(body), &envelope); err != nil {
			return nil, err
		}
		if envelope.Subtasks == nil {
			return nil, errors.New(`missing "subtasks" field`)
		}
		items = envelope.Subtasks
	} else if err := json.Unmarshal([]byte(body), &items); err != nil {
		return nil, err
	}

	specs := make([]Spec, 0, len(items))
	for idx, item := range items {
		var text string
		if err := json.Unmarshal(item, &text); err == nil {
			specs = append(specs, Spec{Description: text})
			continue
		}
		var spec Spec
		if err := json.Unmarshal(item, &spec); err != nil {
			return nil, fmt.Errorf("subtask %d: %w", idx, err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
