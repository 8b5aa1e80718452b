package pipe

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// DiagnosisResponse is the diagnosis pipe's view of a trigger.
type DiagnosisResponse struct {
	Summary    string  `json:"summary"`
	RootCause  string  `json:"root_cause"`
	Severity   string  `json:"severity,omitempty"`
	Confidence float64 `json:"confidence"`
}

// ActionSelectionResponse is the decision pipe's proposed change.
type ActionSelectionResponse struct {
	Kind                string          `json:"kind"`
	Component           string          `json:"component,omitempty"`
	Param               string          `json:"param,omitempty"`
	NewValue            json.RawMessage `json:"new_value,omitempty"`
	Rationale           string          `json:"rationale,omitempty"`
	Confidence          float64         `json:"confidence"`
	ExpectedImprovement string          `json:"expected_improvement,omitempty"`
}

// NewValueText returns the proposed value in textual form for typed parsing.
func (r ActionSelectionResponse) NewValueText() string {
	raw := bytes.TrimSpace(r.NewValue)
	if len(raw) == 0 {
		return ""
	}
	if raw[0] == '"' {
		if s, err := strconv.Unquote(string(raw)); err == nil {
			return s
		}
	}
	return string(raw)
}

// ValidationResponse is the validation pipe's bias check of a proposed action.
type ValidationResponse struct {
	Approved   bool     `json:"approved"`
	Concerns   []string `json:"concerns,omitempty"`
	Confidence float64  `json:"confidence"`
}

// LearningResponse is the learning pipe's synthesized lesson.
type LearningResponse struct {
	Lesson         string  `json:"lesson"`
	Recommendation string  `json:"recommendation,omitempty"`
	Confidence     float64 `json:"confidence"`
}

const diagnosisSchema = `{
  "type": "object",
  "required": ["summary", "root_cause"],
  "properties": {
    "summary": {"type": "string", "minLength": 1},
    "root_cause": {"type": "string"},
    "severity": {"type": "string"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1}
  }
}`

const actionSchema = `{
  "type": "object",
  "required": ["kind", "confidence"],
  "properties": {
    "kind": {"type": "string", "enum": ["adjust_param", "scale_resource", "toggle_feature", "no_op"]},
    "component": {"type": "string"},
    "param": {"type": "string"},
    "new_value": {"type": ["string", "number", "boolean"]},
    "rationale": {"type": "string"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "expected_improvement": {"type": "string"}
  }
}`

const validationSchema = `{
  "type": "object",
  "required": ["approved"],
  "properties": {
    "approved": {"type": "boolean"},
    "concerns": {"type": "array", "items": {"type": "string"}},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1}
  }
}`

const learningSchema = `{
  "type": "object",
  "required": ["lesson"],
  "properties": {
    "lesson": {"type": "string", "minLength": 1},
    "recommendation": {"type": "string"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1}
  }
}`

var (
	diagnosisSchemaLoader  = gojsonschema.NewStringLoader(diagnosisSchema)
	actionSchemaLoader     = gojsonschema.NewStringLoader(actionSchema)
	validationSchemaLoader = gojsonschema.NewStringLoader(validationSchema)
	learningSchemaLoader   = gojsonschema.NewStringLoader(learningSchema)
)

// extractJSON finds the first JSON object in completion text, accepting fenced blocks.
func extractJSON(text string) ([]byte, error) {
	trimmed := strings.TrimSpace(text)
	if idx := strings.Index(trimmed, "```"); idx >= 0 {
		rest := trimmed[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			trimmed = strings.TrimSpace(rest[:end])
		}
	}
	start := strings.Index(trimmed, "{")
	if start < 0 {
		return nil, errors.New("no JSON object in completion")
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(trimmed); i++ {
		ch := trimmed[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '{':
			depth++
		case ch == '}':
			depth--
			if depth == 0 {
				return []byte(trimmed[start : i+1]), nil
			}
		}
	}
	return nil, errors.New("unterminated JSON object in completion")
}

// decode extracts, schema-validates and unmarshals a completion into out.
func decode(pipeName string, schema gojsonschema.JSONLoader, text string, out any) error {
	raw, err := extractJSON(text)
	if err != nil {
		return &Error{Kind: KindParse, Pipe: pipeName, Err: err}
	}
	result, err := gojsonschema.Validate(schema, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return &Error{Kind: KindParse, Pipe: pipeName, Err: fmt.Errorf("schema validation: %w", err)}
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return &Error{Kind: KindParse, Pipe: pipeName, Err: fmt.Errorf("invalid response: %s", strings.Join(problems, "; "))}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Kind: KindParse, Pipe: pipeName, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
