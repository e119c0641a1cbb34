package engine

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"proposalflow/internal/collab"
	"proposalflow/internal/domain"
)

//go:embed schema/requirements.schema.json
var requirementsSchema []byte

const requirementsSchemaURL = "https://proposalflow.local/schema/requirements.schema.json"

// Requirements is the part of the extracted requirements the engine reads.
type Requirements struct {
	Summary        string             `json:"summary"`
	Scope          []string           `json:"scope"`
	Deliverables   []string           `json:"deliverables"`
	OpenQuestions  []string           `json:"open_questions,omitempty"`
	EstimatedValue *domain.ValueRange `json:"estimated_value,omitempty"`
}

// RequirementsChecker validates extracted requirements for completeness.
type RequirementsChecker struct {
	schema *jsonschema.Schema
}

func NewRequirementsChecker() (*RequirementsChecker, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(requirementsSchemaURL, bytes.NewReader(requirementsSchema)); err != nil {
		return nil, fmt.Errorf("requirements schema load failed: %w", err)
	}
	s, err := c.Compile(requirementsSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("requirements schema compile failed: %w", err)
	}
	return &RequirementsChecker{schema: s}, nil
}

// Check returns the parsed requirements and the list of gaps that need a client
// clarification. Output that is not a JSON object is a permanent error.
func (c *RequirementsChecker) Check(raw json.RawMessage) (Requirements, []string, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Requirements{}, nil, collab.Permanent("extract_requirements", fmt.Errorf("output is not JSON: %w", err))
	}
	if _, ok := doc.(map[string]any); !ok {
		return Requirements{}, nil, collab.Permanent("extract_requirements", errors.New("output is not a JSON object"))
	}
	var gaps []string
	if err := c.schema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if !errors.As(err, &ve) {
			return Requirements{}, nil, err
		}
		for _, e := range ve.BasicOutput().Errors {
			if e.KeywordLocation == "" {
				continue
			}
			gaps = append(gaps, fmt.Sprintf("%s: %s", location(e.InstanceLocation), e.Error))
		}
		if len(gaps) == 0 {
			gaps = append(gaps, ve.Error())
		}
		sort.Strings(gaps)
		gaps = dedupe(gaps)
	}
	var req Requirements
	if len(gaps) == 0 {
		if err := json.Unmarshal(raw, &req); err != nil {
			return Requirements{}, nil, collab.Permanent("extract_requirements", err)
		}
	} else {
		// Best effort for a partial document.
		_ = json.Unmarshal(raw, &req)
	}
	gaps = append(gaps, req.OpenQuestions...)
	return req, gaps, nil
}

func location(l string) string {
	if l == "" {
		return "/"
	}
	return l
}

func dedupe(in []string) []string {
	out := in[:0]
	for i, s := range in {
		if i > 0 && s == in[i-1] {
			continue
		}
		out = append(out, s)
	}
	return out
}
