// Package analyzer inspects a stored artifact and produces the report that
// becomes a job's result. Analyzers run inside the worker process only.
package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// Analyzer inspects the file at path. It must not modify the file.
// Domain failures are returned as *model.AnalysisFailure.
type Analyzer interface {
	Analyze(ctx context.Context, path string) (*Report, error)
}

// Func adapts a function to the Analyzer interface.
type Func func(ctx context.Context, path string) (*Report, error)

// Analyze calls f.
func (f Func) Analyze(ctx context.Context, path string) (*Report, error) {
	return f(ctx, path)
}

// Report is the structured outcome of a successful analysis. Validation
// problems are part of a successful analysis, not a failure.
type Report struct {
	FMIVersion       string         `json:"fmi_version"`
	FMITypes         []string       `json:"fmi_types"`
	ModelName        string         `json:"model_name"`
	GUID             string         `json:"guid,omitempty"`
	Platforms        []string       `json:"platforms"`
	ContinuousStates int            `json:"continuous_states"`
	EventIndicators  int            `json:"event_indicators"`
	ModelVariables   int            `json:"model_variables"`
	GenerationDate   string         `json:"generation_date,omitempty"`
	GenerationTool   string         `json:"generation_tool,omitempty"`
	Description      string         `json:"description,omitempty"`
	SHA256           string         `json:"sha256"`
	FileSize         int64          `json:"file_size"`
	Passed           bool           `json:"passed"`
	Problems         []string       `json:"problems"`
	Variables        []Variable     `json:"variables"`
	Files            []string       `json:"files"`
	Documentation    *Documentation `json:"documentation,omitempty"`
}

// Variable is one row of the model variable table.
type Variable struct {
	Type           string `json:"type"`
	Name           string `json:"name"`
	ValueReference string `json:"value_reference,omitempty"`
	Causality      string `json:"causality"`
	Variability    string `json:"variability"`
	Initial        string `json:"initial,omitempty"`
	Start          string `json:"start,omitempty"`
	Unit           string `json:"unit,omitempty"`
	DeclaredType   string `json:"declared_type,omitempty"`
	Description    string `json:"description,omitempty"`
}

// Documentation is the readable text of the FMU's documentation/index.html.
type Documentation struct {
	Title     string `json:"title,omitempty"`
	Byline    string `json:"byline,omitempty"`
	Excerpt   string `json:"excerpt,omitempty"`
	Text      string `json:"text"`
	WordCount int    `json:"word_count"`
}

// Encode returns the JSON blob stored in a result record.
func (r *Report) Encode() (json.RawMessage, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	return b, nil
}

// DecodeReport parses a result blob produced by Encode.
func DecodeReport(b []byte) (*Report, error) {
	var r Report
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &r, nil
}

// StubAnalyzer returns a fixed report without reading the archive
// (for development/testing).
type StubAnalyzer struct{}

func (StubAnalyzer) Analyze(_ context.Context, path string) (*Report, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return &Report{
		FMIVersion:     "2.0",
		FMITypes:       []string{"Co-Simulation"},
		ModelName:      "Stub",
		Platforms:      []string{"c-code"},
		ModelVariables: 1,
		FileSize:       info.Size(),
		Passed:         true,
		Problems:       []string{},
		Variables: []Variable{
			{Type: "Real", Name: "x", Causality: "output", Variability: "continuous"},
		},
		Files: []string{"modelDescription.xml"},
	}, nil
}
