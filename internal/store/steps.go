package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

type StepType string

const (
	StepPlanner     StepType = "planner"
	StepSearcher    StepType = "searcher"
	StepReader      StepType = "reader"
	StepSynthesizer StepType = "synthesizer"
)

// StepOrder is the fixed execution order of the pipeline.
var StepOrder = []StepType{StepPlanner, StepSearcher, StepReader, StepSynthesizer}

func ParseStepType(value string) (StepType, bool) {
	candidate := StepType(strings.TrimSpace(strings.ToLower(value)))
	for _, stepType := range StepOrder {
		if stepType == candidate {
			return stepType, true
		}
	}
	return "", false
}

type StepInput struct {
	Query        string   `json:"query"`
	Subquestions []string `json:"subquestions,omitempty"`
	SourceIDs    []string `json:"source_ids,omitempty"`
}

// Output is the result of one step. Each step type has exactly one
// concrete variant; DecodeOutput picks it from the step type.
type Output interface {
	StepType() StepType
	Validate() error
}

type PlannerOutput struct {
	Subquestions []string `json:"subquestions"`
}

func (PlannerOutput) StepType() StepType { return StepPlanner }

func (o PlannerOutput) Validate() error {
	if len(o.Subquestions) == 0 {
		return errors.New("planner produced no subquestions")
	}
	for idx, question := range o.Subquestions {
		if strings.TrimSpace(question) == "" {
			return fmt.Errorf("planner subquestion %d is blank", idx)
		}
	}
	return nil
}

type SourceRef struct {
	ID             string   `json:"id"`
	URL            string   `json:"url"`
	Title          string   `json:"title"`
	RelevanceScore *float64 `json:"relevance_score,omitempty"`
}

type SearcherOutput struct {
	Sources []SourceRef `json:"sources"`
	Notes   string      `json:"notes,omitempty"`
}

func (SearcherOutput) StepType() StepType { return StepSearcher }

func (o SearcherOutput) Validate() error {
	if len(o.Sources) == 0 {
		return errors.New("searcher returned no sources")
	}
	for idx, source := range o.Sources {
		if err := validateSourceURL(source.URL); err != nil {
			return fmt.Errorf("searcher source %d: %w", idx, err)
		}
	}
	return nil
}

type ReadSource struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	Title      string `json:"title"`
	Summary    string `json:"summary"`
	RawContent string `json:"-"`
}

type ReaderOutput struct {
	Sources []ReadSource `json:"sources"`
}

func (ReaderOutput) StepType() StepType { return StepReader }

func (o ReaderOutput) Validate() error {
	if len(o.Sources) == 0 {
		return errors.New("reader returned no sources")
	}
	for idx, source := range o.Sources {
		if strings.TrimSpace(source.ID) == "" {
			return fmt.Errorf("reader source %d has no id", idx)
		}
	}
	return nil
}

type SynthesizerOutput struct {
	Answer    string   `json:"answer"`
	CitedURLs []string `json:"cited_urls"`
}

func (SynthesizerOutput) StepType() StepType { return StepSynthesizer }

func (o SynthesizerOutput) Validate() error {
	if strings.TrimSpace(o.Answer) == "" {
		return errors.New("synthesizer produced an empty answer")
	}
	return nil
}

func EncodeOutput(output Output) ([]byte, error) {
	if output == nil {
		return nil, nil
	}
	return json.Marshal(output)
}

func DecodeOutput(stepType StepType, raw []byte) (Output, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	switch stepType {
	case StepPlanner:
		var out PlannerOutput
		if err := json.Unmarshal(trimmed, &out); err != nil {
			return nil, fmt.Errorf("decode planner output: %w", err)
		}
		return out, nil
	case StepSearcher:
		var out SearcherOutput
		if err := json.Unmarshal(trimmed, &out); err != nil {
			return nil, fmt.Errorf("decode searcher output: %w", err)
		}
		return out, nil
	case StepReader:
		var out ReaderOutput
		if err := json.Unmarshal(trimmed, &out); err != nil {
			return nil, fmt.Errorf("decode reader output: %w", err)
		}
		return out, nil
	case StepSynthesizer:
		var out SynthesizerOutput
		if err := json.Unmarshal(trimmed, &out); err != nil {
			return nil, fmt.Errorf("decode synthesizer output: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown step type %q", stepType)
	}
}

// LatestByType returns the highest-index step of each type. Steps form an
// append-only log, so a retried step type is represented by its newest row.
func LatestByType(steps []ResearchStep) map[StepType]ResearchStep {
	latest := make(map[StepType]ResearchStep, len(StepOrder))
	for _, step := range steps {
		current, ok := latest[step.StepType]
		if !ok || step.StepIndex > current.StepIndex {
			latest[step.StepType] = step
		}
	}
	return latest
}

func NextStepIndex(steps []ResearchStep) int {
	next := 0
	for _, step := range steps {
		if step.StepIndex >= next {
			next = step.StepIndex + 1
		}
	}
	return next
}

func validateSourceURL(raw string) error {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("url %q must use http or https", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("url %q has no host", raw)
	}
	return nil
}
