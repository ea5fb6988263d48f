package stages

import (
	"context"
	"fmt"

	"proposal-pipeline/internal/domain/ports/adapter"
	"proposal-pipeline/internal/pipeline"
)

// Complexity levels returned by the analysis.
const (
	ComplexityLow    = "Low"
	ComplexityMedium = "Medium"
	ComplexityHigh   = "High"
)

type RequirementsAnalysis struct {
	ProjectScope          string   `json:"project_scope"`
	Deliverables          []string `json:"deliverables"`
	TechnicalRequirements []string `json:"technical_requirements"`
	TimelineEstimate      string   `json:"timeline_estimate"`
	ComplexityLevel       string   `json:"complexity_level"`
	TeamSkillsNeeded      []string `json:"team_skills_needed"`
	KeyRisks              []string `json:"key_risks"`
	Fallback              bool     `json:"fallback,omitempty"`
}

// DefaultAnalysis is used when the model reply cannot be parsed.
func DefaultAnalysis() RequirementsAnalysis {
	return RequirementsAnalysis{
		ProjectScope:          "Requirements analysis completed",
		Deliverables:          []string{"Custom software solution"},
		TechnicalRequirements: []string{"To be determined"},
		TimelineEstimate:      "To be estimated",
		ComplexityLevel:       ComplexityMedium,
		TeamSkillsNeeded:      []string{"Software development"},
		KeyRisks:              []string{"Scope changes"},
		Fallback:              true,
	}
}

const analysisSystem = "You are a delivery lead turning client requirements into a structured project brief. Reply with JSON only."

const analysisPrompt = `Analyze these project requirements and extract key information. Return a JSON object with this structure:
{
  "project_scope": "Description of what the project entails",
  "deliverables": ["List of specific deliverables"],
  "technical_requirements": ["List of technical needs"],
  "timeline_estimate": "Estimated timeline",
  "complexity_level": "Low/Medium/High",
  "team_skills_needed": ["Required skills/roles"],
  "key_risks": ["Potential project risks"]
}

Client: %s
Project: %s
Industry: %s

Requirements to analyze:
%s`

// RequirementsAnalyzer asks the reasoning service for a project brief.
type RequirementsAnalyzer struct {
	maxTokens int
}

func (a *RequirementsAnalyzer) Handle(ctx context.Context, sc *pipeline.StageContext) (pipeline.Fragment, error) {
	req := sc.Request
	resp, err := sc.Invoke(ctx, adapter.ReasoningRequest{
		System:    analysisSystem,
		Prompt:    fmt.Sprintf(analysisPrompt, req.ClientName, req.ProjectName, req.Industry, req.Requirements),
		MaxTokens: a.maxTokens,
	})
	if err != nil {
		return nil, err
	}

	analysis, ok := ParseJSON(resp.Text, DefaultAnalysis())
	switch {
	case !ok:
		if err := sc.Note(ctx, "model reply was not valid JSON, using the default project brief"); err != nil {
			return nil, err
		}
	default:
		analysis.ComplexityLevel = normalizeComplexity(analysis.ComplexityLevel)
		if err := sc.Note(ctx, fmt.Sprintf("requirements analysed: %d deliverables, %s complexity", len(analysis.Deliverables), analysis.ComplexityLevel)); err != nil {
			return nil, err
		}
	}
	return pipeline.FragmentOf(KeyRequirements, analysis)
}

func normalizeComplexity(s string) string {
	switch s {
	case "low", "LOW", ComplexityLow:
		return ComplexityLow
	case "high", "HIGH", ComplexityHigh:
		return ComplexityHigh
	}
	return ComplexityMedium
}
