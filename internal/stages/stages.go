// Package stages holds the proposal pipeline's stage handlers.
package stages

import (
	"time"

	"github.com/rs/zerolog"

	"proposal-pipeline/internal/domain/model"
	"proposal-pipeline/internal/domain/ports/adapter"
	"proposal-pipeline/internal/domain/ports/repository"
	"proposal-pipeline/internal/pipeline"
)

// Stage names, in pipeline order.
const (
	AnalyzeRequirements  = "analyze_requirements"
	CalculateCost        = "calculate_cost"
	RetrieveTemplates    = "retrieve_templates"
	GenerateSOW          = "generate_sow"
	GeneratePresentation = "generate_presentation"
)

// Statuses shown while a stage runs.
const (
	StatusAnalyzingRequirements  model.SessionStatus = "ANALYZING_REQUIREMENTS"
	StatusCalculatingCost        model.SessionStatus = "CALCULATING_COST"
	StatusRetrievingTemplates    model.SessionStatus = "RETRIEVING_TEMPLATES"
	StatusGeneratingSOW          model.SessionStatus = "GENERATING_SOW"
	StatusGeneratingPresentation model.SessionStatus = "GENERATING_PRESENTATION"
)

// Payload keys written by the stages.
const (
	KeyRequirements = "requirements_data"
	KeyCost         = "cost_data"
	KeyTemplates    = "template_data"
	KeySOW          = "sow_document"
	KeyPresentation = "presentation_document"
)

type Deps struct {
	RateSheets repository.RateSheetRepository
	Templates  adapter.BlobStore
	Artifacts  adapter.BlobStore
	PresignTTL time.Duration
	MaxTokens  int
	Log        *zerolog.Logger
}

// Build returns the fixed proposal pipeline.
func Build(d Deps) []pipeline.StageDefinition {
	if d.PresignTTL <= 0 {
		d.PresignTTL = time.Hour
	}
	if d.MaxTokens <= 0 {
		d.MaxTokens = 2000
	}
	if d.Log == nil {
		nop := zerolog.Nop()
		d.Log = &nop
	}
	return []pipeline.StageDefinition{
		{Name: AnalyzeRequirements, Status: StatusAnalyzingRequirements, Checkpoint: 20, Handler: &RequirementsAnalyzer{maxTokens: d.MaxTokens}},
		{Name: CalculateCost, Status: StatusCalculatingCost, Checkpoint: 40, Handler: &CostCalculator{rates: d.RateSheets}},
		{Name: RetrieveTemplates, Status: StatusRetrievingTemplates, Checkpoint: 60, Handler: &TemplateSelector{store: d.Templates, log: d.Log}},
		{Name: GenerateSOW, Status: StatusGeneratingSOW, Checkpoint: 80, Handler: &SOWGenerator{docs: newDocWriter(d)}},
		{Name: GeneratePresentation, Status: StatusGeneratingPresentation, Checkpoint: 100, Handler: &PresentationGenerator{docs: newDocWriter(d)}},
	}
}
