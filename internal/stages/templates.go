package stages

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/rs/zerolog"

	"proposal-pipeline/internal/domain/model"
	"proposal-pipeline/internal/domain/ports/adapter"
	"proposal-pipeline/internal/pipeline"
)

// Above this total a project counts as large.
const largeProjectCost = 100000

type TemplateSelection struct {
	SOW          *model.TemplateRef `json:"sow,omitempty"`
	Presentation *model.TemplateRef `json:"powerpoint,omitempty"`
}

// SelectTemplates picks an enterprise SOW and a detailed deck for complex or
// large projects, standard ones otherwise, and the first listed template
// when no name matches.
func SelectTemplates(sows, decks []model.TemplateRef, complexity string, totalCost float64) TemplateSelection {
	large := complexity == ComplexityHigh || totalCost > largeProjectCost
	sowWant, deckWant := "standard", "standard"
	if large {
		sowWant, deckWant = "enterprise", "detailed"
	}
	return TemplateSelection{
		SOW:          pick(sows, sowWant),
		Presentation: pick(decks, deckWant),
	}
}

func pick(refs []model.TemplateRef, want string) *model.TemplateRef {
	if len(refs) == 0 {
		return nil
	}
	for i := range refs {
		if strings.Contains(strings.ToLower(refs[i].Name), want) {
			r := refs[i]
			return &r
		}
	}
	r := refs[0]
	return &r
}

// TemplateSelector lists the template store and picks the documents the
// generators start from.
type TemplateSelector struct {
	store adapter.BlobStore
	log   *zerolog.Logger
}

func (t *TemplateSelector) Handle(ctx context.Context, sc *pipeline.StageContext) (pipeline.Fragment, error) {
	analysis := DefaultAnalysis()
	if _, err := sc.Decode(KeyRequirements, &analysis); err != nil {
		return nil, err
	}
	cost := CostEstimate{TotalCost: 50000}
	if _, err := sc.Decode(KeyCost, &cost); err != nil {
		return nil, err
	}

	sows := t.list(ctx, sc, model.SOWTemplatePrefix, ".docx")
	decks := t.list(ctx, sc, model.PresentationTemplatePrefix, ".pptx")
	sel := SelectTemplates(sows, decks, analysis.ComplexityLevel, cost.TotalCost)

	msg := fmt.Sprintf("found %d SOW and %d presentation templates", len(sows), len(decks))
	if sel.SOW != nil {
		msg += ", SOW template " + sel.SOW.Name
	}
	if sel.Presentation != nil {
		msg += ", presentation template " + sel.Presentation.Name
	}
	if err := sc.Note(ctx, msg); err != nil {
		return nil, err
	}
	return pipeline.FragmentOf(KeyTemplates, sel)
}

// list returns templates under prefix with extension ext. A failed listing
// counts as no templates of that kind.
func (t *TemplateSelector) list(ctx context.Context, sc *pipeline.StageContext, prefix, ext string) []model.TemplateRef {
	refs, err := t.store.List(ctx, prefix)
	if err != nil {
		t.log.Warn().Err(err).Str("session_id", sc.SessionID).Str("prefix", prefix).Msg("template listing failed")
		return nil
	}
	out := refs[:0:0]
	for _, r := range refs {
		if strings.EqualFold(path.Ext(r.Key), ext) {
			if r.Name == "" {
				r.Name = model.TemplateName(r.Key)
			}
			out = append(out, r)
		}
	}
	return out
}
