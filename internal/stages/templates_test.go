package stages

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proposal-pipeline/internal/domain/model"
)

func refs(keys ...string) []model.TemplateRef {
	out := make([]model.TemplateRef, 0, len(keys))
	for _, k := range keys {
		out = append(out, model.TemplateRef{Key: k, Name: model.TemplateName(k)})
	}
	return out
}

func TestSelectTemplates(t *testing.T) {
	sows := refs("sow-templates/enterprise.docx", "sow-templates/standard.docx")
	decks := refs("powerpoint-templates/detailed.pptx", "powerpoint-templates/standard.pptx")

	small := SelectTemplates(sows, decks, ComplexityMedium, 50000)
	require.NotNil(t, small.SOW)
	require.NotNil(t, small.Presentation)
	assert.Equal(t, "standard", small.SOW.Name)
	assert.Equal(t, "standard", small.Presentation.Name)

	large := SelectTemplates(sows, decks, ComplexityHigh, 50000)
	assert.Equal(t, "enterprise", large.SOW.Name)
	assert.Equal(t, "detailed", large.Presentation.Name)

	expensive := SelectTemplates(sows, decks, ComplexityLow, 100000.01)
	assert.Equal(t, "enterprise", expensive.SOW.Name)
}

func TestSelectTemplates_FallsBackToFirst(t *testing.T) {
	sel := SelectTemplates(refs("sow-templates/acme.docx", "sow-templates/zeta.docx"), nil, ComplexityLow, 10)
	require.NotNil(t, sel.SOW)
	assert.Equal(t, "acme", sel.SOW.Name)
	assert.Nil(t, sel.Presentation)
}
