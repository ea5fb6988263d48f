package model

import (
	"path"
	"strings"
	"time"
)

// Template kinds and the blob prefixes they live under.
const (
	TemplateKindSOW          = "sow"
	TemplateKindPresentation = "powerpoint"

	SOWTemplatePrefix          = "sow-templates/"
	PresentationTemplatePrefix = "powerpoint-templates/"
)

// TemplateRef points at a document template in the template store.
type TemplateRef struct {
	Name         string    `json:"name"`
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// TemplateName derives the display name from a blob key:
// "sow-templates/standard.docx" -> "standard".
func TemplateName(key string) string {
	base := path.Base(key)
	return strings.TrimSuffix(base, path.Ext(base))
}

// Artifact is a generated document persisted in the artifact store.
type Artifact struct {
	Key         string `json:"key"`
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
}
