package stages

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"text/template"
	"time"

	"proposal-pipeline/internal/domain/model"
	"proposal-pipeline/internal/domain/ports/adapter"
	"proposal-pipeline/internal/pipeline"
)

const markdownType = "text/markdown; charset=utf-8"

// GeneratedDocument is the payload fragment of a document stage.
type GeneratedDocument struct {
	model.Artifact
	Template string `json:"template,omitempty"`
	Fallback bool   `json:"fallback,omitempty"`
}

// proposalInputs is what both document stages read from earlier stages.
type proposalInputs struct {
	Request   model.JobRequest
	Analysis  RequirementsAnalysis
	Cost      CostEstimate
	Templates TemplateSelection
}

func loadInputs(sc *pipeline.StageContext) (proposalInputs, error) {
	in := proposalInputs{Request: sc.Request, Analysis: DefaultAnalysis()}
	for key, dst := range map[string]any{
		KeyRequirements: &in.Analysis,
		KeyCost:         &in.Cost,
		KeyTemplates:    &in.Templates,
	} {
		if _, err := sc.Decode(key, dst); err != nil {
			return in, err
		}
	}
	return in, nil
}

func (in proposalInputs) context() map[string]any {
	return map[string]any{
		"requirements_data": in.Analysis,
		"cost_data":         in.Cost,
	}
}

// docWriter renders, stores and presigns generated documents.
type docWriter struct {
	artifacts adapter.BlobStore
	ttl       time.Duration
	maxTokens int
}

func newDocWriter(d Deps) *docWriter {
	return &docWriter{artifacts: d.Artifacts, ttl: d.PresignTTL, maxTokens: d.MaxTokens}
}

func (w *docWriter) publish(ctx context.Context, key string, tpl *template.Template, data any) (model.Artifact, error) {
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, data); err != nil {
		return model.Artifact{}, fmt.Errorf("render %s: %w", key, err)
	}
	if err := w.artifacts.Put(ctx, key, buf.Bytes(), markdownType); err != nil {
		return model.Artifact{}, pipeline.Failf(err, "could not store the generated document")
	}
	url, err := w.artifacts.PresignGet(ctx, key, w.ttl)
	if err != nil {
		return model.Artifact{}, pipeline.Failf(err, "could not create a download link for the generated document")
	}
	return model.Artifact{Key: key, URL: url, ContentType: markdownType}, nil
}

var funcs = template.FuncMap{
	"money": func(v float64) string { return formatMoney(v) },
	"hours": func(v float64) string { return fmt.Sprintf("%.0f", v) },
	"roles": func(m map[string]RoleCost) []string {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return keys
	},
	"date": func(t time.Time) string { return t.Format("2006-01-02") },
	"inc":  func(i int) int { return i + 1 },
}

// formatMoney renders 1234567.5 as "$1,234,567.50".
func formatMoney(v float64) string {
	s := fmt.Sprintf("%.2f", v)
	intPart, frac := s[:len(s)-3], s[len(s)-3:]
	neg := strings.HasPrefix(intPart, "-")
	intPart = strings.TrimPrefix(intPart, "-")
	var b strings.Builder
	for i, c := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	out := "$" + b.String() + frac
	if neg {
		out = "-" + out
	}
	return out
}

// ---- Statement of work ----

type SOWContent struct {
	ProjectOverview string   `json:"project_overview"`
	Services        []string `json:"services"`
	Timeline        string   `json:"timeline"`
	Deliverables    []string `json:"deliverables"`
	Assumptions     []string `json:"assumptions"`
}

func defaultSOW(in proposalInputs) SOWContent {
	return SOWContent{
		ProjectOverview: in.Analysis.ProjectScope,
		Services:        in.Analysis.TechnicalRequirements,
		Timeline:        fmt.Sprintf("%d weeks", in.Cost.DurationWeeks),
		Deliverables:    in.Analysis.Deliverables,
		Assumptions:     []string{"Client provides timely access to stakeholders and systems"},
	}
}

const sowPrompt = `Write the statement of work content for the project below. Use the requirements analysis and cost estimate in the context. Return a JSON object:
{
  "project_overview": "two or three sentences",
  "services": ["scope of services"],
  "timeline": "phases and durations",
  "deliverables": ["deliverables"],
  "assumptions": ["assumptions"]
}

Client: %s
Project: %s
Industry: %s`

var sowTemplate = template.Must(template.New("sow").Funcs(funcs).Parse(`# Statement of Work: {{.Request.ProjectName}}

Prepared for {{.Request.ClientName}}{{if .Request.Industry}} ({{.Request.Industry}}){{end}} on {{date .Generated}}.
{{- if .Template}}
Template: {{.Template}}
{{- end}}

## 1. Project Overview

{{.Content.ProjectOverview}}

## 2. Scope of Services
{{range .Content.Services}}
- {{.}}
{{- end}}

## 3. Timeline

{{.Content.Timeline}}

## 4. Deliverables
{{range $i, $d := .Content.Deliverables}}
{{inc $i}}. {{$d}}
{{- end}}

## 5. Cost Breakdown

| Role | Hours | Rate | Subtotal |
|------|------:|-----:|---------:|
{{- range $role := roles .Cost.Breakdown}}{{with index $.Cost.Breakdown $role}}
| {{$role}} | {{hours .Hours}} | {{money .Rate}} | {{money .Subtotal}} |
{{- end}}{{end}}
| **Total** | | | **{{money .Cost.TotalCost}} {{.Cost.Currency}}** |
{{- if .Content.Assumptions}}

## 6. Assumptions
{{range .Content.Assumptions}}
- {{.}}
{{- end}}
{{- end}}
`))

type SOWGenerator struct {
	docs *docWriter
}

func (g *SOWGenerator) Handle(ctx context.Context, sc *pipeline.StageContext) (pipeline.Fragment, error) {
	in, err := loadInputs(sc)
	if err != nil {
		return nil, err
	}
	resp, err := sc.Invoke(ctx, adapter.ReasoningRequest{
		System:    "You write concise, professional statements of work. Reply with JSON only.",
		Prompt:    fmt.Sprintf(sowPrompt, in.Request.ClientName, in.Request.ProjectName, in.Request.Industry),
		Context:   in.context(),
		MaxTokens: g.docs.maxTokens,
	})
	if err != nil {
		return nil, err
	}
	content, ok := ParseJSON(resp.Text, defaultSOW(in))

	doc := GeneratedDocument{Fallback: !ok}
	if in.Templates.SOW != nil {
		doc.Template = in.Templates.SOW.Key
	}
	doc.Artifact, err = g.docs.publish(ctx, sc.SessionID+"/sow.md", sowTemplate, map[string]any{
		"Request":   in.Request,
		"Cost":      in.Cost,
		"Content":   content,
		"Template":  doc.Template,
		"Generated": time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	if err := sc.Note(ctx, "statement of work generated"); err != nil {
		return nil, err
	}
	return pipeline.FragmentOf(KeySOW, doc)
}

// ---- Presentation ----

type Slide struct {
	Title   string   `json:"title"`
	Bullets []string `json:"bullets"`
}

type DeckContent struct {
	Title  string  `json:"title"`
	Slides []Slide `json:"slides"`
}

func defaultDeck(in proposalInputs) DeckContent {
	return DeckContent{
		Title: in.Request.ProjectName + " proposal",
		Slides: []Slide{
			{Title: "Project Overview", Bullets: []string{in.Analysis.ProjectScope}},
			{Title: "Deliverables", Bullets: in.Analysis.Deliverables},
			{Title: "Team and Timeline", Bullets: []string{
				fmt.Sprintf("%d people for %d weeks", in.Cost.TeamSize, in.Cost.DurationWeeks),
				"Skills: " + strings.Join(in.Analysis.TeamSkillsNeeded, ", "),
			}},
			{Title: "Investment", Bullets: []string{formatMoney(in.Cost.TotalCost) + " " + in.Cost.Currency}},
			{Title: "Risks", Bullets: in.Analysis.KeyRisks},
		},
	}
}

const deckPrompt = `Outline a client presentation for the project below, using the requirements analysis and cost estimate in the context. Return a JSON object:
{
  "title": "deck title",
  "slides": [{"title": "slide title", "bullets": ["point"]}]
}
Keep it to at most eight slides.

Client: %s
Project: %s`

var deckTemplate = template.Must(template.New("deck").Funcs(funcs).Parse(`# {{.Content.Title}}

{{.Request.ClientName}}, {{date .Generated}}
{{- if .Template}}
Template: {{.Template}}
{{- end}}
{{range .Content.Slides}}
---

## {{.Title}}
{{range .Bullets}}
- {{.}}
{{- end}}
{{end}}`))

type PresentationGenerator struct {
	docs *docWriter
}

func (g *PresentationGenerator) Handle(ctx context.Context, sc *pipeline.StageContext) (pipeline.Fragment, error) {
	in, err := loadInputs(sc)
	if err != nil {
		return nil, err
	}
	resp, err := sc.Invoke(ctx, adapter.ReasoningRequest{
		System:    "You outline client-facing proposal decks. Reply with JSON only.",
		Prompt:    fmt.Sprintf(deckPrompt, in.Request.ClientName, in.Request.ProjectName),
		Context:   in.context(),
		MaxTokens: g.docs.maxTokens,
	})
	if err != nil {
		return nil, err
	}
	content, ok := ParseJSON(resp.Text, defaultDeck(in))
	if ok && len(content.Slides) == 0 {
		content, ok = defaultDeck(in), false
	}

	doc := GeneratedDocument{Fallback: !ok}
	if in.Templates.Presentation != nil {
		doc.Template = in.Templates.Presentation.Key
	}
	doc.Artifact, err = g.docs.publish(ctx, sc.SessionID+"/presentation.md", deckTemplate, map[string]any{
		"Request":   in.Request,
		"Content":   content,
		"Template":  doc.Template,
		"Generated": time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	if err := sc.Note(ctx, fmt.Sprintf("presentation generated with %d slides", len(content.Slides))); err != nil {
		return nil, err
	}
	return pipeline.FragmentOf(KeyPresentation, doc)
}
