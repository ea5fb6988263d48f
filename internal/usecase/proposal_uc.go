package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"proposal-pipeline/internal/domain"
	"proposal-pipeline/internal/domain/model"
	"proposal-pipeline/internal/domain/ports/adapter"
	"proposal-pipeline/internal/domain/ports/repository"
	"proposal-pipeline/internal/infra/logging"
	"proposal-pipeline/internal/infra/metrics"
	"proposal-pipeline/internal/stages"
)

var _ ProposalUseCase = (*proposalUC)(nil)

// ProposalUseCase is what the HTTP API needs from the pipeline.
type ProposalUseCase interface {
	Submit(ctx context.Context, req model.JobRequest) (*model.Session, error)
	GetStatus(ctx context.Context, id string) (*model.Snapshot, error)
	GetResults(ctx context.Context, id string) (*Results, error)
	UploadTemplate(ctx context.Context, filename string, body []byte) (*model.TemplateRef, error)
	ListTemplates(ctx context.Context) ([]model.TemplateRef, error)
}

// Results are the deliverables of a completed session.
type Results struct {
	SessionID     string          `json:"session_id"`
	SOWURL        string          `json:"sow_url"`
	PowerpointURL string          `json:"powerpoint_url"`
	CostData      json.RawMessage `json:"cost_data"`
}

type proposalUC struct {
	sessions  repository.SessionRepository
	queue     adapter.TaskQueue
	templates adapter.BlobStore
	artifacts adapter.BlobStore
	ttl       time.Duration
	now       func() time.Time
	log       *zerolog.Logger
}

func NewProposalUseCase(
	sessions repository.SessionRepository,
	queue adapter.TaskQueue,
	templates adapter.BlobStore,
	artifacts adapter.BlobStore,
	presignTTL time.Duration,
	logger *zerolog.Logger,
) *proposalUC {
	if presignTTL <= 0 {
		presignTTL = time.Hour
	}
	l := logger.With().Str("component", "ProposalUC").Logger()
	return &proposalUC{
		sessions:  sessions,
		queue:     queue,
		templates: templates,
		artifacts: artifacts,
		ttl:       presignTTL,
		now:       func() time.Time { return time.Now().UTC() },
		log:       &l,
	}
}

// Submit records a PENDING session and hands a run task to the queue. It
// does not wait for the run. A failed enqueue is logged only: the session
// is durable and the pending sweeper dispatches it later.
func (u *proposalUC) Submit(ctx context.Context, req model.JobRequest) (*model.Session, error) {
	defer logging.TraceDuration(u.log, "ProposalUC.Submit")()

	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	s := model.NewSession(uuid.NewString(), req)
	if err := u.sessions.Create(ctx, nil, s); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	metrics.IncSubmitted()

	ctx = logging.WithSessID(ctx, s.ID)
	log := logging.With(ctx, u.log)
	task := model.RunTask{SessionID: s.ID, Request: req, EnqueuedAt: u.now()}
	if err := u.queue.Enqueue(ctx, task); err != nil {
		log.Warn().Err(err).Msg("enqueue failed, leaving session for the sweeper")
	} else {
		log.Info().Str("client", req.ClientName).Str("project", req.ProjectName).Msg("session submitted")
	}
	return s, nil
}

func (u *proposalUC) GetStatus(ctx context.Context, id string) (*model.Snapshot, error) {
	s, err := u.sessions.Get(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	snap := s.Snapshot()
	return &snap, nil
}

// GetResults returns download links for a COMPLETED session. Links are
// presigned again on every call so they outlive the one stored at
// generation time.
func (u *proposalUC) GetResults(ctx context.Context, id string) (*Results, error) {
	s, err := u.sessions.Get(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if s.Status != model.SessionStatusCompleted {
		return nil, fmt.Errorf("%w: session %s is %s", domain.ErrNotReady, id, s.Status)
	}

	res := &Results{SessionID: s.ID, CostData: s.Payload[stages.KeyCost]}
	if res.CostData == nil {
		res.CostData = json.RawMessage("null")
	}
	res.SOWURL = u.artifactURL(ctx, s.Payload[stages.KeySOW])
	res.PowerpointURL = u.artifactURL(ctx, s.Payload[stages.KeyPresentation])
	return res, nil
}

func (u *proposalUC) artifactURL(ctx context.Context, raw json.RawMessage) string {
	if raw == nil {
		return ""
	}
	var doc stages.GeneratedDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		u.log.Warn().Err(err).Msg("stored document reference is malformed")
		return ""
	}
	if doc.Key == "" || u.artifacts == nil {
		return doc.URL
	}
	url, err := u.artifacts.PresignGet(ctx, doc.Key, u.ttl)
	if err != nil {
		u.log.Warn().Err(err).Str("key", doc.Key).Msg("re-presign failed, serving stored link")
		return doc.URL
	}
	return url
}

var templateKinds = map[string]struct {
	prefix      string
	contentType string
}{
	".docx": {model.SOWTemplatePrefix, "application/vnd.openxmlformats-officedocument.wordprocessingml.document"},
	".pptx": {model.PresentationTemplatePrefix, "application/vnd.openxmlformats-officedocument.presentationml.presentation"},
}

// UploadTemplate files a .docx under the SOW prefix and a .pptx under the
// presentation prefix.
func (u *proposalUC) UploadTemplate(ctx context.Context, filename string, body []byte) (*model.TemplateRef, error) {
	name := path.Base(strings.ReplaceAll(strings.TrimSpace(filename), "\\", "/"))
	kind, ok := templateKinds[strings.ToLower(path.Ext(name))]
	if !ok || name == "." || name == "/" {
		return nil, fmt.Errorf("%w: template must be a .docx or .pptx file", domain.ErrInvalidArgument)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: template file is empty", domain.ErrInvalidArgument)
	}
	key := kind.prefix + name
	if err := u.templates.Put(ctx, key, body, kind.contentType); err != nil {
		return nil, fmt.Errorf("store template: %w", err)
	}
	u.log.Info().Str("key", key).Int("bytes", len(body)).Msg("template uploaded")
	return &model.TemplateRef{
		Name:         model.TemplateName(key),
		Key:          key,
		Size:         int64(len(body)),
		LastModified: u.now(),
	}, nil
}

func (u *proposalUC) ListTemplates(ctx context.Context) ([]model.TemplateRef, error) {
	var out []model.TemplateRef
	for _, prefix := range []string{model.SOWTemplatePrefix, model.PresentationTemplatePrefix} {
		refs, err := u.templates.List(ctx, prefix)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		out = append(out, refs...)
	}
	if out == nil {
		out = []model.TemplateRef{}
	}
	return out, nil
}
