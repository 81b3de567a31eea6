package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	svcerrors "github.com/congregation-app/backend/internal/errors"
	"github.com/congregation-app/backend/internal/github"
	"github.com/congregation-app/backend/internal/logging"
	"github.com/congregation-app/backend/internal/metrics"
)

const (
	// MaxBatchSize bounds a single batch resolve.
	MaxBatchSize = 100

	// DefaultBatchConcurrency is the number of blob fetches a batch keeps in flight.
	DefaultBatchConcurrency = 10

	asyncRegenerateTimeout = 2 * time.Minute
)

// Regeneration triggers, used as metric labels.
const (
	TriggerManual   = "manual"
	TriggerCreate   = "create"
	TriggerUpdate   = "update"
	TriggerWebhook  = "webhook"
	TriggerSchedule = "schedule"
)

// ContentAPI is the slice of the GitHub client the synchronizer needs.
type ContentAPI interface {
	GetFile(ctx context.Context, path string) (*github.File, error)
	PutFile(ctx context.Context, w github.FileWrite) (*github.WriteResult, error)
	GetTree(ctx context.Context) (*github.Tree, error)
}

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

// RealClock uses time.Now.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// Options configures a Synchronizer.
type Options struct {
	ManifestPath     string
	Branch           string
	BatchConcurrency int
	Clock            Clock
	Logger           *logging.Logger
}

// Synchronizer serves the content store through the manifest and rebuilds
// the manifest after writes.
type Synchronizer struct {
	api    ContentAPI
	opts   Options
	logger *logging.Logger

	pending sync.WaitGroup
}

// New creates a Synchronizer.
func New(api ContentAPI, opts Options) *Synchronizer {
	opts.ManifestPath = strings.Trim(opts.ManifestPath, "/")
	if opts.ManifestPath == "" {
		opts.ManifestPath = DefaultPath
	}
	if opts.Branch == "" {
		opts.Branch = "main"
	}
	if opts.BatchConcurrency <= 0 {
		opts.BatchConcurrency = DefaultBatchConcurrency
	}
	if opts.Clock == nil {
		opts.Clock = RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	return &Synchronizer{api: api, opts: opts, logger: opts.Logger}
}

// Document is a parsed JSON file with its blob sha.
type Document struct {
	ID      string          `json:"id"`
	Path    string          `json:"path"`
	SHA     string          `json:"sha"`
	Content json.RawMessage `json:"content"`
}

// WriteOutcome reports a successful content write.
type WriteOutcome struct {
	ID              string `json:"id,omitempty"`
	Path            string `json:"path"`
	SHA             string `json:"sha"`
	CommitSHA       string `json:"commitSha"`
	ManifestUpdated bool   `json:"manifestUpdated"`
	ManifestPending bool   `json:"manifestPending,omitempty"`
}

// BatchResult is the outcome of ResolveBatch. A failing id never fails the batch.
type BatchResult struct {
	Resolved map[string]json.RawMessage `json:"resolved"`
	NotFound []string                   `json:"notFound"`
	Errors   map[string]string          `json:"errors,omitempty"`
}

// =============================================================================
// Manifest
// =============================================================================

// Fetch reads the current manifest.
func (s *Synchronizer) Fetch(ctx context.Context) (*Manifest, error) {
	m, _, err := s.fetch(ctx)
	return m, err
}

func (s *Synchronizer) fetch(ctx context.Context) (*Manifest, string, error) {
	f, err := s.api.GetFile(ctx, s.opts.ManifestPath)
	if err != nil {
		if svcerrors.Is(err, svcerrors.ErrNotFound) {
			return nil, "", svcerrors.NotFound("manifest", "")
		}
		return nil, "", err
	}

	var m Manifest
	if err := json.Unmarshal(stripBOM(f.Content), &m); err != nil {
		return nil, f.SHA, svcerrors.Upstream("manifest is not valid JSON", err)
	}
	if m.Files == nil {
		m.Files = map[string]Entry{}
	}
	return &m, f.SHA, nil
}

// Regenerate rebuilds the manifest from the branch tree and commits it.
// A write conflict is returned as is; nothing is retried.
func (s *Synchronizer) Regenerate(ctx context.Context, trigger string) (m *Manifest, err error) {
	defer func() {
		count := 0
		if m != nil {
			count = m.FileCount
		}
		metrics.RecordManifestRegeneration(trigger, err, count)
	}()

	log := s.logger.WithContext(ctx).WithField("trigger", trigger)

	tree, err := s.api.GetTree(ctx)
	if err != nil {
		return nil, err
	}
	if tree.Truncated {
		log.WithField("entries", len(tree.Entries)).Warn("tree listing truncated; manifest will be incomplete")
	}

	m = Build(tree.Entries, s.opts.ManifestPath, s.opts.Clock.Now())
	for id, paths := range m.Collisions {
		log.WithFields(map[string]interface{}{"id": id, "paths": paths}).Warn("manifest id collision")
	}

	prevSHA := ""
	prev, err := s.api.GetFile(ctx, s.opts.ManifestPath)
	switch {
	case err == nil:
		prevSHA = prev.SHA
	case svcerrors.Is(err, svcerrors.ErrNotFound):
	default:
		return nil, err
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, svcerrors.Internal("encode manifest", err)
	}

	res, err := s.api.PutFile(ctx, github.FileWrite{
		Path:    s.opts.ManifestPath,
		Content: append(data, '\n'),
		SHA:     prevSHA,
		Message: fmt.Sprintf("Regenerate manifest (%d files)", m.FileCount),
	})
	if err != nil {
		log.WithError(err).Warn("manifest write failed")
		return nil, err
	}

	log.WithFields(map[string]interface{}{
		"file_count": m.FileCount,
		"commit":     res.CommitSHA,
	}).Info("manifest regenerated")

	return m, nil
}

// regenerateAsync rebuilds the manifest in the background. Failures are
// logged and leave the manifest stale.
func (s *Synchronizer) regenerateAsync(ctx context.Context, trigger string) {
	bg := logging.WithTraceID(context.Background(), logging.GetTraceID(ctx))

	s.pending.Add(1)
	go func() {
		defer s.pending.Done()

		ctx, cancel := context.WithTimeout(bg, asyncRegenerateTimeout)
		defer cancel()

		if _, err := s.Regenerate(ctx, trigger); err != nil {
			s.logger.WithContext(ctx).WithError(err).Error("background manifest regeneration failed")
		}
	}()
}

// Wait blocks until background regenerations finish or ctx is done.
func (s *Synchronizer) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// Reads
// =============================================================================

// Resolve returns the JSON content of the file registered under id.
func (s *Synchronizer) Resolve(ctx context.Context, id string) (*Document, error) {
	m, err := s.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	entry, ok := m.Lookup(id)
	if !ok {
		return nil, svcerrors.NotFound("file", id)
	}

	doc, err := s.readJSON(ctx, entry.Path)
	if err != nil {
		return nil, err
	}
	doc.ID = id
	return doc, nil
}

// ResolveBatch resolves up to MaxBatchSize ids against one manifest read,
// with at most BatchConcurrency blob fetches in flight.
func (s *Synchronizer) ResolveBatch(ctx context.Context, ids []string) (*BatchResult, error) {
	if len(ids) == 0 {
		return nil, svcerrors.Validation("ids must contain at least one id")
	}
	if len(ids) > MaxBatchSize {
		return nil, svcerrors.Validation(fmt.Sprintf("ids must contain at most %d ids", MaxBatchSize))
	}

	m, err := s.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	type outcome struct {
		content  json.RawMessage
		notFound bool
		err      error
	}
	outcomes := make([]outcome, len(ids))

	g := new(errgroup.Group)
	g.SetLimit(s.opts.BatchConcurrency)

	for i, id := range ids {
		entry, ok := m.Lookup(id)
		if !ok {
			outcomes[i].notFound = true
			continue
		}

		i := i
		g.Go(func() error {
			metrics.IncBlobFetches()
			defer metrics.DecBlobFetches()

			doc, err := s.readJSON(ctx, entry.Path)
			switch {
			case err == nil:
				outcomes[i].content = doc.Content
			case svcerrors.Is(err, svcerrors.ErrNotFound):
				outcomes[i].notFound = true
			default:
				outcomes[i].err = err
			}
			return nil
		})
	}
	_ = g.Wait()

	result := &BatchResult{
		Resolved: make(map[string]json.RawMessage),
		NotFound: []string{},
	}
	for i, id := range ids {
		o := outcomes[i]
		switch {
		case o.notFound:
			result.NotFound = append(result.NotFound, id)
		case o.err != nil:
			if result.Errors == nil {
				result.Errors = make(map[string]string)
			}
			result.Errors[id] = errorMessage(o.err)
		default:
			result.Resolved[id] = o.content
		}
	}

	if len(result.Errors) > 0 {
		s.logger.WithContext(ctx).WithField("failed", len(result.Errors)).Warn("batch resolve had fetch failures")
	}

	return result, nil
}

// Read fetches and parses the JSON file at path.
func (s *Synchronizer) Read(ctx context.Context, path string) (*Document, error) {
	p, err := CleanPath(path)
	if err != nil {
		return nil, err
	}
	doc, err := s.readJSON(ctx, p)
	if err != nil {
		return nil, err
	}
	doc.ID = DeriveID(p)
	return doc, nil
}

func (s *Synchronizer) readJSON(ctx context.Context, path string) (*Document, error) {
	f, err := s.api.GetFile(ctx, path)
	if err != nil {
		return nil, err
	}

	content := stripBOM(f.Content)
	if !json.Valid(content) {
		return nil, svcerrors.Upstream(fmt.Sprintf("%s is not valid JSON", path), nil)
	}

	return &Document{Path: path, SHA: f.SHA, Content: json.RawMessage(content)}, nil
}

// =============================================================================
// Writes
// =============================================================================

// Create writes a new JSON file and regenerates the manifest before
// returning so the new id is immediately resolvable.
func (s *Synchronizer) Create(ctx context.Context, path string, content json.RawMessage, message string) (*WriteOutcome, error) {
	p, err := CleanJSONPath(path)
	if err != nil {
		return nil, err
	}
	if len(content) == 0 || !json.Valid(content) {
		return nil, svcerrors.Validation("content must be valid JSON")
	}

	if err := s.ensureAbsent(ctx, p); err != nil {
		return nil, err
	}
	if err := s.ensureIDFree(ctx, p); err != nil {
		return nil, err
	}

	if message == "" {
		message = "Create " + p
	}
	res, err := s.api.PutFile(ctx, github.FileWrite{Path: p, Content: content, Message: message})
	if err != nil {
		if svcerrors.Is(err, svcerrors.ErrConflict) {
			return nil, svcerrors.Conflict(fmt.Sprintf("a file already exists at %s", p))
		}
		return nil, err
	}

	out := &WriteOutcome{ID: DeriveID(p), Path: p, SHA: res.SHA, CommitSHA: res.CommitSHA}

	m, err := s.Regenerate(ctx, TriggerCreate)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).WithField("path", p).Error("manifest regeneration after create failed")
	} else if e, ok := m.Lookup(out.ID); ok && e.Path == p {
		out.ManifestUpdated = true
	}

	return out, nil
}

// Update overwrites an existing JSON file if its blob sha still equals sha.
// The manifest is regenerated in the background.
func (s *Synchronizer) Update(ctx context.Context, path string, content json.RawMessage, sha, message string) (*WriteOutcome, error) {
	p, err := CleanJSONPath(path)
	if err != nil {
		return nil, err
	}
	if sha == "" {
		return nil, svcerrors.Validation("sha is required")
	}
	if len(content) == 0 || !json.Valid(content) {
		return nil, svcerrors.Validation("content must be valid JSON")
	}

	current, err := s.api.GetFile(ctx, p)
	if err != nil {
		return nil, err
	}
	if current.SHA != sha {
		return nil, svcerrors.Conflict(fmt.Sprintf("%s has changed since it was read", p)).
			WithDetails("currentSha", current.SHA)
	}

	if message == "" {
		message = "Update " + p
	}
	res, err := s.api.PutFile(ctx, github.FileWrite{Path: p, Content: content, SHA: sha, Message: message})
	if err != nil {
		return nil, err
	}

	s.regenerateAsync(ctx, TriggerUpdate)

	return &WriteOutcome{
		ID:              DeriveID(p),
		Path:            p,
		SHA:             res.SHA,
		CommitSHA:       res.CommitSHA,
		ManifestPending: true,
	}, nil
}

// CreateFolder commits an empty .gitkeep so the folder exists in the tree.
func (s *Synchronizer) CreateFolder(ctx context.Context, path string) (*WriteOutcome, error) {
	p, err := CleanPath(path)
	if err != nil {
		return nil, err
	}
	marker := p + "/.gitkeep"

	if err := s.ensureAbsent(ctx, marker); err != nil {
		return nil, err
	}

	res, err := s.api.PutFile(ctx, github.FileWrite{Path: marker, Content: []byte{}, Message: "Create folder " + p})
	if err != nil {
		if svcerrors.Is(err, svcerrors.ErrConflict) {
			return nil, svcerrors.Conflict(fmt.Sprintf("folder %s already exists", p))
		}
		return nil, err
	}

	return &WriteOutcome{Path: marker, SHA: res.SHA, CommitSHA: res.CommitSHA}, nil
}

// ensureAbsent returns Conflict when a blob already exists at path.
func (s *Synchronizer) ensureAbsent(ctx context.Context, path string) error {
	_, err := s.api.GetFile(ctx, path)
	switch {
	case err == nil:
		return svcerrors.Conflict(fmt.Sprintf("a file already exists at %s", path))
	case svcerrors.Is(err, svcerrors.ErrNotFound):
		return nil
	default:
		return err
	}
}

// ensureIDFree returns Conflict when another JSON file in the tree already
// derives to the same id as path.
func (s *Synchronizer) ensureIDFree(ctx context.Context, path string) error {
	tree, err := s.api.GetTree(ctx)
	if err != nil {
		return err
	}
	id := DeriveID(path)
	if e, ok := Build(tree.Entries, s.opts.ManifestPath, time.Time{}).Lookup(id); ok && e.Path != path {
		return svcerrors.Conflict(fmt.Sprintf("id %s is already used by %s", id, e.Path)).
			WithDetails("id", id).
			WithDetails("path", e.Path)
	}
	return nil
}

func errorMessage(err error) string {
	if se := svcerrors.GetServiceError(err); se != nil {
		return se.Message
	}
	return err.Error()
}
