package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"workshelf/api/internal/archive"
	"workshelf/api/internal/export"
	"workshelf/api/internal/gitrepo"
	"workshelf/api/internal/metrics"
	"workshelf/api/internal/mode"
	"workshelf/api/internal/search"
	"workshelf/api/internal/store"
	"workshelf/api/internal/versioning"
)

// engine is the subset of versioning.Engine the service drives.
type engine interface {
	Graph() mode.Graph
	CreateDocument(ctx context.Context, in versioning.CreateInput) (store.Version, error)
	Save(ctx context.Context, documentID string, in versioning.SaveInput) (store.Version, error)
	ChangeMode(ctx context.Context, documentID string, in versioning.ModeInput) (store.Version, error)
	Restore(ctx context.Context, documentID string, in versioning.RestoreInput) (store.Version, error)
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
	ListDocuments(ctx context.Context) ([]store.Document, error)
	ListVersions(ctx context.Context, documentID string) ([]store.Version, error)
	ListVersionsPage(ctx context.Context, documentID string, page store.Page) ([]store.Version, error)
	GetVersion(ctx context.Context, documentID string, versionNumber int) (store.Version, error)
	GetCurrent(ctx context.Context, documentID string) (store.Version, error)
}

type currentCache interface {
	GetCurrent(ctx context.Context, documentID string) (store.Version, bool, error)
	PutCurrent(ctx context.Context, v store.Version) (bool, error)
	Invalidate(ctx context.Context, documentID string) error
}

type searchIndex interface {
	Search(ctx context.Context, q search.Query) search.Response
	Upsert(r search.Record)
	Remove(id string, versionNumber int)
	Reindex(ctx context.Context, records []search.Record)
}

type versionMirror interface {
	Record(v store.Version) error
	Sync(documentID string, versions []store.Version) (int, error)
	History(documentID string, limit int) ([]gitrepo.Commit, error)
	LastMirrored(documentID string) (int, error)
	ReadSnapshot(documentID string, versionNumber int) (gitrepo.Snapshot, error)
}

type snapshotArchiver interface {
	Archive(ctx context.Context, v store.Version) (string, error)
}

type exporter interface {
	Export(ctx context.Context, v store.Version, format export.Format) (*export.Result, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Options wires the optional collaborators. Nil fields disable the feature.
type Options struct {
	Cache    currentCache
	Search   searchIndex
	Mirror   versionMirror
	Archive  snapshotArchiver
	Exporter exporter
	Database pinger
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger

	ConflictRetries int
	RetryBackoff    time.Duration
}

type Service struct {
	engine   engine
	cache    currentCache
	search   searchIndex
	mirror   versionMirror
	archive  snapshotArchiver
	exporter exporter
	database pinger
	metrics  *metrics.Metrics
	log      zerolog.Logger

	retries int
	backoff time.Duration
	flight  singleflight.Group
	sleep   func(ctx context.Context, d time.Duration) error

	// uncached holds documents whose cache entry could be neither
	// refreshed nor dropped. They are always read from the ledger.
	uncached sync.Map
}

const sharedReadTimeout = 5 * time.Second

func NewService(e engine, opts Options) *Service {
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	exp := opts.Exporter
	if exp == nil {
		exp = export.NewService(0)
	}
	return &Service{
		engine:   e,
		cache:    opts.Cache,
		search:   opts.Search,
		mirror:   opts.Mirror,
		archive:  opts.Archive,
		exporter: exp,
		database: opts.Database,
		metrics:  m,
		log:      opts.Logger,
		retries:  max(opts.ConflictRetries, 0),
		backoff:  opts.RetryBackoff,
		sleep:    sleepContext,
	}
}

func (s *Service) Metrics() *metrics.Metrics {
	return s.metrics
}

func (s *Service) Graph() mode.Graph {
	return s.engine.Graph()
}

// Ping checks the durable ledger. The in-memory ledger is always ready.
func (s *Service) Ping(ctx context.Context) error {
	if s.database == nil {
		return nil
	}
	return s.database.Ping(ctx)
}

func (s *Service) CreateDocument(ctx context.Context, in versioning.CreateInput) (store.Version, error) {
	return s.write(ctx, "create", func() (store.Version, error) {
		return s.engine.CreateDocument(ctx, in)
	})
}

func (s *Service) Save(ctx context.Context, documentID string, in versioning.SaveInput) (store.Version, error) {
	return s.write(ctx, "save", func() (store.Version, error) {
		return s.engine.Save(ctx, documentID, in)
	})
}

func (s *Service) ChangeMode(ctx context.Context, documentID string, in versioning.ModeInput) (store.Version, error) {
	return s.write(ctx, "mode_change", func() (store.Version, error) {
		return s.engine.ChangeMode(ctx, documentID, in)
	})
}

func (s *Service) Restore(ctx context.Context, documentID string, in versioning.RestoreInput) (store.Version, error) {
	return s.write(ctx, "restore", func() (store.Version, error) {
		return s.engine.Restore(ctx, documentID, in)
	})
}

func (s *Service) GetDocument(ctx context.Context, documentID string) (store.Document, error) {
	return s.engine.GetDocument(ctx, documentID)
}

func (s *Service) ListDocuments(ctx context.Context) ([]store.Document, error) {
	return s.engine.ListDocuments(ctx)
}

func (s *Service) ListVersions(ctx context.Context, documentID string, page store.Page) ([]store.Version, error) {
	started := time.Now()
	versions, err := s.engine.ListVersionsPage(ctx, documentID, page)
	s.metrics.ObserveOperation("list_versions", started, err)
	return versions, err
}

func (s *Service) GetVersion(ctx context.Context, documentID string, versionNumber int) (store.Version, error) {
	return s.engine.GetVersion(ctx, documentID, versionNumber)
}

// GetCurrent serves from the cache when it can. Concurrent misses for the
// same document share one ledger read.
func (s *Service) GetCurrent(ctx context.Context, documentID string) (store.Version, error) {
	if s.cacheable(documentID) {
		v, ok, err := s.cache.GetCurrent(ctx, documentID)
		switch {
		case err != nil:
			s.metrics.CacheLookups.WithLabelValues("error").Inc()
			s.collaboratorFailed("cache", documentID, err)
		case ok:
			s.metrics.CacheLookups.WithLabelValues("hit").Inc()
			return v, nil
		default:
			s.metrics.CacheLookups.WithLabelValues("miss").Inc()
		}
	}

	// The read is shared, so one caller's cancellation must not fail the rest.
	result, err, _ := s.flight.Do(documentID, func() (any, error) {
		readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedReadTimeout)
		defer cancel()
		v, err := s.engine.GetCurrent(readCtx, documentID)
		if err != nil {
			return store.Version{}, err
		}
		s.putCache(readCtx, v)
		return v, nil
	})
	if err != nil {
		return store.Version{}, err
	}
	return result.(store.Version).Clone(), nil
}

// Export renders version n, or the current version when n is zero.
func (s *Service) Export(ctx context.Context, documentID string, versionNumber int, format export.Format) (*export.Result, error) {
	var (
		v   store.Version
		err error
	)
	if versionNumber == 0 {
		v, err = s.GetCurrent(ctx, documentID)
	} else {
		v, err = s.engine.GetVersion(ctx, documentID, versionNumber)
	}
	if err != nil {
		return nil, err
	}

	started := time.Now()
	result, err := s.exporter.Export(ctx, v, format)
	s.metrics.ObserveOperation("export", started, err)
	if err != nil {
		return nil, fmt.Errorf("export %s v%d: %w", documentID, v.VersionNumber, err)
	}
	return result, nil
}

// MirrorLog is the git mirror view of one document.
type MirrorLog struct {
	Commits      []gitrepo.Commit `json:"commits"`
	LastMirrored int              `json:"lastMirrored"`
}

// MirrorHistory lists the git mirror commits of a document, newest first,
// along with the highest version the mirror holds.
func (s *Service) MirrorHistory(ctx context.Context, documentID string, limit int) (MirrorLog, error) {
	if err := s.requireMirror(ctx, documentID); err != nil {
		return MirrorLog{}, err
	}
	commits, err := s.mirror.History(documentID, limit)
	if err != nil {
		return MirrorLog{}, fmt.Errorf("mirror history: %w", err)
	}
	if commits == nil {
		commits = []gitrepo.Commit{}
	}
	last, err := s.mirror.LastMirrored(documentID)
	if err != nil {
		return MirrorLog{}, fmt.Errorf("mirror head: %w", err)
	}
	return MirrorLog{Commits: commits, LastMirrored: last}, nil
}

// MirrorSnapshot reads the snapshot committed to the git mirror for one
// version. Versions the mirror has not caught up to are not found.
func (s *Service) MirrorSnapshot(ctx context.Context, documentID string, versionNumber int) (gitrepo.Snapshot, error) {
	if err := s.requireMirror(ctx, documentID); err != nil {
		return gitrepo.Snapshot{}, err
	}
	snap, err := s.mirror.ReadSnapshot(documentID, versionNumber)
	if err != nil {
		return gitrepo.Snapshot{}, fmt.Errorf("mirror snapshot: %w", err)
	}
	return snap, nil
}

func (s *Service) requireMirror(ctx context.Context, documentID string) error {
	if s.mirror == nil {
		return domainError(http.StatusServiceUnavailable, "MIRROR_DISABLED", "Git mirror is not configured", nil)
	}
	_, err := s.engine.GetDocument(ctx, documentID)
	return err
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(ctx, q)
}

// ReindexPublic pushes every document currently in a public mode to the
// search index. It runs synchronously at startup.
func (s *Service) ReindexPublic(ctx context.Context) (int, error) {
	if s.search == nil {
		return 0, nil
	}
	docs, err := s.engine.ListDocuments(ctx)
	if err != nil {
		return 0, fmt.Errorf("list documents: %w", err)
	}

	records := make([]search.Record, 0, len(docs))
	for _, doc := range docs {
		if !doc.Mode.Public() {
			continue
		}
		current, err := s.engine.GetCurrent(ctx, doc.ID)
		if err != nil {
			return 0, fmt.Errorf("current version of %s: %w", doc.ID, err)
		}
		records = append(records, searchRecord(current))
	}
	s.search.Reindex(ctx, records)
	return len(records), nil
}

// write runs one engine write, retrying lost compare-and-set races with a
// jittered backoff. Every other error is returned as is.
func (s *Service) write(ctx context.Context, operation string, fn func() (store.Version, error)) (store.Version, error) {
	started := time.Now()
	var (
		v   store.Version
		err error
	)
	for attempt := 0; ; attempt++ {
		v, err = fn()
		if !versioning.Retryable(err) {
			break
		}
		s.metrics.WriteConflicts.WithLabelValues(operation).Inc()
		if attempt >= s.retries {
			break
		}
		s.metrics.ConflictRetries.Inc()
		s.log.Debug().Str("operation", operation).Int("attempt", attempt+1).Msg("write conflict, retrying")
		if sleepErr := s.sleep(ctx, s.retryDelay(attempt)); sleepErr != nil {
			break
		}
	}
	s.metrics.ObserveOperation(operation, started, err)

	if err != nil {
		if versioning.Classify(err) == versioning.ClassPolicy {
			s.metrics.PolicyRejections.WithLabelValues(policyReason(err)).Inc()
		}
		return store.Version{}, err
	}

	s.afterWrite(context.WithoutCancel(ctx), v)
	return v, nil
}

func (s *Service) retryDelay(attempt int) time.Duration {
	if s.backoff <= 0 {
		return 0
	}
	return s.backoff*time.Duration(attempt+1) + time.Duration(rand.Int63n(int64(s.backoff)))
}

// afterWrite fans a committed version out to the cache, search index, git
// mirror and archive. Their failures are logged and counted only; the
// version is already durable.
func (s *Service) afterWrite(ctx context.Context, v store.Version) {
	s.metrics.VersionsAppended.WithLabelValues(string(v.Kind), string(v.Mode)).Inc()
	s.log.Info().
		Str("document_id", v.DocumentID).
		Int("version", v.VersionNumber).
		Str("kind", string(v.Kind)).
		Str("mode", string(v.Mode)).
		Msg("version appended")

	s.putCache(ctx, v)

	if s.search != nil {
		if v.Mode.Public() {
			s.search.Upsert(searchRecord(v))
		} else if v.IsModeTransition {
			s.search.Remove(v.DocumentID, v.VersionNumber)
		}
	}

	if s.mirror != nil {
		s.mirrorVersion(ctx, v)
	}

	if s.archive != nil && archive.ShouldArchive(v) {
		key, err := s.archive.Archive(ctx, v)
		if err != nil {
			s.collaboratorFailed("archive", v.DocumentID, err)
		} else {
			s.log.Info().Str("document_id", v.DocumentID).Str("key", key).Msg("version archived")
		}
	}
}

func (s *Service) mirrorVersion(ctx context.Context, v store.Version) {
	err := s.mirror.Record(v)
	if errors.Is(err, gitrepo.ErrBehind) {
		var versions []store.Version
		versions, err = s.engine.ListVersions(ctx, v.DocumentID)
		if err == nil {
			var written int
			written, err = s.mirror.Sync(v.DocumentID, versions)
			s.log.Info().Str("document_id", v.DocumentID).Int("written", written).Msg("mirror caught up")
		}
	}
	if err != nil {
		s.collaboratorFailed("mirror", v.DocumentID, err)
	}
}

func (s *Service) cacheable(documentID string) bool {
	if s.cache == nil {
		return false
	}
	_, skip := s.uncached.Load(documentID)
	return !skip
}

// putCache refreshes the cached current version. When the put fails the
// entry is dropped so readers fall through to the ledger; when that fails
// too the document bypasses the cache from then on.
func (s *Service) putCache(ctx context.Context, v store.Version) {
	if !s.cacheable(v.DocumentID) {
		return
	}
	_, err := s.cache.PutCurrent(ctx, v)
	if err == nil {
		return
	}
	s.collaboratorFailed("cache", v.DocumentID, err)
	if err := s.cache.Invalidate(ctx, v.DocumentID); err != nil {
		s.collaboratorFailed("cache", v.DocumentID, err)
		s.uncached.Store(v.DocumentID, struct{}{})
		s.log.Warn().Str("document_id", v.DocumentID).Msg("cache bypassed for document")
	}
}

func (s *Service) collaboratorFailed(name, documentID string, err error) {
	s.metrics.CollaboratorErrors.WithLabelValues(name).Inc()
	s.log.Error().Err(err).Str("collaborator", name).Str("document_id", documentID).Msg("collaborator failed")
}

func searchRecord(v store.Version) search.Record {
	return search.NewRecord(v.DocumentID, v.Title, export.PlainText(v.Content), v.ChangeSummary, string(v.Mode), v.VersionNumber, v.CreatedAt)
}

func policyReason(err error) string {
	switch {
	case errors.Is(err, versioning.ErrModeReadOnly):
		return "read_only"
	case errors.Is(err, versioning.ErrNoOpTransition):
		return "no_op_transition"
	default:
		return "illegal_transition"
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
