// Package vault maps short codes to stored platform files. Uploading the same
// content twice yields the same code; each successful retrieval bumps the
// file's download counter.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ssd-technologies/vaultrelay/internal/platform"
	"github.com/ssd-technologies/vaultrelay/internal/storage"
)

// CodeLength is the number of hex characters in a generated code.
const CodeLength = 10

var (
	ErrNotFound = errors.New("vault: file not found")
	ErrRevoked  = errors.New("vault: file link revoked")
)

var (
	uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultrelay_uploads_total",
		Help: "Admin uploads, by result (new or duplicate).",
	}, []string{"result"})
	downloadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vaultrelay_downloads_total",
		Help: "Successful file retrievals.",
	})
	resolveMissesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultrelay_resolve_misses_total",
		Help: "Code lookups that did not yield a deliverable file, by reason.",
	}, []string{"reason"})
)

// Store is the persistence the vault needs. *storage.DB implements it.
type Store interface {
	PutFile(ctx context.Context, f *storage.FileRecord, newCode func() string) (string, bool, error)
	GetFile(ctx context.Context, code string) (*storage.FileRecord, error)
	IncrementDownloads(ctx context.Context, code string) error
	Totals(ctx context.Context) (storage.Totals, error)
}

// Upload describes one media item received from the administrator.
type Upload struct {
	ProviderRef string
	Fingerprint string
	Kind        platform.MediaKind
	Name        string
	Caption     string
}

// Stats are the aggregate counters reported to the administrator.
type Stats struct {
	Files     int64 `json:"files"`
	Downloads int64 `json:"downloads"`
	Users     int64 `json:"users"`
}

// Service is the vault facade. It holds no data of its own.
type Service struct {
	store   Store
	handle  string
	newCode func() string
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithCodeGenerator replaces the random code generator.
func WithCodeGenerator(gen func() string) Option {
	return func(s *Service) { s.newCode = gen }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service. handle is the bot's public username used in links.
func New(store Store, handle string, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:   store,
		handle:  strings.TrimPrefix(handle, "@"),
		newCode: NewCode,
		now:     time.Now,
		logger:  logger.With("component", "vault"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewCode returns CodeLength hex characters taken from a random UUID.
func NewCode() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:CodeLength]
}

// Put stores u and returns its code. If an active file with the same
// fingerprint exists its code is returned with isNew false.
func (s *Service) Put(ctx context.Context, u Upload) (code string, isNew bool, err error) {
	if u.Fingerprint == "" || u.ProviderRef == "" {
		return "", false, fmt.Errorf("put: fingerprint and provider reference are required")
	}
	if !u.Kind.Valid() {
		return "", false, fmt.Errorf("put: unknown media kind %q", u.Kind)
	}
	name := u.Name
	if name == "" {
		name = "file_" + prefix(u.Fingerprint, 8)
	}

	rec := &storage.FileRecord{
		ProviderRef: u.ProviderRef,
		Fingerprint: u.Fingerprint,
		Kind:        u.Kind,
		Name:        name,
		Caption:     u.Caption,
		CreatedAt:   s.now().Unix(),
	}
	code, isNew, err = s.store.PutFile(ctx, rec, s.newCode)
	if err != nil {
		return "", false, fmt.Errorf("put: %w", err)
	}
	if isNew {
		uploadsTotal.WithLabelValues("new").Inc()
		s.logger.Info("stored new file", "code", code, "kind", u.Kind)
	} else {
		uploadsTotal.WithLabelValues("duplicate").Inc()
		s.logger.Info("upload matched existing file", "code", code)
	}
	return code, isNew, nil
}

// Resolve looks up a code. Unknown codes yield ErrNotFound; inactive ones
// yield the record together with ErrRevoked.
func (s *Service) Resolve(ctx context.Context, code string) (*storage.FileRecord, error) {
	rec, err := s.store.GetFile(ctx, code)
	if errors.Is(err, storage.ErrNotFound) {
		resolveMissesTotal.WithLabelValues("not_found").Inc()
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve: %w", err)
	}
	if !rec.Active {
		resolveMissesTotal.WithLabelValues("revoked").Inc()
		return rec, ErrRevoked
	}
	return rec, nil
}

// RecordDownload counts one successful retrieval of code.
func (s *Service) RecordDownload(ctx context.Context, code string) error {
	if err := s.store.IncrementDownloads(ctx, code); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("record download: %w", err)
	}
	downloadsTotal.Inc()
	return nil
}

// Stats returns the file, download and user totals.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	t, err := s.store.Totals(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	return Stats{Files: t.Files, Downloads: t.Downloads, Users: t.Users}, nil
}

// Link returns the capability link for code.
func (s *Service) Link(code string) string {
	return fmt.Sprintf("https://t.me/%s?start=%s", s.handle, code)
}

func prefix(s string, n int) string {
	if len(s) < n {
		return s
	}
	return s[:n]
}
