package imports

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/restaurant-ops/inventory/internal/mapping"
	"github.com/restaurant-ops/inventory/internal/scanning"
)

// AnonymousIdentity initiates and reviews imports when authentication is off
const AnonymousIdentity = "anonymous"

// KeyGenerator generates unique storage keys for uploaded images
type KeyGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// defaultKeyGenerator generates random UUIDs
type defaultKeyGenerator struct{}

func (g *defaultKeyGenerator) Generate() string {
	return uuid.NewString()
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Service handles the OCR intake pipeline and the review of pending imports
type Service struct {
	db          DB
	scanner     scanning.Scanner
	mapper      *mapping.Mapper
	storage     Storage
	cache       Cache
	keyGen      KeyGenerator
	timeSource  TimeSource
	scanTimeout time.Duration
}

// NewService creates a new Service with default key generator and time source
func NewService(db DB, scanner scanning.Scanner, mapper *mapping.Mapper, storage Storage, cache Cache) *Service {
	return NewServiceWithDeps(db, scanner, mapper, storage, cache, &defaultKeyGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, scanner scanning.Scanner, mapper *mapping.Mapper, storage Storage, cache Cache, keyGen KeyGenerator, timeSrc TimeSource) *Service {
	if cache == nil {
		cache = NoopCache{}
	}
	return &Service{
		db:          db,
		scanner:     scanner,
		mapper:      mapper,
		storage:     storage,
		cache:       cache,
		keyGen:      keyGen,
		timeSource:  timeSrc,
		scanTimeout: 60 * time.Second,
	}
}

// SetScanTimeout bounds every recognition call; zero disables the bound
func (s *Service) SetScanTimeout(d time.Duration) {
	s.scanTimeout = d
}

// ProcessRequest is one uploaded form
type ProcessRequest struct {
	Filename    string
	Data        []byte
	ContentType string
	FormType    string
	Identity    string
}

// ProcessResult is the outcome of the intake pipeline
type ProcessResult struct {
	Import      *PendingImport
	Record      *mapping.Record
	Recognition *scanning.Recognition
	NeedsReview bool
}

var extensionsByType = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/heic":      ".heic",
	"image/heif":      ".heif",
	"application/pdf": ".pdf",
}

// imageExtension picks the stored file extension from the upload name,
// falling back to the content type
func imageExtension(filename, contentType string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext != "" && len(ext) <= 6 {
		return ext
	}
	if ext, ok := extensionsByType[contentType]; ok {
		return ext
	}
	return ".bin"
}

// ProcessForm scans an uploaded form, maps it onto its template and stores
// the result as a new pending import.
func (s *Service) ProcessForm(ctx context.Context, req ProcessRequest) (*ProcessResult, error) {
	if len(req.Data) == 0 {
		return nil, fmt.Errorf("%w: no image provided", ErrInvalidInput)
	}
	formType := strings.TrimSpace(req.FormType)
	if formType == "" {
		return nil, fmt.Errorf("%w: form type is required", ErrInvalidInput)
	}
	if _, ok := s.mapper.Templates().Lookup(formType); !ok {
		return nil, fmt.Errorf("%w: %w: %q", mapping.ErrMapping, mapping.ErrUnknownTemplate, formType)
	}
	identity := req.Identity
	if identity == "" {
		identity = AnonymousIdentity
	}

	scanCtx := ctx
	if s.scanTimeout > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, s.scanTimeout)
		defer cancel()
	}

	recognition, err := s.scanner.Scan(scanCtx, req.Data, req.ContentType)
	if err != nil {
		slog.Error("Failed to scan form",
			"filename", req.Filename,
			"content_type", req.ContentType,
			"file_size", len(req.Data),
			"engine", s.scanner.Name(),
			"error", err,
		)
		if !errors.Is(err, scanning.ErrRecognition) {
			err = fmt.Errorf("%w: %w", scanning.ErrRecognition, err)
		}
		return nil, fmt.Errorf("scanning form: %w", err)
	}

	record, err := s.mapper.Map(recognition.Text, formType)
	if err != nil {
		slog.Warn("Failed to map form", "filename", req.Filename, "form_type", formType, "error", err)
		return nil, fmt.Errorf("mapping form: %w", err)
	}
	if len(record.Items) > 0 {
		record.MatchCatalog(s.itemCatalog(ctx))
	}

	now := s.timeSource.Now()

	// The image is evidence for the reviewer, not part of the record: a
	// storage failure leaves the import without one.
	key := "ocr-forms/" + s.keyGen.Generate() + imageExtension(req.Filename, req.ContentType)
	savedKey, err := s.storage.Save(ctx, key, req.Data, req.ContentType)
	if err != nil {
		slog.Warn("Failed to store form image", "key", key, "storage", s.storage.Name(), "error", err)
		savedKey = ""
	}

	imp := newPendingImport(record, recognition.Confidence, identity, now)
	imp.RawText = recognition.Text
	imp.OCREngine = recognition.Engine
	imp.ImageKey = savedKey
	if savedKey != "" {
		imp.ImageContentType = req.ContentType
	}

	if err := s.db.CreatePendingImport(ctx, imp); err != nil {
		if savedKey != "" {
			// Clean up file if database save fails
			if delErr := s.storage.Delete(ctx, savedKey); delErr != nil {
				slog.Warn("Failed to delete orphaned image", "key", savedKey, "error", delErr)
			}
		}
		return nil, fmt.Errorf("saving pending import: %w", err)
	}

	needsReview := record.NeedsReview(recognition.Confidence)
	slog.Info("Processed form",
		"id", imp.ID,
		"form_type", imp.FormType,
		"engine", recognition.Engine,
		"confidence", recognition.Confidence,
		"items", len(imp.Items),
		"missing", record.Missing,
		"needs_review", needsReview,
		"created_by", identity,
	)

	return &ProcessResult{
		Import:      imp,
		Record:      record,
		Recognition: recognition,
		NeedsReview: needsReview,
	}, nil
}

// itemCatalog lists the names already in stock. Without it every item is
// left for the reviewer to confirm.
func (s *Service) itemCatalog(ctx context.Context) []string {
	levels, err := s.db.ListStock(ctx)
	if err != nil {
		slog.Warn("Failed to load the item catalogue", "error", err)
		return nil
	}
	names := make([]string, 0, len(levels))
	seen := make(map[string]bool, len(levels))
	for _, l := range levels {
		if !seen[l.ItemName] {
			seen[l.ItemName] = true
			names = append(names, l.ItemName)
		}
	}
	return names
}

// ListPending returns the imports awaiting review, newest first
func (s *Service) ListPending(ctx context.Context) ([]*PendingImport, error) {
	return s.List(ctx, string(StatusPending))
}

// List returns imports with the given status (all when empty), newest first
func (s *Service) List(ctx context.Context, status string) ([]*PendingImport, error) {
	st := Status(strings.ToLower(strings.TrimSpace(status)))
	if st != "" && !st.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	imps, err := s.db.ListPendingImports(ctx, ListFilter{Status: st})
	if err != nil {
		return nil, fmt.Errorf("listing pending imports: %w", err)
	}
	return imps, nil
}

// Get retrieves an import by ID
func (s *Service) Get(ctx context.Context, id uint64) (*PendingImport, error) {
	if imp, ok := s.cache.Get(ctx, id); ok {
		return imp, nil
	}
	imp, err := s.db.GetPendingImport(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting pending import: %w", err)
	}
	// only reviewed records are final; a pending copy could outlive its review
	if imp.Status != StatusPending {
		s.cache.Set(ctx, imp)
	}
	return imp, nil
}

// Approve accepts a pending import and applies it to stock
func (s *Service) Approve(ctx context.Context, id uint64, identity string) (*PendingImport, error) {
	return s.decide(ctx, id, StatusApproved, identity, "")
}

// Reject declines a pending import
func (s *Service) Reject(ctx context.Context, id uint64, identity, reason string) (*PendingImport, error) {
	return s.decide(ctx, id, StatusRejected, identity, strings.TrimSpace(reason))
}

func (s *Service) decide(ctx context.Context, id uint64, to Status, identity, reason string) (*PendingImport, error) {
	if identity == "" {
		identity = AnonymousIdentity
	}
	imp, err := s.db.Transition(ctx, id, to, Review{
		By:     identity,
		At:     s.timeSource.Now(),
		Reason: reason,
	})
	if err != nil {
		s.cache.Invalidate(ctx, id)
		return nil, fmt.Errorf("marking import %d %s: %w", id, to, err)
	}
	s.cache.Set(ctx, imp)

	slog.Info("Reviewed pending import", "id", id, "status", to, "by", identity)
	return imp, nil
}

// ImageFile retrieves the original upload of an import
func (s *Service) ImageFile(ctx context.Context, id uint64) ([]byte, string, error) {
	imp, err := s.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if imp.ImageKey == "" {
		return nil, "", fmt.Errorf("%w: import %d has no stored image", ErrNotFound, id)
	}

	data, err := s.storage.Get(ctx, imp.ImageKey)
	if err != nil {
		return nil, "", fmt.Errorf("getting image file: %w", err)
	}

	contentType := imp.ImageContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return data, contentType, nil
}

// Stock returns the current stock levels
func (s *Service) Stock(ctx context.Context) ([]*StockLevel, error) {
	levels, err := s.db.ListStock(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing stock: %w", err)
	}
	return levels, nil
}

// Templates returns every form template
func (s *Service) Templates() []mapping.FormTemplate {
	return s.mapper.Templates().All()
}

// Template returns one form template
func (s *Service) Template(formType string) (mapping.FormTemplate, error) {
	tpl, ok := s.mapper.Templates().Lookup(formType)
	if !ok {
		return mapping.FormTemplate{}, fmt.Errorf("%w: form template %q", ErrNotFound, formType)
	}
	return tpl, nil
}

// Authenticate checks a username and password against the stored users
func (s *Service) Authenticate(ctx context.Context, username, password string) (*User, error) {
	user, err := s.db.GetUser(ctx, username)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown user %q", ErrUnauthorized, username)
	}
	if err != nil {
		return nil, fmt.Errorf("authenticating: %w", err)
	}
	if !user.Active || !CheckPassword(user.PasswordHash, password) {
		return nil, fmt.Errorf("%w: invalid credentials for %q", ErrUnauthorized, username)
	}
	return user, nil
}

// HealthReport describes the state of the service's dependencies
type HealthReport struct {
	DatabaseErr error
	Provider    string
	Cache       string
	CacheErr    error
	Storage     string
	Engine      string
}

// Healthy reports whether the database answered
func (h HealthReport) Healthy() bool {
	return h.DatabaseErr == nil
}

// Health checks the database and the cache
func (s *Service) Health(ctx context.Context) HealthReport {
	return HealthReport{
		DatabaseErr: s.db.Ping(ctx),
		Provider:    s.db.Provider(),
		Cache:       s.cache.Name(),
		CacheErr:    s.cache.Ping(ctx),
		Storage:     s.storage.Name(),
		Engine:      s.scanner.Name(),
	}
}
