package memory

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/xiy/working-memory/internal/config"
	"github.com/xiy/working-memory/internal/store"
	"github.com/xiy/working-memory/internal/workingmemory"
	"github.com/xiy/working-memory/pkg/types"
)

var (
	ErrNotFound       = store.ErrNotFound
	ErrExists         = store.ErrExists
	ErrConflict       = store.ErrConflict
	ErrTerminal       = workingmemory.ErrTerminal
	ErrUnknownTrigger = workingmemory.ErrUnknownTrigger
	ErrNotDormant     = errors.New("item is not faded")
	ErrInvalidInput   = errors.New("invalid input")
)

// Attempts per optimistic write before giving up with ErrConflict.
const maxWriteAttempts = 3

// Observer receives lifecycle events, typically for metrics.
type Observer interface {
	TriggerRecorded(trigger types.TriggerType)
	Promoted(res types.PromotionResult)
	Faded(res types.FadeResult)
	Restored(res types.RestorationResult)
	SweepCompleted(res types.EvaluationResult)
}

type nopObserver struct{}

func (nopObserver) TriggerRecorded(types.TriggerType)     {}
func (nopObserver) Promoted(types.PromotionResult)        {}
func (nopObserver) Faded(types.FadeResult)                {}
func (nopObserver) Restored(types.RestorationResult)      {}
func (nopObserver) SweepCompleted(types.EvaluationResult) {}

// Option customizes a Service.
type Option func(*Service)

// WithClock replaces the wall clock used for every operation.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithObserver registers an Observer for lifecycle events.
func WithObserver(o Observer) Option {
	return func(s *Service) {
		if o != nil {
			s.observer = o
		}
	}
}

// Service coordinates the working memory engine with persistence. Writes to
// one item are serialized in-process and guarded by the store's version check.
type Service struct {
	store         store.Store
	engine        *workingmemory.Engine
	cfg           config.Config
	namespaceExpr *regexp.Regexp
	logger        *log.Logger
	locks         *keyedMutex
	now           func() time.Time
	observer      Observer
}

// NewService constructs a working memory service.
func NewService(st store.Store, engine *workingmemory.Engine, cfg config.Config, logger *log.Logger, opts ...Option) (*Service, error) {
	re, err := regexp.Compile(cfg.NamespacePattern)
	if err != nil {
		return nil, fmt.Errorf("compile namespace pattern: %w", err)
	}
	s := &Service{
		store:         st,
		engine:        engine,
		cfg:           cfg,
		namespaceExpr: re,
		logger:        logger,
		locks:         newKeyedMutex(),
		now:           time.Now,
		observer:      nopObserver{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Ingest places a new item on trial. With SkipIfExists and a caller-supplied
// ID, an existing item is returned untouched.
func (s *Service) Ingest(ctx context.Context, in types.WriteInput) (types.IngestOutcome, error) {
	if err := s.validateNamespace(in.Namespace); err != nil {
		return types.IngestOutcome{}, err
	}
	if strings.TrimSpace(in.Content) == "" {
		return types.IngestOutcome{}, fmt.Errorf("%w: content must not be empty", ErrInvalidInput)
	}

	in.ID = strings.TrimSpace(in.ID)
	if in.SkipIfExists && in.ID != "" {
		existing, err := s.store.GetItem(ctx, in.ID)
		if err == nil {
			return types.IngestOutcome{Item: existing, Skipped: true}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return types.IngestOutcome{}, err
		}
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}

	now := s.now().UTC()
	state, err := s.engine.NewState(in.WMEntryOptions, now)
	if err != nil {
		return types.IngestOutcome{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	summary := strings.TrimSpace(in.Summary)
	if summary == "" {
		summary = autoSummary(in.Content)
	}
	item := types.Item{
		ID:            in.ID,
		Namespace:     in.Namespace,
		Content:       in.Content,
		Summary:       summary,
		SourceAgent:   in.SourceAgent,
		Metadata:      in.Metadata,
		WorkingMemory: state,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	unlock := s.locks.Lock(item.ID)
	defer unlock()

	stored, err := s.store.InsertItem(ctx, item)
	if err != nil {
		if in.SkipIfExists && errors.Is(err, store.ErrExists) {
			existing, getErr := s.store.GetItem(ctx, in.ID)
			if getErr != nil {
				return types.IngestOutcome{}, getErr
			}
			return types.IngestOutcome{Item: existing, Skipped: true}, nil
		}
		return types.IngestOutcome{}, err
	}
	s.logger.Debug("item ingested", "id", stored.ID, "category", state.ContentCategory, "expires_at", state.ExpiresAt)

	out := types.IngestOutcome{Item: stored}
	if !s.cfg.EvaluateOnIngest {
		return out, nil
	}
	settled, promo, _, err := s.settle(ctx, stored, now)
	if err != nil {
		return out, fmt.Errorf("evaluate ingested item: %w", err)
	}
	out.Item = settled
	out.Promotion = promo
	return out, nil
}

// Get returns one item by ID.
func (s *Service) Get(ctx context.Context, id string) (types.Item, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return types.Item{}, fmt.Errorf("%w: item_id is required", ErrInvalidInput)
	}
	return s.store.GetItem(ctx, id)
}

func (s *Service) validateNamespace(namespace string) error {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return fmt.Errorf("%w: namespace is required", ErrInvalidInput)
	}
	if !s.namespaceExpr.MatchString(namespace) {
		return fmt.Errorf("%w: namespace %q does not match required pattern", ErrInvalidInput, namespace)
	}
	return nil
}
