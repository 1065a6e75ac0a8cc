package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sakura-shop/api/internal/repositories"
)

var (
	// ErrCounterInvalidInput indicates the caller supplied invalid counter parameters.
	ErrCounterInvalidInput = errors.New("counter: invalid input")
	// ErrCounterExhausted indicates the counter cannot increment past its configured bound.
	ErrCounterExhausted = errors.New("counter: exhausted")
)

// CounterServiceDeps bundles collaborators required to construct a counter service.
type CounterServiceDeps struct {
	Repository repositories.CounterRepository
	Clock      func() time.Time
}

type counterService struct {
	repo  repositories.CounterRepository
	clock func() time.Time

	// configured remembers the last options pushed per counter so repeated
	// Next calls with identical options skip the Configure round trip.
	configMu   sync.Mutex
	configured map[string]counterOptionsKey
}

type counterOptionsKey struct {
	step         int64
	maxValue     int64
	hasMax       bool
	initialValue int64
	hasInitial   bool
}

func optionsKey(opts CounterGenerationOptions) counterOptionsKey {
	key := counterOptionsKey{}
	if opts.Step > 0 {
		key.step = opts.Step
	}
	if opts.MaxValue != nil {
		key.hasMax = true
		key.maxValue = *opts.MaxValue
	}
	if opts.InitialValue != nil {
		key.hasInitial = true
		key.initialValue = *opts.InitialValue
	}
	return key
}

func (k counterOptionsKey) isZero() bool {
	return k == counterOptionsKey{}
}

// NewCounterService builds the sequence allocator used for order numbers and
// operator-managed counters.
func NewCounterService(deps CounterServiceDeps) (CounterService, error) {
	if deps.Repository == nil {
		return nil, errors.New("counter service: repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	return &counterService{
		repo:       deps.Repository,
		clock:      func() time.Time { return clock().UTC() },
		configured: make(map[string]counterOptionsKey),
	}, nil
}

func (s *counterService) Next(ctx context.Context, scope, name string, opts CounterGenerationOptions) (CounterValue, error) {
	scope = strings.TrimSpace(scope)
	name = strings.TrimSpace(name)
	if scope == "" {
		return CounterValue{}, fmt.Errorf("%w: scope is required", ErrCounterInvalidInput)
	}
	if name == "" {
		return CounterValue{}, fmt.Errorf("%w: name is required", ErrCounterInvalidInput)
	}
	counterID := scope + ":" + name

	if err := s.syncConfiguration(ctx, counterID, opts); err != nil {
		return CounterValue{}, err
	}

	value, err := s.repo.Next(ctx, counterID, opts.Step)
	if err != nil {
		return CounterValue{}, mapCounterError(err)
	}

	return CounterValue{Value: value, Formatted: formatCounterValue(s.clock(), value, opts)}, nil
}

// NextOrderNumber allocates the next order sequence and renders the
// human-facing order number carried on receipts and notifications.
func (s *counterService) NextOrderNumber(ctx context.Context) (OrderNumber, error) {
	result, err := s.Next(ctx, "orders", "sequence", CounterGenerationOptions{
		Step: 1,
		Formatter: func(current time.Time, seq int64) string {
			return fmt.Sprintf("SO-%04d-%06d", current.Year(), seq)
		},
	})
	if err != nil {
		return OrderNumber{}, err
	}
	return OrderNumber{Sequence: result.Value, Number: result.Formatted}, nil
}

func (s *counterService) syncConfiguration(ctx context.Context, counterID string, opts CounterGenerationOptions) error {
	key := optionsKey(opts)

	s.configMu.Lock()
	defer s.configMu.Unlock()

	if existing, ok := s.configured[counterID]; ok && existing == key {
		return nil
	}
	if !key.isZero() {
		cfg := repositories.CounterConfig{Step: key.step}
		if key.hasMax {
			cfg.MaxValue = &key.maxValue
		}
		if key.hasInitial {
			cfg.InitialValue = &key.initialValue
		}
		if err := s.repo.Configure(ctx, counterID, cfg); err != nil {
			return err
		}
	}
	s.configured[counterID] = key
	return nil
}

func mapCounterError(err error) error {
	var counterErr *repositories.CounterError
	if errors.As(err, &counterErr) {
		switch counterErr.Code {
		case repositories.CounterErrorInvalidInput:
			return fmt.Errorf("%w: %s", ErrCounterInvalidInput, counterErr.Message)
		case repositories.CounterErrorExhausted:
			return fmt.Errorf("%w: %s", ErrCounterExhausted, counterErr.Message)
		}
	}
	return err
}

func formatCounterValue(now time.Time, value int64, opts CounterGenerationOptions) string {
	if opts.Formatter != nil {
		return opts.Formatter(now, value)
	}
	formatted := strconv.FormatInt(value, 10)
	if opts.PadLength > 0 {
		formatted = fmt.Sprintf("%0*d", opts.PadLength, value)
	}
	return opts.Prefix + formatted + opts.Suffix
}
