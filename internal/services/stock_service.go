package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/sakura-shop/api/internal/domain"
	"github.com/sakura-shop/api/internal/repositories"
)

var (
	// ErrStockInvalidInput signals the caller provided invalid stock parameters.
	ErrStockInvalidInput = errors.New("stock: invalid input")
	// ErrStockNotFound indicates the SKU has no stock record.
	ErrStockNotFound = errors.New("stock: not found")
	// ErrStockInsufficient indicates the requested quantity exceeds availability.
	ErrStockInsufficient = errors.New("stock: insufficient")
)

// StockEventPublisher receives stock adjustment notifications for analytics.
type StockEventPublisher interface {
	PublishStockEvent(ctx context.Context, event StockEvent) error
}

// StockServiceDeps bundles collaborators required to construct the stock service.
type StockServiceDeps struct {
	Stock  repositories.StockRepository
	Clock  func() time.Time
	Events StockEventPublisher
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type stockService struct {
	stock  repositories.StockRepository
	clock  func() time.Time
	events StockEventPublisher
	logger func(context.Context, string, map[string]any)
}

// NewStockService wires dependencies into a concrete StockService implementation.
func NewStockService(deps StockServiceDeps) (StockService, error) {
	if deps.Stock == nil {
		return nil, errors.New("stock service: stock repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &stockService{
		stock: deps.Stock,
		clock: func() time.Time {
			return clock().UTC()
		},
		events: deps.Events,
		logger: logger,
	}, nil
}

func (s *stockService) GetStock(ctx context.Context, sku string) (StockLevel, error) {
	key := strings.TrimSpace(sku)
	if key == "" {
		return StockLevel{}, fmt.Errorf("%w: sku is required", ErrStockInvalidInput)
	}
	level, err := s.stock.Get(ctx, key)
	if err != nil {
		return StockLevel{}, s.mapStockError(err)
	}
	return level, nil
}

func (s *stockService) CheckAvailable(ctx context.Context, sku string, quantity int) (bool, error) {
	key := strings.TrimSpace(sku)
	if key == "" {
		return false, fmt.Errorf("%w: sku is required", ErrStockInvalidInput)
	}
	if quantity <= 0 {
		return false, fmt.Errorf("%w: quantity must be positive", ErrStockInvalidInput)
	}
	available, err := s.stock.CheckAvailable(ctx, key, quantity)
	if err != nil {
		return false, s.mapStockError(err)
	}
	return available, nil
}

// Restore hands quantity back to the ledger, typically after a cancellation
// or an inbound return. Restores always succeed; missing SKUs are created.
func (s *stockService) Restore(ctx context.Context, cmd StockRestoreCommand) (map[string]StockLevel, error) {
	if len(cmd.Lines) == 0 {
		return nil, fmt.Errorf("%w: at least one line is required", ErrStockInvalidInput)
	}
	lines := make([]repositories.StockLine, 0, len(cmd.Lines))
	for _, line := range cmd.Lines {
		sku := strings.TrimSpace(line.SKU)
		if sku == "" {
			return nil, fmt.Errorf("%w: sku is required", ErrStockInvalidInput)
		}
		if line.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity must be positive for sku %s", ErrStockInvalidInput, sku)
		}
		lines = append(lines, repositories.StockLine{SKU: sku, Quantity: line.Quantity})
	}

	now := s.clock()
	result, err := s.stock.Restore(ctx, repositories.StockRestoreRequest{
		OrderRef: strings.TrimSpace(cmd.OrderRef),
		Lines:    lines,
		Now:      now,
	})
	if err != nil {
		return nil, s.mapStockError(err)
	}

	for _, line := range lines {
		level := result.Stocks[line.SKU]
		s.publishEvent(ctx, StockEvent{
			Type:       "stock.restored",
			OrderRef:   strings.TrimSpace(cmd.OrderRef),
			SKU:        line.SKU,
			Delta:      line.Quantity,
			Stock:      level.Stock,
			OccurredAt: now,
		})
	}
	return result.Stocks, nil
}

func (s *stockService) Configure(ctx context.Context, cmd ConfigureStockCommand) (StockLevel, error) {
	sku := strings.TrimSpace(cmd.SKU)
	if sku == "" {
		return StockLevel{}, fmt.Errorf("%w: sku is required", ErrStockInvalidInput)
	}
	if cmd.Stock < 0 && !cmd.AllowBackorder {
		return StockLevel{}, fmt.Errorf("%w: stock must be non-negative unless backorder is allowed", ErrStockInvalidInput)
	}

	level, err := s.stock.Configure(ctx, domain.StockLevel{
		SKU:            sku,
		ProductRef:     strings.TrimSpace(cmd.ProductRef),
		Stock:          cmd.Stock,
		AllowBackorder: cmd.AllowBackorder,
		UpdatedAt:      s.clock(),
	})
	if err != nil {
		return StockLevel{}, s.mapStockError(err)
	}

	s.logger(ctx, "stock.configured", map[string]any{
		"sku":       level.SKU,
		"stock":     level.Stock,
		"backorder": level.AllowBackorder,
		"actor":     cmd.ActorID,
	})
	return level, nil
}

func (s *stockService) ListLowStock(ctx context.Context, filter StockLowStockFilter) (domain.CursorPage[StockLevel], error) {
	if filter.Threshold < 0 {
		return domain.CursorPage[StockLevel]{}, fmt.Errorf("%w: threshold must be non-negative", ErrStockInvalidInput)
	}
	return s.stock.ListLowStock(ctx, repositories.StockLowQuery{
		Threshold: filter.Threshold,
		PageSize:  filter.Pagination.PageSize,
		PageToken: filter.Pagination.PageToken,
	})
}

func (s *stockService) mapStockError(err error) error {
	if err == nil {
		return nil
	}
	var stockErr *repositories.StockError
	if errors.As(err, &stockErr) {
		switch stockErr.Code {
		case repositories.StockErrorNotFound:
			return fmt.Errorf("%w: %s", ErrStockNotFound, stockErr.SKU)
		case repositories.StockErrorInsufficient:
			return fmt.Errorf("%w: %s", ErrStockInsufficient, stockErr.SKU)
		}
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsNotFound() {
		return fmt.Errorf("%w: %v", ErrStockNotFound, err)
	}
	return err
}

func (s *stockService) publishEvent(ctx context.Context, event StockEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishStockEvent(ctx, event); err != nil {
		s.logger(ctx, "stock.event.publish.failed", map[string]any{
			"type":  event.Type,
			"sku":   event.SKU,
			"error": err.Error(),
		})
	}
}
