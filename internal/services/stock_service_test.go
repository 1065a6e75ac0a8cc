package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/sakura-shop/api/internal/domain"
	"github.com/sakura-shop/api/internal/repositories"
)

type stubStockRepo struct {
	getFn       func(context.Context, string) (domain.StockLevel, error)
	checkFn     func(context.Context, string, int) (bool, error)
	decrementFn func(context.Context, repositories.StockDecrementRequest) (repositories.StockDecrementResult, error)
	restoreFn   func(context.Context, repositories.StockRestoreRequest) (repositories.StockRestoreResult, error)
	configureFn func(context.Context, domain.StockLevel) (domain.StockLevel, error)
	listLowFn   func(context.Context, repositories.StockLowQuery) (domain.CursorPage[domain.StockLevel], error)
}

func (s *stubStockRepo) Get(ctx context.Context, sku string) (domain.StockLevel, error) {
	if s.getFn != nil {
		return s.getFn(ctx, sku)
	}
	return domain.StockLevel{}, repositories.NewStockError(repositories.StockErrorNotFound, sku, "", nil)
}

func (s *stubStockRepo) CheckAvailable(ctx context.Context, sku string, quantity int) (bool, error) {
	if s.checkFn != nil {
		return s.checkFn(ctx, sku, quantity)
	}
	return false, nil
}

func (s *stubStockRepo) Decrement(ctx context.Context, req repositories.StockDecrementRequest) (repositories.StockDecrementResult, error) {
	if s.decrementFn != nil {
		return s.decrementFn(ctx, req)
	}
	return repositories.StockDecrementResult{}, errors.New("not implemented")
}

func (s *stubStockRepo) Restore(ctx context.Context, req repositories.StockRestoreRequest) (repositories.StockRestoreResult, error) {
	if s.restoreFn != nil {
		return s.restoreFn(ctx, req)
	}
	return repositories.StockRestoreResult{}, errors.New("not implemented")
}

func (s *stubStockRepo) Configure(ctx context.Context, level domain.StockLevel) (domain.StockLevel, error) {
	if s.configureFn != nil {
		return s.configureFn(ctx, level)
	}
	return level, nil
}

func (s *stubStockRepo) ListLowStock(ctx context.Context, query repositories.StockLowQuery) (domain.CursorPage[domain.StockLevel], error) {
	if s.listLowFn != nil {
		return s.listLowFn(ctx, query)
	}
	return domain.CursorPage[domain.StockLevel]{}, nil
}

type captureStockEvents struct {
	events []StockEvent
}

func (c *captureStockEvents) PublishStockEvent(_ context.Context, event StockEvent) error {
	c.events = append(c.events, event)
	return nil
}

func newStockServiceForTest(t *testing.T, repo *stubStockRepo, events StockEventPublisher, now time.Time) StockService {
	t.Helper()
	svc, err := NewStockService(StockServiceDeps{
		Stock:  repo,
		Events: events,
		Clock:  func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewStockService: %v", err)
	}
	return svc
}

func TestGetStockMapsNotFound(t *testing.T) {
	now := time.Now().UTC()
	svc := newStockServiceForTest(t, &stubStockRepo{}, nil, now)

	_, err := svc.GetStock(context.Background(), "TEA-404")
	if !errors.Is(err, ErrStockNotFound) {
		t.Fatalf("expected ErrStockNotFound, got %v", err)
	}

	_, err = svc.GetStock(context.Background(), "  ")
	if !errors.Is(err, ErrStockInvalidInput) {
		t.Fatalf("expected ErrStockInvalidInput, got %v", err)
	}
}

func TestCheckAvailable(t *testing.T) {
	now := time.Now().UTC()
	repo := &stubStockRepo{
		checkFn: func(_ context.Context, sku string, quantity int) (bool, error) {
			return sku == "TEA-001" && quantity <= 5, nil
		},
	}
	svc := newStockServiceForTest(t, repo, nil, now)

	ok, err := svc.CheckAvailable(context.Background(), "TEA-001", 3)
	if err != nil || !ok {
		t.Fatalf("CheckAvailable = %v, %v", ok, err)
	}
	ok, err = svc.CheckAvailable(context.Background(), "TEA-001", 6)
	if err != nil || ok {
		t.Fatalf("CheckAvailable = %v, %v", ok, err)
	}
	if _, err := svc.CheckAvailable(context.Background(), "TEA-001", 0); !errors.Is(err, ErrStockInvalidInput) {
		t.Fatalf("expected ErrStockInvalidInput, got %v", err)
	}
}

func TestRestorePublishesEvents(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var restored repositories.StockRestoreRequest
	repo := &stubStockRepo{
		restoreFn: func(_ context.Context, req repositories.StockRestoreRequest) (repositories.StockRestoreResult, error) {
			restored = req
			return repositories.StockRestoreResult{Stocks: map[string]domain.StockLevel{
				"TEA-001": {SKU: "TEA-001", Stock: 12},
				"TEA-003": {SKU: "TEA-003", Stock: 4},
			}}, nil
		},
	}
	events := &captureStockEvents{}
	svc := newStockServiceForTest(t, repo, events, now)

	stocks, err := svc.Restore(context.Background(), StockRestoreCommand{
		OrderRef: "ord_1",
		Lines: []StockAdjustmentLine{
			{SKU: "TEA-001", Quantity: 2},
			{SKU: "TEA-003", Quantity: 1},
		},
	})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored.OrderRef != "ord_1" || len(restored.Lines) != 2 {
		t.Fatalf("restore request %+v", restored)
	}
	if stocks["TEA-001"].Stock != 12 {
		t.Fatalf("post-restore level %+v", stocks["TEA-001"])
	}
	if len(events.events) != 2 {
		t.Fatalf("events = %d, want 2", len(events.events))
	}
	first := events.events[0]
	if first.Type != "stock.restored" || first.Delta != 2 || first.Stock != 12 {
		t.Fatalf("event %+v", first)
	}
}

func TestRestoreValidatesLines(t *testing.T) {
	now := time.Now().UTC()
	svc := newStockServiceForTest(t, &stubStockRepo{}, nil, now)

	cases := []StockRestoreCommand{
		{OrderRef: "ord_1"},
		{OrderRef: "ord_1", Lines: []StockAdjustmentLine{{SKU: " ", Quantity: 1}}},
		{OrderRef: "ord_1", Lines: []StockAdjustmentLine{{SKU: "TEA-001", Quantity: 0}}},
	}
	for i, cmd := range cases {
		if _, err := svc.Restore(context.Background(), cmd); !errors.Is(err, ErrStockInvalidInput) {
			t.Fatalf("case %d: expected ErrStockInvalidInput, got %v", i, err)
		}
	}
}

func TestConfigureStock(t *testing.T) {
	now := time.Now().UTC()
	var saved domain.StockLevel
	repo := &stubStockRepo{
		configureFn: func(_ context.Context, level domain.StockLevel) (domain.StockLevel, error) {
			saved = level
			return level, nil
		},
	}
	svc := newStockServiceForTest(t, repo, nil, now)

	_, err := svc.Configure(context.Background(), ConfigureStockCommand{SKU: "TEA-001", Stock: -1})
	if !errors.Is(err, ErrStockInvalidInput) {
		t.Fatalf("negative stock without backorder must fail, got %v", err)
	}

	level, err := svc.Configure(context.Background(), ConfigureStockCommand{
		SKU:            "TEA-001",
		ProductRef:     "prd_teapot",
		Stock:          -1,
		AllowBackorder: true,
	})
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if !level.AllowBackorder || saved.Stock != -1 {
		t.Fatalf("configured level %+v", saved)
	}
}

func TestListLowStockThreshold(t *testing.T) {
	now := time.Now().UTC()
	repo := &stubStockRepo{
		listLowFn: func(_ context.Context, query repositories.StockLowQuery) (domain.CursorPage[domain.StockLevel], error) {
			if query.Threshold != 5 {
				t.Fatalf("threshold = %d, want 5", query.Threshold)
			}
			return domain.CursorPage[domain.StockLevel]{
				Items: []domain.StockLevel{{SKU: "TEA-001", Stock: 2}},
			}, nil
		},
	}
	svc := newStockServiceForTest(t, repo, nil, now)

	page, err := svc.ListLowStock(context.Background(), StockLowStockFilter{Threshold: 5})
	if err != nil {
		t.Fatalf("ListLowStock: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].SKU != "TEA-001" {
		t.Fatalf("page %+v", page)
	}

	if _, err := svc.ListLowStock(context.Background(), StockLowStockFilter{Threshold: -1}); !errors.Is(err, ErrStockInvalidInput) {
		t.Fatalf("expected ErrStockInvalidInput, got %v", err)
	}
}
