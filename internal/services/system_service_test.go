package services

import (
	"context"
	"testing"
	"time"

	domain "github.com/sakura-shop/api/internal/domain"
)

type stubHealthRepo struct {
	collectFn func(context.Context) (domain.SystemHealthReport, error)
}

func (s *stubHealthRepo) Collect(ctx context.Context) (domain.SystemHealthReport, error) {
	if s.collectFn != nil {
		return s.collectFn(ctx)
	}
	return domain.SystemHealthReport{}, nil
}

func newSystemServiceForTest(t *testing.T, repo *stubHealthRepo, counters CounterService, now time.Time) SystemService {
	t.Helper()
	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: repo,
		Clock:            func() time.Time { return now },
		Build: BuildInfo{
			Version:     "1.4.0",
			CommitSHA:   "abc1234",
			Environment: "test",
			StartedAt:   now.Add(-90 * time.Second),
		},
		Counters: counters,
	})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}
	return svc
}

func TestHealthReportOverlaysBuildMetadata(t *testing.T) {
	now := time.Date(2026, time.February, 1, 12, 0, 0, 0, time.UTC)
	repo := &stubHealthRepo{
		collectFn: func(context.Context) (domain.SystemHealthReport, error) {
			return domain.SystemHealthReport{
				Checks: map[string]domain.SystemHealthCheck{
					"firestore": {Status: domain.HealthStatusOK},
					"pubsub":    {Status: domain.HealthStatusOK},
				},
			}, nil
		},
	}
	svc := newSystemServiceForTest(t, repo, nil, now)

	report, err := svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	if report.Status != domain.HealthStatusOK {
		t.Fatalf("status = %q", report.Status)
	}
	if report.Version != "1.4.0" || report.CommitSHA != "abc1234" || report.Environment != "test" {
		t.Fatalf("build metadata not overlaid: %+v", report)
	}
	if report.Uptime != 90*time.Second {
		t.Fatalf("uptime = %s", report.Uptime)
	}
	if report.GeneratedAt != now {
		t.Fatalf("generated at = %s", report.GeneratedAt)
	}
}

func TestHealthReportDerivesStatus(t *testing.T) {
	now := time.Now().UTC()
	repo := &stubHealthRepo{
		collectFn: func(context.Context) (domain.SystemHealthReport, error) {
			return domain.SystemHealthReport{
				Checks: map[string]domain.SystemHealthCheck{
					"firestore": {Status: domain.HealthStatusOK},
					"pubsub":    {Status: domain.HealthStatusError, Error: "connection refused"},
				},
			}, nil
		},
	}
	svc := newSystemServiceForTest(t, repo, nil, now)

	report, err := svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	if report.Status != domain.HealthStatusError {
		t.Fatalf("status = %q, want error", report.Status)
	}
}

func TestNextCounterValueParsesCounterID(t *testing.T) {
	now := time.Now().UTC()
	counterRepo := &stubCounterRepo{
		nextFn: func(_ context.Context, counterID string, step int64) (int64, error) {
			if counterID != "invoices:regional" {
				t.Fatalf("counter id = %q", counterID)
			}
			if step != 5 {
				t.Fatalf("step = %d", step)
			}
			return 25, nil
		},
	}
	counters := newCounterServiceForTest(t, counterRepo, now)
	svc := newSystemServiceForTest(t, &stubHealthRepo{}, counters, now)

	value, err := svc.NextCounterValue(context.Background(), CounterCommand{CounterID: "invoices:regional", Step: 5})
	if err != nil {
		t.Fatalf("NextCounterValue: %v", err)
	}
	if value != 25 {
		t.Fatalf("value = %d", value)
	}

	if _, err := svc.NextCounterValue(context.Background(), CounterCommand{CounterID: "malformed"}); err == nil {
		t.Fatal("expected error for counter id without scope")
	}
}
