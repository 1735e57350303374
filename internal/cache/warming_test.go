package cache

import (
	"context"
	"errors"
	"testing"

	"github.com/nbakker/envpulse/internal/models"
)

type mockEnvFetcher struct {
	report models.EnvReport
	err    error
}

func (m *mockEnvFetcher) GetEnvironment(ctx context.Context, city string) (models.EnvReport, string, error) {
	if m.err != nil {
		return models.EnvReport{}, "", m.err
	}
	out := m.report
	out.City = city
	return out, "live", nil
}

func TestWarmer_Warm_Success(t *testing.T) {
	fetcher := &mockEnvFetcher{report: models.EnvReport{AQI: models.Avail(2)}}
	warmer := NewWarmer(fetcher, nil)
	ctx := context.Background()

	err := warmer.Warm(ctx, []string{"london", "paris"})
	if err != nil {
		t.Fatalf("Warm() error = %v, want nil", err)
	}
}

func TestWarmer_Warm_EmptyCities(t *testing.T) {
	fetcher := &mockEnvFetcher{}
	warmer := NewWarmer(fetcher, nil)
	ctx := context.Background()

	err := warmer.Warm(ctx, nil)
	if err != nil {
		t.Fatalf("Warm() with nil cities error = %v, want nil", err)
	}
	err = warmer.Warm(ctx, []string{})
	if err != nil {
		t.Fatalf("Warm() with empty cities error = %v, want nil", err)
	}
}

func TestWarmer_Warm_FetcherError(t *testing.T) {
	fetcher := &mockEnvFetcher{err: errors.New("api down")}
	warmer := NewWarmer(fetcher, nil)
	ctx := context.Background()

	err := warmer.Warm(ctx, []string{"london"})
	if err == nil {
		t.Fatal("Warm() error = nil, want non-nil")
	}
}
