package aggregate

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nbakker/envpulse/internal/client"
	"github.com/nbakker/envpulse/internal/models"
)

// Aggregator resolves a city and merges measurements from independent sources
// into one EnvReport. Only geocoding is fatal: the pollutant, UV, and AQI
// fetches each degrade their fields to unavailable on failure, so a single
// broken provider never aborts the whole aggregation.
type Aggregator struct {
	geo       client.Geocoder
	pollution client.PollutionSource
	uv        client.UVSource
	aqi       client.AQISource
	logger    *zap.Logger
}

// New returns an Aggregator over the given sources.
func New(geo client.Geocoder, pollution client.PollutionSource, uv client.UVSource, aqi client.AQISource, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		geo:       geo,
		pollution: pollution,
		uv:        uv,
		aqi:       aqi,
		logger:    logger,
	}
}

// Merge geocodes city and fetches the three measurement groups keyed by the
// resolved coordinates. Each field's source is fixed; there is no averaging
// across providers. Returns client.ErrCityNotFound when the city cannot be
// resolved, or the geocode error as-is for other upstream failures.
func (a *Aggregator) Merge(ctx context.Context, city string) (models.EnvReport, error) {
	loc, err := a.geo.Geocode(ctx, city)
	if err != nil {
		return models.EnvReport{}, err
	}

	report := models.EnvReport{
		City:      loc.Name,
		Country:   loc.Country,
		Latitude:  loc.Lat,
		Longitude: loc.Lon,
		FetchedAt: time.Now().UTC(),
	}

	// The three fetches are independent; run them concurrently. Each writes
	// only its own fields of report.
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		comps, err := a.pollution.Pollution(ctx, loc.Lat, loc.Lon)
		if err != nil {
			a.logDegraded("pollution", city, err)
			return
		}
		report.PM25 = comps.PM25
		report.PM10 = comps.PM10
		report.CO = comps.CO
		report.NO2 = comps.NO2
		report.O3 = comps.O3
		report.SO2 = comps.SO2
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		uv, err := a.uv.UVIndex(ctx, loc.Lat, loc.Lon)
		if err != nil {
			a.logDegraded("uv", city, err)
			return
		}
		report.UVIndex = uv
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		aqi, err := a.aqi.LatestAQI(ctx, loc.Lat, loc.Lon)
		if err != nil {
			a.logDegraded("aqi", city, err)
			return
		}
		report.AQI = aqi
	}()

	wg.Wait()
	return report, nil
}

func (a *Aggregator) logDegraded(source, city string, err error) {
	if a.logger != nil {
		a.logger.Warn("source degraded, fields unavailable",
			zap.String("source", source),
			zap.String("city", city),
			zap.Error(err))
	}
}
