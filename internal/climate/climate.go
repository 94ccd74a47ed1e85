// Package climate fetches clipped climate reanalysis rasters for an
// observation envelope and caches them on disk.
//
// Files are named <collection>_<variable>_<operation>_<YYYYMM>.nc, one per
// month of the requested range, so the base name doubles as the predictor
// identifier further down the pipeline.
package climate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"merramax/internal/observation"
)

// Resolution is the temporal aggregation of the requested rasters.
type Resolution string

const (
	Monthly Resolution = "monthly"
)

// Request describes one climate data request.
type Request struct {
	Envelope    observation.Envelope
	Start       time.Time
	End         time.Time
	Resolution  Resolution
	Collections []string
	Variables   []string
	Operations  []string
}

// Validate checks the request is complete.
func (r Request) Validate() error {
	if r.End.Before(r.Start) {
		return fmt.Errorf("end date %s is before start date %s", r.End.Format(time.DateOnly), r.Start.Format(time.DateOnly))
	}
	if r.Resolution != Monthly {
		return fmt.Errorf("unsupported temporal resolution %q", r.Resolution)
	}
	if len(r.Collections) == 0 {
		return errors.New("at least one collection is required")
	}
	if len(r.Variables) == 0 {
		return errors.New("at least one variable is required")
	}
	if len(r.Operations) == 0 {
		return errors.New("at least one operation is required")
	}
	return nil
}

// Periods returns the YYYYMM labels covered by the request, in order.
func (r Request) Periods() []string {
	var periods []string
	cur := time.Date(r.Start.Year(), r.Start.Month(), 1, 0, 0, 0, 0, time.UTC)
	last := time.Date(r.End.Year(), r.End.Month(), 1, 0, 0, 0, 0, time.UTC)
	for !cur.After(last) {
		periods = append(periods, cur.Format("200601"))
		cur = cur.AddDate(0, 1, 0)
	}
	return periods
}

// FileName is the cache name of one raster.
func FileName(collection, variable, operation, period string) string {
	return strings.Join([]string{collection, variable, operation, period}, "_") + ".nc"
}

// Service returns the raster files for a request, fetching only those not
// already present in cacheDir.
type Service interface {
	Fetch(ctx context.Context, req Request, cacheDir string) ([]string, error)
}
