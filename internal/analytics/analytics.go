// Package analytics answers windowed defect queries over stored events.
package analytics

import (
	"context"
	"math"
	"time"

	"github.com/PratikDhanave/factory-events-service/internal/models"
	"github.com/PratikDhanave/factory-events-service/internal/store"
)

const (
	StatusHealthy = "Healthy"
	StatusWarning = "Warning"

	// WarningRate is the defects-per-hour rate at which a machine stops being healthy.
	WarningRate = 2.0

	// DefaultTopLinesLimit is used by callers that do not pass a limit.
	DefaultTopLinesLimit = 10
)

// Source is the read side of store.Store used for aggregation.
type Source interface {
	MachineTotals(ctx context.Context, machineID string, start, end time.Time) (store.MachineTotals, error)
	LineTotals(ctx context.Context, factoryID string, from, to time.Time, limit int) ([]store.LineTotals, error)
}

// Service computes machine health and line rankings.
type Service struct {
	src Source
}

func New(src Source) *Service {
	return &Service{src: src}
}

// Stats reports machineID's events with eventTime in [start,end).
func (s *Service) Stats(ctx context.Context, machineID string, start, end time.Time) (models.MachineStats, error) {
	totals, err := s.src.MachineTotals(ctx, machineID, start, end)
	if err != nil {
		return models.MachineStats{}, err
	}

	rate := 0.0
	if hours := end.Sub(start).Seconds() / 3600; hours > 0 {
		rate = float64(totals.DefectsCount) / hours
	}

	status := StatusHealthy
	if rate >= WarningRate {
		status = StatusWarning
	}

	return models.MachineStats{
		MachineID:     machineID,
		Start:         start,
		End:           end,
		EventsCount:   totals.EventsCount,
		DefectsCount:  totals.DefectsCount,
		AvgDefectRate: round2(rate),
		Status:        status,
	}, nil
}

// TopDefectLines ranks factoryID's lines by total defects in [from,to).
// Lines with equal totals are ordered by lineId ascending.
func (s *Service) TopDefectLines(ctx context.Context, factoryID string, from, to time.Time, limit int) ([]models.LineDefects, error) {
	if limit < 1 {
		limit = DefaultTopLinesLimit
	}
	rows, err := s.src.LineTotals(ctx, factoryID, from, to, limit)
	if err != nil {
		return nil, err
	}

	out := make([]models.LineDefects, 0, len(rows))
	for _, r := range rows {
		percent := 0.0
		if r.EventCount > 0 {
			percent = round2(float64(r.TotalDefects) * 100 / float64(r.EventCount))
		}
		out = append(out, models.LineDefects{
			LineID:         r.LineID,
			EventCount:     r.EventCount,
			TotalDefects:   r.TotalDefects,
			DefectsPercent: percent,
		})
	}
	return out, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
