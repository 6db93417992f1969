package workflow

import (
	"context"
	"fmt"
	"time"
)

// statsWindow is the trailing window of DetailedStats.DailyCounts.
const statsWindow = 7 * 24 * time.Hour

// Stats counts requests per status. Admins see every request, everyone else
// only their own. All four statuses are always present.
func (rs *RequestService) Stats(ctx context.Context, actor Identity) (StatusCounts, error) {
	var scope *UserID
	if !actor.IsAdmin() {
		own := actor.UserID
		scope = &own
	}

	counts, err := rs.Store.CountByStatus(ctx, scope)
	if err != nil {
		return nil, err
	}

	out := NewStatusCounts()
	for s, n := range counts {
		out[s] = n
	}
	return out, nil
}

// DetailedStats returns per-day creation counts over the trailing week and
// the mean time to resolution. Admin only.
func (rs *RequestService) DetailedStats(ctx context.Context, actor Identity) (*DetailedStats, error) {
	if !actor.IsAdmin() {
		return nil, fmt.Errorf("%w: detailed stats are admin only", ErrForbidden)
	}

	daily, err := rs.Store.DailyCounts(ctx, rs.now().Add(-statsWindow))
	if err != nil {
		return nil, err
	}
	if daily == nil {
		daily = []DailyCount{}
	}

	durations, err := rs.Store.ResolutionDurations(ctx)
	if err != nil {
		return nil, err
	}

	return &DetailedStats{
		DailyCounts:         daily,
		AvgResolutionTimeMs: meanMillis(durations),
	}, nil
}

func meanMillis(ds []time.Duration) float64 {
	if len(ds) == 0 {
		return 0
	}
	var total float64
	for _, d := range ds {
		total += float64(d.Milliseconds())
	}
	return total / float64(len(ds))
}
