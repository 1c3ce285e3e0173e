package verification

import (
	"context"
	"time"

	"conductor/internal/domain"
)

// Trend directions.
const (
	TrendImproving = "improving"
	TrendDeclining = "declining"
	TrendStable    = "stable"
)

// trendDelta is the score change, in points, that counts as a trend.
const trendDelta = 5.0

type QualityReport struct {
	AgentID       string                   `json:"agent_id,omitempty"`
	Since         time.Time                `json:"since"`
	Until         time.Time                `json:"until"`
	Total         int                      `json:"total"`
	Passed        int                      `json:"passed"`
	Failed        int                      `json:"failed"`
	Warnings      int                      `json:"warnings"`
	AverageScore  float64                  `json:"average_score"`
	HighQuality   int                      `json:"high_quality"`
	LowQuality    int                      `json:"low_quality"`
	Reassignments int                      `json:"reassignments"`
	ByType        map[domain.CheckType]int `json:"by_type"`
}

// QualityReport aggregates per-check records created within window, optionally
// for one agent. Overall records only contribute to the reassignment count.
func (e *Engine) QualityReport(ctx context.Context, agentID string, window time.Duration) (QualityReport, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	until := e.cfg.Now()
	since := until.Add(-window)
	records, err := e.store.ListVerificationRecords(ctx, domain.VerificationFilter{
		AgentID: agentID,
		Since:   since,
		Until:   until.Add(time.Millisecond),
	})
	if err != nil {
		return QualityReport{}, err
	}

	report := QualityReport{
		AgentID: agentID,
		Since:   since,
		Until:   until,
		ByType:  make(map[domain.CheckType]int),
	}
	sum := 0.0
	for _, r := range records {
		if r.Type == domain.CheckOverall {
			if r.AutoReassigned {
				report.Reassignments++
			}
			continue
		}
		report.Total++
		report.ByType[r.Type]++
		sum += r.QualityScore
		switch r.Status {
		case domain.VerificationPassed:
			report.Passed++
		case domain.VerificationFailed:
			report.Failed++
		case domain.VerificationWarning:
			report.Warnings++
		}
		if r.QualityScore >= e.cfg.Thresholds.High {
			report.HighQuality++
		}
		if r.QualityScore < e.cfg.Thresholds.Low {
			report.LowQuality++
		}
	}
	if report.Total > 0 {
		report.AverageScore = sum / float64(report.Total)
	}
	return report, nil
}

type QualityTrend struct {
	AgentID       string  `json:"agent_id"`
	RecentAverage float64 `json:"recent_average"`
	PriorAverage  float64 `json:"prior_average"`
	RecentSamples int     `json:"recent_samples"`
	PriorSamples  int     `json:"prior_samples"`
	Delta         float64 `json:"delta"`
	Direction     string  `json:"direction"`
}

// AgentQualityTrend compares the agent's last 24h against the 24h before it.
// Without samples in both windows the trend is stable.
func (e *Engine) AgentQualityTrend(ctx context.Context, agentID string) (QualityTrend, error) {
	now := e.cfg.Now()
	records, err := e.store.ListVerificationRecords(ctx, domain.VerificationFilter{
		AgentID: agentID,
		Since:   now.Add(-48 * time.Hour),
		Until:   now.Add(time.Millisecond),
	})
	if err != nil {
		return QualityTrend{}, err
	}

	trend := QualityTrend{AgentID: agentID, Direction: TrendStable}
	boundary := now.Add(-24 * time.Hour)
	var recentSum, priorSum float64
	for _, r := range records {
		if r.Type == domain.CheckOverall {
			continue
		}
		if r.CreatedAt.Before(boundary) {
			priorSum += r.QualityScore
			trend.PriorSamples++
		} else {
			recentSum += r.QualityScore
			trend.RecentSamples++
		}
	}
	if trend.RecentSamples > 0 {
		trend.RecentAverage = recentSum / float64(trend.RecentSamples)
	}
	if trend.PriorSamples > 0 {
		trend.PriorAverage = priorSum / float64(trend.PriorSamples)
	}
	if trend.RecentSamples == 0 || trend.PriorSamples == 0 {
		return trend, nil
	}
	trend.Delta = trend.RecentAverage - trend.PriorAverage
	switch {
	case trend.Delta > trendDelta:
		trend.Direction = TrendImproving
	case trend.Delta < -trendDelta:
		trend.Direction = TrendDeclining
	}
	return trend, nil
}
