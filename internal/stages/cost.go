package stages

import (
	"context"
	"fmt"
	"math"
	"strings"

	"proposal-pipeline/internal/domain/model"
	"proposal-pipeline/internal/domain/ports/repository"
	"proposal-pipeline/internal/pipeline"
)

const hoursPerMemberWeek = 40

var durationWeeks = map[string]int{
	model.DurationShort:  4,
	model.DurationMedium: 12,
	model.DurationLong:   24,
}

// Share of team hours per role; unknown roles get defaultRoleShare.
var roleShares = map[string]float64{
	"developer":       0.6,
	"designer":        0.2,
	"project_manager": 0.1,
	"qa":              0.1,
}

const defaultRoleShare = 0.25

type RoleCost struct {
	Hours    float64 `json:"hours"`
	Rate     float64 `json:"rate"`
	Subtotal float64 `json:"subtotal"`
}

type CostEstimate struct {
	TotalCost     float64             `json:"total_cost"`
	Breakdown     map[string]RoleCost `json:"breakdown"`
	Currency      string              `json:"currency"`
	TeamSize      int                 `json:"team_size"`
	DurationWeeks int                 `json:"duration_weeks"`
	HoursPerWeek  int                 `json:"hours_per_week"`
}

// EstimateCost prices a team of teamSize over the duration bucket.
func EstimateCost(rates []*model.RateSheet, teamSize int, duration string) CostEstimate {
	weeks, ok := durationWeeks[strings.ToUpper(duration)]
	if !ok {
		weeks = durationWeeks[model.DurationMedium]
	}
	hoursPerWeek := teamSize * hoursPerMemberWeek

	est := CostEstimate{
		Breakdown:     make(map[string]RoleCost, len(rates)),
		Currency:      "USD",
		TeamSize:      teamSize,
		DurationWeeks: weeks,
		HoursPerWeek:  hoursPerWeek,
	}
	for _, r := range rates {
		share, ok := roleShares[strings.ToLower(r.RoleID)]
		if !ok {
			share = defaultRoleShare
		}
		hours := float64(hoursPerWeek*weeks) * share
		sub := round2(hours * r.HourlyRate)
		est.Breakdown[r.RoleID] = RoleCost{Hours: hours, Rate: r.HourlyRate, Subtotal: sub}
		est.TotalCost += sub
	}
	est.TotalCost = round2(est.TotalCost)
	return est
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

// CostCalculator prices the project from the stored rate sheets.
type CostCalculator struct {
	rates repository.RateSheetRepository
}

func (c *CostCalculator) Handle(ctx context.Context, sc *pipeline.StageContext) (pipeline.Fragment, error) {
	rates, err := c.rates.List(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("list rate sheets: %w", err)
	}
	if len(rates) == 0 {
		return nil, pipeline.Failf(nil, "no rate sheets are configured")
	}

	est := EstimateCost(rates, sc.Request.TeamSize, sc.Request.Duration)
	if err := sc.Note(ctx, fmt.Sprintf("estimated %.2f %s over %d weeks", est.TotalCost, est.Currency, est.DurationWeeks)); err != nil {
		return nil, err
	}
	return pipeline.FragmentOf(KeyCost, est)
}
