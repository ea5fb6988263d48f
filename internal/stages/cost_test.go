package stages

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proposal-pipeline/internal/domain/model"
)

func TestEstimateCost(t *testing.T) {
	rates := []*model.RateSheet{
		{RoleID: "developer", HourlyRate: 100},
		{RoleID: "designer", HourlyRate: 80},
	}

	est := EstimateCost(rates, 4, model.DurationMedium)

	assert.Equal(t, 12, est.DurationWeeks)
	assert.Equal(t, 160, est.HoursPerWeek)
	assert.Equal(t, "USD", est.Currency)
	require.Contains(t, est.Breakdown, "developer")
	assert.Equal(t, RoleCost{Hours: 1152, Rate: 100, Subtotal: 115200}, est.Breakdown["developer"])
	assert.Equal(t, RoleCost{Hours: 384, Rate: 80, Subtotal: 30720}, est.Breakdown["designer"])
	assert.Equal(t, 145920.0, est.TotalCost)
}

func TestEstimateCost_Durations(t *testing.T) {
	rates := []*model.RateSheet{{RoleID: "qa", HourlyRate: 50}}

	assert.Equal(t, 4, EstimateCost(rates, 1, "short").DurationWeeks)
	assert.Equal(t, 24, EstimateCost(rates, 1, model.DurationLong).DurationWeeks)
	assert.Equal(t, 12, EstimateCost(rates, 1, "quarterly").DurationWeeks)
}

func TestEstimateCost_UnknownRoleUsesDefaultShare(t *testing.T) {
	est := EstimateCost([]*model.RateSheet{{RoleID: "architect", HourlyRate: 10}}, 1, model.DurationShort)
	// 1 person * 40h * 4 weeks * 0.25
	assert.Equal(t, 40.0, est.Breakdown["architect"].Hours)
	assert.Equal(t, 400.0, est.TotalCost)
}

func TestFormatMoney(t *testing.T) {
	assert.Equal(t, "$0.00", formatMoney(0))
	assert.Equal(t, "$999.50", formatMoney(999.5))
	assert.Equal(t, "$1,234,567.50", formatMoney(1234567.5))
	assert.Equal(t, "-$1,000.00", formatMoney(-1000))
}
