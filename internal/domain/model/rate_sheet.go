package model

import "time"

// RateSheet is the hourly rate of one delivery role.
type RateSheet struct {
	RoleID     string    `json:"role_id"`
	HourlyRate float64   `json:"hourly_rate"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// DefaultRateSheets is the starter rate card used by the seeder and by
// in-memory dev runs.
func DefaultRateSheets() []RateSheet {
	now := time.Now().UTC()
	return []RateSheet{
		{RoleID: "developer", HourlyRate: 100, UpdatedAt: now},
		{RoleID: "designer", HourlyRate: 80, UpdatedAt: now},
		{RoleID: "project_manager", HourlyRate: 125, UpdatedAt: now},
		{RoleID: "qa", HourlyRate: 90, UpdatedAt: now},
	}
}
