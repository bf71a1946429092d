package engine

import (
	"time"

	"shiftwatch/internal/model"
)

// Aggregate folds the live state of a company's employees into its
// company-wide figures.
func Aggregate(companyID string, employees []model.LiveEmployee, unresolved int, now time.Time) model.CompanyAggregate {
	agg := model.CompanyAggregate{
		CompanyID:        companyID,
		Counts:           make(map[model.LiveStatus]int, len(model.AllStatuses)),
		TotalEmployees:   len(employees),
		UnresolvedAlerts: unresolved,
		ComputedAt:       now.UTC(),
	}
	for _, s := range model.AllStatuses {
		agg.Counts[s] = 0
	}
	var worked time.Duration
	for _, e := range employees {
		agg.Counts[e.Status]++
		worked += e.WorkedToday
	}
	agg.HoursWorkedToday = worked.Hours()
	if len(employees) > 0 {
		agg.AverageHoursToday = agg.HoursWorkedToday / float64(len(employees))
	}
	return agg
}
