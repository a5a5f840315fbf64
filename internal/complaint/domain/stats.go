package domain

import (
	"math"
	"sort"
	"time"
)

// Hotspot severity thresholds on complaints per location
const (
	hotspotHigh   = 30
	hotspotMedium = 15
)

// NamedCount is a label with a count
type NamedCount struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

// MonthlyTrend counts complaints filed in a calendar month
type MonthlyTrend struct {
	Month      string `json:"month"`
	Complaints int    `json:"complaints"`
	Resolved   int    `json:"resolved"`
}

// DepartmentPerformance summarizes one department
type DepartmentPerformance struct {
	Name           string `json:"name"`
	Complaints     int    `json:"complaints"`
	Resolved       int    `json:"resolved"`
	ResolutionRate int    `json:"resolution_rate"`
	AvgDays        int    `json:"avg_days"`
}

// Hotspot counts complaints at a location
type Hotspot struct {
	Location string `json:"location"`
	Count    int    `json:"count"`
	Severity string `json:"severity"`
}

// Stats is the public dashboard summary
type Stats struct {
	Total                 int                     `json:"total"`
	ByStatus              map[Status]int          `json:"by_status"`
	ResolutionRate        float64                 `json:"resolution_rate"`
	AvgResolutionDays     int                     `json:"avg_resolution_days"`
	CategoryDistribution  []NamedCount            `json:"category_distribution"`
	MonthlyTrends         []MonthlyTrend          `json:"monthly_trends"`
	DepartmentPerformance []DepartmentPerformance `json:"department_performance"`
	Hotspots              []Hotspot               `json:"hotspots"`
	HighSeverityHotspots  int                     `json:"high_severity_hotspots"`
}

// ComputeStats summarizes complaints as of now. Resolution time is measured
// from creation to the last update of a resolved complaint.
func ComputeStats(complaints []Complaint, now time.Time) Stats {
	stats := Stats{
		Total:    len(complaints),
		ByStatus: map[Status]int{},
	}

	categories := map[string]int{}
	locations := map[string]int{}
	type dept struct{ total, resolved, days int }
	departments := map[string]*dept{}

	resolved, resolvedDays := 0, 0
	for _, c := range complaints {
		stats.ByStatus[c.Status]++
		categories[c.Category]++
		locations[c.Location]++

		d, ok := departments[c.Department]
		if !ok {
			d = &dept{}
			departments[c.Department] = d
		}
		d.total++

		if c.Status == StatusResolved {
			days := elapsedDays(c.CreatedAt, c.UpdatedAt)
			resolved++
			resolvedDays += days
			d.resolved++
			d.days += days
		}
	}

	if stats.Total > 0 {
		stats.ResolutionRate = float64(resolved) / float64(stats.Total) * 100
	}
	if resolved > 0 {
		stats.AvgResolutionDays = int(math.Round(float64(resolvedDays) / float64(resolved)))
	}

	for name, n := range categories {
		stats.CategoryDistribution = append(stats.CategoryDistribution, NamedCount{Name: name, Value: n})
	}
	sort.Slice(stats.CategoryDistribution, func(i, j int) bool {
		return stats.CategoryDistribution[i].Name < stats.CategoryDistribution[j].Name
	})

	for name, d := range departments {
		perf := DepartmentPerformance{
			Name:           name,
			Complaints:     d.total,
			Resolved:       d.resolved,
			ResolutionRate: int(math.Round(float64(d.resolved) / float64(d.total) * 100)),
		}
		if d.resolved > 0 {
			perf.AvgDays = int(math.Round(float64(d.days) / float64(d.resolved)))
		}
		stats.DepartmentPerformance = append(stats.DepartmentPerformance, perf)
	}
	sort.Slice(stats.DepartmentPerformance, func(i, j int) bool {
		return stats.DepartmentPerformance[i].Name < stats.DepartmentPerformance[j].Name
	})

	for loc, n := range locations {
		h := Hotspot{Location: loc, Count: n, Severity: "low"}
		switch {
		case n > hotspotHigh:
			h.Severity = "high"
			stats.HighSeverityHotspots++
		case n > hotspotMedium:
			h.Severity = "medium"
		}
		stats.Hotspots = append(stats.Hotspots, h)
	}
	sort.Slice(stats.Hotspots, func(i, j int) bool {
		if stats.Hotspots[i].Count != stats.Hotspots[j].Count {
			return stats.Hotspots[i].Count > stats.Hotspots[j].Count
		}
		return stats.Hotspots[i].Location < stats.Hotspots[j].Location
	})

	stats.MonthlyTrends = monthlyTrends(complaints, now)
	return stats
}

// monthlyTrends covers the twelve calendar months ending with now's month, oldest first
func monthlyTrends(complaints []Complaint, now time.Time) []MonthlyTrend {
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()).AddDate(0, -11, 0)
	trends := make([]MonthlyTrend, 12)
	for i := range trends {
		trends[i].Month = start.AddDate(0, i, 0).Format("Jan 2006")
	}

	for _, c := range complaints {
		created := c.CreatedAt.In(now.Location())
		idx := (created.Year()-start.Year())*12 + int(created.Month()) - int(start.Month())
		if idx < 0 || idx >= len(trends) {
			continue
		}
		trends[idx].Complaints++
		if c.Status == StatusResolved {
			trends[idx].Resolved++
		}
	}
	return trends
}
