package history

import (
	"context"
	"strings"
	"time"

	"github.com/franckalain/healthscan/internal/models"
)

// DefaultRecent is the number of records Recent returns when n <= 0.
const DefaultRecent = 5

// Get returns the record with the given id from the current scope.
func (s *Store) Get(ctx context.Context, id string) (models.ScanRecord, bool) {
	for _, r := range s.List(ctx) {
		if r.ID == id {
			return r, true
		}
	}
	return models.ScanRecord{}, false
}

// Recent returns the n newest records.
func (s *Store) Recent(ctx context.Context, n int) []models.ScanRecord {
	if n <= 0 {
		n = DefaultRecent
	}
	list := s.List(ctx)
	if len(list) > n {
		list = list[:n]
	}
	return list
}

// Search matches query against product names and brands, ignoring case,
// and against the barcode. An empty query returns the whole history.
func (s *Store) Search(ctx context.Context, query string) []models.ScanRecord {
	list := s.List(ctx)
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return list
	}

	out := make([]models.ScanRecord, 0, len(list))
	for _, r := range list {
		if matches(r, q) {
			out = append(out, r)
		}
	}
	return out
}

func matches(r models.ScanRecord, q string) bool {
	if strings.Contains(strings.ToLower(r.Barcode), q) {
		return true
	}
	if r.Product == nil {
		return false
	}
	for _, field := range []string{r.Product.ProductName, r.Product.ProductNameEn, r.Product.Brands} {
		if strings.Contains(strings.ToLower(field), q) {
			return true
		}
	}
	return false
}

// Summary aggregates a history around a point in time.
type Summary struct {
	Total            int     `json:"total"`
	Today            int     `json:"today"`
	ThisWeek         int     `json:"this_week"`
	WeekAverageScore float64 `json:"week_average_score"`
}

// Summarize counts scans since the start of now's day and week (weeks
// start on Sunday) and averages the overall score of this week's scans.
func Summarize(records []models.ScanRecord, now time.Time) Summary {
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	startOfWeek := startOfDay.AddDate(0, 0, -int(now.Weekday()))

	sum := Summary{Total: len(records)}
	var weekScore float64
	for _, r := range records {
		if r.Timestamp.Before(startOfWeek) {
			continue
		}
		sum.ThisWeek++
		if r.Analysis != nil {
			weekScore += r.Analysis.OverallScore
		}
		if !r.Timestamp.Before(startOfDay) {
			sum.Today++
		}
	}
	if sum.ThisWeek > 0 {
		sum.WeekAverageScore = weekScore / float64(sum.ThisWeek)
	}
	return sum
}

// Overview is the history screen: up to a limit of the newest records plus
// totals over the whole scope.
type Overview struct {
	Items   []models.ScanRecord `json:"items"`
	Summary Summary             `json:"summary"`
	Mode    Mode                `json:"mode"`
}

// Overview reads the current scope once and summarizes it. limit <= 0 keeps
// every record.
func (s *Store) Overview(ctx context.Context, now time.Time, limit int) Overview {
	list := s.List(ctx)
	ov := Overview{
		Summary: Summarize(list, now),
		Mode:    s.Mode(),
	}
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	ov.Items = list
	return ov
}
