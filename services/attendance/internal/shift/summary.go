package shift

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"shiftd/pkg/db"
)

var monthPattern = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)

// DaySummary is one day of the local attendance mirror. It is built from
// shift_sessions, so it stays available when the backend is unreachable.
type DaySummary struct {
	Date   string  `json:"date"`
	Shifts int     `json:"shifts"`
	Hours  float64 `json:"hours"`
}

type summaryRow struct {
	Day    time.Time `db:"day"`
	Shifts int       `db:"shifts"`
	Hours  float64   `db:"hours"`
}

// MonthlySummary aggregates the user's local shift sessions for one
// "yyyy-MM" month. Still-open shifts are excluded; pending sessions count
// since they are locally verified.
func MonthlySummary(ctx context.Context, pool *pgxpool.Pool, userID, month string) ([]DaySummary, error) {
	if !monthPattern.MatchString(month) {
		return nil, fmt.Errorf("invalid month %q, want yyyy-MM", month)
	}

	from, err := time.Parse("2006-01", month)
	if err != nil {
		return nil, fmt.Errorf("invalid month %q: %w", month, err)
	}
	to := from.AddDate(0, 1, 0)

	var rows []summaryRow
	err = db.Select(ctx, pool, &rows, `
		SELECT date_trunc('day', started_at) AS day,
		       count(*) AS shifts,
		       sum(extract(epoch FROM ended_at - started_at)) / 3600 AS hours
		FROM shift_sessions
		WHERE owner_user_id = $1
		  AND ended_at IS NOT NULL
		  AND started_at >= $2
		  AND started_at < $3
		GROUP BY 1
		ORDER BY 1`,
		userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("monthly summary: %w", err)
	}

	summaries := make([]DaySummary, 0, len(rows))
	for _, row := range rows {
		summaries = append(summaries, DaySummary{
			Date:   row.Day.Format("2006-01-02"),
			Shifts: row.Shifts,
			Hours:  row.Hours,
		})
	}
	return summaries, nil
}
