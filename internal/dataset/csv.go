package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Column names used by the bulk dataset exports
const (
	ColumnAppID       = "appid"
	ColumnGenreID     = "genre_id"
	ColumnTagID       = "tag_id"
	ColumnReleaseDate = "release_date"
)

// Pair is one (appid, ref id) row of an association file
type Pair struct {
	AppID int
	RefID int
}

// ReleaseDate is one parsed row of the applications file
type ReleaseDate struct {
	AppID int
	Date  time.Time
}

// releaseDateLayouts are tried in order
var releaseDateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	time.RFC3339,
	"Jan 2, 2006",
	"2 Jan, 2006",
	"January 2, 2006",
	"Jan 2006",
	"2006",
}

// ReadPairs reads two integer columns by header name. Rows whose values do
// not parse are skipped and counted.
func ReadPairs(r io.Reader, appColumn, refColumn string) (pairs []Pair, skipped int, err error) {
	err = readRows(r, []string{appColumn, refColumn}, func(values []string) {
		appID, errA := strconv.Atoi(values[0])
		refID, errB := strconv.Atoi(values[1])
		if errA != nil || errB != nil {
			skipped++
			return
		}
		pairs = append(pairs, Pair{AppID: appID, RefID: refID})
	})
	return pairs, skipped, err
}

// ReadReleaseDates reads the appid and release_date columns. Rows with an
// empty or unparseable date are skipped and counted.
func ReadReleaseDates(r io.Reader) (dates []ReleaseDate, skipped int, err error) {
	err = readRows(r, []string{ColumnAppID, ColumnReleaseDate}, func(values []string) {
		appID, err := strconv.Atoi(values[0])
		if err != nil {
			skipped++
			return
		}
		date, ok := ParseReleaseDate(values[1])
		if !ok {
			skipped++
			return
		}
		dates = append(dates, ReleaseDate{AppID: appID, Date: date})
	})
	return dates, skipped, err
}

// ParseReleaseDate accepts the date formats seen in dataset exports
func ParseReleaseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range releaseDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Truncate(24 * time.Hour), true
		}
	}
	return time.Time{}, false
}

// readRows locates columns in the header and calls fn with their values for
// every following record
func readRows(r io.Reader, columns []string, fn func(values []string)) error {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read csv header: %w", err)
	}

	idx := make([]int, len(columns))
	for i, name := range columns {
		idx[i] = -1
		for j, h := range header {
			if strings.EqualFold(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")), name) {
				idx[i] = j
				break
			}
		}
		if idx[i] < 0 {
			return fmt.Errorf("csv is missing column %q", name)
		}
	}

	values := make([]string, len(columns))
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read csv line %d: %w", line, err)
		}
		for i, j := range idx {
			if j < len(record) {
				values[i] = strings.TrimSpace(record[j])
			} else {
				values[i] = ""
			}
		}
		fn(values)
	}
}
