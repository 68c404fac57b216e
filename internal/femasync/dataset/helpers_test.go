package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

const testBaseURL = "https://api.test/open/v2"

// pageBody renders an OpenFEMA envelope holding records under resource.
func pageBody(resource string, records ...map[string]any) io.ReadCloser {
	if records == nil {
		records = []map[string]any{}
	}
	b, err := json.Marshal(map[string]any{
		"metadata": map[string]any{"skip": 0, "top": len(records)},
		resource:   records,
	})
	if err != nil {
		panic(err)
	}
	return io.NopCloser(strings.NewReader(string(b)))
}

// projects returns n public assistance records for one disaster starting at pw number from.
func projects(disaster, from, n int) []map[string]any {
	out := make([]map[string]any, n)
	for i := range out {
		out[i] = map[string]any{
			"id":                fmt.Sprintf("id-%d-%d", disaster, from+i),
			"disasterNumber":    disaster,
			"pwNumber":          fmt.Sprintf("%d", from+i),
			"projectAmount":     float64(1000 * (from + i)),
			"stateAbbreviation": "TX",
			"declarationDate":   "2017-08-25T00:00:00.000Z",
			"lastRefresh":       "2024-05-01T12:00:00.000Z",
			"hash":              fmt.Sprintf("h%d", from+i),
		}
	}
	return out
}

func pageURL(resource string, top, skip int) string {
	return fmt.Sprintf("%s/%s?$top=%d&$skip=%d&$orderby=id", testBaseURL, resource, top, skip)
}

// recordSleeps swaps the pager's sleep for one that only records durations.
func recordSleeps(p *Pager) *[]time.Duration {
	var sleeps []time.Duration
	p.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return ctx.Err()
	}
	return &sleeps
}
