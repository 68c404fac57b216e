package dataset

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/fema-etl/internal/fetcher"
)

// PagerOptions controls offset pagination.
type PagerOptions struct {
	PageSize    int
	StartOffset int

	// MaxRecords caps the records read per dataset. 0 disables the cap.
	MaxRecords int

	// Cooldown is the pause between consecutive page requests.
	Cooldown time.Duration

	// ShortPageIsFinal ends the stream on a page smaller than requested
	// instead of asking for one more (empty) page.
	ShortPageIsFinal bool

	// FailOnFetchError turns a fetch that failed after retries into an
	// error. By default the stream ends there and the result is Truncated.
	FailOnFetchError bool
}

// Endpoint names the resource to page through.
type Endpoint struct {
	Resource string
	OrderBy  string
}

// Page is one non-empty batch of raw records.
type Page struct {
	Records []map[string]any
	Offset  int
	Elapsed time.Duration // download and decode time
}

// PageFunc consumes a page. A returned error stops the pager and is
// returned from Run unchanged.
type PageFunc func(ctx context.Context, page Page) error

// PageResult summarizes one paginated read.
type PageResult struct {
	Pages   int
	Records int

	// Truncated is set when a fetch failed after retries and the stream
	// was ended early. FetchErr holds that failure.
	Truncated bool
	FetchErr  error

	// Capped is set when MaxRecords stopped the stream.
	Capped bool
}

// Pager walks an OpenFEMA resource with $top/$skip until the data runs out.
type Pager struct {
	fetcher fetcher.Fetcher
	baseURL string
	opts    PagerOptions
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewPager creates a Pager reading from baseURL (e.g. https://www.fema.gov/api/open/v2).
func NewPager(f fetcher.Fetcher, baseURL string, opts PagerOptions) *Pager {
	if opts.PageSize <= 0 {
		opts.PageSize = 1000
	}
	return &Pager{
		fetcher: f,
		baseURL: strings.TrimRight(baseURL, "/"),
		opts:    opts,
		sleep:   sleepCtx,
	}
}

// Run requests pages in order and hands each non-empty one to fn. The
// result is returned even when err is non-nil.
func (p *Pager) Run(ctx context.Context, ep Endpoint, fn PageFunc) (*PageResult, error) {
	log := zap.L().With(zap.String("component", "femasync.pager"), zap.String("resource", ep.Resource))

	res := &PageResult{}
	offset := p.opts.StartOffset

	for {
		top := p.opts.PageSize
		if p.opts.MaxRecords > 0 {
			remaining := p.opts.MaxRecords - res.Records
			if remaining <= 0 {
				res.Capped = true
				log.Warn("max records reached, stopping", zap.Int("max_records", p.opts.MaxRecords))
				break
			}
			top = min(top, remaining)
		}

		start := time.Now()
		records, err := p.fetchPage(ctx, ep, top, offset)
		elapsed := time.Since(start)
		if err != nil {
			if ctx.Err() != nil {
				return res, eris.Wrap(ctx.Err(), "pager: cancelled")
			}
			if p.opts.FailOnFetchError {
				return res, eris.Wrapf(err, "pager: fetch %s at offset %d", ep.Resource, offset)
			}
			log.Error("fetch failed after retries, treating as end of data",
				zap.Int("offset", offset),
				zap.Error(err),
			)
			res.Truncated = true
			res.FetchErr = err
			break
		}

		if len(records) == 0 {
			log.Debug("empty page, done", zap.Int("offset", offset))
			break
		}

		res.Pages++
		res.Records += len(records)
		log.Debug("page fetched",
			zap.Int("offset", offset),
			zap.Int("records", len(records)),
			zap.Duration("elapsed", elapsed),
		)

		if err := fn(ctx, Page{Records: records, Offset: offset, Elapsed: elapsed}); err != nil {
			return res, err
		}
		offset += len(records)

		if p.opts.ShortPageIsFinal && len(records) < top {
			break
		}

		if err := p.sleep(ctx, p.opts.Cooldown); err != nil {
			return res, eris.Wrap(err, "pager: cancelled")
		}
	}

	return res, nil
}

func (p *Pager) fetchPage(ctx context.Context, ep Endpoint, top, skip int) ([]map[string]any, error) {
	body, err := p.fetcher.Download(ctx, p.pageURL(ep, top, skip))
	if err != nil {
		return nil, err
	}
	defer body.Close() //nolint:errcheck

	return fetcher.DecodeResource(body, ep.Resource)
}

// pageURL builds the request URL. OpenFEMA documents the $-prefixed
// parameters unescaped, so only the values are escaped.
func (p *Pager) pageURL(ep Endpoint, top, skip int) string {
	u := fmt.Sprintf("%s/%s?$top=%d&$skip=%d", p.baseURL, ep.Resource, top, skip)
	if ep.OrderBy != "" {
		u += "&$orderby=" + url.QueryEscape(ep.OrderBy)
	}
	return u
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
