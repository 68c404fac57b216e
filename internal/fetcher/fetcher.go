// Package fetcher downloads pages from the OpenFEMA API.
package fetcher

import (
	"context"
	"io"
)

// Fetcher defines the interface for downloading remote data.
type Fetcher interface {
	// Download fetches the URL and returns the response body. Transient
	// failures are retried before an error is returned.
	Download(ctx context.Context, url string) (io.ReadCloser, error)
}
