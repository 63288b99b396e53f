// Package fetcher downloads jurisdiction source feeds over HTTP(S) or FTP and
// decodes JSON, CSV, XML and XLSX payloads into flat rows.
package fetcher

import (
	"context"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
)

// MaxPayloadBytes caps how much of a single feed is read into memory.
const MaxPayloadBytes = 32 << 20

// Payload is a downloaded feed.
type Payload struct {
	URL         string
	Body        []byte
	ContentType string
	ETag        string
	// NotModified is set when a conditional request matched the given ETag;
	// Body is empty in that case.
	NotModified bool
}

// Fetcher retrieves a feed. A non-empty etag makes the request conditional
// where the protocol supports it.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL, etag string) (*Payload, error)
}

// Multi routes a fetch to the fetcher registered for the URL scheme.
type Multi struct {
	bySchema map[string]Fetcher
}

// NewMulti builds a scheme router. HTTP handles both http and https.
func NewMulti(http *HTTPFetcher, ftp *FTPFetcher) *Multi {
	m := &Multi{bySchema: make(map[string]Fetcher)}
	if http != nil {
		m.bySchema["http"] = http
		m.bySchema["https"] = http
	}
	if ftp != nil {
		m.bySchema["ftp"] = ftp
	}
	return m
}

// Fetch implements Fetcher.
func (m *Multi) Fetch(ctx context.Context, rawURL, etag string) (*Payload, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: parse %q", rawURL)
	}
	f, ok := m.bySchema[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, eris.Errorf("fetcher: unsupported scheme %q", u.Scheme)
	}
	return f.Fetch(ctx, rawURL, etag)
}
