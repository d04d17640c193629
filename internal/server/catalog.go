package server

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/idanyas/netspeed/internal/data"
)

const DefaultDirectoryURL = "https://www.speedtest.net/speedtest-servers-static.php"

var ErrCatalogUnavailable = errors.New("server catalog unavailable")

// Directory bodies are cut off after this many bytes.
var maxDirectorySize int64 = 16 << 20

var (
	serverElement = regexp.MustCompile(`<server\s+([^>]+)>`)
	attribute     = regexp.MustCompile(`([\w-]+)\s*=\s*(?:"([^"]*)"|'([^']*)')`)
)

type Catalog struct {
	client  *http.Client
	url     string
	timeout time.Duration
}

func NewCatalog(client *http.Client, url string) *Catalog {
	if url == "" {
		url = DefaultDirectoryURL
	}
	return &Catalog{client: client, url: url, timeout: 30 * time.Second}
}

func (c *Catalog) Fetch(ctx context.Context) ([]data.ServerRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
	}
	defer resp.Body.Close()

	// The status is not checked: an error page carries no <server> elements
	// and parses to an empty directory.
	servers, err := ParseDirectory(io.LimitReader(resp.Body, maxDirectorySize))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
	}
	return servers, nil
}

// ParseDirectory scans doc for <server .../> elements and returns the ones
// carrying url, lat and lon. Anything else in the document is ignored, so a
// malformed or truncated directory yields whatever records could be read.
func ParseDirectory(r io.Reader) ([]data.ServerRecord, error) {
	doc, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	servers := []data.ServerRecord{}
	for _, m := range serverElement.FindAllSubmatch(doc, -1) {
		attrs := parseAttributes(m[1])
		if attrs["url"] == "" || attrs["lat"] == "" || attrs["lon"] == "" {
			continue
		}
		servers = append(servers, data.ServerRecord{
			ID:          attrs["id"],
			Host:        attrs["host"],
			URL:         attrs["url"],
			Name:        attrs["name"],
			Sponsor:     attrs["sponsor"],
			Country:     attrs["country"],
			CountryCode: attrs["cc"],
			Lat:         attrs["lat"],
			Lon:         attrs["lon"],
		})
	}
	return servers, nil
}

func parseAttributes(b []byte) map[string]string {
	attrs := make(map[string]string)
	for _, m := range attribute.FindAllSubmatch(b, -1) {
		v := m[2]
		if v == nil {
			v = m[3]
		}
		attrs[string(m[1])] = html.UnescapeString(string(v))
	}
	return attrs
}
