// Package fulcrum reads records from Fulcrum data shares.
package fulcrum

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/fulcrum-sync/internal/fetcher"
	"github.com/sells-group/fulcrum-sync/internal/model"
)

// DefaultBaseURL is the public Fulcrum web host serving data shares.
const DefaultBaseURL = "https://web.fulcrumapp.com"

// ErrorKind classifies a failed fetch.
type ErrorKind string

const (
	// KindTransport covers network failures, timeouts and non-200 responses.
	KindTransport ErrorKind = "transport"
	// KindDecode covers non-JSON bodies and bodies without a features array.
	KindDecode ErrorKind = "decode"
)

// FetchError reports a failed request against a data share.
type FetchError struct {
	Kind ErrorKind
	Page int // 0 for single-record fetches
	Err  error
}

func (e *FetchError) Error() string {
	if e.Page > 0 {
		return fmt.Sprintf("fulcrum: %s error on page %d: %v", e.Kind, e.Page, e.Err)
	}
	return fmt.Sprintf("fulcrum: %s error: %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// PageFunc receives each non-empty page of a share, starting at page 1.
type PageFunc func(page int, records []model.RawRecord) error

// Client reads GeoJSON data shares.
type Client struct {
	fetcher  fetcher.Fetcher
	baseURL  string
	maxPages int
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the provider host (used by tests and proxies).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithMaxPages caps the number of pages a walk will request. Zero means no cap.
func WithMaxPages(n int) Option {
	return func(c *Client) { c.maxPages = n }
}

// NewClient creates a data share client.
func NewClient(f fetcher.Fetcher, opts ...Option) *Client {
	c := &Client{
		fetcher: f,
		baseURL: DefaultBaseURL,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ShareURL returns the GeoJSON endpoint of a share.
func (c *Client) ShareURL(shareToken string) string {
	return c.baseURL + "/shares/" + url.PathEscape(shareToken) + ".geojson"
}

// FetchOne returns the features of a share filtered to one record id. An
// empty slice means the provider no longer has the record.
func (c *Client) FetchOne(ctx context.Context, shareToken, externalID string) ([]model.RawRecord, error) {
	records, present, err := c.fetchPage(ctx, shareToken, url.Values{"fulcrum_id": {externalID}})
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, &FetchError{Kind: KindDecode, Err: eris.New("response has no features array")}
	}
	return records, nil
}

// FetchAll pages through a whole share and returns every feature. A page
// that fails is logged and ends pagination; features gathered before it are
// still returned.
func (c *Client) FetchAll(ctx context.Context, shareToken string) ([]model.RawRecord, error) {
	var all []model.RawRecord
	_, err := c.Walk(ctx, shareToken, func(_ int, records []model.RawRecord) error {
		all = append(all, records...)
		return nil
	})
	return all, err
}

// Walk requests pages 1, 2, ... of a share and passes each non-empty page to
// fn. It stops at the first empty, missing or failed page. Page failures are
// logged, not returned; Walk only returns an error when fn does or ctx ends.
// The returned count is the number of pages handed to fn.
func (c *Client) Walk(ctx context.Context, shareToken string, fn PageFunc) (int, error) {
	log := zap.L().With(zap.String("component", "fulcrum.client"))

	pages := 0
	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return pages, eris.Wrap(err, "fulcrum: walk cancelled")
		}
		if c.maxPages > 0 && page > c.maxPages {
			log.Warn("page cap reached, stopping walk", zap.Int("max_pages", c.maxPages))
			return pages, nil
		}

		records, _, err := c.fetchPage(ctx, shareToken, url.Values{"page": {strconv.Itoa(page)}})
		if err != nil {
			var fe *FetchError
			if errors.As(err, &fe) {
				fe.Page = page
			}
			log.Warn("page fetch failed, treating as end of share", zap.Int("page", page), zap.Error(err))
			return pages, nil
		}
		if len(records) == 0 {
			log.Debug("empty page, walk complete", zap.Int("page", page))
			return pages, nil
		}

		if err := fn(page, records); err != nil {
			return pages, err
		}
		pages++
	}
}

type featureCollection struct {
	Features *[]feature `json:"features"`
}

type feature struct {
	ID         any             `json:"id"`
	Properties map[string]any  `json:"properties"`
	Geometry   json.RawMessage `json:"geometry"`
}

// fetchPage performs one GET and decodes its features. present is false when
// the body decoded but carried no features array.
func (c *Client) fetchPage(ctx context.Context, shareToken string, params url.Values) (records []model.RawRecord, present bool, err error) {
	u, err := fetcher.WithQuery(c.ShareURL(shareToken), params)
	if err != nil {
		return nil, false, &FetchError{Kind: KindTransport, Err: eris.Wrap(err, "build url")}
	}

	body, err := c.fetcher.Download(ctx, u)
	if err != nil {
		return nil, false, &FetchError{Kind: KindTransport, Err: err}
	}
	defer body.Close() //nolint:errcheck

	fc, err := fetcher.DecodeJSONObject[featureCollection](body)
	if err != nil {
		return nil, false, &FetchError{Kind: KindDecode, Err: err}
	}
	if fc.Features == nil {
		return nil, false, nil
	}

	records = make([]model.RawRecord, 0, len(*fc.Features))
	for _, f := range *fc.Features {
		records = append(records, f.toRaw())
	}
	return records, true, nil
}

func (f feature) toRaw() model.RawRecord {
	props := f.Properties
	if props == nil {
		props = map[string]any{}
	}
	return model.RawRecord{
		ExternalID: externalID(props, f.ID),
		Properties: props,
		Geometry:   f.Geometry,
	}
}

// externalID prefers properties.fulcrum_id and falls back to the feature id.
func externalID(props map[string]any, featureID any) string {
	if id, ok := props[model.DefaultExternalIDField].(string); ok && id != "" {
		return id
	}
	switch v := featureID.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}
