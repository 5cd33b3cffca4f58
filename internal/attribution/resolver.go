// Package attribution locates a visitor's experiment attribution record for a
// storefront event.
package attribution

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/tidwall/pretty"
	"go.uber.org/zap"

	"github.com/patrickwarner/convertrelay/internal/jsontree"
	"github.com/patrickwarner/convertrelay/internal/models"
)

// ErrNotFound is returned when no source holds a usable attribution record.
// Callers skip reporting for the event; it is not a failure.
var ErrNotFound = errors.New("attribution record not found")

// Resolution is a resolved record together with the source it came from.
type Resolution struct {
	Raw    string
	Source string
	Record models.AttributionRecord
}

// Resolver tries its sources in order and stops at the first one that yields
// a record. It never writes to any source.
type Resolver struct {
	sources []Source
	logger  *zap.Logger
}

// NewResolver returns a Resolver over sources, consulted in the given order.
func NewResolver(logger *zap.Logger, sources ...Source) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{sources: sources, logger: logger}
}

// DefaultSources is the standard lookup order: visitor store, cookie, then
// the copy embedded in the event.
func DefaultSources(store StoreSource) []Source {
	return []Source{store, CookieSource{}, EventSource{}}
}

// Resolve returns the record text in compact canonical form.
func (r *Resolver) Resolve(ctx context.Context, ev models.CommerceEvent) (string, error) {
	res, err := r.Lookup(ctx, ev)
	if err != nil {
		return "", err
	}
	return res.Raw, nil
}

// Lookup resolves and decodes the record for ev. Sources that fail or hold
// nothing are skipped. The first source that yields text is final: when that
// text does not decode to a non-empty object the result is ErrNotFound.
func (r *Resolver) Lookup(ctx context.Context, ev models.CommerceEvent) (Resolution, error) {
	for _, src := range r.sources {
		raw, ok, err := src.Lookup(ctx, ev)
		if err != nil {
			r.logger.Warn("attribution source rejected",
				zap.String("source", src.Name()),
				zap.String("event_id", ev.ID),
				zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		rec, canonical, err := Decode(raw)
		if err != nil {
			r.logger.Debug("attribution record unusable",
				zap.String("source", src.Name()),
				zap.String("event_id", ev.ID),
				zap.Error(err))
			return Resolution{}, fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		return Resolution{Raw: canonical, Source: src.Name(), Record: rec}, nil
	}
	return Resolution{}, ErrNotFound
}

// Decode parses record text into an AttributionRecord. Text that is not
// valid JSON but carries percent escapes is URL-decoded once and retried.
// The second result is the compact form of the decoded text.
func Decode(s string) (models.AttributionRecord, string, error) {
	if !jsontree.IsValidJSON(s) && strings.Contains(s, "%") {
		if unescaped, err := url.PathUnescape(s); err == nil {
			s = unescaped
		}
	}
	rec, err := models.ParseAttributionRecord(s)
	if err != nil {
		return models.AttributionRecord{}, "", err
	}
	return rec, string(pretty.Ugly([]byte(s))), nil
}
