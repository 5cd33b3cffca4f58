package attribution

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/patrickwarner/convertrelay/internal/db"
	"github.com/patrickwarner/convertrelay/internal/jsontree"
	"github.com/patrickwarner/convertrelay/internal/models"
)

// Source is one place an attribution record may be kept. Lookup returns the
// record text and whether the source produced one. An error means the source
// could not be consulted; the resolver moves on to the next source.
type Source interface {
	Name() string
	Lookup(ctx context.Context, ev models.CommerceEvent) (string, bool, error)
}

// StoreSource reads the record the storefront snippet saved for the client.
// Values are used as stored.
type StoreSource struct {
	Store db.KeyValueStore
}

func (StoreSource) Name() string { return "store" }

func (s StoreSource) Lookup(ctx context.Context, ev models.CommerceEvent) (string, bool, error) {
	if s.Store == nil {
		return "", false, db.ErrNilStore
	}
	v, ok, err := s.Store.Get(ctx, db.ClientKey(ev.ClientID, models.AttributionKey))
	if err != nil {
		return "", false, fmt.Errorf("store get: %w", err)
	}
	if !ok || v == "" {
		return "", false, nil
	}
	return v, true, nil
}

// CookieJar exposes cookies by name.
type CookieJar interface {
	Cookie(name string) (string, bool)
}

// HeaderJar is a raw Cookie header ("a=1; b=2"). Values are returned
// undecoded; the first cookie with a matching name wins.
type HeaderJar string

func (h HeaderJar) Cookie(name string) (string, bool) {
	prefix := name + "="
	for _, part := range strings.Split(string(h), ";") {
		part = strings.TrimLeft(part, " ")
		if strings.HasPrefix(part, prefix) {
			return part[len(prefix):], true
		}
	}
	return "", false
}

// CookieSource reads the URL-encoded record from the storefront cookie. A
// value that does not decode to valid JSON is rejected.
type CookieSource struct {
	// Jar overrides the cookie header forwarded with the event.
	Jar func(ev models.CommerceEvent) CookieJar
}

func (CookieSource) Name() string { return "cookie" }

func (s CookieSource) Lookup(_ context.Context, ev models.CommerceEvent) (string, bool, error) {
	var jar CookieJar = HeaderJar(ev.Cookie)
	if s.Jar != nil {
		jar = s.Jar(ev)
	}
	raw, ok := jar.Cookie(models.AttributionKey)
	if !ok || raw == "" {
		return "", false, nil
	}
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return "", false, fmt.Errorf("decode cookie: %w", err)
	}
	if !jsontree.IsValidJSON(decoded) {
		return "", false, fmt.Errorf("cookie %s is not valid JSON", models.AttributionKey)
	}
	return decoded, true, nil
}

// EventSource deep-searches the event's checkout for an embedded
// customAttributes copy of the record. Non-string values are re-encoded as
// JSON text.
type EventSource struct{}

func (EventSource) Name() string { return "event" }

func (EventSource) Lookup(_ context.Context, ev models.CommerceEvent) (string, bool, error) {
	checkout := ev.Checkout()
	if !checkout.Exists() {
		return "", false, nil
	}
	found := jsontree.Find(checkout, "customAttributes")
	if !found.Truthy() {
		return "", false, nil
	}
	if found.IsString() {
		return found.String(), true, nil
	}
	return found.Raw(), true, nil
}
