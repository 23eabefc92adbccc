// Package geocode turns coordinates into readable addresses and search
// text into candidate places.
package geocode

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultCacheSize bounds the reverse-geocode cache.
	DefaultCacheSize = 4096

	// UnknownLocation is shown when no address can be produced.
	UnknownLocation = "Unknown location"

	// DefaultDebounce delays a reverse lookup on a cache miss.
	DefaultDebounce = 100 * time.Millisecond

	// MinQueryLength is the shortest search text, in runes, worth sending.
	MinQueryLength = 3

	// SearchLimit caps the number of search suggestions.
	SearchLimit = 5
)

// Address holds the parts of a postal address the formatter uses.
type Address struct {
	Road          string `json:"road,omitempty"`
	Neighbourhood string `json:"neighbourhood,omitempty"`
	Suburb        string `json:"suburb,omitempty"`
	City          string `json:"city,omitempty"`
	Town          string `json:"town,omitempty"`
	Village       string `json:"village,omitempty"`
	State         string `json:"state,omitempty"`
	Country       string `json:"country,omitempty"`
}

// Place is a geocoding result.
type Place struct {
	DisplayName string  `json:"display_name"`
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	Address     Address `json:"address"`
}

// Format builds "road, neighbourhood|suburb, city|town|village, state",
// skipping missing parts, and falls back to the display name and then
// UnknownLocation.
func (p *Place) Format() string {
	if p == nil {
		return UnknownLocation
	}
	a := p.Address
	var parts []string
	add := func(candidates ...string) {
		for _, c := range candidates {
			if c != "" {
				parts = append(parts, c)
				return
			}
		}
	}
	add(a.Road)
	add(a.Neighbourhood, a.Suburb)
	add(a.City, a.Town, a.Village)
	add(a.State)
	if s := strings.Join(parts, ", "); s != "" {
		return s
	}
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return UnknownLocation
}

// Provider is an external geocoding service.
type Provider interface {
	Reverse(ctx context.Context, lat, lng float64) (*Place, error)
	Search(ctx context.Context, query string, limit int) ([]Place, error)
}

// Options tune a Geocoder. Zero values pick the defaults.
type Options struct {
	Debounce  time.Duration
	CacheSize int
	Logger    *slog.Logger
}

// Geocoder caches reverse lookups by rounded coordinates. Concurrent
// misses for the same key share one provider call.
type Geocoder struct {
	provider Provider
	cache    *lru.Cache[string, string]
	debounce time.Duration
	group    singleflight.Group
	logger   *slog.Logger
}

// New returns a Geocoder backed by p.
func New(p Provider, opts Options) *Geocoder {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	// lru.New only fails for a non-positive size.
	cache, _ := lru.New[string, string](opts.CacheSize)
	return &Geocoder{
		provider: p,
		cache:    cache,
		debounce: opts.Debounce,
		logger:   opts.Logger,
	}
}

// Key is the cache key for a coordinate pair: both values rounded to four
// decimal places, about 11 m.
func Key(lat, lng float64) string {
	return fmt.Sprintf("%.4f,%.4f", lat, lng)
}

// Reverse returns a readable address for the coordinates. A missing
// coordinate yields UnknownLocation without any lookup. On provider
// failure it returns UnknownLocation together with the error, and nothing
// is cached.
func (g *Geocoder) Reverse(ctx context.Context, lat, lng float64) (string, error) {
	if lat == 0 || lng == 0 {
		return UnknownLocation, nil
	}
	key := Key(lat, lng)
	if addr, ok := g.cache.Get(key); ok {
		return addr, nil
	}

	v, err, _ := g.group.Do(key, func() (any, error) {
		if err := sleep(ctx, g.debounce); err != nil {
			return nil, err
		}
		if addr, ok := g.cache.Get(key); ok {
			return addr, nil
		}
		place, err := g.provider.Reverse(ctx, lat, lng)
		if err != nil {
			return nil, err
		}
		addr := place.Format()
		g.cache.Add(key, addr)
		return addr, nil
	})
	if err != nil {
		g.logger.Warn("reverse geocoding failed", "key", key, "error", err)
		return UnknownLocation, err
	}
	return v.(string), nil
}

// Search returns up to SearchLimit places matching query. Results are not
// cached. Queries shorter than MinQueryLength return nothing.
func (g *Geocoder) Search(ctx context.Context, query string) ([]Place, error) {
	q := strings.TrimSpace(query)
	if utf8.RuneCountInString(q) < MinQueryLength {
		return nil, nil
	}
	places, err := g.provider.Search(ctx, q, SearchLimit)
	if err != nil {
		g.logger.Warn("forward geocoding failed", "error", err)
		return nil, err
	}
	if len(places) > SearchLimit {
		places = places[:SearchLimit]
	}
	return places, nil
}

// CacheLen reports the number of cached addresses.
func (g *Geocoder) CacheLen() int {
	return g.cache.Len()
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
