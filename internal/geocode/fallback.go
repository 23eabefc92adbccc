package geocode

import (
	"context"
	"errors"
)

// Fallback tries each provider in order and returns the first success.
type Fallback []Provider

// Reverse implements Provider.
func (f Fallback) Reverse(ctx context.Context, lat, lng float64) (*Place, error) {
	var errs []error
	for _, p := range f {
		place, err := p.Reverse(ctx, lat, lng)
		if err == nil {
			return place, nil
		}
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}

// Search implements Provider.
func (f Fallback) Search(ctx context.Context, query string, limit int) ([]Place, error) {
	var errs []error
	for _, p := range f {
		places, err := p.Search(ctx, query, limit)
		if err == nil {
			return places, nil
		}
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}
