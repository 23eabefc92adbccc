package geocode

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"
)

// GoogleMaps uses the Google Geocoding API.
type GoogleMaps struct {
	client   *maps.Client
	language string
}

// NewGoogleMaps returns a provider authenticated with apiKey. Extra
// options (such as maps.WithBaseURL in tests) are passed to the client.
func NewGoogleMaps(apiKey string, opts ...maps.ClientOption) (*GoogleMaps, error) {
	opts = append([]maps.ClientOption{maps.WithAPIKey(apiKey)}, opts...)
	client, err := maps.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("init google maps client: %w", err)
	}
	return &GoogleMaps{client: client, language: "en"}, nil
}

// Reverse looks up the address at lat, lng.
func (g *GoogleMaps) Reverse(ctx context.Context, lat, lng float64) (*Place, error) {
	results, err := g.client.Geocode(ctx, &maps.GeocodingRequest{
		LatLng:   &maps.LatLng{Lat: lat, Lng: lng},
		Language: g.language,
	})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return &Place{Lat: lat, Lng: lng}, nil
	}
	p := googlePlace(results[0])
	return &p, nil
}

// Search looks up places matching query.
func (g *GoogleMaps) Search(ctx context.Context, query string, limit int) ([]Place, error) {
	results, err := g.client.Geocode(ctx, &maps.GeocodingRequest{
		Address:  query,
		Language: g.language,
	})
	if err != nil {
		return nil, err
	}
	if len(results) > limit {
		results = results[:limit]
	}
	places := make([]Place, 0, len(results))
	for _, r := range results {
		places = append(places, googlePlace(r))
	}
	return places, nil
}

// googlePlace maps address components onto the Nominatim-style Address the
// formatter expects.
func googlePlace(r maps.GeocodingResult) Place {
	p := Place{
		DisplayName: r.FormattedAddress,
		Lat:         r.Geometry.Location.Lat,
		Lng:         r.Geometry.Location.Lng,
	}
	for _, c := range r.AddressComponents {
		for _, t := range c.Types {
			switch t {
			case "route":
				p.Address.Road = c.LongName
			case "neighborhood":
				p.Address.Neighbourhood = c.LongName
			case "sublocality", "sublocality_level_1":
				if p.Address.Suburb == "" {
					p.Address.Suburb = c.LongName
				}
			case "locality":
				p.Address.City = c.LongName
			case "postal_town":
				p.Address.Town = c.LongName
			case "administrative_area_level_1":
				p.Address.State = c.LongName
			case "country":
				p.Address.Country = c.LongName
			}
		}
	}
	return p
}
