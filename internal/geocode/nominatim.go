package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultNominatimURL is the public OpenStreetMap Nominatim endpoint.
const DefaultNominatimURL = "https://nominatim.openstreetmap.org"

// Nominatim queries an OpenStreetMap Nominatim server. The public server
// requires an identifying User-Agent.
type Nominatim struct {
	BaseURL   string
	UserAgent string
	Client    *http.Client
}

// NewNominatim returns a provider for the public Nominatim server.
func NewNominatim(userAgent string) *Nominatim {
	return &Nominatim{
		BaseURL:   DefaultNominatimURL,
		UserAgent: userAgent,
		Client:    &http.Client{Timeout: 10 * time.Second},
	}
}

// nominatimPlace mirrors the JSON shape; coordinates arrive as strings.
type nominatimPlace struct {
	DisplayName string  `json:"display_name"`
	Lat         string  `json:"lat"`
	Lon         string  `json:"lon"`
	Address     Address `json:"address"`
	Error       string  `json:"error"`
}

func (p nominatimPlace) place() Place {
	lat, _ := strconv.ParseFloat(p.Lat, 64)
	lng, _ := strconv.ParseFloat(p.Lon, 64)
	return Place{DisplayName: p.DisplayName, Lat: lat, Lng: lng, Address: p.Address}
}

func (n *Nominatim) get(ctx context.Context, path string, q url.Values, out any) error {
	u := strings.TrimSuffix(n.BaseURL, "/") + path + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("creating nominatim request: %w", err)
	}
	req.Header.Set("User-Agent", n.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := n.Client.Do(req)
	if err != nil {
		return fmt.Errorf("nominatim request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("nominatim %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding nominatim response: %w", err)
	}
	return nil
}

// Reverse looks up the address at lat, lng.
func (n *Nominatim) Reverse(ctx context.Context, lat, lng float64) (*Place, error) {
	q := url.Values{
		"format":         {"json"},
		"lat":            {strconv.FormatFloat(lat, 'f', -1, 64)},
		"lon":            {strconv.FormatFloat(lng, 'f', -1, 64)},
		"zoom":           {"16"},
		"addressdetails": {"1"},
	}
	var np nominatimPlace
	if err := n.get(ctx, "/reverse", q, &np); err != nil {
		return nil, err
	}
	// Nominatim reports "Unable to geocode" with a 200 and an error field.
	if np.Error != "" {
		return &Place{Lat: lat, Lng: lng}, nil
	}
	p := np.place()
	return &p, nil
}

// Search looks up places matching query.
func (n *Nominatim) Search(ctx context.Context, query string, limit int) ([]Place, error) {
	q := url.Values{
		"q":              {query},
		"format":         {"json"},
		"addressdetails": {"1"},
		"limit":          {strconv.Itoa(limit)},
	}
	var nps []nominatimPlace
	if err := n.get(ctx, "/search", q, &nps); err != nil {
		return nil, err
	}
	places := make([]Place, 0, len(nps))
	for _, np := range nps {
		places = append(places, np.place())
	}
	return places, nil
}
