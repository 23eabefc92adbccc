package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/civicchain/civic-gateway/internal/geocode"
)

type reverseResponse struct {
	Address string `json:"address"`
	Error   string `json:"error,omitempty"`
}

// HandleReverseGeocode handles GET /api/geocode/reverse?lat&lng. A lookup
// failure still answers 200 with the fallback address.
func (s *Server) HandleReverseGeocode(w http.ResponseWriter, r *http.Request) {
	if s.geocoder == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "Geocoding not configured")
		return
	}
	q := r.URL.Query()
	lat, _ := strconv.ParseFloat(q.Get("lat"), 64)
	lng, _ := strconv.ParseFloat(q.Get("lng"), 64)

	addr, err := s.geocoder.Reverse(r.Context(), lat, lng)
	resp := reverseResponse{Address: addr}
	if err != nil {
		s.logger.Warn("reverse geocoding", "key", geocode.Key(lat, lng), "error", err)
		resp.Error = "Failed to look up address"
	}
	writeJSON(w, http.StatusOK, resp)
}

type searchResponse struct {
	Results []geocode.Place `json:"results"`
}

// HandleSearchGeocode handles GET /api/geocode/search?q. Each caller's
// searches are debounced; a request overtaken by a newer one from the
// same caller answers 409 without querying the provider.
func (s *Server) HandleSearchGeocode(w http.ResponseWriter, r *http.Request) {
	if s.geocoder == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "Geocoding not configured")
		return
	}
	query := r.URL.Query().Get("q")

	if err := s.debouncer.Wait(r.Context(), callerKey(r)); err != nil {
		if errors.Is(err, geocode.ErrSuperseded) {
			writeJSONError(w, http.StatusConflict, "Superseded by a newer search")
			return
		}
		return
	}

	places, err := s.geocoder.Search(r.Context(), query)
	if err != nil {
		s.logger.Warn("location search", "error", err)
		writeJSONError(w, http.StatusBadGateway, "Location search failed")
		return
	}
	if places == nil {
		places = []geocode.Place{}
	}
	writeJSON(w, http.StatusOK, searchResponse{Results: places})
}
