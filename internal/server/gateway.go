package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"

	"github.com/civicchain/civic-gateway/internal/backend"
	"github.com/civicchain/civic-gateway/internal/issuecache"
	"github.com/civicchain/civic-gateway/internal/model"
	"github.com/go-chi/chi/v5"
)

// maxForwardBody bounds request bodies read by the gateway itself. Bodies
// relayed as streams are bounded by the backend.
const maxForwardBody = model.MaxImageSize + 1<<20

type pathFunc func(*http.Request) string

func fixedPath(p string) pathFunc {
	return func(*http.Request) string { return p }
}

// idPath builds prefix + escaped {id} + suffix.
func idPath(prefix, suffix string) pathFunc {
	return func(r *http.Request) string {
		return prefix + url.PathEscape(chi.URLParam(r, "id")) + suffix
	}
}

// forwardRequest fills the caller-supplied parts of a passthrough call.
func forwardRequest(r *http.Request, method, path string, query url.Values, body io.Reader, contentType string) backend.ForwardRequest {
	return backend.ForwardRequest{
		Method:        method,
		Path:          path,
		Query:         query,
		Body:          body,
		ContentType:   contentType,
		Authorization: r.Header.Get("Authorization"),
		UserID:        r.Header.Get("X-User-Id"),
	}
}

// forward relays fr and writes the reply.
func (s *Server) forward(w http.ResponseWriter, r *http.Request, fr backend.ForwardRequest, invalidate bool) {
	resp, err := s.backendFor(r).Forward(r.Context(), fr)
	if err != nil {
		s.writeError(w, r, err, backend.TransportFailureMessage)
		return
	}
	if invalidate && resp.OK() {
		_ = s.invalidateIssues(r.Context())
	}
	relay(w, resp)
}

// proxy is a single-hop forwarder: method, query and body go through
// unchanged.
func (s *Server) proxy(path pathFunc, invalidate bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body io.Reader
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			body = r.Body
		}
		fr := forwardRequest(r, r.Method, path(r), r.URL.Query(), body, r.Header.Get("Content-Type"))
		s.forward(w, r, fr, invalidate)
	}
}

// HandleAdminIssues handles GET /api/admin/issues. The caller's user id is
// appended to the query.
func (s *Server) HandleAdminIssues(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		userID = callerCredentials(r).UserID
	}
	if userID != "" {
		q.Add("user_id", userID)
	}
	s.forward(w, r, forwardRequest(r, http.MethodGet, "/admin/issues", q, nil, ""), false)
}

// issueListParams are the only query keys relayed to the issue list.
var issueListParams = []string{"lat", "lng", "radius", "category", "status"}

// issueListQuery keeps the recognised filters. Without coordinates the
// default nearby query around the configured location is used.
func (s *Server) issueListQuery(r *http.Request) url.Values {
	in := r.URL.Query()
	q := url.Values{}
	for _, k := range issueListParams {
		if v := in.Get(k); v != "" {
			q.Set(k, v)
		}
	}
	if q.Get("lat") == "" && q.Get("lng") == "" {
		for k, v := range backend.DefaultNearbyQuery(s.config.DefaultLocation).Values() {
			if q.Get(k) == "" {
				q[k] = v
			}
		}
	}
	return q
}

// HandleIssues handles GET /api/issues. Successful replies are cached per
// caller and query until the next write or the cache TTL.
func (s *Server) HandleIssues(w http.ResponseWriter, r *http.Request) {
	q := s.issueListQuery(r)
	key := issuecache.Key(callerKey(r), q.Encode())

	body, ok, err := s.cache.Get(r.Context(), key)
	if err != nil {
		s.logger.Warn("reading issue cache", "error", err)
	}
	if ok {
		w.Header().Set("X-Cache", "HIT")
		relay(w, &backend.Response{Status: http.StatusOK, ContentType: "application/json", Body: body})
		return
	}

	resp, err := s.backendFor(r).Forward(r.Context(), forwardRequest(r, http.MethodGet, "/issues", q, nil, ""))
	if err != nil {
		s.writeError(w, r, err, backend.TransportFailureMessage)
		return
	}
	if resp.OK() {
		if err := s.cache.Set(r.Context(), key, resp.Body); err != nil {
			s.logger.Warn("writing issue cache", "error", err)
		}
	}
	w.Header().Set("X-Cache", "MISS")
	relay(w, resp)
}

// HandleVerifyProxy handles POST /api/issue/{id}/verify. A body without
// user_id is rejected before anything is sent.
func (s *Server) HandleVerifyProxy(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxForwardBody))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	var payload struct {
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if payload.UserID == "" {
		writeJSONError(w, http.StatusBadRequest, backend.ErrMissingUserID.Error())
		return
	}
	fr := forwardRequest(r, http.MethodPost, idPath("/issue/", "/verify")(r), nil, bytes.NewReader(raw), "application/json")
	s.forward(w, r, fr, true)
}

// HandleUpdateStatusProxy handles POST /api/issue/{id}/update-status. The
// caller's user id is merged into either a JSON or a multipart body.
func (s *Server) HandleUpdateStatusProxy(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		userID = callerCredentials(r).UserID
	}
	src := http.MaxBytesReader(w, r.Body, maxForwardBody)

	var (
		body io.Reader
		ct   string
	)
	mediaType, params, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		buf, newCT, err := appendMultipartField(src, params["boundary"], "user_id", userID)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "Invalid form data")
			return
		}
		body, ct = buf, newCT
	} else {
		var payload map[string]any
		if err := json.NewDecoder(src).Decode(&payload); err != nil || payload == nil {
			writeJSONError(w, http.StatusBadRequest, "Invalid JSON body")
			return
		}
		if userID != "" {
			payload["user_id"] = userID
		}
		b, err := json.Marshal(payload)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "Invalid JSON body")
			return
		}
		body, ct = bytes.NewReader(b), "application/json"
	}

	fr := forwardRequest(r, http.MethodPost, idPath("/issue/", "/update-status")(r), nil, body, ct)
	s.forward(w, r, fr, true)
}

// appendMultipartField copies a multipart body part by part and adds one
// more field. An empty value copies the body without adding anything.
func appendMultipartField(src io.Reader, boundary, name, value string) (*bytes.Buffer, string, error) {
	if boundary == "" {
		return nil, "", fmt.Errorf("multipart body without boundary")
	}
	mr := multipart.NewReader(src, boundary)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for {
		part, err := mr.NextRawPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, "", fmt.Errorf("reading part: %w", err)
		}
		dst, err := mw.CreatePart(part.Header)
		if err != nil {
			return nil, "", err
		}
		if _, err := io.Copy(dst, part); err != nil {
			return nil, "", fmt.Errorf("copying part: %w", err)
		}
	}
	if value != "" {
		if err := mw.WriteField(name, value); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}
