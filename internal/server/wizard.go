package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/civicchain/civic-gateway/internal/backend"
	"github.com/civicchain/civic-gateway/internal/model"
	"github.com/civicchain/civic-gateway/internal/wizard"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// defaultDraftTTL is how long an untouched draft is kept.
const defaultDraftTTL = time.Hour

type draft struct {
	owner    string
	wiz      *wizard.Wizard
	lastUsed time.Time
}

// draftRegistry holds in-progress submissions in memory. Drafts are never
// persisted.
type draftRegistry struct {
	ttl time.Duration
	now func() time.Time

	mu     sync.Mutex
	drafts map[string]*draft
}

func newDraftRegistry(ttl time.Duration) *draftRegistry {
	if ttl <= 0 {
		ttl = defaultDraftTTL
	}
	return &draftRegistry{ttl: ttl, now: time.Now, drafts: make(map[string]*draft)}
}

func (d *draftRegistry) open(owner string, w *wizard.Wizard) string {
	id := uuid.New().String()
	d.mu.Lock()
	d.drafts[id] = &draft{owner: owner, wiz: w, lastUsed: d.now()}
	d.mu.Unlock()
	return id
}

// get returns the owner's draft and marks it used. Expired drafts and
// drafts of other callers are not found.
func (d *draftRegistry) get(owner, id string) (*wizard.Wizard, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dr, ok := d.drafts[id]
	if !ok || dr.owner != owner {
		return nil, false
	}
	now := d.now()
	if now.Sub(dr.lastUsed) > d.ttl {
		delete(d.drafts, id)
		return nil, false
	}
	dr.lastUsed = now
	return dr.wiz, true
}

func (d *draftRegistry) drop(id string) {
	d.mu.Lock()
	delete(d.drafts, id)
	d.mu.Unlock()
}

// sweep removes expired drafts and reports how many were dropped.
func (d *draftRegistry) sweep() int {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for id, dr := range d.drafts {
		if now.Sub(dr.lastUsed) > d.ttl {
			delete(d.drafts, id)
			n++
		}
	}
	return n
}

func (d *draftRegistry) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.drafts)
}

type draftResponse struct {
	DraftID string          `json:"draft_id"`
	State   wizard.Snapshot `json:"state"`
	Notice  *model.Notice   `json:"notice,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// loadDraft resolves {draftID} for the caller or answers 404.
func (s *Server) loadDraft(w http.ResponseWriter, r *http.Request) (string, *wizard.Wizard, bool) {
	id := chi.URLParam(r, "draftID")
	wiz, ok := s.drafts.get(callerKey(r), id)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "Draft not found")
		return "", nil, false
	}
	return id, wiz, true
}

// writeDraft answers with the draft's state. A non-nil err sets the status
// and error text; the state is still included.
func (s *Server) writeDraft(w http.ResponseWriter, r *http.Request, id string, wiz *wizard.Wizard, n *model.Notice, err error) {
	resp := draftResponse{DraftID: id, State: wiz.Snapshot(), Notice: n}
	status := http.StatusOK
	if err != nil {
		status = statusFor(err)
		resp.Error = backend.UserMessage(err, err.Error())
		var te *backend.TransportError
		if errors.As(err, &te) {
			resp.Error = backend.TransportFailureMessage
			s.logger.Error("wizard transport failure", "draft_id", id, "error", err,
				"request_id", RequestIDFromContext(r.Context()))
		}
	}
	writeJSON(w, status, resp)
}

// HandleWizardOpen handles POST /api/wizard. Optional lat and lng query
// parameters give the caller's current location for the location step.
func (s *Server) HandleWizardOpen(w http.ResponseWriter, r *http.Request) {
	origin := s.config.DefaultLocation
	if loc, ok := queryLocation(r); ok {
		origin = loc
	}
	be := s.backendFor(r)
	wiz := wizard.New(wizard.Config{
		Classifier:  be,
		Submitter:   be,
		Origin:      origin,
		ExplorerURL: s.config.ExplorerURL,
		OnSubmitted: func(ctx context.Context, res *backend.ActionResult) {
			_ = s.invalidateIssues(ctx)
		},
	})
	id := s.drafts.open(callerKey(r), wiz)
	w.Header().Set("Location", "/api/wizard/"+id)
	resp := draftResponse{DraftID: id, State: wiz.Snapshot()}
	writeJSON(w, http.StatusCreated, resp)
}

// HandleWizardGet handles GET /api/wizard/{draftID}.
func (s *Server) HandleWizardGet(w http.ResponseWriter, r *http.Request) {
	id, wiz, ok := s.loadDraft(w, r)
	if !ok {
		return
	}
	s.writeDraft(w, r, id, wiz, nil, nil)
}

// HandleWizardCancel handles DELETE /api/wizard/{draftID}.
func (s *Server) HandleWizardCancel(w http.ResponseWriter, r *http.Request) {
	id, wiz, ok := s.loadDraft(w, r)
	if !ok {
		return
	}
	wiz.Cancel()
	s.drafts.drop(id)
	s.writeDraft(w, r, id, wiz, nil, nil)
}

// HandleWizardUpload handles POST /api/wizard/{draftID}/upload with a
// multipart "image" field.
func (s *Server) HandleWizardUpload(w http.ResponseWriter, r *http.Request) {
	id, wiz, ok := s.loadDraft(w, r)
	if !ok {
		return
	}
	if !isMultipart(r) {
		s.writeDraft(w, r, id, wiz, nil, fmt.Errorf("%w: expected multipart form", wizard.ErrInvalidUpload))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxForwardBody)
	if err := r.ParseMultipartForm(maxForwardBody); err != nil {
		s.writeDraft(w, r, id, wiz, nil, fmt.Errorf("%w: %v", wizard.ErrInvalidUpload, err))
		return
	}
	files, err := formImages(r, "image")
	if err != nil {
		s.writeDraft(w, r, id, wiz, nil, fmt.Errorf("%w: %v", wizard.ErrInvalidUpload, err))
		return
	}
	n, err := wiz.Upload(r.Context(), files)
	s.writeDraft(w, r, id, wiz, n, err)
}

// HandleWizardCategory handles POST /api/wizard/{draftID}/category with
// {"category"}.
func (s *Server) HandleWizardCategory(w http.ResponseWriter, r *http.Request) {
	id, wiz, ok := s.loadDraft(w, r)
	if !ok {
		return
	}
	var body struct {
		Category string `json:"category"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	c, err := model.ParseCategory(body.Category)
	if err != nil {
		s.writeDraft(w, r, id, wiz, nil, fmt.Errorf("%w: %v", wizard.ErrInvalidCategory, err))
		return
	}
	s.writeDraft(w, r, id, wiz, nil, wiz.SelectCategory(c))
}

// HandleWizardCategoryConfirm handles POST /api/wizard/{draftID}/category/confirm.
func (s *Server) HandleWizardCategoryConfirm(w http.ResponseWriter, r *http.Request) {
	id, wiz, ok := s.loadDraft(w, r)
	if !ok {
		return
	}
	s.writeDraft(w, r, id, wiz, nil, wiz.ConfirmCategory())
}

// HandleWizardDescription handles POST /api/wizard/{draftID}/description
// with {"description"}.
func (s *Server) HandleWizardDescription(w http.ResponseWriter, r *http.Request) {
	id, wiz, ok := s.loadDraft(w, r)
	if !ok {
		return
	}
	var body struct {
		Description string `json:"description"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	s.writeDraft(w, r, id, wiz, nil, wiz.SetDescription(body.Description))
}

// HandleWizardDescriptionConfirm handles POST /api/wizard/{draftID}/description/confirm.
func (s *Server) HandleWizardDescriptionConfirm(w http.ResponseWriter, r *http.Request) {
	id, wiz, ok := s.loadDraft(w, r)
	if !ok {
		return
	}
	s.writeDraft(w, r, id, wiz, nil, wiz.ConfirmDescription())
}

// HandleWizardLocation handles POST /api/wizard/{draftID}/location with
// {"lat","lng","address"}.
func (s *Server) HandleWizardLocation(w http.ResponseWriter, r *http.Request) {
	id, wiz, ok := s.loadDraft(w, r)
	if !ok {
		return
	}
	var loc model.Location
	if err := decodeBody(r, &loc); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	s.writeDraft(w, r, id, wiz, nil, wiz.SetLocation(loc))
}

// HandleWizardLocationConfirm handles POST /api/wizard/{draftID}/location/confirm.
func (s *Server) HandleWizardLocationConfirm(w http.ResponseWriter, r *http.Request) {
	id, wiz, ok := s.loadDraft(w, r)
	if !ok {
		return
	}
	s.writeDraft(w, r, id, wiz, nil, wiz.ConfirmLocation())
}

// HandleWizardSubmit handles POST /api/wizard/{draftID}/submit. An
// accepted draft is discarded; its final state is in the response.
func (s *Server) HandleWizardSubmit(w http.ResponseWriter, r *http.Request) {
	id, wiz, ok := s.loadDraft(w, r)
	if !ok {
		return
	}
	n, err := wiz.Submit(r.Context())
	if err == nil {
		s.drafts.drop(id)
	}
	s.writeDraft(w, r, id, wiz, n, err)
}

// --- Helpers ---

func decodeBody(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(v)
}

func isMultipart(r *http.Request) bool {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return mediaType == "multipart/form-data"
}

// formImages reads every file under field from a parsed multipart form.
func formImages(r *http.Request, field string) ([]model.Image, error) {
	if r.MultipartForm == nil {
		return nil, nil
	}
	headers := r.MultipartForm.File[field]
	out := make([]model.Image, 0, len(headers))
	for _, fh := range headers {
		if fh.Size > model.MaxImageSize {
			return nil, fmt.Errorf("%s exceeds %d bytes", fh.Filename, model.MaxImageSize)
		}
		f, err := fh.Open()
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(io.LimitReader(f, model.MaxImageSize+1))
		f.Close()
		if err != nil {
			return nil, err
		}
		out = append(out, model.Image{
			Filename:    fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Data:        data,
		})
	}
	return out, nil
}

// formImage returns the single optional file under field.
func formImage(r *http.Request, field string) (*model.Image, error) {
	imgs, err := formImages(r, field)
	if err != nil {
		return nil, err
	}
	if len(imgs) == 0 {
		return nil, nil
	}
	return &imgs[0], nil
}

// queryLocation reads lat and lng query parameters.
func queryLocation(r *http.Request) (model.Location, bool) {
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lng, err2 := strconv.ParseFloat(q.Get("lng"), 64)
	if err1 != nil || err2 != nil {
		return model.Location{}, false
	}
	loc := model.Location{Lat: lat, Lng: lng}
	return loc, loc.Valid()
}
