package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/civicchain/civic-gateway/internal/backend"
	"github.com/civicchain/civic-gateway/internal/engagement"
	"github.com/civicchain/civic-gateway/internal/model"
	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"
)

type noticeResponse struct {
	Notice model.Notice `json:"notice"`
}

// writeNotice answers an engagement action. The notice is always present;
// the status reflects err.
func (s *Server) writeNotice(w http.ResponseWriter, r *http.Request, n model.Notice, err error) {
	status := http.StatusOK
	if err != nil {
		status = statusFor(err)
		var te *backend.TransportError
		if errors.As(err, &te) {
			s.logger.Error("engagement transport failure", "path", r.URL.Path, "error", err,
				"request_id", RequestIDFromContext(r.Context()))
		}
	}
	writeJSON(w, status, noticeResponse{Notice: n})
}

// HandleUpvote handles POST /api/engage/{id}/upvote.
func (s *Server) HandleUpvote(w http.ResponseWriter, r *http.Request) {
	n, err := s.engagement.Upvote(r.Context(), s.backendFor(r), chi.URLParam(r, "id"))
	s.writeNotice(w, r, n, err)
}

// HandleDownvote handles POST /api/engage/{id}/downvote.
func (s *Server) HandleDownvote(w http.ResponseWriter, r *http.Request) {
	n, err := s.engagement.Downvote(r.Context(), s.backendFor(r), chi.URLParam(r, "id"))
	s.writeNotice(w, r, n, err)
}

// HandleVerify handles POST /api/engage/{id}/verify with an optional
// {"verified": bool} body.
func (s *Server) HandleVerify(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Verified *bool `json:"verified"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeJSONError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	n, err := s.engagement.Verify(r.Context(), s.backendFor(r), chi.URLParam(r, "id"), body.Verified)
	s.writeNotice(w, r, n, err)
}

// HandleStatus handles POST /api/engage/{id}/status. The body is either
// JSON {"status"} or multipart with a "status" field and an optional
// "proof" image. The current issue is fetched to detect a no-op.
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	change, err := parseStatusChange(w, r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	be := s.backendFor(r)
	issue, err := be.Issue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err, "Failed to fetch issue")
		return
	}
	n, err := s.engagement.UpdateStatus(r.Context(), be, issue, change)
	s.writeNotice(w, r, n, err)
}

func parseStatusChange(w http.ResponseWriter, r *http.Request) (engagement.StatusChange, error) {
	var change engagement.StatusChange
	if isMultipart(r) {
		r.Body = http.MaxBytesReader(w, r.Body, maxForwardBody)
		if err := r.ParseMultipartForm(maxForwardBody); err != nil {
			return change, errors.New("invalid form data")
		}
		st, err := model.ParseStatus(r.FormValue("status"))
		if err != nil {
			return change, err
		}
		change.Target = st
		img, err := formImage(r, "proof")
		if err != nil {
			return change, err
		}
		change.Proof = img
		return change, nil
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&body); err != nil {
		return change, errors.New("invalid JSON body")
	}
	st, err := model.ParseStatus(body.Status)
	if err != nil {
		return change, err
	}
	change.Target = st
	return change, nil
}

// issueView is the composite detail page payload.
type issueView struct {
	Issue    *model.Issue   `json:"issue"`
	ImageURL string         `json:"image_url,omitempty"`
	Reporter *model.Profile `json:"reporter,omitempty"`
	// ReporterBadges is set with Reporter.
	ReporterBadges []model.BadgeProgress `json:"reporter_badges,omitempty"`
	Address        string                `json:"address,omitempty"`
	CanVerify      bool                  `json:"can_verify"`
	TxShort        string                `json:"tx_short,omitempty"`
	TxURL          string                `json:"tx_url,omitempty"`
}

// HandleIssueView handles GET /api/issue/{id}/view. The reporter profile
// and the address are fetched concurrently; either may be missing.
func (s *Server) HandleIssueView(w http.ResponseWriter, r *http.Request) {
	be := s.backendFor(r)
	issue, err := be.Issue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err, "Failed to fetch issue")
		return
	}

	creds := be.Credentials()
	view := issueView{
		Issue:     issue,
		ImageURL:  be.ImageURL(issue.ImageURL),
		CanVerify: engagement.CanVerify(issue, callerRole(r), creds.UserID),
	}
	if issue.BlockchainTxHash != "" {
		c := model.Confirmation{TxHash: issue.BlockchainTxHash}
		view.TxShort = c.Short()
		view.TxURL = c.ExplorerURL(s.config.ExplorerURL)
	}

	g, ctx := errgroup.WithContext(r.Context())
	if issue.ReporterID != "" {
		g.Go(func() error {
			p, err := be.User(ctx, issue.ReporterID)
			if err != nil {
				s.logger.Warn("fetching reporter", "issue_id", issue.ID, "error", err)
				return nil
			}
			view.Reporter = p
			view.ReporterBadges = p.Achievements()
			return nil
		})
	}
	if s.geocoder != nil {
		g.Go(func() error {
			addr, err := s.geocoder.Reverse(ctx, issue.Lat, issue.Lng)
			if err != nil {
				s.logger.Warn("reverse geocoding issue", "issue_id", issue.ID, "error", err)
			}
			view.Address = addr
			return nil
		})
	}
	_ = g.Wait()

	writeJSON(w, http.StatusOK, view)
}
