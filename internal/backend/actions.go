package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"

	"github.com/civicchain/civic-gateway/internal/model"
)

// ActionResult is the reply to a write: vote, verify, status change or
// report. The backend is not consistent about where it puts the
// transaction hash, so Confirmation is extracted with a fixed precedence.
type ActionResult struct {
	Message      string
	IssueID      string
	Issue        *model.Issue
	Confirmation model.Confirmation
	Raw          json.RawMessage
}

type actionBody struct {
	Message          string `json:"message"`
	IssueID          string `json:"issue_id"`
	BlockchainTxHash string `json:"blockchain_tx_hash"`
	TransactionHash  string `json:"transaction_hash"`
	Issue            *struct {
		IssueID          string `json:"issue_id"`
		BlockchainTxHash string `json:"blockchain_tx_hash"`
		TransactionHash  string `json:"transaction_hash"`
	} `json:"issue"`
}

// ParseActionResult decodes a write reply. The transaction hash is taken
// from, in order: blockchain_tx_hash, transaction_hash,
// issue.blockchain_tx_hash, issue.transaction_hash.
func ParseActionResult(body []byte) (*ActionResult, error) {
	var ab actionBody
	if err := json.Unmarshal(body, &ab); err != nil {
		return nil, err
	}
	res := &ActionResult{
		Message: ab.Message,
		IssueID: ab.IssueID,
		Raw:     json.RawMessage(body),
	}

	candidates := []string{ab.BlockchainTxHash, ab.TransactionHash}
	if ab.Issue != nil {
		candidates = append(candidates, ab.Issue.BlockchainTxHash, ab.Issue.TransactionHash)
		if res.IssueID == "" {
			res.IssueID = ab.Issue.IssueID
		}
		var full struct {
			Issue *model.Issue `json:"issue"`
		}
		if err := json.Unmarshal(body, &full); err == nil {
			res.Issue = full.Issue
		}
	}
	for _, h := range candidates {
		if h != "" {
			res.Confirmation = model.Confirmation{TxHash: h}
			break
		}
	}
	return res, nil
}

func decodeAction(op string, resp *Response) (*ActionResult, error) {
	res, err := ParseActionResult(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("decoding response: %w", err)}
	}
	return res, nil
}

type userIDBody struct {
	UserID string `json:"user_id,omitempty"`
}

// Upvote records a positive vote by the bound user.
func (c *Client) Upvote(ctx context.Context, issueID string) (*ActionResult, error) {
	return c.vote(ctx, "upvote", issueID)
}

// Downvote records a negative vote by the bound user.
func (c *Client) Downvote(ctx context.Context, issueID string) (*ActionResult, error) {
	return c.vote(ctx, "downvote", issueID)
}

func (c *Client) vote(ctx context.Context, kind, issueID string) (*ActionResult, error) {
	path := "/issue/" + url.PathEscape(issueID) + "/" + kind
	resp, err := c.doJSON(ctx, kind, http.MethodPost, path, nil, userIDBody{UserID: c.creds.UserID}, nil)
	if err != nil {
		return nil, err
	}
	return decodeAction(kind, resp)
}

// ClassifyResult is the AI category suggestion for an uploaded photo.
// ImageURL is where the backend stored the photo.
type ClassifyResult struct {
	SuggestedCategory string `json:"suggested_category"`
	ImageURL          string `json:"image_url"`
}

// Classify uploads img for category suggestion.
func (c *Client) Classify(ctx context.Context, img model.Image) (*ClassifyResult, error) {
	body, contentType, err := encodeMultipart(nil, "image", &img)
	if err != nil {
		return nil, fmt.Errorf("encoding classify request: %w", err)
	}
	resp, err := c.do(ctx, "classify", http.MethodPost, "/issue/classify", nil, body, contentType)
	if err != nil {
		return nil, err
	}
	var out ClassifyResult
	if err := resp.Decode(&out); err != nil {
		return nil, &TransportError{Op: "classify", Err: fmt.Errorf("decoding response: %w", err)}
	}
	return &out, nil
}

// ReportRequest is a new issue submission. ImageURL is nil when the photo
// was never stored and goes out as null.
type ReportRequest struct {
	ImageURL    *string        `json:"image_url"`
	Description string         `json:"description" validate:"min=20,max=500"`
	Category    model.Category `json:"category" validate:"category"`
	Lat         float64        `json:"lat" validate:"latitude"`
	Lng         float64        `json:"lng" validate:"longitude"`
	UserID      string         `json:"user_id,omitempty"`
}

// Report submits a new issue. An empty UserID is filled from the bound
// credentials.
func (c *Client) Report(ctx context.Context, r ReportRequest) (*ActionResult, error) {
	if err := validate.Struct(r); err != nil {
		return nil, err
	}
	if r.UserID == "" {
		r.UserID = c.creds.UserID
	}
	resp, err := c.doJSON(ctx, "report", http.MethodPost, "/issues/report", nil, r, nil)
	if err != nil {
		return nil, err
	}
	return decodeAction("report", resp)
}

// StatusUpdate moves an issue to Status, optionally with a proof photo.
type StatusUpdate struct {
	Status model.Status `validate:"settable"`
	Proof  *model.Image
}

// UpdateStatus sends u as JSON, or as multipart when a proof is attached.
func (c *Client) UpdateStatus(ctx context.Context, issueID string, u StatusUpdate) (*ActionResult, error) {
	if err := validate.Struct(u); err != nil {
		return nil, err
	}
	path := "/issue/" + url.PathEscape(issueID) + "/update-status"

	var resp *Response
	var err error
	if u.Proof != nil {
		fields := map[string]string{"status": string(u.Status)}
		if c.creds.UserID != "" {
			fields["user_id"] = c.creds.UserID
		}
		body, contentType, encErr := encodeMultipart(fields, "proof", u.Proof)
		if encErr != nil {
			return nil, fmt.Errorf("encoding status update: %w", encErr)
		}
		resp, err = c.do(ctx, "update status", http.MethodPost, path, nil, body, contentType)
	} else {
		in := struct {
			Status model.Status `json:"status"`
			UserID string       `json:"user_id,omitempty"`
		}{u.Status, c.creds.UserID}
		resp, err = c.doJSON(ctx, "update status", http.MethodPost, path, nil, in, nil)
	}
	if err != nil {
		return nil, err
	}
	return decodeAction("update status", resp)
}

// VerifyRequest is a citizen's confirmation that a resolved issue is
// actually fixed.
type VerifyRequest struct {
	UserID   string `json:"user_id"`
	Verified *bool  `json:"verified,omitempty"`
}

// Verify records a verification. An empty UserID falls back to the bound
// credentials; if there is still none, no call is made.
func (c *Client) Verify(ctx context.Context, issueID string, v VerifyRequest) (*ActionResult, error) {
	if v.UserID == "" {
		v.UserID = c.creds.UserID
	}
	if v.UserID == "" {
		return nil, ErrMissingUserID
	}
	path := "/issue/" + url.PathEscape(issueID) + "/verify"
	resp, err := c.doJSON(ctx, "verify", http.MethodPost, path, nil, v, nil)
	if err != nil {
		return nil, err
	}
	return decodeAction("verify", resp)
}

// LoginResult is the backend's reply to a credential exchange. Body holds
// the decoded reply as-is so callers can relay it.
type LoginResult struct {
	Success bool
	User    model.Profile
	Body    map[string]any
}

// Login presents a signed identity token. It needs no prior credential.
func (c *Client) Login(ctx context.Context, jwtToken string) (*LoginResult, error) {
	b, err := json.Marshal(map[string]string{"jwt_token": jwtToken})
	if err != nil {
		return nil, fmt.Errorf("encoding login request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/auth/login", nil), bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("creating login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.send("login", req)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, newUpstreamError(resp.Status, resp.Body)
	}

	var decoded struct {
		Success bool           `json:"success"`
		User    *model.Profile `json:"user"`
		UserID  string         `json:"user_id"`
		Role    model.Role     `json:"role"`
	}
	res := &LoginResult{}
	if err := json.Unmarshal(resp.Body, &decoded); err != nil {
		return nil, &TransportError{Op: "login", Err: fmt.Errorf("decoding response: %w", err)}
	}
	if err := json.Unmarshal(resp.Body, &res.Body); err != nil {
		return nil, &TransportError{Op: "login", Err: fmt.Errorf("decoding response: %w", err)}
	}
	res.Success = decoded.Success
	if decoded.User != nil {
		res.User = *decoded.User
	}
	if res.User.UserID == "" {
		res.User.UserID = decoded.UserID
	}
	if res.User.Role == "" {
		res.User.Role = decoded.Role
	}
	return res, nil
}

// encodeMultipart writes fields followed by img under fileField.
func encodeMultipart(fields map[string]string, fileField string, img *model.Image) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	if img != nil {
		name := img.Filename
		if name == "" {
			name = fileField
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, fileField, name))
		ct := img.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		h.Set("Content-Type", ct)
		part, err := mw.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(img.Data); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}
