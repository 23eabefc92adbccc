package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/civicchain/civic-gateway/internal/model"
)

// DefaultRadius is the search radius in meters when none is given.
const DefaultRadius = 5000

// NearbyQuery selects issues around a point.
type NearbyQuery struct {
	Lat        float64
	Lng        float64
	Radius     int
	Categories []model.Category
	Statuses   []model.Status
}

// DefaultNearbyQuery is the list view's starting filter: unresolved
// issues within DefaultRadius of loc.
func DefaultNearbyQuery(loc model.Location) NearbyQuery {
	return NearbyQuery{
		Lat:      loc.Lat,
		Lng:      loc.Lng,
		Radius:   DefaultRadius,
		Statuses: []model.Status{model.StatusOpen, model.StatusInProgress},
	}
}

// Values encodes q. Multi-select filters are comma-joined; empty filters
// are omitted.
func (q NearbyQuery) Values() url.Values {
	v := url.Values{}
	v.Set("lat", strconv.FormatFloat(q.Lat, 'f', -1, 64))
	v.Set("lng", strconv.FormatFloat(q.Lng, 'f', -1, 64))
	radius := q.Radius
	if radius <= 0 {
		radius = DefaultRadius
	}
	v.Set("radius", strconv.Itoa(radius))
	if len(q.Categories) > 0 {
		parts := make([]string, len(q.Categories))
		for i, c := range q.Categories {
			parts[i] = string(c)
		}
		v.Set("category", strings.Join(parts, ","))
	}
	if len(q.Statuses) > 0 {
		parts := make([]string, len(q.Statuses))
		for i, s := range q.Statuses {
			parts[i] = string(s)
		}
		v.Set("status", strings.Join(parts, ","))
	}
	return v
}

// IssueList is the reply of the list endpoints.
type IssueList struct {
	Issues []model.Issue `json:"issues"`
	Count  int           `json:"count,omitempty"`
}

// Dashboard is the government overview. Stats are passed through as-is.
type Dashboard struct {
	Stats             json.RawMessage `json:"stats"`
	TopPriorityIssues []model.Issue   `json:"top_priority_issues"`
}

// Dashboard fetches the government dashboard.
func (c *Client) Dashboard(ctx context.Context) (*Dashboard, error) {
	var out Dashboard
	if _, err := c.doJSON(ctx, "dashboard", http.MethodGet, "/admin/dashboard", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AdminIssues lists issues for government staff. The caller's user id is
// appended to query when known.
func (c *Client) AdminIssues(ctx context.Context, query url.Values) (*IssueList, error) {
	q := url.Values{}
	for k, vs := range query {
		q[k] = append([]string(nil), vs...)
	}
	if c.creds.UserID != "" {
		q.Set("user_id", c.creds.UserID)
	}
	var out IssueList
	if _, err := c.doJSON(ctx, "admin issues", http.MethodGet, "/admin/issues", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// NearbyIssues lists issues matching q.
func (c *Client) NearbyIssues(ctx context.Context, q NearbyQuery) (*IssueList, error) {
	var out IssueList
	if _, err := c.doJSON(ctx, "nearby issues", http.MethodGet, "/issues", q.Values(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Issue fetches a single issue.
func (c *Client) Issue(ctx context.Context, id string) (*model.Issue, error) {
	var out struct {
		Issue *model.Issue `json:"issue"`
	}
	if _, err := c.doJSON(ctx, "issue", http.MethodGet, "/issue/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	if out.Issue == nil {
		return nil, &TransportError{Op: "issue", Err: errMissingField("issue")}
	}
	return out.Issue, nil
}

// User fetches a backend user profile.
func (c *Client) User(ctx context.Context, id string) (*model.Profile, error) {
	var out struct {
		User *model.Profile `json:"user"`
	}
	if _, err := c.doJSON(ctx, "user", http.MethodGet, "/user/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	if out.User == nil {
		return nil, &TransportError{Op: "user", Err: errMissingField("user")}
	}
	return out.User, nil
}

type errMissingField string

func (e errMissingField) Error() string {
	return "response has no " + string(e) + " field"
}
