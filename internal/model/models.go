package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Category is the kind of infrastructure problem being reported.
type Category string

const (
	CategoryPothole     Category = "pothole"
	CategoryGarbage     Category = "garbage"
	CategoryStreetlight Category = "streetlight"
	CategoryWater       Category = "water"
	CategoryDrainage    Category = "drainage"
	CategoryOther       Category = "other"
)

// Categories lists every category the backend accepts.
var Categories = []Category{
	CategoryPothole,
	CategoryGarbage,
	CategoryStreetlight,
	CategoryWater,
	CategoryDrainage,
	CategoryOther,
}

// SelectableCategories is the set offered on the category picker.
var SelectableCategories = []Category{
	CategoryPothole,
	CategoryGarbage,
	CategoryStreetlight,
	CategoryWater,
	CategoryOther,
}

// ParseCategory returns the category named by s, ignoring case and
// surrounding whitespace.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("unknown category %q", s)
	}
	return c, nil
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Status tracks an issue through triage. The canonical form uses
// underscores; upstream and UI variants are normalized by ParseStatus.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
	StatusClosed     Status = "closed"
)

// ParseStatus accepts "in_progress", "in-progress", "In Progress" and the
// like and returns the canonical Status.
func ParseStatus(s string) (Status, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer("-", "_", " ", "_").Replace(norm)
	st := Status(norm)
	switch st {
	case StatusOpen, StatusInProgress, StatusResolved, StatusClosed:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Display formats the status for people: "in_progress" becomes "In Progress".
func (s Status) Display() string {
	words := strings.Split(string(s), "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

// Settable reports whether government staff may move an issue to s.
func (s Status) Settable() bool {
	return s == StatusOpen || s == StatusInProgress || s == StatusResolved
}

// UnmarshalJSON normalizes upstream spellings. Unknown values are kept
// verbatim so a new backend status does not fail the whole document.
func (s *Status) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if st, err := ParseStatus(raw); err == nil {
		*s = st
		return nil
	}
	*s = Status(raw)
	return nil
}

// Role decides which views a caller is routed to. It is not a security
// boundary; the backend enforces permissions.
type Role string

const (
	RoleCitizen    Role = "citizen"
	RoleGovernment Role = "government"
)

// Location is a coordinate pair with an optional human-readable address.
type Location struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address,omitempty"`
}

// Valid reports whether a coordinate pair has been chosen.
func (l Location) Valid() bool {
	return (l.Lat != 0 || l.Lng != 0) &&
		l.Lat >= -90 && l.Lat <= 90 &&
		l.Lng >= -180 && l.Lng <= 180
}

// DefaultLocation is used when the caller has no current position.
var DefaultLocation = Location{Lat: 17.385044, Lng: 78.486671}

// Issue is the client's view of a remote issue record.
type Issue struct {
	ID                string    `json:"issue_id"`
	Description       string    `json:"description"`
	Category          Category  `json:"category"`
	Status            Status    `json:"status"`
	PriorityScore     float64   `json:"priority_score"`
	Upvotes           int       `json:"upvotes"`
	Downvotes         int       `json:"downvotes"`
	VerificationCount int       `json:"verification_count"`
	Lat               float64   `json:"lat"`
	Lng               float64   `json:"lng"`
	Region            string    `json:"region,omitempty"`
	ImageURL          string    `json:"image_url"`
	ReporterID        string    `json:"user_id"`
	ReporterName      string    `json:"reporter_name,omitempty"`
	BlockchainTxHash  string    `json:"blockchain_tx_hash,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// UnmarshalJSON accepts both coordinate spellings the backend uses: list
// responses carry lat/lng while detail responses carry latitude/longitude.
func (i *Issue) UnmarshalJSON(b []byte) error {
	type plain Issue
	var aux struct {
		plain
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*i = Issue(aux.plain)
	if aux.Latitude != nil && i.Lat == 0 {
		i.Lat = *aux.Latitude
	}
	if aux.Longitude != nil && i.Lng == 0 {
		i.Lng = *aux.Longitude
	}
	return nil
}

// Priority returns the server-computed priority rounded for display.
func (i *Issue) Priority() int {
	if i.PriorityScore < 0 {
		return int(i.PriorityScore - 0.5)
	}
	return int(i.PriorityScore + 0.5)
}

// Confirmation is evidence of an on-chain write returned by the backend.
type Confirmation struct {
	TxHash string `json:"tx_hash"`
}

// DefaultExplorerURL is the transaction explorer template.
const DefaultExplorerURL = "https://explorer.solana.com/tx/%s?cluster=devnet"

// ExplorerURL renders the explorer link using tmpl, which must contain a
// single %s verb. An empty tmpl uses DefaultExplorerURL.
func (c Confirmation) ExplorerURL(tmpl string) string {
	if c.TxHash == "" {
		return ""
	}
	if tmpl == "" {
		tmpl = DefaultExplorerURL
	}
	return fmt.Sprintf(tmpl, c.TxHash)
}

// Short truncates long hashes for display.
func (c Confirmation) Short() string {
	if len(c.TxHash) > 20 {
		return c.TxHash[:20] + "..."
	}
	return c.TxHash
}

// User is a person signed in through the identity provider.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Picture   string    `json:"picture,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is an authenticated browser session. Token, BackendUserID and
// Role are filled in once the identity exchange with the backend succeeds.
type Session struct {
	ID            string
	UserID        string
	Token         string
	BackendUserID string
	Role          Role
	ExpiresAt     time.Time
	CreatedAt     time.Time
}

// Exchanged reports whether the session holds a backend credential.
func (s *Session) Exchanged() bool {
	return s != nil && s.Token != ""
}

// MaxImageSize bounds uploaded photos and status proofs.
const MaxImageSize = 10 << 20

// Image is an uploaded photo held in memory until it is sent upstream.
type Image struct {
	Filename    string
	ContentType string
	Data        []byte
}

// IsImage reports whether the declared content type is an image type.
func (i Image) IsImage() bool {
	return strings.HasPrefix(strings.ToLower(i.ContentType), "image/")
}

// Profile is the backend's user record, as returned by login and the
// user lookup.
type Profile struct {
	UserID            string          `json:"user_id"`
	Email             string          `json:"email,omitempty"`
	Name              string          `json:"name"`
	ProfilePic        string          `json:"profile_pic,omitempty"`
	Role              Role            `json:"role,omitempty"`
	Rep               int             `json:"rep"`
	Badges            json.RawMessage `json:"badges,omitempty"`
	IssuesReported    int             `json:"issues_reported"`
	IssuesResolved    int             `json:"issues_resolved"`
	TotalUpvotes      int             `json:"total_upvotes"`
	VerificationsDone int             `json:"verifications_done"`
	CreatedAt         time.Time       `json:"created_at"`
}

// BadgeProgress is one achievement and how close a user is to it.
// Progress is a percentage in [0, 100].
type BadgeProgress struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Earned      bool   `json:"earned"`
	Progress    int    `json:"progress"`
}

type badgeRule struct {
	id, name, description string
	threshold             int
	value                 func(*Profile) int
}

var badgeRules = []badgeRule{
	{"first_reporter", "First Reporter", "Reported your first issue", 1, func(p *Profile) int { return p.IssuesReported }},
	{"top_reporter", "Top Reporter", "Reported 10+ issues", 10, func(p *Profile) int { return p.IssuesReported }},
	{"civic_hero", "Civic Hero", "Reported 50+ issues", 50, func(p *Profile) int { return p.IssuesReported }},
	{"verifier", "Verifier", "Verified 10 resolved issues", 10, func(p *Profile) int { return p.VerificationsDone }},
	{"trusted_voice", "Trusted Voice", "Earned 200+ Rep", 200, func(p *Profile) int { return p.Rep }},
}

// Achievements evaluates every badge against the profile's counters, in
// display order.
func (p *Profile) Achievements() []BadgeProgress {
	out := make([]BadgeProgress, 0, len(badgeRules))
	for _, rule := range badgeRules {
		v := max(rule.value(p), 0)
		out = append(out, BadgeProgress{
			ID:          rule.id,
			Name:        rule.name,
			Description: rule.description,
			Earned:      v >= rule.threshold,
			Progress:    min(v*100/rule.threshold, 100),
		})
	}
	return out
}

// NoticeLevel is the severity of a Notice.
type NoticeLevel string

const (
	NoticeSuccess NoticeLevel = "success"
	NoticeInfo    NoticeLevel = "info"
	NoticeWarning NoticeLevel = "warning"
	NoticeError   NoticeLevel = "error"
)

// Notice is a short user-facing outcome message, optionally linking to
// evidence such as a blockchain explorer page.
type Notice struct {
	Level   NoticeLevel `json:"level"`
	Message string      `json:"message"`
	Link    string      `json:"link,omitempty"`
}
