package wizard

import (
	"unicode/utf8"

	"github.com/civicchain/civic-gateway/internal/model"
)

// Snapshot is a read-only JSON view of a wizard.
type Snapshot struct {
	Step              Step             `json:"step"`
	ImageName         string           `json:"image_name,omitempty"`
	ImageURL          string           `json:"image_url,omitempty"`
	SuggestedCategory model.Category   `json:"suggested_category,omitempty"`
	Category          model.Category   `json:"category,omitempty"`
	Choices           []model.Category `json:"choices,omitempty"`
	Description       string           `json:"description,omitempty"`
	DescriptionLength int              `json:"description_length"`
	Location          *model.Location  `json:"location,omitempty"`
	IssueID           string           `json:"issue_id,omitempty"`
	TxHash            string           `json:"tx_hash,omitempty"`
	ExplorerURL       string           `json:"explorer_url,omitempty"`
}

// Snapshot returns the current view.
func (w *Wizard) Snapshot() Snapshot {
	w.mu.Lock()
	st := w.state
	w.mu.Unlock()

	snap := Snapshot{Step: st.Step()}
	setPhoto := func(p photo) {
		snap.ImageName = p.Image.Filename
		snap.ImageURL = p.ImageURL
	}
	setText := func(s string) {
		snap.Description = s
		snap.DescriptionLength = utf8.RuneCountInString(s)
	}

	switch s := st.(type) {
	case Classifying:
		snap.ImageName = s.Image.Filename
	case ConfirmCategory:
		setPhoto(s.photo)
		snap.SuggestedCategory = s.Suggested
		snap.Category = s.Selected
		snap.Choices = model.SelectableCategories
	case Describe:
		setPhoto(s.photo)
		snap.Category = s.Category
		setText(s.Description)
	case Locate:
		setPhoto(s.photo)
		snap.Category = s.Category
		setText(s.Description)
		loc := s.Location
		snap.Location = &loc
	case Review:
		setPhoto(s.photo)
		snap.Category = s.Category
		setText(s.Description)
		loc := s.Location
		snap.Location = &loc
	case Submitting:
		setPhoto(s.photo)
		snap.Category = s.Category
		setText(s.Description)
		loc := s.Location
		snap.Location = &loc
	case Done:
		snap.IssueID = s.IssueID
		snap.TxHash = s.Confirmation.TxHash
		snap.ExplorerURL = s.Confirmation.ExplorerURL(w.cfg.ExplorerURL)
	}
	return snap
}
