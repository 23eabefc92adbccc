// Package wizard implements the step-by-step issue submission flow:
// photo, category, description, location, review, submit.
package wizard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/civicchain/civic-gateway/internal/backend"
	"github.com/civicchain/civic-gateway/internal/model"
)

// Description bounds, in runes.
const (
	MinDescription = 20
	MaxDescription = 500
)

// Messages shown to the reporter.
const (
	MsgClassifyFailed = "AI classification failed. Please select category manually."
	MsgSubmitted      = "Issue reported successfully!"
	MsgSubmitFailed   = "Failed to report issue"
)

var (
	ErrInvalidUpload       = errors.New("wizard: invalid upload")
	ErrNoCategory          = errors.New("wizard: no category selected")
	ErrInvalidCategory     = errors.New("wizard: unknown category")
	ErrDescriptionTooShort = fmt.Errorf("wizard: description must be at least %d characters", MinDescription)
	ErrInvalidLocation     = errors.New("wizard: no location chosen")
	ErrBusy                = errors.New("wizard: a request is already in progress")
	ErrWrongStep           = errors.New("wizard: not allowed at this step")
	ErrCancelled           = errors.New("wizard: draft was reset")
)

// Classifier suggests a category for a photo and stores it.
type Classifier interface {
	Classify(ctx context.Context, img model.Image) (*backend.ClassifyResult, error)
}

// Submitter creates the remote issue.
type Submitter interface {
	Report(ctx context.Context, r backend.ReportRequest) (*backend.ActionResult, error)
}

// Config wires a Wizard to the backend.
type Config struct {
	Classifier Classifier
	Submitter  Submitter
	// Origin pre-fills the location step. The zero value means
	// model.DefaultLocation.
	Origin model.Location
	// ExplorerURL is the transaction link template; empty uses the default.
	ExplorerURL string
	// OnSubmitted runs after a report is accepted, typically to
	// invalidate cached issue lists.
	OnSubmitted func(ctx context.Context, res *backend.ActionResult)
}

// Wizard is one reporter's draft. It is safe for concurrent use; only
// Upload and Submit perform I/O and neither holds the lock while waiting.
type Wizard struct {
	cfg Config

	mu    sync.Mutex
	state State
	// gen changes on every reset so in-flight I/O can tell its result
	// is stale.
	gen uint64
}

// New returns a wizard at the Upload step.
func New(cfg Config) *Wizard {
	if !cfg.Origin.Valid() {
		cfg.Origin = model.DefaultLocation
	}
	return &Wizard{cfg: cfg, state: Upload{}}
}

// State returns the current state.
func (w *Wizard) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func wrongStep(op string, s State) error {
	switch s.(type) {
	case Classifying, Submitting:
		return ErrBusy
	}
	return fmt.Errorf("%w: %s during %s", ErrWrongStep, op, s.Step())
}

// checkUpload validates the photo selection without any I/O.
func checkUpload(files []model.Image) (model.Image, error) {
	if len(files) != 1 {
		return model.Image{}, fmt.Errorf("%w: expected exactly one file, got %d", ErrInvalidUpload, len(files))
	}
	img := files[0]
	if !img.IsImage() {
		return model.Image{}, fmt.Errorf("%w: %q is not an image", ErrInvalidUpload, img.ContentType)
	}
	if len(img.Data) > model.MaxImageSize {
		return model.Image{}, fmt.Errorf("%w: file exceeds %d bytes", ErrInvalidUpload, model.MaxImageSize)
	}
	return img, nil
}

// Upload accepts the photo and asks for a category suggestion. A failed
// suggestion is not an error: the wizard moves on to the picker and the
// returned Notice tells the reporter to choose manually.
func (w *Wizard) Upload(ctx context.Context, files []model.Image) (*model.Notice, error) {
	img, err := checkUpload(files)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	switch w.state.(type) {
	case Upload, Done:
	default:
		err := wrongStep("upload", w.state)
		w.mu.Unlock()
		return nil, err
	}
	w.state = Classifying{Image: img}
	gen := w.gen
	w.mu.Unlock()

	res, cerr := w.cfg.Classifier.Classify(ctx, img)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.gen != gen {
		return nil, ErrCancelled
	}
	next := ConfirmCategory{photo: photo{Image: img}}
	if cerr != nil {
		w.state = next
		return &model.Notice{Level: model.NoticeWarning, Message: MsgClassifyFailed}, nil
	}
	next.ImageURL = res.ImageURL
	if c, err := model.ParseCategory(res.SuggestedCategory); err == nil {
		next.Suggested = c
		next.Selected = c
	}
	w.state = next
	return nil, nil
}

// SelectCategory picks c on the category step. Any known category is
// accepted, not only the ones on the picker.
func (w *Wizard) SelectCategory(c model.Category) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.state.(ConfirmCategory)
	if !ok {
		return wrongStep("select category", w.state)
	}
	if !c.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidCategory, c)
	}
	st.Selected = c
	w.state = st
	return nil
}

// ConfirmCategory moves on to the description.
func (w *Wizard) ConfirmCategory() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.state.(ConfirmCategory)
	if !ok {
		return wrongStep("confirm category", w.state)
	}
	if st.Selected == "" {
		return ErrNoCategory
	}
	w.state = Describe{photo: st.photo, Category: st.Selected}
	return nil
}

// SetDescription replaces the description, truncating it to
// MaxDescription runes.
func (w *Wizard) SetDescription(text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.state.(Describe)
	if !ok {
		return wrongStep("set description", w.state)
	}
	st.Description = clamp(text, MaxDescription)
	w.state = st
	return nil
}

func clamp(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// ConfirmDescription moves on to the location, pre-filled with the
// configured origin.
func (w *Wizard) ConfirmDescription() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.state.(Describe)
	if !ok {
		return wrongStep("confirm description", w.state)
	}
	if utf8.RuneCountInString(st.Description) < MinDescription {
		return ErrDescriptionTooShort
	}
	w.state = Locate{
		photo:       st.photo,
		Category:    st.Category,
		Description: st.Description,
		Location:    w.cfg.Origin,
	}
	return nil
}

// SetLocation moves the pin.
func (w *Wizard) SetLocation(loc model.Location) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.state.(Locate)
	if !ok {
		return wrongStep("set location", w.state)
	}
	if !loc.Valid() {
		return ErrInvalidLocation
	}
	st.Location = loc
	w.state = st
	return nil
}

// ConfirmLocation moves on to review.
func (w *Wizard) ConfirmLocation() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.state.(Locate)
	if !ok {
		return wrongStep("confirm location", w.state)
	}
	if !st.Location.Valid() {
		return ErrInvalidLocation
	}
	w.state = Review{
		photo:       st.photo,
		Category:    st.Category,
		Description: st.Description,
		Location:    st.Location,
	}
	return nil
}

// Submit sends the reviewed report. On failure the wizard returns to
// Review with the draft intact; the error is the upstream one and the
// Notice is what to show. There is no automatic retry.
func (w *Wizard) Submit(ctx context.Context) (*model.Notice, error) {
	w.mu.Lock()
	st, ok := w.state.(Review)
	if !ok {
		err := wrongStep("submit", w.state)
		w.mu.Unlock()
		return nil, err
	}
	w.state = Submitting{Review: st}
	gen := w.gen
	w.mu.Unlock()

	var imageURL *string
	if st.ImageURL != "" {
		imageURL = &st.ImageURL
	}
	res, err := w.cfg.Submitter.Report(ctx, backend.ReportRequest{
		ImageURL:    imageURL,
		Description: st.Description,
		Category:    st.Category,
		Lat:         st.Location.Lat,
		Lng:         st.Location.Lng,
	})

	w.mu.Lock()
	if err != nil {
		if w.gen == gen {
			w.state = st
		}
		w.mu.Unlock()
		return &model.Notice{Level: model.NoticeError, Message: MsgSubmitFailed}, err
	}
	if w.gen == gen {
		w.state = Done{IssueID: res.IssueID, Confirmation: res.Confirmation}
	}
	w.mu.Unlock()

	if w.cfg.OnSubmitted != nil {
		w.cfg.OnSubmitted(ctx, res)
	}
	return &model.Notice{
		Level:   model.NoticeSuccess,
		Message: MsgSubmitted,
		Link:    res.Confirmation.ExplorerURL(w.cfg.ExplorerURL),
	}, nil
}

// Cancel discards the draft from any step. Results of I/O still in
// flight are dropped when they arrive.
func (w *Wizard) Cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.gen++
	w.state = Upload{}
}
