package wizard

import "github.com/civicchain/civic-gateway/internal/model"

// Step names a wizard state.
type Step string

const (
	StepUpload          Step = "upload"
	StepClassifying     Step = "classifying"
	StepConfirmCategory Step = "confirm_category"
	StepDescribe        Step = "describe"
	StepLocate          Step = "locate"
	StepReview          Step = "review"
	StepSubmitting      Step = "submitting"
	StepDone            Step = "done"
)

// State is one of Upload, Classifying, ConfirmCategory, Describe, Locate,
// Review, Submitting or Done. Each carries only the fields that are valid
// at that step.
type State interface {
	Step() Step
	sealed()
}

// photo is the uploaded image plus where the backend stored it. ImageURL
// is empty when classification failed.
type photo struct {
	Image    model.Image
	ImageURL string
}

// Upload waits for a photo.
type Upload struct{}

// Classifying is waiting on the category suggestion.
type Classifying struct {
	Image model.Image
}

// ConfirmCategory shows the suggestion, if any, and the picker.
type ConfirmCategory struct {
	photo
	Suggested model.Category
	Selected  model.Category
}

// Describe collects the free-text description.
type Describe struct {
	photo
	Category    model.Category
	Description string
}

// Locate collects the coordinates.
type Locate struct {
	photo
	Category    model.Category
	Description string
	Location    model.Location
}

// Review holds a complete report ready to send.
type Review struct {
	photo
	Category    model.Category
	Description string
	Location    model.Location
}

// Submitting is a Review whose report is in flight.
type Submitting struct {
	Review
}

// Done is terminal; the draft has been discarded.
type Done struct {
	IssueID      string
	Confirmation model.Confirmation
}

func (Upload) Step() Step          { return StepUpload }
func (Classifying) Step() Step     { return StepClassifying }
func (ConfirmCategory) Step() Step { return StepConfirmCategory }
func (Describe) Step() Step        { return StepDescribe }
func (Locate) Step() Step          { return StepLocate }
func (Review) Step() Step          { return StepReview }
func (Submitting) Step() Step      { return StepSubmitting }
func (Done) Step() Step            { return StepDone }

func (Upload) sealed()          {}
func (Classifying) sealed()     {}
func (ConfirmCategory) sealed() {}
func (Describe) sealed()        {}
func (Locate) sealed()          {}
func (Review) sealed()          {}
func (Submitting) sealed()      {}
func (Done) sealed()            {}
