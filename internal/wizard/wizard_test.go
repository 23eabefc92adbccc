package wizard

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/civicchain/civic-gateway/internal/backend"
	"github.com/civicchain/civic-gateway/internal/model"
)

type fakeClassifier struct {
	calls int
	res   *backend.ClassifyResult
	err   error
	// block, when set, is waited on before answering.
	block chan struct{}
}

func (f *fakeClassifier) Classify(_ context.Context, _ model.Image) (*backend.ClassifyResult, error) {
	f.calls++
	if f.block != nil {
		<-f.block
	}
	return f.res, f.err
}

type fakeSubmitter struct {
	calls []backend.ReportRequest
	res   *backend.ActionResult
	err   error
	block chan struct{}
}

func (f *fakeSubmitter) Report(_ context.Context, r backend.ReportRequest) (*backend.ActionResult, error) {
	f.calls = append(f.calls, r)
	if f.block != nil {
		<-f.block
	}
	return f.res, f.err
}

func jpeg(size int) model.Image {
	return model.Image{Filename: "x.jpg", ContentType: "image/jpeg", Data: bytes.Repeat([]byte{0xff}, size)}
}

func TestUploadValidation(t *testing.T) {
	tests := []struct {
		name  string
		files []model.Image
	}{
		{"no files", nil},
		{"two files", []model.Image{jpeg(10), jpeg(10)}},
		{"not an image", []model.Image{{Filename: "a.pdf", ContentType: "application/pdf", Data: []byte("x")}}},
		{"too large", []model.Image{jpeg(model.MaxImageSize + 1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := &fakeClassifier{}
			w := New(Config{Classifier: fc})
			_, err := w.Upload(context.Background(), tt.files)
			if !errors.Is(err, ErrInvalidUpload) {
				t.Errorf("got %v, want ErrInvalidUpload", err)
			}
			if fc.calls != 0 {
				t.Error("classifier called for invalid upload")
			}
			if w.State().Step() != StepUpload {
				t.Errorf("step = %s, want upload", w.State().Step())
			}
		})
	}
}

func toDescribe(t *testing.T, w *Wizard) {
	t.Helper()
	if _, err := w.Upload(context.Background(), []model.Image{jpeg(1024)}); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if err := w.SelectCategory(model.CategoryGarbage); err != nil {
		t.Fatalf("SelectCategory: %v", err)
	}
	if err := w.ConfirmCategory(); err != nil {
		t.Fatalf("ConfirmCategory: %v", err)
	}
}

func TestDescriptionGating(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		wantErr error
		wantLen int
	}{
		{"empty", "", ErrDescriptionTooShort, 0},
		{"nineteen", strings.Repeat("a", 19), ErrDescriptionTooShort, 19},
		{"twenty", strings.Repeat("a", 20), nil, 20},
		{"five hundred", strings.Repeat("b", 500), nil, 500},
		{"clamped", strings.Repeat("c", 650), nil, 500},
		{"multibyte clamped", strings.Repeat("é", 501), nil, 500},
		{"multibyte short", strings.Repeat("é", 19), ErrDescriptionTooShort, 19},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := New(Config{Classifier: &fakeClassifier{err: errors.New("down")}})
			toDescribe(t, w)

			if err := w.SetDescription(tt.text); err != nil {
				t.Fatalf("SetDescription: %v", err)
			}
			if got := w.Snapshot().DescriptionLength; got != tt.wantLen {
				t.Errorf("length = %d, want %d", got, tt.wantLen)
			}
			err := w.ConfirmDescription()
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ConfirmDescription = %v, want %v", err, tt.wantErr)
			}
			wantStep := StepLocate
			if tt.wantErr != nil {
				wantStep = StepDescribe
			}
			if w.State().Step() != wantStep {
				t.Errorf("step = %s, want %s", w.State().Step(), wantStep)
			}
		})
	}
}

func TestSuggestionPreselectsButCanBeOverridden(t *testing.T) {
	fc := &fakeClassifier{res: &backend.ClassifyResult{SuggestedCategory: "Pothole", ImageURL: "/uploads/x.jpg"}}
	w := New(Config{Classifier: fc})

	notice, err := w.Upload(context.Background(), []model.Image{jpeg(2 << 20)})
	if err != nil || notice != nil {
		t.Fatalf("Upload = (%v, %v)", notice, err)
	}
	st, ok := w.State().(ConfirmCategory)
	if !ok {
		t.Fatalf("state = %T, want ConfirmCategory", w.State())
	}
	if st.Suggested != model.CategoryPothole || st.Selected != model.CategoryPothole {
		t.Errorf("suggested/selected = %q/%q", st.Suggested, st.Selected)
	}

	for _, c := range model.Categories {
		if err := w.SelectCategory(c); err != nil {
			t.Errorf("SelectCategory(%q): %v", c, err)
		}
	}
	if err := w.SelectCategory("graffiti"); !errors.Is(err, ErrInvalidCategory) {
		t.Errorf("unknown category: got %v", err)
	}
	if err := w.SelectCategory(model.CategoryWater); err != nil {
		t.Fatal(err)
	}
	if err := w.ConfirmCategory(); err != nil {
		t.Fatal(err)
	}
	if d, ok := w.State().(Describe); !ok || d.Category != model.CategoryWater {
		t.Errorf("state = %#v", w.State())
	}
}

func TestUnknownSuggestionIsIgnored(t *testing.T) {
	fc := &fakeClassifier{res: &backend.ClassifyResult{SuggestedCategory: "graffiti", ImageURL: "/uploads/y.jpg"}}
	w := New(Config{Classifier: fc})
	if _, err := w.Upload(context.Background(), []model.Image{jpeg(10)}); err != nil {
		t.Fatal(err)
	}
	snap := w.Snapshot()
	if snap.SuggestedCategory != "" || snap.Category != "" {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.ImageURL != "/uploads/y.jpg" {
		t.Errorf("image url = %q", snap.ImageURL)
	}
}

func TestDegradedClassification(t *testing.T) {
	fc := &fakeClassifier{err: &backend.TransportError{Op: "classify", Err: errors.New("connection refused")}}
	w := New(Config{Classifier: fc})

	notice, err := w.Upload(context.Background(), []model.Image{jpeg(2 << 20)})
	if err != nil {
		t.Fatalf("Upload returned error %v, want degraded continue", err)
	}
	if notice == nil || notice.Level != model.NoticeWarning || notice.Message != MsgClassifyFailed {
		t.Errorf("notice = %+v", notice)
	}
	st, ok := w.State().(ConfirmCategory)
	if !ok {
		t.Fatalf("state = %T, want ConfirmCategory", w.State())
	}
	if st.Suggested != "" || st.Selected != "" || st.ImageURL != "" {
		t.Errorf("state = %+v", st)
	}
	if err := w.ConfirmCategory(); !errors.Is(err, ErrNoCategory) {
		t.Errorf("ConfirmCategory without selection = %v", err)
	}
	if got := w.Snapshot().Choices; len(got) != 5 {
		t.Errorf("choices = %v, want the five picker categories", got)
	}
	if err := w.SelectCategory(model.CategoryStreetlight); err != nil {
		t.Fatal(err)
	}
	if err := w.ConfirmCategory(); err != nil {
		t.Errorf("ConfirmCategory after selection = %v", err)
	}
}

func TestSubmitFlow(t *testing.T) {
	fc := &fakeClassifier{res: &backend.ClassifyResult{SuggestedCategory: "pothole", ImageURL: "/uploads/x.jpg"}}
	fs := &fakeSubmitter{res: &backend.ActionResult{
		IssueID:      "iss-1",
		Confirmation: model.Confirmation{TxHash: "tx123"},
	}}
	var refreshed int
	w := New(Config{
		Classifier:  fc,
		Submitter:   fs,
		OnSubmitted: func(context.Context, *backend.ActionResult) { refreshed++ },
	})
	ctx := context.Background()

	if _, err := w.Upload(ctx, []model.Image{jpeg(2 << 20)}); err != nil {
		t.Fatal(err)
	}
	if err := w.ConfirmCategory(); err != nil {
		t.Fatal(err)
	}
	desc := strings.Repeat("d", 40)
	if err := w.SetDescription(desc); err != nil {
		t.Fatal(err)
	}
	if err := w.ConfirmDescription(); err != nil {
		t.Fatal(err)
	}
	if err := w.ConfirmLocation(); err != nil {
		t.Fatal(err)
	}

	rv, ok := w.State().(Review)
	if !ok {
		t.Fatalf("state = %T, want Review", w.State())
	}
	if rv.Category != model.CategoryPothole || rv.Description != desc || rv.Location != model.DefaultLocation {
		t.Errorf("review = %+v", rv)
	}

	notice, err := w.Submit(ctx)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if notice.Message != MsgSubmitted || notice.Link != "https://explorer.solana.com/tx/tx123?cluster=devnet" {
		t.Errorf("notice = %+v", notice)
	}
	if len(fs.calls) != 1 {
		t.Fatalf("submit calls = %d", len(fs.calls))
	}
	imageURL := "/uploads/x.jpg"
	want := backend.ReportRequest{
		ImageURL:    &imageURL,
		Description: desc,
		Category:    model.CategoryPothole,
		Lat:         17.385044,
		Lng:         78.486671,
	}
	if !reflect.DeepEqual(fs.calls[0], want) {
		t.Errorf("sent %+v, want %+v", fs.calls[0], want)
	}
	if refreshed != 1 {
		t.Errorf("refresh hook ran %d times", refreshed)
	}
	done, ok := w.State().(Done)
	if !ok || done.IssueID != "iss-1" {
		t.Errorf("state = %#v", w.State())
	}
}

func TestSubmitFailureReturnsToReview(t *testing.T) {
	upstream := &backend.UpstreamError{Status: 500, Envelope: backend.Envelope{Error: "db down"}}
	fs := &fakeSubmitter{err: upstream}
	var refreshed bool
	w := New(Config{
		Classifier:  &fakeClassifier{res: &backend.ClassifyResult{SuggestedCategory: "water"}},
		Submitter:   fs,
		OnSubmitted: func(context.Context, *backend.ActionResult) { refreshed = true },
	})
	ctx := context.Background()
	w.Upload(ctx, []model.Image{jpeg(10)})
	w.ConfirmCategory()
	w.SetDescription("A burst pipe is flooding the street corner")
	w.ConfirmDescription()
	w.ConfirmLocation()

	notice, err := w.Submit(ctx)
	if !errors.Is(err, upstream) {
		t.Errorf("err = %v, want upstream error", err)
	}
	if notice == nil || notice.Level != model.NoticeError || notice.Message != MsgSubmitFailed {
		t.Errorf("notice = %+v", notice)
	}
	if _, ok := w.State().(Review); !ok {
		t.Errorf("state = %T, want Review", w.State())
	}
	if refreshed {
		t.Error("refresh hook ran on failure")
	}
}

func TestSubmitWithoutStoredImage(t *testing.T) {
	fs := &fakeSubmitter{res: &backend.ActionResult{IssueID: "i"}}
	w := New(Config{
		Classifier: &fakeClassifier{err: &backend.TransportError{Op: "classify", Err: errors.New("timeout")}},
		Submitter:  fs,
	})
	ctx := context.Background()
	w.Upload(ctx, []model.Image{jpeg(10)})
	w.SelectCategory(model.CategoryGarbage)
	w.ConfirmCategory()
	w.SetDescription("Overflowing bins behind the market hall")
	w.ConfirmDescription()
	w.ConfirmLocation()

	if _, err := w.Submit(ctx); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(fs.calls) != 1 {
		t.Fatalf("submit calls = %d", len(fs.calls))
	}
	if fs.calls[0].ImageURL != nil {
		t.Errorf("image url = %q, want nil", *fs.calls[0].ImageURL)
	}
}

func TestSecondSubmitIsBusy(t *testing.T) {
	fs := &fakeSubmitter{res: &backend.ActionResult{IssueID: "i"}, block: make(chan struct{})}
	w := New(Config{Classifier: &fakeClassifier{res: &backend.ClassifyResult{SuggestedCategory: "other"}}, Submitter: fs})
	ctx := context.Background()
	w.Upload(ctx, []model.Image{jpeg(10)})
	w.ConfirmCategory()
	w.SetDescription("Something odd is going on at the park gate")
	w.ConfirmDescription()
	w.ConfirmLocation()

	errc := make(chan error, 1)
	go func() {
		_, err := w.Submit(ctx)
		errc <- err
	}()
	for w.State().Step() != StepSubmitting {
	}
	if _, err := w.Submit(ctx); !errors.Is(err, ErrBusy) {
		t.Errorf("second submit = %v, want ErrBusy", err)
	}
	if err := w.SetDescription("x"); !errors.Is(err, ErrBusy) {
		t.Errorf("edit while submitting = %v, want ErrBusy", err)
	}
	close(fs.block)
	if err := <-errc; err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if len(fs.calls) != 1 {
		t.Errorf("submit calls = %d, want 1", len(fs.calls))
	}
}

func TestCancelFromAnyStep(t *testing.T) {
	steps := []struct {
		name    string
		advance func(w *Wizard)
	}{
		{"upload", func(w *Wizard) {}},
		{"confirm category", func(w *Wizard) {
			w.Upload(context.Background(), []model.Image{jpeg(10)})
		}},
		{"describe", func(w *Wizard) {
			w.Upload(context.Background(), []model.Image{jpeg(10)})
			w.ConfirmCategory()
			w.SetDescription("half written")
		}},
		{"review", func(w *Wizard) {
			w.Upload(context.Background(), []model.Image{jpeg(10)})
			w.ConfirmCategory()
			w.SetDescription("Streetlight has been out for a week now")
			w.ConfirmDescription()
			w.SetLocation(model.Location{Lat: 12.9, Lng: 77.6})
			w.ConfirmLocation()
		}},
	}
	for _, tt := range steps {
		t.Run(tt.name, func(t *testing.T) {
			w := New(Config{Classifier: &fakeClassifier{res: &backend.ClassifyResult{SuggestedCategory: "streetlight", ImageURL: "/u.jpg"}}})
			tt.advance(w)
			w.Cancel()
			w.Cancel()

			if got := w.Snapshot(); !reflect.DeepEqual(got, Snapshot{Step: StepUpload}) {
				t.Errorf("snapshot after cancel = %+v", got)
			}
		})
	}
}

func TestCancelDuringClassificationDropsResult(t *testing.T) {
	fc := &fakeClassifier{res: &backend.ClassifyResult{SuggestedCategory: "pothole"}, block: make(chan struct{})}
	w := New(Config{Classifier: fc})

	errc := make(chan error, 1)
	go func() {
		_, err := w.Upload(context.Background(), []model.Image{jpeg(10)})
		errc <- err
	}()
	for w.State().Step() != StepClassifying {
	}
	w.Cancel()
	close(fc.block)
	if err := <-errc; !errors.Is(err, ErrCancelled) {
		t.Errorf("upload = %v, want ErrCancelled", err)
	}
	if w.State().Step() != StepUpload {
		t.Errorf("step = %s, want upload", w.State().Step())
	}
}

func TestWrongStep(t *testing.T) {
	w := New(Config{})
	if err := w.ConfirmCategory(); !errors.Is(err, ErrWrongStep) {
		t.Errorf("ConfirmCategory at upload = %v", err)
	}
	if _, err := w.Submit(context.Background()); !errors.Is(err, ErrWrongStep) {
		t.Errorf("Submit at upload = %v", err)
	}
	if err := w.SetLocation(model.DefaultLocation); !errors.Is(err, ErrWrongStep) {
		t.Errorf("SetLocation at upload = %v", err)
	}
}
