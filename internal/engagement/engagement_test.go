package engagement

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"testing"

	"github.com/civicchain/civic-gateway/internal/backend"
	"github.com/civicchain/civic-gateway/internal/model"
)

type fakeBackend struct {
	creds backend.Credentials

	mu       sync.Mutex
	votes    []string
	verifies []backend.VerifyRequest
	updates  []backend.StatusUpdate

	res   *backend.ActionResult
	err   error
	block chan struct{}
}

func (f *fakeBackend) Credentials() backend.Credentials { return f.creds }

func (f *fakeBackend) record(kind string) {
	f.mu.Lock()
	f.votes = append(f.votes, kind)
	f.mu.Unlock()
	if f.block != nil {
		<-f.block
	}
}

func (f *fakeBackend) Upvote(_ context.Context, id string) (*backend.ActionResult, error) {
	f.record("up:" + id)
	return f.res, f.err
}

func (f *fakeBackend) Downvote(_ context.Context, id string) (*backend.ActionResult, error) {
	f.record("down:" + id)
	return f.res, f.err
}

func (f *fakeBackend) Verify(_ context.Context, _ string, v backend.VerifyRequest) (*backend.ActionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v.UserID == "" {
		return nil, backend.ErrMissingUserID
	}
	f.verifies = append(f.verifies, v)
	return f.res, f.err
}

func (f *fakeBackend) UpdateStatus(_ context.Context, _ string, u backend.StatusUpdate) (*backend.ActionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, u)
	return f.res, f.err
}

type countingCache struct{ n int }

func (c *countingCache) Invalidate(context.Context) error {
	c.n++
	return nil
}

func newTestService(cache Invalidator) *Service {
	return NewService("", cache, slog.Default())
}

func TestVoteNotices(t *testing.T) {
	tests := []struct {
		name      string
		down      bool
		res       *backend.ActionResult
		err       error
		wantLevel model.NoticeLevel
		wantMsg   string
		wantLink  string
		wantInval int
	}{
		{
			name:      "upvote with confirmation",
			res:       &backend.ActionResult{Confirmation: model.Confirmation{TxHash: "abc"}},
			wantLevel: model.NoticeSuccess,
			wantMsg:   MsgUpvoted,
			wantLink:  "https://explorer.solana.com/tx/abc?cluster=devnet",
			wantInval: 1,
		},
		{
			name:      "downvote without confirmation",
			down:      true,
			res:       &backend.ActionResult{},
			wantLevel: model.NoticeSuccess,
			wantMsg:   MsgDownvoted,
			wantInval: 1,
		},
		{
			name:      "upvote failure",
			err:       &backend.UpstreamError{Status: http.StatusConflict},
			wantLevel: model.NoticeError,
			wantMsg:   MsgUpvoteFailed,
		},
		{
			name:      "downvote failure",
			down:      true,
			err:       &backend.TransportError{Op: "downvote", Err: errors.New("reset")},
			wantLevel: model.NoticeError,
			wantMsg:   MsgDownvoteFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache := &countingCache{}
			svc := newTestService(cache)
			be := &fakeBackend{creds: backend.Credentials{Token: "t", UserID: "u1"}, res: tt.res, err: tt.err}

			var n model.Notice
			var err error
			if tt.down {
				n, err = svc.Downvote(context.Background(), be, "i1")
			} else {
				n, err = svc.Upvote(context.Background(), be, "i1")
			}
			if (err != nil) != (tt.err != nil) {
				t.Fatalf("err = %v", err)
			}
			if n.Level != tt.wantLevel || n.Message != tt.wantMsg || n.Link != tt.wantLink {
				t.Errorf("notice = %+v", n)
			}
			if cache.n != tt.wantInval {
				t.Errorf("invalidations = %d, want %d", cache.n, tt.wantInval)
			}
			if len(be.votes) != 1 {
				t.Errorf("upstream calls = %d, want 1 (no retry)", len(be.votes))
			}
		})
	}
}

func TestVoteInFlightSuppression(t *testing.T) {
	svc := newTestService(nil)
	be := &fakeBackend{
		creds: backend.Credentials{Token: "t", UserID: "u1"},
		res:   &backend.ActionResult{},
		block: make(chan struct{}),
	}

	done := make(chan error, 1)
	go func() {
		_, err := svc.Upvote(context.Background(), be, "i1")
		done <- err
	}()
	for {
		be.mu.Lock()
		n := len(be.votes)
		be.mu.Unlock()
		if n == 1 {
			break
		}
	}

	n, err := svc.Downvote(context.Background(), be, "i1")
	if !errors.Is(err, ErrInFlight) {
		t.Fatalf("second vote = %v, want ErrInFlight", err)
	}
	if n.Level != model.NoticeInfo || n.Message != MsgVoteInFlight {
		t.Errorf("notice = %+v", n)
	}

	other := &fakeBackend{creds: backend.Credentials{Token: "t2", UserID: "u2"}, res: &backend.ActionResult{}}
	if _, err := svc.Upvote(context.Background(), other, "i1"); err != nil {
		t.Errorf("another caller was blocked: %v", err)
	}

	close(be.block)
	if err := <-done; err != nil {
		t.Fatalf("first vote: %v", err)
	}
	if _, err := svc.Downvote(context.Background(), be, "i1"); err != nil {
		t.Errorf("vote after completion = %v", err)
	}
}

func TestVerify(t *testing.T) {
	t.Run("no user id", func(t *testing.T) {
		svc := newTestService(nil)
		be := &fakeBackend{creds: backend.Credentials{Token: "t"}}
		n, err := svc.Verify(context.Background(), be, "i1", nil)
		if !errors.Is(err, backend.ErrMissingUserID) {
			t.Fatalf("err = %v", err)
		}
		if n.Level != model.NoticeError || len(be.verifies) != 0 {
			t.Errorf("notice = %+v, calls = %d", n, len(be.verifies))
		}
	})
	t.Run("upstream message", func(t *testing.T) {
		svc := newTestService(nil)
		be := &fakeBackend{
			creds: backend.Credentials{Token: "t", UserID: "u1"},
			err:   &backend.UpstreamError{Status: http.StatusBadRequest, Envelope: backend.Envelope{Error: "Already verified"}},
		}
		n, _ := svc.Verify(context.Background(), be, "i1", nil)
		if n.Message != "Already verified" {
			t.Errorf("message = %q", n.Message)
		}
	})
	t.Run("fallback message", func(t *testing.T) {
		svc := newTestService(nil)
		be := &fakeBackend{
			creds: backend.Credentials{Token: "t", UserID: "u1"},
			err:   &backend.TransportError{Op: "verify", Err: errors.New("eof")},
		}
		n, _ := svc.Verify(context.Background(), be, "i1", nil)
		if n.Message != MsgVerifyFailed {
			t.Errorf("message = %q", n.Message)
		}
	})
	t.Run("success", func(t *testing.T) {
		cache := &countingCache{}
		svc := NewService("https://explorer.test/%s", cache, nil)
		yes := true
		be := &fakeBackend{
			creds: backend.Credentials{Token: "t", UserID: "u1"},
			res:   &backend.ActionResult{Confirmation: model.Confirmation{TxHash: "h1"}},
		}
		n, err := svc.Verify(context.Background(), be, "i1", &yes)
		if err != nil {
			t.Fatal(err)
		}
		if n.Message != MsgVerified || n.Link != "https://explorer.test/h1" {
			t.Errorf("notice = %+v", n)
		}
		if len(be.verifies) != 1 || be.verifies[0].UserID != "u1" || be.verifies[0].Verified == nil {
			t.Errorf("sent = %+v", be.verifies)
		}
		if cache.n != 1 {
			t.Errorf("invalidations = %d", cache.n)
		}
	})
}

func TestCanVerify(t *testing.T) {
	resolved := &model.Issue{Status: model.StatusResolved, ReporterID: "reporter"}
	tests := []struct {
		name   string
		issue  *model.Issue
		role   model.Role
		caller string
		want   bool
	}{
		{"citizen on resolved", resolved, model.RoleCitizen, "other", true},
		{"own issue", resolved, model.RoleCitizen, "reporter", false},
		{"government", resolved, model.RoleGovernment, "other", false},
		{"not resolved", &model.Issue{Status: model.StatusInProgress, ReporterID: "r"}, model.RoleCitizen, "other", false},
		{"anonymous", resolved, model.RoleCitizen, "", false},
		{"nil issue", nil, model.RoleCitizen, "other", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanVerify(tt.issue, tt.role, tt.caller); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUpdateStatusNoChanges(t *testing.T) {
	cache := &countingCache{}
	svc := newTestService(cache)
	be := &fakeBackend{creds: backend.Credentials{Token: "t", UserID: "gov"}}
	issue := &model.Issue{ID: "i1", Status: model.StatusOpen}

	n, err := svc.UpdateStatus(context.Background(), be, issue, StatusChange{Target: model.StatusOpen})
	if !errors.Is(err, ErrNoChanges) {
		t.Fatalf("err = %v, want ErrNoChanges", err)
	}
	if n.Level != model.NoticeInfo || n.Message != MsgNoChanges {
		t.Errorf("notice = %+v", n)
	}
	if len(be.updates) != 0 || cache.n != 0 {
		t.Errorf("calls = %d, invalidations = %d", len(be.updates), cache.n)
	}
}

func TestUpdateStatus(t *testing.T) {
	proof := &model.Image{Filename: "p.jpg", ContentType: "image/jpeg", Data: []byte("x")}
	tests := []struct {
		name      string
		current   model.Status
		change    StatusChange
		err       error
		wantErr   error
		wantMsg   string
		wantCalls int
	}{
		{"same status with proof", model.StatusResolved, StatusChange{Target: model.StatusResolved, Proof: proof}, nil, nil, MsgStatusUpdated, 1},
		{"new status", model.StatusOpen, StatusChange{Target: model.StatusInProgress}, nil, nil, MsgStatusUpdated, 1},
		{"closed not settable", model.StatusOpen, StatusChange{Target: model.StatusClosed}, nil, ErrInvalidStatus, `Status "closed" cannot be set`, 0},
		{"bad proof", model.StatusOpen, StatusChange{Target: model.StatusResolved, Proof: &model.Image{ContentType: "text/plain"}}, nil, ErrInvalidStatus, "Proof must be an image of at most 10MB", 0},
		{
			"upstream failure", model.StatusOpen, StatusChange{Target: model.StatusResolved},
			&backend.UpstreamError{Status: http.StatusForbidden, Envelope: backend.Envelope{Message: "Forbidden"}},
			nil, "Forbidden", 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(nil)
			be := &fakeBackend{creds: backend.Credentials{Token: "t", UserID: "gov"}, res: &backend.ActionResult{}, err: tt.err}
			issue := &model.Issue{ID: "i1", Status: tt.current}

			n, err := svc.UpdateStatus(context.Background(), be, issue, tt.change)
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			if tt.err != nil && !errors.Is(err, tt.err) {
				t.Errorf("err = %v, want %v", err, tt.err)
			}
			if n.Message != tt.wantMsg {
				t.Errorf("message = %q, want %q", n.Message, tt.wantMsg)
			}
			if len(be.updates) != tt.wantCalls {
				t.Errorf("calls = %d, want %d", len(be.updates), tt.wantCalls)
			}
		})
	}
}
