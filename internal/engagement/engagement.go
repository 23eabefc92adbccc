// Package engagement carries out the actions people take on an existing
// issue: votes, verification and status changes. Each action returns a
// Notice describing the outcome for display.
package engagement

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/civicchain/civic-gateway/internal/backend"
	"github.com/civicchain/civic-gateway/internal/model"
)

// Messages shown for each outcome.
const (
	MsgUpvoted        = "Upvoted successfully!"
	MsgDownvoted      = "Downvoted"
	MsgUpvoteFailed   = "Failed to upvote"
	MsgDownvoteFailed = "Failed to downvote"
	MsgVoteInFlight   = "Vote already in progress"
	MsgVerified       = "Issue verified successfully!"
	MsgVerifyFailed   = "Failed to verify issue"
	MsgStatusUpdated  = "Issue status updated successfully"
	MsgStatusFailed   = "Failed to update issue status"
	MsgNoChanges      = "No changes made"
)

// ErrInFlight is returned when the same caller already has a vote on the
// same issue outstanding.
var ErrInFlight = errors.New("engagement: vote already in progress")

// Backend is the slice of the backend client this package drives. It is
// bound to one caller's credentials.
type Backend interface {
	Credentials() backend.Credentials
	Upvote(ctx context.Context, issueID string) (*backend.ActionResult, error)
	Downvote(ctx context.Context, issueID string) (*backend.ActionResult, error)
	Verify(ctx context.Context, issueID string, v backend.VerifyRequest) (*backend.ActionResult, error)
	UpdateStatus(ctx context.Context, issueID string, u backend.StatusUpdate) (*backend.ActionResult, error)
}

// Invalidator drops cached issue data after a successful write.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// Service runs engagement actions. It is safe for concurrent use.
type Service struct {
	explorerURL string
	cache       Invalidator
	logger      *slog.Logger

	mu       sync.Mutex
	inflight map[voteKey]struct{}
}

type voteKey struct {
	caller  string
	issueID string
}

// NewService returns a Service. cache may be nil.
func NewService(explorerURL string, cache Invalidator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		explorerURL: explorerURL,
		cache:       cache,
		logger:      logger,
		inflight:    make(map[voteKey]struct{}),
	}
}

// Upvote votes for issueID as the caller bound to be.
func (s *Service) Upvote(ctx context.Context, be Backend, issueID string) (model.Notice, error) {
	return s.vote(ctx, be, issueID, be.Upvote, MsgUpvoted, MsgUpvoteFailed)
}

// Downvote votes against issueID as the caller bound to be.
func (s *Service) Downvote(ctx context.Context, be Backend, issueID string) (model.Notice, error) {
	return s.vote(ctx, be, issueID, be.Downvote, MsgDownvoted, MsgDownvoteFailed)
}

func (s *Service) vote(ctx context.Context, be Backend, issueID string,
	call func(context.Context, string) (*backend.ActionResult, error), okMsg, failMsg string) (model.Notice, error) {

	creds := be.Credentials()
	caller := creds.UserID
	if caller == "" {
		caller = creds.Token
	}
	key := voteKey{caller: caller, issueID: issueID}

	s.mu.Lock()
	if _, busy := s.inflight[key]; busy {
		s.mu.Unlock()
		return model.Notice{Level: model.NoticeInfo, Message: MsgVoteInFlight}, ErrInFlight
	}
	s.inflight[key] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.inflight, key)
		s.mu.Unlock()
	}()

	res, err := call(ctx, issueID)
	if err != nil {
		s.logger.Warn("vote failed", "issue_id", issueID, "error", err)
		return model.Notice{Level: model.NoticeError, Message: failMsg}, err
	}
	s.invalidate(ctx)
	return s.success(okMsg, res), nil
}

// Verify confirms that a resolved issue is fixed. verified is sent only
// when non-nil.
func (s *Service) Verify(ctx context.Context, be Backend, issueID string, verified *bool) (model.Notice, error) {
	res, err := be.Verify(ctx, issueID, backend.VerifyRequest{
		UserID:   be.Credentials().UserID,
		Verified: verified,
	})
	if err != nil {
		s.logger.Warn("verify failed", "issue_id", issueID, "error", err)
		return model.Notice{Level: model.NoticeError, Message: backend.UserMessage(err, MsgVerifyFailed)}, err
	}
	s.invalidate(ctx)
	return s.success(MsgVerified, res), nil
}

// CanVerify reports whether the verify action should be offered. It is a
// display gate only; the backend decides.
func CanVerify(issue *model.Issue, role model.Role, callerID string) bool {
	if issue == nil {
		return false
	}
	return issue.Status == model.StatusResolved &&
		role == model.RoleCitizen &&
		callerID != "" &&
		callerID != issue.ReporterID
}

func (s *Service) success(msg string, res *backend.ActionResult) model.Notice {
	n := model.Notice{Level: model.NoticeSuccess, Message: msg}
	if res != nil {
		n.Link = res.Confirmation.ExplorerURL(s.explorerURL)
	}
	return n
}

func (s *Service) invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx); err != nil {
		s.logger.Warn("issue cache invalidation failed", "error", err)
	}
}
