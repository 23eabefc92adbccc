package engagement

import (
	"context"
	"errors"
	"fmt"

	"github.com/civicchain/civic-gateway/internal/backend"
	"github.com/civicchain/civic-gateway/internal/model"
)

var (
	// ErrNoChanges means the requested status equals the current one and
	// no proof was attached, so there is nothing to send.
	ErrNoChanges = errors.New("engagement: no changes")

	// ErrInvalidStatus is returned for targets staff may not set.
	ErrInvalidStatus = errors.New("engagement: status cannot be set")
)

// StatusChange is a government user's edit of an issue's status.
type StatusChange struct {
	Target model.Status
	Proof  *model.Image
}

// UpdateStatus applies change to issue. An unchanged status without a
// proof photo is suppressed locally.
func (s *Service) UpdateStatus(ctx context.Context, be Backend, issue *model.Issue, change StatusChange) (model.Notice, error) {
	if !change.Target.Settable() {
		err := fmt.Errorf("%w: %q", ErrInvalidStatus, change.Target)
		return model.Notice{Level: model.NoticeError, Message: fmt.Sprintf("Status %q cannot be set", change.Target)}, err
	}
	if change.Proof != nil {
		if !change.Proof.IsImage() || len(change.Proof.Data) > model.MaxImageSize {
			err := fmt.Errorf("%w: proof must be an image under %d bytes", ErrInvalidStatus, model.MaxImageSize)
			return model.Notice{Level: model.NoticeError, Message: "Proof must be an image of at most 10MB"}, err
		}
	}
	if change.Target == issue.Status && change.Proof == nil {
		return model.Notice{Level: model.NoticeInfo, Message: MsgNoChanges}, ErrNoChanges
	}

	res, err := be.UpdateStatus(ctx, issue.ID, backend.StatusUpdate{
		Status: change.Target,
		Proof:  change.Proof,
	})
	if err != nil {
		s.logger.Warn("status update failed", "issue_id", issue.ID, "target", change.Target, "error", err)
		return model.Notice{Level: model.NoticeError, Message: backend.UserMessage(err, MsgStatusFailed)}, err
	}
	s.invalidate(ctx)
	return s.success(MsgStatusUpdated, res), nil
}
