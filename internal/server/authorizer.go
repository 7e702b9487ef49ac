package server

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"sentinal-e2ee/internal/events"
	"sentinal-e2ee/internal/services"
	sentinal_errors "sentinal-e2ee/pkg/errors"
)

// ChannelAuthorizer decides which channels a connection may subscribe to:
// its own user channel, and group channels of groups the user belongs to.
type ChannelAuthorizer struct {
	members services.MembershipChecker
}

func NewChannelAuthorizer(members services.MembershipChecker) *ChannelAuthorizer {
	return &ChannelAuthorizer{members: members}
}

func (a *ChannelAuthorizer) CanSubscribe(ctx context.Context, userID uuid.UUID, channel string) error {
	kind, id, err := events.ParseChannel(channel)
	if err != nil {
		return sentinal_errors.Wrap(sentinal_errors.ErrValidation, err)
	}
	switch kind {
	case events.ChannelUser:
		if id != userID {
			return sentinal_errors.ErrAccessDenied
		}
		return nil
	case events.ChannelGroup:
		return a.checkMember(ctx, id, userID)
	}
	return sentinal_errors.ErrAccessDenied
}

// checkMember allows everything when no membership checker is configured.
func (a *ChannelAuthorizer) checkMember(ctx context.Context, groupID, userID uuid.UUID) error {
	if a.members == nil {
		return nil
	}
	ok, err := a.members.IsMember(ctx, groupID, userID)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return sentinal_errors.Wrap(sentinal_errors.ErrServiceUnavailable, err)
	}
	if !ok {
		return sentinal_errors.ErrAccessDenied
	}
	return nil
}
