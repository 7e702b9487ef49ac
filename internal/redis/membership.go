package redis

import (
	"context"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// group:{group_id}:members is a set of user ids kept current by the service
// that owns groups. The relay and crypto service only read it.
const groupMembersKeyPrefix = "group:"

func groupMembersKey(groupID uuid.UUID) string {
	return groupMembersKeyPrefix + groupID.String() + ":members"
}

// MembershipStore answers group membership from Redis.
type MembershipStore struct {
	client goredis.UniversalClient
}

func NewMembershipStore(client goredis.UniversalClient) *MembershipStore {
	return &MembershipStore{client: client}
}

func (m *MembershipStore) IsMember(ctx context.Context, groupID, userID uuid.UUID) (bool, error) {
	return m.client.SIsMember(ctx, groupMembersKey(groupID), userID.String()).Result()
}

func (m *MembershipStore) AddMembers(ctx context.Context, groupID uuid.UUID, userIDs ...uuid.UUID) error {
	if len(userIDs) == 0 {
		return nil
	}
	members := make([]interface{}, len(userIDs))
	for i, id := range userIDs {
		members[i] = id.String()
	}
	return m.client.SAdd(ctx, groupMembersKey(groupID), members...).Err()
}

func (m *MembershipStore) RemoveMember(ctx context.Context, groupID, userID uuid.UUID) error {
	return m.client.SRem(ctx, groupMembersKey(groupID), userID.String()).Err()
}
