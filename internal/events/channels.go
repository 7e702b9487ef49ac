package events

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	ChannelPrefixUser  = "channel:user:"
	ChannelPrefixGroup = "channel:group:"
)

func UserChannel(userID uuid.UUID) string {
	return ChannelPrefixUser + userID.String()
}

func GroupChannel(groupID uuid.UUID) string {
	return ChannelPrefixGroup + groupID.String()
}

// ChannelKind distinguishes the two addressable channel families.
type ChannelKind int

const (
	ChannelUser ChannelKind = iota + 1
	ChannelGroup
)

// ParseChannel splits a channel name into its kind and id.
func ParseChannel(name string) (ChannelKind, uuid.UUID, error) {
	var (
		kind ChannelKind
		rest string
	)
	switch {
	case strings.HasPrefix(name, ChannelPrefixUser):
		kind, rest = ChannelUser, strings.TrimPrefix(name, ChannelPrefixUser)
	case strings.HasPrefix(name, ChannelPrefixGroup):
		kind, rest = ChannelGroup, strings.TrimPrefix(name, ChannelPrefixGroup)
	default:
		return 0, uuid.Nil, fmt.Errorf("unsupported channel %q", name)
	}
	id, err := uuid.Parse(rest)
	if err != nil || id == uuid.Nil {
		return 0, uuid.Nil, fmt.Errorf("invalid channel id in %q", name)
	}
	return kind, id, nil
}
