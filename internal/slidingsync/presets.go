package slidingsync

const (
	// stateKeyWildcard requests every state key of a type.
	stateKeyWildcard = "*"
	// stateKeyMe requests the state key equal to the syncing user.
	stateKeyMe = "$ME"
	// stateKeyLazy requests lazily-loaded members.
	stateKeyLazy = "$LAZY"

	// ReducedSubscriptionKey names the custom subscription used for
	// unencrypted rooms.
	ReducedSubscriptionKey = "unencrypted_lazy_load"

	subscriptionTimelineLimit = 50
	initialListBound          = 10
)

// baseRequiredState is the state every list and subscription asks for.
var baseRequiredState = []StateKey{
	{"m.room.join_rules", ""},
	{"m.room.avatar", ""},
	{"m.room.canonical_alias", ""},
	{"m.room.tombstone", ""},
	{"m.room.encryption", ""},
	{"m.room.create", ""},
	{"m.space.child", stateKeyWildcard},
	{"m.space.parent", stateKeyWildcard},
	{"m.room.member", stateKeyMe},
	{"m.room.power_levels", ""},

	// calls
	{"org.matrix.msc3401.call", stateKeyWildcard},
	{"org.matrix.msc3401.call.member", stateKeyWildcard},
	{"m.call", stateKeyWildcard},
	{"m.call.member", stateKeyWildcard},

	// emotes and stickers
	{"im.ponies.room_emotes", stateKeyWildcard},
	{"im.ponies.user_emotes", stateKeyWildcard},
	{"m.image_pack", stateKeyWildcard},
	{"m.image_pack.aggregate", stateKeyWildcard},

	{"in.cinny.room.power_level_tags", stateKeyWildcard},
	{"org.matrix.msc3381.poll.response", stateKeyWildcard},
	{"com.famedly.marked_unread", stateKeyWildcard},
}

func withLazyMembers(keys []StateKey) []StateKey {
	out := make([]StateKey, 0, len(keys)+1)
	out = append(out, keys...)

	return append(out, StateKey{"m.room.member", stateKeyLazy})
}

func oldRoomsSubscription() *RoomSubscription {
	return &RoomSubscription{
		TimelineLimit: 0,
		RequiredState: cloneStateKeys(baseRequiredState),
	}
}

// DefaultSubscription is the profile applied to focused rooms.
func DefaultSubscription() RoomSubscription {
	return RoomSubscription{
		TimelineLimit:   subscriptionTimelineLimit,
		RequiredState:   withLazyMembers(baseRequiredState),
		IncludeOldRooms: oldRoomsSubscription(),
	}
}

// ReducedSubscription is the profile applied to unencrypted rooms. It
// currently requests the same state as the default but is registered
// under its own key so the server can treat it separately.
func ReducedSubscription() RoomSubscription {
	return RoomSubscription{
		TimelineLimit:   subscriptionTimelineLimit,
		RequiredState:   withLazyMembers(baseRequiredState),
		IncludeOldRooms: oldRoomsSubscription(),
	}
}

func boolPtr(v bool) *bool { return &v }

func presetList(timelineLimit int, filters *ListFilters) ListDefinition {
	return ListDefinition{
		Ranges:        []Range{{0, initialListBound}},
		TimelineLimit: timelineLimit,
		RequiredState: cloneStateKeys(baseRequiredState),
		Filters:       filters,
	}
}

// InitialLists returns the lists registered when a session starts.
func InitialLists() map[string]ListDefinition {
	return map[string]ListDefinition{
		"spaces":     presetList(0, &ListFilters{RoomTypes: []string{"m.space"}}),
		"invites":    presetList(1, &ListFilters{IsInvite: boolPtr(true)}),
		"favourites": presetList(1, &ListFilters{Tags: []string{"m.favourite"}}),
		"dms": presetList(1, &ListFilters{
			IsDM:     boolPtr(true),
			IsInvite: boolPtr(false),
			NotTags:  []string{"m.favourite", "m.lowpriority"},
		}),
		"untagged": presetList(1, nil),
	}
}

// newListTemplate is the starting point for lists created by ConfigureList.
func newListTemplate() ListDefinition {
	return ListDefinition{
		Ranges:        []Range{{0, 50}},
		Sort:          []string{"by_notification_level", "by_recency"},
		TimelineLimit: 1,
		RequiredState: withLazyMembers(baseRequiredState),
	}
}

func cloneStateKeys(keys []StateKey) []StateKey {
	if keys == nil {
		return nil
	}

	out := make([]StateKey, len(keys))
	copy(out, keys)

	return out
}
