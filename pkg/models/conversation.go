package models

import "strings"

// Conversation types.
const (
	ConversationDirect = "direct"
	ConversationGroup  = "group"
)

// ConversationKey identifies a conversation: either a group id, or an
// unordered pair of user ids normalized so that UserA <= UserB.
type ConversationKey struct {
	GroupID string
	UserA   string
	UserB   string
}

// DirectKey builds the key for a two-party conversation. The pair is
// unordered; DirectKey(a, b) equals DirectKey(b, a).
func DirectKey(a, b string) ConversationKey {
	if b < a {
		a, b = b, a
	}
	return ConversationKey{UserA: a, UserB: b}
}

// GroupKey builds the key for a group conversation.
func GroupKey(groupID string) ConversationKey {
	return ConversationKey{GroupID: groupID}
}

// IsGroup reports whether the key addresses a group conversation.
func (k ConversationKey) IsGroup() bool { return k.GroupID != "" }

// IsZero reports whether the key is empty.
func (k ConversationKey) IsZero() bool {
	return k.GroupID == "" && k.UserA == "" && k.UserB == ""
}

// Matches reports whether the message belongs to this conversation. For
// direct keys the message must involve exactly the two participants; a
// broader either-side query result is narrowed through this predicate.
func (k ConversationKey) Matches(m Message) bool {
	if k.IsGroup() {
		return m.GroupID == k.GroupID
	}
	if m.GroupID != "" {
		return false
	}
	return (m.Sender == k.UserA && m.Receiver == k.UserB) ||
		(m.Sender == k.UserB && m.Receiver == k.UserA)
}

// String renders a stable textual form used for logging and poll state.
func (k ConversationKey) String() string {
	if k.IsZero() {
		return ""
	}
	if k.IsGroup() {
		return "group:" + k.GroupID
	}
	return "direct:" + k.UserA + "|" + k.UserB
}

// ParseKey parses the String form back into a key.
func ParseKey(s string) (ConversationKey, bool) {
	if rest, ok := strings.CutPrefix(s, "group:"); ok && rest != "" {
		return GroupKey(rest), true
	}
	if rest, ok := strings.CutPrefix(s, "direct:"); ok {
		a, b, found := strings.Cut(rest, "|")
		if found && a != "" && b != "" {
			return DirectKey(a, b), true
		}
	}
	return ConversationKey{}, false
}

// Group is the stored metadata for a group conversation.
type Group struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Members   []string `json:"members"`
	CreatedBy string   `json:"created_by"`
	CreatedAt int64    `json:"created_at"`
}

// HasMember reports whether userID belongs to the group.
func (g Group) HasMember(userID string) bool {
	for _, m := range g.Members {
		if m == userID {
			return true
		}
	}
	return false
}

// Conversation is a derived view, recomputed on every fetch or poll
// cycle; it is never persisted as its own record.
type Conversation struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	Participants []string `json:"participants"`
	GroupInfo    *Group   `json:"group_info,omitempty"`
	LastMessage  *Message `json:"last_message,omitempty"`
	UnreadCount  int      `json:"unread_count"`
}

// Key derives the conversation key as seen by the given viewer. Direct
// conversations list only the peer in Participants.
func (c Conversation) Key(viewer string) ConversationKey {
	if c.Type == ConversationGroup && c.GroupInfo != nil {
		return GroupKey(c.GroupInfo.ID)
	}
	if len(c.Participants) == 0 {
		return ConversationKey{}
	}
	return DirectKey(viewer, c.Participants[0])
}
