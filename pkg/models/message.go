package models

// Message is the canonical record exchanged between the local cache, the
// remote ledger and the content store. A message is immutable once created
// except for ReadBy, which only ever grows.
type Message struct {
	ID      string `json:"id"`
	Sender  string `json:"sender"`
	// Exactly one of Receiver and GroupID is set.
	Receiver string `json:"receiver,omitempty"`
	GroupID  string `json:"group_id,omitempty"`
	Content  string `json:"content"`
	// Timestamp is assigned once by the sender at creation, in Unix
	// milliseconds, and is the authoritative ordering key.
	Timestamp int64 `json:"timestamp"`
	// ReadBy always contains the sender from creation onward.
	ReadBy []string `json:"read_by"`
	// ContentHash is a content-addressed locator, or a local placeholder
	// locator when publishing ran unconfigured.
	ContentHash string `json:"content_hash,omitempty"`
}

// Conversation returns the key of the conversation this message belongs to.
func (m Message) Conversation() ConversationKey {
	if m.GroupID != "" {
		return GroupKey(m.GroupID)
	}
	return DirectKey(m.Sender, m.Receiver)
}

// ReadByUser reports whether the given user has observed the message.
func (m Message) ReadByUser(userID string) bool {
	for _, r := range m.ReadBy {
		if r == userID {
			return true
		}
	}
	return false
}

// AddReader appends userID to ReadBy if absent and reports whether the
// set changed. Members are never removed.
func (m *Message) AddReader(userID string) bool {
	if m.ReadByUser(userID) {
		return false
	}
	m.ReadBy = append(m.ReadBy, userID)
	return true
}

// MergeReaders unions the other reader set into this message's ReadBy,
// preserving existing order and appending unseen members.
func (m *Message) MergeReaders(other []string) {
	for _, r := range other {
		m.AddReader(r)
	}
}
