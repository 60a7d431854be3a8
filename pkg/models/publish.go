package models

// PublishMode selects how the content store behaves. The toggle is
// process-wide: either every publish call is real, or every call is
// faked with a locally generated placeholder locator.
type PublishMode int

const (
	// PublishLocal fakes publishing with deterministic-format
	// placeholder locators and no network access.
	PublishLocal PublishMode = iota
	// PublishPinned uploads payloads to the configured pinning service.
	PublishPinned
)

func (m PublishMode) String() string {
	if m == PublishPinned {
		return "pinned"
	}
	return "local"
}

// PublishConfig holds the pinning-service credentials. An absent or
// incomplete config means PublishLocal; there is no partial state.
type PublishConfig struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
}

// Mode derives the effective publish mode from credential presence.
func (c PublishConfig) Mode() PublishMode {
	if c.APIKey != "" && c.SecretKey != "" {
		return PublishPinned
	}
	return PublishLocal
}

// ArchivePayload is the document published to the content store for a
// sent message. Resolved payloads only ever backfill display content;
// they never override the merged record.
type ArchivePayload struct {
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver,omitempty"`
	GroupID   string `json:"group_id,omitempty"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}
