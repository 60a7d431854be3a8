package ledger

import (
	"encoding/json"
	"fmt"

	"chainmsg/pkg/models"
)

// row is the loosely-typed shape of a ledger result row. Conversion to
// the canonical Message happens only through rowToMessage, which
// validates required fields instead of letting malformed rows drift
// inward.
type row struct {
	ID          string   `json:"id"`
	Sender      string   `json:"sender"`
	Receiver    string   `json:"receiver"`
	GroupID     string   `json:"group_id"`
	Content     string   `json:"content"`
	Timestamp   int64    `json:"timestamp"`
	ReadBy      []string `json:"read_by"`
	ContentHash string   `json:"content_hash"`
}

func messageToRow(m models.Message) row {
	return row{
		ID:          m.ID,
		Sender:      m.Sender,
		Receiver:    m.Receiver,
		GroupID:     m.GroupID,
		Content:     m.Content,
		Timestamp:   m.Timestamp,
		ReadBy:      m.ReadBy,
		ContentHash: m.ContentHash,
	}
}

// rowToMessage converts one result row into the canonical Message,
// rejecting rows that violate the record invariants.
func rowToMessage(raw json.RawMessage) (models.Message, error) {
	var r row
	if err := json.Unmarshal(raw, &r); err != nil {
		return models.Message{}, fmt.Errorf("invalid row JSON: %w", err)
	}
	if r.ID == "" {
		return models.Message{}, fmt.Errorf("row missing id")
	}
	if r.Sender == "" {
		return models.Message{}, fmt.Errorf("row %s missing sender", r.ID)
	}
	if r.Timestamp <= 0 {
		return models.Message{}, fmt.Errorf("row %s has invalid timestamp %d", r.ID, r.Timestamp)
	}
	if (r.Receiver == "") == (r.GroupID == "") {
		return models.Message{}, fmt.Errorf("row %s must set exactly one of receiver and group_id", r.ID)
	}
	m := models.Message{
		ID:          r.ID,
		Sender:      r.Sender,
		Receiver:    r.Receiver,
		GroupID:     r.GroupID,
		Content:     r.Content,
		Timestamp:   r.Timestamp,
		ReadBy:      r.ReadBy,
		ContentHash: r.ContentHash,
	}
	// read_by always includes the sender; repair rows written by older
	// clients that omitted it.
	m.AddReader(m.Sender)
	return m, nil
}
