package appointments

import (
	"encoding/json"
	"strings"
	"time"
)

// Cancellation is the annotation merged into an appointment's notes when the
// system cancels it.
type Cancellation struct {
	Reason      string    `json:"reason"`
	CancelledAt time.Time `json:"cancelled_at"`
	CancelledBy string    `json:"cancelled_by"`
}

const (
	CancelReasonExpertNoShow = "expert_no_show"
	CancelledBySystem        = "system"
)

// MergeCancellation folds a cancellation annotation into existing notes.
// JSON object notes gain a "cancellation" key; free text is preserved under "notes".
func MergeCancellation(existing string, c Cancellation) string {
	doc := map[string]any{}
	trimmed := strings.TrimSpace(existing)
	if trimmed != "" {
		if err := json.Unmarshal([]byte(trimmed), &doc); err != nil || doc == nil {
			doc = map[string]any{"notes": existing}
		}
	}
	doc["cancellation"] = c
	out, err := json.Marshal(doc)
	if err != nil {
		return existing
	}
	return string(out)
}

// ParseCancellation extracts the cancellation annotation, if any.
func ParseCancellation(notes string) (*Cancellation, bool) {
	var doc struct {
		Cancellation *Cancellation `json:"cancellation"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(notes)), &doc); err != nil || doc.Cancellation == nil {
		return nil, false
	}
	return doc.Cancellation, true
}
