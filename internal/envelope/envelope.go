// Package envelope decodes and normalizes the document-match envelopes
// delivered on the subscription subject.
//
// Upstream processors have historically emitted three different payload
// layouts, so normalization probes several locations for the correlation
// ids and the matches array before giving up. Only user_id and
// subscription_id are semantically required after normalization; everything
// else is defaulted or synthesized.
package envelope

import "encoding/json"

// Match is one (prompt, documents) pair inside an envelope. Documents stay
// as raw maps here — per-processor schemas are applied later, and unknown
// keys must survive into the notification metadata blob.
type Match struct {
	Prompt    string                   `json:"prompt"`
	Documents []map[string]interface{} `json:"documents"`
}

// Normalized is the canonical envelope produced by Normalize. It carries
// the original bytes so poisonous payloads can be dead-lettered verbatim.
type Normalized struct {
	Raw            json.RawMessage `json:"-"`
	ProcessorType  string          `json:"processor_type"`
	TraceID        string          `json:"trace_id"`
	UserID         string          `json:"user_id"`
	SubscriptionID string          `json:"subscription_id"`
	Prompts        []string        `json:"prompts,omitempty"`
	Matches        []Match         `json:"matches"`
}

// Canonical renders the normalized envelope back into the current wire
// layout. Normalizing the result yields the same Normalized value, which is
// what makes normalization a fixed point.
func (n *Normalized) Canonical() []byte {
	doc := map[string]interface{}{
		"processor_type": n.ProcessorType,
		"trace_id":       n.TraceID,
		"request": map[string]interface{}{
			"user_id":         n.UserID,
			"subscription_id": n.SubscriptionID,
			"prompts":         n.Prompts,
		},
		"results": map[string]interface{}{
			"matches": n.Matches,
		},
	}
	b, _ := json.Marshal(doc)
	return b
}
