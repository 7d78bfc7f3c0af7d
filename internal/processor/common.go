package processor

import (
	"fmt"
	"strings"
)

const (
	maxTitleLen    = 80
	maxSummaryLen  = 200
	promptPrefixAt = 30

	defaultSummary = "No hay resumen disponible."
)

// document wraps one raw matched document and gives typed access to the
// generic fields every processor coerces.
type document map[string]interface{}

func (d document) str(key string) string {
	s, _ := d[key].(string)
	return strings.TrimSpace(s)
}

func (d document) num(key string) (float64, bool) {
	n, ok := d[key].(float64)
	return n, ok
}

// link returns links.<key>, tolerating a missing or malformed links block.
func (d document) link(key string) string {
	links, _ := d["links"].(map[string]interface{})
	if links == nil {
		return ""
	}
	s, _ := links[key].(string)
	return strings.TrimSpace(s)
}

// fillTitles copies title and notification_title onto each other when one
// side is missing, so downstream selection sees both.
func (d document) fillTitles() {
	title := d.str("title")
	notifTitle := d.str("notification_title")
	if title == "" && notifTitle != "" {
		d["title"] = notifTitle
	}
	if notifTitle == "" && title != "" {
		d["notification_title"] = title
	}
}

// summary returns the document summary, defaulted and truncated.
func (d document) summary() string {
	s := d.str("summary")
	if s == "" {
		s = defaultSummary
	}
	return truncateEllipsis(s, maxSummaryLen)
}

// usableTitle rejects the placeholder garbage upstream occasionally emits:
// titles of three characters or fewer, the literal "string", and anything
// containing "notification" (which would be the template echoing itself).
func usableTitle(s string) bool {
	s = strings.TrimSpace(s)
	if len([]rune(s)) <= 3 {
		return false
	}
	if s == "string" {
		return false
	}
	return !strings.Contains(s, "notification")
}

// selectTitle picks the notification title deterministically:
//
//  1. notification_title when usable;
//  2. else title when usable;
//  3. else "<document_type>[ de <issuing_body>][ (<publication_date>)]";
//  4. else `Alerta <processor_type>: "<prompt prefix>"`.
//
// The result is always clamped to 80 visible characters.
func selectTitle(d document, processorType, prompt string) string {
	if t := d.str("notification_title"); usableTitle(t) {
		return truncateEllipsis(t, maxTitleLen)
	}
	if t := d.str("title"); usableTitle(t) {
		return truncateEllipsis(t, maxTitleLen)
	}

	if docType := d.str("document_type"); docType != "" {
		title := docType
		if issuer := d.str("issuing_body"); issuer != "" {
			title += " de " + issuer
		}
		if date := d.str("publication_date"); date != "" {
			title += " (" + date + ")"
		}
		return truncateEllipsis(title, maxTitleLen)
	}

	title := fmt.Sprintf("Alerta %s: %q", processorType, promptPrefix(prompt))
	return truncateEllipsis(title, maxTitleLen)
}

// promptPrefix trims the prompt and ellipsises it past 30 characters.
func promptPrefix(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	runes := []rune(prompt)
	if len(runes) <= promptPrefixAt {
		return prompt
	}
	return string(runes[:promptPrefixAt]) + "..."
}

// entityType derives the stored entity_type tag:
// processor_type + ":" + lowercased document_type, or "document" when the
// document carries no type.
func entityType(processorType string, d document) string {
	docType := d.str("document_type")
	if docType == "" {
		docType = "document"
	}
	return processorType + ":" + strings.ToLower(docType)
}

// truncateEllipsis clamps s to max visible characters, ellipsising when it
// has to cut ("..." counts toward the limit).
func truncateEllipsis(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}

// knownDocumentKeys are the fields the coercion layer consumes; anything
// else on a document is an unknown upstream extra and is preserved into the
// metadata blob verbatim.
var knownDocumentKeys = map[string]bool{
	"document_type":      true,
	"title":              true,
	"notification_title": true,
	"summary":            true,
	"relevance_score":    true,
	"links":              true,
	"prompt":             true,
	"document_id":        true,
}

// baseMetadata builds the flat metadata map common to every processor and
// folds in any unknown document keys.
func baseMetadata(d document, processorType, prompt, traceID string) map[string]interface{} {
	meta := map[string]interface{}{
		"prompt":         prompt,
		"document_type":  d.str("document_type"),
		"original_title": d.str("title"),
		"processor_type": processorType,
		"trace_id":       traceID,
	}
	if relevance, ok := d.num("relevance_score"); ok {
		meta["relevance"] = relevance
	}
	for _, key := range []string{"publication_date", "issuing_body", "section", "department"} {
		if v := d.str(key); v != "" {
			meta[key] = v
		}
	}
	if id := d.str("document_id"); id != "" {
		meta["document_id"] = id
	}
	for key, v := range d {
		if !knownDocumentKeys[key] {
			if _, taken := meta[key]; !taken {
				meta[key] = v
			}
		}
	}
	return meta
}
