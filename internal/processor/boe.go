package processor

import (
	"go.uber.org/zap"

	"github.com/lexwatch/notification-worker/internal/envelope"
	"github.com/lexwatch/notification-worker/internal/repository/db"
)

const defaultBOELink = "https://www.boe.es"

// BOEProcessor transforms government-bulletin matches (Boletín Oficial del
// Estado) into notification candidates.
type BOEProcessor struct {
	logger *zap.Logger
}

// NewBOEProcessor creates a BOEProcessor.
func NewBOEProcessor(logger *zap.Logger) *BOEProcessor {
	return &BOEProcessor{logger: logger}
}

func (p *BOEProcessor) Type() string { return "boe" }

func (p *BOEProcessor) RequiresDatabase() bool { return true }

// ValidateAndTransform coerces each matched bulletin document: summaries and
// links get BOE defaults, titles are selected deterministically, and
// bulletin-specific fields are folded into the metadata blob.
func (p *BOEProcessor) ValidateAndTransform(env *envelope.Normalized) (*SubscriptionResult, error) {
	result := &SubscriptionResult{
		ProcessorType:  p.Type(),
		UserID:         env.UserID,
		SubscriptionID: env.SubscriptionID,
		TraceID:        env.TraceID,
	}

	for _, match := range env.Matches {
		for _, raw := range match.Documents {
			doc := document(raw)
			if len(doc) == 0 {
				result.Invalid++
				p.logger.Warn("skipping empty bulletin document",
					zap.String("trace_id", env.TraceID),
					zap.String("prompt", match.Prompt),
				)
				continue
			}
			doc.fillTitles()

			sourceURL := doc.link("html")
			if sourceURL == "" {
				sourceURL = defaultBOELink
			}

			meta := baseMetadata(doc, p.Type(), match.Prompt, env.TraceID)
			if bt := doc.str("bulletin_type"); bt != "" {
				meta["bulletin_type"] = bt
			}
			if pdf := doc.link("pdf"); pdf != "" {
				meta["pdf_url"] = pdf
			}

			result.Candidates = append(result.Candidates, Candidate{
				Notification: db.InsertNotificationParams{
					UserID:         env.UserID,
					SubscriptionID: env.SubscriptionID,
					Title:          selectTitle(doc, p.Type(), match.Prompt),
					Content:        doc.summary(),
					SourceURL:      sourceURL,
					EntityType:     entityType(p.Type(), doc),
					Metadata:       meta,
				},
				DocumentID: doc.str("document_id"),
			})
		}
	}

	return result, nil
}
