package processor

import (
	"go.uber.org/zap"

	"github.com/lexwatch/notification-worker/internal/envelope"
	"github.com/lexwatch/notification-worker/internal/repository/db"
)

// RealEstateProcessor transforms real-estate listing matches into
// notification candidates.
type RealEstateProcessor struct {
	logger *zap.Logger
}

// NewRealEstateProcessor creates a RealEstateProcessor.
func NewRealEstateProcessor(logger *zap.Logger) *RealEstateProcessor {
	return &RealEstateProcessor{logger: logger}
}

func (p *RealEstateProcessor) Type() string { return "real-estate" }

func (p *RealEstateProcessor) RequiresDatabase() bool { return true }

// ValidateAndTransform coerces each matched listing. Unlike bulletins,
// listings have no default link — a document without links.html cannot be
// routed anywhere and is skipped with a warning, preserving the match.
func (p *RealEstateProcessor) ValidateAndTransform(env *envelope.Normalized) (*SubscriptionResult, error) {
	result := &SubscriptionResult{
		ProcessorType:  p.Type(),
		UserID:         env.UserID,
		SubscriptionID: env.SubscriptionID,
		TraceID:        env.TraceID,
	}

	for _, match := range env.Matches {
		for _, raw := range match.Documents {
			doc := document(raw)

			sourceURL := doc.link("html")
			if sourceURL == "" {
				result.Invalid++
				p.logger.Warn("skipping listing without links.html",
					zap.String("trace_id", env.TraceID),
					zap.String("prompt", match.Prompt),
					zap.String("title", doc.str("title")),
				)
				continue
			}
			doc.fillTitles()

			meta := baseMetadata(doc, p.Type(), match.Prompt, env.TraceID)
			for _, key := range []string{"location", "property_type", "size", "rooms"} {
				if v, ok := doc[key]; ok {
					meta[key] = v
				}
			}
			if price, ok := doc.num("price"); ok {
				meta["price"] = price
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
