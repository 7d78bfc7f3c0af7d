package envelope

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultPrompt is stamped onto recovered matches that carry no prompt of
// their own and whose envelope declared none either.
const DefaultPrompt = "Default prompt"

// Normalize decodes raw message bytes into a Normalized envelope.
//
// Steps, in order:
//  1. JSON decode (failure → ParseError).
//  2. Synthesize trace_id if absent.
//  3. Resolve processor_type (falling back to the legacy "source" key).
//  4. Resolve user_id / subscription_id by probing request.*, top-level,
//     then context.* (either missing → ValidationError).
//  5. Locate matches via the five-strategy recovery ladder.
func Normalize(raw []byte, logger *zap.Logger) (*Normalized, error) {
	var env map[string]interface{}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &ParseError{Err: err}
	}

	traceID := stringAt(env, "trace_id")
	if traceID == "" {
		traceID = uuid.NewString()
		logger.Info("envelope without trace_id, synthesized one",
			zap.String("trace_id", traceID),
		)
	}

	processorType := stringAt(env, "processor_type")
	if processorType == "" {
		// Legacy envelopes tagged the producer under "source".
		processorType = stringAt(env, "source")
	}
	if processorType == "" {
		return nil, &UnknownProcessorTypeError{}
	}

	request, _ := env["request"].(map[string]interface{})
	contextBlock, _ := env["context"].(map[string]interface{})

	userID := probeID(request, env, contextBlock, "user_id")
	if userID == "" {
		return nil, &ValidationError{Field: "user_id", Reason: "missing"}
	}
	subscriptionID := probeID(request, env, contextBlock, "subscription_id")
	if subscriptionID == "" {
		return nil, &ValidationError{Field: "subscription_id", Reason: "missing"}
	}

	prompts := stringSliceAt(request, "prompts")

	matches := locateMatches(env, prompts, traceID, logger)

	return &Normalized{
		Raw:            raw,
		ProcessorType:  processorType,
		TraceID:        traceID,
		UserID:         userID,
		SubscriptionID: subscriptionID,
		Prompts:        prompts,
		Matches:        matches,
	}, nil
}

// locateMatches applies the recovery ladder for the matches array. The five
// strategies exist because upstream services historically emitted three
// different layouts; each recovery past (a) logs a warning naming the
// strategy it used.
func locateMatches(env map[string]interface{}, prompts []string, traceID string, logger *zap.Logger) []Match {
	results, _ := env["results"].(map[string]interface{})

	// (a) results.matches — the current layout.
	if ms := decodeMatches(results["matches"]); len(ms) > 0 {
		return ms
	}

	nested, _ := results["results"].([]interface{})

	// (b) results.results[0].matches — legacy location.
	if len(nested) > 0 {
		if first, ok := nested[0].(map[string]interface{}); ok {
			if ms := decodeMatches(first["matches"]); len(ms) > 0 {
				logger.Warn("matches recovered from legacy location results.results[0].matches",
					zap.String("trace_id", traceID),
				)
				return ms
			}
		}
	}

	// (c) flatten every results.results[i].matches, copying the per-result
	// prompt onto each match that has none.
	if len(nested) > 0 {
		var flattened []Match
		for _, item := range nested {
			result, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			prompt := stringAt(result, "prompt")
			for _, m := range decodeMatches(result["matches"]) {
				if m.Prompt == "" {
					m.Prompt = fallbackPrompt(prompt, prompts)
				}
				flattened = append(flattened, m)
			}
		}
		if len(flattened) > 0 {
			logger.Warn("matches recovered by flattening results.results[*].matches",
				zap.String("trace_id", traceID),
			)
			return flattened
		}
	}

	// (d) results.results itself is the matches array.
	if ms := decodeMatches(results["results"]); len(ms) > 0 {
		logger.Warn("matches recovered from results.results treated as matches array",
			zap.String("trace_id", traceID),
		)
		return ms
	}

	// (e) synthesize a single empty match so downstream counting stays
	// well-defined.
	logger.Warn("no matches found in any known location, synthesizing empty match",
		zap.String("trace_id", traceID),
	)
	return []Match{{Prompt: fallbackPrompt("", prompts), Documents: nil}}
}

// decodeMatches converts a raw JSON value into []Match, tolerating entries
// that are not objects. Returns nil when the value has no usable matches.
func decodeMatches(v interface{}) []Match {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	var out []Match
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		match := Match{Prompt: stringAt(m, "prompt")}
		if docs, ok := m["documents"].([]interface{}); ok {
			for _, d := range docs {
				if doc, ok := d.(map[string]interface{}); ok {
					match.Documents = append(match.Documents, doc)
				}
			}
		}
		// An entry with neither prompt nor documents is noise, not a match.
		if match.Prompt == "" && match.Documents == nil {
			continue
		}
		out = append(out, match)
	}
	return out
}

func fallbackPrompt(prompt string, prompts []string) string {
	if p := strings.TrimSpace(prompt); p != "" {
		return p
	}
	if len(prompts) > 0 && strings.TrimSpace(prompts[0]) != "" {
		return strings.TrimSpace(prompts[0])
	}
	return DefaultPrompt
}

// probeID resolves an id by probing request.*, the top level, then
// context.*, coercing numeric ids to their decimal string form.
func probeID(request, top, contextBlock map[string]interface{}, key string) string {
	for _, scope := range []map[string]interface{}{request, top, contextBlock} {
		if scope == nil {
			continue
		}
		if id := coerceString(scope[key]); id != "" {
			return id
		}
	}
	return ""
}

func coerceString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		// JSON numbers arrive as float64; ids are integral in practice.
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func stringAt(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

func stringSliceAt(m map[string]interface{}, key string) []string {
	if m == nil {
		return nil
	}
	items, ok := m[key].([]interface{})
	if !ok {
		return nil
	}
	var out []string
	for _, item := range items {
		if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out
}
