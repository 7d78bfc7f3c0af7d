package envelope

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func TestNormalize_InvalidJSON(t *testing.T) {
	_, err := Normalize([]byte("{not json"), zaptest.NewLogger(t))

	var parseErr *ParseError
	require.True(t, errors.As(err, &parseErr))
	assert.Equal(t, "ParseError", parseErr.Name())
}

func TestNormalize_MissingProcessorType(t *testing.T) {
	raw := []byte(`{"user_id": "u1", "subscription_id": "s1"}`)
	_, err := Normalize(raw, zaptest.NewLogger(t))

	var unknownErr *UnknownProcessorTypeError
	require.True(t, errors.As(err, &unknownErr))
	assert.Empty(t, unknownErr.Tag)
}

func TestNormalize_LegacySourceKey(t *testing.T) {
	raw := []byte(`{
		"source": "boe",
		"request": {"user_id": "u1", "subscription_id": "s1"},
		"results": {"matches": [{"prompt": "p1", "documents": [{"title": "x"}]}]}
	}`)
	env, err := Normalize(raw, zaptest.NewLogger(t))

	require.NoError(t, err)
	assert.Equal(t, "boe", env.ProcessorType)
}

func TestNormalize_MissingIDs(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		field string
	}{
		{
			name:  "no user_id anywhere",
			raw:   `{"processor_type": "boe", "request": {"subscription_id": "s1"}}`,
			field: "user_id",
		},
		{
			name:  "no subscription_id anywhere",
			raw:   `{"processor_type": "boe", "user_id": "u1"}`,
			field: "subscription_id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize([]byte(tt.raw), zaptest.NewLogger(t))

			var validationErr *ValidationError
			require.True(t, errors.As(err, &validationErr))
			assert.Equal(t, tt.field, validationErr.Field)
		})
	}
}

func TestNormalize_IDProbing(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantUser   string
		wantSubID  string
	}{
		{
			name: "request scope wins",
			raw: `{"processor_type": "boe", "user_id": "top",
				"request": {"user_id": "req", "subscription_id": "s-req"},
				"context": {"user_id": "ctx"}}`,
			wantUser:  "req",
			wantSubID: "s-req",
		},
		{
			name: "top level over context",
			raw: `{"processor_type": "boe", "user_id": "top", "subscription_id": "s-top",
				"context": {"user_id": "ctx", "subscription_id": "s-ctx"}}`,
			wantUser:  "top",
			wantSubID: "s-top",
		},
		{
			name: "context as last resort",
			raw: `{"processor_type": "boe",
				"context": {"user_id": "ctx", "subscription_id": "s-ctx"}}`,
			wantUser:  "ctx",
			wantSubID: "s-ctx",
		},
		{
			name: "numeric ids coerced to decimal strings",
			raw: `{"processor_type": "boe",
				"request": {"user_id": 42, "subscription_id": 7001}}`,
			wantUser:  "42",
			wantSubID: "7001",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := Normalize([]byte(tt.raw), zaptest.NewLogger(t))

			require.NoError(t, err)
			assert.Equal(t, tt.wantUser, env.UserID)
			assert.Equal(t, tt.wantSubID, env.SubscriptionID)
		})
	}
}

func TestNormalize_TraceIDSynthesized(t *testing.T) {
	raw := []byte(`{"processor_type": "boe", "request": {"user_id": "u1", "subscription_id": "s1"}}`)
	env, err := Normalize(raw, zaptest.NewLogger(t))

	require.NoError(t, err)
	assert.NotEmpty(t, env.TraceID)

	// A second envelope must not reuse the synthesized id.
	env2, err := Normalize(raw, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.NotEqual(t, env.TraceID, env2.TraceID)
}

func TestLocateMatches_CurrentLayout(t *testing.T) {
	raw := []byte(`{
		"processor_type": "boe", "trace_id": "t1",
		"request": {"user_id": "u1", "subscription_id": "s1"},
		"results": {"matches": [
			{"prompt": "p1", "documents": [{"title": "a"}, {"title": "b"}]},
			{"prompt": "p2", "documents": [{"title": "c"}]}
		]}
	}`)
	core, logs := observer.New(zapcore.WarnLevel)
	env, err := Normalize(raw, zap.New(core))

	require.NoError(t, err)
	require.Len(t, env.Matches, 2)
	assert.Equal(t, "p1", env.Matches[0].Prompt)
	assert.Len(t, env.Matches[0].Documents, 2)
	// The current layout needs no recovery, so no warnings.
	assert.Zero(t, logs.Len())
}

func TestLocateMatches_LegacyFirstResult(t *testing.T) {
	raw := []byte(`{
		"processor_type": "boe", "trace_id": "t1",
		"request": {"user_id": "u1", "subscription_id": "s1"},
		"results": {"results": [
			{"matches": [{"prompt": "p1", "documents": [{"title": "a"}]}]}
		]}
	}`)
	core, logs := observer.New(zapcore.WarnLevel)
	env, err := Normalize(raw, zap.New(core))

	require.NoError(t, err)
	require.Len(t, env.Matches, 1)
	assert.Equal(t, "p1", env.Matches[0].Prompt)

	entries := logs.FilterMessageSnippet("legacy location").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "t1", entries[0].ContextMap()["trace_id"])
}

func TestLocateMatches_FlattenNestedResults(t *testing.T) {
	raw := []byte(`{
		"processor_type": "boe", "trace_id": "t1",
		"request": {"user_id": "u1", "subscription_id": "s1", "prompts": ["envelope prompt"]},
		"results": {"results": [
			{"prompt": "result prompt", "matches": [{"documents": [{"title": "a"}]}]},
			{"matches": [{"documents": [{"title": "b"}]}]}
		]}
	}`)
	env, err := Normalize(raw, zaptest.NewLogger(t))

	require.NoError(t, err)
	require.Len(t, env.Matches, 2)
	// Per-result prompt is copied onto promptless matches; when the result
	// has none either, the envelope prompt steps in.
	assert.Equal(t, "result prompt", env.Matches[0].Prompt)
	assert.Equal(t, "envelope prompt", env.Matches[1].Prompt)
}

func TestLocateMatches_ResultsAsMatchesArray(t *testing.T) {
	raw := []byte(`{
		"processor_type": "boe", "trace_id": "t1",
		"request": {"user_id": "u1", "subscription_id": "s1"},
		"results": {"results": [
			{"prompt": "p1", "documents": [{"title": "a"}]}
		]}
	}`)
	env, err := Normalize(raw, zaptest.NewLogger(t))

	require.NoError(t, err)
	require.Len(t, env.Matches, 1)
	assert.Equal(t, "p1", env.Matches[0].Prompt)
	assert.Len(t, env.Matches[0].Documents, 1)
}

func TestLocateMatches_SynthesizeEmptyMatch(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantPrompt string
	}{
		{
			name: "no results at all, envelope prompt used",
			raw: `{"processor_type": "boe",
				"request": {"user_id": "u1", "subscription_id": "s1", "prompts": ["first"]}}`,
			wantPrompt: "first",
		},
		{
			name: "no results and no prompts, default prompt",
			raw: `{"processor_type": "boe",
				"request": {"user_id": "u1", "subscription_id": "s1"}}`,
			wantPrompt: DefaultPrompt,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := Normalize([]byte(tt.raw), zaptest.NewLogger(t))

			require.NoError(t, err)
			require.Len(t, env.Matches, 1)
			assert.Equal(t, tt.wantPrompt, env.Matches[0].Prompt)
			assert.Empty(t, env.Matches[0].Documents)
		})
	}
}

// Normalizing a canonical envelope must reproduce the same value: once an
// envelope is in the current layout, normalization is a fixed point.
func TestNormalize_CanonicalFixedPoint(t *testing.T) {
	raw := []byte(`{
		"processor_type": "real-estate", "trace_id": "t-fixed",
		"request": {"user_id": "u1", "subscription_id": "s1", "prompts": ["pisos en Madrid"]},
		"results": {"results": [
			{"prompt": "pisos en Madrid", "matches": [{"documents": [{"title": "Piso céntrico"}]}]}
		]}
	}`)
	first, err := Normalize(raw, zaptest.NewLogger(t))
	require.NoError(t, err)

	second, err := Normalize(first.Canonical(), zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.Equal(t, first.ProcessorType, second.ProcessorType)
	assert.Equal(t, first.TraceID, second.TraceID)
	assert.Equal(t, first.UserID, second.UserID)
	assert.Equal(t, first.SubscriptionID, second.SubscriptionID)
	assert.Equal(t, first.Matches, second.Matches)
}

func TestDecodeMatches_SkipsNoise(t *testing.T) {
	var v interface{}
	require.NoError(t, json.Unmarshal([]byte(`[
		{"prompt": "keep", "documents": [{"title": "a"}]},
		"not an object",
		{},
		{"documents": [{"title": "b"}]}
	]`), &v))

	ms := decodeMatches(v)

	require.Len(t, ms, 2)
	assert.Equal(t, "keep", ms[0].Prompt)
	assert.Empty(t, ms[1].Prompt)
}
