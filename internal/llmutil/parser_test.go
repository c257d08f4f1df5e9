package llmutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Action     string   `json:"action"`
	Confidence *float64 `json:"confidence"`
}

func TestExtractJSON(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"plain object", `{"a":1}`, `{"a":1}`},
		{"fenced json", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"fenced no tag", "```\n[1,2]\n```", `[1,2]`},
		{"conversational prefix", `Sure! Here it is: {"a":1} hope that helps`, `{"a":1}`},
		{"array in prose", `result: [1, 2] done`, `[1, 2]`},
		{"whitespace", "  \n {\"a\":1}\n ", `{"a":1}`},
		{"no json", "nothing here", "nothing here"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, ExtractJSON(tc.input))
		})
	}
}

func TestParseJSONResponse(t *testing.T) {
	t.Run("tolerates unknown fields", func(t *testing.T) {
		out, err := ParseJSONResponse[sample](`{"action":"CLICK","confidence":0.4,"extra":true}`)
		require.NoError(t, err)
		assert.Equal(t, "CLICK", out.Action)
		require.NotNil(t, out.Confidence)
		assert.InDelta(t, 0.4, *out.Confidence, 1e-9)
	})

	t.Run("empty response", func(t *testing.T) {
		_, err := ParseJSONResponse[sample]("   ")
		assert.ErrorIs(t, err, ErrEmptyResponse)
	})

	t.Run("invalid json", func(t *testing.T) {
		_, err := ParseJSONResponse[sample](`{"action":`)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to unmarshal LLM JSON response")
	})
}

func TestDecodeStrict(t *testing.T) {
	t.Run("exact document", func(t *testing.T) {
		out, err := DecodeStrict[sample]("```json\n{\"action\":\"NONE\",\"confidence\":0}\n```")
		require.NoError(t, err)
		assert.Equal(t, "NONE", out.Action)
		require.NotNil(t, out.Confidence)
	})

	t.Run("unknown field rejected", func(t *testing.T) {
		_, err := DecodeStrict[sample](`{"action":"CLICK","confidence":0.9,"guess":"x"}`)
		require.Error(t, err)
	})

	t.Run("type mismatch rejected", func(t *testing.T) {
		_, err := DecodeStrict[sample](`{"action":"CLICK","confidence":"high"}`)
		require.Error(t, err)
	})

	t.Run("missing field stays nil", func(t *testing.T) {
		out, err := DecodeStrict[sample](`{"action":"CLICK"}`)
		require.NoError(t, err)
		assert.Nil(t, out.Confidence)
	})

	t.Run("prose only", func(t *testing.T) {
		_, err := DecodeStrict[sample](`I could not find anything.`)
		require.Error(t, err)
	})
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "", truncateString("abc", 0))
	assert.Equal(t, "abc", truncateString("abc", 5))
	assert.Equal(t, "ab...", truncateString("abcdef", 2))
}
