package oracle

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/autoapply/api/schemas"
	"github.com/xkilldash9x/autoapply/internal/config"
)

type reply struct {
	out string
	err error
}

// scriptedLLM returns replies in order and records every request.
type scriptedLLM struct {
	mu       sync.Mutex
	replies  []reply
	requests []schemas.GenerationRequest
}

func (s *scriptedLLM) Generate(_ context.Context, req schemas.GenerationRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.replies) == 0 {
		return "", errors.New("no scripted reply")
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r.out, r.err
}

func (s *scriptedLLM) Close() error { return nil }

func testOracleConfig() config.OracleConfig {
	return config.OracleConfig{
		CallTimeout:          time.Second,
		RateLimit:            1000,
		Burst:                10,
		MaxDOMChars:          500,
		MaxScreenshotBytes:   64 * 1024,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     2 * time.Millisecond,
	}
}

func newTestClient(t *testing.T, llm *scriptedLLM) *Client {
	t.Helper()
	c, err := New(llm, testOracleConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	return c
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, testOracleConfig(), zap.NewNop())
	assert.ErrorContains(t, err, "llm client cannot be nil")
	_, err = New(&scriptedLLM{}, testOracleConfig(), nil)
	assert.ErrorContains(t, err, "logger cannot be nil")
}

func TestClassify_ValidDecisions(t *testing.T) {
	ctx := context.Background()

	t.Run("obstruction", func(t *testing.T) {
		llm := &scriptedLLM{replies: []reply{{out: "```json\n{\"obstruction_present\":true,\"obstruction_selector\":\"#close\",\"action\":\"click\",\"confidence\":0.8,\"rationale\":\"newsletter popup\"}\n```"}}}
		c := newTestClient(t, llm)

		d := c.Classify(ctx, Snapshot{DOM: "<div id=close>x</div>"}, schemas.GoalFindObstruction, Hints{})
		assert.True(t, d.ObstructionPresent)
		assert.Equal(t, "#close", d.ObstructionSelector)
		assert.Equal(t, schemas.ActionClick, d.Action)
		assert.InDelta(t, 0.8, d.Confidence, 1e-9)
		assert.False(t, d.Degraded)
		assert.Equal(t, schemas.TierFast, llm.requests[0].Tier)
		assert.EqualValues(t, 1, c.Invocations())
	})

	t.Run("apply target", func(t *testing.T) {
		llm := &scriptedLLM{replies: []reply{{out: `{"target_found":true,"target_selector":"a.apply","target_url":"https://jobs.example.com/apply/1","action":"CLICK","confidence":0.93}`}}}
		c := newTestClient(t, llm)

		d := c.Classify(ctx, Snapshot{DOM: "<a class=apply>Apply</a>"}, schemas.GoalFindApplyTarget, Hints{PageURL: "https://jobs.example.com/1"})
		assert.True(t, d.TargetFound)
		assert.Equal(t, "a.apply", d.TargetSelector)
		assert.Equal(t, schemas.TierPowerful, llm.requests[0].Tier)
		assert.True(t, llm.requests[0].Options.ForceJSONFormat)
		assert.Contains(t, llm.requests[0].UserPrompt, "Page URL: https://jobs.example.com/1")
	})

	t.Run("form fields", func(t *testing.T) {
		llm := &scriptedLLM{replies: []reply{{out: `{"action":"FILL","confidence":0.9,"fields":[
			{"selector":"#email","kind":"email","label":"Email","profile_attribute":"email","value":"a@b.c","required":true,"confidence":0.95},
			{"selector":"#cv","kind":"FILE","required":false,"confidence":0.6}]}`}}}
		c := newTestClient(t, llm)

		d := c.Classify(ctx, Snapshot{DOM: "<form></form>"}, schemas.GoalMapFormFields, Hints{Profile: map[string]string{"email": "a@b.c"}})
		require.Len(t, d.Fields, 2)
		assert.Equal(t, schemas.FieldEmail, d.Fields[0].Kind)
		assert.True(t, d.Fields[0].Required)
		assert.Equal(t, schemas.FieldFile, d.Fields[1].Kind)
		assert.Contains(t, llm.requests[0].UserPrompt, `"profile":{"email":"a@b.c"}`)
	})
}

func TestClassify_MalformedOutputDegrades(t *testing.T) {
	testCases := []struct {
		name string
		goal schemas.Goal
		out  string
	}{
		{"prose", schemas.GoalFindApplyTarget, "There is an apply button at the top."},
		{"truncated json", schemas.GoalFindApplyTarget, `{"action":"CLICK","confidence":0.9`},
		{"missing confidence", schemas.GoalFindApplyTarget, `{"action":"CLICK","target_found":true,"target_selector":"a"}`},
		{"missing action", schemas.GoalFindApplyTarget, `{"confidence":0.9}`},
		{"confidence out of range", schemas.GoalFindApplyTarget, `{"action":"NONE","confidence":1.7}`},
		{"unknown action", schemas.GoalFindApplyTarget, `{"action":"SCROLL","confidence":0.7}`},
		{"unknown field", schemas.GoalFindApplyTarget, `{"action":"NONE","confidence":0.2,"maybe":"yes"}`},
		{"target without locator", schemas.GoalFindApplyTarget, `{"action":"CLICK","confidence":0.9,"target_found":true}`},
		{"click without selector", schemas.GoalFindObstruction, `{"action":"CLICK","confidence":0.9,"obstruction_present":true}`},
		{"field without confidence", schemas.GoalMapFormFields, `{"action":"FILL","confidence":0.9,"fields":[{"selector":"#a","kind":"text"}]}`},
		{"field with bad kind", schemas.GoalMapFormFields, `{"action":"FILL","confidence":0.9,"fields":[{"selector":"#a","kind":"signature","confidence":0.9}]}`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			llm := &scriptedLLM{replies: []reply{{out: tc.out}}}
			c := newTestClient(t, llm)

			d := c.Classify(context.Background(), Snapshot{DOM: "<p>x</p>"}, tc.goal, Hints{})
			assert.Equal(t, schemas.ActionNone, d.Action)
			assert.Zero(t, d.Confidence)
			assert.False(t, d.TargetFound)
			assert.Empty(t, d.Fields)
			assert.True(t, d.Degraded)
			assert.Contains(t, d.DegradedReason, "malformed oracle output")
			// Malformed output is not retried.
			assert.EqualValues(t, 1, c.Invocations())
			assert.EqualValues(t, 1, c.Degraded())
		})
	}
}

func TestClassify_RetriesOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("second attempt succeeds", func(t *testing.T) {
		llm := &scriptedLLM{replies: []reply{
			{err: errors.New("503 service unavailable")},
			{out: `{"action":"NONE","confidence":0.4}`},
		}}
		c := newTestClient(t, llm)

		d := c.Classify(ctx, Snapshot{DOM: "<p/>"}, schemas.GoalFindApplyTarget, Hints{})
		assert.False(t, d.Degraded)
		assert.InDelta(t, 0.4, d.Confidence, 1e-9)
		assert.EqualValues(t, 2, c.Invocations())
	})

	t.Run("persistent failure degrades after exactly one retry", func(t *testing.T) {
		llm := &scriptedLLM{replies: []reply{
			{err: errors.New("connection reset")},
			{err: errors.New("connection reset")},
			{out: `{"action":"CLICK","confidence":1}`},
		}}
		c := newTestClient(t, llm)

		d := c.Classify(ctx, Snapshot{DOM: "<p/>"}, schemas.GoalFindApplyTarget, Hints{})
		assert.True(t, d.Degraded)
		assert.Zero(t, d.Confidence)
		assert.Contains(t, d.DegradedReason, "oracle unavailable")
		assert.EqualValues(t, 2, c.Invocations())
		assert.Len(t, llm.replies, 1, "third reply must never be consumed")
	})

	t.Run("permanent errors are not retried", func(t *testing.T) {
		llm := &scriptedLLM{replies: []reply{{err: backoff.Permanent(errors.New("invalid api key"))}}}
		c := newTestClient(t, llm)

		d := c.Classify(ctx, Snapshot{DOM: "<p/>"}, schemas.GoalFindApplyTarget, Hints{})
		assert.True(t, d.Degraded)
		assert.EqualValues(t, 1, c.Invocations())
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		llm := &scriptedLLM{replies: []reply{{out: `{"action":"NONE","confidence":0}`}}}
		c := newTestClient(t, llm)

		d := c.Classify(cctx, Snapshot{DOM: "<p/>"}, schemas.GoalFindApplyTarget, Hints{})
		assert.True(t, d.Degraded)
		assert.EqualValues(t, 0, c.Invocations())
	})
}

func TestClassify_InputBounds(t *testing.T) {
	ctx := context.Background()
	okReply := func() []reply { return []reply{{out: `{"action":"NONE","confidence":0.1}`}} }

	t.Run("dom excerpt is truncated", func(t *testing.T) {
		llm := &scriptedLLM{replies: okReply()}
		c := newTestClient(t, llm)

		longDOM := "<body><p>" + strings.Repeat("a", 5000) + "TAIL-MARKER</p></body>"
		c.Classify(ctx, Snapshot{DOM: longDOM}, schemas.GoalFindApplyTarget, Hints{})

		prompt := llm.requests[0].UserPrompt
		assert.NotContains(t, prompt, "TAIL-MARKER")
		excerpt := prompt[strings.Index(prompt, "HTML excerpt:\n")+len("HTML excerpt:\n"):]
		assert.LessOrEqual(t, len([]rune(excerpt)), testOracleConfig().MaxDOMChars)
	})

	t.Run("valid png is attached", func(t *testing.T) {
		llm := &scriptedLLM{replies: okReply()}
		c := newTestClient(t, llm)

		c.Classify(ctx, Snapshot{Screenshot: pngBytes(t), DOM: "<p/>"}, schemas.GoalFindObstruction, Hints{})
		require.Len(t, llm.requests[0].Images, 1)
		assert.Equal(t, "image/png", llm.requests[0].Images[0].MIMEType)
	})

	t.Run("non raster screenshot is dropped", func(t *testing.T) {
		llm := &scriptedLLM{replies: okReply()}
		c := newTestClient(t, llm)

		c.Classify(ctx, Snapshot{Screenshot: []byte("<svg></svg>"), DOM: "<p/>"}, schemas.GoalFindObstruction, Hints{})
		assert.Empty(t, llm.requests[0].Images)
	})

	t.Run("oversized screenshot is dropped", func(t *testing.T) {
		llm := &scriptedLLM{replies: okReply()}
		cfg := testOracleConfig()
		cfg.MaxScreenshotBytes = 10
		c, err := New(llm, cfg, zap.NewNop())
		require.NoError(t, err)

		c.Classify(ctx, Snapshot{Screenshot: pngBytes(t), DOM: "<p/>"}, schemas.GoalFindObstruction, Hints{})
		assert.Empty(t, llm.requests[0].Images)
	})

	t.Run("unknown goal never calls the model", func(t *testing.T) {
		llm := &scriptedLLM{replies: okReply()}
		c := newTestClient(t, llm)

		d := c.Classify(ctx, Snapshot{DOM: "<p/>"}, schemas.Goal("GUESS"), Hints{})
		assert.True(t, d.Degraded)
		assert.EqualValues(t, 0, c.Invocations())
	})
}

func TestUnavailable(t *testing.T) {
	assert.True(t, Unavailable(schemas.NoActionDecision(ReasonUnavailable+": 503")))
	assert.False(t, Unavailable(schemas.NoActionDecision(ReasonMalformed+": missing action")))
	assert.False(t, Unavailable(schemas.Decision{Action: schemas.ActionNone}))
}
