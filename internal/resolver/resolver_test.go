package resolver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/autoapply/api/schemas"
	"github.com/xkilldash9x/autoapply/internal/config"
	"github.com/xkilldash9x/autoapply/internal/mocks"
	"github.com/xkilldash9x/autoapply/internal/oracle"
)

const (
	cleanPage = `<html><body><div id="main"><h1>Backend Engineer</h1><a href="/apply">Apply now</a></div></body></html>`

	cookiePage = `<html><body>
<div id="main"><h1>Backend Engineer</h1><a href="/apply">Apply now</a></div>
<div id="cookie-banner" class="cookie-consent"><p>We use cookies</p><button>Accept all</button><button>No thanks</button></div>
</body></html>`

	promoPage = `<html><body>
<div id="main"><h1>Backend Engineer</h1></div>
<div id="promo" style="position: fixed; z-index: 5000"><p>Get 10% off</p><button id="nl-close"><svg></svg></button></div>
</body></html>`
)

func testConfig() config.ResolverConfig {
	return config.ResolverConfig{MaxRounds: 3, OracleMinConfidence: 0.5}
}

// newSession returns a session mock that serves snapshots in order and
// repeats the last one.
func newSession(snapshots ...string) *mocks.MockBrowserSession {
	s := new(mocks.MockBrowserSession)
	s.On("ID").Return("session-1").Maybe()
	for i, snap := range snapshots {
		call := s.On("DOMSnapshot", mock.Anything).Return(snap, nil)
		if i < len(snapshots)-1 {
			call.Once()
		}
	}
	s.On("Screenshot", mock.Anything).Return([]byte(nil), nil).Maybe()
	s.On("URL", mock.Anything).Return("https://jobs.example.com/42", nil).Maybe()
	return s
}

func newResolver(t *testing.T, o oracle.Oracle) *Resolver {
	t.Helper()
	r, err := New(o, testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	return r
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, testConfig(), zap.NewNop())
	assert.Error(t, err)
	_, err = New(new(mocks.MockOracle), testConfig(), nil)
	assert.Error(t, err)

	r, err := New(new(mocks.MockOracle), config.ResolverConfig{}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 3, r.cfg.MaxRounds)
}

func TestResolve_CleanPage(t *testing.T) {
	o := new(mocks.MockOracle)
	s := newSession(cleanPage)
	r := newResolver(t, o)

	report, err := r.Resolve(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, Report{}, report)
	s.AssertNotCalled(t, "Click", mock.Anything, mock.Anything)
	o.AssertNotCalled(t, "Classify", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestResolve_CookieBannerByRule(t *testing.T) {
	o := new(mocks.MockOracle)
	s := newSession(cookiePage, cleanPage)
	s.On("Click", mock.Anything, "#cookie-banner > button:nth-of-type(1)").Return(nil).Once()
	r := newResolver(t, o)

	report, err := r.Resolve(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, 1, report.DialogsHandled)
	assert.False(t, report.StillObstructed)
	assert.Zero(t, report.OracleCalls)
	s.AssertExpectations(t)
	o.AssertNotCalled(t, "Classify", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestResolve_FallsThroughFailingCandidates(t *testing.T) {
	o := new(mocks.MockOracle)
	s := newSession(cookiePage, cleanPage)
	s.On("Click", mock.Anything, "#cookie-banner > button:nth-of-type(1)").Return(schemas.ErrElementNotFound).Once()
	s.On("Click", mock.Anything, "#cookie-banner > button:nth-of-type(2)").Return(nil).Once()
	r := newResolver(t, o)

	report, err := r.Resolve(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, 1, report.DialogsHandled)
	assert.Zero(t, report.OracleCalls)
	s.AssertExpectations(t)
}

func TestResolve_OracleEscalation(t *testing.T) {
	t.Run("confident proposal is clicked", func(t *testing.T) {
		o := new(mocks.MockOracle)
		o.On("Classify", mock.Anything, mock.Anything, schemas.GoalFindObstruction, mock.MatchedBy(func(h oracle.Hints) bool {
			return len(h.Overlays) == 1 && h.Overlays[0].Selector == "#promo"
		})).Return(schemas.Decision{
			ObstructionPresent:  true,
			ObstructionSelector: "#nl-close",
			Action:              schemas.ActionClick,
			Confidence:          0.9,
		}).Once()
		s := newSession(promoPage, cleanPage)
		s.On("Click", mock.Anything, "#nl-close").Return(nil).Once()
		r := newResolver(t, o)

		report, err := r.Resolve(context.Background(), s)
		require.NoError(t, err)
		assert.Equal(t, Report{DialogsHandled: 1, OracleCalls: 1, Rounds: 1}, report)
		o.AssertExpectations(t)
		s.AssertExpectations(t)
	})

	t.Run("low confidence is not acted on", func(t *testing.T) {
		o := new(mocks.MockOracle)
		o.On("Classify", mock.Anything, mock.Anything, schemas.GoalFindObstruction, mock.Anything).Return(schemas.Decision{
			ObstructionPresent:  true,
			ObstructionSelector: "#nl-close",
			Action:              schemas.ActionClick,
			Confidence:          0.3,
		}).Once()
		s := newSession(promoPage)
		r := newResolver(t, o)

		report, err := r.Resolve(context.Background(), s)
		require.NoError(t, err)
		assert.True(t, report.StillObstructed)
		assert.Zero(t, report.DialogsHandled)
		assert.Equal(t, 1, report.OracleCalls)
		s.AssertNotCalled(t, "Click", mock.Anything, mock.Anything)
	})

	t.Run("degraded oracle leaves page obstructed", func(t *testing.T) {
		o := new(mocks.MockOracle)
		o.On("Classify", mock.Anything, mock.Anything, schemas.GoalFindObstruction, mock.Anything).
			Return(schemas.NoActionDecision("oracle unavailable: boom")).Once()
		s := newSession(promoPage)
		r := newResolver(t, o)

		report, err := r.Resolve(context.Background(), s)
		require.NoError(t, err)
		assert.True(t, report.StillObstructed)
		s.AssertNotCalled(t, "Click", mock.Anything, mock.Anything)
	})

	t.Run("confident denial clears the heuristic", func(t *testing.T) {
		o := new(mocks.MockOracle)
		o.On("Classify", mock.Anything, mock.Anything, schemas.GoalFindObstruction, mock.Anything).Return(schemas.Decision{
			ObstructionPresent: false,
			Action:             schemas.ActionNone,
			Confidence:         0.8,
		}).Once()
		s := newSession(promoPage)
		r := newResolver(t, o)

		report, err := r.Resolve(context.Background(), s)
		require.NoError(t, err)
		assert.False(t, report.StillObstructed)
	})
}

func TestResolve_MaxRounds(t *testing.T) {
	o := new(mocks.MockOracle)
	// The banner survives every click.
	s := newSession(cookiePage)
	s.On("Click", mock.Anything, mock.Anything).Return(nil)
	cfg := testConfig()
	cfg.MaxRounds = 2
	r, err := New(o, cfg, zap.NewNop())
	require.NoError(t, err)

	report, err := r.Resolve(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Rounds)
	assert.Equal(t, 2, report.DialogsHandled)
	assert.True(t, report.StillObstructed)
	s.AssertNumberOfCalls(t, "Click", 2)
}

func TestResolve_LeavesApplicationDialogAlone(t *testing.T) {
	const applyModal = `<html><body>
<div role="dialog" aria-label="Apply to Acme">
 <div class="modal-header"><h2>Apply to Acme</h2><button>×</button></div>
 <form>
  <input name="first_name"><input name="last_name"><input type="email" name="email">
  <input type="file" name="resume">
  <button>Continue</button>
 </form>
</div>
</body></html>`

	o := new(mocks.MockOracle)
	s := newSession(applyModal)
	r := newResolver(t, o)

	report, err := r.Resolve(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, Report{}, report)
	s.AssertNotCalled(t, "Click", mock.Anything, mock.Anything)
	o.AssertNotCalled(t, "Classify", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestResolve_SnapshotError(t *testing.T) {
	o := new(mocks.MockOracle)
	s := new(mocks.MockBrowserSession)
	s.On("ID").Return("session-1")
	s.On("DOMSnapshot", mock.Anything).Return("", errors.New("target closed"))
	r := newResolver(t, o)

	_, err := r.Resolve(context.Background(), s)
	assert.ErrorContains(t, err, "target closed")
}
