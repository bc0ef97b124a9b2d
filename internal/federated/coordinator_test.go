package federated

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trialmesh/trialmesh/internal/logging"
	"github.com/trialmesh/trialmesh/internal/types"
)

type fakeSite struct {
	id      string
	payload []byte
	err     error
	delay   time.Duration
	panics  bool
	honors  bool // honor ctx cancellation during delay
}

func (f *fakeSite) SiteID() string { return f.id }

func (f *fakeSite) Execute(ctx context.Context, query []byte) ([]byte, error) {
	if f.panics {
		panic("corrupt site state")
	}
	if f.delay > 0 {
		if f.honors {
			select {
			case <-time.After(f.delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		} else {
			time.Sleep(f.delay)
		}
	}
	return f.payload, f.err
}

func newTestCoordinator(t *testing.T, timeout time.Duration, sites ...*fakeSite) *Coordinator {
	t.Helper()
	c := NewCoordinator(logging.NewNop(), timeout)
	for _, s := range sites {
		require.NoError(t, c.Register(s))
	}
	return c
}

func TestRunRoundAllSitesRespond(t *testing.T) {
	c := newTestCoordinator(t, time.Second,
		&fakeSite{id: "site-a", payload: []byte("a")},
		&fakeSite{id: "site-b", payload: []byte("b")},
	)

	outcomes, err := c.RunRound(context.Background(), []byte("q"))
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.Equal(t, "site-a", outcomes[0].SiteID)
	assert.Equal(t, []byte("a"), outcomes[0].Payload)
	assert.True(t, outcomes[0].OK())
	assert.Equal(t, []byte("b"), outcomes[1].Payload)
}

func TestRunRoundSiteFailureDoesNotAbortSiblings(t *testing.T) {
	c := newTestCoordinator(t, time.Second,
		&fakeSite{id: "site-a", err: errors.New("consent database offline")},
		&fakeSite{id: "site-b", payload: []byte("b")},
	)

	outcomes, err := c.RunRound(context.Background(), []byte("q"))
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.False(t, outcomes[0].OK())
	assert.Contains(t, outcomes[0].Err, "site-a")
	assert.Contains(t, outcomes[0].Err, "consent database offline")
	assert.True(t, outcomes[1].OK())
}

func TestRunRoundTimeoutBoundsSlowSite(t *testing.T) {
	c := newTestCoordinator(t, 30*time.Millisecond,
		&fakeSite{id: "slow", payload: []byte("late"), delay: 5 * time.Second, honors: true},
		&fakeSite{id: "fast", payload: []byte("ok")},
	)

	started := time.Now()
	outcomes, err := c.RunRound(context.Background(), []byte("q"))
	require.NoError(t, err)
	require.Less(t, time.Since(started), time.Second)

	assert.False(t, outcomes[0].OK())
	assert.Contains(t, outcomes[0].Err, "deadline")
	assert.True(t, outcomes[1].OK())
}

func TestRunRoundSiteIgnoringContext(t *testing.T) {
	// A site that never checks its context still cannot stall the round.
	c := newTestCoordinator(t, 30*time.Millisecond,
		&fakeSite{id: "stuck", payload: []byte("x"), delay: 3 * time.Second, honors: false},
	)

	started := time.Now()
	outcomes, err := c.RunRound(context.Background(), []byte("q"))
	require.NoError(t, err)
	require.Less(t, time.Since(started), time.Second)
	assert.False(t, outcomes[0].OK())
}

func TestRunRoundPanickingSite(t *testing.T) {
	c := newTestCoordinator(t, time.Second,
		&fakeSite{id: "bad", panics: true},
		&fakeSite{id: "good", payload: []byte("ok")},
	)

	outcomes, err := c.RunRound(context.Background(), []byte("q"))
	require.NoError(t, err)
	assert.Contains(t, outcomes[0].Err, "panicked")
	assert.True(t, outcomes[1].OK())
}

func TestRunRoundNoSites(t *testing.T) {
	c := NewCoordinator(logging.NewNop(), time.Second)
	_, err := c.RunRound(context.Background(), []byte("q"))
	require.ErrorIs(t, err, types.ErrInvalidState)
}

func TestRegisterDuplicateSite(t *testing.T) {
	c := NewCoordinator(logging.NewNop(), time.Second)
	require.NoError(t, c.Register(&fakeSite{id: "site-a"}))
	err := c.Register(&fakeSite{id: "site-a"})
	require.ErrorIs(t, err, types.ErrConflict)
	assert.Equal(t, []string{"site-a"}, c.SiteIDs())
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, RoundCompleted, StatusFor(3, 0, false))
	assert.Equal(t, RoundCompletedWithWarnings, StatusFor(3, 0, true))
	assert.Equal(t, RoundPartial, StatusFor(3, 1, false))
	assert.Equal(t, RoundPartial, StatusFor(3, 2, true))
	assert.Equal(t, RoundFailed, StatusFor(3, 3, false))
}

func TestCodecRoundTrip(t *testing.T) {
	type probe struct {
		SiteID string
		Counts []uint64
	}
	in := probe{SiteID: "site-a", Counts: []uint64{10, 4}}

	data, err := Encode(in)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	out, err := Decode[probe](data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
