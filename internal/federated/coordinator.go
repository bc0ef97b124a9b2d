// Package federated runs query rounds against registered trial sites.
// The coordinator fans one encoded query out to every site concurrently
// and collects per-site outcomes; a slow, failing or panicking site only
// ever costs its own outcome, never the round.
package federated

import (
	"context"
	"fmt"
	"time"

	"github.com/sasha-s/go-deadlock"
	"golang.org/x/sync/errgroup"

	"github.com/trialmesh/trialmesh/internal/logging"
	"github.com/trialmesh/trialmesh/internal/types"
)

// SiteClient is the contract a trial site implements. Execute receives an
// encoded query and returns an encoded site-level result. Patient-level
// records must never leave the site; only aggregates cross this boundary.
type SiteClient interface {
	SiteID() string
	Execute(ctx context.Context, query []byte) ([]byte, error)
}

// SiteOutcome is what one site contributed to a round: either a payload
// or an error string, never both.
type SiteOutcome struct {
	SiteID  string
	Payload []byte
	Err     string
	Elapsed time.Duration
}

func (o SiteOutcome) OK() bool { return o.Err == "" }

type Coordinator struct {
	logger  logging.Logger
	timeout time.Duration

	mu    deadlock.RWMutex
	sites []SiteClient
}

const DefaultSiteTimeout = 30 * time.Second

func NewCoordinator(logger logging.Logger, siteTimeout time.Duration) *Coordinator {
	if siteTimeout <= 0 {
		siteTimeout = DefaultSiteTimeout
	}
	return &Coordinator{logger: logger, timeout: siteTimeout}
}

// Register adds a site. Site IDs must be unique.
func (c *Coordinator) Register(site SiteClient) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.sites {
		if existing.SiteID() == site.SiteID() {
			return fmt.Errorf("%w: site %q already registered", types.ErrConflict, site.SiteID())
		}
	}
	c.sites = append(c.sites, site)
	return nil
}

// SiteIDs returns the registered site IDs in registration order.
func (c *Coordinator) SiteIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, len(c.sites))
	for i, s := range c.sites {
		ids[i] = s.SiteID()
	}
	return ids
}

// RunRound dispatches the identical encoded query to every registered
// site concurrently. The round finishes when every site has returned,
// failed or timed out; outcomes come back in registration order.
func (c *Coordinator) RunRound(ctx context.Context, query []byte) ([]SiteOutcome, error) {
	c.mu.RLock()
	sites := append([]SiteClient(nil), c.sites...)
	c.mu.RUnlock()

	if len(sites) == 0 {
		return nil, fmt.Errorf("%w: no sites registered", types.ErrInvalidState)
	}

	c.logger.Debug(ctx, "Federated round starting", "sites", len(sites), "queryBytes", len(query))
	started := time.Now()

	outcomes := make([]SiteOutcome, len(sites))
	var g errgroup.Group
	for i, site := range sites {
		i, site := i, site
		g.Go(func() error {
			outcomes[i] = c.querySite(ctx, site, query)
			return nil
		})
	}
	// Workers never return errors; failures live in the outcomes.
	_ = g.Wait()

	failed := 0
	for _, o := range outcomes {
		if !o.OK() {
			failed++
		}
	}
	c.logger.Info(ctx, "Federated round finished",
		"sites", len(sites), "failed", failed, "duration", time.Since(started))
	return outcomes, nil
}

// querySite runs one site call under the per-site timeout. The call runs
// in its own goroutine so a site that ignores its context cannot stall
// the round past the deadline; a panicking site becomes a failed outcome.
func (c *Coordinator) querySite(ctx context.Context, site SiteClient, query []byte) SiteOutcome {
	outcome := SiteOutcome{SiteID: site.SiteID()}
	started := time.Now()

	sctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type result struct {
		payload []byte
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("site panicked: %v", r)}
			}
		}()
		payload, err := site.Execute(sctx, query)
		ch <- result{payload: payload, err: err}
	}()

	select {
	case <-sctx.Done():
		outcome.Err = fmt.Sprintf("site %s: %v", site.SiteID(), sctx.Err())
		c.logger.Warn(ctx, "Site call abandoned", "siteID", site.SiteID(), "error", sctx.Err())
	case res := <-ch:
		if res.err != nil {
			outcome.Err = fmt.Sprintf("site %s: %v", site.SiteID(), res.err)
			c.logger.Warn(ctx, "Site call failed", "siteID", site.SiteID(), "error", res.err)
		} else {
			outcome.Payload = res.payload
		}
	}
	outcome.Elapsed = time.Since(started)
	return outcome
}
