// Package statemachine implements the State Machine Driver (spec §4.6): a
// periodic sweeper advancing nodes through Running -> Available -> Closing
// -> Done based on their holdoff and timeout clocks and their children's
// completion.
package statemachine

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/kernelci/kernelci-api-core/internal/node"
)

// DefaultTickInterval is the Driver's default sweep cadence (spec §4.6).
const DefaultTickInterval = 60 * time.Second

// Driver runs one sweep of node.Service's active nodes per tick. It uses
// robfig/cron's "@every" schedule, the same library the module pack's
// scheduler component depends on, rather than a bare time.Ticker.
type Driver struct {
	service  *node.Service
	interval time.Duration
	clock    func() time.Time
	logger   *zap.Logger

	mu      sync.Mutex
	cronJob *cron.Cron
}

// New constructs a Driver. interval <= 0 defaults to DefaultTickInterval; a
// nil clock defaults to time.Now.
func New(service *node.Service, interval time.Duration, clock func() time.Time, logger *zap.Logger) *Driver {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{service: service, interval: interval, clock: clock, logger: logger}
}

// Start begins running Tick every interval until ctx is cancelled or Stop
// is called.
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cronJob != nil {
		return nil
	}

	c := cron.New(cron.WithParser(cron.NewParser(
		cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))
	spec := "@every " + d.interval.String()
	if _, err := c.AddFunc(spec, func() { d.runTick(ctx) }); err != nil {
		return err
	}
	c.Start()
	d.cronJob = c
	return nil
}

// Stop halts the periodic sweep. It blocks until any in-flight tick
// completes.
func (d *Driver) Stop() {
	d.mu.Lock()
	c := d.cronJob
	d.cronJob = nil
	d.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
}

func (d *Driver) runTick(ctx context.Context) {
	if err := d.Tick(ctx); err != nil {
		d.logger.Error("state machine tick failed", zap.Error(err))
	}
}

// Tick runs one full sweep: step 1 (timeout cascade) followed by step 2
// (holdoff-driven Available progression). Per-node failures are logged and
// do not abort the rest of the sweep; the affected node is revisited on
// the next tick.
func (d *Driver) Tick(ctx context.Context) error {
	now := d.clock()

	active, err := d.service.ListActive(ctx)
	if err != nil {
		return err
	}
	byID := make(map[string]node.Node, len(active))
	for _, n := range active {
		byID[n.ID] = n
	}

	d.sweepTimeouts(ctx, active, byID, now)

	// Re-list: step 1 may have moved nodes to Done, and nodes created
	// between ticks may now be eligible for step 2.
	active, err = d.service.ListActive(ctx)
	if err != nil {
		return err
	}
	d.sweepHoldoffs(ctx, active, now)
	return nil
}

// sweepTimeouts implements spec §4.6 step 1: any active node whose timeout
// has elapsed becomes Done, cascading to its not-yet-Done descendants.
func (d *Driver) sweepTimeouts(ctx context.Context, active []node.Node, byID map[string]node.Node, now time.Time) {
	timedOut := make(map[string]bool)
	for _, n := range active {
		if !now.Before(n.Timeout) {
			timedOut[n.ID] = true
		}
	}
	for _, n := range active {
		if !timedOut[n.ID] {
			continue
		}
		d.finishWithTimeout(ctx, n)
	}
	// Cascade to descendants of timed-out nodes that are not themselves
	// already timed out (those are handled by the loop above).
	for id := range timedOut {
		d.cascadeDone(ctx, id)
	}
}

func (d *Driver) finishWithTimeout(ctx context.Context, n node.Node) {
	result := n.Result
	if n.State == node.StateRunning || n.State == node.StateClosing {
		result = node.ResultIncomplete
	}
	if _, err := d.service.ApplyTransition(ctx, n, node.StateDone, &result); err != nil {
		d.logger.Error("timeout transition failed", zap.Error(err), zap.String("node_id", n.ID))
	}
}

// cascadeDone forces every not-yet-Done descendant of parentID to Done,
// recursively, with result=incomplete for those still in a non-terminal
// in-flight state.
func (d *Driver) cascadeDone(ctx context.Context, parentID string) {
	children, err := d.service.Children(ctx, parentID)
	if err != nil {
		d.logger.Error("listing children during timeout cascade", zap.Error(err), zap.String("parent_id", parentID))
		return
	}
	for _, child := range children {
		if child.State == node.StateDone {
			continue
		}
		result := child.Result
		if child.State == node.StateRunning || child.State == node.StateClosing {
			result = node.ResultIncomplete
		}
		if _, err := d.service.ApplyTransition(ctx, child, node.StateDone, &result); err != nil {
			d.logger.Error("cascading timeout transition failed", zap.Error(err), zap.String("node_id", child.ID))
			continue
		}
		d.cascadeDone(ctx, child.ID)
	}
}

// sweepHoldoffs implements spec §4.6 steps 2-3: an Available node whose
// holdoff has elapsed moves to Done (all children Done) or Closing
// (otherwise); a Closing node whose children have since all finished
// moves to Done.
func (d *Driver) sweepHoldoffs(ctx context.Context, active []node.Node, now time.Time) {
	for _, n := range active {
		switch n.State {
		case node.StateAvailable:
			if n.Holdoff == nil || now.Before(*n.Holdoff) {
				continue
			}
			d.advanceAvailable(ctx, n)
		case node.StateClosing:
			d.advanceClosing(ctx, n)
		}
	}
}

func (d *Driver) advanceAvailable(ctx context.Context, n node.Node) {
	allDone, err := d.childrenAllDone(ctx, n.ID)
	if err != nil {
		d.logger.Error("checking children for holdoff sweep", zap.Error(err), zap.String("node_id", n.ID))
		return
	}
	to := node.StateClosing
	if allDone {
		to = node.StateDone
	}
	if _, err := d.service.ApplyTransition(ctx, n, to, nil); err != nil {
		d.logger.Error("holdoff transition failed", zap.Error(err), zap.String("node_id", n.ID))
	}
}

func (d *Driver) advanceClosing(ctx context.Context, n node.Node) {
	allDone, err := d.childrenAllDone(ctx, n.ID)
	if err != nil {
		d.logger.Error("checking children for closing sweep", zap.Error(err), zap.String("node_id", n.ID))
		return
	}
	if !allDone {
		return
	}
	if _, err := d.service.ApplyTransition(ctx, n, node.StateDone, nil); err != nil {
		d.logger.Error("closing transition failed", zap.Error(err), zap.String("node_id", n.ID))
	}
}

func (d *Driver) childrenAllDone(ctx context.Context, parentID string) (bool, error) {
	children, err := d.service.Children(ctx, parentID)
	if err != nil {
		return false, err
	}
	for _, c := range children {
		if c.State != node.StateDone {
			return false, nil
		}
	}
	return true, nil
}
