// Package delivery implements the Delivery Engine (spec §4.4), tying the
// Event Log, Transient Bus and Subscription Registry together into a single
// Listen operation: implicit acknowledgement, catch-up reads, and a
// race-free park-then-recheck wait.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/kernelci/kernelci-api-core/internal/bus"
	"github.com/kernelci/kernelci-api-core/internal/eventlog"
	"github.com/kernelci/kernelci-api-core/internal/subscription"
)

// addressee is the minimal shape Engine inspects on a payload to decide
// whether a non-promiscuous subscriber should receive it: an optional "to"
// array of principal or group names. Absence of "to" means the event is
// addressed only by ownership (owner == principal).
type addressee struct {
	To []string `json:"to,omitempty"`
}

// Engine is the Delivery Engine.
type Engine struct {
	log      eventlog.Store
	transit  bus.Bus
	registry *subscription.Registry
	logger   *zap.Logger
}

// NewEngine constructs an Engine.
func NewEngine(log eventlog.Store, transit bus.Bus, registry *subscription.Registry, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{log: log, transit: transit, registry: registry, logger: logger}
}

// matches implements the promiscuity rule (spec §4.3, Open Question
// resolved per SPEC_FULL.md: promisc=true delivers every event on the
// channel; otherwise only events owned by the subscriber's principal or
// explicitly addressed to the principal or one of their groups).
func matches(rec eventlog.EventRecord, sub *subscription.Subscription) bool {
	if sub.Promiscuous {
		return true
	}
	if rec.Owner == sub.Principal {
		return true
	}

	var addr addressee
	if err := json.Unmarshal(rec.Payload, &addr); err != nil {
		return false
	}
	for _, to := range addr.To {
		if to == sub.Principal {
			return true
		}
		for _, g := range sub.Groups {
			if to == g {
				return true
			}
		}
	}
	return false
}

// nextMatch performs catch-up reads starting after `after` and returns the
// first record that passes the promiscuity filter. Records that fail the
// filter are skipped but still acknowledged immediately (they were never
// delivered, so there is nothing to redeliver) to keep a subscriber with
// many filtered-out events from rescanning them on every Listen call.
func (e *Engine) nextMatch(ctx context.Context, sub *subscription.Subscription, after int64) (eventlog.EventRecord, bool, error) {
	cursor := after
	for {
		recs, err := e.log.ReadForward(ctx, sub.Channel, cursor, 1)
		if err != nil {
			return eventlog.EventRecord{}, false, err
		}
		if len(recs) == 0 {
			return eventlog.EventRecord{}, false, nil
		}
		rec := recs[0]
		cursor = rec.SequenceID
		if matches(rec, sub) {
			return rec, true, nil
		}
		// Filtered-out record: treat it as implicitly seen so it is not
		// retried on every subsequent Listen, then keep scanning forward.
		if err := e.registry.Persist(ctx, sub, rec.SequenceID); err != nil {
			return eventlog.EventRecord{}, false, err
		}
		sub.SetLastDeliveredID(rec.SequenceID)
	}
}

// Listen implements spec §4.4 Listen. It returns (record, true, nil) on
// delivery, (zero, false, nil) on a clean wait-budget timeout, and a
// non-nil error only for genuine storage/bus failures.
func (e *Engine) Listen(ctx context.Context, subscriptionID int64) (eventlog.EventRecord, bool, error) {
	sub, err := e.registry.Get(subscriptionID)
	if err != nil {
		return eventlog.EventRecord{}, false, err
	}
	if err := e.registry.Touch(subscriptionID); err != nil {
		return eventlog.EventRecord{}, false, err
	}

	// Step 1: implicit acknowledgement of the previous delivery.
	if sub.LastDeliveredID() > sub.LastEventID() {
		if err := e.registry.Persist(ctx, sub, sub.LastDeliveredID()); err != nil {
			return eventlog.EventRecord{}, false, fmt.Errorf("persisting implicit ack: %w", err)
		}
	}

	// Step 2: catch-up.
	if rec, ok, err := e.nextMatch(ctx, sub, sub.LastEventID()); err != nil {
		return eventlog.EventRecord{}, false, err
	} else if ok {
		sub.SetLastDeliveredID(rec.SequenceID)
		return rec, true, nil
	}

	// Step 3: park on the Transient Bus, then re-check catch-up once more
	// to close the race between step 2 and Subscribe.
	cursor, err := e.transit.Subscribe(sub.Channel)
	if err != nil {
		return eventlog.EventRecord{}, false, fmt.Errorf("parking on transient bus: %w", err)
	}
	defer e.transit.Close(cursor)

	if rec, ok, err := e.nextMatch(ctx, sub, sub.LastEventID()); err != nil {
		return eventlog.EventRecord{}, false, err
	} else if ok {
		sub.SetLastDeliveredID(rec.SequenceID)
		return rec, true, nil
	}

	// Step 4: wait for a wake or the caller's wait budget (encoded in ctx's
	// deadline) to elapse. On wake, loop back to catch-up; lost wakes are
	// tolerated because the loop always re-reads the Event Log.
	for {
		woken, err := e.transit.Wait(ctx, cursor)
		if err != nil {
			return eventlog.EventRecord{}, false, err
		}
		if !woken {
			return eventlog.EventRecord{}, false, nil
		}

		rec, ok, err := e.nextMatch(ctx, sub, sub.LastEventID())
		if err != nil {
			return eventlog.EventRecord{}, false, err
		}
		if ok {
			sub.SetLastDeliveredID(rec.SequenceID)
			return rec, true, nil
		}
		// Spurious wake (e.g. a filtered-out publish); loop and wait again.
	}
}
