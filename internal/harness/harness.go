package harness

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/replicore/internal/crdt"
	"github.com/roach88/replicore/internal/driver"
	"github.com/roach88/replicore/internal/ir"
	"github.com/roach88/replicore/internal/storage"
	"github.com/roach88/replicore/internal/testutil"
)

// Harness runs scenarios with deterministic sequence numbers and
// correlation ids.
type Harness struct {
	seq    *testutil.Sequence
	corr   *testutil.Sequence
	logger *slog.Logger
}

// Option configures a Harness.
type Option func(*Harness)

// WithLogger sets the logger passed to stores and proxies.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// New creates a harness.
func New(opts ...Option) *Harness {
	h := &Harness{
		seq:    testutil.NewSequence(),
		corr:   testutil.NewSequence(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run executes s in a fresh harness.
func Run(s *Scenario) (*Result, error) {
	return New().Run(context.Background(), s)
}

// Run executes s. Each run gets its own volatile registry, so scenarios
// never observe each other. An error means the scenario could not run;
// failed expectations are reported in the Result.
func (h *Harness) Run(ctx context.Context, s *Scenario) (*Result, error) {
	h.seq.Reset()
	h.corr.Reset()

	c, err := h.buildCluster(ctx, s)
	if err != nil {
		return nil, err
	}
	defer c.close()

	result := NewResult()
	for i, step := range s.Steps {
		event, err := h.runStep(ctx, c, step)
		if err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
		if err := c.settle(ctx); err != nil {
			return nil, fmt.Errorf("steps[%d]: settle: %w", i, err)
		}
		r := c.replicas[step.Replica]
		event.Version = r.version()
		event.View = r.view()
		result.Trace = append(result.Trace, event)

		if event.OK == step.Reject {
			want := "applied"
			if step.Reject {
				want = "rejected"
			}
			result.AddError(fmt.Sprintf("steps[%d]: %s on %s was expected to be %s", i, step.Op, step.Replica, want))
		}
	}

	for i, a := range s.Assertions {
		if err := evaluate(s, c, a); err != nil {
			result.AddError(fmt.Sprintf("assertions[%d] %s: %v", i, a.Type, err))
		}
	}
	return result, nil
}

func (h *Harness) runStep(ctx context.Context, c *cluster, step Step) (TraceEvent, error) {
	event := TraceEvent{
		Seq:     h.seq.Next(),
		Replica: step.Replica,
		Op:      step.Op,
		Field:   step.Field,
	}
	if step.Value != nil {
		v, err := ir.FromGo(step.Value)
		if err != nil {
			return event, fmt.Errorf("value: %w", err)
		}
		event.Value = v
	}

	switch step.Op {
	case OpSync:
		event.Peer = step.With
		a, b := c.replicas[step.Replica].(mergeable), c.replicas[step.With].(mergeable)
		if err := a.merge(b.snapshot()); err != nil {
			return event, err
		}
		if err := b.merge(a.snapshot()); err != nil {
			return event, err
		}
		event.OK = true
	case OpMerge:
		event.Peer = step.From
		a, b := c.replicas[step.Replica].(mergeable), c.replicas[step.From].(mergeable)
		if err := a.merge(b.snapshot()); err != nil {
			return event, err
		}
		event.OK = true
	default:
		ok, err := c.replicas[step.Replica].apply(ctx, step)
		if err != nil {
			return event, err
		}
		event.OK = ok
	}
	return event, nil
}

func (h *Harness) buildCluster(ctx context.Context, s *Scenario) (*cluster, error) {
	switch s.Kind {
	case KindSet:
		return openCluster(ctx, h, s, setKind)
	case KindSingleton:
		return openCluster(ctx, h, s, singletonKind)
	case KindEntity:
		return openCluster(ctx, h, s, entityKind(s.resolved))
	}
	return nil, fmt.Errorf("unknown kind %q", s.Kind)
}

// openCluster opens the shared store when any replica is a proxy.
func openCluster[D, O, V any](ctx context.Context, h *Harness, s *Scenario, k kind[D, O, V]) (*cluster, error) {
	var store *storage.Direct[D, O, V]
	for _, r := range s.Replicas {
		if r.Mode != ModeProxy {
			continue
		}
		reg := driver.NewRegistry()
		driver.RegisterMemory(reg, nil)
		var err error
		store, err = storage.NewDirect(ctx, reg, driver.MustParseKey("volatile://harness/"+s.Name), driver.MayExist,
			k.newModel(), storage.WithLogger(h.logger), storage.WithActor(crdt.Actor("store")))
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		break
	}
	c, err := newCluster(ctx, s, k, store, h.corr.IDs("corr"))
	if err != nil {
		if store != nil {
			store.Close()
		}
		return nil, err
	}
	return c, nil
}
