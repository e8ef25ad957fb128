// Package orchestrator admits commits: it resolves the pact a commit names,
// runs the container's policy and the membrane against the locked head, and
// appends the commit when both accept.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/ubl/pkg/contracts"
	"github.com/Mindburn-Labs/ubl/pkg/membrane"
	"github.com/Mindburn-Labs/ubl/pkg/notify"
	"github.com/Mindburn-Labs/ubl/pkg/observability"
	"github.com/Mindburn-Labs/ubl/pkg/pact"
	"github.com/Mindburn-Labs/ubl/pkg/policy"
	"github.com/Mindburn-Labs/ubl/pkg/store/ledger"
)

// Clock provides admission time. It stamps pact window checks and policy input.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// declarer is implemented by evaluators that only cover some containers.
type declarer interface {
	Declares(cid contracts.ContainerID) bool
}

// Orchestrator is safe for concurrent use. Per-container serialization is the
// store's job.
type Orchestrator struct {
	store      ledger.Store
	pacts      pact.Registry
	namespaces map[contracts.ContainerID]string
	policy     policy.Evaluator
	publisher  notify.Publisher
	obs        *observability.Provider
	clock      Clock
	logger     *slog.Logger
}

// New creates an orchestrator over store and pacts. Policy, notifications and
// namespaces are optional and injected with the Set methods before use.
func New(store ledger.Store, pacts pact.Registry) (*Orchestrator, error) {
	obs, err := observability.New(context.Background(), &observability.Config{Enabled: false})
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		store:      store,
		pacts:      pacts,
		namespaces: map[contracts.ContainerID]string{},
		obs:        obs,
		clock:      wallClock{},
		logger:     slog.Default().With("component", "orchestrator"),
	}, nil
}

func (o *Orchestrator) SetPolicy(e policy.Evaluator) { o.policy = e }

func (o *Orchestrator) SetPublisher(p notify.Publisher) { o.publisher = p }

func (o *Orchestrator) SetObservability(p *observability.Provider) { o.obs = p }

func (o *Orchestrator) SetClock(c Clock) { o.clock = c }

// SetNamespaces replaces the container to namespace table used for pact scope
// and policy input.
func (o *Orchestrator) SetNamespaces(ns map[contracts.ContainerID]string) {
	cp := make(map[contracts.ContainerID]string, len(ns))
	for k, v := range ns {
		cp[k] = v
	}
	o.namespaces = cp
}

// Namespace returns the namespace of cid, or "".
func (o *Orchestrator) Namespace(cid contracts.ContainerID) string { return o.namespaces[cid] }

// Head returns the current head of cid.
func (o *Orchestrator) Head(ctx context.Context, cid contracts.ContainerID) (contracts.Head, error) {
	return o.store.Head(ctx, cid)
}

// Submit validates c against the container head and appends it. On success
// exactly one notification is published. Rejections are returned as
// *membrane.Rejection, *PolicyError, *ledger.HaltedError or
// *ledger.IntegrityError; Classify turns any of them into an error body.
func (o *Orchestrator) Submit(ctx context.Context, c *contracts.Commit) (receipt contracts.Receipt, err error) {
	if c == nil {
		return contracts.Receipt{}, &RequestError{Msg: "missing commit"}
	}
	ctx, done := o.obs.TrackOperation(ctx, "ubl.commit.submit",
		observability.AttrContainerID.String(c.ContainerID.String()),
		observability.AttrIntentClass.String(c.IntentClass.String()),
	)
	defer func() { done(err) }()

	pacts, err := o.resolve(ctx, c)
	if err != nil {
		return contracts.Receipt{}, err
	}
	now := o.clock.Now()
	ns := o.Namespace(c.ContainerID)

	var seen contracts.Head
	start := time.Now()
	entry, err := o.store.Commit(ctx, c.ContainerID, func(head contracts.Head) (*contracts.Commit, error) {
		seen = head
		if err := o.admit(ctx, c, head, pacts, ns, now); err != nil {
			return nil, err
		}
		return c, nil
	})
	o.obs.AppendDuration(ctx, time.Since(start))
	if err != nil {
		err = o.replayed(ctx, c, seen, err)
		o.rejected(ctx, c, err)
		return contracts.Receipt{}, err
	}

	receipt = entry.Receipt()
	o.obs.CommitAccepted(ctx, c.IntentClass)
	observability.AnnotateReceipt(ctx, receipt)
	o.logger.DebugContext(ctx, "commit appended",
		"container_id", receipt.ContainerID.String(),
		"sequence", receipt.Sequence,
		"intent_class", c.IntentClass.String(),
	)

	if o.publisher != nil {
		o.publisher.Publish(contracts.Notification{ContainerID: receipt.ContainerID, Sequence: receipt.Sequence})
	}
	return receipt, nil
}

// Validate runs the same checks as Submit against the current head without
// appending.
func (o *Orchestrator) Validate(ctx context.Context, c *contracts.Commit) (err error) {
	if c == nil {
		return &RequestError{Msg: "missing commit"}
	}
	ctx, done := o.obs.TrackOperation(ctx, "ubl.commit.validate",
		observability.AttrContainerID.String(c.ContainerID.String()),
	)
	defer func() { done(err) }()

	pacts, err := o.resolve(ctx, c)
	if err != nil {
		return err
	}
	head, err := o.store.Head(ctx, c.ContainerID)
	if err != nil {
		return fmt.Errorf("read head: %w", err)
	}
	err = o.admit(ctx, c, head, pacts, o.Namespace(c.ContainerID), o.clock.Now())
	return o.replayed(ctx, c, head, err)
}

// replayed turns a RealityDrift for a commit that is already stored at its
// expected sequence into a SequenceMismatch: the caller is replaying, not
// acting on a stale head.
func (o *Orchestrator) replayed(ctx context.Context, c *contracts.Commit, head contracts.Head, err error) error {
	var r *membrane.Rejection
	if !errors.As(err, &r) || r.Kind != contracts.KindRealityDrift {
		return err
	}
	if c.ExpectedSequence == 0 || c.ExpectedSequence > head.Sequence {
		return err
	}
	stored, lerr := o.store.Entry(ctx, c.ContainerID, c.ExpectedSequence)
	if lerr != nil || stored.Signature != c.Signature || stored.AuthorPubKey != c.AuthorPubKey {
		return err
	}
	return &membrane.Rejection{
		Kind:    contracts.KindSequenceMismatch,
		Msg:     fmt.Sprintf("commit already appended at sequence %d; expected sequence %d", stored.Sequence, head.Sequence+1),
		Details: map[string]any{"expected": head.Sequence + 1, "got": c.ExpectedSequence},
	}
}

// resolve loads the pact named by the commit's proof, if any, before the
// container is locked.
func (o *Orchestrator) resolve(ctx context.Context, c *contracts.Commit) (pact.Set, error) {
	if c.Pact == nil || o.pacts == nil {
		return pact.Set{}, nil
	}
	set, err := pact.Resolve(ctx, o.pacts, c.Pact.PactID)
	if err != nil {
		return nil, fmt.Errorf("resolve pact %q: %w", c.Pact.PactID, err)
	}
	return set, nil
}

func (o *Orchestrator) admit(ctx context.Context, c *contracts.Commit, head contracts.Head, pacts pact.Set, ns string, now time.Time) error {
	if err := o.precheck(ctx, c, head, ns, now); err != nil {
		return err
	}
	return membrane.Validate(c, head, membrane.Env{Pacts: pacts, Namespace: ns, Now: now})
}

func (o *Orchestrator) precheck(ctx context.Context, c *contracts.Commit, head contracts.Head, ns string, now time.Time) error {
	if o.policy == nil {
		return nil
	}
	if d, ok := o.policy.(declarer); ok && !d.Declares(c.ContainerID) {
		return nil
	}
	dec, err := o.policy.Evaluate(ctx, policy.InputFor(c, head, ns, now))
	if err != nil {
		return fmt.Errorf("evaluate policy: %w", err)
	}
	if reason := policy.Check(dec, c); reason != "" {
		return &PolicyError{Reason: reason}
	}
	return nil
}

func (o *Orchestrator) rejected(ctx context.Context, c *contracts.Commit, err error) {
	body := Classify(err)
	var pactKind contracts.ErrorKind
	var r *membrane.Rejection
	if errors.As(err, &r) {
		pactKind = r.PactKind
	}
	o.obs.CommitRejected(ctx, body.ErrorKind, pactKind)

	attrs := []any{
		"container_id", c.ContainerID.String(),
		"expected_sequence", c.ExpectedSequence,
		"error_kind", string(body.ErrorKind),
		"error", err,
	}
	switch body.ErrorKind {
	case contracts.KindInternal:
		o.logger.ErrorContext(ctx, "commit failed", attrs...)
	case contracts.KindContainerHalted, contracts.KindBrokenChain, contracts.KindSequenceViolation,
		contracts.KindInvalidHash, contracts.KindAppendOutOfOrder:
		o.logger.WarnContext(ctx, "commit refused by ledger", attrs...)
	default:
		o.logger.InfoContext(ctx, "commit rejected", attrs...)
	}
}
