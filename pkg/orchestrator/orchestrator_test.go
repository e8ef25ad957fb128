package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/ubl/pkg/contracts"
	"github.com/Mindburn-Labs/ubl/pkg/crypto"
	"github.com/Mindburn-Labs/ubl/pkg/envelope"
	"github.com/Mindburn-Labs/ubl/pkg/membrane"
	"github.com/Mindburn-Labs/ubl/pkg/notify"
	"github.com/Mindburn-Labs/ubl/pkg/pact"
	"github.com/Mindburn-Labs/ubl/pkg/policy"
	"github.com/Mindburn-Labs/ubl/pkg/store/ledger"
)

var now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type fixedClock time.Time

func (c fixedClock) Now() time.Time { return time.Time(c) }

type recorder struct {
	mu    sync.Mutex
	notes []contracts.Notification
}

func (r *recorder) Publish(n contracts.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recorder) all() []contracts.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]contracts.Notification(nil), r.notes...)
}

type fixture struct {
	orch  *Orchestrator
	store *ledger.MemoryStore
	pacts *pact.MemoryRegistry
	notes *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := ledger.NewMemoryStoreWithClock(func() time.Time { return now })
	reg, err := pact.NewMemoryRegistry()
	require.NoError(t, err)
	o, err := New(store, reg)
	require.NoError(t, err)
	o.SetClock(fixedClock(now))
	rec := &recorder{}
	o.SetPublisher(rec)
	return &fixture{orch: o, store: store, pacts: reg, notes: rec}
}

func newSigner(t *testing.T) *crypto.Ed25519Signer {
	t.Helper()
	s, err := crypto.NewEd25519Signer("")
	require.NoError(t, err)
	return s
}

func (f *fixture) next(t *testing.T, cid contracts.ContainerID, class contracts.IntentClass, delta int64, author crypto.Signer) contracts.Commit {
	t.Helper()
	head, err := f.orch.Head(context.Background(), cid)
	require.NoError(t, err)
	return envelope.Next(head).
		Atom(contracts.Hash{0xa7, byte(head.Sequence)}).
		Intent(class, contracts.Int128FromInt64(delta)).
		Sign(author)
}

func (f *fixture) mustSubmit(t *testing.T, c contracts.Commit) contracts.Receipt {
	t.Helper()
	r, err := f.orch.Submit(context.Background(), &c)
	require.NoError(t, err)
	return r
}

func requireKind(t *testing.T, err error, kind contracts.ErrorKind) *contracts.ErrorBody {
	t.Helper()
	require.Error(t, err)
	body := Classify(err)
	require.Equal(t, kind, body.ErrorKind, err.Error())
	return body
}

func TestSubmit_ScenarioA_FirstObservation(t *testing.T) {
	f := newFixture(t)
	cid := envelope.ContainerIDFor("C.Test")
	c := f.next(t, cid, contracts.IntentObservation, 0, newSigner(t))

	receipt := f.mustSubmit(t, c)
	assert.Equal(t, cid, receipt.ContainerID)
	assert.Equal(t, uint64(1), receipt.Sequence)
	assert.Equal(t, now.UnixMilli(), receipt.Timestamp)

	entry, err := f.store.Entry(context.Background(), cid, 1)
	require.NoError(t, err)
	assert.Equal(t, contracts.ZeroHash, entry.PreviousHash)
	assert.Equal(t, ledger.EntryHash(cid, 1, c.AtomHash, contracts.ZeroHash, now.UnixMilli()), receipt.FinalHash)

	head, err := f.orch.Head(context.Background(), cid)
	require.NoError(t, err)
	assert.Equal(t, receipt.FinalHash, head.LastHash)
	assert.Equal(t, []contracts.Notification{{ContainerID: cid, Sequence: 1}}, f.notes.all())
}

func TestSubmit_ScenarioB_ReplayIsSequenceMismatch(t *testing.T) {
	f := newFixture(t)
	cid := envelope.ContainerIDFor("C.Test")
	c := f.next(t, cid, contracts.IntentObservation, 0, newSigner(t))
	f.mustSubmit(t, c)

	_, err := f.orch.Submit(context.Background(), &c)
	body := requireKind(t, err, contracts.KindSequenceMismatch)
	assert.Equal(t, uint64(2), body.Details["expected"])
	assert.Equal(t, uint64(1), body.Details["got"])
	assert.False(t, body.ErrorKind.Retryable())

	assert.Len(t, f.notes.all(), 1)
}

func TestSubmit_StaleHeadIsRealityDrift(t *testing.T) {
	f := newFixture(t)
	cid := envelope.ContainerIDFor("C.Test")
	alice, bob := newSigner(t), newSigner(t)

	fromAlice := f.next(t, cid, contracts.IntentObservation, 0, alice)
	fromBob := f.next(t, cid, contracts.IntentObservation, 0, bob)
	f.mustSubmit(t, fromAlice)

	_, err := f.orch.Submit(context.Background(), &fromBob)
	body := requireKind(t, err, contracts.KindRealityDrift)
	assert.True(t, body.ErrorKind.Retryable())

	// Refresh and resubmit.
	f.mustSubmit(t, f.next(t, cid, contracts.IntentObservation, 0, bob))
}

func entropyPact(t *testing.T, f *fixture, signers ...crypto.Signer) *pact.Pact {
	t.Helper()
	p := &pact.Pact{
		ID:          "mint",
		Version:     1,
		Scope:       pact.GlobalScope(),
		IntentClass: contracts.IntentEntropy,
		Threshold:   2,
		Window:      pact.Window{NotBefore: now.Add(-time.Hour), NotAfter: now.Add(time.Hour)},
		RiskLevel:   pact.L4,
	}
	for _, s := range signers {
		p.Signers = append(p.Signers, s.PublicKey())
	}
	require.NoError(t, f.pacts.Put(context.Background(), p))
	return p
}

func TestSubmit_ScenarioC_Quorum(t *testing.T) {
	f := newFixture(t)
	cid := envelope.ContainerIDFor("C.Mint")
	author := newSigner(t)
	a, b, c, d := newSigner(t), newSigner(t), newSigner(t), newSigner(t)
	p := entropyPact(t, f, a, b, c)

	build := func(endorsers ...crypto.Signer) contracts.Commit {
		head, err := f.orch.Head(context.Background(), cid)
		require.NoError(t, err)
		unsigned := envelope.Next(head).
			Atom(contracts.Hash{0x42}).
			Intent(contracts.IntentEntropy, contracts.Int128FromInt64(1000)).
			Unsigned()
		return envelope.Next(head).
			Atom(unsigned.AtomHash).
			Intent(unsigned.IntentClass, unsigned.PhysicsDelta).
			Pact(pact.Prove(p.ID, &unsigned, endorsers...)).
			Sign(author)
	}

	one := build(a)
	_, err := f.orch.Submit(context.Background(), &one)
	body := requireKind(t, err, contracts.KindPactViolation)
	assert.Equal(t, string(contracts.KindInsufficientSignatures), body.Details["pact_error"])

	outsider := build(a, d)
	_, err = f.orch.Submit(context.Background(), &outsider)
	body = requireKind(t, err, contracts.KindPactViolation)
	assert.Equal(t, string(contracts.KindUnauthorizedSigner), body.Details["pact_error"])

	f.mustSubmit(t, build(a, b))
	head, err := f.orch.Head(context.Background(), cid)
	require.NoError(t, err)
	assert.Equal(t, "1000", head.Balance.String())
}

func TestSubmit_UnknownPact(t *testing.T) {
	f := newFixture(t)
	cid := envelope.ContainerIDFor("C.Mint")
	a, b := newSigner(t), newSigner(t)
	head := contracts.GenesisHead(cid)
	unsigned := envelope.Next(head).Atom(contracts.Hash{1}).
		Intent(contracts.IntentEntropy, contracts.Int128FromInt64(5)).Unsigned()
	c := envelope.Next(head).Atom(unsigned.AtomHash).
		Intent(unsigned.IntentClass, unsigned.PhysicsDelta).
		Pact(pact.Prove("nope", &unsigned, a, b)).
		Sign(a)

	_, err := f.orch.Submit(context.Background(), &c)
	body := requireKind(t, err, contracts.KindPactViolation)
	assert.Equal(t, string(contracts.KindUnknownPact), body.Details["pact_error"])
}

func TestSubmit_ScenarioD_ConservationFloor(t *testing.T) {
	f := newFixture(t)
	author := newSigner(t)

	poor := envelope.ContainerIDFor("C.Poor")
	f.mustSubmit(t, f.next(t, poor, contracts.IntentConservation, 50, author))
	_, err := f.orch.Submit(context.Background(), ptr(f.next(t, poor, contracts.IntentConservation, -100, author)))
	requireKind(t, err, contracts.KindPhysicsViolation)

	rich := envelope.ContainerIDFor("C.Rich")
	f.mustSubmit(t, f.next(t, rich, contracts.IntentConservation, 150, author))
	f.mustSubmit(t, f.next(t, rich, contracts.IntentConservation, -100, author))
	head, err := f.orch.Head(context.Background(), rich)
	require.NoError(t, err)
	assert.Equal(t, "50", head.Balance.String())
}

func TestSubmit_ScenarioE_EvolutionWithoutPact(t *testing.T) {
	f := newFixture(t)
	cid := envelope.ContainerIDFor("C.Test")
	c := f.next(t, cid, contracts.IntentEvolution, 0, newSigner(t))
	_, err := f.orch.Submit(context.Background(), &c)
	requireKind(t, err, contracts.KindUnauthorizedEvolution)
	assert.Empty(t, f.notes.all())
}

func TestSubmit_TamperedSignature(t *testing.T) {
	f := newFixture(t)
	c := f.next(t, envelope.ContainerIDFor("C.Test"), contracts.IntentObservation, 0, newSigner(t))
	c.Signature[5] ^= 0x01
	_, err := f.orch.Submit(context.Background(), &c)
	requireKind(t, err, contracts.KindInvalidSignature)
}

func TestSubmit_Policy(t *testing.T) {
	f := newFixture(t)
	guarded := envelope.ContainerIDFor("C.Guarded")
	open := envelope.ContainerIDFor("C.Open")
	eval, err := policy.NewCELEvaluator(policy.Table{
		guarded: {
			Rules: []policy.Rule{{Name: "credits-only", Expr: "commit.delta_sign >= 0", Reason: "debits are not allowed"}},
			RequirePact: map[contracts.IntentClass]string{
				contracts.IntentEntropy: "mint",
			},
		},
	})
	require.NoError(t, err)
	f.orch.SetPolicy(eval)
	author := newSigner(t)

	f.mustSubmit(t, f.next(t, guarded, contracts.IntentConservation, 10, author))
	_, err = f.orch.Submit(context.Background(), ptr(f.next(t, guarded, contracts.IntentConservation, -5, author)))
	body := requireKind(t, err, contracts.KindPolicyDenied)
	assert.Equal(t, "debits are not allowed", body.Message)

	// Entropy without the required pact is denied before the membrane runs.
	_, err = f.orch.Submit(context.Background(), ptr(f.next(t, guarded, contracts.IntentEntropy, 5, author)))
	requireKind(t, err, contracts.KindPolicyDenied)

	// Containers without a policy are not evaluated.
	f.mustSubmit(t, f.next(t, open, contracts.IntentConservation, 10, author))
	f.mustSubmit(t, f.next(t, open, contracts.IntentConservation, -5, author))
}

type failingPolicy struct{}

func (failingPolicy) Evaluate(context.Context, policy.Input) (policy.Decision, error) {
	return policy.Decision{}, errors.New("engine down")
}

func TestSubmit_PolicyErrorIsInternal(t *testing.T) {
	f := newFixture(t)
	f.orch.SetPolicy(failingPolicy{})
	c := f.next(t, envelope.ContainerIDFor("C.Test"), contracts.IntentObservation, 0, newSigner(t))
	_, err := f.orch.Submit(context.Background(), &c)
	requireKind(t, err, contracts.KindInternal)
}

func TestSubmit_NamespaceScopedPact(t *testing.T) {
	f := newFixture(t)
	cid := envelope.ContainerIDFor("C.Ops")
	a, b := newSigner(t), newSigner(t)
	p := &pact.Pact{
		ID:          "ops-mint",
		Scope:       pact.NamespaceScope("ops"),
		IntentClass: contracts.IntentEntropy,
		Threshold:   1,
		Signers:     []contracts.PublicKey{a.PublicKey()},
		Window:      pact.Window{NotBefore: now.Add(-time.Hour), NotAfter: now.Add(time.Hour)},
		RiskLevel:   pact.L4,
	}
	require.NoError(t, f.pacts.Put(context.Background(), p))

	build := func() contracts.Commit {
		head, err := f.orch.Head(context.Background(), cid)
		require.NoError(t, err)
		unsigned := envelope.Next(head).Atom(contracts.Hash{9}).
			Intent(contracts.IntentEntropy, contracts.Int128FromInt64(3)).Unsigned()
		return envelope.Next(head).Atom(unsigned.AtomHash).
			Intent(unsigned.IntentClass, unsigned.PhysicsDelta).
			Pact(pact.Prove(p.ID, &unsigned, a)).
			Sign(b)
	}

	_, err := f.orch.Submit(context.Background(), ptr(build()))
	body := requireKind(t, err, contracts.KindPactViolation)
	assert.Equal(t, string(contracts.KindUnknownPact), body.Details["pact_error"])

	f.orch.SetNamespaces(map[contracts.ContainerID]string{cid: "ops"})
	f.mustSubmit(t, build())
}

func TestSubmit_HaltedContainer(t *testing.T) {
	f := newFixture(t)
	cid := envelope.ContainerIDFor("C.Test")
	require.NoError(t, f.store.Halt(context.Background(), cid, "operator freeze"))

	_, err := f.orch.Submit(context.Background(), ptr(f.next(t, cid, contracts.IntentObservation, 0, newSigner(t))))
	body := requireKind(t, err, contracts.KindContainerHalted)
	assert.Equal(t, "operator freeze", body.Details["reason"])
	assert.ErrorIs(t, err, ledger.ErrHalted)

	require.NoError(t, f.store.Resume(context.Background(), cid))
	f.mustSubmit(t, f.next(t, cid, contracts.IntentObservation, 0, newSigner(t)))
}

func TestSubmit_NilCommit(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Submit(context.Background(), nil)
	requireKind(t, err, contracts.KindInvalidRequest)
	requireKind(t, f.orch.Validate(context.Background(), nil), contracts.KindInvalidRequest)
}

func TestValidate_DryRun(t *testing.T) {
	f := newFixture(t)
	cid := envelope.ContainerIDFor("C.Test")
	author := newSigner(t)
	c := f.next(t, cid, contracts.IntentObservation, 0, author)

	require.NoError(t, f.orch.Validate(context.Background(), &c))
	head, err := f.orch.Head(context.Background(), cid)
	require.NoError(t, err)
	assert.Zero(t, head.Sequence)
	assert.Empty(t, f.notes.all())

	f.mustSubmit(t, c)
	requireKind(t, f.orch.Validate(context.Background(), &c), contracts.KindSequenceMismatch)

	bad := f.next(t, cid, contracts.IntentObservation, 7, author)
	requireKind(t, f.orch.Validate(context.Background(), &bad), contracts.KindPhysicsViolation)
}

func TestSubmit_ConcurrentSameHead(t *testing.T) {
	f := newFixture(t)
	cid := envelope.ContainerIDFor("C.Race")

	const n = 8
	commits := make([]contracts.Commit, n)
	for i := range commits {
		commits[i] = f.next(t, cid, contracts.IntentObservation, 0, newSigner(t))
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		kinds    = map[contracts.ErrorKind]int{}
	)
	for i := range commits {
		wg.Add(1)
		go func(c contracts.Commit) {
			defer wg.Done()
			_, err := f.orch.Submit(context.Background(), &c)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				accepted++
				return
			}
			kinds[Classify(err).ErrorKind]++
		}(commits[i])
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	assert.Equal(t, n-1, kinds[contracts.KindRealityDrift])
	assert.Len(t, f.notes.all(), 1)
}

func TestSubmit_TailBusReceivesNotification(t *testing.T) {
	f := newFixture(t)
	bus := notify.NewTailBus(4)
	f.orch.SetPublisher(notify.Fanout{bus, f.notes})
	cid := envelope.ContainerIDFor("C.Tail")
	ch, cancel := bus.Subscribe(&cid)
	defer cancel()

	f.mustSubmit(t, f.next(t, cid, contracts.IntentObservation, 0, newSigner(t)))
	select {
	case n := <-ch:
		assert.Equal(t, contracts.Notification{ContainerID: cid, Sequence: 1}, n)
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}
}

func TestClassify(t *testing.T) {
	assert.Nil(t, Classify(nil))

	r := &membrane.Rejection{Kind: contracts.KindPactViolation, PactKind: contracts.KindPactExpired, Msg: "late"}
	body := Classify(r)
	assert.Equal(t, contracts.KindPactViolation, body.ErrorKind)
	assert.Equal(t, "PactExpired", body.Details["pact_error"])

	integ := &ledger.IntegrityError{Kind: contracts.KindBrokenChain, Sequence: 4, Msg: "relinked"}
	body = Classify(integ)
	assert.Equal(t, contracts.KindBrokenChain, body.ErrorKind)
	assert.Equal(t, uint64(4), body.Details["sequence"])

	assert.Equal(t, contracts.KindNotFound, Classify(ledger.ErrNotFound).ErrorKind)
	assert.Equal(t, contracts.KindInternal, Classify(errors.New("db exploded")).ErrorKind)
	assert.Equal(t, "internal error", Classify(errors.New("db exploded")).Message)
}

func ptr(c contracts.Commit) *contracts.Commit { return &c }
