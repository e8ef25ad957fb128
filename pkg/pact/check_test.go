package pact

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/ubl/pkg/contracts"
	"github.com/Mindburn-Labs/ubl/pkg/crypto"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	a, b, c, d *crypto.Ed25519Signer
	pact       *Pact
	commit     contracts.Commit
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{}
	for _, s := range []**crypto.Ed25519Signer{&f.a, &f.b, &f.c, &f.d} {
		signer, err := crypto.NewEd25519Signer("")
		require.NoError(t, err)
		*s = signer
	}
	f.pact = &Pact{
		ID:          "entropy-quorum",
		Version:     1,
		Scope:       GlobalScope(),
		IntentClass: contracts.IntentEntropy,
		Threshold:   2,
		Signers:     []contracts.PublicKey{f.a.PublicKey(), f.b.PublicKey(), f.c.PublicKey()},
		Window:      Window{NotBefore: testNow.Add(-time.Hour), NotAfter: testNow.Add(time.Hour)},
		RiskLevel:   L4,
	}
	require.NoError(t, f.pact.Validate())
	f.commit = contracts.Commit{
		Version:      contracts.ProtocolVersion,
		ContainerID:  contracts.ContainerID{0x42},
		AtomHash:     contracts.Hash{0x01},
		IntentClass:  contracts.IntentEntropy,
		PhysicsDelta: contracts.Int128FromInt64(-10),
	}
	return f
}

func (f *fixture) check(proof *contracts.PactProof) error {
	return Check(proof, Set{f.pact.ID: f.pact}, ContextFor(&f.commit, "", testNow))
}

func requirePactKind(t *testing.T, err error, kind contracts.ErrorKind) {
	t.Helper()
	var perr *Error
	require.True(t, errors.As(err, &perr), "expected *pact.Error, got %v", err)
	assert.Equal(t, kind, perr.Kind)
}

func TestCheck_Quorum(t *testing.T) {
	f := newFixture(t)

	one := Prove(f.pact.ID, &f.commit, f.a)
	requirePactKind(t, f.check(one), contracts.KindInsufficientSignatures)

	two := Prove(f.pact.ID, &f.commit, f.a, f.b)
	assert.NoError(t, f.check(two))

	outsider := Prove(f.pact.ID, &f.commit, f.a, f.d)
	requirePactKind(t, f.check(outsider), contracts.KindUnauthorizedSigner)
}

func TestCheck_DuplicateSignerNeverCountsTwice(t *testing.T) {
	f := newFixture(t)
	proof := Prove(f.pact.ID, &f.commit, f.a)
	proof.Signatures = append(proof.Signatures, proof.Signatures[0])
	requirePactKind(t, f.check(proof), contracts.KindDuplicateSigner)
}

func TestCheck_InvalidMemberSignatureDoesNotCount(t *testing.T) {
	f := newFixture(t)
	proof := Prove(f.pact.ID, &f.commit, f.a, f.b)
	proof.Signatures[1].Signature[0] ^= 0xff
	requirePactKind(t, f.check(proof), contracts.KindInsufficientSignatures)

	proof = Prove(f.pact.ID, &f.commit, f.a, f.b, f.c)
	proof.Signatures[1].Signature[0] ^= 0xff
	assert.NoError(t, f.check(proof))
}

func TestCheck_SignaturesBindCommitFields(t *testing.T) {
	f := newFixture(t)
	proof := Prove(f.pact.ID, &f.commit, f.a, f.b)
	f.commit.PhysicsDelta = contracts.Int128FromInt64(-11)
	requirePactKind(t, f.check(proof), contracts.KindInsufficientSignatures)
}

func TestCheck_UnknownPact(t *testing.T) {
	f := newFixture(t)
	proof := Prove("missing", &f.commit, f.a, f.b)
	requirePactKind(t, f.check(proof), contracts.KindUnknownPact)

	requirePactKind(t, f.check(nil), contracts.KindUnknownPact)
}

func TestCheck_Window(t *testing.T) {
	f := newFixture(t)
	proof := Prove(f.pact.ID, &f.commit, f.a, f.b)
	lookup := Set{f.pact.ID: f.pact}

	at := func(ts time.Time) error {
		return Check(proof, lookup, ContextFor(&f.commit, "", ts))
	}
	assert.NoError(t, at(f.pact.Window.NotBefore))
	assert.NoError(t, at(f.pact.Window.NotAfter))
	requirePactKind(t, at(f.pact.Window.NotAfter.Add(time.Millisecond)), contracts.KindPactExpired)
	requirePactKind(t, at(f.pact.Window.NotBefore.Add(-time.Millisecond)), contracts.KindPactExpired)

	f.pact.Window = Window{}
	requirePactKind(t, at(testNow), contracts.KindPactExpired)
}

func TestCheck_RiskMismatch(t *testing.T) {
	f := newFixture(t)
	f.commit.IntentClass = contracts.IntentConservation
	proof := Prove(f.pact.ID, &f.commit, f.a, f.b)
	requirePactKind(t, f.check(proof), contracts.KindRiskMismatch)
}

func TestCheck_Scope(t *testing.T) {
	f := newFixture(t)
	proof := Prove(f.pact.ID, &f.commit, f.a, f.b)
	lookup := Set{f.pact.ID: f.pact}

	f.pact.Scope = ContainerScope(contracts.ContainerID{0x99})
	requirePactKind(t, Check(proof, lookup, ContextFor(&f.commit, "", testNow)), contracts.KindUnknownPact)

	f.pact.Scope = ContainerScope(f.commit.ContainerID)
	assert.NoError(t, Check(proof, lookup, ContextFor(&f.commit, "", testNow)))

	f.pact.Scope = NamespaceScope("payments")
	requirePactKind(t, Check(proof, lookup, ContextFor(&f.commit, "", testNow)), contracts.KindUnknownPact)
	requirePactKind(t, Check(proof, lookup, ContextFor(&f.commit, "chat", testNow)), contracts.KindUnknownPact)
	assert.NoError(t, Check(proof, lookup, ContextFor(&f.commit, "payments", testNow)))
}

func TestRiskLevel_Mapping(t *testing.T) {
	want := map[RiskLevel]contracts.IntentClass{
		L0: contracts.IntentObservation,
		L1: contracts.IntentObservation,
		L2: contracts.IntentConservation,
		L3: contracts.IntentConservation,
		L4: contracts.IntentEntropy,
		L5: contracts.IntentEvolution,
	}
	for level, class := range want {
		got, ok := level.Class()
		require.True(t, ok)
		assert.Equal(t, class, got, level.String())
	}
	_, ok := RiskLevel(6).Class()
	assert.False(t, ok)

	lvl, err := ParseRiskLevel("L5")
	require.NoError(t, err)
	assert.Equal(t, L5, lvl)
	for _, bad := range []string{"L6", "5", "L05", "l5", ""} {
		_, err := ParseRiskLevel(bad)
		assert.Error(t, err, bad)
	}
}

func TestPact_Validate(t *testing.T) {
	f := newFixture(t)

	bad := *f.pact
	bad.Threshold = 4
	assert.Error(t, bad.Validate())

	bad = *f.pact
	bad.Threshold = 0
	assert.Error(t, bad.Validate())

	bad = *f.pact
	bad.Window = Window{}
	assert.Error(t, bad.Validate())

	bad = *f.pact
	bad.Signers = []contracts.PublicKey{f.a.PublicKey(), f.a.PublicKey()}
	assert.Error(t, bad.Validate())

	bad = *f.pact
	bad.RiskLevel = L5
	assert.Error(t, bad.Validate())

	bad = *f.pact
	bad.Scope = Scope{Kind: ScopeNamespace}
	assert.Error(t, bad.Validate())
}
