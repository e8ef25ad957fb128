package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/ubl/pkg/atoms"
	"github.com/Mindburn-Labs/ubl/pkg/canonicalize"
	"github.com/Mindburn-Labs/ubl/pkg/contracts"
	"github.com/Mindburn-Labs/ubl/pkg/crypto"
	"github.com/Mindburn-Labs/ubl/pkg/envelope"
	"github.com/Mindburn-Labs/ubl/pkg/merkle"
	"github.com/Mindburn-Labs/ubl/pkg/notify"
	"github.com/Mindburn-Labs/ubl/pkg/orchestrator"
	"github.com/Mindburn-Labs/ubl/pkg/pact"
	"github.com/Mindburn-Labs/ubl/pkg/store/ledger"
)

type testEnv struct {
	srv    *Server
	ts     *httptest.Server
	store  *ledger.MemoryStore
	author *crypto.Ed25519Signer
	cid    contracts.ContainerID
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := ledger.NewMemoryStore()
	reg, err := pact.NewMemoryRegistry()
	require.NoError(t, err)
	orch, err := orchestrator.New(store, reg)
	require.NoError(t, err)
	bus := notify.NewTailBus(16)
	orch.SetPublisher(bus)

	srv, err := NewServer(orch, store, atoms.NewMemoryStore(), bus)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	author, err := crypto.NewEd25519Signer("test")
	require.NoError(t, err)
	return &testEnv{srv: srv, ts: ts, store: store, author: author, cid: envelope.ContainerIDFor("C.Test")}
}

func (e *testEnv) commit(t *testing.T, class contracts.IntentClass, delta int64) contracts.Commit {
	t.Helper()
	head, err := e.store.Head(context.Background(), e.cid)
	require.NoError(t, err)
	return envelope.Next(head).
		Atom(contracts.Hash{0x5a, byte(head.Sequence)}).
		Intent(class, contracts.Int128FromInt64(delta)).
		Sign(e.author)
}

func (e *testEnv) do(t *testing.T, method, path string, body any, hdr map[string]string) *http.Response {
	t.Helper()
	var rdr *bytes.Reader
	switch b := body.(type) {
	case nil:
		rdr = bytes.NewReader(nil)
	case []byte:
		rdr = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rdr)
	require.NoError(t, err)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := e.ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func requireErrorKind(t *testing.T, resp *http.Response, status int, kind contracts.ErrorKind) contracts.ErrorBody {
	t.Helper()
	require.Equal(t, status, resp.StatusCode)
	body := decode[contracts.ErrorBody](t, resp)
	require.Equal(t, kind, body.ErrorKind, body.Message)
	return body
}

func TestSubmitCommit(t *testing.T) {
	e := newTestEnv(t)
	c := e.commit(t, contracts.IntentObservation, 0)

	resp := e.do(t, http.MethodPost, "/v1/commits", c, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))
	assert.Equal(t, "1.0.0", resp.Header.Get(ProtocolVersionHeader))

	receipt := decode[contracts.Receipt](t, resp)
	assert.Equal(t, e.cid, receipt.ContainerID)
	assert.Equal(t, uint64(1), receipt.Sequence)

	replay := e.do(t, http.MethodPost, "/v1/commits", c, nil)
	body := requireErrorKind(t, replay, http.StatusConflict, contracts.KindSequenceMismatch)
	assert.EqualValues(t, 2, body.Details["expected"])
}

func TestSubmitRejections(t *testing.T) {
	e := newTestEnv(t)

	evo := e.commit(t, contracts.IntentEvolution, 0)
	requireErrorKind(t, e.do(t, http.MethodPost, "/v1/commits", evo, nil),
		http.StatusForbidden, contracts.KindUnauthorizedEvolution)

	bad := e.commit(t, contracts.IntentObservation, 3)
	requireErrorKind(t, e.do(t, http.MethodPost, "/v1/commits", bad, nil),
		http.StatusUnprocessableEntity, contracts.KindPhysicsViolation)

	tampered := e.commit(t, contracts.IntentObservation, 0)
	tampered.AtomHash[0] ^= 0xff
	requireErrorKind(t, e.do(t, http.MethodPost, "/v1/commits", tampered, nil),
		http.StatusForbidden, contracts.KindInvalidSignature)
}

func TestSubmitSequenceZero(t *testing.T) {
	e := newTestEnv(t)
	head, err := e.store.Head(context.Background(), e.cid)
	require.NoError(t, err)
	c := envelope.Next(head).
		Atom(contracts.Hash{0x5a}).
		Intent(contracts.IntentObservation, contracts.Int128{}).
		Unsigned()
	c.ExpectedSequence = 0
	envelope.Sign(&c, e.author)

	body := requireErrorKind(t, e.do(t, http.MethodPost, "/v1/commits", c, nil),
		http.StatusConflict, contracts.KindSequenceMismatch)
	assert.EqualValues(t, 1, body.Details["expected"])
}

func TestSubmitMalformed(t *testing.T) {
	e := newTestEnv(t)
	c := e.commit(t, contracts.IntentObservation, 0)
	raw, err := json.Marshal(c)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	doc["extra"] = true
	requireErrorKind(t, e.do(t, http.MethodPost, "/v1/commits", doc, nil),
		http.StatusBadRequest, contracts.KindInvalidRequest)

	delete(doc, "extra")
	doc["physics_delta"] = 0
	requireErrorKind(t, e.do(t, http.MethodPost, "/v1/commits", doc, nil),
		http.StatusBadRequest, contracts.KindInvalidRequest)

	requireErrorKind(t, e.do(t, http.MethodPost, "/v1/commits", []byte("{not json"), nil),
		http.StatusBadRequest, contracts.KindInvalidRequest)
}

func TestValidateEndpoint(t *testing.T) {
	e := newTestEnv(t)
	c := e.commit(t, contracts.IntentObservation, 0)

	resp := e.do(t, http.MethodPost, "/v1/commits/validate", c, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]bool{"valid": true}, decode[map[string]bool](t, resp))

	head, err := e.store.Head(context.Background(), e.cid)
	require.NoError(t, err)
	assert.Zero(t, head.Sequence)
}

func TestReadEndpoints(t *testing.T) {
	e := newTestEnv(t)
	for i := 0; i < 3; i++ {
		resp := e.do(t, http.MethodPost, "/v1/commits", e.commit(t, contracts.IntentConservation, 10), nil)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}
	base := "/v1/containers/" + e.cid.String()

	head := decode[contracts.Head](t, e.do(t, http.MethodGet, base+"/head", nil, nil))
	assert.Equal(t, uint64(3), head.Sequence)
	assert.Equal(t, "30", head.Balance.String())

	type page struct {
		Entries   []contracts.Entry `json:"entries"`
		NextAfter *uint64           `json:"next_after"`
	}
	p := decode[page](t, e.do(t, http.MethodGet, base+"/entries?after=0&limit=2", nil, nil))
	require.Len(t, p.Entries, 2)
	require.NotNil(t, p.NextAfter)
	assert.Equal(t, uint64(2), *p.NextAfter)
	p = decode[page](t, e.do(t, http.MethodGet, base+"/entries?after=2", nil, nil))
	require.Len(t, p.Entries, 1)
	assert.Nil(t, p.NextAfter)

	requireErrorKind(t, e.do(t, http.MethodGet, base+"/entries?limit=0", nil, nil),
		http.StatusBadRequest, contracts.KindInvalidRequest)

	entry := decode[contracts.Entry](t, e.do(t, http.MethodGet, base+"/entries/2", nil, nil))
	assert.Equal(t, uint64(2), entry.Sequence)
	requireErrorKind(t, e.do(t, http.MethodGet, base+"/entries/9", nil, nil),
		http.StatusNotFound, contracts.KindNotFound)
	requireErrorKind(t, e.do(t, http.MethodGet, "/v1/containers/zz/head", nil, nil),
		http.StatusBadRequest, contracts.KindInvalidRequest)

	proof := decode[ProofResponse](t, e.do(t, http.MethodGet, base+"/proof/2", nil, nil))
	assert.Equal(t, entry.EntryHash, proof.Leaf)
	assert.Equal(t, uint64(3), proof.LeafCount)
	entries, err := e.store.Entries(context.Background(), e.cid, 0, 0)
	require.NoError(t, err)
	assert.True(t, merkle.Verify(proof.InclusionProof, merkle.EntryRoot(entries)))
	requireErrorKind(t, e.do(t, http.MethodGet, base+"/proof/4", nil, nil),
		http.StatusNotFound, contracts.KindNotFound)

	list := decode[map[string][]contracts.ContainerID](t, e.do(t, http.MethodGet, "/v1/containers", nil, nil))
	assert.Equal(t, []contracts.ContainerID{e.cid}, list["containers"])
}

func TestAtoms(t *testing.T) {
	e := newTestEnv(t)
	raw := []byte(`{"b": 2, "a": "x"}`)
	want, _, err := canonicalize.AtomHashJSON(raw)
	require.NoError(t, err)

	resp := e.do(t, http.MethodPut, "/v1/atoms", raw, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	ar := decode[AtomResponse](t, resp)
	assert.Equal(t, want, ar.AtomHash)

	got := e.do(t, http.MethodGet, "/v1/atoms/"+ar.AtomHash.String(), nil, nil)
	require.Equal(t, http.StatusOK, got.StatusCode)
	var buf bytes.Buffer
	_, err = buf.ReadFrom(got.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":2}`, buf.String())
	assert.Equal(t, ar.Size, buf.Len())

	mismatch := e.do(t, http.MethodPut, "/v1/atoms", raw, map[string]string{"X-Atom-Hash": contracts.Hash{1}.String()})
	requireErrorKind(t, mismatch, http.StatusBadRequest, contracts.KindInvalidRequest)

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPut, "/v1/atoms", []byte(`{"x": NaN}`), nil).StatusCode)

	requireErrorKind(t, e.do(t, http.MethodGet, "/v1/atoms/"+contracts.Hash{2}.String(), nil, nil),
		http.StatusNotFound, contracts.KindNotFound)
}

func TestVersionNegotiation(t *testing.T) {
	e := newTestEnv(t)

	ok := e.do(t, http.MethodGet, "/health", nil, map[string]string{AcceptVersionHeader: "^1.0"})
	assert.Equal(t, http.StatusOK, ok.StatusCode)

	requireErrorKind(t, e.do(t, http.MethodGet, "/health", nil, map[string]string{AcceptVersionHeader: ">=2.0.0"}),
		http.StatusUnprocessableEntity, contracts.KindInvalidVersion)
	requireErrorKind(t, e.do(t, http.MethodGet, "/health", nil, map[string]string{AcceptVersionHeader: "one point oh"}),
		http.StatusBadRequest, contracts.KindInvalidRequest)
}

func TestRequestIDEcho(t *testing.T) {
	e := newTestEnv(t)
	id := "0b9e5f6a-3c0e-4d7e-9f39-2f1c1f0a6c11"
	resp := e.do(t, http.MethodGet, "/health", nil, map[string]string{RequestIDHeader: id})
	assert.Equal(t, id, resp.Header.Get(RequestIDHeader))

	resp = e.do(t, http.MethodGet, "/health", nil, map[string]string{RequestIDHeader: "<script>"})
	assert.NotEqual(t, "<script>", resp.Header.Get(RequestIDHeader))
}

func TestRateLimit(t *testing.T) {
	e := newTestEnv(t)
	e.srv.SetRateLimiter(NewRateLimiter(0.001, 2))
	ts := httptest.NewServer(e.srv.Handler())
	defer ts.Close()

	for i := 0; i < 2; i++ {
		resp, err := ts.Client().Get(ts.URL + "/health")
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		require.NoError(t, resp.Body.Close())
	}
	resp, err := ts.Client().Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
	assert.Equal(t, contracts.KindRateLimited, decode[contracts.ErrorBody](t, resp).ErrorKind)
}

func TestRateLimiterEvicts(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	rl.limiter("10.0.0.1")
	rl.evict(time.Now().Add(time.Hour))
	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.Empty(t, rl.visitors)
}

func TestHaltedContainer(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.store.Halt(context.Background(), e.cid, "investigating"))
	requireErrorKind(t, e.do(t, http.MethodPost, "/v1/commits", e.commit(t, contracts.IntentObservation, 0), nil),
		http.StatusServiceUnavailable, contracts.KindContainerHalted)
}

func TestHealthHandler(t *testing.T) {
	e := newTestEnv(t)
	ts := httptest.NewServer(e.srv.HealthHandler())
	defer ts.Close()

	for _, path := range []string{"/health", "/ready"} {
		resp, err := ts.Client().Get(ts.URL + path)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		require.NoError(t, resp.Body.Close())
	}
}

func TestTailStream(t *testing.T) {
	e := newTestEnv(t)
	first := e.do(t, http.MethodPost, "/v1/commits", e.commit(t, contracts.IntentObservation, 0), nil)
	require.Equal(t, http.StatusCreated, first.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		e.ts.URL+"/v1/containers/"+e.cid.String()+"/tail", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "0")
	resp, err := e.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan string, 4)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if line := sc.Text(); strings.HasPrefix(line, "id: ") {
				events <- strings.TrimPrefix(line, "id: ")
			}
		}
		close(events)
	}()

	next := func() string {
		select {
		case id, ok := <-events:
			require.True(t, ok, "stream closed")
			return id
		case <-ctx.Done():
			t.Fatal("timed out waiting for event")
			return ""
		}
	}
	assert.Equal(t, "1", next())

	second := e.do(t, http.MethodPost, "/v1/commits", e.commit(t, contracts.IntentObservation, 0), nil)
	require.Equal(t, http.StatusCreated, second.StatusCode)
	assert.Equal(t, "2", next())
}

func TestStatusFor(t *testing.T) {
	cases := map[contracts.ErrorKind]int{
		contracts.KindRealityDrift:          http.StatusConflict,
		contracts.KindSequenceMismatch:      http.StatusConflict,
		contracts.KindInvalidSignature:      http.StatusForbidden,
		contracts.KindPactViolation:         http.StatusForbidden,
		contracts.KindUnauthorizedEvolution: http.StatusForbidden,
		contracts.KindPolicyDenied:          http.StatusForbidden,
		contracts.KindUnknownPact:           http.StatusForbidden,
		contracts.KindDuplicateSigner:       http.StatusForbidden,
		contracts.KindInvalidVersion:        http.StatusUnprocessableEntity,
		contracts.KindPhysicsViolation:      http.StatusUnprocessableEntity,
		contracts.KindNonFiniteNumber:       http.StatusBadRequest,
		contracts.KindInvalidRequest:        http.StatusBadRequest,
		contracts.KindNotFound:              http.StatusNotFound,
		contracts.KindRateLimited:           http.StatusTooManyRequests,
		contracts.KindContainerHalted:       http.StatusServiceUnavailable,
		contracts.KindBrokenChain:           http.StatusInternalServerError,
		contracts.KindInternal:              http.StatusInternalServerError,
	}
	for kind, status := range cases {
		assert.Equal(t, status, StatusFor(kind), fmt.Sprint(kind))
	}
}
