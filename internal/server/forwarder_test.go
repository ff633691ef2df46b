package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dropDatabas3/farodb/internal/cluster"
	"github.com/dropDatabas3/farodb/internal/command"
	"github.com/dropDatabas3/farodb/internal/topology"
	"github.com/dropDatabas3/farodb/internal/transport"
)

// fakeConsensus implementa la vista de consenso que usa el forwarder.
type fakeConsensus struct {
	mu        sync.Mutex
	leader    bool
	leaderTag string
	waitBlock bool
	onWait    func(call int) (string, error)
	waitCalls int
	applied   []command.Envelope
	applyRes  command.Result
	applyErr  error
}

func (n *fakeConsensus) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leader
}

func (n *fakeConsensus) WaitForLeader(ctx context.Context) (string, error) {
	if n.waitBlock {
		<-ctx.Done()
		return "", ctx.Err()
	}
	n.mu.Lock()
	n.waitCalls++
	call := n.waitCalls
	hook := n.onWait
	tag := n.leaderTag
	n.mu.Unlock()
	if hook != nil {
		return hook(call)
	}
	return tag, nil
}

func (n *fakeConsensus) ApplyEnvelope(ctx context.Context, env command.Envelope) (command.Result, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.applyErr != nil {
		return command.Result{}, n.applyErr
	}
	n.applied = append(n.applied, env)
	return n.applyRes, nil
}

func (n *fakeConsensus) appliedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.applied)
}

func staticTopo(t *topology.Topology) TopologySource {
	return func(ctx context.Context) (*topology.Topology, error) { return t, nil }
}

func memberTopo(t *testing.T, members map[string]string) *topology.Topology {
	t.Helper()
	topo := topology.New()
	for tag, url := range members {
		if err := topo.Set(tag, url, topology.RoleMember); err != nil {
			t.Fatalf("armando topología: %v", err)
		}
	}
	return topo
}

func testEnvelope(t *testing.T) command.Envelope {
	t.Helper()
	env, err := command.New(command.TypeValuePut, "", command.ValuePayload{Key: "color", Value: []byte("azul")})
	if err != nil {
		t.Fatalf("armando sobre: %v", err)
	}
	return env
}

// leaderStub levanta un líder HTTP de mentira que responde siempre igual.
func leaderStub(t *testing.T, status int, body string, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestForwarderAppliesLocallyWhenLeader(t *testing.T) {
	n := &fakeConsensus{leader: true, applyRes: command.Result{Index: 7}}
	f := NewForwarder(ForwarderOptions{
		Node: n, Topology: staticTopo(nil), Secret: "s", SelfTag: "nodo-a",
	})

	env := testEnvelope(t)
	res, err := f.Submit(context.Background(), env)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Index != 7 {
		t.Fatalf("índice %d, quería 7", res.Index)
	}
	if n.appliedCount() != 1 {
		t.Fatalf("el consenso aplicó %d sobres, quería 1", n.appliedCount())
	}
	if n.applied[0].ID != env.ID {
		t.Fatal("el sobre debe llegar al consenso sin re-sellar")
	}
}

func TestForwarderDedupCachesResult(t *testing.T) {
	n := &fakeConsensus{leader: true, applyRes: command.Result{Index: 3}}
	f := NewForwarder(ForwarderOptions{
		Node: n, Topology: staticTopo(nil), Secret: "s", SelfTag: "nodo-a",
	})

	env := testEnvelope(t)
	first, err := f.Submit(context.Background(), env)
	if err != nil {
		t.Fatalf("primer Submit: %v", err)
	}
	second, err := f.Submit(context.Background(), env)
	if err != nil {
		t.Fatalf("segundo Submit: %v", err)
	}
	if n.appliedCount() != 1 {
		t.Fatalf("un sobre repetido no debe aplicarse dos veces (aplicó %d)", n.appliedCount())
	}
	if first.Index != second.Index {
		t.Fatalf("el resultado cacheado difiere: %d vs %d", first.Index, second.Index)
	}
}

func TestForwarderForwardsToLeaderWithPeerAuth(t *testing.T) {
	const secret = "secreto-de-cluster"

	var gotPeer string
	var gotEnv command.Envelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		peer, err := transport.VerifyPeerToken([]byte(secret), raw)
		if err != nil {
			t.Errorf("token de par inválido: %v", err)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		gotPeer = peer
		if err := json.NewDecoder(r.Body).Decode(&gotEnv); err != nil {
			t.Errorf("decodificando sobre: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"index":42}`)
	}))
	defer srv.Close()

	n := &fakeConsensus{leader: false, leaderTag: "nodo-b"}
	f := NewForwarder(ForwarderOptions{
		Node:     n,
		Topology: staticTopo(memberTopo(t, map[string]string{"nodo-b": srv.URL})),
		Secret:   secret,
		SelfTag:  "nodo-a",
	})

	env := testEnvelope(t)
	res, err := f.Submit(context.Background(), env)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Index != 42 {
		t.Fatalf("índice %d, quería 42", res.Index)
	}
	if gotPeer != "nodo-a" {
		t.Fatalf("el líder vio al par %q, quería nodo-a", gotPeer)
	}
	if gotEnv.ID != env.ID || gotEnv.TsUnix != env.TsUnix {
		t.Fatal("el sobre debe viajar sin re-sellar")
	}
}

func TestForwarderChasesNewLeader(t *testing.T) {
	var hitsB, hitsC atomic.Int32
	srvB := leaderStub(t, http.StatusConflict, `{"code":"NOT_LEADER","message":"ya no"}`, &hitsB)
	srvC := leaderStub(t, http.StatusOK, `{"index":9}`, &hitsC)

	n := &fakeConsensus{leader: false}
	n.onWait = func(call int) (string, error) {
		if call == 1 {
			return "nodo-b", nil
		}
		return "nodo-c", nil
	}
	f := NewForwarder(ForwarderOptions{
		Node: n,
		Topology: staticTopo(memberTopo(t, map[string]string{
			"nodo-b": srvB.URL,
			"nodo-c": srvC.URL,
		})),
		Secret:  "s",
		SelfTag: "nodo-a",
	})

	res, err := f.Submit(context.Background(), testEnvelope(t))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Index != 9 {
		t.Fatalf("índice %d, quería 9", res.Index)
	}
	if hitsB.Load() != 1 || hitsC.Load() != 1 {
		t.Fatalf("golpes: b=%d c=%d, quería 1 y 1", hitsB.Load(), hitsC.Load())
	}
}

func TestForwarderStopsWhenLeaderUnchanged(t *testing.T) {
	var hits atomic.Int32
	srv := leaderStub(t, http.StatusConflict, `{"code":"NOT_LEADER","message":"no"}`, &hits)

	n := &fakeConsensus{leader: false, leaderTag: "nodo-b"}
	f := NewForwarder(ForwarderOptions{
		Node:     n,
		Topology: staticTopo(memberTopo(t, map[string]string{"nodo-b": srv.URL})),
		Secret:   "s",
		SelfTag:  "nodo-a",
	})

	_, err := f.Submit(context.Background(), testEnvelope(t))
	if !errors.Is(err, cluster.ErrNotLeader) {
		t.Fatalf("quería ErrNotLeader, vino: %v", err)
	}
	// el mismo líder no se reintenta: un solo golpe HTTP
	if hits.Load() != 1 {
		t.Fatalf("golpes al líder: %d, quería 1", hits.Load())
	}
}

func TestForwarderTopologyInconsistent(t *testing.T) {
	n := &fakeConsensus{leader: false, leaderTag: "nodo-b"}
	f := NewForwarder(ForwarderOptions{
		Node:     n,
		Topology: staticTopo(memberTopo(t, map[string]string{"otro": "http://x"})),
		Secret:   "s",
		SelfTag:  "nodo-a",
	})

	_, err := f.Submit(context.Background(), testEnvelope(t))
	if !errors.Is(err, cluster.ErrTopologyInconsistent) {
		t.Fatalf("quería ErrTopologyInconsistent, vino: %v", err)
	}
}

func TestForwarderFallsBackToAPIAddrs(t *testing.T) {
	var hits atomic.Int32
	srv := leaderStub(t, http.StatusOK, `{"index":5}`, &hits)

	// sin topología escrita todavía: el mapa api_addrs de la config decide
	n := &fakeConsensus{leader: false, leaderTag: "nodo-b"}
	f := NewForwarder(ForwarderOptions{
		Node:     n,
		Topology: staticTopo(nil),
		Secret:   "s",
		SelfTag:  "nodo-a",
		APIAddrs: map[string]string{"nodo-b": srv.URL},
	})

	res, err := f.Submit(context.Background(), testEnvelope(t))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Index != 5 {
		t.Fatalf("índice %d, quería 5", res.Index)
	}
}

func TestForwarderSubmitHonorsDeadline(t *testing.T) {
	n := &fakeConsensus{leader: false, waitBlock: true}
	f := NewForwarder(ForwarderOptions{
		Node:          n,
		Topology:      staticTopo(nil),
		Secret:        "s",
		SelfTag:       "nodo-a",
		SubmitTimeout: 60 * time.Millisecond,
	})

	start := time.Now()
	_, err := f.Submit(context.Background(), testEnvelope(t))
	if !errors.Is(err, cluster.ErrNoLeader) {
		t.Fatalf("quería ErrNoLeader, vino: %v", err)
	}
	if took := time.Since(start); took > 2*time.Second {
		t.Fatalf("Submit no respetó el deadline: tardó %s", took)
	}
}

func TestForwarderBecomesLeaderMidWait(t *testing.T) {
	n := &fakeConsensus{leader: false, applyRes: command.Result{Index: 11}}
	n.onWait = func(call int) (string, error) {
		n.mu.Lock()
		n.leader = true
		n.mu.Unlock()
		return "nodo-a", nil
	}
	f := NewForwarder(ForwarderOptions{
		Node: n, Topology: staticTopo(nil), Secret: "s", SelfTag: "nodo-a",
	})

	res, err := f.Submit(context.Background(), testEnvelope(t))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Index != 11 {
		t.Fatalf("índice %d, quería 11", res.Index)
	}
	if n.appliedCount() != 1 {
		t.Fatalf("aplicó %d veces, quería 1 (local, tras volverse líder)", n.appliedCount())
	}
}

func TestForwarderNetworkErrorNoRetry(t *testing.T) {
	n := &fakeConsensus{leader: false, leaderTag: "nodo-b"}
	f := NewForwarder(ForwarderOptions{
		Node:     n,
		Topology: staticTopo(memberTopo(t, map[string]string{"nodo-b": "http://127.0.0.1:1"})),
		Secret:   "s",
		SelfTag:  "nodo-a",
	})

	_, err := f.Submit(context.Background(), testEnvelope(t))
	if err == nil {
		t.Fatal("quería un error de red")
	}
	if errors.Is(err, cluster.ErrNotLeader) || errors.Is(err, cluster.ErrNoLeader) {
		t.Fatalf("un error de red no debe disfrazarse de error de liderazgo: %v", err)
	}
	if n.waitCalls != 1 {
		t.Fatalf("esperó al líder %d veces, quería 1 (sin reintento)", n.waitCalls)
	}
}
