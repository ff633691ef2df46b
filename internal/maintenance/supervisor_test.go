package maintenance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dropDatabas3/farodb/internal/cluster"
	"github.com/dropDatabas3/farodb/internal/notify"
	"github.com/dropDatabas3/farodb/internal/topology"
	"github.com/dropDatabas3/farodb/internal/transport"
)

type addCall struct {
	tag   string
	addr  string
	voter bool
}

// fakeNode implementa Consensus registrando cada mutación de membresía.
type fakeNode struct {
	mu         sync.Mutex
	selfTag    string
	leaderTag  string
	members    []cluster.Member
	membersErr error
	verifyErr  error

	added   []addCall
	demoted []string
	removed []string

	topoCh chan struct{}
	roleCh chan struct{}
	exitCh chan struct{}
}

func newFakeNode(selfTag string) *fakeNode {
	return &fakeNode{
		selfTag:   selfTag,
		leaderTag: selfTag,
		topoCh:    make(chan struct{}, 1),
		roleCh:    make(chan struct{}, 1),
		exitCh:    make(chan struct{}, 1),
	}
}

func (n *fakeNode) LocalTag() string { return n.selfTag }

func (n *fakeNode) LeaderTag() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leaderTag
}

func (n *fakeNode) Term() uint64 { return 1 }

func (n *fakeNode) TopologyChanged() <-chan struct{} { return n.topoCh }

func (n *fakeNode) WaitForRole(ctx context.Context, want cluster.Role) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-n.roleCh:
		return nil
	}
}

func (n *fakeNode) WaitForRoleExit(ctx context.Context, role cluster.Role) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-n.exitCh:
		return nil
	}
}

func (n *fakeNode) VerifyLeadership(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.verifyErr
}

func (n *fakeNode) Members(ctx context.Context) ([]cluster.Member, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.membersErr != nil {
		return nil, n.membersErr
	}
	out := make([]cluster.Member, len(n.members))
	copy(out, n.members)
	return out, nil
}

func (n *fakeNode) AddNode(ctx context.Context, tag, addr string, voter bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.added = append(n.added, addCall{tag: tag, addr: addr, voter: voter})
	return nil
}

func (n *fakeNode) DemoteNode(ctx context.Context, tag string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.demoted = append(n.demoted, tag)
	return nil
}

func (n *fakeNode) RemoveNode(ctx context.Context, tag string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.removed = append(n.removed, tag)
	return nil
}

func (n *fakeNode) calls() ([]addCall, []string, []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]addCall(nil), n.added...),
		append([]string(nil), n.demoted...),
		append([]string(nil), n.removed...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("nunca pasó: %s", what)
}

func recvAlert(t *testing.T, ch <-chan notify.Alert) notify.Alert {
	t.Helper()
	select {
	case a := <-ch:
		return a
	case <-time.After(2 * time.Second):
		t.Fatal("no llegó ninguna alerta")
		return notify.Alert{}
	}
}

func TestSupervisorReconcileAlignsMembership(t *testing.T) {
	node := newFakeNode("nodo-a")
	node.members = []cluster.Member{
		{Tag: "nodo-a", Addr: "10.0.0.1:4200", Voter: true},
		{Tag: "nodo-c", Addr: "10.0.0.3:4200", Voter: true},  // la topología lo quiere watcher
		{Tag: "nodo-e", Addr: "10.0.0.5:4200", Voter: true},  // ya no figura en la topología
		{Tag: "nodo-g", Addr: "10.0.0.7:4200", Voter: false}, // la topología lo asciende
	}

	topo := topology.New()
	for tag, url := range map[string]string{
		"nodo-a": "http://a:4100",
		"nodo-b": "http://b:4100",
		"nodo-g": "http://g:4100",
	} {
		if err := topo.Set(tag, url, topology.RoleMember); err != nil {
			t.Fatalf("armando topología: %v", err)
		}
	}
	if err := topo.Set("nodo-c", "http://c:4100", topology.RoleWatcher); err != nil {
		t.Fatalf("armando topología: %v", err)
	}
	if err := topo.Set("nodo-f", "http://f:4100", topology.RolePromotable); err != nil {
		t.Fatalf("armando topología: %v", err)
	}

	s := NewSupervisor(SupervisorOptions{
		Node:      node,
		Topology:  func(ctx context.Context) (*topology.Topology, error) { return topo, nil },
		RaftAddrs: map[string]string{"nodo-a": "10.0.0.1:4200", "nodo-b": "10.0.0.2:4200"},
	})

	s.reconcile(context.Background(), topo)

	added, demoted, removed := node.calls()

	byTag := map[string]addCall{}
	for _, c := range added {
		byTag[c.tag] = c
	}
	if c, ok := byTag["nodo-b"]; !ok || !c.voter || c.addr != "10.0.0.2:4200" {
		t.Fatalf("nodo-b debía sumarse como voter con su addr raft: %+v", added)
	}
	if c, ok := byTag["nodo-g"]; !ok || !c.voter || c.addr != "10.0.0.7:4200" {
		t.Fatalf("nodo-g debía promoverse in situ con su addr actual: %+v", added)
	}
	if _, ok := byTag["nodo-f"]; ok {
		t.Fatal("nodo-f no tiene addr raft conocida; no debía sumarse")
	}
	if len(demoted) != 1 || demoted[0] != "nodo-c" {
		t.Fatalf("degradados %v, quería [nodo-c]", demoted)
	}
	if len(removed) != 1 || removed[0] != "nodo-e" {
		t.Fatalf("removidos %v, quería [nodo-e]", removed)
	}
}

func TestSupervisorNeverTouchesItself(t *testing.T) {
	node := newFakeNode("nodo-a")
	node.members = []cluster.Member{{Tag: "nodo-a", Addr: "10.0.0.1:4200", Voter: true}}

	// la topología degrada a este nodo y además lo omite: ambas cosas se ignoran
	topo := topology.New()
	if err := topo.Set("nodo-a", "http://a:4100", topology.RoleWatcher); err != nil {
		t.Fatalf("armando topología: %v", err)
	}
	s := NewSupervisor(SupervisorOptions{
		Node:     node,
		Topology: func(ctx context.Context) (*topology.Topology, error) { return topo, nil },
	})
	s.reconcile(context.Background(), topo)

	empty := topology.New()
	s.reconcile(context.Background(), empty)

	added, demoted, removed := node.calls()
	if len(added) != 0 || len(demoted) != 0 || len(removed) != 0 {
		t.Fatalf("el supervisor nunca se degrada ni se remueve a sí mismo: añadidos=%v degradados=%v removidos=%v",
			added, demoted, removed)
	}
}

func TestSupervisorHealthRequiresLeadership(t *testing.T) {
	s := NewSupervisor(SupervisorOptions{Node: newFakeNode("nodo-a")})

	if _, err := s.Health(context.Background()); !errors.Is(err, cluster.ErrNotLeader) {
		t.Fatalf("sin liderazgo quería ErrNotLeader, vino %v", err)
	}

	s.mu.Lock()
	s.leading = true
	s.health["nodo-b"] = &topology.Health{Tag: "nodo-b", Fails: 3}
	s.mu.Unlock()

	snap, err := s.Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	snap["nodo-b"].Fails = 99

	again, err := s.Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if again["nodo-b"].Fails != 3 {
		t.Fatal("la foto de salud debe ser una copia, no el estado interno")
	}
}

func TestSupervisorProbeTransitions(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if healthy.Load() {
			fmt.Fprint(w, `{"tag":"nodo-b"}`)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"code":"INTERNAL","message":"se rompió"}`)
	}))
	defer srv.Close()

	bus := notify.NewBus()
	defer bus.Close()
	alerts, cancelAlerts := bus.SubscribeAlerts(4)
	defer cancelAlerts()

	s := NewSupervisor(SupervisorOptions{
		Node:       newFakeNode("nodo-a"),
		Client:     transport.NewClient([]byte("s"), "nodo-a", time.Second),
		Bus:        bus,
		ProbeEvery: time.Second,
	})
	s.mu.Lock()
	s.leading = true
	s.health["nodo-b"] = &topology.Health{Tag: "nodo-b", URL: srv.URL, Status: topology.StatusUnknown}
	s.mu.Unlock()

	ctx := context.Background()

	s.probe(ctx, "nodo-b", srv.URL)
	snap, _ := s.Health(ctx)
	h := snap["nodo-b"]
	if h.Status != topology.StatusUnreachable || h.Fails != 1 || h.Failing.IsZero() || h.LastErr == "" {
		t.Fatalf("tras el primer fallo: %+v", h)
	}
	if a := recvAlert(t, alerts); a.Severity != notify.SeverityWarning {
		t.Fatalf("la caída debe alertar con warning, vino %s", a.Severity)
	}

	// los fallos siguientes alargan la racha sin alertar de nuevo
	s.probe(ctx, "nodo-b", srv.URL)
	snap, _ = s.Health(ctx)
	if snap["nodo-b"].Fails != 2 {
		t.Fatalf("racha de fallos %d, quería 2", snap["nodo-b"].Fails)
	}
	select {
	case a := <-alerts:
		t.Fatalf("un fallo repetido no debe alertar otra vez: %+v", a)
	default:
	}

	healthy.Store(true)
	s.probe(ctx, "nodo-b", srv.URL)
	snap, _ = s.Health(ctx)
	h = snap["nodo-b"]
	if h.Status != topology.StatusHealthy || h.Fails != 0 || !h.Failing.IsZero() || h.LastErr != "" {
		t.Fatalf("tras recuperarse: %+v", h)
	}
	if a := recvAlert(t, alerts); a.Severity != notify.SeverityInfo {
		t.Fatalf("la recuperación debe alertar con info, vino %s", a.Severity)
	}
}

func TestSupervisorLeadsAndTearsDown(t *testing.T) {
	node := newFakeNode("nodo-a")
	node.members = []cluster.Member{
		{Tag: "nodo-a", Addr: "10.0.0.1:4200", Voter: true},
		{Tag: "nodo-b", Addr: "10.0.0.2:4200", Voter: true},
	}

	full := topology.New()
	for tag, url := range map[string]string{"nodo-a": "http://a:4100", "nodo-b": "http://b:4100"} {
		if err := full.Set(tag, url, topology.RoleMember); err != nil {
			t.Fatalf("armando topología: %v", err)
		}
	}
	var topoPtr atomic.Pointer[topology.Topology]
	topoPtr.Store(full)

	s := NewSupervisor(SupervisorOptions{
		Node:       node,
		Topology:   func(ctx context.Context) (*topology.Topology, error) { return topoPtr.Load(), nil },
		Bus:        notify.NewBus(),
		ProbeEvery: time.Hour, // sin sondas reales en este test
	})
	s.Start()
	defer s.Close()

	// gana la elección: arranca la supervisión y abre la sonda del par
	node.roleCh <- struct{}{}
	waitFor(t, "supervisión activa", s.Leading)
	waitFor(t, "sonda de nodo-b abierta", func() bool {
		snap, err := s.Health(context.Background())
		return err == nil && snap["nodo-b"] != nil
	})
	if snap, _ := s.Health(context.Background()); snap["nodo-a"] != nil {
		t.Fatal("el líder no se sondea a sí mismo")
	}

	// la topología pierde a nodo-b: la sonda muere y el consenso lo suelta
	shrunk := full.Clone()
	shrunk.Remove("nodo-b")
	topoPtr.Store(shrunk)
	node.topoCh <- struct{}{}
	waitFor(t, "sonda de nodo-b cerrada", func() bool {
		snap, err := s.Health(context.Background())
		return err == nil && len(snap) == 0
	})
	waitFor(t, "nodo-b removido del consenso", func() bool {
		_, _, removed := node.calls()
		return len(removed) == 1 && removed[0] == "nodo-b"
	})

	// pierde el liderazgo: todo se desarma
	node.exitCh <- struct{}{}
	waitFor(t, "supervisión detenida", func() bool { return !s.Leading() })
	if _, err := s.Health(context.Background()); !errors.Is(err, cluster.ErrNotLeader) {
		t.Fatalf("fuera del liderazgo quería ErrNotLeader, vino %v", err)
	}
}
