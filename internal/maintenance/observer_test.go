package maintenance

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/dropDatabas3/farodb/internal/cluster"
	"github.com/dropDatabas3/farodb/internal/command"
	"github.com/dropDatabas3/farodb/internal/notify"
	"github.com/dropDatabas3/farodb/internal/topology"
)

// submitRecorder captura los sobres que el observador propone.
type submitRecorder struct {
	mu   sync.Mutex
	envs []command.Envelope
	err  error
}

func (r *submitRecorder) submit(ctx context.Context, env command.Envelope) (command.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return command.Result{}, r.err
	}
	r.envs = append(r.envs, env)
	return command.Result{Index: uint64(len(r.envs))}, nil
}

func (r *submitRecorder) all() []command.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]command.Envelope(nil), r.envs...)
}

func failingHealth(tag string, since time.Duration) *topology.Health {
	return &topology.Health{
		Tag:     tag,
		Status:  topology.StatusUnreachable,
		Failing: time.Now().Add(-since),
		Fails:   3,
	}
}

func staticHealth(m map[string]*topology.Health) HealthSource {
	return func(ctx context.Context) (map[string]*topology.Health, error) { return m, nil }
}

func decodeTopoPayload(t *testing.T, env command.Envelope) *topology.Topology {
	t.Helper()
	if env.Type != command.TypeTopologyUpdate {
		t.Fatalf("tipo %s, quería topology.update", env.Type)
	}
	var p command.TopologyPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("payload ilegible: %v", err)
	}
	return p.Topology.Normalize()
}

func TestGracePolicyDecide(t *testing.T) {
	topo := topology.New()
	for tag, role := range map[string]topology.Role{
		"nodo-b": topology.RoleMember,
		"nodo-c": topology.RoleMember,
		"nodo-d": topology.RoleWatcher,
		"nodo-e": topology.RoleMember,
		"nodo-w": topology.RoleWatcher,
	} {
		if err := topo.Set(tag, "http://"+tag, role); err != nil {
			t.Fatalf("armando topología: %v", err)
		}
	}

	healthy := &topology.Health{Tag: "nodo-e", Status: topology.StatusHealthy}
	health := map[string]*topology.Health{
		"nodo-b": failingHealth("nodo-b", 2*time.Minute),  // member muerto hace rato
		"nodo-c": failingHealth("nodo-c", 40*time.Second), // member en zona de degradación
		"nodo-d": failingHealth("nodo-d", 2*time.Minute),  // watcher muerto
		"nodo-e": healthy,
		"nodo-w": failingHealth("nodo-w", 40*time.Second), // watcher: no hay a qué degradarlo
		"nodo-x": failingHealth("nodo-x", 2*time.Minute),  // ya no figura en la topología
	}

	p := GracePolicy{DemoteAfter: 30 * time.Second, RemoveAfter: 90 * time.Second}
	got := map[string]ActionOp{}
	for _, act := range p.Decide(health, topo) {
		got[act.Tag] = act.Op
	}

	want := map[string]ActionOp{
		"nodo-b": OpRemove,
		"nodo-c": OpDemote,
		"nodo-d": OpRemove,
	}
	if len(got) != len(want) {
		t.Fatalf("acciones %v, quería %v", got, want)
	}
	for tag, op := range want {
		if got[tag] != op {
			t.Fatalf("para %s decidió %q, quería %q", tag, got[tag], op)
		}
	}
}

func observerUnderTest(t *testing.T, topo *topology.Topology, health map[string]*topology.Health, rec *submitRecorder, autoRemove bool) (*Observer, *fakeNode, <-chan notify.Alert) {
	t.Helper()
	node := newFakeNode("nodo-a")
	bus := notify.NewBus()
	t.Cleanup(func() { bus.Close() })
	alerts, cancel := bus.SubscribeAlerts(8)
	t.Cleanup(cancel)

	o := NewObserver(ObserverOptions{
		Health:     staticHealth(health),
		Node:       node,
		Topology:   func(ctx context.Context) (*topology.Topology, error) { return topo, nil },
		Submit:     rec.submit,
		Bus:        bus,
		Policy:     GracePolicy{DemoteAfter: 30 * time.Second, RemoveAfter: time.Minute},
		AutoRemove: autoRemove,
	})
	return o, node, alerts
}

func TestObserverRemovesDeadNode(t *testing.T) {
	topo := topology.New()
	for _, tag := range []string{"nodo-a", "nodo-b"} {
		if err := topo.Set(tag, "http://"+tag, topology.RoleMember); err != nil {
			t.Fatalf("armando topología: %v", err)
		}
	}
	rec := &submitRecorder{}
	o, _, alerts := observerUnderTest(t, topo, map[string]*topology.Health{
		"nodo-b": failingHealth("nodo-b", 2*time.Minute),
	}, rec, true)

	o.evaluate(context.Background())

	envs := rec.all()
	if len(envs) != 1 {
		t.Fatalf("se propusieron %d sobres, quería 1", len(envs))
	}
	next := decodeTopoPayload(t, envs[0])
	if _, ok := next.Members["nodo-b"]; ok {
		t.Fatal("la topología propuesta todavía contiene al nodo muerto")
	}
	if _, ok := next.Members["nodo-a"]; !ok {
		t.Fatal("la topología propuesta perdió al líder")
	}
	if a := recvAlert(t, alerts); a.Severity != notify.SeverityError {
		t.Fatalf("la remoción debe alertar con error, vino %s", a.Severity)
	}
}

func TestObserverOneCycleCompoundsMutations(t *testing.T) {
	topo := topology.New()
	for _, tag := range []string{"nodo-a", "nodo-b", "nodo-c"} {
		if err := topo.Set(tag, "http://"+tag, topology.RoleMember); err != nil {
			t.Fatalf("armando topología: %v", err)
		}
	}
	rec := &submitRecorder{}
	o, _, _ := observerUnderTest(t, topo, map[string]*topology.Health{
		"nodo-b": failingHealth("nodo-b", 2*time.Minute),
		"nodo-c": failingHealth("nodo-c", 2*time.Minute),
	}, rec, true)

	o.evaluate(context.Background())

	envs := rec.all()
	if len(envs) != 2 {
		t.Fatalf("se propusieron %d sobres, quería 2", len(envs))
	}
	// la segunda mutación parte de la primera: el último sobre pierde a ambos
	last := decodeTopoPayload(t, envs[len(envs)-1])
	if _, ok := last.Members["nodo-b"]; ok {
		t.Fatal("el último sobre resucitó a nodo-b")
	}
	if _, ok := last.Members["nodo-c"]; ok {
		t.Fatal("el último sobre resucitó a nodo-c")
	}
	if _, ok := last.Members["nodo-a"]; !ok || len(last.Members) != 1 {
		t.Fatalf("el último sobre debía dejar sólo al líder: %v", last.Members)
	}
}

func TestObserverDryRunAlertsOnly(t *testing.T) {
	topo := topology.New()
	for _, tag := range []string{"nodo-a", "nodo-b"} {
		if err := topo.Set(tag, "http://"+tag, topology.RoleMember); err != nil {
			t.Fatalf("armando topología: %v", err)
		}
	}
	rec := &submitRecorder{}
	o, _, alerts := observerUnderTest(t, topo, map[string]*topology.Health{
		"nodo-b": failingHealth("nodo-b", 2*time.Minute),
	}, rec, false)

	o.evaluate(context.Background())

	if envs := rec.all(); len(envs) != 0 {
		t.Fatalf("con auto_remove apagado no se propone nada, se propusieron %d", len(envs))
	}
	a := recvAlert(t, alerts)
	if a.Severity != notify.SeverityWarning {
		t.Fatalf("la sugerencia debe alertar con warning, vino %s", a.Severity)
	}
	if a.Detail["node"] != "nodo-b" {
		t.Fatalf("la alerta debe nombrar al nodo: %v", a.Detail)
	}
}

func TestObserverAbortsWhenLeadershipLost(t *testing.T) {
	topo := topology.New()
	for _, tag := range []string{"nodo-a", "nodo-b"} {
		if err := topo.Set(tag, "http://"+tag, topology.RoleMember); err != nil {
			t.Fatalf("armando topología: %v", err)
		}
	}
	rec := &submitRecorder{}
	o, node, alerts := observerUnderTest(t, topo, map[string]*topology.Health{
		"nodo-b": failingHealth("nodo-b", 2*time.Minute),
	}, rec, true)
	node.mu.Lock()
	node.verifyErr = cluster.ErrNotLeader
	node.mu.Unlock()

	o.evaluate(context.Background())

	if envs := rec.all(); len(envs) != 0 {
		t.Fatalf("sin liderazgo verificado no se emite nada, se propusieron %d", len(envs))
	}
	select {
	case a := <-alerts:
		t.Fatalf("el aborto por liderazgo perdido es silencioso: %+v", a)
	default:
	}
}

func TestObserverSkipsWithoutHealth(t *testing.T) {
	rec := &submitRecorder{}
	node := newFakeNode("nodo-a")
	bus := notify.NewBus()
	t.Cleanup(func() { bus.Close() })

	o := NewObserver(ObserverOptions{
		Health: func(ctx context.Context) (map[string]*topology.Health, error) {
			return nil, cluster.ErrNotLeader
		},
		Node: node,
		Topology: func(ctx context.Context) (*topology.Topology, error) {
			t.Fatal("sin salud no hay nada que leer de la topología")
			return nil, nil
		},
		Submit:     rec.submit,
		Bus:        bus,
		Policy:     GracePolicy{RemoveAfter: time.Minute},
		AutoRemove: true,
	})

	o.evaluate(context.Background())
	if envs := rec.all(); len(envs) != 0 {
		t.Fatalf("se propusieron %d sobres, quería 0", len(envs))
	}
}

func TestObserverProtectsLeader(t *testing.T) {
	topo := topology.New()
	for _, tag := range []string{"nodo-a", "nodo-b"} {
		if err := topo.Set(tag, "http://"+tag, topology.RoleMember); err != nil {
			t.Fatalf("armando topología: %v", err)
		}
	}
	// una vista vieja de salud podría acusar al propio líder
	rec := &submitRecorder{}
	o, _, _ := observerUnderTest(t, topo, map[string]*topology.Health{
		"nodo-a": failingHealth("nodo-a", 2*time.Minute),
	}, rec, true)

	o.evaluate(context.Background())

	if envs := rec.all(); len(envs) != 0 {
		t.Fatalf("remover al líder dejaría la topología inválida; se propusieron %d sobres", len(envs))
	}
}

func TestObserverDemoteKeepsReplica(t *testing.T) {
	topo := topology.New()
	for _, tag := range []string{"nodo-a", "nodo-c"} {
		if err := topo.Set(tag, "http://"+tag, topology.RoleMember); err != nil {
			t.Fatalf("armando topología: %v", err)
		}
	}
	rec := &submitRecorder{}
	node := newFakeNode("nodo-a")
	bus := notify.NewBus()
	t.Cleanup(func() { bus.Close() })

	o := NewObserver(ObserverOptions{
		Health:     staticHealth(map[string]*topology.Health{"nodo-c": failingHealth("nodo-c", 40*time.Second)}),
		Node:       node,
		Topology:   func(ctx context.Context) (*topology.Topology, error) { return topo, nil },
		Submit:     rec.submit,
		Bus:        bus,
		Policy:     GracePolicy{DemoteAfter: 30 * time.Second, RemoveAfter: time.Hour},
		AutoRemove: true,
	})

	o.evaluate(context.Background())

	envs := rec.all()
	if len(envs) != 1 {
		t.Fatalf("se propusieron %d sobres, quería 1", len(envs))
	}
	next := decodeTopoPayload(t, envs[0])
	if _, ok := next.Members["nodo-c"]; ok {
		t.Fatal("el nodo degradado sigue siendo member")
	}
	if url := next.Watchers["nodo-c"]; url != "http://nodo-c" {
		t.Fatalf("el nodo degradado debe conservar su URL como watcher: %q", url)
	}
}

func TestObserverRunLoop(t *testing.T) {
	topo := topology.New()
	for _, tag := range []string{"nodo-a", "nodo-b"} {
		if err := topo.Set(tag, "http://"+tag, topology.RoleMember); err != nil {
			t.Fatalf("armando topología: %v", err)
		}
	}
	rec := &submitRecorder{}
	node := newFakeNode("nodo-a")
	bus := notify.NewBus()
	t.Cleanup(func() { bus.Close() })

	o := NewObserver(ObserverOptions{
		Health:     staticHealth(map[string]*topology.Health{"nodo-b": failingHealth("nodo-b", 2*time.Minute)}),
		Node:       node,
		Topology:   func(ctx context.Context) (*topology.Topology, error) { return topo, nil },
		Submit:     rec.submit,
		Bus:        bus,
		Policy:     GracePolicy{RemoveAfter: time.Minute},
		Every:      10 * time.Millisecond,
		AutoRemove: true,
	})
	o.Start()
	defer o.Close()

	waitFor(t, "el ciclo del observador propuso la baja", func() bool {
		return len(rec.all()) >= 1
	})
}
