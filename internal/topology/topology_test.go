package topology

import (
	"testing"
	"time"
)

func TestSet_MovesBetweenRoles(t *testing.T) {
	t.Parallel()

	tp := New()
	if err := tp.Set("n1", "http://n1:7400", RoleWatcher); err != nil {
		t.Fatalf("set watcher: %v", err)
	}
	if err := tp.Set("n1", "http://n1:7400", RoleMember); err != nil {
		t.Fatalf("promote: %v", err)
	}

	if _, ok := tp.Watchers["n1"]; ok {
		t.Fatalf("n1 sigue en watchers tras la promoción")
	}
	role, ok := tp.RoleOf("n1")
	if !ok || role != RoleMember {
		t.Fatalf("role: %v %v", role, ok)
	}
}

func TestValidate_RejectsDuplicateRole(t *testing.T) {
	t.Parallel()

	tp := New()
	tp.Members["n1"] = "u"
	tp.Watchers["n1"] = "u"
	if err := tp.Validate(""); err == nil {
		t.Fatalf("expected error por tag duplicado")
	}
}

func TestValidate_LeaderMustBeMember(t *testing.T) {
	t.Parallel()

	tp := New()
	tp.Watchers["n1"] = "u"
	if err := tp.Validate("n1"); err == nil {
		t.Fatalf("expected error: líder watcher")
	}
	tp2 := New()
	tp2.Members["n1"] = "u"
	if err := tp2.Validate("n1"); err != nil {
		t.Fatalf("líder member rechazado: %v", err)
	}
}

func TestClone_IsDeep(t *testing.T) {
	t.Parallel()

	tp := New()
	tp.Members["n1"] = "u1"
	c := tp.Clone()
	c.Members["n1"] = "otro"
	c.Members["n2"] = "u2"

	if tp.Members["n1"] != "u1" || len(tp.Members) != 1 {
		t.Fatalf("clone compartió el mapa: %+v", tp.Members)
	}
}

func TestAll_MergesRoles(t *testing.T) {
	t.Parallel()

	tp := New()
	tp.Members["m"] = "um"
	tp.Promotable["p"] = "up"
	tp.Watchers["w"] = "uw"

	all := tp.All()
	if len(all) != 3 || all["m"] != "um" || all["p"] != "up" || all["w"] != "uw" {
		t.Fatalf("all: %+v", all)
	}
}

func TestHealth_Marks(t *testing.T) {
	t.Parallel()

	h := &Health{Tag: "n1", URL: "u", Status: StatusUnknown}
	now := time.Now()

	h.MarkFailed(now.Add(-2*time.Second), errTest)
	h.MarkFailed(now.Add(-time.Second), errTest)
	if h.Fails != 2 || h.Status != StatusUnreachable {
		t.Fatalf("fails: %+v", h)
	}
	if !h.Unresponsive(time.Second) {
		t.Fatalf("debería estar unresponsive tras 2s de racha")
	}
	if h.Unresponsive(time.Hour) {
		t.Fatalf("gracia de 1h no debería haberse cumplido")
	}

	h.MarkHealthy(now)
	if h.Fails != 0 || h.Status != StatusHealthy || !h.Failing.IsZero() {
		t.Fatalf("mark healthy no limpió: %+v", h)
	}
	if h.Unresponsive(0) {
		t.Fatalf("nodo sano reportado unresponsive")
	}
}

var errTest = errTimeout{}

type errTimeout struct{}

func (errTimeout) Error() string { return "dial timeout" }
