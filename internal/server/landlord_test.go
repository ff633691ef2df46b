package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dropDatabas3/farodb/internal/notify"
	"github.com/dropDatabas3/farodb/internal/state"
)

// fakeController es un runtime de mentira que cuenta sus operaciones.
type fakeController struct {
	name     string
	inMemory bool
	closed   atomic.Int32
	idleOps  atomic.Int32
	idleErr  error
	closeErr error
}

func (c *fakeController) Name() string   { return c.name }
func (c *fakeController) InMemory() bool { return c.inMemory }

func (c *fakeController) IdleOps(ctx context.Context) error { c.idleOps.Add(1); return c.idleErr }
func (c *fakeController) Close() error                      { c.closed.Add(1); return c.closeErr }

// countingFactory cuenta aperturas y retiene cada runtime creado.
func countingFactory(opens *atomic.Int32, delay time.Duration) (ControllerFactory, *sync.Map) {
	made := &sync.Map{}
	factory := func(ctx context.Context, rec state.DatabaseRecord) (Controller, error) {
		opens.Add(1)
		if delay > 0 {
			time.Sleep(delay)
		}
		c := &fakeController{name: rec.Name, inMemory: rec.InMemory}
		made.Store(rec.Name, c)
		return c, nil
	}
	return factory, made
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

func TestLandlordCollapsesConcurrentLoads(t *testing.T) {
	var opens atomic.Int32
	factory, _ := countingFactory(&opens, 20*time.Millisecond)
	l := NewLandlord(factory, time.Hour, time.Hour, nil)
	defer l.CloseAll()

	rec := state.DatabaseRecord{Name: "ventas"}
	ctrls := make([]Controller, 8)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := l.Get(context.Background(), rec)
			if err != nil {
				t.Errorf("Get concurrente: %v", err)
				return
			}
			ctrls[i] = c
		}(i)
	}
	wg.Wait()

	if got := opens.Load(); got != 1 {
		t.Fatalf("la fábrica corrió %d veces, quería 1", got)
	}
	for _, c := range ctrls[1:] {
		if c != ctrls[0] {
			t.Fatal("todos los Get concurrentes deberían ver el mismo runtime")
		}
	}
}

func TestLandlordUnloadClosesRuntime(t *testing.T) {
	var opens atomic.Int32
	factory, made := countingFactory(&opens, 0)
	l := NewLandlord(factory, time.Hour, time.Hour, nil)
	defer l.CloseAll()

	if _, err := l.Get(context.Background(), state.DatabaseRecord{Name: "ventas"}); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !l.Has("ventas") {
		t.Fatal("debería figurar como cargado")
	}
	if err := l.Unload("ventas"); err != nil {
		t.Fatalf("Unload: %v", err)
	}
	if l.Has("ventas") {
		t.Fatal("no debería seguir cargado tras Unload")
	}
	v, _ := made.Load("ventas")
	if v.(*fakeController).closed.Load() != 1 {
		t.Fatal("Unload debe cerrar el runtime")
	}
	// descargar lo que no está no es error
	if err := l.Unload("ventas"); err != nil {
		t.Fatalf("Unload repetido: %v", err)
	}
}

func TestLandlordGetPropagatesFactoryError(t *testing.T) {
	boom := errors.New("sin permisos")
	factory := func(ctx context.Context, rec state.DatabaseRecord) (Controller, error) {
		return nil, boom
	}
	l := NewLandlord(factory, time.Hour, time.Hour, nil)
	defer l.CloseAll()

	if _, err := l.Get(context.Background(), state.DatabaseRecord{Name: "x"}); !errors.Is(err, boom) {
		t.Fatalf("quería el error de la fábrica, vino: %v", err)
	}
	if l.Has("x") {
		t.Fatal("un fallo de carga no debe dejar nada cargado")
	}
}

func TestLandlordSweepUnloadsIdleButKeepsInMemory(t *testing.T) {
	var opens atomic.Int32
	factory, made := countingFactory(&opens, 0)
	l := NewLandlord(factory, 30*time.Millisecond, 10*time.Millisecond, nil)
	defer l.CloseAll()

	ctx := context.Background()
	if _, err := l.Get(ctx, state.DatabaseRecord{Name: "archivo"}); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := l.Get(ctx, state.DatabaseRecord{Name: "efimera", InMemory: true}); err != nil {
		t.Fatalf("Get: %v", err)
	}

	waitFor(t, "descarga por inactividad", func() bool { return !l.Has("archivo") })

	if !l.Has("efimera") {
		t.Fatal("una base en memoria no debe descargarse por inactividad")
	}
	v, _ := made.Load("efimera")
	if v.(*fakeController).closed.Load() != 0 {
		t.Fatal("la base en memoria no debería haberse cerrado")
	}
}

func TestLandlordSweepRunsIdleOpsOncePerStreak(t *testing.T) {
	var opens atomic.Int32
	factory, made := countingFactory(&opens, 0)
	l := NewLandlord(factory, time.Hour, 15*time.Millisecond, nil)
	defer l.CloseAll()

	if _, err := l.Get(context.Background(), state.DatabaseRecord{Name: "ventas"}); err != nil {
		t.Fatalf("Get: %v", err)
	}
	v, _ := made.Load("ventas")
	fc := v.(*fakeController)

	waitFor(t, "primera corrida de IdleOps", func() bool { return fc.idleOps.Load() >= 1 })
	time.Sleep(80 * time.Millisecond) // varias pasadas más de barrido
	if got := fc.idleOps.Load(); got != 1 {
		t.Fatalf("IdleOps corrió %d veces en la misma racha, quería 1", got)
	}

	// un uso nuevo rearma el mantenimiento
	if _, err := l.Get(context.Background(), state.DatabaseRecord{Name: "ventas"}); err != nil {
		t.Fatalf("Get: %v", err)
	}
	waitFor(t, "segunda corrida de IdleOps", func() bool { return fc.idleOps.Load() >= 2 })
}

func TestLandlordSweepAlertsOnFailedIdleOps(t *testing.T) {
	factory := func(ctx context.Context, rec state.DatabaseRecord) (Controller, error) {
		return &fakeController{name: rec.Name, idleErr: errors.New("fsync: disco lleno")}, nil
	}
	bus := notify.NewBus()
	defer bus.Close()
	alerts, cancel := bus.SubscribeAlerts(4)
	defer cancel()

	l := NewLandlord(factory, time.Hour, 15*time.Millisecond, bus)
	defer l.CloseAll()

	if _, err := l.Get(context.Background(), state.DatabaseRecord{Name: "fragil"}); err != nil {
		t.Fatalf("Get: %v", err)
	}

	select {
	case a := <-alerts:
		if a.Severity != notify.SeverityError {
			t.Fatalf("un fallo de sincronización debe alertar con error, vino %s", a.Severity)
		}
		if a.Detail["database"] != "fragil" {
			t.Fatalf("la alerta debe nombrar la base: %v", a.Detail)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("el barrido nunca alertó el fallo de mantenimiento")
	}
}

func TestLandlordCloseAllAggregatesErrors(t *testing.T) {
	factory := func(ctx context.Context, rec state.DatabaseRecord) (Controller, error) {
		return &fakeController{
			name:     rec.Name,
			closeErr: fmt.Errorf("disco roto: %s", rec.Name),
		}, nil
	}
	l := NewLandlord(factory, time.Hour, time.Hour, nil)

	ctx := context.Background()
	for _, name := range []string{"a", "b"} {
		if _, err := l.Get(ctx, state.DatabaseRecord{Name: name}); err != nil {
			t.Fatalf("Get %s: %v", name, err)
		}
	}

	err := l.CloseAll()
	if err == nil {
		t.Fatal("CloseAll debería reportar los errores de cierre")
	}
	if !strings.Contains(err.Error(), "disco roto") {
		t.Fatalf("error sin el detalle de cierre: %v", err)
	}
	if l.Has("a") || l.Has("b") {
		t.Fatal("CloseAll debe vaciar el landlord")
	}
}
