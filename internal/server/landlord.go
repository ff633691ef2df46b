package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dropDatabas3/farodb/internal/metrics"
	"github.com/dropDatabas3/farodb/internal/notify"
	"github.com/dropDatabas3/farodb/internal/observability/logger"
	"github.com/dropDatabas3/farodb/internal/state"
)

// Landlord administra los runtimes cargados: carga perezosa con singleflight
// para que N pedidos concurrentes de la misma base abran un solo runtime, y
// un barrido periódico que corre mantenimiento sobre bases inactivas y
// descarga las que superan el máximo de inactividad. Las bases en memoria
// nunca se descargan por inactividad: descargarlas sería borrarlas.
type Landlord struct {
	tenants sync.Map // name -> *tenancy
	opening singleflight.Group
	factory ControllerFactory
	bus     *notify.Bus // opcional; alertas de durabilidad del barrido

	idleTTL    time.Duration
	sweepEvery time.Duration

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type tenancy struct {
	ctrl     Controller
	loadedAt time.Time

	mu       sync.Mutex
	lastUsed time.Time
	swept    bool // ya corrió IdleOps desde el último uso
}

func (t *tenancy) touch() {
	t.mu.Lock()
	t.lastUsed = time.Now()
	t.swept = false
	t.mu.Unlock()
}

func (t *tenancy) idleSince() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Since(t.lastUsed), t.swept
}

func (t *tenancy) markSwept() {
	t.mu.Lock()
	t.swept = true
	t.mu.Unlock()
}

// LandlordStats es una foto del estado del landlord.
type LandlordStats struct {
	Loaded   int          `json:"loaded"`
	Tenants  []TenantStat `json:"tenants"`
	IdleTTL  string       `json:"idleTtl"`
	SweepGap string       `json:"sweepEvery"`
}

type TenantStat struct {
	Name     string `json:"name"`
	InMemory bool   `json:"inMemory"`
	LoadedAt string `json:"loadedAt"`
	IdleFor  string `json:"idleFor"`
}

// NewLandlord arma el landlord y arranca el barrido de inactividad.
// bus puede ser nil: sin bus, los problemas del barrido sólo se loguean.
func NewLandlord(factory ControllerFactory, idleTTL, sweepEvery time.Duration, bus *notify.Bus) *Landlord {
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	if sweepEvery <= 0 {
		sweepEvery = time.Minute
	}
	l := &Landlord{
		factory:    factory,
		bus:        bus,
		idleTTL:    idleTTL,
		sweepEvery: sweepEvery,
		done:       make(chan struct{}),
	}
	l.wg.Add(1)
	go l.sweepLoop()
	return l
}

// Get devuelve el runtime de la base, abriéndolo si hace falta. Aperturas
// concurrentes de la misma base colapsan en una sola.
func (l *Landlord) Get(ctx context.Context, rec state.DatabaseRecord) (Controller, error) {
	if v, ok := l.tenants.Load(rec.Name); ok {
		t := v.(*tenancy)
		t.touch()
		return t.ctrl, nil
	}

	v, err, _ := l.opening.Do(rec.Name, func() (interface{}, error) {
		// re-chequeo: otro vuelo pudo habernos ganado
		if v, ok := l.tenants.Load(rec.Name); ok {
			return v.(*tenancy), nil
		}
		ctrl, err := l.factory(ctx, rec)
		if err != nil {
			return nil, err
		}
		t := &tenancy{ctrl: ctrl, loadedAt: time.Now(), lastUsed: time.Now()}
		l.tenants.Store(rec.Name, t)
		metrics.DatabasesLoaded.Inc()
		logger.L().Debug("runtime cargado",
			logger.Database(rec.Name),
			logger.Any("inMemory", ctrl.InMemory()),
		)
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("server: cargando runtime %q: %w", rec.Name, err)
	}
	t := v.(*tenancy)
	t.touch()
	return t.ctrl, nil
}

// Has informa si el runtime está cargado, sin cargarlo.
func (l *Landlord) Has(name string) bool {
	_, ok := l.tenants.Load(name)
	return ok
}

// Unload cierra y saca el runtime si estaba cargado.
func (l *Landlord) Unload(name string) error {
	v, ok := l.tenants.LoadAndDelete(name)
	if !ok {
		return nil
	}
	t := v.(*tenancy)
	metrics.DatabasesLoaded.Dec()
	if err := t.ctrl.Close(); err != nil {
		return fmt.Errorf("server: cerrando runtime %q: %w", name, err)
	}
	logger.L().Debug("runtime descargado", logger.Database(name))
	return nil
}

// CloseAll detiene el barrido y cierra todos los runtimes cargados.
func (l *Landlord) CloseAll() error {
	l.closeOnce.Do(func() { close(l.done) })
	l.wg.Wait()

	var errs []error
	l.tenants.Range(func(key, value interface{}) bool {
		t := value.(*tenancy)
		if err := t.ctrl.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key.(string), err))
		}
		l.tenants.Delete(key)
		metrics.DatabasesLoaded.Dec()
		return true
	})
	if len(errs) > 0 {
		return fmt.Errorf("errores cerrando runtimes: %v", errs)
	}
	return nil
}

// Stats devuelve una foto para la API de stats.
func (l *Landlord) Stats() LandlordStats {
	st := LandlordStats{
		IdleTTL:  l.idleTTL.String(),
		SweepGap: l.sweepEvery.String(),
	}
	l.tenants.Range(func(key, value interface{}) bool {
		t := value.(*tenancy)
		idle, _ := t.idleSince()
		st.Tenants = append(st.Tenants, TenantStat{
			Name:     key.(string),
			InMemory: t.ctrl.InMemory(),
			LoadedAt: t.loadedAt.UTC().Format(time.RFC3339),
			IdleFor:  idle.Round(time.Second).String(),
		})
		st.Loaded++
		return true
	})
	return st
}

func (l *Landlord) sweepLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

// sweep recorre los runtimes: al primer barrido sin uso corre IdleOps, y
// pasado el TTL descarga (salvo bases en memoria).
func (l *Landlord) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), l.sweepEvery)
	defer cancel()

	l.tenants.Range(func(key, value interface{}) bool {
		name := key.(string)
		t := value.(*tenancy)
		idle, swept := t.idleSince()

		if idle >= l.idleTTL && !t.ctrl.InMemory() {
			if err := l.Unload(name); err != nil {
				logger.L().Warn("descarga por inactividad falló",
					logger.Database(name), logger.Err(err))
				l.alert(notify.Alert{
					Title:    "descarga de base falló",
					Message:  fmt.Sprintf("la base %s no se pudo cerrar limpia tras el TTL de inactividad", name),
					Severity: notify.SeverityError,
					Detail:   map[string]any{"database": name, "error": err.Error()},
				})
			}
			return true
		}
		if idle >= l.sweepEvery && !swept {
			if err := t.ctrl.IdleOps(ctx); err != nil {
				logger.L().Warn("mantenimiento de inactividad falló",
					logger.Database(name), logger.Err(err))
				l.alert(notify.Alert{
					Title:    "mantenimiento de base falló",
					Message:  fmt.Sprintf("la sincronización a disco de la base %s falló durante el barrido", name),
					Severity: notify.SeverityError,
					Detail:   map[string]any{"database": name, "error": err.Error()},
				})
				return true
			}
			t.markSwept()
		}
		return true
	})
}

func (l *Landlord) alert(a notify.Alert) {
	if l.bus != nil {
		l.bus.PublishAlert(a)
	}
}
