// Package notify es el sistema de notificaciones del servidor: eventos de
// bases de datos y topología que emite la máquina de estados, y alertas de
// operación. El bus es in-process; los sinks externos (redis, correo) se
// suscriben igual que cualquier otro consumidor.
package notify

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dropDatabas3/farodb/internal/observability/logger"
	"github.com/dropDatabas3/farodb/internal/topology"
)

// Kind clasifica un cambio sobre una base de datos.
type Kind string

const (
	KindPut    Kind = "put"    // creada (o vista por primera vez en el replay de arranque)
	KindUpdate Kind = "update" // configuración editada
	KindDelete Kind = "delete"
)

// DatabaseEvent describe un cambio commiteado sobre una base.
type DatabaseEvent struct {
	Name  string `json:"name"`
	Index uint64 `json:"index"`
	Kind  Kind   `json:"kind"`
}

// TopologyEvent describe un cambio commiteado de topología.
type TopologyEvent struct {
	Topology  *topology.Topology `json:"topology"`
	LeaderTag string             `json:"leaderTag,omitempty"`
	LocalTag  string             `json:"localTag,omitempty"`
}

// Severity gradúa una alerta.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Alert es un aviso operativo (durabilidad, recuperación, nodos caídos).
type Alert struct {
	Title    string         `json:"title"`
	Message  string         `json:"message"`
	Severity Severity       `json:"severity"`
	Detail   map[string]any `json:"detail,omitempty"`
	At       time.Time      `json:"at"`
}

// Bus reparte eventos a los suscriptores registrados. La publicación nunca
// bloquea: si el buffer de un suscriptor está lleno el evento se coalesce
// (los consumidores releen el estado al despertar, no dependen de recibir
// cada evento individual).
type Bus struct {
	mu     sync.RWMutex
	dbs    map[int]chan DatabaseEvent
	topos  map[int]chan TopologyEvent
	alerts map[int]chan Alert
	nextID int
	closed bool

	log *zap.Logger
}

// NewBus crea un bus vacío.
func NewBus() *Bus {
	return &Bus{
		dbs:    map[int]chan DatabaseEvent{},
		topos:  map[int]chan TopologyEvent{},
		alerts: map[int]chan Alert{},
		log:    logger.Named("notify"),
	}
}

// SubscribeDatabases registra un consumidor de eventos de bases.
// cancel lo da de baja y cierra el canal.
func (b *Bus) SubscribeDatabases(buf int) (<-chan DatabaseEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan DatabaseEvent, max(buf, 1))
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.dbs[id] = ch
	return ch, func() { b.drop(id) }
}

// SubscribeTopology registra un consumidor de eventos de topología.
func (b *Bus) SubscribeTopology(buf int) (<-chan TopologyEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan TopologyEvent, max(buf, 1))
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.topos[id] = ch
	return ch, func() { b.drop(id) }
}

// SubscribeAlerts registra un consumidor de alertas.
func (b *Bus) SubscribeAlerts(buf int) (<-chan Alert, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Alert, max(buf, 1))
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.alerts[id] = ch
	return ch, func() { b.drop(id) }
}

func (b *Bus) drop(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.dbs[id]; ok {
		delete(b.dbs, id)
		close(ch)
	}
	if ch, ok := b.topos[id]; ok {
		delete(b.topos, id)
		close(ch)
	}
	if ch, ok := b.alerts[id]; ok {
		delete(b.alerts, id)
		close(ch)
	}
}

// PublishDatabase reparte un evento de base de datos.
func (b *Bus) PublishDatabase(e DatabaseEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.dbs {
		select {
		case ch <- e:
		default:
			b.log.Debug("evento de base coalescido", logger.Database(e.Name))
		}
	}
}

// PublishTopology reparte un evento de topología.
func (b *Bus) PublishTopology(e TopologyEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.topos {
		select {
		case ch <- e:
		default:
			b.log.Debug("evento de topología coalescido")
		}
	}
}

// PublishAlert reparte una alerta.
func (b *Bus) PublishAlert(a Alert) {
	if a.At.IsZero() {
		a.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.alerts {
		select {
		case ch <- a:
		default:
			b.log.Warn("alerta descartada por buffer lleno", logger.String("title", a.Title))
		}
	}
}

// Close da de baja a todos los suscriptores. Publicar tras Close es no-op.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, ch := range b.dbs {
		delete(b.dbs, id)
		close(ch)
	}
	for id, ch := range b.topos {
		delete(b.topos, id)
		close(ch)
	}
	for id, ch := range b.alerts {
		delete(b.alerts, id)
		close(ch)
	}
	return nil
}
