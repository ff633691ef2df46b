package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dropDatabas3/farodb/internal/command"
	"github.com/dropDatabas3/farodb/internal/metrics"
	"github.com/dropDatabas3/farodb/internal/notify"
	"github.com/dropDatabas3/farodb/internal/observability/logger"
	"github.com/dropDatabas3/farodb/internal/topology"
)

// ActionOp es el tipo de mutación de topología que una política propone.
type ActionOp string

const (
	OpDemote ActionOp = "demote" // member -> watcher, conserva la réplica
	OpRemove ActionOp = "remove" // fuera de la topología
)

// Action es una mutación concreta decidida por la política.
type Action struct {
	Tag string
	Op  ActionOp
}

// Policy decide qué mutaciones de topología proponer a partir de la salud
// observada. Se evalúa sólo mientras este nodo sea líder; la política no
// ejecuta nada, sólo propone.
type Policy interface {
	Decide(health map[string]*topology.Health, topo *topology.Topology) []Action
}

// GracePolicy es la política por defecto: degrada un member que lleva
// DemoteAfter sin responder y remueve cualquier nodo que lleve RemoveAfter.
// DemoteAfter en cero desactiva el paso intermedio.
type GracePolicy struct {
	DemoteAfter time.Duration
	RemoveAfter time.Duration
}

func (p GracePolicy) Decide(health map[string]*topology.Health, topo *topology.Topology) []Action {
	var out []Action
	for tag, h := range health {
		role, ok := topo.RoleOf(tag)
		if !ok {
			continue // ya fuera de la topología
		}
		switch {
		case h.Unresponsive(p.RemoveAfter):
			out = append(out, Action{Tag: tag, Op: OpRemove})
		case p.DemoteAfter > 0 && role == topology.RoleMember && h.Unresponsive(p.DemoteAfter):
			out = append(out, Action{Tag: tag, Op: OpDemote})
		}
	}
	return out
}

// SubmitFunc propone un sobre al cluster (el camino de escritura normal).
type SubmitFunc func(ctx context.Context, env command.Envelope) (command.Result, error)

// HealthSource consulta la salud observada por nodo; fuera del liderazgo
// devuelve cluster.ErrNotLeader.
type HealthSource func(ctx context.Context) (map[string]*topology.Health, error)

type ObserverOptions struct {
	Health   HealthSource
	Node     Consensus
	Topology TopologySource
	Submit   SubmitFunc
	Bus      *notify.Bus
	Policy   Policy

	// Every es la cadencia de evaluación de la política.
	Every time.Duration

	// AutoRemove habilita ejecutar las mutaciones. Apagado, el observador
	// sólo alerta y deja la decisión al operador.
	AutoRemove bool
}

// Observer evalúa periódicamente la política de mantenimiento sobre la salud
// que junta el supervisor y, si corresponde, propone el cambio de topología
// por el camino de escritura normal. Verifica el liderazgo en el momento de
// emitir cada mutación: si se perdió entre la decisión y la emisión, aborta
// en silencio y deja que el líder nuevo decida con su propia vista.
type Observer struct {
	health HealthSource
	node   Consensus
	topo   TopologySource
	submit SubmitFunc
	bus    *notify.Bus
	policy Policy

	every      time.Duration
	autoRemove bool

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	log *zap.Logger
}

func NewObserver(opts ObserverOptions) *Observer {
	if opts.Every <= 0 {
		opts.Every = 5 * time.Second
	}
	return &Observer{
		health:     opts.Health,
		node:       opts.Node,
		topo:       opts.Topology,
		submit:     opts.Submit,
		bus:        opts.Bus,
		policy:     opts.Policy,
		every:      opts.Every,
		autoRemove: opts.AutoRemove,
		done:       make(chan struct{}),
		log:        logger.Named("observer"),
	}
}

// Start arranca la evaluación periódica en segundo plano.
func (o *Observer) Start() {
	o.wg.Add(1)
	go o.run()
}

// Close frena el observador.
func (o *Observer) Close() {
	o.closeOnce.Do(func() { close(o.done) })
	o.wg.Wait()
}

func (o *Observer) run() {
	defer o.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-o.done
		cancel()
	}()

	ticker := time.NewTicker(o.every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.evaluate(ctx)
		}
	}
}

func (o *Observer) evaluate(ctx context.Context) {
	health, err := o.health(ctx)
	if err != nil {
		return // no somos líder: nada que evaluar
	}
	topo, err := o.topo(ctx)
	if err != nil || topo == nil {
		return
	}

	// cada mutación parte de la anterior; clonar siempre la base original
	// resucitaría los cambios previos del mismo ciclo
	for _, act := range o.policy.Decide(health, topo) {
		if updated := o.execute(ctx, topo, act); updated != nil {
			topo = updated
		}
	}
}

// execute emite una mutación y devuelve la topología resultante, o nil si la
// mutación no se aplicó.
func (o *Observer) execute(ctx context.Context, topo *topology.Topology, act Action) *topology.Topology {
	next := topo.Clone()

	switch act.Op {
	case OpDemote:
		url, ok := next.URLOf(act.Tag)
		if !ok {
			return nil
		}
		next.Remove(act.Tag)
		if err := next.Set(act.Tag, url, topology.RoleWatcher); err != nil {
			o.log.Warn("degradación inválida", logger.NodeTag(act.Tag), logger.Err(err))
			return nil
		}
	case OpRemove:
		next.Remove(act.Tag)
	default:
		return nil
	}

	if !o.autoRemove {
		o.log.Warn("política de mantenimiento sugiere actuar (auto_remove apagado)",
			logger.NodeTag(act.Tag), logger.String("op", string(act.Op)))
		o.bus.PublishAlert(notify.Alert{
			Title:    "acción de mantenimiento pendiente",
			Message:  fmt.Sprintf("el nodo %s lleva demasiado sin responder; acción sugerida: %s", act.Tag, act.Op),
			Severity: notify.SeverityWarning,
			Detail:   map[string]any{"node": act.Tag, "op": string(act.Op)},
			At:       time.Now(),
		})
		return nil
	}

	if err := next.Validate(o.node.LeaderTag()); err != nil {
		o.log.Warn("la mutación dejaría la topología inválida; no se emite",
			logger.NodeTag(act.Tag), logger.Err(err))
		return nil
	}

	// el liderazgo se verifica en el momento de emitir: una decisión tomada
	// con una vista vieja no debe ejecutarse desde un ex-líder
	if err := o.node.VerifyLeadership(ctx); err != nil {
		return nil
	}

	env, err := command.New(command.TypeTopologyUpdate, "", command.TopologyPayload{Topology: next})
	if err != nil {
		o.log.Error("armando sobre de topología", logger.Err(err))
		return nil
	}
	if _, err := o.submit(ctx, env); err != nil {
		o.log.Warn("la mutación de topología no se pudo aplicar",
			logger.NodeTag(act.Tag), logger.String("op", string(act.Op)), logger.Err(err))
		return nil
	}

	action := "node_removed"
	if act.Op == OpDemote {
		action = "node_demoted"
	}
	metrics.MaintenanceActions.WithLabelValues(action).Inc()
	o.log.Info("mutación de topología aplicada",
		logger.NodeTag(act.Tag), logger.String("op", string(act.Op)))
	o.bus.PublishAlert(notify.Alert{
		Title:    "topología modificada por mantenimiento",
		Message:  fmt.Sprintf("el nodo %s fue %s por inactividad prolongada", act.Tag, pastTense(act.Op)),
		Severity: notify.SeverityError,
		Detail:   map[string]any{"node": act.Tag, "op": string(act.Op)},
		At:       time.Now(),
	})
	return next
}

func pastTense(op ActionOp) string {
	if op == OpDemote {
		return "degradado a watcher"
	}
	return "removido de la topología"
}
