// Package maintenance corre las tareas que sólo ejecuta el líder del
// cluster: una sonda de salud por nodo de la topología, la reconciliación de
// la membresía de consenso con la topología replicada, y el observador que
// propone bajas de nodos que llevan demasiado tiempo sin responder.
//
// Todo el paquete es pasivo fuera del liderazgo: en un follower las sondas
// están apagadas y las consultas devuelven ErrNotLeader. Al ganar una
// elección el supervisor levanta el estado desde cero releyendo la
// topología; al perderla desarma todo.
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dropDatabas3/farodb/internal/cluster"
	"github.com/dropDatabas3/farodb/internal/metrics"
	"github.com/dropDatabas3/farodb/internal/notify"
	"github.com/dropDatabas3/farodb/internal/observability/logger"
	"github.com/dropDatabas3/farodb/internal/topology"
	"github.com/dropDatabas3/farodb/internal/transport"
)

// TopologySource lee la topología replicada vigente.
type TopologySource func(ctx context.Context) (*topology.Topology, error)

// Consensus es lo que el mantenimiento necesita del nodo de consenso.
// Lo satisface *cluster.Node; los tests lo fakean.
type Consensus interface {
	LocalTag() string
	LeaderTag() string
	Term() uint64
	TopologyChanged() <-chan struct{}
	WaitForRole(ctx context.Context, want cluster.Role) error
	WaitForRoleExit(ctx context.Context, role cluster.Role) error
	VerifyLeadership(ctx context.Context) error
	Members(ctx context.Context) ([]cluster.Member, error)
	AddNode(ctx context.Context, tag, addr string, voter bool) error
	DemoteNode(ctx context.Context, tag string) error
	RemoveNode(ctx context.Context, tag string) error
}

// resyncEvery acota cuánto puede tardar en corregirse una reconciliación
// perdida (p.ej. un AddNode que falló por un líder ocupado).
const resyncEvery = 30 * time.Second

type SupervisorOptions struct {
	Node     Consensus
	Client   *transport.Client
	Topology TopologySource
	Bus      *notify.Bus

	// RaftAddrs es el mapa tag -> addr de consenso (config cluster.peers).
	// La topología replicada sólo conoce URLs de API; para sumar un nodo al
	// consenso hace falta su dirección raft, y esa la aporta el operador.
	RaftAddrs map[string]string

	ProbeEvery time.Duration
}

// Supervisor mantiene una sonda de salud por nodo mientras este nodo sea
// líder, y alinea la membresía raft con la topología replicada.
type Supervisor struct {
	node      Consensus
	client    *transport.Client
	topo      TopologySource
	bus       *notify.Bus
	raftAddrs map[string]string

	probeEvery time.Duration

	mu      sync.RWMutex
	leading bool
	health  map[string]*topology.Health
	watches map[string]context.CancelFunc

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	log *zap.Logger
}

func NewSupervisor(opts SupervisorOptions) *Supervisor {
	if opts.ProbeEvery <= 0 {
		opts.ProbeEvery = 2 * time.Second
	}
	return &Supervisor{
		node:       opts.Node,
		client:     opts.Client,
		topo:       opts.Topology,
		bus:        opts.Bus,
		raftAddrs:  opts.RaftAddrs,
		probeEvery: opts.ProbeEvery,
		health:     map[string]*topology.Health{},
		watches:    map[string]context.CancelFunc{},
		done:       make(chan struct{}),
		log:        logger.Named("maintenance"),
	}
}

// Start arranca la supervisión en segundo plano.
func (s *Supervisor) Start() {
	s.wg.Add(1)
	go s.run()
}

// Close frena la supervisión y espera a que las sondas terminen.
func (s *Supervisor) Close() {
	s.closeOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

// Health devuelve una copia de la última salud observada por nodo. Sólo el
// líder supervisa: en cualquier otro rol devuelve ErrNotLeader.
func (s *Supervisor) Health(ctx context.Context) (map[string]*topology.Health, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.leading {
		return nil, cluster.ErrNotLeader
	}
	out := make(map[string]*topology.Health, len(s.health))
	for tag, h := range s.health {
		cp := *h
		out[tag] = &cp
	}
	return out, nil
}

// Leading informa si la supervisión está activa (este nodo es líder).
func (s *Supervisor) Leading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.leading
}

func (s *Supervisor) run() {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.done
		cancel()
	}()

	for {
		if err := s.node.WaitForRole(ctx, cluster.RoleLeader); err != nil {
			return // apagado
		}
		s.lead(ctx)
		select {
		case <-ctx.Done():
			return
		default:
			// liderazgo perdido: volver a esperar la próxima elección
		}
	}
}

// lead corre la supervisión hasta perder el liderazgo o apagarse.
func (s *Supervisor) lead(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.node.WaitForRoleExit(ctx, cluster.RoleLeader)
		cancel()
	}()

	s.mu.Lock()
	s.leading = true
	s.mu.Unlock()
	s.log.Info("supervisión de cluster activa",
		logger.NodeTag(s.node.LocalTag()), logger.Term(s.node.Term()))

	defer s.teardown()

	prev := map[string]string{}
	s.reapply(ctx, &prev)

	resync := time.NewTicker(resyncEvery)
	defer resync.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.node.TopologyChanged():
			s.reapply(ctx, &prev)
		case <-resync.C:
			s.reapply(ctx, &prev)
		}
	}
}

// reapply relee la topología, ajusta las sondas según el diff contra la
// última vista y reconcilia la membresía de consenso.
func (s *Supervisor) reapply(ctx context.Context, prev *map[string]string) {
	topo, err := s.topo(ctx)
	if err != nil {
		s.log.Warn("no se pudo leer la topología", logger.Err(err))
		return
	}
	if topo == nil {
		return // cluster recién arrancado, sin topología escrita todavía
	}

	cur := topo.All()
	if d := topology.Compute(*prev, cur); !d.Empty() {
		s.applyDiff(ctx, d)
	}
	*prev = cur

	s.reconcile(ctx, topo)
}

// applyDiff cierra las sondas de los nodos que salieron y abre las de los
// que entraron. Un cambio de URL llega como removed+added del mismo tag, así
// la sonda vieja muere y nace una contra la URL nueva.
func (s *Supervisor) applyDiff(ctx context.Context, d topology.Diff) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for tag := range d.Removed {
		if stop, ok := s.watches[tag]; ok {
			stop()
			delete(s.watches, tag)
		}
		delete(s.health, tag)
		metrics.NodeHealthy.DeleteLabelValues(tag)
		metrics.MaintenanceActions.WithLabelValues("watch_stop").Inc()
		s.log.Info("sonda detenida", logger.NodeTag(tag))
	}

	for tag, url := range d.Added {
		if tag == s.node.LocalTag() {
			continue // el líder no se sondea a sí mismo
		}
		s.health[tag] = &topology.Health{Tag: tag, URL: url, Status: topology.StatusUnknown}
		wctx, stop := context.WithCancel(ctx)
		s.watches[tag] = stop
		s.wg.Add(1)
		go s.watch(wctx, tag, url)
		metrics.MaintenanceActions.WithLabelValues("watch_start").Inc()
		s.log.Info("sonda iniciada", logger.NodeTag(tag), logger.Addr(url))
	}
}

// watch es la sonda de un nodo: un GET de salud por ciclo hasta que el nodo
// salga de la topología o se pierda el liderazgo.
func (s *Supervisor) watch(ctx context.Context, tag, url string) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.probeEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.probe(ctx, tag, url)
		}
	}
}

func (s *Supervisor) probe(ctx context.Context, tag, url string) {
	pctx, cancel := context.WithTimeout(ctx, s.probeEvery)
	_, err := s.client.Health(pctx, url)
	cancel()
	now := time.Now()

	s.mu.Lock()
	h, ok := s.health[tag]
	if !ok {
		s.mu.Unlock()
		return
	}
	wasFailing := h.Fails > 0
	if err != nil {
		h.MarkFailed(now, err)
	} else {
		h.MarkHealthy(now)
	}
	s.mu.Unlock()

	switch {
	case err != nil && !wasFailing:
		metrics.NodeHealthy.WithLabelValues(tag).Set(0)
		s.log.Warn("nodo inalcanzable", logger.NodeTag(tag), logger.Err(err))
		s.bus.PublishAlert(notify.Alert{
			Title:    "nodo inalcanzable",
			Message:  fmt.Sprintf("el nodo %s dejó de responder al sondeo de salud", tag),
			Severity: notify.SeverityWarning,
			Detail:   map[string]any{"node": tag, "url": url, "error": err.Error()},
			At:       now,
		})
	case err != nil:
		metrics.NodeHealthy.WithLabelValues(tag).Set(0)
	case wasFailing:
		metrics.NodeHealthy.WithLabelValues(tag).Set(1)
		s.log.Info("nodo recuperado", logger.NodeTag(tag))
		s.bus.PublishAlert(notify.Alert{
			Title:    "nodo recuperado",
			Message:  fmt.Sprintf("el nodo %s volvió a responder", tag),
			Severity: notify.SeverityInfo,
			Detail:   map[string]any{"node": tag, "url": url},
			At:       now,
		})
	default:
		metrics.NodeHealthy.WithLabelValues(tag).Set(1)
	}
}

// reconcile alinea la membresía de consenso con la topología replicada:
// members como voters, promotables y watchers como nonvoters, y fuera del
// consenso lo que la topología ya no menciona.
func (s *Supervisor) reconcile(ctx context.Context, topo *topology.Topology) {
	members, err := s.node.Members(ctx)
	if err != nil {
		s.log.Warn("no se pudo leer la membresía de consenso", logger.Err(err))
		return
	}
	current := make(map[string]cluster.Member, len(members))
	for _, m := range members {
		current[m.Tag] = m
	}

	for tag := range topo.Members {
		cur, in := current[tag]
		switch {
		case in && cur.Voter:
			// ya está como corresponde
		case in:
			// nonvoter que la topología asciende: AddVoter promueve in situ
			if err := s.node.AddNode(ctx, tag, cur.Addr, true); err != nil {
				s.log.Warn("promoción a voter falló", logger.NodeTag(tag), logger.Err(err))
				continue
			}
			metrics.MaintenanceActions.WithLabelValues("node_promoted").Inc()
		default:
			s.joinNode(ctx, tag, true)
		}
	}

	for tag := range nonvoterTags(topo) {
		cur, in := current[tag]
		switch {
		case in && !cur.Voter:
			// ya está como corresponde
		case in:
			if tag == s.node.LocalTag() {
				// degradarnos a nosotros mismos nos sacaría el liderazgo;
				// que lo haga el próximo líder
				continue
			}
			if err := s.node.DemoteNode(ctx, tag); err != nil {
				s.log.Warn("degradación a nonvoter falló", logger.NodeTag(tag), logger.Err(err))
				continue
			}
			metrics.MaintenanceActions.WithLabelValues("node_demoted").Inc()
		default:
			s.joinNode(ctx, tag, false)
		}
	}

	all := topo.All()
	for tag := range current {
		if _, ok := all[tag]; ok {
			continue
		}
		if tag == s.node.LocalTag() {
			s.log.Warn("la topología no incluye a este nodo; no me remuevo del consenso",
				logger.NodeTag(tag))
			continue
		}
		if err := s.node.RemoveNode(ctx, tag); err != nil {
			s.log.Warn("remoción del consenso falló", logger.NodeTag(tag), logger.Err(err))
			continue
		}
		metrics.MaintenanceActions.WithLabelValues("node_removed").Inc()
	}
}

// joinNode suma al consenso un nodo que figura en la topología pero todavía
// no en la configuración raft. Necesita la dirección raft del mapa peers.
func (s *Supervisor) joinNode(ctx context.Context, tag string, voter bool) {
	addr, ok := s.raftAddrs[tag]
	if !ok {
		s.log.Warn("nodo en topología sin dirección raft conocida; agregarlo a cluster.peers",
			logger.NodeTag(tag))
		return
	}
	if err := s.node.AddNode(ctx, tag, addr, voter); err != nil {
		s.log.Warn("alta en el consenso falló", logger.NodeTag(tag), logger.Err(err))
		return
	}
	metrics.MaintenanceActions.WithLabelValues("node_added").Inc()
}

// teardown desarma las sondas y limpia el estado al perder el liderazgo.
func (s *Supervisor) teardown() {
	s.mu.Lock()
	for tag, stop := range s.watches {
		stop()
		delete(s.watches, tag)
		metrics.NodeHealthy.DeleteLabelValues(tag)
	}
	s.health = map[string]*topology.Health{}
	s.leading = false
	s.mu.Unlock()

	metrics.MaintenanceActions.WithLabelValues("leadership_lost").Inc()
	s.log.Info("supervisión de cluster detenida", logger.NodeTag(s.node.LocalTag()))
}

func nonvoterTags(topo *topology.Topology) map[string]string {
	out := make(map[string]string, len(topo.Promotable)+len(topo.Watchers))
	for tag, url := range topo.Promotable {
		out[tag] = url
	}
	for tag, url := range topo.Watchers {
		out[tag] = url
	}
	return out
}
