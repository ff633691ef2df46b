package server

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/dropDatabas3/farodb/internal/cluster"
	"github.com/dropDatabas3/farodb/internal/command"
	"github.com/dropDatabas3/farodb/internal/metrics"
	"github.com/dropDatabas3/farodb/internal/observability/logger"
	"github.com/dropDatabas3/farodb/internal/topology"
	"github.com/dropDatabas3/farodb/internal/transport"
)

// TopologySource lee la topología replicada vigente.
type TopologySource func(ctx context.Context) (*topology.Topology, error)

// consensus es lo que el camino de escritura necesita del nodo de consenso.
// Lo satisface *cluster.Node; los tests lo fakean.
type consensus interface {
	IsLeader() bool
	WaitForLeader(ctx context.Context) (string, error)
	ApplyEnvelope(ctx context.Context, env command.Envelope) (command.Result, error)
}

// Forwarder es el camino de escritura del servidor: aplica el sobre en el
// consenso si este nodo es líder, o lo reenvía al líder si no. Si el líder
// rebota el sobre porque dejó de serlo, persigue al líder nuevo; sólo
// reintenta cuando el tag del líder resuelto cambió respecto del intento
// anterior, así un líder que rechaza en forma estable no genera un loop.
type Forwarder struct {
	node     consensus
	topo     TopologySource
	secret   string
	selfTag  string
	apiAddrs map[string]string // fallback tag -> baseURL previo a la primera topología

	attemptTimeout time.Duration
	submitTimeout  time.Duration
	maxAttempts    int

	client atomic.Pointer[peerClient]
	dedup  *gocache.Cache

	log *zap.Logger
}

// peerClient cachea el cliente HTTP del líder vigente; se reemplaza entero
// cuando la URL del líder cambia.
type peerClient struct {
	url string
	c   *transport.Client
}

type ForwarderOptions struct {
	Node     consensus
	Topology TopologySource
	Secret   string
	SelfTag  string
	APIAddrs map[string]string

	AttemptTimeout time.Duration
	SubmitTimeout  time.Duration
	MaxAttempts    int
}

func NewForwarder(opts ForwarderOptions) *Forwarder {
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 3 * time.Second
	}
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = 8 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	dedupTTL := 2 * opts.SubmitTimeout
	if dedupTTL < time.Minute {
		dedupTTL = time.Minute
	}
	return &Forwarder{
		node:           opts.Node,
		topo:           opts.Topology,
		secret:         opts.Secret,
		selfTag:        opts.SelfTag,
		apiAddrs:       opts.APIAddrs,
		attemptTimeout: opts.AttemptTimeout,
		submitTimeout:  opts.SubmitTimeout,
		maxAttempts:    opts.MaxAttempts,
		dedup:          gocache.New(dedupTTL, 2*dedupTTL),
		log:            logger.Named("forward"),
	}
}

// ApplyLeader aplica el sobre en el consenso local. Es el destino de los
// reenvíos entre nodos: falla con ErrNotLeader si este nodo no es líder.
// Un sobre ya aplicado (mismo ID dentro de la ventana de dedup) devuelve el
// resultado cacheado en vez de aplicarse dos veces.
func (f *Forwarder) ApplyLeader(ctx context.Context, env command.Envelope) (command.Result, error) {
	if !f.node.IsLeader() {
		return command.Result{}, fmt.Errorf("%w: nodo %s no es líder", cluster.ErrNotLeader, f.selfTag)
	}
	if hit, ok := f.dedup.Get(env.ID); ok {
		f.log.Debug("sobre duplicado, resultado cacheado", logger.CmdID(env.ID))
		return hit.(command.Result), nil
	}
	res, err := f.node.ApplyEnvelope(ctx, env)
	if err != nil {
		return command.Result{}, err
	}
	f.dedup.Set(env.ID, res, gocache.DefaultExpiration)
	return res, nil
}

// Submit propone el sobre al cluster desde cualquier nodo. El deadline total
// está acotado por SubmitTimeout; cada intento individual por AttemptTimeout.
func (f *Forwarder) Submit(ctx context.Context, env command.Envelope) (command.Result, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, f.submitTimeout)
	defer cancel()

	var failedLeader string
	for attempt := 1; attempt <= f.maxAttempts; attempt++ {
		if f.node.IsLeader() {
			res, err := f.ApplyLeader(ctx, env)
			if err == nil {
				metrics.ObserveForward("local", time.Since(start))
				return res, nil
			}
			if !errors.Is(err, cluster.ErrNotLeader) {
				metrics.ObserveForward("failed", time.Since(start))
				return command.Result{}, err
			}
			// perdió el liderazgo mientras aplicaba: sigue la persecución
		}

		actx, acancel := context.WithTimeout(ctx, f.attemptTimeout)
		leaderTag, err := f.node.WaitForLeader(actx)
		if err != nil {
			acancel()
			metrics.ObserveForward("failed", time.Since(start))
			return command.Result{}, fmt.Errorf("%w: %v", cluster.ErrNoLeader, err)
		}
		if leaderTag == f.selfTag {
			// nos volvimos líder mientras esperábamos
			acancel()
			continue
		}
		if leaderTag == failedLeader {
			// el mismo líder que ya nos rebotó: no hay progreso posible
			acancel()
			metrics.ObserveForward("failed", time.Since(start))
			return command.Result{}, fmt.Errorf("%w: el líder %s rechazó el sobre", cluster.ErrNotLeader, leaderTag)
		}

		url, err := f.leaderURL(actx, leaderTag)
		if err != nil {
			acancel()
			metrics.ObserveForward("failed", time.Since(start))
			return command.Result{}, err
		}

		res, err := f.clientFor(url).Forward(actx, url, env)
		acancel()
		if err == nil {
			metrics.ObserveForward("forwarded", time.Since(start))
			f.log.Debug("sobre reenviado al líder",
				logger.CmdID(env.ID), logger.CmdType(string(env.Type)),
				logger.Leader(leaderTag), logger.Attempt(attempt))
			return res, nil
		}
		if errors.Is(err, cluster.ErrNotLeader) && attempt < f.maxAttempts {
			// el líder cambió entre la resolución y el reenvío
			failedLeader = leaderTag
			metrics.ObserveForward("retried", time.Since(start))
			f.log.Info("el líder rebotó el sobre, persiguiendo al nuevo",
				logger.CmdID(env.ID), logger.Leader(leaderTag), logger.Attempt(attempt))
			continue
		}
		metrics.ObserveForward("failed", time.Since(start))
		return command.Result{}, err
	}

	metrics.ObserveForward("failed", time.Since(start))
	return command.Result{}, fmt.Errorf("%w: agotados %d intentos", cluster.ErrNoLeader, f.maxAttempts)
}

// leaderURL resuelve la URL base de la API del líder. La fuente es la
// topología replicada; si todavía no hay topología escrita (cluster recién
// bootstrapeado) cae al mapa api_addrs de la configuración.
func (f *Forwarder) leaderURL(ctx context.Context, leaderTag string) (string, error) {
	topo, err := f.topo(ctx)
	if err != nil {
		return "", fmt.Errorf("server: leyendo topología: %w", err)
	}
	if topo != nil {
		if url, ok := topo.Members[leaderTag]; ok {
			return url, nil
		}
		return "", fmt.Errorf("%w: %s", cluster.ErrTopologyInconsistent, leaderTag)
	}
	if url, ok := f.apiAddrs[leaderTag]; ok {
		return url, nil
	}
	return "", fmt.Errorf("%w: %s (sin topología ni api_addrs)", cluster.ErrTopologyInconsistent, leaderTag)
}

func (f *Forwarder) clientFor(url string) *transport.Client {
	if pc := f.client.Load(); pc != nil && pc.url == url {
		return pc.c
	}
	pc := &peerClient{
		url: url,
		c:   transport.NewClient([]byte(f.secret), f.selfTag, f.attemptTimeout),
	}
	f.client.Store(pc)
	return pc.c
}
