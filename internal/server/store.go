// Package server compone el servidor completo: el árbol replicado, el
// consenso, el camino de escritura con reenvío al líder, el landlord de
// runtimes y el mantenimiento de cluster. Store es la raíz que consume la
// capa HTTP; el resto del paquete son sus piezas.
package server

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/boltdb/bolt"
	"go.uber.org/zap"

	"github.com/dropDatabas3/farodb/internal/cluster"
	"github.com/dropDatabas3/farodb/internal/command"
	"github.com/dropDatabas3/farodb/internal/config"
	"github.com/dropDatabas3/farodb/internal/maintenance"
	"github.com/dropDatabas3/farodb/internal/notify"
	"github.com/dropDatabas3/farodb/internal/observability/logger"
	"github.com/dropDatabas3/farodb/internal/state"
	"github.com/dropDatabas3/farodb/internal/topology"
	"github.com/dropDatabas3/farodb/internal/transport"
	"github.com/dropDatabas3/farodb/internal/vault"
)

// Phase es la fase del ciclo de vida del Store.
type Phase int32

const (
	PhaseUninitialized Phase = iota
	PhaseInitializing
	PhaseRunning
	PhaseShuttingDown
	PhaseDisposed
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseInitializing:
		return "initializing"
	case PhaseRunning:
		return "running"
	case PhaseShuttingDown:
		return "shutting_down"
	case PhaseDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Store es la raíz del servidor. Se construye con New, arranca con
// Initialize y se apaga con Dispose; entre medio implementa transport.Core.
type Store struct {
	cfg     *config.Config
	version string

	state    *state.Store
	bus      *notify.Bus
	node     *cluster.Node
	fwd      *Forwarder
	landlord *Landlord
	super    *maintenance.Supervisor
	obs      *maintenance.Observer
	redis    *notify.RedisSink
	mailer   *notify.Mailer

	phase     atomic.Int32
	startedAt time.Time

	cancelEvents func()
	wg           sync.WaitGroup

	disposeOnce sync.Once
	disposeErr  error

	log *zap.Logger
}

func New(cfg *config.Config, version string) *Store {
	return &Store{
		cfg:     cfg,
		version: version,
		log:     logger.Named("server"),
	}
}

// Phase devuelve la fase actual.
func (s *Store) Phase() Phase { return Phase(s.phase.Load()) }

// Initialize construye y arranca todos los subsistemas en orden. Sólo puede
// llamarse una vez, desde la fase inicial; si algo falla a mitad de camino,
// lo ya construido se desarma y el Store queda en fase Disposed.
func (s *Store) Initialize(ctx context.Context) error {
	if !s.phase.CompareAndSwap(int32(PhaseUninitialized), int32(PhaseInitializing)) {
		return fmt.Errorf("server: Initialize en fase %s", s.Phase())
	}
	if err := s.initialize(ctx); err != nil {
		_ = s.Dispose(context.Background())
		return err
	}
	s.startedAt = time.Now()
	s.phase.Store(int32(PhaseRunning))
	s.log.Info("server store en marcha",
		logger.NodeTag(s.cfg.Cluster.SelfTag),
		logger.Role(string(s.node.Role())),
		logger.String("data_dir", s.cfg.Store.Dir),
	)
	return nil
}

func (s *Store) initialize(ctx context.Context) error {
	cfg := s.cfg

	if cfg.Security.MasterKey != "" {
		if err := vault.SetMasterKey(cfg.Security.MasterKey); err != nil {
			return fmt.Errorf("server: master key: %w", err)
		}
	} else {
		s.log.Warn("vault sin master key: las operaciones de claves van a fallar hasta configurarla")
	}

	st, err := state.Open(cfg.Store.Dir)
	if err != nil {
		return err
	}
	s.state = st

	s.bus = notify.NewBus()

	fsm := cluster.NewFSM(st, s.bus, cfg.Cluster.SelfTag)
	node, err := cluster.NewNode(cluster.NodeOptions{
		Tag:                cfg.Cluster.SelfTag,
		RaftAddr:           cfg.Cluster.RaftAddr,
		DataDir:            filepath.Join(cfg.Store.Dir, "raft"),
		FSM:                fsm,
		Peers:              cfg.Cluster.Peers,
		BootstrapPreferred: cfg.Cluster.Bootstrap,
		DisableBootstrap:   cfg.Cluster.JoinOnly,
		SnapshotKeep:       cfg.Cluster.SnapshotKeep,
		TLSEnable:          cfg.Cluster.TLSEnable,
		TLSCertFile:        cfg.Cluster.TLSCertFile,
		TLSKeyFile:         cfg.Cluster.TLSKeyFile,
		TLSCAFile:          cfg.Cluster.TLSCAFile,
		TLSServerName:      cfg.Cluster.TLSServerName,
	})
	if err != nil {
		return err
	}
	s.node = node

	s.fwd = NewForwarder(ForwarderOptions{
		Node:           node,
		Topology:       s.CurrentTopology,
		Secret:         cfg.Cluster.Secret,
		SelfTag:        cfg.Cluster.SelfTag,
		APIAddrs:       cfg.Cluster.APIAddrs,
		AttemptTimeout: config.Dur(cfg.Forward.AttemptTimeout, 3*time.Second),
		SubmitTimeout:  config.Dur(cfg.Forward.SubmitTimeout, 8*time.Second),
		MaxAttempts:    cfg.Forward.MaxAttempts,
	})

	s.landlord = NewLandlord(
		DefaultFactory(filepath.Join(cfg.Store.Dir, "databases")),
		config.Dur(cfg.Store.IdleTTL, 10*time.Minute),
		config.Dur(cfg.Store.SweepEvery, time.Minute),
		s.bus,
	)

	probeEvery := config.Dur(cfg.Maintenance.ProbeEvery, 2*time.Second)
	s.super = maintenance.NewSupervisor(maintenance.SupervisorOptions{
		Node:       node,
		Client:     transport.NewClient([]byte(cfg.Cluster.Secret), cfg.Cluster.SelfTag, probeEvery),
		Topology:   s.CurrentTopology,
		Bus:        s.bus,
		RaftAddrs:  cfg.Cluster.Peers,
		ProbeEvery: probeEvery,
	})

	grace := config.Dur(cfg.Maintenance.RemoveGrace, 30*time.Second)
	s.obs = maintenance.NewObserver(maintenance.ObserverOptions{
		Health:     s.super.Health,
		Node:       node,
		Topology:   s.CurrentTopology,
		Submit:     s.fwd.Submit,
		Bus:        s.bus,
		Policy:     maintenance.GracePolicy{DemoteAfter: grace / 2, RemoveAfter: grace},
		Every:      probeEvery,
		AutoRemove: cfg.Maintenance.AutoRemove,
	})

	if cfg.Notify.Redis.Enabled {
		sink, err := notify.NewRedisSink(notify.RedisOptions{
			Addr:     cfg.Notify.Redis.Addr,
			Password: cfg.Notify.Redis.Password,
			DB:       cfg.Notify.Redis.DB,
			Channel:  cfg.Notify.Redis.Channel,
		})
		if err != nil {
			return fmt.Errorf("server: sink redis: %w", err)
		}
		sink.Attach(s.bus)
		s.redis = sink
	}

	if cfg.Notify.SMTP.Enabled {
		m := notify.NewMailer(
			cfg.Notify.SMTP.Host, cfg.Notify.SMTP.Port,
			cfg.Notify.SMTP.From, cfg.Notify.SMTP.Username, cfg.Notify.SMTP.Password,
			cfg.Notify.SMTP.To,
		)
		if cfg.Notify.SMTP.TLS != "" {
			m.TLSMode = cfg.Notify.SMTP.TLS
		}
		m.InsecureSkipVerify = cfg.Notify.SMTP.InsecureSkipVerify
		m.Attach(s.bus)
		s.mailer = m
	}

	events, cancelSub := s.bus.SubscribeDatabases(16)
	evCtx, cancelEvents := context.WithCancel(context.Background())
	s.cancelEvents = cancelEvents
	s.wg.Add(1)
	go s.watchDatabaseEvents(evCtx, events, cancelSub)

	// Replay de arranque: las bases ya registradas pasan por el mismo camino
	// de notificación que una recién creada, así el landlord y los sinks las
	// ven sin un camino especial.
	var recs []state.DatabaseRecord
	if err := st.View(func(tx *bolt.Tx) error {
		var verr error
		recs, verr = state.ListDatabases(tx)
		return verr
	}); err != nil {
		return fmt.Errorf("server: releyendo bases: %w", err)
	}
	applied := node.AppliedIndex()
	for _, rec := range recs {
		s.bus.PublishDatabase(notify.DatabaseEvent{Name: rec.Name, Index: applied, Kind: notify.KindPut})
	}
	if len(recs) > 0 {
		s.log.Info("replay de bases completado", logger.Count(len(recs)))
	}

	s.super.Start()
	s.obs.Start()
	return nil
}

// Dispose apaga todo en orden inverso al arranque. Es idempotente y seguro
// bajo concurrencia: la primera llamada ejecuta el apagado, las demás
// esperan y ven el mismo resultado.
func (s *Store) Dispose(ctx context.Context) error {
	s.disposeOnce.Do(func() {
		s.phase.Store(int32(PhaseShuttingDown))
		s.disposeErr = s.teardown()
		s.phase.Store(int32(PhaseDisposed))
		s.log.Info("server store apagado")
	})
	return s.disposeErr
}

func (s *Store) teardown() error {
	var errs []error

	if s.obs != nil {
		s.obs.Close()
	}
	if s.super != nil {
		s.super.Close()
	}
	if s.cancelEvents != nil {
		s.cancelEvents()
	}
	s.wg.Wait()
	if s.landlord != nil {
		if err := s.landlord.CloseAll(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.node != nil {
		if err := s.node.Close(); err != nil {
			errs = append(errs, fmt.Errorf("consenso: %w", err))
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if s.mailer != nil {
		if err := s.mailer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("mailer: %w", err))
		}
	}
	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("bus: %w", err))
		}
	}
	if s.state != nil {
		if err := s.state.Close(); err != nil {
			errs = append(errs, fmt.Errorf("estado: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errores durante el apagado: %v", errs)
	}
	return nil
}

// watchDatabaseEvents mantiene el landlord alineado con el estado replicado:
// alta o edición recarga el runtime, baja lo descarga.
func (s *Store) watchDatabaseEvents(ctx context.Context, events <-chan notify.DatabaseEvent, cancelSub func()) {
	defer s.wg.Done()
	defer cancelSub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.onDatabaseEvent(ctx, ev)
		}
	}
}

func (s *Store) onDatabaseEvent(ctx context.Context, ev notify.DatabaseEvent) {
	switch ev.Kind {
	case notify.KindDelete:
		if err := s.landlord.Unload(ev.Name); err != nil {
			s.log.Warn("descarga tras baja falló", logger.Database(ev.Name), logger.Err(err))
		}
	case notify.KindUpdate:
		// reabrir con la configuración nueva
		if err := s.landlord.Unload(ev.Name); err != nil {
			s.log.Warn("descarga para recarga falló", logger.Database(ev.Name), logger.Err(err))
			return
		}
		s.loadRuntime(ctx, ev.Name)
	case notify.KindPut:
		s.loadRuntime(ctx, ev.Name)
	}
}

func (s *Store) loadRuntime(ctx context.Context, name string) {
	rec, err := s.Database(ctx, name)
	if err != nil || rec == nil {
		return
	}
	if _, err := s.landlord.Get(ctx, *rec); err != nil {
		s.log.Warn("carga del runtime falló", logger.Database(name), logger.Err(err))
	}
}

// ─── Fases como guardas ───

func (s *Store) running() error {
	switch s.Phase() {
	case PhaseRunning:
		return nil
	case PhaseShuttingDown, PhaseDisposed:
		return cluster.ErrShutdown
	default:
		return fmt.Errorf("server: store no inicializado (fase %s)", s.Phase())
	}
}

// readable admite también la fase de arranque: el replay y los subsistemas
// internos leen el árbol antes de que el Store pase a Running.
func (s *Store) readable() error {
	switch s.Phase() {
	case PhaseRunning, PhaseInitializing:
		return nil
	case PhaseShuttingDown, PhaseDisposed:
		return cluster.ErrShutdown
	default:
		return fmt.Errorf("server: store no inicializado (fase %s)", s.Phase())
	}
}

// ─── Camino de escritura ───

func (s *Store) Submit(ctx context.Context, env command.Envelope) (command.Result, error) {
	if err := s.running(); err != nil {
		return command.Result{}, err
	}
	return s.fwd.Submit(ctx, env)
}

func (s *Store) ApplyLeader(ctx context.Context, env command.Envelope) (command.Result, error) {
	if err := s.running(); err != nil {
		return command.Result{}, err
	}
	return s.fwd.ApplyLeader(ctx, env)
}

// ─── Lecturas del estado replicado ───

func (s *Store) Databases(ctx context.Context) ([]state.DatabaseRecord, error) {
	if err := s.readable(); err != nil {
		return nil, err
	}
	var out []state.DatabaseRecord
	err := s.state.View(func(tx *bolt.Tx) error {
		var verr error
		out, verr = state.ListDatabases(tx)
		return verr
	})
	return out, err
}

func (s *Store) Database(ctx context.Context, name string) (*state.DatabaseRecord, error) {
	if err := s.readable(); err != nil {
		return nil, err
	}
	var rec *state.DatabaseRecord
	err := s.state.View(func(tx *bolt.Tx) error {
		var verr error
		rec, verr = state.GetDatabase(tx, name)
		return verr
	})
	return rec, err
}

func (s *Store) Value(ctx context.Context, key string) ([]byte, bool, error) {
	if err := s.readable(); err != nil {
		return nil, false, err
	}
	var (
		val []byte
		ok  bool
	)
	err := s.state.View(func(tx *bolt.Tx) error {
		val, ok = state.GetValue(tx, key)
		return nil
	})
	return val, ok, err
}

func (s *Store) CurrentTopology(ctx context.Context) (*topology.Topology, error) {
	if err := s.readable(); err != nil {
		return nil, err
	}
	var topo *topology.Topology
	err := s.state.View(func(tx *bolt.Tx) error {
		var verr error
		topo, verr = state.GetTopology(tx)
		return verr
	})
	return topo, err
}

// ─── Vault del nodo ───

func (s *Store) PutSecret(ctx context.Context, database string, rawKey []byte, overwrite bool) error {
	if err := s.running(); err != nil {
		return err
	}
	return s.state.Update(func(tx *bolt.Tx) error {
		return vault.Put(tx, database, rawKey, overwrite)
	})
}

func (s *Store) DeleteSecret(ctx context.Context, database string) error {
	if err := s.running(); err != nil {
		return err
	}
	return s.state.Update(func(tx *bolt.Tx) error {
		return vault.Delete(tx, database)
	})
}

func (s *Store) HasSecret(ctx context.Context, database string) (bool, error) {
	if err := s.readable(); err != nil {
		return false, err
	}
	var present bool
	err := s.state.View(func(tx *bolt.Tx) error {
		key, ok, verr := vault.Get(tx, database)
		if verr != nil {
			return verr
		}
		if ok {
			vault.Zero(key)
		}
		present = ok
		return nil
	})
	return present, err
}

func (s *Store) SecretNames(ctx context.Context) ([]string, error) {
	if err := s.readable(); err != nil {
		return nil, err
	}
	var names []string
	err := s.state.View(func(tx *bolt.Tx) error {
		var verr error
		names, verr = vault.Names(tx)
		return verr
	})
	return names, err
}

// ─── Cluster y administración ───

func (s *Store) Info() transport.NodeInfo {
	info := transport.NodeInfo{
		Tag:     s.cfg.Cluster.SelfTag,
		Version: s.version,
	}
	if s.node != nil {
		info.Role = string(s.node.Role())
		info.Leader = s.node.LeaderTag()
		info.Term = s.node.Term()
		info.AppliedIndex = s.node.AppliedIndex()
	}
	if !s.startedAt.IsZero() {
		info.Uptime = time.Since(s.startedAt).Round(time.Second).String()
	}
	return info
}

func (s *Store) LeaderTag() string {
	if s.node == nil {
		return ""
	}
	return s.node.LeaderTag()
}

func (s *Store) Members(ctx context.Context) ([]cluster.Member, error) {
	if err := s.readable(); err != nil {
		return nil, err
	}
	return s.node.Members(ctx)
}

func (s *Store) NodesHealth(ctx context.Context) (map[string]*topology.Health, error) {
	if err := s.readable(); err != nil {
		return nil, err
	}
	return s.super.Health(ctx)
}

// SetNode ubica (o reubica) un nodo en la topología replicada y propone el
// cambio por el camino de escritura normal, desde cualquier nodo. La
// membresía de consenso la ajusta después el supervisor del líder.
func (s *Store) SetNode(ctx context.Context, tag, url string, role topology.Role) error {
	if err := s.running(); err != nil {
		return err
	}
	topo, err := s.CurrentTopology(ctx)
	if err != nil {
		return err
	}

	var next *topology.Topology
	if topo == nil {
		next = topology.New()
		next.APIKey = s.cfg.Cluster.Secret
	} else {
		next = topo.Clone()
	}
	if err := next.Set(tag, url, role); err != nil {
		return err
	}
	if err := next.Validate(s.LeaderTag()); err != nil {
		return fmt.Errorf("%w: %v", cluster.ErrTopologyInconsistent, err)
	}

	env, err := command.New(command.TypeTopologyUpdate, "", command.TopologyPayload{Topology: next})
	if err != nil {
		return err
	}
	_, err = s.fwd.Submit(ctx, env)
	return err
}

// DropNode saca un nodo de la topología replicada. Sacar al líder actual es
// inválido (primero hay que transferir el liderazgo).
func (s *Store) DropNode(ctx context.Context, tag string) error {
	if err := s.running(); err != nil {
		return err
	}
	topo, err := s.CurrentTopology(ctx)
	if err != nil {
		return err
	}
	if topo == nil {
		return nil
	}
	if _, ok := topo.RoleOf(tag); !ok {
		return nil
	}

	next := topo.Clone()
	next.Remove(tag)
	if err := next.Validate(s.LeaderTag()); err != nil {
		return fmt.Errorf("%w: %v", cluster.ErrTopologyInconsistent, err)
	}

	env, err := command.New(command.TypeTopologyUpdate, "", command.TopologyPayload{Topology: next})
	if err != nil {
		return err
	}
	_, err = s.fwd.Submit(ctx, env)
	return err
}

// Ready responde si el nodo puede atender tráfico: en marcha y con líder
// conocido.
func (s *Store) Ready(ctx context.Context) error {
	if err := s.running(); err != nil {
		return err
	}
	if s.node.LeaderTag() == "" {
		return cluster.ErrNoLeader
	}
	return nil
}

func (s *Store) RaftStats() map[string]string {
	if s.node == nil {
		return map[string]string{}
	}
	return s.node.Stats()
}

func (s *Store) StoreSize() int64 {
	if s.state == nil {
		return 0
	}
	return s.state.SizeBytes()
}

// Runtimes expone la foto del landlord para la API de stats.
func (s *Store) Runtimes() any {
	if s.landlord == nil {
		return LandlordStats{}
	}
	return s.landlord.Stats()
}
