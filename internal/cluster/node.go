package cluster

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"go.uber.org/zap"

	"github.com/dropDatabas3/farodb/internal/command"
	"github.com/dropDatabas3/farodb/internal/metrics"
	"github.com/dropDatabas3/farodb/internal/observability/logger"
)

// membershipTimeout es el timeout por defecto para operaciones de membership
// (AddVoter, AddNonvoter, RemoveServer).
const membershipTimeout = 10 * time.Second

// Role es el rol de consenso del nodo visto desde afuera.
type Role string

const (
	RoleLeader    Role = "leader"
	RoleFollower  Role = "follower"
	RoleCandidate Role = "candidate"
	// RolePassive cubre dos casos: nodo apagado, o nodo sin configuración
	// conocida (join-only esperando que el líder lo agregue).
	RolePassive Role = "passive"
)

// Node envuelve *raft.Raft con los helpers que usa el resto del servidor:
// proponer sobres, consultar rol y líder, administrar membership y esperar
// transiciones.
type Node struct {
	r            *raft.Raft
	fsm          *FSM
	applyTimeout time.Duration
	id           raft.ServerID
	addr         raft.ServerAddress
	peers        map[string]string // tag -> raftAddr
	membershipMu sync.Mutex        // serializa AddNode/RemoveNode

	done      chan struct{} // cerrado en Close; frena goroutines internas
	closeOnce sync.Once

	log *zap.Logger
}

type NodeOptions struct {
	Tag      string // identidad de este nodo (config cluster.self_tag)
	RaftAddr string // host:port del transporte de consenso
	DataDir  string // directorio de datos (raft.db + snapshots)
	FSM      *FSM
	Peers    map[string]string // tag -> raftAddr, incluyendo este nodo. Con >1 se hace bootstrap estático en un solo nodo.

	// BootstrapPreferred fuerza a este nodo a ser el bootstrapper inicial
	// cuando no hay estado previo. Úsese en un solo nodo; si nadie lo marca,
	// se elige el de menor tag.
	BootstrapPreferred bool

	// DisableBootstrap evita el bootstrap aunque no haya estado previo.
	// Para nodos que se unen dinámicamente a un cluster existente.
	DisableBootstrap bool

	SnapshotKeep int           // snapshots retenidos en disco (default 2)
	ApplyTimeout time.Duration // timeout de enqueue de Apply (default 5s)

	// TLS opcional del transporte de consenso (mTLS).
	TLSEnable     bool
	TLSCertFile   string
	TLSKeyFile    string
	TLSCAFile     string
	TLSServerName string
}

func NewNode(opts NodeOptions) (*Node, error) {
	if opts.Tag == "" || opts.RaftAddr == "" || opts.DataDir == "" || opts.FSM == nil {
		return nil, errors.New("cluster: NodeOptions incompletas")
	}
	if opts.SnapshotKeep <= 0 {
		opts.SnapshotKeep = 2
	}
	if opts.ApplyTimeout <= 0 {
		opts.ApplyTimeout = 5 * time.Second
	}
	log := logger.Named("cluster")

	if err := os.MkdirAll(opts.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("cluster: mkdir %s: %w", opts.DataDir, err)
	}

	// Log + stable en la misma Bolt DB.
	boltPath := filepath.Join(opts.DataDir, "raft.db")
	boltStore, err := raftboltdb.NewBoltStore(boltPath)
	if err != nil {
		return nil, fmt.Errorf("cluster: bolt store: %w", err)
	}
	logStore := boltStore
	stableStore := boltStore

	// Los logs de texto de raft salen por zap con componente "raft".
	raftLogs := zap.NewStdLog(logger.Named("raft")).Writer()

	snapStore, err := raft.NewFileSnapshotStore(opts.DataDir, opts.SnapshotKeep, raftLogs)
	if err != nil {
		return nil, fmt.Errorf("cluster: snapshot store: %w", err)
	}

	// Transporte: TCP plano o TLS mTLS si está habilitado.
	var trans *raft.NetworkTransport
	if opts.TLSEnable {
		bundle, err := loadTLSBundle(opts.TLSCertFile, opts.TLSKeyFile, opts.TLSCAFile, opts.TLSServerName)
		if err != nil {
			return nil, fmt.Errorf("cluster: tls: %w", err)
		}
		ln, err := tls.Listen("tcp", opts.RaftAddr, bundle.server)
		if err != nil {
			return nil, fmt.Errorf("cluster: tls listen: %w", err)
		}
		stream := &tlsStream{ln: ln, cfg: bundle.client}
		trans = raft.NewNetworkTransport(stream, 3, 10*time.Second, raftLogs)
	} else {
		plain, err := raft.NewTCPTransport(opts.RaftAddr, nil, 3, 10*time.Second, raftLogs)
		if err != nil {
			return nil, fmt.Errorf("cluster: tcp transport: %w", err)
		}
		trans = plain
	}

	rcfg := raft.DefaultConfig()
	rcfg.LocalID = raft.ServerID(opts.Tag)
	rcfg.LogOutput = raftLogs

	r, err := raft.NewRaft(rcfg, opts.FSM, logStore, stableStore, snapStore, trans)
	if err != nil {
		return nil, fmt.Errorf("cluster: new raft: %w", err)
	}

	n := &Node{
		r:            r,
		fsm:          opts.FSM,
		applyTimeout: opts.ApplyTimeout,
		id:           rcfg.LocalID,
		addr:         trans.LocalAddr(),
		peers:        opts.Peers,
		done:         make(chan struct{}),
		log:          log,
	}
	opts.FSM.BindLeaderTag(n.LeaderTag)

	// Contador de cambios de liderazgo.
	go func(ch <-chan bool) {
		for {
			select {
			case <-n.done:
				return
			case v := <-ch:
				if v {
					metrics.RaftLeadershipChanges.Inc()
					log.Info("liderazgo adquirido", logger.NodeTag(opts.Tag), logger.Term(n.Term()))
				} else {
					log.Info("liderazgo perdido", logger.NodeTag(opts.Tag), logger.Term(n.Term()))
				}
			}
		}
	}(r.LeaderCh())

	// Bootstrap si no hay estado previo.
	hasState, err := raft.HasExistingState(logStore, stableStore, snapStore)
	if err != nil {
		_ = n.Close()
		return nil, fmt.Errorf("cluster: check state: %w", err)
	}
	if !hasState {
		if err := n.bootstrap(opts, trans.LocalAddr()); err != nil {
			_ = n.Close()
			return nil, err
		}
	}

	// Métricas periódicas: tamaño del log en disco y término actual.
	go func() {
		t := time.NewTicker(10 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-n.done:
				return
			case <-t.C:
				if st, err := os.Stat(boltPath); err == nil {
					metrics.RaftLogSizeBytes.Set(float64(st.Size()))
				}
				metrics.RaftTerm.Set(float64(n.Term()))
			}
		}
	}()

	return n, nil
}

// bootstrap decide si este nodo inicializa el cluster y con qué configuración.
func (n *Node) bootstrap(opts NodeOptions, localAddr raft.ServerAddress) error {
	if opts.DisableBootstrap {
		n.log.Info("modo join-only: sin bootstrap", logger.NodeTag(opts.Tag), logger.Addr(opts.RaftAddr))
		return nil
	}
	if len(opts.Peers) <= 1 {
		conf := raft.Configuration{Servers: []raft.Server{{ID: n.id, Address: localAddr}}}
		if err := n.r.BootstrapCluster(conf).Error(); err != nil {
			return fmt.Errorf("cluster: bootstrap: %w", err)
		}
		n.log.Info("cluster de un solo nodo inicializado", logger.NodeTag(opts.Tag), logger.Addr(opts.RaftAddr))
		return nil
	}
	// Bootstrap estático: lo ejecuta un único nodo determinístico (el de
	// menor tag), salvo que BootstrapPreferred lo fuerce en otro.
	smallest := opts.Tag
	for t := range opts.Peers {
		if t < smallest {
			smallest = t
		}
	}
	if !opts.BootstrapPreferred && opts.Tag != smallest {
		n.log.Info("esperando unirse al cluster estático",
			logger.NodeTag(opts.Tag), logger.String("bootstrapper", smallest))
		return nil
	}
	var servers []raft.Server
	for tag, addr := range opts.Peers {
		servers = append(servers, raft.Server{ID: raft.ServerID(tag), Address: raft.ServerAddress(addr)})
	}
	if err := n.r.BootstrapCluster(raft.Configuration{Servers: servers}).Error(); err != nil {
		return fmt.Errorf("cluster: bootstrap estático: %w", err)
	}
	n.log.Info("cluster estático inicializado", logger.NodeTag(opts.Tag), logger.Count(len(servers)))
	return nil
}

// ─── Consultas de estado ───

// Role devuelve el rol de consenso actual.
func (n *Node) Role() Role {
	if n == nil || n.r == nil {
		return RolePassive
	}
	switch n.r.State() {
	case raft.Leader:
		return RoleLeader
	case raft.Candidate:
		return RoleCandidate
	case raft.Follower:
		// Follower sin configuración conocida todavía no participa.
		fut := n.r.GetConfiguration()
		if fut.Error() == nil && len(fut.Configuration().Servers) == 0 {
			return RolePassive
		}
		return RoleFollower
	default:
		return RolePassive
	}
}

// IsLeader es un atajo para Role() == RoleLeader.
func (n *Node) IsLeader() bool { return n.Role() == RoleLeader }

// LeaderTag devuelve el tag del líder conocido, o "" si no hay.
func (n *Node) LeaderTag() string {
	if n == nil || n.r == nil {
		return ""
	}
	_, id := n.r.LeaderWithID()
	return string(id)
}

// LocalTag devuelve la identidad de este nodo.
func (n *Node) LocalTag() string {
	if n == nil {
		return ""
	}
	return string(n.id)
}

// RaftAddr devuelve la dirección del transporte de consenso de este nodo.
func (n *Node) RaftAddr() string {
	if n == nil {
		return ""
	}
	return string(n.addr)
}

// Term devuelve el término de consenso observado por este nodo.
func (n *Node) Term() uint64 {
	if n == nil || n.r == nil {
		return 0
	}
	t, _ := strconv.ParseUint(n.r.Stats()["term"], 10, 64)
	return t
}

// AppliedIndex devuelve el último índice aplicado a la máquina de estados.
func (n *Node) AppliedIndex() uint64 {
	if n == nil || n.r == nil {
		return 0
	}
	return n.r.AppliedIndex()
}

// LastIndex devuelve el último índice del log replicado.
func (n *Node) LastIndex() uint64 {
	if n == nil || n.r == nil {
		return 0
	}
	return n.r.LastIndex()
}

// Stats expone las métricas crudas de raft (strings, tal cual las produce).
func (n *Node) Stats() map[string]string {
	if n == nil || n.r == nil {
		return map[string]string{}
	}
	return n.r.Stats()
}

// KnownPeers devuelve cuántos peers estáticos conoce este nodo.
func (n *Node) KnownPeers() int {
	if n == nil || n.peers == nil {
		return 0
	}
	return len(n.peers)
}

// TopologyChanged expone la señal de topología de la máquina de estados.
func (n *Node) TopologyChanged() <-chan struct{} {
	return n.fsm.TopologyChanged()
}

// ─── Apply ───

// ApplyEnvelope propone un sobre al log replicado y espera su commit.
// Devuelve el índice de commit y el fragmento de estado que produjo la
// máquina de estados. Sólo funciona en el líder; en cualquier otro nodo
// devuelve ErrNotLeader.
func (n *Node) ApplyEnvelope(ctx context.Context, env command.Envelope) (command.Result, error) {
	if n == nil || n.r == nil {
		return command.Result{}, ErrShutdown
	}
	if err := env.Validate(); err != nil {
		return command.Result{}, err
	}
	buf, err := env.Encode()
	if err != nil {
		return command.Result{}, err
	}

	start := time.Now()
	fut := n.r.Apply(buf, n.applyTimeout)
	if err := n.waitFuture(ctx, fut); err != nil {
		return command.Result{}, mapRaftError(err)
	}
	metrics.RaftApplyLatency.Observe(float64(time.Since(start).Milliseconds()))

	resp, ok := fut.Response().(*ApplyResponse)
	if !ok {
		return command.Result{Index: fut.Index()}, nil
	}
	if resp.Err != nil {
		return command.Result{}, resp.Err
	}
	return command.Result{Index: fut.Index(), Data: resp.Data}, nil
}

// waitFuture espera un future de raft respetando la cancelación de ctx.
func (n *Node) waitFuture(ctx context.Context, fut raft.Future) error {
	done := make(chan struct{})
	var err error
	go func() {
		err = fut.Error()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return err
	}
}

// mapRaftError traduce errores de raft a los sentinels del paquete.
func mapRaftError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, raft.ErrNotLeader),
		errors.Is(err, raft.ErrLeadershipLost),
		errors.Is(err, raft.ErrLeadershipTransferInProgress):
		return fmt.Errorf("%w: %v", ErrNotLeader, err)
	case errors.Is(err, raft.ErrRaftShutdown):
		return fmt.Errorf("%w: %v", ErrShutdown, err)
	default:
		return err
	}
}

// ─── Membership ───

// Configuration devuelve la configuración actual del cluster de consenso.
func (n *Node) Configuration(ctx context.Context) (raft.Configuration, error) {
	if n == nil || n.r == nil {
		return raft.Configuration{}, ErrShutdown
	}
	fut := n.r.GetConfiguration()
	if err := n.waitFuture(ctx, fut); err != nil {
		return raft.Configuration{}, err
	}
	return fut.Configuration(), nil
}

// Member es la vista pública de un server en la configuración de consenso.
type Member struct {
	Tag   string `json:"tag"`
	Addr  string `json:"addr"`
	Voter bool   `json:"voter"`
}

// Members devuelve la configuración actual como lista de miembros.
func (n *Node) Members(ctx context.Context) ([]Member, error) {
	cfg, err := n.Configuration(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Member, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		out = append(out, Member{
			Tag:   string(s.ID),
			Addr:  string(s.Address),
			Voter: s.Suffrage == raft.Voter,
		})
	}
	return out, nil
}

// AddNode agrega (o actualiza) un nodo en la configuración de consenso.
// voter=false lo agrega como nonvoter (replica sin voto).
// Idempotente: mismo tag, dirección y sufragio → no-op. Si la dirección
// cambió, se remueve primero y se re-agrega con la nueva.
func (n *Node) AddNode(ctx context.Context, tag, addr string, voter bool) error {
	if n == nil || n.r == nil {
		return ErrShutdown
	}
	if tag == "" || addr == "" {
		return errors.New("cluster: tag y addr son obligatorios")
	}

	n.membershipMu.Lock()
	defer n.membershipMu.Unlock()

	config, err := n.Configuration(ctx)
	if err != nil {
		return fmt.Errorf("cluster: leyendo configuración: %w", err)
	}

	id := raft.ServerID(tag)
	address := raft.ServerAddress(addr)
	wantSuffrage := raft.Voter
	if !voter {
		wantSuffrage = raft.Nonvoter
	}

	for _, srv := range config.Servers {
		if srv.ID != id {
			continue
		}
		if srv.Address == address && srv.Suffrage == wantSuffrage {
			return nil
		}
		if srv.Address != address {
			// El nodo cambió de dirección (reinicio con otra IP/puerto):
			// remover la entrada vieja antes de re-agregar.
			if err := n.removeLocked(ctx, tag); err != nil {
				return fmt.Errorf("cluster: removiendo antes de re-agregar: %w", err)
			}
		}
		break
	}

	var fut raft.IndexFuture
	if voter {
		fut = n.r.AddVoter(id, address, 0, membershipTimeout)
	} else {
		fut = n.r.AddNonvoter(id, address, 0, membershipTimeout)
	}
	if err := n.waitFuture(ctx, fut); err != nil {
		return mapRaftError(err)
	}
	n.log.Info("nodo agregado al consenso",
		logger.NodeTag(tag), logger.Addr(addr), logger.Bool("voter", voter))
	return nil
}

// RemoveNode remueve un nodo de la configuración de consenso.
// Idempotente: si no existe, retorna nil.
func (n *Node) RemoveNode(ctx context.Context, tag string) error {
	if n == nil || n.r == nil {
		return ErrShutdown
	}
	if tag == "" {
		return errors.New("cluster: tag es obligatorio")
	}

	n.membershipMu.Lock()
	defer n.membershipMu.Unlock()

	return n.removeLocked(ctx, tag)
}

// DemoteNode baja un voter a nonvoter, manteniéndolo como réplica.
// Idempotente: si ya es nonvoter o no existe, retorna nil.
func (n *Node) DemoteNode(ctx context.Context, tag string) error {
	if n == nil || n.r == nil {
		return ErrShutdown
	}
	if tag == "" {
		return errors.New("cluster: tag es obligatorio")
	}

	n.membershipMu.Lock()
	defer n.membershipMu.Unlock()

	config, err := n.Configuration(ctx)
	if err != nil {
		return fmt.Errorf("cluster: leyendo configuración: %w", err)
	}

	id := raft.ServerID(tag)
	for _, srv := range config.Servers {
		if srv.ID != id {
			continue
		}
		if srv.Suffrage != raft.Voter {
			return nil
		}
		fut := n.r.DemoteVoter(id, 0, membershipTimeout)
		if err := n.waitFuture(ctx, fut); err != nil {
			return mapRaftError(err)
		}
		n.log.Info("nodo degradado a nonvoter", logger.NodeTag(tag))
		return nil
	}
	return nil
}

func (n *Node) removeLocked(ctx context.Context, tag string) error {
	config, err := n.Configuration(ctx)
	if err != nil {
		return fmt.Errorf("cluster: leyendo configuración: %w", err)
	}

	id := raft.ServerID(tag)
	found := false
	for _, srv := range config.Servers {
		if srv.ID == id {
			found = true
			break
		}
	}
	if !found {
		return nil
	}

	fut := n.r.RemoveServer(id, 0, membershipTimeout)
	if err := n.waitFuture(ctx, fut); err != nil {
		return mapRaftError(err)
	}
	n.log.Info("nodo removido del consenso", logger.NodeTag(tag))
	return nil
}

// Close apaga el consenso. Idempotente.
func (n *Node) Close() error {
	if n == nil || n.r == nil {
		return nil
	}
	var err error
	n.closeOnce.Do(func() {
		close(n.done)
		err = n.r.Shutdown().Error()
	})
	return err
}

// ─── TLS helpers ───

type tlsBundle struct {
	server *tls.Config
	client *tls.Config
}

func loadTLSBundle(certFile, keyFile, caFile, serverName string) (*tlsBundle, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	caPEM, err := os.ReadFile(caFile)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("invalid CA file")
	}
	server := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	}
	client := &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
		ServerName:   serverName,
	}
	return &tlsBundle{server: server, client: client}, nil
}

type tlsStream struct {
	ln  net.Listener
	cfg *tls.Config
}

func (t *tlsStream) Dial(address raft.ServerAddress, timeout time.Duration) (net.Conn, error) {
	d := &net.Dialer{Timeout: timeout}
	return tls.DialWithDialer(d, "tcp", string(address), t.cfg)
}
func (t *tlsStream) Accept() (net.Conn, error) { return t.ln.Accept() }
func (t *tlsStream) Close() error              { return t.ln.Close() }
func (t *tlsStream) Addr() net.Addr            { return t.ln.Addr() }
