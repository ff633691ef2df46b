package cluster

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/boltdb/bolt"
	"github.com/hashicorp/raft"
	"go.uber.org/zap"

	"github.com/dropDatabas3/farodb/internal/command"
	"github.com/dropDatabas3/farodb/internal/metrics"
	"github.com/dropDatabas3/farodb/internal/notify"
	"github.com/dropDatabas3/farodb/internal/observability/logger"
	"github.com/dropDatabas3/farodb/internal/state"
)

// FSM aplica los sobres commiteados al árbol local. Cada nodo ejecuta la misma
// secuencia de sobres en el mismo orden, así que todo lo que pasa acá tiene que
// ser determinístico: nada de relojes, nada de IDs frescos, nada de red.
type FSM struct {
	store    *state.Store
	bus      *notify.Bus
	localTag string

	// topoCh se cierra y recrea cada vez que se aplica o restaura una
	// topología. Los consumidores releen el árbol al despertar.
	topoMu sync.Mutex
	topoCh chan struct{}

	// leaderTag lo conecta el Node una vez construido; hasta entonces los
	// eventos salen sin líder (durante el replay inicial no hay uno).
	leaderMu  sync.RWMutex
	leaderTag func() string

	log *zap.Logger
}

// ApplyResponse es lo que el consenso devuelve a quien propuso el sobre.
// Sólo el proponente local lo ve; los seguidores lo descartan.
type ApplyResponse struct {
	Data json.RawMessage
	Err  error
}

// NewFSM crea la máquina de estados sobre el árbol del servidor.
func NewFSM(store *state.Store, bus *notify.Bus, localTag string) *FSM {
	return &FSM{
		store:    store,
		bus:      bus,
		localTag: localTag,
		topoCh:   make(chan struct{}),
		log:      logger.Named("fsm"),
	}
}

// BindLeaderTag conecta la consulta de líder del nodo de consenso. Se llama
// una sola vez, al construir el Node.
func (f *FSM) BindLeaderTag(fn func() string) {
	f.leaderMu.Lock()
	f.leaderTag = fn
	f.leaderMu.Unlock()
}

func (f *FSM) leaderTagNow() string {
	f.leaderMu.RLock()
	fn := f.leaderTag
	f.leaderMu.RUnlock()
	if fn == nil {
		return ""
	}
	return fn()
}

// TopologyChanged devuelve un canal que se cierra cuando se aplica o restaura
// una topología nueva. Tras despertar, el consumidor relee la topología del
// árbol y vuelve a pedir el canal.
func (f *FSM) TopologyChanged() <-chan struct{} {
	f.topoMu.Lock()
	defer f.topoMu.Unlock()
	return f.topoCh
}

func (f *FSM) signalTopology() {
	f.topoMu.Lock()
	ch := f.topoCh
	f.topoCh = make(chan struct{})
	f.topoMu.Unlock()
	close(ch)
}

// Apply decodifica el sobre y ejecuta la transición correspondiente.
func (f *FSM) Apply(l *raft.Log) interface{} {
	if l == nil || len(l.Data) == 0 {
		return &ApplyResponse{}
	}
	env, err := command.Decode(l.Data)
	if err != nil {
		// Un sobre ilegible ya está commiteado: no hay forma de rechazarlo,
		// sólo de reportarlo al proponente y seguir.
		f.log.Error("sobre ilegible en el log replicado", logger.Index(l.Index), logger.Err(err))
		return &ApplyResponse{Err: err}
	}
	if err := env.Validate(); err != nil {
		return &ApplyResponse{Err: err}
	}

	var resp *ApplyResponse
	switch env.Type {
	case command.TypeDatabasePut:
		resp = f.applyDatabasePut(env, l.Index)
	case command.TypeDatabaseConfig:
		resp = f.applyDatabaseConfig(env, l.Index)
	case command.TypeDatabaseDelete:
		resp = f.applyDatabaseDelete(env, l.Index)
	case command.TypeValuePut:
		resp = f.applyValuePut(env)
	case command.TypeValueDelete:
		resp = f.applyValueDelete(env)
	case command.TypeTopologyUpdate:
		resp = f.applyTopologyUpdate(env)
	default:
		resp = &ApplyResponse{Err: fmt.Errorf("cluster: tipo de comando desconocido %q", env.Type)}
	}

	if resp.Err != nil {
		f.log.Warn("comando rechazado por la máquina de estados",
			logger.CmdType(string(env.Type)), logger.CmdID(env.ID), logger.Err(resp.Err))
	} else {
		metrics.CommandsApplied.WithLabelValues(string(env.Type)).Inc()
	}
	return resp
}

func (f *FSM) applyDatabasePut(env command.Envelope, index uint64) *ApplyResponse {
	var p command.DatabasePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return &ApplyResponse{Err: fmt.Errorf("cluster: payload de %s: %w", env.Type, err)}
	}
	if p.Name == "" {
		p.Name = env.Database
	}

	kind := notify.KindPut
	var out state.DatabaseRecord
	err := f.store.Update(func(tx *bolt.Tx) error {
		prev, err := state.GetDatabase(tx, p.Name)
		if err != nil {
			return err
		}
		rec := state.DatabaseRecord{
			Name:      p.Name,
			Encrypted: p.Encrypted,
			InMemory:  p.InMemory,
			Config:    p.Config,
			CreatedAt: env.TsUnix,
			UpdatedAt: env.TsUnix,
		}
		if prev != nil {
			kind = notify.KindUpdate
			rec.CreatedAt = prev.CreatedAt
		}
		out = rec
		return state.PutDatabase(tx, rec)
	})
	if err != nil {
		return &ApplyResponse{Err: err}
	}

	f.bus.PublishDatabase(notify.DatabaseEvent{Name: p.Name, Index: index, Kind: kind})
	data, _ := json.Marshal(out)
	return &ApplyResponse{Data: data}
}

func (f *FSM) applyDatabaseConfig(env command.Envelope, index uint64) *ApplyResponse {
	var p command.DatabasePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return &ApplyResponse{Err: fmt.Errorf("cluster: payload de %s: %w", env.Type, err)}
	}

	var out state.DatabaseRecord
	err := f.store.Update(func(tx *bolt.Tx) error {
		prev, err := state.GetDatabase(tx, env.Database)
		if err != nil {
			return err
		}
		if prev == nil {
			return fmt.Errorf("cluster: database %q no existe", env.Database)
		}
		rec := *prev
		rec.Config = p.Config
		rec.UpdatedAt = env.TsUnix
		out = rec
		return state.PutDatabase(tx, rec)
	})
	if err != nil {
		return &ApplyResponse{Err: err}
	}

	f.bus.PublishDatabase(notify.DatabaseEvent{Name: env.Database, Index: index, Kind: notify.KindUpdate})
	data, _ := json.Marshal(out)
	return &ApplyResponse{Data: data}
}

func (f *FSM) applyDatabaseDelete(env command.Envelope, index uint64) *ApplyResponse {
	existed := false
	err := f.store.Update(func(tx *bolt.Tx) error {
		prev, err := state.GetDatabase(tx, env.Database)
		if err != nil {
			return err
		}
		existed = prev != nil
		return state.DeleteDatabase(tx, env.Database)
	})
	if err != nil {
		return &ApplyResponse{Err: err}
	}

	// Borrar una base ausente es no-op legítimo (reintento, replay), pero no
	// despierta a nadie.
	if existed {
		f.bus.PublishDatabase(notify.DatabaseEvent{Name: env.Database, Index: index, Kind: notify.KindDelete})
	}
	return &ApplyResponse{}
}

func (f *FSM) applyValuePut(env command.Envelope) *ApplyResponse {
	var p command.ValuePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return &ApplyResponse{Err: fmt.Errorf("cluster: payload de %s: %w", env.Type, err)}
	}
	err := f.store.Update(func(tx *bolt.Tx) error {
		return state.PutValue(tx, p.Key, p.Value)
	})
	return &ApplyResponse{Err: err}
}

func (f *FSM) applyValueDelete(env command.Envelope) *ApplyResponse {
	var p command.ValueDeletePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return &ApplyResponse{Err: fmt.Errorf("cluster: payload de %s: %w", env.Type, err)}
	}
	err := f.store.Update(func(tx *bolt.Tx) error {
		return state.DeleteValue(tx, p.Key)
	})
	return &ApplyResponse{Err: err}
}

func (f *FSM) applyTopologyUpdate(env command.Envelope) *ApplyResponse {
	var p command.TopologyPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return &ApplyResponse{Err: fmt.Errorf("cluster: payload de %s: %w", env.Type, err)}
	}
	if p.Topology == nil {
		return &ApplyResponse{Err: fmt.Errorf("cluster: topología vacía en %s", env.Type)}
	}
	topo := p.Topology.Normalize()

	err := f.store.Update(func(tx *bolt.Tx) error {
		return state.PutTopology(tx, topo)
	})
	if err != nil {
		return &ApplyResponse{Err: err}
	}

	f.signalTopology()
	f.bus.PublishTopology(notify.TopologyEvent{
		Topology:  topo,
		LeaderTag: f.leaderTagNow(),
		LocalTag:  f.localTag,
	})
	data, _ := json.Marshal(topo)
	return &ApplyResponse{Data: data}
}

// Snapshot vuelca los buckets replicados. El bucket del vault no viaja: sus
// registros sólo se abren con la master key local del nodo.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	var raw []byte
	err := f.store.View(func(tx *bolt.Tx) error {
		snap, err := state.TakeSnapshot(tx)
		if err != nil {
			return err
		}
		raw, err = snap.Encode()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("cluster: snapshot: %w", err)
	}
	return &fsmSnapshot{raw: raw}, nil
}

// Restore reemplaza los buckets replicados por el contenido del snapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("cluster: leyendo snapshot: %w", err)
	}
	snap, err := state.DecodeSnapshot(raw)
	if err != nil {
		return err
	}
	if err := f.store.Update(func(tx *bolt.Tx) error {
		return state.RestoreSnapshot(tx, snap)
	}); err != nil {
		return err
	}
	// El snapshot pudo traer otra topología.
	f.signalTopology()
	f.log.Info("estado restaurado desde snapshot", logger.NodeTag(f.localTag))
	f.bus.PublishAlert(notify.Alert{
		Title:    "estado restaurado desde snapshot",
		Message:  fmt.Sprintf("el nodo %s repuso su árbol replicado desde un snapshot del consenso", f.localTag),
		Severity: notify.SeverityInfo,
		Detail:   map[string]any{"node": f.localTag},
	})
	return nil
}

type fsmSnapshot struct{ raw []byte }

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := sink.Write(s.raw); err != nil {
		_ = sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
