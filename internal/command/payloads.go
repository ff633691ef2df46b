package command

import (
	"encoding/json"

	"github.com/dropDatabas3/farodb/internal/topology"
)

// ─── DTOs de payload (todos los datos ya vienen "finales") ───

// DatabasePayload para database.put y database.config.
type DatabasePayload struct {
	Name      string          `json:"name"`
	Encrypted bool            `json:"encrypted,omitempty"`
	InMemory  bool            `json:"inMemory,omitempty"`
	Config    json.RawMessage `json:"config,omitempty"` // opciones del runtime, opacas para esta capa
}

// ValuePayload para value.put.
type ValuePayload struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// ValueDeletePayload para value.delete.
type ValueDeletePayload struct {
	Key string `json:"key"`
}

// TopologyPayload para topology.update: snapshot completo de la topología
// nueva. El que propone ya la validó; la máquina de estados sólo la persiste.
type TopologyPayload struct {
	Topology *topology.Topology `json:"topology"`
}
