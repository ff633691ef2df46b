package state

import (
	"encoding/json"
	"fmt"

	"github.com/boltdb/bolt"

	"github.com/dropDatabas3/farodb/internal/topology"
)

// DatabaseRecord es el registro replicado de una base de datos. Lo escribe la
// máquina de estados; el resto del servidor lo lee.
type DatabaseRecord struct {
	Name      string          `json:"name"`
	Encrypted bool            `json:"encrypted,omitempty"`
	InMemory  bool            `json:"inMemory,omitempty"`
	Config    json.RawMessage `json:"config,omitempty"`
	CreatedAt int64           `json:"createdAt,omitempty"`
	UpdatedAt int64           `json:"updatedAt,omitempty"`
}

// PutDatabase escribe (crea o reemplaza) el registro dentro de tx.
func PutDatabase(tx *bolt.Tx, rec DatabaseRecord) error {
	if rec.Name == "" {
		return fmt.Errorf("state: database sin nombre")
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("state: serializando database %q: %w", rec.Name, err)
	}
	return tx.Bucket([]byte(BucketDatabases)).Put([]byte(rec.Name), b)
}

// GetDatabase lee el registro. Devuelve (nil, nil) si no existe.
func GetDatabase(tx *bolt.Tx, name string) (*DatabaseRecord, error) {
	raw := tx.Bucket([]byte(BucketDatabases)).Get([]byte(name))
	if raw == nil {
		return nil, nil
	}
	var rec DatabaseRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("state: registro de %q ilegible: %w", name, err)
	}
	return &rec, nil
}

// DeleteDatabase borra el registro. Borrar uno ausente no es error.
func DeleteDatabase(tx *bolt.Tx, name string) error {
	return tx.Bucket([]byte(BucketDatabases)).Delete([]byte(name))
}

// ListDatabases recorre el bucket en orden de clave.
func ListDatabases(tx *bolt.Tx) ([]DatabaseRecord, error) {
	var out []DatabaseRecord
	err := tx.Bucket([]byte(BucketDatabases)).ForEach(func(_, v []byte) error {
		var rec DatabaseRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("state: registro ilegible: %w", err)
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// PutTopology persiste el snapshot de topología replicado.
func PutTopology(tx *bolt.Tx, t *topology.Topology) error {
	b, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("state: serializando topología: %w", err)
	}
	return tx.Bucket([]byte(BucketCluster)).Put([]byte(keyTopology), b)
}

// GetTopology lee la topología replicada. Devuelve (nil, nil) si nunca se
// escribió una.
func GetTopology(tx *bolt.Tx) (*topology.Topology, error) {
	raw := tx.Bucket([]byte(BucketCluster)).Get([]byte(keyTopology))
	if raw == nil {
		return nil, nil
	}
	var t topology.Topology
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("state: topología ilegible: %w", err)
	}
	return t.Normalize(), nil
}

// PutValue escribe un valor arbitrario del cluster.
func PutValue(tx *bolt.Tx, key string, value []byte) error {
	if key == "" {
		return fmt.Errorf("state: value sin clave")
	}
	return tx.Bucket([]byte(BucketValues)).Put([]byte(key), value)
}

// GetValue lee un valor. Devuelve (nil, false) si no existe. El slice devuelto
// es una copia: los bytes de bolt sólo viven hasta el fin de la tx.
func GetValue(tx *bolt.Tx, key string) ([]byte, bool) {
	raw := tx.Bucket([]byte(BucketValues)).Get([]byte(key))
	if raw == nil {
		return nil, false
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, true
}

// DeleteValue borra un valor. Borrar uno ausente no es error.
func DeleteValue(tx *bolt.Tx, key string) error {
	return tx.Bucket([]byte(BucketValues)).Delete([]byte(key))
}
