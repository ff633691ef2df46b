package state

import (
	"encoding/json"
	"fmt"

	"github.com/boltdb/bolt"
)

// Los buckets replicados viajan en snapshots del consenso. El bucket del
// vault queda afuera: sus registros están protegidos con la master key local
// del nodo y no tienen sentido en otro proceso.
var replicatedBuckets = []string{BucketDatabases, BucketCluster, BucketValues}

// Snapshot es el volcado serializable de los buckets replicados.
type Snapshot struct {
	Buckets map[string]map[string][]byte `json:"buckets"`
}

// TakeSnapshot vuelca los buckets replicados dentro de tx.
func TakeSnapshot(tx *bolt.Tx) (*Snapshot, error) {
	snap := &Snapshot{Buckets: make(map[string]map[string][]byte, len(replicatedBuckets))}
	for _, name := range replicatedBuckets {
		items := map[string][]byte{}
		err := tx.Bucket([]byte(name)).ForEach(func(k, v []byte) error {
			cp := make([]byte, len(v))
			copy(cp, v)
			items[string(k)] = cp
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("state: volcando bucket %s: %w", name, err)
		}
		snap.Buckets[name] = items
	}
	return snap, nil
}

// Encode serializa el snapshot.
func (s *Snapshot) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// DecodeSnapshot deserializa un snapshot.
func DecodeSnapshot(b []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("state: snapshot ilegible: %w", err)
	}
	return &s, nil
}

// RestoreSnapshot reemplaza el contenido de los buckets replicados por el del
// snapshot. Los buckets no replicados no se tocan.
func RestoreSnapshot(tx *bolt.Tx, snap *Snapshot) error {
	for _, name := range replicatedBuckets {
		if err := tx.DeleteBucket([]byte(name)); err != nil && err != bolt.ErrBucketNotFound {
			return fmt.Errorf("state: limpiando bucket %s: %w", name, err)
		}
		b, err := tx.CreateBucket([]byte(name))
		if err != nil {
			return fmt.Errorf("state: recreando bucket %s: %w", name, err)
		}
		for k, v := range snap.Buckets[name] {
			if err := b.Put([]byte(k), v); err != nil {
				return fmt.Errorf("state: restaurando %s/%s: %w", name, k, err)
			}
		}
	}
	return nil
}
