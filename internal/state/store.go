// Package state es el árbol persistente del servidor (BoltDB): registros de
// bases de datos, topología replicada, valores arbitrarios del cluster y el
// bucket del vault. La máquina de estados del consenso es la única que muta
// los tres primeros; el vault es dueño exclusivo del suyo.
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
)

// Buckets del árbol del servidor.
const (
	BucketDatabases  = "Databases"
	BucketCluster    = "Cluster"
	BucketValues     = "Values"
	BucketSecretKeys = "SecretKeys"
)

// claves dentro de BucketCluster
const keyTopology = "topology"

// Store envuelve el árbol BoltDB del servidor.
type Store struct {
	db   *bolt.DB
	path string
}

// Open abre (o crea) el árbol en dir/faro.db y garantiza los buckets.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("state: creando dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, "faro.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("state: abriendo %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{BucketDatabases, BucketCluster, BucketValues, BucketSecretKeys} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

// View ejecuta fn dentro de una transacción de lectura.
func (s *Store) View(fn func(tx *bolt.Tx) error) error {
	return s.db.View(fn)
}

// Update ejecuta fn dentro de una transacción de escritura.
func (s *Store) Update(fn func(tx *bolt.Tx) error) error {
	return s.db.Update(fn)
}

// Path devuelve la ruta del archivo subyacente.
func (s *Store) Path() string { return s.path }

// SizeBytes devuelve el tamaño actual del archivo, para métricas.
func (s *Store) SizeBytes() int64 {
	fi, err := os.Stat(s.path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

// Close cierra el árbol. Idempotente a nivel de bolt.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
