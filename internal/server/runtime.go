package server

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/boltdb/bolt"

	"github.com/dropDatabas3/farodb/internal/state"
)

// Controller es el runtime cargado de una base de datos: el handle que el
// landlord administra. El plano de datos real vive detrás de esta interfaz.
type Controller interface {
	Name() string
	InMemory() bool
	// IdleOps corre mantenimiento liviano cuando la base lleva un rato sin uso.
	IdleOps(ctx context.Context) error
	Close() error
}

// ControllerFactory abre el runtime de una base a partir de su registro
// replicado.
type ControllerFactory func(ctx context.Context, rec state.DatabaseRecord) (Controller, error)

// DefaultFactory abre bases respaldadas por archivo bajo dir, o en memoria
// según lo que diga el registro.
func DefaultFactory(dir string) ControllerFactory {
	return func(ctx context.Context, rec state.DatabaseRecord) (Controller, error) {
		if rec.InMemory {
			return newMemController(rec.Name), nil
		}
		return openFileController(dir, rec.Name)
	}
}

// validRuntimeName rechaza nombres que escaparían del directorio de datos.
func validRuntimeName(name string) error {
	if name == "" {
		return fmt.Errorf("server: base sin nombre")
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("server: nombre de base inválido: %q", name)
	}
	return nil
}

// ─── Runtime respaldado por archivo ───

type fileController struct {
	name string
	db   *bolt.DB
}

func openFileController(dir, name string) (*fileController, error) {
	if err := validRuntimeName(name); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("server: creando %s: %w", dir, err)
	}
	path := filepath.Join(dir, name+".db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("server: abriendo runtime %q: %w", name, err)
	}
	return &fileController{name: name, db: db}, nil
}

func (c *fileController) Name() string   { return c.name }
func (c *fileController) InMemory() bool { return false }

// IdleOps fuerza el fsync del archivo para que una base inactiva quede
// durable aunque el proceso muera.
func (c *fileController) IdleOps(ctx context.Context) error {
	return c.db.Sync()
}

func (c *fileController) Close() error { return c.db.Close() }

// ─── Runtime en memoria ───

// memController no persiste nada: existe mientras esté cargado. Por eso el
// landlord nunca lo descarga por inactividad.
type memController struct {
	name string
}

func newMemController(name string) *memController {
	return &memController{name: name}
}

func (c *memController) Name() string   { return c.name }
func (c *memController) InMemory() bool { return true }

func (c *memController) IdleOps(ctx context.Context) error { return nil }
func (c *memController) Close() error                      { return nil }
