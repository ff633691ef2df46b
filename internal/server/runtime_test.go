package server

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/dropDatabas3/farodb/internal/state"
)

func TestValidRuntimeName(t *testing.T) {
	valid := []string{"ventas", "clientes-2024", "a.b", "árbol"}
	for _, name := range valid {
		if err := validRuntimeName(name); err != nil {
			t.Fatalf("%q debería ser válido: %v", name, err)
		}
	}

	invalid := []string{"", ".", "..", "a/b", `a\b`, "../fuera", "/etc"}
	for _, name := range invalid {
		if err := validRuntimeName(name); err == nil {
			t.Fatalf("%q debería rechazarse", name)
		}
	}
}

func TestDefaultFactorySelectsRuntime(t *testing.T) {
	dir := t.TempDir()
	factory := DefaultFactory(dir)
	ctx := context.Background()

	mem, err := factory(ctx, state.DatabaseRecord{Name: "efimera", InMemory: true})
	if err != nil {
		t.Fatalf("runtime en memoria: %v", err)
	}
	defer mem.Close()
	if !mem.InMemory() || mem.Name() != "efimera" {
		t.Fatalf("runtime inesperado: name=%s inMemory=%v", mem.Name(), mem.InMemory())
	}

	file, err := factory(ctx, state.DatabaseRecord{Name: "ventas"})
	if err != nil {
		t.Fatalf("runtime de archivo: %v", err)
	}
	defer file.Close()
	if file.InMemory() {
		t.Fatal("un registro sin InMemory debe abrir un runtime de archivo")
	}
	if _, err := os.Stat(filepath.Join(dir, "ventas.db")); err != nil {
		t.Fatalf("el archivo de la base debería existir: %v", err)
	}
}

func TestDefaultFactoryRejectsEscapingNames(t *testing.T) {
	factory := DefaultFactory(t.TempDir())
	for _, name := range []string{"", "..", "../fuga", `sub\dir`} {
		if _, err := factory(context.Background(), state.DatabaseRecord{Name: name}); err == nil {
			t.Fatalf("el nombre %q no debería abrir nada", name)
		}
	}
}

func TestFileControllerSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	c, err := openFileController(dir, "ventas")
	if err != nil {
		t.Fatalf("abriendo: %v", err)
	}
	if err := c.IdleOps(ctx); err != nil {
		t.Fatalf("IdleOps (sync): %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("cerrando: %v", err)
	}

	// el archivo persiste y puede reabrirse
	again, err := openFileController(dir, "ventas")
	if err != nil {
		t.Fatalf("reabriendo: %v", err)
	}
	if err := again.Close(); err != nil {
		t.Fatalf("cerrando de nuevo: %v", err)
	}
}
