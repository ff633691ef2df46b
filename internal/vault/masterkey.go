package vault

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"sync"
)

const (
	masterKeyEnvVar   = "FARO_MASTER_KEY"
	requiredKeyLength = 32 // 32 bytes => XChaCha20-Poly1305
)

var (
	masterKey     []byte
	masterKeyOnce sync.Once
	loadErr       error
	mu            sync.RWMutex
)

// SetMasterKey instala la master key desde base64(32 bytes). Pensada para el
// arranque (config ya resuelta); pisa cualquier carga previa por entorno.
func SetMasterKey(b64 string) error {
	k, err := decodeKey(b64)
	if err != nil {
		return err
	}
	mu.Lock()
	masterKey = k
	mu.Unlock()
	masterKeyOnce.Do(func() {}) // anula la carga perezosa por entorno
	loadErr = nil
	return nil
}

// ensureLoaded carga la clave maestra desde FARO_MASTER_KEY (base64) una sola vez.
func ensureLoaded() error {
	masterKeyOnce.Do(func() {
		kb64 := strings.TrimSpace(os.Getenv(masterKeyEnvVar))
		if kb64 == "" {
			loadErr = fmt.Errorf("%w: %s no seteada; genere una con: go run ./cmd/keygen -master", ErrNoMasterKey, masterKeyEnvVar)
			return
		}
		k, err := decodeKey(kb64)
		if err != nil {
			loadErr = err
			return
		}
		mu.Lock()
		masterKey = k
		mu.Unlock()
	})
	return loadErr
}

func decodeKey(b64 string) ([]byte, error) {
	k, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return nil, fmt.Errorf("vault: decode master key: %w", err)
	}
	if len(k) != requiredKeyLength {
		Zero(k)
		return nil, fmt.Errorf("vault: la master key debe decodificar a %d bytes, obtuvo %d", requiredKeyLength, len(k))
	}
	return k, nil
}

// copyMasterKey devuelve una copia de la clave para uso local. El que la pide
// la zeroiza al terminar.
func copyMasterKey() ([]byte, error) {
	if err := ensureLoaded(); err != nil {
		return nil, err
	}
	mu.RLock()
	defer mu.RUnlock()
	if len(masterKey) != requiredKeyLength {
		return nil, ErrNoMasterKey
	}
	k := make([]byte, requiredKeyLength)
	copy(k, masterKey)
	return k, nil
}

// Ready expone si la master key está cargada (útil para healthchecks).
func Ready() bool {
	mu.RLock()
	defer mu.RUnlock()
	return len(masterKey) == requiredKeyLength
}

// Zero borra el contenido de un buffer sensible.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// --- Helpers para tests ---

// UnsafeResetVaultForTests borra estado interno. Usar sólo en tests.
func UnsafeResetVaultForTests() {
	mu.Lock()
	Zero(masterKey)
	masterKey = nil
	mu.Unlock()
	masterKeyOnce = sync.Once{}
	loadErr = nil
}

// UnsafeSetMasterKeyForTests instala una clave cruda (32 bytes) en tests.
func UnsafeSetMasterKeyForTests(k []byte) error {
	if len(k) != requiredKeyLength {
		return fmt.Errorf("clave inválida para test: se requieren %d bytes", requiredKeyLength)
	}
	UnsafeResetVaultForTests()
	mu.Lock()
	masterKey = make([]byte, len(k))
	copy(masterKey, k)
	mu.Unlock()
	masterKeyOnce.Do(func() {})
	return nil
}
