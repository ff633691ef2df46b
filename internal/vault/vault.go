// Package vault guarda las claves simétricas por base de datos, protegidas
// en reposo dentro del árbol del servidor.
//
// Formato de registro: entropy(24) ‖ sellado(master, entropy, digest(32) ‖ rawKey(32))
// donde digest = BLAKE2b-256(rawKey) y el sellado es XChaCha20-Poly1305.
// El digest detecta corrupción/adulteración al desproteger; la clave cruda
// jamás se persiste sin envolver y todo buffer transitorio se zeroiza antes
// de retornar, también en los caminos de error.
//
// Ninguna operación abre transacciones: el alcance transaccional lo provee
// siempre el que llama.
package vault

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"

	"github.com/boltdb/bolt"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/dropDatabas3/farodb/internal/state"
)

const (
	entropySize = chacha20poly1305.NonceSizeX // 24 bytes
	digestSize  = blake2b.Size256             // 32 bytes
)

// Put registra la clave de una base. rawKey debe medir exactamente 32 bytes.
//
// Si ya existe un registro con la misma clave, es un no-op idempotente.
// Si existe con otra clave y overwrite es false, falla con ErrKeyExists.
// Si la base ya existe y no está marcada como cifrada, falla con ErrNotEncrypted.
func Put(tx *bolt.Tx, name string, rawKey []byte, overwrite bool) error {
	if len(rawKey) != requiredKeyLength {
		return fmt.Errorf("%w: obtuvo %d", ErrBadKeySize, len(rawKey))
	}

	rec, err := state.GetDatabase(tx, name)
	if err != nil {
		return err
	}
	if rec != nil && !rec.Encrypted {
		return fmt.Errorf("%w: %s", ErrNotEncrypted, name)
	}

	if existing := tx.Bucket([]byte(state.BucketSecretKeys)).Get([]byte(name)); existing != nil {
		prev, _, gerr := unprotect(existing)
		if gerr != nil {
			if !overwrite {
				// registro previo ilegible: que el operador decida, no lo pisamos solos
				return gerr
			}
		} else {
			same := subtle.ConstantTimeCompare(prev, rawKey) == 1
			Zero(prev)
			if same {
				return nil // re-registro idempotente
			}
			if !overwrite {
				return fmt.Errorf("%w: %s", ErrKeyExists, name)
			}
		}
	}

	blob, err := protect(rawKey)
	if err != nil {
		return err
	}
	return tx.Bucket([]byte(state.BucketSecretKeys)).Put([]byte(name), blob)
}

// Get recupera la clave cruda de una base. Devuelve (nil, false, nil) si no
// hay registro. Un registro presente pero adulterado devuelve ErrCorrupted.
// Los bytes devueltos son responsabilidad del que llama: zeroizarlos al terminar.
func Get(tx *bolt.Tx, name string) ([]byte, bool, error) {
	blob := tx.Bucket([]byte(state.BucketSecretKeys)).Get([]byte(name))
	if blob == nil {
		return nil, false, nil
	}
	key, ok, err := unprotect(blob)
	if err != nil {
		return nil, false, err
	}
	return key, ok, nil
}

// Delete elimina el registro de una clave. Falla con ErrKeyInUse mientras el
// registro de la base exista; borrar una clave ausente no es error.
func Delete(tx *bolt.Tx, name string) error {
	rec, err := state.GetDatabase(tx, name)
	if err != nil {
		return err
	}
	if rec != nil {
		return fmt.Errorf("%w: %s", ErrKeyInUse, name)
	}
	return tx.Bucket([]byte(state.BucketSecretKeys)).Delete([]byte(name))
}

// Names lista los nombres con clave registrada, en orden. No expone material
// de claves; re-invocar devuelve la secuencia de nuevo.
func Names(tx *bolt.Tx) ([]string, error) {
	var out []string
	err := tx.Bucket([]byte(state.BucketSecretKeys)).ForEach(func(k, _ []byte) error {
		out = append(out, string(k))
		return nil
	})
	return out, err
}

// protect arma entropy‖sellado(digest‖rawKey) con entropy fresca.
func protect(rawKey []byte) ([]byte, error) {
	master, err := copyMasterKey()
	if err != nil {
		return nil, err
	}
	defer Zero(master)

	aead, err := chacha20poly1305.NewX(master)
	if err != nil {
		return nil, fmt.Errorf("vault: aead: %w", err)
	}

	entropy := make([]byte, entropySize)
	if _, err := io.ReadFull(rand.Reader, entropy); err != nil {
		return nil, fmt.Errorf("vault: entropy: %w", err)
	}

	digest := blake2b.Sum256(rawKey)
	pt := make([]byte, 0, digestSize+requiredKeyLength)
	pt = append(pt, digest[:]...)
	pt = append(pt, rawKey...)
	defer Zero(pt)
	defer Zero(digest[:])

	blob := make([]byte, 0, entropySize+len(pt)+aead.Overhead())
	blob = append(blob, entropy...)
	blob = aead.Seal(blob, entropy, pt, nil)
	return blob, nil
}

// unprotect revierte protect y verifica el digest. Devuelve una copia fresca
// de la clave cruda.
func unprotect(blob []byte) ([]byte, bool, error) {
	master, err := copyMasterKey()
	if err != nil {
		return nil, false, err
	}
	defer Zero(master)

	aead, err := chacha20poly1305.NewX(master)
	if err != nil {
		return nil, false, fmt.Errorf("vault: aead: %w", err)
	}

	if len(blob) < entropySize+digestSize+requiredKeyLength+aead.Overhead() {
		return nil, false, fmt.Errorf("%w: registro truncado", ErrCorrupted)
	}
	entropy, ct := blob[:entropySize], blob[entropySize:]

	pt, err := aead.Open(nil, entropy, ct, nil)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	defer Zero(pt)

	if len(pt) != digestSize+requiredKeyLength {
		return nil, false, fmt.Errorf("%w: largo inesperado", ErrCorrupted)
	}
	stored, raw := pt[:digestSize], pt[digestSize:]
	digest := blake2b.Sum256(raw)
	defer Zero(digest[:])
	if subtle.ConstantTimeCompare(stored, digest[:]) != 1 {
		return nil, false, fmt.Errorf("%w: digest no coincide", ErrCorrupted)
	}

	key := make([]byte, requiredKeyLength)
	copy(key, raw)
	return key, true, nil
}
