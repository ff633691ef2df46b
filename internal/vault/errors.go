package vault

import "errors"

// Errores del vault. La distinción corrupto vs ausente es deliberada: un
// registro adulterado jamás se reporta como "no existe".
var (
	// ErrBadKeySize indica que la clave cruda no mide exactamente 32 bytes.
	ErrBadKeySize = errors.New("vault: la clave debe medir 32 bytes")

	// ErrKeyExists indica un put sin overwrite sobre un nombre ya registrado
	// con una clave distinta.
	ErrKeyExists = errors.New("vault: ya existe una clave para ese nombre")

	// ErrKeyInUse indica un delete mientras el registro de la base existe.
	ErrKeyInUse = errors.New("vault: la clave está en uso por una base existente")

	// ErrNotEncrypted indica un put para una base creada sin cifrado.
	ErrNotEncrypted = errors.New("vault: la base no está marcada como cifrada")

	// ErrCorrupted indica que el registro no pasó la verificación de
	// integridad al desprotegerlo.
	ErrCorrupted = errors.New("vault: registro corrupto o adulterado")

	// ErrNoMasterKey indica que la master key no está disponible.
	ErrNoMasterKey = errors.New("vault: master key no configurada")
)
