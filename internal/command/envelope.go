// Package command define los sobres replicados por el consenso.
// El sobre es determinístico: el nodo que lo origina fija ID y timestamp una
// sola vez, así los mismos bytes aplicados en cada nodo producen la misma
// transición (y los reintentos del forwarder no duplican efectos).
package command

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type define el catálogo de operaciones replicadas.
type Type string

const (
	// Bases de datos
	TypeDatabasePut    Type = "database.put"
	TypeDatabaseDelete Type = "database.delete"
	TypeDatabaseConfig Type = "database.config"

	// Valores arbitrarios del árbol del cluster
	TypeValuePut    Type = "value.put"
	TypeValueDelete Type = "value.delete"

	// Topología
	TypeTopologyUpdate Type = "topology.update"
)

// Envelope representa una operación a replicar.
// Payload contiene JSON pre-construido (quien origina ya validó y serializó).
type Envelope struct {
	ID       string `json:"id"`
	Type     Type   `json:"type"`
	Database string `json:"database,omitempty"`
	TsUnix   int64  `json:"tsUnix"`
	Payload  []byte `json:"payload,omitempty"`
}

// New arma un sobre con ID fresco y timestamp actual.
func New(t Type, database string, payload any) (Envelope, error) {
	var raw []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("command: serializando payload: %w", err)
		}
		raw = b
	}
	return Envelope{
		ID:       uuid.NewString(),
		Type:     t,
		Database: database,
		TsUnix:   time.Now().Unix(),
		Payload:  raw,
	}, nil
}

// Encode serializa el sobre para el log replicado.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode deserializa un sobre del log replicado.
func Decode(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("command: sobre inválido: %w", err)
	}
	return e, nil
}

// Validate chequea lo mínimo antes de proponer o aplicar.
func (e Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("command: falta id")
	}
	if e.Type == "" {
		return fmt.Errorf("command: falta type")
	}
	switch e.Type {
	case TypeDatabasePut, TypeDatabaseDelete, TypeDatabaseConfig:
		if e.Database == "" {
			return fmt.Errorf("command: %s requiere database", e.Type)
		}
	case TypeValuePut, TypeValueDelete, TypeTopologyUpdate:
		// payload se valida al aplicar
	default:
		return fmt.Errorf("command: tipo desconocido %q", e.Type)
	}
	return nil
}

// Result es el par (índice de commit, fragmento de estado resultante).
// Sólo es válido cuando el consenso reporta ese índice como commiteado.
type Result struct {
	Index uint64          `json:"index"`
	Data  json.RawMessage `json:"data,omitempty"`
}
