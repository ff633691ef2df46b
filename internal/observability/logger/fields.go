package logger

import (
	"time"

	"go.uber.org/zap"
)

// =================================================================================
// CAMPOS ESTÁNDAR - CLUSTER
// =================================================================================

// NodeTag crea un campo para el tag de un nodo del cluster.
func NodeTag(v string) zap.Field {
	return zap.String("node_tag", v)
}

// Leader crea un campo para el tag del líder actual.
func Leader(v string) zap.Field {
	return zap.String("leader", v)
}

// Role crea un campo para el rol de un nodo (member, promotable, watcher).
func Role(v string) zap.Field {
	return zap.String("role", v)
}

// Addr crea un campo para una dirección de red.
func Addr(v string) zap.Field {
	return zap.String("addr", v)
}

// Term crea un campo para el término de consenso.
func Term(v uint64) zap.Field {
	return zap.Uint64("term", v)
}

// Index crea un campo para el índice de log replicado.
func Index(v uint64) zap.Field {
	return zap.Uint64("index", v)
}

// =================================================================================
// CAMPOS ESTÁNDAR - COMANDOS
// =================================================================================

// Database crea un campo para el nombre de una base de datos.
func Database(v string) zap.Field {
	return zap.String("database", v)
}

// CmdType crea un campo para el tipo de comando replicado.
func CmdType(v string) zap.Field {
	return zap.String("cmd_type", v)
}

// CmdID crea un campo para el ID de un comando.
func CmdID(v string) zap.Field {
	return zap.String("cmd_id", v)
}

// Attempt crea un campo para el número de intento de un reenvío.
func Attempt(v int) zap.Field {
	return zap.Int("attempt", v)
}

// =================================================================================
// CAMPOS ESTÁNDAR - HTTP
// =================================================================================

// RequestID crea un campo para el ID del request.
func RequestID(v string) zap.Field {
	return zap.String("request_id", v)
}

// Method crea un campo para el método HTTP.
func Method(v string) zap.Field {
	return zap.String("method", v)
}

// Path crea un campo para el path del request.
func Path(v string) zap.Field {
	return zap.String("path", v)
}

// Status crea un campo para el status code HTTP.
func Status(v int) zap.Field {
	return zap.Int("status", v)
}

// Duration crea un campo para una duración.
func Duration(v time.Duration) zap.Field {
	return zap.Duration("duration", v)
}

// ClientIP crea un campo para la IP del cliente.
func ClientIP(v string) zap.Field {
	return zap.String("client_ip", v)
}

// =================================================================================
// CAMPOS ESTÁNDAR - SISTEMA
// =================================================================================

// Component crea un campo para el componente/módulo.
func Component(v string) zap.Field {
	return zap.String("component", v)
}

// Op crea un campo para la operación actual.
func Op(v string) zap.Field {
	return zap.String("op", v)
}

// Err crea un campo para un error.
func Err(err error) zap.Field {
	return zap.Error(err)
}

// =================================================================================
// CAMPOS ESTÁNDAR - DATOS
// =================================================================================

// Count crea un campo para un conteo.
func Count(v int) zap.Field {
	return zap.Int("count", v)
}

// Key crea un campo genérico para una clave.
func Key(v string) zap.Field {
	return zap.String("key", v)
}

// Any crea un campo genérico para cualquier tipo.
func Any(key string, v any) zap.Field {
	return zap.Any(key, v)
}

// String crea un campo string genérico.
func String(key, v string) zap.Field {
	return zap.String(key, v)
}

// Int crea un campo int genérico.
func Int(key string, v int) zap.Field {
	return zap.Int(key, v)
}

// Bool crea un campo bool genérico.
func Bool(key string, v bool) zap.Field {
	return zap.Bool(key, v)
}
