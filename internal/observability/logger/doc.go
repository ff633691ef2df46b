// Package logger provides a singleton Zap logger with context-based scoping.
//
// # Design Decisions
//
//   - Singleton: Una sola instancia global inicializada con Init().
//   - Context Scoping: Cada request puede llevar su propio logger "scoped" con
//     campos adicionales (request_id, database, etc.) sin crear un nuevo core.
//   - Environments: "dev" usa consola con colores, "prod" usa JSON.
//   - Levels: debug, info, warn, error (configurable via LOG_LEVEL).
//
// # Usage
//
// Inicialización (una vez en main.go):
//
//	logger.Init(logger.Config{
//	    Env:   os.Getenv("FARO_ENV"),  // "dev" o "prod"
//	    Level: os.Getenv("LOG_LEVEL"), // "debug", "info", "warn", "error"
//	    Node:  cfg.Cluster.SelfTag,
//	})
//	defer logger.Sync()
//
// En componentes de larga vida (supervisor, forwarder, landlord):
//
//	log := logger.Named("maintenance")
//	log.Info("supervision iniciada", logger.NodeTag(self))
//
// En handlers (con contexto):
//
//	log := logger.From(ctx)
//	log.Warn("comando rechazado", logger.Database(db), logger.Err(err))
package logger
