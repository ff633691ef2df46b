package main

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type client struct {
	BaseURL   string
	AdminKey  string
	OutFormat string // "json" | "text"
	HTTP      *http.Client
}

func (c *client) do(method, path string, body []byte) (int, []byte, error) {
	url := strings.TrimRight(c.BaseURL, "/") + path
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	if c.AdminKey != "" {
		req.Header.Set("X-Faro-Admin-Key", c.AdminKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, b, nil
}

func (c *client) print(status int, body []byte) {
	if c.OutFormat == "json" {
		var v any
		if json.Unmarshal(body, &v) == nil {
			p, _ := json.MarshalIndent(v, "", "  ")
			fmt.Println(string(p))
			return
		}
	}
	if len(body) > 0 {
		fmt.Println(string(body))
	} else {
		fmt.Printf("status=%d\n", status)
	}
}

// expect corta con error si el status no es 2xx, mostrando el cuerpo.
func expect(what string, status int, body []byte, err error) error {
	if err != nil {
		return err
	}
	if status/100 != 2 {
		return fmt.Errorf("%s falló: status=%d body=%s", what, status, string(body))
	}
	return nil
}

func main() {
	var (
		baseURL = envOr("FARO_URL", "http://localhost:7400")
		apiKey  = envOr("FARO_ADMIN_KEY", "")
		out     = envOr("FARO_OUT", "text")
		timeout = 30 * time.Second
	)

	cl := &client{HTTP: &http.Client{Timeout: timeout}}

	root := &cobra.Command{
		Use:   "faro",
		Short: "CLI de administración para FaroDB",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// los flags se parsean después de armar el cliente
			cl.BaseURL, cl.AdminKey, cl.OutFormat = baseURL, apiKey, out
			switch cmd.CommandPath() {
			case "faro health", "faro ready":
				return nil // endpoints públicos
			}
			if apiKey == "" {
				return fmt.Errorf("falta la admin key (flag --admin-key o env FARO_ADMIN_KEY)")
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&baseURL, "url", baseURL, "URL base del nodo (env FARO_URL)")
	root.PersistentFlags().StringVar(&apiKey, "admin-key", apiKey, "admin key del nodo (env FARO_ADMIN_KEY)")
	root.PersistentFlags().StringVar(&out, "out", out, "formato de salida: json|text")

	// ─── Estado del nodo ───

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Salud del nodo (público)",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, body, err := cl.do("GET", "/v1/health", nil)
			if err := expect("health", status, body, err); err != nil {
				return err
			}
			cl.print(status, body)
			return nil
		},
	}

	readyCmd := &cobra.Command{
		Use:   "ready",
		Short: "Listo para atender tráfico (hay líder conocido)",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, body, err := cl.do("GET", "/v1/readyz", nil)
			if err := expect("ready", status, body, err); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Estadísticas del nodo: consenso, runtimes, tamaño del árbol",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, body, err := cl.do("GET", "/v1/stats", nil)
			if err := expect("status", status, body, err); err != nil {
				return err
			}
			cl.print(status, body)
			return nil
		},
	}

	topologyCmd := &cobra.Command{
		Use:   "topology",
		Short: "Topología replicada vigente",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, body, err := cl.do("GET", "/v1/topology", nil)
			if err := expect("topology", status, body, err); err != nil {
				return err
			}
			cl.print(status, body)
			return nil
		},
	}

	// ─── Nodos ───

	nodesCmd := &cobra.Command{Use: "nodes", Short: "Membresía del cluster"}

	nodesListCmd := &cobra.Command{
		Use:   "list",
		Short: "Miembros del consenso según el líder",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, body, err := cl.do("GET", "/v1/nodes", nil)
			if err := expect("nodes list", status, body, err); err != nil {
				return err
			}
			cl.print(status, body)
			return nil
		},
	}

	nodesHealthCmd := &cobra.Command{
		Use:   "health",
		Short: "Salud por nodo según la supervisión del líder",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, body, err := cl.do("GET", "/v1/nodes/health", nil)
			if err := expect("nodes health", status, body, err); err != nil {
				return err
			}
			cl.print(status, body)
			return nil
		},
	}

	var nodeURL, nodeRole string
	nodesSetCmd := &cobra.Command{
		Use:   "set <tag>",
		Short: "Alta o reubicación de un nodo en la topología",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if nodeURL == "" {
				return fmt.Errorf("--url es requerido")
			}
			b, _ := json.Marshal(map[string]string{"url": nodeURL, "role": nodeRole})
			status, body, err := cl.do("PUT", "/v1/nodes/"+args[0], b)
			if err := expect("nodes set", status, body, err); err != nil {
				return err
			}
			cl.print(status, body)
			return nil
		},
	}
	nodesSetCmd.Flags().StringVar(&nodeURL, "url", "", "URL base de la API del nodo (ej. http://faro-2:7400)")
	nodesSetCmd.Flags().StringVar(&nodeRole, "role", "member", "rol: member|promotable|watcher")

	nodesDropCmd := &cobra.Command{
		Use:   "drop <tag>",
		Short: "Baja de un nodo de la topología",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, body, err := cl.do("DELETE", "/v1/nodes/"+args[0], nil)
			if err := expect("nodes drop", status, body, err); err != nil {
				return err
			}
			cl.print(status, body)
			return nil
		},
	}

	nodesCmd.AddCommand(nodesListCmd, nodesHealthCmd, nodesSetCmd, nodesDropCmd)

	// ─── Bases de datos ───

	dbCmd := &cobra.Command{Use: "db", Short: "Bases de datos del cluster"}

	var dbEncrypted, dbInMemory, dbOverwriteSecret bool
	var dbConfig, dbSecretKey string
	dbCreateCmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Crear una base de datos (replicada a todo el cluster)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]any{
				"name":      args[0],
				"encrypted": dbEncrypted,
				"inMemory":  dbInMemory,
			}
			if dbConfig != "" {
				payload["config"] = json.RawMessage(dbConfig)
			}
			if dbSecretKey != "" {
				payload["secretKey"] = dbSecretKey
				payload["overwriteSecret"] = dbOverwriteSecret
			}
			b, _ := json.Marshal(payload)
			status, body, err := cl.do("POST", "/v1/databases", b)
			if err := expect("db create", status, body, err); err != nil {
				return err
			}
			cl.print(status, body)
			return nil
		},
	}
	dbCreateCmd.Flags().BoolVar(&dbEncrypted, "encrypted", false, "la base requiere clave en el vault")
	dbCreateCmd.Flags().BoolVar(&dbInMemory, "in-memory", false, "runtime efímero, sin archivo")
	dbCreateCmd.Flags().StringVar(&dbConfig, "config", "", "configuración de la base (JSON)")
	dbCreateCmd.Flags().StringVar(&dbSecretKey, "secret-key", "", "clave del vault (base64 de 32 bytes) para registrar junto al alta")
	dbCreateCmd.Flags().BoolVar(&dbOverwriteSecret, "overwrite-secret", false, "pisar la clave si ya existe")

	dbListCmd := &cobra.Command{
		Use:   "list",
		Short: "Listar las bases registradas",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, body, err := cl.do("GET", "/v1/databases", nil)
			if err := expect("db list", status, body, err); err != nil {
				return err
			}
			cl.print(status, body)
			return nil
		},
	}

	dbGetCmd := &cobra.Command{
		Use:   "get <name>",
		Short: "Registro de una base",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, body, err := cl.do("GET", "/v1/databases/"+args[0], nil)
			if err := expect("db get", status, body, err); err != nil {
				return err
			}
			cl.print(status, body)
			return nil
		},
	}

	var dbNewConfig string
	dbConfigCmd := &cobra.Command{
		Use:   "config <name>",
		Short: "Reemplazar la configuración de una base",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dbNewConfig == "" {
				return fmt.Errorf("--config es requerido (JSON)")
			}
			b, _ := json.Marshal(map[string]any{"config": json.RawMessage(dbNewConfig)})
			status, body, err := cl.do("PATCH", "/v1/databases/"+args[0], b)
			if err := expect("db config", status, body, err); err != nil {
				return err
			}
			cl.print(status, body)
			return nil
		},
	}
	dbConfigCmd.Flags().StringVar(&dbNewConfig, "config", "", "configuración nueva (JSON)")

	dbDropCmd := &cobra.Command{
		Use:   "drop <name>",
		Short: "Eliminar una base",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, body, err := cl.do("DELETE", "/v1/databases/"+args[0], nil)
			if err := expect("db drop", status, body, err); err != nil {
				return err
			}
			cl.print(status, body)
			return nil
		},
	}

	dbCmd.AddCommand(dbCreateCmd, dbListCmd, dbGetCmd, dbConfigCmd, dbDropCmd)

	// ─── Vault de claves ───

	secretCmd := &cobra.Command{Use: "secret", Short: "Claves de cifrado por base (vault del nodo)"}

	var secretKey string
	var secretGen, secretOverwrite bool
	secretPutCmd := &cobra.Command{
		Use:   "put <database>",
		Short: "Registrar la clave de una base",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := secretKey
			if secretGen {
				raw := make([]byte, 32)
				if _, err := rand.Read(raw); err != nil {
					return fmt.Errorf("generando clave: %w", err)
				}
				key = base64.StdEncoding.EncodeToString(raw)
				fmt.Printf("clave generada (guardala, no se puede recuperar): %s\n", key)
			}
			if key == "" {
				return fmt.Errorf("falta la clave: --key base64 o --gen")
			}
			b, _ := json.Marshal(map[string]any{"key": key, "overwrite": secretOverwrite})
			status, body, err := cl.do("PUT", "/v1/databases/"+args[0]+"/secret", b)
			if err := expect("secret put", status, body, err); err != nil {
				return err
			}
			cl.print(status, body)
			return nil
		},
	}
	secretPutCmd.Flags().StringVar(&secretKey, "key", "", "clave cruda en base64 (32 bytes)")
	secretPutCmd.Flags().BoolVar(&secretGen, "gen", false, "generar una clave nueva y usarla")
	secretPutCmd.Flags().BoolVar(&secretOverwrite, "overwrite", false, "pisar una clave distinta ya registrada")

	secretCheckCmd := &cobra.Command{
		Use:   "check <database>",
		Short: "Verificar si la base tiene clave registrada (no expone la clave)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, body, err := cl.do("GET", "/v1/databases/"+args[0]+"/secret", nil)
			if err := expect("secret check", status, body, err); err != nil {
				return err
			}
			cl.print(status, body)
			return nil
		},
	}

	secretDropCmd := &cobra.Command{
		Use:   "drop <database>",
		Short: "Eliminar la clave de una base (la base no debe existir)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, body, err := cl.do("DELETE", "/v1/databases/"+args[0]+"/secret", nil)
			if err := expect("secret drop", status, body, err); err != nil {
				return err
			}
			cl.print(status, body)
			return nil
		},
	}

	secretListCmd := &cobra.Command{
		Use:   "list",
		Short: "Nombres con clave registrada",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, body, err := cl.do("GET", "/v1/secrets", nil)
			if err := expect("secret list", status, body, err); err != nil {
				return err
			}
			cl.print(status, body)
			return nil
		},
	}

	secretCmd.AddCommand(secretPutCmd, secretCheckCmd, secretDropCmd, secretListCmd)

	// ─── Valores del árbol del cluster ───

	valueCmd := &cobra.Command{Use: "value", Short: "Valores arbitrarios replicados (flags, configuración compartida)"}

	valuePutCmd := &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Escribir un valor (bytes crudos)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, body, err := cl.do("PUT", "/v1/values/"+args[0], []byte(args[1]))
			if err := expect("value put", status, body, err); err != nil {
				return err
			}
			cl.print(status, body)
			return nil
		},
	}

	valueGetCmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Leer un valor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, body, err := cl.do("GET", "/v1/values/"+args[0], nil)
			if err := expect("value get", status, body, err); err != nil {
				return err
			}
			os.Stdout.Write(body)
			fmt.Println()
			return nil
		},
	}

	valueDelCmd := &cobra.Command{
		Use:   "del <key>",
		Short: "Borrar un valor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, body, err := cl.do("DELETE", "/v1/values/"+args[0], nil)
			if err := expect("value del", status, body, err); err != nil {
				return err
			}
			cl.print(status, body)
			return nil
		},
	}

	valueCmd.AddCommand(valuePutCmd, valueGetCmd, valueDelCmd)

	root.AddCommand(healthCmd, readyCmd, statusCmd, topologyCmd, nodesCmd, dbCmd, secretCmd, valueCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
