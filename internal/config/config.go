package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Bloque app (opcional en YAML). Si no está, queda vacío.
	App struct {
		// dev | staging | prod
		Env string `yaml:"app_env"`
	} `yaml:"app"`

	Server struct {
		Addr         string `yaml:"addr"`
		AdminKey     string `yaml:"admin_key"` // clave para la API administrativa (X-Faro-Admin-Key)
		ReadTimeout  string `yaml:"read_timeout"`
		WriteTimeout string `yaml:"write_timeout"`
	} `yaml:"server"`

	// Cluster: identidad del nodo y mapa de pares.
	Cluster struct {
		SelfTag   string `yaml:"self_tag"`
		RaftAddr  string `yaml:"raft_addr"`
		Bootstrap bool   `yaml:"bootstrap"`

		// JoinOnly: el nodo arranca sin estado y espera a que el líder lo
		// sume a la topología; nunca inicializa un cluster propio.
		JoinOnly bool `yaml:"join_only"`

		Peers    map[string]string `yaml:"peers"`     // tag -> host:port (raft)
		APIAddrs map[string]string `yaml:"api_addrs"` // tag -> baseURL (API HTTP)

		// Secret compartido del cluster para firmar los tokens inter-nodo.
		Secret string `yaml:"secret"`

		SnapshotKeep int `yaml:"snapshot_keep"`

		// TLS para el transporte Raft (opcional, mTLS cuando está habilitado)
		TLSEnable     bool   `yaml:"tls_enable"`
		TLSCertFile   string `yaml:"tls_cert_file"`
		TLSKeyFile    string `yaml:"tls_key_file"`
		TLSCAFile     string `yaml:"tls_ca_file"`
		TLSServerName string `yaml:"tls_server_name"`
	} `yaml:"cluster"`

	Store struct {
		Dir        string `yaml:"dir"`
		IdleTTL    string `yaml:"idle_ttl"`    // bases sin uso se descargan pasado este tiempo
		SweepEvery string `yaml:"sweep_every"` // frecuencia del barrido de inactividad
	} `yaml:"store"`

	// Forward: parámetros del reenvío de comandos hacia el líder.
	Forward struct {
		AttemptTimeout string `yaml:"attempt_timeout"` // timeout de un intento individual
		SubmitTimeout  string `yaml:"submit_timeout"`  // deadline total de un Submit
		MaxAttempts    int    `yaml:"max_attempts"`
	} `yaml:"forward"`

	Maintenance struct {
		ProbeEvery  string `yaml:"probe_every"`  // frecuencia de sondeo de salud
		RemoveGrace string `yaml:"remove_grace"` // gracia antes de proponer la baja de un nodo
		AutoRemove  bool   `yaml:"auto_remove"`
	} `yaml:"maintenance"`

	Security struct {
		// base64(32 bytes). Preferir FARO_MASTER_KEY por entorno.
		MasterKey string `yaml:"master_key"`
	} `yaml:"security"`

	Notify struct {
		Redis struct {
			Enabled  bool   `yaml:"enabled"`
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Channel  string `yaml:"channel"`
		} `yaml:"redis"`

		SMTP struct {
			Enabled            bool     `yaml:"enabled"`
			Host               string   `yaml:"host"`
			Port               int      `yaml:"port"`
			Username           string   `yaml:"username"`
			Password           string   `yaml:"password"`
			From               string   `yaml:"from"`
			To                 []string `yaml:"to"`
			TLS                string   `yaml:"tls"`                  // auto | starttls | ssl | none
			InsecureSkipVerify bool     `yaml:"insecure_skip_verify"` // sólo dev
		} `yaml:"smtp"`
	} `yaml:"notify"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}

	// sane defaults
	if c.Server.Addr == "" {
		c.Server.Addr = ":7400"
	}
	if c.Server.ReadTimeout == "" {
		c.Server.ReadTimeout = "15s"
	}
	if c.Server.WriteTimeout == "" {
		c.Server.WriteTimeout = "30s"
	}
	if c.Cluster.RaftAddr == "" {
		c.Cluster.RaftAddr = ":7401"
	}
	if c.Cluster.Peers == nil {
		c.Cluster.Peers = map[string]string{}
	}
	if c.Cluster.APIAddrs == nil {
		c.Cluster.APIAddrs = map[string]string{}
	}
	if c.Cluster.SnapshotKeep == 0 {
		c.Cluster.SnapshotKeep = 3
	}
	if c.Store.Dir == "" {
		c.Store.Dir = "./data/farodb"
	}
	if c.Store.IdleTTL == "" {
		c.Store.IdleTTL = "10m"
	}
	if c.Store.SweepEvery == "" {
		c.Store.SweepEvery = "1m"
	}
	if c.Forward.AttemptTimeout == "" {
		c.Forward.AttemptTimeout = "3s"
	}
	if c.Forward.SubmitTimeout == "" {
		c.Forward.SubmitTimeout = "8s"
	}
	if c.Forward.MaxAttempts == 0 {
		c.Forward.MaxAttempts = 3
	}
	if c.Maintenance.ProbeEvery == "" {
		c.Maintenance.ProbeEvery = "2s"
	}
	if c.Maintenance.RemoveGrace == "" {
		c.Maintenance.RemoveGrace = "30s"
	}
	if c.Notify.SMTP.TLS == "" {
		c.Notify.SMTP.TLS = "auto"
	}
	if c.Notify.Redis.Channel == "" {
		c.Notify.Redis.Channel = "farodb:events"
	}

	// Overrides por env + salvaguarda prod
	c.applyEnvOverrides()

	// validate string durations
	for _, d := range []struct{ name, val string }{
		{"server.read_timeout", c.Server.ReadTimeout},
		{"server.write_timeout", c.Server.WriteTimeout},
		{"store.idle_ttl", c.Store.IdleTTL},
		{"store.sweep_every", c.Store.SweepEvery},
		{"forward.attempt_timeout", c.Forward.AttemptTimeout},
		{"forward.submit_timeout", c.Forward.SubmitTimeout},
		{"maintenance.probe_every", c.Maintenance.ProbeEvery},
		{"maintenance.remove_grace", c.Maintenance.RemoveGrace},
	} {
		if d.val == "" {
			continue
		}
		if _, err := time.ParseDuration(d.val); err != nil {
			return nil, fmt.Errorf("config: %s: %w", d.name, err)
		}
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	// Normalizar store.dir (si relativo) respecto al directorio del YAML
	if p := strings.TrimSpace(c.Store.Dir); p != "" && !filepath.IsAbs(p) && !strings.HasPrefix(p, "./") {
		base := filepath.Dir(path)
		c.Store.Dir = filepath.Clean(filepath.Join(base, p))
	}

	return &c, nil
}

// Validate chequea los valores críticos de la configuración.
// La master key NO se valida acá: sólo farod la necesita y la valida al arrancar.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Cluster.SelfTag) == "" {
		return fmt.Errorf("config: cluster.self_tag es obligatorio")
	}
	if len(c.Cluster.Peers) > 0 && strings.TrimSpace(c.Cluster.Secret) == "" {
		return fmt.Errorf("config: cluster.secret es obligatorio cuando hay pares configurados")
	}
	if c.Forward.MaxAttempts < 1 {
		return fmt.Errorf("config: forward.max_attempts debe ser >= 1")
	}
	return nil
}

// Dur parsea una duración ya validada en Load. Para valores que no pasaron
// por Load (tests), cae al default.
func Dur(s string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(s)); err == nil && d > 0 {
		return d
	}
	return def
}

// ---- Helpers env ----

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}
func getEnvInt(key string) (int, bool) {
	if s, ok := getEnvStr(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return i, true
		}
	}
	return 0, false
}
func getEnvBool(key string) (bool, bool) {
	if s, ok := getEnvStr(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
			return b, true
		}
	}
	return false, false
}
func getEnvCSV(key string) ([]string, bool) {
	if s, ok := getEnvStr(key); ok {
		if strings.TrimSpace(s) == "" {
			return []string{}, true
		}
		parts := strings.Split(s, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
		return out, true
	}
	return nil, false
}

// applyEnvOverrides: pisa config.yaml con variables de entorno.
func (c *Config) applyEnvOverrides() {
	// APP
	if v, ok := getEnvStr("FARO_ENV"); ok {
		c.App.Env = strings.ToLower(v)
	}

	// SERVER
	if v, ok := getEnvStr("SERVER_ADDR"); ok {
		c.Server.Addr = v
	}
	if v, ok := getEnvStr("FARO_ADMIN_KEY"); ok {
		c.Server.AdminKey = v
	}

	// CLUSTER
	if v, ok := getEnvStr("FARO_SELF_TAG"); ok {
		c.Cluster.SelfTag = strings.TrimSpace(v)
	}
	if v, ok := getEnvStr("RAFT_ADDR"); ok {
		c.Cluster.RaftAddr = strings.TrimSpace(v)
	}
	if v, ok := getEnvBool("CLUSTER_BOOTSTRAP"); ok {
		c.Cluster.Bootstrap = v
	}
	// CLUSTER_PEERS="n1=127.0.0.1:7401;n2=127.0.0.1:7402"
	if m, ok := getEnvKVList("CLUSTER_PEERS", ";"); ok {
		for k, v := range m {
			c.Cluster.Peers[k] = v
		}
	}
	// CLUSTER_API_ADDRS="n1=http://127.0.0.1:7400;n2=http://127.0.0.1:7500"
	if m, ok := getEnvKVList("CLUSTER_API_ADDRS", ";"); ok {
		for k, v := range m {
			c.Cluster.APIAddrs[k] = v
		}
	}
	if v, ok := getEnvStr("CLUSTER_SECRET"); ok {
		c.Cluster.Secret = v
	}
	if v, ok := getEnvInt("RAFT_SNAPSHOT_KEEP"); ok {
		c.Cluster.SnapshotKeep = v
	}

	// Raft TLS (opcional)
	if v, ok := getEnvBool("RAFT_TLS_ENABLE"); ok {
		c.Cluster.TLSEnable = v
	}
	if v, ok := getEnvStr("RAFT_TLS_CERT_FILE"); ok {
		c.Cluster.TLSCertFile = v
	}
	if v, ok := getEnvStr("RAFT_TLS_KEY_FILE"); ok {
		c.Cluster.TLSKeyFile = v
	}
	if v, ok := getEnvStr("RAFT_TLS_CA_FILE"); ok {
		c.Cluster.TLSCAFile = v
	}
	if v, ok := getEnvStr("RAFT_TLS_SERVER_NAME"); ok {
		c.Cluster.TLSServerName = v
	}

	// STORE
	if v, ok := getEnvStr("STORE_DIR"); ok {
		c.Store.Dir = v
	}
	if v, ok := getEnvStr("STORE_IDLE_TTL"); ok {
		c.Store.IdleTTL = v
	}
	if v, ok := getEnvStr("STORE_SWEEP_EVERY"); ok {
		c.Store.SweepEvery = v
	}

	// FORWARD
	if v, ok := getEnvStr("FORWARD_ATTEMPT_TIMEOUT"); ok {
		c.Forward.AttemptTimeout = v
	}
	if v, ok := getEnvStr("FORWARD_SUBMIT_TIMEOUT"); ok {
		c.Forward.SubmitTimeout = v
	}
	if v, ok := getEnvInt("FORWARD_MAX_ATTEMPTS"); ok {
		c.Forward.MaxAttempts = v
	}

	// MAINTENANCE
	if v, ok := getEnvStr("MAINT_PROBE_EVERY"); ok {
		c.Maintenance.ProbeEvery = v
	}
	if v, ok := getEnvStr("MAINT_REMOVE_GRACE"); ok {
		c.Maintenance.RemoveGrace = v
	}
	if v, ok := getEnvBool("MAINT_AUTO_REMOVE"); ok {
		c.Maintenance.AutoRemove = v
	}

	// SECURITY - master key del vault
	if v, ok := getEnvStr("FARO_MASTER_KEY"); ok {
		c.Security.MasterKey = v
	}

	// NOTIFY - redis
	if v, ok := getEnvBool("NOTIFY_REDIS_ENABLED"); ok {
		c.Notify.Redis.Enabled = v
	}
	if v, ok := getEnvStr("REDIS_ADDR"); ok {
		c.Notify.Redis.Addr = v
	}
	if v, ok := getEnvStr("REDIS_PASSWORD"); ok {
		c.Notify.Redis.Password = v
	}
	if v, ok := getEnvInt("REDIS_DB"); ok {
		c.Notify.Redis.DB = v
	}
	if v, ok := getEnvStr("NOTIFY_REDIS_CHANNEL"); ok {
		c.Notify.Redis.Channel = v
	}

	// NOTIFY - smtp
	if v, ok := getEnvBool("NOTIFY_SMTP_ENABLED"); ok {
		c.Notify.SMTP.Enabled = v
	}
	if v, ok := getEnvStr("SMTP_HOST"); ok {
		c.Notify.SMTP.Host = v
	}
	if v, ok := getEnvInt("SMTP_PORT"); ok {
		c.Notify.SMTP.Port = v
	}
	if v, ok := getEnvStr("SMTP_USERNAME"); ok {
		c.Notify.SMTP.Username = v
	}
	if v, ok := getEnvStr("SMTP_PASSWORD"); ok {
		c.Notify.SMTP.Password = v
	}
	if v, ok := getEnvStr("SMTP_FROM"); ok {
		c.Notify.SMTP.From = v
	}
	if v, ok := getEnvCSV("NOTIFY_SMTP_TO"); ok {
		c.Notify.SMTP.To = v
	}
	if v, ok := getEnvStr("SMTP_TLS"); ok {
		c.Notify.SMTP.TLS = strings.ToLower(v) // auto|starttls|ssl|none
	}
	if v, ok := getEnvBool("SMTP_INSECURE_SKIP_VERIFY"); ok {
		c.Notify.SMTP.InsecureSkipVerify = v
	}

	// METRICS
	if v, ok := getEnvBool("METRICS_ENABLED"); ok {
		c.Metrics.Enabled = v
	}
}

// parse env of form "k1=v1<sep>k2=v2" into map
func parseKVList(s, sep string) map[string]string {
	s = strings.TrimSpace(s)
	if s == "" {
		return map[string]string{}
	}
	items := strings.Split(s, sep)
	out := make(map[string]string, len(items))
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it == "" {
			continue
		}
		// split at first '='
		if i := strings.IndexRune(it, '='); i > 0 {
			k := strings.TrimSpace(it[:i])
			v := strings.TrimSpace(it[i+1:])
			if k != "" && v != "" {
				out[k] = v
			}
		}
	}
	return out
}

func getEnvKVList(key, sep string) (map[string]string, bool) {
	if s, ok := getEnvStr(key); ok {
		return parseKVList(s, sep), true
	}
	return nil, false
}
