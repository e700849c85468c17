package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/alejandrodnm/oraclebot/internal/domain"
)

// Config es la configuración completa del oráculo.
type Config struct {
	Oracle    OracleConfig              `yaml:"oracle"`
	Storage   StorageConfig             `yaml:"storage"`
	Log       LogConfig                 `yaml:"log"`
	Symbols   map[string]SymbolConfig   `yaml:"symbols"`
	Exchanges map[string]ExchangeConfig `yaml:"exchanges"`
	Networks  []NetworkConfig           `yaml:"networks"`
	Feeds     []FeedConfig              `yaml:"feeds"`

	// SignKey es la clave del HMAC de las velas. Viene SOLO de la variable
	// de entorno SIGN_KEY — nunca del YAML.
	SignKey []byte `yaml:"-"`
}

// OracleConfig controla los cutoffs y tolerancias del ciclo por minuto.
type OracleConfig struct {
	RetryCount         int     `yaml:"retry_count"`          // intentos por fetch
	FetchCutoffSecond  int     `yaml:"fetch_cutoff_second"`  // segundo del minuto que corta el fan-out
	SettleCutoffSecond int     `yaml:"settle_cutoff_second"` // segundo del minuto que corta el settlement
	DegradedThreshold  int     `yaml:"degraded_threshold"`   // exchanges caídos → clonar
	PriceTolerancePct  float64 `yaml:"price_tolerance_pct"`  // diferencia máx vs precio on-chain
	JitterMinMS        int     `yaml:"jitter_min_ms"`
	JitterMaxMS        int     `yaml:"jitter_max_ms"`
	PollIntervalMS     int     `yaml:"poll_interval_ms"` // sleep entre polls al exchange
	ReferenceSeconds   int     `yaml:"reference_seconds"` // intervalo del feed on-chain
	RetentionDays      int     `yaml:"retention_days"`    // prune de velas antiguas
}

// StorageConfig controla dónde se persisten las velas.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // ruta al archivo SQLite, o ":memory:"
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// SymbolConfig es la configuración por par de trading.
type SymbolConfig struct {
	Decimals int `yaml:"decimals"` // precisión del precio para firma y API
}

// ExchangeConfig es la configuración de un data provider REST.
type ExchangeConfig struct {
	BaseURL string            `yaml:"base_url"`
	RPS     int               `yaml:"rps"`   // requests/segundo del rate limiter local
	Ticks   map[string]string `yaml:"ticks"` // symbol DEFAULT → tick del exchange
}

// NetworkConfig describe una chain con contratos de mercado desplegados.
type NetworkConfig struct {
	Name    string   `yaml:"name"`
	ChainID int64    `yaml:"chain_id"`
	RPC     []string `yaml:"rpc"`
	// TimeframeDeadlineSecond es el peor caso de espera a que el block time
	// de la chain entre en el minuto objetivo (las chains lentas usan 20).
	TimeframeDeadlineSecond int `yaml:"timeframe_deadline_second"`
	// Markets mapea símbolo → lista de contratos de mercado binario.
	Markets map[string][]string `yaml:"markets"`
}

// FeedConfig es un price feed Chainlink usado como referencia de sanidad.
type FeedConfig struct {
	Symbol  string `yaml:"symbol"`
	Address string `yaml:"address"`
	Network string `yaml:"network"` // nombre de la network cuyo RPC pool se usa
}

// Load carga la configuración desde el archivo YAML y el archivo .env si
// existe. SIGN_KEY es obligatoria: sin ella no se puede firmar ni verificar
// ninguna vela.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	key := os.Getenv("SIGN_KEY")
	if key == "" {
		return nil, fmt.Errorf("config.Load: SIGN_KEY not set")
	}
	cfg.SignKey = []byte(key)

	return &cfg, nil
}

// Decimals devuelve la precisión configurada del símbolo (2 por defecto).
func (c *Config) Decimals(sym domain.Symbol) int {
	if s, ok := c.Symbols[string(sym)]; ok && s.Decimals > 0 {
		return s.Decimals
	}
	return 2
}

// SymbolList devuelve los símbolos configurados en orden estable.
func (c *Config) SymbolList() []domain.Symbol {
	known := []domain.Symbol{
		domain.BTCUSD, domain.ETHUSD, domain.BNBUSD, domain.XRPUSD,
		domain.MATICUSD, domain.DOGEUSD, domain.SOLUSD, domain.LINKUSD,
	}
	out := make([]domain.Symbol, 0, len(c.Symbols))
	for _, s := range known {
		if _, ok := c.Symbols[string(s)]; ok {
			out = append(out, s)
		}
	}
	for name := range c.Symbols {
		if !contains(known, domain.Symbol(name)) {
			out = append(out, domain.Symbol(name))
		}
	}
	return out
}

// NetworksFor devuelve las networks que tienen mercados del símbolo.
func (c *Config) NetworksFor(sym domain.Symbol) []NetworkConfig {
	var out []NetworkConfig
	for _, n := range c.Networks {
		if len(n.Markets[string(sym)]) > 0 {
			out = append(out, n)
		}
	}
	return out
}

// SignerKeys devuelve las private keys del par (symbol, network) desde la
// variable de entorno PK_<SYMBOL>_<NETWORK>, una por contrato. Si hay menos
// keys que contratos se reutiliza la primera.
func SignerKeys(sym domain.Symbol, network string) []string {
	raw := os.Getenv(fmt.Sprintf("PK_%s_%s", sym, strings.ToUpper(network)))
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// FetchCutoff devuelve el cutoff de fan-out como duración desde el inicio
// del minuto.
func (c *Config) FetchCutoff() time.Duration {
	return time.Duration(c.Oracle.FetchCutoffSecond) * time.Second
}

// ReferenceInterval devuelve el intervalo de refresco del feed on-chain.
func (c *Config) ReferenceInterval() time.Duration {
	return time.Duration(c.Oracle.ReferenceSeconds) * time.Second
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// setDefaults asegura que los valores requeridos tengan valores sensatos.
// Los números vienen del comportamiento observado en producción.
func setDefaults(cfg *Config) {
	if cfg.Oracle.RetryCount <= 0 {
		cfg.Oracle.RetryCount = 3
	}
	if cfg.Oracle.FetchCutoffSecond <= 0 {
		cfg.Oracle.FetchCutoffSecond = 30
	}
	if cfg.Oracle.SettleCutoffSecond <= 0 {
		cfg.Oracle.SettleCutoffSecond = 40
	}
	if cfg.Oracle.DegradedThreshold <= 0 {
		cfg.Oracle.DegradedThreshold = 3
	}
	if cfg.Oracle.PriceTolerancePct <= 0 {
		cfg.Oracle.PriceTolerancePct = 3.0
	}
	if cfg.Oracle.JitterMinMS <= 0 {
		cfg.Oracle.JitterMinMS = 150
	}
	if cfg.Oracle.JitterMaxMS <= cfg.Oracle.JitterMinMS {
		cfg.Oracle.JitterMaxMS = cfg.Oracle.JitterMinMS + 150
	}
	if cfg.Oracle.PollIntervalMS <= 0 {
		cfg.Oracle.PollIntervalMS = 500
	}
	if cfg.Oracle.ReferenceSeconds <= 0 {
		cfg.Oracle.ReferenceSeconds = 10
	}
	if cfg.Oracle.RetentionDays <= 0 {
		cfg.Oracle.RetentionDays = 30
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "oraclebot.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	for i := range cfg.Networks {
		if cfg.Networks[i].TimeframeDeadlineSecond <= 0 {
			cfg.Networks[i].TimeframeDeadlineSecond = 15
		}
	}
	for name, ex := range cfg.Exchanges {
		if ex.RPS <= 0 {
			ex.RPS = 10
			cfg.Exchanges[name] = ex
		}
	}
}

func contains(list []domain.Symbol, s domain.Symbol) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
