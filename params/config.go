package params

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Engine struct {
	// QueueSize bounds the command queue. Producers block once it is full,
	// which is the backpressure mechanism for the single-writer executor.
	QueueSize int
	// DemandInterval is how often the runner evaluates recurring demands.
	DemandInterval time.Duration
	// ExpiryInterval is how often the runner sweeps for expired orders.
	ExpiryInterval time.Duration
}

type Bridge struct {
	// RequiredConfirmations before a deposit is credited to the ledger.
	RequiredConfirmations uint64
	// WithdrawalMaxAttempts bounds custody submission retries.
	WithdrawalMaxAttempts int
	// WithdrawalBaseDelay is the initial backoff between custody retries,
	// doubled per attempt up to WithdrawalMaxDelay.
	WithdrawalBaseDelay time.Duration
	WithdrawalMaxDelay  time.Duration
}

type Node struct {
	APIAddr string
	DataDir string
	LogFile string
}

type Config struct {
	Engine Engine
	Bridge Bridge
	Node   Node
}

func Default() Config {
	return Config{
		Engine: Engine{
			QueueSize:      4096,
			DemandInterval: 1 * time.Second,
			ExpiryInterval: 5 * time.Second,
		},
		Bridge: Bridge{
			RequiredConfirmations: 6,
			WithdrawalMaxAttempts: 5,
			WithdrawalBaseDelay:   500 * time.Millisecond,
			WithdrawalMaxDelay:    30 * time.Second,
		},
		Node: Node{
			APIAddr: ":8080",
			DataDir: "data",
			LogFile: "data/wattexd.log",
		},
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("API_ADDR"); v != "" {
		cfg.Node.APIAddr = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Node.LogFile = v
	}
	if v := os.Getenv("ENGINE_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Engine.QueueSize = n
		}
	}
	if v := os.Getenv("DEMAND_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Engine.DemandInterval = d
		}
	}
	if v := os.Getenv("EXPIRY_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Engine.ExpiryInterval = d
		}
	}
	if v := os.Getenv("REQUIRED_CONFIRMATIONS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Bridge.RequiredConfirmations = n
		}
	}
	if v := os.Getenv("WITHDRAWAL_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Bridge.WithdrawalMaxAttempts = n
		}
	}
	if v := os.Getenv("WITHDRAWAL_BASE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Bridge.WithdrawalBaseDelay = d
		}
	}

	return cfg
}
