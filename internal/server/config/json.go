package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/dmitrijs2005/xrpkeeper/internal/flagx"
	"github.com/dmitrijs2005/xrpkeeper/internal/timex"
)

// JsonConfig defines a configuration structure tailored for JSON unmarshalling.
// It uses timex.Duration for interval fields, which allows parsing both
// string values such as "5s" and integer nanoseconds.
//
// This struct is an intermediate DTO used only for reading JSON configuration
// files. After unmarshalling, its fields are copied into the runtime Config
// struct which uses time.Duration.
type JsonConfig struct {
	MetricsAddr       string         `json:"metrics_addr"`
	DatabaseDSN       string         `json:"database_dsn"`
	LedgerRPCURL      string         `json:"ledger_rpc_url"`
	LedgerWSURL       string         `json:"ledger_ws_url"`
	Network           string         `json:"network"`
	FaucetURL         string         `json:"faucet_url"`
	MarketBaseURL     string         `json:"market_base_url"`
	MarketAPIKey      string         `json:"market_api_key"`
	SealingPassphrase string         `json:"sealing_passphrase"`
	SealingSalt       string         `json:"sealing_salt"`
	BotToken          string         `json:"bot_token"`
	BotAPIEndpoint    string         `json:"bot_api_endpoint"`
	IdempotencyTTL    timex.Duration `json:"idempotency_ttl"`
	ReconnectDelay    timex.Duration `json:"reconnect_delay"`
	SweepInterval     timex.Duration `json:"sweep_interval"`
	ReconcileInterval timex.Duration `json:"reconcile_interval"`
	ReconcileAfter    timex.Duration `json:"reconcile_after"`
}

// parseJson loads configuration values from a JSON file into the provided
// Config instance.
//
// The file path comes from the -c or -config command-line flags; if neither
// is set, no JSON file is loaded. If the file cannot be read or contains
// invalid JSON, the function panics.
func parseJson(config *Config) {

	// try flags
	jsonConfigFile := flagx.JsonConfigFlags()

	// nothing to load
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	err = json.Unmarshal(file, c)
	if err != nil {
		panic(err)
	}

	config.MetricsAddr = c.MetricsAddr
	config.DatabaseDSN = c.DatabaseDSN
	config.LedgerRPCURL = c.LedgerRPCURL
	config.LedgerWSURL = c.LedgerWSURL
	config.Network = c.Network
	config.FaucetURL = c.FaucetURL
	config.MarketBaseURL = c.MarketBaseURL
	config.MarketAPIKey = c.MarketAPIKey
	config.SealingPassphrase = c.SealingPassphrase
	config.SealingSalt = c.SealingSalt
	config.BotToken = c.BotToken
	config.BotAPIEndpoint = c.BotAPIEndpoint
	config.IdempotencyTTL = time.Duration(c.IdempotencyTTL.Duration)
	config.ReconnectDelay = time.Duration(c.ReconnectDelay.Duration)
	config.SweepInterval = time.Duration(c.SweepInterval.Duration)
	config.ReconcileInterval = time.Duration(c.ReconcileInterval.Duration)
	config.ReconcileAfter = time.Duration(c.ReconcileAfter.Duration)
}
