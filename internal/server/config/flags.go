package config

import (
	"flag"
	"os"
	"time"

	"github.com/dmitrijs2005/xrpkeeper/internal/flagx"
)

// parseFlags populates selected server Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-m string   metrics bind address (e.g., ":9090")
//	-d string   PostgreSQL DSN
//	-l string   ledger JSON-RPC URL
//	-w string   ledger subscription (websocket) URL
//	-n string   network name ("mainnet" or "testnet")
//	-p string   market-data base URL
//	-k string   market-data API key
//	-b string   bot token for notifications
//	-i int      idempotency record TTL, minutes
//	-r int      monitor reconnect delay, seconds
//	-s int      idempotency sweep interval, minutes
//
// Notes:
//   - The function first filters os.Args to only the flags it recognizes using
//     flagx.FilterArgs, avoiding collisions with other components.
//   - Duration flags are accepted as integers and converted to time.Duration.
func parseFlags(config *Config) {
	// Filter args to include only the flags handled here.
	args := flagx.FilterArgs(os.Args[1:], []string{"-m", "-d", "-l", "-w", "-n", "-p", "-k", "-b", "-i", "-r", "-s"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.MetricsAddr, "m", config.MetricsAddr, "metrics bind address")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.LedgerRPCURL, "l", config.LedgerRPCURL, "ledger JSON-RPC URL")
	fs.StringVar(&config.LedgerWSURL, "w", config.LedgerWSURL, "ledger subscription URL")
	fs.StringVar(&config.Network, "n", config.Network, "network name")
	fs.StringVar(&config.MarketBaseURL, "p", config.MarketBaseURL, "market data base URL")
	fs.StringVar(&config.MarketAPIKey, "k", config.MarketAPIKey, "market data API key")
	fs.StringVar(&config.BotToken, "b", config.BotToken, "bot token")

	idempotencyTTL := fs.Int("i", int(config.IdempotencyTTL.Minutes()), "idempotency_ttl (in minutes)")
	reconnectDelay := fs.Int("r", int(config.ReconnectDelay.Seconds()), "reconnect_delay (in seconds)")
	sweepInterval := fs.Int("s", int(config.SweepInterval.Minutes()), "sweep_interval (in minutes)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.IdempotencyTTL = time.Duration(*idempotencyTTL) * time.Minute
	config.ReconnectDelay = time.Duration(*reconnectDelay) * time.Second
	config.SweepInterval = time.Duration(*sweepInterval) * time.Minute
}
