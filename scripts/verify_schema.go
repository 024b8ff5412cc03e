//go:build ignore

package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"session-core/pkg/db"
)

// verify_schema checks that a session database carries the current schema.
//
// Usage:
//   go run ./scripts/verify_schema.go -db ./data/sessions.db

var expected = map[string][]string{
	"trade_records": {
		"id", "user_id", "account", "server", "symbol", "side", "volume", "open_price",
		"stop_loss", "take_profit", "open_time", "close_price", "close_time", "profit",
		"commission", "swap", "status", "ticket",
		"prediction_id", "prediction_direction", "prediction_confidence",
	},
	"prediction_records": {
		"id", "symbol", "timeframe", "time", "direction", "confidence", "entry_price",
		"stop_loss", "take_profit", "risk_reward", "market_regime", "outcome",
		"profit_units", "resolved_at",
	},
}

func main() {
	path := flag.String("db", "./data/sessions.db", "database path")
	flag.Parse()
	fmt.Printf("Verifying database at: %s\n", *path)

	database, err := db.New(*path)
	if err != nil {
		log.Fatalf("Failed to open DB: %v", err)
	}
	defer database.Close()

	missing := 0
	for table, columns := range expected {
		fmt.Printf("\n%s\n", table)
		for _, col := range columns {
			var n int
			err := database.DB.QueryRow(
				`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, col,
			).Scan(&n)
			if err != nil {
				log.Fatalf("Query failed: %v", err)
			}
			if n == 0 {
				fmt.Printf("  MISSING %s\n", col)
				missing++
				continue
			}
			fmt.Printf("  ok      %s\n", col)
		}
	}
	if missing > 0 {
		os.Exit(1)
	}
}
