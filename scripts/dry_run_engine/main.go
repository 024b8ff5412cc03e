package main

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"session-core/internal/engine"
)

// dry_run_engine answers the engine protocol with synthetic data so the
// session core can run without a broker terminal. It is stateless: every
// call is a fresh process.
//
// Usage:
//   go build -o bin/dry-run-engine ./scripts/dry_run_engine
//   ENGINE_COMMAND=./bin/dry-run-engine ENGINE_SCRIPT= ./session-core

func main() {
	if len(os.Args) < 2 {
		reply(map[string]any{"success": false, "message": "command required"})
		return
	}
	cmd := engine.Command(os.Args[1])
	args := os.Args[2:]
	if !cmd.Valid() {
		reply(map[string]any{"success": false, "message": "unknown command " + string(cmd)})
		return
	}

	out := map[string]any{"success": true, "version": engine.ProtocolVersion}
	switch cmd {
	case engine.CmdConnect, engine.CmdAccountInfo:
		if len(args) < 2 {
			reject("server and login required")
			return
		}
		out["accountInfo"] = engine.AccountInfo{
			Login: engine.Ticket(args[1]), Server: args[0], Name: "Dry Run",
			Currency: "USD", Balance: 10000, Equity: 10000, MarginFree: 10000, Leverage: 100,
		}
	case engine.CmdMarketData:
		if len(args) < 3 {
			reject("symbol required")
			return
		}
		count := 100
		if len(args) > 4 {
			if n, err := strconv.Atoi(args[4]); err == nil && n > 0 {
				count = n
			}
		}
		out["data"] = bars(count)
	case engine.CmdPositions:
		out["positions"] = []engine.Position{}
	case engine.CmdTrade:
		if len(args) < 5 {
			reject("symbol, type and volume required")
			return
		}
		volume, _ := strconv.ParseFloat(args[4], 64)
		out["trade"] = engine.TradeFill{
			Ticket: ticket(), Symbol: args[2], Type: args[3], Volume: volume,
			OpenPrice: price(time.Now()), StopLoss: arg(args, 6), TakeProfit: arg(args, 7),
		}
	case engine.CmdClose:
		if len(args) < 3 {
			reject("ticket required")
			return
		}
		out["result"] = engine.CloseFill{Ticket: engine.Ticket(args[2]), ClosePrice: price(time.Now())}
	case engine.CmdModify:
		if len(args) < 3 {
			reject("ticket required")
			return
		}
		out["result"] = engine.ModifyAck{Ticket: engine.Ticket(args[2]), StopLoss: arg(args, 3), TakeProfit: arg(args, 4)}
	}
	reply(out)
}

func reject(msg string) {
	reply(map[string]any{"success": false, "message": msg})
}

func reply(v any) {
	if err := json.NewEncoder(os.Stdout).Encode(v); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func arg(args []string, i int) float64 {
	if i >= len(args) {
		return 0
	}
	f, _ := strconv.ParseFloat(args[i], 64)
	return f
}

func ticket() engine.Ticket {
	return engine.Ticket(strconv.FormatInt(time.Now().UnixNano()/1000, 10))
}

// price is a slow sine wave around 1.1.
func price(t time.Time) float64 {
	return math.Round((1.1+0.01*math.Sin(float64(t.Unix())/3600))*1e5) / 1e5
}

func bars(count int) []engine.Bar {
	end := time.Now().Truncate(time.Hour)
	out := make([]engine.Bar, count)
	for i := range out {
		t := end.Add(-time.Duration(count-1-i) * time.Hour)
		p := price(t)
		out[i] = engine.Bar{
			Time: t.UTC().Format(time.RFC3339), Open: p, High: p + 0.0005,
			Low: p - 0.0005, Close: p, TickVolume: 100,
		}
	}
	return out
}
