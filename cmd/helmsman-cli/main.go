// helmsman-cli submits operator commands to a running helmsman-engine and
// inspects its reconciled state over the control-plane HTTP API.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"

	"helmsman/pkg/helmsman"
)

const version = "0.1.0"

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: helmsman-cli <command> [options]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  version         Print the CLI version\n")
		fmt.Fprintf(os.Stderr, "  health          Show engine health and stream state\n")
		fmt.Fprintf(os.Stderr, "  positions       List current positions\n")
		fmt.Fprintf(os.Stderr, "  orders          List orders (-open, -symbol, -limit)\n")
		fmt.Fprintf(os.Stderr, "  order <id>      Show one order with its fills\n")
		fmt.Fprintf(os.Stderr, "  protections     List protection links\n")
		fmt.Fprintf(os.Stderr, "  commands        List recent commands\n")
		fmt.Fprintf(os.Stderr, "  command <id>    Show one command\n")
		fmt.Fprintf(os.Stderr, "  draft           Draft an order (-symbol, -side, -type, -qty, ...)\n")
		fmt.Fprintf(os.Stderr, "  confirm         Confirm a drafted order (-order)\n")
		fmt.Fprintf(os.Stderr, "  cancel          Cancel an order or command (-order, -command)\n")
		fmt.Fprintf(os.Stderr, "  kill            Trip the kill switch (-token)\n")
		fmt.Fprintf(os.Stderr, "\nThe API address defaults to http://127.0.0.1:8090 and can be\n")
		fmt.Fprintf(os.Stderr, "overridden with HELMSMAN_API.\n\n")
	}

	if len(os.Args) < 2 {
		flag.Usage()
		os.Exit(1)
	}

	api := helmsman.NewClient(apiBase())
	ctx := context.Background()

	var (
		raw json.RawMessage
		err error
	)
	switch os.Args[1] {
	case "version":
		fmt.Printf("helmsman-cli %s\n", version)
		return

	case "health":
		raw, err = api.Health(ctx)

	case "positions":
		raw, err = api.Positions(ctx)

	case "orders":
		fs := flag.NewFlagSet("orders", flag.ExitOnError)
		open := fs.Bool("open", false, "only open orders")
		symbol := fs.String("symbol", "", "filter by symbol")
		limit := fs.Int("limit", 0, "max orders to return")
		fs.Parse(os.Args[2:])
		raw, err = api.Orders(ctx, helmsman.OrdersQuery{Open: *open, Symbol: *symbol, Limit: *limit})

	case "order":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: helmsman-cli order <id>")
			os.Exit(1)
		}
		raw, err = api.Order(ctx, os.Args[2])

	case "protections":
		raw, err = api.Protections(ctx)

	case "commands":
		raw, err = api.Commands(ctx)

	case "command":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: helmsman-cli command <id>")
			os.Exit(1)
		}
		raw, err = api.Command(ctx, os.Args[2])

	case "draft":
		fs := flag.NewFlagSet("draft", flag.ExitOnError)
		symbol := fs.String("symbol", "", "symbol to trade (required)")
		side := fs.String("side", "buy", "buy or sell")
		otype := fs.String("type", "market", "market, limit, stop or stop_limit")
		qty := fs.String("qty", "", "quantity (required)")
		limitPrice := fs.String("limit-price", "", "limit price")
		stopPrice := fs.String("stop-price", "", "stop price")
		tif := fs.String("tif", "", "time in force (day or gtc)")
		tag := fs.String("tag", "", "free-form client tag")
		id := fs.String("id", "", "command id (generated when empty)")
		fs.Parse(os.Args[2:])
		if *symbol == "" || *qty == "" {
			fmt.Fprintln(os.Stderr, "draft requires -symbol and -qty")
			os.Exit(1)
		}
		payload := map[string]any{
			"symbol": *symbol,
			"side":   *side,
			"type":   *otype,
			"qty":    *qty,
		}
		if *limitPrice != "" {
			payload["limit_price"] = *limitPrice
		}
		if *stopPrice != "" {
			payload["stop_price"] = *stopPrice
		}
		if *tif != "" {
			payload["time_in_force"] = *tif
		}
		if *tag != "" {
			payload["client_tag"] = *tag
		}
		raw, err = api.SubmitCommand(ctx, commandID(*id), "draft", payload)

	case "confirm":
		fs := flag.NewFlagSet("confirm", flag.ExitOnError)
		order := fs.String("order", "", "drafted order id (required)")
		id := fs.String("id", "", "command id (generated when empty)")
		fs.Parse(os.Args[2:])
		if *order == "" {
			fmt.Fprintln(os.Stderr, "confirm requires -order")
			os.Exit(1)
		}
		raw, err = api.SubmitCommand(ctx, commandID(*id), "confirm", map[string]any{"order_id": *order})

	case "cancel":
		fs := flag.NewFlagSet("cancel", flag.ExitOnError)
		order := fs.String("order", "", "order id to cancel")
		command := fs.String("command", "", "command id to cancel")
		id := fs.String("id", "", "command id (generated when empty)")
		fs.Parse(os.Args[2:])
		if *order == "" && *command == "" {
			fmt.Fprintln(os.Stderr, "cancel requires -order or -command")
			os.Exit(1)
		}
		payload := map[string]any{}
		if *order != "" {
			payload["order_id"] = *order
		}
		if *command != "" {
			payload["command_id"] = *command
		}
		raw, err = api.SubmitCommand(ctx, commandID(*id), "cancel", payload)

	case "kill":
		fs := flag.NewFlagSet("kill", flag.ExitOnError)
		token := fs.String("token", "", "kill switch confirmation token")
		id := fs.String("id", "", "command id (generated when empty)")
		fs.Parse(os.Args[2:])
		raw, err = api.KillSwitch(ctx, *id, *token)

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		flag.Usage()
		os.Exit(1)
	}

	// Error responses still carry a JSON body worth showing.
	printJSON(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func apiBase() string {
	if v := os.Getenv("HELMSMAN_API"); v != "" {
		return v
	}
	return "http://127.0.0.1:8090"
}

// commandID generates a fresh command id when the operator did not pin one,
// so accidental re-runs of the same shell command never collapse into one
// idempotent execution.
func commandID(id string) string {
	if id != "" {
		return id
	}
	return "cmd-" + uuid.NewString()
}

func printJSON(raw []byte) {
	if len(raw) == 0 {
		return
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return
	}
	fmt.Println(pretty.String())
}
