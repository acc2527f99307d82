// loot-cli is a command-line client for interacting with a lootd node.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Klingon-tech/klingnet-loot/config"
	"github.com/Klingon-tech/klingnet-loot/internal/adminkey"
	"github.com/Klingon-tech/klingnet-loot/internal/option"
	"github.com/Klingon-tech/klingnet-loot/internal/payment"
	"github.com/Klingon-tech/klingnet-loot/internal/rpc"
	"github.com/Klingon-tech/klingnet-loot/internal/rpcclient"
	"github.com/Klingon-tech/klingnet-loot/internal/selector"
	"github.com/Klingon-tech/klingnet-loot/internal/supply"
	"github.com/Klingon-tech/klingnet-loot/pkg/crypto"
	"golang.org/x/term"
)

const defaultKeyName = "admin"

// keyPath returns the key file path matching lootd's layout:
// <datadir>/keys/<name>.json
func keyPath(dataDir, name string) string {
	cfg := config.Default()
	cfg.DataDir = dataDir
	return filepath.Join(cfg.KeysDir(), name+".json")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	rpcURL := "http://127.0.0.1:8645"
	dataDir := config.DefaultDataDir()
	keyName := defaultKeyName

	// Scan for --rpc, --datadir and --key before the subcommand.
	args := os.Args[1:]
	for len(args) > 0 {
		switch {
		case args[0] == "--rpc" && len(args) > 1:
			rpcURL = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--rpc="):
			rpcURL = args[0][len("--rpc="):]
			args = args[1:]
		case args[0] == "--datadir" && len(args) > 1:
			dataDir = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--datadir="):
			dataDir = args[0][len("--datadir="):]
			args = args[1:]
		case args[0] == "--key" && len(args) > 1:
			keyName = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--key="):
			keyName = args[0][len("--key="):]
			args = args[1:]
		default:
			goto dispatch
		}
	}

dispatch:
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	client := rpcclient.New(rpcURL)
	keyFile := keyPath(dataDir, keyName)
	cmd, rest := args[0], args[1:]

	switch cmd {
	case "status":
		cmdStatus(client)
	case "option":
		cmdOption(client, rest, keyFile)
	case "class":
		cmdClass(client, rest, keyFile)
	case "open":
		cmdOpen(client, rest, keyFile)
	case "supply":
		cmdSupply(client, rest)
	case "events":
		cmdEvents(client, rest)
	case "balance":
		cmdBalance(client, rest)
	case "lot":
		cmdLot(client, rest)
	case "approve":
		cmdApprove(client, rest, keyFile)
	case "pause":
		cmdGate(client, "admin_pause", keyFile)
	case "resume":
		cmdGate(client, "admin_resume", keyFile)
	case "withdraw":
		cmdWithdraw(client, keyFile)
	case "key":
		cmdKey(rest, keyFile)
	case "simulate":
		cmdSimulate(rest)
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: loot-cli [--rpc URL] [--datadir DIR] [--key NAME] <command> [args]

Commands:
  status                              Node and deployment summary
  option list                         List configured options
  option get <id>                     Show one option
  option set <id> [flags]             Configure an option (admin)
  option validate [flags]             Check a probability table
  class list                          Show every class binding
  class get <class>                   Show one class binding
  class bind <class> <token-id>       Bind a class to a preminted lot (admin)
  open <option> <recipient> [flags]   Open lootboxes
  supply <option>                     Show remaining supply
  events [--from N] [--limit N]       List open events
  balance <address> [token-id]        Show holdings
  lot <token-id>                      Show a lot
  approve <operator> [--revoke]       Approve an operator for your tokens
  pause | resume                      Toggle the emergency stop (admin)
  withdraw                            Withdraw treasury funds (admin)
  key create | import | show          Manage the administrator key
  simulate [flags]                    Run draws offline

Class probabilities are given as --p-<class> <weight>, e.g. --p-mythic 100.
`)
}

// ── status ──────────────────────────────────────────────────────────────

func cmdStatus(client *rpcclient.Client) {
	info, err := client.Info()
	if err != nil {
		fatal("loot_getInfo: %v", err)
	}
	if info.Deployment != "" {
		fmt.Printf("Deployment:  %s\n", info.Deployment)
	}
	fmt.Printf("Mode:        %s\n", info.Mode)
	fmt.Printf("Granularity: %d\n", info.Granularity)
	fmt.Printf("Paused:      %v\n", info.Paused)
	fmt.Printf("Operator:    %s\n", info.Operator)
	fmt.Printf("Admins:      %s\n", strings.Join(info.Admins, ", "))
	fmt.Printf("Options:     %d\n", info.Options)
	if info.Mode == payment.ModePaid {
		fmt.Printf("Treasury:    %d\n", info.Treasury)
	}
	if info.NodeID != "" {
		fmt.Printf("Node:        %s\n", info.NodeID)
		fmt.Printf("Peers:       %d\n", info.Peers)
	}
}

// ── option ──────────────────────────────────────────────────────────────

func cmdOption(client *rpcclient.Client, args []string, keyFile string) {
	if len(args) < 1 {
		fatal("Usage: loot-cli option <list|get|set|validate>")
	}
	switch args[0] {
	case "list":
		opts, err := client.Options()
		if err != nil {
			fatal("option_list: %v", err)
		}
		if len(opts) == 0 {
			fmt.Println("No options configured.")
			return
		}
		for _, o := range opts {
			printOption(&o)
			fmt.Println()
		}
	case "get":
		if len(args) < 2 {
			fatal("Usage: loot-cli option get <id>")
		}
		res, err := client.Option(parseOptionID(args[1]))
		if err != nil {
			fatal("option_get: %v", err)
		}
		printOption(res)
	case "set":
		if len(args) < 2 {
			fatal("Usage: loot-cli option set <id> --quantity N [--capacity N] [--price N] [--p-<class> W ...]")
		}
		id := parseOptionID(args[1])
		opt := parseOptionFlags("option set", args[2:])
		key := loadKey(keyFile)
		var res rpc.OptionResult
		if err := client.SignedCall("admin_setOption", &rpc.SetOptionParam{ID: id, Option: opt}, key, &res); err != nil {
			fatal("admin_setOption: %v", err)
		}
		printOption(&res)
	case "validate":
		opt := parseOptionFlags("option validate", args[1:])
		var res rpc.ValidateResult
		if err := client.Call("option_validate", rpc.OptionValidateParam{Option: opt}, &res); err != nil {
			fatal("option_validate: %v", err)
		}
		if !res.Valid {
			fmt.Printf("Invalid: %s\n", res.Error)
			os.Exit(1)
		}
		fmt.Printf("Valid. Common receives %d of %d.\n", res.CommonShare, res.Granularity)
	default:
		fatal("Unknown option subcommand: %s", args[0])
	}
}

// parseOptionFlags reads an option's settings from flags.
func parseOptionFlags(name string, args []string) option.Option {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	quantity := fs.Uint("quantity", 1, "Items issued per open (0 disables)")
	capacity := fs.Uint64("capacity", 0, "Maximum number of opens (0 = unlimited)")
	price := fs.Uint64("price", 0, "Unit price in paid mode")
	weights := make([]*uint, option.NumClasses)
	for c := option.Uncommon; c < option.NumClasses; c++ {
		weights[c] = fs.Uint("p-"+c.String(), 0, "Weight of "+c.String())
	}
	fs.Parse(args)

	opt := option.Option{
		QuantityPerOpen: uint32(*quantity),
		Capacity:        *capacity,
		Price:           *price,
	}
	for c := option.Uncommon; c < option.NumClasses; c++ {
		opt.Probabilities[c] = uint32(*weights[c])
	}
	return opt
}

func printOption(o *rpc.OptionResult) {
	fmt.Printf("Option %d", o.ID)
	if !o.Enabled {
		fmt.Print(" (disabled)")
	}
	fmt.Println()
	fmt.Printf("  Quantity per open: %d\n", o.Option.QuantityPerOpen)
	if o.Option.Price > 0 {
		fmt.Printf("  Price:             %d\n", o.Option.Price)
	}
	printSupply(&o.Supply)
	for c := option.NumClasses - 1; c > 0; c-- {
		if w := o.Option.Probabilities[c]; w > 0 {
			fmt.Printf("  %-10s %d\n", option.Class(c).String()+":", w)
		}
	}
	if o.Funds > 0 {
		fmt.Printf("  Funds:             %d\n", o.Funds)
	}
}

func printSupply(s *supply.Status) {
	fmt.Printf("  Opened:            %d\n", s.Opened)
	if s.Unlimited {
		fmt.Println("  Remaining:         unlimited")
		return
	}
	fmt.Printf("  Remaining:         %d of %d\n", s.Remaining, s.Capacity)
}

// ── class ───────────────────────────────────────────────────────────────

func cmdClass(client *rpcclient.Client, args []string, keyFile string) {
	if len(args) < 1 {
		fatal("Usage: loot-cli class <list|get|bind>")
	}
	switch args[0] {
	case "list":
		var res []rpc.ClassResult
		if err := client.Call("class_list", nil, &res); err != nil {
			fatal("class_list: %v", err)
		}
		for i := range res {
			printClass(&res[i])
		}
	case "get":
		if len(args) < 2 {
			fatal("Usage: loot-cli class get <class>")
		}
		var res rpc.ClassResult
		if err := client.Call("class_get", rpc.ClassParam{Class: args[1]}, &res); err != nil {
			fatal("class_get: %v", err)
		}
		printClass(&res)
	case "bind":
		if len(args) < 3 {
			fatal("Usage: loot-cli class bind <class> <token-id>")
		}
		key := loadKey(keyFile)
		var res rpc.ClassResult
		if err := client.SignedCall("admin_bindClass", &rpc.BindClassParam{Class: args[1], TokenID: args[2]}, key, &res); err != nil {
			fatal("admin_bindClass: %v", err)
		}
		printClass(&res)
	default:
		fatal("Unknown class subcommand: %s", args[0])
	}
}

func printClass(c *rpc.ClassResult) {
	switch {
	case c.Preminted:
		fmt.Printf("%-10s preminted %s (pool %s)\n", c.Class, c.TokenID, c.Pool)
	case c.Bound():
		fmt.Printf("%-10s lot %s\n", c.Class, c.TokenID)
	default:
		fmt.Printf("%-10s unbound\n", c.Class)
	}
}

// ── open ────────────────────────────────────────────────────────────────

func cmdOpen(client *rpcclient.Client, args []string, keyFile string) {
	if len(args) < 2 {
		fatal("Usage: loot-cli open <option> <recipient> [--quantity N] [--payment N] [--unsigned]")
	}
	id := parseOptionID(args[0])
	recipient := args[1]

	fs := flag.NewFlagSet("open", flag.ExitOnError)
	quantity := fs.Uint64("quantity", 1, "Number of lootboxes to open")
	pay := fs.Uint64("payment", 0, "Payment attached in paid mode")
	unsigned := fs.Bool("unsigned", false, "Send without an administrator signature")
	fs.Parse(args[2:])

	var key *crypto.PrivateKey
	if !*unsigned {
		key = loadKey(keyFile)
	}
	res, err := client.Open(&rpc.OpenParam{
		Option:    id,
		Recipient: recipient,
		Quantity:  *quantity,
		Payment:   *pay,
	}, key)
	if err != nil {
		fatal("loot_open: %v", err)
	}

	fmt.Printf("Event:        %d\n", res.Seq)
	fmt.Printf("Items issued: %d\n", res.ItemsIssued)
	for _, it := range res.Items {
		fmt.Printf("  %-10s %s (%s)\n", it.Class, it.TokenID, it.Method)
	}
}

// ── supply ──────────────────────────────────────────────────────────────

func cmdSupply(client *rpcclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: loot-cli supply <option>")
	}
	var st supply.Status
	if err := client.Call("supply_get", rpc.OptionIDParam{ID: parseOptionID(args[0])}, &st); err != nil {
		fatal("supply_get: %v", err)
	}
	printSupply(&st)
}

// ── events ──────────────────────────────────────────────────────────────

func cmdEvents(client *rpcclient.Client, args []string) {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	from := fs.Uint64("from", 0, "First event sequence number")
	limit := fs.Int("limit", 20, "Maximum events to show")
	fs.Parse(args)

	var res rpc.EventsResult
	if err := client.Call("events_list", rpc.EventsParam{From: *from, Limit: *limit}, &res); err != nil {
		fatal("events_list: %v", err)
	}
	if len(res.Events) == 0 {
		fmt.Println("No events.")
		return
	}
	for _, ev := range res.Events {
		ts := time.Unix(ev.Timestamp, 0).UTC().Format(time.RFC3339)
		fmt.Printf("#%d  %s  option %d  x%d  -> %s  (%d items", ev.Seq, ts, ev.OptionID, ev.Quantity, ev.Recipient, ev.ItemsIssued)
		if ev.Payment > 0 {
			fmt.Printf(", paid %d", ev.Payment)
		}
		fmt.Println(")")
	}
	fmt.Printf("\nNext: --from %d\n", res.Next)
}

// ── ledger ──────────────────────────────────────────────────────────────

func cmdBalance(client *rpcclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: loot-cli balance <address> [token-id]")
	}
	p := rpc.BalanceParam{Address: args[0]}
	if len(args) > 1 {
		p.TokenID = args[1]
	}
	var res rpc.BalanceResult
	if err := client.Call("ledger_getBalance", p, &res); err != nil {
		fatal("ledger_getBalance: %v", err)
	}
	fmt.Printf("Address: %s\n", res.Address)
	if len(res.Holdings) == 0 {
		fmt.Println("No holdings.")
		return
	}
	for _, h := range res.Holdings {
		fmt.Printf("  %s  %d\n", h.TokenID, h.Amount)
	}
}

func cmdLot(client *rpcclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: loot-cli lot <token-id>")
	}
	var lot json.RawMessage
	if err := client.Call("ledger_getLot", rpc.LotParam{TokenID: args[0]}, &lot); err != nil {
		fatal("ledger_getLot: %v", err)
	}
	printJSON(lot)
}

func cmdApprove(client *rpcclient.Client, args []string, keyFile string) {
	if len(args) < 1 {
		fatal("Usage: loot-cli approve <operator> [--revoke]")
	}
	fs := flag.NewFlagSet("approve", flag.ExitOnError)
	revoke := fs.Bool("revoke", false, "Revoke instead of grant")
	fs.Parse(args[1:])

	key := loadKey(keyFile)
	var res rpc.ApprovalResult
	p := &rpc.ApprovalParam{Operator: args[0], Approved: !*revoke}
	if err := client.SignedCall("ledger_setApproval", p, key, &res); err != nil {
		fatal("ledger_setApproval: %v", err)
	}
	fmt.Printf("Owner %s: operator %s approved=%v\n", res.Owner, res.Operator, res.Approved)
}

// ── admin ───────────────────────────────────────────────────────────────

func cmdGate(client *rpcclient.Client, method, keyFile string) {
	key := loadKey(keyFile)
	var res rpc.GateResult
	if err := client.SignedCall(method, &rpc.AdminParam{}, key, &res); err != nil {
		fatal("%s: %v", method, err)
	}
	if res.Paused {
		fmt.Println("Opening is paused.")
	} else {
		fmt.Println("Opening is resumed.")
	}
}

func cmdWithdraw(client *rpcclient.Client, keyFile string) {
	key := loadKey(keyFile)
	var res payment.Withdrawal
	if err := client.SignedCall("admin_withdraw", &rpc.AdminParam{}, key, &res); err != nil {
		fatal("admin_withdraw: %v", err)
	}
	fmt.Printf("Withdrew %d to %s\n", res.Amount, res.To)
	for id, amt := range res.ByOption {
		fmt.Printf("  option %d: %d\n", id, amt)
	}
}

// ── key ─────────────────────────────────────────────────────────────────

func cmdKey(args []string, keyFile string) {
	if len(args) < 1 {
		fatal("Usage: loot-cli key <create|import|show>")
	}
	switch args[0] {
	case "create":
		fs := flag.NewFlagSet("key create", flag.ExitOnError)
		index := fs.Uint("index", 0, "Administrator key index")
		fs.Parse(args[1:])

		mnemonic, err := adminkey.GenerateMnemonic()
		if err != nil {
			fatal("generate mnemonic: %v", err)
		}
		fmt.Println("Mnemonic (write this down!):")
		fmt.Printf("  %s\n\n", mnemonic)
		saveKey(keyFile, mnemonic, uint32(*index))
	case "import":
		fs := flag.NewFlagSet("key import", flag.ExitOnError)
		mnemonic := fs.String("mnemonic", "", "BIP-39 mnemonic")
		index := fs.Uint("index", 0, "Administrator key index")
		fs.Parse(args[1:])
		if *mnemonic == "" {
			fatal("Usage: loot-cli key import --mnemonic \"<words>\" [--index N]")
		}
		if !adminkey.ValidateMnemonic(*mnemonic) {
			fatal("invalid mnemonic")
		}
		saveKey(keyFile, *mnemonic, uint32(*index))
	case "show":
		addr, err := adminkey.Address(keyFile)
		if err != nil {
			fatal("read key: %v", err)
		}
		fmt.Printf("Key file: %s\n", keyFile)
		fmt.Printf("Address:  %s\n", addr)
	default:
		fatal("Unknown key subcommand: %s", args[0])
	}
}

func saveKey(keyFile, mnemonic string, index uint32) {
	password, err := readPassword("Enter password: ")
	if err != nil {
		fatal("read password: %v", err)
	}
	confirm, err := readPassword("Confirm password: ")
	if err != nil {
		fatal("read password: %v", err)
	}
	if string(password) != string(confirm) {
		fatal("passwords do not match")
	}

	seed, err := adminkey.SeedFromMnemonic(mnemonic, "")
	if err != nil {
		fatal("derive seed: %v", err)
	}
	key, err := adminkey.Save(keyFile, seed, index, password, adminkey.DefaultParams())
	for i := range seed {
		seed[i] = 0
	}
	if err != nil {
		fatal("save key: %v", err)
	}
	fmt.Printf("Key saved: %s\n", keyFile)
	fmt.Printf("Address:   %s\n", key.Address)
}

// loadKey unlocks the administrator key file.
func loadKey(keyFile string) *crypto.PrivateKey {
	password, err := readPassword("Key password: ")
	if err != nil {
		fatal("read password: %v", err)
	}
	key, err := adminkey.Load(keyFile, password)
	if err != nil {
		fatal("unlock key %s: %v", keyFile, err)
	}
	return key.Signer
}

// ── simulate ────────────────────────────────────────────────────────────

func cmdSimulate(args []string) {
	fs := flag.NewFlagSet("simulate", flag.ExitOnError)
	granularity := fs.Uint("granularity", 10000, "Probability granularity")
	draws := fs.Int("draws", 100000, "Number of draws")
	seed := fs.Uint64("seed", 0, "Seed for a reproducible run (0 = system randomness)")
	weights := make([]*uint, option.NumClasses)
	for c := option.Uncommon; c < option.NumClasses; c++ {
		weights[c] = fs.Uint("p-"+c.String(), 0, "Weight of "+c.String())
	}
	fs.Parse(args)

	var p option.Probabilities
	for c := option.Uncommon; c < option.NumClasses; c++ {
		p[c] = uint32(*weights[c])
	}
	g := option.Granularity(*granularity)
	if err := option.ValidateProbabilities(p, g); err != nil {
		fatal("%v", err)
	}

	var src selector.Source = selector.CryptoSource{}
	if *seed != 0 {
		src = selector.NewSeededSource(*seed)
	}
	counts, err := selector.Simulate(p, uint32(g), src, *draws)
	if err != nil {
		fatal("simulate: %v", err)
	}

	fmt.Printf("%d draws at granularity %d\n", *draws, g)
	for c := option.NumClasses - 1; c >= 0; c-- {
		want := uint64(p[c])
		if c == int(option.Common) {
			want = option.CommonShare(p, g)
		}
		got := float64(counts[c]) / float64(*draws) * 100
		fmt.Printf("  %-10s %8d  %6.2f%%  (expected %.2f%%)\n",
			option.Class(c).String(), counts[c], got, float64(want)/float64(g)*100)
	}
}

// ── helpers ─────────────────────────────────────────────────────────────

func parseOptionID(s string) option.ID {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		fatal("invalid option id %q", s)
	}
	return option.ID(v)
}

func printJSON(raw json.RawMessage) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		fmt.Println(string(raw))
		return
	}
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
}

func readPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr) // newline after hidden input
	if err != nil {
		return nil, err
	}
	return password, nil
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
