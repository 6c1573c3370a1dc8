// ABOUTME: Agent and operator CLI for coven-witness over gRPC
// ABOUTME: Registers SSH keys, logs in, submits content and inspects the audit chain

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"golang.org/x/crypto/ssh"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/2389/coven-witness/internal/client"
)

const banner = `
          _ _                                  _           _
__      _(_) |_ _ __   ___  ___ ___   __ _  __| |_ __ ___ (_)_ __
\ \ /\ / / | __| '_ \ / _ \/ __/ __| / _' |/ _' | '_ ' _ \| | '_ \
 \ V  V /| | |_| | | |  __/\__ \__ \| (_| | (_| | | | | | | | | | |
  \_/\_/ |_|\__|_| |_|\___||___/___/ \__,_|\__,_|_| |_| |_|_|_| |_|
`

// callTimeout bounds every RPC.
const callTimeout = 10 * time.Second

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	addr := getEnv("COVEN_WITNESS_GRPC", "localhost:50051")
	token := getToken()

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "status":
		err = cmdStatus(addr, token)
	case "register":
		err = cmdRegister(addr, args)
	case "login":
		err = cmdLogin(addr, args)
	case "me":
		err = cmdMe(addr, token)
	case "submit":
		err = cmdSubmit(addr, token, args)
	case "audit":
		err = cmdAudit(addr, args)
	case "keys":
		err = cmdKeys(addr)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: coven-witness-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  status                              Show server readiness and your identity")
	fmt.Println("  register --key K --name N [--purpose P]")
	fmt.Println("                                      Register the SSH public key K")
	fmt.Println("  login --key K                       Sign a challenge with private key K and save the token")
	fmt.Println("  me                                  Show your identity")
	fmt.Println("  submit [--context k=v ...] <body|->  Submit content (- reads stdin)")
	fmt.Println("  audit verify                        Verify the witness chain")
	fmt.Println("  audit events [--actor A] [--after N] [--limit N]")
	fmt.Println("                                      List witness events")
	fmt.Println("  keys                                List signing key versions")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  COVEN_WITNESS_GRPC    Server gRPC address (default: localhost:50051)")
	fmt.Println("  COVEN_WITNESS_TOKEN   Session token (default: read from the token file)")
	fmt.Println()
	yellow.Println("Examples:")
	fmt.Println("  coven-witness-admin register --key ~/.ssh/id_ed25519.pub --name scout --purpose 'Reviewing consensus protocols'")
	fmt.Println("  coven-witness-admin login --key ~/.ssh/id_ed25519")
	fmt.Println("  echo '# Notes' | coven-witness-admin submit --context parent_id=c1 --context tags=raft,notes -")
	fmt.Println()
}

func connect(addr, token string) (*client.Client, func(), error) {
	conn, err := client.Dial(addr)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	c := client.New(conn)
	if token != "" {
		c = c.WithToken(token)
	}
	return c, func() { _ = conn.Close() }, nil
}

func callContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), callTimeout)
}

// parseFlags splits "--name value" and "--name=value" pairs from positional
// arguments. Repeated flags accumulate.
func parseFlags(args []string, known ...string) (map[string][]string, []string, error) {
	isKnown := make(map[string]bool, len(known))
	for _, k := range known {
		isKnown[k] = true
	}

	flags := map[string][]string{}
	var rest []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "-" || !strings.HasPrefix(arg, "--") {
			rest = append(rest, arg)
			continue
		}
		name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if !isKnown[name] {
			return nil, nil, fmt.Errorf("unknown flag: --%s", name)
		}
		if !hasValue {
			if i+1 >= len(args) {
				return nil, nil, fmt.Errorf("--%s requires a value", name)
			}
			value = args[i+1]
			i++
		}
		flags[name] = append(flags[name], value)
	}
	return flags, rest, nil
}

func last(flags map[string][]string, name string) string {
	v := flags[name]
	if len(v) == 0 {
		return ""
	}
	return v[len(v)-1]
}

func expandHome(path string) string {
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, rest)
		}
	}
	return path
}

func cmdStatus(addr, token string) error {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()

	c, closeConn, err := connect(addr, token)
	if err != nil {
		yellow.Printf("  Server:   ")
		color.Red("UNREACHABLE (%v)\n", err)
		return nil
	}
	defer closeConn()

	ctx, cancel := callContext()
	defer cancel()

	var health healthpb.HealthCheckResponse
	err = c.Conn().Invoke(ctx, "/grpc.health.v1.Health/Check", &healthpb.HealthCheckRequest{}, &health)
	switch {
	case err != nil:
		yellow.Printf("  Server:   ")
		color.Red("UNREACHABLE (%v)\n", err)
		return nil
	case health.Status == healthpb.HealthCheckResponse_SERVING:
		green.Printf("  Server:   ")
		fmt.Printf("ready at %s\n", addr)
	default:
		yellow.Printf("  Server:   ")
		color.Red("%s\n", health.Status)
	}

	if token == "" {
		yellow.Printf("  Identity: ")
		fmt.Println("(no token - run login)")
		fmt.Println()
		return nil
	}

	var id map[string]any
	if err := c.Call(ctx, client.MethodGetIdentity, nil, &id); err != nil {
		yellow.Printf("  Identity: ")
		color.Red("auth failed (%v)\n", err)
	} else {
		green.Printf("  Identity: ")
		fmt.Printf("%v (%v)\n", id["name"], id["address"])
	}
	fmt.Println()
	return nil
}

func cmdRegister(addr string, args []string) error {
	flags, _, err := parseFlags(args, "key", "name", "purpose")
	if err != nil {
		return err
	}
	keyPath, name := last(flags, "key"), last(flags, "name")
	if keyPath == "" || name == "" {
		return errors.New("--key and --name are required")
	}

	data, err := os.ReadFile(expandHome(keyPath))
	if err != nil {
		return fmt.Errorf("reading public key: %w", err)
	}
	pub, _, _, _, err := ssh.ParseAuthorizedKey(data)
	if err != nil {
		return fmt.Errorf("parsing public key: %w", err)
	}

	c, closeConn, err := connect(addr, "")
	if err != nil {
		return err
	}
	defer closeConn()

	ctx, cancel := callContext()
	defer cancel()

	id, err := c.Register(ctx, pub, name, last(flags, "purpose"))
	if err != nil {
		return fmt.Errorf("Register: %w", err)
	}

	color.New(color.FgGreen).Println("  ✓ Registered")
	fmt.Printf("  Address:    %v\n", id["address"])
	fmt.Printf("  Name:       %v\n", id["name"])
	fmt.Printf("  Purpose:    %v\n", id["purpose"])
	fmt.Printf("  Reputation: %v\n", id["reputation"])
	return nil
}

func cmdLogin(addr string, args []string) error {
	flags, _, err := parseFlags(args, "key")
	if err != nil {
		return err
	}
	keyPath := last(flags, "key")
	if keyPath == "" {
		return errors.New("--key is required")
	}

	data, err := os.ReadFile(expandHome(keyPath))
	if err != nil {
		return fmt.Errorf("reading private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return fmt.Errorf("parsing private key (passphrase protected keys are not supported): %w", err)
	}

	c, closeConn, err := connect(addr, "")
	if err != nil {
		return err
	}
	defer closeConn()

	ctx, cancel := callContext()
	defer cancel()

	session, err := c.Login(ctx, signer)
	if err != nil {
		return err
	}

	tokenPath := getTokenPath()
	if err := os.MkdirAll(filepath.Dir(tokenPath), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(tokenPath, []byte(session.Token), 0600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}

	color.New(color.FgGreen).Println("  ✓ Logged in")
	fmt.Printf("  Address:     %s\n", session.Address)
	fmt.Printf("  Key version: %s\n", session.KeyVersion)
	fmt.Printf("  Token:       %s (expires %s)\n", tokenPath, session.ExpiresAt.Local().Format("Jan 02 15:04"))
	return nil
}

func cmdMe(addr, token string) error {
	if token == "" {
		return errors.New("no session token: run login or set COVEN_WITNESS_TOKEN")
	}
	c, closeConn, err := connect(addr, token)
	if err != nil {
		return err
	}
	defer closeConn()

	ctx, cancel := callContext()
	defer cancel()

	var id map[string]any
	if err := c.Call(ctx, client.MethodGetIdentity, nil, &id); err != nil {
		return fmt.Errorf("GetIdentity: %w", err)
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Identity")
	cyan.Println("  --------")
	fmt.Printf("  Address:    %v\n", id["address"])
	fmt.Printf("  Name:       %v\n", id["name"])
	fmt.Printf("  Purpose:    %v\n", id["purpose"])
	fmt.Printf("  Reputation: %v\n", id["reputation"])
	fmt.Println()
	return nil
}

// parseContext turns k=v pairs into submission context. Integers keep their
// type and tags is a comma separated list.
func parseContext(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("context must be key=value, got %q", p)
		}
		switch n, err := strconv.ParseInt(v, 10, 64); {
		case k == "tags":
			var tags []any
			for _, tag := range strings.Split(v, ",") {
				if tag = strings.TrimSpace(tag); tag != "" {
					tags = append(tags, tag)
				}
			}
			out[k] = tags
		case err == nil:
			out[k] = n
		default:
			out[k] = v
		}
	}
	return out, nil
}

func cmdSubmit(addr, token string, args []string) error {
	if token == "" {
		return errors.New("no session token: run login or set COVEN_WITNESS_TOKEN")
	}
	flags, rest, err := parseFlags(args, "context")
	if err != nil {
		return err
	}
	if len(rest) != 1 {
		return errors.New("usage: submit [--context k=v ...] <body|->")
	}
	body := rest[0]
	if body == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		body = string(data)
	}
	fields, err := parseContext(flags["context"])
	if err != nil {
		return err
	}

	c, closeConn, err := connect(addr, token)
	if err != nil {
		return err
	}
	defer closeConn()

	ctx, cancel := callContext()
	defer cancel()

	res, err := c.Submit(ctx, body, fields)
	if err != nil {
		if details := client.RejectionDetails(err); details != nil {
			color.New(color.FgRed, color.Bold).Printf("  ✗ Rejected by %v: %v\n", details["failed_gate"], details["reason"])
			printGateResults(details["gate_results"])
			return errors.New("submission rejected")
		}
		return fmt.Errorf("SubmitContent: %s", status.Convert(err).Message())
	}

	color.New(color.FgGreen).Printf("  ✓ Accepted %v\n", res["content_id"])
	fmt.Printf("  Quality:    %v\n", res["quality_score"])
	fmt.Printf("  Reputation: %v\n", res["reputation"])
	fmt.Printf("  Evidence:   %v\n", res["evidence_hash"])
	printGateResults(res["gate_results"])
	return nil
}

func printGateResults(v any) {
	results, ok := v.([]any)
	if !ok || len(results) == 0 {
		return
	}
	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  GATE\tRESULT\tCONFIDENCE\tREASON")
	fmt.Fprintln(w, "  ----\t------\t----------\t------")
	for _, r := range results {
		ev, ok := r.(map[string]any)
		if !ok {
			continue
		}
		fmt.Fprintf(w, "  %v\t%v\t%v\t%s\n", ev["gate_name"], ev["result"], ev["confidence"], truncate(fmt.Sprint(ev["reason"]), 60))
	}
	w.Flush()
	fmt.Println()
}

func cmdAudit(addr string, args []string) error {
	subcmd := "verify"
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}

	switch subcmd {
	case "verify":
		return cmdAuditVerify(addr)
	case "events", "ls":
		return cmdAuditEvents(addr, args)
	default:
		return fmt.Errorf("unknown audit subcommand: %s (use verify, events)", subcmd)
	}
}

func cmdAuditVerify(addr string) error {
	c, closeConn, err := connect(addr, "")
	if err != nil {
		return err
	}
	defer closeConn()

	ctx, cancel := callContext()
	defer cancel()

	report, err := c.VerifyChain(ctx)
	if err != nil {
		return fmt.Errorf("VerifyChain: %w", err)
	}
	if report.Valid {
		color.New(color.FgGreen).Printf("  ✓ Witness chain intact: %d events\n", report.TotalEvents)
		return nil
	}
	index := int64(-1)
	if report.FirstInvalidIndex != nil {
		index = *report.FirstInvalidIndex
	}
	color.New(color.FgRed, color.Bold).Printf("  ✗ Witness chain broken at event %d of %d\n", index, report.TotalEvents)
	return errors.New("witness chain verification failed")
}

func cmdAuditEvents(addr string, args []string) error {
	flags, _, err := parseFlags(args, "actor", "after", "limit")
	if err != nil {
		return err
	}
	var after int64
	limit := 50
	if v := last(flags, "after"); v != "" {
		if after, err = strconv.ParseInt(v, 10, 64); err != nil {
			return fmt.Errorf("--after must be an integer: %w", err)
		}
	}
	if v := last(flags, "limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("--limit must be an integer: %w", err)
		}
	}

	c, closeConn, err := connect(addr, "")
	if err != nil {
		return err
	}
	defer closeConn()

	ctx, cancel := callContext()
	defer cancel()

	events, err := c.Events(ctx, last(flags, "actor"), after, limit)
	if err != nil {
		return fmt.Errorf("ListEvents: %w", err)
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Witness Events")
	cyan.Println("  --------------")
	if len(events) == 0 {
		fmt.Println("  (no events)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  SEQ\tTYPE\tACTOR\tACTION\tHASH")
	fmt.Fprintln(w, "  ---\t----\t-----\t------\t----")
	for _, ev := range events {
		fmt.Fprintf(w, "  %v\t%v\t%s\t%s\t%s\n",
			ev["seq"], ev["event_type"],
			truncate(fmt.Sprint(ev["actor"]), 20),
			truncate(fmt.Sprint(ev["action"]), 40),
			truncate(fmt.Sprint(ev["event_hash"]), 16),
		)
	}
	w.Flush()
	fmt.Println()
	return nil
}

func cmdKeys(addr string) error {
	c, closeConn, err := connect(addr, "")
	if err != nil {
		return err
	}
	defer closeConn()

	ctx, cancel := callContext()
	defer cancel()

	var resp struct {
		Keys []struct {
			ID        string    `json:"id"`
			Status    string    `json:"status"`
			CreatedAt time.Time `json:"created_at"`
			ExpiresAt time.Time `json:"expires_at"`
			Reason    string    `json:"reason"`
		} `json:"keys"`
		ReceiptKeyID string `json:"receipt_key_id"`
	}
	if err := c.Call(ctx, client.MethodListKeys, nil, &resp); err != nil {
		return fmt.Errorf("ListKeys: %w", err)
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Signing Keys")
	cyan.Println("  ------------")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tSTATUS\tCREATED\tEXPIRES\tREASON")
	fmt.Fprintln(w, "  --\t------\t-------\t-------\t------")
	for _, k := range resp.Keys {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n",
			truncate(k.ID, 12), k.Status,
			k.CreatedAt.Local().Format("Jan 02 15:04"),
			k.ExpiresAt.Local().Format("Jan 02 15:04"),
			k.Reason,
		)
	}
	w.Flush()
	fmt.Printf("\n  Receipt key: %s\n\n", resp.ReceiptKeyID)
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getTokenPath returns XDG_CONFIG_HOME/coven/witness-token or ~/.config/coven/witness-token.
func getTokenPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "witness-token"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "coven", "witness-token")
}

// getToken returns the session token from COVEN_WITNESS_TOKEN or the token file.
func getToken() string {
	if token := os.Getenv("COVEN_WITNESS_TOKEN"); token != "" {
		return token
	}
	data, err := os.ReadFile(getTokenPath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
