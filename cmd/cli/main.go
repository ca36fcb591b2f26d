// Command mobichat is a CLI client for the mobichat service.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// ---- config/token store ----

type tokenFile struct {
	AccessToken string    `json:"access_token"`
	Mobile      string    `json:"mobile"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "mobichat")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "mobichat")
}

func tokenPath() string { return filepath.Join(cfgDir(), "token.json") }

func saveToken(tf tokenFile) error {
	if err := os.MkdirAll(cfgDir(), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(tokenPath(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(tf)
}

func loadToken() (tokenFile, error) {
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return tokenFile{}, err
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return tokenFile{}, err
	}
	if tf.AccessToken == "" || time.Now().After(tf.ExpiresAt) {
		return tokenFile{}, errors.New("no valid token (verify required)")
	}
	return tf, nil
}

// ---- utils ----

func printJSON(v any) { writeJSON(os.Stdout, v) }

func writeJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func tsString(unix int64) string {
	if unix <= 0 {
		return ""
	}
	return time.Unix(unix, 0).UTC().Format(time.RFC3339)
}

// printChats renders a chat list as a table, most recent first.
func printChats(w io.Writer, self string, chats []chatEntry) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WITH\tONLINE\tUNREAD\tLAST\tAT")
	for _, c := range chats {
		last := ""
		if c.LastMessage != nil {
			last = c.LastMessage.Text
			if len(last) > 40 {
				last = last[:37] + "..."
			}
		}
		online := "no"
		if c.Online {
			online = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", c.partner(self), online, c.UnreadCount, last, tsString(c.LastTimestamp))
	}
	_ = tw.Flush()
}

func printMessages(w io.Writer, msgs []message) {
	for _, m := range msgs {
		fmt.Fprintf(w, "[%s] #%d %s: %s\n", tsString(m.Timestamp), m.ID, m.Sender, m.Text)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `mobichat CLI
Usage:
  mobichat -addr URL [-ops HOST:PORT] <cmd> [args]

Commands:
  version
  login     -m <mobile>                   (requests a one-time code)
  verify    -m <mobile> -c <code>         (saves token)
  me
  chats
  search    -q <query>
  status    -m <mobile>
  history   -with <mobile> [-after <unix>]
  send      -to <mobile> -text <text>
  read      -with <mobile>
  listen    [-join <chat_id>,...]         (prints live events until Ctrl-C)
  health                                  (gRPC health of the ops endpoint)
`)
	os.Exit(2)
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	addr := flag.String("addr", envOr("MOBICHAT_ADDR", "http://localhost:8080"), "server base URL")
	ops := flag.String("ops", envOr("MOBICHAT_OPS_ADDR", "localhost:8081"), "ops gRPC address")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch cmd {
	case "version":
		fmt.Printf("mobichat %s (%s)\n", version, buildDate)

	case "login":
		fs := flag.NewFlagSet("login", flag.ExitOnError)
		m := fs.String("m", "", "mobile number")
		_ = fs.Parse(args)
		if *m == "" {
			fmt.Fprintln(os.Stderr, "need -m")
			os.Exit(1)
		}
		exp, err := newAPIClient(*addr, "").requestCode(ctx, *m)
		if err != nil {
			fail(err)
		}
		fmt.Printf("code sent, valid until %s\n", exp.UTC().Format(time.RFC3339))

	case "verify":
		fs := flag.NewFlagSet("verify", flag.ExitOnError)
		m := fs.String("m", "", "mobile number")
		c := fs.String("c", "", "one-time code")
		_ = fs.Parse(args)
		if *m == "" || *c == "" {
			fmt.Fprintln(os.Stderr, "need -m and -c")
			os.Exit(1)
		}
		tok, err := newAPIClient(*addr, "").verify(ctx, *m, *c)
		if err != nil {
			fail(err)
		}
		if err := saveToken(tokenFile{
			AccessToken: tok.AccessToken,
			Mobile:      tok.Mobile,
			ExpiresAt:   time.Unix(tok.ExpiresAt, 0),
		}); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "me":
		out, err := authed(*addr).me(ctx)
		if err != nil {
			fail(err)
		}
		printJSON(out)

	case "chats":
		tf := mustToken()
		chats, err := newAPIClient(*addr, tf.AccessToken).chats(ctx)
		if err != nil {
			fail(err)
		}
		printChats(os.Stdout, tf.Mobile, chats)

	case "search":
		fs := flag.NewFlagSet("search", flag.ExitOnError)
		q := fs.String("q", "", "mobile prefix")
		_ = fs.Parse(args)
		out, err := authed(*addr).search(ctx, *q)
		if err != nil {
			fail(err)
		}
		printJSON(out)

	case "status":
		fs := flag.NewFlagSet("status", flag.ExitOnError)
		m := fs.String("m", "", "mobile number")
		_ = fs.Parse(args)
		if *m == "" {
			fmt.Fprintln(os.Stderr, "need -m")
			os.Exit(1)
		}
		out, err := authed(*addr).status(ctx, *m)
		if err != nil {
			fail(err)
		}
		printJSON(out)

	case "history":
		fs := flag.NewFlagSet("history", flag.ExitOnError)
		with := fs.String("with", "", "conversation partner")
		after := fs.Int64("after", 0, "only messages after this unix time")
		_ = fs.Parse(args)
		if *with == "" {
			fmt.Fprintln(os.Stderr, "need -with")
			os.Exit(1)
		}
		msgs, err := authed(*addr).history(ctx, *with, *after)
		if err != nil {
			fail(err)
		}
		printMessages(os.Stdout, msgs)

	case "send":
		fs := flag.NewFlagSet("send", flag.ExitOnError)
		to := fs.String("to", "", "receiver mobile")
		text := fs.String("text", "", "message text")
		_ = fs.Parse(args)
		if *to == "" || strings.TrimSpace(*text) == "" {
			fmt.Fprintln(os.Stderr, "need -to and -text")
			os.Exit(1)
		}
		m, err := authed(*addr).send(ctx, *to, *text)
		if err != nil {
			fail(err)
		}
		printJSON(m)

	case "read":
		fs := flag.NewFlagSet("read", flag.ExitOnError)
		with := fs.String("with", "", "conversation partner")
		_ = fs.Parse(args)
		if *with == "" {
			fmt.Fprintln(os.Stderr, "need -with")
			os.Exit(1)
		}
		out, err := authed(*addr).markRead(ctx, *with)
		if err != nil {
			fail(err)
		}
		printJSON(out)

	case "listen":
		fs := flag.NewFlagSet("listen", flag.ExitOnError)
		join := fs.String("join", "", "comma separated chat ids to join")
		_ = fs.Parse(args)
		tf := mustToken()

		sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		err := listen(sigCtx, *addr, tf.AccessToken, splitList(*join), func(f frame) {
			fmt.Printf("%s %s\n", f.Event, compact(f.Data))
		})
		if err != nil {
			fail(err)
		}

	case "health":
		if err := health(ctx, *ops); err != nil {
			fail(err)
		}

	default:
		usage()
	}
}

// ---- helpers ----

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func compact(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var v any
	if json.Unmarshal(raw, &v) != nil {
		return string(raw)
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func mustToken() tokenFile {
	tf, err := loadToken()
	if err != nil {
		fail(err)
	}
	return tf
}

func authed(addr string) *apiClient {
	return newAPIClient(addr, mustToken().AccessToken)
}

func health(ctx context.Context, addr string) error {
	cc, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	defer cc.Close()
	resp, err := healthpb.NewHealthClient(cc).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return err
	}
	fmt.Println(resp.GetStatus().String())
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		os.Exit(1)
	}
	return nil
}

func fail(err error) {
	var ae *apiError
	if errors.As(err, &ae) {
		fmt.Fprintf(os.Stderr, "api error: %v\n", ae)
		os.Exit(1)
	}
	if s, ok := status.FromError(err); ok && s.Code() != codes.OK {
		fmt.Fprintf(os.Stderr, "rpc error: code=%s msg=%s\n", s.Code(), s.Message())
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
