package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/lotas/readeasy/internal/account"
	"github.com/lotas/readeasy/internal/agent"
	"github.com/lotas/readeasy/internal/aitext"
	"github.com/lotas/readeasy/internal/applog"
	"github.com/lotas/readeasy/internal/backup"
	"github.com/lotas/readeasy/internal/broadcast"
	"github.com/lotas/readeasy/internal/config"
	"github.com/lotas/readeasy/internal/controller"
	"github.com/lotas/readeasy/internal/history"
	"github.com/lotas/readeasy/internal/localauth"
	"github.com/lotas/readeasy/internal/mongostore"
	"github.com/lotas/readeasy/internal/popup"
	"github.com/lotas/readeasy/internal/remote"
	"github.com/lotas/readeasy/internal/server"
	"github.com/lotas/readeasy/internal/storage"
	"github.com/lotas/readeasy/internal/subscriber"
	"github.com/lotas/readeasy/internal/syncserver"
)

func main() {
	cfg := config.Load()

	if len(os.Args) < 2 {
		runPopup(cfg, nil)
		return
	}

	args := os.Args[2:]
	switch os.Args[1] {
	case "agent":
		runAgent(cfg, args)
	case "serve":
		runServe(cfg, args)
	case "popup":
		runPopup(cfg, args)
	case "watch":
		runWatch(cfg, args)
	case "status":
		runStatus(cfg, args)
	case "set":
		runSet(cfg, args)
	case "toggle":
		runToggle(cfg, args)
	case "login":
		runLogin(cfg, args)
	case "register":
		runRegister(cfg, args)
	case "logout":
		runSimpleCall(cfg, args, "logout")
	case "whoami":
		runSimpleCall(cfg, args, "checkLoginStatus")
	case "keys":
		runKeys(cfg, args)
	case "simplify", "rewrite", "phonetic":
		runText(cfg, os.Args[1], args)
	case "history":
		runHistory(cfg, args)
	case "backup":
		runBackup(cfg, args)
	case "help", "--help", "-h":
		printHelp()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n", os.Args[1])
		printHelp()
		os.Exit(2)
	}
}

func printHelp() {
	fmt.Print(`readeasy: dyslexia-friendly reading settings, synced across devices

Usage:
  readeasy                                   Start the settings popup (default)

  readeasy agent                             Run the local agent
    --addr <host:port>     WebSocket address (env: READEASY_AGENT_ADDR, default: 127.0.0.1:19292)
    --db <path>            Local database (env: READEASY_DB)
    --server <url>         Sync server URL (env: READEASY_SERVER_URL)
    --offline              Do not use a sync server

  readeasy serve                             Run the sync server
    --addr <host:port>     Listen address (env: READEASY_SERVER_ADDR, default: :3000)
    --store <backend>      sqlite or mongo (env: READEASY_STORE, default: sqlite)

  readeasy popup [--addr A]                  Settings popup connected to the agent
  readeasy watch --out <file> [--tab N]      Follow settings and write the page stylesheet
  readeasy status                            Print enabled state and settings
  readeasy set key=value [key=value...]      Update settings
  readeasy toggle [on|off]                   Enable or disable the extension
  readeasy login <username> [--password P]   Sign in (falls back to the local account)
  readeasy register <username> <email>       Create an account
  readeasy logout                            Sign out
  readeasy whoami                            Show the signed-in user
  readeasy keys provider=key [...]           Store AI provider API keys (empty value removes)
  readeasy simplify|rewrite [--level L] [--model M] [--url U] [text]
  readeasy phonetic <text>                   Phonetic spelling of long words

  readeasy history [list] [--limit N]          List recorded settings revisions
  readeasy history diff <rev> [rev2]          Compare a revision with another or the current settings
  readeasy history restore <rev>              Restore a revision through the agent

  readeasy backup export [--out <file>]      Write the local state to a backup file
  readeasy backup import <file>              Restore a backup (stop the agent first)

Environment:
  READEASY_ENABLED_DEFAULT   Enabled state on first start (default: false)
  READEASY_JWT_SECRET        Sync server token secret
  READEASY_CORS_ORIGINS      Comma separated allowed origins (default: *)
  READEASY_MONGO_URI         MongoDB URI for --store mongo
  OLLAMA_HOST                Ollama server URL (default: http://localhost:11434)
`)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func agentURL(addr string) string {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return addr
	}
	return "ws://" + addr + "/"
}

func runAgent(cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("agent", flag.ExitOnError)
	addr := fs.String("addr", cfg.AgentAddr, "WebSocket listen address")
	dbPath := fs.String("db", cfg.DBPath, "Local database path")
	serverURL := fs.String("server", cfg.ServerURL, "Sync server URL")
	offline := fs.Bool("offline", false, "Do not use a sync server")
	fs.Parse(args)

	if err := applog.Init(cfg.LogDir); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not open log: %v\n", err)
	}
	defer applog.Close()

	db, err := storage.OpenDB(*dbPath)
	if err != nil {
		fatalf("open database: %v", err)
	}
	defer db.Close()

	opts := controller.Options{
		Store:          storage.NewSettingsStore(db),
		Users:          localauth.New(db),
		History:        history.NewRecorder(db),
		EnabledDefault: cfg.EnabledDefault,
		PushTimeout:    cfg.PushTimeout,
	}
	if !*offline && *serverURL != "" {
		opts.Remote = remote.New(*serverURL)
	}

	var router *agent.Agent
	hub := server.New(*addr, server.HandlerFunc(func(ctx context.Context, req server.Request) any {
		return router.Handle(ctx, req)
	}))
	opts.Broadcaster = broadcast.New(hub)

	ctl := controller.New(opts)
	defer ctl.Close()

	ctx, cancel := signalContext()
	defer cancel()

	if err := ctl.Initialize(ctx); err != nil {
		fatalf("initialize: %v", err)
	}
	text := &aitext.Client{
		Keys:       ctl.APIKeys,
		OpenAIBase: cfg.OpenAIBase,
		OllamaHost: cfg.OllamaHost,
	}
	router = agent.New(ctl, text)

	if opts.Remote != nil {
		go func() {
			st := ctl.CheckLoginStatus(ctx)
			applog.Info("agent.session", "logged_in", st.IsLoggedIn, "user", st.UserID, "offline", st.Offline)
		}()
	}

	s, enabled := ctl.State()
	applog.Info("agent.start", "addr", *addr, "enabled", enabled, "user", s.User(), "server", *serverURL)
	fmt.Fprintf(os.Stderr, "Agent listening on %s\n", agentURL(*addr))

	if err := hub.ListenAndServe(ctx); err != nil {
		fatalf("agent: %v", err)
	}
}

func runServe(cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", cfg.Server.Addr, "Listen address")
	backend := fs.String("store", cfg.Server.Backend, "Storage backend: sqlite or mongo")
	fs.Parse(args)

	ctx, cancel := signalContext()
	defer cancel()

	var store account.Store
	switch *backend {
	case config.BackendSQLite:
		db, err := storage.OpenDB(cfg.Server.DBPath)
		if err != nil {
			fatalf("open database: %v", err)
		}
		defer db.Close()
		store = storage.NewAccountStore(db)
	case config.BackendMongo:
		ms, err := mongostore.Connect(ctx, cfg.Server.MongoURI, cfg.Server.MongoDatabase)
		if err != nil {
			fatalf("%v", err)
		}
		defer ms.Close(context.Background())
		store = ms
	default:
		fatalf("unknown store %q (want sqlite or mongo)", *backend)
	}

	srv := syncserver.New(store, syncserver.Config{
		JWTSecret:    cfg.Server.JWTSecret,
		AllowOrigins: cfg.Server.AllowOrigins,
		SecureCookie: cfg.Server.SecureCookie,
		TokenTTL:     cfg.Server.TokenTTL,
	})
	fmt.Fprintf(os.Stderr, "Sync server listening on %s (%s store)\n", *addr, *backend)
	if err := srv.Run(ctx, *addr); err != nil {
		fatalf("serve: %v", err)
	}
}

func dialAgent(ctx context.Context, addr, role string) *server.Client {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	c, err := server.Dial(dialCtx, agentURL(addr), role)
	if err != nil {
		fatalf("%v (is `readeasy agent` running?)", err)
	}
	return c
}

func runPopup(cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("popup", flag.ExitOnError)
	addr := fs.String("addr", cfg.AgentAddr, "Agent address")
	fs.Parse(args)

	c := dialAgent(context.Background(), *addr, server.RolePopup)
	defer c.Close()

	p := tea.NewProgram(popup.NewModel(c))
	if _, err := p.Run(); err != nil {
		fatalf("%v", err)
	}
}

func runWatch(cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	addr := fs.String("addr", cfg.AgentAddr, "Agent address")
	tabID := fs.Int("tab", os.Getpid(), "Tab id to register as")
	out := fs.String("out", "", "Stylesheet file to keep up to date")
	fs.Parse(args)

	if *out == "" {
		fatalf("--out is required")
	}
	if err := applog.Init(cfg.LogDir); err == nil {
		defer applog.Close()
	}

	ctx, cancel := signalContext()
	defer cancel()

	sub := subscriber.New(subscriber.FileRenderer{Path: *out})
	fmt.Fprintf(os.Stderr, "Watching settings as tab %d, writing %s\n", *tabID, *out)
	if err := sub.Run(ctx, agentURL(*addr), *tabID); err != nil {
		fatalf("%v", err)
	}
}

// callAgent runs one request against the agent and prints the reply.
func callAgent(addr, action string, payload any) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	c := dialAgent(ctx, addr, server.RolePopup)
	defer c.Close()

	var reply json.RawMessage
	if err := c.Call(ctx, action, payload, &reply); err != nil {
		var replyErr *server.ReplyError
		if errors.As(err, &replyErr) {
			fatalf("%s", replyErr.Message)
		}
		fatalf("%v", err)
	}
	printJSON(reply)
}

func printJSON(raw json.RawMessage) {
	var v map[string]any
	if err := json.Unmarshal(raw, &v); err != nil {
		fmt.Println(string(raw))
		return
	}
	delete(v, "id")
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
}

func agentFlags(name string, cfg *config.Config) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	return fs, fs.String("addr", cfg.AgentAddr, "Agent address")
}

func runStatus(cfg *config.Config, args []string) {
	fs, addr := agentFlags("status", cfg)
	fs.Parse(args)
	callAgent(*addr, "getStatus", nil)
}

func runSimpleCall(cfg *config.Config, args []string, action string) {
	fs, addr := agentFlags(action, cfg)
	fs.Parse(args)
	callAgent(*addr, action, nil)
}

// parseAssignments turns key=value arguments into a map. Values that parse
// as JSON keep their type, anything else is a string.
func parseAssignments(args []string) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		var v any
		if err := json.Unmarshal([]byte(value), &v); err != nil {
			v = value
		}
		out[key] = v
	}
	return out, nil
}

func runSet(cfg *config.Config, args []string) {
	fs, addr := agentFlags("set", cfg)
	fs.Parse(reorderArgs(args))
	values, err := parseAssignments(fs.Args())
	if err != nil || len(values) == 0 {
		fatalf("usage: readeasy set key=value [key=value...]")
	}
	callAgent(*addr, "updateSettings", map[string]any{"settings": values})
}

func runToggle(cfg *config.Config, args []string) {
	fs, addr := agentFlags("toggle", cfg)
	fs.Parse(reorderArgs(args))
	payload := map[string]any{}
	switch fs.Arg(0) {
	case "":
	case "on":
		payload["enabled"] = true
	case "off":
		payload["enabled"] = false
	default:
		fatalf("usage: readeasy toggle [on|off]")
	}
	callAgent(*addr, "toggleExtension", payload)
}

func readPassword(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	fmt.Fprint(os.Stderr, "Password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		fatalf("read password: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

func runLogin(cfg *config.Config, args []string) {
	fs, addr := agentFlags("login", cfg)
	password := fs.String("password", "", "Password (prompted when empty)")
	fs.Parse(reorderArgs(args))
	if fs.NArg() != 1 {
		fatalf("usage: readeasy login <username>")
	}
	callAgent(*addr, "login", map[string]string{
		"username": fs.Arg(0),
		"password": readPassword(*password),
	})
}

func runRegister(cfg *config.Config, args []string) {
	fs, addr := agentFlags("register", cfg)
	password := fs.String("password", "", "Password (prompted when empty)")
	fs.Parse(reorderArgs(args))
	if fs.NArg() != 2 {
		fatalf("usage: readeasy register <username> <email>")
	}
	callAgent(*addr, "register", map[string]string{
		"username": fs.Arg(0),
		"email":    fs.Arg(1),
		"password": readPassword(*password),
	})
}

func runKeys(cfg *config.Config, args []string) {
	fs, addr := agentFlags("keys", cfg)
	fs.Parse(reorderArgs(args))
	keys := map[string]string{}
	for _, arg := range fs.Args() {
		provider, key, ok := strings.Cut(arg, "=")
		if !ok || provider == "" {
			fatalf("expected provider=key, got %q", arg)
		}
		keys[provider] = key
	}
	if len(keys) == 0 {
		fatalf("usage: readeasy keys provider=key [...]")
	}
	callAgent(*addr, "setApiKeys", map[string]any{"apiKeys": keys})
}

func runText(cfg *config.Config, command string, args []string) {
	fs, addr := agentFlags(command, cfg)
	level := fs.String("level", "", "Simplification level: low, medium or high")
	model := fs.String("model", "", "AI model (default: from settings)")
	url := fs.String("url", "", "Fetch and simplify a web page")
	fs.Parse(reorderArgs(args))

	text := strings.Join(fs.Args(), " ")
	if text == "" && *url == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			fatalf("read stdin: %v", err)
		}
		text = string(data)
	}

	payload := map[string]string{"text": text, "model": *model, "level": *level}
	action := map[string]string{
		"simplify": "simplifyText",
		"rewrite":  "rewriteText",
		"phonetic": "getPhoneticTranscription",
	}[command]
	if *url != "" {
		action = "simplifyUrl"
		payload["url"] = *url
	}
	callAgent(*addr, action, payload)
}

func runBackup(cfg *config.Config, args []string) {
	if len(args) == 0 {
		fatalf("usage: readeasy backup export|import")
	}
	fs := flag.NewFlagSet("backup "+args[0], flag.ExitOnError)
	dbPath := fs.String("db", cfg.DBPath, "Local database path")
	out := fs.String("out", "", "Output file (default: stdout)")
	fs.Parse(reorderArgs(args[1:]))

	db, err := storage.OpenDB(*dbPath)
	if err != nil {
		fatalf("open database: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	switch args[0] {
	case "export":
		w := io.Writer(os.Stdout)
		if *out != "" {
			if err := os.MkdirAll(filepath.Dir(*out), 0o755); err != nil {
				fatalf("%v", err)
			}
			f, err := os.Create(*out)
			if err != nil {
				fatalf("%v", err)
			}
			defer f.Close()
			w = f
		}
		if err := backup.Export(ctx, db, w); err != nil {
			fatalf("export: %v", err)
		}
		if *out != "" {
			fmt.Fprintf(os.Stderr, "Backup written to %s\n", *out)
		}
	case "import":
		if fs.NArg() != 1 {
			fatalf("usage: readeasy backup import <file>")
		}
		f, err := os.Open(fs.Arg(0))
		if err != nil {
			fatalf("%v", err)
		}
		defer f.Close()
		snap, err := backup.Import(ctx, db, f)
		if err != nil {
			fatalf("import: %v", err)
		}
		fmt.Fprintf(os.Stderr, "Restored backup from %s (%d local users)\n",
			snap.CreatedAt.Local().Format(time.DateTime), len(snap.LocalUsers))
	default:
		fatalf("unknown backup command %q", args[0])
	}
}

func runHistory(cfg *config.Config, args []string) {
	sub := "list"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		sub, args = args[0], args[1:]
	}
	fs := flag.NewFlagSet("history "+sub, flag.ExitOnError)
	dbPath := fs.String("db", cfg.DBPath, "Local database path")
	addr := fs.String("addr", cfg.AgentAddr, "Agent address")
	limit := fs.Int("limit", 20, "Number of revisions to list")
	fs.Parse(reorderArgs(args))

	db, err := storage.OpenDB(*dbPath)
	if err != nil {
		fatalf("open database: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	revArg := func(i int) int {
		n, err := strconv.Atoi(fs.Arg(i))
		if err != nil {
			fatalf("invalid revision %q", fs.Arg(i))
		}
		return n
	}

	switch sub {
	case "list":
		revs, err := storage.ListRevisions(ctx, db, *limit)
		if err != nil {
			fatalf("%v", err)
		}
		if len(revs) == 0 {
			fmt.Println("No revisions recorded.")
			return
		}
		fmt.Printf("%-6s %-20s %-7s %s\n", "REV", "CREATED", "SOURCE", "SUMMARY")
		for _, r := range revs {
			s := r.Settings
			fmt.Printf("%-6d %-20s %-7s %s %gpx, %s\n", r.Rev, r.CreatedAt.Format(time.DateTime), r.Source,
				s.Font, s.FontSize, s.SimplificationLevel)
		}
	case "diff":
		if fs.NArg() < 1 || fs.NArg() > 2 {
			fatalf("usage: readeasy history diff <rev> [rev2]")
		}
		to := 0
		if fs.NArg() == 2 {
			to = revArg(1)
		}
		current, _, err := storage.NewSettingsStore(db).LoadSettings(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		d, err := history.DiffRevisions(ctx, db, revArg(0), to, current)
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Print(history.FormatDiff(d))
	case "restore":
		if fs.NArg() != 1 {
			fatalf("usage: readeasy history restore <rev>")
		}
		r, err := storage.GetRevision(ctx, db, revArg(0))
		if err != nil {
			fatalf("%v", err)
		}
		callAgent(*addr, "updateSettings", map[string]any{"settings": history.RestorePatch(r)})
	default:
		fatalf("unknown history command %q", sub)
	}
}

// reorderArgs moves flag arguments before positional arguments so that
// flag.Parse handles them correctly (it stops at the first non-flag arg).
// Boolean flags must be written as --flag=value when followed by a
// positional argument.
func reorderArgs(args []string) []string {
	var flags, positional []string
	for i := 0; i < len(args); i++ {
		if strings.HasPrefix(args[i], "-") && len(args[i]) > 1 {
			flags = append(flags, args[i])
			if !strings.Contains(args[i], "=") && i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
				flags = append(flags, args[i+1])
				i++
			}
		} else {
			positional = append(positional, args[i])
		}
	}
	return append(flags, positional...)
}
