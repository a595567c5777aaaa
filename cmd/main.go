package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"phab-go/internal/conduit"
	"phab-go/internal/config"
	"phab-go/internal/metric"
	"phab-go/internal/render"
	"phab-go/internal/repo"
	"phab-go/internal/server"
	"phab-go/internal/store"
	"phab-go/internal/tree"
	"phab-go/pkg/mq"
)

func main() {
	mode := flag.String("mode", "help", "help|tree|watchlist|server")
	taskID := flag.String("task", "", "root task id, e.g. T123 or 123")
	format := flag.String("format", "text", "text|json|csv|pdf")
	printJSON := flag.Bool("print-json", false, "shortcut for --format json")
	out := flag.String("out", "", "write output to file instead of stdout")
	host := flag.String("host", "", "service host, e.g. https://phab.example.com")
	token := flag.String("token", "", "conduit api token")
	pkcs12Path := flag.String("pkcs12", "", "optional pkcs12 client certificate bundle")
	pkcs12Pass := flag.String("pkcs12-password", "", "pkcs12 bundle passphrase")
	cfgPath := flag.String("config", config.DefaultPath(), "config file path")
	concurrency := flag.Int("concurrency", 0, "sibling fetch fan-out, <=1 is sequential")
	strict := flag.Bool("strict", false, "abort the whole build on any fetch failure")
	verbose := flag.Bool("verbose", false, "log fetch progress events")
	httpAddr := flag.String("http-addr", ":8080", "http listen address (server mode)")
	storeDSN := flag.String("store-dsn", "", "mysql dsn for the watchlist store")
	action := flag.String("action", "", "watchlist action: create|add|list|show")
	name := flag.String("name", "", "watchlist name (create)")
	watchlist := flag.String("watchlist", "", "watchlist id (add/show)")
	doneStatuses := flag.String("done-statuses", "resolved,wontfix,invalid,duplicate", "statuses counted as done in watchlist show")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	// flags override file values
	if *host != "" {
		cfg.Host = *host
	}
	if *token != "" {
		cfg.APIToken = *token
	}
	if *pkcs12Path != "" {
		cfg.CertIdentity = &conduit.CertIdentityConfig{
			PKCS12Path:     *pkcs12Path,
			PKCS12Password: *pkcs12Pass,
		}
	}
	if *storeDSN != "" {
		cfg.StoreDSN = *storeDSN
	}
	if *concurrency > 0 {
		cfg.Concurrency = *concurrency
	}
	if *strict {
		cfg.Strict = true
	}
	if *printJSON {
		*format = "json"
	}

	ctx := context.Background()

	switch *mode {
	case "tree":
		runTree(ctx, cfg, *taskID, *format, *out, *verbose)

	case "watchlist":
		runWatchlist(ctx, cfg, *action, *name, *watchlist, *taskID, *doneStatuses)

	case "server":
		ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		runServer(ctx, cfg, *httpAddr, *verbose)

	default:
		fmt.Println("Usage examples:")
		fmt.Println("  phab-go --mode tree --task T123 --format text")
		fmt.Println("  phab-go --mode tree --task 123 --print-json --concurrency 4")
		fmt.Println("  phab-go --mode watchlist --action create --name sprint-42")
		fmt.Println("  phab-go --mode watchlist --action add --watchlist <id> --task T123")
		fmt.Println("  phab-go --mode server --http-addr :8080")
	}
}

func newBuilder(cfg *config.Config, verbose bool) (*tree.Builder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := conduit.NewClient(cfg.ClientConfig())
	if err != nil {
		return nil, err
	}
	opts := []tree.Option{tree.WithConcurrency(cfg.Concurrency)}
	if cfg.Strict {
		opts = append(opts, tree.WithPolicy(tree.Strict))
	}
	if verbose {
		opts = append(opts, tree.WithPublisher(mq.LogPublisher{}))
	}
	return tree.NewBuilder(repo.New(client), opts...), nil
}

// runTree exits non-zero only for root failures; with the default
// best-effort policy a partial tree renders with inline error markers and
// exits zero.
func runTree(ctx context.Context, cfg *config.Config, taskID, format, out string, verbose bool) {
	if taskID == "" {
		log.Fatalf("tree: --task is required")
	}
	builder, err := newBuilder(cfg, verbose)
	if err != nil {
		log.Fatalf("tree: %v", err)
	}
	t, err := builder.Build(ctx, taskID)
	if err != nil {
		log.Fatalf("tree: %v", err)
	}
	body, err := render.Render(t, format)
	if err != nil {
		log.Fatalf("tree: %v", err)
	}
	if out != "" {
		if err := os.WriteFile(out, body, 0644); err != nil {
			log.Fatalf("write: %v", err)
		}
		fmt.Printf("Wrote %s -> %s\n", format, out)
		return
	}
	os.Stdout.Write(body)
}

func runWatchlist(ctx context.Context, cfg *config.Config, action, name, watchlistID, taskID, doneCSV string) {
	st, err := openStore(cfg)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer st.Close()

	switch action {
	case "create":
		if name == "" {
			log.Fatalf("watchlist create: --name is required")
		}
		wl, err := st.CreateWatchlist(ctx, name)
		if err != nil {
			log.Fatalf("watchlist create: %v", err)
		}
		fmt.Printf("Created watchlist %s (%s)\n", wl.Name, wl.ID)

	case "add":
		if watchlistID == "" || taskID == "" {
			log.Fatalf("watchlist add: --watchlist and --task are required")
		}
		if err := cfg.Validate(); err != nil {
			log.Fatalf("watchlist add: %v", err)
		}
		client, err := conduit.NewClient(cfg.ClientConfig())
		if err != nil {
			log.Fatalf("watchlist add: %v", err)
		}
		task, err := client.GetTask(ctx, taskID)
		if err != nil {
			log.Fatalf("watchlist add: %v", err)
		}
		if err := st.AddTask(ctx, watchlistID, task); err != nil {
			log.Fatalf("watchlist add: %v", err)
		}
		fmt.Printf("Added T%s to %s\n", task.ID, watchlistID)

	case "list":
		lists, err := st.Watchlists(ctx)
		if err != nil {
			log.Fatalf("watchlist list: %v", err)
		}
		for _, wl := range lists {
			fmt.Printf("%s  %s\n", wl.ID, wl.Name)
		}

	case "show":
		if watchlistID == "" {
			log.Fatalf("watchlist show: --watchlist is required")
		}
		wl, err := st.WatchlistByID(ctx, watchlistID)
		if err != nil {
			log.Fatalf("watchlist show: %v", err)
		}
		done := metric.CountDone(wl.Tasks, metric.DoneStatusSet(doneCSV))
		fmt.Printf("%s (%d/%d done)\n", wl.Name, done, len(wl.Tasks))
		for _, m := range wl.Tasks {
			fmt.Printf("  [T%s %s - %s] %s\n", m.TaskID, m.Status, m.Priority, m.Title)
		}

	default:
		log.Fatalf("watchlist: unknown action %q (create|add|list|show)", action)
	}
}

func runServer(ctx context.Context, cfg *config.Config, addr string, verbose bool) {
	builder, err := newBuilder(cfg, verbose)
	if err != nil {
		log.Fatalf("server: %v", err)
	}
	var st *store.Store
	if dsn := storeDSNFor(cfg); dsn != "" {
		st, err = store.New(dsn)
		if err != nil {
			log.Fatalf("store: %v", err)
		}
		defer st.Close()
	}
	srv := server.New(builder, st)
	log.Printf("listening on %s", addr)
	if err := srv.ListenAndServe(ctx, addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server: %v", err)
	}
}

func openStore(cfg *config.Config) (*store.Store, error) {
	if dsn := storeDSNFor(cfg); dsn != "" {
		return store.New(dsn)
	}
	return store.NewDefaultStore()
}

func storeDSNFor(cfg *config.Config) string {
	if cfg.StoreDSN != "" {
		return cfg.StoreDSN
	}
	return os.Getenv("PHAB_STORE_DSN")
}
