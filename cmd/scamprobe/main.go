package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"scamprobe/internal/app"
	"scamprobe/internal/config"
	"scamprobe/internal/db"
	"scamprobe/internal/domain"
	"scamprobe/internal/events"
	"scamprobe/internal/extract"
	"scamprobe/internal/logging"
	"scamprobe/internal/migrate"
	"scamprobe/internal/repo"
	"scamprobe/internal/router"
	scamprobesdk "scamprobe/sdk/go"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "scamprobe",
	Short: "Scam message analysis service",
	Long: `scamprobe rates how likely a message is a scam.
- Simple requests (no phone numbers, links, emails or payment details) get a verdict straight away.
- Deep requests are queued: workers check every detail against scam records, domain reputation,
  web search, number formats and the verified business registry, then reason over the evidence.
- Progress streams over server-sent events; a timed-out investigation still returns a partial verdict.
Settings live in scamprobe.yml inside the workspace; SCAMPROBE_* environment variables override them.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SCAMPROBE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default <workspace>/scamprobe.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(analyzeCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(recordsCmd())
	rootCmd.AddCommand(businessCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(purgeCmd())
	rootCmd.AddCommand(versionCmd())
}

// loadConfig reads the config file, applies flag and environment overrides
// and installs the logger.
func loadConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	var (
		cfg *config.Config
		err error
	)
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
		if err == nil && cfg.Storage.Workspace == "" {
			cfg.Storage.Workspace = workspace
		}
	} else {
		cfg, err = config.Load(workspace)
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Overlay(viper.GetViper()); err != nil {
		return nil, err
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Pretty)
	return cfg, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func serveCmd() *cobra.Command {
	var workers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API (and in-process workers)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			a, err := app.New(ctx, cfg, app.Options{Version: version})
			if err != nil {
				return err
			}
			defer a.Close()
			if !workers && cfg.Queue.Backend == "memory" {
				log.Warn().Msg("memory queue without in-process workers; every request takes the fast path")
			}
			if err := a.Start(ctx, app.Roles{Workers: workers, Janitor: true, Webhooks: true}); err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: a.Handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(sctx)
			}()
			log.Info().Str("addr", cfg.Server.Addr).Str("base_path", cfg.Server.BasePath).Str("queue", cfg.Queue.Backend).Msg("serving scamprobe API")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&workers, "workers", true, "run investigation workers in this process")
	_ = viper.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	return cmd
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run investigation workers against the shared redis queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Queue.Backend != "redis" {
				return fmt.Errorf("worker needs queue.backend redis; with the memory queue, serve runs the workers")
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			a, err := app.New(ctx, cfg, app.Options{Version: version})
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Start(ctx, app.Roles{Workers: true}); err != nil {
				return err
			}
			log.Info().Str("pool", a.Pool.ID).Int("workers", cfg.Queue.Workers).Msg("worker running")
			<-ctx.Done()
			return nil
		},
	}
}

func analyzeCmd() *cobra.Command {
	var serverURL, token, session string
	var wait bool
	cmd := &cobra.Command{
		Use:   "analyze <text|->",
		Short: "Analyze a message locally or against a running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := args[0]
			if text == "-" {
				b, err := io.ReadAll(os.Stdin)
				if err != nil {
					return err
				}
				text = string(b)
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			if serverURL != "" {
				return analyzeRemote(ctx, serverURL, token, session, text, wait)
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return analyzeLocal(ctx, cfg, session, text, wait)
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "server base URL; analyzes in-process when empty")
	cmd.Flags().StringVar(&token, "token", os.Getenv("SCAMPROBE_TOKEN"), "bearer token or API key for the server")
	cmd.Flags().StringVar(&session, "session", "", "session id")
	cmd.Flags().BoolVar(&wait, "wait", true, "follow a deep analysis to its verdict")
	return cmd
}

func analyzeLocal(ctx context.Context, cfg *config.Config, session, text string, wait bool) error {
	a, err := app.New(ctx, cfg, app.Options{Version: version})
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.Start(ctx, app.Roles{Workers: true}); err != nil {
		return err
	}
	waitAlive(ctx, a, cfg.Queue.ProbeTimeout*10)
	resp, err := a.Router.Submit(ctx, router.Request{SessionID: session, Text: text})
	if err != nil {
		return err
	}
	if resp.Type == router.TypeSimple || !wait {
		return printAnalysis(resp)
	}
	ch, cancel, err := a.Progress.Subscribe(ctx, resp.TaskID)
	if err != nil {
		return err
	}
	defer cancel()
	for ev := range ch {
		printProgress(ev.Percent, ev.Message, ev.IsError)
		if ev.IsTerminal {
			break
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	t, err := a.Repo.GetTask(context.WithoutCancel(ctx), resp.TaskID)
	if err != nil {
		return err
	}
	return printTask(t)
}

func waitAlive(ctx context.Context, a *app.App, limit time.Duration) {
	deadline := time.Now().Add(limit)
	for time.Now().Before(deadline) && !a.Pool.Alive(ctx) {
		time.Sleep(10 * time.Millisecond)
	}
}

func analyzeRemote(ctx context.Context, serverURL, token, session, text string, wait bool) error {
	c := scamprobesdk.New(serverURL)
	if strings.HasPrefix(token, "sp_") {
		c.APIKey = token
	} else {
		c.BearerToken = token
	}
	res, err := c.Analyze(ctx, session, text)
	if err != nil {
		return err
	}
	if !res.Deep() || !wait {
		if viper.GetBool("json") {
			return printJSON(res)
		}
		if res.Verdict != nil {
			renderVerdictRows(res.Verdict.RiskLevel, res.Verdict.Confidence, res.Verdict.Source, res.Verdict.Explanation)
		} else {
			fmt.Printf("task %s queued; stream at %s\n", res.TaskID, res.StreamURL)
		}
		return nil
	}
	t, err := c.Wait(ctx, res.TaskID, func(ev scamprobesdk.ProgressEvent) {
		if !ev.IsHeartbeat {
			printProgress(ev.Percent, ev.Message, ev.IsError)
		}
	})
	if err != nil {
		return err
	}
	if viper.GetBool("json") {
		return printJSON(t)
	}
	if v := t.Result(); v != nil {
		renderVerdictRows(v.RiskLevel, v.Confidence, v.Source, v.Explanation)
	}
	if t.Error != "" {
		fmt.Println(t.Error)
	}
	return nil
}

func taskCmd() *cobra.Command {
	tc := &cobra.Command{Use: "task", Short: "Inspect investigation tasks"}
	tc.AddCommand(taskShowCmd())
	tc.AddCommand(taskListCmd())
	tc.AddCommand(taskEventsCmd())
	return tc
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task with its evidence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t, err := r.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.State = domain.TaskState(state)
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tasks, err := r.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "State", "Risk", "Entities", "Attempts", "Created"})
				for _, t := range tasks {
					risk := ""
					if v := bestVerdict(t); v != nil {
						risk = string(v.RiskLevel)
					}
					tw.AppendRow(table.Row{t.ID, t.State, risk, len(t.Entities), t.Attempts, t.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "state filter (queued, running, completed, failed, timed_out)")
	cmd.Flags().StringVar(&f.SessionID, "session", "", "session filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "maximum tasks")
	return cmd
}

func taskEventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events <id>",
		Short: "Show a task's lifecycle events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				evts, err := events.List(ctx, r.DB, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Actor"})
				for _, e := range evts {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.Actor})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Count tasks by state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				counts, err := r.CountTasksByState(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"State", "Tasks"})
				for _, s := range []domain.TaskState{domain.TaskQueued, domain.TaskRunning, domain.TaskCompleted, domain.TaskTimedOut, domain.TaskFailed} {
					tw.AppendRow(table.Row{s, counts[s]})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func recordsCmd() *cobra.Command {
	rc := &cobra.Command{Use: "records", Short: "Manage curated scam records"}
	rc.AddCommand(recordsAddCmd())
	rc.AddCommand(recordsListCmd())
	rc.AddCommand(recordsImportCmd())
	return rc
}

func recordsAddCmd() *cobra.Command {
	var rec domain.ScamRecord
	var typ string
	cmd := &cobra.Command{
		Use:   "add <value>",
		Short: "Add a scam record or count another report of it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec.EntityType = domain.EntityType(typ)
			rec.Value = args[0]
			return withRepoConfig(cmd.Context(), func(ctx context.Context, r repo.Repo, cfg *config.Config) error {
				n, err := storeRecords(ctx, r, extract.New(cfg.Extract.DefaultRegion), []domain.ScamRecord{rec})
				if err != nil {
					return err
				}
				fmt.Printf("%d record(s) stored\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "entity type (phone, url, email, payment)")
	cmd.Flags().StringVar(&rec.Category, "category", "", "scam category")
	cmd.Flags().IntVar(&rec.Reports, "reports", 1, "number of reports")
	cmd.Flags().StringVar(&rec.Source, "source", "operator", "where the report came from")
	cmd.Flags().StringVar(&rec.Notes, "notes", "", "free-form notes")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func recordsListCmd() *cobra.Command {
	var typ string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scam records, most reported first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				recs, err := r.ListScamRecords(ctx, domain.EntityType(typ), limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(recs)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Type", "Value", "Category", "Reports", "Source", "Last seen"})
				for _, rec := range recs {
					tw.AppendRow(table.Row{rec.EntityType, rec.Value, rec.Category, rec.Reports, rec.Source, rec.LastSeen.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "entity type filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum records")
	return cmd
}

// seedFile is the YAML layout accepted by records import.
type seedFile struct {
	Records    []domain.ScamRecord `yaml:"records"`
	Businesses []domain.Business   `yaml:"businesses"`
}

func recordsImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.yml>",
		Short: "Import scam records and verified businesses from YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var seed seedFile
			if err := yaml.Unmarshal(data, &seed); err != nil {
				return fmt.Errorf("invalid seed yaml: %w", err)
			}
			return withRepoConfig(cmd.Context(), func(ctx context.Context, r repo.Repo, cfg *config.Config) error {
				x := extract.New(cfg.Extract.DefaultRegion)
				n, err := storeRecords(ctx, r, x, seed.Records)
				if err != nil {
					return err
				}
				b, err := storeBusinesses(ctx, r, x, seed.Businesses)
				if err != nil {
					return err
				}
				fmt.Printf("imported %d record(s) and %d business(es)\n", n, b)
				return nil
			})
		},
	}
}

func storeRecords(ctx context.Context, r repo.Repo, x extract.Extractor, recs []domain.ScamRecord) (int, error) {
	now := time.Now().UTC()
	for i, rec := range recs {
		value, ok := x.Normalize(rec.EntityType, rec.Value)
		if !ok {
			return i, fmt.Errorf("record %d: %q is not a valid %s", i+1, rec.Value, rec.EntityType)
		}
		rec.Value = value
		if err := r.UpsertScamRecord(ctx, rec, now); err != nil {
			return i, fmt.Errorf("record %d: %w", i+1, err)
		}
	}
	return len(recs), nil
}

func storeBusinesses(ctx context.Context, r repo.Repo, x extract.Extractor, bs []domain.Business) (int, error) {
	now := time.Now().UTC()
	for i, b := range bs {
		if b.Phone != "" {
			phone, ok := x.Normalize(domain.EntityPhone, b.Phone)
			if !ok {
				return i, fmt.Errorf("business %d: %q is not a valid phone number", i+1, b.Phone)
			}
			b.Phone = phone
		}
		if b.Domain != "" {
			if host := extract.HostOf(b.Domain); host != "" {
				b.Domain = host
			}
		}
		if _, err := r.InsertBusiness(ctx, b, now); err != nil {
			return i, fmt.Errorf("business %d: %w", i+1, err)
		}
	}
	return len(bs), nil
}

func businessCmd() *cobra.Command {
	bc := &cobra.Command{Use: "business", Short: "Manage the verified business registry"}
	bc.AddCommand(businessAddCmd())
	bc.AddCommand(businessListCmd())
	return bc
}

func businessAddCmd() *cobra.Command {
	var b domain.Business
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Register a verified business and its official contacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b.Name = args[0]
			return withRepoConfig(cmd.Context(), func(ctx context.Context, r repo.Repo, cfg *config.Config) error {
				if _, err := storeBusinesses(ctx, r, extract.New(cfg.Extract.DefaultRegion), []domain.Business{b}); err != nil {
					return err
				}
				fmt.Printf("business %q registered\n", b.Name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&b.Domain, "domain", "", "official domain")
	cmd.Flags().StringVar(&b.Phone, "phone", "", "official phone number")
	cmd.Flags().StringVar(&b.Source, "source", "operator", "where the listing came from")
	return cmd
}

func businessListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List verified businesses",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				bs, err := r.ListBusinesses(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(bs)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Domain", "Phone", "Source"})
				for _, b := range bs {
					tw.AppendRow(table.Row{b.ID, b.Name, b.Domain, b.Phone, b.Source})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func apiKeyCmd() *cobra.Command {
	kc := &cobra.Command{
		Use:   "apikey",
		Short: "Manage client API keys",
		Long:  "API keys are accepted in the X-Api-Key header when server.api_keys is true. Only a hash is stored; the key is shown once.",
	}
	kc.AddCommand(apiKeyCreateCmd())
	kc.AddCommand(apiKeyListCmd())
	kc.AddCommand(apiKeyRevokeCmd())
	return kc
}

func apiKeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create <client-id>",
		Short: "Issue a key for a client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				key, plain, err := r.IssueAPIKey(ctx, args[0], name, time.Now())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "client_id": key.ClientID, "key": plain})
				}
				fmt.Printf("key %s for %s:\n%s\n", key.ID, key.ClientID, plain)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var client string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List issued keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, client)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Client", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ClientID, k.Name, k.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&client, "client", "", "client filter")
	return cmd
}

func apiKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("revoked", args[0])
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cc := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
		Long:  "Configuration is read from scamprobe.yml in the workspace (or --config); SCAMPROBE_* variables such as SCAMPROBE_REDIS_ADDR override single keys.",
	}
	cc.AddCommand(configShowCmd())
	cc.AddCommand(configValidateCmd())
	cc.AddCommand(configInitCmd())
	return cc
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := cfg.Marshal()
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				msg := ""
				if err != nil {
					msg = err.Error()
				}
				return printJSON(map[string]any{"ok": err == nil, "error": msg})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default scamprobe.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists; use --force to overwrite", path)
			}
			if err := os.MkdirAll(workspace, 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func purgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Run one retention pass now",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := app.New(cmd.Context(), cfg, app.Options{Version: version})
			if err != nil {
				return err
			}
			defer a.Close()
			rep, err := a.Janitor.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(rep)
			}
			fmt.Printf("purged %d task(s), %d cache entr(ies), %d progress topic(s); requeued %d\n", rep.Tasks, rep.Cache, rep.Topics, rep.Recovered)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

// --- helpers ---

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	return withRepoConfig(ctx, func(ctx context.Context, r repo.Repo, _ *config.Config) error {
		return fn(ctx, r)
	})
}

func withRepoConfig(ctx context.Context, fn func(context.Context, repo.Repo, *config.Config) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: cfg.Storage.Workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(ctx, conn); err != nil {
		return err
	}
	return fn(ctx, repo.New(conn), cfg)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func bestVerdict(t *domain.Task) *domain.Verdict {
	if t.Verdict != nil {
		return t.Verdict
	}
	return t.PartialVerdict
}

func printProgress(pct int, msg string, isErr bool) {
	mark := " "
	if isErr {
		mark = "!"
	}
	fmt.Fprintf(os.Stderr, "%s[%3d%%] %s\n", mark, pct, msg)
}

func printAnalysis(resp router.Response) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{
			"type":                 resp.Type,
			"verdict":              resp.Verdict,
			"task_id":              resp.TaskID,
			"stream_url":           resp.StreamURL,
			"estimated_time_range": resp.Estimate,
		})
	}
	if resp.Verdict != nil {
		v := resp.Verdict
		renderVerdictRows(string(v.RiskLevel), v.Confidence, v.Source, v.Explanation)
		return nil
	}
	fmt.Printf("task %s queued (%d-%ds)\n", resp.TaskID, resp.Estimate.MinSeconds, resp.Estimate.MaxSeconds)
	return nil
}

func printTask(t *domain.Task) error {
	if viper.GetBool("json") {
		return printJSON(t)
	}
	tw := newTable()
	tw.AppendRow(table.Row{"Task", t.ID})
	tw.AppendRow(table.Row{"State", t.State})
	tw.AppendRow(table.Row{"Attempts", t.Attempts})
	if t.Error != "" {
		tw.AppendRow(table.Row{"Error", domain.UserFacingError})
	}
	tw.Render()
	if v := bestVerdict(t); v != nil {
		renderVerdictRows(string(v.RiskLevel), v.Confidence, v.Source, v.Explanation)
	}
	if len(t.Results) == 0 {
		return nil
	}
	et := newTable()
	et.AppendHeader(table.Row{"Tool", "Entity", "Found", "Risk", "Outcome", "ms"})
	for _, res := range t.Results {
		outcome := "ok"
		if !res.Success {
			outcome = string(res.ErrorKind)
		}
		et.AppendRow(table.Row{res.ToolName, string(res.Entity.Type) + " " + res.Entity.Value, res.Found, res.RiskSignal, outcome, res.ExecutionTimeMs})
	}
	et.Render()
	return nil
}

func renderVerdictRows(level string, confidence float64, source, explanation string) {
	tw := newTable()
	tw.AppendRow(table.Row{"Risk", strings.ToUpper(level)})
	tw.AppendRow(table.Row{"Confidence", fmt.Sprintf("%.0f%%", confidence*100)})
	if source != "" {
		tw.AppendRow(table.Row{"Source", source})
	}
	tw.AppendRow(table.Row{"Explanation", explanation})
	tw.Render()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
