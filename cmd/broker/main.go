// Command broker selects API keys, runs the external LLM CLI under a
// selected key, and maintains the shared quota ledger. Exit codes are
// stable for shell callers: 0 success, 2 pool exhausted, 3 bad
// configuration, 4 store unreachable.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"agent-key-broker/internal/config"
	"agent-key-broker/internal/keystore"
	"agent-key-broker/internal/launcher"
	"agent-key-broker/internal/learnings"
	"agent-key-broker/internal/notify"
	"agent-key-broker/internal/runtime"
	"agent-key-broker/internal/tasklog"
)

const (
	exitOK        = 0
	exitGeneral   = 1
	exitExhausted = 2
	exitConfig    = 3
	exitStore     = 4
)

var errBadConfig = errors.New("configuration error")

var (
	configPath  string
	taskID      string
	keyFormat   string
	reserveFor  time.Duration
	markUse     bool
	jsonOut     bool
	keySource   string
	disableFor  time.Duration
	runtimeName string
	learnTitle  string
	learnTopic  string
	learnTags   string
	recallLimit int
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	root := &cobra.Command{
		Use:           "broker",
		Short:         "API key broker for external LLM CLIs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default $CONFIG_PATH or configs/config.yaml)")

	runCmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Run one prompt through the configured CLI under a selected key",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRun,
	}
	runCmd.Flags().StringVar(&taskID, "task", "", "Task id (default: hostname-date)")
	runCmd.Flags().StringVar(&runtimeName, "runtime", "", "CLI runtime override (gemini, claude)")
	runCmd.Flags().BoolVar(&jsonOut, "json", false, "Print the result as JSON")
	root.AddCommand(runCmd)

	selectCmd := &cobra.Command{
		Use:   "select-key",
		Short: "Pick the next usable key and print it",
		Args:  cobra.NoArgs,
		RunE:  runSelectKey,
	}
	selectCmd.Flags().StringVar(&keyFormat, "format", "plain", "Output format: plain, env, json")
	selectCmd.Flags().DurationVar(&reserveFor, "reserve", 0, "Hold the key out of rotation for this long")
	selectCmd.Flags().BoolVar(&markUse, "mark-use", false, "Charge one request against the key immediately")
	root.AddCommand(selectCmd)

	root.AddCommand(&cobra.Command{
		Use:   "reset-quotas",
		Short: "Zero daily counters and clear exhaustion flags on all keys",
		Args:  cobra.NoArgs,
		RunE:  runResetQuotas,
	})

	importCmd := &cobra.Command{
		Use:   "import-keys [file]",
		Short: "Import keys from a name=value file (stdin if omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runImportKeys,
	}
	importCmd.Flags().StringVar(&keySource, "source", "import", "Source label stored with each key")
	root.AddCommand(importCmd)

	keysCmd := &cobra.Command{
		Use:   "keys",
		Short: "Show the pool with today's counters",
		Args:  cobra.NoArgs,
		RunE:  runKeys,
	}
	keysCmd.Flags().BoolVar(&jsonOut, "json", false, "Print as JSON")
	root.AddCommand(keysCmd)

	disableCmd := &cobra.Command{
		Use:   "disable-key [name]",
		Short: "Take a key out of rotation for a while",
		Args:  cobra.ExactArgs(1),
		RunE:  runDisableKey,
	}
	disableCmd.Flags().DurationVar(&disableFor, "for", 24*time.Hour, "How long the key stays out of rotation")
	root.AddCommand(disableCmd)

	root.AddCommand(&cobra.Command{
		Use:   "context [task-id]",
		Short: "Print a task's conversation history as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runContext,
	})

	learnCmd := &cobra.Command{
		Use:   "learn [text]",
		Short: "Store a learning for later recall (stdin if omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runLearn,
	}
	learnCmd.Flags().StringVar(&learnTitle, "title", "", "Title (default: first line of the text)")
	learnCmd.Flags().StringVar(&learnTopic, "topic", "", "Topic (default: general)")
	learnCmd.Flags().StringVar(&learnTags, "tags", "", "Comma-separated tags")
	root.AddCommand(learnCmd)

	recallCmd := &cobra.Command{
		Use:   "recall [prompt...]",
		Short: "Print stored learnings matching the prompt's words",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runRecall,
	}
	recallCmd.Flags().IntVar(&recallLimit, "limit", 5, "Maximum learnings to return")
	recallCmd.Flags().BoolVar(&jsonOut, "json", false, "Print as JSON")
	root.AddCommand(recallCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case keystore.IsExhausted(err):
		return exitExhausted
	case errors.Is(err, errBadConfig), errors.Is(err, keystore.ErrMissingCeiling):
		return exitConfig
	case keystore.IsInfra(err):
		return exitStore
	default:
		return exitGeneral
	}
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	if _, err := os.Stat(path); err != nil {
		log.Info().Str("path", path).Msg("no config file found, using defaults")
		return config.DefaultConfig(), nil
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", errBadConfig, err)
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config) (*keystore.Store, error) {
	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("%w: database.dsn is required", errBadConfig)
	}
	store, err := keystore.New(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runRun(cmd *cobra.Command, args []string) error {
	prompt, err := readPrompt(args)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	name := cfg.Launcher.Runtime
	if runtimeName != "" {
		name = runtimeName
	}
	cli, err := runtime.NewRegistry().Get(name)
	if err != nil {
		return fmt.Errorf("%w: %s", errBadConfig, err)
	}

	var notifier notify.Notifier = notify.Nop{}
	if cfg.Notify.SlackWebhookURL != "" {
		notifier = notify.NewSlack(cfg.Notify.SlackWebhookURL, cfg.Notify.Timeout, nil)
	}

	policy := keystore.PolicyFromConfig(cfg.Selection, cfg.Quota)
	selector := keystore.NewSelector(store, policy, nil)
	recorder, err := keystore.NewRecorder(store, cfg.Quota, notifier, nil)
	if err != nil {
		return err
	}
	tasks := tasklog.New(store.Pool())

	l := launcher.New(selector, recorder, tasks, cli,
		cfg.Launcher, cfg.Selection.MinRequestInterval, notifier, nil)

	res, err := l.Run(ctx, prompt, taskID)
	if err != nil {
		return err
	}

	if jsonOut {
		out, _ := json.MarshalIndent(map[string]any{
			"task_id":       res.TaskID,
			"key_name":      res.KeyName,
			"response":      res.Response,
			"tokens":        res.Tokens,
			"duration_ms":   res.Duration.Milliseconds(),
			"recording_gap": res.RecordingGap,
		}, "", "  ")
		fmt.Println(string(out))
		return nil
	}

	fmt.Println(res.Response)
	if res.RecordingGap {
		fmt.Fprintln(os.Stderr, "warning: usage not recorded, pool counters under-count this call")
	}
	return nil
}

func readPrompt(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func runSelectKey(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	cli, err := runtime.NewRegistry().Get(cfg.Launcher.Runtime)
	if err != nil {
		return fmt.Errorf("%w: %s", errBadConfig, err)
	}

	policy := keystore.PolicyFromConfig(cfg.Selection, cfg.Quota)
	if reserveFor > 0 {
		policy.ReserveFor = reserveFor
	}

	cred, err := keystore.NewSelector(store, policy, nil).Select(ctx)
	if err != nil {
		return err
	}

	if markUse {
		recorder, err := keystore.NewRecorder(store, cfg.Quota, notify.Nop{}, nil)
		if err != nil {
			return err
		}
		upd := keystore.UsageUpdate{KeyName: cred.KeyName, TaskID: tasklog.DefaultTaskID(), RequestType: "manual"}
		if err := recorder.Record(ctx, upd); err != nil {
			return err
		}
	}

	switch keyFormat {
	case "plain":
		fmt.Println(cred.KeyValue)
	case "env":
		fmt.Printf("export %s=%q\n", cli.EnvVar(), cred.KeyValue)
	case "json":
		out, _ := json.Marshal(map[string]string{
			"key_name": cred.KeyName,
			"api_key":  cred.KeyValue,
			"env_var":  cli.EnvVar(),
		})
		fmt.Println(string(out))
	default:
		return fmt.Errorf("%w: unknown format %q (plain, env, json)", errBadConfig, keyFormat)
	}
	return nil
}

func runResetQuotas(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	rows, err := keystore.NewResetter(store, nil).ResetAll(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("reset %d keys\n", rows)
	return nil
}

func runImportKeys(cmd *cobra.Command, args []string) error {
	var in io.Reader = os.Stdin
	if len(args) > 0 {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening key file: %w", err)
		}
		defer f.Close()
		in = f
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	added, skipped := 0, 0
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, value, found := strings.Cut(line, "=")
		if !found || name == "" || value == "" {
			return fmt.Errorf("%w: malformed line %q, expected name=value", errBadConfig, line)
		}
		ok, err := store.InsertKey(ctx, strings.TrimSpace(name), strings.TrimSpace(value), keySource)
		if err != nil {
			return err
		}
		if ok {
			added++
		} else {
			skipped++
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading keys: %w", err)
	}

	fmt.Printf("imported %d keys (%d already present)\n", added, skipped)
	return nil
}

func runKeys(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	creds, err := store.ListCredentials(ctx)
	if err != nil {
		return err
	}

	if jsonOut {
		out, _ := json.MarshalIndent(creds, "", "  ")
		fmt.Println(string(out))
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tREQUESTS\tTOKENS\tLAST USED\tSTATUS")
	for _, c := range creds {
		last := "never"
		if c.LastUsed != nil {
			last = c.LastUsed.UTC().Format(time.RFC3339)
		}
		status := "available"
		if c.QuotaExhausted {
			status = "exhausted"
		} else if c.DisabledUntil != nil && c.DisabledUntil.After(time.Now()) {
			status = "disabled"
		} else if c.ReservedUntil != nil && c.ReservedUntil.After(time.Now()) {
			status = "reserved"
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n",
			c.KeyName, c.DailyRequestCount, c.DailyTokenTotal, last, status)
	}
	return w.Flush()
}

func runDisableKey(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	until := time.Now().Add(disableFor)
	if err := store.DisableKey(ctx, args[0], until); err != nil {
		return err
	}
	fmt.Printf("key %s disabled until %s\n", args[0], until.UTC().Format(time.RFC3339))
	return nil
}

func runContext(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	id := tasklog.DefaultTaskID()
	if len(args) > 0 {
		id = args[0]
	}

	pairs, err := tasklog.New(store.Pool()).GetContext(ctx, id)
	if err != nil {
		return err
	}

	out, _ := json.MarshalIndent(map[string]any{"task_id": id, "history": pairs}, "", "  ")
	fmt.Println(string(out))
	return nil
}

func runLearn(cmd *cobra.Command, args []string) error {
	text, err := readPrompt(args)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	var tags []string
	for _, t := range strings.Split(learnTags, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}

	id, err := learnings.New(store.Pool()).Add(ctx, learnings.Learning{
		Title:  learnTitle,
		Topic:  learnTopic,
		Tags:   tags,
		Text:   text,
		Source: "cli",
		Author: os.Getenv("USER"),
	})
	if err != nil {
		return err
	}
	fmt.Printf("stored learning %d\n", id)
	return nil
}

func runRecall(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	found, err := learnings.New(store.Pool()).Search(ctx, strings.Join(args, " "), recallLimit)
	if err != nil {
		return err
	}

	if jsonOut {
		out, _ := json.MarshalIndent(found, "", "  ")
		fmt.Println(string(out))
		return nil
	}

	for _, l := range found {
		fmt.Printf("[%d] %s (%s)\n", l.ID, l.Title, l.Topic)
		if len(l.Tags) > 0 {
			fmt.Printf("    tags: %s\n", strings.Join(l.Tags, ", "))
		}
		fmt.Printf("    %s\n", l.Summary)
	}
	if len(found) == 0 {
		fmt.Println("no matching learnings")
	}
	return nil
}
