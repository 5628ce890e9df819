// cmd/gitcms/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"gitcms/internal/asset"
	"gitcms/internal/auth"
	"gitcms/internal/backend"
	"gitcms/internal/cache"
	"gitcms/internal/cms"
	"gitcms/internal/config"
	cmserrors "gitcms/internal/errors"
	"gitcms/internal/diff"
	"gitcms/internal/entry"
	"gitcms/internal/format"
	"gitcms/internal/gateway"
	"gitcms/internal/logging"
	"gitcms/internal/watch"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "gitcms",
	Short: "gitcms edits CMS collections stored in a git repository",
	Long: `gitcms reads and writes the entries of CMS collections through a git host
API (GitHub-style, Bitbucket or the bundled gateway), committing every change
to the configured branch or to an editorial workflow branch.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yml", "Configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")

	var entriesCmd = &cobra.Command{
		Use:   "entries <collection>",
		Short: "List the entries of a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := initApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			entries, err := app.svc.ListEntries(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("listing entries: %w", err)
			}
			if len(entries) == 0 {
				fmt.Println("No entries found")
				return nil
			}

			bold := color.New(color.Bold).SprintFunc()
			faint := color.New(color.Faint).SprintFunc()
			for _, e := range entries {
				title := e.Data.GetString("title")
				if title == "" {
					title = e.Label
				}
				fmt.Printf("%s  %s  %s\n", bold(e.Slug), title, faint(e.Path))
			}
			return nil
		},
	}

	var getCmd = &cobra.Command{
		Use:   "get <collection> <slug>",
		Short: "Print an entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := initApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			e, err := app.svc.GetEntry(cmd.Context(), args[0], args[1])
			if err != nil {
				return fmt.Errorf("reading entry: %w", err)
			}
			asJSON, _ := cmd.Flags().GetBool("json")
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(e)
			}
			color.New(color.FgCyan).Println(e.Path)
			fmt.Print(e.Raw)
			return nil
		},
	}

	var persistCmd = &cobra.Command{
		Use:   "persist <collection> <slug>",
		Short: "Create or update an entry",
		Long:  `Sets fields with --set name=value (values are parsed as YAML) and attaches media with --media.`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sets, _ := cmd.Flags().GetStringArray("set")
			mediaPaths, _ := cmd.Flags().GetStringArray("media")

			app, err := initApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			draft, err := app.draft(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			for _, s := range sets {
				name, value, err := parseSet(s)
				if err != nil {
					return err
				}
				draft.SetField(name, value)
			}

			var media []*asset.File
			for _, p := range mediaPaths {
				raw, err := os.ReadFile(p)
				if err != nil {
					return fmt.Errorf("reading media %s: %w", p, err)
				}
				f := asset.NewProxy(filepath.Base(p), app.cfg.MediaFolder, app.cfg.PublicFolder, raw, false)
				draft.AddMedia(f.PublicPath)
				media = append(media, f)
			}

			return app.svc.PersistEntry(cmd.Context(), args[0], draft, media)
		},
	}

	var deleteCmd = &cobra.Command{
		Use:   "delete <collection> <slug>",
		Short: "Delete an entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := initApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.svc.DeleteEntry(cmd.Context(), args[0], args[1]); err != nil {
				return fmt.Errorf("deleting entry: %w", err)
			}
			color.Green("Deleted %s/%s", args[0], args[1])
			return nil
		},
	}

	var diffCmd = &cobra.Command{
		Use:   "diff <collection> <slug> <file>",
		Short: "Show how a local file differs from the stored entry",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			local, err := os.ReadFile(args[2])
			if err != nil {
				return fmt.Errorf("reading %s: %w", args[2], err)
			}

			app, err := initApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			var stored string
			e, err := app.svc.GetEntry(cmd.Context(), args[0], args[1])
			switch {
			case err == nil:
				stored = e.Raw
			case cmserrors.IsNotFound(err):
			default:
				return fmt.Errorf("reading entry: %w", err)
			}

			contextLines, _ := cmd.Flags().GetInt("context")
			result := diff.NewEngine(contextLines).Diff([]byte(stored), local)
			if result.Empty() {
				fmt.Println("No changes")
				return nil
			}
			fmt.Printf("diff a/%s/%s b/%s\n", args[0], args[1], args[2])
			printColoredDiff(result.Format())
			return nil
		},
	}

	var metaCmd = &cobra.Command{
		Use:   "meta",
		Short: "Read and write metadata documents",
	}

	var metaGetCmd = &cobra.Command{
		Use:   "get <key>",
		Short: "Print a metadata document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := initApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			store, err := app.metadata()
			if err != nil {
				return err
			}
			var doc json.RawMessage
			if err := store.RetrieveMetadata(cmd.Context(), args[0], &doc); err != nil {
				return fmt.Errorf("reading metadata: %w", err)
			}
			fmt.Println(string(doc))
			return nil
		},
	}

	var metaSetCmd = &cobra.Command{
		Use:   "set <key> <json>",
		Short: "Store a metadata document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(args[1])) {
				return fmt.Errorf("metadata must be valid JSON")
			}

			app, err := initApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			store, err := app.metadata()
			if err != nil {
				return err
			}
			if err := store.StoreMetadata(cmd.Context(), args[0], json.RawMessage(args[1])); err != nil {
				return fmt.Errorf("storing metadata: %w", err)
			}
			color.Green("Stored %s", args[0])
			return nil
		},
	}

	var workflowCmd = &cobra.Command{
		Use:   "workflow",
		Short: "Manage unpublished entries",
	}

	var unpublishedCmd = &cobra.Command{
		Use:   "show <collection> <slug>",
		Short: "Show an unpublished entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := initApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			wf, err := app.workflow()
			if err != nil {
				return err
			}
			u, err := wf.UnpublishedEntry(cmd.Context(), args[0], args[1])
			if err != nil {
				return fmt.Errorf("reading unpublished entry: %w", err)
			}

			fmt.Printf("%s %s\n", color.New(color.Bold).Sprint("status:"), statusColor(u.Metadata.Status))
			fmt.Printf("%s %s (#%d)\n", color.New(color.Bold).Sprint("branch:"), u.Metadata.Branch, u.Metadata.PR.Number)
			fmt.Printf("%s %s\n\n", color.New(color.Bold).Sprint("user:"), u.Metadata.User)
			fmt.Print(u.File.Data)
			return nil
		},
	}

	var statusCmd = &cobra.Command{
		Use:   "status <collection> <slug> <status>",
		Short: "Move an unpublished entry to draft, pending_review or pending_publish",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := initApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			wf, err := app.workflow()
			if err != nil {
				return err
			}
			if err := wf.UpdateUnpublishedEntryStatus(cmd.Context(), args[0], args[1], args[2]); err != nil {
				return fmt.Errorf("updating status: %w", err)
			}
			fmt.Printf("%s/%s is now %s\n", args[0], args[1], statusColor(args[2]))
			return nil
		},
	}

	var publishCmd = &cobra.Command{
		Use:   "publish <collection> <slug>",
		Short: "Merge an unpublished entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := initApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			wf, err := app.workflow()
			if err != nil {
				return err
			}
			if err := wf.PublishUnpublishedEntry(cmd.Context(), args[0], args[1]); err != nil {
				return fmt.Errorf("publishing: %w", err)
			}
			color.Green("Published %s/%s", args[0], args[1])
			return nil
		},
	}

	var discardCmd = &cobra.Command{
		Use:   "discard <collection> <slug>",
		Short: "Close an unpublished entry without merging",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := initApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			wf, err := app.workflow()
			if err != nil {
				return err
			}
			if err := wf.DeleteUnpublishedEntry(cmd.Context(), args[0], args[1]); err != nil {
				return fmt.Errorf("discarding: %w", err)
			}
			color.Yellow("Discarded %s/%s", args[0], args[1])
			return nil
		},
	}

	var watchCmd = &cobra.Command{
		Use:   "watch <collection> <dir>",
		Short: "Persist entry files as they are written",
		Long:  `Watches dir and persists every written entry file of a folder collection, using the file name as the slug.`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := initApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			col, ok := app.cfg.Collection(args[0])
			if !ok {
				return fmt.Errorf("%w: %s", cms.ErrUnknownCollection, args[0])
			}
			if !col.IsFolder() {
				return fmt.Errorf("collection %s is not a folder collection", col.Name)
			}

			w, err := watch.New(args[1], watch.WithExtension(col.EntryExtension()), watch.WithLogger(app.logger))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			color.Cyan("Watching %s for %s entries (ctrl-c to stop)", args[1], col.Name)
			return w.Run(ctx, func(ctx context.Context, ev watch.Event) error {
				return app.persistFile(ctx, col, ev.Abs)
			})
		},
	}

	var serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the git-data gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return gateway.Run(ctx, cfg, logger)
		},
	}

	// Add flags
	getCmd.Flags().Bool("json", false, "Print the parsed entry as JSON")
	persistCmd.Flags().StringArrayP("set", "s", nil, "Field assignment name=value")
	persistCmd.Flags().StringArrayP("media", "m", nil, "Media file to upload with the entry")
	diffCmd.Flags().IntP("context", "U", 3, "Lines of context")

	// Add commands to root
	rootCmd.AddCommand(entriesCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(persistCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(metaCmd)
	rootCmd.AddCommand(workflowCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(serveCmd)

	metaCmd.AddCommand(metaGetCmd)
	metaCmd.AddCommand(metaSetCmd)

	workflowCmd.AddCommand(unpublishedCmd)
	workflowCmd.AddCommand(statusCmd)
	workflowCmd.AddCommand(publishCmd)
	workflowCmd.AddCommand(discardCmd)
}

type cliApp struct {
	cfg    *config.Config
	svc    *cms.Service
	logger *logging.Logger
	close  func()
}

func (a *cliApp) Close() {
	if a.close != nil {
		a.close()
	}
	_ = a.logger.Sync()
}

func loadConfig() (*config.Config, *logging.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logger, err := logging.NewDevelopment(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing logger: %w", err)
	}
	return cfg, logger, nil
}

// initApp loads the configuration, opens the read cache and authenticates
// against the configured backend.
func initApp(ctx context.Context) (*cliApp, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}

	db, err := gateway.OpenDB(cfg.Cache.Path)
	if err != nil {
		return nil, fmt.Errorf("opening cache: %w", err)
	}
	c, err := cache.New(db, cache.Options{
		Prefix:    cfg.Cache.Prefix,
		CacheSize: cfg.Cache.Size,
		Logger:    logger,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	svc, err := cms.New(cfg, cms.Deps{
		Cache:    c,
		Logger:   logger,
		Notifier: cms.NotifierFunc(notify),
		OnRefresh: func(tok auth.Token) {
			logger.Info("access token refreshed", zap.Time("expires_at", tok.ExpiresAt))
		},
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	user, err := svc.Authenticate(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("authenticating: %w", err)
	}
	logger.Debug("authenticated", zap.String("login", user.Login))

	return &cliApp{cfg: cfg, svc: svc, logger: logger, close: func() { db.Close() }}, nil
}

// draft opens slug for editing, starting a new entry when it does not
// exist yet.
func (a *cliApp) draft(ctx context.Context, collection, slug string) (*entry.Draft, error) {
	e, err := a.svc.GetEntry(ctx, collection, slug)
	if err == nil {
		return entry.FromEntry(e), nil
	}
	if !cmserrors.IsNotFound(err) {
		return nil, fmt.Errorf("reading entry: %w", err)
	}

	col, ok := a.cfg.Collection(collection)
	if !ok {
		return nil, fmt.Errorf("%w: %s", cms.ErrUnknownCollection, collection)
	}
	d := entry.NewDraft(col)
	d.Entry.Slug = slug
	return d, nil
}

func (a *cliApp) persistFile(ctx context.Context, col config.Collection, file string) error {
	raw, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	f, err := format.Resolve(col.Format, col.EntryExtension())
	if err != nil {
		return err
	}
	data, err := f.FromFile(raw)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", file, err)
	}

	slug := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	draft, err := a.draft(ctx, col.Name, slug)
	if err != nil {
		return err
	}
	draft.Entry.Data = data
	return a.svc.PersistEntry(ctx, col.Name, draft, nil)
}

func (a *cliApp) metadata() (backend.MetadataStore, error) {
	store, ok := a.svc.Metadata()
	if !ok {
		return nil, fmt.Errorf("backend %s does not store metadata: %w", a.cfg.Backend.Name, cmserrors.ErrUnsupportedOperation)
	}
	return store, nil
}

func (a *cliApp) workflow() (backend.Workflow, error) {
	wf, ok := a.svc.Workflow()
	if !ok {
		return nil, fmt.Errorf("backend %s has no editorial workflow: %w", a.cfg.Backend.Name, cmserrors.ErrUnsupportedOperation)
	}
	return wf, nil
}

func notify(_ context.Context, n cms.Notification) {
	switch n.Kind {
	case cms.KindSuccess:
		color.Green("%s", n.Message)
	case cms.KindDanger:
		if n.Err != nil {
			color.Red("%s: %v", n.Message, n.Err)
			return
		}
		color.Red("%s", n.Message)
	default:
		fmt.Println(n.Message)
	}
}

// parseSet splits name=value and decodes value as a YAML scalar or
// collection, so numbers, booleans and lists keep their type.
func parseSet(s string) (string, any, error) {
	name, raw, ok := strings.Cut(s, "=")
	if !ok || name == "" {
		return "", nil, fmt.Errorf("invalid --set %q, expected name=value", s)
	}
	var value any
	if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
		return "", nil, fmt.Errorf("parsing value of %s: %w", name, err)
	}
	if value == nil && raw != "" && raw != "null" && raw != "~" {
		value = raw
	}
	return name, value, nil
}

func statusColor(status string) string {
	switch status {
	case backend.StatusDraft:
		return color.YellowString(status)
	case backend.StatusPendingReview:
		return color.CyanString(status)
	case backend.StatusPendingPublish:
		return color.GreenString(status)
	default:
		return status
	}
}

func printColoredDiff(diff string) {
	added := color.New(color.FgGreen)
	removed := color.New(color.FgRed)
	header := color.New(color.FgCyan)

	for _, line := range strings.Split(strings.TrimSuffix(diff, "\n"), "\n") {
		switch {
		case strings.HasPrefix(line, "@@"):
			header.Println(line)
		case strings.HasPrefix(line, "+"):
			added.Println(line)
		case strings.HasPrefix(line, "-"):
			removed.Println(line)
		default:
			fmt.Println(line)
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
