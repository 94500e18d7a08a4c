package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"steward/internal/app"
	"steward/internal/backlog"
	"steward/internal/config"
	"steward/internal/db"
	"steward/internal/domain"
	"steward/internal/repo"
	"steward/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "steward",
	Short: "Steward CLI",
	Long: `Steward operates external code repositories through an event-sourced
control plane. Workers post what happened as event bundles; the event log is
the single source of truth. A graph projection, the scheduler, and the
artifact store are all derived from or keyed by that log.

- Targets: repositories under management, each owning a backlog file.
- Events: append-only facts; order is the append position, never the clock.
- Artifacts: blobs stored under their content hash.
- Scheduler: polls the backlog and dispatches at most one work order per
  cycle, guarded by admission control, retry budgets, and a circuit breaker.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STEWARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(targetCmd())
	rootCmd.AddCommand(backlogCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(cycleCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(graphCmd())
	rootCmd.AddCommand(artifactCmd())
	rootCmd.AddCommand(breakerCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var controlPlaneID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		Long:  "Creates the .steward state directory and writes a default steward.yml.",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(controlPlaneID)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&controlPlaneID, "id", "steward", "control plane identifier")
	return cmd
}

func targetCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "target", Short: "Manage targets"}
	cmd.AddCommand(targetAddCmd())
	cmd.AddCommand(targetListCmd())
	return cmd
}

func targetAddCmd() *cobra.Command {
	var id, repoURL, backlogPath string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a repository under management",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t := domain.Target{ID: id, RepoURL: repoURL, BacklogPath: backlogPath}
				if err := a.RegisterTarget(ctx, t, viper.GetString("actor-id")); err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "target id")
	cmd.Flags().StringVar(&repoURL, "repo-url", "", "repository URL")
	cmd.Flags().StringVar(&backlogPath, "backlog", "", "path to the backlog file")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("repo-url")
	_ = cmd.MarkFlagRequired("backlog")
	return cmd
}

func targetListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List targets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListTargets(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "REPO", "BACKLOG", "CREATED")
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.RepoURL, t.BacklogPath, t.CreatedAt})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	return cmd
}

func backlogCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "backlog", Short: "Inspect target backlogs"}
	cmd.AddCommand(backlogShowCmd())
	cmd.AddCommand(backlogCheckCmd())
	return cmd
}

func backlogShowCmd() *cobra.Command {
	var targetID string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a target's backlog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Repo.GetTarget(ctx, targetID)
				if err != nil {
					return err
				}
				doc, err := backlog.Load(t.BacklogPath)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(doc)
				}
				tw := newTable("ID", "TITLE", "PRIORITY", "READY", "STATUS", "DEPS")
				for _, task := range doc.Tasks {
					tw.AppendRow(table.Row{task.ID, task.Title, task.Priority, task.Ready, task.Status, strings.Join(task.Dependencies, ",")})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&targetID, "target", "", "target id")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func backlogCheckCmd() *cobra.Command {
	var targetID string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a target's backlog against the task contract",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Repo.GetTarget(ctx, targetID)
				if err != nil {
					return err
				}
				if _, err := backlog.Load(t.BacklogPath); err != nil {
					var pv *backlog.PolicyViolation
					if errors.As(err, &pv) {
						for _, issue := range pv.Issues {
							fmt.Println("violation:", issue)
						}
						return fmt.Errorf("%d violation(s)", len(pv.Issues))
					}
					return err
				}
				fmt.Println("backlog ok")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&targetID, "target", "", "target id")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func queueCmd() *cobra.Command {
	var targetID string
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show eligible work in dispatch order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Repo.GetTarget(ctx, targetID)
				if err != nil {
					return err
				}
				doc, err := backlog.Load(t.BacklogPath)
				if err != nil {
					return err
				}
				if err := a.Projector.Rebuild(ctx); err != nil {
					return err
				}
				st := a.Projector.State()
				open := map[string]bool{}
				for _, p := range st.OpenPRs(t.ID) {
					open[p.TaskID] = true
				}
				eligible := doc.Eligible()
				if viper.GetBool("json") {
					return printJSON(eligible)
				}
				tw := newTable("ID", "TITLE", "PRIORITY", "NOTE")
				for _, task := range eligible {
					note := ""
					switch {
					case open[task.ID]:
						note = "open proposal under review"
					case st.RunningAttempt(t.ID, task.ID):
						note = "attempt in flight"
					}
					tw.AppendRow(table.Row{task.ID, task.Title, task.Priority, note})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&targetID, "target", "", "target id")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func cycleCmd() *cobra.Command {
	var targetID string
	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Run one scheduling cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Scheduler.Cycle(ctx, targetID)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&targetID, "target", "", "target id")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "events", Short: "Event log"}
	cmd.AddCommand(eventsTailCmd())
	return cmd
}

func eventsTailCmd() *cobra.Command {
	var n int
	var targetID, evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Most recent events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.LatestEvents(ctx, n, targetID, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("SEQ", "TYPE", "TARGET", "ACTOR", "TS")
				for _, e := range items {
					tw.AppendRow(table.Row{e.Seq, e.Type, e.Target, e.ActorID, e.TS})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&targetID, "target", "", "target filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func graphCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "graph", Short: "Projected graph"}
	cmd.AddCommand(&cobra.Command{
		Use:   "summary",
		Short: "Rebuild the projection and summarize it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Projector.Rebuild(ctx); err != nil {
					return err
				}
				sum := a.Projector.State().Summarize()
				sum.Warnings = len(a.Projector.Warnings())
				return printJSONOrTable(sum)
			})
		},
	})
	return cmd
}

func artifactCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "artifact", Short: "Content-addressed artifact store"}
	cmd.AddCommand(artifactPutCmd())
	cmd.AddCommand(artifactGetCmd())
	cmd.AddCommand(artifactListCmd())
	return cmd
}

func artifactPutCmd() *cobra.Command {
	var filePath, name, targetID string
	cmd := &cobra.Command{
		Use:   "put",
		Short: "Store a file under its content hash",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				f, err := os.Open(filePath)
				if err != nil {
					return err
				}
				defer f.Close()
				if name == "" {
					name = filePath
				}
				key, size, err := a.Artifacts.Put(ctx, name, targetID, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"sha256": key, "size_bytes": size})
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "file to store")
	cmd.Flags().StringVar(&name, "name", "", "artifact name (defaults to the file path)")
	cmd.Flags().StringVar(&targetID, "target", "", "target id")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func artifactGetCmd() *cobra.Command {
	var key, out string
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Fetch a blob by content hash",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rc, err := a.Artifacts.Get(key)
				if err != nil {
					return err
				}
				defer rc.Close()
				dst := os.Stdout
				if out != "" {
					f, err := os.Create(out)
					if err != nil {
						return err
					}
					defer f.Close()
					dst = f
				}
				_, err = dst.ReadFrom(rc)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&key, "sha256", "", "content hash")
	cmd.Flags().StringVar(&out, "out", "", "output file (defaults to stdout)")
	_ = cmd.MarkFlagRequired("sha256")
	return cmd
}

func artifactListCmd() *cobra.Command {
	var targetID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List artifacts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Artifacts.List(ctx, targetID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("SHA256", "NAME", "SIZE", "TARGET", "CREATED")
				for _, rec := range items {
					tw.AppendRow(table.Row{rec.SHA256, rec.Name, rec.SizeBytes, rec.Target, rec.CreatedAt})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&targetID, "target", "", "target filter")
	cmd.Flags().IntVar(&limit, "n", 50, "limit")
	return cmd
}

func breakerCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "breaker", Short: "Circuit breaker"}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show breaker state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				b, err := a.Scheduler.Breaker(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Close the circuit after fixing the dispatch path",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Scheduler.ResetBreaker(ctx); err != nil {
					return err
				}
				b, err := a.Scheduler.Breaker(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	})
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage ingest API keys"}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyDeleteCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				raw := make([]byte, 32)
				if _, err := rand.Read(raw); err != nil {
					return err
				}
				plaintext := hex.EncodeToString(raw)
				key := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: actorID,
					Name:    name,
					KeyHash: repo.HashAPIKey(plaintext),
				}
				if err := a.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{
					"id":      key.ID,
					"actor":   key.ActorID,
					"api_key": plaintext,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := a.Repo.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable("ID", "ACTOR", "NAME", "CREATED")
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor filter")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Repo.DeleteAPIKey(ctx, id)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "key id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("STEWARD_JWT_SECRET")}
				if authCfg.JWTSecret == "" {
					authCfg.JWTSecret = a.Config.Auth.JWTSecret
				}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("STEWARD_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{
					Repo:      a.Repo,
					Store:     a.Store,
					Projector: a.Projector,
					Scheduler: a.Scheduler,
					Artifacts: a.Artifacts,
					BasePath:  basePath,
					Auth:      authCfg,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Steward API on http://%s%s\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, viper.GetString("workspace"), viper.GetString("actor-id"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newTable(headers ...any) table.Writer {
	tw := table.NewWriter()
	tw.AppendHeader(table.Row(headers))
	return tw
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
