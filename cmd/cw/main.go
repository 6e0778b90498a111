package main

import (
	"context"
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
	"gopkg.in/yaml.v3"

	"crewline/internal/app"
	"crewline/internal/config"
	"crewline/internal/db"
	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/migrate"
	"crewline/internal/persona"
	"crewline/internal/repo"
	"crewline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cw",
	Short: "Crewline CLI",
	Long: `Crewline runs dependency-aware multi-persona workflows with quality gates.
Core concepts:
- Workspace: your .crewline directory holding the database; config is stored in the DB and imported explicitly.
- Workflow: a DAG of nodes, each executed by a persona (analyst, architect, developer, ...).
- Node: one unit of work; statuses go pending -> ready -> running -> succeeded (failed/blocked are exits).
- Session: one execution of a workflow; can be cancelled, resumed, and retried node by node.
- Quality gate: each node result is scored; the threshold ratchets up with every retry.
- Contract: an interface agreement between a provider node and its consumers; breaking changes mark consumers stale.
- Event log: append-only diary per session, view with 'cw log tail'.`,
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
	viper.SetEnvPrefix("CREWLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("workflow", "", "workflow id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("workflow", rootCmd.PersistentFlags().Lookup("workflow"))
}

func registerCommands() {
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(nodeCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(contractCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(apikeyCmd())
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{
		Use:   "workflow",
		Short: "Manage workflows",
		Long:  "A workflow is the DAG definition: nodes, personas, phases, dependencies, deliverables, and contracts. Import one from YAML, then start sessions against it.",
	}
	wf.AddCommand(workflowImportCmd())
	wf.AddCommand(workflowListCmd())
	wf.AddCommand(workflowShowCmd())
	wf.AddCommand(workflowConfigCmd())
	return wf
}

func workflowImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a workflow definition from YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := engine.DefinitionFromFile(filePath)
			if err != nil {
				return err
			}
			return withEngineFor(cmd.Context(), def.Workflow.ID, func(ctx context.Context, e engine.Engine) error {
				w, err := e.ImportWorkflow(ctx, def, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to workflow YAML")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func workflowListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListWorkflows(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Created"})
				for _, w := range items {
					tw.AppendRow(table.Row{w.ID, w.Name, w.Status, w.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func workflowShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a workflow and its nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.Repo.GetWorkflow(ctx, e.Config.Workflow.ID)
				if err != nil {
					return err
				}
				nodes, err := e.Repo.ListNodes(ctx, w.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"workflow": w, "nodes": nodes})
				}
				fmt.Printf("Workflow: %s (%s)\n", w.ID, w.Status)
				if w.Name != "" {
					fmt.Printf("Name: %s\n", w.Name)
				}
				printNodeTable(nodes)
				return nil
			})
		},
	}
	return cmd
}

func workflowConfigCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workflow config",
		Long:  "Config is the rulebook (stored in DB): run concurrency and retry budget, per-phase gate thresholds, and the persona catalog. Import from crewline.yml if desired.",
	}
	cfg.AddCommand(workflowConfigGenerateCmd())
	cfg.AddCommand(workflowConfigImportCmd())
	cfg.AddCommand(workflowConfigShowCmd())
	cfg.AddCommand(workflowConfigValidateCmd())
	return cfg
}

func workflowConfigGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Write a default crewline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workflowID := strings.TrimSpace(viper.GetString("workflow"))
			if workflowID == "" {
				return fmt.Errorf("--workflow required")
			}
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(workflowID)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	return cmd
}

func workflowConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import workflow config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			workflowID := cfg.Workflow.ID
			return withEngineFor(cmd.Context(), workflowID, func(ctx context.Context, e engine.Engine) error {
				if workflowID == "" {
					cfg.Workflow.ID = e.Config.Workflow.ID
				}
				if err := e.Repo.UpsertWorkflowConfig(ctx, cfg.Workflow.ID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func workflowConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func workflowConfigValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func nodeCmd() *cobra.Command {
	node := &cobra.Command{
		Use:   "node",
		Short: "Manage nodes",
		Long:  "Nodes are the units of work inside a workflow. Each one names a persona, a phase, its dependencies, and the deliverables its quality gate checks for.",
	}
	node.AddCommand(nodeListCmd())
	node.AddCommand(nodeShowCmd())
	node.AddCommand(nodeRetryCmd())
	return node
}

func nodeListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				nodes, err := e.Repo.ListNodes(ctx, e.Config.Workflow.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(nodes)
				}
				printNodeTable(nodes)
				return nil
			})
		},
	}
	return cmd
}

func nodeShowCmd() *cobra.Command {
	var nodeID string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.Repo.GetNode(ctx, e.Config.Workflow.ID, nodeID)
				if err != nil {
					return err
				}
				return printJSONOrTable(n)
			})
		},
	}
	cmd.Flags().StringVar(&nodeID, "node", "", "node id")
	_ = cmd.MarkFlagRequired("node")
	return cmd
}

func nodeRetryCmd() *cobra.Command {
	var sessionID, nodeID string
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Requeue a failed or blocked node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.ForceRetry(ctx, sessionID, nodeID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(n)
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	cmd.Flags().StringVar(&nodeID, "node", "", "node id")
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("node")
	return cmd
}

func sessionCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "session",
		Short: "Manage sessions",
		Long:  "A session is one execution of the workflow DAG. Start it, run it, and if it fails or is interrupted, resume it; interrupted nodes are requeued from the event log.",
	}
	s.AddCommand(sessionStartCmd())
	s.AddCommand(sessionRunCmd())
	s.AddCommand(sessionListCmd())
	s.AddCommand(sessionStatusCmd())
	s.AddCommand(sessionResumeCmd())
	s.AddCommand(sessionCancelCmd())
	return s
}

func sessionStartCmd() *cobra.Command {
	var run bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor := viper.GetString("actor-id")
				s, err := e.StartSession(ctx, e.Config.Workflow.ID, actor)
				if err != nil {
					return err
				}
				if run {
					s, err = e.RunSession(ctx, s.ID, actor)
					if err != nil {
						return err
					}
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().BoolVar(&run, "run", false, "run the session to completion after starting it")
	return cmd
}

func sessionRunCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a session until it settles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.RunSession(ctx, sessionID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func sessionListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sessions, err := e.Repo.ListSessions(ctx, e.Config.Workflow.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sessions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Iteration", "Created"})
				for _, s := range sessions {
					tw.AppendRow(table.Row{s.ID, s.Status, s.CurrentIteration, s.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func sessionStatusCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show session status",
		Long:  "See the scoreboard for a session: node states, attempt counts, failed gate blockers, and stale contract bindings.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.GetStatus(ctx, sessionID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("Session: %s (%s) iteration %d\n", st.Session.ID, st.Session.Status, st.Session.CurrentIteration)
				fmt.Println("Nodes:")
				for status, c := range st.Counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Node", "Status", "Attempts", "Blockers"})
				for _, n := range st.Nodes {
					tw.AppendRow(table.Row{n.ID, n.Status, n.Attempts, strings.Join(st.Blockers[n.ID], "; ")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func sessionResumeCmd() *cobra.Command {
	var sessionID string
	var run bool
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume a paused, failed, or interrupted session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor := viper.GetString("actor-id")
				s, err := e.Resume(ctx, sessionID, actor)
				if err != nil {
					return err
				}
				if run {
					s, err = e.RunSession(ctx, s.ID, actor)
					if err != nil {
						return err
					}
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	cmd.Flags().BoolVar(&run, "run", false, "run the session after resuming it")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func sessionCancelCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Cancel(ctx, sessionID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func contractCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "contract",
		Short: "Manage contracts",
		Long:  "Contracts are interface agreements between a provider node and its consumers. Evolving one with --breaking marks consumer bindings stale until they rebind.",
	}
	c.AddCommand(contractListCmd())
	c.AddCommand(contractEvolveCmd())
	c.AddCommand(contractBindCmd())
	return c
}

func contractListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List contracts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListContracts(ctx, e.Config.Workflow.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Version", "Provider", "Breaking", "Superseded By"})
				for _, c := range items {
					superseded := ""
					if c.SupersededBy != nil {
						superseded = fmt.Sprint(*c.SupersededBy)
					}
					tw.AppendRow(table.Row{c.ID, c.Version, c.ProviderNodeID, c.Breaking, superseded})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func contractEvolveCmd() *cobra.Command {
	var contractID, sessionID, specFile string
	var breaking bool
	cmd := &cobra.Command{
		Use:   "evolve",
		Short: "Publish a new contract version",
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := specFromFile(specFile)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Contracts.Evolve(ctx, sessionID, contractID, spec, breaking, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&contractID, "id", "", "contract id")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id to log the evolution under")
	cmd.Flags().StringVar(&specFile, "spec-file", "", "path to contract spec YAML or JSON")
	cmd.Flags().BoolVar(&breaking, "breaking", false, "mark consumer bindings stale")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("spec-file")
	return cmd
}

func contractBindCmd() *cobra.Command {
	var contractID, sessionID, nodeID, specFile string
	cmd := &cobra.Command{
		Use:   "bind",
		Short: "Bind a consumer node to a contract",
		RunE: func(cmd *cobra.Command, args []string) error {
			expects, err := specFromFile(specFile)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.Contracts.Bind(ctx, sessionID, contractID, nodeID, expects, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&contractID, "id", "", "contract id")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id to log the binding under")
	cmd.Flags().StringVar(&nodeID, "node", "", "consumer node id")
	cmd.Flags().StringVar(&specFile, "spec-file", "", "path to expected spec YAML or JSON")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("node")
	_ = cmd.MarkFlagRequired("spec-file")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show workflow status",
		Long:  "See the scoreboard for the active workflow: node counts by status and recent sessions.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.Repo.GetWorkflow(ctx, e.Config.Workflow.ID)
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountNodesByStatus(ctx, w.ID)
				if err != nil {
					return err
				}
				sessions, err := e.Repo.ListSessions(ctx, w.ID)
				if err != nil {
					return err
				}
				out := map[string]any{
					"workflow_id": w.ID,
					"status":      w.Status,
					"node_counts": counts,
					"sessions":    sessions,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Workflow: %s (%s)\n", w.ID, w.Status)
				fmt.Println("Nodes:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				if len(sessions) > 0 {
					latest := sessions[len(sessions)-1]
					fmt.Printf("Latest session: %s (%s)\n", latest.ID, latest.Status)
				} else {
					fmt.Println("Latest session: none")
				}
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened in a session: transitions, attempts, results, gate decisions, and contract changes.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var sessionID string
	var after int64
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail session events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.SessionEventsAfter(ctx, sessionID, after, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "TS", "Type", "Entity", "Actor"})
				for _, evt := range events {
					entity := evt.EntityKind
					if evt.EntityID != "" {
						entity += "/" + evt.EntityID
					}
					tw.AppendRow(table.Row{evt.Seq, evt.TS, evt.Type, entity, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	cmd.Flags().Int64Var(&after, "after", 0, "return events with seq greater than this")
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath, devActor string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveWorkflowAndConfig(cmd.Context(), workspace, viper.GetString("workflow"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg, registryFromCatalog(cfg))
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("CREWLINE_JWT_SECRET"), DevActor: devActor}
			if authCfg.JWTSecret == "" && devActor == "" {
				return fmt.Errorf("CREWLINE_JWT_SECRET is required for bearer auth (or pass --dev-actor for local development)")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Crewline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().StringVar(&devActor, "dev-actor", "", "authenticate anonymous requests as this actor (dev only)")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyRevokeCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (secret shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw := uuid.NewString()
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actorID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"id": key.ID, "actor_id": key.ActorID, "key": raw})
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor id")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, id)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "key id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withEngineFor(ctx, viper.GetString("workflow"), fn)
}

func withEngineFor(ctx context.Context, workflowOverride string, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveWorkflowAndConfig(ctx, workspace, workflowOverride, r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, registryFromCatalog(cfg))
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

// registryFromCatalog wires every catalog persona as a local command
// executor. Personas without a command fail at execution time with a
// clear error rather than at startup, so read-only commands still work
// on a partially configured catalog.
func registryFromCatalog(cfg *config.Config) *persona.Registry {
	reg := persona.NewRegistry()
	for ref, spec := range cfg.Personas.Catalog {
		reg.Register(ref, persona.NewLocalExec(spec.Command))
	}
	return reg
}

func specFromFile(path string) (domain.ContractSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.ContractSpec{}, err
	}
	var spec domain.ContractSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return domain.ContractSpec{}, fmt.Errorf("parse contract spec: %w", err)
	}
	return spec, nil
}

func printNodeTable(nodes []domain.Node) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Persona", "Phase", "Status", "Depends On", "Attempts"})
	for _, n := range nodes {
		tw.AppendRow(table.Row{n.ID, n.PersonaRef, n.Phase, n.Status, strings.Join(n.DependsOn, ","), n.Attempts})
	}
	tw.Render()
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
