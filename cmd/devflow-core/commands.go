package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/devflow/core/internal/config"
)

var (
	flagConfigPath string
	flagConfigRoot string
)

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "devflow-core",
		Short:   "devflow-core - developer workflow automation server",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Long: `devflow-core runs the Tool Registry, Persona Loader, Skill Engine,
Auto-Heal Core, Event Bus, Session/Workspace registry, and Scheduler behind
a single MCP-reachable process.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flagConfigPath, "config", "c", "", "path to YAML/JSON5 config file (defaults embedded if omitted)")
	rootCmd.PersistentFlags().StringVar(&flagConfigRoot, "config-root", "", "config root directory (defaults to $DEVFLOW_CONFIG_ROOT or ~/.devflow-core)")

	rootCmd.AddCommand(
		buildServeCmd(),
		buildPersonaCmd(),
		buildSkillCmd(),
		buildSchedulerCmd(),
		buildDoctorCmd(),
	)
	return rootCmd
}

// resolveConfigRoot returns the effective config root, honoring --config-root.
func resolveConfigRoot() (string, error) {
	if flagConfigRoot != "" {
		return flagConfigRoot, nil
	}
	return config.DefaultRoot()
}

// buildServeCmd creates the "serve" command that starts the full server:
// the Event Bus WebSocket listener, the metrics HTTP endpoint, and the
// Scheduler tick loop, until a shutdown signal arrives.
func buildServeCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the devflow-core server",
		Long: `Start the devflow-core server.

The server will:
1. Load configuration (--config, or documented defaults)
2. Open the Persistent Store and wire the Tool Registry, Auto-Heal Core,
   Persona Loader, Skill Engine, and Session/Workspace registry
3. Optionally pre-load a persona (--agent) or extra tool modules
   (--tools, --all) into the default workspace
4. Start the Event Bus WebSocket listener
5. Start the Scheduler tick loop (unless --no-scheduler)
6. Expose /metrics

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}
	cmd.Flags().IntVar(&opts.wsPort, "ws-port", 0, "override the Event Bus WebSocket port (0 uses the config value)")
	cmd.Flags().BoolVar(&opts.noScheduler, "no-scheduler", false, "do not start the Scheduler tick loop")
	cmd.Flags().StringVar(&opts.agent, "agent", "", "persona to load into the default workspace at startup")
	cmd.Flags().StringVar(&opts.tools, "tools", "", "comma-separated tool modules to install at startup (in addition to any persona)")
	cmd.Flags().BoolVar(&opts.allModules, "all", false, "install every registered tool module at startup")
	return cmd
}

// buildPersonaCmd creates the "persona" command group.
func buildPersonaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "persona",
		Short: "Inspect or switch personas",
	}
	cmd.AddCommand(buildPersonaListCmd(), buildPersonaLoadCmd())
	return cmd
}

func buildPersonaListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every persona manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPersonaList(cmd)
		},
	}
}

func buildPersonaLoadCmd() *cobra.Command {
	var workspaceURI string
	cmd := &cobra.Command{
		Use:   "load <name>",
		Short: "Load a persona into a workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPersonaLoad(cmd, workspaceURI, args[0])
		},
	}
	cmd.Flags().StringVar(&workspaceURI, "workspace", "cli://local", "workspace URI to load the persona into")
	return cmd
}

// buildSkillCmd creates the "skill" command group.
func buildSkillCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skill",
		Short: "Run or inspect skills",
	}
	cmd.AddCommand(buildSkillListCmd(), buildSkillRunCmd())
	return cmd
}

func buildSkillListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every discoverable skill",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSkillList(cmd)
		},
	}
}

func buildSkillRunCmd() *cobra.Command {
	var (
		agent        string
		workspaceURI string
		sessionID    string
		inputsJSON   string
	)
	cmd := &cobra.Command{
		Use:   "run <name>",
		Short: "Run a skill to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSkillRun(cmd, skillRunOptions{
				name:         args[0],
				agent:        agent,
				workspaceURI: workspaceURI,
				sessionID:    sessionID,
				inputsJSON:   inputsJSON,
			})
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "persona to load into the workspace before running (empty keeps the workspace's current persona)")
	cmd.Flags().StringVar(&workspaceURI, "workspace", "cli://local", "workspace URI to run the skill against")
	cmd.Flags().StringVar(&sessionID, "session-id", "", "resume an existing session id (empty creates a new session)")
	cmd.Flags().StringVar(&inputsJSON, "inputs", "{}", "skill inputs as a JSON object")
	return cmd
}

// buildSchedulerCmd creates the "scheduler" command group.
func buildSchedulerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Inspect scheduled jobs",
	}
	cmd.AddCommand(buildSchedulerListCmd(), buildSchedulerRunOnceCmd())
	return cmd
}

func buildSchedulerListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured jobs and their next run times",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSchedulerList(cmd)
		},
	}
}

func buildSchedulerRunOnceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Evaluate due jobs once and exit (does not start the tick loop)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSchedulerTick(cmd)
		},
	}
}

// buildDoctorCmd creates the "doctor" command for config/wiring validation.
func buildDoctorCmd() *cobra.Command {
	var printSchema bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Validate configuration and component wiring without serving",
		RunE: func(cmd *cobra.Command, args []string) error {
			if printSchema {
				return runDoctorSchema(cmd)
			}
			return runDoctor(cmd)
		},
	}
	cmd.Flags().BoolVar(&printSchema, "schema", false, "print the config file's JSON Schema and exit")
	return cmd
}
