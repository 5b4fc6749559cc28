package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/devflow/core/internal/config"
	"github.com/devflow/core/internal/toolregistry"
)

// runDoctorSchema prints the JSON Schema the config file is validated
// against, for editor integration and operator reference.
func runDoctorSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return configError(err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(schema))
	return nil
}

// runDoctor wires every component exactly as serve would, then reports a
// summary, without starting the Event Bus listener or the Scheduler tick
// loop. A clean exit here means the config is loadable and every
// constructor that can fail (store open, fix memory, usage pattern store,
// scheduler jobs document) succeeded.
func runDoctor(cmd *cobra.Command) error {
	logger := rootLogger()
	configRoot, err := resolveConfigRoot()
	if err != nil {
		return configError(err)
	}
	a, err := newApp(flagConfigPath, configRoot, logger)
	if err != nil {
		return initError(err)
	}

	tools := a.registry.List(toolregistry.Filter{})
	personas, personaErr := a.personas.List()
	skills, skillErr := a.skills.List()
	jobs := a.scheduler.Jobs()

	var missingCore []string
	for _, name := range a.cfg.Registry.CoreTools {
		if _, ok := a.registry.Get(name); !ok {
			missingCore = append(missingCore, name)
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "config version: %d\n", a.cfg.Version)
	fmt.Fprintf(out, "store root: %s\n", a.cfg.Store.Root)
	fmt.Fprintf(out, "tools registered: %d\n", len(tools))
	if len(missingCore) > 0 {
		fmt.Fprintf(out, "core tools missing: %v\n", missingCore)
		return initError(fmt.Errorf("%d configured core tools are not registered", len(missingCore)))
	}
	if personaErr != nil {
		fmt.Fprintf(out, "personas: error: %v\n", personaErr)
	} else {
		fmt.Fprintf(out, "personas: %d found\n", len(personas))
	}
	if skillErr != nil {
		fmt.Fprintf(out, "skills: error: %v\n", skillErr)
	} else {
		fmt.Fprintf(out, "skills: %d found\n", len(skills))
	}
	fmt.Fprintf(out, "scheduler jobs: %d (enabled=%v)\n", len(jobs), a.cfg.Scheduler.Enabled)
	fmt.Fprintln(out, "doctor: OK")
	return nil
}
