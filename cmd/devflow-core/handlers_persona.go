package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func runPersonaList(cmd *cobra.Command) error {
	logger := rootLogger()
	configRoot, err := resolveConfigRoot()
	if err != nil {
		return configError(err)
	}
	a, err := newApp(flagConfigPath, configRoot, logger)
	if err != nil {
		return initError(err)
	}

	personas, err := a.personas.List()
	if err != nil {
		return err
	}
	if len(personas) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no personas found")
		return nil
	}
	for _, p := range personas {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tmodules=%v\n", p.Name, p.Description, p.Modules)
	}
	return nil
}

func runPersonaLoad(cmd *cobra.Command, workspaceURI, personaName string) error {
	logger := rootLogger()
	configRoot, err := resolveConfigRoot()
	if err != nil {
		return configError(err)
	}
	a, err := newApp(flagConfigPath, configRoot, logger)
	if err != nil {
		return initError(err)
	}

	if _, err := a.workspace.GetOrCreate(context.Background(), workspaceURI); err != nil {
		return err
	}
	p, err := a.personas.Load(workspaceURI, personaName)
	if err != nil {
		return err
	}
	if err := a.workspace.SetActivePersona(context.Background(), workspaceURI, p.Name); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "loaded persona %q into %s (modules=%v)\n", p.Name, workspaceURI, p.Modules)
	return nil
}
