package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/devflow/core/internal/workspace"
)

type skillRunOptions struct {
	name         string
	agent        string
	workspaceURI string
	sessionID    string
	inputsJSON   string
}

func runSkillList(cmd *cobra.Command) error {
	logger := rootLogger()
	configRoot, err := resolveConfigRoot()
	if err != nil {
		return configError(err)
	}
	a, err := newApp(flagConfigPath, configRoot, logger)
	if err != nil {
		return initError(err)
	}

	skills, err := a.skills.List()
	if err != nil {
		return err
	}
	if len(skills) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no skills found")
		return nil
	}
	for _, s := range skills {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\tv%s\tsteps=%d\n", s.Name, s.Version, len(s.Steps))
	}
	return nil
}

func runSkillRun(cmd *cobra.Command, opts skillRunOptions) error {
	logger := rootLogger()
	configRoot, err := resolveConfigRoot()
	if err != nil {
		return configError(err)
	}
	a, err := newApp(flagConfigPath, configRoot, logger)
	if err != nil {
		return initError(err)
	}
	defer a.traceStop(context.Background()) //nolint:errcheck

	var inputs map[string]any
	if err := json.Unmarshal([]byte(opts.inputsJSON), &inputs); err != nil {
		return badArgs("parse --inputs: %v", err)
	}

	ctx := context.Background()
	if _, err := a.workspace.GetOrCreate(ctx, opts.workspaceURI); err != nil {
		return err
	}

	if opts.agent != "" {
		p, err := a.personas.Load(opts.workspaceURI, opts.agent)
		if err != nil {
			return err
		}
		if err := a.workspace.SetActivePersona(ctx, opts.workspaceURI, p.Name); err != nil {
			return err
		}
	}

	var sess *workspace.Session
	if opts.sessionID != "" {
		sess, err = a.workspace.Switch(ctx, opts.workspaceURI, opts.sessionID)
	} else {
		sess, err = a.workspace.StartSession(ctx, opts.workspaceURI)
	}
	if err != nil {
		return err
	}

	skill, err := a.skills.Get(opts.name)
	if err != nil {
		return err
	}

	result := a.engine.Run(ctx, skill, opts.workspaceURI, sess.ID, inputs)
	out, marshalErr := json.MarshalIndent(map[string]any{
		"execution_id": result.ExecutionID,
		"state":        result.State,
		"outputs":      result.Outputs,
	}, "", "  ")
	if marshalErr == nil {
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
	}
	if result.Err != nil {
		return result.Err
	}
	return nil
}
