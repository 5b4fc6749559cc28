package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func runSchedulerList(cmd *cobra.Command) error {
	logger := rootLogger()
	configRoot, err := resolveConfigRoot()
	if err != nil {
		return configError(err)
	}
	a, err := newApp(flagConfigPath, configRoot, logger)
	if err != nil {
		return initError(err)
	}

	jobs := a.scheduler.Jobs()
	if len(jobs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no jobs configured")
		return nil
	}
	for _, j := range jobs {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tskill=%s\tenabled=%v\tnext_run=%s\n",
			j.ID, j.CronExpr, j.SkillName, j.Enabled, j.NextRun.Format("2006-01-02T15:04:05Z07:00"))
	}
	return nil
}

// runSchedulerTick evaluates due jobs once, outside of the Start/Stop tick
// loop, useful for cron-style external invocation or smoke-testing a jobs
// document without leaving a server running.
func runSchedulerTick(cmd *cobra.Command) error {
	logger := rootLogger()
	configRoot, err := resolveConfigRoot()
	if err != nil {
		return configError(err)
	}
	a, err := newApp(flagConfigPath, configRoot, logger)
	if err != nil {
		return initError(err)
	}

	fired := a.scheduler.RunOnce(context.Background())
	fmt.Fprintf(cmd.OutOrStdout(), "fired %d job(s)\n", fired)
	return nil
}
