package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ineyio/quotaguard"
)

var quotaFlags struct {
	limit  int64
	window string
}

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Inspect and change quota configs",
	Long: `Inspect and change the per-(feature, plan) quota configs.

A missing config means the plan is not entitled to the feature. A limit of 0
forbids the feature on that plan.

Examples:
  quotaguard quota list
  quotaguard quota get chat free
  quotaguard quota set chat free --limit 20 --window daily`,
}

var quotaListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all quota configs",
	Args:  cobra.NoArgs,
	RunE:  listQuotas,
}

var quotaGetCmd = &cobra.Command{
	Use:   "get <feature> <plan>",
	Short: "Show one quota config",
	Args:  cobra.ExactArgs(2),
	RunE:  getQuota,
}

var quotaSetCmd = &cobra.Command{
	Use:   "set <feature> <plan>",
	Short: "Create or update a quota config",
	Args:  cobra.ExactArgs(2),
	RunE:  setQuota,
}

func init() {
	rootCmd.AddCommand(quotaCmd)
	quotaCmd.AddCommand(quotaListCmd, quotaGetCmd, quotaSetCmd)

	quotaSetCmd.Flags().Int64Var(&quotaFlags.limit, "limit", -1, "request limit per window (0 forbids the feature)")
	quotaSetCmd.Flags().StringVar(&quotaFlags.window, "window", "", "window: daily or monthly")
	quotaSetCmd.MarkFlagRequired("limit")
}

func listQuotas(cmd *cobra.Command, args []string) error {
	st, err := openStack(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	quotas, err := st.engine.Registry().List(cmd.Context())
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), quotas)
}

func getQuota(cmd *cobra.Command, args []string) error {
	st, err := openStack(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	q, err := st.engine.Registry().Get(cmd.Context(), args[0], args[1])
	if errors.Is(err, quotaguard.ErrQuotaNotConfigured) {
		return fmt.Errorf("no quota configured for %s/%s", args[0], args[1])
	}
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), q)
}

func setQuota(cmd *cobra.Command, args []string) error {
	st, err := openStack(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	feature, plan := args[0], args[1]
	registry := st.engine.Registry()

	patch := quotaguard.QuotaPatch{Limit: &quotaFlags.limit}
	if quotaFlags.window != "" {
		w := quotaguard.QuotaWindow(quotaFlags.window)
		patch.Window = &w
	}

	before, after, err := registry.Update(ctx, feature, plan, patch)
	if errors.Is(err, quotaguard.ErrQuotaNotConfigured) {
		q := quotaguard.QuotaConfig{Feature: feature, Plan: plan, Limit: quotaFlags.limit, Window: quotaguard.QuotaDaily}
		if patch.Window != nil {
			q.Window = *patch.Window
		}
		if err := registry.Create(ctx, q); err != nil {
			return err
		}
		slog.Info("quota created", "actor", cliActor(), "feature", feature, "plan", plan, "after_limit", q.Limit)
		return printJSON(cmd.OutOrStdout(), q)
	}
	if err != nil {
		return err
	}

	slog.Info("quota updated",
		"actor", cliActor(),
		"feature", feature,
		"plan", plan,
		"before_limit", before.Limit,
		"after_limit", after.Limit,
	)
	return printJSON(cmd.OutOrStdout(), after)
}

// openStack loads the config and wires the stores for a one-shot command.
func openStack(cmd *cobra.Command) (*stack, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cmd.ErrOrStderr())
	slog.SetDefault(logger)
	return buildStack(cmd.Context(), cfg, nil, logger)
}

func cliActor() string {
	if u := os.Getenv("USER"); u != "" {
		return "cli:" + u
	}
	return "cli"
}
