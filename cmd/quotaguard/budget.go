package main

import (
	"sort"

	"github.com/spf13/cobra"

	"github.com/ineyio/quotaguard"
)

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Inspect provider budgets",
}

var budgetStatusCmd = &cobra.Command{
	Use:   "status [provider...]",
	Short: "Show the current budget status, bypassing the cache",
	Long: `Show the current budget status of pooled providers.

Without arguments every provider with a configured budget is shown.

Examples:
  quotaguard budget status
  quotaguard budget status gemini`,
	RunE: budgetStatus,
}

func init() {
	rootCmd.AddCommand(budgetCmd)
	budgetCmd.AddCommand(budgetStatusCmd)
}

func budgetStatus(cmd *cobra.Command, args []string) error {
	st, err := openStack(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	governor := st.engine.Governor()
	providers := args
	if len(providers) == 0 {
		providers = governor.Providers()
		sort.Strings(providers)
	}

	out := make([]quotaguard.BudgetStatus, 0, len(providers))
	for _, p := range providers {
		s, err := governor.CurrentStatus(cmd.Context(), p)
		if err != nil {
			return err
		}
		out = append(out, s)
	}
	return printJSON(cmd.OutOrStdout(), out)
}
