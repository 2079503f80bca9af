package main

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ineyio/quotaguard"
)

var creditsFlags struct {
	reason string
}

var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Inspect and grant credits",
	Long: `Inspect balances and grant purchased credits.

Identities are given as <kind> <value>, where kind is "user" or "ip".

Examples:
  quotaguard credits balance user 42
  quotaguard credits grant user 42 100 --reason refund`,
}

var creditsBalanceCmd = &cobra.Command{
	Use:   "balance <kind> <value>",
	Short: "Show the spendable balance of an identity",
	Args:  cobra.ExactArgs(2),
	RunE:  showBalance,
}

var creditsGrantCmd = &cobra.Command{
	Use:   "grant <kind> <value> <amount>",
	Short: "Add purchased credits to an identity",
	Args:  cobra.ExactArgs(3),
	RunE:  grantCredits,
}

func init() {
	rootCmd.AddCommand(creditsCmd)
	creditsCmd.AddCommand(creditsBalanceCmd, creditsGrantCmd)

	creditsGrantCmd.Flags().StringVar(&creditsFlags.reason, "reason", "cli_grant", "audit reason")
}

func parseIdentity(kind, value string) (quotaguard.Identity, error) {
	k, err := quotaguard.ParseIdentityKind(kind)
	if err != nil {
		return quotaguard.Identity{}, err
	}
	id := quotaguard.Identity{Kind: k, Value: value}
	if err := id.Validate(); err != nil {
		return quotaguard.Identity{}, fmt.Errorf("invalid identity %q", value)
	}
	return id, nil
}

func showBalance(cmd *cobra.Command, args []string) error {
	id, err := parseIdentity(args[0], args[1])
	if err != nil {
		return err
	}
	st, err := openStack(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	out := map[string]any{"identity": id}
	chain, ok := st.engine.Credits().(*quotaguard.CreditChain)
	if !ok {
		return fmt.Errorf("no credit chain configured")
	}
	var total int64
	sources := map[string]int64{}
	for _, src := range chain.Sources() {
		b, err := src.Balance(cmd.Context(), id)
		if err != nil {
			return err
		}
		sources[src.Name()] = b
		total += b
	}
	out["balance"] = total
	out["sources"] = sources
	return printJSON(cmd.OutOrStdout(), out)
}

func grantCredits(cmd *cobra.Command, args []string) error {
	id, err := parseIdentity(args[0], args[1])
	if err != nil {
		return err
	}
	amount, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil || amount <= 0 {
		return fmt.Errorf("amount must be a positive integer, got %q", args[2])
	}
	st, err := openStack(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	balance, err := st.ledger.Credit(cmd.Context(), id, amount, creditsFlags.reason)
	if err != nil {
		return err
	}
	slog.Info("credits granted",
		"actor", cliActor(),
		"identity", id.Key(),
		"amount", amount,
		"reason", creditsFlags.reason,
		"balance", balance,
	)
	return printJSON(cmd.OutOrStdout(), map[string]any{"identity": id, "balance": balance})
}
