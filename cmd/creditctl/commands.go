package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/gocredit/pkg/api"
	"github.com/mihaimyh/gocredit/pkg/credit"
)

const commandTimeout = 10 * time.Second

func balanceCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "balance <user>",
		Short: "Show a user's remaining free and purchased units",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			bal, err := a.manager.Balance(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to get balance: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), api.NewAccountResponse(bal))
		},
	}
}

func rechargeCmd(a *app) *cobra.Command {
	var (
		users  []string
		all    bool
		amount int
		note   string
		id     string
	)

	cmd := &cobra.Command{
		Use:   "recharge",
		Short: "Credit purchased units to one, many or all users",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := credit.RechargeRequest{
				ID:       id,
				Operator: a.operator,
				Amount:   amount,
				Note:     note,
			}
			switch {
			case all && len(users) > 0:
				return fmt.Errorf("--all cannot be combined with --user")
			case all:
				req.Type = credit.RechargeAll
			case len(users) == 1:
				req.Type = credit.RechargeSingle
			default:
				req.Type = credit.RechargeBatch
			}
			if !all {
				req.Users = make(map[string]string, len(users))
				for _, u := range users {
					req.Users[u] = ""
				}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			rec, err := a.manager.Recharge(ctx, req)
			if err != nil {
				return fmt.Errorf("recharge failed: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}
	cmd.Flags().StringSliceVarP(&users, "user", "u", nil, "user to credit (repeatable)")
	cmd.Flags().BoolVar(&all, "all", false, "credit every known account")
	cmd.Flags().IntVarP(&amount, "amount", "a", 0, "units per user (required)")
	cmd.Flags().StringVar(&note, "note", "", "note stored with the recharge")
	cmd.Flags().StringVar(&id, "id", "", "idempotency ID; a repeated ID is rejected")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func historyCmd(a *app) *cobra.Command {
	var page, size int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recharges, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			p, err := a.manager.RechargeHistory(ctx, page, size)
			if err != nil {
				return fmt.Errorf("failed to read history: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), api.NewRechargeHistoryResponse(p))
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&size, "size", 20, "records per page")
	return cmd
}

func jobsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Pending external job operations",
	}

	var user string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List pending jobs, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			jobs, err := a.manager.ListPendingJobs(ctx, user)
			if err != nil {
				return fmt.Errorf("failed to list jobs: %w", err)
			}
			if jobs == nil {
				jobs = []*credit.PendingJob{}
			}
			return printJSON(cmd.OutOrStdout(), api.JobsResponse{Jobs: jobs})
		},
	}
	listCmd.Flags().StringVar(&user, "user", "", "only jobs of this user")

	cmd.AddCommand(listCmd)
	return cmd
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
