package main

import (
	"github.com/spf13/cobra"

	"github.com/ariefcatur/go-checkout-reconciler/internal/inventory"
)

func erpSyncCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "erp-sync [order-id]",
		Short: "Create the draft ERP documents for a paid order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := e.ctx(cmd)
			defer cancel()
			res, err := e.app.Orchestrator.CreateDocuments(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
}

func erpSubmitCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "erp-submit [order-id]",
		Short: "Submit the ERP documents of a delivered order",
		Long: `Submits the Sales Order, Delivery Note and Sales Invoice in that order.
Documents that are missing are created first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := e.ctx(cmd)
			defer cancel()
			res, err := e.app.Orchestrator.SubmitDocuments(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
}

func erpFailuresCmd(e *env) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "erp-failures",
		Short: "List orders whose ERP sync needs attention",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := e.ctx(cmd)
			defer cancel()
			list, err := e.app.Orchestrator.NeedingAttention(ctx, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, list)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "Maximum orders")
	return cmd
}

func inventorySyncCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "inventory-sync",
		Short: "Refresh the product and stock caches from the ERP once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := e.ctx(cmd)
			defer cancel()
			report, err := e.app.SyncJob.Run(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
}

func syncStatusCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "sync-status [sync-type]",
		Short: "Show the last outcome of a sync job",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := e.ctx(cmd)
			defer cancel()
			syncType := inventory.SyncTypeInventory
			if len(args) == 1 {
				syncType = args[0]
			}
			st, err := e.app.SyncStatus.Get(ctx, syncType)
			if err != nil {
				return err
			}
			return printJSON(cmd, st)
		},
	}
}
