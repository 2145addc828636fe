package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-checkout-reconciler/internal/app"
	"github.com/ariefcatur/go-checkout-reconciler/internal/config"
	"github.com/ariefcatur/go-checkout-reconciler/internal/logx"
)

var Version = "dev"

type env struct {
	app     *app.App
	timeout time.Duration
}

func main() {
	e := &env{}
	rootCmd := &cobra.Command{
		Use:           "opsctl",
		Short:         "Operator commands for ERP sync and inventory reconciliation",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return e.open(cmd.Context())
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			e.close()
		},
	}
	rootCmd.PersistentFlags().DurationVar(&e.timeout, "timeout", 2*time.Minute, "Deadline for the whole command")

	rootCmd.AddCommand(erpSyncCmd(e))
	rootCmd.AddCommand(erpSubmitCmd(e))
	rootCmd.AddCommand(erpFailuresCmd(e))
	rootCmd.AddCommand(inventorySyncCmd(e))
	rootCmd.AddCommand(syncStatusCmd(e))

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		e.close()
		os.Exit(1)
	}
}

func (e *env) open(ctx context.Context) error {
	_ = godotenv.Load()
	cfg := config.Load()
	cfg.ServiceName += "-opsctl"
	log, err := logx.New(logx.Config{AppEnv: cfg.AppEnv, Level: cfg.Log.Level, Encoding: "console"})
	if err != nil {
		return err
	}
	a, err := app.Build(ctx, cfg, log.With(zap.String("service", cfg.ServiceName)))
	if err != nil {
		return err
	}
	e.app = a
	return nil
}

func (e *env) close() {
	if e.app == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	e.app.Close(ctx)
	_ = e.app.Log.Sync()
	e.app = nil
}

func (e *env) ctx(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), e.timeout)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
