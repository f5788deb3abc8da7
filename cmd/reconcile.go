/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/inkwell-cms/apiserver/internal/server"
	"github.com/inkwell-cms/apiserver/internal/services"
	"github.com/inkwell-cms/apiserver/types"
	"github.com/spf13/cobra"
)

var (
	reconcileKind    string
	reconcileDryRun  bool
	reconcileListen  bool
	reconcileEnqueue bool
)

// reconcileCmd represents the reconcile command.
var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Remove media rows and objects that have lost their counterpart",
	Long: `Compares the database with object storage for each resource kind,
deletes rows whose object is gone and objects no row references.

	inkwell reconcile --kind photo --dry-run
	inkwell reconcile --listen
	inkwell reconcile --kind video --enqueue
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log := loadConfig()

		kinds := types.ResourceKinds
		if reconcileKind != "" {
			kind, err := types.ParseResourceKind(reconcileKind)
			if err != nil {
				return err
			}
			kinds = []types.ResourceKind{kind}
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		deps, err := server.Wire(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer deps.Close()

		if reconcileListen || reconcileEnqueue {
			if deps.Broker == nil {
				return errors.New("MQ_BACKEND must be configured to listen or enqueue")
			}
		}

		if reconcileListen {
			log.Info().Str("channel", services.ChannelReconcile).Msg("waiting for reconcile requests")
			err := deps.Broker.Subscribe(ctx, services.ChannelReconcile, deps.Reconciler.HandleMessage)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		if reconcileEnqueue {
			for _, kind := range kinds {
				id, err := deps.Broker.PublishJSON(ctx, services.ChannelReconcile, types.ReconcileRequest{Kind: kind, DryRun: reconcileDryRun})
				if err != nil {
					return err
				}
				log.Info().Str("kind", string(kind)).Str("message_id", id).Msg("reconcile request queued")
			}
			return nil
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		var failed error
		for _, kind := range kinds {
			run := deps.Reconciler.Reconcile
			if reconcileDryRun {
				run = deps.Reconciler.Plan
			}
			report, err := run(ctx, kind)
			if err != nil {
				log.Error().Err(err).Str("kind", string(kind)).Msg("reconcile failed")
				failed = errors.Join(failed, err)
			}
			if err := enc.Encode(report); err != nil {
				return err
			}
		}
		return failed
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
	reconcileCmd.Flags().StringVar(&reconcileKind, "kind", "", "resource kind to reconcile (article, photo, video); all kinds when empty")
	reconcileCmd.Flags().BoolVar(&reconcileDryRun, "dry-run", false, "report differences without deleting anything")
	reconcileCmd.Flags().BoolVar(&reconcileListen, "listen", false, "serve reconcile requests from the message queue")
	reconcileCmd.Flags().BoolVar(&reconcileEnqueue, "enqueue", false, "publish reconcile requests instead of running them")
	reconcileCmd.MarkFlagsMutuallyExclusive("listen", "enqueue")
}
