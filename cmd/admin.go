package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gorm.io/gorm"

	"foresta.dev/guardian/internal/alert"
	"foresta.dev/guardian/internal/gateway"
	"foresta.dev/guardian/internal/store"
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Operator actions against the telemetry store",
	Long: `Operator actions that work directly against the telemetry store.
Devices are referenced by hardware id or code name. The database settings
are the gateway's (gateway.db.*).`,
}

var approveCmd = &cobra.Command{
	Use:   "approve <device>",
	Short: "Approve a pending device and issue its credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		codeName, _ := cmd.Flags().GetString("code-name")
		area, _ := cmd.Flags().GetString("area")
		return withRegistrar(cmd, func(ctx context.Context, r *gateway.Registrar, _ *store.Store) error {
			device, err := r.Approve(ctx, args[0], codeName, area)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "approved %s as %s in area %q\n", device.HardwareID, device.DisplayName(), device.AreaID)
			return nil
		})
	},
}

var revokeCmd = &cobra.Command{
	Use:   "revoke <device>",
	Short: "Revoke a device's credential without issuing a new one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistrar(cmd, func(ctx context.Context, r *gateway.Registrar, _ *store.Store) error {
			device, err := r.Revoke(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked credential of %s\n", device.DisplayName())
			return nil
		})
	},
}

var rotateCmd = &cobra.Command{
	Use:   "rotate <device>",
	Short: "Replace a device's credential; the device picks it up on its next poll",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistrar(cmd, func(ctx context.Context, r *gateway.Registrar, _ *store.Store) error {
			device, err := r.RotateCredential(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rotated credential of %s\n", device.DisplayName())
			return nil
		})
	},
}

var decommissionCmd = &cobra.Command{
	Use:   "decommission <device>",
	Short: "Retire a device permanently",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistrar(cmd, func(ctx context.Context, r *gateway.Registrar, _ *store.Store) error {
			device, err := r.Decommission(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "decommissioned %s\n", device.DisplayName())
			return nil
		})
	},
}

var troubleshootCmd = &cobra.Command{
	Use:   "troubleshoot <device>",
	Short: "Mark an active device as troubleshooting, or clear the mark with --off",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		off, _ := cmd.Flags().GetBool("off")
		return withRegistrar(cmd, func(ctx context.Context, r *gateway.Registrar, _ *store.Store) error {
			device, err := r.SetTroubleshooting(ctx, args[0], !off)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "troubleshooting of %s set to %t\n", device.DisplayName(), !off)
			return nil
		})
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete health checks and readings past their retention once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withRegistrar(cmd, func(ctx context.Context, _ *gateway.Registrar, st *store.Store) error {
			res, err := st.Purge(ctx, time.Now(), store.Retention{
				HealthChecks: viper.GetDuration("gateway.retention.health_checks"),
				Readings:     viper.GetDuration("gateway.retention.readings"),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d health checks and %d readings\n", res.HealthChecks, res.Readings)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(adminCmd)
	adminCmd.AddCommand(approveCmd, revokeCmd, rotateCmd, decommissionCmd, troubleshootCmd, purgeCmd)

	adminCmd.PersistentFlags().Duration("timeout", 30*time.Second, "Timeout of the operation")

	approveCmd.Flags().String("code-name", "", "Code name to assign (next GUARDIAN-NNN when empty)")
	approveCmd.Flags().String("area", "", "Area the device belongs to")
	troubleshootCmd.Flags().Bool("off", false, "Return the device to active")
}

// withRegistrar opens the store, builds a registrar on top of it and runs fn.
func withRegistrar(cmd *cobra.Command, fn func(context.Context, *gateway.Registrar, *store.Store) error) error {
	logger := GetLogger("admin")

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	db, err := store.NewDB(&store.DBConfig{
		Host:     viper.GetString("gateway.db.host"),
		Port:     viper.GetInt("gateway.db.port"),
		User:     viper.GetString("gateway.db.user"),
		Password: viper.GetString("gateway.db.password"),
		DBName:   viper.GetString("gateway.db.name"),
		SSLMode:  viper.GetString("gateway.db.sslmode"),
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if err := store.CloseDB(db, logger); err != nil {
			logger.Error("failed to close database", "error", err)
		}
	}()

	r, st, err := newRegistrar(logger, db)
	if err != nil {
		return err
	}
	return fn(ctx, r, st)
}

func newRegistrar(logger *slog.Logger, db *gorm.DB) (*gateway.Registrar, *store.Store, error) {
	st, err := store.New(&store.Config{
		Logger:           logger.With("component", "store"),
		DB:               db,
		CredentialPepper: viper.GetString("gateway.credential_pepper"),
	})
	if err != nil {
		return nil, nil, err
	}

	thresholds, err := alertThresholds()
	if err != nil {
		return nil, nil, err
	}
	evaluator, err := alert.NewEvaluator(thresholds)
	if err != nil {
		return nil, nil, err
	}

	r, err := gateway.NewRegistrar(&gateway.RegistrarConfig{
		Logger:      logger,
		Store:       st,
		Evaluator:   evaluator,
		Profile:     gateway.DefaultDeviceProfile(viper.GetString("gateway.public_url")),
		MinFirmware: viper.GetString("gateway.min_firmware"),
	})
	if err != nil {
		return nil, nil, err
	}
	return r, st, nil
}
