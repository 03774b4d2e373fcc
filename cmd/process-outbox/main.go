package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/notification-outbox/internal/app"
	"github.com/example/notification-outbox/internal/channel"
	"github.com/example/notification-outbox/internal/common"
	"github.com/example/notification-outbox/internal/entity"
	"github.com/example/notification-outbox/internal/identity"
	"github.com/example/notification-outbox/internal/outbox"
	"github.com/example/notification-outbox/internal/provider"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "process-outbox:", err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var limit int
	root := &cobra.Command{
		Use:           "process-outbox",
		Short:         "process one batch of due notification outbox rows",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if limit <= 0 {
					limit = a.Config.Outbox.BatchLimit
				}
				res, err := a.Processor.RunOnce(ctx, limit)
				if errors.Is(err, outbox.ErrLocked) {
					a.Logger.Info().Msg("previous run still active, exiting")
					return nil
				}
				if err != nil {
					a.Logger.Error().Err(err).Msg("outbox batch failed")
					return err
				}
				a.Logger.Info().
					Int("selected", res.Selected).
					Int("claimed", res.Claimed).
					Int("conflicts", res.Conflicts).
					Int("sent", res.Sent).
					Int("retried", res.Retried).
					Int("failed", res.Failed).
					Int("requeued", res.Requeued).
					Msg("outbox batch done")
				return nil
			})
		},
	}
	root.PersistentFlags().IntVar(&limit, "limit", 0, "maximum rows per batch (default OUTBOX_BATCH_LIMIT)")
	root.AddCommand(
		runCommand(&limit),
		migrateCommand(),
		providersCommand(),
		configsCommand(),
		identityCommand(),
	)
	return root
}

func withApp(ctx context.Context, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := common.LoadConfig("process-outbox")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := common.NewLogger(cfg.ServiceName, cfg.LogLevel)
	shutdown, err := common.SetupOTel(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialise telemetry")
		return err
	}
	defer common.ShutdownTelemetry(context.Background(), shutdown)

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to build app")
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func runCommand(limit *int) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "process due rows every interval until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if interval <= 0 {
					interval = a.Config.Outbox.PollInterval
				}
				n := *limit
				if n <= 0 {
					n = a.Config.Outbox.BatchLimit
				}
				metricsSrv := common.StartMetricsServer(a.Config.MetricsPort, a.Logger)
				defer metricsSrv.Shutdown(context.Background())

				a.Logger.Info().Dur("interval", interval).Int("limit", n).Msg("outbox processor started")
				return a.Processor.Run(ctx, interval, n)
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "poll interval (default OUTBOX_POLL_INTERVAL)")
	return cmd
}

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Store.Migrate(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Migrated up")
				return nil
			})
		},
	}
}

func providersCommand() *cobra.Command {
	var ch string
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "print the provider chain and health of a channel",
		RunE: func(cmd *cobra.Command, _ []string) error {
			parsed, err := channel.Parse(ch)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				health, err := a.Providers.Health(ctx, parsed)
				if err != nil {
					return err
				}
				return printJSON(cmd, health)
			})
		},
	}
	cmd.Flags().StringVar(&ch, "channel", string(channel.Mail), "channel to inspect")
	return cmd
}

func configsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "configs",
		Short: "manage provider configurations",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "list provider configurations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				configs, err := a.Store.ListConfigs(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, configs)
			})
		},
	}

	var (
		ch, name, description string
		priority              int
		settings              []string
		inactive              bool
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "add a provider to a channel's failover chain",
		RunE: func(cmd *cobra.Command, _ []string) error {
			parsed, err := channel.Parse(ch)
			if err != nil {
				return err
			}
			typ, ok := channel.ConfigTypeFor(parsed)
			if !ok {
				return fmt.Errorf("channel %s has no providers", parsed)
			}
			values, err := parseSettings(settings)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				c, err := a.Store.CreateConfig(ctx, provider.Config{
					Type:        typ,
					Name:        name,
					Channel:     &parsed,
					Settings:    values,
					Priority:    priority,
					IsActive:    !inactive,
					Description: description,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd, c)
			})
		},
	}
	add.Flags().StringVar(&ch, "channel", "", "channel served by the provider")
	add.Flags().StringVar(&name, "name", "", "provider name, e.g. sendgrid")
	add.Flags().IntVar(&priority, "priority", 0, "failover priority, lower runs first")
	add.Flags().StringArrayVar(&settings, "set", nil, "provider setting key=value, repeatable")
	add.Flags().StringVar(&description, "description", "", "free text description")
	add.Flags().BoolVar(&inactive, "inactive", false, "store the provider disabled")
	_ = add.MarkFlagRequired("channel")
	_ = add.MarkFlagRequired("name")

	toggle := func(use string, active bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " [id]",
			Short: use + " a provider configuration",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid config id %q", args[0])
				}
				return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
					return a.Store.SetConfigActive(ctx, id, active)
				})
			},
		}
	}

	cmd.AddCommand(list, add, toggle("enable", true), toggle("disable", false))
	return cmd
}

func identityCommand() *cobra.Command {
	var (
		scope, ch string
		id        identityFlags
	)
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "store the sender identity of a tenant, e.g. --scope client:9",
		RunE: func(cmd *cobra.Command, _ []string) error {
			typ, key, ok := strings.Cut(scope, ":")
			ref := entity.Ref{Type: typ, ID: key}
			if !ok || !ref.Valid() {
				return fmt.Errorf("invalid scope %q, expected type:id", scope)
			}
			var target *channel.Channel
			if ch != "" {
				parsed, err := channel.Parse(ch)
				if err != nil {
					return err
				}
				target = &parsed
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Store.UpsertIdentity(ctx, ref, target, id.identity(cmd))
			})
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "owner of the identity as type:id")
	cmd.Flags().StringVar(&ch, "channel", "", "channel the identity applies to (empty for all)")
	id.bind(cmd)
	_ = cmd.MarkFlagRequired("scope")
	return cmd
}

type identityFlags struct {
	fromName, fromEmail, fromPhone          string
	replyToEmail, replyToName, replyToPhone string
}

func (f *identityFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.fromName, "from-name", "", "")
	cmd.Flags().StringVar(&f.fromEmail, "from-email", "", "")
	cmd.Flags().StringVar(&f.fromPhone, "from-phone", "", "")
	cmd.Flags().StringVar(&f.replyToEmail, "reply-to-email", "", "")
	cmd.Flags().StringVar(&f.replyToName, "reply-to-name", "", "")
	cmd.Flags().StringVar(&f.replyToPhone, "reply-to-phone", "", "")
}

// identity keeps only flags given on the command line so unset fields stay
// NULL and fall through to less specific identities.
func (f *identityFlags) identity(cmd *cobra.Command) identity.Identity {
	pick := func(flag, v string) *string {
		if !cmd.Flags().Changed(flag) {
			return nil
		}
		return identity.String(v)
	}
	return identity.Identity{
		FromName:     pick("from-name", f.fromName),
		FromEmail:    pick("from-email", f.fromEmail),
		FromPhone:    pick("from-phone", f.fromPhone),
		ReplyToEmail: pick("reply-to-email", f.replyToEmail),
		ReplyToName:  pick("reply-to-name", f.replyToName),
		ReplyToPhone: pick("reply-to-phone", f.replyToPhone),
	}
}

func parseSettings(pairs []string) (provider.Settings, error) {
	out := provider.Settings{}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid setting %q, expected key=value", p)
		}
		out[k] = v
	}
	return out, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
