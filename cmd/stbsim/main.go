// Command stbsim plays the set-top box side of the settings exchange against a running server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/stbsettings/internal/adapter/stbclient"
	"github.com/pscheid92/stbsettings/internal/domain"
	"github.com/pscheid92/stbsettings/internal/platform/correlation"
	"github.com/pscheid92/stbsettings/internal/platform/logging"
	"github.com/pscheid92/stbsettings/internal/platform/version"
	"github.com/spf13/cobra"
)

var (
	serverURL  string
	logLevel   string
	schemaPath string
	secret     string
	revision   uint64
	interval   time.Duration

	rootCmd = &cobra.Command{
		Use:           "stbsim",
		Short:         "Simulates a set-top box talking to the settings server.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			logging.InitLogger(logLevel, "text")
		},
	}

	newCmd = &cobra.Command{
		Use:   "new",
		Short: "Registers a parameter schema and prints the key and secret.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			params, err := loadSchema(schemaPath)
			if err != nil {
				return err
			}
			id, err := client().NewSession(cmd.Context(), params)
			if err != nil {
				return fmt.Errorf("create session: %w", err)
			}
			return printJSON(cmd, id)
		},
	}

	pollCmd = &cobra.Command{
		Use:   "poll",
		Short: "Polls once for changes newer than --revision.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := client().Poll(cmd.Context(), secret, revision)
			if err != nil {
				return fmt.Errorf("poll: %w", err)
			}
			return printJSON(cmd, res)
		},
	}

	ackCmd = &cobra.Command{
		Use:   "ack",
		Short: "Acknowledges that --revision has been applied.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			erased, current, err := client().Acknowledge(cmd.Context(), secret, revision)
			if err != nil {
				return fmt.Errorf("ack: %w", err)
			}
			return printJSON(cmd, map[string]any{"erased": erased, "revision": current})
		},
	}

	endCmd = &cobra.Command{
		Use:   "end",
		Short: "Ends the session without applying pending edits.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := client().EndSession(cmd.Context(), secret); err != nil {
				return fmt.Errorf("end session: %w", err)
			}
			return nil
		},
	}

	watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Creates a session, polls until an edit arrives and acknowledges it.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			params, err := loadSchema(schemaPath)
			if err != nil {
				return err
			}
			ctx := correlation.WithID(cmd.Context(), correlation.NewID())
			values, err := watch(ctx, client(), clockwork.NewRealClock(), params, interval, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			return printJSON(cmd, values)
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Prints build information.",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println(version.Get().String())
		},
	}
)

func client() *stbclient.Client {
	return stbclient.New(serverURL)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// watch drives a whole session: register, announce the key, poll until the user
// submits, acknowledge. If ctx ends first the session is ended on the server.
func watch(ctx context.Context, c *stbclient.Client, clock clockwork.Clock, params []domain.Parameter, every time.Duration, out io.Writer) ([]domain.Parameter, error) {
	id, err := c.NewSession(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	_, _ = fmt.Fprintf(out, "Enter code %s in the browser\n", id.Key)
	slog.Info("Session created, polling", "interval", every)

	values, err := pollUntilAcked(ctx, c, clock, id.Secret, every)
	if err != nil && ctx.Err() != nil {
		if endErr := c.EndSession(context.WithoutCancel(ctx), id.Secret); endErr != nil {
			slog.Warn("Failed to end session", "error", endErr)
		}
		return nil, ctx.Err()
	}
	return values, err
}

// pollUntilAcked keeps polling after an ack that lost the race against a newer edit.
func pollUntilAcked(ctx context.Context, c *stbclient.Client, clock clockwork.Clock, secret string, every time.Duration) ([]domain.Parameter, error) {
	ticker := clock.NewTicker(every)
	defer ticker.Stop()

	var known uint64
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.Chan():
		}

		res, err := c.Poll(ctx, secret, known)
		if err != nil {
			return nil, fmt.Errorf("poll: %w", err)
		}
		if !res.Changed {
			continue
		}
		known = res.Revision
		slog.Info("Settings changed", "revision", res.Revision)

		erased, current, err := c.Acknowledge(ctx, secret, res.Revision)
		if err != nil {
			return nil, fmt.Errorf("ack: %w", err)
		}
		if erased {
			return res.Values, nil
		}
		slog.Info("Newer edit pending", "acked", res.Revision, "current", current)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "base URL of the settings server")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	for _, cmd := range []*cobra.Command{newCmd, watchCmd} {
		cmd.Flags().StringVar(&schemaPath, "schema", "", "JSON file with the parameter list (defaults to a demo schema)")
	}
	watchCmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "poll interval")

	for _, cmd := range []*cobra.Command{pollCmd, ackCmd, endCmd} {
		cmd.Flags().StringVar(&secret, "sid", "", "device secret")
		_ = cmd.MarkFlagRequired("sid")
	}
	for _, cmd := range []*cobra.Command{pollCmd, ackCmd} {
		cmd.Flags().Uint64Var(&revision, "revision", 0, "revision the device knows")
	}

	rootCmd.AddCommand(newCmd, pollCmd, ackCmd, endCmd, watchCmd, versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("stbsim failed", "error", err)
		os.Exit(1)
	}
}
