package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ai-consumption-tracker/aict/internal/config"
	"github.com/ai-consumption-tracker/aict/internal/usage"
	"github.com/ai-consumption-tracker/aict/internal/util"
)

var (
	jsonOutput bool
	saveUsage  bool
	showKeys   bool
	retention  int
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List discovered provider credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		configs := newLoader(cfg).LoadConfig()
		if !showKeys {
			for i := range configs {
				configs[i].APIKey = util.HideAPIKey(configs[i].APIKey)
			}
		}
		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), configs)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PROVIDER\tTYPE\tKEY\tSOURCE")
		for _, c := range configs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.ProviderID, c.ConfigType, c.APIKey, c.AuthSource)
		}
		return w.Flush()
	},
}

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Fetch current usage from every provider",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
		defer cancel()

		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.close()

		records := a.coordinator.GetAllUsage(ctx, true)
		if saveUsage {
			if _, err := a.recorder.Record(ctx, records); err != nil {
				return fmt.Errorf("failed to persist usage: %w", err)
			}
		}
		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), records)
		}
		return writeUsageTable(cmd.OutOrStdout(), records)
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Prune old history and raw responses",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.close()

		days := cfg.Scheduler.RetentionDays
		if cmd.Flags().Changed("retention-days") {
			days = retention
		}

		ctx := cmd.Context()
		raw, err := a.storage.CleanupRawResponses(ctx)
		if err != nil {
			return err
		}
		var history int64
		if days > 0 {
			if history, err = a.storage.CleanupOldRecords(ctx, days); err != nil {
				return err
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d history rows and %d raw responses\n", history, raw)
		return nil
	},
}

func init() {
	discoverCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print JSON")
	discoverCmd.Flags().BoolVar(&showKeys, "show-keys", false, "Print credentials unmasked")

	usageCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print JSON")
	usageCmd.Flags().BoolVar(&saveUsage, "save", false, "Persist the fetched usage to the history")

	cleanupCmd.Flags().IntVar(&retention, "retention-days", config.DefaultConfig().Scheduler.RetentionDays, "History retention window in days")
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeUsageTable(out io.Writer, records []usage.UsageRecord) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tUSED\tUSAGE\tSTATUS")
	for _, r := range records {
		name := r.ProviderName
		if r.AccountName != "" {
			name += " (" + r.AccountName + ")"
		}
		status := "ok"
		if !r.IsAvailable {
			status = "unavailable"
		}
		fmt.Fprintf(w, "%s\t%.1f%%\t%s\t%s\n", name, r.UsagePercentage, r.Description, status)
		for _, d := range r.Details {
			fmt.Fprintf(w, "  %s\t%s\t%s\t\n", d.Name, d.Used, d.Description)
		}
	}
	return w.Flush()
}
