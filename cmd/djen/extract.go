package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/djen/internal/pipeline"
	"github.com/mohammad-safakhou/djen/internal/store"
)

func extractCMD(cfgPath *string) *cobra.Command {
	var from, to string
	var cmd = &cobra.Command{
		Use:   "extract",
		Short: "Run one ingestion pass and print its run log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			req := pipeline.Request{Trigger: store.TriggerManual}
			loc := cfg.Schedule.Location()
			if req.DateFrom, err = parseDay("from", from, loc); err != nil {
				return err
			}
			if req.DateTo, err = parseDay("to", to, loc); err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			rl, err := a.orch.Run(cmd.Context(), req)
			if rl != nil {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				_ = enc.Encode(rl)
			}
			if err != nil {
				return err
			}
			if rl.Status == store.RunStatusError {
				return fmt.Errorf("run %s failed: %s", rl.ID, rl.ErrorDetails)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "first publication date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "last publication date (YYYY-MM-DD)")
	return cmd
}

func parseDay(flag, raw string, loc *time.Location) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.ParseInLocation(time.DateOnly, raw, loc)
	if err != nil {
		return nil, fmt.Errorf("--%s must be YYYY-MM-DD: %w", flag, err)
	}
	return &t, nil
}
