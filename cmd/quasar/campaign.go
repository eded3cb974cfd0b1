package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

func campaignCmd() *cobra.Command {
	var (
		apiKey string
		asJSON bool
		repeat int
	)

	cmd := &cobra.Command{
		Use:   "campaign <id>",
		Short: "Fetch a Reply.io campaign through the guard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid campaign id: %s", args[0])
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if apiKey == "" {
				apiKey = cfg.ReplyIO.APIKey
			}
			if apiKey == "" {
				return fmt.Errorf("missing API key (use --api-key or QUASAR_REPLYIO_API_KEY)")
			}

			s, err := buildStack(cfg)
			if err != nil {
				return err
			}
			defer s.close()

			ctx := context.Background()
			for i := 1; i < repeat; i++ {
				if _, err := s.service.Campaign(ctx, apiKey, id); err != nil {
					return err
				}
			}
			c, err := s.service.Campaign(ctx, apiKey, id)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(c)
			}
			fmt.Printf("Campaign:\n")
			fmt.Printf("  ID:      %d\n", c.ID)
			fmt.Printf("  Name:    %s\n", c.Name)
			fmt.Printf("  Status:  %d\n", c.Status)

			st := s.manager.Stats(ctx)
			fmt.Printf("Guard: %d requests, %d cache hits, %d rate-limited\n",
				st.TotalRequests, st.CacheHits, st.RateLimitHits)
			return nil
		},
	}

	cmd.Flags().StringVar(&apiKey, "api-key", "", "Reply.io API key")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the campaign as JSON")
	cmd.Flags().IntVar(&repeat, "repeat", 1, "Fetch the campaign this many times (later calls hit the cache)")

	return cmd
}
