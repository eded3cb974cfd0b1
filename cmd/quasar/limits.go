package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func limitsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "limits",
		Short: "Show the configured per-provider rate limits",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			names := make([]string, 0, len(cfg.RateLimit.Providers))
			for name := range cfg.RateLimit.Providers {
				names = append(names, name)
			}
			sort.Strings(names)

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tMAX\tWINDOW\tBURST\tBURST WINDOW\tRETRY HINT")
			for _, name := range names {
				c := cfg.RateLimit.Providers[name]
				fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%s\t%s\n",
					name, c.MaxRequests, c.Window, c.BurstLimit, c.BurstWindow, c.RetryAfter)
			}
			d := cfg.RateLimit.Default
			fmt.Fprintf(w, "(default)\t%d\t%s\t%d\t%s\t%s\n",
				d.MaxRequests, d.Window, d.BurstLimit, d.BurstWindow, d.RetryAfter)
			return w.Flush()
		},
	}
}
