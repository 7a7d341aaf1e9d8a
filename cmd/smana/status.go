package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, session and dashboard counters",
	Long:  "Display the effective configuration, check whether the stored session has expired, and fetch live counters from the backend.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, err := newClient(cfg)
		if err != nil {
			return err
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Environment: %s\n", valueOrDefault(cfg.Default.Environment, "(not set)"))
		fmt.Printf("  Backend:     %s\n", client.BaseURL())
		fmt.Printf("  Gateway:     %s\n", cfg.Gateway.Listen)

		fmt.Println()
		fmt.Println("Session:")
		id, ok := client.Session().Identity()
		if !ok {
			fmt.Println("  (not signed in)")
			return nil
		}
		fmt.Printf("  User:    %s <%s>\n", valueOrDefault(id.Name, "(no name)"), id.Email)
		fmt.Printf("  Role:    %s\n", id.Role)

		tokenStatus := "present (no expiry)"
		if exp, ok := id.ExpiresAt(); ok {
			tokenStatus = fmt.Sprintf("valid (expires %s)", exp.Format(time.RFC3339))
		}
		fmt.Printf("  Token:   %s\n", tokenStatus)

		fmt.Println()
		fmt.Println("Live status:")
		dash := newCLIDashboard(client)
		ctx, cancel := withTimeout()
		defer cancel()
		if err := dash.Start(ctx); err != nil {
			fmt.Printf("  Error loading dashboard: %v\n", err)
			return nil
		}

		s := dash.Stats()
		if flagJSON {
			return printJSON(s)
		}
		fmt.Printf("  Occupied rooms: %d / %d\n", s.OccupiedRooms, s.TotalRooms)
		fmt.Printf("  Checked in:     %d\n", s.CheckedIn)
		fmt.Printf("  Active orders:  %d\n", s.ActiveOrders)
		fmt.Printf("  Open requests:  %d\n", s.OpenRequests)
		fmt.Printf("  Unread:         %d\n", s.Unread)
		return nil
	},
}
