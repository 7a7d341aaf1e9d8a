package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	smana "github.com/smanahotels/smana-admin/sdk/golang"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow live hotel activity",
	Long:  "Open the live channel for the signed-in user and print check-ins, orders, requests and notifications as they happen. Events are filtered by the user's role.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, id, err := signedInClient()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		live := smana.NewLiveClient(client.BaseURL(), nil)
		live.OnState(func(s smana.LiveState) {
			paint := color.YellowString
			if s == smana.StateConnected {
				paint = color.GreenString
			}
			fmt.Fprintln(os.Stderr, paint("[%s]", s))
		})

		dash := smana.NewDashboard(client, live, &smana.DashboardOptions{
			Toaster: smana.ToastFunc(printToast),
		})
		// a rejected session ends the watch
		client.Session().OnChange(func(next *smana.Identity) {
			if next == nil {
				stop()
			}
		})

		if err := dash.Start(ctx); err != nil {
			return errors.Wrap(err, "start")
		}

		s := dash.Stats()
		fmt.Printf("Watching as %s (%s). %d/%d rooms occupied, %d active orders, %d open requests, %d unread.\n",
			valueOrDefault(id.Name, id.Email), id.Role, s.OccupiedRooms, s.TotalRooms, s.ActiveOrders, s.OpenRequests, s.Unread)

		<-ctx.Done()
		_ = live.Disconnect()
		return nil
	},
}
