package main

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	smana "github.com/smanahotels/smana-admin/sdk/golang"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// orders list
	ordersStatus string

	// notifications list
	notificationsUnread bool
)

func init() {
	ordersListCmd.Flags().StringVar(&ordersStatus, "status", "", "Only show orders in this column")
	ordersCmd.AddCommand(ordersListCmd, ordersMoveCmd)

	roomsCmd.AddCommand(roomsListCmd, roomsSetStatusCmd)
	requestsCmd.AddCommand(requestsListCmd, requestsSetStatusCmd)

	notificationsListCmd.Flags().BoolVar(&notificationsUnread, "unread", false, "Only show unread notifications")
	notificationsCmd.AddCommand(notificationsListCmd, notificationsReadCmd)

	rootCmd.AddCommand(ordersCmd, roomsCmd, requestsCmd, notificationsCmd)
}

// ============================================================================
// orders
// ============================================================================

var ordersCmd = &cobra.Command{
	Use:   "orders",
	Short: "Food orders on the kitchen board",
}

var ordersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List food orders, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := signedInClient()
		if err != nil {
			return err
		}
		ctx, cancel := withTimeout()
		defer cancel()

		orders, err := client.Orders.List(ctx)
		if err != nil {
			return errors.Wrap(err, "list orders")
		}
		if ordersStatus != "" {
			kept := orders[:0]
			for _, o := range orders {
				if strings.EqualFold(string(o.Status), ordersStatus) {
					kept = append(kept, o)
				}
			}
			orders = kept
		}
		if flagJSON {
			return printJSON(orders)
		}
		if len(orders) == 0 {
			fmt.Println("No orders.")
			return nil
		}
		fmt.Printf("%-26s %-6s %-10s %8s  %s\n", "ID", "ROOM", "STATUS", "TOTAL", "ITEMS")
		for _, o := range orders {
			items := make([]string, 0, len(o.Items))
			for _, it := range o.Items {
				items = append(items, fmt.Sprintf("%dx %s", it.Quantity, it.Name))
			}
			fmt.Printf("%-26s %-6s %-10s %8.2f  %s\n", o.ID, o.RoomNumber, o.Status, o.TotalAmount, strings.Join(items, ", "))
		}
		return nil
	},
}

var ordersMoveCmd = &cobra.Command{
	Use:   "move <order-id> <status>",
	Short: "Move an order to another column",
	Long:  "Move an order to Pending, Preparing, Ready, Delivered or Cancelled.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := parseOrderStatus(args[1])
		if err != nil {
			return err
		}
		client, _, err := signedInClient()
		if err != nil {
			return err
		}
		dash := newCLIDashboard(client)
		ctx, cancel := withTimeout()
		defer cancel()

		if err := dash.Orders.Load(ctx); err != nil {
			return err
		}
		if err := dash.MoveOrder(ctx, args[0], status); err != nil {
			return err
		}
		fmt.Printf("Order %s moved to %s\n", args[0], status)
		return nil
	},
}

func parseOrderStatus(s string) (smana.OrderStatus, error) {
	for _, c := range smana.OrderColumns {
		if strings.EqualFold(string(c), s) {
			return c, nil
		}
	}
	return "", errors.Errorf("unknown order status %q", s)
}

// ============================================================================
// rooms
// ============================================================================

var roomStatuses = []smana.RoomStatus{smana.RoomAvailable, smana.RoomOccupied, smana.RoomCleaning, smana.RoomMaintenance}

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "Room occupancy and housekeeping status",
}

var roomsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rooms",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := signedInClient()
		if err != nil {
			return err
		}
		ctx, cancel := withTimeout()
		defer cancel()

		rooms, err := client.Rooms.List(ctx)
		if err != nil {
			return errors.Wrap(err, "list rooms")
		}
		if flagJSON {
			return printJSON(rooms)
		}
		fmt.Printf("%-26s %-6s %-5s %-12s %s\n", "ID", "ROOM", "FLOOR", "STATUS", "TYPE")
		for _, r := range rooms {
			fmt.Printf("%-26s %-6s %-5d %-12s %s\n", r.ID, r.RoomNumber, r.Floor, r.Status, r.Type)
		}
		return nil
	},
}

var roomsSetStatusCmd = &cobra.Command{
	Use:   "set-status <room-id> <status>",
	Short: "Change a room's status",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var status smana.RoomStatus
		for _, s := range roomStatuses {
			if strings.EqualFold(string(s), args[1]) {
				status = s
			}
		}
		if status == "" {
			return errors.Errorf("unknown room status %q", args[1])
		}
		client, _, err := signedInClient()
		if err != nil {
			return err
		}
		dash := newCLIDashboard(client)
		ctx, cancel := withTimeout()
		defer cancel()

		if err := dash.Rooms.Load(ctx); err != nil {
			return err
		}
		return dash.SetRoomStatus(ctx, args[0], status)
	},
}

// ============================================================================
// requests
// ============================================================================

var requestStatuses = []smana.RequestStatus{smana.RequestOpen, smana.RequestInProgress, smana.RequestResolved, smana.RequestCancelled}

var requestsCmd = &cobra.Command{
	Use:   "requests",
	Short: "Guest service requests",
}

var requestsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List service requests, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := signedInClient()
		if err != nil {
			return err
		}
		ctx, cancel := withTimeout()
		defer cancel()

		requests, err := client.Requests.List(ctx)
		if err != nil {
			return errors.Wrap(err, "list requests")
		}
		if flagJSON {
			return printJSON(requests)
		}
		fmt.Printf("%-26s %-6s %-14s %-12s %-7s %s\n", "ID", "ROOM", "TYPE", "STATUS", "PRIO", "MESSAGE")
		for _, r := range requests {
			fmt.Printf("%-26s %-6s %-14s %-12s %-7s %s\n", r.ID, r.RoomNumber, r.Type, r.Status, r.Priority, r.Message)
		}
		return nil
	},
}

var requestsSetStatusCmd = &cobra.Command{
	Use:   "set-status <request-id> <status>",
	Short: "Change a service request's status",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var status smana.RequestStatus
		for _, s := range requestStatuses {
			if strings.EqualFold(string(s), args[1]) {
				status = s
			}
		}
		if status == "" {
			return errors.Errorf("unknown request status %q", args[1])
		}
		client, _, err := signedInClient()
		if err != nil {
			return err
		}
		dash := newCLIDashboard(client)
		ctx, cancel := withTimeout()
		defer cancel()

		if err := dash.Requests.Load(ctx); err != nil {
			return err
		}
		if err := dash.SetRequestStatus(ctx, args[0], status); err != nil {
			return err
		}
		fmt.Printf("Request %s is now %s\n", args[0], status)
		return nil
	},
}

// ============================================================================
// notifications
// ============================================================================

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "Staff notifications",
}

var notificationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List notifications, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := signedInClient()
		if err != nil {
			return err
		}
		ctx, cancel := withTimeout()
		defer cancel()

		notes, err := client.Notifications.List(ctx)
		if err != nil {
			return errors.Wrap(err, "list notifications")
		}
		if notificationsUnread {
			kept := notes[:0]
			for _, n := range notes {
				if !n.IsRead {
					kept = append(kept, n)
				}
			}
			notes = kept
		}
		if flagJSON {
			return printJSON(notes)
		}
		for _, n := range notes {
			marker := " "
			if !n.IsRead {
				marker = "*"
			}
			fmt.Printf("%s %-26s [%s] %s: %s\n", marker, n.ID, n.Type, n.Title, n.Message)
		}
		return nil
	},
}

var notificationsReadCmd = &cobra.Command{
	Use:   "read <notification-id>",
	Short: "Mark a notification as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := signedInClient()
		if err != nil {
			return err
		}
		dash := newCLIDashboard(client)
		ctx, cancel := withTimeout()
		defer cancel()

		if err := dash.Notifications.Load(ctx); err != nil {
			return err
		}
		if err := dash.MarkNotificationRead(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("%d unread\n", dash.UnreadCount())
		return nil
	},
}
