package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	smana "github.com/smanahotels/smana-admin/sdk/golang"
)

var loginPassword string

func init() {
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "Password (read from stdin when omitted)")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Sign in and store the session",
	Long:  "Sign in to the SMANA backend. The session is kept in ~/.smana/session.toml until logout or token expiry.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, err := newClient(cfg)
		if err != nil {
			return err
		}

		password := loginPassword
		if password == "" {
			fmt.Fprint(os.Stderr, "Password: ")
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil && line == "" {
				return errors.Wrap(err, "read password")
			}
			password = strings.TrimRight(line, "\r\n")
		}

		ctx, cancel := withTimeout()
		defer cancel()
		id, err := client.Auth.Login(ctx, args[0], password)
		if err != nil {
			return errors.Wrap(err, "login failed")
		}
		if push := newPushPipeline(cfg, client, false); push != nil {
			_ = push.Activate(ctx, *id)
			if push.State() == smana.PushSubscribed {
				fmt.Println("Push notifications registered.")
			}
		}

		fmt.Printf("Signed in as %s (%s)\n", valueOrDefault(id.Name, id.Email), id.Role)
		if exp, ok := id.ExpiresAt(); ok {
			fmt.Printf("Session expires %s\n", exp.Local().Format(time.RFC1123))
		}
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and remove the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, err := newClient(cfg)
		if err != nil {
			return err
		}
		if _, ok := client.Session().Identity(); !ok {
			fmt.Println("Not signed in.")
			return nil
		}

		ctx, cancel := withTimeout()
		defer cancel()
		if push := newPushPipeline(cfg, client, true); push != nil {
			push.Deactivate(ctx)
		}
		if err := client.Auth.Logout(ctx); err != nil {
			return errors.Wrap(err, "logout")
		}
		fmt.Println("Signed out.")
		return nil
	},
}
