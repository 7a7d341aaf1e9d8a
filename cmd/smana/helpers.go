package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"

	smana "github.com/smanahotels/smana-admin/sdk/golang"
)

const requestTimeout = 30 * time.Second

// newClient builds a client that shares the session persisted in
// ~/.smana/session.toml.
func newClient(cfg *Config) (*smana.Client, error) {
	path, err := sessionPath()
	if err != nil {
		return nil, err
	}
	session := smana.NewSession(smana.NewFileSessionStore(path))

	opts := []smana.ClientOption{
		smana.WithSession(session),
		smana.WithUnauthenticatedHandler(func() {
			fmt.Fprintln(os.Stderr, color.YellowString("Session expired. Run 'smana login <email>' again."))
		}),
	}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, smana.WithBaseURL(cfg.Default.BaseURL))
	} else if cfg.Default.Environment != "" && cfg.Default.Environment != "production" {
		opts = append(opts, smana.WithEnvironment(smana.Environment(cfg.Default.Environment)))
	}
	return smana.NewClient(opts...), nil
}

// signedInClient loads the config and fails unless a session is active.
func signedInClient() (*smana.Client, smana.Identity, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, smana.Identity{}, err
	}
	client, err := newClient(cfg)
	if err != nil {
		return nil, smana.Identity{}, err
	}
	id, ok := client.Session().Identity()
	if !ok {
		return nil, smana.Identity{}, errors.New("not signed in; run 'smana login <email>' first")
	}
	return client, id, nil
}

// newCLIDashboard builds a REST-only dashboard that prints its toasts.
func newCLIDashboard(client *smana.Client) *smana.Dashboard {
	return smana.NewDashboard(client, nil, &smana.DashboardOptions{
		Toaster: smana.ToastFunc(printToast),
	})
}

// newPushPipeline returns nil when no push credential is configured. With
// registered set the pipeline starts out holding the configured credential,
// as left by an earlier login.
func newPushPipeline(cfg *Config, client *smana.Client, registered bool) *smana.PushPipeline {
	cred := smana.PushCredential{Token: cfg.Push.Token, Endpoint: cfg.Push.Endpoint}
	if cred.Empty() {
		return nil
	}
	platform := &smana.StaticPushPlatform{Perm: smana.PermissionGranted, Cred: cred}
	opts := &smana.PushPipelineOptions{}
	if registered {
		opts.Registered = cred
	}
	return smana.NewPushPipeline(platform, client.Push, opts)
}

func withTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

var toastColors = map[smana.ToastLevel]func(format string, a ...interface{}) string{
	smana.ToastInfo:    color.CyanString,
	smana.ToastSuccess: color.GreenString,
	smana.ToastWarning: color.YellowString,
	smana.ToastError:   color.RedString,
}

func printToast(t smana.Toast) {
	paint, ok := toastColors[t.Level]
	if !ok {
		paint = fmt.Sprintf
	}
	at := t.At
	if at.IsZero() {
		at = time.Now()
	}
	line := fmt.Sprintf("%s %s", color.HiBlackString(at.Format("15:04:05")), paint("%s", t.Title))
	if t.Message != "" {
		line += " " + t.Message
	}
	fmt.Println(line)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// maskSecret shows the first and last 4 characters of a secret.
func maskSecret(s string) string {
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "..." + s[len(s)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
