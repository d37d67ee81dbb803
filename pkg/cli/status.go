package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/mnemosyne/pkg/service/syncer"
	"github.com/urfave/cli/v3"
)

func cmdStatus() *cli.Command {
	var baseURL string

	return &cli.Command{
		Name:  "status",
		Usage: "Show sync engine and ledger status of a running server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "url",
				Usage:       "Base URL of the running server",
				Value:       "http://localhost:8080",
				Sources:     cli.EnvVars("MNEMOSYNE_URL"),
				Destination: &baseURL,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			var status syncer.Status
			if err := getJSON(ctx, baseURL+"/api/sync/status", &status); err != nil {
				return err
			}

			onOff := color.New(color.FgRed).Sprint("stopped")
			if status.Running {
				onOff = color.New(color.FgGreen).Sprint("running")
			}
			connectivity := color.New(color.FgGreen).Sprint("online")
			if status.Offline {
				connectivity = color.New(color.FgYellow).Sprint("offline")
			}

			bold := color.New(color.Bold)
			bold.Println("Sync engine")
			fmt.Printf("  state:            %s\n", onOff)
			fmt.Printf("  connectivity:     %s\n", connectivity)
			fmt.Printf("  buffered events:  %d\n", status.BufferedEvents)
			fmt.Printf("  pending entities: %d\n", status.PendingEntities)

			if status.Ledger != nil {
				bold.Println("Ledger")
				fmt.Printf("  total:     %d\n", status.Ledger.Total)
				fmt.Printf("  synced:    %d\n", status.Ledger.Synced)
				fmt.Printf("  pending:   %s\n", warnIfPositive(status.Ledger.PendingUp))
				fmt.Printf("  conflicts: %s\n", warnIfPositive(status.Ledger.Conflicts))
			}
			return nil
		},
	}
}

func warnIfPositive(n int) string {
	if n > 0 {
		return color.New(color.FgYellow).Sprintf("%d", n)
	}
	return fmt.Sprintf("%d", n)
}

func getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return goerr.Wrap(err, "failed to build request", goerr.V("url", url))
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return goerr.Wrap(err, "failed to reach server", goerr.V("url", url))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return goerr.New("server returned an error", goerr.V("url", url), goerr.V("status", resp.StatusCode))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return goerr.Wrap(err, "failed to decode response", goerr.V("url", url))
	}
	return nil
}
