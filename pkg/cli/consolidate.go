package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/mnemosyne/pkg/service/consolidation"
	"github.com/urfave/cli/v3"
)

func cmdConsolidate() *cli.Command {
	var baseURL string

	return &cli.Command{
		Name:  "consolidate",
		Usage: "Trigger a consolidation pass on a running server",
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
			var result consolidation.Result
			if err := postJSON(ctx, baseURL+"/api/maintenance/consolidate", &result); err != nil {
				return err
			}

			color.New(color.Bold).Println("Consolidation pass finished")
			fmt.Printf("  merged:  %s\n", color.New(color.FgGreen).Sprintf("%d", result.Merged))
			fmt.Printf("  decayed: %s\n", color.New(color.FgGreen).Sprintf("%d", result.Decayed))
			return nil
		},
	}
}

func postJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return goerr.Wrap(err, "failed to build request", goerr.V("url", url))
	}

	client := &http.Client{Timeout: 5 * time.Minute}
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
