package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// reconcileCmd はリコンシリエーションパスを起動し結果を表示する。
func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <server-id>",
		Short: "Converge the live interface to the desired state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
			s.Suffix = " reconciling " + args[0]
			s.Start()
			body, err := call(http.MethodPost, "/v1/servers/"+args[0]+"/reconcile", nil, http.StatusOK)
			s.Stop()

			// 失敗したパスもステータス以外は同じ本文を返す
			var apiErr *apiError
			if err != nil && (!errors.As(err, &apiErr) || !isPassBody(body)) {
				return err
			}

			if output == "json" {
				fmt.Println(string(body))
				return err
			}
			var pass passView
			if jsonErr := json.Unmarshal(body, &pass); jsonErr != nil {
				return fmt.Errorf("parsing response: %w", jsonErr)
			}
			printPass(pass)
			if err != nil {
				return fmt.Errorf("reconciliation %s", pass.State)
			}
			return nil
		},
	}
}

func isPassBody(body []byte) bool {
	var probe struct {
		State string `json:"state"`
	}
	return json.Unmarshal(body, &probe) == nil && probe.State != ""
}

func printPass(p passView) {
	switch {
	case p.State == "converged":
		color.Green("✔ converged (version %d)", p.Version)
	case len(p.Failures) > 0:
		color.Yellow("▲ %d of %d changes failed (version %d)", len(p.Failures), len(p.Failures)+len(p.Applied), p.Version)
	default:
		color.Red("✘ %s (version %d)", p.State, p.Version)
	}
	if p.Coalesced {
		fmt.Println("  result shared with a concurrent pass")
	}
	fmt.Printf("  add: %d  remove: %d  update: %d\n", p.ToAdd, p.ToRemove, p.ToUpdate)

	for _, c := range p.Applied {
		fmt.Printf("  %s %s %s\n", color.GreenString("ok"), c.Action, shortKey(c.PublicKey))
	}
	for _, f := range p.Failures {
		fmt.Printf("  %s %s %s: %s\n", color.RedString("failed"), f.Action, shortKey(f.PublicKey), f.Message)
	}
	if p.Error != nil {
		fmt.Printf("  %s %s\n", color.RedString(p.Error.Code), p.Error.Message)
	}
}
