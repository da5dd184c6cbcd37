package main

import (
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// masterKeyCmd はマスター鍵管理のサブコマンド。
func masterKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "master-key",
		Short: "Manage the master key that seals stored private keys",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "rotate",
		Short: "Generate a new master key and reseal every stored key",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := call(http.MethodPost, "/v1/master-key/rotate", nil, http.StatusCreated)
			if err != nil {
				return err
			}
			var k masterKeyView
			return render(body, &k, func() {
				color.Green("Master key rotated to version %d.", k.Version)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List master key versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := call(http.MethodGet, "/v1/master-keys", nil, http.StatusOK)
			if err != nil {
				return err
			}
			var list struct {
				Keys []masterKeyView `json:"keys"`
			}
			return render(body, &list, func() {
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
				fmt.Fprintln(w, "VERSION\tSTATUS\tCREATED AT")
				for _, k := range list.Keys {
					fmt.Fprintf(w, "%d\t%s\t%s\n", k.Version, k.Status, k.CreatedAt)
				}
				_ = w.Flush()
			})
		},
	})
	return cmd
}
