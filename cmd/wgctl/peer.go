package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// peerCmd はピア管理のサブコマンド。
func peerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Manage peers",
	}
	cmd.AddCommand(peerAddCmd())
	cmd.AddCommand(peerListCmd())
	cmd.AddCommand(peerGetCmd())
	cmd.AddCommand(peerUpdateCmd())
	cmd.AddCommand(peerRemoveCmd())
	cmd.AddCommand(peerConfigCmd())
	cmd.AddCommand(peerRotateKeyCmd())
	return cmd
}

func peerAddCmd() *cobra.Command {
	var (
		name       string
		allowedIPs []string
		disabled   bool
	)

	cmd := &cobra.Command{
		Use:   "add <server-id>",
		Short: "Add a peer to a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]any{"name": name}
			if len(allowedIPs) > 0 {
				req["allowed_ips"] = allowedIPs
			}
			if disabled {
				req["enabled"] = false
			}

			body, err := call(http.MethodPost, "/v1/servers/"+args[0]+"/peers", req, http.StatusCreated)
			if err != nil {
				return err
			}
			var p peerView
			return render(body, &p, func() {
				printPeer(p)
				color.Yellow("Run reconcile to push the peer to the interface.")
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Peer name")
	cmd.Flags().StringSliceVar(&allowedIPs, "allowed-ips", nil, "Peer tunnel addresses (default: next free address)")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "Create the peer disabled")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func peerListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <server-id>",
		Short: "List peers of a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := call(http.MethodGet, "/v1/servers/"+args[0]+"/peers", nil, http.StatusOK)
			if err != nil {
				return err
			}
			var list struct {
				Peers []peerView `json:"peers"`
			}
			return render(body, &list, func() {
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tALLOWED IPS\tENABLED\tPUBLIC KEY\tVERSION")
				for _, p := range list.Peers {
					fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%d\n", p.ID, p.Name, strings.Join(p.AllowedIPs, ","), p.Enabled, shortKey(p.PublicKey), p.Version)
				}
				_ = w.Flush()
			})
		},
	}
}

func peerGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <peer-id>",
		Short: "Show a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := call(http.MethodGet, "/v1/peers/"+args[0], nil, http.StatusOK)
			if err != nil {
				return err
			}
			var p peerView
			return render(body, &p, func() { printPeer(p) })
		},
	}
}

func peerUpdateCmd() *cobra.Command {
	var (
		name       string
		allowedIPs []string
		enabled    bool
		version    uint64
	)

	cmd := &cobra.Command{
		Use:   "update <peer-id>",
		Short: "Update a peer",
		Long:  "Update a peer. Only the flags given are changed. --version must match the version last read.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]any{"version": version}
			if cmd.Flags().Changed("name") {
				req["name"] = name
			}
			if cmd.Flags().Changed("allowed-ips") {
				req["allowed_ips"] = json.RawMessage(mustJSON(allowedIPs))
			}
			if cmd.Flags().Changed("enabled") {
				req["enabled"] = enabled
			}

			body, err := call(http.MethodPatch, "/v1/peers/"+args[0], req, http.StatusOK)
			if err != nil {
				return err
			}
			var p peerView
			return render(body, &p, func() { printPeer(p) })
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "New peer name")
	cmd.Flags().StringSliceVar(&allowedIPs, "allowed-ips", nil, "New peer tunnel addresses")
	cmd.Flags().BoolVar(&enabled, "enabled", true, "Enable or disable the peer")
	cmd.Flags().Uint64Var(&version, "version", 0, "Expected peer version")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func peerRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <peer-id>",
		Aliases: []string{"rm"},
		Short:   "Remove a peer",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := call(http.MethodDelete, "/v1/peers/"+args[0], nil, http.StatusNoContent); err != nil {
				return err
			}
			color.Green("Peer removed.")
			return nil
		},
	}
}

func peerConfigCmd() *cobra.Command {
	var (
		format string
		out    string
	)

	cmd := &cobra.Command{
		Use:   "config <peer-id>",
		Short: "Download the client configuration of a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format == "qr" && out == "" {
				return fmt.Errorf("--out is required for qr format")
			}

			body, err := call(http.MethodGet, "/v1/peers/"+args[0]+"/config?format="+format, nil, http.StatusOK)
			if err != nil {
				return err
			}
			defer clear(body)

			if out == "" {
				_, err := os.Stdout.Write(body)
				return err
			}
			// 秘密鍵を含むため所有者のみ読み書き可能にする
			if err := os.WriteFile(out, body, 0o600); err != nil {
				return fmt.Errorf("writing %s: %w", out, err)
			}
			color.Green("Configuration written to %s", out)
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "text", "Output format: text, qr")
	cmd.Flags().StringVar(&out, "out", "", "Write to file instead of stdout")
	return cmd
}

func peerRotateKeyCmd() *cobra.Command {
	var version uint64

	cmd := &cobra.Command{
		Use:   "rotate-key <peer-id>",
		Short: "Replace the key pair of a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req any
			if version > 0 {
				req = map[string]uint64{"version": version}
			}
			body, err := call(http.MethodPost, "/v1/peers/"+args[0]+"/rotate-key", req, http.StatusOK)
			if err != nil {
				return err
			}
			var p peerView
			return render(body, &p, func() {
				color.Green("Peer key rotated.")
				fmt.Printf("New public key: %s\n", p.PublicKey)
				color.Yellow("Run reconcile and redistribute the client configuration.")
			})
		},
	}

	cmd.Flags().Uint64Var(&version, "version", 0, "Expected peer version (0 skips the check)")
	return cmd
}

func printPeer(p peerView) {
	fmt.Printf("ID:          %s\n", p.ID)
	fmt.Printf("Server ID:   %s\n", p.ServerID)
	fmt.Printf("Name:        %s\n", p.Name)
	fmt.Printf("Allowed IPs: %s\n", strings.Join(p.AllowedIPs, ", "))
	fmt.Printf("Enabled:     %t\n", p.Enabled)
	fmt.Printf("Public key:  %s\n", p.PublicKey)
	fmt.Printf("Key version: %d\n", p.KeyVersion)
	fmt.Printf("Version:     %d\n", p.Version)
	if p.LastSeenEndpoint != "" {
		fmt.Printf("Last seen:   %s\n", p.LastSeenEndpoint)
	}
}

// mustJSON は空リストもnullではなく[]として送るために使う。
func mustJSON(v []string) []byte {
	if v == nil {
		v = []string{}
	}
	b, _ := json.Marshal(v)
	return b
}
