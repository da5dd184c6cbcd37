package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// serverCmd はサーバー管理のサブコマンド。
func serverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Manage WireGuard servers",
	}
	cmd.AddCommand(serverCreateCmd())
	cmd.AddCommand(serverListCmd())
	cmd.AddCommand(serverGetCmd())
	cmd.AddCommand(serverApplyCmd())
	cmd.AddCommand(serverRotateKeyCmd())
	cmd.AddCommand(serverStatusCmd())
	return cmd
}

func serverCreateCmd() *cobra.Command {
	var req struct {
		Interface           string   `json:"interface"`
		ListenPort          int      `json:"listen_port"`
		Address             string   `json:"address"`
		Endpoint            string   `json:"endpoint"`
		DNS                 []string `json:"dns"`
		MTU                 int      `json:"mtu"`
		PersistentKeepalive int      `json:"persistent_keepalive"`
		ClientAllowedIPs    []string `json:"client_allowed_ips"`
	}

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a new server",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := call(http.MethodPost, "/v1/servers", req, http.StatusCreated)
			if err != nil {
				return err
			}
			var s serverView
			return render(body, &s, func() { printServer(s) })
		},
	}

	cmd.Flags().StringVar(&req.Interface, "interface", "wg0", "Interface name")
	cmd.Flags().IntVar(&req.ListenPort, "listen-port", 0, "UDP listen port (default 51820)")
	cmd.Flags().StringVar(&req.Address, "address", "", "Server tunnel address in CIDR form")
	cmd.Flags().StringVar(&req.Endpoint, "endpoint", "", "Public host clients connect to")
	cmd.Flags().StringSliceVar(&req.DNS, "dns", nil, "DNS servers pushed to clients")
	cmd.Flags().IntVar(&req.MTU, "mtu", 0, "Interface MTU")
	cmd.Flags().IntVar(&req.PersistentKeepalive, "keepalive", 0, "Persistent keepalive seconds")
	cmd.Flags().StringSliceVar(&req.ClientAllowedIPs, "client-allowed-ips", nil, "Routes pushed to clients (default 0.0.0.0/0)")
	_ = cmd.MarkFlagRequired("address")
	return cmd
}

func serverListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := call(http.MethodGet, "/v1/servers", nil, http.StatusOK)
			if err != nil {
				return err
			}
			var list struct {
				Servers []serverView `json:"servers"`
			}
			return render(body, &list, func() {
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
				fmt.Fprintln(w, "ID\tINTERFACE\tADDRESS\tPORT\tPUBLIC KEY\tSTATE VERSION")
				for _, s := range list.Servers {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%d\n", s.ID, s.Interface, s.Address, s.ListenPort, shortKey(s.PublicKey), s.StateVersion)
				}
				_ = w.Flush()
			})
		},
	}
}

func serverGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <server-id>",
		Short: "Show a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := call(http.MethodGet, "/v1/servers/"+args[0], nil, http.StatusOK)
			if err != nil {
				return err
			}
			var s serverView
			return render(body, &s, func() { printServer(s) })
		},
	}
}

func serverApplyCmd() *cobra.Command {
	var up bool

	cmd := &cobra.Command{
		Use:   "apply <server-id>",
		Short: "Write the server configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/v1/servers/%s/apply?up=%t", args[0], up)
			if _, err := call(http.MethodPost, path, nil, http.StatusNoContent); err != nil {
				return err
			}
			color.Green("Configuration written.")
			return nil
		},
	}

	cmd.Flags().BoolVar(&up, "up", false, "Bring the interface up if it is down")
	return cmd
}

func serverRotateKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-key <server-id>",
		Short: "Replace the server key pair",
		Long:  "Replace the server key pair and restart the interface. Every client configuration must be redistributed afterwards.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := call(http.MethodPost, "/v1/servers/"+args[0]+"/rotate-key", nil, http.StatusOK)
			if err != nil {
				return err
			}
			var s serverView
			return render(body, &s, func() {
				color.Green("Server key rotated.")
				fmt.Printf("New public key: %s\n", s.PublicKey)
				color.Yellow("Client configurations must be redistributed.")
			})
		},
	}
}

func serverStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <server-id>",
		Short: "Show live interface status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := call(http.MethodGet, "/v1/servers/"+args[0]+"/status", nil, http.StatusOK)
			if err != nil {
				return err
			}
			var st statusView
			return render(body, &st, func() {
				state := color.RedString("down")
				if st.Up {
					state = color.GreenString("up")
				}
				fmt.Printf("Interface: %s (%s)\n", st.Interface, state)
				fmt.Printf("Peers:     %d enabled, %d disabled, %d orphan\n", st.EnabledPeers, st.DisabledPeers, st.OrphanPeers)

				w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
				fmt.Fprintln(w, "NAME\tPUBLIC KEY\tLIVE\tENDPOINT\tLAST HANDSHAKE\tRX\tTX")
				for _, p := range st.Peers {
					live := "no"
					if p.Live {
						live = "yes"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\n", p.Name, shortKey(p.PublicKey), live, dash(p.Endpoint), dash(p.LastHandshake), p.RxBytes, p.TxBytes)
				}
				_ = w.Flush()
			})
		},
	}
}

func printServer(s serverView) {
	fmt.Printf("ID:                %s\n", s.ID)
	fmt.Printf("Interface:         %s\n", s.Interface)
	fmt.Printf("Address:           %s\n", s.Address)
	fmt.Printf("Listen port:       %d\n", s.ListenPort)
	fmt.Printf("Endpoint:          %s\n", dash(s.Endpoint))
	fmt.Printf("DNS:               %s\n", dash(strings.Join(s.DNS, ", ")))
	fmt.Printf("Client allowed IPs: %s\n", strings.Join(s.ClientAllowedIPs, ", "))
	fmt.Printf("Public key:        %s\n", s.PublicKey)
	fmt.Printf("Key version:       %d\n", s.KeyVersion)
	fmt.Printf("State version:     %d\n", s.StateVersion)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
