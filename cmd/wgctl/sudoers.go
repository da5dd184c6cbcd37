package main

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"wgfleet/config"
	"wgfleet/internal/executor"
)

// sudoersCmd はサービスユーザー向けのsudoersルールを出力する。
func sudoersCmd() *cobra.Command {
	var (
		user       string
		interfaces []string
	)

	cmd := &cobra.Command{
		Use:   "sudoers",
		Short: "Print sudoers rules for the service user",
		Long:  "Print the minimal sudoers rules that allow the service user to run the fixed set of privileged WireGuard commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
			cfg := config.Load()
			if len(interfaces) == 0 {
				interfaces = []string{cfg.InterfaceName}
			}

			rules, err := executor.SudoersRules(user, executor.Binaries{
				WG:        cfg.WGBinary,
				WGQuick:   cfg.WGQuickBinary,
				Install:   cfg.InstallBinary,
				ConfigDir: cfg.WGConfigDir,
			}, interfaces)
			if err != nil {
				return err
			}
			fmt.Print(rules)
			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", "wgfleet", "Service user name")
	cmd.Flags().StringSliceVar(&interfaces, "interface", nil, "Interface names (default: WG_INTERFACE)")
	return cmd
}
