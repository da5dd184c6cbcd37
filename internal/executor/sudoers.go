package executor

import (
	"fmt"
	"regexp"
	"strings"

	"wgfleet/internal/domain"
)

var sudoUserRegex = regexp.MustCompile(`^[a-z_][a-z0-9_-]{0,31}$`)

// SudoersRules は許可リストに対応する最小権限のsudoersエントリを生成する。
// `wg set <if> peer *` のワイルドカード以外は引数まで完全一致で許可する。
func SudoersRules(user string, b Binaries, interfaces []string) (string, error) {
	if !sudoUserRegex.MatchString(user) {
		return "", domain.NewValidationError("user", "must be a valid unix user name")
	}
	if len(interfaces) == 0 {
		return "", domain.NewValidationError("interface", "at least one interface is required")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# wgfleet privileged command allowlist for %s\n", user)
	fmt.Fprintf(&sb, "Defaults:%s !requiretty\n", user)
	for _, iface := range interfaces {
		if err := validateInterface(iface); err != nil {
			return "", err
		}
		cmds := []string{
			fmt.Sprintf("%s show %s dump", b.WG, iface),
			fmt.Sprintf("%s set %s peer *", b.WG, iface),
			fmt.Sprintf("%s up %s", b.WGQuick, iface),
			fmt.Sprintf("%s down %s", b.WGQuick, iface),
			fmt.Sprintf("%s -m 0600 /dev/stdin %s", b.Install, b.ConfigPath(iface)),
		}
		fmt.Fprintf(&sb, "%s ALL=(root) NOPASSWD: %s\n", user, strings.Join(cmds, ", "))
	}
	return sb.String(), nil
}
