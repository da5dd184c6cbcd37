package executor

import (
	"bytes"
	"fmt"
	"net/netip"
	"path/filepath"
	"regexp"
	"strconv"
	"unicode/utf8"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"wgfleet/internal/domain"
)

// CommandName は許可された特権コマンドの名前。
type CommandName string

const (
	CmdShowInterface   CommandName = "show_interface"
	CmdSetPeer         CommandName = "set_peer"
	CmdRemovePeer      CommandName = "remove_peer"
	CmdInterfaceUp     CommandName = "interface_up"
	CmdInterfaceDown   CommandName = "interface_down"
	CmdWriteConfigFile CommandName = "write_config_file"
)

const (
	maxAllowedIPs    = 256
	maxConfigSize    = 64 << 10
	maxKeepalive     = 65535
	keepaliveOffWord = "off"
)

var interfaceNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_=+.-]{1,15}$`)

// Command は許可リストに含まれる特権操作。
// 実装はこのパッケージ内の型に限られる。
type Command interface {
	Name() CommandName
	// Validate は引数をスキーマに照らして検証する。特権昇格の前に必ず呼ばれる。
	Validate() error
	invocation(b Binaries) invocation
	summary() []any
}

// Binaries は特権コマンドの実行ファイルと設定ディレクトリ。
type Binaries struct {
	WG        string
	WGQuick   string
	Install   string
	ConfigDir string
}

// ConfigPath はインターフェースの設定ファイルパスを返す。
func (b Binaries) ConfigPath(iface string) string {
	return filepath.Join(b.ConfigDir, iface+".conf")
}

type invocation struct {
	binary string
	args   []string
	stdin  []byte
}

// ShowInterface はインターフェースのライブ状態を取得する。
type ShowInterface struct {
	Interface string
}

func (c ShowInterface) Name() CommandName { return CmdShowInterface }

func (c ShowInterface) Validate() error { return validateInterface(c.Interface) }

func (c ShowInterface) invocation(b Binaries) invocation {
	return invocation{binary: b.WG, args: []string{"show", c.Interface, "dump"}}
}

func (c ShowInterface) summary() []any { return []any{"interface", c.Interface} }

// SetPeer はピアを追加または更新する。
type SetPeer struct {
	Interface           string
	PublicKey           string
	AllowedIPs          []netip.Prefix
	PersistentKeepalive int
}

func (c SetPeer) Name() CommandName { return CmdSetPeer }

func (c SetPeer) Validate() error {
	if err := validateInterface(c.Interface); err != nil {
		return err
	}
	if err := validatePublicKey(c.PublicKey); err != nil {
		return err
	}
	if len(c.AllowedIPs) > maxAllowedIPs {
		return domain.NewValidationError("allowed_ips", fmt.Sprintf("at most %d prefixes", maxAllowedIPs))
	}
	for _, p := range c.AllowedIPs {
		if !p.IsValid() {
			return domain.NewValidationError("allowed_ips", "invalid prefix")
		}
	}
	if c.PersistentKeepalive < 0 || c.PersistentKeepalive > maxKeepalive {
		return domain.NewValidationError("persistent_keepalive", "must be between 0 and 65535")
	}
	return nil
}

func (c SetPeer) invocation(b Binaries) invocation {
	keepalive := keepaliveOffWord
	if c.PersistentKeepalive > 0 {
		keepalive = strconv.Itoa(c.PersistentKeepalive)
	}
	return invocation{
		binary: b.WG,
		args: []string{
			"set", c.Interface,
			"peer", c.PublicKey,
			"allowed-ips", domain.FormatPrefixes(domain.NormalizePrefixes(c.AllowedIPs)),
			"persistent-keepalive", keepalive,
		},
	}
}

func (c SetPeer) summary() []any {
	return []any{
		"interface", c.Interface,
		"public_key", domain.ShortKey(c.PublicKey),
		"allowed_ips", len(c.AllowedIPs),
		"keepalive", c.PersistentKeepalive,
	}
}

// RemovePeer はピアをインターフェースから削除する。
type RemovePeer struct {
	Interface string
	PublicKey string
}

func (c RemovePeer) Name() CommandName { return CmdRemovePeer }

func (c RemovePeer) Validate() error {
	if err := validateInterface(c.Interface); err != nil {
		return err
	}
	return validatePublicKey(c.PublicKey)
}

func (c RemovePeer) invocation(b Binaries) invocation {
	return invocation{binary: b.WG, args: []string{"set", c.Interface, "peer", c.PublicKey, "remove"}}
}

func (c RemovePeer) summary() []any {
	return []any{"interface", c.Interface, "public_key", domain.ShortKey(c.PublicKey)}
}

// InterfaceUp はwg-quickでインターフェースを起動する。
type InterfaceUp struct {
	Interface string
}

func (c InterfaceUp) Name() CommandName { return CmdInterfaceUp }

func (c InterfaceUp) Validate() error { return validateInterface(c.Interface) }

func (c InterfaceUp) invocation(b Binaries) invocation {
	return invocation{binary: b.WGQuick, args: []string{"up", c.Interface}}
}

func (c InterfaceUp) summary() []any { return []any{"interface", c.Interface} }

// InterfaceDown はwg-quickでインターフェースを停止する。
type InterfaceDown struct {
	Interface string
}

func (c InterfaceDown) Name() CommandName { return CmdInterfaceDown }

func (c InterfaceDown) Validate() error { return validateInterface(c.Interface) }

func (c InterfaceDown) invocation(b Binaries) invocation {
	return invocation{binary: b.WGQuick, args: []string{"down", c.Interface}}
}

func (c InterfaceDown) summary() []any { return []any{"interface", c.Interface} }

// WriteConfigFile はインターフェース設定ファイルをパーミッション0600で書き込む。
// 内容は標準入力で渡し、コマンドラインには現れない。
type WriteConfigFile struct {
	Interface string
	Content   []byte
}

func (c WriteConfigFile) Name() CommandName { return CmdWriteConfigFile }

func (c WriteConfigFile) Validate() error {
	if err := validateInterface(c.Interface); err != nil {
		return err
	}
	switch {
	case len(c.Content) == 0:
		return domain.NewValidationError("content", "must not be empty")
	case len(c.Content) > maxConfigSize:
		return domain.NewValidationError("content", "too large")
	case bytes.IndexByte(c.Content, 0) >= 0:
		return domain.NewValidationError("content", "must not contain NUL bytes")
	case !utf8.Valid(c.Content):
		return domain.NewValidationError("content", "must be valid UTF-8")
	}
	return nil
}

func (c WriteConfigFile) invocation(b Binaries) invocation {
	return invocation{
		binary: b.Install,
		args:   []string{"-m", "0600", "/dev/stdin", b.ConfigPath(c.Interface)},
		stdin:  c.Content,
	}
}

func (c WriteConfigFile) summary() []any {
	return []any{"interface", c.Interface, "content_bytes", len(c.Content)}
}

// ValidateInterfaceName はインターフェース名が許可された形式かを検証する。
func ValidateInterfaceName(name string) error {
	return validateInterface(name)
}

func validateInterface(name string) error {
	if !interfaceNameRegex.MatchString(name) || name == "." || name == ".." {
		return domain.NewValidationError("interface", "must match [a-zA-Z0-9_=+.-]{1,15}")
	}
	return nil
}

// validatePublicKey は公開鍵が正規のBase64で32バイトであることを確認する。
func validatePublicKey(publicKey string) error {
	k, err := wgtypes.ParseKey(publicKey)
	if err != nil {
		return domain.NewValidationError("public_key", "must be a base64 encoded 32 byte key")
	}
	if k.String() != publicKey {
		return domain.NewValidationError("public_key", "must be canonical base64")
	}
	if k == (wgtypes.Key{}) {
		return domain.NewValidationError("public_key", "must not be all zero")
	}
	return nil
}
