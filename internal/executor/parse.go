package executor

import (
	"bufio"
	"bytes"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"wgfleet/internal/domain"
)

// ParseDump は `wg show <if> dump` の出力を解析する。
// 1行目（インターフェース行）の秘密鍵フィールドは読み捨て、結果には含めない。
func ParseDump(iface string, out []byte) (*domain.LiveState, error) {
	live := &domain.LiveState{Interface: iface, Up: true}

	sc := bufio.NewScanner(bytes.NewReader(out))
	first := true
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if first {
			first = false
			if len(fields) != 4 {
				return nil, fmt.Errorf("parsing interface line: want 4 fields, got %d", len(fields))
			}
			live.PublicKey = fields[1]
			port, err := strconv.Atoi(fields[2])
			if err != nil {
				return nil, fmt.Errorf("parsing listen port: %w", err)
			}
			live.ListenPort = port
			continue
		}

		peer, err := parsePeerLine(fields)
		if err != nil {
			return nil, err
		}
		live.Peers = append(live.Peers, peer)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading dump: %w", err)
	}
	if first {
		return nil, fmt.Errorf("parsing dump: empty output")
	}
	return live, nil
}

func parsePeerLine(fields []string) (domain.LivePeer, error) {
	if len(fields) != 8 {
		return domain.LivePeer{}, fmt.Errorf("parsing peer line: want 8 fields, got %d", len(fields))
	}
	var p domain.LivePeer

	if _, err := wgtypes.ParseKey(fields[0]); err != nil {
		return p, fmt.Errorf("parsing peer public key: %w", err)
	}
	p.PublicKey = fields[0]

	if fields[2] != "(none)" {
		p.Endpoint = fields[2]
	}

	if fields[3] != "(none)" && fields[3] != "" {
		for _, s := range strings.Split(fields[3], ",") {
			prefix, err := netip.ParsePrefix(strings.TrimSpace(s))
			if err != nil {
				return p, fmt.Errorf("parsing allowed ip %q: %w", s, err)
			}
			p.AllowedIPs = append(p.AllowedIPs, prefix)
		}
		p.AllowedIPs = domain.NormalizePrefixes(p.AllowedIPs)
	}

	handshake, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return p, fmt.Errorf("parsing latest handshake: %w", err)
	}
	if handshake > 0 {
		p.LastHandshake = time.Unix(handshake, 0).UTC()
	}

	if p.RxBytes, err = strconv.ParseInt(fields[5], 10, 64); err != nil {
		return p, fmt.Errorf("parsing rx bytes: %w", err)
	}
	if p.TxBytes, err = strconv.ParseInt(fields[6], 10, 64); err != nil {
		return p, fmt.Errorf("parsing tx bytes: %w", err)
	}

	if fields[7] != "off" {
		ka, err := strconv.Atoi(fields[7])
		if err != nil {
			return p, fmt.Errorf("parsing persistent keepalive: %w", err)
		}
		p.Keepalive = ka
	}
	return p, nil
}
