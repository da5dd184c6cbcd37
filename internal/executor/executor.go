// Package executor は特権ネットワーク操作の唯一の実行経路を提供する。
//
// 実行できる操作は Command の実装（ShowInterface, SetPeer, RemovePeer,
// InterfaceUp, InterfaceDown, WriteConfigFile）に限られ、各引数はスキーマ検証の後に
// 位置引数として渡される。シェルを経由することはない。
package executor

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"wgfleet/internal/domain"
)

const maxStderrLen = 256

// keyLikeRegex はBase64の32バイト鍵に見える文字列にマッチする。
var keyLikeRegex = regexp.MustCompile(`[A-Za-z0-9+/]{42}[AEIMQUYcgkosw048]=`)

// Output は特権コマンドの実行結果。
type Output struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Runner は検証済みのコマンドを特権で実行する。
// 特権昇格を行うのはRunnerの実装のみ。
type Runner interface {
	Run(ctx context.Context, binary string, args []string, stdin []byte) (*Output, error)
}

// Result は構造化された実行結果。
type Result struct {
	Command CommandName
	Live    *domain.LiveState // ShowInterfaceの場合のみ
}

// Executor は許可リストとスキーマ検証を行った上でRunnerを呼び出す。
type Executor struct {
	runner  Runner
	bin     Binaries
	timeout time.Duration
}

// New は新しいExecutorを生成する。
func New(runner Runner, bin Binaries, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Executor{runner: runner, bin: bin, timeout: timeout}
}

// Invoke はコマンドを検証し、通過した場合のみ特権で実行する。
func (e *Executor) Invoke(ctx context.Context, cmd Command) (*Result, error) {
	if cmd == nil {
		return nil, domain.NewValidationError("command", "must not be nil")
	}
	attrs := append([]any{"command", string(cmd.Name())}, cmd.summary()...)

	if err := cmd.Validate(); err != nil {
		slog.WarnContext(ctx, "privileged command rejected", append(attrs, "result", "REJECTED", "error", err)...)
		return nil, err
	}

	inv := cmd.invocation(e.bin)
	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	out, err := e.runner.Run(runCtx, inv.binary, inv.args, inv.stdin)
	attrs = append(attrs, "duration_ms", time.Since(start).Milliseconds())
	if out != nil {
		defer clear(out.Stdout)
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		slog.ErrorContext(ctx, "privileged command timed out", append(attrs, "result", "TIMEOUT")...)
		return nil, &domain.TimeoutError{Command: string(cmd.Name()), Limit: e.timeout.String()}
	}
	if err != nil {
		slog.ErrorContext(ctx, "privileged command could not start", append(attrs, "result", "FAILED", "error", sanitize(err.Error()))...)
		return nil, &domain.ExecutionError{Command: string(cmd.Name()), ExitCode: -1, Stderr: sanitize(err.Error())}
	}

	if show, ok := cmd.(ShowInterface); ok && out.ExitCode != 0 && interfaceMissing(out.Stderr) {
		slog.InfoContext(ctx, "privileged command completed", append(attrs, "result", "INTERFACE_DOWN")...)
		return &Result{Command: cmd.Name(), Live: &domain.LiveState{Interface: show.Interface}}, nil
	}
	if out.ExitCode != 0 {
		stderr := sanitize(string(out.Stderr))
		slog.ErrorContext(ctx, "privileged command failed", append(attrs, "result", "FAILED", "exit_code", out.ExitCode)...)
		return nil, &domain.ExecutionError{Command: string(cmd.Name()), ExitCode: out.ExitCode, Stderr: stderr}
	}

	result := &Result{Command: cmd.Name()}
	if show, ok := cmd.(ShowInterface); ok {
		live, err := ParseDump(show.Interface, out.Stdout)
		if err != nil {
			slog.ErrorContext(ctx, "privileged command output unparsable", append(attrs, "result", "FAILED")...)
			return nil, &domain.ExecutionError{Command: string(cmd.Name()), Stderr: err.Error()}
		}
		result.Live = live
		attrs = append(attrs, "peers", len(live.Peers))
	}

	slog.InfoContext(ctx, "privileged command completed", append(attrs, "result", "SUCCESS")...)
	return result, nil
}

func interfaceMissing(stderr []byte) bool {
	s := string(stderr)
	return strings.Contains(s, "No such device") || strings.Contains(s, "Unable to access interface")
}

// sanitize は標準エラー出力から鍵らしき値と制御文字を取り除き、長さを制限する。
func sanitize(s string) string {
	s = keyLikeRegex.ReplaceAllString(s, "[redacted]")
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s)
	s = strings.TrimSpace(s)
	if len(s) > maxStderrLen {
		n := maxStderrLen
		for n > 0 && !utf8.RuneStart(s[n]) {
			n--
		}
		s = s[:n] + "…"
	}
	return s
}
