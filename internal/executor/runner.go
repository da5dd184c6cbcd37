package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// SudoRunner はsudo -n 経由でコマンドを実行するRunner。
// SudoBinaryが空の場合は直接実行する（サービスがroot権限で動作している場合）。
type SudoRunner struct {
	SudoBinary string
	// WaitDelay はコンテキスト終了後にパイプを待つ上限。
	WaitDelay time.Duration
}

// NewSudoRunner は新しいSudoRunnerを生成する。
func NewSudoRunner(sudoBinary string) *SudoRunner {
	return &SudoRunner{SudoBinary: sudoBinary, WaitDelay: time.Second}
}

// Run はbinaryを位置引数argsで実行する。シェルは介さない。
func (r *SudoRunner) Run(ctx context.Context, binary string, args []string, stdin []byte) (*Output, error) {
	var cmd *exec.Cmd
	if r.SudoBinary != "" {
		argv := make([]string, 0, len(args)+3)
		argv = append(argv, "-n", "--", binary)
		argv = append(argv, args...)
		cmd = exec.CommandContext(ctx, r.SudoBinary, argv...)
	} else {
		cmd = exec.CommandContext(ctx, binary, args...)
	}
	cmd.Env = []string{"PATH=/usr/sbin:/usr/bin:/sbin:/bin", "LC_ALL=C"}
	cmd.WaitDelay = r.WaitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	err := cmd.Run()
	out := &Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			out.ExitCode = exitErr.ExitCode()
			return out, nil
		}
		return out, fmt.Errorf("running %s: %w", binary, err)
	}
	return out, nil
}
