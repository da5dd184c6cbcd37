package domain

import (
	"errors"
	"fmt"
)

// エラー種別。APIとCLIが返すコードはこの分類と1対1で対応する。
var (
	// ErrValidation は副作用の前に入力が拒否された場合のエラー。
	ErrValidation = errors.New("validation error")

	// ErrExecution は特権コマンドが実行され失敗した場合のエラー。
	ErrExecution = errors.New("execution error")

	// ErrTimeout は特権コマンドが制限時間内に終了しなかった場合のエラー。
	ErrTimeout = errors.New("timeout")

	// ErrConvergence は適用後のライブ状態が期待状態と一致しない場合のエラー。
	ErrConvergence = errors.New("convergence error")

	// ErrDecryption は暗号文の形式不正またはマスター鍵不一致のエラー。
	ErrDecryption = errors.New("decryption error")

	// ErrEntropy は乱数源が利用できない場合のエラー。
	ErrEntropy = errors.New("entropy unavailable")

	// ErrVersionConflict は楽観ロックの衝突を表す。
	ErrVersionConflict = errors.New("version conflict")

	// ErrNotFound はレコードが存在しない場合のエラー。
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists は一意制約に違反する場合のエラー。
	ErrAlreadyExists = errors.New("already exists")
)

var (
	// ErrPeerNotFound は指定されたピアが存在しない場合のエラー。
	ErrPeerNotFound = fmt.Errorf("peer %w", ErrNotFound)

	// ErrServerNotFound は指定されたサーバーが存在しない場合のエラー。
	ErrServerNotFound = fmt.Errorf("server %w", ErrNotFound)

	// ErrMasterKeyNotFound は有効なマスター鍵が存在しない場合のエラー。
	ErrMasterKeyNotFound = fmt.Errorf("master key %w", ErrNotFound)

	// ErrInterfaceDown はインターフェースが起動していない場合のエラー。
	ErrInterfaceDown = fmt.Errorf("interface down: %w", ErrExecution)

	// ErrMigrationFailed はマイグレーション実行時のエラー。
	ErrMigrationFailed = errors.New("migration failed")

	// ErrInvalidMigrationFile はマイグレーションファイルのフォーマットが不正な場合のエラー。
	ErrInvalidMigrationFile = errors.New("invalid migration file")
)

// ValidationError は検証に失敗したフィールドを表す。
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError は新しいValidationErrorを生成する。
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// ExecutionError は特権コマンドの非ゼロ終了を表す。
// Stderrはサニタイズ済みであること。
type ExecutionError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExecutionError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s exited with status %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("%s exited with status %d: %s", e.Command, e.ExitCode, e.Stderr)
}

func (e *ExecutionError) Is(target error) bool { return target == ErrExecution }

// TimeoutError は特権コマンドのタイムアウトを表す。
type TimeoutError struct {
	Command string
	Limit   string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s did not finish within %s", e.Command, e.Limit)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// ConvergenceError はカーネルがコマンドを受け付けたが状態が反映されなかったことを表す。
// Interfaceが設定されている場合はピアではなくインターフェース自体の不一致を表す。
type ConvergenceError struct {
	Interface string
	PublicKey string
	Detail    string
}

func (e *ConvergenceError) Error() string {
	if e.Interface != "" {
		return fmt.Sprintf("interface %s did not converge: %s", e.Interface, e.Detail)
	}
	return fmt.Sprintf("peer %s did not converge: %s", ShortKey(e.PublicKey), e.Detail)
}

func (e *ConvergenceError) Is(target error) bool { return target == ErrConvergence }

// Kind はエラーを安定したエラーコードに変換する。
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "VALIDATION_ERROR"
	case errors.Is(err, ErrVersionConflict):
		return "VERSION_CONFLICT"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrAlreadyExists):
		return "ALREADY_EXISTS"
	case errors.Is(err, ErrTimeout):
		return "TIMEOUT"
	case errors.Is(err, ErrConvergence):
		return "CONVERGENCE_ERROR"
	case errors.Is(err, ErrExecution):
		return "EXECUTION_ERROR"
	case errors.Is(err, ErrDecryption):
		return "DECRYPTION_ERROR"
	case errors.Is(err, ErrEntropy):
		return "ENTROPY_ERROR"
	default:
		return "INTERNAL_ERROR"
	}
}

// ShortKey はログ出力用に公開鍵を短縮する。
func ShortKey(publicKey string) string {
	if len(publicKey) <= 8 {
		return publicKey
	}
	return publicKey[:8] + "…"
}
