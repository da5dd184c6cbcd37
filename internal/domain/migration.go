package domain

import "time"

// MigrationStatus はスキーママイグレーションの適用状態を表す
type MigrationStatus string

const (
	MigrationStatusPending MigrationStatus = "pending"
	MigrationStatusApplied MigrationStatus = "applied"
)

// Migration はservers/peers/master_keysテーブルのスキーマ変更を表す
type Migration struct {
	Version   string     // 例: "001"
	Name      string     // ファイル名から抽出（例: create_peers）
	AppliedAt *time.Time // 未適用の場合はnil
	FilePath  string
	Status    MigrationStatus
}
