// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション設定を表す。
type Config struct {
	Port               string
	DatabaseURL        string
	LogLevel           string
	GoogleCloudProject string

	// マスター鍵のラップ方式。KMSKeyNameが優先され、未設定の場合はMasterKEKを使う。
	KMSKeyName string
	MasterKEK  string

	OtelEnabled      bool
	OtelEndpoint     string
	OtelServiceName  string
	OtelSamplingRate float64
	OtelInsecure     bool

	// 特権コマンド
	WGBinary       string
	WGQuickBinary  string
	InstallBinary  string
	SudoBinary     string // 空の場合はsudoを経由しない（CAP_NET_ADMIN付与時）
	WGConfigDir    string
	CommandTimeout time.Duration

	// 0の場合は定期リコンシリエーションを行わない
	ReconcileInterval time.Duration
	InterfaceName     string

	MigrationsDir string
}

// Load は環境変数から設定を読み込む。
func Load() *Config {
	return &Config{
		Port:               getEnv("PORT", "8080"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		LogLevel:           getEnv("LOG_LEVEL", "INFO"),
		GoogleCloudProject: os.Getenv("GOOGLE_CLOUD_PROJECT"),
		KMSKeyName:         os.Getenv("KMS_KEY_NAME"),
		MasterKEK:          os.Getenv("MASTER_KEK"),
		OtelEnabled:        getBool("OTEL_ENABLED", false),
		OtelEndpoint:       getEnv("OTEL_ENDPOINT", "localhost:4317"),
		OtelServiceName:    getEnv("OTEL_SERVICE_NAME", "wgfleet"),
		OtelSamplingRate:   getFloat("OTEL_SAMPLING_RATE", 1.0),
		OtelInsecure:       getBool("OTEL_INSECURE", false),
		WGBinary:           getEnv("WG_BINARY", "/usr/bin/wg"),
		WGQuickBinary:      getEnv("WG_QUICK_BINARY", "/usr/bin/wg-quick"),
		InstallBinary:      getEnv("INSTALL_BINARY", "/usr/bin/install"),
		SudoBinary:         lookupEnv("SUDO_BINARY", "/usr/bin/sudo"),
		WGConfigDir:        getEnv("WG_CONFIG_DIR", "/etc/wireguard"),
		CommandTimeout:     getDuration("COMMAND_TIMEOUT", 5*time.Second),
		ReconcileInterval:  getDuration("RECONCILE_INTERVAL", 0),
		InterfaceName:      getEnv("WG_INTERFACE", "wg0"),
		MigrationsDir:      getEnv("MIGRATIONS_DIR", "./migrations"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// lookupEnv は空文字列の明示的な設定を尊重する。
func lookupEnv(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultVal
	}
	return v
}

func getFloat(key string, defaultVal float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return defaultVal
	}
	return v
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return defaultVal
	}
	return v
}
