// 文件路径: internal/bootstrap/jwt_signing_key.go
// 模块说明: 解析 JWT 签名密钥：配置优先，其次 settings 表，最后生成并持久化。
package bootstrap

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

type JWTSigningKeySource string

const (
	defaultJWTSigningKey    = "change-me"
	jwtSigningKeySettingKey = "auth_signing_key"
	jwtSigningKeyCategory   = "security"
	jwtSigningKeyBytes      = 32
	jwtSigningKeyHint       = "set NODEBOARD_AUTH_SIGNING_KEY to override"

	JWTSigningKeySourceConfig    JWTSigningKeySource = "config"
	JWTSigningKeySourceSettings  JWTSigningKeySource = "settings"
	JWTSigningKeySourceGenerated JWTSigningKeySource = "generated"
)

// ResolveJWTSigningKey returns the configured key unless it is empty or the
// placeholder, in which case a key persisted in settings is reused or generated.
func ResolveJWTSigningKey(ctx context.Context, db *sql.DB, configuredKey string, now func() time.Time) (string, JWTSigningKeySource, error) {
	return resolveJWTSigningKey(ctx, db, configuredKey, now, rand.Reader)
}

func resolveJWTSigningKey(ctx context.Context, db *sql.DB, configuredKey string, now func() time.Time, random io.Reader) (string, JWTSigningKeySource, error) {
	if key := strings.TrimSpace(configuredKey); key != "" && key != defaultJWTSigningKey {
		return key, JWTSigningKeySourceConfig, nil
	}
	if db == nil {
		return "", "", fmt.Errorf("resolve jwt signing key: database required for generated key; %s", jwtSigningKeyHint)
	}
	if now == nil {
		now = time.Now
	}
	if random == nil {
		random = rand.Reader
	}

	existing, err := readSetting(ctx, db, jwtSigningKeySettingKey)
	if err != nil {
		return "", "", fmt.Errorf("read jwt signing key: %w; %s", err, jwtSigningKeyHint)
	}
	if existing != "" {
		return existing, JWTSigningKeySourceSettings, nil
	}

	buf := make([]byte, jwtSigningKeyBytes)
	if _, err := io.ReadFull(random, buf); err != nil {
		return "", "", fmt.Errorf("generate jwt signing key: %w", err)
	}
	generated := hex.EncodeToString(buf)

	// Another process may have won the insert; re-read so both agree on one key.
	const upsert = `INSERT INTO settings(key, value, category, updated_at) VALUES(?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		WHERE TRIM(settings.value) = ''`
	if _, err := db.ExecContext(ctx, upsert, jwtSigningKeySettingKey, generated, jwtSigningKeyCategory, now().Unix()); err != nil {
		return "", "", fmt.Errorf("persist jwt signing key: %w", err)
	}
	resolved, err := readSetting(ctx, db, jwtSigningKeySettingKey)
	if err != nil {
		return "", "", fmt.Errorf("read jwt signing key after persistence: %w", err)
	}
	if resolved == "" {
		return "", "", fmt.Errorf("jwt signing key missing after persistence; %s", jwtSigningKeyHint)
	}
	if resolved == generated {
		return resolved, JWTSigningKeySourceGenerated, nil
	}
	return resolved, JWTSigningKeySourceSettings, nil
}

func readSetting(ctx context.Context, db *sql.DB, key string) (string, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(value), nil
}
