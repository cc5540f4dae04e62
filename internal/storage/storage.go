// Package storage は結合済みアップロードを保存するオブジェクトストレージを提供します。
// 開発環境ではローカルディスク、本番環境では S3 互換ストレージを使います。
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/yourusername/relayforge/internal/config"
)

// ErrNotFound はオブジェクトが存在しないことを表します。
var ErrNotFound = errors.New("storage: object not found")

// Storage はキーで参照するオブジェクトの保存先です。
type Storage interface {
	// Put は r の内容を key に保存します。size が負の場合は不明として扱います。
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	// Open は key の内容を読み出します。呼び出し側で Close してください。
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Size は key のバイト数を返します。
	Size(ctx context.Context, key string) (int64, error)
	Delete(ctx context.Context, key string) error
}

// New は設定に応じた Storage を作成します。
func New(ctx context.Context, cfg *config.Config) (Storage, error) {
	switch cfg.StorageBackend {
	case "", config.StorageLocal:
		return NewLocal(cfg.StorageLocalDir)
	case config.StorageS3:
		return NewS3(ctx, S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.S3Prefix,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.StorageBackend)
	}
}

// UploadKey は結合済みアップロードの保存キーです。
func UploadKey(uploadID, filename string) string {
	return path.Join("uploads", uploadID, SanitizeName(filename))
}

// SanitizeName はファイル名からディレクトリ要素と制御文字を取り除きます。
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	if name == "" || name == "." || name == "/" || name == ".." {
		return "upload.bin"
	}
	return name
}

func cleanKey(key string) (string, error) {
	key = strings.TrimPrefix(path.Clean("/"+key), "/")
	if key == "" || key == "." {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return key, nil
}
