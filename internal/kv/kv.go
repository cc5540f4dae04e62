// Package kv はクライアント側の永続状態を保存する小さなキーバリューストアを提供します。
// アップロードセッションとジョブポインタはこのインターフェース越しに保存され、
// テストではメモリ実装に差し替えます。
package kv

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound はキーが存在しないことを表します。
var ErrNotFound = errors.New("kv: key not found")

// Store は永続キーバリューストアです。
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Memory はプロセス内のみで保持する Store 実装です。
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory は空の Memory を作成します。
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Put(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Len は保持しているキー数を返します。
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
