package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// LevelDB はディスク上の goleveldb を使う Store 実装です。
// 書き込みは fsync 付きで行い、クラッシュ時も直前に確定したチャンクまでは残ります。
type LevelDB struct {
	db        *leveldb.DB
	writeOpts *opt.WriteOptions
}

// OpenLevelDB は dir にデータベースを開きます。破損していれば復旧を試みます。
func OpenLevelDB(dir string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if lerrors.IsCorrupted(err) {
		db, err = leveldb.RecoverFile(dir, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open state db %s: %w", dir, err)
	}
	return &LevelDB{db: db, writeOpts: &opt.WriteOptions{Sync: true}}, nil
}

func (l *LevelDB) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := l.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return v, err
}

func (l *LevelDB) Put(ctx context.Context, key string, value []byte) error {
	return l.db.Put([]byte(key), value, l.writeOpts)
}

func (l *LevelDB) Delete(ctx context.Context, key string) error {
	return l.db.Delete([]byte(key), l.writeOpts)
}

// Close はデータベースを閉じます。
func (l *LevelDB) Close() error {
	return l.db.Close()
}
