package client

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// File は送信対象のファイルです。任意の位置から読めることを要求します。
type File interface {
	io.ReaderAt
	Name() string
	Size() int64
}

// LocalFile はディスク上のファイルです。
type LocalFile struct {
	f    *os.File
	name string
	size int64
}

// OpenFile は path を送信用に開きます。
func OpenFile(path string) (*LocalFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}
	return &LocalFile{f: f, name: filepath.Base(path), size: info.Size()}, nil
}

func (l *LocalFile) ReadAt(p []byte, off int64) (int, error) { return l.f.ReadAt(p, off) }
func (l *LocalFile) Name() string                              { return l.name }
func (l *LocalFile) Size() int64                               { return l.size }
func (l *LocalFile) Close() error                              { return l.f.Close() }

type bytesFile struct {
	*bytes.Reader
	name string
}

// NewBytesFile はメモリ上のデータを File として扱います。
func NewBytesFile(name string, data []byte) File {
	return &bytesFile{Reader: bytes.NewReader(data), name: name}
}

func (b *bytesFile) Name() string { return b.name }

// countingReader は読み進めたバイト数を通知します。
type countingReader struct {
	r      io.Reader
	onRead func(n int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 && c.onRead != nil {
		c.onRead(int64(n))
	}
	return n, err
}
