package ota

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrPayloadNotFound 载荷引用无法解析
var ErrPayloadNotFound = errors.New("update payload not found")

// PayloadStore 按引用存取更新载荷字节。
// 协调者写入，节点侧按 UpdatePackage.PayloadRef 拉取。
type PayloadStore interface {
	Put(ref string, payload []byte) error
	Get(ref string) ([]byte, error)
}

// MemoryPayloadStore 进程内载荷存储，用于单机部署与测试
type MemoryPayloadStore struct {
	mu       sync.RWMutex
	payloads map[string][]byte
}

// NewMemoryPayloadStore 创建内存载荷存储
func NewMemoryPayloadStore() *MemoryPayloadStore {
	return &MemoryPayloadStore{payloads: make(map[string][]byte)}
}

// Put 实现 PayloadStore.Put
func (s *MemoryPayloadStore) Put(ref string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads[ref] = append([]byte(nil), payload...)
	return nil
}

// Get 实现 PayloadStore.Get
func (s *MemoryPayloadStore) Get(ref string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	payload, ok := s.payloads[ref]
	if !ok {
		return nil, ErrPayloadNotFound
	}
	return append([]byte(nil), payload...), nil
}

// FilePayloadStore 基于共享目录的载荷存储
type FilePayloadStore struct {
	dir string
}

// NewFilePayloadStore 创建目录载荷存储
func NewFilePayloadStore(dir string) (*FilePayloadStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create payload dir: %w", err)
	}
	return &FilePayloadStore{dir: dir}, nil
}

// Put 实现 PayloadStore.Put
func (s *FilePayloadStore) Put(ref string, payload []byte) error {
	path := filepath.Join(s.dir, filepath.Base(ref))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return os.Rename(tmp, path)
}

// Get 实现 PayloadStore.Get
func (s *FilePayloadStore) Get(ref string) ([]byte, error) {
	payload, err := os.ReadFile(filepath.Join(s.dir, filepath.Base(ref)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrPayloadNotFound
	}
	return payload, err
}
