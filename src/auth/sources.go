package auth

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"sync"
)

// StaticTokenSource holds a token in memory, typically read from the
// environment at startup.
type StaticTokenSource struct {
	mu    sync.Mutex
	token string
}

func NewStaticTokenSource(token string) *StaticTokenSource {
	return &StaticTokenSource{token: token}
}

func (s *StaticTokenSource) IDToken(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, nil
}

func (s *StaticTokenSource) Revoke(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	return nil
}

// FileTokenSource reads the token from a file on every call. Revoke removes
// the file.
type FileTokenSource struct {
	Path string
}

func (s FileTokenSource) IDToken(context.Context) (string, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s FileTokenSource) Revoke(context.Context) error {
	err := os.Remove(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
