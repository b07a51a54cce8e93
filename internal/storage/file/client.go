// Package file implements storage.KV as a small JSON file on disk, the
// terminal-client analogue of the browser's localStorage.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/storechat/internal/storage"
)

type Client struct {
	mu   sync.Mutex
	path string
	data map[string]string
}

// New loads the file at path, creating parent directories as needed. A
// missing file is an empty store, not an error.
func New(path string) (*Client, error) {
	c := &Client{path: path, data: make(map[string]string)}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("storage file read %s: %w", path, err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &c.data); err != nil {
			// Corrupt state file: start over rather than refusing to run.
			c.data = make(map[string]string)
		}
	}
	return c, nil
}

func (c *Client) Close() error { return nil }

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	if !ok {
		return "", storage.ErrNotFound
	}
	return v, nil
}

func (c *Client) Set(ctx context.Context, key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return c.flush()
}

func (c *Client) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return c.flush()
}

// flush writes the whole map atomically (tmp file + rename).
// Caller holds the lock.
func (c *Client) flush() error {
	raw, err := json.MarshalIndent(c.data, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(c.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("storage file mkdir %s: %w", dir, err)
		}
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("storage file write %s: %w", tmp, err)
	}
	return os.Rename(tmp, c.path)
}
