package notify

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileChannel appends alert messages to a log file, one line per alert.
// Writes are serialized; the parent directory is created on first use.
type FileChannel struct {
	name string
	path string

	mu sync.Mutex
}

// NewFileChannel creates a file channel writing to path.
func NewFileChannel(name, path string) *FileChannel {
	if name == "" {
		name = "file"
	}
	return &FileChannel{name: name, path: path}
}

func (c *FileChannel) Name() string { return c.name }

func (c *FileChannel) Send(ctx context.Context, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("create alert log dir: %w", err)
	}

	f, err := os.OpenFile(c.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open alert log: %w", err)
	}
	defer f.Close()

	line := fmt.Sprintf("%s %s\n", time.Now().UTC().Format(time.RFC3339), message)
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("append alert log: %w", err)
	}
	return nil
}
