package capture

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// UnknownDevice is the sentinel id used when identity resolution fails.
const UnknownDevice = "unknown-device"

// FileIdentity keeps a generated device id in a file.
//
// The first lookup creates the file with a random UUID; later lookups read it.
type FileIdentity struct {
	Path string
}

// DeviceID returns the stored id, creating it on first use.
func (f FileIdentity) DeviceID(context.Context) (string, error) {
	data, err := os.ReadFile(f.Path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id == "" {
			return "", fmt.Errorf("device id file %s is empty", f.Path)
		}
		return id, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("read device id: %w", err)
	}

	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o700); err != nil {
		return "", fmt.Errorf("create device id dir: %w", err)
	}
	// O_EXCL: a concurrent first use keeps whichever id landed first.
	file, err := os.OpenFile(f.Path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, fs.ErrExist) {
		return f.DeviceID(context.Background())
	}
	if err != nil {
		return "", fmt.Errorf("create device id: %w", err)
	}
	defer file.Close()
	if _, err := file.WriteString(id + "\n"); err != nil {
		return "", fmt.Errorf("write device id: %w", err)
	}
	return id, nil
}
