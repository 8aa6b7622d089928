package elevenlabs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/square-key-labs/pharmacy-voice-agent/src/logger"
)

// ttsDir is the directory under the static root that holds synthesized audio.
const ttsDir = "tts"

var errUnsafePath = errors.New("unsafe path")

// FileStore keeps synthesized audio under <root>/tts/<callSid>/ so the
// static handler can serve it to the telephony provider.
type FileStore struct {
	root string
	now  func() time.Time
	log  *logger.Logger
}

// NewFileStore creates root/tts if needed.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(root, ttsDir), 0755); err != nil {
		return nil, fmt.Errorf("create tts directory: %w", err)
	}
	return &FileStore{root: root, now: time.Now, log: logger.WithPrefix("TTSFiles")}, nil
}

func safeComponent(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}

// Write stores data as tts/<callSID>/<name> and returns that path relative to the root.
func (f *FileStore) Write(callSID, name string, data []byte) (string, error) {
	if !safeComponent(callSID) || !safeComponent(name) {
		return "", fmt.Errorf("write %q/%q: %w", callSID, name, errUnsafePath)
	}
	dir := filepath.Join(f.root, ttsDir, callSID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create call directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
		return "", fmt.Errorf("write audio file: %w", err)
	}
	return ttsDir + "/" + callSID + "/" + name, nil
}

// Path resolves a root-relative path to a file inside the store.
func (f *FileStore) Path(relPath string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(relPath, "/")))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("resolve %q: %w", relPath, errUnsafePath)
	}
	return filepath.Join(f.root, clean), nil
}

// RemoveCall deletes every file synthesized for callSID.
func (f *FileStore) RemoveCall(callSID string) error {
	if !safeComponent(callSID) {
		return fmt.Errorf("remove %q: %w", callSID, errUnsafePath)
	}
	return os.RemoveAll(filepath.Join(f.root, ttsDir, callSID))
}

// Cleanup removes audio files older than maxAge and any call directories
// left empty. It returns the number of files removed.
func (f *FileStore) Cleanup(maxAge time.Duration) (int, error) {
	cutoff := f.now().Add(-maxAge)
	base := filepath.Join(f.root, ttsDir)
	removed := 0
	var dirs []string

	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if path != base {
				dirs = append(dirs, path)
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil {
				f.log.Error("Error removing %s: %v", path, err)
				return nil
			}
			removed++
		}
		return nil
	})

	// Deepest first; os.Remove only succeeds on empty directories.
	for i := len(dirs) - 1; i >= 0; i-- {
		_ = os.Remove(dirs[i])
	}

	if removed > 0 {
		f.log.Info("Cleaned up %d old TTS file(s)", removed)
	}
	return removed, err
}
