package instance

import (
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// payloadMagic is the DOS header every Windows PE image starts with.
var payloadMagic = [2]byte{'M', 'Z'}

const payloadExt = ".dll"

// DecodePayload decodes a base64 payload and checks that it looks like a
// Windows PE image.
func DecodePayload(encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, InvalidPayload(fmt.Sprintf("Failed to decode base64 payload: %v", err))
	}
	if len(data) < len(payloadMagic) {
		return nil, InvalidPayload("Payload is too short")
	}
	if data[0] != payloadMagic[0] || data[1] != payloadMagic[1] {
		return nil, InvalidPayload("Invalid payload format: missing MZ header")
	}
	return data, nil
}

// PayloadStore keeps one payload file per instance under Dir. Files are
// named <Prefix><id>.dll and are bind-mounted read-only into the container,
// so they must outlive a successful provisioning.
type PayloadStore struct {
	Dir    string
	Prefix string
	Logger *log.Logger
}

// NewPayloadStore creates a store rooted at dir.
func NewPayloadStore(dir, prefix string, logger *log.Logger) *PayloadStore {
	if logger == nil {
		logger = log.New(os.Stdout, "[payload] ", log.LstdFlags|log.Lmsgprefix)
	}
	return &PayloadStore{Dir: dir, Prefix: prefix, Logger: logger}
}

// Path returns the payload location for an instance. The name is resolved
// inside Dir so that a hostile id cannot escape it.
func (s *PayloadStore) Path(id string) (string, error) {
	path, err := securejoin.SecureJoin(s.Dir, s.Prefix+id+payloadExt)
	if err != nil {
		return "", fmt.Errorf("resolve payload path: %w", err)
	}
	return path, nil
}

// Write persists data for an instance and returns the absolute file path.
func (s *PayloadStore) Write(id string, data []byte) (string, error) {
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return "", fmt.Errorf("create payload directory: %w", err)
	}

	path, err := s.Path(id)
	if err != nil {
		return "", err
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	// World-readable: the container user differs from ours.
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write payload file: %w", err)
	}

	s.Logger.Printf("wrote payload to %s (%d bytes)", path, len(data))
	return path, nil
}

// Remove deletes the payload of an instance. A missing file is not an error.
func (s *PayloadStore) Remove(id string) {
	path, err := s.Path(id)
	if err != nil {
		s.Logger.Printf("warning: %v", err)
		return
	}
	if err := os.Remove(path); err != nil {
		if !os.IsNotExist(err) {
			s.Logger.Printf("warning: failed to remove payload %s: %v", path, err)
		}
		return
	}
	s.Logger.Printf("removed payload %s", path)
}

// Exists reports whether a payload file is present for an instance.
func (s *PayloadStore) Exists(id string) bool {
	path, err := s.Path(id)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// CleanOrphans removes payload files whose instance is not in known.
// Only files matching <Prefix><uuid>.dll are considered. It returns the
// number of files removed.
func (s *PayloadStore) CleanOrphans(known map[string]bool) (int, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read payload directory: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		id, ok := s.idFromName(entry.Name())
		if !ok || known[id] {
			continue
		}

		path := filepath.Join(s.Dir, entry.Name())
		s.Logger.Printf("removing orphaned payload: %s", path)
		if err := os.Remove(path); err != nil {
			s.Logger.Printf("warning: failed to remove orphaned payload %s: %v", path, err)
			continue
		}
		removed++
	}

	if removed > 0 {
		s.Logger.Printf("cleaned %d orphaned payload files", removed)
	}
	return removed, nil
}

func (s *PayloadStore) idFromName(name string) (string, bool) {
	if !strings.HasPrefix(name, s.Prefix) || !strings.HasSuffix(name, payloadExt) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(name, s.Prefix), payloadExt)
	return id, ValidID(id)
}
