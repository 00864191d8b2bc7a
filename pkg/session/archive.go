package session

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zstd"
)

// zstd encoders and decoders are safe for concurrent use, so one pair serves
// every archive write and read.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("session: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("session: zstd decoder initialization failed: " + err.Error())
	}
}

// Archive is cold storage for compacted transcript prefixes. Archived turns
// are kept for audit and never take part in context assembly.
type Archive struct {
	dir string
}

// NewArchive creates an archive rooted at dir.
func NewArchive(dir string) (*Archive, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &Archive{dir: dir}, nil
}

// Write stores turns as a compressed JSONL segment and returns its path.
func (a *Archive) Write(key string, fromSeq, toSeq int64, turns []Turn) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, t := range turns {
		if err := enc.Encode(t); err != nil {
			return "", fmt.Errorf("failed to encode archived turn: %w", err)
		}
	}

	keyDir := filepath.Join(a.dir, key)
	if err := os.MkdirAll(keyDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}

	path := filepath.Join(keyDir, fmt.Sprintf("%012d-%012d.jsonl.zst", fromSeq, toSeq))
	if err := writeFileAtomic(path, zstdEncoder.EncodeAll(buf.Bytes(), nil)); err != nil {
		return "", err
	}
	return path, nil
}

// Read decodes an archived segment.
func (a *Archive) Read(path string) ([]Turn, error) {
	compressed, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive: %w", err)
	}
	data, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}

	var turns []Turn
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		var t Turn
		if err := json.Unmarshal(scanner.Bytes(), &t); err != nil {
			return nil, fmt.Errorf("corrupt archive %s: %w", filepath.Base(path), err)
		}
		turns = append(turns, t)
	}
	return turns, scanner.Err()
}

// Segments lists a session's archived segments in sequence order.
func (a *Archive) Segments(key string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(a.dir, key, "*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// Remove deletes all archived segments for a session.
func (a *Archive) Remove(key string) error {
	return os.RemoveAll(filepath.Join(a.dir, key))
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace file: %w", err)
	}
	return nil
}
