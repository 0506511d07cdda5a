// Package snapshot writes and reads zstd-compressed room dumps.
package snapshot

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/inviso/scenesync/internal/storage/memory"
)

// Version is the current snapshot format.
const Version = 1

const ext = ".json.zst"

var ErrNoSnapshot = errors.New("no snapshot")

// Header is the first line of a snapshot file.
type Header struct {
	Version  int       `json:"version"`
	Room     string    `json:"room"`
	TakenAt  time.Time `json:"taken_at"`
	Children int       `json:"children"`
}

// Snapshot is every child of a room at one point in time.
type Snapshot struct {
	Header   Header         `json:"header"`
	Children []memory.Child `json:"children"`
}

// Of captures the hub state of room.
func Of(room string, hub *memory.Hub, now time.Time) Snapshot {
	children := hub.Children()
	return Snapshot{
		Header:   Header{Version: Version, Room: room, TakenAt: now.UTC(), Children: len(children)},
		Children: children,
	}
}

// Path is the file a snapshot of room taken at t is written to.
func Path(dir, room string, t time.Time) string {
	return filepath.Join(dir, filepath.Base(room), t.UTC().Format("20060102T150405.000000000Z")+ext)
}

// Write stores snap at path, creating parent directories.
func Write(path string, snap Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	if err := encode(f, snap); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func encode(f *os.File, snap Snapshot) error {
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, err := json.Marshal(snap.Header)
	if err != nil {
		return err
	}
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := json.NewEncoder(bw).Encode(snap.Children); err != nil {
		return fmt.Errorf("json encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return enc.Close()
}

// Read loads a snapshot written by Write.
func Read(path string) (Snapshot, error) {
	var snap Snapshot
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)
	line, err := br.ReadBytes('\n')
	if err != nil {
		return snap, fmt.Errorf("reading header: %w", err)
	}
	if err := json.Unmarshal(line, &snap.Header); err != nil {
		return snap, fmt.Errorf("decoding header: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	if err := json.NewDecoder(br).Decode(&snap.Children); err != nil {
		return snap, fmt.Errorf("json decode: %w", err)
	}
	return snap, nil
}

// Latest returns the newest snapshot file of room.
func Latest(dir, room string) (string, error) {
	entries, err := os.ReadDir(filepath.Join(dir, filepath.Base(room)))
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNoSnapshot
	}
	if err != nil {
		return "", err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ext) {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", ErrNoSnapshot
	}
	sort.Strings(names)
	return filepath.Join(dir, filepath.Base(room), names[len(names)-1]), nil
}

// Prune keeps the newest keep snapshots of room and deletes the rest.
func Prune(dir, room string, keep int) error {
	entries, err := os.ReadDir(filepath.Join(dir, filepath.Base(room)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ext) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for len(names) > keep {
		if err := os.Remove(filepath.Join(dir, filepath.Base(room), names[0])); err != nil {
			return err
		}
		names = names[1:]
	}
	return nil
}

// Restore loads a snapshot into hub.
func Restore(hub *memory.Hub, snap Snapshot) error {
	for _, c := range snap.Children {
		if err := hub.Load(c); err != nil {
			return err
		}
	}
	return nil
}
