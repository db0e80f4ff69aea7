// Package backup implements streaming snapshot backup/restore: a flush-then-stream write format with an envelope carrying a
// semver version, an ISO timestamp, and an entry count, plus a
// directory-listing helper that tolerates invalid files.
package backup

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/dreamware/kvstore/internal/backend"
	"github.com/dreamware/kvstore/internal/codec"
	"github.com/dreamware/kvstore/internal/validate"
)

// Version is stamped into every backup envelope written by this package.
const Version = "1.0.0"

// StreamingThreshold is the file-size cutoff above which Restore uses a
// streaming JSON parse instead of loading the file fully.
const StreamingThreshold = 100 * 1024 * 1024 // 100 MiB

// DefaultRestoreTimeout is the default timeout for Restore.
const DefaultRestoreTimeout = 5 * time.Minute

var semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// envelope is the on-disk shape written by Backup and read by Restore.
type envelope struct {
	Version   string         `json:"version"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data"`
	Entries   int            `json:"entries"`
}

// Info describes one backup file as reported by List.
type Info struct {
	File      string
	Path      string
	Version   string
	Timestamp time.Time
	Entries   int
	Size      int64
}

// Backup streams be's contents to path as a single text document
// `{version, timestamp, data, entries}`, never buffering the whole key
// space in memory. The caller is responsible for flushing any pending
// batch coalescer before calling Backup.
func Backup(ctx context.Context, be backend.Backend, path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("backup: open: %w", err)
	}
	defer f.Close()
	if err := os.Chmod(path, 0o600); err != nil {
		// best-effort: not every filesystem supports owner-only modes.
		_ = err
	}

	w := bufio.NewWriter(f)

	seq, streamErr := be.StreamEntries(ctx)

	if _, err := fmt.Fprintf(w, `{"version":%q,"timestamp":%q,"data":{`,
		Version, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("backup: write header: %w", err)
	}

	var count int
	for e := range seq {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if count > 0 {
			if _, err := w.WriteString(","); err != nil {
				return fmt.Errorf("backup: write separator: %w", err)
			}
		}
		keyJSON, err := json.Marshal(e.Key)
		if err != nil {
			return fmt.Errorf("backup: encode key %q: %w", e.Key, err)
		}
		if _, err := fmt.Fprintf(w, "%s:%s", keyJSON, e.Value); err != nil {
			return fmt.Errorf("backup: write entry %q: %w", e.Key, err)
		}
		count++
	}
	if err := streamErr(); err != nil {
		return fmt.Errorf("backup: stream: %w", err)
	}

	if _, err := fmt.Fprintf(w, `},"entries":%d}`, count); err != nil {
		return fmt.Errorf("backup: write trailer: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("backup: flush: %w", err)
	}
	return f.Sync()
}

// Options configures Restore.
type Options struct {
	// Merge unions the backup's entries with the backend's current
	// contents, with incoming entries overriding on key collision.
	Merge bool
	// Timeout bounds the whole restore operation; zero uses
	// DefaultRestoreTimeout.
	Timeout time.Duration
}

// Restore validates the envelope at path and replaces (or merges into)
// be's contents via WriteAll.
func Restore(ctx context.Context, be backend.Backend, path string, opts Options) error {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultRestoreTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("restore: stat: %w", err)
	}

	env, err := readEnvelope(path, info.Size())
	if err != nil {
		return err
	}
	if err := validateEnvelope(env); err != nil {
		return err
	}

	encoded := make(map[string]string, len(env.Data))
	for k, v := range env.Data {
		text, err := codec.Encode(v)
		if err != nil {
			return fmt.Errorf("restore: re-encoding key %q: %w", k, err)
		}
		encoded[k] = text
	}

	toWrite := encoded
	if opts.Merge {
		current, err := be.ReadAll(ctx)
		if err != nil {
			return fmt.Errorf("restore: reading current contents: %w", err)
		}
		toWrite = current
		for k, v := range encoded {
			toWrite[k] = v
		}
	}

	if err := be.WriteAll(ctx, toWrite); err != nil {
		return fmt.Errorf("restore: writeAll: %w", err)
	}
	return nil
}

// readEnvelope loads and parses the file, choosing a streaming decoder
// for files above StreamingThreshold.
func readEnvelope(path string, size int64) (*envelope, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("restore: open: %w", err)
	}
	defer f.Close()

	var env envelope
	if size > StreamingThreshold {
		dec := json.NewDecoder(bufio.NewReader(f))
		if err := dec.Decode(&env); err != nil && err != io.EOF {
			return nil, fmt.Errorf("restore: streaming decode: %w", err)
		}
	} else {
		raw, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("restore: read: %w", err)
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, fmt.Errorf("restore: decode: %w", err)
		}
	}
	return &env, nil
}

func validateEnvelope(env *envelope) error {
	if !semverPattern.MatchString(env.Version) {
		return fmt.Errorf("restore: invalid version %q", env.Version)
	}
	if _, err := time.Parse(time.RFC3339Nano, env.Timestamp); err != nil {
		if _, err2 := time.Parse(time.RFC3339, env.Timestamp); err2 != nil {
			return fmt.Errorf("restore: invalid timestamp %q", env.Timestamp)
		}
	}
	if env.Data == nil {
		return fmt.Errorf("restore: missing data mapping")
	}
	if env.Entries != 0 && env.Entries != len(env.Data) {
		return fmt.Errorf("restore: entries count %d does not match data size %d", env.Entries, len(env.Data))
	}
	for k, v := range env.Data {
		if err := validate.Key(k); err != nil {
			return fmt.Errorf("restore: invalid key %q: %w", k, err)
		}
		if m, isMap := v.(map[string]any); isMap && m[codec.Discriminant] == codec.TypeUndefined {
			return fmt.Errorf("restore: value for key %q is undefined", k)
		}
	}
	return nil
}

// List enumerates dir's mapping-extension (.json) files, validates each
// envelope's version and timestamp, and returns the valid ones sorted by
// timestamp descending. Invalid files are skipped (not reported as a
// hard failure).
func List(dir string) ([]Info, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("backup: list: %w", err)
	}

	var out []Info
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		env, err := readEnvelope(path, info.Size())
		if err != nil {
			continue
		}
		if !semverPattern.MatchString(env.Version) {
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, env.Timestamp)
		if err != nil {
			ts, err = time.Parse(time.RFC3339, env.Timestamp)
			if err != nil {
				continue
			}
		}
		out = append(out, Info{
			File:      filepath.Base(path),
			Path:      path,
			Version:   env.Version,
			Timestamp: ts,
			Entries:   len(env.Data),
			Size:      info.Size(),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}
