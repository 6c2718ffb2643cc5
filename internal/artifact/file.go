package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fractal-lba/profitcast/internal/api"
)

// FileStore keeps bundles on local disk:
//
//	<dir>/<slot>/versions/<version>/{model,scaler,metadata,manifest}.json
//	<dir>/<slot>/CURRENT
//	<dir>/<slot>/LOCK
//
// A bundle directory is fully written and fsynced under a temporary name
// before being renamed into place; CURRENT is replaced the same way, so a
// crash never exposes a partial bundle.
type FileStore struct {
	root      string
	keep      int
	staleLock time.Duration
}

// NewFileStore opens (and creates) the slot directory. keep bounds how many
// versions are retained; 0 keeps all.
func NewFileStore(dir, slot string, keep int) (*FileStore, error) {
	if slot == "" {
		slot = DefaultSlot
	}
	root := filepath.Join(dir, slot)
	if err := os.MkdirAll(filepath.Join(root, "versions"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	return &FileStore{root: root, keep: keep, staleLock: 6 * time.Hour}, nil
}

func (f *FileStore) versionDir(version string) string {
	return filepath.Join(f.root, "versions", version)
}

func (f *FileStore) Save(ctx context.Context, a *Artifact) error {
	blobs, err := encode(a)
	if err != nil {
		return err
	}
	version := a.Metadata.Version
	if version != filepath.Base(version) || strings.HasPrefix(version, ".") {
		return fmt.Errorf("%w: invalid version %q", api.ErrInvalidInput, version)
	}

	tmp, err := os.MkdirTemp(filepath.Join(f.root, "versions"), ".tmp-")
	if err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(tmp)

	for _, name := range blobNames {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := writeSynced(filepath.Join(tmp, name+".json"), blobs[name]); err != nil {
			return err
		}
	}
	if err := syncDir(tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, f.versionDir(version)); err != nil {
		return fmt.Errorf("failed to publish version %s: %w", version, err)
	}
	if err := syncDir(filepath.Join(f.root, "versions")); err != nil {
		return err
	}

	if err := writeAtomic(filepath.Join(f.root, "CURRENT"), []byte(version+"\n")); err != nil {
		return fmt.Errorf("failed to swap current pointer: %w", err)
	}
	f.prune(version)
	return nil
}

func (f *FileStore) Current(ctx context.Context) (string, error) {
	data, err := os.ReadFile(filepath.Join(f.root, "CURRENT"))
	if errors.Is(err, os.ErrNotExist) {
		return "", api.ErrModelNotTrained
	}
	if err != nil {
		return "", api.Upstream("read current pointer", err)
	}
	version := strings.TrimSpace(string(data))
	if version == "" {
		return "", api.ErrModelNotTrained
	}
	return version, nil
}

func (f *FileStore) Get(ctx context.Context, version string) (*Artifact, error) {
	dir := f.versionDir(version)
	blobs := make(map[string][]byte, len(blobNames))
	for _, name := range blobNames {
		data, err := os.ReadFile(filepath.Join(dir, name+".json"))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: version %s missing %s", ErrIntegrity, version, name)
			}
			return nil, api.Upstream("read artifact", err)
		}
		blobs[name] = data
	}
	return decode(version, blobs)
}

// Versions lists stored versions, oldest first.
func (f *FileStore) Versions() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(f.root, "versions"))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// prune removes the oldest versions beyond keep, never the current one.
func (f *FileStore) prune(current string) {
	if f.keep <= 0 {
		return
	}
	versions, err := f.Versions()
	if err != nil || len(versions) <= f.keep {
		return
	}
	for _, v := range versions[:len(versions)-f.keep] {
		if v != current {
			os.RemoveAll(f.versionDir(v))
		}
	}
}

func (f *FileStore) Close() error { return nil }

// Lock takes an exclusive lock file for the slot. A lock older than the
// stale threshold is assumed abandoned by a crashed process and replaced.
func (f *FileStore) Lock(ctx context.Context) (func(), error) {
	path := filepath.Join(f.root, "LOCK")
	for attempt := 0; attempt < 2; attempt++ {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			fmt.Fprintf(file, "%d %s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
			file.Close()
			return func() { os.Remove(path) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}
		info, statErr := os.Stat(path)
		if statErr != nil || time.Since(info.ModTime()) < f.staleLock {
			return nil, api.ErrTrainingInProgress
		}
		os.Remove(path)
	}
	return nil, api.ErrTrainingInProgress
}

func writeSynced(path string, data []byte) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Base(path), err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("failed to sync %s: %w", filepath.Base(path), err)
	}
	return file.Close()
}

// writeAtomic replaces path via a synced temp file and rename.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := writeSynced(tmp, data); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return syncDir(filepath.Dir(path))
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return fmt.Errorf("failed to sync directory: %w", err)
	}
	return nil
}
