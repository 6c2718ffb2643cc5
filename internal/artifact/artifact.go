// Package artifact persists trained models as immutable, versioned bundles
// of three blobs (model, scaler, metadata) behind a per-slot pointer that
// is swapped atomically. A slot with no pointer is the "untrained" state.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fractal-lba/profitcast/internal/api"
	"github.com/fractal-lba/profitcast/internal/model"
)

// Blob names inside a bundle.
const (
	BlobModel    = "model"
	BlobScaler   = "scaler"
	BlobMetadata = "metadata"
	BlobManifest = "manifest"
)

// DefaultSlot is the slot used when none is configured.
const DefaultSlot = "profit_predictor"

// ErrIntegrity is returned when a stored blob does not match its manifest.
var ErrIntegrity = errors.New("artifact integrity check failed")

// Artifact is the unit written by a training run.
type Artifact struct {
	Metadata api.ModelMetadata
	Columns  []string
	Model    []byte
	Scaler   []byte
}

// Store persists artifacts for one slot.
type Store interface {
	// Save writes a complete bundle and then points the slot at it.
	Save(ctx context.Context, a *Artifact) error
	// Current returns the active version or api.ErrModelNotTrained.
	Current(ctx context.Context) (string, error)
	// Get reads and verifies a bundle by version.
	Get(ctx context.Context, version string) (*Artifact, error)
	Close() error
}

// Locker guards a slot against concurrent training across processes.
// Lock returns api.ErrTrainingInProgress when the slot is already held.
type Locker interface {
	Lock(ctx context.Context) (unlock func(), err error)
}

// NewVersion returns a sortable, unique version string.
func NewVersion(now time.Time) string {
	return fmt.Sprintf("%s-%s", now.UTC().Format("20060102T150405Z"), uuid.NewString()[:8])
}

// metadataBlob is the encoded metadata blob.
type metadataBlob struct {
	Metadata api.ModelMetadata `json:"metadata"`
	Columns  []string          `json:"feature_columns"`
}

// manifest records a sha256 for every other blob.
type manifest struct {
	Version   string            `json:"version"`
	CreatedAt time.Time         `json:"created_at"`
	Checksums map[string]string `json:"checksums"`
}

// encode turns an artifact into its named blobs, manifest included.
func encode(a *Artifact) (map[string][]byte, error) {
	if a.Metadata.Version == "" {
		return nil, fmt.Errorf("%w: artifact has no version", api.ErrInvalidInput)
	}
	meta, err := json.Marshal(metadataBlob{Metadata: a.Metadata, Columns: a.Columns})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	blobs := map[string][]byte{
		BlobModel:    a.Model,
		BlobScaler:   a.Scaler,
		BlobMetadata: meta,
	}

	m := manifest{Version: a.Metadata.Version, CreatedAt: a.Metadata.TrainedAt, Checksums: map[string]string{}}
	for name, data := range blobs {
		m.Checksums[name] = checksum(data)
	}
	man, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}
	blobs[BlobManifest] = man
	return blobs, nil
}

// decode verifies blobs against their manifest and rebuilds the artifact.
func decode(version string, blobs map[string][]byte) (*Artifact, error) {
	var m manifest
	if err := json.Unmarshal(blobs[BlobManifest], &m); err != nil {
		return nil, fmt.Errorf("%w: unreadable manifest for %s: %v", ErrIntegrity, version, err)
	}
	if m.Version != version {
		return nil, fmt.Errorf("%w: manifest version %q, want %q", ErrIntegrity, m.Version, version)
	}
	for _, name := range blobNames[:3] {
		want, ok := m.Checksums[name]
		if !ok {
			return nil, fmt.Errorf("%w: manifest for %s has no %s checksum", ErrIntegrity, version, name)
		}
		if got := checksum(blobs[name]); got != want {
			return nil, fmt.Errorf("%w: %s/%s checksum %s, want %s", ErrIntegrity, version, name, got, want)
		}
	}

	var meta metadataBlob
	if err := json.Unmarshal(blobs[BlobMetadata], &meta); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return &Artifact{
		Metadata: meta.Metadata,
		Columns:  meta.Columns,
		Model:    blobs[BlobModel],
		Scaler:   blobs[BlobScaler],
	}, nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// blobNames lists the blobs every bundle carries, manifest last.
var blobNames = []string{BlobModel, BlobScaler, BlobMetadata, BlobManifest}

// Loaded is a decoded artifact ready for inference. It is immutable and
// shared between concurrent readers.
type Loaded struct {
	Metadata  api.ModelMetadata
	Columns   []string
	Regressor model.Regressor
	Scaler    *model.StandardScaler
}

// Decode parses the model and scaler blobs.
func (a *Artifact) Decode() (*Loaded, error) {
	reg, err := model.Decode(a.Model)
	if err != nil {
		return nil, err
	}
	sc, err := model.UnmarshalScaler(a.Scaler)
	if err != nil {
		return nil, err
	}
	if len(sc.Mean) != len(a.Columns) {
		return nil, fmt.Errorf("%w: scaler has %d features, metadata lists %d columns",
			ErrIntegrity, len(sc.Mean), len(a.Columns))
	}
	return &Loaded{Metadata: a.Metadata, Columns: a.Columns, Regressor: reg, Scaler: sc}, nil
}

// Load reads the current artifact of store, returning api.ErrModelNotTrained
// when the slot is empty.
func Load(ctx context.Context, store Store) (*Artifact, error) {
	version, err := store.Current(ctx)
	if err != nil {
		return nil, err
	}
	return store.Get(ctx, version)
}
