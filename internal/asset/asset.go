// Package asset is the asset-management collaborator: persistent
// records for ingested audio, stored alongside their provenance.
package asset

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/audiopipe/audiopipe/internal/storage"
)

// Provenance records where an asset's audio came from.
type Provenance struct {
	SourceType       string    `json:"source_type"`
	SourceURL        string    `json:"source_url,omitempty"`
	VideoID          string    `json:"video_id,omitempty"`
	RightsAttestedAt string    `json:"rights_attested_at,omitempty"`
	IngestedAt       time.Time `json:"ingested_at"`
}

// Metadata describes one stored asset.
type Metadata struct {
	ID         string     `json:"asset_id"`
	Filename   string     `json:"filename"`
	Size       int64      `json:"size"`
	RawKey     string     `json:"raw_key"`
	Provenance Provenance `json:"provenance"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Service creates and resolves assets.
type Service interface {
	CreateAsset(ctx context.Context, data []byte, filename string, prov Provenance) (*Metadata, error)
	// Get returns the metadata record, or an error wrapping
	// storage.ErrNotFound for unknown IDs.
	Get(ctx context.Context, id string) (*Metadata, error)
	// RawKey returns the blob key holding the asset's raw audio.
	RawKey(ctx context.Context, id string) (string, error)
}

// BlobService stores assets in the shared blob store: raw bytes at
// assets/<id>/raw.<ext> with a JSON metadata sidecar.
type BlobService struct {
	blobs storage.Blob
}

func NewBlobService(blobs storage.Blob) *BlobService {
	return &BlobService{blobs: blobs}
}

func (s *BlobService) CreateAsset(ctx context.Context, data []byte, filename string, prov Provenance) (*Metadata, error) {
	ext := path.Ext(filename)
	if ext == "" {
		ext = ".wav"
	}
	m := &Metadata{
		ID:         uuid.NewString(),
		Filename:   filename,
		Size:       int64(len(data)),
		Provenance: prov,
		CreatedAt:  time.Now().UTC(),
	}
	m.RawKey = fmt.Sprintf("assets/%s/raw%s", m.ID, ext)

	if err := s.blobs.Put(ctx, m.RawKey, data); err != nil {
		return nil, fmt.Errorf("store asset audio: %w", err)
	}

	meta, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode asset metadata: %w", err)
	}
	if err := s.blobs.Put(ctx, metaKey(m.ID), meta); err != nil {
		return nil, fmt.Errorf("store asset metadata: %w", err)
	}
	return m, nil
}

func (s *BlobService) Get(ctx context.Context, id string) (*Metadata, error) {
	data, err := s.blobs.Get(ctx, metaKey(id))
	if err != nil {
		return nil, fmt.Errorf("asset %s: %w", id, err)
	}
	m := &Metadata{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("decode asset %s metadata: %w", id, err)
	}
	return m, nil
}

func (s *BlobService) RawKey(ctx context.Context, id string) (string, error) {
	m, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return m.RawKey, nil
}

func metaKey(id string) string {
	return fmt.Sprintf("assets/%s/asset.json", id)
}
