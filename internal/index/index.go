// Package index loads and stores the per-partition JSON index
// documents that sit next to the tar parts in object storage. The
// index is the source of truth for which files a partition already
// holds; the tars themselves are only read by the slow fallback scan.
package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	cerrors "github.com/juddata/courtarchive/internal/errors"
	"github.com/juddata/courtarchive/internal/storage"
	"github.com/juddata/courtarchive/pkg/types"
)

// IndexSuffix is the object name suffix shared by all partition index
// documents, used when discovering partitions via ListObjects.
const IndexSuffix = ".index.json"

// Store reads and writes partition index documents.
type Store struct {
	storage storage.ObjectStorage
	prefix  string
	logger  *zap.Logger
}

// NewStore creates an index store. prefix is prepended to every object
// path and may be empty.
func NewStore(st storage.ObjectStorage, prefix string, logger *zap.Logger) *Store {
	return &Store{
		storage: st,
		prefix:  prefix,
		logger:  logger,
	}
}

// Load fetches the index document for a partition. A partition whose
// index object does not exist yet is empty, not an error: callers get
// a fresh document with zero parts.
func (s *Store) Load(ctx context.Context, key types.PartitionKey) (*types.PartitionIndex, error) {
	if err := key.Validate(); err != nil {
		return nil, cerrors.NewArchiveError(cerrors.CodeInvalidPartitionKey, "load index", err)
	}

	objectPath := key.IndexObject(s.prefix)
	data, err := s.storage.Download(ctx, objectPath)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			s.logger.Debug("no index document, treating partition as empty",
				zap.String("partition", key.String()))
			return types.NewPartitionIndex(key), nil
		}
		return nil, cerrors.NewStorageError(cerrors.CodeDownloadFailed,
			fmt.Sprintf("download index %s", objectPath), err)
	}

	return decode(objectPath, data)
}

// LoadPath fetches an index document by its full object path. Used by
// the sync planner on paths discovered via ListObjects, which are
// known to exist.
func (s *Store) LoadPath(ctx context.Context, objectPath string) (*types.PartitionIndex, error) {
	data, err := s.storage.Download(ctx, objectPath)
	if err != nil {
		return nil, cerrors.NewStorageError(cerrors.CodeDownloadFailed,
			fmt.Sprintf("download index %s", objectPath), err)
	}
	return decode(objectPath, data)
}

// Store uploads the index document for a partition, replacing any
// previous version. Callers must write the tar part first: an index
// that references a missing part corrupts the partition, while a part
// missing from the index merely wastes space.
func (s *Store) Store(ctx context.Context, key types.PartitionKey, idx *types.PartitionIndex) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("index: marshal %s: %w", key.String(), err)
	}

	objectPath := key.IndexObject(s.prefix)
	if err := s.storage.Upload(ctx, objectPath, data, storage.ContentTypeJSON); err != nil {
		return cerrors.NewStorageError(cerrors.CodeUploadFailed,
			fmt.Sprintf("upload index %s", objectPath), err)
	}

	s.logger.Debug("stored index document",
		zap.String("partition", key.String()),
		zap.Int("parts", len(idx.Parts)),
		zap.Int("files", idx.FileCount))
	return nil
}

// ListCategory returns the object paths of every index document in an
// archive category, across all years and jurisdictions. Callers
// iterating many jurisdictions should list once and filter with
// FilterJurisdiction rather than re-listing per jurisdiction.
func (s *Store) ListCategory(ctx context.Context, at types.ArchiveType) ([]string, error) {
	listPrefix := fmt.Sprintf("%s%s/tar/", s.prefix, at.Category())
	keys, err := s.storage.ListObjects(ctx, listPrefix)
	if err != nil {
		return nil, cerrors.NewStorageError(cerrors.CodeDownloadFailed,
			fmt.Sprintf("list %s", listPrefix), err)
	}

	var paths []string
	for _, k := range keys {
		if strings.HasSuffix(k, IndexSuffix) {
			paths = append(paths, k)
		}
	}
	return paths, nil
}

// FilterJurisdiction narrows index document paths to one jurisdiction.
// The year segment precedes the state segment in the layout, so the
// match is on the state/district/complex marker substring.
func FilterJurisdiction(paths []string, j types.Jurisdiction) []string {
	marker := fmt.Sprintf("/state=%s/district=%s/complex=%s/",
		j.StateCode, j.DistrictCode, j.ComplexCode)

	var out []string
	for _, p := range paths {
		if strings.Contains(p, marker) {
			out = append(out, p)
		}
	}
	return out
}

// ListJurisdiction returns the object paths of all index documents
// belonging to one jurisdiction in an archive category.
func (s *Store) ListJurisdiction(ctx context.Context, j types.Jurisdiction, at types.ArchiveType) ([]string, error) {
	keys, err := s.ListCategory(ctx, at)
	if err != nil {
		return nil, err
	}
	return FilterJurisdiction(keys, j), nil
}

func decode(objectPath string, data []byte) (*types.PartitionIndex, error) {
	var idx types.PartitionIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, cerrors.NewParseError(cerrors.CodeMalformedPayload,
			fmt.Sprintf("index document %s: %v", objectPath, err))
	}
	return &idx, nil
}
