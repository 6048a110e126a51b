package types

import (
	"fmt"
	"time"
)

// IST is the fixed offset zone all archive timestamps are written in.
// The crawler targets Indian court portals, so index documents carry
// +05:30 offsets regardless of where the process runs.
var IST = time.FixedZone("IST", 5*60*60+30*60)

// HumanSize renders a byte count the way the index documents expect:
// two decimals and a 1024-based unit, e.g. "3.42 MB".
func HumanSize(n int64) string {
	size := float64(n)
	for _, unit := range []string{"B", "KB", "MB", "GB"} {
		if size < 1024 && size > -1024 {
			return fmt.Sprintf("%.2f %s", size, unit)
		}
		size /= 1024
	}
	return fmt.Sprintf("%.2f TB", size)
}

// ParseArchiveType maps an index document's archive_type field back to
// the in-memory type. Document partitions are recorded on the wire as
// "orders"; the literal "document" is also accepted.
func ParseArchiveType(s string) (ArchiveType, error) {
	switch s {
	case "metadata":
		return ArchiveMetadata, nil
	case "orders", "document":
		return ArchiveDocument, nil
	default:
		return "", fmt.Errorf("types: unknown archive type %q", s)
	}
}

// Part describes one immutable tar blob belonging to a partition.
// Once written to object storage a part is never modified; growth
// happens by appending new parts to the index.
type Part struct {
	// Name is the tar object's file name, e.g. "orders.tar" or
	// "part-01J8ZQ3V9X6EH2M4T7KQ0WYRSD.tar".
	Name string `json:"name"`

	// Files lists the base names of every file packed into the tar.
	Files []string `json:"files"`

	// FileCount is len(Files), stored explicitly for readers that
	// only need the count.
	FileCount int `json:"file_count"`

	// Size is the byte length of the tar blob.
	Size int64 `json:"size"`

	// SizeHuman is Size rendered with HumanSize.
	SizeHuman string `json:"size_human"`

	// CreatedAt is when the part was packed, in IST.
	CreatedAt time.Time `json:"created_at"`
}

// PartitionIndex is the per-partition JSON document stored next to the
// tar parts. It is append-only: parts are added, never rewritten or
// removed.
type PartitionIndex struct {
	Year         int    `json:"year"`
	StateCode    string `json:"state_code"`
	DistrictCode string `json:"district_code"`
	ComplexCode  string `json:"complex_code"`

	// ArchiveType carries the wire name ("metadata" or "orders").
	ArchiveType string `json:"archive_type"`

	// FileCount and TotalSize are exact sums over Parts.
	FileCount int   `json:"file_count"`
	TotalSize int64 `json:"total_size"`

	// TotalSizeHuman is TotalSize rendered with HumanSize.
	TotalSizeHuman string `json:"total_size_human"`

	// CreatedAt is when the partition gained its first part.
	// UpdatedAt always equals the newest part's CreatedAt.
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Parts []Part `json:"parts"`
}

// NewPartitionIndex returns an empty index document for the partition.
// CreatedAt and UpdatedAt stay zero until the first part is appended.
func NewPartitionIndex(key PartitionKey) *PartitionIndex {
	return &PartitionIndex{
		Year:         key.Year,
		StateCode:    key.StateCode,
		DistrictCode: key.DistrictCode,
		ComplexCode:  key.ComplexCode,
		ArchiveType:  key.Type.BaseName(),
	}
}

// Key reconstructs the partition key the document describes.
func (idx *PartitionIndex) Key() (PartitionKey, error) {
	at, err := ParseArchiveType(idx.ArchiveType)
	if err != nil {
		return PartitionKey{}, err
	}
	key := PartitionKey{
		Year:         idx.Year,
		StateCode:    idx.StateCode,
		DistrictCode: idx.DistrictCode,
		ComplexCode:  idx.ComplexCode,
		Type:         at,
	}
	if err := key.Validate(); err != nil {
		return PartitionKey{}, err
	}
	return key, nil
}

// AppendPart records a newly written part and updates the aggregate
// fields. UpdatedAt is defined as the newest part's CreatedAt, not the
// wall clock at store time.
func (idx *PartitionIndex) AppendPart(p Part) {
	if len(idx.Parts) == 0 {
		idx.CreatedAt = p.CreatedAt
	}
	idx.Parts = append(idx.Parts, p)
	idx.FileCount += p.FileCount
	idx.TotalSize += p.Size
	idx.TotalSizeHuman = HumanSize(idx.TotalSize)
	idx.UpdatedAt = p.CreatedAt
}

// Filenames returns the union of all file names across all parts.
// The capacity hint is exact because parts never share names.
func (idx *PartitionIndex) Filenames() []string {
	names := make([]string, 0, idx.FileCount)
	for _, p := range idx.Parts {
		names = append(names, p.Files...)
	}
	return names
}

// PartNames returns the tar object names in append order.
func (idx *PartitionIndex) PartNames() []string {
	names := make([]string, 0, len(idx.Parts))
	for _, p := range idx.Parts {
		names = append(names, p.Name)
	}
	return names
}
