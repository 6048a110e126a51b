package types

import (
	"fmt"
	"strings"
)

// ArchiveType identifies which of the two archive families a partition
// belongs to. Each court complex and year has at most one partition of
// each type.
type ArchiveType string

const (
	// ArchiveMetadata holds per-case JSON metadata records.
	ArchiveMetadata ArchiveType = "metadata"

	// ArchiveDocument holds the downloaded court order PDFs.
	ArchiveDocument ArchiveType = "document"
)

// Valid reports whether t is one of the two known archive types.
func (t ArchiveType) Valid() bool {
	return t == ArchiveMetadata || t == ArchiveDocument
}

// Category returns the top-level object store directory for the type.
// Document archives live under "data" for compatibility with the
// layout the first crawler generation produced.
func (t ArchiveType) Category() string {
	if t == ArchiveDocument {
		return "data"
	}
	return "metadata"
}

// BaseName returns the stem of the first tar part of a partition.
// Document partitions keep the historical "orders" name so that
// archives written by older crawler builds remain addressable.
func (t ArchiveType) BaseName() string {
	if t == ArchiveDocument {
		return "orders"
	}
	return "metadata"
}

// Jurisdiction identifies a single court complex within the national
// district court hierarchy.
type Jurisdiction struct {
	// StateCode is the numeric e-courts state code, e.g. "29".
	StateCode string

	// DistrictCode is the numeric district code within the state.
	DistrictCode string

	// ComplexCode is the court complex code within the district.
	ComplexCode string
}

// Validate checks that all three codes are present.
func (j Jurisdiction) Validate() error {
	if j.StateCode == "" {
		return fmt.Errorf("types: jurisdiction missing state code")
	}
	if j.DistrictCode == "" {
		return fmt.Errorf("types: jurisdiction missing district code")
	}
	if j.ComplexCode == "" {
		return fmt.Errorf("types: jurisdiction missing complex code")
	}
	return nil
}

// String renders the jurisdiction as state_district_complex, the form
// used in task keys and log fields.
func (j Jurisdiction) String() string {
	return j.StateCode + "_" + j.DistrictCode + "_" + j.ComplexCode
}

// PartitionKey addresses one archive partition: a (year, jurisdiction,
// archive type) cell. All object store paths for a partition derive
// from its key.
type PartitionKey struct {
	// Year is the decision year the archived cases belong to.
	Year int

	// StateCode is the numeric e-courts state code.
	StateCode string

	// DistrictCode is the numeric district code within the state.
	DistrictCode string

	// ComplexCode is the court complex code within the district.
	ComplexCode string

	// Type selects the metadata or document archive family.
	Type ArchiveType
}

// Jurisdiction returns the jurisdiction portion of the key.
func (k PartitionKey) Jurisdiction() Jurisdiction {
	return Jurisdiction{
		StateCode:    k.StateCode,
		DistrictCode: k.DistrictCode,
		ComplexCode:  k.ComplexCode,
	}
}

// Validate checks that the key addresses a well-formed partition.
func (k PartitionKey) Validate() error {
	if k.Year < 1900 || k.Year > 9999 {
		return fmt.Errorf("types: partition year %d out of range", k.Year)
	}
	if err := k.Jurisdiction().Validate(); err != nil {
		return err
	}
	if !k.Type.Valid() {
		return fmt.Errorf("types: unknown archive type %q", k.Type)
	}
	return nil
}

// Dir returns the object store directory for the partition, including
// the trailing slash. The prefix is prepended verbatim; pass "" for
// buckets without a key prefix.
func (k PartitionKey) Dir(prefix string) string {
	return fmt.Sprintf("%s%s/tar/year=%d/state=%s/district=%s/complex=%s/",
		prefix, k.Type.Category(), k.Year, k.StateCode, k.DistrictCode, k.ComplexCode)
}

// FirstPartName returns the file name of the partition's initial tar
// part ("metadata.tar" or "orders.tar").
func (k PartitionKey) FirstPartName() string {
	return k.Type.BaseName() + ".tar"
}

// PartObject returns the full object path of a tar part inside the
// partition. partName must include the ".tar" extension.
func (k PartitionKey) PartObject(prefix, partName string) string {
	return k.Dir(prefix) + partName
}

// IndexObject returns the full object path of the partition's index
// document, which sits next to the tar parts.
func (k PartitionKey) IndexObject(prefix string) string {
	return k.Dir(prefix) + k.Type.BaseName() + ".index.json"
}

// String renders a compact canonical form used as a map key and in
// log fields.
func (k PartitionKey) String() string {
	var b strings.Builder
	b.WriteString(string(k.Type))
	b.WriteByte('/')
	fmt.Fprintf(&b, "%d", k.Year)
	b.WriteByte('/')
	b.WriteString(k.StateCode)
	b.WriteByte('/')
	b.WriteString(k.DistrictCode)
	b.WriteByte('/')
	b.WriteString(k.ComplexCode)
	return b.String()
}
