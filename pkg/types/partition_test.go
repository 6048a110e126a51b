package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPartitionKey_ObjectPaths(t *testing.T) {
	key := PartitionKey{
		Year:         2025,
		StateCode:    "29",
		DistrictCode: "9",
		ComplexCode:  "1290105",
		Type:         ArchiveDocument,
	}

	assert.Equal(t,
		"data/tar/year=2025/state=29/district=9/complex=1290105/",
		key.Dir(""))
	assert.Equal(t,
		"prod/data/tar/year=2025/state=29/district=9/complex=1290105/",
		key.Dir("prod/"))
	assert.Equal(t, "orders.tar", key.FirstPartName())
	assert.Equal(t,
		"data/tar/year=2025/state=29/district=9/complex=1290105/orders.index.json",
		key.IndexObject(""))
	assert.Equal(t,
		"data/tar/year=2025/state=29/district=9/complex=1290105/part-01J8ZQ.tar",
		key.PartObject("", "part-01J8ZQ.tar"))
}

func TestPartitionKey_MetadataPaths(t *testing.T) {
	key := PartitionKey{
		Year:         2024,
		StateCode:    "3",
		DistrictCode: "21",
		ComplexCode:  "1030077",
		Type:         ArchiveMetadata,
	}

	assert.Equal(t,
		"metadata/tar/year=2024/state=3/district=21/complex=1030077/",
		key.Dir(""))
	assert.Equal(t, "metadata.tar", key.FirstPartName())
	assert.Equal(t,
		"metadata/tar/year=2024/state=3/district=21/complex=1030077/metadata.index.json",
		key.IndexObject(""))
}

func TestPartitionKey_Validate(t *testing.T) {
	valid := PartitionKey{Year: 2020, StateCode: "29", DistrictCode: "9", ComplexCode: "1", Type: ArchiveMetadata}
	assert.NoError(t, valid.Validate())

	missing := valid
	missing.ComplexCode = ""
	assert.Error(t, missing.Validate())

	badYear := valid
	badYear.Year = 123
	assert.Error(t, badYear.Validate())

	badType := valid
	badType.Type = "zip"
	assert.Error(t, badType.Validate())
}

func TestArchiveType_Names(t *testing.T) {
	assert.Equal(t, "data", ArchiveDocument.Category())
	assert.Equal(t, "orders", ArchiveDocument.BaseName())
	assert.Equal(t, "metadata", ArchiveMetadata.Category())
	assert.Equal(t, "metadata", ArchiveMetadata.BaseName())
	assert.True(t, ArchiveDocument.Valid())
	assert.False(t, ArchiveType("pdf").Valid())
}

func TestParseArchiveType(t *testing.T) {
	at, err := ParseArchiveType("orders")
	assert.NoError(t, err)
	assert.Equal(t, ArchiveDocument, at)

	at, err = ParseArchiveType("document")
	assert.NoError(t, err)
	assert.Equal(t, ArchiveDocument, at)

	at, err = ParseArchiveType("metadata")
	assert.NoError(t, err)
	assert.Equal(t, ArchiveMetadata, at)

	_, err = ParseArchiveType("csv")
	assert.Error(t, err)
}

func TestJurisdiction_String(t *testing.T) {
	j := Jurisdiction{StateCode: "29", DistrictCode: "9", ComplexCode: "1290105"}
	assert.Equal(t, "29_9_1290105", j.String())
}
