package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHumanSize(t *testing.T) {
	assert.Equal(t, "0.00 B", HumanSize(0))
	assert.Equal(t, "512.00 B", HumanSize(512))
	assert.Equal(t, "1.00 KB", HumanSize(1024))
	assert.Equal(t, "1.50 KB", HumanSize(1536))
	assert.Equal(t, "3.42 MB", HumanSize(3586458))
	assert.Equal(t, "2.00 GB", HumanSize(2*1024*1024*1024))
	assert.Equal(t, "5.00 TB", HumanSize(5*1024*1024*1024*1024))
}

func TestPartitionIndex_AppendPart(t *testing.T) {
	key := PartitionKey{Year: 2024, StateCode: "29", DistrictCode: "9", ComplexCode: "1290105", Type: ArchiveDocument}
	idx := NewPartitionIndex(key)
	assert.Equal(t, "orders", idx.ArchiveType)
	assert.True(t, idx.CreatedAt.IsZero())

	first := time.Date(2024, 2, 1, 9, 0, 0, 0, IST)
	idx.AppendPart(Part{
		Name: "orders.tar", Files: []string{"a.pdf", "b.pdf"},
		FileCount: 2, Size: 2048, SizeHuman: HumanSize(2048), CreatedAt: first,
	})
	assert.Equal(t, 2, idx.FileCount)
	assert.Equal(t, int64(2048), idx.TotalSize)
	assert.True(t, idx.CreatedAt.Equal(first))
	assert.True(t, idx.UpdatedAt.Equal(first))

	second := time.Date(2024, 5, 1, 9, 0, 0, 0, IST)
	idx.AppendPart(Part{
		Name: "part-01HX.tar", Files: []string{"c.pdf"},
		FileCount: 1, Size: 1024, SizeHuman: HumanSize(1024), CreatedAt: second,
	})
	assert.Equal(t, 3, idx.FileCount)
	assert.Equal(t, int64(3072), idx.TotalSize)
	assert.Equal(t, "3.00 KB", idx.TotalSizeHuman)
	// CreatedAt stays at the first part, UpdatedAt tracks the newest.
	assert.True(t, idx.CreatedAt.Equal(first))
	assert.True(t, idx.UpdatedAt.Equal(second))

	assert.Equal(t, []string{"a.pdf", "b.pdf", "c.pdf"}, idx.Filenames())
	assert.Equal(t, []string{"orders.tar", "part-01HX.tar"}, idx.PartNames())
}

func TestPartitionIndex_JSONTimestampsCarryOffset(t *testing.T) {
	key := PartitionKey{Year: 2024, StateCode: "29", DistrictCode: "9", ComplexCode: "1290105", Type: ArchiveMetadata}
	idx := NewPartitionIndex(key)
	idx.AppendPart(Part{
		Name: "metadata.tar", Files: []string{"a.json"},
		FileCount: 1, Size: 10, SizeHuman: HumanSize(10),
		CreatedAt: time.Date(2024, 7, 15, 18, 30, 0, 0, IST),
	})

	data, err := json.Marshal(idx)
	assert.NoError(t, err)
	assert.Contains(t, string(data), "+05:30")
	assert.Contains(t, string(data), `"archive_type":"metadata"`)

	var back PartitionIndex
	assert.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, back.UpdatedAt.Equal(idx.UpdatedAt))
}

func TestPartitionIndex_KeyRoundtrip(t *testing.T) {
	key := PartitionKey{Year: 2023, StateCode: "3", DistrictCode: "21", ComplexCode: "1030077", Type: ArchiveDocument}
	idx := NewPartitionIndex(key)

	got, err := idx.Key()
	assert.NoError(t, err)
	assert.Equal(t, key, got)

	idx.ArchiveType = "bogus"
	_, err = idx.Key()
	assert.Error(t, err)
}
