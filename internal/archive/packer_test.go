package archive

import (
	"archive/tar"
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	cerrors "github.com/juddata/courtarchive/internal/errors"
	"github.com/juddata/courtarchive/pkg/types"
)

func TestPacker_PackAndScan(t *testing.T) {
	createdAt := time.Date(2025, 1, 10, 14, 30, 0, 0, types.IST)
	staged := []stagedFile{
		{Name: "KABC010001232024.pdf", Data: []byte("first")},
		{Name: "KABC010004562024.pdf", Data: []byte("second-blob")},
		{Name: "KABC010007892024.pdf", Data: []byte("third")},
	}

	part, data, err := NewPacker().Pack("orders.tar", staged, createdAt)
	assert.NoError(t, err)

	assert.Equal(t, "orders.tar", part.Name)
	assert.Equal(t, 3, part.FileCount)
	assert.Equal(t, int64(len(data)), part.Size)
	assert.Equal(t, types.HumanSize(part.Size), part.SizeHuman)
	assert.True(t, part.CreatedAt.Equal(createdAt))

	// Members survive in insertion order.
	names, err := ScanTar(data)
	assert.NoError(t, err)
	assert.Equal(t, []string{
		"KABC010001232024.pdf",
		"KABC010004562024.pdf",
		"KABC010007892024.pdf",
	}, names)
}

func TestPacker_MembersReadableWithStdlibReader(t *testing.T) {
	createdAt := time.Date(2025, 1, 10, 14, 30, 0, 0, types.IST)
	staged := []stagedFile{{Name: "a.pdf", Data: []byte("payload-bytes")}}

	_, data, err := NewPacker().Pack("orders.tar", staged, createdAt)
	assert.NoError(t, err)

	tr := tar.NewReader(bytes.NewReader(data))
	hdr, err := tr.Next()
	assert.NoError(t, err)
	assert.Equal(t, "a.pdf", hdr.Name)
	assert.Equal(t, int64(0644), hdr.Mode)
	assert.Equal(t, int64(len("payload-bytes")), hdr.Size)

	body, err := io.ReadAll(tr)
	assert.NoError(t, err)
	assert.Equal(t, []byte("payload-bytes"), body)

	_, err = tr.Next()
	assert.Equal(t, io.EOF, err)
}

func TestPacker_EmptyStagingRejected(t *testing.T) {
	_, _, err := NewPacker().Pack("orders.tar", nil, time.Now())
	assert.Error(t, err)
	assert.Equal(t, cerrors.CodePackFailed, cerrors.GetCode(err))
}

func TestScanTar_StripsDirectoryPrefixes(t *testing.T) {
	// A tar written by another tool may carry directory components.
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	assert.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "archive/2024/a.pdf",
		Mode: 0644,
		Size: 1,
	}))
	_, err := tw.Write([]byte("x"))
	assert.NoError(t, err)
	assert.NoError(t, tw.Close())

	names, err := ScanTar(buf.Bytes())
	assert.NoError(t, err)
	assert.Equal(t, []string{"a.pdf"}, names)
}

func TestScanTar_GarbageRejected(t *testing.T) {
	_, err := ScanTar([]byte("this is not a tar archive at all, not even close"))
	assert.Error(t, err)
}
