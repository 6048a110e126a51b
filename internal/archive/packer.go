// Package archive implements the partitioned archive manager: staging
// of fetched blobs, packing into immutable tar parts, and the
// part-before-index flush protocol against object storage.
package archive

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"time"

	cerrors "github.com/juddata/courtarchive/internal/errors"
	"github.com/juddata/courtarchive/pkg/types"
)

// stagedFile is one blob waiting in a partition's staging buffer.
type stagedFile struct {
	Name string
	Data []byte
}

// Packer turns a staging buffer into an immutable tar part. Parts are
// written once and never rewritten; a partition grows by gaining new
// parts.
type Packer struct{}

// NewPacker creates a Packer.
func NewPacker() *Packer {
	return &Packer{}
}

// Pack builds a tar blob containing the staged files in insertion
// order and returns its part descriptor. File names inside the tar
// are flat base names with mode 0644; createdAt becomes both the
// member mod times and the part timestamp.
func (p *Packer) Pack(partName string, files []stagedFile, createdAt time.Time) (types.Part, []byte, error) {
	if len(files) == 0 {
		return types.Part{}, nil, cerrors.NewArchiveError(cerrors.CodePackFailed,
			fmt.Sprintf("pack %s: no staged files", partName), nil)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	names := make([]string, 0, len(files))
	for _, f := range files {
		hdr := &tar.Header{
			Name:    f.Name,
			Mode:    0644,
			Size:    int64(len(f.Data)),
			ModTime: createdAt,
			Format:  tar.FormatUSTAR,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return types.Part{}, nil, cerrors.NewArchiveError(cerrors.CodePackFailed,
				fmt.Sprintf("pack %s: write header for %s", partName, f.Name), err)
		}
		if _, err := tw.Write(f.Data); err != nil {
			return types.Part{}, nil, cerrors.NewArchiveError(cerrors.CodePackFailed,
				fmt.Sprintf("pack %s: write %s", partName, f.Name), err)
		}
		names = append(names, f.Name)
	}

	if err := tw.Close(); err != nil {
		return types.Part{}, nil, cerrors.NewArchiveError(cerrors.CodePackFailed,
			fmt.Sprintf("pack %s: close writer", partName), err)
	}

	data := buf.Bytes()
	part := types.Part{
		Name:      partName,
		Files:     names,
		FileCount: len(names),
		Size:      int64(len(data)),
		SizeHuman: types.HumanSize(int64(len(data))),
		CreatedAt: createdAt,
	}
	return part, data, nil
}

// ScanTar lists the regular-file member names of a tar blob. It backs
// the slow recovery path that rebuilds an index document from the
// parts themselves, and the local-upload mode that indexes tars the
// crawler wrote in earlier runs.
func ScanTar(data []byte) ([]string, error) {
	tr := tar.NewReader(bytes.NewReader(data))
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("archive: scan tar: %w", err)
		}
		if hdr.Typeflag == tar.TypeReg {
			names = append(names, baseName(hdr.Name))
		}
	}
	return names, nil
}

// baseName strips any directory prefix a foreign tar writer may have
// recorded. Parts packed by this engine always use flat names.
func baseName(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '/' {
			return name[i+1:]
		}
	}
	return name
}
