package archive

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/golang/snappy"

	"github.com/juddata/courtarchive/pkg/types"
)

// The staging journal makes the in-memory staging buffer recoverable.
// Every put is appended as a snappy-compressed, CRC-framed record and
// fsynced; after a successful flush the journal is discarded. A crash
// between put and flush therefore costs no re-fetching: the next run
// replays the journal back into staging.
//
// Frame layout: [payloadLen uint32][crc32 uint32][compressed payload],
// payload = [nameLen uint32][name][data]. A torn tail (partial frame
// or CRC mismatch) ends replay at the last good record.

const (
	journalPrefix = "stage_"
	journalSuffix = ".log"
)

func journalPath(dir string, key types.PartitionKey) string {
	flat := strings.ReplaceAll(key.String(), "/", "_")
	return filepath.Join(dir, journalPrefix+flat+journalSuffix)
}

func keyFromJournalPath(path string) (types.PartitionKey, error) {
	name := filepath.Base(path)
	if !strings.HasPrefix(name, journalPrefix) || !strings.HasSuffix(name, journalSuffix) {
		return types.PartitionKey{}, fmt.Errorf("archive: not a journal file: %s", name)
	}
	flat := strings.TrimSuffix(strings.TrimPrefix(name, journalPrefix), journalSuffix)
	fields := strings.Split(flat, "_")
	if len(fields) != 5 {
		return types.PartitionKey{}, fmt.Errorf("archive: malformed journal name: %s", name)
	}

	at, err := types.ParseArchiveType(fields[0])
	if err != nil {
		return types.PartitionKey{}, fmt.Errorf("archive: journal name %s: %w", name, err)
	}
	year, err := strconv.Atoi(fields[1])
	if err != nil {
		return types.PartitionKey{}, fmt.Errorf("archive: journal name %s: bad year: %w", name, err)
	}

	key := types.PartitionKey{
		Year:         year,
		StateCode:    fields[2],
		DistrictCode: fields[3],
		ComplexCode:  fields[4],
		Type:         at,
	}
	if err := key.Validate(); err != nil {
		return types.PartitionKey{}, fmt.Errorf("archive: journal name %s: %w", name, err)
	}
	return key, nil
}

type stagingJournal struct {
	path string
	file *os.File
}

// openJournal opens (or creates) the partition's journal for appending.
func openJournal(dir string, key types.PartitionKey) (*stagingJournal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("archive: create staging dir: %w", err)
	}
	path := journalPath(dir, key)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("archive: open journal %s: %w", path, err)
	}
	return &stagingJournal{path: path, file: f}, nil
}

// append writes one staged blob and syncs it to disk.
func (j *stagingJournal) append(name string, data []byte) error {
	payload := make([]byte, 4+len(name)+len(data))
	binary.LittleEndian.PutUint32(payload[0:4], uint32(len(name)))
	copy(payload[4:], name)
	copy(payload[4+len(name):], data)

	compressed := snappy.Encode(nil, payload)

	frame := make([]byte, 8+len(compressed))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(compressed)))
	binary.LittleEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(compressed))
	copy(frame[8:], compressed)

	if _, err := j.file.Write(frame); err != nil {
		return fmt.Errorf("archive: journal write: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("archive: journal sync: %w", err)
	}
	return nil
}

func (j *stagingJournal) close() error {
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// discard closes and deletes the journal. Called after the staged
// blobs it covers have been flushed to object storage.
func (j *stagingJournal) discard() error {
	if err := j.close(); err != nil {
		return err
	}
	if err := os.Remove(j.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// readJournal replays a journal file into staged blobs. A torn tail
// ends the replay without error: the records before it are intact and
// only the blob being written during the crash is lost.
func readJournal(path string) ([]stagedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("archive: open journal %s: %w", path, err)
	}
	defer f.Close()

	var files []stagedFile
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(f, header); err != nil {
			if err == io.EOF {
				return files, nil
			}
			// Partial header: torn tail.
			return files, nil
		}
		length := binary.LittleEndian.Uint32(header[0:4])
		sum := binary.LittleEndian.Uint32(header[4:8])

		compressed := make([]byte, length)
		if _, err := io.ReadFull(f, compressed); err != nil {
			return files, nil
		}
		if crc32.ChecksumIEEE(compressed) != sum {
			return files, nil
		}

		payload, err := snappy.Decode(nil, compressed)
		if err != nil || len(payload) < 4 {
			return files, nil
		}
		nameLen := binary.LittleEndian.Uint32(payload[0:4])
		if int(4+nameLen) > len(payload) {
			return files, nil
		}
		name := string(payload[4 : 4+nameLen])
		data := payload[4+nameLen:]
		files = append(files, stagedFile{Name: name, Data: data})
	}
}

// listJournals returns the journal paths under dir, if any.
func listJournals(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("archive: list staging dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, journalPrefix) && strings.HasSuffix(name, journalSuffix) {
			paths = append(paths, filepath.Join(dir, name))
		}
	}
	return paths, nil
}
