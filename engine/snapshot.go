package engine

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hupe1980/memgo/codec"
	"github.com/hupe1980/memgo/persistence"
	"github.com/hupe1980/memgo/record"
)

var (
	snapshotMagic       = [4]byte{'M', 'G', 'S', '1'}
	snapshotDirMagic    = [4]byte{'M', 'G', 'D', '1'}
	snapshotFooterMagic = [4]byte{'M', 'G', 'F', '1'}

	snapshotFormatVersion = uint16(1)
)

const (
	snapshotSectionRecords       = uint16(1)
	snapshotSectionRelationships = uint16(2)

	snapshotFooterLen = 20
)

type snapshotSectionEntry struct {
	Type     uint16
	Offset   uint64
	Len      uint64
	Checksum uint32
}

// ErrSnapshotCorrupt is returned when a snapshot fails structural or
// checksum validation. Nothing is loaded in that case.
var ErrSnapshotCorrupt = errors.New("engine: corrupt snapshot")

// WriteSnapshot serializes the full store state to w.
//
// Format, following the library's persisted-file convention:
//  1. header (magic, version, codec name)
//  2. records section (codec-marshaled, CRC32-checksummed)
//  3. relationships section (codec-marshaled, CRC32-checksummed)
//  4. directory (type/offset/len/checksum per section)
//  5. footer (directory offset/len)
func (e *Engine) WriteSnapshot(w io.Writer) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	return writeSnapshot(w, e.codec, e.records, e.g.All())
}

func writeSnapshot(w io.Writer, c codec.Codec, records map[string]record.Record, rels []record.Relationship) error {
	codecName := c.Name()

	var hdr [16]byte
	copy(hdr[0:4], snapshotMagic[:])
	binary.LittleEndian.PutUint16(hdr[4:6], snapshotFormatVersion)
	binary.LittleEndian.PutUint16(hdr[8:10], uint16(len(codecName)))
	binary.LittleEndian.PutUint16(hdr[10:12], 2)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.Write([]byte(codecName)); err != nil {
		return err
	}
	offset := uint64(len(hdr) + len(codecName))

	cw := persistence.NewChecksumWriter(w)
	writeSection := func(typ uint16, v any) (snapshotSectionEntry, error) {
		data, err := c.Marshal(v)
		if err != nil {
			return snapshotSectionEntry{}, fmt.Errorf("engine: encode section %d: %w", typ, err)
		}
		cw.Reset()
		if _, err := cw.Write(data); err != nil {
			return snapshotSectionEntry{}, err
		}
		entry := snapshotSectionEntry{
			Type:     typ,
			Offset:   offset,
			Len:      uint64(len(data)),
			Checksum: cw.Sum(),
		}
		offset += uint64(len(data))
		return entry, nil
	}

	recEntry, err := writeSection(snapshotSectionRecords, records)
	if err != nil {
		return err
	}
	relEntry, err := writeSection(snapshotSectionRelationships, rels)
	if err != nil {
		return err
	}

	dirOffset := offset
	var dir bytes.Buffer
	dir.Write(snapshotDirMagic[:])
	var cnt [2]byte
	binary.LittleEndian.PutUint16(cnt[:], 2)
	dir.Write(cnt[:])
	for _, entry := range []snapshotSectionEntry{recEntry, relEntry} {
		var buf [22]byte
		binary.LittleEndian.PutUint16(buf[0:2], entry.Type)
		binary.LittleEndian.PutUint64(buf[2:10], entry.Offset)
		binary.LittleEndian.PutUint64(buf[10:18], entry.Len)
		binary.LittleEndian.PutUint32(buf[18:22], entry.Checksum)
		dir.Write(buf[:])
	}
	if _, err := w.Write(dir.Bytes()); err != nil {
		return err
	}

	var footer [snapshotFooterLen]byte
	copy(footer[0:4], snapshotFooterMagic[:])
	binary.LittleEndian.PutUint64(footer[4:12], dirOffset)
	binary.LittleEndian.PutUint64(footer[12:20], uint64(dir.Len()))
	_, err = w.Write(footer[:])
	return err
}

// readSnapshot parses and verifies a snapshot image, returning its records
// and relationships.
func readSnapshot(data []byte) (map[string]record.Record, []record.Relationship, error) {
	if len(data) < 16+snapshotFooterLen || !bytes.Equal(data[0:4], snapshotMagic[:]) {
		return nil, nil, ErrSnapshotCorrupt
	}
	if v := binary.LittleEndian.Uint16(data[4:6]); v != snapshotFormatVersion {
		return nil, nil, fmt.Errorf("%w: unsupported version %d", ErrSnapshotCorrupt, v)
	}
	codecNameLen := int(binary.LittleEndian.Uint16(data[8:10]))
	if 16+codecNameLen > len(data) {
		return nil, nil, ErrSnapshotCorrupt
	}
	c, ok := codec.ByName(string(data[16 : 16+codecNameLen]))
	if !ok {
		return nil, nil, fmt.Errorf("%w: unknown codec", ErrSnapshotCorrupt)
	}

	footer := data[len(data)-snapshotFooterLen:]
	if !bytes.Equal(footer[0:4], snapshotFooterMagic[:]) {
		return nil, nil, ErrSnapshotCorrupt
	}
	dirOffset := binary.LittleEndian.Uint64(footer[4:12])
	dirLen := binary.LittleEndian.Uint64(footer[12:20])
	if dirOffset+dirLen > uint64(len(data)) {
		return nil, nil, ErrSnapshotCorrupt
	}

	dir := data[dirOffset : dirOffset+dirLen]
	if len(dir) < 6 || !bytes.Equal(dir[0:4], snapshotDirMagic[:]) {
		return nil, nil, ErrSnapshotCorrupt
	}
	count := int(binary.LittleEndian.Uint16(dir[4:6]))
	if len(dir) < 6+count*22 {
		return nil, nil, ErrSnapshotCorrupt
	}

	var records map[string]record.Record
	var rels []record.Relationship

	for i := 0; i < count; i++ {
		buf := dir[6+i*22 : 6+(i+1)*22]
		entry := snapshotSectionEntry{
			Type:     binary.LittleEndian.Uint16(buf[0:2]),
			Offset:   binary.LittleEndian.Uint64(buf[2:10]),
			Len:      binary.LittleEndian.Uint64(buf[10:18]),
			Checksum: binary.LittleEndian.Uint32(buf[18:22]),
		}
		if entry.Offset+entry.Len > uint64(len(data)) {
			return nil, nil, ErrSnapshotCorrupt
		}
		section := data[entry.Offset : entry.Offset+entry.Len]
		if persistence.Checksum(section) != entry.Checksum {
			return nil, nil, fmt.Errorf("%w: section %d checksum mismatch", ErrSnapshotCorrupt, entry.Type)
		}

		switch entry.Type {
		case snapshotSectionRecords:
			if err := c.Unmarshal(section, &records); err != nil {
				return nil, nil, fmt.Errorf("%w: decode records: %w", ErrSnapshotCorrupt, err)
			}
		case snapshotSectionRelationships:
			if err := c.Unmarshal(section, &rels); err != nil {
				return nil, nil, fmt.Errorf("%w: decode relationships: %w", ErrSnapshotCorrupt, err)
			}
		}
	}

	return records, rels, nil
}

// saveSnapshotLocked writes a snapshot atomically via temp file + rename.
// Caller holds e.mu; external callers stream through WriteSnapshot instead.
func (e *Engine) saveSnapshotLocked(path string) error {
	return e.writeSnapshotFile(path, func(w io.Writer) error {
		return writeSnapshot(w, e.codec, e.records, e.g.All())
	})
}

func (e *Engine) writeSnapshotFile(path string, write func(io.Writer) error) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("engine: create snapshot: %w", err)
	}
	if err := write(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("engine: sync snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("engine: close snapshot: %w", err)
	}
	return os.Rename(tmp, path)
}

// loadSnapshotFile restores state from a snapshot. Only called during Open,
// before any concurrent access exists.
func (e *Engine) loadSnapshotFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("engine: read snapshot: %w", err)
	}
	records, rels, err := readSnapshot(data)
	if err != nil {
		return err
	}
	for _, rec := range records {
		e.insertLocked(rec)
	}
	for _, rel := range rels {
		e.g.Add(rel)
	}
	return nil
}
