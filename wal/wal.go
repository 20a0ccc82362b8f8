// Package wal provides write-ahead logging for durability and crash
// recovery.
//
// Every committed mutation is appended as a length-prefixed, CRC32-framed
// entry before it is acknowledged. On open, the engine replays the log to
// rebuild state written since the last checkpoint. The entry stream can be
// zstd-compressed; reopened logs append fresh zstd frames, which the decoder
// reads as a concatenated stream.
package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/hupe1980/memgo/codec"
	"github.com/hupe1980/memgo/persistence"
)

const fileName = "memgo.wal"

var (
	headerMagic   = [4]byte{'M', 'G', 'W', '1'}
	headerVersion = uint16(1)
	headerLen     = int64(12)

	flagCompressed = uint16(1)
)

// ErrCorruptEntry is returned by Replay when a frame fails its CRC check.
// Frames after a corrupt one are not replayed.
var ErrCorruptEntry = errors.New("wal: corrupt entry")

// WAL provides write-ahead logging for durability.
type WAL struct {
	mu         sync.Mutex
	file       *os.File
	bufWriter  *bufio.Writer
	compressor *zstd.Encoder
	writer     io.Writer
	seqNum     uint64
	filePath   string
	compressed bool
	level      int
	durability DurabilityMode
	codec      codec.Codec
	closed     bool
}

// New opens (or creates) the WAL in opts.Path and positions it for appends.
func New(optFns ...func(o *Options)) (*WAL, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.CompressionLevel <= 0 {
		opts.CompressionLevel = 3
	}

	if err := os.MkdirAll(opts.Path, 0o750); err != nil {
		return nil, fmt.Errorf("wal: create directory: %w", err)
	}
	filePath := filepath.Join(opts.Path, fileName)

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("wal: open file: %w", err)
	}
	st, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("wal: stat file: %w", err)
	}

	w := &WAL{
		file:       file,
		filePath:   filePath,
		level:      opts.CompressionLevel,
		durability: opts.DurabilityMode,
		codec:      codec.JSON{},
	}

	if st.Size() == 0 {
		if err := w.writeHeader(opts.Compress); err != nil {
			_ = file.Close()
			return nil, err
		}
		w.compressed = opts.Compress
	} else {
		compressed, err := readHeader(file)
		if err != nil {
			_ = file.Close()
			return nil, err
		}
		w.compressed = compressed
		// Determine the next sequence number before appending.
		maxSeq, scanErr := w.maxSeqNum()
		if scanErr != nil && !errors.Is(scanErr, ErrCorruptEntry) {
			_ = file.Close()
			return nil, fmt.Errorf("wal: scan: %w", scanErr)
		}
		w.seqNum = maxSeq
	}

	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("wal: seek end: %w", err)
	}
	if err := w.initWriter(); err != nil {
		_ = file.Close()
		return nil, err
	}
	return w, nil
}

func (w *WAL) initWriter() error {
	if w.compressed {
		level := zstd.EncoderLevelFromZstd(w.level)
		enc, err := zstd.NewWriter(w.file, zstd.WithEncoderLevel(level))
		if err != nil {
			return fmt.Errorf("wal: create compressor: %w", err)
		}
		w.compressor = enc
		w.bufWriter = bufio.NewWriter(enc)
	} else {
		w.bufWriter = bufio.NewWriter(w.file)
	}
	w.writer = w.bufWriter
	return nil
}

// FilePath returns the path of the WAL file.
func (w *WAL) FilePath() string {
	return w.filePath
}

// Append writes an entry, assigns it the next sequence number, and flushes
// it to the OS. Fsync depends on the durability mode passed to Sync by the
// caller; Append itself only guarantees the frame left the process.
func (w *WAL) Append(e Entry) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, errors.New("wal: closed")
	}

	w.seqNum++
	e.SeqNum = w.seqNum

	payload, err := w.codec.Marshal(e)
	if err != nil {
		w.seqNum--
		return 0, fmt.Errorf("wal: encode entry: %w", err)
	}

	var frame [8]byte
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(frame[4:8], persistence.Checksum(payload))
	if _, err := w.writer.Write(frame[:]); err != nil {
		return 0, fmt.Errorf("wal: write frame: %w", err)
	}
	if _, err := w.writer.Write(payload); err != nil {
		return 0, fmt.Errorf("wal: write payload: %w", err)
	}
	if err := w.flushLocked(); err != nil {
		return 0, err
	}
	if w.durability == DurabilitySync {
		if err := w.file.Sync(); err != nil {
			return 0, fmt.Errorf("wal: sync: %w", err)
		}
	}
	return e.SeqNum, nil
}

// Sync forces the log to stable storage.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("wal: closed")
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	return w.file.Sync()
}

// Checkpoint truncates the log back to its header. The engine calls this
// after a successful snapshot save, when the log's contents are redundant.
func (w *WAL) Checkpoint() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("wal: closed")
	}

	if w.compressor != nil {
		_ = w.bufWriter.Flush()
		_ = w.compressor.Close()
	}
	if err := w.file.Truncate(headerLen); err != nil {
		return fmt.Errorf("wal: truncate: %w", err)
	}
	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("wal: seek: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync: %w", err)
	}
	return w.initWriter()
}

// Replay invokes fn for every intact entry in order. It stops at the first
// corrupt or truncated frame: everything before it is replayed, everything
// after is discarded, and ErrCorruptEntry is returned for a mid-log CRC
// failure (a clean truncated tail is not an error).
func (w *WAL) Replay(fn func(Entry) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("wal: closed")
	}
	return w.replayLocked(fn)
}

func (w *WAL) replayLocked(fn func(Entry) error) error {
	if err := w.flushFramesLocked(); err != nil {
		return err
	}
	if _, err := w.file.Seek(headerLen, io.SeekStart); err != nil {
		return fmt.Errorf("wal: seek data: %w", err)
	}
	defer func() {
		_, _ = w.file.Seek(0, io.SeekEnd)
	}()

	var reader io.Reader = bufio.NewReader(w.file)
	if w.compressed {
		dec, err := zstd.NewReader(reader)
		if err != nil {
			return fmt.Errorf("wal: create decompressor: %w", err)
		}
		defer dec.Close()
		reader = dec
	}

	for {
		var frame [8]byte
		if _, err := io.ReadFull(reader, frame[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return nil // truncated tail: partial frame header
			}
			return fmt.Errorf("wal: read frame: %w", err)
		}
		length := binary.LittleEndian.Uint32(frame[0:4])
		sum := binary.LittleEndian.Uint32(frame[4:8])

		cr := persistence.NewChecksumReader(reader)
		payload := make([]byte, length)
		if _, err := io.ReadFull(cr, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil // truncated tail: partial payload
			}
			return fmt.Errorf("wal: read payload: %w", err)
		}
		if err := cr.Verify(sum); err != nil {
			return ErrCorruptEntry
		}

		var e Entry
		if err := w.codec.Unmarshal(payload, &e); err != nil {
			return fmt.Errorf("wal: decode entry: %w", err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}

// Close flushes and closes the log.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	var errs []error
	if err := w.bufWriter.Flush(); err != nil {
		errs = append(errs, err)
	}
	if w.compressor != nil {
		if err := w.compressor.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := w.file.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (w *WAL) writeHeader(compressed bool) error {
	var hdr [12]byte
	copy(hdr[0:4], headerMagic[:])
	binary.LittleEndian.PutUint16(hdr[4:6], headerVersion)
	var flags uint16
	if compressed {
		flags |= flagCompressed
	}
	binary.LittleEndian.PutUint16(hdr[6:8], flags)
	// hdr[8:12] reserved
	if _, err := w.file.Write(hdr[:]); err != nil {
		return fmt.Errorf("wal: write header: %w", err)
	}
	return nil
}

func readHeader(f *os.File) (compressed bool, err error) {
	var hdr [12]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		return false, fmt.Errorf("wal: read header: %w", err)
	}
	if hdr[0] != headerMagic[0] || hdr[1] != headerMagic[1] || hdr[2] != headerMagic[2] || hdr[3] != headerMagic[3] {
		return false, errors.New("wal: invalid header magic")
	}
	if v := binary.LittleEndian.Uint16(hdr[4:6]); v != headerVersion {
		return false, fmt.Errorf("wal: unsupported version %d", v)
	}
	flags := binary.LittleEndian.Uint16(hdr[6:8])
	return flags&flagCompressed != 0, nil
}

func (w *WAL) maxSeqNum() (uint64, error) {
	var max uint64
	err := w.replayLocked(func(e Entry) error {
		if e.SeqNum > max {
			max = e.SeqNum
		}
		return nil
	})
	return max, err
}

// flushLocked flushes the buffered writer and, when compressing, flushes the
// zstd frame so that replay sees every acknowledged entry.
func (w *WAL) flushLocked() error {
	return w.flushFramesLocked()
}

func (w *WAL) flushFramesLocked() error {
	if w.bufWriter != nil {
		if err := w.bufWriter.Flush(); err != nil {
			return fmt.Errorf("wal: flush: %w", err)
		}
	}
	if w.compressor != nil {
		if err := w.compressor.Flush(); err != nil {
			return fmt.Errorf("wal: flush compressor: %w", err)
		}
	}
	return nil
}
