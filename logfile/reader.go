package logfile

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"

	"github.com/INLOpen/wasmsnap/core"
	"github.com/INLOpen/wasmsnap/journal"
	"github.com/INLOpen/wasmsnap/sys"
)

// Reader streams entries from a journal file. It tolerates a torn record at
// the end of the file, which is what a crash in the middle of a write
// leaves behind, and rejects corruption anywhere else.
type Reader struct {
	path   string
	file   sys.FileHandle
	reader *bufio.Reader
	offset int64
	header core.FileHeader
	// headers counts file headers seen; more than one means the file is a
	// concatenation of journals.
	headers int
	records uint64

	frame   [frameHeaderSize]byte
	hdrBuf  []byte
	payload []byte

	opts   Options
	logger *slog.Logger
}

var _ journal.Readable = (*Reader)(nil)

// OpenReader opens path for reading. An empty file reads as an empty log.
func OpenReader(path string, opts Options) (*Reader, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "JournalReader_default")
	} else {
		logger = logger.With("component", "JournalReader")
	}

	file, err := sys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal for reading %s: %w", path, err)
	}
	r := &Reader{
		path:   path,
		file:   file,
		reader: bufio.NewReaderSize(file, opts.bufferSize()),
		hdrBuf: make([]byte, core.FileHeaderSize),
		opts:   opts,
		logger: logger,
	}

	peek, _ := r.reader.Peek(4)
	if len(peek) == 4 && !isHeaderPrefix(peek) {
		file.Close()
		return nil, &core.CorruptError{
			Path: path, Kind: core.CorruptHeader,
			Err: fmt.Errorf("invalid magic number: got %x, want %x", binary.LittleEndian.Uint32(peek), core.JournalMagicNumber),
		}
	}
	return r, nil
}

// Path returns the file being read.
func (r *Reader) Path() string { return r.path }

// Offset is the position just past the last record returned.
func (r *Reader) Offset() int64 { return r.offset }

// Header returns the most recently seen file header.
func (r *Reader) Header() core.FileHeader { return r.header }

// Concatenated reports whether more than one file header has been read.
func (r *Reader) Concatenated() bool { return r.headers > 1 }

// Records is the number of framed records read so far, including records
// with tags this build does not know.
func (r *Reader) Records() uint64 { return r.records }

// Read returns the next known entry. Records with unknown tags are skipped.
func (r *Reader) Read(ctx context.Context) (*core.LogReadResult, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tag, payload, start, err := r.next()
		if err != nil {
			return nil, err
		}
		if !tag.Known() {
			r.logger.Debug("Skipping journal record with unknown tag", "tag", uint16(tag), "offset", start)
			continue
		}
		entry, err := core.DecodeEntry(tag, payload)
		if err != nil {
			var ce *core.CorruptError
			if errors.As(err, &ce) {
				ce.Path = r.path
				ce.Offset = start
				return nil, ce
			}
			return nil, &core.CorruptError{Path: r.path, Offset: start, Kind: core.CorruptPayload, Type: tag, Err: err}
		}
		return &core.LogReadResult{Entry: entry, RecordStart: start, RecordEnd: r.offset}, nil
	}
}

// Restarted opens a fresh reader on the same file.
func (r *Reader) Restarted() (journal.Readable, error) {
	return OpenReader(r.path, r.opts)
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// next reads one framed record. The returned payload is only valid until
// the following call.
func (r *Reader) next() (core.RecordType, []byte, int64, error) {
	if r.file == nil {
		return 0, nil, 0, core.ErrJournalClosed
	}
	for {
		start := r.offset
		peek, _ := r.reader.Peek(4)
		if len(peek) == 0 {
			return 0, nil, start, io.EOF
		}
		if isHeaderPrefix(peek) {
			if _, err := io.ReadFull(r.reader, r.hdrBuf); err != nil {
				return 0, nil, start, r.tornTail(start, "file header")
			}
			h, _ := core.UnmarshalFileHeader(r.hdrBuf)
			if r.headers > 0 {
				r.logger.Debug("Crossing into concatenated journal", "offset", start, "compressor", h.CompressorType.String())
			}
			r.header = h
			r.headers++
			r.offset += int64(core.FileHeaderSize)
			continue
		}

		if _, err := io.ReadFull(r.reader, r.frame[:]); err != nil {
			return 0, nil, start, r.tornTail(start, "record header")
		}
		tag := core.RecordType(binary.LittleEndian.Uint16(r.frame[0:2]))
		length := binary.LittleEndian.Uint32(r.frame[2:6])
		if length > core.MaxRecordSize {
			return 0, nil, start, &core.CorruptError{
				Path: r.path, Offset: start, Kind: core.CorruptLength, Type: tag,
				Err: fmt.Errorf("record length %d exceeds maximum %d", length, core.MaxRecordSize),
			}
		}

		if cap(r.payload) < int(length) {
			r.payload = make([]byte, length)
		}
		payload := r.payload[:length]
		if _, err := io.ReadFull(r.reader, payload); err != nil {
			return 0, nil, start, r.tornTail(start, "record payload")
		}
		var sum [core.ChecksumSize]byte
		if _, err := io.ReadFull(r.reader, sum[:]); err != nil {
			return 0, nil, start, r.tornTail(start, "record checksum")
		}
		end := start + int64(frameHeaderSize) + int64(length) + core.ChecksumSize

		checksum := crc32.ChecksumIEEE(r.frame[:])
		checksum = crc32.Update(checksum, crc32.IEEETable, payload)
		if checksum != binary.LittleEndian.Uint32(sum[:]) {
			if size, err := r.size(); err == nil && end >= size {
				return 0, nil, start, r.tornTail(start, "record checksum mismatch")
			}
			return 0, nil, start, &core.CorruptError{
				Path: r.path, Offset: start, Kind: core.CorruptChecksum, Type: tag,
				Err: fmt.Errorf("checksum mismatch: stored %08x, computed %08x", binary.LittleEndian.Uint32(sum[:]), checksum),
			}
		}

		r.offset = end
		r.records++
		return tag, payload, start, nil
	}
}

// tornTail rewinds to the start of an incomplete record and reports EOF. A
// later Read retries from the same place, so a reader tailing a live file
// picks the record up once the writer has finished it.
func (r *Reader) tornTail(start int64, what string) error {
	r.logger.Debug("Incomplete record at journal tail", "path", r.path, "offset", start, "part", what)
	if _, err := r.file.Seek(start, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind journal %s to offset %d: %w", r.path, start, err)
	}
	r.reader.Reset(r.file)
	r.offset = start
	return io.EOF
}

func (r *Reader) size() (int64, error) {
	stat, err := r.file.Stat()
	if err != nil {
		return 0, err
	}
	return stat.Size(), nil
}

// scanValidEnd reads path to the end and returns the offset just past the
// last intact record, the last header seen and the number of records.
// Mid-stream corruption is returned as an error.
func scanValidEnd(path string, opts Options) (int64, core.FileHeader, uint64, error) {
	r, err := OpenReader(path, opts)
	if err != nil {
		return 0, core.FileHeader{}, 0, err
	}
	defer r.Close()
	for {
		_, _, _, err := r.next()
		if err == io.EOF {
			return r.offset, r.header, r.records, nil
		}
		if err != nil {
			return 0, core.FileHeader{}, 0, err
		}
	}
}

// statSize returns the size of path, or zero if it does not exist.
func statSize(path string) (int64, bool, error) {
	stat, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return stat.Size(), true, nil
}
