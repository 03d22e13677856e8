// Package wal implements the append-only, fsync-per-record write-ahead log
// that is the source of truth for crawl state.
//
// Each frame on disk is an 8-byte header followed by a JSON payload:
//
//	[uint32 payload length][uint32 CRC-32C of payload][payload]
//
// Both integers are big-endian. Replay stops at the first frame that is short,
// oversized or fails its checksum, and truncates the file there.
package wal

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
)

const (
	headerSize = 8
	// DefaultMaxRecordBytes bounds a single payload; larger lengths are
	// treated as corruption.
	DefaultMaxRecordBytes = 16 << 20
)

// ErrClosed is returned by operations on a closed log.
var ErrClosed = errors.New("wal: log closed")

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Options tune the log.
type Options struct {
	MaxRecordBytes int
}

// ReplayStats describes one pass over the log.
type ReplayStats struct {
	Records        int
	LastSeq        uint64
	ValidBytes     int64
	TruncatedBytes int64
}

// Log is an append-only record log. It is safe for concurrent use, although
// the URL Store serializes appends so that log order equals commit order.
type Log struct {
	mu     sync.Mutex
	path   string
	f      *os.File
	size   int64
	seq    uint64
	opts   Options
	logger *zap.Logger
	closed bool
}

// Open opens or creates the log at path. An existing log is scanned so that
// appends continue after the last valid record; a corrupt tail is truncated.
func Open(path string, opts Options, logger *zap.Logger) (*Log, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxRecordBytes <= 0 {
		opts.MaxRecordBytes = DefaultMaxRecordBytes
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create log dir: %v", crawler.ErrLogIO, err)
	}
	_, statErr := os.Stat(path)
	created := errors.Is(statErr, os.ErrNotExist)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open log: %v", crawler.ErrLogIO, err)
	}
	if created {
		if err := syncDir(dir); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	l := &Log{path: path, f: f, opts: opts, logger: logger}
	if _, err := l.replayLocked(nil); err != nil {
		_ = f.Close()
		return nil, err
	}
	return l, nil
}

// Path returns the file backing the log.
func (l *Log) Path() string { return l.path }

// LastSeq returns the sequence number of the newest durable record.
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Append assigns the next sequence number, writes the frame and fsyncs before
// returning. Any failure is reported as crawler.ErrLogIO and leaves the log
// without the partial frame.
func (l *Log) Append(ctx context.Context, rec crawler.LogRecord) (crawler.LogRecord, error) {
	if err := ctx.Err(); err != nil {
		return rec, fmt.Errorf("%w: %v", crawler.ErrLogIO, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return rec, fmt.Errorf("%w: %v", crawler.ErrLogIO, ErrClosed)
	}
	rec.Seq = l.seq + 1
	frame, err := encodeFrame(rec, l.opts.MaxRecordBytes)
	if err != nil {
		return rec, err
	}
	n, err := l.f.WriteAt(frame, l.size)
	if err == nil && n != len(frame) {
		err = io.ErrShortWrite
	}
	if err == nil {
		err = l.f.Sync()
	}
	if err != nil {
		if terr := l.f.Truncate(l.size); terr != nil {
			l.logger.Error("failed to roll back partial log frame", zap.Error(terr))
		}
		return rec, fmt.Errorf("%w: append seq %d: %v", crawler.ErrLogIO, rec.Seq, err)
	}
	l.size += int64(len(frame))
	l.seq = rec.Seq
	crawler.LogAppends.Inc()
	return rec, nil
}

// Replay feeds every valid record, in order, to fn. A corrupt or partial tail
// is truncated. Replay may be called any number of times; the records
// delivered are identical each time. fn must not append to the log.
func (l *Log) Replay(fn func(crawler.LogRecord) error) (ReplayStats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ReplayStats{}, ErrClosed
	}
	return l.replayLocked(fn)
}

func (l *Log) replayLocked(fn func(crawler.LogRecord) error) (ReplayStats, error) {
	info, err := l.f.Stat()
	if err != nil {
		return ReplayStats{}, fmt.Errorf("%w: stat log: %v", crawler.ErrLogIO, err)
	}
	reader := io.NewSectionReader(l.f, 0, info.Size())
	stats, err := scan(reader, l.opts.MaxRecordBytes, fn)
	if err != nil {
		return stats, err
	}
	stats.TruncatedBytes = info.Size() - stats.ValidBytes
	if stats.TruncatedBytes > 0 {
		l.logger.Warn("truncating corrupt log tail",
			zap.String("path", l.path),
			zap.Int64("valid_bytes", stats.ValidBytes),
			zap.Int64("truncated_bytes", stats.TruncatedBytes),
		)
		if err := l.f.Truncate(stats.ValidBytes); err != nil {
			return stats, fmt.Errorf("%w: truncate log: %v", crawler.ErrLogIO, err)
		}
		if err := l.f.Sync(); err != nil {
			return stats, fmt.Errorf("%w: sync log: %v", crawler.ErrLogIO, err)
		}
		crawler.LogTruncatedBytes.Add(float64(stats.TruncatedBytes))
	}
	l.size = stats.ValidBytes
	l.seq = stats.LastSeq
	return stats, nil
}

// Close flushes and closes the log file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.f.Sync(); err != nil {
		_ = l.f.Close()
		return fmt.Errorf("%w: sync on close: %v", crawler.ErrLogIO, err)
	}
	if err := l.f.Close(); err != nil {
		return fmt.Errorf("%w: close log: %v", crawler.ErrLogIO, err)
	}
	return nil
}

// Scan reads the log at path without modifying it and feeds every valid record
// to fn. It is meant for inspecting a log that another process may be
// appending to.
func Scan(path string, fn func(crawler.LogRecord) error) (ReplayStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return ReplayStats{}, fmt.Errorf("open log: %w", err)
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return ReplayStats{}, fmt.Errorf("stat log: %w", err)
	}
	stats, err := scan(io.NewSectionReader(f, 0, info.Size()), DefaultMaxRecordBytes, fn)
	stats.TruncatedBytes = info.Size() - stats.ValidBytes
	return stats, err
}

// scan walks frames until EOF or the first invalid frame. Only errors from fn
// or from the underlying reader are returned; corruption just ends the scan.
func scan(r io.Reader, maxRecord int, fn func(crawler.LogRecord) error) (ReplayStats, error) {
	var stats ReplayStats
	br := bufio.NewReaderSize(r, 64<<10)
	header := make([]byte, headerSize)
	for {
		if _, err := io.ReadFull(br, header); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return stats, nil
			}
			return stats, fmt.Errorf("%w: read frame header: %v", crawler.ErrLogIO, err)
		}
		length := binary.BigEndian.Uint32(header[0:4])
		sum := binary.BigEndian.Uint32(header[4:8])
		if length == 0 || int64(length) > int64(maxRecord) {
			return stats, nil
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(br, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return stats, nil
			}
			return stats, fmt.Errorf("%w: read frame payload: %v", crawler.ErrLogIO, err)
		}
		if crc32.Checksum(payload, castagnoli) != sum {
			return stats, nil
		}
		var rec crawler.LogRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return stats, nil
		}
		if fn != nil {
			if err := fn(rec); err != nil {
				return stats, err
			}
		}
		stats.Records++
		stats.LastSeq = rec.Seq
		stats.ValidBytes += int64(headerSize) + int64(length)
	}
}

func encodeFrame(rec crawler.LogRecord, maxRecord int) ([]byte, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("%w: encode record: %v", crawler.ErrLogIO, err)
	}
	if len(payload) > maxRecord {
		return nil, fmt.Errorf("%w: record of %d bytes exceeds limit %d", crawler.ErrLogIO, len(payload), maxRecord)
	}
	frame := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(frame[4:8], crc32.Checksum(payload, castagnoli))
	copy(frame[headerSize:], payload)
	return frame, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("%w: open log dir: %v", crawler.ErrLogIO, err)
	}
	defer func() { _ = d.Close() }()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("%w: sync log dir: %v", crawler.ErrLogIO, err)
	}
	return nil
}
