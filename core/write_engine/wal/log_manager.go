package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const (
	segmentPrefix = "wal-"
	segmentSuffix = ".log"

	// frameHeaderSize is the length prefix plus the CRC of every frame.
	frameHeaderSize = 8
	// maxFrameSize bounds a single entry; anything larger is treated as corruption.
	maxFrameSize = MaxEntrySize

	DefaultSegmentSizeLimit int64 = 16 << 20
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// errTornFrame marks a frame that was only partially written before a crash.
var errTornFrame = errors.New("torn log frame")

type segment struct {
	path     string
	firstLSN LSN
	size     int64
}

// LogManager is a file-backed Log made of numbered segments in one directory.
// Every Append is written and fsynced before it returns. A frame torn by a
// crash at the tail of the newest segment is truncated when the log is opened.
type LogManager struct {
	logDir           string
	segmentSizeLimit int64
	logger           *zap.Logger

	mu       sync.Mutex // Protects everything below
	segments []segment  // Ordered by firstLSN; the last one is active
	logFile  *os.File   // Active segment, opened for append
	nextLSN  LSN
	closed   bool
	failed   error // Sticky: a failed write leaves the tail in an unknown state
}

// NewLogManager opens (or creates) the log in logDir and recovers its tail.
func NewLogManager(logDir string, segmentSizeLimit int64, logger *zap.Logger) (*LogManager, error) {
	if segmentSizeLimit <= 0 {
		segmentSizeLimit = DefaultSegmentSizeLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(logDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", logDir, err)
	}

	lm := &LogManager{
		logDir:           logDir,
		segmentSizeLimit: segmentSizeLimit,
		logger:           logger.Named("wal"),
		nextLSN:          1,
	}
	if err := lm.recover(); err != nil {
		return nil, err
	}

	lm.logger.Info("log manager initialized",
		zap.String("dir", logDir),
		zap.Int("segments", len(lm.segments)),
		zap.Uint64("nextLSN", uint64(lm.nextLSN)))
	return lm, nil
}

// recover scans every segment to find the next LSN and cuts off a torn tail.
func (lm *LogManager) recover() error {
	segments, err := lm.listSegments()
	if err != nil {
		return err
	}

	for i := range segments {
		seg := &segments[i]
		last := i == len(segments)-1

		var lastLSN LSN
		goodOffset, err := scanSegment(seg.path, seg.size, func(e Entry) error {
			lastLSN = e.LSN
			return nil
		})
		if err != nil && !(last && errors.Is(err, errTornFrame)) {
			return fmt.Errorf("log segment %s is corrupt at offset %d: %w", seg.path, goodOffset, err)
		}
		if err != nil {
			lm.logger.Warn("truncating torn tail of log segment",
				zap.String("segment", seg.path),
				zap.Int64("offset", goodOffset),
				zap.Int64("size", seg.size))
			if err := os.Truncate(seg.path, goodOffset); err != nil {
				return fmt.Errorf("failed to truncate log segment %s: %w", seg.path, err)
			}
			seg.size = goodOffset
		}
		if lastLSN != InvalidLSN {
			lm.nextLSN = lastLSN + 1
		}
	}

	if len(segments) == 0 {
		segments = append(segments, segment{path: lm.segmentPath(1), firstLSN: 1})
	}
	lm.segments = segments

	active := lm.segments[len(lm.segments)-1]
	f, err := os.OpenFile(active.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0640)
	if err != nil {
		return fmt.Errorf("failed to open log segment %s: %w", active.path, err)
	}
	lm.logFile = f
	return nil
}

// listSegments returns the segments found in logDir ordered by their first LSN.
func (lm *LogManager) listSegments() ([]segment, error) {
	files, err := os.ReadDir(lm.logDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read log directory %s: %w", lm.logDir, err)
	}

	var segments []segment
	for _, file := range files {
		name := file.Name()
		if file.IsDir() || !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		first, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix), 10, 64)
		if err != nil {
			continue
		}
		info, err := file.Info()
		if err != nil {
			return nil, fmt.Errorf("failed to stat log segment %s: %w", name, err)
		}
		segments = append(segments, segment{
			path:     filepath.Join(lm.logDir, name),
			firstLSN: LSN(first),
			size:     info.Size(),
		})
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].firstLSN < segments[j].firstLSN })
	return segments, nil
}

// segmentPath names a segment after the first LSN it holds.
func (lm *LogManager) segmentPath(firstLSN LSN) string {
	return filepath.Join(lm.logDir, fmt.Sprintf("%s%020d%s", segmentPrefix, uint64(firstLSN), segmentSuffix))
}

// Append writes entry to the active segment and fsyncs it.
func (lm *LogManager) Append(entry *Entry) (LSN, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lm.closed {
		return InvalidLSN, ErrClosed
	}
	if lm.failed != nil {
		return InvalidLSN, fmt.Errorf("log unusable after earlier failure: %w", lm.failed)
	}

	entry.stamp(lm.nextLSN)
	payload := entry.Serialize()
	if err := checkEntrySize(entry, payload); err != nil {
		entry.LSN = InvalidLSN
		return InvalidLSN, err
	}
	frame := encodeFrame(payload)

	active := &lm.segments[len(lm.segments)-1]
	if active.size > 0 && active.size+int64(len(frame)) > lm.segmentSizeLimit {
		if err := lm.rollLogSegment(); err != nil {
			lm.failed = err
			return InvalidLSN, err
		}
		active = &lm.segments[len(lm.segments)-1]
	}

	if _, err := lm.logFile.Write(frame); err != nil {
		lm.failed = err
		return InvalidLSN, fmt.Errorf("failed to write log entry %d: %w", entry.LSN, err)
	}
	if err := lm.logFile.Sync(); err != nil {
		lm.failed = err
		return InvalidLSN, fmt.Errorf("failed to sync log entry %d: %w", entry.LSN, err)
	}

	active.size += int64(len(frame))
	lm.nextLSN++

	lm.logger.Debug("appended log entry",
		zap.Uint64("lsn", uint64(entry.LSN)),
		zap.Uint64("txnID", entry.TxnID),
		zap.Stringer("kind", entry.Kind))
	return entry.LSN, nil
}

// rollLogSegment closes the active segment and starts a new one at nextLSN.
// This method MUST be called with lm.mu locked.
func (lm *LogManager) rollLogSegment() error {
	if err := lm.logFile.Close(); err != nil {
		return fmt.Errorf("failed to close log segment: %w", err)
	}
	path := lm.segmentPath(lm.nextLSN)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0640)
	if err != nil {
		return fmt.Errorf("failed to open new log segment %s: %w", path, err)
	}
	lm.logFile = f
	lm.segments = append(lm.segments, segment{path: path, firstLSN: lm.nextLSN})

	lm.logger.Info("rolled log segment", zap.String("segment", path))
	return nil
}

// Replay streams every entry written so far, oldest first. Entries appended
// while a replay is running are not visited.
func (lm *LogManager) Replay(fn func(Entry) error) error {
	lm.mu.Lock()
	if lm.closed {
		lm.mu.Unlock()
		return ErrClosed
	}
	segments := make([]segment, len(lm.segments))
	copy(segments, lm.segments)
	lm.mu.Unlock()

	for _, seg := range segments {
		if _, err := scanSegment(seg.path, seg.size, fn); err != nil {
			return fmt.Errorf("failed to replay log segment %s: %w", seg.path, err)
		}
	}
	return nil
}

// Segments returns the number of segment files the log currently spans.
func (lm *LogManager) Segments() int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return len(lm.segments)
}

// Close syncs and closes the active segment.
func (lm *LogManager) Close() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return nil
	}
	lm.closed = true

	if err := lm.logFile.Sync(); err != nil {
		lm.logFile.Close()
		return fmt.Errorf("failed to sync log segment on close: %w", err)
	}
	if err := lm.logFile.Close(); err != nil {
		return fmt.Errorf("failed to close log segment: %w", err)
	}
	lm.logger.Info("log manager closed", zap.Uint64("nextLSN", uint64(lm.nextLSN)))
	return nil
}

// encodeFrame prefixes payload with its length and CRC32-C.
func encodeFrame(payload []byte) []byte {
	frame := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(frame[4:8], crc32.Checksum(payload, crcTable))
	copy(frame[frameHeaderSize:], payload)
	return frame
}

// scanSegment decodes the first limit bytes of a segment. It returns the
// offset just past the last intact frame.
func scanSegment(path string, limit int64, fn func(Entry) error) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open log segment: %w", err)
	}
	defer f.Close()

	reader := bufio.NewReader(io.LimitReader(f, limit))
	header := make([]byte, frameHeaderSize)
	var offset int64
	for {
		n, err := io.ReadFull(reader, header)
		if err == io.EOF {
			return offset, nil
		}
		if err != nil {
			return offset, fmt.Errorf("%w: short header (%d bytes)", errTornFrame, n)
		}

		size := binary.LittleEndian.Uint32(header[0:4])
		sum := binary.LittleEndian.Uint32(header[4:8])
		if size == 0 || size > maxFrameSize {
			return offset, fmt.Errorf("%w: invalid frame size %d", errTornFrame, size)
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(reader, payload); err != nil {
			return offset, fmt.Errorf("%w: short payload", errTornFrame)
		}
		if crc32.Checksum(payload, crcTable) != sum {
			return offset, fmt.Errorf("%w: checksum mismatch", errTornFrame)
		}

		var e Entry
		if err := e.Deserialize(payload); err != nil {
			return offset, err
		}
		if err := fn(e); err != nil {
			return offset, err
		}
		offset += int64(frameHeaderSize) + int64(size)
	}
}
