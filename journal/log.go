package journal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"agora/book"
)

const (
	frameHeaderSize = 8
	currentFile     = "current.jnl"

	defaultSegmentSize = 64 << 20
	defaultMaxAge      = time.Hour
)

// Config controls where the journal lives and when segments rotate.
type Config struct {
	Dir         string
	SegmentSize int64
	MaxAge      time.Duration
	Log         *zap.Logger
}

// Log is an append-only journal of accepted mutations, framed with a
// length and CRC per record and rotated into numbered segments. It is
// an audit trail: the engine never restores book state from it.
type Log struct {
	mu        sync.Mutex
	cfg       Config
	file      *os.File
	w         *bufio.Writer
	segmentID int
	ord       uint64
	first     uint64
	written   int64
	rotatedAt time.Time
}

// Open creates or reopens the journal in cfg.Dir. A torn tail in the
// current segment, left by a crash mid-write, is truncated away.
func Open(cfg Config) (*Log, error) {
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = defaultSegmentSize
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = defaultMaxAge
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("journal: create dir: %w", err)
	}

	var segID int
	var sealed uint64
	if last, err := loadLastIndex(cfg.Dir); err != nil {
		return nil, fmt.Errorf("journal: load index: %w", err)
	} else if last != nil {
		id, _ := strconv.Atoi(strings.TrimSuffix(last.File, ".jnl"))
		segID = id
		sealed = last.Last
	}

	f, err := os.OpenFile(filepath.Join(cfg.Dir, currentFile), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open current: %w", err)
	}

	l := &Log{
		cfg:       cfg,
		file:      f,
		segmentID: segID,
		ord:       sealed,
		first:     sealed + 1,
		rotatedAt: time.Now(),
	}
	if err := l.recover(); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := l.file.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, fmt.Errorf("journal: seek end: %w", err)
	}
	l.w = bufio.NewWriterSize(f, 1<<20)
	return l, nil
}

// Submit journals an accepted order admission.
func (l *Log) Submit(in book.Incoming, seq uint64, ts int64) error {
	return l.append(&Record{
		Op:    OpSubmit,
		Seq:   seq,
		Time:  ts,
		ID:    in.ID,
		Side:  in.Side,
		Type:  in.Type,
		Price: in.Price,
		Qty:   in.Qty,
		Owner: in.Owner,
	})
}

// Cancel journals a cancel of a resting order.
func (l *Log) Cancel(id uint64, ts int64) error {
	return l.append(&Record{Op: OpCancel, Time: ts, ID: id})
}

// Modify journals a replace of a resting order.
func (l *Log) Modify(id uint64, price, qty int64, seq uint64, ts int64) error {
	return l.append(&Record{Op: OpModify, Seq: seq, Time: ts, ID: id, Price: price, Qty: qty})
}

// Clear journals a full book wipe.
func (l *Log) Clear(ts int64) error {
	return l.append(&Record{Op: OpClear, Time: ts})
}

// DayReset journals a day boundary with the number of purged orders.
func (l *Log) DayReset(ts int64, purged int) error {
	return l.append(&Record{Op: OpDayReset, Time: ts, Count: int32(purged)})
}

func (l *Log) append(rec *Record) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	frameSize := int64(frameHeaderSize + len(data))

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.shouldRotate(frameSize) {
		if err := l.rotate(); err != nil {
			return err
		}
	}

	l.ord++
	if err := writeFrame(l.w, data); err != nil {
		return fmt.Errorf("journal: append: %w", err)
	}
	l.written += frameSize
	return nil
}

func (l *Log) shouldRotate(nextSize int64) bool {
	if l.written == 0 {
		return false
	}
	return l.written+nextSize >= l.cfg.SegmentSize ||
		time.Since(l.rotatedAt) >= l.cfg.MaxAge
}

func (l *Log) rotate() error {
	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("journal: flush before rotate: %w", err)
	}
	_ = l.file.Sync()
	_ = l.file.Close()

	newID := l.segmentID + 1
	name := fmt.Sprintf("%06d.jnl", newID)
	oldPath := filepath.Join(l.cfg.Dir, currentFile)
	if err := os.Rename(oldPath, filepath.Join(l.cfg.Dir, name)); err != nil {
		return fmt.Errorf("journal: rotate: %w", err)
	}

	entry := IndexEntry{
		File:      name,
		First:     l.first,
		Last:      l.ord,
		Timestamp: time.Now().Format(time.RFC3339),
	}
	if err := appendIndexEntry(l.cfg.Dir, entry); err != nil {
		return fmt.Errorf("journal: index: %w", err)
	}

	f, err := os.OpenFile(oldPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("journal: reopen current: %w", err)
	}
	l.file = f
	l.w = bufio.NewWriterSize(f, 1<<20)
	l.segmentID = newID
	l.first = l.ord + 1
	l.written = 0
	l.rotatedAt = time.Now()

	l.cfg.Log.Info("journal segment sealed",
		zap.String("file", name),
		zap.Uint64("first", entry.First),
		zap.Uint64("last", entry.Last),
	)
	return nil
}

// Sync flushes buffered records to the OS and fsyncs the segment.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("journal: flush: %w", err)
	}
	return l.file.Sync()
}

// Close flushes and seals the current segment when it holds records.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("journal: flush on close: %w", err)
	}
	_ = l.file.Sync()
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("journal: close current: %w", err)
	}
	if l.ord < l.first {
		// Empty current segment, nothing to seal.
		return nil
	}

	name := fmt.Sprintf("%06d.jnl", l.segmentID+1)
	if err := os.Rename(filepath.Join(l.cfg.Dir, currentFile), filepath.Join(l.cfg.Dir, name)); err != nil {
		return fmt.Errorf("journal: seal on close: %w", err)
	}
	entry := IndexEntry{
		First:     l.first,
		Last:      l.ord,
		File:      name,
		Timestamp: time.Now().Format(time.RFC3339),
	}
	if err := appendIndexEntry(l.cfg.Dir, entry); err != nil {
		return fmt.Errorf("journal: index on close: %w", err)
	}
	l.cfg.Log.Info("journal closed",
		zap.String("file", name),
		zap.Uint64("first", entry.First),
		zap.Uint64("last", entry.Last),
	)
	return nil
}

// recover scans the current segment and truncates a torn tail so the
// next append lands on a frame boundary.
func (l *Log) recover() error {
	info, err := l.file.Stat()
	if err != nil {
		return fmt.Errorf("journal: stat current: %w", err)
	}
	if info.Size() == 0 {
		return nil
	}

	r, err := os.Open(filepath.Join(l.cfg.Dir, currentFile))
	if err != nil {
		return fmt.Errorf("journal: open for recovery: %w", err)
	}
	defer r.Close()

	var (
		valid  int64
		header [frameHeaderSize]byte
	)
	br := bufio.NewReader(r)
	for {
		if _, err := io.ReadFull(br, header[:]); err != nil {
			if err == io.EOF {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return l.truncate(valid)
			}
			return fmt.Errorf("journal: recover: %w", err)
		}
		payload := make([]byte, binary.LittleEndian.Uint32(header[:4]))
		if _, err := io.ReadFull(br, payload); err != nil {
			if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
				return l.truncate(valid)
			}
			return fmt.Errorf("journal: recover: %w", err)
		}
		if crc32.ChecksumIEEE(payload) != binary.LittleEndian.Uint32(header[4:]) {
			return l.truncate(valid)
		}
		l.ord++
		valid += int64(frameHeaderSize + len(payload))
	}
	l.written = valid
	return nil
}

func (l *Log) truncate(valid int64) error {
	if err := l.file.Truncate(valid); err != nil {
		return fmt.Errorf("journal: truncate torn tail: %w", err)
	}
	if _, err := l.file.Seek(valid, io.SeekStart); err != nil {
		return fmt.Errorf("journal: seek after truncate: %w", err)
	}
	l.written = valid
	return nil
}

func writeFrame(w io.Writer, payload []byte) error {
	var header [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(header[:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:], crc32.ChecksumIEEE(payload))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
