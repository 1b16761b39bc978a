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
)

// ErrChecksum reports a frame whose payload does not match its CRC.
var ErrChecksum = errors.New("journal: crc mismatch")

// Reader walks every record in a journal directory, sealed segments in
// index order followed by the current segment. A torn tail ends the
// walk cleanly; a checksum failure surfaces through Err.
type Reader struct {
	files []string
	next  int
	f     *os.File
	br    *bufio.Reader
	rec   *Record
	err   error
}

// OpenReader opens the journal in dir for sequential reading.
func OpenReader(dir string) (*Reader, error) {
	entries, err := LoadIndex(dir)
	if err != nil {
		return nil, fmt.Errorf("journal: load index: %w", err)
	}
	var files []string
	for _, e := range entries {
		files = append(files, filepath.Join(dir, e.File))
	}
	current := filepath.Join(dir, currentFile)
	if _, err := os.Stat(current); err == nil {
		files = append(files, current)
	}
	return &Reader{files: files}, nil
}

// Next advances to the next record. It returns false at the end of the
// journal or on error; check Err afterwards.
func (r *Reader) Next() bool {
	if r.err != nil {
		return false
	}
	for {
		if r.br == nil {
			if !r.openNext() {
				return false
			}
		}
		rec, err := r.readFrame()
		if err == nil {
			r.rec = rec
			return true
		}
		if errors.Is(err, io.EOF) {
			r.closeCurrent()
			continue
		}
		r.err = err
		return false
	}
}

// Record returns the record Next advanced to.
func (r *Reader) Record() *Record {
	return r.rec
}

// Err returns the first error encountered during the walk.
func (r *Reader) Err() error {
	return r.err
}

// Close releases the currently open segment.
func (r *Reader) Close() error {
	r.closeCurrent()
	return nil
}

func (r *Reader) openNext() bool {
	for r.next < len(r.files) {
		path := r.files[r.next]
		r.next++
		f, err := os.Open(path)
		if err != nil {
			r.err = fmt.Errorf("journal: open segment: %w", err)
			return false
		}
		r.f = f
		r.br = bufio.NewReader(f)
		return true
	}
	return false
}

func (r *Reader) closeCurrent() {
	if r.f != nil {
		_ = r.f.Close()
		r.f = nil
		r.br = nil
	}
}

// readFrame decodes one framed record. A short read mid-frame means a
// torn tail and is reported as io.EOF so the walk stops cleanly.
func (r *Reader) readFrame() (*Record, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r.br, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	payload := make([]byte, binary.LittleEndian.Uint32(header[:4]))
	if _, err := io.ReadFull(r.br, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	if crc32.ChecksumIEEE(payload) != binary.LittleEndian.Uint32(header[4:]) {
		return nil, ErrChecksum
	}
	return decodeRecord(payload)
}

// Replay walks every record in dir in append order and hands each to
// fn. It stops at the first error from fn or the walk.
func Replay(dir string, fn func(*Record) error) error {
	r, err := OpenReader(dir)
	if err != nil {
		return err
	}
	defer r.Close()
	for r.Next() {
		if err := fn(r.Record()); err != nil {
			return err
		}
	}
	return r.Err()
}
