package journal

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"agora/book"
)

func TestJournal_AppendAndReplay(t *testing.T) {
	dir := t.TempDir()

	// --- write phase ---
	l, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	const n = 100
	for i := 0; i < n; i++ {
		in := book.Incoming{
			ID:    uint64(i + 1),
			Side:  book.Buy,
			Type:  book.GTC,
			Price: 100_000000,
			Qty:   5,
			Owner: "replay-test",
		}
		if err := l.Submit(in, uint64(i+1), time.Now().UnixNano()); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if i%20 == 0 {
			_ = l.Sync()
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// --- replay phase ---
	count := 0
	err = Replay(dir, func(rec *Record) error {
		if rec.Op != OpSubmit {
			t.Fatalf("unexpected op %v", rec.Op)
		}
		count++
		if rec.ID != uint64(count) {
			t.Fatalf("record %d out of order: id=%d", count, rec.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if count != n {
		t.Fatalf("expected %d records, got %d", n, count)
	}
}

func TestJournal_Rotation(t *testing.T) {
	dir := t.TempDir()

	l, err := Open(Config{Dir: dir, SegmentSize: 128})
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	const n = 10
	for i := 0; i < n; i++ {
		if err := l.Cancel(uint64(i+1), time.Now().UnixNano()); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	entries, err := LoadIndex(dir)
	if err != nil {
		t.Fatalf("load index: %v", err)
	}
	if len(entries) < 2 {
		t.Fatalf("expected rotation to seal multiple segments, got %d", len(entries))
	}
	// Ordinal ranges must chain without gaps.
	want := uint64(1)
	for _, e := range entries {
		if e.First != want {
			t.Fatalf("segment %s starts at %d, want %d", e.File, e.First, want)
		}
		want = e.Last + 1
	}
	if want != n+1 {
		t.Fatalf("segments cover %d records, want %d", want-1, n)
	}

	count := 0
	if err := Replay(dir, func(*Record) error { count++; return nil }); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if count != n {
		t.Fatalf("expected %d records after rotation, got %d", n, count)
	}
}

func TestJournal_CRCIntegrity(t *testing.T) {
	dir := t.TempDir()

	l, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Clear(time.Now().UnixNano()); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := l.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	// Corrupt the first payload byte to break the CRC.
	path := filepath.Join(dir, currentFile)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteAt([]byte{0xFF}, frameHeaderSize); err != nil {
		t.Fatal(err)
	}
	f.Close()

	r, err := OpenReader(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if r.Next() {
		t.Fatal("expected corruption detection, got a record")
	}
	if !errors.Is(r.Err(), ErrChecksum) {
		t.Fatalf("expected ErrChecksum, got %v", r.Err())
	}
}

func TestJournal_TornTailRecovery(t *testing.T) {
	dir := t.TempDir()

	l, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := l.Cancel(uint64(i+1), time.Now().UnixNano()); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := l.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	// Simulate a crash mid-write: a frame header promising more bytes
	// than the file holds.
	path := filepath.Join(dir, currentFile)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte{0x40, 0x00, 0x00, 0x00, 0xAA, 0xBB, 0xCC, 0xDD, 0x01, 0x02}); err != nil {
		t.Fatal(err)
	}
	f.Close()

	reopened, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("reopen after torn write: %v", err)
	}
	if err := reopened.Cancel(4, time.Now().UnixNano()); err != nil {
		t.Fatalf("append after recovery: %v", err)
	}
	if err := reopened.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	var ids []uint64
	if err := Replay(dir, func(rec *Record) error {
		ids = append(ids, rec.ID)
		return nil
	}); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(ids) != 4 || ids[3] != 4 {
		t.Fatalf("expected records 1-4 after recovery, got %v", ids)
	}
}

func TestJournal_CloseSealsCurrent(t *testing.T) {
	dir := t.TempDir()

	l, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	_ = l.DayReset(time.Now().UnixNano(), 7)
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	entries, err := LoadIndex(dir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one sealed segment, got %v err=%v", entries, err)
	}
	if entries[0].First != 1 || entries[0].Last != 1 {
		t.Fatalf("unexpected ordinals: %+v", entries[0])
	}
	if _, err := os.Stat(filepath.Join(dir, currentFile)); !os.IsNotExist(err) {
		t.Fatal("current segment should have been sealed away")
	}

	found := false
	_ = Replay(dir, func(rec *Record) error {
		if rec.Op == OpDayReset && rec.Count == 7 {
			found = true
		}
		return nil
	})
	if !found {
		t.Fatal("day-reset record missing after seal")
	}
}

func TestRecordRoundTrip(t *testing.T) {
	rec := &Record{
		Op:    OpSubmit,
		Seq:   42,
		Time:  1717320000000000000,
		ID:    9001,
		Side:  book.Sell,
		Type:  book.FOK,
		Price: 123_456789,
		Qty:   17,
		Count: 3,
		Owner: "desk-7",
	}
	data, err := encodeRecord(rec)
	if err != nil {
		t.Fatal(err)
	}
	got, err := decodeRecord(data)
	if err != nil {
		t.Fatal(err)
	}
	if *got != *rec {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, rec)
	}
}
