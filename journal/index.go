package journal

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
)

const indexFile = "journal_index.json"

// IndexEntry describes one sealed journal segment. First and Last are
// record ordinals, counted from 1 across the life of the journal.
type IndexEntry struct {
	File      string `json:"file"`
	First     uint64 `json:"first"`
	Last      uint64 `json:"last"`
	Timestamp string `json:"timestamp"`
}

// appendIndexEntry adds a sealed segment to the index, one JSON object
// per line.
func appendIndexEntry(dir string, entry IndexEntry) error {
	path := filepath.Join(dir, indexFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = f.Write(append(data, '\n'))
	return err
}

// LoadIndex reads every segment entry. A missing index file means an
// empty journal, not an error.
func LoadIndex(dir string) ([]IndexEntry, error) {
	b, err := os.ReadFile(filepath.Join(dir, indexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var entries []IndexEntry
	for _, line := range bytes.Split(b, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var e IndexEntry
		if err := json.Unmarshal(line, &e); err == nil {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func loadLastIndex(dir string) (*IndexEntry, error) {
	entries, err := LoadIndex(dir)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[len(entries)-1], nil
}
