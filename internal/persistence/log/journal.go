package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"warpline.ai/internal/sim/relocate"
)

// Journal writes every relocation state change to compressed JSONL under
// <dir>/relocations.
type Journal struct {
	w   *JSONLZstdWriter
	log zerolog.Logger

	written atomic.Int64
	failed  atomic.Int64
}

func NewJournal(dataDir string, log zerolog.Logger) *Journal {
	return &Journal{
		w:   NewJSONLZstdWriter(filepath.Join(dataDir, "relocations"), "relocations"),
		log: log,
	}
}

// Record implements relocate.Recorder. Write errors are logged and counted;
// they never block a relocation.
func (j *Journal) Record(ev relocate.Event) {
	if err := j.w.Write(ev); err != nil {
		if j.failed.Add(1) == 1 {
			j.log.Error().Err(err).Msg("relocation journal write failed")
		}
		return
	}
	j.written.Add(1)
}

type JournalStats struct {
	Written int64  `json:"written"`
	Failed  int64  `json:"failed"`
	Path    string `json:"path,omitempty"`
}

func (j *Journal) Stats() JournalStats {
	return JournalStats{Written: j.written.Load(), Failed: j.failed.Load(), Path: j.w.CurrentPath()}
}

// OnClosed registers fn to receive every journal file once it is complete.
// Call before the first Record.
func (j *Journal) OnClosed(fn func(path string)) { j.w.OnClosed = fn }

func (j *Journal) Close() error { return j.w.Close() }

// ReadJournal decodes a closed journal file.
func ReadJournal(path string) ([]relocate.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []relocate.Event
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var ev relocate.Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			return out, fmt.Errorf("%s:%d: %w", filepath.Base(path), line, err)
		}
		out = append(out, ev)
	}
	return out, sc.Err()
}

// Summary counts terminal outcomes in a journal.
type Summary struct {
	Events    int            `json:"events"`
	ByState   map[string]int `json:"by_state"`
	ByOutcome map[string]int `json:"by_outcome"`
	ByID      map[string]int `json:"-"`
}

func Summarize(events []relocate.Event) Summary {
	s := Summary{ByState: map[string]int{}, ByOutcome: map[string]int{}, ByID: map[string]int{}}
	for _, ev := range events {
		s.Events++
		s.ByState[ev.State]++
		if ev.Outcome != "" {
			s.ByOutcome[ev.Outcome]++
		}
		s.ByID[ev.ID]++
	}
	return s
}
