// Package store persists peer snapshots and event logs as JSON lines.
package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"stately/internal/state"
)

// maxLineSize fits a record whose name fills a whole payload with every
// byte escaped. Longer lines are skipped.
const maxLineSize = 1 << 20

// PeerRecord is the on-disk form of a peer state.
type PeerRecord struct {
	PeerID     string `json:"peer_id"`
	Name       string `json:"name"`
	State      string `json:"state"`
	ObservedAt int64  `json:"observed_at_ms"`
}

func RecordOf(ps state.PeerState) PeerRecord {
	return PeerRecord{
		PeerID:     string(ps.PeerID),
		Name:       ps.Name,
		State:      ps.Kind.Tag(),
		ObservedAt: ps.ObservedAt.UnixMilli(),
	}
}

func (r PeerRecord) PeerState() (state.PeerState, error) {
	kind, err := state.ParseKind(r.State)
	if err != nil {
		return state.PeerState{}, err
	}
	if r.PeerID == "" {
		return state.PeerState{}, fmt.Errorf("record without peer id")
	}
	return state.PeerState{
		Name:       r.Name,
		Kind:       kind,
		ObservedAt: time.UnixMilli(r.ObservedAt),
		PeerID:     state.PeerID(r.PeerID),
	}, nil
}

// readLine returns the next line without its terminator. A line over
// maxLineSize is consumed whole and reported as tooLong.
func readLine(br *bufio.Reader) ([]byte, bool, error) {
	var line []byte
	tooLong := false
	for {
		chunk, err := br.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > maxLineSize {
				tooLong = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		return bytes.TrimRight(line, "\r\n"), tooLong, err
	}
}

func syncDir(path string) {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return
	}
	defer dir.Close()
	_ = dir.Sync()
}

// SavePeers replaces the file at path with one line per state.
func SavePeers(path string, peers []state.PeerState) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, ps := range peers {
		if err := enc.Encode(RecordOf(ps)); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	// close before rename for windows
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	syncDir(path)
	return nil
}

// LoadPeers reads a file written by SavePeers. Unparseable or over-long
// lines are skipped; a missing file yields no peers. On a read error the
// peers parsed so far are returned with it.
func LoadPeers(path string) ([]state.PeerState, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	var out []state.PeerState
	br := bufio.NewReader(f)
	for {
		line, tooLong, err := readLine(br)
		if !tooLong && len(line) > 0 {
			if ps, ok := parseRecord(line); ok {
				out = append(out, ps)
			}
		}
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
	}
}

func parseRecord(line []byte) (state.PeerState, bool) {
	var rec PeerRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return state.PeerState{}, false
	}
	ps, err := rec.PeerState()
	if err != nil {
		return state.PeerState{}, false
	}
	return ps, true
}

// AppendJSONL appends v as one line and fsyncs.
func AppendJSONL(path string, v any) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(v); err != nil {
		return err
	}
	return f.Sync()
}
