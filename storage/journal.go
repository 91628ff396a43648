package storage

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
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
)

// Frame header: payload length, crc32c of the payload, record offset.
const frameHeaderSize = 16

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

type journalConfig struct {
	dir          string
	segmentBytes int64
	syncEvery    int
	logger       *log.Logger
}

type journalSegment struct {
	path       string
	file       *os.File
	writer     *bufio.Writer
	size       int64
	lastOffset uint64
}

// pendingChange is a local write waiting to be pushed to the remote.
type pendingChange struct {
	Offset    uint64    `json:"offset"`
	Doc       Document  `json:"doc"`
	QueuedAt  time.Time `json:"queuedAt"`
	Attempt   int       `json:"attempt"`
	LastErr   string    `json:"lastErr,omitempty"`
	frameSize int64
}

// journal is an append-only, segmented log of pending changes. Offsets up to
// the committed checkpoint have been delivered and are pruned.
type journal struct {
	cfg        journalConfig
	mu         sync.Mutex
	segments   []*journalSegment
	nextOffset uint64
	committed  uint64
	unsynced   int
	closed     bool
}

func openJournal(cfg journalConfig) (*journal, []*pendingChange, error) {
	if cfg.dir == "" {
		return nil, nil, errors.New("journal dir required")
	}
	if cfg.segmentBytes <= 0 {
		cfg.segmentBytes = 16 * 1024 * 1024
	}
	if err := os.MkdirAll(cfg.dir, 0o755); err != nil {
		return nil, nil, err
	}

	j := &journal{cfg: cfg}
	committed, err := j.readCheckpoint()
	if err != nil {
		return nil, nil, err
	}
	j.committed = committed
	j.nextOffset = committed + 1

	paths, err := filepath.Glob(filepath.Join(cfg.dir, "changes-*.log"))
	if err != nil {
		return nil, nil, err
	}
	sort.Strings(paths)

	var pending []*pendingChange
	for _, path := range paths {
		seg, records, err := j.recoverSegment(path)
		if err != nil {
			return nil, nil, err
		}
		j.segments = append(j.segments, seg)
		for _, rec := range records {
			if rec.Offset >= j.nextOffset {
				j.nextOffset = rec.Offset + 1
			}
			if rec.Offset > j.committed {
				pending = append(pending, rec)
			}
		}
	}

	if len(j.segments) == 0 {
		if err := j.rollLocked(); err != nil {
			return nil, nil, err
		}
	} else {
		tail := j.segments[len(j.segments)-1]
		if _, err := tail.file.Seek(tail.size, io.SeekStart); err != nil {
			return nil, nil, err
		}
		tail.writer = bufio.NewWriterSize(tail.file, 64*1024)
	}
	return j, pending, nil
}

func (j *journal) checkpointPath() string {
	return filepath.Join(j.cfg.dir, "checkpoint")
}

func (j *journal) readCheckpoint() (uint64, error) {
	data, err := os.ReadFile(j.checkpointPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid journal checkpoint: %w", err)
	}
	return v, nil
}

// recoverSegment reads every intact frame of a segment and truncates a torn
// or corrupt tail.
func (j *journal) recoverSegment(path string) (*journalSegment, []*pendingChange, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, nil, err
	}
	seg := &journalSegment{path: path, file: f}
	reader := bufio.NewReaderSize(f, 64*1024)

	var records []*pendingChange
	var pos int64
	hdr := make([]byte, frameHeaderSize)
	for {
		start := pos
		n, err := io.ReadFull(reader, hdr)
		pos += int64(n)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			f.Close()
			return nil, nil, err
		}
		if err != nil {
			pos = start
			break
		}

		length := binary.LittleEndian.Uint32(hdr[0:4])
		sum := binary.LittleEndian.Uint32(hdr[4:8])
		offset := binary.LittleEndian.Uint64(hdr[8:16])
		payload := make([]byte, length)
		n, err = io.ReadFull(reader, payload)
		pos += int64(n)
		if err != nil || crc32.Checksum(payload, castagnoli) != sum {
			pos = start
			break
		}

		var rec pendingChange
		if err := sonic.Unmarshal(payload, &rec); err != nil {
			pos = start
			break
		}
		if rec.Offset != offset {
			f.Close()
			return nil, nil, fmt.Errorf("journal offset mismatch in %s: header=%d payload=%d", path, offset, rec.Offset)
		}
		rec.frameSize = frameHeaderSize + int64(length)
		seg.lastOffset = rec.Offset
		records = append(records, &rec)
	}

	if err := f.Truncate(pos); err != nil {
		f.Close()
		return nil, nil, err
	}
	seg.size = pos
	return seg, records, nil
}

func (j *journal) rollLocked() error {
	if j.closed {
		return errJournalClosed
	}
	if n := len(j.segments); n > 0 {
		tail := j.segments[n-1]
		if tail.writer != nil {
			if err := tail.writer.Flush(); err != nil {
				return err
			}
			tail.writer = nil
		}
		if err := tail.file.Sync(); err != nil {
			return err
		}
	}
	path := filepath.Join(j.cfg.dir, fmt.Sprintf("changes-%020d.log", j.nextOffset))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	j.segments = append(j.segments, &journalSegment{
		path:       path,
		file:       f,
		writer:     bufio.NewWriterSize(f, 64*1024),
		lastOffset: j.nextOffset - 1,
	})
	return nil
}

// appendLocked assigns the next offset to rec and writes it to the tail segment.
func (j *journal) appendLocked(rec *pendingChange) error {
	if j.closed {
		return errJournalClosed
	}
	tail := j.segments[len(j.segments)-1]
	if tail.size >= j.cfg.segmentBytes {
		if err := j.rollLocked(); err != nil {
			return err
		}
		tail = j.segments[len(j.segments)-1]
	}

	rec.Offset = j.nextOffset
	payload, err := sonic.Marshal(rec)
	if err != nil {
		return err
	}
	hdr := make([]byte, frameHeaderSize)
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(hdr[4:8], crc32.Checksum(payload, castagnoli))
	binary.LittleEndian.PutUint64(hdr[8:16], rec.Offset)
	if _, err := tail.writer.Write(hdr); err != nil {
		return err
	}
	if _, err := tail.writer.Write(payload); err != nil {
		return err
	}
	if err := tail.writer.Flush(); err != nil {
		return err
	}

	j.nextOffset++
	rec.frameSize = int64(len(hdr) + len(payload))
	tail.size += rec.frameSize
	tail.lastOffset = rec.Offset
	j.unsynced++
	if j.cfg.syncEvery <= 1 || j.unsynced >= j.cfg.syncEvery {
		return j.syncLocked()
	}
	return nil
}

func (j *journal) syncLocked() error {
	if j.closed {
		return errJournalClosed
	}
	if j.unsynced == 0 {
		return nil
	}
	tail := j.segments[len(j.segments)-1]
	if tail.writer != nil {
		if err := tail.writer.Flush(); err != nil {
			return err
		}
	}
	if err := tail.file.Sync(); err != nil {
		return err
	}
	j.unsynced = 0
	return nil
}

// commitLocked records offset as delivered and drops fully delivered segments.
func (j *journal) commitLocked(offset uint64) error {
	if offset <= j.committed {
		return nil
	}
	j.committed = offset
	path := j.checkpointPath()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatUint(offset, 10)), 0o644); err != nil {
		return err
	}
	if err := fsyncPath(tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	if err := fsyncPath(j.cfg.dir); err != nil {
		return err
	}
	j.pruneLocked()
	return nil
}

func (j *journal) pruneLocked() {
	for len(j.segments) > 1 {
		seg := j.segments[0]
		if seg.lastOffset > j.committed {
			return
		}
		seg.file.Close()
		if err := os.Remove(seg.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			if j.cfg.logger != nil {
				j.cfg.logger.WithError(err).Warnf("failed to remove journal segment %s", seg.path)
			}
			return
		}
		j.segments = j.segments[1:]
	}
}

func (j *journal) close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	var firstErr error
	if err := j.syncLocked(); err != nil {
		firstErr = err
	}
	j.closed = true
	for _, seg := range j.segments {
		if seg.writer != nil {
			seg.writer.Flush()
		}
		if err := seg.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func fsyncPath(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
