// Package checkpoint persists per-chunk transfer outcomes in an append-only
// log so an interrupted session resumes without re-sending committed data.
//
// Log layout: a 6-byte header ("MMCK" magic + version u16) followed by
// fixed 45-byte records:
//
//	sessionID [16]byte | chunkID u64 | status u8 | checksum u64 |
//	unixMilli i64 | crc32c u32
//
// Records are only ever appended. A record is written strictly after the
// integrity verifier's commit decision for the chunk; checkpointing never
// precedes verification. Replay tolerates a truncated or corrupt final
// record (a crash mid-write) by discarding it.
package checkpoint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
	"time"
)

const (
	logMagic   = "MMCK"
	logVersion = uint16(1)
	headerLen  = 6
	recordLen  = 16 + 8 + 1 + 8 + 8 + 4
)

// Chunk statuses stored in the log.
const (
	StatusCommitted = uint8(0x01)
	StatusDeleted   = uint8(0x02) // a Delete plan item was applied
	StatusInvalid   = uint8(0x03) // earlier records for the chunk are void
)

var (
	// ErrInvalidLog indicates the file exists but is not a checkpoint log.
	ErrInvalidLog = errors.New("invalid checkpoint log")
	crc32cTable   = crc32.MakeTable(crc32.Castagnoli)
)

// Record is one durable log entry.
type Record struct {
	Session  [16]byte
	ChunkID  uint64
	Status   uint8
	Checksum uint64
	Time     time.Time
}

// Log is an append-only checkpoint log. Append is safe for concurrent use;
// it is the single durable write shared by all workers and is kept to a
// short critical section.
type Log struct {
	mu      sync.Mutex
	f       *os.File
	appends int
}

// syncEvery bounds how many appends may ride on the OS cache before an
// explicit fsync.
const syncEvery = 64

// Open opens or creates the checkpoint log at path.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint log: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat checkpoint log: %w", err)
	}

	if info.Size() == 0 {
		header := make([]byte, headerLen)
		copy(header[0:4], logMagic)
		binary.BigEndian.PutUint16(header[4:6], logVersion)
		if _, err := f.Write(header); err != nil {
			f.Close()
			return nil, fmt.Errorf("write checkpoint header: %w", err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, fmt.Errorf("sync checkpoint header: %w", err)
		}
	} else {
		header := make([]byte, headerLen)
		if _, err := f.ReadAt(header, 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("read checkpoint header: %w", err)
		}
		if string(header[0:4]) != logMagic {
			f.Close()
			return nil, ErrInvalidLog
		}
		if v := binary.BigEndian.Uint16(header[4:6]); v != logVersion {
			f.Close()
			return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidLog, v)
		}
	}

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek checkpoint log: %w", err)
	}
	return &Log{f: f}, nil
}

// Append writes one record. Failure here is fatal to the session: resume
// correctness depends on this log, so the caller must not treat it as a
// transient fault.
func (l *Log) Append(rec Record) error {
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}

	buf := make([]byte, recordLen)
	copy(buf[0:16], rec.Session[:])
	binary.BigEndian.PutUint64(buf[16:24], rec.ChunkID)
	buf[24] = rec.Status
	binary.BigEndian.PutUint64(buf[25:33], rec.Checksum)
	binary.BigEndian.PutUint64(buf[33:41], uint64(rec.Time.UnixMilli()))
	crc := crc32.Checksum(buf[:recordLen-4], crc32cTable)
	binary.BigEndian.PutUint32(buf[41:45], crc)

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.Write(buf); err != nil {
		return fmt.Errorf("append checkpoint record: %w", err)
	}
	l.appends++
	if l.appends%syncEvery == 0 {
		if err := l.f.Sync(); err != nil {
			return fmt.Errorf("sync checkpoint log: %w", err)
		}
	}
	return nil
}

// Load replays the log and returns the set of chunk IDs whose latest record
// is StatusCommitted or StatusDeleted. Chunk IDs are stable across runs, so
// records from any prior session count; the session in each record is kept
// as provenance only. A truncated or corrupt final record is discarded;
// corruption anywhere earlier is an error, since it means the log was
// damaged rather than interrupted.
func (l *Log) Load() (map[uint64]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	committed := make(map[uint64]Record)
	buf := make([]byte, recordLen)
	off := int64(headerLen)
	for {
		n, err := l.f.ReadAt(buf, off)
		if n < recordLen {
			if err == io.EOF {
				// n == 0 is a clean end; anything shorter than a full
				// record is a truncated tail from a crash mid-write and
				// is discarded.
				return committed, nil
			}
			return nil, fmt.Errorf("read checkpoint record: %w", err)
		}

		crc := crc32.Checksum(buf[:recordLen-4], crc32cTable)
		if crc != binary.BigEndian.Uint32(buf[recordLen-4:]) {
			// Only acceptable at the very tail.
			if _, err := l.f.ReadAt(make([]byte, 1), off+recordLen); err == io.EOF {
				return committed, nil
			}
			return nil, fmt.Errorf("%w: corrupt record at offset %d", ErrInvalidLog, off)
		}

		var rec Record
		copy(rec.Session[:], buf[0:16])
		rec.ChunkID = binary.BigEndian.Uint64(buf[16:24])
		rec.Status = buf[24]
		rec.Checksum = binary.BigEndian.Uint64(buf[25:33])
		rec.Time = time.UnixMilli(int64(binary.BigEndian.Uint64(buf[33:41])))

		switch rec.Status {
		case StatusCommitted, StatusDeleted:
			committed[rec.ChunkID] = rec
		case StatusInvalid:
			delete(committed, rec.ChunkID)
		}
		off += recordLen
	}
}

// Invalidate appends StatusInvalid records voiding the given chunks, used
// when destination drift is detected at resume and a path must be
// replanned.
func (l *Log) Invalidate(session [16]byte, chunkIDs []uint64) error {
	for _, id := range chunkIDs {
		if err := l.Append(Record{Session: session, ChunkID: id, Status: StatusInvalid}); err != nil {
			return err
		}
	}
	return nil
}

// Close syncs and closes the log.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.f.Sync(); err != nil {
		l.f.Close()
		return fmt.Errorf("sync checkpoint log: %w", err)
	}
	return l.f.Close()
}
