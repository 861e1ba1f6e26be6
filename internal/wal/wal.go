// Package wal implements the append-only transactional page log.
//
// File layout: a 32-byte header ("TSWALV1", page size at offset 16),
// followed by records. Each record is a 20-byte header
// [type:4][txid:4][page:4][len:4][checksum:4] (little-endian) plus len
// payload bytes. Page records carry a full page image; Begin and Commit
// carry none. A transaction's frames are durable iff its Commit record
// survives: everything after a torn or unknown record is ignored.
package wal

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"bpstore/internal/base"
)

const (
	HeaderSize       = 32
	RecordHeaderSize = 20

	RecordBegin  uint32 = 0
	RecordPage   uint32 = 1
	RecordCommit uint32 = 2

	magicPageSizeOffset = 16
)

var magic = []byte("TSWALV1")

// frame is one staged page image awaiting commit.
type frame struct {
	page base.PageID
	data []byte
}

// WAL is the write-ahead log. Staged frames live in memory between Begin and
// Commit; only Commit touches the staged pages onto disk.
type WAL struct {
	mu          sync.Mutex
	file        *os.File
	path        string
	pageSize    int
	groupCommit bool
	nextTxID    uint32
	staged      map[uint32][]frame

	commits     atomic.Uint64
	checkpoints atomic.Uint64
}

// Open opens or creates the log at path, writing a fresh header when the
// file is empty or shorter than one header.
func Open(path string, pageSize int, groupCommit bool) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}
	w := &WAL{
		file:        f,
		path:        path,
		pageSize:    pageSize,
		groupCommit: groupCommit,
		nextTxID:    1,
		staged:      make(map[uint32][]frame),
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() < HeaderSize {
		if err := w.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
		return w, nil
	}

	header := make([]byte, HeaderSize)
	if _, err := f.ReadAt(header, 0); err != nil {
		f.Close()
		return nil, err
	}
	if !bytes.Equal(header[:len(magic)], magic) {
		f.Close()
		return nil, fmt.Errorf("%w: bad log magic", base.ErrCorruptWAL)
	}
	if got := binary.LittleEndian.Uint32(header[magicPageSizeOffset:]); int(got) != pageSize {
		f.Close()
		return nil, fmt.Errorf("%w: log page size %d, configured %d", base.ErrCorruptWAL, got, pageSize)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

func (w *WAL) writeHeader() error {
	header := make([]byte, HeaderSize)
	copy(header, magic)
	binary.LittleEndian.PutUint32(header[magicPageSizeOffset:], uint32(w.pageSize))
	if err := w.file.Truncate(0); err != nil {
		return err
	}
	if _, err := w.file.WriteAt(header, 0); err != nil {
		return err
	}
	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	return w.file.Sync()
}

// checksum is the bytewise sum of the payload, truncated to 32 bits. Zero
// for empty payloads.
func checksum(payload []byte) uint32 {
	var sum uint32
	for _, b := range payload {
		sum += uint32(b)
	}
	return sum
}

func (w *WAL) appendRecord(recordType, txID uint32, page base.PageID, payload []byte) error {
	header := make([]byte, RecordHeaderSize)
	binary.LittleEndian.PutUint32(header[0:], recordType)
	binary.LittleEndian.PutUint32(header[4:], txID)
	binary.LittleEndian.PutUint32(header[8:], page)
	binary.LittleEndian.PutUint32(header[12:], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[16:], checksum(payload))
	if _, err := w.file.Write(header); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.file.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// Begin starts a transaction: appends a Begin record and registers a staging
// buffer. Transaction IDs are a monotone counter starting at 1.
func (w *WAL) Begin() (uint32, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	txID := w.nextTxID
	w.nextTxID++
	if err := w.appendRecord(RecordBegin, txID, 0, nil); err != nil {
		return 0, err
	}
	w.staged[txID] = nil
	return txID, nil
}

// StagePage copies the page image into the transaction's staging buffer.
// Nothing reaches disk until Commit.
func (w *WAL) StagePage(txID uint32, page base.PageID, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.staged[txID]; !ok {
		return fmt.Errorf("stage: unknown transaction %d", txID)
	}
	if len(data) != w.pageSize {
		return fmt.Errorf("stage: frame is %d bytes, page size is %d", len(data), w.pageSize)
	}
	img := make([]byte, w.pageSize)
	copy(img, data)
	w.staged[txID] = append(w.staged[txID], frame{page: page, data: img})
	return nil
}

// Commit writes the staged frames as Page records followed by a Commit
// record, then fsyncs unless group commit is on.
func (w *WAL) Commit(txID uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	frames, ok := w.staged[txID]
	if !ok {
		return fmt.Errorf("commit: unknown transaction %d", txID)
	}
	for _, fr := range frames {
		if err := w.appendRecord(RecordPage, txID, fr.page, fr.data); err != nil {
			return err
		}
	}
	if err := w.appendRecord(RecordCommit, txID, 0, nil); err != nil {
		return err
	}
	delete(w.staged, txID)
	w.commits.Add(1)
	if w.groupCommit {
		return nil
	}
	return w.file.Sync()
}

// Rollback drops the staged frames. The Begin record stays in the log;
// replay ignores transactions without a Commit.
func (w *WAL) Rollback(txID uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.staged, txID)
}

// Replay scans the log, applies every committed transaction's frames in
// commit order, calls sync so the applied pages are durable, and only then
// truncates the log back to its header.
//
// A record with an incomplete header, an unreadable payload, an unknown
// type, or a Page payload that is not exactly one page terminates the scan:
// that is the torn tail, not an error. A checksum mismatch drops that single
// frame and keeps scanning.
func (w *WAL) Replay(apply func(base.PageID, []byte) error, sync func() error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	info, err := w.file.Stat()
	if err != nil {
		return err
	}
	if info.Size() < HeaderSize {
		return w.writeHeader()
	}

	size := info.Size()
	offset := int64(HeaderSize)
	header := make([]byte, RecordHeaderSize)
	inflight := make(map[uint32][]frame)
	var committed []frame

scan:
	for {
		if offset+RecordHeaderSize > size {
			break
		}
		if _, err := w.file.ReadAt(header, offset); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}
		recordType := binary.LittleEndian.Uint32(header[0:])
		txID := binary.LittleEndian.Uint32(header[4:])
		page := binary.LittleEndian.Uint32(header[8:])
		payloadLen := int64(binary.LittleEndian.Uint32(header[12:]))
		sum := binary.LittleEndian.Uint32(header[16:])
		offset += RecordHeaderSize

		switch recordType {
		case RecordBegin:
			inflight[txID] = nil

		case RecordPage:
			if payloadLen != int64(w.pageSize) || offset+payloadLen > size {
				break scan
			}
			payload := make([]byte, payloadLen)
			if _, err := w.file.ReadAt(payload, offset); err != nil {
				break scan
			}
			offset += payloadLen
			if checksum(payload) != sum {
				// Damaged frame; the rest of the log is still readable.
				continue
			}
			inflight[txID] = append(inflight[txID], frame{page: page, data: payload})

		case RecordCommit:
			committed = append(committed, inflight[txID]...)
			delete(inflight, txID)

		default:
			break scan
		}
	}

	for _, fr := range committed {
		if err := apply(fr.page, fr.data); err != nil {
			return err
		}
	}
	if len(committed) > 0 && sync != nil {
		if err := sync(); err != nil {
			return err
		}
	}

	if err := w.file.Truncate(HeaderSize); err != nil {
		return err
	}
	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	return w.file.Sync()
}

// Checkpoint calls sync so the data file is durable, then truncates the log
// to its header. Callers flush the buffer pool first, and every flush writes
// its committed frame through to the data file, so the logged frames are not
// reapplied and apply is not called: a page rewritten outside the log after
// its last commit, such as a freed page holding a free-list link, keeps its
// current bytes.
func (w *WAL) Checkpoint(apply func(base.PageID, []byte) error, sync func() error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if sync != nil {
		if err := sync(); err != nil {
			return err
		}
	}
	if err := w.file.Truncate(HeaderSize); err != nil {
		return err
	}
	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	w.checkpoints.Add(1)
	return w.file.Sync()
}

// Reset recreates an empty log with a fresh header.
func (w *WAL) Reset() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.staged = make(map[uint32][]frame)
	return w.writeHeader()
}

// Sync forces an fsync regardless of the group-commit mode.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Sync()
}

// Size returns the current log size in bytes.
func (w *WAL) Size() (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	info, err := w.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Counters returns transactions committed and checkpoints run since open.
func (w *WAL) Counters() (commits, checkpoints uint64) {
	return w.commits.Load(), w.checkpoints.Load()
}

// Close syncs and closes the log file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}
