package storage

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
)

// LogRecordType identifies the kind of write-ahead log entry.
type LogRecordType uint8

const (
	LogRecordInsert LogRecordType = iota
	LogRecordUpdate
	LogRecordDelete
	LogRecordCheckpoint
	LogRecordCommit
	LogRecordAbort
)

// LogRecord is a single WAL entry. The transaction manager appends Commit
// and Abort records as part of its own state transitions; Insert/Update/
// Delete records carry enough information to redo a page mutation.
type LogRecord struct {
	LSN     uint64
	Type    LogRecordType
	TxnID   uint64
	PageID  PageID
	Data    []byte
	PrevLSN uint64
}

// WAL is the append-only write-ahead log backing durability for page
// mutations and transaction commit/abort decisions.
type WAL struct {
	file       *os.File
	mu         sync.Mutex
	currentLSN uint64
}

// NewWAL opens (or creates) the log file at path, resuming LSN assignment
// from its current length.
func NewWAL(path string) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	pos, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to seek WAL file: %w", err)
	}

	return &WAL{
		file:       file,
		currentLSN: uint64(pos),
	}, nil
}

// Append writes a log record and returns its assigned LSN.
func (w *WAL) Append(record *LogRecord) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.currentLSN++
	record.LSN = w.currentLSN

	data := w.serializeRecord(record)

	if _, err := w.file.Write(data); err != nil {
		return 0, fmt.Errorf("failed to write WAL record: %w", err)
	}

	return record.LSN, nil
}

// recordHeaderSize is the fixed-width prefix of a serialized record:
// LSN(8) Type(1) TxnID(8) PageID(8) PrevLSN(8) DataLen(4).
const recordHeaderSize = 37

func (w *WAL) serializeRecord(record *LogRecord) []byte {
	dataLen := len(record.Data)
	buf := make([]byte, recordHeaderSize+dataLen)

	binary.LittleEndian.PutUint64(buf[0:8], record.LSN)
	buf[8] = byte(record.Type)
	binary.LittleEndian.PutUint64(buf[9:17], record.TxnID)
	binary.LittleEndian.PutUint64(buf[17:25], uint64(record.PageID))
	binary.LittleEndian.PutUint64(buf[25:33], record.PrevLSN)
	binary.LittleEndian.PutUint32(buf[33:37], uint32(dataLen))
	copy(buf[recordHeaderSize:], record.Data)

	return buf
}

func (w *WAL) deserializeRecord(data []byte) (*LogRecord, error) {
	if len(data) < recordHeaderSize {
		return nil, fmt.Errorf("invalid WAL record: too short")
	}

	record := &LogRecord{
		LSN:     binary.LittleEndian.Uint64(data[0:8]),
		Type:    LogRecordType(data[8]),
		TxnID:   binary.LittleEndian.Uint64(data[9:17]),
		PageID:  PageID(binary.LittleEndian.Uint64(data[17:25])),
		PrevLSN: binary.LittleEndian.Uint64(data[25:33]),
	}

	dataLen := binary.LittleEndian.Uint32(data[33:37])
	if len(data) < recordHeaderSize+int(dataLen) {
		return nil, fmt.Errorf("invalid WAL record: data truncated")
	}

	record.Data = make([]byte, dataLen)
	copy(record.Data, data[recordHeaderSize:recordHeaderSize+int(dataLen)])

	return record, nil
}

// Flush forces buffered writes to stable storage.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.file.Sync()
}

// Replay reads every record currently in the log, in append order.
func (w *WAL) Replay() ([]*LogRecord, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek WAL: %w", err)
	}

	records := make([]*LogRecord, 0)
	header := make([]byte, recordHeaderSize)

	for {
		n, err := w.file.Read(header)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read WAL record header: %w", err)
		}
		if n < recordHeaderSize {
			break
		}

		dataLen := binary.LittleEndian.Uint32(header[33:37])

		full := make([]byte, recordHeaderSize+int(dataLen))
		copy(full[:recordHeaderSize], header)

		if dataLen > 0 {
			if _, err := io.ReadFull(w.file, full[recordHeaderSize:]); err != nil {
				return nil, fmt.Errorf("failed to read WAL record data: %w", err)
			}
		}

		record, err := w.deserializeRecord(full)
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize WAL record: %w", err)
		}

		records = append(records, record)
	}

	w.file.Seek(0, io.SeekEnd)

	return records, nil
}

// Checkpoint writes and flushes a checkpoint record.
func (w *WAL) Checkpoint() error {
	record := &LogRecord{Type: LogRecordCheckpoint}

	if _, err := w.Append(record); err != nil {
		return err
	}

	return w.Flush()
}

// Truncate accepts an LSN boundary and always returns nil. It discards no
// records and does not shorten the physical log file; Replay still returns
// every record ever appended.
func (w *WAL) Truncate(beforeLSN uint64) error {
	return nil
}

// Close flushes and closes the log file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Sync(); err != nil {
		return err
	}

	return w.file.Close()
}
