package pager

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
)

// ───────────────────────────────────────────────────────────────────────────
// WAL file format
// ───────────────────────────────────────────────────────────────────────────
//
// The WAL is an append-only, physically-logged record stream. Every record
// carries the LSN of the record before it in the same transaction
// (PrevLSN), so undo can walk a transaction's chain backward without a
// separate index.
//
// WAL file header (first 32 bytes):
//   [0:8]   Magic       "NSWAL000"
//   [8:12]  Version     uint32 LE (currently 1)
//   [12:16] PageSize    uint32 LE
//   [16:24] Reserved    8 bytes
//   [24:28] HeaderCRC   uint32 LE (CRC of bytes 0:24)
//   [28:32] Padding     4 bytes
//
// WAL record (variable-length, follows header):
//   [0]     RecordType   (1 byte)
//   [1:4]   Reserved     (3 bytes)
//   [4:12]  LSN          (uint64 LE)
//   [12:20] PrevLSN      (uint64 LE) — previous record of the same transaction, 0 if none
//   [20:28] TxID         (uint64 LE)
//   [28:32] PageID       (uint32 LE) — target page for UPDATE/CLR, 0 otherwise
//   [32:36] Offset       (uint32 LE) — byte offset within the page for UPDATE/CLR
//   [36:40] BeforeLen    (uint32 LE) — length of the before-image
//   [40:44] AfterLen     (uint32 LE) — length of the after-image
//   [44:52] UndoNextLSN  (uint64 LE) — CLR only: next LSN to undo after this one
//   [52:56] PayloadLen   (uint32 LE) — CHECKPOINT only: serialized DPT+TT snapshot length
//   [56:60] RecordCRC    (uint32 LE) — CRC of header + variable data
//   [60:60+BeforeLen]                 BeforeImage
//   [60+BeforeLen:+AfterLen]          AfterImage
//   [...+PayloadLen]                  Payload
//
// Record kinds: BEGIN, UPDATE, CLR, COMMIT, ABORT, END, CHECKPOINT.

const (
	WALMagic       = "NSWAL000"
	WALVersion     = uint32(1)
	WALFileHdrSize = 32
	WALRecHdrSize  = 60
)

// WALRecordType identifies the kind of WAL record.
type WALRecordType uint8

const (
	WALRecordBegin      WALRecordType = 0x01
	WALRecordUpdate     WALRecordType = 0x02
	WALRecordCommit     WALRecordType = 0x03
	WALRecordAbort      WALRecordType = 0x04
	WALRecordCheckpoint WALRecordType = 0x05
	WALRecordCLR        WALRecordType = 0x06
	WALRecordEnd        WALRecordType = 0x07
)

func (rt WALRecordType) String() string {
	switch rt {
	case WALRecordBegin:
		return "BEGIN"
	case WALRecordUpdate:
		return "UPDATE"
	case WALRecordCommit:
		return "COMMIT"
	case WALRecordAbort:
		return "ABORT"
	case WALRecordCheckpoint:
		return "CHECKPOINT"
	case WALRecordCLR:
		return "CLR"
	case WALRecordEnd:
		return "END"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(rt))
	}
}

// WALRecord is an in-memory representation of a WAL record. Only the fields
// relevant to the record's Type are populated by callers; the rest are left
// zero.
type WALRecord struct {
	Type        WALRecordType
	LSN         LSN
	PrevLSN     LSN // previous record written by the same transaction
	TxID        TxID
	PageID      PageID
	Offset      uint32
	BeforeImage []byte // UPDATE: bytes overwritten; CLR: bytes restored from
	AfterImage  []byte // UPDATE: bytes written; CLR: bytes re-applied
	UndoNextLSN LSN    // CLR only: where undo should resume after this record
	Payload     []byte // CHECKPOINT only: serialized DPT+TT snapshot
}

// ───────────────────────────────────────────────────────────────────────────
// WAL writer/reader
// ───────────────────────────────────────────────────────────────────────────

// WALFile manages the append-only WAL file.
type WALFile struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	pageSize int
	nextLSN  LSN
	writePos int64 // current write offset — avoids Seek syscall
}

// OpenWALFile opens or creates a WAL file. If the file exists, it validates
// the header. If it does not exist, it writes a new header.
func OpenWALFile(path string, pageSize int) (*WALFile, error) {
	exists := true
	if _, err := os.Stat(path); os.IsNotExist(err) {
		exists = false
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open WAL: %w", err)
	}

	wf := &WALFile{f: f, path: path, pageSize: pageSize, nextLSN: 1}

	if exists {
		if err := wf.validateHeader(); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		if err := wf.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
	}

	endPos, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("seek WAL end: %w", err)
	}
	wf.writePos = endPos

	return wf, nil
}

func (wf *WALFile) writeHeader() error {
	var hdr [WALFileHdrSize]byte
	copy(hdr[0:8], WALMagic)
	binary.LittleEndian.PutUint32(hdr[8:12], WALVersion)
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(wf.pageSize))
	c := crc32.Checksum(hdr[:24], crcTable)
	binary.LittleEndian.PutUint32(hdr[24:28], c)
	if _, err := wf.f.WriteAt(hdr[:], 0); err != nil {
		return fmt.Errorf("write WAL header: %w", err)
	}
	return wf.f.Sync()
}

func (wf *WALFile) validateHeader() error {
	var hdr [WALFileHdrSize]byte
	n, err := wf.f.ReadAt(hdr[:], 0)
	if err != nil && err != io.EOF {
		return fmt.Errorf("read WAL header: %w", err)
	}
	if n < WALFileHdrSize {
		return fmt.Errorf("WAL header too short: %d bytes", n)
	}
	if string(hdr[0:8]) != WALMagic {
		return fmt.Errorf("bad WAL magic")
	}
	ver := binary.LittleEndian.Uint32(hdr[8:12])
	if ver != WALVersion {
		return fmt.Errorf("unsupported WAL version %d", ver)
	}
	ps := binary.LittleEndian.Uint32(hdr[12:16])
	if int(ps) != wf.pageSize {
		return fmt.Errorf("WAL page size %d != expected %d", ps, wf.pageSize)
	}
	stored := binary.LittleEndian.Uint32(hdr[24:28])
	computed := crc32.Checksum(hdr[:24], crcTable)
	if stored != computed {
		return fmt.Errorf("WAL header CRC mismatch")
	}
	return nil
}

// AppendRecord writes a WAL record and assigns it a monotonic LSN.
// Returns the assigned LSN.
func (wf *WALFile) AppendRecord(rec *WALRecord) (LSN, error) {
	wf.mu.Lock()
	defer wf.mu.Unlock()

	lsn := wf.nextLSN
	wf.nextLSN++
	rec.LSN = lsn

	data := marshalWALRecord(rec)
	n, err := wf.f.WriteAt(data, wf.writePos)
	if err != nil {
		return 0, fmt.Errorf("WAL append: %w", err)
	}
	wf.writePos += int64(n)
	return lsn, nil
}

// Sync fsyncs the WAL file to guarantee durability.
func (wf *WALFile) Sync() error {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	return wf.f.Sync()
}

// Close closes the WAL file.
func (wf *WALFile) Close() error {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	return wf.f.Close()
}

// Truncate resets the WAL file to just the header (after a checkpoint has
// made every earlier record unnecessary for recovery).
func (wf *WALFile) Truncate() error {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	if err := wf.f.Truncate(WALFileHdrSize); err != nil {
		return err
	}
	wf.writePos = WALFileHdrSize
	return wf.f.Sync()
}

// NextLSN returns the next LSN that will be assigned.
func (wf *WALFile) NextLSN() LSN {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	return wf.nextLSN
}

// SetNextLSN allows recovery to set the LSN counter.
func (wf *WALFile) SetNextLSN(lsn LSN) {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	wf.nextLSN = lsn
}

// ───────────────────────────────────────────────────────────────────────────
// Serialization
// ───────────────────────────────────────────────────────────────────────────

func marshalWALRecord(rec *WALRecord) []byte {
	beforeLen := len(rec.BeforeImage)
	afterLen := len(rec.AfterImage)
	payloadLen := len(rec.Payload)
	total := WALRecHdrSize + beforeLen + afterLen + payloadLen
	buf := make([]byte, total)

	buf[0] = byte(rec.Type)
	binary.LittleEndian.PutUint64(buf[4:12], uint64(rec.LSN))
	binary.LittleEndian.PutUint64(buf[12:20], uint64(rec.PrevLSN))
	binary.LittleEndian.PutUint64(buf[20:28], uint64(rec.TxID))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(rec.PageID))
	binary.LittleEndian.PutUint32(buf[32:36], rec.Offset)
	binary.LittleEndian.PutUint32(buf[36:40], uint32(beforeLen))
	binary.LittleEndian.PutUint32(buf[40:44], uint32(afterLen))
	binary.LittleEndian.PutUint64(buf[44:52], uint64(rec.UndoNextLSN))
	binary.LittleEndian.PutUint32(buf[52:56], uint32(payloadLen))
	// CRC placeholder at [56:60]

	off := WALRecHdrSize
	copy(buf[off:], rec.BeforeImage)
	off += beforeLen
	copy(buf[off:], rec.AfterImage)
	off += afterLen
	copy(buf[off:], rec.Payload)

	h := crc32.New(crcTable)
	h.Write(buf[:56])
	h.Write([]byte{0, 0, 0, 0})
	h.Write(buf[WALRecHdrSize:])
	binary.LittleEndian.PutUint32(buf[56:60], h.Sum32())
	return buf
}

func unmarshalWALRecord(r io.Reader) (*WALRecord, error) {
	var hdr [WALRecHdrSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	rec := &WALRecord{
		Type:    WALRecordType(hdr[0]),
		LSN:     LSN(binary.LittleEndian.Uint64(hdr[4:12])),
		PrevLSN: LSN(binary.LittleEndian.Uint64(hdr[12:20])),
		TxID:    TxID(binary.LittleEndian.Uint64(hdr[20:28])),
		PageID:  PageID(binary.LittleEndian.Uint32(hdr[28:32])),
		Offset:  binary.LittleEndian.Uint32(hdr[32:36]),
	}
	beforeLen := int(binary.LittleEndian.Uint32(hdr[36:40]))
	afterLen := int(binary.LittleEndian.Uint32(hdr[40:44]))
	rec.UndoNextLSN = LSN(binary.LittleEndian.Uint64(hdr[44:52]))
	payloadLen := int(binary.LittleEndian.Uint32(hdr[52:56]))
	storedCRC := binary.LittleEndian.Uint32(hdr[56:60])

	data := make([]byte, beforeLen+afterLen+payloadLen)
	if len(data) > 0 {
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, fmt.Errorf("WAL record data: %w", err)
		}
	}
	rec.BeforeImage = data[:beforeLen]
	rec.AfterImage = data[beforeLen : beforeLen+afterLen]
	rec.Payload = data[beforeLen+afterLen:]

	h := crc32.New(crcTable)
	h.Write(hdr[:56])
	h.Write([]byte{0, 0, 0, 0})
	if len(data) > 0 {
		h.Write(data)
	}
	if h.Sum32() != storedCRC {
		return nil, fmt.Errorf("WAL record CRC mismatch at LSN %d", rec.LSN)
	}

	return rec, nil
}

// ReadAllRecords reads all WAL records from the file (after the header),
// in forward LSN order. Partial/corrupt records at the tail are silently
// ignored (crash truncation never leaves a half-written record durable).
func ReadAllRecords(path string) ([]*WALRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if _, err := f.Seek(WALFileHdrSize, io.SeekStart); err != nil {
		return nil, err
	}

	var records []*WALRecord
	for {
		rec, err := unmarshalWALRecord(f)
		if err != nil {
			break
		}
		records = append(records, rec)
	}
	return records, nil
}
