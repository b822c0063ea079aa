/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
Modification Log
================

The file backend persists every write to an append-only log before it is
applied to the in-memory tree. On Start the last snapshot is loaded and the
log is replayed on top of it, rebuilding the tree exactly as it was.

Log File Format:
================

The file starts with an 8 byte header followed by records:

	┌────────────┬─────────────┬──────────────┐
	│ Magic (4B) │ Version (1B)│ Reserved (3B)│
	└────────────┴─────────────┴──────────────┘

	┌──────────┬─────────────┬────────────┬─────────────────────────────┐
	│ Kind (1B)│ Length (4B) │ CRC32 (4B) │ Payload (CBOR modifications)│
	└──────────┴─────────────┴────────────┴─────────────────────────────┘

	- Kind: record type, currently always 1 (modification batch)
	- Length: payload length in bytes (big-endian uint32)
	- CRC32: IEEE checksum of the payload
	- Payload: the modifications of one write, in order

One record holds one write, so a batch applied with Apply is replayed all
or nothing.

Crash Recovery:
===============

A record cut short by a crash is detected on replay; the log is truncated
at the last complete record. A complete record with a bad checksum is
corruption and fails the replay.
*/
package file

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	serrors "treestore/internal/errors"
	"treestore/internal/store"
)

const (
	// logMagic identifies modification log files ("TSWL").
	logMagic uint32 = 0x5453574C

	logVersion byte = 1

	logHeaderSize = 8

	// recordModifications is the kind of a record holding one write.
	recordModifications byte = 1

	recordHeaderSize = 9
)

// Log is an append-only modification log.
//
// Thread Safety: All methods are safe for concurrent use.
type Log struct {
	path string
	file *os.File
	mu   sync.Mutex
}

// OpenLog opens or creates the log at path.
//
// Parameters:
//   - path: Path to the log file (created with its directory if missing)
//
// Returns the log positioned for appending, or an error if the file
// cannot be opened or carries an unknown header.
func OpenLog(path string) (*Log, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, serrors.IOFailure("create log directory", err).WithDetail(dir)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, serrors.IOFailure("open log", err).WithDetail(path)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, serrors.IOFailure("stat log", err)
	}
	if info.Size() == 0 {
		if err := writeLogHeader(f); err != nil {
			f.Close()
			return nil, serrors.IOFailure("write log header", err)
		}
	} else if err := validateLogHeader(f); err != nil {
		f.Close()
		return nil, err
	}

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, serrors.IOFailure("seek log", err)
	}
	return &Log{path: path, file: f}, nil
}

func writeLogHeader(f *os.File) error {
	header := make([]byte, logHeaderSize)
	binary.BigEndian.PutUint32(header[0:4], logMagic)
	header[4] = logVersion
	_, err := f.WriteAt(header, 0)
	return err
}

func validateLogHeader(f *os.File) error {
	header := make([]byte, logHeaderSize)
	if _, err := f.ReadAt(header, 0); err != nil {
		return serrors.CorruptLog("short header").WithCause(err)
	}
	if magic := binary.BigEndian.Uint32(header[0:4]); magic != logMagic {
		return serrors.CorruptLog(fmt.Sprintf("bad magic %#x", magic))
	}
	if v := header[4]; v > logVersion {
		return serrors.CorruptLog(fmt.Sprintf("log version %d is newer than supported version %d", v, logVersion))
	}
	return nil
}

// Append writes mods as one record.
func (l *Log) Append(mods []store.Modification) error {
	payload, err := store.MarshalModifications(mods)
	if err != nil {
		return err
	}

	buf := make([]byte, recordHeaderSize+len(payload))
	buf[0] = recordModifications
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)))
	binary.BigEndian.PutUint32(buf[5:9], crc32.ChecksumIEEE(payload))
	copy(buf[recordHeaderSize:], payload)

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(buf); err != nil {
		return serrors.IOFailure("append log", err)
	}
	return nil
}

// Sync flushes written records to stable storage.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Sync()
}

// Size returns the size of the log file in bytes, header included.
func (l *Log) Size() (int64, error) {
	info, err := l.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Replay reads every record from the start of the log and calls fn with
// its modifications. A torn record at the tail is truncated away.
//
// Returns the number of records replayed.
func (l *Log) Replay(fn func([]store.Modification) error) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Seek(logHeaderSize, io.SeekStart); err != nil {
		return 0, serrors.IOFailure("seek log", err)
	}
	reader := bufio.NewReader(l.file)
	offset := int64(logHeaderSize)
	count := 0

	for {
		header := make([]byte, recordHeaderSize)
		_, err := io.ReadFull(reader, header)
		if err == io.EOF {
			break
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return count, l.truncateAt(offset)
		}
		if err != nil {
			return count, serrors.IOFailure("read log", err)
		}
		if header[0] != recordModifications {
			return count, serrors.CorruptLog(fmt.Sprintf("unknown record kind %d at offset %d", header[0], offset))
		}

		size := binary.BigEndian.Uint32(header[1:5])
		if size > store.MaxRecordSize {
			return count, serrors.CorruptLog(fmt.Sprintf("record of %d bytes at offset %d", size, offset))
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(reader, payload); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || err == io.EOF {
				return count, l.truncateAt(offset)
			}
			return count, serrors.IOFailure("read log", err)
		}
		if crc32.ChecksumIEEE(payload) != binary.BigEndian.Uint32(header[5:9]) {
			return count, serrors.CorruptLog(fmt.Sprintf("checksum mismatch at offset %d", offset))
		}

		mods, err := store.UnmarshalModifications(payload)
		if err != nil {
			return count, serrors.CorruptLog(fmt.Sprintf("undecodable record at offset %d", offset)).WithCause(err)
		}
		if err := fn(mods); err != nil {
			return count, err
		}
		offset += int64(recordHeaderSize) + int64(size)
		count++
	}

	if _, err := l.file.Seek(0, io.SeekEnd); err != nil {
		return count, serrors.IOFailure("seek log", err)
	}
	return count, nil
}

// truncateAt drops a partial record starting at offset.
func (l *Log) truncateAt(offset int64) error {
	if err := l.file.Truncate(offset); err != nil {
		return serrors.IOFailure("truncate torn record", err)
	}
	if _, err := l.file.Seek(offset, io.SeekStart); err != nil {
		return serrors.IOFailure("seek log", err)
	}
	return nil
}

// Reset discards every record, keeping the header.
func (l *Log) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Truncate(logHeaderSize); err != nil {
		return serrors.IOFailure("truncate log", err)
	}
	if _, err := l.file.Seek(0, io.SeekEnd); err != nil {
		return serrors.IOFailure("seek log", err)
	}
	return l.file.Sync()
}

// Close closes the log file.
func (l *Log) Close() error {
	return l.file.Close()
}
