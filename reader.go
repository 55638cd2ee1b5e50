// reader.go: Streaming and batch reads of engine-written files
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package cellary

import (
	"bytes"
	"errors"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
)

const defaultReadChunkSize = 64 * 1024

// Stream lazily yields entries from one file written by the engine. It is
// finite and not restartable: a fresh StreamEntries call reopens the file
// from the start. Usage follows the scanner idiom:
//
//	stream, err := engine.StreamEntries(path)
//	if err != nil { ... }
//	defer stream.Close()
//	for stream.Next() {
//		entry := stream.Entry()
//		...
//	}
//	if err := stream.Err(); err != nil { ... }
type Stream struct {
	file *os.File
	src  io.Reader

	chunkSize int
	decrypt   keyLookup

	carry   []byte
	lines   [][]byte
	entry   Entry
	eof     bool
	err     error
	skipped []error
}

func newStream(path string, chunkSize int, decrypt keyLookup) (*Stream, error) {
	if chunkSize <= 0 {
		chunkSize = defaultReadChunkSize
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	var src io.Reader = file
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(file)
		if err != nil {
			_ = file.Close()
			return nil, err
		}
		src = zr
	}

	return &Stream{
		file:      file,
		src:       src,
		chunkSize: chunkSize,
		decrypt:   decrypt,
	}, nil
}

// Next advances to the next decodable entry. Lines that fail to decode are
// skipped and recorded, never fatal; Next returns false only at end of
// input or on an I/O error.
func (s *Stream) Next() bool {
	for {
		if len(s.lines) > 0 {
			line := s.lines[0]
			s.lines = s.lines[1:]
			if len(line) == 0 {
				continue
			}
			entry, err := s.decodeLine(line)
			if err != nil {
				s.skipped = append(s.skipped, err)
				continue
			}
			s.entry = entry
			return true
		}

		if s.eof {
			if len(s.carry) == 0 {
				return false
			}
			// Final fragment without a trailing newline.
			s.lines = append(s.lines, s.carry)
			s.carry = nil
			continue
		}

		if !s.fill() {
			return false
		}
	}
}

// fill reads one chunk, appends it to the carry-over buffer and splits out
// complete lines. The final (possibly incomplete) fragment is held back for
// the next chunk.
func (s *Stream) fill() bool {
	buf := make([]byte, s.chunkSize)
	n, err := s.src.Read(buf)
	if n > 0 {
		s.carry = append(s.carry, buf[:n]...)
		for {
			idx := bytes.IndexByte(s.carry, '\n')
			if idx < 0 {
				break
			}
			line := make([]byte, idx)
			copy(line, s.carry[:idx])
			s.lines = append(s.lines, line)
			s.carry = s.carry[idx+1:]
		}
	}
	if err == io.EOF {
		s.eof = true
		return true
	}
	if err != nil {
		s.err = err
		return false
	}
	return true
}

// decodeLine turns one stored line into an entry: frame unescaping and
// envelope decryption when a keyring is configured, then structural
// deserialization with timestamp restoration.
func (s *Stream) decodeLine(line []byte) (Entry, error) {
	payload := line
	if s.decrypt != nil {
		unescaped, err := unescapeFrame(line)
		if err != nil {
			return Entry{}, err
		}
		plain, err := decodeEnvelope(unescaped, s.decrypt)
		if err != nil {
			return Entry{}, err
		}
		payload = plain
	}
	return ParseEntry(payload)
}

// Entry returns the entry produced by the last successful Next.
func (s *Stream) Entry() Entry { return s.entry }

// Err returns the terminal I/O error, if any. Per-line decode failures are
// not terminal; see Skipped.
func (s *Stream) Err() error { return s.err }

// Skipped returns the recoverable decode errors recorded so far.
func (s *Stream) Skipped() []error { return s.skipped }

// Close releases the underlying file.
func (s *Stream) Close() error {
	if zr, ok := s.src.(*gzip.Reader); ok {
		_ = zr.Close()
	}
	return s.file.Close()
}

// BatchOptions controls ReadBatch.
type BatchOptions struct {
	// BatchSize is the path group size and, under sequential reads, the
	// entry count at which reading stops early. Zero means one group, no
	// early stop.
	BatchSize int

	// Parallel reads path groups concurrently.
	Parallel bool

	// Filter keeps only entries for which it returns true. Nil keeps all.
	Filter func(Entry) bool
}

// readAll collects every entry of one file in append order.
func readAll(path string, chunkSize int, decrypt keyLookup) ([]Entry, error) {
	stream, err := newStream(path, chunkSize, decrypt)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var entries []Entry
	for stream.Next() {
		entries = append(entries, stream.Entry())
	}
	return entries, stream.Err()
}

// readBatch reads multiple files and returns the union of their entries
// sorted ascending by timestamp. The stable sort preserves per-file append
// order on equal timestamps.
func readBatch(paths []string, opts BatchOptions, chunkSize int, decrypt keyLookup) ([]Entry, error) {
	groupSize := opts.BatchSize
	if groupSize <= 0 {
		groupSize = len(paths)
	}
	var groups [][]string
	for start := 0; start < len(paths); start += groupSize {
		end := start + groupSize
		if end > len(paths) {
			end = len(paths)
		}
		groups = append(groups, paths[start:end])
	}

	perGroup := make([][]Entry, len(groups))
	groupErrs := make([]error, len(groups))

	readGroup := func(i int) {
		var collected []Entry
		for _, path := range groups[i] {
			entries, err := readAll(path, chunkSize, decrypt)
			if err != nil {
				groupErrs[i] = errors.Join(groupErrs[i], err)
				continue
			}
			for _, entry := range entries {
				if opts.Filter == nil || opts.Filter(entry) {
					collected = append(collected, entry)
				}
			}
		}
		perGroup[i] = collected
	}

	if opts.Parallel {
		var wg sync.WaitGroup
		for i := range groups {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				readGroup(i)
			}(i)
		}
		wg.Wait()
	} else {
		collected := 0
		for i := range groups {
			readGroup(i)
			collected += len(perGroup[i])
			// Sequential mode stops early once enough entries arrived.
			if opts.BatchSize > 0 && collected >= opts.BatchSize {
				break
			}
		}
	}

	var merged []Entry
	var errs error
	for i := range groups {
		merged = append(merged, perGroup[i]...)
		errs = errors.Join(errs, groupErrs[i])
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})
	return merged, errs
}

// validateEncryption decodes every line of a file and returns the
// aggregate list of per-line failures. A readable, fully decodable file
// yields an empty list.
func validateEncryption(path string, chunkSize int, decrypt keyLookup) []error {
	stream, err := newStream(path, chunkSize, decrypt)
	if err != nil {
		return []error{err}
	}
	defer stream.Close()

	for stream.Next() {
	}
	failures := stream.Skipped()
	if err := stream.Err(); err != nil {
		failures = append(failures, err)
	}
	return failures
}
