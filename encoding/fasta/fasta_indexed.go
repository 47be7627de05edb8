// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package fasta

import (
	"bufio"
	"context"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/grailbio/base/file"
	"github.com/pkg/errors"
)

// One line of a .fai file: "<name>\t<length>\t<offset>\t<bases per line>\t<bytes per line>".
type indexEntry struct {
	length    uint64
	offset    uint64
	lineBase  uint64
	lineWidth uint64
}

type indexedFasta struct {
	seqs     map[string]indexEntry
	seqNames []string

	mu     sync.Mutex
	reader io.ReadSeeker
	buf    []byte
}

func parseIndex(index io.Reader) (map[string]indexEntry, []string, error) {
	seqs := make(map[string]indexEntry)
	var names []string
	scanner := bufio.NewScanner(index)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		cols := strings.Split(line, "\t")
		if len(cols) < 5 {
			return nil, nil, errors.Errorf("invalid index line: %s", line)
		}
		var (
			ent indexEntry
			err error
		)
		for i, dst := range []*uint64{&ent.length, &ent.offset, &ent.lineBase, &ent.lineWidth} {
			if *dst, err = strconv.ParseUint(cols[i+1], 10, 64); err != nil {
				return nil, nil, errors.Wrapf(err, "invalid index line: %s", line)
			}
		}
		if ent.lineBase == 0 || ent.lineWidth < ent.lineBase {
			return nil, nil, errors.Errorf("invalid line geometry in index line: %s", line)
		}
		if _, ok := seqs[cols[0]]; ok {
			return nil, nil, errors.Errorf("duplicate sequence in index: %s", cols[0])
		}
		seqs[cols[0]] = ent
		names = append(names, cols[0])
	}
	return seqs, names, errors.Wrap(scanner.Err(), "reading FASTA index")
}

// NewIndexed creates a new Fasta that can perform efficient random lookups
// using the provided index, without reading the data into memory.
func NewIndexed(fasta io.ReadSeeker, index io.Reader) (Fasta, error) {
	seqs, names, err := parseIndex(index)
	if err != nil {
		return nil, err
	}
	return &indexedFasta{seqs: seqs, seqNames: names, reader: fasta}, nil
}

// Len implements Fasta.Len().
func (f *indexedFasta) Len(seqName string) (uint64, error) {
	ent, ok := f.seqs[seqName]
	if !ok {
		return 0, errors.Errorf("sequence not found in index: %s", seqName)
	}
	return ent.length, nil
}

// Get implements Fasta.Get().
func (f *indexedFasta) Get(seqName string, start, end uint64) (string, error) {
	if end <= start {
		return "", errors.Errorf("start must be less than end")
	}
	ent, ok := f.seqs[seqName]
	if !ok {
		return "", errors.Errorf("sequence not found in index: %s", seqName)
	}
	if end > ent.length {
		return "", errors.Errorf("end is past end of sequence %s: %d", seqName, ent.length)
	}
	// File offsets of the first and last requested base, accounting for the
	// line terminators between them.
	first := ent.offset + (start/ent.lineBase)*ent.lineWidth + start%ent.lineBase
	last := ent.offset + ((end-1)/ent.lineBase)*ent.lineWidth + (end-1)%ent.lineBase

	f.mu.Lock()
	defer f.mu.Unlock()
	n := int(last - first + 1)
	if cap(f.buf) < n {
		f.buf = make([]byte, n)
	}
	f.buf = f.buf[:n]
	if _, err := f.reader.Seek(int64(first), io.SeekStart); err != nil {
		return "", errors.Wrapf(err, "seek to offset %d", first)
	}
	if _, err := io.ReadFull(f.reader, f.buf); err != nil {
		return "", errors.Wrap(err, "unexpected end of FASTA data (bad index?)")
	}
	var sb strings.Builder
	sb.Grow(int(end - start))
	col := start % ent.lineBase
	for i := 0; i < n; {
		if col == ent.lineBase {
			// Skip the line terminator.
			i += int(ent.lineWidth - ent.lineBase)
			col = 0
			continue
		}
		sb.WriteByte(f.buf[i])
		i++
		col++
	}
	return sb.String(), nil
}

// SeqNames implements Fasta.SeqNames().
func (f *indexedFasta) SeqNames() []string {
	return f.seqNames
}

// IndexedFile is an indexed FASTA opened through the file package, so the
// data may live on local disk or S3.
type IndexedFile struct {
	Fasta
	in file.File
}

// OpenIndexed opens the FASTA file at path using the .fai file at indexPath.
// The caller must Close the result.
func OpenIndexed(ctx context.Context, path, indexPath string) (*IndexedFile, error) {
	idx, err := file.Open(ctx, indexPath)
	if err != nil {
		return nil, err
	}
	seqs, names, err := parseIndex(idx.Reader(ctx))
	if e := idx.Close(ctx); e != nil && err == nil {
		err = e
	}
	if err != nil {
		return nil, err
	}
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	fa := &indexedFasta{seqs: seqs, seqNames: names, reader: in.Reader(ctx)}
	return &IndexedFile{Fasta: fa, in: in}, nil
}

// Close releases the underlying file.
func (f *IndexedFile) Close(ctx context.Context) error {
	return f.in.Close(ctx)
}
