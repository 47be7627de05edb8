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
package analysis

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/hts/bgzf"
)

// Table is the summary exported by one aggregator.
type Table struct {
	Name    string
	Columns []string
	Rows    [][]string
}

// Append adds a row. The number of fields must match Columns.
func (t *Table) Append(fields ...string) {
	if len(fields) != len(t.Columns) {
		panic(fmt.Sprintf("table %s: row has %d fields, want %d", t.Name, len(fields), len(t.Columns)))
	}
	t.Rows = append(t.Rows, fields)
}

// Column returns the index of the named column, or -1.
func (t *Table) Column(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Sink receives the tables of a run. Upsert replaces any table previously
// stored under the same name.
type Sink interface {
	Upsert(ctx context.Context, t *Table) error
}

// MemSink keeps tables in memory. It is thread-safe.
type MemSink struct {
	mu     sync.Mutex
	tables map[string]*Table
}

// NewMemSink creates an empty MemSink.
func NewMemSink() *MemSink { return &MemSink{tables: map[string]*Table{}} }

// Upsert implements Sink.
func (s *MemSink) Upsert(_ context.Context, t *Table) error {
	s.mu.Lock()
	s.tables[t.Name] = t
	s.mu.Unlock()
	return nil
}

// Table returns the named table, or nil.
func (s *MemSink) Table(name string) *Table {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tables[name]
}

// TSVSink writes each table to <Prefix>.<name>.tsv, or to a bgzf-compressed
// <Prefix>.<name>.tsv.gz when BGZip is set. Paths may be S3 URLs.
type TSVSink struct {
	Prefix      string
	BGZip       bool
	Parallelism int
}

// Path returns the file a table with the given name is written to.
func (s *TSVSink) Path(name string) string {
	path := s.Prefix + "." + name + ".tsv"
	if s.BGZip {
		path += ".gz"
	}
	return path
}

// Upsert implements Sink.
func (s *TSVSink) Upsert(ctx context.Context, t *Table) (err error) {
	var out file.File
	if out, err = file.Create(ctx, s.Path(t.Name)); err != nil {
		return
	}
	defer file.CloseAndReport(ctx, out, &err)

	var w *tsv.Writer
	if !s.BGZip {
		w = tsv.NewWriter(out.Writer(ctx))
	} else {
		parallelism := s.Parallelism
		if parallelism <= 0 {
			parallelism = 1
		}
		bgzfWriter := bgzf.NewWriter(out.Writer(ctx), parallelism)
		w = tsv.NewWriter(bgzfWriter)
		defer func() {
			if e := bgzfWriter.Close(); e != nil && err == nil {
				err = e
			}
		}()
	}
	for _, c := range t.Columns {
		w.WriteString(c)
	}
	if err = w.EndLine(); err != nil {
		return
	}
	for _, row := range t.Rows {
		for _, f := range row {
			w.WriteString(f)
		}
		if err = w.EndLine(); err != nil {
			return
		}
	}
	return w.Flush()
}

func itoa(n int) string { return strconv.Itoa(n) }

func ftoa(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }
