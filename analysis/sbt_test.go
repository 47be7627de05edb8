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
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/seqscan/encoding/fasta"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"github.com/klauspost/compress/gzip"
)

const (
	mate1 = sam.Paired | sam.Read1
	mate2 = sam.Paired | sam.Read2
)

type sbtFixture struct {
	t *testing.T
	h *sam.Header
	f fasta.Fasta
}

// newSBTFixture creates three identical references.
func newSBTFixture(t *testing.T) *sbtFixture {
	h, f := testGenome(t, testRef{"1|RefA", testBases}, testRef{"2|RefB", testBases}, testRef{"3|RefC", testBases})
	return &sbtFixture{t, h, f}
}

// hit returns a perfect alignment of read name to the ref'th reference.
func (x *sbtFixture) hit(name string, ref int, flags sam.Flags) *sam.Record {
	r := newRead(x.t, name, x.h.Refs()[ref], 0, "8M", testBases[:8], 30)
	r.Flags = flags
	return r
}

func (x *sbtFixture) run(opts Opts, recs ...*sam.Record) (*SequenceBasedTypingAggregator, *Table) {
	t, h, f := x.t, x.h, x.f
	sbt := NewSequenceBasedTypingAggregator(opts)
	sink := runIterator(t, h, f, recs, opts, sbt)
	table := sink.Table(SBTTable)
	assert.NotNil(t, table)
	return sbt, table
}

func sbtRows(table *Table) map[string][]string {
	rows := map[string][]string{}
	for _, row := range table.Rows {
		rows[row[0]] = row[1:]
	}
	return rows
}

func TestSBTMateIntersection(t *testing.T) {
	x := newSBTFixture(t)
	recs := []*sam.Record{
		x.hit("p1", 0, mate1),
		x.hit("p1", 1, mate1|sam.Secondary),
		x.hit("p1", 1, mate2),
		x.hit("p1", 2, mate2|sam.Secondary),
	}
	sbt, table := x.run(DefaultOpts, recs...)
	expect.EQ(t, sbt.Stats().AlignmentsHelpedByMate, 1)
	expect.EQ(t, sbt.Stats().PairedCalls, 1)
	expect.EQ(t, sbt.Stats().AlignmentsInspected, 4)

	rows := sbtRows(table)
	expect.EQ(t, len(rows), 2)
	expect.EQ(t, rows["2|RefB"], []string{"1", "1", "1", "1"})
	expect.EQ(t, rows[""], []string{"0", "", "", ""})
	// The unaligned row comes last.
	expect.EQ(t, table.Rows[len(table.Rows)-1][0], "")
}

func TestSBTPairsWithoutSharedHits(t *testing.T) {
	x := newSBTFixture(t)
	recs := []*sam.Record{
		x.hit("p1", 0, mate1),
		x.hit("p1", 1, mate2),
	}
	sbt, table := x.run(DefaultOpts, recs...)
	expect.EQ(t, sbt.Stats().PairsWithoutSharedHits, 1)
	expect.EQ(t, sbt.UnalignedReads(), 1)
	expect.EQ(t, len(table.Rows), 1)
	expect.EQ(t, table.Rows[0], []string{"", "1", "", "", ""})
}

func TestSBTOnlyImportValidPairs(t *testing.T) {
	x := newSBTFixture(t)
	recs := []*sam.Record{
		x.hit("p1", 0, mate1),
		x.hit("p1", 1, mate1|sam.Secondary),
		x.hit("p1", 1, mate2),
		x.hit("s1", 0, 0),
		x.hit("m2", 2, mate2|sam.MateUnmapped),
		unmappedRead("u1", "ACGT"),
	}

	_, table := x.run(DefaultOpts, recs...)
	rows := sbtRows(table)
	expect.EQ(t, rows["2|RefB"], []string{"1", "1", "1", "1"})
	expect.EQ(t, rows["1|RefA"], []string{"1", "1", "0", "0"})
	expect.EQ(t, rows["3|RefC"], []string{"1", "0", "1", "0"})
	expect.EQ(t, rows[""][0], "1")

	opts := DefaultOpts
	opts.OnlyImportValidPairs = true
	sbt, table := x.run(opts, recs...)
	expect.EQ(t, sbt.Stats().RejectedSingletons, 2)
	rows = sbtRows(table)
	expect.EQ(t, len(rows), 2)
	expect.EQ(t, rows["2|RefB"], []string{"1", "1", "1", "1"})
	expect.EQ(t, rows[""][0], "3")
}

func TestSBTAlignmentThresholds(t *testing.T) {
	h, f := testGenome(t, testRef{"1|RefA", testBases}, testRef{"2|RefB", testBases})
	refs := h.Refs()
	recs := []*sam.Record{
		// One mismatch at position 2.
		newRead(t, "x", refs[0], 0, "8M", "ACTTACGT", 30),
		newRead(t, "y", refs[1], 0, "8M", testBases[:8], 30),
		newRead(t, "short", refs[1], 0, "4M", testBases[:4], 30),
	}
	opts := DefaultOpts
	opts.MinAlignmentLength = 5
	sbt := NewSequenceBasedTypingAggregator(opts)
	sink := runIterator(t, h, f, recs, opts, sbt)
	expect.EQ(t, sbt.Stats().ShortAlignments, 1)
	rows := sbtRows(sink.Table(SBTTable))
	expect.EQ(t, len(rows), 2)
	expect.EQ(t, rows["2|RefB"][0], "1")

	opts.MaxSnps = 1
	sbt = NewSequenceBasedTypingAggregator(opts)
	sink = runIterator(t, h, f, recs, opts, sbt)
	rows = sbtRows(sink.Table(SBTTable))
	expect.EQ(t, rows["1|RefA"][0], "1")
	expect.EQ(t, rows["2|RefB"][0], "1")
}

func TestSBTReferenceFilters(t *testing.T) {
	x := newSBTFixture(t)
	var recs []*sam.Record
	for _, name := range []string{"r1", "r2", "r3", "r4"} {
		recs = append(recs, x.hit(name, 0, 0))
	}
	recs = append(recs, x.hit("r5", 0, 0), x.hit("r5", 1, sam.Secondary), x.hit("r6", 2, 0))

	opts := DefaultOpts
	opts.MinCountForRef = 2
	sbt, table := x.run(opts, recs...)
	stats := sbt.Stats()
	expect.EQ(t, stats.SkippedReferencesByRead, 2)
	expect.EQ(t, stats.AlignmentsHelpedByAlleleFilters, 1)
	rows := sbtRows(table)
	expect.EQ(t, len(rows), 2)
	expect.EQ(t, rows["1|RefA"], []string{"5", "5", "0", "0"})
	expect.EQ(t, rows[""][0], "1")

	opts = DefaultOpts
	opts.MinPctForRef = 50
	sbt, table = x.run(opts, recs...)
	expect.EQ(t, sbt.Stats().SkippedReferencesByPct, 2)
	expect.EQ(t, sbtRows(table)["1|RefA"][0], "5")

	opts = DefaultOpts
	opts.MinPctWithinGroup = 50
	sbt, table = x.run(opts, recs...)
	expect.EQ(t, sbt.Stats().AllelesFiltered, 1)
	rows = sbtRows(table)
	expect.EQ(t, rows["1|RefA"][0], "5")
	expect.EQ(t, rows["3|RefC"][0], "1")
	_, ok := rows["1|RefA||2|RefB"]
	expect.False(t, ok)
}

func TestSBTSummarizeIdempotent(t *testing.T) {
	x := newSBTFixture(t)
	sbt, _ := x.run(DefaultOpts, x.hit("r1", 0, 0), x.hit("r1", 1, sam.Secondary))
	ctx := vcontext.Background()
	s1, err := sbt.Summarize(ctx)
	assert.NoError(t, err)
	s2, err := sbt.Summarize(ctx)
	assert.NoError(t, err)
	expect.EQ(t, len(s1), 1)
	expect.EQ(t, s1["1|RefA||2|RefB"], s2["1|RefA||2|RefB"])
	expect.EQ(t, s1["1|RefA||2|RefB"].RefNames, []string{"1|RefA", "2|RefB"})
}

func TestSBTLog(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, "tempDir:", tempDir)
	x := newSBTFixture(t)
	recs := []*sam.Record{
		x.hit("p1", 0, mate1),
		x.hit("p1", 1, mate1|sam.Secondary),
		x.hit("p1", 1, mate2),
	}
	for _, name := range []string{"sbt.txt", "sbt.txt.gz"} {
		opts := DefaultOpts
		opts.SBTLog = filepath.Join(tempDir, name)
		x.run(opts, recs...)

		in, err := ioutil.ReadFile(opts.SBTLog)
		assert.NoError(t, err)
		if strings.HasSuffix(name, ".gz") {
			gz, err := gzip.NewReader(strings.NewReader(string(in)))
			assert.NoError(t, err)
			in, err = ioutil.ReadAll(gz)
			assert.NoError(t, err)
		}
		text := string(in)
		expect.True(t, strings.Contains(text, "*****Summary By Read*****"), name)
		expect.True(t, strings.Contains(text, "Forward\tp1\t2\t1\t1|RefA\tfalse\ttrue\n"), name)
		expect.True(t, strings.Contains(text, "Forward\tp1\t2\t1\t2|RefB\ttrue\ttrue\n"), name)
		expect.True(t, strings.Contains(text, "*****Summary By Reference*****"), name)
		expect.True(t, strings.Contains(text, "2|RefB\t1\t1\t100\t\n"), name)
		expect.True(t, strings.Contains(text, "*****Summary By Hit Set*****"), name)
	}
}
