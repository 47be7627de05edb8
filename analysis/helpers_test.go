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
	"strings"
	"testing"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/seqscan/encoding/bamprovider"
	"github.com/grailbio/seqscan/encoding/fasta"
	"github.com/grailbio/testutil/assert"
)

type testRef struct {
	name, bases string
}

// testGenome builds a header and an in-memory FASTA for refs.
func testGenome(t *testing.T, refs ...testRef) (*sam.Header, fasta.Fasta) {
	var samRefs []*sam.Reference
	var fa strings.Builder
	for _, r := range refs {
		ref, err := sam.NewReference(r.name, "", "", len(r.bases), nil, nil)
		assert.NoError(t, err)
		samRefs = append(samRefs, ref)
		fa.WriteString(">" + r.name + "\n" + r.bases + "\n")
	}
	header, err := sam.NewHeader(nil, samRefs)
	assert.NoError(t, err)
	f, err := fasta.New(strings.NewReader(fa.String()))
	assert.NoError(t, err)
	return header, f
}

// newRead creates a mapped read with uniform base quality.
func newRead(t *testing.T, name string, ref *sam.Reference, pos int, cigar, seq string, qual byte) *sam.Record {
	c, err := sam.ParseCigar([]byte(cigar))
	assert.NoError(t, err)
	q := make([]byte, len(seq))
	for i := range q {
		q[i] = qual
	}
	return &sam.Record{
		Name:    name,
		Ref:     ref,
		Pos:     pos,
		MapQ:    60,
		Cigar:   c,
		MateRef: nil,
		MatePos: -1,
		Seq:     sam.NewSeq([]byte(seq)),
		Qual:    q,
	}
}

func unmappedRead(name string, seq string) *sam.Record {
	return &sam.Record{
		Name:    name,
		Pos:     -1,
		Flags:   sam.Unmapped,
		MatePos: -1,
		Seq:     sam.NewSeq([]byte(seq)),
		Qual:    make([]byte, len(seq)),
	}
}

func testReference(h *sam.Header, f fasta.Fasta, i int) *Reference {
	ref := h.Refs()[i]
	bases, err := fasta.Bases(f, ref.Name())
	if err != nil {
		panic(err)
	}
	return &Reference{ID: ref.ID(), Name: ref.Name(), Bases: bases}
}

// walkRead builds the walker and gated SNPs for rec the way BamIterator does.
func walkRead(rec *sam.Record, ref *Reference, gate *QualityGate) (*ReadSnps, *CigarWalker) {
	walk := NewCigarWalker(rec, ReadBases(rec), WalkOpts{})
	snps := BuildReadSnps(rec, ref, walk)
	gate.Reset()
	snps.applyGate(gate, rec)
	return snps, walk
}

// runIterator scans recs with aggs and returns the exported tables.
func runIterator(t *testing.T, h *sam.Header, f fasta.Fasta, recs []*sam.Record, opts Opts, aggs ...Aggregator) *MemSink {
	p := bamprovider.NewFakeProvider(h, recs)
	index, err := BuildQualityIndex(vcontext.Background(), p, nil, opts)
	assert.NoError(t, err)
	it := NewBamIteratorFromSources(p, f, opts)
	it.SetQualityIndex(index)
	it.AddAggregators(aggs...)
	assert.NoError(t, it.IterateReads(vcontext.Background()))
	sink := NewMemSink()
	assert.NoError(t, it.WriteOutputs(vcontext.Background(), sink))
	assert.NoError(t, it.Close())
	assert.NoError(t, p.Close())
	return sink
}

// logLines records Info messages in place of the current log outputter.
type logLines struct {
	lines []string
}

func (l *logLines) Level() log.Level { return log.Info }

func (l *logLines) Output(_ int, level log.Level, s string) error {
	if level <= log.Info {
		l.lines = append(l.lines, s)
	}
	return nil
}

func (l *logLines) contains(s string) bool {
	for _, line := range l.lines {
		if line == s {
			return true
		}
	}
	return false
}

// captureLog redirects log output until restore is called.
func captureLog() (l *logLines, restore func()) {
	l = &logLines{}
	old := log.SetOutputter(l)
	return l, func() { log.SetOutputter(old) }
}
