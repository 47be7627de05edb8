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
	"testing"

	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/seqscan/encoding/bamprovider"
	"github.com/grailbio/seqscan/interval"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestQualityIndex(t *testing.T) {
	h, _ := testGenome(t, testRef{"1|RefA", testBases}, testRef{"2|RefB", testBases})
	refA, refB := h.Refs()[0], h.Refs()[1]
	dup := newRead(t, "dup", refA, 0, "4M", "ACGT", 2)
	dup.Flags |= sam.Duplicate
	recs := []*sam.Record{
		newRead(t, "r1", refA, 0, "4M", "ACGT", 30),
		newRead(t, "r2", refA, 0, "4M", "ACTT", 10),
		dup,
		newRead(t, "r3", refA, 10, "2M2I2M", "GTAAAC", 20),
		unmappedRead("u", "ACGT"),
		newRead(t, "r4", refB, 4, "2M", "AC", 40),
	}
	p := bamprovider.NewFakeProvider(h, recs)
	index, err := BuildQualityIndex(vcontext.Background(), p, nil, DefaultOpts)
	assert.NoError(t, err)

	avg := func(refID, pos int, base byte) float64 {
		v, ok := index.Avg(refID, pos, base)
		assert.True(t, ok, "%d:%d %c", refID, pos, base)
		return v
	}
	expect.EQ(t, avg(0, 0, 'A'), 20.0)
	expect.EQ(t, avg(0, 2, 'G'), 30.0)
	expect.EQ(t, avg(0, 2, 'T'), 10.0)
	expect.EQ(t, avg(0, 11, 'T'), 20.0)
	expect.EQ(t, avg(0, 12, 'A'), 20.0)
	expect.EQ(t, avg(1, 5, 'C'), 40.0)
	_, ok := index.Avg(0, 2, 'C')
	expect.False(t, ok)
	_, ok = index.Avg(0, 5, 'A')
	expect.False(t, ok)
	expect.EQ(t, index.PositionCount(0), 8)
	expect.EQ(t, index.PositionCount(1), 2)
	expect.EQ(t, index.NumRefs(), 2)
	assert.NoError(t, p.Close())

	// Restricted to a region.
	p = bamprovider.NewFakeProvider(h, recs)
	region := interval.Region{RefName: "2|RefB", Start0: 0, End: 20}
	index, err = BuildQualityIndex(vcontext.Background(), p, &region, DefaultOpts)
	assert.NoError(t, err)
	expect.EQ(t, index.PositionCount(0), 0)
	expect.EQ(t, index.PositionCount(1), 2)
	assert.NoError(t, p.Close())
}

func TestQualityGateCaches(t *testing.T) {
	h, f := testGenome(t, testRef{"1|RefA", testBases})
	ref := testReference(h, f, 0)
	rec := newRead(t, "r1", h.Refs()[0], 0, "4M", "TCGT", 30)
	snps := BuildReadSnps(rec, ref, NewCigarWalker(rec, ReadBases(rec), WalkOpts{}))
	assert.EQ(t, snps.Len(), 1)
	snp := snps.All()[0]

	opts := DefaultOpts
	opts.MinSnpQual = 40
	g := NewQualityGate(nil, opts)
	v1 := g.Evaluate(rec, snp)
	v2 := g.Evaluate(rec, snp)
	expect.EQ(t, v1, v2)
	expect.False(t, v1.Pass)
	expect.EQ(t, v1.Reason, ReasonSnpQual)
	expect.EQ(t, g.Evaluations(), 1)

	// A copy of the candidate is a different candidate.
	c := *snp
	g.Evaluate(rec, &c)
	expect.EQ(t, g.Evaluations(), 2)

	g.Reset()
	expect.EQ(t, g.Evaluate(rec, snp), v1)
	expect.EQ(t, g.Evaluations(), 3)
}

func TestQualityGateThresholds(t *testing.T) {
	h, f := testGenome(t, testRef{"1|RefA", testBases})
	ref := testReference(h, f, 0)
	refA := h.Refs()[0]
	// Average quality of T is (30+10)/2 = 20 at position 0, and at position 3
	// which anchors the insertion.
	p := bamprovider.NewFakeProvider(h, []*sam.Record{
		newRead(t, "q1", refA, 0, "4M", "TCGT", 30),
		newRead(t, "q2", refA, 0, "4M", "TCGT", 10),
	})
	index, err := BuildQualityIndex(vcontext.Background(), p, nil, DefaultOpts)
	assert.NoError(t, err)

	sub := newRead(t, "sub", refA, 0, "4M", "TCGT", 25)
	ins := newRead(t, "ins", refA, 0, "4M1I4M", "ACGTGACGT", 25)

	tests := []struct {
		rec  *sam.Record
		opts func(o *Opts)
		want Verdict
	}{
		{sub, func(o *Opts) { o.MinSnpQual = 25 }, Verdict{Pass: true}},
		{sub, func(o *Opts) { o.MinSnpQual = 26 }, Verdict{Reason: ReasonSnpQual}},
		{sub, func(o *Opts) { o.MinAvgSnpQual = 20 }, Verdict{Pass: true}},
		{sub, func(o *Opts) { o.MinAvgSnpQual = 20.5 }, Verdict{Reason: ReasonAvgSnpQual}},
		// Indel thresholds do not apply to substitutions.
		{sub, func(o *Opts) { o.MinDipQual, o.MinAvgDipQual = 99, 99 }, Verdict{Pass: true}},
		{ins, func(o *Opts) { o.MinDipQual = 25 }, Verdict{Pass: true}},
		{ins, func(o *Opts) { o.MinDipQual = 26 }, Verdict{Reason: ReasonDipQual}},
		{ins, func(o *Opts) { o.MinAvgDipQual = 20 }, Verdict{Pass: true}},
		{ins, func(o *Opts) { o.MinAvgDipQual = 20.1 }, Verdict{Reason: ReasonAvgDipQual}},
		{ins, func(o *Opts) { o.MinSnpQual, o.MinAvgSnpQual = 99, 99 }, Verdict{Pass: true}},
	}
	for i, test := range tests {
		opts := DefaultOpts
		test.opts(&opts)
		g := NewQualityGate(index, opts)
		snps := BuildReadSnps(test.rec, ref, NewCigarWalker(test.rec, ReadBases(test.rec), WalkOpts{}))
		assert.EQ(t, snps.Len(), 1, "test %d", i)
		expect.EQ(t, g.Evaluate(test.rec, snps.All()[0]), test.want, "test %d", i)
		expect.EQ(t, g.MissingAverages(), 0, "test %d", i)
	}
	assert.NoError(t, p.Close())
}

func TestQualityGateMissingAverage(t *testing.T) {
	h, f := testGenome(t, testRef{"1|RefA", testBases})
	ref := testReference(h, f, 0)
	rec := newRead(t, "r1", h.Refs()[0], 0, "4M", "TCGT", 30)
	snps := BuildReadSnps(rec, ref, NewCigarWalker(rec, ReadBases(rec), WalkOpts{}))

	opts := DefaultOpts
	opts.MinAvgSnpQual = 95
	g := NewQualityGate(nil, opts)
	expect.True(t, g.Evaluate(rec, snps.All()[0]).Pass)
	expect.EQ(t, g.MissingAverages(), 1)

	opts.MissingAvgQual = 94.9
	g = NewQualityGate(nil, opts)
	expect.EQ(t, g.Evaluate(rec, snps.All()[0]), Verdict{Reason: ReasonAvgSnpQual})
}
