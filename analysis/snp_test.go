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

	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

const testBases = "ACGTACGTACGTACGTACGT"

func snpKeys(snps []*NTSnp) [][2]int {
	var out [][2]int
	for _, s := range snps {
		out = append(out, [2]int{s.RefPos, s.InsertIndex})
	}
	return out
}

func TestBuildReadSnps(t *testing.T) {
	h, f := testGenome(t, testRef{"1|RefA", testBases})
	ref := testReference(h, f, 0)

	rec := newRead(t, "r1", h.Refs()[0], 0, "4M3I4M", "ACGTGGGTCGT", 30)
	snps := BuildReadSnps(rec, ref, NewCigarWalker(rec, ReadBases(rec), WalkOpts{}))
	assert.EQ(t, snps.Len(), 4)
	expect.EQ(t, snpKeys(snps.All()), [][2]int{{3, 1}, {3, 2}, {3, 3}, {4, 0}})
	expect.EQ(t, snps.Positions(), []int{3, 4})
	expect.EQ(t, len(snps.At(3)), 3)

	ins := snps.Find(3, 1)
	assert.NotNil(t, ins)
	expect.True(t, ins.IsIndel())
	expect.EQ(t, ins.RefBase, byte('-'))
	expect.EQ(t, ins.ReadBase, byte('G'))
	expect.EQ(t, ins.AnchorBase, byte('T'))
	pos, base, ok := ins.AvgQualKey()
	expect.True(t, ok)
	expect.EQ(t, pos, 3)
	expect.EQ(t, base, byte('T'))

	sub := snps.Find(4, 0)
	assert.NotNil(t, sub)
	expect.False(t, sub.IsIndel())
	expect.EQ(t, sub.RefBase, byte('A'))
	expect.EQ(t, sub.ReadBase, byte('T'))
	expect.EQ(t, sub.RefName, "1|RefA")
	expect.EQ(t, sub.ReadName, "r1")
	expect.Nil(t, snps.Find(4, 1))

	// Candidates pass until a verdict is recorded.
	expect.EQ(t, len(snps.Passing()), 4)
}

func TestBuildReadSnpsDeletion(t *testing.T) {
	h, f := testGenome(t, testRef{"1|RefA", testBases})
	ref := testReference(h, f, 0)
	rec := newRead(t, "r1", h.Refs()[0], 0, "4M2D4M", "ACGTGTAC", 30)
	snps := BuildReadSnps(rec, ref, NewCigarWalker(rec, ReadBases(rec), WalkOpts{}))
	assert.EQ(t, snps.Len(), 2)
	for i, s := range snps.All() {
		expect.True(t, s.IsDeletion())
		expect.EQ(t, s.DeleteIndex, i+1)
		expect.EQ(t, s.ReadBase, byte('-'))
		expect.EQ(t, s.AnchorBase, byte('T'))
		pos, base, ok := s.AvgQualKey()
		expect.True(t, ok)
		expect.EQ(t, pos, 3)
		expect.EQ(t, base, byte('T'))
	}
	expect.EQ(t, snps.All()[0].RefBase, byte('A'))
	expect.EQ(t, snps.All()[1].RefBase, byte('C'))
}

func TestBuildReadSnpsSkipped(t *testing.T) {
	h, f := testGenome(t, testRef{"1|RefA", testBases})
	ref := testReference(h, f, 0)

	// '=' always matches.
	rec := newRead(t, "r1", h.Refs()[0], 0, "4M", "A=GT", 30)
	expect.EQ(t, BuildReadSnps(rec, ref, NewCigarWalker(rec, ReadBases(rec), WalkOpts{})).Len(), 0)

	// Positions past the end of the reference are ignored.
	rec = newRead(t, "r2", h.Refs()[0], 18, "4M", "GTTT", 30)
	snps := BuildReadSnps(rec, ref, NewCigarWalker(rec, ReadBases(rec), WalkOpts{}))
	expect.EQ(t, snps.Len(), 0)

	// Excluded edges produce no candidates.
	rec = newRead(t, "r3", h.Refs()[0], 0, "6M", "TCGTAA", 30)
	snps = BuildReadSnps(rec, ref, NewCigarWalker(rec, ReadBases(rec), WalkOpts{EdgeExclusion: 1}))
	expect.EQ(t, snps.Len(), 0)
	snps = BuildReadSnps(rec, ref, NewCigarWalker(rec, ReadBases(rec), WalkOpts{}))
	expect.EQ(t, snps.Len(), 2)
}

func TestBuildReadSnpsInsertionEdges(t *testing.T) {
	h, f := testGenome(t, testRef{"1|RefA", testBases})
	ref := testReference(h, f, 0)

	// Insertions before the first aligned base are dropped.
	rec := newRead(t, "r1", h.Refs()[0], 0, "2I4M", "GGACTT", 30)
	snps := BuildReadSnps(rec, ref, NewCigarWalker(rec, ReadBases(rec), WalkOpts{}))
	expect.EQ(t, snpKeys(snps.All()), [][2]int{{2, 0}})

	// A renumbered candidate is still found by the walker's index.
	rec = newRead(t, "r2", h.Refs()[0], 1, "2I4M", "GGCGTA", 30)
	snps = BuildReadSnps(rec, ref, NewCigarWalker(rec, ReadBases(rec), WalkOpts{EdgeExclusion: 1}))
	expect.EQ(t, snpKeys(snps.All()), [][2]int{{0, 1}})
	expect.EQ(t, snps.All()[0].WalkInsertIndex, 2)
	expect.Nil(t, snps.Find(0, 1))
	assert.NotNil(t, snps.Find(0, 2))
}

func TestRenumberInsertions(t *testing.T) {
	ins := func(pos, idx int) *NTSnp {
		return &NTSnp{PositionInfo: PositionInfo{RefPos: pos, InsertIndex: idx, ReadBase: 'A'}, RefBase: '-'}
	}
	sub := &NTSnp{PositionInfo: PositionInfo{RefPos: 5, ReadBase: 'G'}, RefBase: 'A'}
	in := []*NTSnp{ins(3, 1), ins(3, 3), ins(3, 4), sub, ins(7, 2), ins(7, 5)}
	out := RenumberInsertions(in)
	expect.EQ(t, snpKeys(out), [][2]int{{3, 1}, {3, 2}, {3, 3}, {5, 0}, {7, 1}, {7, 2}})

	// Unchanged candidates are shared, renumbered ones are copies.
	expect.True(t, out[0] == in[0])
	expect.True(t, out[1] != in[1])
	expect.True(t, out[3] == sub)
	expect.EQ(t, snpKeys(in), [][2]int{{3, 1}, {3, 3}, {3, 4}, {5, 0}, {7, 2}, {7, 5}})

	// Contiguous runs are left alone.
	in = []*NTSnp{ins(2, 1), ins(2, 2), ins(2, 3)}
	out = RenumberInsertions(in)
	for i := range in {
		expect.True(t, out[i] == in[i])
	}
}

func TestRenumberAfterRejection(t *testing.T) {
	h, f := testGenome(t, testRef{"1|RefA", testBases})
	ref := testReference(h, f, 0)
	rec := newRead(t, "r1", h.Refs()[0], 0, "4M4I4M", "ACGTGGGGACGT", 30)
	// The second and third inserted bases are low quality.
	rec.Qual[5], rec.Qual[6] = 5, 5
	opts := DefaultOpts
	opts.MinDipQual = 20
	snps, _ := walkRead(rec, ref, NewQualityGate(nil, opts))
	assert.EQ(t, snps.Len(), 4)
	passing := snps.Passing()
	expect.EQ(t, snpKeys(passing), [][2]int{{3, 1}, {3, 4}})
	expect.EQ(t, snpKeys(RenumberInsertions(passing)), [][2]int{{3, 1}, {3, 2}})
}
