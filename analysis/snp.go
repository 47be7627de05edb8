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
	"fmt"
	"sort"

	"github.com/grailbio/base/log"
	"github.com/grailbio/hts/sam"
)

// NTSnp is a SNP candidate: a walked position at which the read disagrees
// with the reference.
type NTSnp struct {
	PositionInfo
	// RefID is the index of the reference in the BAM header.
	RefID    int
	RefName  string
	ReadName string
	// RefBase is the reference base, or '-' for insertions.
	RefBase byte
	// WalkInsertIndex is the insertion index the CigarWalker assigned.
	// RenumberInsertions changes InsertIndex but keeps this one.
	WalkInsertIndex int
	// AnchorBase is the read base aligned to the last reference position
	// before an indel, 0 when the indel starts the alignment. It is 0 for
	// substitutions.
	AnchorBase byte
}

// IsIndel reports whether the candidate is an insertion or a deletion.
func (s *NTSnp) IsIndel() bool { return s.IsInsertion() || s.IsDeletion() }

// AvgQualKey returns the (reference position, base) pair whose average quality
// decides the candidate. Indels are judged by the last aligned base before
// them. ok is false when no such base exists.
func (s *NTSnp) AvgQualKey() (pos int, base byte, ok bool) {
	switch {
	case s.IsInsertion():
		return s.RefPos, s.AnchorBase, s.AnchorBase != 0 && s.RefPos >= 0
	case s.IsDeletion():
		pos = s.RefPos - s.DeleteIndex
		return pos, s.AnchorBase, s.AnchorBase != 0 && pos >= 0
	default:
		return s.RefPos, s.ReadBase, true
	}
}

func (s *NTSnp) String() string {
	return fmt.Sprintf("%s %s:%d.%d %c>%c", s.ReadName, s.RefName, s.RefPos+1, s.InsertIndex, s.RefBase, s.ReadBase)
}

// ReadSnps holds the SNP candidates of one read, grouped by reference position
// and ordered by (position, insertion index), together with the quality
// verdict of each candidate.
type ReadSnps struct {
	snps      []*NTSnp
	positions []int
	byPos     map[int][]*NTSnp
	verdicts  map[*NTSnp]Verdict
}

var emptyReadSnps = &ReadSnps{}

func newReadSnps(snps []*NTSnp) *ReadSnps {
	sort.SliceStable(snps, func(i, j int) bool {
		if snps[i].RefPos != snps[j].RefPos {
			return snps[i].RefPos < snps[j].RefPos
		}
		return snps[i].InsertIndex < snps[j].InsertIndex
	})
	r := &ReadSnps{snps: snps, byPos: make(map[int][]*NTSnp)}
	for _, s := range snps {
		if _, ok := r.byPos[s.RefPos]; !ok {
			r.positions = append(r.positions, s.RefPos)
		}
		r.byPos[s.RefPos] = append(r.byPos[s.RefPos], s)
	}
	return r
}

// Len returns the number of candidates.
func (r *ReadSnps) Len() int { return len(r.snps) }

// Positions returns the reference positions that carry candidates, ascending.
func (r *ReadSnps) Positions() []int { return r.positions }

// At returns the candidates at reference position pos, ordered by insertion
// index.
func (r *ReadSnps) At(pos int) []*NTSnp { return r.byPos[pos] }

// All returns every candidate in (position, insertion index) order.
func (r *ReadSnps) All() []*NTSnp { return r.snps }

// Find returns the candidate at reference position pos whose insertion index,
// as numbered by the CigarWalker, is insertIndex, or nil.
func (r *ReadSnps) Find(pos, insertIndex int) *NTSnp {
	for _, s := range r.byPos[pos] {
		if s.WalkInsertIndex == insertIndex {
			return s
		}
	}
	return nil
}

// Verdict returns the quality verdict computed for s. Candidates that were
// never evaluated pass.
func (r *ReadSnps) Verdict(s *NTSnp) Verdict {
	if v, ok := r.verdicts[s]; ok {
		return v
	}
	return Verdict{Pass: true}
}

// Passing returns the candidates that passed the quality gate, in order.
func (r *ReadSnps) Passing() []*NTSnp {
	var out []*NTSnp
	for _, s := range r.snps {
		if r.Verdict(s).Pass {
			out = append(out, s)
		}
	}
	return out
}

// NumPassing returns the number of candidates that passed the quality gate.
func (r *ReadSnps) NumPassing() int {
	n := 0
	for _, s := range r.snps {
		if r.Verdict(s).Pass {
			n++
		}
	}
	return n
}

// applyGate evaluates every candidate once and records the verdicts.
func (r *ReadSnps) applyGate(g *QualityGate, rec *sam.Record) {
	r.verdicts = make(map[*NTSnp]Verdict, len(r.snps))
	for _, s := range r.snps {
		r.verdicts[s] = g.Evaluate(rec, s)
	}
}

// BuildReadSnps walks rec against ref and returns its SNP candidates. Only
// eligible positions whose read base differs from the reference base become
// candidates; '=' read bases always match. Insertions before the first aligned
// base have no reference position and are dropped.
func BuildReadSnps(rec *sam.Record, ref *Reference, walk *CigarWalker) *ReadSnps {
	if ref == nil || walk == nil || walk.Bases() == nil {
		return emptyReadSnps
	}
	bases := walk.Bases()
	var snps []*NTSnp
	walk.Reset()
	for walk.Scan() {
		p := walk.Pos()
		if !p.IncludeInSnpCount || p.ReadBase == '=' {
			continue
		}
		if p.RefPos < 0 {
			// Insertion before the first aligned base.
			continue
		}
		refBase := byte('-')
		if !p.IsInsertion() {
			if p.RefPos >= len(ref.Bases) {
				log.Debug.Printf("%s: position %d outside reference %s (length %d)", rec.Name, p.RefPos, ref.Name, len(ref.Bases))
				continue
			}
			refBase = ref.Bases[p.RefPos]
		}
		if p.ReadBase == refBase {
			continue
		}
		s := &NTSnp{
			PositionInfo:    p,
			RefID:           ref.ID,
			RefName:         ref.Name,
			ReadName:        rec.Name,
			RefBase:         refBase,
			WalkInsertIndex: p.InsertIndex,
		}
		switch {
		case p.IsInsertion():
			if i := p.ReadPos - p.InsertIndex; i >= 0 && i < len(bases) {
				s.AnchorBase = bases[i]
			}
		case p.IsDeletion():
			if p.ReadPos >= 0 && p.ReadPos < len(bases) {
				s.AnchorBase = bases[p.ReadPos]
			}
		}
		snps = append(snps, s)
	}
	r := newReadSnps(snps)
	if renumbered := RenumberInsertions(r.snps); !sameSnps(renumbered, r.snps) {
		r = newReadSnps(renumbered)
	}
	return r
}

func sameSnps(a, b []*NTSnp) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// RenumberInsertions returns snps with the insertion indices at every
// reference position made contiguous from 1, preserving order. snps must be
// sorted by (position, insertion index). Renumbered candidates are copies; the
// input is not modified. Every change is logged since it means bases of an
// insertion run were dropped.
func RenumberInsertions(snps []*NTSnp) []*NTSnp {
	out := make([]*NTSnp, len(snps))
	lastPos, next := 0, 0
	for i, s := range snps {
		out[i] = s
		if !s.IsInsertion() {
			continue
		}
		if next == 0 || s.RefPos != lastPos {
			lastPos, next = s.RefPos, 1
		}
		if s.InsertIndex != next {
			log.Debug.Printf("%s: insertion at %s:%d renumbered from %d to %d", s.ReadName, s.RefName, s.RefPos+1, s.InsertIndex, next)
			c := *s
			c.InsertIndex = next
			out[i] = &c
		}
		next++
	}
	return out
}
