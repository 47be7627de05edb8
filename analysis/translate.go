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
	"sort"

	"github.com/biogo/biogo/seq"
	"github.com/grailbio/hts/sam"
)

// Residues with a special meaning in amino acid SNPs.
const (
	// ResidueGap marks a codon removed by an in-frame deletion.
	ResidueGap = '-'
	// ResidueFrameshift marks a codon whose reading frame is disrupted by an
	// indel whose length is not a multiple of three.
	ResidueFrameshift = ':'
	// ResidueUnknown is the translation of a codon with ambiguous bases.
	ResidueUnknown = 'X'
	// ResidueStop is the translation of stop codons.
	ResidueStop = '*'
)

// Standard genetic code, indexed by 16*b1 + 4*b2 + b3 with T=0, C=1, A=2,
// G=3.
const standardCode = "FFLLSSSSYY**CC*WLLLLPPPPHHQQRRRRIIIMTTTTNNKKSSRRVVVVAAAADDEEGGGG"

func codonBaseIndex(b byte) int {
	switch b {
	case 'T', 't', 'U', 'u':
		return 0
	case 'C', 'c':
		return 1
	case 'A', 'a':
		return 2
	case 'G', 'g':
		return 3
	}
	return -1
}

// TranslateCodon returns the amino acid encoded by the first three bases of
// codon under the standard genetic code, or ResidueUnknown if any of them is
// not A, C, G or T.
func TranslateCodon(codon []byte) byte {
	if len(codon) < 3 {
		return ResidueUnknown
	}
	idx := 0
	for _, b := range codon[:3] {
		i := codonBaseIndex(b)
		if i < 0 {
			return ResidueUnknown
		}
		idx = idx*4 + i
	}
	return standardCode[idx]
}

func complement(b byte) byte {
	switch b {
	case 'A':
		return 'T'
	case 'T':
		return 'A'
	case 'C':
		return 'G'
	case 'G':
		return 'C'
	case '-':
		return '-'
	}
	return 'N'
}

// AASnp is an amino acid change caused by the SNPs of one read within one
// codon of a coding region.
type AASnp struct {
	Region   *CodingRegion
	ReadName string
	// AAPos is the 1-based position of the codon in the region.
	AAPos int
	// AAInsertIndex is 0 for codons of the region, otherwise the 1-based
	// ordinal of a residue inserted after AAPos.
	AAInsertIndex int
	RefResidue    byte
	ReadResidue   byte
	// Codon is the read codon in the direction of transcription. Deleted
	// bases are shown as '-'.
	Codon    string
	RefCodon string
	// NtSnps are the nucleotide SNPs that caused the change.
	NtSnps []*NTSnp
}

// Synonymous reports whether the read residue equals the reference residue.
func (s *AASnp) Synonymous() bool { return s.RefResidue == s.ReadResidue }

// readView answers "which base does the read carry at this reference
// position" from the read span and its accepted SNPs. Positions outside the
// read are N.
type readView struct {
	ref        *Reference
	start, end int
	subs       map[int]*NTSnp
	dels       map[int]*NTSnp
}

func (v *readView) base(pos int) byte {
	if pos < v.start || pos >= v.end || pos >= len(v.ref.Bases) {
		return 'N'
	}
	if s := v.subs[pos]; s != nil {
		return s.ReadBase
	}
	if v.dels[pos] != nil {
		return '-'
	}
	return v.ref.Bases[pos]
}

// codon returns the read and reference bases of codon c of region r in the
// direction of transcription.
func (v *readView) codon(r *CodingRegion, c int) (read, ref []byte) {
	read, ref = make([]byte, 3), make([]byte, 3)
	for i := 0; i < 3; i++ {
		pos, _ := r.refPos(3*c + i)
		rb := byte('N')
		if pos < len(v.ref.Bases) {
			rb = v.ref.Bases[pos]
		}
		read[i], ref[i] = v.base(pos), rb
		if r.Strand == seq.Minus {
			read[i], ref[i] = complement(read[i]), complement(ref[i])
		}
	}
	return read, ref
}

// codonRange is a span of codons affected by one or more in-frame deletions.
type codonRange struct{ lo, hi int }

// TranslateSnps translates the accepted SNPs of rec into amino acid changes
// in the coding regions of fs. snps must be sorted by (position, insertion
// index) with contiguous insertion indices, as returned by
// RenumberInsertions(ReadSnps.Passing()).
//
// Substitutions are translated codon by codon, bases of the codon not covered
// by the read being N. A deletion run whose length is a multiple of three
// removes bases from the codons it touches; the remaining bases are translated
// in order and codons left without bases become ResidueGap. Any other
// deletion run makes every codon it touches ResidueFrameshift. An insertion of
// 3n bases adds n residues after the codon of its anchor base; other
// insertions add a single ResidueFrameshift.
func TranslateSnps(fs *FeatureSet, ref *Reference, rec *sam.Record, snps []*NTSnp) []*AASnp {
	if fs == nil || ref == nil || len(snps) == 0 {
		return nil
	}
	lo, hi := snps[0].RefPos, snps[len(snps)-1].RefPos+1
	regions := fs.Overlapping(ref.Name, lo, hi)
	if len(regions) == 0 {
		return nil
	}
	v := &readView{ref: ref, start: rec.Pos, end: rec.End(), subs: map[int]*NTSnp{}, dels: map[int]*NTSnp{}}
	var (
		insByAnchor = map[int][]*NTSnp{}
		anchors     []int
		delRuns     [][]*NTSnp
	)
	for _, s := range snps {
		switch {
		case s.IsInsertion():
			if _, ok := insByAnchor[s.RefPos]; !ok {
				anchors = append(anchors, s.RefPos)
			}
			insByAnchor[s.RefPos] = append(insByAnchor[s.RefPos], s)
		case s.IsDeletion():
			v.dels[s.RefPos] = s
			if n := len(delRuns); n > 0 {
				last := delRuns[n-1]
				if last[len(last)-1].RefPos == s.RefPos-1 {
					delRuns[n-1] = append(last, s)
					continue
				}
			}
			delRuns = append(delRuns, []*NTSnp{s})
		default:
			v.subs[s.RefPos] = s
		}
	}

	var out []*AASnp
	for _, r := range regions {
		out = append(out, v.translateRegion(r, rec.Name, snps, delRuns)...)
		out = append(out, v.translateInsertions(r, rec.Name, anchors, insByAnchor)...)
	}
	return out
}

func (v *readView) translateRegion(r *CodingRegion, readName string, snps []*NTSnp, delRuns [][]*NTSnp) []*AASnp {
	nCodons := r.codonCount()
	codonOf := func(pos int) (int, bool) {
		off, ok := r.cdsOffset(pos)
		if !ok || off/3 >= nCodons {
			return 0, false
		}
		return off / 3, true
	}

	byCodon := map[int][]*NTSnp{}
	for _, s := range snps {
		if s.IsInsertion() {
			continue
		}
		if c, ok := codonOf(s.RefPos); ok {
			byCodon[c] = append(byCodon[c], s)
		}
	}
	if len(byCodon) == 0 {
		return nil
	}

	frameshift := map[int]bool{}
	var ranges []codonRange
	for _, run := range delRuns {
		cr := codonRange{lo: -1}
		for _, s := range run {
			if c, ok := codonOf(s.RefPos); ok {
				if cr.lo < 0 || c < cr.lo {
					cr.lo = c
				}
				if c > cr.hi {
					cr.hi = c
				}
			}
		}
		if cr.lo < 0 {
			continue
		}
		if len(run)%3 != 0 {
			for c := cr.lo; c <= cr.hi; c++ {
				frameshift[c] = true
			}
			continue
		}
		ranges = append(ranges, cr)
	}
	// Merge overlapping in-frame ranges; a range touching a frameshift is a
	// frameshift.
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].lo < ranges[j].lo })
	var merged []codonRange
	for _, cr := range ranges {
		if n := len(merged); n > 0 && cr.lo <= merged[n-1].hi {
			if cr.hi > merged[n-1].hi {
				merged[n-1].hi = cr.hi
			}
			continue
		}
		merged = append(merged, cr)
	}
	inRange := map[int]codonRange{}
	for _, cr := range merged {
		broken := false
		for c := cr.lo; c <= cr.hi; c++ {
			broken = broken || frameshift[c]
		}
		for c := cr.lo; c <= cr.hi; c++ {
			if broken {
				frameshift[c] = true
			} else {
				inRange[c] = cr
			}
		}
	}

	codons := make([]int, 0, len(byCodon))
	for c := range byCodon {
		codons = append(codons, c)
	}
	for c := range frameshift {
		if _, ok := byCodon[c]; !ok {
			codons = append(codons, c)
		}
	}
	for c := range inRange {
		if _, ok := byCodon[c]; !ok && !frameshift[c] {
			codons = append(codons, c)
		}
	}
	sort.Ints(codons)

	var out []*AASnp
	for _, c := range codons {
		read, ref := v.codon(r, c)
		aa := &AASnp{
			Region:     r,
			ReadName:   readName,
			AAPos:      c + 1,
			RefResidue: TranslateCodon(ref),
			Codon:      string(read),
			RefCodon:   string(ref),
			NtSnps:     byCodon[c],
		}
		if frameshift[c] {
			aa.ReadResidue = ResidueFrameshift
		} else if cr, ok := inRange[c]; ok {
			aa.Codon, aa.ReadResidue = v.shiftedCodon(r, cr, c)
		} else {
			aa.ReadResidue = TranslateCodon(read)
		}
		out = append(out, aa)
	}
	return out
}

// shiftedCodon returns codon c of the in-frame deletion range cr after the
// deleted bases of the range are removed and the remainder is shifted left.
func (v *readView) shiftedCodon(r *CodingRegion, cr codonRange, c int) (string, byte) {
	var bases []byte
	for off := 3 * cr.lo; off < 3*(cr.hi+1); off++ {
		pos, _ := r.refPos(off)
		b := v.base(pos)
		if b == '-' {
			continue
		}
		if r.Strand == seq.Minus {
			b = complement(b)
		}
		bases = append(bases, b)
	}
	i := 3 * (c - cr.lo)
	if i+3 > len(bases) {
		return "---", ResidueGap
	}
	codon := bases[i : i+3]
	return string(codon), TranslateCodon(codon)
}

func (v *readView) translateInsertions(r *CodingRegion, readName string, anchors []int, insByAnchor map[int][]*NTSnp) []*AASnp {
	var out []*AASnp
	for _, anchor := range anchors {
		off, ok := r.cdsOffset(anchor)
		if !ok || off/3 >= r.codonCount() {
			continue
		}
		ins := insByAnchor[anchor]
		bases := make([]byte, len(ins))
		for i, s := range ins {
			bases[i] = s.ReadBase
		}
		if r.Strand == seq.Minus {
			for i, j := 0, len(bases)-1; i < j; i, j = i+1, j-1 {
				bases[i], bases[j] = bases[j], bases[i]
			}
			for i := range bases {
				bases[i] = complement(bases[i])
			}
		}
		aaPos := off/3 + 1
		if len(bases)%3 != 0 {
			out = append(out, &AASnp{
				Region: r, ReadName: readName, AAPos: aaPos, AAInsertIndex: 1,
				RefResidue: ResidueGap, ReadResidue: ResidueFrameshift,
				Codon: string(bases), RefCodon: "---", NtSnps: ins,
			})
			continue
		}
		for k := 0; k < len(bases)/3; k++ {
			codon := bases[3*k : 3*k+3]
			out = append(out, &AASnp{
				Region: r, ReadName: readName, AAPos: aaPos, AAInsertIndex: k + 1,
				RefResidue: ResidueGap, ReadResidue: TranslateCodon(codon),
				Codon: string(codon), RefCodon: "---", NtSnps: ins,
			})
		}
	}
	return out
}
