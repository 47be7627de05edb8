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
	"bytes"

	"github.com/grailbio/hts/sam"
)

// PositionInfo is one reference/read coordinate pair produced while walking a
// read's CIGAR.
type PositionInfo struct {
	// RefPos is the 0-based reference position last consumed. Inserted bases
	// keep the position of the reference base before them, which is -1 for an
	// insertion at the very start of an alignment.
	RefPos int
	// ReadPos is the 0-based read position last consumed. Deleted positions
	// carry the read position before the deletion, or -1 if there is none.
	ReadPos int
	// InsertIndex is 0 outside insertions, otherwise the 1-based ordinal of the
	// base within its run of inserted bases.
	InsertIndex int
	// DeleteIndex is 0 outside deletions, otherwise the 1-based ordinal of the
	// reference base within its run of deleted bases.
	DeleteIndex int
	Op          sam.CigarOpType
	// ReadBase is the upper-cased read base, or '-' for deleted positions.
	ReadBase byte
	// Qual is the phred quality of ReadBase. Deleted positions carry the
	// quality of the read base before the deletion.
	Qual byte
	// IncludeInSnpCount reports whether the position may become a SNP
	// candidate or count towards coverage.
	IncludeInSnpCount bool
}

// IsInsertion reports whether the position is an inserted read base.
func (p PositionInfo) IsInsertion() bool { return p.InsertIndex > 0 }

// IsDeletion reports whether the position is a deleted reference base.
func (p PositionInfo) IsDeletion() bool { return p.DeleteIndex > 0 }

// WalkOpts configures a CigarWalker.
type WalkOpts struct {
	// EdgeExclusion marks the first and last EdgeExclusion aligned read bases
	// (soft clips excluded) as ineligible for SNP counting. A deletion is
	// ineligible when either flanking read base is. Zero keeps every aligned
	// base eligible.
	EdgeExclusion int
}

// CigarWalker converts one aligned read into its sequence of PositionInfo
// values, one per aligned, inserted or deleted base. Soft clips advance the
// read cursor and skipped regions (N) the reference cursor without producing
// positions; hard clips and padding produce nothing.
//
// A walker is restartable through Reset, and is not thread-safe.
type CigarWalker struct {
	rec   *sam.Record
	bases []byte
	opts  WalkOpts
	// Read positions of the first and last bases outside soft clips.
	firstAligned, lastAligned int

	opIdx, opOff    int
	refPos, readPos int
	insRun          int
	cur             PositionInfo
	done            bool
}

// ReadBases returns the upper-cased bases of rec, or nil if the record carries
// no sequence.
func ReadBases(rec *sam.Record) []byte {
	if rec.Seq.Length == 0 {
		return nil
	}
	return bytes.ToUpper(rec.Seq.Expand())
}

// NewCigarWalker creates a walker over rec. bases must be ReadBases(rec); it
// is passed in so that callers walking the same read several times expand the
// sequence once. Unmapped records produce no positions.
func NewCigarWalker(rec *sam.Record, bases []byte, opts WalkOpts) *CigarWalker {
	w := &CigarWalker{rec: rec, bases: bases, opts: opts}
	w.firstAligned, w.lastAligned = alignedReadSpan(rec)
	w.Reset()
	return w
}

// alignedReadSpan returns the read positions of the first and last bases that
// are not soft-clipped.
func alignedReadSpan(rec *sam.Record) (first, last int) {
	readLen := 0
	for _, op := range rec.Cigar {
		if op.Type().Consumes().Query != 0 {
			readLen += op.Len()
		}
	}
	for _, op := range rec.Cigar {
		if op.Type() == sam.CigarHardClipped {
			continue
		}
		if op.Type() != sam.CigarSoftClipped {
			break
		}
		first += op.Len()
	}
	last = readLen - 1
	for i := len(rec.Cigar) - 1; i >= 0; i-- {
		op := rec.Cigar[i]
		if op.Type() == sam.CigarHardClipped {
			continue
		}
		if op.Type() != sam.CigarSoftClipped {
			break
		}
		last -= op.Len()
	}
	return first, last
}

// Record returns the record being walked.
func (w *CigarWalker) Record() *sam.Record { return w.rec }

// Bases returns the upper-cased read bases, nil if the read has no sequence.
func (w *CigarWalker) Bases() []byte { return w.bases }

// Reset rewinds the walker to the start of the read.
func (w *CigarWalker) Reset() {
	w.opIdx, w.opOff = 0, 0
	w.refPos = w.rec.Pos - 1
	w.readPos = -1
	w.insRun = 0
	w.cur = PositionInfo{}
	w.done = w.rec.Flags&sam.Unmapped != 0 || len(w.rec.Cigar) == 0
}

// Pos returns the current position. It is valid only after Scan returned true.
func (w *CigarWalker) Pos() PositionInfo { return w.cur }

// Positions rewinds the walker and returns every position of the read.
func (w *CigarWalker) Positions() []PositionInfo {
	w.Reset()
	var out []PositionInfo
	for w.Scan() {
		out = append(out, w.cur)
	}
	return out
}

func (w *CigarWalker) base(readPos int) byte {
	if readPos < 0 || readPos >= len(w.bases) {
		return 'N'
	}
	return w.bases[readPos]
}

func (w *CigarWalker) qual(readPos int) byte {
	if readPos < 0 || readPos >= len(w.rec.Qual) {
		return 0
	}
	q := w.rec.Qual[readPos]
	if q == 0xff {
		// Missing qualities.
		return 0
	}
	return q
}

// eligible reports whether read bases lo..hi lie outside the excluded edges of
// the alignment.
func (w *CigarWalker) eligible(lo, hi int) bool {
	e := w.opts.EdgeExclusion
	if e <= 0 {
		return true
	}
	return lo >= w.firstAligned+e && hi <= w.lastAligned-e
}

// Scan advances to the next position. It returns false once the CIGAR is
// exhausted.
func (w *CigarWalker) Scan() bool {
	if w.done {
		return false
	}
	cigar := w.rec.Cigar
	for w.opIdx < len(cigar) {
		op := cigar[w.opIdx]
		typ, n := op.Type(), op.Len()
		if w.opOff >= n {
			w.opIdx++
			w.opOff = 0
			continue
		}
		switch typ {
		case sam.CigarMatch, sam.CigarEqual, sam.CigarMismatch:
			w.refPos++
			w.readPos++
			w.opOff++
			w.insRun = 0
			w.cur = PositionInfo{
				RefPos:            w.refPos,
				ReadPos:           w.readPos,
				Op:                typ,
				ReadBase:          w.base(w.readPos),
				Qual:              w.qual(w.readPos),
				IncludeInSnpCount: w.eligible(w.readPos, w.readPos),
			}
			return true
		case sam.CigarInsertion:
			w.readPos++
			w.opOff++
			w.insRun++
			w.cur = PositionInfo{
				RefPos:            w.refPos,
				ReadPos:           w.readPos,
				InsertIndex:       w.insRun,
				Op:                typ,
				ReadBase:          w.base(w.readPos),
				Qual:              w.qual(w.readPos),
				IncludeInSnpCount: w.eligible(w.readPos, w.readPos),
			}
			return true
		case sam.CigarDeletion:
			w.refPos++
			w.opOff++
			w.insRun = 0
			w.cur = PositionInfo{
				RefPos:            w.refPos,
				ReadPos:           w.readPos,
				DeleteIndex:       w.opOff,
				Op:                typ,
				ReadBase:          '-',
				Qual:              w.qual(w.readPos),
				IncludeInSnpCount: w.eligible(w.readPos, w.readPos+1),
			}
			return true
		case sam.CigarSkipped:
			w.refPos += n - w.opOff
			w.opOff = n
			w.insRun = 0
		case sam.CigarSoftClipped:
			w.readPos += n - w.opOff
			w.opOff = n
		default:
			// Hard clips, padding.
			w.opOff = n
		}
	}
	w.done = true
	return false
}
