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
	"io"
	"sort"
	"strconv"
	"strings"

	farm "github.com/dgryski/go-farm"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/hts/sam"
	"github.com/klauspost/compress/gzip"
)

// HitSetSeparator joins the reference names of a hit set key.
const HitSetSeparator = "||"

// HitSet is a group of reads that hit exactly the same set of references.
type HitSet struct {
	// RefNames is sorted.
	RefNames []string
	// Reads holds fingerprints of the read names.
	Reads map[uint64]struct{}
	// Forward, Reverse and ValidPairs count the calls backed by a first mate
	// (or unpaired read), by a second mate, and by both.
	Forward, Reverse, ValidPairs int
}

func newHitSet(refNames []string) *HitSet {
	return &HitSet{RefNames: refNames, Reads: map[uint64]struct{}{}}
}

// Key returns the sorted reference names joined by HitSetSeparator.
func (h *HitSet) Key() string { return strings.Join(h.RefNames, HitSetSeparator) }

func (h *HitSet) merge(o *HitSet) {
	h.Forward += o.Forward
	h.Reverse += o.Reverse
	h.ValidPairs += o.ValidPairs
	for r := range o.Reads {
		h.Reads[r] = struct{}{}
	}
}

// SBTStats are the diagnostic counters of sequence-based typing.
type SBTStats struct {
	AlignmentsInspected              int
	ShortAlignments                  int
	AlignmentsIncludingDiscardedSnps int
	AlignmentsHelpedByMate           int
	AlignmentsHelpedByAlleleFilters  int
	PairsWithoutSharedHits           int
	SingletonCalls                   int
	PairedCalls                      int
	RejectedSingletons               int
	SkippedReferencesByRead          int
	SkippedReferencesByPct           int
	AllelesFiltered                  int
}

type sbtAlignmentKey struct {
	read      uint64
	refName   string
	negStrand bool
}

// SequenceBasedTypingAggregator assigns each read, or read pair, to the set
// of references it aligns to with at most Opts.MaxSnps passing SNPs, and
// counts the reads per reference set.
//
// When both mates of a pair have hits, only the references hit by both are
// kept. Reference sets are then pruned in two passes: references supported by
// too few reads overall (Opts.MinCountForRef, Opts.MinPctForRef) are removed
// everywhere, and within each set references with far fewer reads than the
// best one (Opts.MinPctWithinGroup) are removed.
type SequenceBasedTypingAggregator struct {
	opts  Opts
	stats SBTStats

	distinctRefs map[string]struct{}
	accepted     map[sbtAlignmentKey]int
	uniqueReads  map[uint64]struct{}
	// Reference names hit by first mates (or unpaired reads) and by second
	// mates, by read name.
	hitsM1, hitsM2 map[string]map[string]struct{}
	unaligned      map[uint64]struct{}

	summary map[string]*HitSet
}

// NewSequenceBasedTypingAggregator creates an empty aggregator.
func NewSequenceBasedTypingAggregator(opts Opts) *SequenceBasedTypingAggregator {
	return &SequenceBasedTypingAggregator{
		opts:         opts,
		distinctRefs: map[string]struct{}{},
		accepted:     map[sbtAlignmentKey]int{},
		uniqueReads:  map[uint64]struct{}{},
		hitsM1:       map[string]map[string]struct{}{},
		hitsM2:       map[string]map[string]struct{}{},
		unaligned:    map[uint64]struct{}{},
	}
}

func (a *SequenceBasedTypingAggregator) kind() AggregatorKind { return KindSequenceBasedTyping }

func fingerprint(name string) uint64 { return farm.Fingerprint64([]byte(name)) }

// refSpan returns the number of reference bases covered by the alignment.
func refSpan(cigar sam.Cigar) int {
	n := 0
	for _, op := range cigar {
		n += op.Len() * op.Type().Consumes().Reference
	}
	return n
}

// InspectAlignment implements Aggregator.
func (a *SequenceBasedTypingAggregator) InspectAlignment(rec *sam.Record, ref *Reference, snps *ReadSnps, walk *CigarWalker) error {
	fp := fingerprint(rec.Name)
	a.uniqueReads[fp] = struct{}{}
	if ref == nil || rec.Flags&sam.Unmapped != 0 {
		if rec.Flags&sam.Paired == 0 || rec.Flags&sam.MateUnmapped != 0 {
			a.unaligned[fp] = struct{}{}
		}
		return nil
	}
	a.stats.AlignmentsInspected++
	if refSpan(rec.Cigar) < a.opts.MinAlignmentLength {
		a.stats.ShortAlignments++
		return nil
	}
	nSnps := snps.NumPassing()
	if nSnps > a.opts.MaxSnps {
		return nil
	}
	a.accepted[sbtAlignmentKey{fp, ref.Name, rec.Flags&sam.Reverse != 0}]++
	if nSnps != snps.Len() {
		a.stats.AlignmentsIncludingDiscardedSnps++
	}
	hits := a.hitsM1
	if rec.Flags&sam.Paired != 0 && rec.Flags&sam.Read1 == 0 {
		hits = a.hitsM2
	}
	refs := hits[rec.Name]
	if refs == nil {
		refs = map[string]struct{}{}
		hits[rec.Name] = refs
	}
	refs[ref.Name] = struct{}{}
	a.distinctRefs[ref.Name] = struct{}{}
	return nil
}

// sbtLog writes the optional per-read detail log. A nil *sbtLog discards
// everything.
type sbtLog struct {
	w *tsv.Writer
}

func (l *sbtLog) row(fields ...string) {
	if l == nil {
		return
	}
	for _, f := range fields {
		l.w.WriteString(f)
	}
	l.w.EndLine() // nolint: errcheck
}

func appendReadToTotals(totals map[string]*HitSet, readName string, refNames []string, forward, reverse bool) {
	sort.Strings(refNames)
	key := strings.Join(refNames, HitSetSeparator)
	hs := totals[key]
	if hs == nil {
		hs = newHitSet(refNames)
		totals[key] = hs
	}
	if forward {
		hs.Forward++
	}
	if reverse {
		hs.Reverse++
	}
	if forward && reverse {
		hs.ValidPairs++
	}
	hs.Reads[fingerprint(readName)] = struct{}{}
}

// filterByPair resolves each read, or pair, to a hit set.
func (a *SequenceBasedTypingAggregator) filterByPair(l *sbtLog) map[string]*HitSet {
	totals := map[string]*HitSet{}
	l.row("")
	l.row("*****Summary By Read*****")
	l.row("Orientation", "ReadName", "InitialRefs", "PassingRefs", "RefName", "PassedFilters", "Has Aligned Mate?")

	log.Printf("starting stage 1 filters (by read pair)")
	log.Printf("\tinitial references: %d", len(a.distinctRefs))
	log.Printf("\tinitial reads: %d", len(a.uniqueReads))
	log.Printf("\tinitial unaligned reads: %d", len(a.unaligned))

	for _, readName := range sortedKeysOf(a.hitsM1) {
		initial := a.hitsM1[readName]
		refs := map[string]struct{}{}
		for r := range initial {
			refs[r] = struct{}{}
		}
		hasMate := false
		if mate := a.hitsM2[readName]; len(mate) > 0 {
			for r := range refs {
				if _, ok := mate[r]; !ok {
					delete(refs, r)
				}
			}
			if len(refs) > 0 {
				if len(refs) != len(initial) {
					a.stats.AlignmentsHelpedByMate++
				}
				hasMate = true
			} else {
				a.stats.PairsWithoutSharedHits++
			}
		}
		for _, refName := range sortedKeys(initial) {
			_, passed := refs[refName]
			l.row("Forward", readName, itoa(len(initial)), itoa(len(refs)), refName, strconv.FormatBool(passed), strconv.FormatBool(hasMate))
		}
		switch {
		case len(refs) == 0:
			a.unaligned[fingerprint(readName)] = struct{}{}
		case !a.opts.OnlyImportValidPairs || hasMate:
			appendReadToTotals(totals, readName, sortedKeys(refs), true, hasMate)
			if hasMate {
				a.stats.PairedCalls++
			} else {
				a.stats.SingletonCalls++
			}
		default:
			a.stats.RejectedSingletons++
			a.unaligned[fingerprint(readName)] = struct{}{}
		}
	}

	for _, readName := range sortedKeysOf(a.hitsM2) {
		if _, ok := a.hitsM1[readName]; ok {
			continue
		}
		refs := sortedKeys(a.hitsM2[readName])
		switch {
		case a.opts.OnlyImportValidPairs:
			a.stats.RejectedSingletons++
			a.unaligned[fingerprint(readName)] = struct{}{}
		case len(refs) > 0:
			appendReadToTotals(totals, readName, refs, false, true)
			a.stats.SingletonCalls++
		default:
			a.unaligned[fingerprint(readName)] = struct{}{}
		}
		for _, refName := range refs {
			l.row("Reverse", readName, itoa(len(refs)), itoa(len(refs)), refName, "true")
		}
	}
	log.Printf("\talignments helped using paired read: %d", a.stats.AlignmentsHelpedByMate)
	log.Printf("\trejected singleton reads: %d", a.stats.RejectedSingletons)
	return totals
}

func sortedKeysOf(m map[string]map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedHitSetKeys(m map[string]*HitSet) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// readsByRef returns the number of reads supporting each reference, and the
// number of reads in hit sets.
func readsByRef(totals map[string]*HitSet) (map[string]int, int) {
	byRef := map[string]int{}
	nReads := 0
	for _, hs := range totals {
		for _, r := range hs.RefNames {
			byRef[r] += len(hs.Reads)
		}
		if len(hs.RefNames) > 0 {
			nReads += len(hs.Reads)
		}
	}
	return byRef, nReads
}

func (a *SequenceBasedTypingAggregator) markUnaligned(hs *HitSet) {
	for r := range hs.Reads {
		a.unaligned[r] = struct{}{}
	}
}

// filterByReference removes references with too little support overall.
func (a *SequenceBasedTypingAggregator) filterByReference(l *sbtLog, totals map[string]*HitSet) map[string]*HitSet {
	byRef, nReads := readsByRef(totals)
	log.Printf("starting stage 2 filters:")
	log.Printf("\tinitial references: %d", len(byRef))
	log.Printf("\tinitial distinct reads: %d", nReads)
	log.Printf("\tinitial allele groups: %d", len(totals))
	log.Printf("\tinitial unaligned reads: %d", len(a.unaligned))

	l.row("*****Summary By Reference*****")
	l.row("RefName", "PassingReadsForRef", "TotalReads", "PctOfTotal")
	refNames := make([]string, 0, len(byRef))
	for r := range byRef {
		refNames = append(refNames, r)
	}
	sort.Strings(refNames)
	disallowed := map[string]bool{}
	for _, refName := range refNames {
		total := byRef[refName]
		pct := 100 * float64(total) / float64(nReads)
		msg := ""
		switch {
		case total < a.opts.MinCountForRef:
			a.stats.SkippedReferencesByRead++
			log.Debug.Printf("reference discarded due to read count: %s / %d / %d / %g%%", refName, nReads, total, pct)
			msg = "**skipped due to read count"
			disallowed[refName] = true
		case pct < a.opts.MinPctForRef:
			a.stats.SkippedReferencesByPct++
			log.Debug.Printf("reference discarded due to percent: %s / %d / %d / %g%%", refName, nReads, total, pct)
			msg = "**skipped due to percent"
			disallowed[refName] = true
		}
		l.row(refName, itoa(total), itoa(nReads), ftoa(pct), msg)
	}

	out := map[string]*HitSet{}
	for _, key := range sortedHitSetKeys(totals) {
		hs := totals[key]
		var kept []string
		for _, r := range hs.RefNames {
			if !disallowed[r] {
				kept = append(kept, r)
			}
		}
		if len(kept) == 0 {
			a.markUnaligned(hs)
			continue
		}
		if len(kept) != len(hs.RefNames) {
			a.stats.AlignmentsHelpedByAlleleFilters++
		}
		mergeInto(out, kept, hs)
	}
	return out
}

func mergeInto(totals map[string]*HitSet, refNames []string, hs *HitSet) {
	sort.Strings(refNames)
	key := strings.Join(refNames, HitSetSeparator)
	dst := totals[key]
	if dst == nil {
		dst = newHitSet(refNames)
		totals[key] = dst
	}
	dst.merge(hs)
}

// filterWithinGroup removes, within each hit set, references much weaker than
// the set's strongest reference.
func (a *SequenceBasedTypingAggregator) filterWithinGroup(l *sbtLog, totals map[string]*HitSet) map[string]*HitSet {
	byRef, nReads := readsByRef(totals)
	log.Printf("starting stage 3 filters:")
	log.Printf("\tinitial references: %d", len(byRef))
	log.Printf("\tinitial distinct reads: %d", nReads)
	log.Printf("\tinitial allele groups: %d", len(totals))
	log.Printf("\tinitial unaligned reads: %d", len(a.unaligned))

	l.row("*****Summary By Hit Set*****")
	l.row("Alleles", "RefName", "TotalReadsInGroup", "TotalReadsForRef", "RefPctOfTotal", "PctWithinGroup")
	out := map[string]*HitSet{}
	for _, key := range sortedHitSetKeys(totals) {
		hs := totals[key]
		maxForSet := 0
		for _, r := range hs.RefNames {
			if byRef[r] > maxForSet {
				maxForSet = byRef[r]
			}
		}
		var passing []string
		for i, r := range hs.RefNames {
			pct := 100 * float64(byRef[r]) / float64(maxForSet)
			msg := ""
			if pct < a.opts.MinPctWithinGroup {
				msg = "**discarded due to group pct filter"
				a.markUnaligned(hs)
				a.stats.AllelesFiltered++
			} else {
				passing = append(passing, r)
			}
			group := ""
			if i == 0 {
				group = key
			}
			l.row(group, r, itoa(len(hs.Reads)), itoa(byRef[r]), ftoa(100*float64(byRef[r])/float64(nReads)), ftoa(pct), msg)
		}
		if len(passing) == 0 {
			a.markUnaligned(hs)
			continue
		}
		mergeInto(out, passing, hs)
	}
	log.Printf("\ttotal alleles filtered: %d", a.stats.AllelesFiltered)
	return out
}

func openSBTLog(ctx context.Context, path string) (f file.File, w io.Writer, closer func() error, err error) {
	if f, err = file.Create(ctx, path); err != nil {
		return
	}
	w = f.Writer(ctx)
	closer = func() error { return nil }
	if strings.HasSuffix(path, ".gz") {
		gz := gzip.NewWriter(w)
		w, closer = gz, gz.Close
	}
	return
}

// Summarize runs the three filtering stages and returns the final hit sets by
// key. It is idempotent; the first call writes the detail log if
// Opts.SBTLog is set.
func (a *SequenceBasedTypingAggregator) Summarize(ctx context.Context) (summary map[string]*HitSet, err error) {
	if a.summary != nil {
		return a.summary, nil
	}
	var l *sbtLog
	if a.opts.SBTLog != "" {
		var (
			out             file.File
			w               io.Writer
			closeCompressor func() error
		)
		if out, w, closeCompressor, err = openSBTLog(ctx, a.opts.SBTLog); err != nil {
			return nil, err
		}
		defer file.CloseAndReport(ctx, out, &err)
		l = &sbtLog{w: tsv.NewWriter(w)}
		defer func() {
			if e := l.w.Flush(); e != nil && err == nil {
				err = e
			}
			if e := closeCompressor(); e != nil && err == nil {
				err = e
			}
		}()
	}
	totals := a.filterByPair(l)
	totals = a.filterByReference(l, totals)
	totals = a.filterWithinGroup(l, totals)

	byRef, nReads := readsByRef(totals)
	log.Printf("after filters:")
	log.Printf("\tpassing references: %d", len(byRef))
	log.Printf("\ttotal passing reads: %d", nReads)
	log.Printf("\ttotal allele groups: %d", len(totals))
	log.Printf("\ttotal unaligned reads: %d", len(a.unaligned))
	a.summary = totals
	return totals, nil
}

// Stats returns the diagnostic counters. The filtering counters are set by
// Summarize.
func (a *SequenceBasedTypingAggregator) Stats() SBTStats { return a.stats }

// UnalignedReads returns the number of reads without a typing call.
func (a *SequenceBasedTypingAggregator) UnalignedReads() int { return len(a.unaligned) }

// SBTTable is the name of the table exported by
// SequenceBasedTypingAggregator.
const SBTTable = "sbt"

// WriteOutput implements Aggregator.
func (a *SequenceBasedTypingAggregator) WriteOutput(ctx context.Context, sink Sink) error {
	summary, err := a.Summarize(ctx)
	if err != nil {
		return err
	}
	log.Printf("Saving SBT Results")
	log.Printf("\tTotal alignments inspected: %d", a.stats.AlignmentsInspected)
	log.Printf("\tTotal reads inspected: %d", len(a.uniqueReads))
	log.Printf("\tAlignments discarded due to short length: %d", a.stats.ShortAlignments)
	log.Printf("\tAlignments retained (lacking high quality SNPs): %d", len(a.accepted))
	log.Printf("\tAlignments discarded (due to presence of high quality SNPs): %d", a.stats.AlignmentsInspected-a.stats.ShortAlignments-len(a.accepted))
	log.Printf("\tAlignments retained that contained low qual SNPs: %d", a.stats.AlignmentsIncludingDiscardedSnps)
	log.Printf("\tReferences with at least 1 aligned read: %d", len(a.distinctRefs))
	log.Printf("\tReferences disallowed due to read count filters: %d", a.stats.SkippedReferencesByRead)
	log.Printf("\tReferences disallowed due to percent filters: %d", a.stats.SkippedReferencesByPct)
	log.Printf("\tReads with no alignments: %d", len(a.unaligned))
	log.Printf("\tSingleton or First Mate Reads with at least 1 alignment that passed thresholds: %d", len(a.hitsM1))
	log.Printf("\tSecond Mate Reads with at least 1 alignment that passed thresholds: %d", len(a.hitsM2))
	log.Printf("\tAlignment calls improved by paired read: %d", a.stats.AlignmentsHelpedByMate)
	log.Printf("\tAlignment calls improved by allele filters: %d", a.stats.AlignmentsHelpedByAlleleFilters)
	log.Printf("\tPaired reads without common alignments: %d", a.stats.PairsWithoutSharedHits)
	log.Printf("\tAlignment calls using paired reads: %d", a.stats.PairedCalls)
	log.Printf("\tAlignment calls using only 1 read: %d", a.stats.SingletonCalls)
	retained := map[string]struct{}{}
	for _, hs := range summary {
		for _, r := range hs.RefNames {
			retained[r] = struct{}{}
		}
	}
	if n := len(a.distinctRefs); n > 0 {
		log.Printf("\tTotal references retained: %d (%g%%)", len(retained), 100*float64(len(retained))/float64(n))
	}
	if a.opts.OnlyImportValidPairs {
		log.Printf("\tOnly alignments representing valid pairs will be included")
		log.Printf("\tAlignments rejected because they lacked a valid pair: %d", a.stats.RejectedSingletons)
	}
	withHits := map[string]struct{}{}
	for r := range a.hitsM1 {
		withHits[r] = struct{}{}
	}
	for r := range a.hitsM2 {
		withHits[r] = struct{}{}
	}
	if n := len(a.uniqueReads); n > 0 {
		noHits := n - len(withHits)
		log.Printf("\tReads discarded due to no passing alignments: %d (%g%%)", noHits, 100*float64(noHits)/float64(n))
	}

	t := &Table{Name: SBTTable, Columns: []string{"refs", "total", "total_forward", "total_reverse", "valid_pairs"}}
	for _, key := range sortedHitSetKeys(summary) {
		hs := summary[key]
		t.Append(key, itoa(len(hs.Reads)), itoa(hs.Forward), itoa(hs.Reverse), itoa(hs.ValidPairs))
	}
	t.Append("", itoa(len(a.unaligned)), "", "", "")
	return sink.Upsert(ctx, t)
}

// Synopsis implements Aggregator.
func (a *SequenceBasedTypingAggregator) Synopsis() string {
	o := a.opts
	return fmt.Sprintf("Sequence Based Typing Aggregator:\n\tMaxSnpsTolerated: %d\n\tOnlyImportValidPairs: %v\n\tMinSnpQual: %d\n\tMinAvgSnpQual: %g\n\tMinDipQual: %d\n\tMinAvgDipQual: %g\n\tMinAlignmentLength: %d\n\tMinCountForRef: %d\n\tMinPctForRef: %g\n\tMinPctWithinGroup: %g\n",
		o.MaxSnps, o.OnlyImportValidPairs, o.MinSnpQual, o.MinAvgSnpQual, o.MinDipQual, o.MinAvgDipQual, o.MinAlignmentLength, o.MinCountForRef, o.MinPctForRef, o.MinPctWithinGroup)
}
