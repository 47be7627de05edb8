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
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/seqscan/analysis"
)

var (
	aggregators          = flag.String("aggregators", "coverage,ntsnp", "Comma-separated aggregators to run: coverage, ntsnp, aasnp-codon, aasnp-read, sbt")
	region               = flag.String("region", "", "Restrict the scan to a region. Format as <ref>:<1-based first pos>-<last pos>, <ref>:<1-based pos>, or just <ref>")
	gffPath              = flag.String("gff", "", "GFF file of CDS features; required by aasnp-codon and aasnp-read")
	outPrefix            = flag.String("out", "bio-bamscan", "Output path prefix")
	bgzip                = flag.Bool("bgzip", analysis.DefaultOpts.BGZip, "Write bgzf-compressed TSV files")
	parallelism          = flag.Int("parallelism", analysis.DefaultOpts.Parallelism, "Number of BAM files processed concurrently")
	minSnpQual           = flag.Int("min-snp-qual", analysis.DefaultOpts.MinSnpQual, "SNPs with a base quality below this are rejected")
	minAvgSnpQual        = flag.Float64("min-avg-snp-qual", analysis.DefaultOpts.MinAvgSnpQual, "SNPs whose (position, base) average quality is below this are rejected")
	minDipQual           = flag.Int("min-dip-qual", -1, "Like -min-snp-qual, for indels; defaults to -min-snp-qual")
	minAvgDipQual        = flag.Float64("min-avg-dip-qual", -1, "Like -min-avg-snp-qual, for indels; defaults to -min-avg-snp-qual")
	minMapQual           = flag.Int("min-map-qual", analysis.DefaultOpts.MinMapQual, "Reads with a nonzero MAPQ below this are skipped")
	missingAvgQual       = flag.Float64("missing-avg-qual", analysis.DefaultOpts.MissingAvgQual, "Average quality assumed when the quality index has no entry")
	edgeExclusion        = flag.Int("edge-exclusion", analysis.DefaultOpts.EdgeExclusion, "Number of aligned bases at each read end that cannot be SNPs")
	minAlignmentLength   = flag.Int("min-alignment-length", analysis.DefaultOpts.MinAlignmentLength, "sbt: alignments spanning fewer reference bases are ignored")
	maxSnps              = flag.Int("max-snps", analysis.DefaultOpts.MaxSnps, "sbt: maximum passing SNPs of an accepted alignment")
	minCountForRef       = flag.Int("min-count-for-ref", analysis.DefaultOpts.MinCountForRef, "sbt: references with fewer reads are dropped")
	minPctForRef         = flag.Float64("min-pct-for-ref", analysis.DefaultOpts.MinPctForRef, "sbt: references with a smaller percentage of reads are dropped")
	minPctWithinGroup    = flag.Float64("min-pct-within-group", analysis.DefaultOpts.MinPctWithinGroup, "sbt: references below this percentage of their group's best reference are dropped")
	onlyImportValidPairs = flag.Bool("only-valid-pairs", analysis.DefaultOpts.OnlyImportValidPairs, "sbt: only count reads whose mates share a reference")
	sbtLog               = flag.String("sbt-log", "", "sbt: per-read TSV log path; gzip-compressed if it ends in .gz")
)

func bioBamscanUsage() {
	fmt.Printf("Usage: %s [OPTIONS] fapath bampath [bampath...]\n", os.Args[0])
	fmt.Printf("Other options:\n")
	flag.PrintDefaults()
}

// bamPrefix returns the output prefix of bamPath.
func bamPrefix(bamPath string, nBAMs int) string {
	if nBAMs == 1 {
		return *outPrefix
	}
	return *outPrefix + "." + strings.TrimSuffix(filepath.Base(bamPath), ".bam")
}

func main() {
	flag.Usage = bioBamscanUsage
	shutdown := grail.Init()
	defer shutdown()

	if flag.NArg() < 2 {
		log.Fatalf("Missing positional arguments (fapath and at least one bampath required); please check flag syntax: '%s'", strings.Join(flag.Args(), " "))
	}
	fastaPath, bamPaths := flag.Arg(0), flag.Args()[1:]

	kinds, err := analysis.ParseAggregatorKinds(*aggregators)
	if err != nil {
		log.Fatalf("%v", err)
	}
	opts := analysis.DefaultOpts
	opts.MinSnpQual = *minSnpQual
	opts.MinAvgSnpQual = *minAvgSnpQual
	opts.MinDipQual = *minDipQual
	if opts.MinDipQual < 0 {
		opts.MinDipQual = opts.MinSnpQual
	}
	opts.MinAvgDipQual = *minAvgDipQual
	if opts.MinAvgDipQual < 0 {
		opts.MinAvgDipQual = opts.MinAvgSnpQual
	}
	opts.MinMapQual = *minMapQual
	opts.MissingAvgQual = *missingAvgQual
	opts.EdgeExclusion = *edgeExclusion
	opts.MinAlignmentLength = *minAlignmentLength
	opts.MaxSnps = *maxSnps
	opts.MinCountForRef = *minCountForRef
	opts.MinPctForRef = *minPctForRef
	opts.MinPctWithinGroup = *minPctWithinGroup
	opts.OnlyImportValidPairs = *onlyImportValidPairs
	opts.SBTLog = *sbtLog
	opts.BGZip = *bgzip
	opts.Parallelism = *parallelism
	if opts.Parallelism <= 0 {
		opts.Parallelism = 1
	}
	if opts.Parallelism > len(bamPaths) {
		opts.Parallelism = len(bamPaths)
	}

	ctx := vcontext.Background()
	nBAMs := len(bamPaths)
	err = traverse.Each(opts.Parallelism, func(jobIdx int) error {
		startIdx := (jobIdx * nBAMs) / opts.Parallelism
		endIdx := ((jobIdx + 1) * nBAMs) / opts.Parallelism
		for _, bamPath := range bamPaths[startIdx:endIdx] {
			runOpts := opts
			if runOpts.SBTLog != "" && nBAMs > 1 {
				runOpts.SBTLog = bamPrefix(bamPath, nBAMs) + "." + filepath.Base(opts.SBTLog)
			}
			sink := &analysis.TSVSink{Prefix: bamPrefix(bamPath, nBAMs), BGZip: opts.BGZip, Parallelism: 1}
			if _, err := analysis.Run(ctx, analysis.RunParams{
				BAMPath:   bamPath,
				FastaPath: fastaPath,
				Region:    *region,
				GFFPath:   *gffPath,
				Kinds:     kinds,
				Sink:      sink,
			}, runOpts); err != nil {
				return fmt.Errorf("%s: %v", bamPath, err)
			}
		}
		return nil
	})
	if err != nil {
		log.Panicf("%v", err)
	}
	log.Debug.Printf("exiting")
}
