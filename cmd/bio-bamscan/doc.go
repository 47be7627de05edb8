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
/*
bio-bamscan walks the reads of one or more indexed BAM files against a
reference FASTA and reports per-position coverage, nucleotide and amino acid
SNP counts, and sequence-based typing calls.

Usage:

	bio-bamscan [OPTIONS] fapath bampath [bampath...]

Each BAM is processed in two passes. The first computes the average base
quality of every (position, base) pair; the second applies the SNP quality
thresholds and feeds the aggregators named by -aggregators. Each aggregator
writes one TSV file, <out>.<table>.tsv (or .tsv.gz with -bgzip). When more
than one BAM is given, the output prefix of each is <out>.<bam basename>.

Reference sequence names must be of the form <id>|<name>, except for
sequence-based typing.
*/
package main
