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
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"

	"github.com/biogo/biogo/io/featio/gff"
	"github.com/biogo/biogo/seq"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/seqscan/encoding/bamprovider"
	"github.com/grailbio/seqscan/encoding/fasta"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

// writeInputs writes refs to dir/ref.fasta and recs to dir/reads.bam, with
// their indexes, and returns the two paths.
func writeInputs(t *testing.T, dir string, h *sam.Header, refs []testRef, recs []*sam.Record) (bamPath, fastaPath string) {
	ctx := vcontext.Background()
	fastaPath = filepath.Join(dir, "ref.fasta")
	var fa bytes.Buffer
	for _, r := range refs {
		fa.WriteString(">" + r.name + "\n" + r.bases + "\n")
	}
	assert.NoError(t, ioutil.WriteFile(fastaPath, fa.Bytes(), 0644))
	fai, err := file.Create(ctx, fastaPath+".fai")
	assert.NoError(t, err)
	assert.NoError(t, fasta.GenerateIndex(fai.Writer(ctx), bytes.NewReader(fa.Bytes())))
	assert.NoError(t, fai.Close(ctx))

	bamPath = filepath.Join(dir, "reads.bam")
	out, err := file.Create(ctx, bamPath)
	assert.NoError(t, err)
	w, err := bam.NewWriter(out.Writer(ctx), h, 1)
	assert.NoError(t, err)
	for _, r := range recs {
		assert.NoError(t, w.Write(r))
	}
	assert.NoError(t, w.Close())
	assert.NoError(t, out.Close(ctx))

	in, err := file.Open(ctx, bamPath)
	assert.NoError(t, err)
	bai, err := file.Create(ctx, bamPath+".bai")
	assert.NoError(t, err)
	assert.NoError(t, bamprovider.GenerateIndex(bai.Writer(ctx), in.Reader(ctx)))
	assert.NoError(t, bai.Close(ctx))
	assert.NoError(t, in.Close(ctx))
	return bamPath, fastaPath
}

func readLines(t *testing.T, path string) []string {
	data, err := ioutil.ReadFile(path)
	assert.NoError(t, err)
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

func TestRun(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, "tempDir:", tempDir)
	ctx := vcontext.Background()

	refs := []testRef{{"1|RefA", codingBases}, {"2|RefB", testBases}}
	h, _ := testGenome(t, refs...)
	recs := append(codingReads(t, h.Refs()[0]),
		newRead(t, "b1", h.Refs()[1], 4, "4M", "AGGT", 30),
		unmappedRead("u1", "ACGT"))
	bamPath, fastaPath := writeInputs(t, tempDir, h, refs, recs)

	gffPath := filepath.Join(tempDir, "features.gff")
	assert.NoError(t, ioutil.WriteFile(gffPath, writeGFF(t,
		cds("1|RefA", 2, 20, seq.Plus, gff.Attribute{Tag: "ID", Value: "1"}, gff.Attribute{Tag: "Name", Value: "gag"})), 0644))

	kinds, err := ParseAggregatorKinds("coverage,ntsnp,aasnp-codon,aasnp-read,sbt")
	assert.NoError(t, err)
	sink := &TSVSink{Prefix: filepath.Join(tempDir, "out")}
	aggs, err := Run(ctx, RunParams{
		BAMPath:   bamPath,
		FastaPath: fastaPath,
		GFFPath:   gffPath,
		Kinds:     kinds,
		Sink:      sink,
	}, DefaultOpts)
	assert.NoError(t, err)
	assert.EQ(t, len(aggs), 5)

	coverage := aggs[0].(*CoverageAggregator)
	expect.EQ(t, coverage.PositionCount("1|RefA"), 18)
	expect.EQ(t, coverage.PositionCount("2|RefB"), 4)
	expect.EQ(t, coverage.Depth("1|RefA", 6, 0), 5)
	ntsnp := aggs[1].(*NtSnpByPosAggregator)
	// GAT, GCC and the deletion in RefA, one substitution in RefB.
	expect.EQ(t, ntsnp.SnpCount(), 4)
	expect.EQ(t, aggs[2].(*AaSnpByCodonAggregator).Count("gag", 2, 0, "GAT"), 2)
	expect.EQ(t, aggs[3].(*AaSnpByReadAggregator).ReadCount("gag"), 3)
	expect.EQ(t, aggs[4].(*SequenceBasedTypingAggregator).UnalignedReads(), 1)

	lines := readLines(t, sink.Path(CoverageTable))
	expect.EQ(t, len(lines), 1+18+4)
	expect.True(t, strings.HasPrefix(lines[0], "ref_nt_id\tref_nt_name\tref_nt_position"))
	expect.True(t, strings.HasPrefix(lines[1], "1\t1|RefA\t3\t0\tA\t5\t5\t"), lines[1])
	expect.EQ(t, len(readLines(t, sink.Path(NtSnpTable))), 1+4)
	expect.EQ(t, len(readLines(t, sink.Path(AaSnpByCodonTable))), 1+2)
	expect.EQ(t, len(readLines(t, sink.Path(AaSnpByReadTable))), 1+3)
	sbt := readLines(t, sink.Path(SBTTable))
	expect.EQ(t, sbt[len(sbt)-1], "\t1\t\t\t")
}

func TestRunRegion(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, "tempDir:", tempDir)
	ctx := vcontext.Background()

	refs := []testRef{{"1|RefA", codingBases}, {"2|RefB", testBases}}
	h, _ := testGenome(t, refs...)
	recs := []*sam.Record{
		newRead(t, "a1", h.Refs()[0], 0, "4M", "CCAT", 30),
		newRead(t, "a2", h.Refs()[0], 10, "4M", "ACCC", 30),
		newRead(t, "b1", h.Refs()[1], 4, "4M", "ACGT", 30),
	}
	bamPath, fastaPath := writeInputs(t, tempDir, h, refs, recs)

	sink := NewMemSink()
	aggs, err := Run(ctx, RunParams{
		BAMPath:   bamPath,
		FastaPath: fastaPath,
		Region:    "1|RefA:12-20",
		Kinds:     []AggregatorKind{KindCoverage},
		Sink:      sink,
	}, DefaultOpts)
	assert.NoError(t, err)
	coverage := aggs[0].(*CoverageAggregator)
	expect.EQ(t, coverage.PositionCount("1|RefA"), 4)
	expect.EQ(t, coverage.Depth("1|RefA", 0, 0), 0)
	expect.EQ(t, coverage.PositionCount("2|RefB"), 0)
	expect.EQ(t, len(sink.Table(CoverageTable).Rows), 4)
}

func TestRunErrors(t *testing.T) {
	ctx := vcontext.Background()
	_, err := Run(ctx, RunParams{BAMPath: "x.bam", FastaPath: "x.fasta", Sink: NewMemSink()}, DefaultOpts)
	expect.NotNil(t, err)

	_, err = Run(ctx, RunParams{BAMPath: "x.bam", FastaPath: "x.fasta", Region: "1|RefA:0-5",
		Kinds: []AggregatorKind{KindCoverage}, Sink: NewMemSink()}, DefaultOpts)
	expect.NotNil(t, err)

	_, err = Run(ctx, RunParams{BAMPath: "x.bam", FastaPath: "x.fasta",
		Kinds: []AggregatorKind{KindAaSnpByCodon}, Sink: NewMemSink()}, DefaultOpts)
	expect.NotNil(t, err)
}

// TestRegressionFixture runs the aggregators over the SIVmac239 fixture when
// it is available under testdata/.
func TestRegressionFixture(t *testing.T) {
	ctx := vcontext.Background()
	bamPath, fastaPath := "testdata/test.bam", "testdata/Ref_DB.fasta"
	for _, path := range []string{bamPath, bamPath + ".bai", fastaPath, fastaPath + ".fai"} {
		if _, err := file.Stat(ctx, path); err != nil {
			t.Skipf("fixture %s not available: %v", path, err)
		}
	}
	opts, err := ParseSettings(map[string]string{
		"minSnpQual":    "17",
		"minAvgSnpQual": "17",
		"minDipQual":    "17",
		"minAvgDipQual": "17",
	})
	assert.NoError(t, err)

	it, err := NewBamIterator(ctx, bamPath, fastaPath, opts)
	assert.NoError(t, err)
	index, err := BuildQualityIndex(ctx, it.Provider(), nil, opts)
	assert.NoError(t, err)
	expect.EQ(t, index.PositionCount(0), 8617)

	coverage := NewCoverageAggregator(opts)
	ntsnp := NewNtSnpByPosAggregator(opts, coverage)
	it.SetQualityIndex(index)
	it.AddAggregators(coverage, ntsnp)
	assert.NoError(t, it.IterateReads(ctx))
	sink := NewMemSink()
	assert.NoError(t, it.WriteOutputs(ctx, sink))
	assert.NoError(t, it.Close())

	expect.EQ(t, coverage.PositionCount("1|SIVmac239"), 8892)
	expect.EQ(t, len(sink.Table(CoverageTable).Rows), 8892)
	expect.EQ(t, len(sink.Table(NtSnpTable).Rows), 473)
}
