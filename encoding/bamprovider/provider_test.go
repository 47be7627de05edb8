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
package bamprovider_test

import (
	"path/filepath"
	"testing"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/seqscan/encoding/bamprovider"
	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/require"
)

func newRecord(name string, ref *sam.Reference, pos int, flags sam.Flags) *sam.Record {
	r := &sam.Record{
		Name:    name,
		Ref:     ref,
		Pos:     pos,
		MapQ:    60,
		Flags:   flags,
		MateRef: nil,
		MatePos: -1,
		Seq:     sam.NewSeq([]byte("ACGT")),
		Qual:    []byte{30, 30, 30, 30},
	}
	if ref != nil {
		r.Cigar = []sam.CigarOp{sam.NewCigarOp(sam.CigarMatch, 4)}
	}
	return r
}

func testRecords(t *testing.T) (*sam.Header, []*sam.Record) {
	ref0, err := sam.NewReference("1|chrA", "", "", 1000, nil, nil)
	require.NoError(t, err)
	ref1, err := sam.NewReference("2|chrB", "", "", 1000, nil, nil)
	require.NoError(t, err)
	header, err := sam.NewHeader(nil, []*sam.Reference{ref0, ref1})
	require.NoError(t, err)
	return header, []*sam.Record{
		newRecord("read1", ref0, 10, 0),
		newRecord("read2", ref0, 100, 0),
		newRecord("read3", ref0, 500, 0),
		newRecord("read4", ref1, 20, 0),
		newRecord("read5", nil, -1, sam.Unmapped),
	}
}

// writeBAM writes recs to path and generates path.bai next to it.
func writeBAM(t *testing.T, path string, header *sam.Header, recs []*sam.Record) {
	ctx := vcontext.Background()
	out, err := file.Create(ctx, path)
	require.NoError(t, err)
	w, err := bam.NewWriter(out.Writer(ctx), header, 1)
	require.NoError(t, err)
	for _, r := range recs {
		require.NoError(t, w.Write(r))
	}
	require.NoError(t, w.Close())
	require.NoError(t, out.Close(ctx))

	in, err := file.Open(ctx, path)
	require.NoError(t, err)
	idx, err := file.Create(ctx, path+".bai")
	require.NoError(t, err)
	require.NoError(t, bamprovider.GenerateIndex(idx.Writer(ctx), in.Reader(ctx)))
	require.NoError(t, idx.Close(ctx))
	require.NoError(t, in.Close(ctx))
}

func readNames(t *testing.T, iter bamprovider.Iterator) []string {
	names := []string{}
	for iter.Scan() {
		names = append(names, iter.Record().Name)
	}
	require.NoError(t, iter.Err())
	require.NoError(t, iter.Close())
	return names
}

func TestBAM(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpDir)
	header, recs := testRecords(t)
	path := filepath.Join(tmpDir, "test.bam")
	writeBAM(t, path, header, recs)

	p := bamprovider.NewProvider(path)
	h, err := p.GetHeader()
	require.NoError(t, err)
	require.Equal(t, 2, len(h.Refs()))

	// Repeat to exercise the iterator-reuse code path.
	for i := 0; i < 3; i++ {
		require.Equal(t,
			[]string{"read1", "read2", "read3", "read4", "read5"},
			readNames(t, p.NewIterator(bamprovider.UniversalShard())))
	}
	require.Equal(t,
		[]string{"read1", "read2"},
		readNames(t, bamprovider.NewRefIterator(p, "1|chrA", 0, 200)))
	require.Equal(t,
		[]string{"read4"},
		readNames(t, bamprovider.NewRefIterator(p, "2|chrB", 0, 1000)))
	require.NoError(t, p.Close())
}

func TestMissingIndex(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpDir)
	header, recs := testRecords(t)
	path := filepath.Join(tmpDir, "test.bam")
	writeBAM(t, path, header, recs)

	p := bamprovider.NewProvider(path, bamprovider.ProviderOpts{Index: filepath.Join(tmpDir, "missing.bai")})
	iter := p.NewIterator(bamprovider.UniversalShard())
	require.False(t, iter.Scan())
	require.Regexp(t, "no such file", iter.Close().Error())
	require.Regexp(t, "no such file", p.Close().Error())
}

func TestUnknownReference(t *testing.T) {
	header, recs := testRecords(t)
	p := bamprovider.NewFakeProvider(header, recs)
	iter := bamprovider.NewRefIterator(p, "3|chrC", 0, 10)
	require.False(t, iter.Scan())
	require.Error(t, iter.Close())
	require.NoError(t, p.Close())
}

func TestFakeProvider(t *testing.T) {
	header, recs := testRecords(t)
	p := bamprovider.NewFakeProvider(header, recs)
	require.Equal(t,
		[]string{"read1", "read2", "read3", "read4", "read5"},
		readNames(t, p.NewIterator(bamprovider.UniversalShard())))
	require.Equal(t,
		[]string{"read3"},
		readNames(t, p.NewIterator(bamprovider.Shard{Ref: header.Refs()[0], Start: 400, End: 1000})))
	require.NoError(t, p.Close())
}
