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
package bamprovider

import (
	"github.com/grailbio/hts/sam"
)

// fakeProvider is only for unittests. It yields the given records.
type fakeProvider struct {
	header  *sam.Header
	recs    []*sam.Record
	nActive int
}

type fakeIterator struct {
	provider *fakeProvider
	recs     []*sam.Record
	rec      *sam.Record
	shard    Shard
}

// NewFakeProvider creates a provider that returns "header" in response to a
// GetHeader() call, and recs by NewIterator calls. Records must be in the
// order a coordinate-sorted BAM would store them. Unlike BAMProvider, a
// ranged iterator yields exactly the records that overlap the range.
func NewFakeProvider(header *sam.Header, recs []*sam.Record) Provider {
	return &fakeProvider{header: header, recs: recs}
}

// GetHeader implements the Provider interface. It returns the header passed to
// the constructor.
func (b *fakeProvider) GetHeader() (*sam.Header, error) {
	return b.header, nil
}

// Close implements the Provider interface.
func (b *fakeProvider) Close() error {
	if b.nActive != 0 {
		panic("fakeProvider closed with active iterators")
	}
	return nil
}

// NewIterator implements the Provider interface.
func (b *fakeProvider) NewIterator(shard Shard) Iterator {
	b.nActive++
	return &fakeIterator{provider: b, recs: b.recs, shard: shard}
}

// Err implements the Iterator interface.
func (i *fakeIterator) Err() error {
	return nil
}

// Close implements the Iterator interface.
func (i *fakeIterator) Close() error {
	i.provider.nActive--
	return nil
}

func (i *fakeIterator) Scan() bool {
	for {
		if len(i.recs) == 0 {
			return false
		}
		i.rec = i.recs[0]
		i.recs = i.recs[1:]
		if i.shard.Universal() {
			return true
		}
		if i.rec.Ref == nil || i.rec.Ref.ID() != i.shard.Ref.ID() {
			continue
		}
		if i.rec.Pos < i.shard.End && i.rec.End() > i.shard.Start {
			return true
		}
	}
}

func (i *fakeIterator) Record() *sam.Record {
	// Return a copy so that the code under test cannot alter the
	// original test input data.
	copy := sam.GetFromFreePool()
	*copy = *i.rec
	return copy
}
