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
	"fmt"
	"math"

	"github.com/grailbio/hts/sam"
)

// ProviderOpts defines options for NewProvider.
type ProviderOpts struct {
	// Index specifies the name of the BAM index file. If Index=="", it
	// defaults to path + ".bai".
	Index string
}

// Shard selects the records yielded by an Iterator.
//
// A shard with a nil Ref covers the whole file, unmapped records included.
// Otherwise it covers records aligned to Ref whose alignment start is below
// End. Records are yielded in file order starting from the first index chunk
// that overlaps [Start, End), so records that start before Start but end after
// it are included, as may be a few that end before Start. Callers that need an
// exact overlap test must apply it themselves.
type Shard struct {
	Ref        *sam.Reference
	Start, End int
}

// UniversalShard returns a shard that covers every record in the file.
func UniversalShard() Shard {
	return Shard{End: math.MaxInt32}
}

// Universal reports whether the shard covers the whole file.
func (s Shard) Universal() bool { return s.Ref == nil }

// String returns a human-readable description of the shard.
func (s Shard) String() string {
	if s.Ref == nil {
		return "*"
	}
	return fmt.Sprintf("%s:%d-%d", s.Ref.Name(), s.Start, s.End)
}

// Provider allows reading a BAM file, whole or by genomic range. Thread safe.
type Provider interface {
	// GetHeader returns the header for the provided BAM data.  The callee
	// must not modify the returned header object.
	//
	// REQUIRES: Close has not been called.
	GetHeader() (*sam.Header, error)

	// NewIterator returns an iterator over records contained in the shard.
	//
	// REQUIRES: Close has not been called.
	NewIterator(shard Shard) Iterator

	// Close must be called exactly once. It returns any error encountered
	// by the provider, or any iterator created by the provider.
	//
	// REQUIRES: All the iterators created by NewIterator have been closed.
	Close() error
}

// Iterator iterates over sam.Records in a particular genomic range, in
// file order. Thread compatible.
type Iterator interface {
	// Scan returns where there are any records remaining in the iterator,
	// and if so, advances the iterator to the next record. If the iterator
	// reaches the end of its range, Scan() returns false.  If an error
	// occurs, Scan() returns false and the error can be retrieved by
	// calling Err().
	//
	// REQUIRES: Close has not been called.
	Scan() bool

	// Record returns the current record in the iterator. This must be
	// called only after a call to Scan() returns true.
	//
	// REQUIRES: Close has not been called.
	Record() *sam.Record

	// Err returns the error encoutered during iteration, or nil if no error
	// occurred.  An io.EOF error will be translated to nil.
	Err() error

	// Close must be called exactly once. It returns the value of Err().
	Close() error
}

func mergeOpts(optList []ProviderOpts) ProviderOpts {
	opts := ProviderOpts{}
	for _, o := range optList {
		if o.Index != "" {
			opts.Index = o.Index
		}
	}
	return opts
}

// NewProvider creates a Provider object that reads the BAM file at "path".
// Opening the file is deferred until the first GetHeader or NewIterator call.
func NewProvider(path string, optList ...ProviderOpts) Provider {
	opts := mergeOpts(optList)
	return &BAMProvider{Path: path, Index: opts.Index}
}
