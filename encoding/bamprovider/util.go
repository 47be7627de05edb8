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
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/sam"
)

// RefByName finds a sam.Reference with the given name. It returns nil if a
// reference is not found.
func RefByName(h *sam.Header, refName string) *sam.Reference {
	for _, ref := range h.Refs() {
		if ref.Name() == refName {
			return ref
		}
	}
	return nil
}

// NewRefIterator creates an iterator for half-open range [refName:start,
// refName:limit). Start and limit are both base zero.  The iterator yields
// reads aligned to refName that start before limit, beginning at the first
// index chunk that overlaps the range.
func NewRefIterator(p Provider, refName string, start, limit int) Iterator {
	h, err := p.GetHeader()
	if err != nil {
		return NewErrorIterator(err)
	}
	ref := RefByName(h, refName)
	if ref == nil {
		return NewErrorIterator(errors.E(errors.NotExist, "bamprovider.NewRefIterator: reference not found:", refName))
	}
	return p.NewIterator(Shard{Ref: ref, Start: start, End: limit})
}

// GenerateIndex reads a coordinate-sorted BAM from r and writes the matching
// .bai index to w.
func GenerateIndex(w io.Writer, r io.Reader) (err error) {
	reader, err := bam.NewReader(r, 1)
	if err != nil {
		return err
	}
	defer func() {
		if e := reader.Close(); e != nil && err == nil {
			err = e
		}
	}()
	var idx bam.Index
	for {
		rec, e := reader.Read()
		if e == io.EOF {
			break
		}
		if e != nil {
			return e
		}
		if e = idx.Add(rec, reader.LastChunk()); e != nil {
			return errors.E(e, "bamprovider.GenerateIndex: record", rec.Name)
		}
	}
	return bam.WriteIndex(w, &idx)
}
