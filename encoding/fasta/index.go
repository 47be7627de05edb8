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
package fasta

import (
	"bufio"
	"bytes"
	"io"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/tsv"
)

// GenerateIndex generates an index (*.fai) from FASTA.  The index can be later
// passed to NewIndexed() or OpenIndexed() to random-access the FASTA file.
//
// The index format is defined by "samtools faidx"
// (http://www.htslib.org/doc/faidx.html).
func GenerateIndex(out io.Writer, in io.Reader) (err error) {
	type seqStats struct {
		name               string
		offset             int64
		bases              int
		lineBase, lineSize int
	}
	var (
		w      = tsv.NewWriter(out)
		r      = bufio.NewReader(in)
		cur    *seqStats
		nBytes int64
	)
	flush := func() {
		if cur == nil || err != nil {
			return
		}
		w.WriteString(cur.name)
		w.WriteInt64(int64(cur.bases))
		w.WriteInt64(cur.offset)
		w.WriteInt64(int64(cur.lineBase))
		w.WriteInt64(int64(cur.lineSize))
		err = w.EndLine()
	}
	for err == nil {
		raw, e := r.ReadBytes('\n')
		if e != nil && e != io.EOF {
			return e
		}
		nBytes += int64(len(raw))
		line := bytes.TrimRight(raw, "\r\n")
		if len(line) > 0 {
			if line[0] == '>' {
				flush()
				name := strings.Split(string(line[1:]), " ")[0]
				if name == "" {
					return errors.E(errors.Invalid, "malformed FASTA file: empty sequence name")
				}
				cur = &seqStats{name: name, offset: nBytes}
			} else {
				if cur == nil {
					return errors.E(errors.Invalid, "malformed FASTA file: sequence data before the first header")
				}
				if cur.lineSize == 0 {
					cur.lineSize = len(raw)
					cur.lineBase = len(line)
				}
				cur.bases += len(line)
			}
		}
		if e == io.EOF {
			break
		}
	}
	if err != nil {
		return err
	}
	if nBytes == 0 {
		return errors.E(errors.Invalid, "empty FASTA file")
	}
	flush()
	if err != nil {
		return err
	}
	return w.Flush()
}
