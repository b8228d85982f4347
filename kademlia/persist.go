// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package kademlia

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/muddlenet/muddle/identity"
)

// FileVersion identifies the on-disk cache format written by Dump and
// read by Load; spec.md section 6 calls for a versioned format so a
// node can refuse or migrate a cache written by an incompatible build.
const FileVersion uint8 = 1

// ErrUnsupportedVersion is returned by Load when the cache file's
// version does not match FileVersion.
var ErrUnsupportedVersion = errors.New("kademlia: unsupported cache file version")

// Dump writes the table to path, replacing any existing file. The write
// goes to a temporary file in the same directory followed by a rename,
// so a crash or concurrent reader never observes a partially written
// cache: no library in this module's dependency set offers atomic file
// replacement, so this uses the standard os.Rename guarantee directly.
func (t *Table) Dump(path string) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("kademlia: create temp cache file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpName)
		}
	}()

	w := bufio.NewWriter(tmp)
	if err = t.encode(w); err != nil {
		tmp.Close()
		return fmt.Errorf("kademlia: encode cache: %w", err)
	}
	if err = w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("kademlia: flush cache: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("kademlia: sync cache: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("kademlia: close cache: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("kademlia: rename cache into place: %w", err)
	}
	return nil
}

// Load builds a new table for own from the contents read from path.
func Load(path string, own identity.Address) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("kademlia: open cache: %w", err)
	}
	defer f.Close()

	t := New(own)
	if err := t.decode(bufio.NewReader(f)); err != nil {
		return nil, fmt.Errorf("kademlia: decode cache: %w", err)
	}
	return t, nil
}

// encode writes the version byte, own address, and then, per spec.md
// section 6, a sequence of (bucket-index, entry-count, entries) records
// covering only non-empty buckets.
func (t *Table) encode(w io.Writer) error {
	if err := binary.Write(w, binary.BigEndian, FileVersion); err != nil {
		return err
	}
	if _, err := w.Write(t.own[:]); err != nil {
		return err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	nonEmpty := uint16(0)
	for _, bucket := range t.buckets {
		if len(bucket) > 0 {
			nonEmpty++
		}
	}
	if err := binary.Write(w, binary.BigEndian, nonEmpty); err != nil {
		return err
	}

	for idx, bucket := range t.buckets {
		if len(bucket) == 0 {
			continue
		}
		if err := binary.Write(w, binary.BigEndian, uint16(idx)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.BigEndian, uint16(len(bucket))); err != nil {
			return err
		}
		for _, e := range bucket {
			if err := writeEntry(w, e); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeEntry(w io.Writer, e PeerInfo) error {
	if _, err := w.Write(e.Address[:]); err != nil {
		return err
	}
	uriBytes := []byte(e.URI)
	if err := binary.Write(w, binary.BigEndian, uint16(len(uriBytes))); err != nil {
		return err
	}
	if _, err := w.Write(uriBytes); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, e.LastSeen.Unix()); err != nil {
		return err
	}
	return binary.Write(w, binary.BigEndian, uint32(e.FailureCount))
}

func (t *Table) decode(r io.Reader) error {
	var version uint8
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return err
	}
	if version != FileVersion {
		return ErrUnsupportedVersion
	}

	var fileOwn [identity.AddressSize]byte
	if _, err := io.ReadFull(r, fileOwn[:]); err != nil {
		return err
	}

	var bucketCount uint16
	if err := binary.Read(r, binary.BigEndian, &bucketCount); err != nil {
		return err
	}
	for b := uint16(0); b < bucketCount; b++ {
		var idx, entryCount uint16
		if err := binary.Read(r, binary.BigEndian, &idx); err != nil {
			return err
		}
		if err := binary.Read(r, binary.BigEndian, &entryCount); err != nil {
			return err
		}
		for i := uint16(0); i < entryCount; i++ {
			entry, err := readEntry(r)
			if err != nil {
				return err
			}
			if int(idx) < NumBuckets && len(t.buckets[idx]) < BucketSize {
				t.buckets[idx] = append(t.buckets[idx], entry)
			}
		}
	}
	return nil
}

func readEntry(r io.Reader) (PeerInfo, error) {
	var e PeerInfo
	if _, err := io.ReadFull(r, e.Address[:]); err != nil {
		return e, err
	}
	var uriLen uint16
	if err := binary.Read(r, binary.BigEndian, &uriLen); err != nil {
		return e, err
	}
	uriBytes := make([]byte, uriLen)
	if _, err := io.ReadFull(r, uriBytes); err != nil {
		return e, err
	}
	e.URI = string(uriBytes)

	var unixSeconds int64
	if err := binary.Read(r, binary.BigEndian, &unixSeconds); err != nil {
		return e, err
	}
	e.LastSeen = time.Unix(unixSeconds, 0)

	var failures uint32
	if err := binary.Read(r, binary.BigEndian, &failures); err != nil {
		return e, err
	}
	e.FailureCount = int(failures)
	return e, nil
}
