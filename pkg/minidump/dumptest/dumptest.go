// Copyright 2025 crashwalk project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package dumptest builds synthetic minidump files for tests.
// The dumps contain only a header and a module list stream, which is all
// the parser and the transform rule look at.
package dumptest

import (
	"bytes"
	"encoding/binary"
	"unicode/utf16"
)

// Module describes one module to put into the dump.
type Module struct {
	Name string
	Base uint64
	Size uint32
	// RSDS CodeView data; leave GUID zero-length to emit no CodeView record.
	GUID    []byte // 16 bytes
	Age     uint32
	PDBName string
	// If ELFBuildID is set an ELF build-id record is emitted instead of RSDS.
	ELFBuildID []byte
}

const (
	headerSize      = 32
	dirEntrySize    = 12
	moduleEntrySize = 108
)

// Build serializes a minimal valid minidump with the given modules.
func Build(modules []Module) []byte {
	le := binary.LittleEndian
	var heap bytes.Buffer // everything past the fixed structures

	// Layout: header, 1 directory entry, module list, then the heap with
	// names and CodeView records.
	moduleListRVA := uint32(headerSize + dirEntrySize)
	moduleListSize := uint32(4 + len(modules)*moduleEntrySize)
	heapBase := moduleListRVA + moduleListSize

	type loc struct{ size, rva uint32 }
	nameLocs := make([]loc, len(modules))
	cvLocs := make([]loc, len(modules))
	for i, mod := range modules {
		nameLocs[i] = loc{rva: heapBase + uint32(heap.Len())}
		writeUTF16String(&heap, mod.Name)
		cv := buildCodeView(mod)
		if len(cv) > 0 {
			cvLocs[i] = loc{size: uint32(len(cv)), rva: heapBase + uint32(heap.Len())}
			heap.Write(cv)
		}
	}

	out := new(bytes.Buffer)
	// Header.
	binary.Write(out, le, uint32(0x504d444d)) // "MDMP"
	binary.Write(out, le, uint32(0xa793))     // version
	binary.Write(out, le, uint32(1))          // stream count
	binary.Write(out, le, uint32(headerSize)) // directory RVA
	binary.Write(out, le, uint32(0))          // checksum
	binary.Write(out, le, uint32(0))          // timestamp
	binary.Write(out, le, uint64(0))          // flags
	// Directory entry for the module list stream (type 4).
	binary.Write(out, le, uint32(4))
	binary.Write(out, le, moduleListSize)
	binary.Write(out, le, moduleListRVA)
	// Module list.
	binary.Write(out, le, uint32(len(modules)))
	for i, mod := range modules {
		binary.Write(out, le, mod.Base)
		binary.Write(out, le, mod.Size)
		binary.Write(out, le, uint32(0)) // checksum
		binary.Write(out, le, uint32(0)) // timestamp
		binary.Write(out, le, nameLocs[i].rva)
		out.Write(make([]byte, 52)) // VS_FIXEDFILEINFO
		binary.Write(out, le, cvLocs[i].size)
		binary.Write(out, le, cvLocs[i].rva)
		out.Write(make([]byte, 8))  // misc record
		out.Write(make([]byte, 16)) // reserved
	}
	out.Write(heap.Bytes())
	return out.Bytes()
}

// Corrupt returns a copy of the dump with the byte at off flipped.
func Corrupt(dump []byte, off int) []byte {
	out := append([]byte(nil), dump...)
	out[off] ^= 0xff
	return out
}

func buildCodeView(mod Module) []byte {
	le := binary.LittleEndian
	buf := new(bytes.Buffer)
	switch {
	case len(mod.ELFBuildID) > 0:
		binary.Write(buf, le, uint32(0x4270454c))
		buf.Write(mod.ELFBuildID)
	case len(mod.GUID) == 16:
		binary.Write(buf, le, uint32(0x53445352)) // "RSDS"
		buf.Write(mod.GUID[:4])                   // stored little-endian in tests
		buf.Write(mod.GUID[4:6])
		buf.Write(mod.GUID[6:8])
		buf.Write(mod.GUID[8:16])
		binary.Write(buf, le, mod.Age)
		buf.WriteString(mod.PDBName)
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func writeUTF16String(buf *bytes.Buffer, s string) {
	le := binary.LittleEndian
	units := utf16.Encode([]rune(s))
	binary.Write(buf, le, uint32(len(units)*2))
	for _, u := range units {
		binary.Write(buf, le, u)
	}
	binary.Write(buf, le, uint16(0)) // NUL terminator, not counted
}
