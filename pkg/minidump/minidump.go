// Copyright 2025 crashwalk project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package minidump extracts the module list from minidump (MDMP) files.
// Only the pieces needed to derive symbol keys are parsed: the header,
// the stream directory, the module list stream and the per-module
// CodeView records (RSDS/NB10/ELF build id). Everything else in the dump
// is the stackwalking tool's business.
//
// The input is untrusted, so every RVA and length is bounds-checked and
// failures come back wrapped in ErrBadFormat.
package minidump

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path"
	"unicode/utf16"

	"github.com/crashwalk/crashwalk/pkg/symbols"
)

// ErrBadFormat is wrapped by all parse errors. A dump failing with this
// error is permanently malformed and must not be retried.
var ErrBadFormat = errors.New("malformed minidump")

// Module is one loaded module recorded in the dump.
type Module struct {
	Name      string // module path as recorded by the crashing process
	Base      uint64
	Size      uint32
	DebugFile string // empty if the module has no usable debug info
	DebugID   string
}

// SymbolKey returns the symbol store key of the module.
// Only meaningful if DebugFile/DebugID are set.
func (m Module) SymbolKey() symbols.Key {
	return symbols.MakeKey(m.DebugFile, m.DebugID)
}

const (
	mdmpSignature    = 0x504d444d // "MDMP"
	headerSize       = 32
	dirEntrySize     = 12
	moduleEntrySize  = 108
	moduleListStream = 4

	cvSignatureRSDS = 0x53445352 // PDB 7.0
	cvSignatureNB10 = 0x3031424e // PDB 2.0
	cvSignatureELF  = 0x4270454c // breakpad ELF build id record

	maxStreams   = 1 << 10
	maxModules   = 1 << 13
	maxNameBytes = 1 << 12
)

// ReadFileModules reads the module list of the dump file at path.
func ReadFileModules(file string) ([]Module, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read dump: %w", err)
	}
	return ReadModules(data)
}

// ReadModules parses the dump and returns its module list.
// A dump without a module list stream yields an empty list, not an error:
// the stackwalker may still extract something useful from it.
func ReadModules(data []byte) ([]Module, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: truncated header (%v bytes)", ErrBadFormat, len(data))
	}
	le := binary.LittleEndian
	if sig := le.Uint32(data); sig != mdmpSignature {
		return nil, fmt.Errorf("%w: bad signature %#08x", ErrBadFormat, sig)
	}
	streams := le.Uint32(data[8:])
	dirRVA := le.Uint32(data[12:])
	if streams > maxStreams {
		return nil, fmt.Errorf("%w: implausible stream count %v", ErrBadFormat, streams)
	}
	if !inBounds(data, dirRVA, uint64(streams)*dirEntrySize) {
		return nil, fmt.Errorf("%w: stream directory out of bounds", ErrBadFormat)
	}
	for i := uint32(0); i < streams; i++ {
		entry := data[dirRVA+i*dirEntrySize:]
		typ := le.Uint32(entry)
		size := le.Uint32(entry[4:])
		rva := le.Uint32(entry[8:])
		if typ != moduleListStream {
			continue
		}
		if !inBounds(data, rva, uint64(size)) {
			return nil, fmt.Errorf("%w: module list stream out of bounds", ErrBadFormat)
		}
		return parseModuleList(data, rva, size)
	}
	return nil, nil
}

func parseModuleList(data []byte, rva, size uint32) ([]Module, error) {
	le := binary.LittleEndian
	if size < 4 {
		return nil, fmt.Errorf("%w: truncated module list", ErrBadFormat)
	}
	count := le.Uint32(data[rva:])
	if count > maxModules {
		return nil, fmt.Errorf("%w: implausible module count %v", ErrBadFormat, count)
	}
	if uint64(size) < 4+uint64(count)*moduleEntrySize {
		return nil, fmt.Errorf("%w: module list stream too small for %v modules", ErrBadFormat, count)
	}
	modules := make([]Module, 0, count)
	for i := uint32(0); i < count; i++ {
		raw := data[rva+4+i*moduleEntrySize:]
		mod := Module{
			Base: le.Uint64(raw),
			Size: le.Uint32(raw[8:]),
		}
		name, err := readUTF16String(data, le.Uint32(raw[20:]))
		if err != nil {
			return nil, err
		}
		mod.Name = name
		// CodeView record location follows the 52-byte VS_FIXEDFILEINFO.
		cvSize := le.Uint32(raw[76:])
		cvRVA := le.Uint32(raw[80:])
		if cvSize > 0 {
			if !inBounds(data, cvRVA, uint64(cvSize)) {
				return nil, fmt.Errorf("%w: CodeView record of %q out of bounds", ErrBadFormat, name)
			}
			mod.DebugFile, mod.DebugID = parseCodeView(data[cvRVA:cvRVA+cvSize], name)
		}
		modules = append(modules, mod)
	}
	return modules, nil
}

// parseCodeView extracts (debug file, debug id) from a CodeView record.
// Unknown record formats yield empty values; the module is then reported
// as having no symbols rather than failing the whole dump.
func parseCodeView(cv []byte, moduleName string) (string, string) {
	le := binary.LittleEndian
	if len(cv) < 4 {
		return "", ""
	}
	switch le.Uint32(cv) {
	case cvSignatureRSDS:
		// uint32 sig, GUID (16 bytes), uint32 age, NUL-terminated pdb name.
		if len(cv) < 25 {
			return "", ""
		}
		data1 := le.Uint32(cv[4:])
		data2 := le.Uint16(cv[8:])
		data3 := le.Uint16(cv[10:])
		data4 := cv[12:20]
		age := le.Uint32(cv[20:])
		id := fmt.Sprintf("%08X%04X%04X%02X%02X%02X%02X%02X%02X%02X%02X%X",
			data1, data2, data3,
			data4[0], data4[1], data4[2], data4[3],
			data4[4], data4[5], data4[6], data4[7], age)
		return cString(cv[24:]), id
	case cvSignatureNB10:
		// uint32 sig, uint32 offset, uint32 timestamp, uint32 age, name.
		if len(cv) < 17 {
			return "", ""
		}
		timestamp := le.Uint32(cv[8:])
		age := le.Uint32(cv[12:])
		return cString(cv[16:]), fmt.Sprintf("%08X%X", timestamp, age)
	case cvSignatureELF:
		// uint32 sig, raw build id bytes.
		buildID := cv[4:]
		if len(buildID) == 0 {
			return "", ""
		}
		return path.Base(moduleName), elfDebugID(buildID)
	}
	return "", ""
}

// elfDebugID converts an ELF build id into a breakpad debug id:
// the first 16 bytes are treated as a little-endian GUID, with a zero
// "age" nibble appended.
func elfDebugID(buildID []byte) string {
	b := make([]byte, 16)
	copy(b, buildID)
	le := binary.LittleEndian
	return fmt.Sprintf("%08X%04X%04X%02X%02X%02X%02X%02X%02X%02X%02X0",
		le.Uint32(b), le.Uint16(b[4:]), le.Uint16(b[6:]),
		b[8], b[9], b[10], b[11], b[12], b[13], b[14], b[15])
}

// readUTF16String reads a MINIDUMP_STRING: uint32 byte length followed by
// UTF-16LE code units.
func readUTF16String(data []byte, rva uint32) (string, error) {
	if !inBounds(data, rva, 4) {
		return "", fmt.Errorf("%w: string header out of bounds", ErrBadFormat)
	}
	n := binary.LittleEndian.Uint32(data[rva:])
	if n%2 != 0 || n > maxNameBytes {
		return "", fmt.Errorf("%w: bad string length %v", ErrBadFormat, n)
	}
	if !inBounds(data, rva+4, uint64(n)) {
		return "", fmt.Errorf("%w: string data out of bounds", ErrBadFormat)
	}
	u16 := make([]uint16, n/2)
	for i := range u16 {
		u16[i] = binary.LittleEndian.Uint16(data[rva+4+uint32(i)*2:])
	}
	return string(utf16.Decode(u16)), nil
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

func inBounds(data []byte, rva uint32, size uint64) bool {
	return uint64(rva)+size <= uint64(len(data))
}
