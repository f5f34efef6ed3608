// Package cdus implements the character-device-in-userspace wire protocol
// (the kernel's CUSE/FUSE request/reply framing) and the per-file state
// machine that rides on top of it.
package cdus

import (
	"encoding/binary"
	"fmt"
	"unsafe"
)

// Opcode values are fixed by the kernel ABI.
type Opcode uint32

const (
	OpInit      Opcode = 4096 // CUSE_INIT
	OpOpen      Opcode = 14   // FUSE_OPEN
	OpRead      Opcode = 15   // FUSE_READ
	OpWrite     Opcode = 16   // FUSE_WRITE
	OpRelease   Opcode = 18   // FUSE_RELEASE
	OpInterrupt Opcode = 36   // FUSE_INTERRUPT
	OpIoctl     Opcode = 39   // FUSE_IOCTL
)

// Open flags relevant to OPEN decoding (from <fcntl.h>).
const (
	OWronly = 1 << 0
	ORdwr   = 1 << 1
)

// Reply open flags.
const (
	FopenDirectIO    = 1 << 0
	FopenNonseekable = 1 << 2
)

// InHeader is the 40-byte request header preceding every request body.
type InHeader struct {
	Len     uint32
	Opcode  Opcode
	Unique  uint64
	NodeID  uint64
	UID     uint32
	GID     uint32
	PID     uint32
	Padding uint32
}

const inHeaderSize = 40

var _ [inHeaderSize]byte = [unsafe.Sizeof(InHeader{})]byte{}

func (h *InHeader) Unmarshal(data []byte) error {
	if len(data) < inHeaderSize {
		return fmt.Errorf("cdus: short in-header: %d bytes", len(data))
	}
	h.Len = binary.LittleEndian.Uint32(data[0:4])
	h.Opcode = Opcode(binary.LittleEndian.Uint32(data[4:8]))
	h.Unique = binary.LittleEndian.Uint64(data[8:16])
	h.NodeID = binary.LittleEndian.Uint64(data[16:24])
	h.UID = binary.LittleEndian.Uint32(data[24:28])
	h.GID = binary.LittleEndian.Uint32(data[28:32])
	h.PID = binary.LittleEndian.Uint32(data[32:36])
	h.Padding = binary.LittleEndian.Uint32(data[36:40])
	return nil
}

// OutHeader is the 16-byte reply header.
type OutHeader struct {
	Len    uint32
	Error  int32
	Unique uint64
}

const outHeaderSize = 16

var _ [outHeaderSize]byte = [unsafe.Sizeof(OutHeader{})]byte{}

func (h *OutHeader) Marshal(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Len)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.Error))
	binary.LittleEndian.PutUint64(buf[8:16], h.Unique)
}

// OpenIn is the FUSE_OPEN request body.
type OpenIn struct {
	Flags uint32
	_     uint32
}

const openInSize = 8

func (b *OpenIn) Unmarshal(data []byte) error {
	if len(data) < openInSize {
		return fmt.Errorf("cdus: short open-in: %d bytes", len(data))
	}
	b.Flags = binary.LittleEndian.Uint32(data[0:4])
	return nil
}

// OpenOut is the FUSE_OPEN reply body.
type OpenOut struct {
	FH        uint64
	OpenFlags uint32
	_         uint32
}

const openOutSize = 16

func (b *OpenOut) Marshal(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], b.FH)
	binary.LittleEndian.PutUint32(buf[8:12], b.OpenFlags)
}

// ReadIn is the FUSE_READ request body (only the fields this server uses).
type ReadIn struct {
	FH     uint64
	Offset uint64
	Size   uint32
}

const readInSize = 24 // fh, offset, size, read_flags; Unmarshal reads only the first 20 bytes

func (b *ReadIn) Unmarshal(data []byte) error {
	if len(data) < 20 {
		return fmt.Errorf("cdus: short read-in: %d bytes", len(data))
	}
	b.FH = binary.LittleEndian.Uint64(data[0:8])
	b.Offset = binary.LittleEndian.Uint64(data[8:16])
	b.Size = binary.LittleEndian.Uint32(data[16:20])
	return nil
}

// WriteIn is the FUSE_WRITE request body: fh, offset, size, write_flags,
// lock_owner, flags, padding, at its true 40-byte kernel ABI size. The
// write payload itself follows immediately after all 40 bytes in the
// request buffer, not after just the fields this server reads.
type WriteIn struct {
	FH     uint64
	Offset uint64
	Size   uint32
}

const writeInSize = 40

func (b *WriteIn) Unmarshal(data []byte) error {
	if len(data) < writeInSize {
		return fmt.Errorf("cdus: short write-in: %d bytes", len(data))
	}
	b.FH = binary.LittleEndian.Uint64(data[0:8])
	b.Offset = binary.LittleEndian.Uint64(data[8:16])
	b.Size = binary.LittleEndian.Uint32(data[16:20])
	return nil
}

// WriteOut is the FUSE_WRITE reply body.
type WriteOut struct {
	Size uint32
	_    uint32
}

const writeOutSize = 8

func (b *WriteOut) Marshal(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], b.Size)
}

// ReleaseIn is the FUSE_RELEASE request body's fields this server uses.
type ReleaseIn struct {
	FH    uint64
	Flags uint32
}

func (b *ReleaseIn) Unmarshal(data []byte) error {
	if len(data) < 16 {
		return fmt.Errorf("cdus: short release-in: %d bytes", len(data))
	}
	b.FH = binary.LittleEndian.Uint64(data[0:8])
	b.Flags = binary.LittleEndian.Uint32(data[8:12])
	return nil
}

// InterruptIn is the FUSE_INTERRUPT request body.
type InterruptIn struct {
	Unique uint64
}

func (b *InterruptIn) Unmarshal(data []byte) error {
	if len(data) < 8 {
		return fmt.Errorf("cdus: short interrupt-in: %d bytes", len(data))
	}
	b.Unique = binary.LittleEndian.Uint64(data[0:8])
	return nil
}

// CuseInitIn is the CUSE_INIT request body: major, minor, an unused
// uint32, then flags.
type CuseInitIn struct {
	Major uint32
	Minor uint32
	Flags uint32
}

func (b *CuseInitIn) Unmarshal(data []byte) error {
	if len(data) < 16 {
		return fmt.Errorf("cdus: short cuse-init-in: %d bytes", len(data))
	}
	b.Major = binary.LittleEndian.Uint32(data[0:4])
	b.Minor = binary.LittleEndian.Uint32(data[4:8])
	b.Flags = binary.LittleEndian.Uint32(data[12:16])
	return nil
}

// CuseInitOut is the CUSE_INIT reply body: an 8-field, 32-byte fixed
// portion (major through dev_minor) followed by 10 reserved uint32s, for
// the kernel ABI's full 72-byte struct cuse_init_out. The DEVNAME=
// appendix is written by the caller immediately after this body.
type CuseInitOut struct {
	Major    uint32
	Minor    uint32
	Unused   uint32
	Flags    uint32
	MaxRead  uint32
	MaxWrite uint32
	DevMajor uint32
	DevMinor uint32
	Spare    [10]uint32
}

const cuseInitOutSize = 32 + 40 // 8 leading uint32 fields + spare[10]

func (b *CuseInitOut) Marshal(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], b.Major)
	binary.LittleEndian.PutUint32(buf[4:8], b.Minor)
	binary.LittleEndian.PutUint32(buf[8:12], b.Unused)
	binary.LittleEndian.PutUint32(buf[12:16], b.Flags)
	binary.LittleEndian.PutUint32(buf[16:20], b.MaxRead)
	binary.LittleEndian.PutUint32(buf[20:24], b.MaxWrite)
	binary.LittleEndian.PutUint32(buf[24:28], b.DevMajor)
	binary.LittleEndian.PutUint32(buf[28:32], b.DevMinor)
	// Spare is zeroed padding; buf is expected to already be zero-valued.
}
