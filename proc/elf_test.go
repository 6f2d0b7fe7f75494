package proc_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/P1n3appl3/rtos-sub000/blockfile"
	"github.com/P1n3appl3/rtos-sub000/heap"
	"github.com/P1n3appl3/rtos-sub000/proc"
	"github.com/P1n3appl3/rtos-sub000/sched"
)

const (
	phtLoad     = 1
	flagExec    = 1
	flagWrite   = 2
	typeExec    = 2
	machineARM  = 40
	elfHdrSize  = 52
	phEntrySize = 32
)

type segment struct {
	flags uint32
	data  []byte
	memsz uint32
}

// buildELF assembles a minimal ELF32 EXEC image: a header, one program
// header per segment, then the segments' raw bytes, laid out exactly
// as original_source/lib/loader.c's SEGMENT_OFFSET macro expects
// (header, then a contiguous program header table, then data the
// offsets point into).
func buildELF(t uint16, machine uint16, entry uint32, segs []segment) []byte {
	phoff := uint32(elfHdrSize)
	dataOff := phoff + uint32(len(segs))*phEntrySize

	hdr := make([]byte, elfHdrSize)
	hdr[0], hdr[1], hdr[2], hdr[3], hdr[4] = 0x7F, 'E', 'L', 'F', 1
	binary.LittleEndian.PutUint16(hdr[16:18], t)
	binary.LittleEndian.PutUint16(hdr[18:20], machine)
	binary.LittleEndian.PutUint32(hdr[24:28], entry)
	binary.LittleEndian.PutUint32(hdr[28:32], phoff)
	binary.LittleEndian.PutUint16(hdr[44:46], uint16(len(segs)))

	var phdrs []byte
	var body []byte
	off := dataOff
	for _, s := range segs {
		ph := make([]byte, phEntrySize)
		binary.LittleEndian.PutUint32(ph[0:4], phtLoad)
		binary.LittleEndian.PutUint32(ph[4:8], off)
		binary.LittleEndian.PutUint32(ph[16:20], uint32(len(s.data)))
		binary.LittleEndian.PutUint32(ph[20:24], s.memsz)
		binary.LittleEndian.PutUint32(ph[24:28], s.flags)
		phdrs = append(phdrs, ph...)
		body = append(body, s.data...)
		off += uint32(len(s.data))
	}

	out := append(hdr, phdrs...)
	out = append(out, body...)
	return out
}

func newLoaderAndKernel() (*proc.Loader, *proc.Manager, *sched.Kernel, *blockfile.Mem) {
	h := heap.New(1 << 16)
	k := sched.New(sched.Config{MaxThreads: 4, StackBytes: 256, Heap: h})
	procs := proc.NewManager()
	store := blockfile.NewMem()
	return proc.NewLoader(store, procs, nil), procs, k, store
}

func TestExecLoadsValidImage(t *testing.T) {
	loader, procs, k, store := newLoaderAndKernel()
	text := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	data := []byte{1, 2, 3, 4}
	store.Put("a.elf", buildELF(typeExec, machineARM, 2, []segment{
		{flags: flagExec, data: text, memsz: uint32(len(text))},
		{flags: flagWrite, data: data, memsz: 8}, // memsz > filesz: bss tail zero-filled
	}))

	err := loader.Exec(k, "a.elf", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, procs.Count())
}

func TestExecRejectsBadMagic(t *testing.T) {
	loader, _, k, store := newLoaderAndKernel()
	bad := buildELF(typeExec, machineARM, 0, []segment{{flags: flagExec, data: []byte{1}, memsz: 1}})
	bad[0] = 0x00
	store.Put("bad.elf", bad)

	err := loader.Exec(k, "bad.elf", 0, 10)
	assert.ErrorIs(t, err, proc.ErrBadMagic)
}

func TestExecRejectsNonExecType(t *testing.T) {
	loader, _, k, store := newLoaderAndKernel()
	store.Put("rel.elf", buildELF(1 /* ET_REL */, machineARM, 0, []segment{
		{flags: flagExec, data: []byte{1}, memsz: 1},
	}))

	err := loader.Exec(k, "rel.elf", 0, 10)
	assert.ErrorIs(t, err, proc.ErrNotExec)
}

func TestExecRejectsMultipleWritableSegments(t *testing.T) {
	loader, _, k, store := newLoaderAndKernel()
	store.Put("multi.elf", buildELF(typeExec, machineARM, 2, []segment{
		{flags: flagExec, data: []byte{1}, memsz: 1},
		{flags: flagWrite, data: []byte{2}, memsz: 1},
		{flags: flagWrite, data: []byte{3}, memsz: 1},
	}))

	err := loader.Exec(k, "multi.elf", 0, 10)
	assert.ErrorIs(t, err, proc.ErrMultipleWritable)
}

func TestExecRejectsUnclassifiableSegment(t *testing.T) {
	loader, _, k, store := newLoaderAndKernel()
	store.Put("weird.elf", buildELF(typeExec, machineARM, 2, []segment{
		{flags: flagExec, data: []byte{1}, memsz: 1},
		{flags: 0, data: []byte{2}, memsz: 1},
	}))

	err := loader.Exec(k, "weird.elf", 0, 10)
	assert.ErrorIs(t, err, proc.ErrUnclassifiable)
}

func TestExecRejectsMissingFile(t *testing.T) {
	loader, _, k, _ := newLoaderAndKernel()
	err := loader.Exec(k, "missing.elf", 0, 10)
	assert.ErrorIs(t, err, proc.ErrOpen)
}

func TestExecAcceptsSegmentWithBSSTail(t *testing.T) {
	loader, _, k, store := newLoaderAndKernel()
	text := []byte{1, 2, 3, 4}
	data := []byte{9, 9} // filesz=2, memsz=6: 4 trailing zero bytes
	store.Put("bss.elf", buildELF(typeExec, machineARM, 2, []segment{
		{flags: flagExec, data: text, memsz: uint32(len(text))},
		{flags: flagWrite, data: data, memsz: 6},
	}))

	err := loader.Exec(k, "bss.elf", 0, 10)
	require.NoError(t, err)
}
