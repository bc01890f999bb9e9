// Package virtio implements the VirtIO-MMIO block transport: feature
// negotiation, a single-descriptor indirect-chain request engine over a
// 1-entry virtqueue, and the byte-ranged read/write protocol built on top
// of it via a per-device block-size bounce buffer.
package virtio

import (
	"unsafe"

	"rv39kernel/defs"
	"rv39kernel/ioiface"
	"rv39kernel/lock"
	"rv39kernel/mem"
	"rv39kernel/sched"
	"rv39kernel/util"
)

// MMIO register offsets, virtio-mmio version 2 layout: unlike the legacy
// single-QueuePFN scheme, the queue's three rings are programmed as separate
// 64-bit addresses (split Low/High across two 32-bit registers), the better
// fit for a 64-bit target.
const (
	regMagicValue       = 0x000
	regVersion          = 0x004
	regDeviceID         = 0x008
	regVendorID         = 0x00c
	regHostFeatures     = 0x010
	regHostFeaturesSel  = 0x014
	regGuestFeatures    = 0x020
	regGuestFeaturesSel = 0x024
	regQueueSel         = 0x030
	regQueueNumMax      = 0x034
	regQueueNum         = 0x038
	regQueueReady       = 0x044
	regQueueNotify      = 0x050
	regInterruptStatus  = 0x060
	regInterruptACK     = 0x064
	regStatus           = 0x070
	regQueueDescLow     = 0x080
	regQueueDescHigh    = 0x084
	regQueueAvailLow    = 0x090
	regQueueAvailHigh   = 0x094
	regQueueUsedLow     = 0x0a0
	regQueueUsedHigh    = 0x0a4
	regConfig           = 0x100
)

// Status register bits.
const (
	statusAcknowledge = 1 << 0
	statusDriver      = 1 << 1
	statusDriverOK    = 1 << 2
	statusFeaturesOK  = 1 << 3
	statusFailed      = 1 << 7
)

// Feature bit numbers (not masks — these index a 64-bit feature bitmap
// spread across two 32-bit selectable words, per the virtio spec).
const (
	featBlkSize   = 6
	featTopology  = 10
	featRingIndir = 28
	featRingReset = 40
)

// Interrupt-status bits.
const (
	irqUsedBuffer   = 1 << 0
	irqConfigChange = 1 << 1
)

// Request types and status bytes, per the virtio-blk spec.
const (
	blkTypeIn    = 0
	blkTypeOut   = 1
	blkTypeFlush = 4

	blkStatusOK     = 0
	blkStatusIOErr  = 1
	blkStatusUnsupp = 2
)

// Descriptor flags.
const (
	descFNext     = 1
	descFWrite    = 2
	descFIndirect = 4
)

const defaultBlkSize = 512

/// vringDesc is one virtqueue descriptor: 16 bytes, matching the wire format
/// exactly so it can be written straight into a physical page.
type vringDesc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

/// blkReqHeader is the per-request header virtio-blk expects at the front of
/// the descriptor chain.
type blkReqHeader struct {
	Type     uint32
	Reserved uint32
	Sector   uint64
}

/// Regs_i is the MMIO register window a VirtIO device occupies: a tiny seam
/// over operations that need real hardware (or, in a test, a fake backed by
/// a byte array), supplied by the boot/bus layer.
type Regs_i interface {
	Read32(offset uintptr) uint32
	Write32(offset uintptr, val uint32)
}

/// featureWords is the accumulated 64-bit feature bitmap, split across the
/// two 32-bit registers the MMIO layout exposes one word at a time
/// behind *FeaturesSel.
type featureWords [2]uint32

func (f *featureWords) set(bit uint) { f[bit/32] |= 1 << (bit % 32) }
func (f featureWords) test(bit uint) bool {
	return f[bit/32]&(1<<(bit%32)) != 0
}

func readHostFeatures(regs Regs_i) featureWords {
	var f featureWords
	for sel := range f {
		regs.Write32(regHostFeaturesSel, uint32(sel))
		f[sel] = regs.Read32(regHostFeatures)
	}
	return f
}

func writeGuestFeatures(regs Regs_i, f featureWords) {
	for sel, word := range f {
		regs.Write32(regGuestFeaturesSel, uint32(sel))
		regs.Write32(regGuestFeatures, word)
	}
}

/// Device is a VirtIO-MMIO block device. It implements ioiface.Io_i: Read
/// and Write transfer an arbitrary byte range at the device's current
/// position, splitting into a head-partial, zero or more full blocks, and a
/// tail-partial, and Ctl answers the GETLEN/SETPOS/GETPOS/FLUSH/GETBLKSZ
/// ioctls.
type Device struct {
	ioiface.Ref_t

	regs  Regs_i
	alloc *mem.Allocator
	s     sched.Sched_i

	instno   int
	irqno    int
	opened   bool
	readonly bool

	lk     lock.Sleep_t
	cond   sched.Cond_i
	size   uint64 // device size in bytes
	blksz  uint32 // logical block size exposed to callers; may exceed 512
	blkcnt uint64 // size / blksz

	descPa  mem.Pa_t // physical page backing the single queue's descriptor table
	availPa mem.Pa_t
	usedPa  mem.Pa_t
	usedIdx uint16 // last used.idx this driver has observed

	bufblkno uint64 // block currently cached in blkbuf, valid only right after a submit
	blkbuf   []byte // one block-sized bounce buffer; the data descriptor always points here

	pos int
}

// descTable views the queue's descriptor page as two tables: the main table
// (only [0], the single slot queueNum=1 allows) and, right after it, the
// 3-entry indirect table desc[0] points to — the header/data/status chain.
func descTable(pa mem.Pa_t) *[4]vringDesc {
	return (*[4]vringDesc)(unsafe.Pointer(uintptr(pa)))
}

func mainDesc(pa mem.Pa_t) *vringDesc { return &descTable(pa)[0] }
func indirectTable(pa mem.Pa_t) *[3]vringDesc {
	return (*[3]vringDesc)(unsafe.Pointer(&descTable(pa)[1]))
}

type availRing struct {
	Flags uint16
	Idx   uint16
	Ring  [1]uint16
}

type usedElem struct {
	Id  uint32
	Len uint32
}

type usedRing struct {
	Flags uint16
	Idx   uint16
	Ring  [1]usedElem
}

func availAt(pa mem.Pa_t) *availRing { return (*availRing)(unsafe.Pointer(uintptr(pa))) }
func usedAt(pa mem.Pa_t) *usedRing   { return (*usedRing)(unsafe.Pointer(uintptr(pa))) }

/// New probes and initializes the device at regs, negotiating features and
/// programming a single-entry queue. instno/irqno are carried through from
/// the bus layer for diagnostics and ISR registration; they play no role in
/// the request protocol itself.
func New(regs Regs_i, alloc *mem.Allocator, s sched.Sched_i, instno, irqno int) (*Device, defs.Err_t) {
	if regs.Read32(regDeviceID) != 2 { // virtio-blk device id
		return nil, -defs.ENODEV
	}

	d := &Device{regs: regs, alloc: alloc, s: s, instno: instno, irqno: irqno}
	lock.Init(&d.lk, s, "vioblk")
	d.cond = s.NewCond("vioblk-irq")

	regs.Write32(regStatus, 0)
	regs.Write32(regStatus, statusAcknowledge)
	regs.Write32(regStatus, statusAcknowledge|statusDriver)

	host := readHostFeatures(regs)
	if !host.test(featRingReset) || !host.test(featRingIndir) {
		regs.Write32(regStatus, statusFailed)
		return nil, -defs.ENODEV
	}
	var want featureWords
	want.set(featRingReset)
	want.set(featRingIndir)
	if host.test(featBlkSize) {
		want.set(featBlkSize)
	}
	if host.test(featTopology) {
		want.set(featTopology)
	}
	writeGuestFeatures(regs, want)
	regs.Write32(regStatus, statusAcknowledge|statusDriver|statusFeaturesOK)
	if regs.Read32(regStatus)&statusFeaturesOK == 0 {
		regs.Write32(regStatus, statusFailed)
		return nil, -defs.ENODEV
	}

	d.blksz = defaultBlkSize
	if want.test(featBlkSize) {
		d.blksz = regs.Read32(regConfig + 20) // blk_size field in virtio_blk_config
	}
	capLo := regs.Read32(regConfig + 0)
	capHi := regs.Read32(regConfig + 4)
	sectors := uint64(capHi)<<32 | uint64(capLo)
	d.size = sectors * defaultBlkSize
	d.blkcnt = d.size / uint64(d.blksz)
	d.blkbuf = make([]byte, d.blksz)
	d.bufblkno = ^uint64(0) // no block cached yet

	regs.Write32(regQueueSel, 0)
	qmax := regs.Read32(regQueueNumMax)
	if qmax < 1 {
		regs.Write32(regStatus, statusFailed)
		return nil, -defs.ENODEV
	}
	regs.Write32(regQueueNum, 1)

	d.descPa = d.alloc.AllocPage()
	d.availPa = d.alloc.AllocPage()
	d.usedPa = d.alloc.AllocPage()
	regs.Write32(regQueueDescLow, uint32(uintptr(d.descPa)))
	regs.Write32(regQueueDescHigh, uint32(uintptr(d.descPa)>>32))
	regs.Write32(regQueueAvailLow, uint32(uintptr(d.availPa)))
	regs.Write32(regQueueAvailHigh, uint32(uintptr(d.availPa)>>32))
	regs.Write32(regQueueUsedLow, uint32(uintptr(d.usedPa)))
	regs.Write32(regQueueUsedHigh, uint32(uintptr(d.usedPa)>>32))
	regs.Write32(regQueueReady, 1)

	regs.Write32(regStatus, statusAcknowledge|statusDriver|statusFeaturesOK|statusDriverOK)

	return d, 0
}

func divmod(pos int, blksz uint32) (block uint64, offset int) {
	return uint64(pos) / uint64(blksz), pos % int(blksz)
}

/// submit builds the 4-descriptor indirect chain (indirect/header/data/status)
/// for a whole-block transfer against blkbuf, posts it to the avail ring,
/// and waits for the device to consume it, disabling interrupts around the
/// used-index check so the ISR's broadcast cannot slip between the check
/// and the wait. Unlike lock.Sleep_t.Acquire, this wait restores interrupts
/// afterward.
func (d *Device) submit(reqType uint32, sector uint64) defs.Err_t {
	hdr := blkReqHeader{Type: reqType, Sector: sector}
	var status byte = 0xff

	indirect := indirectTable(d.descPa)
	indirect[0] = vringDesc{Addr: uint64(uintptr(unsafe.Pointer(&hdr))), Len: uint32(unsafe.Sizeof(hdr)), Flags: descFNext, Next: 1}
	dataFlags := uint16(descFNext)
	if reqType == blkTypeIn {
		dataFlags |= descFWrite
	}
	indirect[1] = vringDesc{Addr: uint64(uintptr(unsafe.Pointer(&d.blkbuf[0]))), Len: uint32(len(d.blkbuf)), Flags: dataFlags, Next: 2}
	indirect[2] = vringDesc{Addr: uint64(uintptr(unsafe.Pointer(&status))), Len: 1, Flags: descFWrite}

	*mainDesc(d.descPa) = vringDesc{
		Addr:  uint64(uintptr(unsafe.Pointer(&indirect[0]))),
		Len:   uint32(len(indirect)) * uint32(unsafe.Sizeof(vringDesc{})),
		Flags: descFIndirect,
	}

	avail := availAt(d.availPa)
	slot := avail.Idx % 1
	avail.Ring[slot] = 0
	avail.Idx++

	d.regs.Write32(regQueueNotify, 0)

	saved := d.s.IntrDisable()
	for usedAt(d.usedPa).Idx == d.usedIdx {
		d.cond.Wait()
	}
	d.s.IntrRestore(saved)
	d.usedIdx = usedAt(d.usedPa).Idx

	if status != blkStatusOK {
		d.bufblkno = ^uint64(0)
		return -defs.EIO
	}
	d.bufblkno = sector // blkbuf now mirrors this block, whichever direction just ran
	return 0
}

/// HandleIRQ is called by the trap layer on a device interrupt. A
/// used-buffer notification wakes request waiters; a config-change
/// notification re-reads the capacity and recomputes the block count (the
/// block size negotiated in New is kept).
func (d *Device) HandleIRQ() {
	status := d.regs.Read32(regInterruptStatus)
	if status&irqUsedBuffer != 0 {
		d.cond.Broadcast()
	}
	if status&irqConfigChange != 0 {
		capLo := d.regs.Read32(regConfig + 0)
		capHi := d.regs.Read32(regConfig + 4)
		d.size = (uint64(capHi)<<32 | uint64(capLo)) * defaultBlkSize
		d.blkcnt = d.size / uint64(d.blksz)
	}
	d.regs.Write32(regInterruptACK, status)
}

/// Read transfers len(dst) bytes starting at the device's current position,
/// splitting across block boundaries: at most one head-partial read, zero
/// or more whole blocks, at most one tail-partial read. Serialized on the
/// device's sleep-lock, one transaction at a time.
func (d *Device) Read(dst []byte) (int, defs.Err_t) {
	d.lk.Acquire()
	defer d.lk.Release()

	block, offset := divmod(d.pos, d.blksz)
	read := 0
	for read < len(dst) {
		n := util.Min(int(d.blksz)-offset, len(dst)-read)
		if d.bufblkno != block {
			if err := d.submit(blkTypeIn, block); err != 0 {
				return read, err
			}
		}
		copy(dst[read:read+n], d.blkbuf[offset:offset+n])
		read += n
		offset = 0
		block++
	}
	d.pos += read
	return read, 0
}

/// Write transfers len(src) bytes to the device's current position, the
/// mirror image of Read: a transfer that does not cover a whole block is
/// preceded by a read-modify of that block into blkbuf so bytes outside the
/// written range survive.
func (d *Device) Write(src []byte) (int, defs.Err_t) {
	d.lk.Acquire()
	defer d.lk.Release()

	block, offset := divmod(d.pos, d.blksz)
	written := 0
	for written < len(src) {
		n := util.Min(int(d.blksz)-offset, len(src)-written)
		if offset != 0 || n < int(d.blksz) {
			if d.bufblkno != block {
				if err := d.submit(blkTypeIn, block); err != 0 {
					return written, err
				}
			}
		}
		copy(d.blkbuf[offset:offset+n], src[written:written+n])
		if err := d.submit(blkTypeOut, block); err != 0 {
			return written, err
		}
		written += n
		offset = 0
		block++
	}
	d.pos += written
	return written, 0
}

func (d *Device) Close() defs.Err_t {
	if d.Ref_t.Close() {
		d.opened = false
	}
	return 0
}

// Dup implements ioiface.Dup_i for the process manager's fork path: the
// block device is a single shared instance, so dup just bumps its refcount
// and hands back the same handle.
func (d *Device) Dup() ioiface.Io_i {
	d.Ref_t.Dup()
	return d
}

func (d *Device) Ctl(code int, arg int) (int, defs.Err_t) {
	switch code {
	case ioiface.CtlGetLen:
		return int(d.size), 0
	case ioiface.CtlGetPos:
		return d.pos, 0
	case ioiface.CtlSetPos:
		if arg < 0 {
			return 0, -defs.EINVAL
		}
		d.pos = arg
		return 0, 0
	case ioiface.CtlGetBlkSz:
		return int(d.blksz), 0
	case ioiface.CtlFlush:
		return 0, 0
	default:
		return 0, -defs.ENOTSUP
	}
}

/// Open finishes device construction for use through an iotab slot,
/// incrementing the refcount exactly once.
func (d *Device) Open() (ioiface.Io_i, defs.Err_t) {
	if d.opened {
		return nil, -defs.EBUSY
	}
	d.opened = true
	d.Ref_t.Open()
	return d, 0
}
