package syscall

import (
	"unsafe"

	"hyperion/kernel/cpu"
	"hyperion/kernel/errors"
	"hyperion/kernel/ipc"
	"hyperion/kernel/kfmt/early"
	"hyperion/kernel/mem/pmm"
	"hyperion/kernel/mem/pmm/allocator"
	"hyperion/kernel/mem/vmm"
	"hyperion/kernel/sched"
)

// the following are mocked by tests so handlers can be exercised without a
// live scheduler or address space behind them.
var (
	currentFn      = sched.Current
	nowFn          = sched.Now
	yieldNowFn     = sched.YieldNow
	sleepUntilFn   = sched.SleepUntil
	spawnFn        = sched.Spawn
	exitFn         = sched.Exit
	doneFn         = sched.Done
	callIndirectFn = cpu.CallIndirect

	translateFn  = vmm.Translate
	mapFn        = vmm.Map
	unmapFn      = vmm.Unmap
	allocFrameFn = allocator.AllocFrame
	freeFrameFn  = allocator.FreeFrame

	futexWaitFn = ipc.Wait
	futexWakeFn = ipc.Wake
)

const maxLogLen = 1024

func init() {
	register(Log, doLog)
	register(Exit, doExit)
	register(Done, doDone)
	register(YieldNow, doYieldNow)
	register(Timestamp, doTimestamp)
	register(Nanosleep, doNanosleep)
	register(NanosleepUntil, doNanosleepUntil)
	register(Spawn, doSpawn)
	register(Palloc, doPalloc)
	register(Pfree, doPfree)
	register(Send, doSend)
	register(Recv, doRecv)
	register(GetPid, doGetPid)
	register(GetTid, doGetTid)
	register(FutexWait, doFutexWait)
	register(FutexWake, doFutexWake)

	for _, n := range []Number{
		Rename, Open, Close, Read, Write, Socket, Bind, Listen, Accept,
		Connect, Dup, OpenDir, MapFile, UnmapFile, Metadata, Seek,
	} {
		register(n, stubNotImplemented)
	}
}

// stubNotImplemented backs every syscall number this core reserves for a
// VFS/socket layer it does not itself implement. It reports
// errors.NotFound, the same code Dispatch returns for a number with no
// handler, so a caller cannot tell the two cases apart.
func stubNotImplemented(args) (uintptr, errors.Code) {
	return 0, errors.NotFound
}

func doLog(a args) (uintptr, errors.Code) {
	s, code := validateString(a.a0, maxLogLen)
	if code != errors.OK {
		return 0, code
	}
	logFn(s)
	return 0, errors.OK
}

// logFn is mocked by tests; the real implementation writes to the active
// early console the same way every other kernel subsystem logs.
var logFn = realLog

func realLog(s string) {
	early.Printf("%s", s)
}

func doExit(a args) (uintptr, errors.Code) {
	exitFn()
	return 0, errors.OK // unreachable: Exit never returns
}

func doDone(a args) (uintptr, errors.Code) {
	doneFn()
	return 0, errors.OK // unreachable: Done never returns
}

func doYieldNow(a args) (uintptr, errors.Code) {
	yieldNowFn()
	return 0, errors.OK
}

func doTimestamp(a args) (uintptr, errors.Code) {
	return uintptr(nowFn()), errors.OK
}

// doNanosleep treats a0 as a duration expressed directly in the scheduler
// clock's own units (the same units SleepUntil's deadline argument uses);
// converting a wall-clock nanosecond count into those units is a boot-time
// frequency-calibration concern this core does not implement.
func doNanosleep(a args) (uintptr, errors.Code) {
	sleepUntilFn(nowFn() + uint64(a.a0))
	return 0, errors.OK
}

func doNanosleepUntil(a args) (uintptr, errors.Code) {
	sleepUntilFn(uint64(a.a0))
	return 0, errors.OK
}

// doSpawn starts a new task in the caller's own process at the user-supplied
// entry address. Without a GDT/TSS or ELF loader (out of this core's scope)
// the new task still runs in kernel mode; CallIndirect is the same
// raw-address CALL EntryTrampoline performs for its own fn/arg pair.
func doSpawn(a args) (uintptr, errors.Code) {
	entry := a.a0
	if !isMappedFn(entry) {
		return 0, errors.InvalidAddress
	}

	cur := currentFn()
	if cur == nil {
		return 0, errors.NotFound
	}

	t, err := spawnFn(cur.Process, func() { callIndirectFn(entry, 0) })
	if err != nil {
		return 0, errors.FilesystemError
	}
	return uintptr(t.Tid), errors.OK
}

func doPalloc(a args) (uintptr, errors.Code) {
	vaddr := a.a0

	frame, err := allocFrameFn()
	if err != nil {
		return 0, errors.FilesystemError
	}

	if mapErr := mapFn(vmm.Page(vaddr), frame, vmm.FlagRW|vmm.FlagUser); mapErr != nil {
		freeFrameFn(frame)
		return 0, errors.InvalidAddress
	}

	return vaddr, errors.OK
}

func doPfree(a args) (uintptr, errors.Code) {
	vaddr := a.a0

	phys, err := translateFn(vaddr)
	if err != nil {
		return 0, errors.InvalidAddress
	}

	if unmapErr := unmapFn(vmm.Page(vaddr)); unmapErr != nil {
		return 0, errors.InvalidAddress
	}

	freeFrameFn(pmm.FromAddress(phys))
	return 0, errors.OK
}

// endpoint is the surface Send/Recv need from a process's channel
// extension. *ipc.Channel satisfies it; tests substitute a fake so send/recv
// handler logic can be exercised without a real futex table behind it.
type endpoint interface {
	Send(data []byte) (int, bool)
	Recv(buf []byte) (int, bool)
}

var _ endpoint = (*ipc.Channel)(nil)

// processChannel returns the channel endpoint attached to the calling
// task's process, if any. Channel endpoints are opaque process extension
// state: no syscall in this core's numbering establishes one, so send/recv
// only serve a process whose channel was wired up for it by whatever
// spawned it.
func processChannel() (endpoint, errors.Code) {
	cur := currentFn()
	if cur == nil {
		return nil, errors.NotFound
	}
	c, ok := cur.Process.Ext.(endpoint)
	if !ok || c == nil {
		return nil, errors.NotFound
	}
	return c, errors.OK
}

func doSend(a args) (uintptr, errors.Code) {
	c, code := processChannel()
	if code != errors.OK {
		return 0, code
	}
	if !validateRange(a.a0, a.a1) {
		return 0, errors.InvalidAddress
	}

	data := readBytesFn(a.a0, int(a.a1))
	n, ok := c.Send(data)
	if !ok {
		return uintptr(n), errors.WriteZero
	}
	return uintptr(n), errors.OK
}

func doRecv(a args) (uintptr, errors.Code) {
	c, code := processChannel()
	if code != errors.OK {
		return 0, code
	}
	if !validateRange(a.a0, a.a1) {
		return 0, errors.InvalidAddress
	}

	buf := readBytesFn(a.a0, int(a.a1))
	n, ok := c.Recv(buf)
	if !ok {
		return uintptr(n), errors.UnexpectedEOF
	}
	return uintptr(n), errors.OK
}

func doGetPid(a args) (uintptr, errors.Code) {
	cur := currentFn()
	if cur == nil {
		return 0, errors.NotFound
	}
	return uintptr(cur.Process.Pid), errors.OK
}

func doGetTid(a args) (uintptr, errors.Code) {
	cur := currentFn()
	if cur == nil {
		return 0, errors.NotFound
	}
	return uintptr(cur.Tid), errors.OK
}

func doFutexWait(a args) (uintptr, errors.Code) {
	if !validateRange(a.a0, 8) {
		return 0, errors.InvalidAddress
	}
	futexWaitFn((*uint64)(unsafe.Pointer(a.a0)), uint64(a.a1))
	return 0, errors.OK
}

func doFutexWake(a args) (uintptr, errors.Code) {
	if !validateRange(a.a0, 8) {
		return 0, errors.InvalidAddress
	}
	woke := futexWakeFn((*uint64)(unsafe.Pointer(a.a0)), int(a.a1))
	return uintptr(woke), errors.OK
}
