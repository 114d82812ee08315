package ipc

import (
	"sync"
	"testing"

	"hyperion/kernel"
	"hyperion/kernel/sched"
)

// installNoScheduler replaces every hook this package uses to reach
// kernel/mem/vmm and kernel/sched with safe, allocation-light fakes, so
// tests never translate an address through a real page table or block a
// task through the real scheduler (which would touch real cpu.* assembly
// this package has no business exercising).
func installNoScheduler(t *testing.T) {
	t.Helper()

	savedTranslate := translateFn
	savedCurrent := currentTaskFn
	savedBlock := blockFn
	savedWake := wakeTaskFn

	translateFn = func(uintptr) (uintptr, *kernel.Error) {
		return 0, vmmErrNotMapped
	}
	currentTaskFn = func() *sched.Task { return nil }
	blockFn = func(markParked func()) *sched.Task {
		if markParked != nil {
			markParked()
		}
		return nil
	}
	wakeTaskFn = func(*sched.Task) {}

	t.Cleanup(func() {
		translateFn = savedTranslate
		currentTaskFn = savedCurrent
		blockFn = savedBlock
		wakeTaskFn = savedWake
	})
}

var vmmErrNotMapped = &kernel.Error{Module: "vmm", Message: "address is not mapped"}

func TestChannelSendRecvRoundTrip(t *testing.T) {
	installNoScheduler(t)

	c := NewChannel(16)
	n, ok := c.Send([]byte("hello"))
	if !ok || n != 5 {
		t.Fatalf("Send = (%d, %v), want (5, true)", n, ok)
	}

	buf := make([]byte, 5)
	n, ok = c.Recv(buf)
	if !ok || n != 5 || string(buf) != "hello" {
		t.Fatalf("Recv = (%d, %q, %v), want (5, %q, true)", n, buf, ok, "hello")
	}
}

func TestChannelSendBlocksUntilDrained(t *testing.T) {
	installNoScheduler(t)

	c := NewChannel(4)
	payload := []byte("0123456789")

	var wg sync.WaitGroup
	wg.Add(1)
	received := make([]byte, 0, len(payload))
	go func() {
		defer wg.Done()
		buf := make([]byte, 3)
		for len(received) < len(payload) {
			n, ok := c.Recv(buf)
			received = append(received, buf[:n]...)
			if !ok {
				return
			}
		}
	}()

	n, ok := c.Send(payload)
	if !ok || n != len(payload) {
		t.Fatalf("Send = (%d, %v), want (%d, true)", n, ok, len(payload))
	}

	wg.Wait()
	if string(received) != string(payload) {
		t.Fatalf("receiver got %q, want %q", received, payload)
	}
}

func TestChannelCloseRejectsSendAndRecv(t *testing.T) {
	installNoScheduler(t)

	c := NewChannel(4)
	c.Close()

	if n, ok := c.Send([]byte("x")); ok || n != 0 {
		t.Fatalf("Send on a closed channel = (%d, %v), want (0, false)", n, ok)
	}
	if n, ok := c.Recv(make([]byte, 1)); ok || n != 0 {
		t.Fatalf("Recv on a closed, empty channel = (%d, %v), want (0, false)", n, ok)
	}
}

func TestFutexWaitReturnsImmediatelyOnValueMismatch(t *testing.T) {
	installNoScheduler(t)

	var blocked bool
	blockFn = func(markParked func()) *sched.Task {
		blocked = true
		if markParked != nil {
			markParked()
		}
		return nil
	}

	var word uint64 = 7
	Wait(&word, 99)

	if blocked {
		t.Fatalf("Wait called blockFn despite a value mismatch")
	}
	if woke := Wake(&word, 1); woke != 0 {
		t.Fatalf("Wake found %d waiters registered after a mismatched Wait, want 0", woke)
	}
}

func TestFutexWakeRespectsNAndAddr(t *testing.T) {
	installNoScheduler(t)

	var woken []*sched.Task
	wakeTaskFn = func(tsk *sched.Task) { woken = append(woken, tsk) }

	var wordA, wordB uint64 = 1, 1

	tasks := []*sched.Task{{Tid: 1}, {Tid: 2}, {Tid: 3}}
	for _, tsk := range tasks {
		currentTaskFn = func() *sched.Task { return tsk }
		Wait(&wordA, 1)
	}

	currentTaskFn = func() *sched.Task { return &sched.Task{Tid: 99} }
	Wait(&wordB, 1)

	if woke := Wake(&wordA, 2); woke != 2 {
		t.Fatalf("Wake(&wordA, 2) woke %d, want 2", woke)
	}
	if len(woken) != 2 {
		t.Fatalf("wakeTaskFn called %d times, want 2", len(woken))
	}

	if woke := Wake(&wordA, 10); woke != 1 {
		t.Fatalf("Wake(&wordA, 10) on the remaining waiter = %d, want 1", woke)
	}

	if woke := Wake(&wordB, 10); woke != 1 {
		t.Fatalf("Wake(&wordB, 10) = %d, want 1 (wordA's waiters must not leak into wordB's bucket)", woke)
	}
}
