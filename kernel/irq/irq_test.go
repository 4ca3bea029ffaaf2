package irq

import (
	"bytes"
	"errors"
	"testing"
	"unsafe"

	"vexos/kernel/kfmt"
)

// The trap trampoline accesses the saved frame by fixed byte offsets, so the
// layout of Regs is part of the ABI.
func TestRegsLayoutMatchesTrapABI(t *testing.T) {
	var r Regs

	specs := []struct {
		name   string
		offset uintptr
		exp    uintptr
	}{
		{"gs", unsafe.Offsetof(r.GS), 0},
		{"fs", unsafe.Offsetof(r.FS), 2},
		{"es", unsafe.Offsetof(r.ES), 4},
		{"ds", unsafe.Offsetof(r.DS), 6},
		{"edi", unsafe.Offsetof(r.EDI), 8},
		{"esi", unsafe.Offsetof(r.ESI), 12},
		{"ebp", unsafe.Offsetof(r.EBP), 16},
		{"esp", unsafe.Offsetof(r.ESP), 20},
		{"ebx", unsafe.Offsetof(r.EBX), 24},
		{"edx", unsafe.Offsetof(r.EDX), 28},
		{"ecx", unsafe.Offsetof(r.ECX), 32},
		{"eax", unsafe.Offsetof(r.EAX), 36},
		{"int_no", unsafe.Offsetof(r.IntNo), 40},
		{"err_code", unsafe.Offsetof(r.ErrCode), 44},
		{"eip", unsafe.Offsetof(r.EIP), 48},
		{"cs", unsafe.Offsetof(r.CS), 52},
		{"eflags", unsafe.Offsetof(r.EFlags), 56},
		{"useresp", unsafe.Offsetof(r.UserESP), 60},
		{"ss", unsafe.Offsetof(r.SS), 64},
	}

	for _, spec := range specs {
		if spec.offset != spec.exp {
			t.Errorf("expected %s at offset %d; got %d", spec.name, spec.exp, spec.offset)
		}
	}
}

func TestHandlerRegistry(t *testing.T) {
	Reset()

	if HandlerFor(SyscallVector) != nil {
		t.Fatal("expected no handler after Reset")
	}

	invoked := 0
	HandleInterrupt(SyscallVector, func(regs *Regs) HandlerOutcome {
		invoked++
		return Continue()
	})

	handler := HandlerFor(SyscallVector)
	if handler == nil {
		t.Fatal("expected the handler to be registered")
	}
	handler(&Regs{})
	if invoked != 1 {
		t.Fatalf("expected the handler to run once; ran %d times", invoked)
	}

	Reset()
	if HandlerFor(SyscallVector) != nil {
		t.Fatal("expected Reset to drop the handler")
	}
}

func TestHandlerOutcomes(t *testing.T) {
	if !Continue().IsContinue() {
		t.Fatal("expected Continue to be a continue outcome")
	}

	terminate, exitValue := TerminateCurrent(42).IsTerminate()
	if !terminate || exitValue != 42 {
		t.Fatalf("expected a terminate outcome carrying 42; got %t/%d", terminate, exitValue)
	}
	if TerminateCurrent(42).IsContinue() {
		t.Fatal("expected a terminate outcome not to be a continue outcome")
	}

	cause := errors.New("boom")
	panics, got := Panic(cause).IsPanic()
	if !panics || got != cause {
		t.Fatal("expected a panic outcome carrying its cause")
	}
}

func TestExceptionName(t *testing.T) {
	specs := []struct {
		intNo uint32
		exp   string
	}{
		{0, "Division By Zero"},
		{6, "Invalid Opcode"},
		{13, "General Protection Fault"},
		{14, "Page Fault"},
		{31, "Reserved"},
	}

	for specIndex, spec := range specs {
		if got := ExceptionName(spec.intNo); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}
}

func TestRegsDump(t *testing.T) {
	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	defer kfmt.SetOutputSink(nil)

	r := Regs{EAX: 0xdead, EIP: 0x400000, CS: 0x1b}
	r.Dump()

	for _, want := range []string{"EAX", "EIP", "dead", "400000"} {
		if !bytes.Contains(buf.Bytes(), []byte(want)) {
			t.Fatalf("expected the dump to mention %q; got %q", want, buf.String())
		}
	}
}
