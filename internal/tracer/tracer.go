package tracer

import (
	"github.com/sirupsen/logrus"
	"gitlab.com/tozd/go/errors"

	"github.com/wnxd/twilight/emulator"
	"github.com/wnxd/twilight/tracer"
)

// Tracer is the architecture specialisation the shared implementation
// calls back into.
type Tracer interface {
	tracer.Tracer
	PC() emulator.Reg
	SP() emulator.Reg
	RegName(emulator.Reg) string
	// TraceRegs lists the registers written to the trace, pc last.
	TraceRegs() []emulator.Reg
	SnapshotRegs() []emulator.Reg
	SyscallNumber(name string) (uint64, bool)
	ReadSyscall(tracer.Context) (*tracer.Syscall, error)
	WriteSyscallReturn(tracer.Context, uint64) error
	// InitStack writes the process start image below top and returns the
	// initial stack pointer.
	InitStack(ctx tracer.Context, top uint64, argv []string) (uint64, error)
	InsnLen(code []byte) (int, error)
	Disassemble(pc uint64, code []byte) (string, error)
}

type Dbg struct {
	impl  Tracer
	emu   emulator.Emulator
	donor tracer.Donor
	opts  tracer.Options
	log   *logrus.Entry
	ctx   tracer.Context
	memoryManager
	hookManager
	moduleManager
	fileManager
	syscallManager
	runState
}

func (dbg *Dbg) Init(impl Tracer, emu emulator.Emulator, donor tracer.Donor, opts tracer.Options) error {
	if err := checkOptions(&opts, emu.PageSize()); err != nil {
		return err
	}
	dbg.impl = impl
	dbg.emu = emu
	dbg.donor = donor
	dbg.opts = opts
	dbg.log = opts.Logger
	dbg.ctx = newGlobalContext(impl)
	dbg.memoryManager.ctor(dbg)
	dbg.moduleManager.ctor()
	dbg.fileManager.ctor(donor)
	if err := dbg.syscallManager.ctor(dbg); err != nil {
		dbg.Close()
		return err
	}
	if err := dbg.hookManager.ctor(dbg); err != nil {
		dbg.Close()
		return err
	}
	for _, bp := range opts.Breakpoints {
		if _, err := dbg.AddBreakpoint(bp); err != nil {
			dbg.Close()
			return err
		}
	}
	return nil
}

func checkOptions(opts *tracer.Options, pageSize uint64) error {
	if opts.Logger == nil {
		opts.Logger = logrus.WithField("component", "tracer")
	}
	if opts.FaultPolicy == nil {
		opts.FaultPolicy = tracer.AbortPolicy{}
	}
	if opts.ShmDir == "" {
		opts.ShmDir = "/dev/shm"
	}
	for name, v := range map[string]uint64{
		"stack_top":    opts.StackTop,
		"stack_size":   opts.StackSize,
		"scratch_addr": opts.ScratchAddr,
		"scratch_size": opts.ScratchSize,
	} {
		if v == 0 || v%pageSize != 0 {
			return errors.WithDetails(tracer.ErrArgumentInvalid, "option", name, "value", v)
		}
	}
	if opts.StackSize > opts.StackTop {
		return errors.WithDetails(tracer.ErrArgumentInvalid, "option", "stack_size", "value", opts.StackSize)
	}
	return nil
}

func (dbg *Dbg) Close() error {
	dbg.hookManager.dtor()
	dbg.syscallManager.dtor()
	dbg.fileManager.dtor()
	dbg.moduleManager.dtor()
	return dbg.memoryManager.dtor(dbg)
}

func (dbg *Dbg) Emulator() emulator.Emulator {
	return dbg.emu
}

func (dbg *Dbg) Donor() tracer.Donor {
	return dbg.donor
}

// Context is the register context hooks and policies run against.
func (dbg *Dbg) Context() tracer.Context {
	return dbg.ctx
}

func (dbg *Dbg) Options() tracer.Options {
	return dbg.opts
}

func (dbg *Dbg) Snapshot() (tracer.Snapshot, error) {
	regs := dbg.impl.SnapshotRegs()
	vals, err := dbg.emu.RegReadBatch(regs...)
	if err != nil {
		return nil, err
	}
	snap := make(tracer.Snapshot, len(regs))
	for i, reg := range regs {
		snap[i] = tracer.RegValue{Name: dbg.impl.RegName(reg), Value: vals[i]}
	}
	return snap, nil
}
