package tracer

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"
	"gitlab.com/tozd/go/errors"

	"github.com/wnxd/twilight/backing"
	"github.com/wnxd/twilight/emulator"
	"github.com/wnxd/twilight/loader/elf"
	"github.com/wnxd/twilight/privileged"
	"github.com/wnxd/twilight/tracer"
)

const maxInsnLen = 15

type pendingOp struct {
	seg   privileged.Segment
	value uint64
}

type runState struct {
	state    tracer.State
	pending  *pendingOp
	fatal    error
	exited   bool
	exitCode int
	stopAt   uint64
	count    uint64
}

func (dbg *Dbg) State() tracer.State {
	return dbg.state
}

func (dbg *Dbg) setState(s tracer.State) {
	if dbg.state == s {
		return
	}
	dbg.log.WithFields(logrus.Fields{"from": dbg.state.String(), "to": s.String()}).Info("state")
	dbg.state = s
}

// abort records the first fatal error raised inside a hook and stops the
// engine so the run loop sees it.
func (dbg *Dbg) abort(err error) {
	if dbg.fatal == nil {
		dbg.fatal = err
	}
	dbg.emu.Stop()
}

func (dbg *Dbg) handleTrace(addr, size uint64, data any) {
	if dbg.state != tracer.State_Running {
		return
	}
	dbg.count++
	if trace := dbg.opts.Trace; trace != nil {
		regs, err := dbg.emu.RegReadBatch(dbg.impl.TraceRegs()...)
		if err == nil {
			err = trace.Instruction(regs)
		}
		if err != nil {
			dbg.abort(errors.WithDetails(err, "pc", addr))
			return
		}
	}
	if dbg.opts.Disassemble && dbg.log.Logger.IsLevelEnabled(logrus.TraceLevel) {
		code, err := dbg.emu.MemRead(addr, size)
		if err != nil {
			return
		}
		text, err := dbg.impl.Disassemble(addr, code)
		if err != nil {
			text = "(bad)"
		}
		dbg.log.WithField("pc", tracer.Hex(addr)).Trace(text)
	}
}

// setup maps scratch, program and stack and returns the entry point.
func (dbg *Dbg) setup() (uint64, error) {
	opts := dbg.opts
	if err := dbg.emu.MemMap(opts.ScratchAddr, opts.ScratchSize, emulator.MEM_PROT_ALL); err != nil {
		return 0, errors.WithDetails(err, "scratch", opts.ScratchAddr)
	}
	mod, err := elf.Open(opts.Program)
	if err != nil {
		return 0, err
	}
	defer mod.Close()
	image, err := dbg.Load(mod, opts.LoadOffset)
	if err != nil {
		return 0, err
	}
	if _, err = dbg.EnsureMapped(opts.StackTop-opts.StackSize, opts.StackSize); err != nil {
		return 0, err
	}
	sp, err := dbg.impl.InitStack(dbg.ctx, opts.StackTop, []string{opts.Program, opts.Argument})
	if err != nil {
		return 0, err
	}
	return image.Entry, dbg.emu.RegWrite(dbg.impl.SP(), sp)
}

// Run drives the program. Only INIT may be run; a finished tracer reports
// ErrStateInvalid.
func (dbg *Dbg) Run(ctx context.Context) (tracer.Result, error) {
	if dbg.state != tracer.State_Init {
		return dbg.result(), errors.WithDetails(tracer.ErrStateInvalid, "state", dbg.state.String())
	}
	pc, err := dbg.setup()
	if err != nil {
		return dbg.fail(err)
	}
	for {
		if err = ctx.Err(); err != nil {
			return dbg.fail(errors.WithStack(err))
		}
		dbg.setState(tracer.State_Running)
		err = dbg.emu.Start(pc, 0)
		if dbg.fatal != nil {
			return dbg.fail(dbg.fatal)
		}
		if err != nil {
			next, err := dbg.handleFault(err)
			if err != nil {
				return dbg.fail(err)
			}
			pc = next
			continue
		}
		switch {
		case dbg.pending != nil:
			if pc, err = dbg.applyPending(); err != nil {
				return dbg.fail(err)
			}
		case dbg.exited:
			dbg.log.WithField("code", dbg.exitCode).Info("program exited")
			dbg.setState(tracer.State_Done)
			return dbg.result(), nil
		case dbg.stopAt != 0:
			dbg.log.WithField("pc", tracer.Hex(dbg.stopAt)).Info("stopped at breakpoint")
			dbg.setState(tracer.State_Done)
			return dbg.result(), nil
		default:
			dbg.setState(tracer.State_Done)
			return dbg.result(), nil
		}
	}
}

func (dbg *Dbg) applyPending() (uint64, error) {
	op := dbg.pending
	dbg.pending = nil
	dbg.setState(tracer.State_PrivilegedOpPending)
	if err := privileged.SetSegmentBase(dbg.emu, dbg.opts.ScratchAddr, op.seg, op.value); err != nil {
		return 0, err
	}
	dbg.log.WithFields(logrus.Fields{"segment": op.seg.String(), "value": tracer.Hex(op.value)}).Debug("segment base set")
	return dbg.emu.RegRead(dbg.impl.PC())
}

// handleFault hands an engine fault to the fault policy and returns where to
// resume.
func (dbg *Dbg) handleFault(err error) (uint64, error) {
	var fault *emulator.Fault
	if !errors.As(err, &fault) {
		return 0, err
	}
	ef := &tracer.EmulationFault{PC: fault.PC, Addr: fault.Addr, Type: fault.Type, Err: fault.Err}
	if image, err := dbg.FindImageByAddr(fault.PC); err == nil {
		ef.Module, ef.Offset = image.Name(), fault.PC-image.Lo
	}
	action := dbg.opts.FaultPolicy.Decide(dbg.ctx, ef)
	dbg.log.WithError(ef).WithField("action", action.String()).Warn("emulation fault")
	switch action {
	case tracer.Action_Retry:
		return dbg.emu.RegRead(dbg.impl.PC())
	case tracer.Action_Skip:
		code, err := dbg.readCode(fault.PC)
		if err != nil {
			return 0, errors.Join(ef, err)
		}
		n, err := dbg.impl.InsnLen(code)
		if err != nil {
			return 0, errors.Join(ef, err)
		}
		return fault.PC + uint64(n), nil
	}
	return 0, ef
}

// readCode reads up to one maximal instruction at pc, stopping at the end
// of mapped memory.
func (dbg *Dbg) readCode(pc uint64) ([]byte, error) {
	for n := uint64(maxInsnLen); n > 0; n-- {
		if code, err := dbg.emu.MemRead(pc, n); err == nil {
			return code, nil
		}
	}
	return nil, errors.Errorf("no code mapped at %#x", pc)
}

func (dbg *Dbg) fail(err error) (tracer.Result, error) {
	dbg.setState(tracer.State_Faulted)
	dbg.dump(err)
	return dbg.result(), err
}

func (dbg *Dbg) result() tracer.Result {
	return tracer.Result{State: dbg.state, Exited: dbg.exited, ExitCode: dbg.exitCode, Instructions: dbg.count}
}

// dump logs the donor map, the registry and the registers for a post
// mortem.
func (dbg *Dbg) dump(cause error) {
	log := dbg.log.WithError(cause)
	log.Error("run aborted")
	if maps, err := dbg.donor.Maps(); err == nil {
		for _, m := range maps {
			log.WithFields(logrus.Fields{"range": tracer.Hex(m.Begin) + "-" + tracer.Hex(m.End), "perms": m.Perms, "offset": tracer.Hex(m.Offset), "path": m.Path}).Error("donor map")
		}
	} else {
		log.WithField("maps", err).Error("donor map unavailable")
	}
	if dbg.registry != nil {
		dbg.registry.Ascend(func(region *backing.Region) bool {
			log.WithFields(logrus.Fields{"range": tracer.Hex(region.Addr) + "-" + tracer.Hex(region.End()), "store": region.Store.Path}).Error("backing store")
			return true
		})
	}
	if snap, err := dbg.Snapshot(); err == nil {
		for _, line := range strings.Split(snap.String(), "\n") {
			log.Error(line)
		}
	}
}
