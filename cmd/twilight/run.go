package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"

	"github.com/wnxd/twilight/config"
	"github.com/wnxd/twilight/donor"
	"github.com/wnxd/twilight/emulator"
	"github.com/wnxd/twilight/tracelog"
	"github.com/wnxd/twilight/tracer"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	config      string
	loader      string
	donor       string
	logDir      string
	logID       int
	seed        string
	faultPolicy string
	forwardAtPC bool
	disassemble bool
}

func (*Run) Name() string {
	return "run"
}

func (*Run) Synopsis() string {
	return "trace the dynamic loader running a program."
}

func (*Run) Usage() string {
	return `run [flags] <argument> - load the dynamic loader into the emulator with
<argument> as its argv[1] and trace it until it exits.
`
}

func (r *Run) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.config, "config", "", "TOML configuration file.")
	f.StringVar(&r.loader, "loader", "", "image loaded into the emulator.")
	f.StringVar(&r.donor, "donor", "", "program started as the syscall donor.")
	f.StringVar(&r.logDir, "log-dir", "", "directory for trace logs.")
	f.IntVar(&r.logID, "log-id", 0, "trace log id.")
	f.StringVar(&r.seed, "seed", "", "trace log whose header seeds the new one.")
	f.StringVar(&r.faultPolicy, "fault-policy", "", "abort, skip or patch.")
	f.BoolVar(&r.forwardAtPC, "forward-at-pc", false, "execute syscalls at the program's own instruction.")
	f.BoolVar(&r.disassemble, "disassemble", false, "log disassembly of each instruction at trace level.")
}

// load reads the configuration and applies the flags that were set on the
// command line over it.
func (r *Run) load(f *flag.FlagSet) (*config.Config, error) {
	c := config.Default()
	if r.config != "" {
		var err error
		if c, err = config.Load(r.config); err != nil {
			return nil, err
		}
	}
	f.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "loader":
			c.Loader = r.loader
		case "donor":
			c.Donor = r.donor
		case "log-dir":
			c.LogDir = r.logDir
		case "log-id":
			c.LogID = r.logID
		case "seed":
			c.SeedLog = r.seed
		case "fault-policy":
			c.FaultPolicy = r.faultPolicy
		case "forward-at-pc":
			c.ForwardAtPC = r.forwardAtPC
		case "disassemble":
			c.Disassemble = r.disassemble
		}
	})
	return c, c.Validate()
}

func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	c, err := r.load(f)
	if err != nil {
		logrus.WithError(err).Error("configuration")
		return subcommands.ExitFailure
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, unix.SIGTERM)
	defer stop()
	res, err := run(ctx, c, f.Arg(0))
	if err != nil {
		logrus.WithError(err).WithField("state", res.State.String()).Error("run failed")
		return subcommands.ExitFailure
	}
	fmt.Fprintf(os.Stdout, "state: %s, exited: %t, exit code: %d, instructions: %d\n", res.State, res.Exited, res.ExitCode, res.Instructions)
	return subcommands.ExitSuccess
}

func run(ctx context.Context, c *config.Config, argument string) (tracer.Result, error) {
	opts, err := c.Options(argument)
	if err != nil {
		return tracer.Result{}, err
	}
	opts.Logger = logrus.WithField("component", "tracer")

	d, err := donor.Start(donor.Options{Path: c.Donor, Stderr: os.Stderr, Logger: logrus.WithField("component", "donor")})
	if err != nil {
		return tracer.Result{}, err
	}
	defer d.Close()
	if err = d.Blank(); err != nil {
		return tracer.Result{}, err
	}

	emu, err := emulator.New(emulator.ARCH_X86_64)
	if errors.Is(err, emulator.ErrArchUnsupported) {
		return tracer.Result{}, errors.WithMessage(err, "no engine linked, build with -tags unicorn")
	} else if err != nil {
		return tracer.Result{}, err
	}
	defer emu.Close()

	w, err := tracelog.Create(tracelog.Options{Dir: c.LogDir, ID: c.LogID, Seed: c.SeedLog, Logger: logrus.WithField("component", "trace")})
	if err != nil {
		return tracer.Result{}, err
	}
	defer w.Close()
	opts.Trace = w

	t, err := tracer.New(emu, d, opts)
	if err != nil {
		return tracer.Result{}, err
	}
	defer t.Close()
	return t.Run(ctx)
}
