package config

import (
	"slices"

	"github.com/BurntSushi/toml"
	"gitlab.com/tozd/go/errors"

	"github.com/wnxd/twilight/emulator"
	"github.com/wnxd/twilight/emulator/x86"
	"github.com/wnxd/twilight/tracer"
)

const pageSize = 0x1000

var ErrInvalid = errors.Base("invalid config")

// Patch is one row of the patch table used by fault_policy = "patch".
type Patch struct {
	PC       uint64 `toml:"pc"`
	Address  uint64 `toml:"address"`
	Offset   uint64 `toml:"offset"`
	Register string `toml:"register"`
	Shift    uint   `toml:"shift"`
}

type Breakpoint struct {
	Address  uint64 `toml:"address"`
	Action   string `toml:"action"`
	Register string `toml:"register"`
	Value    uint64 `toml:"value"`
}

// Config is the run configuration. Zero fields in a file keep their
// defaults because Load decodes over Default.
type Config struct {
	Loader         string       `toml:"loader"`
	Donor          string       `toml:"donor"`
	StackTop       uint64       `toml:"stack_top"`
	StackSize      uint64       `toml:"stack_size"`
	LoadOffset     uint64       `toml:"load_offset"`
	ScratchAddr    uint64       `toml:"scratch_addr"`
	ScratchSize    uint64       `toml:"scratch_size"`
	ShmDir         string       `toml:"shm_dir"`
	LogDir         string       `toml:"log_dir"`
	LogID          int          `toml:"log_id"`
	SeedLog        string       `toml:"seed_log"`
	ForwardAtPC    bool         `toml:"forward_at_pc"`
	FaultPolicy    string       `toml:"fault_policy"`
	Patches        []Patch      `toml:"patch"`
	Breakpoints    []Breakpoint `toml:"breakpoint"`
	MaskedIdentity []string     `toml:"masked_identity"`
	Disassemble    bool         `toml:"disassemble"`
}

func Default() *Config {
	return &Config{
		Loader:         "/lib64/ld-linux-x86-64.so.2",
		Donor:          "/bin/true",
		StackTop:       0xaaa0000,
		StackSize:      0x200000,
		LoadOffset:     0x4000000000 - 0x400000,
		ScratchAddr:    0x40000,
		ScratchSize:    0x1000,
		ShmDir:         "/dev/shm",
		LogDir:         "/tmp/qira_logs",
		LogID:          1,
		SeedLog:        "0",
		FaultPolicy:    "abort",
		MaskedIdentity: []string{"getpid"},
	}
}

// Load reads the file at path over the defaults.
func Load(path string) (*Config, error) {
	c := Default()
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, errors.WithDetails(err, "path", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, key := range undecoded {
			keys[i] = key.String()
		}
		return nil, errors.WithDetails(ErrInvalid, "path", path, "unknown", keys)
	}
	return c, c.Validate()
}

func (c *Config) Validate() error {
	for _, v := range []struct {
		name  string
		value uint64
	}{
		{"stack_top", c.StackTop},
		{"stack_size", c.StackSize},
		{"scratch_addr", c.ScratchAddr},
		{"scratch_size", c.ScratchSize},
	} {
		if v.value == 0 || v.value%pageSize != 0 {
			return errors.WithDetails(ErrInvalid, "field", v.name, "value", v.value)
		}
	}
	if c.StackSize > c.StackTop {
		return errors.WithDetails(ErrInvalid, "field", "stack_size", "value", c.StackSize)
	}
	if c.Loader == "" || c.Donor == "" {
		return errors.WithDetails(ErrInvalid, "field", "loader")
	}
	if !slices.Contains([]string{"abort", "skip", "patch"}, c.FaultPolicy) {
		return errors.WithDetails(ErrInvalid, "field", "fault_policy", "value", c.FaultPolicy)
	}
	if _, err := c.faultPolicy(); err != nil {
		return err
	}
	_, err := c.breakpoints()
	return err
}

func register(name string) (emulator.Reg, error) {
	if reg, ok := x86.RegByName(name); ok {
		return reg, nil
	}
	return 0, errors.WithDetails(ErrInvalid, "register", name)
}

func (c *Config) faultPolicy() (tracer.FaultPolicy, error) {
	switch c.FaultPolicy {
	case "skip":
		return tracer.SkipPolicy{}, nil
	case "patch":
		policy := &tracer.PatchPolicy{Patches: make([]tracer.Patch, 0, len(c.Patches))}
		for _, p := range c.Patches {
			reg, err := register(p.Register)
			if err != nil {
				return nil, err
			}
			policy.Patches = append(policy.Patches, tracer.Patch{PC: p.PC, Address: p.Address, Offset: p.Offset, Reg: reg, Shift: p.Shift})
		}
		return policy, nil
	}
	return tracer.AbortPolicy{}, nil
}

func (c *Config) breakpoints() ([]tracer.Breakpoint, error) {
	list := make([]tracer.Breakpoint, 0, len(c.Breakpoints))
	for _, b := range c.Breakpoints {
		bp := tracer.Breakpoint{Addr: b.Address, Value: b.Value}
		switch b.Action {
		case "jump":
			bp.Action = tracer.BreakAction_Jump
		case "set":
			bp.Action = tracer.BreakAction_Set
			reg, err := register(b.Register)
			if err != nil {
				return nil, err
			}
			bp.Reg = reg
		case "stop":
			bp.Action = tracer.BreakAction_Stop
		default:
			return nil, errors.WithDetails(ErrInvalid, "breakpoint", b.Address, "action", b.Action)
		}
		list = append(list, bp)
	}
	return list, nil
}

// Options converts c to tracer options for running the loader with
// argument. Trace and Logger are left to the caller.
func (c *Config) Options(argument string) (tracer.Options, error) {
	policy, err := c.faultPolicy()
	if err != nil {
		return tracer.Options{}, err
	}
	bps, err := c.breakpoints()
	if err != nil {
		return tracer.Options{}, err
	}
	return tracer.Options{
		Program:        c.Loader,
		Argument:       argument,
		StackTop:       c.StackTop,
		StackSize:      c.StackSize,
		LoadOffset:     c.LoadOffset,
		ScratchAddr:    c.ScratchAddr,
		ScratchSize:    c.ScratchSize,
		ShmDir:         c.ShmDir,
		ForwardAtPC:    c.ForwardAtPC,
		MaskedIdentity: slices.Clone(c.MaskedIdentity),
		FaultPolicy:    policy,
		Breakpoints:    bps,
		Disassemble:    c.Disassemble,
	}, nil
}
