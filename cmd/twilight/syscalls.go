package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"

	"github.com/wnxd/twilight/internal/tracer/x86"
)

// Syscalls implements subcommands.Command for the "syscalls" command.
type Syscalls struct{}

func (*Syscalls) Name() string {
	return "syscalls"
}

func (*Syscalls) Synopsis() string {
	return "print the syscall table used to name forwarded calls."
}

func (*Syscalls) Usage() string {
	return "syscalls - print the x86-64 syscall table.\n"
}

func (*Syscalls) SetFlags(*flag.FlagSet) {}

func (*Syscalls) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NUM\tNAME")
	for sysno, name := range x86.Syscalls() {
		fmt.Fprintf(w, "%d\t%s\n", sysno, name)
	}
	w.Flush()
	return subcommands.ExitSuccess
}
