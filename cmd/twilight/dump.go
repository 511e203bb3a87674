package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/wnxd/twilight/tracelog"
)

// Dump implements subcommands.Command for the "dump" command.
type Dump struct {
	count  int
	verify bool
}

func (*Dump) Name() string {
	return "dump"
}

func (*Dump) Synopsis() string {
	return "print the records of a trace log."
}

func (*Dump) Usage() string {
	return `dump [-n N] [-verify] <log> - print the seed and records of an event stream.
`
}

func (d *Dump) SetFlags(f *flag.FlagSet) {
	f.IntVar(&d.count, "n", 0, "stop after N records, 0 prints all.")
	f.BoolVar(&d.verify, "verify", false, "check clock numbering instead of printing.")
}

func (d *Dump) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	file, err := os.Open(f.Arg(0))
	if err != nil {
		logrus.WithError(err).Error("open")
		return subcommands.ExitFailure
	}
	defer file.Close()
	r, err := tracelog.NewReader(bufio.NewReader(file))
	if err != nil {
		logrus.WithError(err).Error("read seed")
		return subcommands.ExitFailure
	}
	if d.verify {
		n, err := tracelog.Verify(r, 1)
		if err != nil {
			logrus.WithError(err).WithField("instructions", n).Error("verify")
			return subcommands.ExitFailure
		}
		fmt.Printf("%d instructions\n", n)
		return subcommands.ExitSuccess
	}
	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()
	fmt.Fprintf(out, "seed %s\n", r.Seed())
	for i := 0; d.count == 0 || i < d.count; i++ {
		rec, err := r.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			logrus.WithError(err).Error("read")
			return subcommands.ExitFailure
		}
		fmt.Fprintln(out, rec)
	}
	return subcommands.ExitSuccess
}
