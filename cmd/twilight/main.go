// Command twilight runs a program in a CPU emulator while a ptrace'd donor
// process executes its system calls, and records a QIRA trace.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	_ "github.com/wnxd/twilight/internal/tracer/x86"
)

var (
	debug     = flag.Bool("debug", false, "enable debug logging.")
	trace     = flag.Bool("trace", false, "log every instruction, implies -debug.")
	logFormat = flag.String("log-format", "text", "log format: text or json.")
)

func setupLogging() {
	switch *logFormat {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		logrus.Fatalf("unknown log format %q", *logFormat)
	}
	logrus.SetOutput(os.Stderr)
	switch {
	case *trace:
		logrus.SetLevel(logrus.TraceLevel)
	case *debug:
		logrus.SetLevel(logrus.DebugLevel)
	}
}

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(Run), "")
	subcommands.Register(new(Dump), "")
	subcommands.Register(new(Syscalls), "")
	flag.Parse()
	setupLogging()
	os.Exit(int(subcommands.Execute(context.Background())))
}
