// Binary kmemctl boots the hosted kernel memory subsystem and exercises it
// from the command line.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/config"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/kmain"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/mm/kmem"
)

var configPath = flag.String("config", "", "path to a TOML file overriding the default memory layout.")

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(Info), "")
	subcommands.Register(new(Stress), "")
	subcommands.Register(new(Fork), "")

	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fatalf("%v", err)
		}
	}

	os.Exit(int(subcommands.Execute(context.Background(), cfg)))
}

// boot brings up a memory context for a command, logging to stderr.
func boot(cfg *config.Config) (*kmem.Context, error) {
	ctx, err := kmain.Kmain(cfg, os.Stderr)
	if err != nil {
		return nil, err
	}
	return ctx, nil
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "kmemctl: "+format+"\n", args...)
	os.Exit(int(subcommands.ExitFailure))
}
