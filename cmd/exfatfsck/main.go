// Launcher wrapper: runs the real checker as a child process under an
// optional wall-clock time limit. A timed-out child is killed outright;
// the volume stays marked dirty, which is the correct recoverable state.

package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/jessevdk/go-flags"

	exfatfsck "github.com/dsoprea/go-exfat-fsck"
)

const (
	fsckProgram = "fsck_exfat"
)

const (
	exitRoDevice      = 23
	exitDeviceRemoved = 160
	exitTimeout       = 161
)

type rootParameters struct {
	Timeout uint `short:"t" long:"timeout" description:"Run with a time limit, in seconds"`
	Version bool `short:"V" long:"version" description:"Show version"`

	Positional struct {
		Arguments []string `positional-arg-name:"fsck-arguments"`
	} `positional-args:"yes"`
}

var (
	rootArguments = new(rootParameters)
)

func main() {
	// The repair flags are not ours; they pass through to the child.
	p := flags.NewParser(rootArguments, flags.Default|flags.IgnoreUnknown)

	remaining, err := p.Parse()
	if err != nil {
		os.Exit(exfatfsck.ExitSyntaxError)
	}

	if rootArguments.Version == true {
		fmt.Printf("exfatfsck launcher\n")
		os.Exit(exfatfsck.ExitSyntaxError)
	}

	positionals := rootArguments.Positional.Arguments
	if len(positionals) == 0 {
		p.WriteHelp(os.Stderr)
		os.Exit(exfatfsck.ExitSyntaxError)
	}

	// Pass-through flags first, the device last.
	childArguments := append(remaining, positionals...)
	deviceFile := positionals[len(positionals)-1]

	needWriteable := true
	for _, argument := range childArguments {
		if argument == "-n" || argument == "--repair-no" {
			needWriteable = false
		}
	}

	ctx := context.Background()
	if rootArguments.Timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, time.Duration(rootArguments.Timeout)*time.Second)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, fsckProgram, childArguments...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	err = cmd.Run()

	if ctx.Err() == context.DeadlineExceeded {
		fmt.Fprintf(os.Stderr, "time limit expired; %s was killed\n", fsckProgram)
		os.Exit(exitTimeout)
	}

	fsckStatus := 0
	if exitErr, ok := err.(*exec.ExitError); ok == true {
		fsckStatus = exitErr.ExitCode()
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "failed to run %s: %s\n", fsckProgram, err)
		os.Exit(exfatfsck.ExitOperationError)
	}

	switch {
	case fsckStatus == exfatfsck.ExitOperationError:
		fi, statErr := os.Stat(deviceFile)
		if statErr != nil {
			if os.IsNotExist(statErr) == true {
				os.Exit(exitDeviceRemoved)
			}

			os.Exit(1)
		}

		if needWriteable == true && fi.Mode().Perm()&0200 == 0 {
			os.Exit(exitRoDevice)
		}

		os.Exit(1)

	case fsckStatus == exfatfsck.ExitSyntaxError:
		p.WriteHelp(os.Stderr)
		os.Exit(exfatfsck.ExitSyntaxError)

	case fsckStatus != exfatfsck.ExitNoErrors && fsckStatus != exfatfsck.ExitCorrected:
		os.Exit(1)
	}

	os.Exit(0)
}
