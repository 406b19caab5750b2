package main

import (
	"fmt"
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/jessevdk/go-flags"
	"github.com/spf13/afero"

	exfatfsck "github.com/dsoprea/go-exfat-fsck"
)

const (
	versionString = "1.0.0"
)

type rootParameters struct {
	RepairAsk  bool `short:"r" long:"repair" description:"Repair interactively"`
	RepairYes  bool `short:"y" long:"repair-yes" description:"Repair without ask"`
	RepairNo   bool `short:"n" long:"repair-no" description:"No repair"`
	RepairAuto bool `short:"p" long:"repair-auto" description:"Repair automatically"`
	RepairAlt  bool `short:"a" description:"Repair automatically"`

	Verbose bool `short:"v" long:"verbose" description:"Print debug"`
	Version bool `short:"V" long:"version" description:"Show version"`

	Positional struct {
		Device string `positional-arg-name:"device"`
	} `positional-args:"yes"`
}

var (
	rootArguments = new(rootParameters)
)

func selectOptions(arguments *rootParameters) (options exfatfsck.FsckOptions, err error) {
	modeCount := 0

	if arguments.RepairAsk == true {
		options |= exfatfsck.OptRepairAsk
		modeCount++
	}

	if arguments.RepairYes == true {
		options |= exfatfsck.OptRepairYes
		modeCount++
	}

	if arguments.RepairNo == true {
		options |= exfatfsck.OptRepairNo
		modeCount++
	}

	if arguments.RepairAuto == true || arguments.RepairAlt == true {
		options |= exfatfsck.OptRepairAuto
		modeCount++
	}

	if modeCount > 1 {
		return 0, fmt.Errorf("repair modes are mutually exclusive")
	}

	if modeCount == 0 {
		options = exfatfsck.OptRepairNo
	}

	return options, nil
}

func main() {
	defer func() {
		if state := recover(); state != nil {
			err := log.Wrap(state.(error))
			log.PrintError(err)
			os.Exit(exfatfsck.ExitOperationError)
		}
	}()

	p := flags.NewParser(rootArguments, flags.Default)

	_, err := p.Parse()
	if err != nil {
		os.Exit(exfatfsck.ExitSyntaxError)
	}

	fmt.Printf("fsck.exfat version %s\n", versionString)

	if rootArguments.Version == true {
		os.Exit(exfatfsck.ExitSyntaxError)
	}

	if rootArguments.Verbose == true {
		cla := log.NewConsoleLogAdapter()
		log.AddAdapter("console", cla)

		scp := log.NewStaticConfigurationProvider()
		scp.SetLevelName(log.LevelNameDebug)

		log.LoadConfiguration(scp)
	}

	if rootArguments.Positional.Device == "" {
		p.WriteHelp(os.Stderr)
		os.Exit(exfatfsck.ExitSyntaxError)
	}

	options, err := selectOptions(rootArguments)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		p.WriteHelp(os.Stderr)
		os.Exit(exfatfsck.ExitSyntaxError)
	}

	fsck := exfatfsck.NewFsck(options)

	bd, err := exfatfsck.OpenBlockDevice(afero.NewOsFs(), rootArguments.Positional.Device, options.IsWritable() == false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open %s\n", rootArguments.Positional.Device)
		os.Exit(exfatfsck.ExitOperationError)
	}

	defer bd.Close()

	runErr := fsck.Run(bd)

	fsck.ShowInfo(os.Stdout, rootArguments.Positional.Device, runErr != nil)

	os.Exit(fsck.ExitCode(runErr))
}
