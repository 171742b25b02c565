// twistcal measures gantry twist with an eddy current probe and derives
// axis twist compensation tables for Klipper printers.
//
// Usage:
//
//	twistcal [command] --config ~/printer_data/config/printer.cfg [options]
//
// Commands:
//
//	axis        Calibrate X or Y twist and stage [axis_twist_compensation]
//	compensate  Sweep X along the home row and stage the X table
//	grid        Sample the full bed for analysis only
//	history     List, show or delete recorded runs
//	save-config Write the table of a recorded run to SAVE_CONFIG
//	sim-server  Serve a simulated printer over the Moonraker API
//	version     Print version information
//
// Examples:
//
//	# Calibrate X twist on a live printer and save the result
//	twistcal axis x --config printer.cfg --moonraker ws://voron.local:7125/websocket --save
//
//	# Try a serpentine grid against the simulator
//	twistcal grid serpentine_xy --config printer.cfg --simulate
//
//	# Show the last ten runs
//	twistcal history list -n 10
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"gantry-twist-go/pkg/log"
)

var (
	logLevel   = "info"
	logFormat  = "text"
	logFile    = ""
	configPath = "printer.cfg"
	historyDB  = "twistcal.db"
)

var (
	gCalibrate = "Calibration:"
	gData      = "Data:"
)

// logCloser is the rotating log file, if one was opened.
var logCloser io.Closer

func setupLogger() error {
	root := log.New("twistcal")
	log.ConfigureFromEnv(root)
	root.SetLevel(log.ParseLevel(logLevel))
	root.SetFormat(log.ParseFormat(logFormat))

	if logFile != "" {
		w, err := log.NewRotatingFileWriter(log.RotationConfig{Filename: logFile})
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		root.SetColorize(false)
		root.SetWriter(io.MultiWriter(os.Stderr, w))
		logCloser = w
	}
	log.SetDefaultLogger(root)
	return nil
}

func main() {
	cmd := NewCommand()
	err := cmd.Execute()
	if logCloser != nil {
		logCloser.Close()
	}
	if err != nil {
		os.Exit(1)
	}
}

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "twistcal",
		Short: "twistcal measures gantry twist and derives axis twist compensation",
		Long: `twistcal measures gantry twist with an eddy current probe and derives
axis twist compensation tables for Klipper printers.

It talks to the printer through Moonraker, or to a built-in simulator
with --simulate.`,
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return setupLogger()
		},
	}

	globalFlags := cmd.PersistentFlags()
	globalFlags.StringVarP(&logLevel, "log-level", "l", "info", "log level (debug, info, warn, error)")
	globalFlags.StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	globalFlags.StringVar(&logFile, "logfile", "", "also write logs to this file, rotated by size")
	globalFlags.StringVarP(&configPath, "config", "c", "printer.cfg", "printer configuration file")
	globalFlags.StringVar(&historyDB, "history", "twistcal.db", "run history database, empty to disable")

	for _, g := range []string{gCalibrate, gData} {
		cmd.AddGroup(&cobra.Group{ID: g, Title: g})
	}

	cmd.AddCommand(
		NewAxisCommand(),
		NewCompensateCommand(),
		NewGridCommand(),
		NewHistoryCommand(),
		NewSaveConfigCommand(),
		NewSimServerCommand(),
		NewVersionCommand(),
	)

	return cmd
}
