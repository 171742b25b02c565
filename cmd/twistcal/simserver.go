package main

import (
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"gantry-twist-go/pkg/compensation"
	"gantry-twist-go/pkg/config"
	"gantry-twist-go/pkg/log"
	"gantry-twist-go/pkg/moonraker"
	"gantry-twist-go/pkg/sim"
)

func NewSimServerCommand() *cobra.Command {
	var (
		addr      string
		profile   string
		timeScale float64
	)
	cmd := &cobra.Command{
		Use:   "sim-server",
		Short: "Serve a simulated printer over the Moonraker API",
		Long: `Serve a simulated printer with a twisted gantry over the Moonraker
websocket API. Point --moonraker of the calibration commands at it to
exercise the full remote path without hardware.

Tables already saved in --config are exposed as axis_twist_compensation
when the file exists.`,
		GroupID: gData,
		Args:    cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			logger := log.GetLogger("sim")
			simCfg := sim.DefaultConfig()
			simCfg.TimeScale = timeScale
			if profile != "" {
				if err := loadSimProfile(profile, &simCfg); err != nil {
					return err
				}
			}
			simCfg.Runtime = compensation.NewRuntime()
			if cfg, err := config.Load(configPath); err == nil {
				if rt, err := compensation.RuntimeFromConfig(cfg); err == nil {
					simCfg.Runtime = rt
				}
			}

			m := sim.New(simCfg, logger)
			srv := moonraker.NewServer(moonraker.Config{
				Addr:    addr,
				Printer: m.Printer(),
				Logger:  log.GetLogger("moonraker"),
			})
			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()
			logger.Info("Simulated printer on ws://%s/websocket", addr)

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, unix.SIGINT, unix.SIGTERM)
			defer signal.Stop(sigs)
			select {
			case err := <-errCh:
				return err
			case sig := <-sigs:
				logger.Info("Received %v, shutting down", sig)
			}
			return srv.Stop()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:7125", "listen address")
	cmd.Flags().StringVar(&profile, "sim-profile", "", "YAML file with simulator twist and faults")
	cmd.Flags().Float64Var(&timeScale, "time-scale", 0.1, "fraction of real time spent on moves and dwells")
	return cmd
}
