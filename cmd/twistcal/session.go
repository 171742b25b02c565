package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"gantry-twist-go/pkg/calibrate"
	"gantry-twist-go/pkg/compensation"
	"gantry-twist-go/pkg/config"
	"gantry-twist-go/pkg/history"
	"gantry-twist-go/pkg/log"
	"gantry-twist-go/pkg/metrics"
	"gantry-twist-go/pkg/moonraker"
	"gantry-twist-go/pkg/report"
	"gantry-twist-go/pkg/sampling"
	"gantry-twist-go/pkg/sim"
)

// runFlags are shared by every calibration command.
type runFlags struct {
	moonrakerURL string
	callTimeout  time.Duration
	simulate     bool
	simProfile   string
	save         bool
	output       string
	noPlots      bool
	metricsAddr  string
	debug        bool
}

func (f *runFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.moonrakerURL, "moonraker", "ws://localhost:7125/websocket", "Moonraker websocket URL")
	fs.DurationVar(&f.callTimeout, "call-timeout", 2*time.Minute, "timeout of a single printer command")
	fs.BoolVar(&f.simulate, "simulate", false, "run against the built-in simulator")
	fs.StringVar(&f.simProfile, "sim-profile", "", "YAML file with simulator twist and faults")
	fs.BoolVar(&f.save, "save", false, "write the new table to the SAVE_CONFIG block of --config")
	fs.StringVarP(&f.output, "output", "o", "twist_reports", "report directory, empty to disable")
	fs.BoolVar(&f.noPlots, "no-plots", false, "skip PNG charts and the HTML page")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address during the run")
	fs.BoolVar(&f.debug, "debug", false, "tag the report folder as a debug run")
}

// session is everything one calibration command needs.
type session struct {
	settings *calibrate.Settings
	autosave *config.AutosaveConfig
	runtime  *compensation.Runtime
	machine  machine
	orch     *calibrate.Orchestrator
	metrics  *metrics.CalibrationMetrics
	sim      *sim.Machine
	log      *log.Logger
	closers  []func()
}

// simProfile is the layout of --sim-profile.
type simProfile struct {
	Seed     uint64            `yaml:"seed"`
	ContactZ float64           `yaml:"contact_z"`
	Twist    *sim.Twist        `yaml:"twist"`
	Faults   map[int]sim.Fault `yaml:"faults"`
}

func loadSimProfile(path string, cfg *sim.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var p simProfile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if p.Seed != 0 {
		cfg.Seed = p.Seed
	}
	if p.ContactZ != 0 {
		cfg.ContactZ = p.ContactZ
	}
	if p.Twist != nil {
		cfg.Twist = *p.Twist
	}
	cfg.Faults = p.Faults
	return nil
}

type machine interface {
	sampling.Motion
	sampling.Probe
	calibrate.Homer
}

func newSession(ctx context.Context, f *runFlags) (*session, error) {
	logger := log.GetLogger("twistcal")
	s := &session{log: logger}

	printerCfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if s.settings, err = calibrate.LoadSettings(printerCfg); err != nil {
		return nil, err
	}
	if s.runtime, err = compensation.RuntimeFromConfig(printerCfg); err != nil {
		return nil, err
	}
	s.autosave = config.NewAutosaveConfig(printerCfg, configPath)

	var m machine
	if f.simulate {
		simCfg := sim.DefaultConfig()
		if f.simProfile != "" {
			if err := loadSimProfile(f.simProfile, &simCfg); err != nil {
				return nil, err
			}
		}
		simCfg.Runtime = s.runtime
		s.sim = sim.New(simCfg, log.GetLogger("sim"))
		m = s.sim
		logger.Info("Using simulated printer (seed %d)", simCfg.Seed)
	} else {
		client, err := moonraker.Dial(ctx, moonraker.ClientConfig{
			URL:         f.moonrakerURL,
			CallTimeout: f.callTimeout,
			Logger:      log.GetLogger("moonraker"),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", f.moonrakerURL, err)
		}
		s.closers = append(s.closers, func() { client.Close() })
		m = moonraker.NewMachine(client, moonraker.MachineConfig{}, log.GetLogger("moonraker"))
		logger.Info("Connected to %s", f.moonrakerURL)
		logger.Warn("Tables are staged in %s, not on the printer; the printer's own twist compensation stays active during runs", configPath)
	}

	var consumers []calibrate.Consumer
	if f.output != "" {
		r := report.NewRenderer(f.output, log.GetLogger("report"))
		r.PNG, r.HTML = !f.noPlots, !f.noPlots
		consumers = append(consumers, r)
	}
	if historyDB != "" {
		store, err := history.Open(historyDB, log.GetLogger("history"))
		if err != nil {
			s.close()
			return nil, err
		}
		s.closers = append(s.closers, func() { store.Close() })
		consumers = append(consumers, store)
	}

	s.metrics = metrics.NewCalibrationMetrics()

	calLog := log.GetLogger("calibrate")
	s.orch, err = calibrate.New(s.settings, calibrate.Deps{
		Motion:    m,
		Probe:     m,
		Homer:     m,
		Writer:    compensation.NewWriter(s.autosave, s.runtime, calLog),
		Runtime:   s.runtime,
		Consumers: consumers,
		Observer:  s.metrics,
		Logger:    calLog,
	})
	if err != nil {
		s.close()
		return nil, err
	}
	s.machine = m

	if f.metricsAddr != "" {
		srv := metrics.NewServer(metrics.ServerConfig{
			Addr:     f.metricsAddr,
			Gatherer: s.metrics.Registry(),
			Status:   func() any { return s.orch.Status() },
		})
		errCh := srv.StartAsync()
		s.closers = append(s.closers, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
			if err := <-errCh; err != nil {
				logger.Warn("%v", err)
			}
		})
		logger.Info("Metrics on http://%s/metrics", f.metricsAddr)
	}
	return s, nil
}

// close releases resources in reverse order of acquisition.
func (s *session) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
