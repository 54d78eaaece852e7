package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bigbag/papyrix-ota/internal/config"
	"github.com/bigbag/papyrix-ota/internal/gatt"
	"github.com/bigbag/papyrix-ota/internal/link"
	"github.com/bigbag/papyrix-ota/internal/logging"
	"github.com/bigbag/papyrix-ota/internal/ota"
	"github.com/bigbag/papyrix-ota/internal/restart"
	"github.com/bigbag/papyrix-ota/internal/serial"
	"github.com/bigbag/papyrix-ota/internal/service"
	"github.com/bigbag/papyrix-ota/internal/storage"
	"github.com/bigbag/papyrix-ota/internal/telemetry"
)

var (
	configFlag     string
	stateDirFlag   string
	serialPortFlag string
	noBLEFlag      bool
	mqttBrokerFlag string
	restartFlag    string
	logLevelFlag   string
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the update service on the device",
		Long: `Run the OTA update service.

The service exposes the OTA GATT service through BlueZ and, when a serial
port is configured, the same protocol over a SLIP framed serial bridge.
Received images are written to the inactive slot; once an update completes
the device is restarted with the configured method.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	cmd.Flags().StringVarP(&configFlag, "config", "c", config.DefaultPath, "Configuration file")
	cmd.Flags().StringVar(&stateDirFlag, "state-dir", "", "Slot directory (overrides storage.dir)")
	cmd.Flags().StringVarP(&serialPortFlag, "serial-port", "p", "", "Serial bridge port (overrides serial.port)")
	cmd.Flags().BoolVar(&noBLEFlag, "no-ble", false, "Disable the BLE peripheral")
	cmd.Flags().StringVar(&mqttBrokerFlag, "mqtt-broker", "", "MQTT broker URL for status mirroring (overrides mqtt.broker)")
	cmd.Flags().StringVar(&restartFlag, "restart", "", "Restart method: login1, systemd, command or none (overrides restart.method)")
	cmd.Flags().StringVar(&logLevelFlag, "log-level", "", "Log level (overrides log_level)")
	return cmd
}

func loadServeConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configFlag, !cmd.Flags().Changed("config"))
	if err != nil {
		return config.Config{}, err
	}

	flags := cmd.Flags()
	if flags.Changed("state-dir") {
		cfg.Storage.Dir = stateDirFlag
	}
	if flags.Changed("serial-port") {
		cfg.Serial.Port = serialPortFlag
	}
	if noBLEFlag {
		cfg.BLE.Enabled = false
	}
	if flags.Changed("mqtt-broker") {
		cfg.MQTT.Broker = mqttBrokerFlag
	}
	if flags.Changed("restart") {
		cfg.Restart.Method = restartFlag
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevelFlag
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newSupervisor(cfg config.Config, source service.SnapshotSource) (*service.Supervisor, error) {
	restarter, err := restart.New(cfg.Restart.Method, cfg.Restart.Command, logging.New("restart"))
	if err != nil {
		return nil, err
	}
	delay, err := cfg.RestartDelay()
	if err != nil {
		return nil, err
	}
	poll, err := cfg.PollInterval()
	if err != nil {
		return nil, err
	}
	return &service.Supervisor{
		Source:       source,
		Restarter:    restarter,
		PollInterval: poll,
		RestartDelay: delay,
		Log:          logging.New("supervisor"),
	}, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadServeConfig(cmd)
	if err != nil {
		return err
	}

	logging.Set(logging.Level(cfg.LogLevel))
	if cfg.LogJSON {
		logging.Set(logging.JSON())
	}
	log := logging.New("serve")

	validator, err := storage.ValidatorByName(cfg.Storage.Validator)
	if err != nil {
		return err
	}
	slots, err := storage.Open(cfg.Storage.Dir, cfg.Storage.SlotSize,
		storage.WithValidator(validator),
		storage.WithLogger(logging.New("storage")),
	)
	if err != nil {
		return err
	}
	boot, seq, err := slots.Boot()
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"dir":  slots.Dir(),
		"boot": boot.Label,
		"seq":  seq,
	}).Info("slots ready")

	machine := ota.New(slots,
		ota.WithLogger(logging.New("ota")),
		ota.WithChecksumVerification(cfg.Update.VerifyChecksum),
		ota.WithStrictBounds(cfg.Update.StrictBounds),
	)

	notifier := &restart.Notifier{Log: logging.New("notify")}
	svc := service.New(machine,
		service.WithLogger(logging.New("service")),
		service.WithPublisher(notifier),
	)

	supervisor, err := newSupervisor(cfg, svc)
	if err != nil {
		return err
	}

	if cfg.MQTT.Broker != "" {
		mirror, err := telemetry.Dial(telemetry.Options{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			Topic:    cfg.MQTT.Topic,
			QoS:      byte(cfg.MQTT.QoS),
		}, logging.New("mqtt"))
		if err != nil {
			return err
		}
		defer mirror.Close()
		svc.AddPublisher(mirror)
	}

	var dev *link.Device
	if cfg.Serial.Port != "" {
		port, err := serial.Open(cfg.Serial.Port, cfg.Serial.BaudRate)
		if err != nil {
			return err
		}
		dev = link.NewDevice(port, svc, link.WithLogger(logging.New("link")))
		svc.AddPublisher(dev)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return svc.Run(ctx)
	})

	if cfg.BLE.Enabled {
		app := gatt.New(svc, gatt.Options{
			Adapter:   cfg.BLE.Adapter,
			LocalName: cfg.BLE.LocalName,
			Log:       logging.New("gatt"),
		})
		svc.AddPublisher(app)
		g.Go(func() error {
			return app.Serve(ctx)
		})
	}

	if dev != nil {
		g.Go(func() error {
			return dev.Run(ctx)
		})
	}

	g.Go(func() error {
		return supervisor.Run(ctx)
	})

	notifier.Ready()
	log.Info("update service running")

	err = g.Wait()
	notifier.Stopping()
	if err != nil {
		log.WithError(err).Error("update service stopped")
		return err
	}
	log.Info("update service stopped")
	return nil
}
