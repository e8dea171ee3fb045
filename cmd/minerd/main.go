// Package main implements minerd, the mining firmware daemon. It keeps the
// Wi-Fi link up, regulates the ASIC core voltage and runs the Stratum V1 pool
// session with reconnects.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bardlex/gompminer/internal/config"
	"github.com/bardlex/gompminer/internal/drivers/ds4432"
	"github.com/bardlex/gompminer/internal/drivers/i2cdev"
	"github.com/bardlex/gompminer/internal/drivers/ina260"
	"github.com/bardlex/gompminer/internal/link"
	"github.com/bardlex/gompminer/internal/link/wpa"
	"github.com/bardlex/gompminer/internal/miner"
	"github.com/bardlex/gompminer/internal/power"
	"github.com/bardlex/gompminer/internal/stratum"
	"github.com/bardlex/gompminer/internal/telemetry"
	"github.com/bardlex/gompminer/internal/telemetry/influx"
	"github.com/bardlex/gompminer/internal/telemetry/kafka"
	"github.com/bardlex/gompminer/internal/telemetry/postgres"
	"github.com/bardlex/gompminer/internal/telemetry/redis"
	"github.com/bardlex/gompminer/pkg/errors"
	"github.com/bardlex/gompminer/pkg/log"
)

const statusInterval = 10 * time.Second

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat).
		WithFields("device_id", cfg.DeviceID)
	logger.Info("starting minerd",
		"version", cfg.Version,
		"pool_addr", cfg.PoolAddr,
		"board_variant", cfg.BoardVariant,
		"vcore_target", cfg.VCoreTarget,
	)

	m := NewMiner(cfg, logger)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
		cancel()
	case err := <-done:
		logger.WithError(err).Error("miner stopped unexpectedly")
		os.Exit(1)
	}

	select {
	case err := <-done:
		if err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("shutdown failed")
			os.Exit(1)
		}
	case <-time.After(30 * time.Second):
		logger.Error("shutdown timed out")
		os.Exit(1)
	}

	logger.Info("minerd stopped")
}

// Miner wires the link, power and pool session loops together
type Miner struct {
	cfg    *config.Config
	logger *log.Logger

	recorder *telemetry.Recorder
	dialer   miner.Dialer
	source   miner.ShareSource
}

// NewMiner creates a Miner dialing the configured pool
func NewMiner(cfg *config.Config, logger *log.Logger) *Miner {
	dialer := &stratum.Dialer{
		Addr:    cfg.PoolAddr,
		Timeout: cfg.ConnectTimeout,
		Options: stratum.Options{PollWindow: cfg.PollWindow, WriteTimeout: cfg.WriteTimeout},
		Logger:  logger.WithComponent("stratum"),
	}

	return &Miner{
		cfg:    cfg,
		logger: logger,
		dialer: miner.StratumDialer(dialer),
		source: miner.PlaceholderSource{},
	}
}

// Run boots the device and blocks until ctx is cancelled. Power regulation
// starts first, then the link, then telemetry sinks and the pool session.
func (m *Miner) Run(ctx context.Context) error {
	m.recorder = telemetry.NewRecorder(telemetry.Options{DeviceID: m.cfg.DeviceID}, m.logger)
	defer func() {
		if err := m.recorder.Close(); err != nil {
			m.logger.WithError(err).Warn("failed to close telemetry")
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	if m.cfg.I2CBus != "" {
		reg, bus, err := m.startPower()
		if err != nil {
			m.logger.WithError(err).Error("core voltage regulation disabled")
		} else {
			defer bus.Close()
			g.Go(func() error { return reg.Run(gctx) })
		}
	}

	if m.cfg.WiFiSSID != "" {
		radio := wpa.New(m.cfg.WPACtrlDir, m.cfg.WiFiInterface, wpa.DefaultOptions(), m.logger)
		defer radio.Close()

		ls := link.NewSupervisor(radio, m.cfg.WiFiSSID, m.cfg.WiFiPassword, m.cfg.LinkBackoff, m.logger, m.recorder)
		g.Go(func() error { return ls.Run(gctx) })

		m.logger.Info("waiting for link")
		if err := link.WaitUntil(gctx, m.cfg.LinkPollInterval, ls.Associated); err != nil {
			return m.wait(g, err)
		}
		m.logger.Info("waiting for IP address", "interface", m.cfg.WiFiInterface)
		if err := link.WaitUntil(gctx, m.cfg.LinkPollInterval, link.HasIPv4(m.cfg.WiFiInterface)); err != nil {
			return m.wait(g, err)
		}
		if ip, err := link.InterfaceAddress(m.cfg.WiFiInterface); err == nil {
			m.logger.Info("got IP address", "ip", ip.String())
		}
	}

	m.recorder.Attach(m.openSinks(gctx)...)

	sup := miner.NewSupervisor(MinerConfig(m.cfg), m.dialer, m.source, m.logger, m.recorder)
	g.Go(func() error { return sup.Run(gctx) })
	g.Go(func() error { return m.reportStatus(gctx, sup, statusInterval) })

	return g.Wait()
}

// wait returns once the loops already started have exited. err is returned
// unless one of them failed first.
func (m *Miner) wait(g *errgroup.Group, err error) error {
	if werr := g.Wait(); werr != nil {
		return werr
	}
	return err
}

func (m *Miner) startPower() (*power.Regulator, *i2cdev.Bus, error) {
	bus, err := i2cdev.Open(m.cfg.I2CBus)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrorTypePeripheral, "open_i2c", "failed to open I2C bus").
			WithContext("bus", m.cfg.I2CBus)
	}

	dac := ds4432.New(bus, float32(m.cfg.DS4432RFS), 0)
	dac.Address = m.cfg.DS4432Addr
	vcore := ds4432.NewVCore(dac, ds4432.Output0, ds4432.TPS40305)

	// Without the monitor the regulator runs open loop.
	var measurer power.MeasureVCore
	monitor := ina260.New(bus)
	monitor.Address = m.cfg.INA260Addr
	if err := monitor.Configure(); err != nil {
		m.logger.WithError(err).Warn("INA260 not found, regulating open loop")
	} else {
		measurer = monitor
	}

	reg := power.NewRegulator(m.cfg.VCoreTarget, m.cfg.RegulatorInterval, vcore, measurer, m.logger, m.recorder)
	return reg, bus, nil
}

// openSinks connects every configured sink. A sink that cannot be reached is
// logged and skipped.
func (m *Miner) openSinks(ctx context.Context) []telemetry.Sink {
	var sinks []telemetry.Sink

	if m.cfg.InfluxURL != "" {
		s, err := influx.New(&influx.Config{
			URL:    m.cfg.InfluxURL,
			Token:  m.cfg.InfluxToken,
			Org:    m.cfg.InfluxOrg,
			Bucket: m.cfg.InfluxBucket,
		})
		if err != nil {
			m.logger.WithError(err).Warn("influx sink disabled")
		} else {
			if err := s.Health(ctx); err != nil {
				m.logger.WithError(err).Warn("influx not healthy yet")
			}
			sinks = append(sinks, s)
		}
	}

	if m.cfg.RedisAddr != "" {
		s, err := redis.New(ctx, &redis.Config{
			Addr:         m.cfg.RedisAddr,
			DeviceID:     m.cfg.DeviceID,
			TTL:          m.cfg.StatusTTL,
			DialTimeout:  m.cfg.ConnectTimeout,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		})
		if err != nil {
			m.logger.WithError(err).Warn("redis sink disabled")
		} else {
			sinks = append(sinks, s)
		}
	}

	if len(m.cfg.KafkaBrokers) > 0 {
		s, err := kafka.New(&kafka.Config{Brokers: m.cfg.KafkaBrokers, Topic: m.cfg.KafkaTopic})
		if err != nil {
			m.logger.WithError(err).Warn("kafka sink disabled")
		} else {
			sinks = append(sinks, s)
		}
	}

	if m.cfg.PostgresURL != "" {
		s, err := postgres.New(ctx, &postgres.Config{URL: m.cfg.PostgresURL, MaxLifetime: 5 * time.Minute})
		if err != nil {
			m.logger.WithError(err).Warn("postgres sink disabled")
		} else {
			sinks = append(sinks, s)
		}
	}

	return sinks
}

// reportStatus records the pool session snapshot every interval
func (m *Miner) reportStatus(ctx context.Context, sup *miner.Supervisor, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			st, ok := sup.Status()
			if !ok {
				continue
			}
			m.recorder.Record("session_status", map[string]string{"phase": st.Phase.String()}, statusFields(st))
		}
	}
}

func statusFields(st miner.Status) map[string]any {
	return map[string]any{
		"generation":   st.Generation,
		"difficulty":   st.Difficulty,
		"version_mask": int64(st.VersionMask),
		"job_id":       st.JobID,
		"submitted":    st.Submitted,
		"accepted":     st.Accepted,
		"rejected":     st.Rejected,
	}
}

// MinerConfig maps the firmware configuration onto the session orchestrator's
func MinerConfig(cfg *config.Config) *miner.Config {
	ext := stratum.Extensions{MinimumDifficulty: cfg.MinimumDifficulty}
	if cfg.VersionRollingMask != 0 {
		ext.VersionRolling = &stratum.VersionRolling{
			Mask:        cfg.VersionRollingMask,
			MinBitCount: cfg.VersionRollingMinBits,
		}
	}

	return &miner.Config{
		ClientName:           cfg.ClientName,
		User:                 cfg.WorkerUser,
		Password:             cfg.WorkerPassword,
		Extensions:           ext,
		ReconnectDelay:       cfg.ReconnectDelay,
		ReconnectMaxDelay:    cfg.ReconnectMaxDelay,
		HandshakeTimeout:     cfg.HandshakeTimeout,
		SubmitInterval:       cfg.SubmitInterval,
		GateRetryDelay:       cfg.GateRetryDelay,
		DecodeErrorThreshold: cfg.DecodeErrorThreshold,
	}
}
