package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/robolab/teleopctl/internal/client"
	"github.com/robolab/teleopctl/internal/config"
	"github.com/robolab/teleopctl/internal/observability"
	"github.com/robolab/teleopctl/internal/protocol"
)

func main() {
	configPath := flag.String("config", "", "path to teleopctl config.toml")
	serverAddr := flag.String("server", "", "override inference server address")
	policyID := flag.String("policy", "", "override policy id")
	clientID := flag.String("client-id", "", "override client id")
	instruction := flag.String("instruction", "", "override task instruction")
	fps := flag.Int("fps", 0, "override control loop rate")
	flag.Parse()

	if err := run(*configPath, *serverAddr, *policyID, *clientID, *instruction, *fps); err != nil {
		fmt.Fprintf(os.Stderr, "teleopctl: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, serverAddr, policyID, clientID, instruction string, fps int) error {
	var cfg config.ClientConfig
	if configPath != "" {
		loaded, err := config.LoadClientConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	} else {
		cfg = config.ClientConfig{}.WithDefaults()
	}
	if serverAddr != "" {
		cfg.ServerAddr = serverAddr
	}
	if policyID != "" {
		cfg.PolicyID = policyID
	}
	if clientID != "" {
		cfg.ClientID = clientID
	}
	if instruction != "" {
		cfg.Instruction = instruction
	}
	if fps > 0 {
		cfg.FPS = fps
	}

	logger := observability.InitLogger("teleopctl")
	observability.RegisterMetrics()

	c, err := client.New(client.Config{
		Address:            cfg.ServerAddr,
		ClientID:           cfg.ClientID,
		PolicyID:           cfg.PolicyID,
		Session:            cfg.SessionTuning.SessionConfig(cfg.Transport),
		MaxConnectAttempts: cfg.MaxAttempts,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, err := c.Connect(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	mode := client.DegradeFailSafe
	if strings.EqualFold(cfg.DegradeMode, "hold") {
		mode = client.DegradeHold
	}
	driver, err := client.NewDriver(sess, syntheticSensor(), loggingActuator(logger), client.DriverConfig{
		Period:         time.Second / time.Duration(cfg.FPS),
		StalenessTicks: cfg.StalenessTicks,
		DegradeMode:    mode,
		Instruction:    cfg.Instruction,
	})
	if err != nil {
		return err
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-stop
		logger.Info().Str("signal", sig.String()).Msg("stopping control loop")
		driver.Stop()
	}()

	err = driver.Run(ctx)
	stats := driver.Stats()
	logger.Info().
		Uint64("ticks", stats.Ticks).
		Uint64("applied", stats.Applied).
		Uint64("degraded", stats.DegradedTicks).
		Uint64("dropped", stats.Dropped).
		Uint64("overruns", stats.Overruns).
		Msg("control loop finished")
	return err
}

// syntheticSensor emits a fixed-shape zero observation every tick. Hardware
// integrations replace this with real camera and proprioception reads; the
// channel itself does not care.
func syntheticSensor() client.Sensor {
	return client.SensorFunc(func(context.Context) (map[string]protocol.Tensor, error) {
		return map[string]protocol.Tensor{
			"observation.state": {
				Dtype: protocol.DtypeFloat32,
				Dims:  []uint32{6},
				Data:  make([]byte, 24),
			},
		}, nil
	})
}

// loggingActuator reports each applied action instead of moving hardware.
func loggingActuator(logger zerolog.Logger) client.Actuator {
	return client.ActuatorFunc(func(_ context.Context, act protocol.Action) error {
		logger.Debug().
			Uint64("seq", act.Seq).
			Int("channels", len(act.Channels)).
			Uint64("compute_latency_ns", act.ComputeLatencyNS).
			Msg("action applied")
		return nil
	})
}
