package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/xdevelsistemas/chronos/internal/chronos"
	"github.com/xdevelsistemas/chronos/internal/chronos/configuration"
	"github.com/xdevelsistemas/chronos/internal/common"
	"github.com/xdevelsistemas/chronos/internal/common/health"
)

const CustomConfigLocation string = "config"

func init() {
	pflag.String(CustomConfigLocation, "", "Fully qualified path to application configuration file")
	pflag.Parse()
}

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()

	var config configuration.ChronosConfig
	userSpecifiedConfig := viper.GetString(CustomConfigLocation)
	common.LoadConfig(&config, "./config/chronos", userSpecifiedConfig)

	log.Info("Starting...")

	ctx, cancel := context.WithCancel(context.Background())
	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stopSignal
		cancel()
	}()

	shutdownMetricServer := common.ServeMetrics(config.MetricsPort)
	defer shutdownMetricServer()

	healthChecks := health.NewMultiChecker()
	shutdownHttpServer := common.ServeHttp(config.HttpPort, chronos.HealthMux(healthChecks))
	defer shutdownHttpServer()

	if err := chronos.Serve(ctx, &config, healthChecks); err != nil && err != context.Canceled {
		log.WithError(err).Error("chronos scheduler failed")
		os.Exit(1)
	}
}
