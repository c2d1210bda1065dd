package common

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// LoadConfig reads the application config from defaultPath, overlaying the
// user-specified file when given. Duration fields accept Go duration
// strings ("30s", "1h").
func LoadConfig(config interface{}, defaultPath string, userSpecifiedPath string) {
	viper.SetConfigName("config")
	viper.AddConfigPath(defaultPath)
	if err := viper.ReadInConfig(); err != nil {
		log.Error(err)
		os.Exit(-1)
	}
	if userSpecifiedPath != "" {
		viper.SetConfigFile(userSpecifiedPath)
		if err := viper.MergeInConfig(); err != nil {
			log.Error(err)
			os.Exit(-1)
		}
	}
	err := viper.Unmarshal(config, func(dc *mapstructure.DecoderConfig) {
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	})
	if err != nil {
		log.Error(err)
		os.Exit(-1)
	}
}

func ConfigureLogging() {
	log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	log.SetOutput(os.Stdout)
}

func BindCommandlineArguments() {
	if err := viper.BindPFlags(pflag.CommandLine); err != nil {
		log.Error(err)
		os.Exit(-1)
	}
}

// ServeMetrics exposes prometheus metrics on /metrics and returns a
// shutdown function.
func ServeMetrics(port uint16) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return serve(port, mux)
}

// ServeHttp serves the given mux (health endpoints and the like) and
// returns a shutdown function.
func ServeHttp(port uint16, mux http.Handler) func() {
	return serve(port, mux)
}

func serve(port uint16, mux http.Handler) func() {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Errorf("http server on port %d failed", port)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
