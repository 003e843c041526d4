// Package logging wires up the structured logger shared by every
// long-running component (rendezvous, exposer, requester), configured
// from environment variables the way a small daemon typically reads
// its logging knobs.
package logging

import (
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Setup reads PUNCHER_LOG_LEVEL and PUNCHER_LOG_FORMAT from the
// environment and returns a configured logrus.Logger. Unset or
// unrecognized values fall back to info level, text format.
func Setup() *logrus.Logger {
	v := viper.New()
	v.SetEnvPrefix("PUNCHER")
	v.AutomaticEnv()
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	log := logrus.New()

	level, err := logrus.ParseLevel(v.GetString("log_level"))
	if err != nil {
		log.Warnf("unrecognized PUNCHER_LOG_LEVEL %q, defaulting to info", v.GetString("log_level"))
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	switch strings.ToLower(v.GetString("log_format")) {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return log
}
