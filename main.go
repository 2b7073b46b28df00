// Copyright 2024 Nokia
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/iptecharch/taskloop/pkg/config"
	"github.com/iptecharch/taskloop/pkg/pool"
	"github.com/iptecharch/taskloop/pkg/server"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

var configFile string
var debug bool
var trace bool

var versionFlag bool
var version = "dev"
var commit = ""

func main() {
	pflag.StringVarP(&configFile, "config", "c", "", "config file path")
	pflag.BoolVarP(&debug, "debug", "d", false, "set log level to DEBUG")
	pflag.BoolVarP(&trace, "trace", "t", false, "set log level to TRACE")
	pflag.BoolVarP(&versionFlag, "version", "v", false, "print version")
	pflag.Parse()

	if versionFlag {
		fmt.Println(version + "-" + commit)
		return
	}

	log.SetFormatter(&log.JSONFormatter{})
	log.SetOutput(os.Stdout)

	cfg, err := config.New(configFile)
	if err != nil {
		log.Errorf("failed to read config: %v", err)
		os.Exit(1)
	}
	setLogLevel(cfg)
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		log.Errorf("failed to marshal config: %v", err)
		os.Exit(1)
	}
	log.Infof("taskloop bootstrap version=%s commit=%s", version, commit)
	log.Infof("read config: %s", string(b))

	ctx, cancel := context.WithCancel(context.Background())
	setupCloseHandler(cancel)

	if configFile != "" {
		go func() {
			err := config.Watch(ctx, configFile, func(c *config.Config) {
				setLogLevel(c)
				log.Infof("log level set to %s", log.GetLevel())
			})
			if err != nil {
				log.Errorf("config watcher stopped: %v", err)
			}
		}()
	}

	s, err := server.New(cfg)
	if err != nil {
		log.Errorf("failed to create server: %v", err)
		os.Exit(1)
	}
	if err := s.Start(); err != nil {
		log.Errorf("failed to start server: %v", err)
		os.Exit(1)
	}
	_, err = s.RegisterLoop("heartbeat", heartbeat(s), nil)
	if err != nil {
		log.Errorf("failed to register heartbeat loop: %v", err)
		os.Exit(1)
	}

	if err := s.Serve(ctx); err != nil {
		log.Errorf("failed to run server: %v", err)
		os.Exit(1)
	}
}

// heartbeat reports the state of both components on every tick.
func heartbeat(s *server.Server) pool.LoopFunc {
	return func() error {
		if !log.IsLevelEnabled(log.TraceLevel) {
			return nil
		}
		log.WithFields(log.Fields{
			"pending-tasks":      s.Pool().Pending(),
			"pending-exceptions": s.Loops().PendingExceptions(),
			"loops":              len(s.Loops().LoopIDs()),
		}).Trace("heartbeat")
		return nil
	}
}

func setLogLevel(c *config.Config) {
	lvl := c.Level()
	if debug {
		lvl = log.DebugLevel
	}
	if trace {
		lvl = log.TraceLevel
	}
	log.SetLevel(lvl)
}

func setupCloseHandler(cancelFn context.CancelFunc) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-c
		fmt.Fprintf(os.Stderr, "\nreceived signal '%s'. terminating...\n", sig.String())
		cancelFn()
	}()
}
