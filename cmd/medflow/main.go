/*
 * Copyright 2025 The MedFlow Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// medflow runs a production from a topology file and serves the
// management API.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/medflow/medflow/api/types"
	"github.com/medflow/medflow/engine"
	"github.com/medflow/medflow/manage"
	"github.com/medflow/medflow/trace"
)

var (
	topologyFile = flag.String("topology", "topology.json", "topology definition file")
	manageAddr   = flag.String("manage", ":9090", "management api listen address")
	traceDriver  = flag.String("trace-driver", "", "trace store driver (postgres or mysql); empty keeps traces in memory")
	traceDSN     = flag.String("trace-dsn", "", "trace store data source name")
)

func main() {
	// Worker processes re-exec this binary; hand over before anything
	// else touches the environment.
	if engine.RunProcessWorkerIfChild() {
		return
	}
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var opts []types.Option
	if *traceDriver != "" {
		store, err := trace.NewSQLStore(*traceDriver, *traceDSN)
		if err != nil {
			return fmt.Errorf("trace store: %w", err)
		}
		defer store.Close()
		opts = append(opts, types.WithTraceStore(store))
	}
	config := engine.NewConfig(opts...)

	data, err := os.ReadFile(*topologyFile)
	if err != nil {
		return err
	}
	def, err := config.Parser.DecodeTopology(data)
	if err != nil {
		return fmt.Errorf("topology %s: %w", *topologyFile, err)
	}

	prod := engine.NewProduction(config)
	if err = prod.Deploy(def); err != nil {
		return fmt.Errorf("deploy: %w", err)
	}
	if err = prod.Start(); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	mgmt := manage.NewServer(prod, config, *manageAddr)
	go func() {
		if serr := mgmt.Start(); serr != nil {
			config.Logger.Printf("management api: %v", serr)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	config.Logger.Printf("shutting down")
	mgmt.Close()
	return prod.Stop()
}
