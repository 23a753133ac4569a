//
// Copyright (c) 2023-2026 Uniota Contributors
// All rights reserved
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// otad is the device-side update daemon: it serves OTA sessions against a
// flash image file, the way the firmware would against real flash.
package main

import (
	goflag "flag"
	"fmt"
	"os"

	"github.com/golang/glog"
	"github.com/juju/errors"
	flag "github.com/spf13/pflag"

	"github.com/uniota/uniota/common/ourutil"
	"github.com/uniota/uniota/common/pflagenv"
	"github.com/uniota/uniota/config"
	"github.com/uniota/uniota/flash"
	"github.com/uniota/uniota/ota"
	"github.com/uniota/uniota/partition"
	"github.com/uniota/uniota/version"
)

const envPrefix = "UNIOTA_"

var (
	configFile  = flag.String("config", "otad.yml", "Device configuration file")
	listen      = flag.String("listen", "", "Listen address, overrides the config")
	versionFlag = flag.Bool("version", false, "Print version and exit")
)

func run() error {
	cfg, err := config.Load(*configFile)
	if err != nil {
		return errors.Trace(err)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	table, err := partition.LoadCSV(cfg.PartitionTable)
	if err != nil {
		return errors.Trace(err)
	}
	dev, err := flash.OpenFileDevice(cfg.FlashImage, cfg.FlashSize)
	if err != nil {
		return errors.Trace(err)
	}
	defer dev.Close()
	bank, err := flash.NewBank(dev, table, nil)
	if err != nil {
		return errors.Trace(err)
	}

	var factory ota.BackendFactory
	switch cfg.Mode {
	case config.ModeDirect:
		factory = func() ota.Backend { return ota.NewDirectBackend(bank) }
	default:
		factory = func() ota.Backend {
			return ota.NewBufferedBackend(bank, cfg.TargetPartition, cfg.MaxBuffer)
		}
	}

	srv, err := ota.NewServer(ota.ServerOptions{
		Bank:            bank,
		NewBackend:      factory,
		Password:        cfg.Password,
		HelperPartition: cfg.OTAHelperPartition,
		// On a device this is a hardware reset; here the process exits and
		// the supervisor brings up whatever the boot pointer now selects.
		Restart: func() {
			ourutil.Reportf("Restarting per update request...")
			if err := dev.Sync(); err != nil {
				glog.Errorf("Failed to sync flash image: %v", err)
			}
			os.Exit(0)
		},
		HandshakeTimeout: cfg.HandshakeTimeout,
		DataTimeout:      cfg.DataTimeout,
	})
	if err != nil {
		return errors.Trace(err)
	}
	srv.OnState(func(ev ota.Event) {
		switch ev.State {
		case ota.StateStarted:
			ourutil.Reportf("Update started")
		case ota.StateInProgress:
			glog.V(1).Infof("Update progress: %.1f%%", ev.Progress)
		case ota.StateCompleted:
			ourutil.Reportf("Update completed")
		case ota.StateError:
			ourutil.Reportf("Update error: %s", ev.Code)
		}
	})

	boot, err := bank.Boot()
	if err == nil {
		ourutil.Reportf("Booted from %q, %s mode, serving on %s", boot.Label, cfg.Mode, cfg.Listen)
	}
	return errors.Trace(srv.ListenAndServe(cfg.Listen))
}

func main() {
	flag.CommandLine.AddGoFlagSet(goflag.CommandLine)
	flag.Parse()
	pflagenv.Parse(envPrefix)

	if *versionFlag {
		fmt.Printf("otad %s (%s)\n", version.Version, version.BuildId)
		return
	}

	if err := run(); err != nil {
		glog.Infof("Error: %+v", err)
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
