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

// otau uploads a firmware image to a device, optionally restarting it into
// its helper partition first so the main partition can be rewritten.
package main

import (
	"context"
	goflag "flag"
	"fmt"
	"io/ioutil"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/golang/glog"
	"github.com/juju/errors"
	flag "github.com/spf13/pflag"

	"github.com/uniota/uniota/common/ourutil"
	"github.com/uniota/uniota/common/pflagenv"
	"github.com/uniota/uniota/ota"
	"github.com/uniota/uniota/version"
)

const envPrefix = "UNIOTA_"

var (
	addr       = flag.String("addr", "", "Device address, host:port")
	fwFile     = flag.String("firmware", "", "Firmware image file to upload")
	password   = flag.String("pass", "", "Device password; prompted for if the device requires one")
	strongAuth = flag.Bool("strong-auth", false, "Use SHA-256 for authentication and image digest")
	compress   = flag.Bool("compress", false, "Compress chunks if the device supports it")
	noVerify   = flag.Bool("no-verify", false, "Do not declare an image digest")
	useHelper  = flag.Bool("reboot-to-helper", false, "Restart the device into its helper partition before uploading")
	settle     = flag.Duration("settle-time", 5*time.Second, "Wait after the device acknowledges the reboot")
	timeout    = flag.Duration("timeout", 30*time.Second, "Network operation timeout")
	chunkSize  = flag.Int("chunk-size", 1024, "Upload chunk size, bytes")

	versionFlag = flag.Bool("version", false, "Print version and exit")
)

func run() error {
	if *addr == "" || *fwFile == "" {
		return errors.Errorf("--addr and --firmware are required")
	}
	image, err := ioutil.ReadFile(*fwFile)
	if err != nil {
		return errors.Annotatef(err, "failed to read firmware")
	}

	var features byte
	if *strongAuth {
		features |= ota.FeatureStrongAuth
	}
	if *compress {
		features |= ota.FeatureCompression
	}
	if *useHelper {
		features |= ota.FeatureRebootToHelper
	}
	digest := ota.DigestMD5
	if *strongAuth {
		digest = ota.DigestSHA256
	}
	if *noVerify {
		digest = ota.DigestNone
	}

	pass := *password
	if pass == "" {
		if pass = os.Getenv(envPrefix + "PASS"); pass == "" {
			pass = ourutil.Prompt("Device password (empty for none):")
		}
	}

	lastPct := -1
	client := ota.NewClient(ota.ClientOptions{
		Addr:       *addr,
		Password:   pass,
		Features:   features,
		DigestKind: digest,
		ChunkSize:  *chunkSize,
		Timeout:    *timeout,
		SettleTime: *settle,
		OnProgress: func(sent, total int) {
			if pct := 100 * sent / total; pct/10 > lastPct/10 {
				lastPct = pct
				ourutil.Reportf("  %3d%% (%d / %d)", pct, sent, total)
			}
		},
	})

	ourutil.Reportf("Uploading %s (%d bytes) to %s...", *fwFile, len(image), *addr)
	if err := client.Upload(context.Background(), image); err != nil {
		if cause, ok := errors.Cause(err).(*ota.ResponseError); ok {
			ourutil.Reportf("%s: %s", color.RedString("Device rejected the update"), cause.Code)
		}
		return errors.Trace(err)
	}
	ourutil.Reportf("%s", color.GreenString("Update accepted, device is restarting"))
	return nil
}

func main() {
	flag.CommandLine.AddGoFlagSet(goflag.CommandLine)
	flag.Parse()
	pflagenv.Parse(envPrefix)

	if *versionFlag {
		fmt.Printf("otau %s (%s)\n", version.Version, version.BuildId)
		return
	}

	if err := run(); err != nil {
		glog.Infof("Error: %+v", err)
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
