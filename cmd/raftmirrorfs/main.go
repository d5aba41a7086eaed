/*
   Copyright The containerd Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Command raftmirrorfs mounts a copy-on-write, snapshot-capable mirror of a
// backing directory tree at a given mount point.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/hanwen/go-fuse/v2/fuse/nodefs"
	"github.com/hanwen/go-fuse/v2/fuse/pathfs"
	"github.com/moby/sys/mountinfo"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ktock/snapfs/config"
	"github.com/ktock/snapfs/overlay"
)

var (
	debug      bool
	allowOther bool
	logLevel   string
	configPath string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "raftmirrorfs <backing-store> <mountpoint>",
		Short: "Mount a copy-on-write, snapshotted mirror of a directory tree",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0], args[1])
		},
		SilenceUsage: true,
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "log every FUSE request")
	cmd.Flags().BoolVar(&allowOther, "allow-other", false, "allow other users to access the mount")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&configPath, "config", "", "path to a TOML configuration file")
	return cmd
}

func run(backingStore, mountPoint string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Debug = true
	}
	if allowOther {
		cfg.AllowOther = true
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	log := logrus.NewEntry(logrus.StandardLogger())
	if cfg.LogLevel != "" {
		lvl, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			return errors.Wrapf(err, "invalid log level %q", cfg.LogLevel)
		}
		logrus.SetLevel(lvl)
	}

	if info, err := os.Stat(backingStore); err != nil || !info.IsDir() {
		return errors.Errorf("backing store %q is not an existing directory", backingStore)
	}

	mounted, err := mountinfo.Mounted(mountPoint)
	if err != nil {
		return errors.Wrapf(err, "checking mount point %q", mountPoint)
	}
	if mounted {
		return errors.Errorf("mount point %q is already busy", mountPoint)
	}

	ov := overlay.New(backingStore, log)
	dispatcher := overlay.NewDispatcher(ov)

	ttl := overlay.AttrTTL
	if cfg.AttrTimeoutSeconds > 0 {
		ttl = time.Duration(cfg.AttrTimeoutSeconds * float64(time.Second))
	}

	nfs := pathfs.NewPathNodeFs(dispatcher, &pathfs.PathNodeFsOptions{
		ClientInodes: true,
	})
	conn := nodefs.NewFileSystemConnector(nfs.Root(), &nodefs.Options{
		EntryTimeout:    ttl,
		AttrTimeout:     ttl,
		NegativeTimeout: ttl,
		Debug:           cfg.Debug,
	})

	mountOpts := fuse.MountOptions{
		AllowOther: cfg.AllowOther,
		Debug:      cfg.Debug,
		FsName:     "raftmirrorfs",
		Name:       "raftmirrorfs",
	}
	server, err := fuse.NewServer(conn.RawFS(), mountPoint, &mountOpts)
	if err != nil {
		return errors.Wrap(err, "mounting")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("raftmirrorfs: received shutdown signal, unmounting")
		if err := server.Unmount(); err != nil {
			log.WithError(err).Warn("raftmirrorfs: unmount failed, a lazy unmount may be required")
		}
	}()

	log.WithField("backingStore", backingStore).WithField("mountPoint", mountPoint).
		Info("raftmirrorfs: mounted")
	server.Serve()
	return nil
}
