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

// Package file implements the file-drop inbound service: a scheduled
// scan of a drop directory, one envelope per picked-up file.
package file

import (
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/medflow/medflow/api/types"
	"github.com/medflow/medflow/utils/maps"
)

// Components returns the host prototypes of this package.
func Components() []types.Host {
	return []types.Host{&ReaderHost{}}
}

// ReaderConfiguration is the file-drop service settings.
type ReaderConfiguration struct {
	// Dir is the drop directory to scan.
	Dir string `json:"dir"`
	// Pattern is the glob matched against file names.
	Pattern string `json:"pattern"`
	// Schedule is a cron expression; "@every 10s" style intervals work.
	Schedule string `json:"schedule"`
	// ArchiveDir receives files after successful pickup. Empty deletes
	// them instead.
	ArchiveDir string `json:"archiveDir"`
	// ErrorDir receives files whose pickup failed; empty leaves them in
	// place for the next scan.
	ErrorDir string `json:"errorDir"`
	// ContentType declared for picked-up payloads.
	ContentType string `json:"contentType"`
}

// ReaderHost is the "file/reader" service.
type ReaderHost struct {
	Config ReaderConfiguration

	mu      sync.Mutex
	cron    *cron.Cron
	stopped chan struct{}
	closed  bool
}

var _ types.Service = (*ReaderHost)(nil)

func (x *ReaderHost) Type() string {
	return "file/reader"
}

func (x *ReaderHost) Category() types.HostCategory {
	return types.CategoryService
}

func (x *ReaderHost) New() types.Host {
	return &ReaderHost{Config: ReaderConfiguration{
		Pattern:     "*.hl7",
		Schedule:    "@every 10s",
		ContentType: types.ContentTypeHL7,
	}}
}

func (x *ReaderHost) Init(config types.Config, settings types.Configuration) error {
	if err := maps.Map2Struct(settings, &x.Config); err != nil {
		return err
	}
	if x.Config.Dir == "" {
		return errors.New("drop directory is empty")
	}
	if x.Config.Pattern == "" {
		x.Config.Pattern = "*.hl7"
	}
	if x.Config.Schedule == "" {
		x.Config.Schedule = "@every 10s"
	}
	if x.Config.ContentType == "" {
		x.Config.ContentType = types.ContentTypeHL7
	}
	return nil
}

func (x *ReaderHost) OnMessage(ctx types.HostContext, env *types.Envelope) error {
	return errors.New("file/reader does not accept queued messages")
}

// Start schedules the directory scan and blocks until Destroy.
func (x *ReaderHost) Start(ctx types.HostContext) error {
	c := cron.New()
	if _, err := c.AddFunc(x.Config.Schedule, func() {
		x.scan(ctx)
	}); err != nil {
		return err
	}
	stopped := make(chan struct{})
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return nil
	}
	x.cron = c
	x.stopped = stopped
	x.mu.Unlock()

	c.Start()
	ctx.Logger().Printf("file reader %s watching %s (%s)", ctx.HostName(), x.Config.Dir, x.Config.Schedule)
	x.scan(ctx)
	<-stopped
	<-c.Stop().Done()
	return nil
}

// scan picks up every matching file: read, forward, then archive or
// delete. A file that cannot be forwarded moves to the error directory
// so the drop never loops on it.
func (x *ReaderHost) scan(ctx types.HostContext) {
	matches, err := filepath.Glob(filepath.Join(x.Config.Dir, x.Config.Pattern))
	if err != nil {
		ctx.Logger().Printf("file reader %s: bad pattern: %v", ctx.HostName(), err)
		return
	}
	for _, path := range matches {
		x.pickup(ctx, path)
	}
}

func (x *ReaderHost) pickup(ctx types.HostContext, path string) {
	payload, err := os.ReadFile(path)
	if err != nil {
		ctx.Logger().Printf("file reader %s: cannot read %s: %v", ctx.HostName(), path, err)
		return
	}
	md := types.NewMetadata()
	md.PutValue("fileName", filepath.Base(path))
	env := ctx.Config().NewMessageEnvelope(ctx.HostName(), x.Config.ContentType, payload, md)

	if _, perr := env.Body.Parse(); perr != nil {
		ctx.SendError(env, perr)
		x.moveTo(ctx, path, x.Config.ErrorDir)
		return
	}
	if err = ctx.ForwardAll(env); err != nil {
		ctx.Logger().Printf("file reader %s: forward of %s failed: %v", ctx.HostName(), path, err)
		x.moveTo(ctx, path, x.Config.ErrorDir)
		return
	}
	if x.Config.ArchiveDir != "" {
		x.moveTo(ctx, path, x.Config.ArchiveDir)
		return
	}
	if err = os.Remove(path); err != nil {
		ctx.Logger().Printf("file reader %s: cannot remove %s: %v", ctx.HostName(), path, err)
	}
}

func (x *ReaderHost) moveTo(ctx types.HostContext, path, dir string) {
	if dir == "" {
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		ctx.Logger().Printf("file reader %s: cannot create %s: %v", ctx.HostName(), dir, err)
		return
	}
	dest := filepath.Join(dir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		ctx.Logger().Printf("file reader %s: cannot move %s to %s: %v", ctx.HostName(), path, dir, err)
	}
}

func (x *ReaderHost) Destroy() {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return
	}
	x.closed = true
	if x.stopped != nil {
		close(x.stopped)
	}
}
