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

package file

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/medflow/medflow/api/types"
	"github.com/medflow/medflow/hl7"
	"github.com/medflow/medflow/test/assert"
)

const adtSample = "MSH|^~\\&|ADT1|MCM|LABADT|MCM|198808181126||ADT^A01|CTRL100|P|2.5\rPID|1||PATID1234||SMITH^WILLIAM"

type hl7Parsers struct{}

func (r *hl7Parsers) Register(parser types.BodyParser) error {
	return nil
}

func (r *hl7Parsers) Resolve(bodyClass string) (types.BodyParser, error) {
	if bodyClass == types.BodyClassHL7 {
		return &hl7.Parser{}, nil
	}
	return nil, &types.TypeResolutionError{TypeName: bodyClass, Reason: "no parser registered"}
}

type fakeCtx struct {
	config     types.Config
	forwarded  []*types.Envelope
	errored    []*types.Envelope
	forwardErr error
}

func newFakeCtx() *fakeCtx {
	return &fakeCtx{config: types.NewConfig(types.WithBodyParsers(&hl7Parsers{}))}
}

func (f *fakeCtx) HostName() string {
	return "drop-in"
}

func (f *fakeCtx) Config() types.Config {
	return f.config
}

func (f *fakeCtx) Logger() types.Logger {
	return types.DefaultLogger()
}

func (f *fakeCtx) Targets(kind types.ConnectionKind) []string {
	return nil
}

func (f *fakeCtx) Forward(env *types.Envelope, target string) error {
	f.forwarded = append(f.forwarded, env)
	return f.forwardErr
}

func (f *fakeCtx) ForwardAll(env *types.Envelope) error {
	if f.forwardErr != nil {
		return f.forwardErr
	}
	f.forwarded = append(f.forwarded, env)
	return nil
}

func (f *fakeCtx) SendError(env *types.Envelope, cause error) {
	f.errored = append(f.errored, env)
}

func (f *fakeCtx) RecordHop(env *types.Envelope, target string, status types.HopStatus, cause error) {
}

func newReader(t *testing.T, settings types.Configuration) *ReaderHost {
	t.Helper()
	host := (&ReaderHost{}).New().(*ReaderHost)
	if err := host.Init(types.NewConfig(), settings); err != nil {
		t.Fatalf("reader init: %v", err)
	}
	return host
}

func drop(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write drop file: %v", err)
	}
	return path
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestInitRequiresDir(t *testing.T) {
	host := (&ReaderHost{}).New().(*ReaderHost)
	assert.NotNil(t, host.Init(types.NewConfig(), types.Configuration{}))
}

func TestScanPicksUpAndDeletes(t *testing.T) {
	dir := t.TempDir()
	path := drop(t, dir, "adm.hl7", adtSample)
	drop(t, dir, "notes.txt", "ignored")

	host := newReader(t, types.Configuration{"dir": dir})
	ctx := newFakeCtx()
	host.scan(ctx)

	assert.Equal(t, 1, len(ctx.forwarded))
	env := ctx.forwarded[0]
	assert.Equal(t, "drop-in", env.Source)
	assert.Equal(t, "adm.hl7", env.Metadata.GetValue("fileName"))
	assert.Equal(t, []byte(adtSample), env.Body.Raw())

	// Picked-up file is gone, the non-matching one stays.
	assert.False(t, exists(path))
	assert.True(t, exists(filepath.Join(dir, "notes.txt")))
}

func TestScanArchives(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "done")
	drop(t, dir, "adm.hl7", adtSample)

	host := newReader(t, types.Configuration{"dir": dir, "archiveDir": archive})
	ctx := newFakeCtx()
	host.scan(ctx)

	assert.Equal(t, 1, len(ctx.forwarded))
	assert.False(t, exists(filepath.Join(dir, "adm.hl7")))
	assert.True(t, exists(filepath.Join(archive, "adm.hl7")))
}

func TestScanQuarantinesUnparseable(t *testing.T) {
	dir := t.TempDir()
	errDir := filepath.Join(dir, "bad")
	drop(t, dir, "junk.hl7", "this is not hl7")

	host := newReader(t, types.Configuration{"dir": dir, "errorDir": errDir})
	ctx := newFakeCtx()
	host.scan(ctx)

	assert.Equal(t, 0, len(ctx.forwarded))
	assert.Equal(t, 1, len(ctx.errored))
	assert.True(t, exists(filepath.Join(errDir, "junk.hl7")))
}

func TestScanQuarantinesOnForwardFailure(t *testing.T) {
	dir := t.TempDir()
	errDir := filepath.Join(dir, "bad")
	drop(t, dir, "adm.hl7", adtSample)

	host := newReader(t, types.Configuration{"dir": dir, "errorDir": errDir})
	ctx := newFakeCtx()
	ctx.forwardErr = types.ErrQueueFull
	host.scan(ctx)

	assert.True(t, exists(filepath.Join(errDir, "adm.hl7")))
}

func TestScanLeavesFailedFileWithoutErrorDir(t *testing.T) {
	dir := t.TempDir()
	path := drop(t, dir, "junk.hl7", "this is not hl7")

	host := newReader(t, types.Configuration{"dir": dir})
	host.scan(newFakeCtx())

	// Left in place for the next scan.
	assert.True(t, exists(path))
}

func TestCustomPattern(t *testing.T) {
	dir := t.TempDir()
	drop(t, dir, "adm.msg", adtSample)
	drop(t, dir, "adm.hl7", adtSample)

	host := newReader(t, types.Configuration{"dir": dir, "pattern": "*.msg"})
	ctx := newFakeCtx()
	host.scan(ctx)

	assert.Equal(t, 1, len(ctx.forwarded))
	assert.Equal(t, "adm.msg", ctx.forwarded[0].Metadata.GetValue("fileName"))
}

func TestStartScansImmediately(t *testing.T) {
	dir := t.TempDir()
	drop(t, dir, "adm.hl7", adtSample)

	// A long interval keeps the cron silent; only the startup scan runs.
	host := newReader(t, types.Configuration{"dir": dir, "schedule": "@every 1h"})
	ctx := newFakeCtx()
	done := make(chan error, 1)
	go func() {
		done <- host.Start(ctx)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && exists(filepath.Join(dir, "adm.hl7")) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.False(t, exists(filepath.Join(dir, "adm.hl7")))

	host.Destroy()
	select {
	case err := <-done:
		assert.Nil(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return after Destroy")
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	host := newReader(t, types.Configuration{"dir": t.TempDir(), "schedule": "not a schedule"})
	assert.NotNil(t, host.Start(newFakeCtx()))
}

func TestStartAfterDestroyIsNoop(t *testing.T) {
	host := newReader(t, types.Configuration{"dir": t.TempDir()})
	host.Destroy()
	assert.Nil(t, host.Start(newFakeCtx()))
}
