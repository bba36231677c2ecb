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

package engine

import (
	"strconv"
	"testing"
	"time"

	"github.com/medflow/medflow/api/types"
	"github.com/medflow/medflow/test/assert"
)

func testEnvelope(tag string) *types.Envelope {
	md := types.NewMetadata()
	md.PutValue("tag", tag)
	return types.NewEnvelope(types.ContentTypeRaw, types.NewBody(types.BodyClassRaw, []byte(tag), nil), md)
}

func tagOf(env *types.Envelope) string {
	return env.Metadata.GetValue("tag")
}

func TestQueueFIFO(t *testing.T) {
	q := newWorkQueue(types.QueueDef{Ordering: types.OrderingFIFO, Capacity: 10})
	for i := 0; i < 5; i++ {
		_, err := q.Submit(testEnvelope(strconv.Itoa(i)))
		assert.Nil(t, err)
	}
	for i := 0; i < 5; i++ {
		env, ok := q.Poll(time.Second)
		assert.True(t, ok)
		assert.Equal(t, strconv.Itoa(i), tagOf(env))
	}
	_, ok := q.Poll(10 * time.Millisecond)
	assert.False(t, ok)
}

func TestQueueLIFO(t *testing.T) {
	q := newWorkQueue(types.QueueDef{Ordering: types.OrderingLIFO, Capacity: 10})
	for i := 0; i < 3; i++ {
		_, err := q.Submit(testEnvelope(strconv.Itoa(i)))
		assert.Nil(t, err)
	}
	for i := 2; i >= 0; i-- {
		env, ok := q.Poll(time.Second)
		assert.True(t, ok)
		assert.Equal(t, strconv.Itoa(i), tagOf(env))
	}
}

func TestQueuePriority(t *testing.T) {
	q := newWorkQueue(types.QueueDef{Ordering: types.OrderingPriority, Capacity: 10})
	submit := func(tag, priority string) {
		env := testEnvelope(tag)
		env.Metadata.PutValue(types.PriorityKey, priority)
		_, err := q.Submit(env)
		assert.Nil(t, err)
	}
	submit("low1", "1")
	submit("high", "9")
	submit("low2", "1")
	submit("mid", "5")

	var got []string
	for i := 0; i < 4; i++ {
		env, ok := q.Poll(time.Second)
		assert.True(t, ok)
		got = append(got, tagOf(env))
	}
	// Highest priority first, arrival order within equal priority.
	assert.Equal(t, []string{"high", "mid", "low1", "low2"}, got)
}

func TestQueueOverflowReject(t *testing.T) {
	q := newWorkQueue(types.QueueDef{Capacity: 2, Overflow: types.OverflowReject})
	_, err := q.Submit(testEnvelope("a"))
	assert.Nil(t, err)
	_, err = q.Submit(testEnvelope("b"))
	assert.Nil(t, err)
	_, err = q.Submit(testEnvelope("c"))
	assert.Equal(t, types.ErrQueueFull, err)
	// The queue content is untouched by the rejected submit.
	env, _ := q.Poll(time.Second)
	assert.Equal(t, "a", tagOf(env))
	assert.Equal(t, 1, q.Len())
}

func TestQueueOverflowDropOldest(t *testing.T) {
	q := newWorkQueue(types.QueueDef{Capacity: 2, Overflow: types.OverflowDropOldest})
	_, _ = q.Submit(testEnvelope("a"))
	_, _ = q.Submit(testEnvelope("b"))
	evicted, err := q.Submit(testEnvelope("c"))
	assert.Nil(t, err)
	assert.NotNil(t, evicted)
	assert.Equal(t, "a", tagOf(evicted))
	assert.Equal(t, int64(1), q.Dropped())

	env, _ := q.Poll(time.Second)
	assert.Equal(t, "b", tagOf(env))
}

func TestQueueOverflowBlockTimesOut(t *testing.T) {
	q := newWorkQueue(types.QueueDef{Capacity: 1, Overflow: types.OverflowBlock, BlockTimeoutMs: 30})
	_, err := q.Submit(testEnvelope("a"))
	assert.Nil(t, err)
	start := time.Now()
	_, err = q.Submit(testEnvelope("b"))
	assert.Equal(t, types.ErrQueueFull, err)
	assert.True(t, time.Since(start) >= 30*time.Millisecond)
}

func TestQueueOverflowBlockUnblocks(t *testing.T) {
	q := newWorkQueue(types.QueueDef{Capacity: 1, Overflow: types.OverflowBlock, BlockTimeoutMs: 2000})
	_, err := q.Submit(testEnvelope("a"))
	assert.Nil(t, err)
	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = q.Poll(time.Second)
	}()
	_, err = q.Submit(testEnvelope("b"))
	assert.Nil(t, err)
	env, _ := q.Poll(time.Second)
	assert.Equal(t, "b", tagOf(env))
}

func TestQueuePollWakesOnSubmit(t *testing.T) {
	q := newWorkQueue(types.QueueDef{Capacity: 10})
	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = q.Submit(testEnvelope("late"))
	}()
	env, ok := q.Poll(time.Second)
	assert.True(t, ok)
	assert.Equal(t, "late", tagOf(env))
}

func TestQueueClose(t *testing.T) {
	q := newWorkQueue(types.QueueDef{Capacity: 10})
	_, _ = q.Submit(testEnvelope("a"))
	q.Close()

	_, err := q.Submit(testEnvelope("b"))
	assert.Equal(t, types.ErrStopped, err)

	// Remaining items stay pollable for the drain.
	env, ok := q.Poll(time.Second)
	assert.True(t, ok)
	assert.Equal(t, "a", tagOf(env))
	_, ok = q.Poll(10 * time.Millisecond)
	assert.False(t, ok)
}

func TestQueueDrain(t *testing.T) {
	q := newWorkQueue(types.QueueDef{Capacity: 10})
	for i := 0; i < 4; i++ {
		_, _ = q.Submit(testEnvelope(strconv.Itoa(i)))
	}
	drained := q.Drain()
	assert.Equal(t, 4, len(drained))
	assert.Equal(t, 0, q.Len())
}
