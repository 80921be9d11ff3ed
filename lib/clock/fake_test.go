// Copyright 2026 The Lily Remote Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync/atomic"
	"testing"
	"time"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestFakeNow(t *testing.T) {
	fake := Fake(testEpoch)
	if got := fake.Now(); !got.Equal(testEpoch) {
		t.Errorf("Now() = %v, want %v", got, testEpoch)
	}
	fake.Advance(90 * time.Second)
	if got := fake.Now(); !got.Equal(testEpoch.Add(90 * time.Second)) {
		t.Errorf("Now() after advance = %v", got)
	}
}

func TestFakeAfter(t *testing.T) {
	fake := Fake(testEpoch)
	ch := fake.After(time.Minute)

	select {
	case <-ch:
		t.Fatal("After fired before the clock advanced")
	default:
	}

	fake.Advance(time.Minute)
	select {
	case fired := <-ch:
		if !fired.Equal(testEpoch.Add(time.Minute)) {
			t.Errorf("fire time = %v", fired)
		}
	default:
		t.Fatal("After did not fire at its deadline")
	}
}

func TestFakeAfterImmediate(t *testing.T) {
	fake := Fake(testEpoch)
	select {
	case <-fake.After(0):
	default:
		t.Fatal("After(0) did not fire immediately")
	}
}

func TestFakeAfterFuncStop(t *testing.T) {
	fake := Fake(testEpoch)
	var calls atomic.Int32

	timer := fake.AfterFunc(time.Minute, func() { calls.Add(1) })
	if !timer.Stop() {
		t.Error("Stop on a pending timer returned false")
	}
	fake.Advance(2 * time.Minute)
	if calls.Load() != 0 {
		t.Error("stopped AfterFunc still fired")
	}
	if timer.Stop() {
		t.Error("second Stop returned true")
	}
}

func TestFakeAfterFuncDeadlineOrder(t *testing.T) {
	fake := Fake(testEpoch)
	var order []int

	fake.AfterFunc(3*time.Second, func() { order = append(order, 3) })
	fake.AfterFunc(1*time.Second, func() { order = append(order, 1) })
	fake.AfterFunc(2*time.Second, func() { order = append(order, 2) })

	fake.Advance(5 * time.Second)

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("fire order = %v, want [1 2 3]", order)
	}
}

func TestFakeTicker(t *testing.T) {
	fake := Fake(testEpoch)
	ticker := fake.NewTicker(time.Second)
	defer ticker.Stop()

	// Channel capacity is 1; a multi-interval advance delivers at
	// least one tick and drops the overflow.
	fake.Advance(3 * time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("ticker did not tick")
	}

	ticker.Stop()
	fake.Advance(5 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker ticked")
	default:
	}
}

func TestFakeWaitForTimers(t *testing.T) {
	fake := Fake(testEpoch)
	done := make(chan struct{})

	go func() {
		fake.Sleep(time.Hour)
		close(done)
	}()

	fake.WaitForTimers(1)
	fake.Advance(time.Hour)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Sleep never returned after Advance")
	}
}
