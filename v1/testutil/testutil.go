// Package testutil holds helpers shared by the rtsync package tests.
package testutil

import (
	"testing"
	"time"

	"github.com/mirkobrombin/go-rtsync/v1/kernel"
	"github.com/mirkobrombin/go-rtsync/v1/task"
	"github.com/mirkobrombin/go-rtsync/v1/tick"
)

// Rate is the tick rate of test kernels: one tick per 10ms.
const Rate = 100

// Epoch is the wall-clock time of tick zero on test kernels.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Kernel returns a kernel driven by a manual clock.
func Kernel(t testing.TB, opts ...kernel.Option) (*kernel.Kernel, *tick.Manual) {
	t.Helper()
	clk := tick.NewManual(Rate, Epoch)
	k := kernel.New(append([]kernel.Option{kernel.WithClock(clk)}, opts...)...)
	t.Cleanup(func() { _ = k.Close() })
	return k, clk
}

// Task creates a task or fails the test.
func Task(t testing.TB, name string, priority int) *task.Task {
	t.Helper()
	tk, err := task.New(name, priority)
	if err != nil {
		t.Fatalf("task %s: %v", name, err)
	}
	return tk
}

// Eventually polls cond until it holds or a second passes.
func Eventually(t testing.TB, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// Result waits for one value on ch.
func Result[T any](t testing.TB, what string, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for %s", what)
	}
	var zero T
	return zero
}

// Blocked asserts nothing arrives on ch for a short while.
func Blocked[T any](t testing.TB, what string, ch <-chan T) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("%s: expected to stay blocked, got %v", what, v)
	case <-time.After(20 * time.Millisecond):
	}
}
