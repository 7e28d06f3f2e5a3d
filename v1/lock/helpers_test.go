package lock

import (
	"context"
	"testing"
	"time"

	"github.com/mirkobrombin/go-qsync/v1/park"
)

func bind(name string) (context.Context, *park.Thread) {
	t := park.NewThread(name)
	return park.WithThread(context.Background(), t), t
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func expectErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for goroutine")
	}
	return nil
}
