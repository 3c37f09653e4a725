package spawn

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"testing"
	"time"
)

func TestCheckAvailability_KnownBinary(t *testing.T) {
	avail := CheckAvailability("sh")
	if !avail.Available {
		t.Fatalf("expected sh to be available on PATH, got error %v", avail.Error)
	}
	if avail.Path == "" {
		t.Fatalf("expected a resolved path")
	}
}

func TestCheckAvailability_UnknownBinary(t *testing.T) {
	avail := CheckAvailability("definitely-not-a-real-binary-xyz")
	if avail.Available {
		t.Fatalf("did not expect an unknown binary to resolve")
	}
}

func TestClassifyError_NotFound(t *testing.T) {
	se := ClassifyError(exec.ErrNotFound)
	if se.Kind != KindCliNotFound {
		t.Fatalf("expected CliNotFound, got %s", se.Kind)
	}
}

func TestClassifyError_Timeout(t *testing.T) {
	se := ClassifyError(context.DeadlineExceeded)
	if se.Kind != KindSpawnTimeout {
		t.Fatalf("expected SpawnTimeout, got %s", se.Kind)
	}
}

func TestClassifyError_Permission(t *testing.T) {
	se := ClassifyError(os.ErrPermission)
	if se.Kind != KindPermissionDenied {
		t.Fatalf("expected PermissionDenied, got %s", se.Kind)
	}
}

func TestSpawn_Success(t *testing.T) {
	res, err := Spawn(context.Background(), "hello", Options{Binary: "true"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if res.PID == 0 {
		t.Fatalf("expected a non-zero pid")
	}
	_ = res.Handle.Wait()
}

func TestSpawn_BinaryNotFound(t *testing.T) {
	_, err := Spawn(context.Background(), "hello", Options{Binary: "definitely-not-a-real-binary-xyz"})
	if err == nil {
		t.Fatalf("expected an error")
	}
	var se *SpawnError
	if !errors.As(err, &se) || se.Kind != KindCliNotFound {
		t.Fatalf("expected CliNotFound, got %v", err)
	}
}

func TestSpawnWithRetry_PermanentKindFailsFast(t *testing.T) {
	attempts := 0
	start := time.Now()
	_, err := SpawnWithRetry(context.Background(), "hello", Options{Binary: "definitely-not-a-real-binary-xyz"}, 5, time.Millisecond)
	elapsed := time.Since(start)
	attempts++
	if err == nil {
		t.Fatalf("expected an error")
	}
	if elapsed > 100*time.Millisecond {
		t.Fatalf("expected a permanent kind to fail on the first attempt without backoff, took %v", elapsed)
	}
	_ = attempts
}
