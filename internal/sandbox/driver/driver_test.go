package driver

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"syscall"
	"testing"

	"github.com/docker/docker/api/types/container"

	apperrors "github.com/claudebox/claudebox/internal/common/errors"
)

func muxFrame(stream byte, payload string) []byte {
	header := make([]byte, 8)
	header[0] = stream
	binary.BigEndian.PutUint32(header[4:8], uint32(len(payload)))
	return append(header, payload...)
}

func TestDemultiplexStream(t *testing.T) {
	var input bytes.Buffer
	input.Write(muxFrame(1, "hello "))
	input.Write(muxFrame(2, "warning"))
	input.Write(muxFrame(1, "world"))

	var stdout, stderr bytes.Buffer
	if err := demultiplexStream(&input, &stdout, &stderr); err != nil {
		t.Fatalf("demultiplexStream: %v", err)
	}
	if stdout.String() != "hello world" {
		t.Errorf("stdout = %q", stdout.String())
	}
	if stderr.String() != "warning" {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestDemultiplexStreamTruncatedHeader(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := demultiplexStream(bytes.NewReader([]byte{1, 0, 0}), &stdout, &stderr); err != nil {
		t.Fatalf("truncated header should read as clean EOF, got %v", err)
	}
}

func TestDemultiplexStreamEmptyFrames(t *testing.T) {
	var input bytes.Buffer
	input.Write(muxFrame(1, ""))
	input.Write(muxFrame(1, "x"))

	var stdout, stderr bytes.Buffer
	if err := demultiplexStream(&input, &stdout, &stderr); err != nil {
		t.Fatalf("demultiplexStream: %v", err)
	}
	if stdout.String() != "x" {
		t.Errorf("stdout = %q", stdout.String())
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"context canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
		{"connection refused", syscall.ECONNREFUSED, true},
		{"connection reset", syscall.ECONNRESET, true},
		{"daemon down message", errors.New("Cannot connect to the Docker daemon at unix:///var/run/docker.sock"), true},
		{"plain failure", errors.New("invalid reference format"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isTransient(tt.err); got != tt.want {
				t.Errorf("isTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestMapEngineErr(t *testing.T) {
	if mapEngineErr(nil, "x") != nil {
		t.Error("nil should stay nil")
	}
	if err := mapEngineErr(context.Canceled, "x"); !errors.Is(err, context.Canceled) {
		t.Errorf("context errors must pass through, got %v", err)
	}
	if err := mapEngineErr(syscall.ECONNREFUSED, "x"); !apperrors.IsKind(err, apperrors.KindEngineUnreachable) {
		t.Errorf("transient should map to EngineUnreachable, got %v", err)
	}
	if err := mapEngineErr(errors.New("boom"), "x"); !apperrors.IsKind(err, apperrors.KindInternal) {
		t.Errorf("other failures should map to Internal, got %v", err)
	}
}

func TestCPUPercent(t *testing.T) {
	s := &container.StatsResponse{}
	s.PreCPUStats.CPUUsage.TotalUsage = 100
	s.PreCPUStats.SystemUsage = 1000
	s.CPUStats.CPUUsage.TotalUsage = 200
	s.CPUStats.SystemUsage = 2000
	s.CPUStats.OnlineCPUs = 4

	if got := cpuPercent(s); got != 40.0 {
		t.Errorf("cpuPercent = %v, want 40", got)
	}

	// No delta means zero, not NaN.
	idle := &container.StatsResponse{}
	if got := cpuPercent(idle); got != 0 {
		t.Errorf("cpuPercent on empty sample = %v, want 0", got)
	}
}

func TestMemoryUsageSubtractsCache(t *testing.T) {
	s := &container.StatsResponse{}
	s.MemoryStats.Usage = 1000
	s.MemoryStats.Stats = map[string]uint64{"inactive_file": 300}
	if got := memoryUsage(s); got != 700 {
		t.Errorf("memoryUsage = %d, want 700", got)
	}

	s.MemoryStats.Stats = map[string]uint64{"total_inactive_file": 2000}
	if got := memoryUsage(s); got != 1000 {
		t.Errorf("cache larger than usage must not underflow, got %d", got)
	}
}

func TestEmptyReader(t *testing.T) {
	data, err := io.ReadAll(emptyReader{})
	if err != nil || len(data) != 0 {
		t.Errorf("emptyReader = %q, %v", data, err)
	}
}
