package scanner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"upload-gate/internal/model"
)

// fakeClamd accepts one connection per scan, decodes the INSTREAM payload and
// answers with reply. The received payloads are sent on the returned channel.
func fakeClamd(t *testing.T, reply string) (string, <-chan []byte) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	got := make(chan []byte, 4)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			payload, err := readInstream(conn)
			if err == nil {
				got <- payload
				_, _ = io.WriteString(conn, reply+"\x00")
			}
			_ = conn.Close()
		}
	}()
	return ln.Addr().String(), got
}

func readInstream(conn net.Conn) ([]byte, error) {
	br := bufio.NewReader(conn)
	cmd, err := br.ReadString(0)
	if err != nil {
		return nil, err
	}
	if cmd != "zINSTREAM\x00" {
		return nil, errors.New("unexpected command " + cmd)
	}
	var payload bytes.Buffer
	for {
		var size uint32
		if err := binary.Read(br, binary.BigEndian, &size); err != nil {
			return nil, err
		}
		if size == 0 {
			return payload.Bytes(), nil
		}
		if _, err := io.CopyN(&payload, br, int64(size)); err != nil {
			return nil, err
		}
	}
}

func TestClamd_Scan(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		want    model.Verdict
		wantErr bool
	}{
		{"clean", "stream: OK", model.VerdictSafe, false},
		{"infected", "stream: Eicar-Test-Signature FOUND", model.VerdictMalware, false},
		{"size limit", "INSTREAM size limit exceeded. ERROR", model.VerdictError, true},
		{"garbage", "PONG", model.VerdictError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, got := fakeClamd(t, tt.reply)
			c, err := NewClamd("tcp://"+addr, 5*time.Second)
			if err != nil {
				t.Fatalf("NewClamd: %v", err)
			}

			v, err := c.Scan(context.Background(), strings.NewReader("0123456789"))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Scan() error = %v, wantErr %v", err, tt.wantErr)
			}
			if v != tt.want {
				t.Errorf("Scan() = %v, want %v", v, tt.want)
			}
			if payload := <-got; string(payload) != "0123456789" {
				t.Errorf("clamd received %q, want %q", payload, "0123456789")
			}
		})
	}
}

func TestClamd_ScanChunksLargeUpload(t *testing.T) {
	addr, got := fakeClamd(t, "stream: OK")
	c, err := NewClamd(addr, 5*time.Second)
	if err != nil {
		t.Fatalf("NewClamd: %v", err)
	}

	content := bytes.Repeat([]byte("x"), 3*clamdChunkSize+17)
	if _, err := c.Scan(context.Background(), bytes.NewReader(content)); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if payload := <-got; !bytes.Equal(payload, content) {
		t.Errorf("clamd received %d bytes, want %d", len(payload), len(content))
	}
}

func TestClamd_ScanEmptyUpload(t *testing.T) {
	addr, got := fakeClamd(t, "stream: OK")
	c, err := NewClamd(addr, 5*time.Second)
	if err != nil {
		t.Fatalf("NewClamd: %v", err)
	}

	v, err := c.Scan(context.Background(), strings.NewReader(""))
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if v != model.VerdictSafe {
		t.Errorf("Scan() = %v, want %v", v, model.VerdictSafe)
	}
	if payload := <-got; len(payload) != 0 {
		t.Errorf("clamd received %d bytes, want 0", len(payload))
	}
}

func TestClamd_Unreachable(t *testing.T) {
	c, err := NewClamd("tcp://127.0.0.1:1", time.Second)
	if err != nil {
		t.Fatalf("NewClamd: %v", err)
	}

	v, err := c.Scan(context.Background(), strings.NewReader("x"))
	if err == nil {
		t.Fatal("Scan() expected error for unreachable clamd, got nil")
	}
	if v != model.VerdictError {
		t.Errorf("Scan() = %v, want %v", v, model.VerdictError)
	}
}

func TestClamd_SilentDaemonTimesOut(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = ln.Close() }()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		// Swallow everything and never answer.
		_, _ = io.Copy(io.Discard, conn)
		_ = conn.Close()
	}()

	c, err := NewClamd(ln.Addr().String(), 100*time.Millisecond)
	if err != nil {
		t.Fatalf("NewClamd: %v", err)
	}

	start := time.Now()
	v, err := c.Scan(context.Background(), strings.NewReader("x"))
	if err == nil {
		t.Fatal("Scan() expected timeout error, got nil")
	}
	if v != model.VerdictError {
		t.Errorf("Scan() = %v, want %v", v, model.VerdictError)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Scan() took %v, want it bounded by the timeout", elapsed)
	}
}

func TestNewClamd_Address(t *testing.T) {
	tests := []struct {
		addr        string
		wantNetwork string
		wantAddress string
		wantErr     bool
	}{
		{"tcp://clamav:3310", "tcp", "clamav:3310", false},
		{"clamav:3310", "tcp", "clamav:3310", false},
		{"unix:///run/clamav/clamd.sock", "unix", "/run/clamav/clamd.sock", false},
		{"http://clamav:3310", "", "", true},
		{"unix://", "", "", true},
		{"", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			c, err := NewClamd(tt.addr, time.Second)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewClamd(%q) error = %v, wantErr %v", tt.addr, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if c.network != tt.wantNetwork || c.address != tt.wantAddress {
				t.Errorf("NewClamd(%q) = %s %s, want %s %s", tt.addr, c.network, c.address, tt.wantNetwork, tt.wantAddress)
			}
		})
	}
}

func TestParseClamdReply(t *testing.T) {
	tests := []struct {
		reply   string
		want    model.Verdict
		wantErr error
	}{
		{"stream: OK", model.VerdictSafe, nil},
		{"1: stream: OK", model.VerdictSafe, nil},
		{"stream: Win.Test.EICAR_HDB-1 FOUND", model.VerdictMalware, nil},
		{"INSTREAM size limit exceeded. ERROR", model.VerdictError, nil},
		{"", model.VerdictError, ErrUnexpectedReply},
		{"UNKNOWN COMMAND", model.VerdictError, ErrUnexpectedReply},
	}

	for _, tt := range tests {
		t.Run(tt.reply, func(t *testing.T) {
			got, err := parseClamdReply(tt.reply)
			if got != tt.want {
				t.Errorf("parseClamdReply(%q) = %v, want %v", tt.reply, got, tt.want)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("parseClamdReply(%q) error = %v, want %v", tt.reply, err, tt.wantErr)
			}
			if got == model.VerdictError && err == nil {
				t.Errorf("parseClamdReply(%q) returned VerdictError without an error", tt.reply)
			}
		})
	}
}
