package control

import (
	"path/filepath"
	"testing"
	"time"
)

type fakeHandler struct{ got Request }

func (f *fakeHandler) Handle(req Request) Response {
	f.got = req
	switch req.Command {
	case "status":
		return Response{OK: true, Status: &StatusInfo{NodeID: "abcd", Port: 8710}}
	case "unknown-to-test":
		return Response{OK: false, Error: "unsupported command"}
	default:
		return Response{OK: true}
	}
}

func TestListenPollDialRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capsule.sock")
	ln, err := Listen(path)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	h := &fakeHandler{}
	done := make(chan error, 1)
	go func() {
		done <- ln.Poll(time.Now().Add(2*time.Second), h)
	}()

	resp, err := Dial(path, Request{Command: "status"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Poll: %v", err)
	}

	if !resp.OK || resp.Status == nil || resp.Status.NodeID != "abcd" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if h.got.Command != "status" {
		t.Fatalf("handler did not see the dispatched command: %+v", h.got)
	}
}

func TestPollTimesOutWithoutConnection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capsule.sock")
	ln, err := Listen(path)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	h := &fakeHandler{}
	if err := ln.Poll(time.Now().Add(50*time.Millisecond), h); err != nil {
		t.Fatalf("expected a timeout with no pending connection to be nil, got %v", err)
	}
}

func TestUnknownCommandReturnsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capsule.sock")
	ln, err := Listen(path)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	h := &fakeHandler{}
	done := make(chan error, 1)
	go func() {
		done <- ln.Poll(time.Now().Add(2*time.Second), h)
	}()

	resp, err := Dial(path, Request{Command: "unknown-to-test"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if resp.OK {
		t.Fatal("expected OK=false for an unsupported command")
	}
}
