// Copyright 2026 The Coracle Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/coracle-net/coracle/audit"
	"github.com/coracle-net/coracle/lib/codec"
	"github.com/coracle-net/coracle/rpc"
)

func startTestShard(t *testing.T, auditManager *audit.Manager) string {
	t.Helper()
	server, err := rpc.New(rpc.Config{
		Addrs:                   []string{"127.0.0.1:0"},
		MaxServiceMemoryPerCore: 1 << 20,
		Logger:                  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	server.Register(rpc.MethodMap{echoMethodID: echoMethod})
	server.Register(newKVService(auditManager).methods())
	if err := server.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { server.Stop() })
	return server.ListenerAddrs()[0].String()
}

func call(t *testing.T, conn net.Conn, reader *bufio.Reader, method, correlationID uint32, body []byte) []byte {
	t.Helper()
	header := rpc.EncodeHeader(rpc.Header{
		Meta:          method,
		Size:          uint32(len(body)),
		CorrelationID: correlationID,
	})
	if _, err := conn.Write(header[:]); err != nil {
		t.Fatalf("writing request: %v", err)
	}
	if _, err := conn.Write(body); err != nil {
		t.Fatalf("writing body: %v", err)
	}

	replyHeader, ok, err := rpc.ReadHeader(reader)
	if err != nil || !ok {
		t.Fatalf("reading reply header: ok=%v err=%v", ok, err)
	}
	if replyHeader.CorrelationID != correlationID {
		t.Fatalf("correlation id = %d, want %d", replyHeader.CorrelationID, correlationID)
	}
	raw := make([]byte, replyHeader.Size)
	if _, err := io.ReadFull(reader, raw); err != nil {
		t.Fatalf("reading reply body: %v", err)
	}
	payload, err := rpc.DecodeReplyBody(replyHeader, raw)
	if err != nil {
		t.Fatalf("decoding reply body: %v", err)
	}
	return payload
}

func TestEchoService(t *testing.T) {
	addr := startTestShard(t, nil)
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	reader := bufio.NewReader(conn)

	payload := call(t, conn, reader, echoMethodID, 1, []byte("ping"))
	if string(payload) != "ping" {
		t.Errorf("echo = %q", payload)
	}
}

func TestKVPutGetDelete(t *testing.T) {
	addr := startTestShard(t, nil)
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	reader := bufio.NewReader(conn)

	mustMarshal := func(v any) []byte {
		encoded, err := codec.Marshal(v)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		return encoded
	}
	value := bytes.Repeat([]byte("compressible payload "), 200)

	var response kvResponse
	put := call(t, conn, reader, kvPutMethodID, 1,
		mustMarshal(kvPutRequest{Key: "greeting", Value: value}))
	if err := codec.Unmarshal(put, &response); err != nil || !response.OK {
		t.Fatalf("put response = %+v, err %v", response, err)
	}

	get := call(t, conn, reader, kvGetMethodID, 2, mustMarshal(kvKeyRequest{Key: "greeting"}))
	if err := codec.Unmarshal(get, &response); err != nil {
		t.Fatalf("get decode: %v", err)
	}
	if !response.OK || !bytes.Equal(response.Value, value) {
		t.Errorf("get = ok:%v, %d bytes", response.OK, len(response.Value))
	}

	del := call(t, conn, reader, kvDeleteMethodID, 3, mustMarshal(kvKeyRequest{Key: "greeting"}))
	if err := codec.Unmarshal(del, &response); err != nil || !response.OK {
		t.Fatalf("delete response = %+v, err %v", response, err)
	}

	miss := call(t, conn, reader, kvGetMethodID, 4, mustMarshal(kvKeyRequest{Key: "greeting"}))
	if err := codec.Unmarshal(miss, &response); err != nil {
		t.Fatalf("miss decode: %v", err)
	}
	if response.OK {
		t.Error("get after delete reported ok")
	}
}

func TestKVMutationsAreAudited(t *testing.T) {
	// The manager is never started, so the queue only accumulates and
	// a plain buffer sink is safe.
	sink := &bytes.Buffer{}
	manager, err := audit.NewManager(audit.Config{
		MaxBufferBytesPerShard: 1 << 16,
		DrainInterval:          time.Hour,
		EnabledTypes:           []audit.EventType{audit.Management},
		Sink:                   sink,
		Logger:                 slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	manager.SetEnabled(true)

	addr := startTestShard(t, manager)
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	reader := bufio.NewReader(conn)

	encoded, err := codec.Marshal(kvPutRequest{Key: "audited", Value: []byte("v")})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	call(t, conn, reader, kvPutMethodID, 1, encoded)

	deadline := time.Now().Add(5 * time.Second)
	for manager.Pending() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if manager.Pending() != 1 {
		t.Fatalf("pending audit records = %d, want 1", manager.Pending())
	}
}
