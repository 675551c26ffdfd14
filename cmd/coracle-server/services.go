// Copyright 2026 The Coracle Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"fmt"
	"sync"
	"time"

	"github.com/coracle-net/coracle/audit"
	"github.com/coracle-net/coracle/lib/codec"
	"github.com/coracle-net/coracle/lib/compress"
	"github.com/coracle-net/coracle/rpc"
)

// Built-in method ids. Wire constants.
const (
	echoMethodID uint32 = 0x0001

	kvPutMethodID    uint32 = 0x0010
	kvGetMethodID    uint32 = 0x0011
	kvDeleteMethodID uint32 = 0x0012
)

// echoMethod returns the request body unchanged. The standing smoke
// test for a deployment: correlation ids, framing, and ordering are
// all observable with nothing but netcat-grade tooling on the client.
func echoMethod(input *bufio.Reader, sctx *rpc.StreamingContext) (*rpc.Reply, error) {
	body, err := rpc.ReadBody(input, sctx)
	if err != nil {
		return nil, err
	}
	defer body.Release()
	return rpc.NewReply(append([]byte(nil), body.Bytes...)), nil
}

// kvService is a per-shard in-memory key-value store. Shards share
// nothing, so a key lives on whichever shard's listener the client
// landed on — fine for the demo workload this exists for.
type kvService struct {
	auditManager *audit.Manager

	mu    sync.Mutex
	store map[string][]byte
}

func newKVService(auditManager *audit.Manager) *kvService {
	return &kvService{
		auditManager: auditManager,
		store:        make(map[string][]byte),
	}
}

func (kv *kvService) methods() rpc.MethodMap {
	return rpc.MethodMap{
		kvPutMethodID:    kv.put,
		kvGetMethodID:    kv.get,
		kvDeleteMethodID: kv.delete,
	}
}

type kvPutRequest struct {
	Key   string `cbor:"key"`
	Value []byte `cbor:"value"`
}

type kvKeyRequest struct {
	Key string `cbor:"key"`
}

type kvResponse struct {
	OK    bool   `cbor:"ok"`
	Value []byte `cbor:"value,omitempty"`
}

func (kv *kvService) put(input *bufio.Reader, sctx *rpc.StreamingContext) (*rpc.Reply, error) {
	body, err := rpc.ReadBody(input, sctx)
	if err != nil {
		return nil, err
	}
	defer body.Release()

	var request kvPutRequest
	if err := body.Decode(&request); err != nil {
		return nil, fmt.Errorf("decoding put request: %w", err)
	}
	if request.Key == "" {
		return nil, fmt.Errorf("put request has empty key")
	}

	kv.mu.Lock()
	kv.store[request.Key] = append([]byte(nil), request.Value...)
	kv.mu.Unlock()

	kv.auditMutation("kv.put", request.Key)
	return rpc.EncodeReply(kvResponse{OK: true}, compress.None)
}

func (kv *kvService) get(input *bufio.Reader, sctx *rpc.StreamingContext) (*rpc.Reply, error) {
	body, err := rpc.ReadBody(input, sctx)
	if err != nil {
		return nil, err
	}
	defer body.Release()

	var request kvKeyRequest
	if err := body.Decode(&request); err != nil {
		return nil, fmt.Errorf("decoding get request: %w", err)
	}

	kv.mu.Lock()
	value, found := kv.store[request.Key]
	kv.mu.Unlock()

	// Values can be large and repetitive; let the reply layer compress
	// when that pays off.
	return rpc.EncodeReply(kvResponse{OK: found, Value: value}, compress.Zstd)
}

func (kv *kvService) delete(input *bufio.Reader, sctx *rpc.StreamingContext) (*rpc.Reply, error) {
	body, err := rpc.ReadBody(input, sctx)
	if err != nil {
		return nil, err
	}
	defer body.Release()

	var request kvKeyRequest
	if err := body.Decode(&request); err != nil {
		return nil, fmt.Errorf("decoding delete request: %w", err)
	}

	kv.mu.Lock()
	_, found := kv.store[request.Key]
	delete(kv.store, request.Key)
	kv.mu.Unlock()

	kv.auditMutation("kv.delete", request.Key)
	return rpc.EncodeReply(kvResponse{OK: found}, compress.None)
}

// auditMutation records a management event for a store mutation. An
// enqueue refused by backpressure is dropped — the demo store favors
// availability over audit completeness.
func (kv *kvService) auditMutation(activity, key string) {
	if kv.auditManager == nil {
		return
	}
	detail, err := codec.Marshal(map[string]string{"key": key})
	if err != nil {
		return
	}
	kv.auditManager.Enqueue(audit.Management, audit.Record{
		Activity:    activity,
		Actor:       "kv",
		TimestampMS: time.Now().UnixMilli(),
		Detail:      detail,
	})
}
