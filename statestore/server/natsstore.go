package server

import (
	"context"
	"encoding/hex"
	"encoding/json"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/meshrpc/errors"
)

// JetStreamStore persists entries in a NATS JetStream key/value
// bucket, for deployments where the service must survive restarts.
// Keys are hex-encoded to fit the bucket's key charset; entries are
// stored as JSON.
type JetStreamStore struct {
	kv jetstream.KeyValue
}

// NewJetStreamStore binds to bucket, creating it when absent.
func NewJetStreamStore(ctx context.Context, js jetstream.JetStream, bucket string) (*JetStreamStore, error) {
	kv, err := js.KeyValue(ctx, bucket)
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketNotFound) {
			return nil, errors.Service(err, "JetStreamStore", "NewJetStreamStore", "bind bucket")
		}
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: bucket})
		if err != nil {
			return nil, errors.Service(err, "JetStreamStore", "NewJetStreamStore", "create bucket")
		}
	}
	return &JetStreamStore{kv: kv}, nil
}

// Get implements Store.
func (s *JetStreamStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	kve, err := s.kv.Get(ctx, hex.EncodeToString([]byte(key)))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return Entry{}, false, nil
		}
		return Entry{}, false, errors.Service(err, "JetStreamStore", "Get", "read key")
	}
	var e Entry
	if err := json.Unmarshal(kve.Value(), &e); err != nil {
		return Entry{}, false, errors.Service(err, "JetStreamStore", "Get", "decode entry")
	}
	return e, true, nil
}

// Set implements Store.
func (s *JetStreamStore) Set(ctx context.Context, key string, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return errors.Service(err, "JetStreamStore", "Set", "encode entry")
	}
	if _, err := s.kv.Put(ctx, hex.EncodeToString([]byte(key)), data); err != nil {
		return errors.Service(err, "JetStreamStore", "Set", "write key")
	}
	return nil
}

// Del implements Store.
func (s *JetStreamStore) Del(ctx context.Context, key string) error {
	if err := s.kv.Purge(ctx, hex.EncodeToString([]byte(key))); err != nil {
		return errors.Service(err, "JetStreamStore", "Del", "purge key")
	}
	return nil
}

// List implements Store.
func (s *JetStreamStore) List(ctx context.Context) ([]string, error) {
	encoded, err := s.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, errors.Service(err, "JetStreamStore", "List", "list keys")
	}
	keys := make([]string, 0, len(encoded))
	for _, enc := range encoded {
		raw, err := hex.DecodeString(enc)
		if err != nil {
			return nil, errors.Service(err, "JetStreamStore", "List", "decode key")
		}
		keys = append(keys, string(raw))
	}
	return keys, nil
}

// Snapshot implements Store.
func (s *JetStreamStore) Snapshot(ctx context.Context) (map[string]Entry, error) {
	keys, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Entry, len(keys))
	for _, key := range keys {
		e, ok, err := s.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			out[key] = e
		}
	}
	return out, nil
}
