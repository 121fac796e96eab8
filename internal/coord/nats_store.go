package coord

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSStore implements Store on a JetStream key-value bucket. Atomicity comes
// from the bucket's per-key revision: Update only succeeds when the revision
// read by the caller is still the latest one.
type NATSStore struct {
	kv          jetstream.KeyValue
	callTimeout time.Duration
}

// NATSStoreConfig configures the backing bucket.
type NATSStoreConfig struct {
	Bucket      string
	Replicas    int
	CallTimeout time.Duration
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("WARN: NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Println("INFO: NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}

// NewNATSStore ensures the bucket exists and returns a store bound to it.
func NewNATSStore(ctx context.Context, js jetstream.JetStream, cfg NATSStoreConfig) (*NATSStore, error) {
	if cfg.Replicas <= 0 {
		cfg.Replicas = 1
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 500 * time.Millisecond
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "match runtime coordination state",
		History:     1,
		Storage:     jetstream.FileStorage,
		Replicas:    cfg.Replicas,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket %s: %w", cfg.Bucket, err)
	}
	log.Printf("INFO: ensured kv bucket %s", cfg.Bucket)

	return &NATSStore{kv: kv, callTimeout: cfg.CallTimeout}, nil
}

func (s *NATSStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := withTimeout(ctx, s.callTimeout)
	defer cancel()

	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, translate(err)
	}
	return entry.Value(), nil
}

func (s *NATSStore) Put(ctx context.Context, key string, value []byte) error {
	ctx, cancel := withTimeout(ctx, s.callTimeout)
	defer cancel()

	_, err := s.kv.Put(ctx, key, value)
	return translate(err)
}

func (s *NATSStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := withTimeout(ctx, s.callTimeout)
	defer cancel()

	err := s.kv.Delete(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return translate(err)
}

func (s *NATSStore) CreateIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	ctx, cancel := withTimeout(ctx, s.callTimeout)
	defer cancel()

	_, err := s.kv.Create(ctx, key, value)
	if err == nil {
		return true, nil
	}
	if isRevisionConflict(err) {
		return false, nil
	}
	return false, translate(err)
}

func (s *NATSStore) Mutate(ctx context.Context, key string, fn MutateFunc) ([]byte, error) {
	ctx, cancel := withTimeout(ctx, s.callTimeout)
	defer cancel()

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		var (
			current  []byte
			revision uint64
			exists   bool
		)
		entry, err := s.kv.Get(ctx, key)
		switch {
		case err == nil:
			current, revision, exists = entry.Value(), entry.Revision(), true
		case errors.Is(err, jetstream.ErrKeyNotFound):
		default:
			return nil, translate(err)
		}

		next, err := fn(current, exists)
		if err != nil {
			return nil, err
		}

		switch {
		case next == nil && !exists:
			return nil, nil
		case next == nil:
			err = s.kv.Delete(ctx, key, jetstream.LastRevision(revision))
		case !exists:
			_, err = s.kv.Create(ctx, key, next)
		default:
			_, err = s.kv.Update(ctx, key, next, revision)
		}
		if err == nil {
			return next, nil
		}
		if !isRevisionConflict(err) {
			return nil, translate(err)
		}
	}
	return nil, ErrConflict
}

func (s *NATSStore) Ping(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, s.callTimeout)
	defer cancel()

	_, err := s.kv.Status(ctx)
	return translate(err)
}

func isRevisionConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

// translate maps client errors onto the package sentinels; anything that is
// not a missing key is a connectivity problem from the caller's perspective.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jetstream.ErrKeyNotFound):
		return ErrNotFound
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}
