package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/securechat/internal/chat"
	"github.com/mesmerverse/securechat/internal/config"
	"github.com/mesmerverse/securechat/internal/groupkeys"
	"github.com/mesmerverse/securechat/internal/health"
	"github.com/mesmerverse/securechat/internal/identity"
	"github.com/mesmerverse/securechat/internal/keydir"
	"github.com/mesmerverse/securechat/internal/pairwise"
	"github.com/mesmerverse/securechat/internal/sealing"
	"github.com/mesmerverse/securechat/internal/storage"
	"github.com/mesmerverse/securechat/internal/transport"
)

const (
	identityStateKey = "pairwise_identity"
	devRoutingSalt   = "securechat-dev-routing-salt"
	clockTimeout     = 2 * time.Second
)

// Daemon wires one user session to its backends.
type Daemon struct {
	cfg     *config.Config
	store   *storage.Store
	dir     keydir.Directory
	service *chat.Service
	health  *health.Server

	closers   []func()
	closeOnce sync.Once
}

// NewDaemon opens the store, connects the backends and builds the chat
// service. In dev mode every backend is in-process.
func NewDaemon(ctx context.Context, cfg *config.Config) (*Daemon, error) {
	d := &Daemon{cfg: cfg}

	masterKey, err := keySource(ctx, cfg.MasterKey)
	if err != nil {
		return nil, err
	}
	key, err := masterKey.MasterKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load master key: %w", err)
	}

	store, err := storage.Open(cfg.Store.Path, key)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	d.store = store
	d.closers = append(d.closers, func() { store.Close() })

	bus, blobs, serverClock, err := d.connect(ctx)
	if err != nil {
		d.Close()
		return nil, err
	}

	id, err := loadIdentity(ctx, store, cfg.UserID)
	if err != nil {
		d.Close()
		return nil, err
	}
	if err := d.dir.PublishBundle(ctx, id.Bundle()); err != nil {
		// Peers cannot open new sessions until the bundle is published; the
		// session itself still works from local state.
		log.Warn().Err(err).Msg("Failed to publish prekey bundle")
	}

	enc, err := pairwise.NewRatchetEncryptor(id, d.dir)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to create pairwise encryptor: %w", err)
	}

	keys, err := groupkeys.NewManager(groupkeys.Config{
		UserID:        cfg.UserID,
		Vault:         store,
		Pairwise:      enc,
		Directory:     d.dir,
		CacheTTL:      cfg.Keys.CacheTTLDuration(),
		EstablishWait: cfg.Keys.EstablishWaitDuration(),
		ClaimLease:    cfg.Keys.ClaimLeaseDuration(),
	})
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to create key manager: %w", err)
	}

	members := chat.NewStaticMembers()
	for communityID, memberIDs := range cfg.Communities {
		members.Set(communityID, memberIDs...)
	}

	salt := cfg.Identity.RoutingSalt
	if salt == "" && cfg.DevMode {
		salt = devRoutingSalt
	}

	service, err := chat.New(chat.Config{
		UserID:          cfg.UserID,
		Store:           store,
		Pairwise:        enc,
		Keys:            keys,
		Members:         members,
		Resolver:        identity.NewHMACResolver([]byte(salt)),
		Clock:           transport.NewMonotonicClock(serverClock),
		Bus:             bus,
		Blobs:           blobs,
		FetchTimeout:    cfg.Fetch.TimeoutDuration(),
		FlushInterval:   cfg.Outbox.FlushEvery(),
		RefreshInterval: cfg.Keys.RefreshEvery(),
		BatchSize:       cfg.Outbox.BatchSize,
		RetryInterval:   cfg.Fetch.RetryEvery(),
		RetryMaxBackoff: cfg.Fetch.MaxBackoffDuration(),
	})
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to create chat service: %w", err)
	}
	d.service = service
	d.health = health.NewServer(cfg.Health.Port, service, store, Version)

	log.Info().
		Str("store", cfg.Store.Path).
		Int("communities", len(cfg.Communities)).
		Msg("chatd initialized")
	return d, nil
}

// connect sets d.dir and returns the bus, blob store and server clock.
// The server clock is nil in dev mode.
func (d *Daemon) connect(ctx context.Context) (transport.Bus, transport.BlobStore, transport.Clock, error) {
	cfg := d.cfg
	if cfg.DevMode {
		log.Warn().Msg("Dev mode: using in-process bus, blob store and key directory")
		d.dir = keydir.NewMemory()
		return transport.NewMemoryBus(), transport.NewMemoryBlobStore(), nil, nil
	}

	dir, err := keydir.NewRedis(ctx, keydir.RedisConfig{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		KeyPrefix: cfg.Redis.KeyPrefix,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	d.dir = dir
	d.closers = append(d.closers, func() { dir.Close() })
	log.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to key directory")

	bus, err := transport.NewNATSBus(transport.NATSConfig{
		URL:             cfg.NATS.URL,
		CredentialsFile: cfg.NATS.CredentialsFile,
		Name:            "chatd-" + cfg.UserID,
		ReconnectWait:   cfg.NATS.ReconnectWaitDuration(),
		MaxReconnects:   cfg.NATS.MaxReconnects,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	d.closers = append(d.closers, bus.Close)
	log.Info().Str("url", cfg.NATS.URL).Msg("Connected to NATS")

	blobs, err := transport.NewS3BlobStore(ctx, transport.S3Config{
		Bucket:    cfg.S3.Bucket,
		Region:    cfg.S3.Region,
		KeyPrefix: cfg.S3.KeyPrefix,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create S3 blob store: %w", err)
	}
	log.Info().Str("bucket", cfg.S3.Bucket).Msg("S3 blob store initialized")

	return bus, blobs, bus.Clock(cfg.NATS.ClockSubject, clockTimeout), nil
}

// Run subscribes to the inbox and configured communities, then blocks on
// the service's background loop until ctx is done.
func (d *Daemon) Run(ctx context.Context) error {
	go d.health.Start()
	defer d.health.Stop()

	inbox, err := d.service.SubscribeDirect(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to inbox: %w", err)
	}
	go logEvents("inbox", inbox)

	for communityID := range d.cfg.Communities {
		sub, err := d.service.SubscribeCommunity(ctx, communityID)
		if err != nil {
			log.Error().Err(err).Str("community_id", communityID).Msg("Failed to subscribe to community")
			continue
		}
		go logEvents(communityID, sub)
	}

	return d.service.Run(ctx)
}

// Close releases the store and backend connections.
func (d *Daemon) Close() {
	d.closeOnce.Do(func() {
		if d.service != nil {
			d.service.Close()
		}
		for i := len(d.closers) - 1; i >= 0; i-- {
			d.closers[i]()
		}
	})
}

func logEvents(stream string, sub *chat.Subscription) {
	for ev := range sub.Events() {
		if ev.Err != nil {
			log.Warn().Err(ev.Err).Str("stream", stream).Str("message_id", ev.MessageID).Msg("Inbound message failed")
			continue
		}
		log.Info().
			Str("stream", stream).
			Str("message_id", ev.MessageID).
			Str("chat_id", ev.Message.ChatID).
			Str("sender_id", ev.Message.SenderID).
			Msg("Message received")
	}
}

func keySource(ctx context.Context, cfg config.MasterKeyConfig) (sealing.KeySource, error) {
	switch cfg.Source {
	case "kms":
		src, err := sealing.NewKMSKeySource(ctx, cfg.Region, cfg.KMSKeyID, cfg.SealedPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create KMS key source: %w", err)
		}
		return src, nil
	default:
		return &sealing.FileKeySource{Path: cfg.Path}, nil
	}
}

// loadIdentity returns the persisted pairwise identity, creating one on
// first run.
func loadIdentity(ctx context.Context, store *storage.Store, userID string) (*pairwise.Identity, error) {
	data, err := store.GetState(ctx, identityStateKey)
	if err == nil {
		id, err := pairwise.UnmarshalIdentity(data)
		if err != nil {
			return nil, fmt.Errorf("failed to load identity: %w", err)
		}
		if id.UserID != userID {
			return nil, fmt.Errorf("store belongs to %q, not %q", id.UserID, userID)
		}
		return id, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to read identity: %w", err)
	}

	id, err := pairwise.GenerateIdentity(userID)
	if err != nil {
		return nil, err
	}
	data, err = pairwise.MarshalIdentity(id)
	if err != nil {
		return nil, fmt.Errorf("failed to encode identity: %w", err)
	}
	if err := store.PutState(ctx, identityStateKey, data); err != nil {
		return nil, fmt.Errorf("failed to persist identity: %w", err)
	}

	log.Info().Msg("Generated new pairwise identity")
	return id, nil
}
