package feed

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ErrUnknownCollection is returned for collections without a registered source.
var ErrUnknownCollection = errors.New("unknown collection")

// Source loads the full current content of a collection.
type Source func(ctx context.Context) (any, error)

// Snapshot is one full view of a collection. Each snapshot replaces the
// previous one on the client.
type Snapshot struct {
	Event      string    `json:"event"`
	Collection string    `json:"collection"`
	Payload    any       `json:"payload"`
	At         time.Time `json:"at"`
}

type built struct {
	payload   any
	startedAt time.Time
}

// Hub builds snapshots and fans change signals out to watchers.
type Hub struct {
	notifier  *Notifier
	logger    *slog.Logger
	keepalive time.Duration

	mu        sync.RWMutex
	sources   map[string]Source
	dashboard map[string]Source

	group singleflight.Group
}

// NewHub constructs a Hub. keepalive <= 0 defaults to 25s.
func NewHub(notifier *Notifier, logger *slog.Logger, keepalive time.Duration) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if keepalive <= 0 {
		keepalive = 25 * time.Second
	}
	return &Hub{
		notifier:  notifier,
		logger:    logger,
		keepalive: keepalive,
		sources:   make(map[string]Source),
		dashboard: make(map[string]Source),
	}
}

// Register makes collection streamable.
func (h *Hub) Register(collection string, src Source) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sources[collection] = src
}

// RegisterSection adds a named section to the dashboard.
func (h *Hub) RegisterSection(name string, src Source) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dashboard[name] = src
}

// Collections lists streamable collections.
func (h *Hub) Collections() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.sources))
	for name := range h.sources {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (h *Hub) source(collection string) (Source, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	src, ok := h.sources[collection]
	return src, ok
}

// Snapshot loads collection now. Concurrent callers share one load.
func (h *Hub) Snapshot(ctx context.Context, collection string) (Snapshot, error) {
	return h.snapshotSince(ctx, collection, time.Time{})
}

// snapshotSince returns a snapshot whose load started no earlier than since.
// A shared in-flight load that began before the change signal may miss the
// change, so it is discarded and the load repeated.
func (h *Hub) snapshotSince(ctx context.Context, collection string, since time.Time) (Snapshot, error) {
	src, ok := h.source(collection)
	if !ok {
		return Snapshot{}, ErrUnknownCollection
	}
	for attempt := 0; ; attempt++ {
		res, err := h.load(ctx, collection, src)
		if err != nil {
			return Snapshot{}, err
		}
		if !res.startedAt.Before(since) || attempt > 0 {
			return Snapshot{Event: "snapshot", Collection: collection, Payload: res.payload, At: res.startedAt}, nil
		}
		h.group.Forget(collection)
	}
}

func (h *Hub) load(ctx context.Context, collection string, src Source) (built, error) {
	ch := h.group.DoChan(collection, func() (any, error) {
		started := time.Now()
		payload, err := src(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		return built{payload: payload, startedAt: started}, nil
	})
	select {
	case <-ctx.Done():
		return built{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return built{}, res.Err
		}
		return res.Val.(built), nil
	}
}

// Watch sends a snapshot of collection right away and again after every
// change until ctx ends or send fails. ping runs when nothing was sent for
// the keepalive interval.
func (h *Hub) Watch(ctx context.Context, collection string, send func(Snapshot) error, ping func() error) error {
	if _, ok := h.source(collection); !ok {
		return ErrUnknownCollection
	}
	sub, err := h.notifier.Subscribe(ctx, collection)
	if err != nil {
		return err
	}
	defer func() {
		if err := sub.Close(); err != nil {
			h.logger.Debug("feed unsubscribe", slog.String("collection", collection), slog.Any("error", err))
		}
	}()

	snap, err := h.Snapshot(ctx, collection)
	if err != nil {
		return err
	}
	if err := send(snap); err != nil {
		return err
	}

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case changed, ok := <-sub.C:
			if !ok {
				return nil
			}
			snap, err := h.snapshotSince(ctx, collection, changed)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				h.logger.Warn("feed snapshot", slog.String("collection", collection), slog.Any("error", err))
				continue
			}
			if err := send(snap); err != nil {
				return err
			}
			ticker.Reset(h.keepalive)
		case <-ticker.C:
			if ping != nil {
				if err := ping(); err != nil {
					return err
				}
			}
		}
	}
}

// Dashboard loads every registered section concurrently.
func (h *Hub) Dashboard(ctx context.Context) (map[string]any, error) {
	h.mu.RLock()
	sections := make(map[string]Source, len(h.dashboard))
	for name, src := range h.dashboard {
		sections[name] = src
	}
	h.mu.RUnlock()

	var mu sync.Mutex
	out := make(map[string]any, len(sections)+1)
	g, gctx := errgroup.WithContext(ctx)
	for name, src := range sections {
		g.Go(func() error {
			v, err := src(gctx)
			if err != nil {
				return err
			}
			mu.Lock()
			out[name] = v
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out["generated_at"] = time.Now().UTC()
	return out, nil
}
