package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowcircuits/firestate/internal/core/diff"
	"github.com/flowcircuits/firestate/internal/core/observability/log"
	"github.com/flowcircuits/firestate/internal/core/remote"
	"github.com/flowcircuits/firestate/internal/core/resource"
	"github.com/flowcircuits/firestate/internal/core/session"
)

// Runs a local round trip against the in-memory store: subscribe to a
// document, edit it optimistically, watch the write land, undo it.
func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-stopCh
		cancel()
	}()

	l := log.New(log.LevelDebug)
	sess := session.New(l)
	defer sess.Close()

	sess.Store.SubscribeToSyncState(func(synced bool) {
		l.Info("sync state", log.Bool("fullySynced", synced))
	})

	store := remote.NewMemoryStore()
	if err := store.SetDocument(ctx, "notes/demo", diff.Value{"title": "hello", "count": 1}); err != nil {
		l.Error("seed document", log.Err(err))
		os.Exit(1)
	}

	def := resource.Definition{
		Path:     "notes/demo",
		Debounce: 200 * time.Millisecond,
	}
	doc := resource.NewDocument(sess, store, def)
	doc.Start(ctx)
	defer doc.Stop()
	doc.Subscribe(func() {
		l.Info("document changed",
			log.Any("value", doc.Current()),
			log.String("status", doc.Status().String()))
	})

	doc.Update(diff.Diff{"title": diff.Set("hello, world")}, resource.EditOptions{Label: "rename"})
	doc.Update(diff.Diff{"count": diff.Set(2)}, resource.EditOptions{Label: "bump"})
	doc.Flush()

	waitForIdle(ctx, sess)
	if v, ok := store.Value("notes/demo"); ok {
		l.Info("committed", log.Any("value", v))
	}

	if err := sess.Undo.Undo(ctx); err != nil {
		l.Error("undo", log.Err(err))
	}
	doc.Flush()
	waitForIdle(ctx, sess)
	if v, ok := store.Value("notes/demo"); ok {
		l.Info("after undo", log.Any("value", v))
	}
}

// waitForIdle polls the aggregator until every resource has flushed.
func waitForIdle(ctx context.Context, sess *session.Session) {
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case <-tick.C:
			if sess.Store.IsFullySynced() {
				return
			}
		}
	}
}
