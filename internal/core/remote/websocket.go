package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/flowcircuits/firestate/internal/core/diff"
	"github.com/flowcircuits/firestate/internal/core/observability/log"
)

// Frame types of the websocket wire protocol. Every request carries a
// correlation id answered by an ack or error frame; snapshot frames carry
// the subscription id they belong to.
const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	frameUpdate      = "update"
	frameSet         = "set"
	frameDelete      = "delete"
	frameBatch       = "batch"
	frameAck         = "ack"
	frameSnapshot    = "snapshot"
	frameError       = "error"

	codeNotFound = "not-found"
)

type wsFrame struct {
	Type       string               `json:"type"`
	ID         string               `json:"id,omitempty"`
	Sub        string               `json:"sub,omitempty"`
	Path       string               `json:"path,omitempty"`
	Collection bool                 `json:"collection,omitempty"`
	Fields     map[string]diff.Node `json:"fields,omitempty"`
	Value      diff.Value           `json:"value,omitempty"`
	Ops        []wsOp               `json:"ops,omitempty"`
	Document   *DocumentSnapshot    `json:"doc,omitempty"`
	Documents  *CollectionSnapshot  `json:"col,omitempty"`
	Error      string               `json:"error,omitempty"`
	Code       string               `json:"code,omitempty"`
}

type wsOp struct {
	Kind   string               `json:"kind"`
	Path   string               `json:"path"`
	Fields map[string]diff.Node `json:"fields,omitempty"`
	Value  diff.Value           `json:"value,omitempty"`
}

var _ Store = (*WebSocketStore)(nil)

// WebSocketStore speaks the frame protocol to a remote endpoint over one
// websocket connection. Reads and writes run on separate pumps; requests
// are correlated with acks by id.
type WebSocketStore struct {
	conn   *websocket.Conn
	cancel context.CancelFunc
	group  *errgroup.Group
	log    log.Log

	outgoing chan wsFrame

	mu       sync.Mutex
	pending  map[string]chan error
	docSubs  map[string]wsDocHandler
	colSubs  map[string]wsColHandler
	closed   bool
	shutdown bool
	lastErr  error
}

type wsDocHandler struct {
	onSnapshot func(DocumentSnapshot)
	onError    func(error)
}

type wsColHandler struct {
	onSnapshot func(CollectionSnapshot)
	onError    func(error)
}

// DialWebSocket connects to a remote store endpoint.
func DialWebSocket(ctx context.Context, url string, l log.Log) (*WebSocketStore, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("remote: dial %s: %w", url, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	group, runCtx := errgroup.WithContext(runCtx)

	s := &WebSocketStore{
		conn:     conn,
		cancel:   cancel,
		group:    group,
		log:      l.With(log.String("component", "ws-store")),
		outgoing: make(chan wsFrame, 32),
		pending:  make(map[string]chan error),
		docSubs:  make(map[string]wsDocHandler),
		colSubs:  make(map[string]wsColHandler),
	}

	group.Go(func() error { return s.readPump() })
	group.Go(func() error { return s.writePump(runCtx) })

	return s, nil
}

// Close tears the connection down and fails every outstanding request.
// Subscription handlers are not notified; a caller-initiated shutdown is
// not a read error.
func (s *WebSocketStore) Close() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	s.cancel()
	_ = s.conn.Close()

	err := s.group.Wait()
	switch {
	case err == nil,
		errors.Is(err, context.Canceled),
		errors.Is(err, net.ErrClosed),
		websocket.IsCloseError(err, websocket.CloseNormalClosure):
		return nil
	}
	return err
}

func (s *WebSocketStore) readPump() error {
	for {
		var f wsFrame
		if err := s.conn.ReadJSON(&f); err != nil {
			s.failAll(err)
			return err
		}
		switch f.Type {
		case frameAck:
			s.resolve(f.ID, nil)
		case frameError:
			if f.Sub != "" {
				s.deliverSubError(f.Sub, fmt.Errorf("remote: %s", f.Error))
				continue
			}
			s.resolve(f.ID, decodeWriteError(f))
		case frameSnapshot:
			s.deliverSnapshot(f)
		default:
			s.log.Warn("unknown frame", log.String("type", f.Type))
		}
	}
}

func (s *WebSocketStore) writePump(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-s.outgoing:
			if err := s.conn.WriteJSON(f); err != nil {
				s.failAll(err)
				return err
			}
		}
	}
}

func decodeWriteError(f wsFrame) error {
	if f.Code == codeNotFound {
		return fmt.Errorf("remote: %s: %w", f.Error, ErrNotFound)
	}
	return fmt.Errorf("remote: %s", f.Error)
}

func (s *WebSocketStore) resolve(id string, err error) {
	s.mu.Lock()
	ch, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()
	if ok {
		ch <- err
	}
}

func (s *WebSocketStore) failAll(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.lastErr = err
	pending := s.pending
	s.pending = make(map[string]chan error)
	var docSubs []wsDocHandler
	var colSubs []wsColHandler
	// A caller-initiated shutdown is not a delivery failure; only the
	// requests still waiting for an ack need to hear about it.
	if !s.shutdown {
		for _, h := range s.docSubs {
			docSubs = append(docSubs, h)
		}
		for _, h := range s.colSubs {
			colSubs = append(colSubs, h)
		}
	}
	s.mu.Unlock()

	for _, ch := range pending {
		ch <- err
	}
	for _, h := range docSubs {
		h.onError(err)
	}
	for _, h := range colSubs {
		h.onError(err)
	}
}

func (s *WebSocketStore) deliverSnapshot(f wsFrame) {
	s.mu.Lock()
	dh, dok := s.docSubs[f.Sub]
	ch, cok := s.colSubs[f.Sub]
	s.mu.Unlock()

	switch {
	case dok && f.Document != nil:
		dh.onSnapshot(*f.Document)
	case cok && f.Documents != nil:
		ch.onSnapshot(*f.Documents)
	}
}

func (s *WebSocketStore) deliverSubError(sub string, err error) {
	s.mu.Lock()
	dh, dok := s.docSubs[sub]
	ch, cok := s.colSubs[sub]
	s.mu.Unlock()
	if dok {
		dh.onError(err)
	}
	if cok {
		ch.onError(err)
	}
}

// send enqueues a frame, failing fast once the connection is down.
func (s *WebSocketStore) send(f wsFrame) error {
	s.mu.Lock()
	if s.closed {
		err := s.lastErr
		s.mu.Unlock()
		return fmt.Errorf("remote: connection closed: %w", err)
	}
	s.mu.Unlock()
	s.outgoing <- f
	return nil
}

// request sends a frame and waits for its ack or error.
func (s *WebSocketStore) request(ctx context.Context, f wsFrame) error {
	f.ID = uuid.NewString()
	ch := make(chan error, 1)

	s.mu.Lock()
	s.pending[f.ID] = ch
	s.mu.Unlock()

	if err := s.send(f); err != nil {
		s.mu.Lock()
		delete(s.pending, f.ID)
		s.mu.Unlock()
		return err
	}

	select {
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, f.ID)
		s.mu.Unlock()
		return ctx.Err()
	case err := <-ch:
		return err
	}
}

func (s *WebSocketStore) SubscribeDocument(path string, onSnapshot func(DocumentSnapshot), onError func(error)) Unsubscribe {
	sub := uuid.NewString()
	s.mu.Lock()
	s.docSubs[sub] = wsDocHandler{onSnapshot: onSnapshot, onError: onError}
	s.mu.Unlock()

	if err := s.send(wsFrame{Type: frameSubscribe, Sub: sub, Path: path}); err != nil {
		onError(err)
	}
	return func() { s.dropSub(sub, path) }
}

func (s *WebSocketStore) SubscribeCollection(path string, onSnapshot func(CollectionSnapshot), onError func(error)) Unsubscribe {
	sub := uuid.NewString()
	s.mu.Lock()
	s.colSubs[sub] = wsColHandler{onSnapshot: onSnapshot, onError: onError}
	s.mu.Unlock()

	if err := s.send(wsFrame{Type: frameSubscribe, Sub: sub, Path: path, Collection: true}); err != nil {
		onError(err)
	}
	return func() { s.dropSub(sub, path) }
}

func (s *WebSocketStore) dropSub(sub, path string) {
	s.mu.Lock()
	_, dok := s.docSubs[sub]
	_, cok := s.colSubs[sub]
	delete(s.docSubs, sub)
	delete(s.colSubs, sub)
	s.mu.Unlock()
	if dok || cok {
		_ = s.send(wsFrame{Type: frameUnsubscribe, Sub: sub, Path: path})
	}
}

func (s *WebSocketStore) UpdateDocument(ctx context.Context, path string, fields map[string]diff.Node) error {
	return s.request(ctx, wsFrame{Type: frameUpdate, Path: path, Fields: fields})
}

func (s *WebSocketStore) SetDocument(ctx context.Context, path string, value diff.Value) error {
	return s.request(ctx, wsFrame{Type: frameSet, Path: path, Value: value})
}

func (s *WebSocketStore) DeleteDocument(ctx context.Context, path string) error {
	return s.request(ctx, wsFrame{Type: frameDelete, Path: path})
}

func (s *WebSocketStore) NewBatch() Batch {
	return &wsBatch{store: s}
}

type wsBatch struct {
	store *WebSocketStore
	ops   []wsOp
}

func (b *wsBatch) Update(path string, fields map[string]diff.Node) {
	b.ops = append(b.ops, wsOp{Kind: "update", Path: path, Fields: fields})
}

func (b *wsBatch) Set(path string, value diff.Value) {
	b.ops = append(b.ops, wsOp{Kind: "set", Path: path, Value: value})
}

func (b *wsBatch) Delete(path string) {
	b.ops = append(b.ops, wsOp{Kind: "delete", Path: path})
}

func (b *wsBatch) Commit(ctx context.Context) error {
	return b.store.request(ctx, wsFrame{Type: frameBatch, Ops: b.ops})
}
