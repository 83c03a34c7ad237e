package sync

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	gosync "sync"
	"testing"

	"github.com/gorilla/websocket"
)

// svcRequest mirrors the wire shape of Request on the service side, keeping
// publish payloads raw.
type svcRequest struct {
	ID          string              `json:"id"`
	IsCancel    bool                `json:"is_cancel"`
	SignalEntry *SignalEntryRequest `json:"signal_entry"`
	Barrier     *BarrierRequest     `json:"barrier"`
	Publish     *struct {
		Topic   string          `json:"topic"`
		Payload json.RawMessage `json:"payload"`
	} `json:"publish"`
	Subscribe *SubscribeRequest `json:"subscribe"`
}

type svcResponse struct {
	ID          string               `json:"id"`
	Error       string               `json:"error,omitempty"`
	Subscribe   json.RawMessage      `json:"subscribe,omitempty"`
	SignalEntry *SignalEntryResponse `json:"signal_entry,omitempty"`
	Publish     *PublishResponse     `json:"publish,omitempty"`
}

// svcConn serializes writes to one websocket; barrier completions and
// subscription pushes can fire from other connections' handler goroutines.
type svcConn struct {
	mu   gosync.Mutex
	conn *websocket.Conn
}

func (c *svcConn) write(res *svcResponse) {
	data, err := json.Marshal(res)
	if err != nil {
		panic(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteMessage(websocket.TextMessage, data)
}

type svcBarrier struct {
	conn   *svcConn
	id     string
	target int64
}

type svcSubscriber struct {
	conn *svcConn
	id   string
}

// fakeService is an in-memory rendition of the sync service, good enough to
// exercise the whole client against: counters, barriers, ordered topics
// with replay-from-zero subscriptions, and injectable per-state errors.
type fakeService struct {
	t   *testing.T
	srv *httptest.Server

	mu        gosync.Mutex
	states    map[string]int64
	barriers  map[string][]svcBarrier
	topics    map[string][]json.RawMessage
	subs      map[string][]svcSubscriber
	requests  int
	failState string // signal_entry on a state containing this fails
}

func newFakeService(t *testing.T) *fakeService {
	s := &fakeService{
		t:        t,
		states:   make(map[string]int64),
		barriers: make(map[string][]svcBarrier),
		topics:   make(map[string][]json.RawMessage),
		subs:     make(map[string][]svcSubscriber),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

// endpoint returns host:port for RunParams.SyncServiceEndpoint.
func (s *fakeService) endpoint() string {
	return strings.TrimPrefix(s.srv.URL, "http://")
}

func (s *fakeService) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

func (s *fakeService) topicItems(key string) []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage(nil), s.topics[key]...)
}

func (s *fakeService) handle(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sc := &svcConn{conn: conn}
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req svcRequest
		if err := json.Unmarshal(frame, &req); err != nil {
			s.t.Errorf("fake service received malformed frame: %v", err)
			return
		}
		s.dispatch(sc, &req)
	}
}

func (s *fakeService) dispatch(sc *svcConn, req *svcRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests++

	switch {
	case req.SignalEntry != nil:
		state := req.SignalEntry.State
		if s.failState != "" && strings.Contains(state, s.failState) {
			sc.write(&svcResponse{ID: req.ID, Error: "signal_entry not allowed on " + state})
			return
		}
		s.states[state]++
		seq := s.states[state]
		sc.write(&svcResponse{ID: req.ID, SignalEntry: &SignalEntryResponse{Seq: seq}})

		remaining := s.barriers[state][:0]
		for _, b := range s.barriers[state] {
			if seq >= b.target {
				b.conn.write(&svcResponse{ID: b.id})
			} else {
				remaining = append(remaining, b)
			}
		}
		s.barriers[state] = remaining

	case req.Barrier != nil:
		state := req.Barrier.State
		if s.states[state] >= req.Barrier.Target {
			sc.write(&svcResponse{ID: req.ID})
			return
		}
		s.barriers[state] = append(s.barriers[state], svcBarrier{conn: sc, id: req.ID, target: req.Barrier.Target})

	case req.Publish != nil:
		topic := req.Publish.Topic
		s.topics[topic] = append(s.topics[topic], req.Publish.Payload)
		seq := int64(len(s.topics[topic]))
		sc.write(&svcResponse{ID: req.ID, Publish: &PublishResponse{Seq: seq}})

		for _, sub := range s.subs[topic] {
			sub.conn.write(&svcResponse{ID: sub.id, Subscribe: req.Publish.Payload})
		}

	case req.Subscribe != nil:
		topic := req.Subscribe.Topic
		s.subs[topic] = append(s.subs[topic], svcSubscriber{conn: sc, id: req.ID})
		for _, item := range s.topics[topic] {
			sc.write(&svcResponse{ID: req.ID, Subscribe: item})
		}

	default:
		sc.write(&svcResponse{ID: req.ID, Error: "empty request"})
	}
}
