package wsfeed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/aristath/warden/internal/domain"
)

// fakeFeedServer accepts one websocket connection, records control frames
// and lets the test push quotes.
type fakeFeedServer struct {
	t  *testing.T
	mu sync.Mutex

	conn     *websocket.Conn
	messages []subscribeMessage
	ready    chan struct{}
}

func newFakeFeedServer(t *testing.T) (*fakeFeedServer, *httptest.Server) {
	fs := &fakeFeedServer{t: t, ready: make(chan struct{})}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		require.NoError(t, err)
		fs.mu.Lock()
		fs.conn = conn
		fs.mu.Unlock()
		close(fs.ready)

		for {
			var msg subscribeMessage
			if err := wsjson.Read(r.Context(), conn, &msg); err != nil {
				return
			}
			fs.mu.Lock()
			fs.messages = append(fs.messages, msg)
			fs.mu.Unlock()
		}
	}))
	t.Cleanup(srv.Close)
	return fs, srv
}

func (fs *fakeFeedServer) push(q quoteMessage) {
	fs.mu.Lock()
	conn := fs.conn
	fs.mu.Unlock()
	require.NotNil(fs.t, conn)
	require.NoError(fs.t, wsjson.Write(context.Background(), conn, q))
}

func (fs *fakeFeedServer) received() []subscribeMessage {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]subscribeMessage(nil), fs.messages...)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSubscribe_StreamsQuotes(t *testing.T) {
	fs, srv := newFakeFeedServer(t)
	feed := New("primary", wsURL(srv), "", 1.0, zerolog.Nop())
	t.Cleanup(feed.Close)

	require.NoError(t, feed.Subscribe(context.Background(), []string{"SPY", "QQQ"}))
	<-fs.ready

	require.Eventually(t, func() bool {
		msgs := fs.received()
		return len(msgs) == 1 && msgs[0].Action == "subscribe"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"SPY", "QQQ"}, fs.received()[0].Symbols)

	ts := time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC)
	fs.push(quoteMessage{
		Type: "quote", Symbol: "SPY", Bid: 500.1, Ask: 500.3,
		Last: 500.2, Volume: 1200, Timestamp: ts, Venue: "test",
	})

	select {
	case q := <-feed.Quotes():
		assert.Equal(t, "SPY", q.Symbol)
		assert.InDelta(t, 500.2, q.Mid(), 1e-9)
		assert.Equal(t, ts, q.Timestamp)
	case <-time.After(2 * time.Second):
		t.Fatal("no quote received")
	}
}

func TestSubscribe_IgnoresNonQuoteFrames(t *testing.T) {
	fs, srv := newFakeFeedServer(t)
	feed := New("primary", wsURL(srv), "", 1.0, zerolog.Nop())
	t.Cleanup(feed.Close)

	require.NoError(t, feed.Subscribe(context.Background(), []string{"SPY"}))
	<-fs.ready

	fs.push(quoteMessage{Type: "heartbeat"})
	fs.push(quoteMessage{Type: "quote", Symbol: "SPY", Last: 500})

	select {
	case q := <-feed.Quotes():
		assert.Equal(t, "SPY", q.Symbol)
	case <-time.After(2 * time.Second):
		t.Fatal("no quote received")
	}
}

func TestUnsubscribe_ClosesWhenEmpty(t *testing.T) {
	fs, srv := newFakeFeedServer(t)
	feed := New("primary", wsURL(srv), "", 1.0, zerolog.Nop())

	require.NoError(t, feed.Subscribe(context.Background(), []string{"SPY"}))
	<-fs.ready
	require.NoError(t, feed.Unsubscribe(context.Background(), []string{"SPY"}))

	feed.mu.Lock()
	assert.Nil(t, feed.conn)
	feed.mu.Unlock()
}

func TestHistoricalBars(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "SPY", r.URL.Query().Get("symbol"))
		assert.Equal(t, "5", r.URL.Query().Get("count"))
		_ = json.NewEncoder(w).Encode([]barMessage{
			{Date: "2025-05-28", Open: 498, High: 501, Low: 497, Close: 500, Volume: 1000},
			{Date: "2025-05-29", Open: 500, High: 503, Low: 499, Close: 502, Volume: 1100},
		})
	}))
	t.Cleanup(srv.Close)

	feed := New("primary", "", srv.URL, 1.0, zerolog.Nop())
	bars, err := feed.HistoricalBars(context.Background(), "SPY", time.Now(), 5)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, 500.0, bars[0].Close)
	assert.True(t, bars[0].Date.Before(bars[1].Date))
}

func TestHistoricalBars_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	feed := New("primary", "", srv.URL, 1.0, zerolog.Nop())
	_, err := feed.HistoricalBars(context.Background(), "SPY", time.Now(), 5)
	require.Error(t, err)
	assert.Equal(t, domain.ErrNoData, domain.CodeOf(err))
}
