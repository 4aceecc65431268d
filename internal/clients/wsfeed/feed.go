// Package wsfeed is the websocket market-data client. Quotes stream over a
// single connection; daily bars come from the feed's REST endpoint. The
// manager treats this client as one source in its failover list.
package wsfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/aristath/warden/internal/domain"
)

const (
	quoteBuffer  = 1024
	dialTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second
)

// subscribeMessage is the control frame the feed expects.
type subscribeMessage struct {
	Action  string   `json:"action"` // subscribe, unsubscribe
	Symbols []string `json:"symbols"`
}

// quoteMessage is one wire quote.
type quoteMessage struct {
	Type         string    `json:"type"`
	Symbol       string    `json:"symbol"`
	Bid          float64   `json:"bid"`
	Ask          float64   `json:"ask"`
	Last         float64   `json:"last"`
	Volume       int64     `json:"volume"`
	OpenInterest int64     `json:"open_interest"`
	Timestamp    time.Time `json:"ts"`
	Venue        string    `json:"venue"`
}

// barMessage is one wire daily bar.
type barMessage struct {
	Date   string  `json:"date"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

// Feed implements domain.MarketDataClient over a websocket plus a REST
// bars endpoint.
type Feed struct {
	name    string
	wsURL   string
	barsURL string
	quality float64
	log     zerolog.Logger
	http    *http.Client

	quotes chan domain.Quote

	mu         sync.Mutex
	conn       *websocket.Conn
	cancel     context.CancelFunc
	subscribed map[string]bool
}

// New creates a feed client. barsURL is the base of the history endpoint
// (GET {barsURL}?symbol=S&end=RFC3339&count=N).
func New(name, wsURL, barsURL string, quality float64, log zerolog.Logger) *Feed {
	return &Feed{
		name:       name,
		wsURL:      wsURL,
		barsURL:    barsURL,
		quality:    quality,
		log:        log.With().Str("component", "wsfeed").Str("feed", name).Logger(),
		http:       &http.Client{Timeout: 15 * time.Second},
		quotes:     make(chan domain.Quote, quoteBuffer),
		subscribed: make(map[string]bool),
	}
}

// Name identifies the feed in logs and audit records.
func (f *Feed) Name() string { return f.name }

// Quality is the feed's configured quality score.
func (f *Feed) Quality() float64 { return f.quality }

// Quotes returns the quote stream.
func (f *Feed) Quotes() <-chan domain.Quote { return f.quotes }

// Subscribe connects on first use and registers the symbols.
func (f *Feed) Subscribe(ctx context.Context, symbols []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.conn == nil {
		if err := f.connectLocked(); err != nil {
			return err
		}
	}
	for _, s := range symbols {
		f.subscribed[s] = true
	}
	return f.sendLocked(ctx, subscribeMessage{Action: "subscribe", Symbols: symbols})
}

// Unsubscribe removes symbols; the connection closes when none remain.
func (f *Feed) Unsubscribe(ctx context.Context, symbols []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.conn == nil {
		return nil
	}
	for _, s := range symbols {
		delete(f.subscribed, s)
	}
	if err := f.sendLocked(ctx, subscribeMessage{Action: "unsubscribe", Symbols: symbols}); err != nil {
		return err
	}
	if len(f.subscribed) == 0 {
		f.closeLocked()
	}
	return nil
}

// HistoricalBars fetches count daily bars ending at end, oldest first.
func (f *Feed) HistoricalBars(ctx context.Context, symbol string, end time.Time, count int) ([]domain.Bar, error) {
	url := fmt.Sprintf("%s?symbol=%s&end=%s&count=%s",
		f.barsURL, symbol, end.UTC().Format(time.RFC3339), strconv.Itoa(count))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, domain.WrapError(domain.ErrNoData, err, "fetch bars for "+symbol)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, domain.Errorf(domain.ErrNoData, "bars endpoint returned %d for %s", resp.StatusCode, symbol)
	}

	var wire []barMessage
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, domain.WrapError(domain.ErrInvalidData, err, "decode bars for "+symbol)
	}

	bars := make([]domain.Bar, 0, len(wire))
	for _, b := range wire {
		date, err := time.Parse("2006-01-02", b.Date)
		if err != nil {
			return nil, domain.Errorf(domain.ErrInvalidData, "bad bar date %q for %s", b.Date, symbol)
		}
		bars = append(bars, domain.Bar{
			Date: date, Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume,
		})
	}
	return bars, nil
}

// Close tears the connection down.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeLocked()
}

// connectLocked dials and starts the read loop. Caller holds mu.
func (f *Feed) connectLocked() error {
	dialCtx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, f.wsURL, nil)
	if err != nil {
		return domain.WrapError(domain.ErrNoData, err, "dial feed "+f.name)
	}

	readCtx, readCancel := context.WithCancel(context.Background())
	f.conn = conn
	f.cancel = readCancel
	go f.readLoop(readCtx, conn)

	f.log.Info().Str("url", f.wsURL).Msg("Feed connected")
	return nil
}

func (f *Feed) closeLocked() {
	if f.conn == nil {
		return
	}
	f.cancel()
	_ = f.conn.Close(websocket.StatusNormalClosure, "")
	f.conn = nil
	f.cancel = nil
	f.log.Info().Msg("Feed disconnected")
}

func (f *Feed) sendLocked(ctx context.Context, msg subscribeMessage) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(writeCtx, f.conn, msg); err != nil {
		return domain.WrapError(domain.ErrNoData, err, msg.Action+" on feed "+f.name)
	}
	return nil
}

// readLoop decodes wire quotes onto the quote channel until the connection
// ends. The channel uses drop-oldest under pressure so a slow consumer
// never blocks the read.
func (f *Feed) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var msg quoteMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			status := websocket.CloseStatus(err)
			if ctx.Err() != nil || status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				f.log.Debug().Msg("Read loop stopped")
			} else {
				f.log.Error().Err(err).Msg("Feed read error")
			}
			return
		}
		if msg.Type != "quote" {
			continue
		}

		quote := domain.Quote{
			Symbol:       msg.Symbol,
			Timestamp:    msg.Timestamp,
			Bid:          msg.Bid,
			Ask:          msg.Ask,
			Last:         msg.Last,
			Volume:       msg.Volume,
			OpenInterest: msg.OpenInterest,
			Venue:        msg.Venue,
		}
		select {
		case f.quotes <- quote:
		default:
			select {
			case <-f.quotes:
			default:
			}
			select {
			case f.quotes <- quote:
			default:
			}
		}
	}
}
