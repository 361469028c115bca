package wsservice

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/germanamz/toolrelay/pkg/toolservice"
)

// readLimit bounds a single incoming frame.
const readLimit = 16 << 20

// Config describes one tool service reachable over WebSocket.
type Config struct {
	Name       string
	URL        string // http(s) URLs are rewritten to ws(s).
	Headers    map[string]string
	HTTPClient *http.Client
}

// Dialer opens multiplexed WebSocket connections to one service.
type Dialer struct {
	cfg Config
}

// New creates a Dialer with the given settings.
func New(cfg Config) *Dialer {
	return &Dialer{cfg: cfg}
}

// Dial performs the WebSocket handshake and starts the read loop.
func (d *Dialer) Dial(ctx context.Context) (toolservice.Conn, error) {
	u := wsURL(d.cfg.URL)

	ws, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPClient: d.cfg.HTTPClient,
		HTTPHeader: d.headers(),
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("wsservice: dial websocket: %w", ctxErr)
		}
		return nil, toolservice.NewConnError(d.cfg.Name, "dial websocket", err)
	}
	ws.SetReadLimit(readLimit)

	return newClient(d.cfg.Name, u, ws), nil
}

func (d *Dialer) headers() http.Header {
	h := make(http.Header)
	for k, v := range d.cfg.Headers {
		h.Set(k, v)
	}

	return h
}

// wsURL converts http(s) URLs to ws(s). URLs that already use ws/wss are left
// unchanged.
func wsURL(u string) string {
	if strings.HasPrefix(u, "https://") {
		return "wss://" + u[len("https://"):]
	}

	if strings.HasPrefix(u, "http://") {
		return "ws://" + u[len("http://"):]
	}

	return u
}

// Client multiplexes many in-flight calls over one WebSocket. Replies are
// matched to callers by frame ID.
type Client struct {
	name     string
	endpoint string
	ws       *websocket.Conn

	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[string]chan toolservice.Frame
	err     error // set once the read loop exits

	cancel context.CancelFunc
	done   chan struct{}
}

func newClient(name, endpoint string, ws *websocket.Conn) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		name:     name,
		endpoint: endpoint,
		ws:       ws,
		pending:  make(map[string]chan toolservice.Frame),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go c.readLoop(ctx)

	return c
}

func (c *Client) readLoop(ctx context.Context) {
	defer close(c.done)

	for {
		var f toolservice.Frame
		if err := wsjson.Read(ctx, c.ws, &f); err != nil {
			c.fail(toolservice.NewConnError(c.name, "read", err))
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[f.ID]
		delete(c.pending, f.ID)
		c.mu.Unlock()

		if ok {
			ch <- f
		}
	}
}

// fail records the terminal error and wakes every pending caller.
func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err == nil {
		c.err = err
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// roundTrip sends a frame and waits for the reply with the same ID.
func (c *Client) roundTrip(ctx context.Context, f toolservice.Frame) (toolservice.Frame, error) {
	f.ID = strconv.FormatUint(c.nextID.Add(1), 10)
	ch := make(chan toolservice.Frame, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return toolservice.Frame{}, err
	}
	c.pending[f.ID] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
	}

	if err := wsjson.Write(ctx, c.ws, f); err != nil {
		forget()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return toolservice.Frame{}, fmt.Errorf("wsservice: write: %w", ctxErr)
		}
		return toolservice.Frame{}, toolservice.NewConnError(c.name, "write", err)
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			c.mu.Lock()
			err := c.err
			c.mu.Unlock()
			return toolservice.Frame{}, err
		}
		if reply.Type == toolservice.FrameError {
			return toolservice.Frame{}, fmt.Errorf("wsservice: %s: %s", c.name, reply.Error)
		}
		return reply, nil
	case <-ctx.Done():
		forget()
		return toolservice.Frame{}, fmt.Errorf("wsservice: await reply: %w", ctx.Err())
	}
}

// Catalog requests the service catalog.
func (c *Client) Catalog(ctx context.Context) (toolservice.Catalog, error) {
	reply, err := c.roundTrip(ctx, toolservice.Frame{Type: toolservice.FrameCatalog})
	if err != nil {
		return toolservice.Catalog{}, err
	}
	if reply.Catalog == nil {
		return toolservice.Catalog{}, errors.New("wsservice: catalog reply without catalog")
	}

	cat := *reply.Catalog
	if cat.ServiceName == "" {
		cat.ServiceName = c.name
	}
	if cat.ServiceEndpoint == "" {
		cat.ServiceEndpoint = c.endpoint
	}

	return cat, nil
}

// Invoke sends an invoke frame and waits for its result.
func (c *Client) Invoke(ctx context.Context, req toolservice.Request) (toolservice.Response, error) {
	reply, err := c.roundTrip(ctx, toolservice.Frame{Type: toolservice.FrameInvoke, Request: &req})
	if err != nil {
		return toolservice.Response{}, err
	}
	if reply.Response == nil {
		return toolservice.Response{}, errors.New("wsservice: invoke reply without response")
	}

	return *reply.Response, nil
}

// Close sends a normal closure and waits for the read loop to exit.
func (c *Client) Close() error {
	c.mu.Lock()
	alreadyDown := c.err != nil
	c.mu.Unlock()

	err := c.ws.Close(websocket.StatusNormalClosure, "")
	c.cancel()
	<-c.done

	if alreadyDown {
		return nil
	}

	return err
}
