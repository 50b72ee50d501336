package agentsession

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/RefoundAI/ralph-sub000/internal/jsonrpc"
)

// conn manages JSON-RPC request/response framing over a subprocess's
// stdio. It accepts either newline-delimited JSON or Content-Length
// framing on read, and falls back to newline framing on write until the
// first Content-Length header is observed, matching the leniency the
// agent-client-protocol's reference implementations expect from a client.
type conn struct {
	r          *bufio.Reader
	w          *bufio.Writer
	wMu        sync.Mutex
	useHeaders atomic.Bool

	pendingMu sync.Mutex
	pending   map[string]chan *jsonrpc.Response
	idGen     atomic.Int64
}

func newConn(in io.Reader, out io.Writer) *conn {
	return &conn{
		r:       bufio.NewReader(in),
		w:       bufio.NewWriter(out),
		pending: make(map[string]chan *jsonrpc.Response),
	}
}

func (c *conn) nextID() int64 {
	return c.idGen.Add(1)
}

// call sends a request and blocks for its response, or until ctx is done.
func (c *conn) call(ctx context.Context, method string, params any) (*jsonrpc.Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	id := c.nextID()
	key := strconv.FormatInt(id, 10)
	respCh := make(chan *jsonrpc.Response, 1)

	c.pendingMu.Lock()
	c.pending[key] = respCh
	c.pendingMu.Unlock()

	req := jsonrpc.NewRequest(id, method, params)
	if err := c.send(req); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, key)
		c.pendingMu.Unlock()
		return nil, err
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, key)
		c.pendingMu.Unlock()
		return nil, ctx.Err()
	}
}

// notify sends a request with no ID: fire-and-forget, no response wait.
func (c *conn) notify(method string, params any) error {
	return c.send(jsonrpc.NewNotification(method, params))
}

// sendResponse writes a response payload directly (used to answer a
// request the agent sent us, e.g. a tool call).
func (c *conn) sendResponse(resp *jsonrpc.Response) error {
	if resp == nil {
		return nil
	}
	return c.send(resp)
}

// deliverResponse routes a decoded response to whichever call() is
// waiting on its id. Returns false if nothing was waiting (stale or
// duplicate response).
func (c *conn) deliverResponse(resp *jsonrpc.Response) bool {
	if resp == nil {
		return false
	}
	key := fmt.Sprintf("%v", resp.ID)
	c.pendingMu.Lock()
	ch, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.pendingMu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	return true
}

// readMessage reads one framed JSON-RPC payload, blocking until a full
// message is available or the stream ends.
func (c *conn) readMessage() ([]byte, error) {
	payload, usedHeaders, err := readFramedMessage(c.r)
	if err != nil {
		return nil, err
	}
	if usedHeaders {
		c.useHeaders.Store(true)
	}
	return payload, nil
}

func (c *conn) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.wMu.Lock()
	defer c.wMu.Unlock()

	if c.useHeaders.Load() {
		if _, err := fmt.Fprintf(c.w, "Content-Length: %d\r\n\r\n", len(data)); err != nil {
			return err
		}
		if _, err := c.w.Write(data); err != nil {
			return err
		}
		return c.w.Flush()
	}

	if _, err := c.w.Write(append(data, '\n')); err != nil {
		return err
	}
	return c.w.Flush()
}

func readFramedMessage(r *bufio.Reader) ([]byte, bool, error) {
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				trimmed := strings.TrimSpace(line)
				if trimmed == "" {
					return nil, false, io.EOF
				}
				return []byte(trimmed), false, nil
			}
			return nil, false, err
		}

		line = strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}

		if length, ok := parseContentLength(line); ok {
			for {
				header, err := r.ReadString('\n')
				if err != nil {
					return nil, true, err
				}
				header = strings.TrimRight(header, "\r\n")
				if strings.TrimSpace(header) == "" {
					break
				}
			}
			payload := make([]byte, length)
			if _, err := io.ReadFull(r, payload); err != nil {
				return nil, true, err
			}
			return payload, true, nil
		}

		return []byte(line), false, nil
	}
}

func parseContentLength(line string) (int, bool) {
	lower := strings.ToLower(line)
	if !strings.HasPrefix(lower, "content-length:") {
		return 0, false
	}
	value := strings.TrimSpace(line[len("content-length:"):])
	if value == "" {
		return 0, false
	}
	length, err := strconv.Atoi(value)
	if err != nil || length < 0 {
		return 0, false
	}
	return length, true
}

// parseRPCPayload decodes a JSON-RPC request or response from bytes: a
// payload carrying "method" is a request/notification, otherwise it is a
// response.
func parseRPCPayload(payload []byte) (*jsonrpc.Request, *jsonrpc.Response, error) {
	var probe map[string]any
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil, nil, err
	}
	if _, ok := probe["method"]; ok {
		req, err := jsonrpc.UnmarshalRequest(payload)
		if err != nil {
			return nil, nil, err
		}
		return req, nil, nil
	}
	resp, err := jsonrpc.UnmarshalResponse(payload)
	if err != nil {
		return nil, nil, err
	}
	return nil, resp, nil
}
