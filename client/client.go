// Package client talks to a kvs-server, one connection per request.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pro0o/kvs/protocol"
)

// ServerError carries the message and kind of an Err response.
type ServerError struct {
	Message string
	Kind    protocol.Kind
}

func (e *ServerError) Error() string {
	return "server: " + e.Message
}

// IsKeyNotFound reports whether err is the server refusing to remove a
// missing key.
func IsKeyNotFound(err error) bool {
	var se *ServerError
	return errors.As(err, &se) && se.Kind == protocol.KindNotFound
}

type Client struct {
	addr   string
	dialer net.Dialer
}

func New(addr string) *Client {
	return &Client{
		addr:   addr,
		dialer: net.Dialer{Timeout: 5 * time.Second},
	}
}

func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	resp, err := c.do(ctx, protocol.Get(key))
	if err != nil {
		return "", false, err
	}
	if resp.Value == nil {
		return "", false, nil
	}
	return *resp.Value, true, nil
}

func (c *Client) Set(ctx context.Context, key, value string) error {
	_, err := c.do(ctx, protocol.Set(key, value))
	return err
}

func (c *Client) Remove(ctx context.Context, key string) error {
	_, err := c.do(ctx, protocol.Remove(key))
	return err
}

func (c *Client) do(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("dial %s: %w", c.addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if err := protocol.WriteRequest(conn, req); err != nil {
		return protocol.Response{}, fmt.Errorf("send %s request: %w", req.Op, err)
	}
	resp, err := protocol.ReadResponse(conn)
	if err != nil {
		return protocol.Response{}, err
	}
	if !resp.Ok {
		return resp, &ServerError{Message: resp.Err, Kind: resp.Kind}
	}
	return resp, nil
}
