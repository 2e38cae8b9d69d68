package mcpquic

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/quic-go/quic-go"
)

const handshakeTimeout = 10 * time.Second

// Client dials an MCP server over QUIC. Connect performs the ALPN check,
// sends the magic-byte preamble and runs the MCP initialize handshake; the
// resulting session then carries all tool calls until Close.
type Client struct {
	addr    string
	tlsCfg  *tls.Config
	conn    *quic.Conn
	stream  *quic.Stream
	session *mcp.ClientSession
}

// NewClient prepares a client for addr. A nil tlsCfg means the default
// verifying config; pass ClientTLSConfig(true) only against self-signed
// development servers.
func NewClient(addr string, tlsCfg *tls.Config) *Client {
	if tlsCfg == nil {
		tlsCfg = ClientTLSConfig(false)
	}
	return &Client{addr: addr, tlsCfg: tlsCfg}
}

func (c *Client) Connect(ctx context.Context) error {
	conn, err := quic.DialAddr(ctx, c.addr, c.tlsCfg, ProductionQUICConfig())
	if err != nil {
		return fmt.Errorf("mcpquic: dial %s: %w", c.addr, err)
	}

	if alpn := conn.ConnectionState().TLS.NegotiatedProtocol; alpn != ALPNProtocolMCP {
		conn.CloseWithError(ConnErrorUnsupportedALPN, "bad ALPN")
		return fmt.Errorf("%w: negotiated %q", ErrUnsupportedALPN, alpn)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(ConnErrorProtocolViolation, "stream open failed")
		return fmt.Errorf("mcpquic: open stream: %w", err)
	}
	if err := SendMagicBytes(stream); err != nil {
		stream.Close()
		conn.CloseWithError(ConnErrorProtocolViolation, "magic bytes failed")
		return err
	}
	c.conn = conn
	c.stream = stream

	mc := mcp.NewClient(&mcp.Implementation{
		Name:    "openchrome-quic-client",
		Version: "1.0.0",
	}, nil)
	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	session, err := mc.Connect(hsCtx, &mcp.IOTransport{
		Reader: io.NopCloser(stream),
		Writer: streamWriteCloser{stream},
	}, nil)
	if err != nil {
		c.closeTransport()
		return fmt.Errorf("mcpquic: initialize: %w", err)
	}
	c.session = session
	return nil
}

func (c *Client) live() error {
	if c.session == nil {
		return fmt.Errorf("mcpquic: %w", ErrConnectionClosed)
	}
	return nil
}

func (c *Client) ListTools(ctx context.Context) (*mcp.ListToolsResult, error) {
	if err := c.live(); err != nil {
		return nil, err
	}
	return c.session.ListTools(ctx, nil)
}

func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	if err := c.live(); err != nil {
		return nil, err
	}
	return c.session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
}

func (c *Client) Ping(ctx context.Context) error {
	if err := c.live(); err != nil {
		return err
	}
	return c.session.Ping(ctx, nil)
}

func (c *Client) Close() error {
	if c.session != nil {
		c.session.Close()
		c.session = nil
	}
	return c.closeTransport()
}

func (c *Client) closeTransport() error {
	if c.stream != nil {
		c.stream.Close()
		c.stream = nil
	}
	if c.conn != nil {
		c.conn.CloseWithError(ConnErrorNoError, "client closing")
		c.conn = nil
	}
	return nil
}
