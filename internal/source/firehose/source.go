// Package firehose implements archiver.Source over a websocket stream endpoint.
package firehose

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/receipts/internal/archiver"
)

// Config locates and authenticates the stream.
type Config struct {
	URL        string
	ResolveURL string
	Token      string
}

// Source dials one websocket per subscription.
type Source struct {
	cfg        Config
	dialer     *websocket.Dialer
	httpClient *http.Client
	logger     *zap.Logger
}

var _ archiver.Source = (*Source)(nil)

// New validates cfg and returns a Source.
func New(cfg Config, logger *zap.Logger) (*Source, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse stream url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("stream url must use ws or wss, got %q", cfg.URL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 45 * time.Second,
		},
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger.Named("firehose"),
	}, nil
}

// SubscribeTerms opens a stream filtered by keywords or hashtags.
func (s *Source) SubscribeTerms(ctx context.Context, terms []string) (archiver.Subscription, error) {
	return s.subscribe(ctx, "track", terms)
}

// SubscribeIDs opens a stream filtered by account ids.
func (s *Source) SubscribeIDs(ctx context.Context, ids []string) (archiver.Subscription, error) {
	return s.subscribe(ctx, "follow", ids)
}

func (s *Source) buildURL(param string, values []string) (string, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse stream url: %w", err)
	}
	q := u.Query()
	q.Set(param, strings.Join(values, ","))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *Source) authHeader() http.Header {
	header := http.Header{}
	if s.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+s.cfg.Token)
	}
	return header
}

func (s *Source) subscribe(ctx context.Context, param string, values []string) (archiver.Subscription, error) {
	if len(values) == 0 {
		return nil, archiver.ErrEmptyFilter
	}
	wsURL, err := s.buildURL(param, values)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("connecting to stream", zap.String("url", wsURL))
	conn, resp, err := s.dialer.DialContext(ctx, wsURL, s.authHeader())
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial stream: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("dial stream: %w", err)
	}
	s.logger.Debug("connected to stream")

	sub := &subscription{conn: conn}
	sub.stop = context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	return sub, nil
}

type subscription struct {
	conn      *websocket.Conn
	stop      func() bool
	pending   [][]byte
	closeOnce sync.Once
}

// Next returns the next non-blank record. A normal close from the server is io.EOF.
func (s *subscription) Next(ctx context.Context) (json.RawMessage, error) {
	for {
		for len(s.pending) > 0 {
			line := s.pending[0]
			s.pending = s.pending[1:]
			if len(line) > 0 {
				return json.RawMessage(line), nil
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("read message: %w", err)
		}
		s.pending = splitRecords(message)
	}
}

// Close stops the context watcher and closes the connection. It is safe to call twice.
func (s *subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.stop()
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		if cerr := s.conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = fmt.Errorf("close stream: %w", cerr)
		}
	})
	return err
}

func splitRecords(message []byte) [][]byte {
	lines := bytes.Split(message, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			out = append(out, append([]byte(nil), line...))
		}
	}
	return out
}

// ResolveHandle maps an account handle to the opaque id used by follow subscriptions.
func (s *Source) ResolveHandle(ctx context.Context, handle string) (string, error) {
	if s.cfg.ResolveURL == "" {
		return "", fmt.Errorf("resolve @%s: resolve url not configured", handle)
	}
	u, err := url.Parse(s.cfg.ResolveURL)
	if err != nil {
		return "", fmt.Errorf("parse resolve url: %w", err)
	}
	q := u.Query()
	q.Set("screen_name", handle)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("resolve @%s: %w", handle, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("resolve @%s: status %d: %s", handle, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var user struct {
		IDStr string      `json:"id_str"`
		ID    json.Number `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return "", fmt.Errorf("decode user @%s: %w", handle, err)
	}
	if user.IDStr != "" {
		return user.IDStr, nil
	}
	if id := user.ID.String(); id != "" {
		return id, nil
	}
	return "", fmt.Errorf("resolve @%s: response has no id", handle)
}
