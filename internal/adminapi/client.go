// Package adminapi implements the router admin-API client: connecting to
// the admin socket, querying self/session/peer state, and issuing
// add_peer/remove_peer/get_node_info calls (spec §6 "Router admin
// protocol").
package adminapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/malbeclabs/yggdrasil-jumperd/internal/types"
)

// request is one admin-socket RPC envelope. The real admin socket speaks a
// sequence of JSON objects over a persistent stream connection, one
// request/response pair at a time.
type request struct {
	Request string `json:"request"`
	Key     string `json:"key,omitempty"`
	URI     string `json:"uri,omitempty"`
}

type response struct {
	Status   string          `json:"status"`
	Error    string          `json:"error,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
}

type selfResponse struct {
	BuildVersion string `json:"build_version"`
	Address      string `json:"address"`
}

// Endpoint is a connected admin-socket client. RPCs are serialised by mu,
// matching the admin-API handle's own write lock (spec §7 "Locks are never
// held across await ... except the brief add_peer/remove_peer round-trip on
// the admin-API handle, which is serialised by that handle's own write
// lock").
type Endpoint struct {
	mu   sync.Mutex
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder
}

// RouterState is the admin API's identity snapshot, fixed at connect time
// and only refreshed by a reconnect (spec's RouterState table entry).
type RouterState struct {
	BuildVersion string
	Address      net.IP
	Endpoint     *Endpoint
}

// Connect dials each admin-socket URI (unix:// or tcp://) in the order the
// config lists them and returns the RouterState for
// the first one that answers get_self successfully (spec §6, §7 admin-socket
// connect sequence).
func Connect(ctx context.Context, adminListen []string, protocols []string, yggdrasilListen []string, timeout time.Duration, log *slog.Logger) (*RouterState, error) {
	if log == nil {
		log = slog.Default()
	}
	var lastErr error
	for _, uri := range adminListen {
		scheme, addr, ok := splitScheme(uri)
		if !ok {
			lastErr = fmt.Errorf("adminapi: malformed admin socket uri %q", uri)
			continue
		}

		dialCtx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			dialCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		var d net.Dialer
		var network string
		switch scheme {
		case "unix":
			network = "unix"
		case "tcp":
			network = "tcp"
		default:
			if cancel != nil {
				cancel()
			}
			lastErr = fmt.Errorf("adminapi: unsupported admin socket scheme %q", scheme)
			continue
		}
		conn, err := d.DialContext(dialCtx, network, addr)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			lastErr = fmt.Errorf("adminapi: connect to %s: %w", uri, err)
			continue
		}

		ep := newEndpoint(conn)
		self, err := ep.GetSelf(ctx)
		if err != nil {
			conn.Close()
			lastErr = fmt.Errorf("adminapi: get_self on %s: %w", uri, err)
			continue
		}

		warnCompatibility(log, uri, self.BuildVersion, protocols, yggdrasilListen)

		addr6 := net.ParseIP(self.Address)
		return &RouterState{BuildVersion: self.BuildVersion, Address: addr6, Endpoint: ep}, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("adminapi: no admin socket uris configured")
	}
	return nil, lastErr
}

// SupportsAddPeer reports whether the connected router's build supports
// add_peer/remove_peer, i.e. can act as an AsEndpoint bridge target.
func (s *RouterState) SupportsAddPeer() bool { return !preAddPeer(s.BuildVersion) }

// SupportsQUIC reports whether the connected router's build can accept a
// QUIC peering URI.
func (s *RouterState) SupportsQUIC() bool { return !preQUIC(s.BuildVersion) }

func newEndpoint(conn net.Conn) *Endpoint {
	return &Endpoint{conn: conn, enc: json.NewEncoder(conn), dec: json.NewDecoder(conn)}
}

func (e *Endpoint) call(ctx context.Context, req request) (json.RawMessage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		_ = e.conn.SetDeadline(dl)
	} else {
		_ = e.conn.SetDeadline(time.Time{})
	}

	if err := e.enc.Encode(req); err != nil {
		return nil, fmt.Errorf("adminapi: send %s: %w", req.Request, err)
	}
	var resp response
	if err := e.dec.Decode(&resp); err != nil {
		return nil, fmt.Errorf("adminapi: receive %s response: %w", req.Request, err)
	}
	if resp.Status != "success" {
		return nil, fmt.Errorf("adminapi: %s failed: %s", req.Request, resp.Error)
	}
	return resp.Response, nil
}

// GetSelf implements get_self() -> {build_version, address}.
func (e *Endpoint) GetSelf(ctx context.Context) (*selfResponse, error) {
	raw, err := e.call(ctx, request{Request: "getself"})
	if err != nil {
		return nil, err
	}
	var s selfResponse
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("adminapi: decode getself response: %w", err)
	}
	return &s, nil
}

// GetSessions implements get_sessions() -> [SessionEntry].
func (e *Endpoint) GetSessions(ctx context.Context) ([]types.SessionEntry, error) {
	raw, err := e.call(ctx, request{Request: "getsessions"})
	if err != nil {
		return nil, err
	}
	var entries []wireSessionEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("adminapi: decode getsessions response: %w", err)
	}
	out := make([]types.SessionEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, types.SessionEntry{Address: net.ParseIP(e.Address), Key: e.Key, Uptime: e.Uptime})
	}
	return out, nil
}

// GetPeers implements get_peers() -> [PeerEntry].
func (e *Endpoint) GetPeers(ctx context.Context) ([]types.PeerEntry, error) {
	raw, err := e.call(ctx, request{Request: "getpeers"})
	if err != nil {
		return nil, err
	}
	var entries []wirePeerEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("adminapi: decode getpeers response: %w", err)
	}
	out := make([]types.PeerEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, types.PeerEntry{Address: net.ParseIP(e.Address), Remote: e.Remote, Up: e.Up})
	}
	return out, nil
}

// AddPeer implements add_peer(uri).
func (e *Endpoint) AddPeer(ctx context.Context, uri string) error {
	_, err := e.call(ctx, request{Request: "addpeer", URI: uri})
	return err
}

// RemovePeer implements remove_peer(uri).
func (e *Endpoint) RemovePeer(ctx context.Context, uri string) error {
	_, err := e.call(ctx, request{Request: "removepeer", URI: uri})
	return err
}

// GetNodeInfo implements get_node_info(key) -> map.
func (e *Endpoint) GetNodeInfo(ctx context.Context, key string) (map[string]string, error) {
	raw, err := e.call(ctx, request{Request: "getnodeinfo", Key: key})
	if err != nil {
		return nil, err
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("adminapi: decode getnodeinfo response: %w", err)
	}
	return m, nil
}

func (e *Endpoint) Close() error {
	return e.conn.Close()
}

type wireSessionEntry struct {
	Address string `json:"address"`
	Key     string `json:"key"`
	Uptime  uint64 `json:"uptime"`
}

type wirePeerEntry struct {
	Address string `json:"address"`
	Remote  string `json:"remote"`
	Up      bool   `json:"up"`
}

func splitScheme(uri string) (scheme, rest string, ok bool) {
	sep := "://"
	idx := strings.Index(uri, sep)
	if idx < 0 {
		return "", "", false
	}
	return uri[:idx], uri[idx+len(sep):], true
}

// warnCompatibility reproduces the router-version compatibility warnings:
// routers that predate add_peer/remove_peer support need a configured
// yggdrasil_listen to offer ToEndpoint bridges at all, and routers that
// predate QUIC peering can't serve a configured quic protocol.
func warnCompatibility(log *slog.Logger, uri, buildVersion string, protocols []string, yggdrasilListen []string) {
	if buildVersion == "" {
		return
	}
	if preAddPeer(buildVersion) && len(yggdrasilListen) == 0 {
		log.Warn("direct bridges can't be established with this router", "uri", uri, "version", buildVersion)
		log.Warn("routers prior to v0.4.5 don't support addpeer/removepeer; set yggdrasil_listen or update the router", "uri", uri)
	}
	if preQUIC(buildVersion) {
		for _, p := range protocols {
			if p == "quic" {
				log.Warn("transport protocol quic is not supported by this router", "uri", uri, "version", buildVersion)
			}
		}
	}
}

// preQUIC reports whether buildVersion predates v0.5.0, the release that
// introduced QUIC peering.
func preQUIC(buildVersion string) bool {
	return preAddPeer(buildVersion) || strings.HasPrefix(buildVersion, "0.4.")
}

// preAddPeer reports whether buildVersion predates v0.4.5, the release that
// introduced addpeer/removepeer on the admin socket.
func preAddPeer(buildVersion string) bool {
	return strings.HasPrefix(buildVersion, "0.1.") || strings.HasPrefix(buildVersion, "0.2.") ||
		strings.HasPrefix(buildVersion, "0.3.") || buildVersion == "0.4.0" || buildVersion == "0.4.1" ||
		buildVersion == "0.4.2" || buildVersion == "0.4.3" || buildVersion == "0.4.4"
}
