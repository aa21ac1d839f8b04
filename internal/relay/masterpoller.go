package relay

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gocast/gocast/internal/config"
)

// maxPartialLine bounds how much of an unterminated line MasterPoller
// will buffer across reads before giving up on it (spec.md §4.5 step 3
// "the 200-byte partial-line tail", scenario S6).
const maxPartialLine = 200

// streamsPath and the plain-text fallback are the two endpoints a
// master peer may expose its relay candidate list on (spec.md §6
// "Master stream-list endpoints").
const (
	streamsPath    = "/admin/streams"
	streamlistPath = "/admin/streamlist.txt"
)

// redirectPeer is one slave that has told us (via rserver/rport/
// interval query params on its own poll of us) to include it as a
// redirect target, GC'd once it stops checking in (spec.md §4.5
// "redirect-peer registry").
type redirectPeer struct {
	server     string
	port       int
	nextUpdate time.Time
}

// MasterPoller periodically fetches each configured master peer's
// stream list and hands the merged candidate set to a diff callback
// (spec.md §4.5 "MasterPoller").
type MasterPoller struct {
	masters  []config.MasterPeerConfig
	interval time.Duration
	client   *http.Client

	onUpdate func(mounts []config.RelayMountConfig)

	mu            sync.RWMutex
	redirectPeers []redirectPeer
}

// NewMasterPoller builds a poller for the given master peers. onUpdate
// is invoked with the merged relay mount list after every successful
// poll cycle; it is expected to feed Engine.Diff.
func NewMasterPoller(masters []config.MasterPeerConfig, interval time.Duration, onUpdate func([]config.RelayMountConfig)) *MasterPoller {
	if interval <= 0 {
		interval = 120 * time.Second
	}
	return &MasterPoller{
		masters:  masters,
		interval: interval,
		client:   &http.Client{Timeout: 15 * time.Second},
		onUpdate: onUpdate,
	}
}

// Run polls on a fixed interval until ctx is cancelled.
func (p *MasterPoller) Run(ctx context.Context) error {
	if len(p.masters) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.gcRedirectPeers()
			p.pollOnce(ctx)
		}
	}
}

// pollOnce fetches every configured master concurrently and merges
// their candidate relay lists into one onUpdate call.
func (p *MasterPoller) pollOnce(ctx context.Context) {
	results := make([][]config.RelayMountConfig, len(p.masters))

	g, gctx := errgroup.WithContext(ctx)
	for i, m := range p.masters {
		i, m := i, m
		g.Go(func() error {
			mounts, err := p.fetchMaster(gctx, m)
			if err != nil {
				return nil // one unreachable master must not block the others
			}
			results[i] = mounts
			return nil
		})
	}
	_ = g.Wait()

	var merged []config.RelayMountConfig
	for _, r := range results {
		merged = append(merged, r...)
	}
	if p.onUpdate != nil {
		p.onUpdate(merged)
	}
}

// fetchMaster tries the primary /admin/streams endpoint first, falling
// back to the plain-text streamlist on failure (spec.md §4.5 step 4).
func (p *MasterPoller) fetchMaster(ctx context.Context, m config.MasterPeerConfig) ([]config.RelayMountConfig, error) {
	mounts, err := p.fetch(ctx, m, streamsPath)
	if err == nil {
		return mounts, nil
	}
	return p.fetch(ctx, m, streamlistPath)
}

func (p *MasterPoller) fetch(ctx context.Context, m config.MasterPeerConfig, path string) ([]config.RelayMountConfig, error) {
	scheme := "http"
	if m.SSL {
		scheme = "https"
	}
	u := url.URL{Scheme: scheme, Host: net.JoinHostPort(m.Host, strconv.Itoa(m.Port)), Path: path}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if m.User != "" || m.Password != "" {
		creds := base64.StdEncoding.EncodeToString([]byte(m.User + ":" + m.Password))
		req.Header.Set("Authorization", "Basic "+creds)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("relay: master %s%s returned %d", u.Host, path, resp.StatusCode)
	}

	return parseStreamList(resp.Body, m)
}

// parseStreamList streams the body line by line, capping any
// unterminated tail at maxPartialLine so a master that never closes
// its connection (or sends one absurdly long line) cannot grow this
// buffer without bound (spec.md §4.5 step 3).
func parseStreamList(r io.Reader, m config.MasterPeerConfig) ([]config.RelayMountConfig, error) {
	br := bufio.NewReaderSize(r, 4096)
	var mounts []config.RelayMountConfig

	for {
		line, err := readLineCapped(br, maxPartialLine)
		if line != "" {
			if rc, ok := parseStreamLine(line, m); ok {
				mounts = append(mounts, rc)
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return mounts, err
		}
	}
	return mounts, nil
}

// readLineCapped reads up to the next '\n', but never buffers more
// than cap bytes of an unterminated line: once exceeded, the overflow
// is discarded and the truncated line is returned so parsing can
// resync on the next newline.
func readLineCapped(br *bufio.Reader, limit int) (string, error) {
	var line []byte
	for {
		chunk, err := br.ReadSlice('\n')
		if len(chunk) > 0 {
			if len(line) < limit {
				room := limit - len(line)
				if room > len(chunk) {
					room = len(chunk)
				}
				line = append(line, chunk[:room]...)
			}
		}
		if err == bufio.ErrBufferFull {
			continue // ReadSlice hit its buffer limit without a '\n'; keep reading
		}
		if err != nil {
			return strings.TrimRight(string(line), "\r\n"), err
		}
		return strings.TrimRight(string(line), "\r\n"), nil
	}
}

// parseStreamLine turns one "/mount,key=value,..." line from a
// master's stream list into a relay mount config (spec.md §4.5 step 4
// "parse lines beginning with /"). Lines not starting with "/" are
// comments or headers and are ignored.
func parseStreamLine(line string, m config.MasterPeerConfig) (config.RelayMountConfig, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return config.RelayMountConfig{}, false
	}

	fields := strings.Split(line, ",")
	mount := fields[0]
	localMount := mount

	timeout := 4 * time.Second
	mp3Metadata := false
	onDemand := false

	for _, f := range fields[1:] {
		kv := strings.SplitN(strings.TrimSpace(f), "=", 2)
		if len(kv) != 2 {
			continue
		}
		key, val := kv[0], kv[1]
		switch key {
		case "timeout":
			if secs, err := strconv.Atoi(val); err == nil {
				timeout = time.Duration(secs) * time.Second
			}
		case "mp3metadata":
			mp3Metadata = val == "1"
		case "on_demand":
			onDemand = val == "1"
		case "localmount":
			localMount = val
		}
	}

	// A query string on the mount itself (used when a master wants the
	// relay published under a different local mount) takes priority
	// over an explicit localmount= field.
	if idx := strings.IndexByte(mount, '?'); idx >= 0 {
		base := mount[:idx]
		q, err := url.ParseQuery(mount[idx+1:])
		if err == nil {
			if lm := q.Get("mount"); lm != "" {
				localMount = lm
			}
		}
		mount = base
	}

	rc := config.RelayMountConfig{
		LocalMount:  localMount,
		Mp3Metadata: mp3Metadata,
		OnDemand:    onDemand,
		Masters: []config.RelayMasterEntry{{
			Host:    m.Host,
			Port:    m.Port,
			Mount:   mount,
			Timeout: timeout,
		}},
	}
	if m.User != "" {
		rc.Username, rc.Password = m.User, m.Password
	}
	return rc, true
}

// TouchRedirectPeer records (or refreshes) a slave that asked to be
// included as a redirect target, via rserver/rport/interval query
// params on its own request to us (spec.md §4.5 "redirect-peer
// registry").
func (p *MasterPoller) TouchRedirectPeer(server string, port int, interval time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for i, rp := range p.redirectPeers {
		if rp.server == server && rp.port == port {
			p.redirectPeers[i].nextUpdate = now.Add(interval)
			return
		}
	}
	p.redirectPeers = append(p.redirectPeers, redirectPeer{server: server, port: port, nextUpdate: now.Add(interval)})
}

// RedirectPeers returns the current, non-expired redirect target list.
func (p *MasterPoller) RedirectPeers() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	now := time.Now()
	out := make([]string, 0, len(p.redirectPeers))
	for _, rp := range p.redirectPeers {
		if !rp.nextUpdate.Add(10 * time.Second).After(now) {
			continue
		}
		out = append(out, net.JoinHostPort(rp.server, strconv.Itoa(rp.port)))
	}
	return out
}

// gcRedirectPeers drops any peer whose last-announced interval expired
// more than 10 seconds ago (spec.md §4.5 "GC'd when next_update + 10 <
// now").
func (p *MasterPoller) gcRedirectPeers() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	kept := p.redirectPeers[:0]
	for _, rp := range p.redirectPeers {
		if rp.nextUpdate.Add(10 * time.Second).After(now) {
			kept = append(kept, rp)
		}
	}
	p.redirectPeers = kept
}
