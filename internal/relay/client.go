package relay

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrRedirectLimit is returned when the last remaining candidate master
// answers with a 302 after maxRedirects redirects have already been
// followed from it (spec.md §4.4 "open_relay_connection", §8 invariant 6).
var ErrRedirectLimit = errors.New("relay: exceeded redirect limit")

// ErrNoMaster is returned when no candidate master is available (none
// configured, or all already marked Skip) at the start of an attempt.
var ErrNoMaster = errors.New("relay: no available master")

const maxRedirects = 10

// Upstream is a connected relay source: the raw byte stream plus the
// handshake facts the caller needs to drive ingest (spec.md §6
// "Upstream ingest").
type Upstream struct {
	Conn        net.Conn
	Reader      *bufio.Reader
	Master      Master
	MasterIndex int
	IcyMetaInt  int
	ContentType string
}

func (u *Upstream) Close() error {
	if u.Conn == nil {
		return nil
	}
	return u.Conn.Close()
}

// openRelayConnection implements spec.md §4.4's open_relay_connection:
// it walks r's masters in order, skipping any flagged Skip, dialing
// each with its own timeout/bind address, sending the ICY/HTTP GET
// request, and following up to maxRedirects 302 hops (scheme pinned to
// http). A failed dial, a bad or over-long redirect chain, or a
// non-200/302 response marks that master Skip and moves to the next;
// running out of masters returns the last master's error
// (ErrRedirectLimit if its redirect chain was too long). ErrNoMaster is
// returned only when no master is available to begin with.
func openRelayConnection(ctx context.Context, r *Relay) (*Upstream, error) {
	idx, m := r.nextMaster()
	if idx < 0 {
		return nil, ErrNoMaster
	}

	host, port, mount := m.Host, m.Port, m.Mount
	redirects := 0

	for {
		conn, err := dialMaster(ctx, m)
		if err != nil {
			r.markSkip(idx)
			idx, m = r.nextMaster()
			if idx < 0 {
				return nil, fmt.Errorf("relay: dial %s:%d: %w", host, port, err)
			}
			host, port, mount = m.Host, m.Port, m.Mount
			continue
		}

		if err := writeRequest(conn, host, port, mount, r); err != nil {
			conn.Close()
			r.markSkip(idx)
			idx, m = r.nextMaster()
			if idx < 0 {
				return nil, fmt.Errorf("relay: request to %s:%d: %w", host, port, err)
			}
			host, port, mount = m.Host, m.Port, m.Mount
			continue
		}

		br := bufio.NewReader(conn)
		status, header, err := readResponseHead(br)
		if err != nil {
			conn.Close()
			r.markSkip(idx)
			idx, m = r.nextMaster()
			if idx < 0 {
				return nil, fmt.Errorf("relay: response from %s:%d: %w", host, port, err)
			}
			host, port, mount = m.Host, m.Port, m.Mount
			continue
		}

		switch {
		case status == 302:
			conn.Close()
			redirects++
			if redirects > maxRedirects {
				// This master's redirect chain never settled; flag it
				// like any other per-attempt failure and move on so a
				// second configured master still gets a try (spec.md
				// §8 invariant on both masters ending an attempt
				// skipped when neither can be reached).
				r.markSkip(idx)
				idx, m = r.nextMaster()
				if idx < 0 {
					return nil, ErrRedirectLimit
				}
				host, port, mount = m.Host, m.Port, m.Mount
				redirects = 0
				continue
			}
			loc := header.Get("Location")
			nh, np, nm, err := parseRedirectLocation(loc)
			if err != nil {
				r.markSkip(idx)
				idx, m = r.nextMaster()
				if idx < 0 {
					return nil, fmt.Errorf("relay: bad redirect %q: %w", loc, err)
				}
				host, port, mount = m.Host, m.Port, m.Mount
				continue
			}
			host, port, mount = nh, np, nm
			m = Master{Host: host, Port: port, Mount: mount, Bind: m.Bind, Timeout: m.Timeout}
			continue

		case status == 200:
			r.setInUse(idx)
			metaInt, _ := strconv.Atoi(header.Get("Icy-Metaint"))
			return &Upstream{
				Conn:        conn,
				Reader:      br,
				Master:      m,
				MasterIndex: idx,
				IcyMetaInt:  metaInt,
				ContentType: header.Get("Content-Type"),
			}, nil

		default:
			conn.Close()
			r.markSkip(idx)
			idx, m = r.nextMaster()
			if idx < 0 {
				return nil, fmt.Errorf("relay: %s:%d returned status %d", host, port, status)
			}
			host, port, mount = m.Host, m.Port, m.Mount
		}
	}
}

func dialMaster(ctx context.Context, m Master) (net.Conn, error) {
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = 4 * time.Second
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d := net.Dialer{}
	if m.Bind != "" {
		laddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(m.Bind, "0"))
		if err != nil {
			return nil, fmt.Errorf("resolve bind address %q: %w", m.Bind, err)
		}
		d.LocalAddr = laddr
	}
	return d.DialContext(dctx, "tcp", net.JoinHostPort(m.Host, strconv.Itoa(m.Port)))
}

// writeRequest sends the upstream GET over an already-dialed
// connection using plain HTTP/1.0, matching how Icecast-family relays
// talk to a master so the connection can be handed straight to the ICY
// body reader afterward (spec.md §6 "Upstream ingest").
func writeRequest(conn net.Conn, host string, port int, mount string, r *Relay) error {
	snap := r.snapshot()

	var b strings.Builder
	fmt.Fprintf(&b, "GET %s HTTP/1.0\r\n", mount)
	fmt.Fprintf(&b, "Host: %s:%d\r\n", host, port)
	b.WriteString("User-Agent: gocast-relay\r\n")
	if snap.mp3Metadata {
		b.WriteString("Icy-MetaData: 1\r\n")
	}
	if snap.username != "" || snap.password != "" {
		creds := base64.StdEncoding.EncodeToString([]byte(snap.username + ":" + snap.password))
		fmt.Fprintf(&b, "Authorization: Basic %s\r\n", creds)
	}
	b.WriteString("\r\n")

	_, err := conn.Write([]byte(b.String()))
	return err
}

// readResponseHead parses the status line and headers of an ICY or
// HTTP response without consuming any of the body, so the returned
// bufio.Reader is positioned exactly at the start of the audio stream.
func readResponseHead(br *bufio.Reader) (int, textproto.MIMEHeader, error) {
	statusLine, err := br.ReadString('\n')
	if err != nil {
		return 0, nil, err
	}
	statusLine = strings.TrimRight(statusLine, "\r\n")

	status, err := parseStatusLine(statusLine)
	if err != nil {
		return 0, nil, err
	}

	tp := textproto.NewReader(br)
	header, err := tp.ReadMIMEHeader()
	if err != nil && header == nil {
		return 0, nil, err
	}
	return status, header, nil
}

// parseStatusLine accepts both "ICY 200 OK" and "HTTP/1.0 200 OK"
// forms, since different masters reply with either.
func parseStatusLine(line string) (int, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, fmt.Errorf("relay: malformed status line %q", line)
	}
	return strconv.Atoi(fields[1])
}

// parseRedirectLocation rejects anything but a plain http:// URL
// (spec.md §4.4 "scheme must stay http://").
func parseRedirectLocation(loc string) (host string, port int, mount string, err error) {
	u, err := url.Parse(loc)
	if err != nil {
		return "", 0, "", err
	}
	if u.Scheme != "http" {
		return "", 0, "", fmt.Errorf("relay: redirect scheme %q not allowed", u.Scheme)
	}
	host = u.Hostname()
	if host == "" {
		return "", 0, "", fmt.Errorf("relay: redirect missing host")
	}
	port = 80
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return "", 0, "", err
		}
	}
	mount = u.RequestURI()
	if mount == "" {
		mount = "/"
	}
	return host, port, mount, nil
}
