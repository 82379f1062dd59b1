// Package vnc relaie une console VNC entre un client WebSocket (noVNC) et le
// serveur RFB d'une VM.
package vnc

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/polydev/master-controller/internal/apperr"
	"github.com/polydev/master-controller/internal/clock"
	"github.com/polydev/master-controller/internal/logx"
	"golang.org/x/sync/errgroup"
)

// CloseBadGateway est le code de fermeture envoyé quand la VM est injoignable.
// 1014 n'est pas accepté en réception par les clients (gorilla compris) : on
// utilise la plage applicative 4000-4999, 4000 + statut HTTP 502.
const CloseBadGateway = 4502

const (
	bannerLen   = 12
	bufferSize  = 32 * 1024
	closeWait   = time.Second
	bannerMagic = "RFB "
)

// Resolver traduit la cible de l'URL (IP de VM ou id de session) en adresse
// IP, après contrôle d'accès.
type Resolver func(r *http.Request, target string) (string, error)

type Options struct {
	Port           int
	AllowedOrigins []string
	DialAttempts   int
	DialBackoff    time.Duration
	DialTimeout    time.Duration
	Clock          clock.Clock
}

type Handler struct {
	resolve  Resolver
	opts     Options
	dial     func(ctx context.Context, network, addr string) (net.Conn, error)
	upgrader websocket.Upgrader
}

func NewHandler(resolve Resolver, opts Options) *Handler {
	if opts.DialAttempts < 1 {
		opts.DialAttempts = 1
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	d := &net.Dialer{Timeout: opts.DialTimeout}
	h := &Handler{resolve: resolve, opts: opts, dial: d.DialContext}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		Subprotocols:    []string{"binary"},
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// Requête same-origin (pas de header Origin)
				return true
			}
			for _, allowed := range opts.AllowedOrigins {
				if origin == strings.TrimSpace(allowed) {
					return true
				}
			}
			return false
		},
	}
	return h
}

// ServeTarget traite GET /vnc/{target}.
func (h *Handler) ServeTarget(w http.ResponseWriter, r *http.Request, target string) {
	ip, err := h.resolve(r, target)
	if err != nil {
		http.Error(w, apperr.Message(err), apperr.HTTPStatus(apperr.KindOf(err)))
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logx.Warnf("[vnc] websocket upgrade error: %v", err)
		return
	}
	defer ws.Close()

	addr := net.JoinHostPort(ip, strconv.Itoa(h.opts.Port))
	tcp, err := h.dialVM(r.Context(), addr)
	if err != nil {
		logx.Warnf("[vnc] %s unreachable: %v", addr, err)
		closeWith(ws, CloseBadGateway, "bad gateway")
		return
	}
	defer tcp.Close()

	logx.Infof("[vnc] relaying %s for %s", addr, r.RemoteAddr)
	if err := relay(ws, tcp); err != nil {
		logx.Debugf("[vnc] %s: %v", addr, err)
	}
	logx.Infof("[vnc] %s closed", addr)
}

// dialVM tente la connexion TCP en ne réessayant que les erreurs transitoires.
func (h *Handler) dialVM(ctx context.Context, addr string) (net.Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= h.opts.DialAttempts; attempt++ {
		conn, err := h.dial(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if !transient(err) || attempt == h.opts.DialAttempts {
			break
		}
		logx.Debugf("[vnc] dial %s attempt %d/%d: %v", addr, attempt, h.opts.DialAttempts, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-h.opts.Clock.After(h.opts.DialBackoff):
		}
	}
	return nil, lastErr
}

func transient(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func closeWith(ws *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))
}

// relay copie les octets dans les deux sens. La fin d'un côté ferme l'autre.
func relay(ws *websocket.Conn, tcp net.Conn) error {
	var g errgroup.Group
	var once sync.Once
	shutdown := func() {
		once.Do(func() {
			closeWith(ws, websocket.CloseNormalClosure, "")
			tcp.Close()
			ws.Close()
		})
	}

	// Navigateur → VM
	g.Go(func() error {
		defer shutdown()
		for {
			kind, data, err := ws.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return nil
				}
				return err
			}
			if kind != websocket.BinaryMessage && kind != websocket.TextMessage {
				continue
			}
			if _, err := tcp.Write(data); err != nil {
				return err
			}
		}
	})

	// VM → navigateur, bannière RFB comprise
	g.Go(func() error {
		defer shutdown()
		buf := make([]byte, bufferSize)
		for {
			n, err := tcp.Read(buf)
			if n > 0 {
				if werr := ws.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
					return werr
				}
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// ReadBanner lit la bannière RFB d'un serveur VNC.
func ReadBanner(ctx context.Context, addr string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", apperr.Wrap(apperr.UpstreamUnreachable, err, "VNC server unreachable")
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	banner := make([]byte, bannerLen)
	if _, err := io.ReadFull(conn, banner); err != nil {
		return "", apperr.Wrap(apperr.UpstreamUnreachable, err, "no RFB banner")
	}
	if !strings.HasPrefix(string(banner), bannerMagic) {
		return "", apperr.Newf(apperr.UpstreamUnreachable, "unexpected banner %q", banner)
	}
	return strings.TrimRight(string(banner), "\n"), nil
}
