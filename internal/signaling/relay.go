// Package signaling relaie l'échange SDP/ICE entre le client navigateur et
// l'agent de la VM. Rien n'est bloquant : une lecture prématurée reçoit
// NotFound et le client réessaie.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/polydev/master-controller/internal/apperr"
	"github.com/polydev/master-controller/internal/clock"
	"github.com/polydev/master-controller/internal/db"
	"github.com/polydev/master-controller/internal/logx"
	"github.com/polydev/master-controller/internal/models"
)

type Direction string

const (
	Local  Direction = "local"  // client navigateur
	Remote Direction = "remote" // agent de la VM
)

// ParseDirection accepte les alias historiques.
func ParseDirection(s string) (Direction, bool) {
	switch s {
	case "local", "browser", "client":
		return Local, true
	case "remote", "vm":
		return Remote, true
	}
	return "", false
}

// Candidate est un candidat ICE horodaté à sa réception (ms Unix).
type Candidate struct {
	webrtc.ICECandidateInit
	ReceivedAt int64 `json:"receivedAt"`
}

// Description est une offre ou une réponse avec les candidats de son côté.
type Description struct {
	SDP        webrtc.SessionDescription `json:"sdp"`
	Candidates []Candidate               `json:"candidates"`
}

type Stats struct {
	ActiveSessions int `json:"activeSessions"`
	ICEServers     int `json:"iceServers"`
}

var (
	ErrSessionNotFound = apperr.New(apperr.NotFound, "signaling session not found")
	ErrOfferNotReady   = apperr.New(apperr.NotFound, "offer not available yet")
	ErrAnswerNotReady  = apperr.New(apperr.NotFound, "answer not available yet")
)

// NotReady indique une lecture à réessayer plus tard.
func NotReady(err error) bool {
	return errors.Is(err, ErrOfferNotReady) || errors.Is(err, ErrAnswerNotReady)
}

// Mirror reçoit une copie de chaque écriture et permet de la relire après un
// redémarrage. db.Store l'implémente.
type Mirror interface {
	SetAuthSessionSignaling(ctx context.Context, id string, snap models.SignalingSnapshot) error
	GetAuthSession(ctx context.Context, id string) (*models.AuthSession, error)
}

type exchange struct {
	mu        sync.Mutex
	offer     *webrtc.SessionDescription
	answer    *webrtc.SessionDescription
	local     []Candidate
	remote    []Candidate
	expiresAt time.Time
	version   uint64

	mirrorMu sync.Mutex
	mirrored uint64
}

type Relay struct {
	mu        sync.Mutex
	exchanges map[string]*exchange

	clock  clock.Clock
	ttl    time.Duration
	ice    []webrtc.ICEServer
	mirror Mirror
}

func NewRelay(clk clock.Clock, ttl time.Duration, ice []webrtc.ICEServer, mirror Mirror) *Relay {
	return &Relay{
		exchanges: make(map[string]*exchange),
		clock:     clk,
		ttl:       ttl,
		ice:       ice,
		mirror:    mirror,
	}
}

// ICEServersFromURLs construit la configuration STUN/TURN remise aux pairs.
func ICEServersFromURLs(stun, turn []string, username, credential string) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(stun)+1)
	for _, u := range stun {
		if u != "" {
			servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
		}
	}
	if len(turn) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:           turn,
			Username:       username,
			Credential:     credential,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}
	return servers
}

func (r *Relay) ICEServers() []webrtc.ICEServer { return r.ice }

func (r *Relay) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{ActiveSessions: len(r.exchanges), ICEServers: len(r.ice)}
}

// ─── Cycle de vie ─────────────────────────────────────────────────────────────

// Open crée l'échange d'une session. Idempotent ; l'expiration n'est jamais raccourcie.
func (r *Relay) Open(id string, expiresAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ex, ok := r.exchanges[id]; ok {
		ex.mu.Lock()
		if expiresAt.After(ex.expiresAt) {
			ex.expiresAt = expiresAt
		}
		ex.mu.Unlock()
		return
	}
	r.exchanges[id] = &exchange{expiresAt: expiresAt}
}

// Close supprime l'échange. Retourne false s'il n'existait pas.
func (r *Relay) Close(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.exchanges[id]
	delete(r.exchanges, id)
	return ok
}

// Expired liste les échanges arrivés à expiration.
func (r *Relay) Expired(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, ex := range r.exchanges {
		ex.mu.Lock()
		if !now.Before(ex.expiresAt) {
			ids = append(ids, id)
		}
		ex.mu.Unlock()
	}
	return ids
}

// lookup retourne l'échange vivant, ou nil.
func (r *Relay) lookup(id string) *exchange {
	r.mu.Lock()
	ex := r.exchanges[id]
	r.mu.Unlock()
	if ex == nil {
		return nil
	}
	ex.mu.Lock()
	expired := !r.clock.Now().Before(ex.expiresAt)
	ex.mu.Unlock()
	if expired {
		return nil
	}
	return ex
}

// ─── Offre / réponse ──────────────────────────────────────────────────────────

func validate(sd webrtc.SessionDescription) error {
	if sd.Type == webrtc.SDPTypeUnknown {
		return apperr.New(apperr.Invalid, "unknown sdp type")
	}
	if sd.SDP == "" {
		return apperr.New(apperr.Invalid, "sdp is required")
	}
	return nil
}

// PutOffer enregistre l'offre du client. Un identifiant inconnu ouvre un
// échange ad hoc valable SIGNALING_TTL, sauf s'il désigne une session
// d'authentification terminée ou expirée.
func (r *Relay) PutOffer(ctx context.Context, id string, sd webrtc.SessionDescription, candidates []webrtc.ICECandidateInit) error {
	if err := validate(sd); err != nil {
		return err
	}
	if err := r.ensure(ctx, id); err != nil {
		return err
	}
	return r.write(ctx, id, func(ex *exchange, now int64) {
		ex.offer = &sd
		ex.local = appendCandidates(ex.local, candidates, now)
	})
}

// ensure garantit un échange vivant pour id. Une session encore ouverte en base
// (échange perdu au redémarrage) est restaurée depuis sa copie persistée.
func (r *Relay) ensure(ctx context.Context, id string) error {
	if r.lookup(id) != nil {
		return nil
	}
	fresh := &exchange{expiresAt: r.clock.Now().Add(r.ttl)}
	if r.mirror != nil {
		as, err := r.mirror.GetAuthSession(ctx, id)
		switch {
		case err == nil:
			if as.Status.Terminal() || !r.clock.Now().Before(as.TimeoutAt) {
				return ErrSessionNotFound
			}
			fresh = restore(as)
		case errors.Is(err, db.ErrNotFound):
			// échange ad hoc
		default:
			return apperr.Wrap(apperr.Internal, err, "signaling session lookup")
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ex, ok := r.exchanges[id]; ok {
		ex.mu.Lock()
		live := r.clock.Now().Before(ex.expiresAt)
		ex.mu.Unlock()
		if live {
			return nil
		}
	}
	r.exchanges[id] = fresh
	return nil
}

// restore reconstruit un échange depuis la session persistée. Les champs
// illisibles sont ignorés.
func restore(as *models.AuthSession) *exchange {
	ex := &exchange{expiresAt: as.TimeoutAt}
	decode := func(raw json.RawMessage, v any) {
		if len(raw) == 0 {
			return
		}
		if err := json.Unmarshal(raw, v); err != nil {
			logx.Warnf("[signaling] restore %s: %v", as.ID, err)
		}
	}
	var offer, answer webrtc.SessionDescription
	decode(as.WebRTCOffer, &offer)
	decode(as.WebRTCAnswer, &answer)
	if offer.SDP != "" {
		ex.offer = &offer
	}
	if answer.SDP != "" {
		ex.answer = &answer
	}
	decode(as.LocalCandidates, &ex.local)
	decode(as.RemoteCandidates, &ex.remote)
	return ex
}

func (r *Relay) PutAnswer(ctx context.Context, id string, sd webrtc.SessionDescription, candidates []webrtc.ICECandidateInit) error {
	if err := validate(sd); err != nil {
		return err
	}
	return r.write(ctx, id, func(ex *exchange, now int64) {
		ex.answer = &sd
		ex.remote = appendCandidates(ex.remote, candidates, now)
	})
}

func (r *Relay) GetOffer(ctx context.Context, id string) (*Description, error) {
	return r.read(ctx, id, func(ex *exchange) (*webrtc.SessionDescription, []Candidate) {
		return ex.offer, ex.local
	}, func(snap models.SignalingSnapshot) (json.RawMessage, json.RawMessage) {
		return snap.Offer, snap.LocalCandidates
	}, ErrOfferNotReady)
}

func (r *Relay) GetAnswer(ctx context.Context, id string) (*Description, error) {
	return r.read(ctx, id, func(ex *exchange) (*webrtc.SessionDescription, []Candidate) {
		return ex.answer, ex.remote
	}, func(snap models.SignalingSnapshot) (json.RawMessage, json.RawMessage) {
		return snap.Answer, snap.RemoteCandidates
	}, ErrAnswerNotReady)
}

// ─── Candidats ────────────────────────────────────────────────────────────────

// AddCandidate ajoute un candidat sans dédoublonnage ; un candidat vide
// (fin de collecte) est accepté.
func (r *Relay) AddCandidate(ctx context.Context, id string, dir Direction, c webrtc.ICECandidateInit) error {
	return r.write(ctx, id, func(ex *exchange, now int64) {
		if dir == Remote {
			ex.remote = appendCandidates(ex.remote, []webrtc.ICECandidateInit{c}, now)
		} else {
			ex.local = appendCandidates(ex.local, []webrtc.ICECandidateInit{c}, now)
		}
	})
}

// Candidates retourne les candidats d'une direction dans l'ordre d'arrivée,
// limités à ceux reçus après since (ms Unix) si since > 0.
func (r *Relay) Candidates(id string, dir Direction, since int64) ([]Candidate, error) {
	ex := r.lookup(id)
	if ex == nil {
		return nil, ErrSessionNotFound
	}
	ex.mu.Lock()
	defer ex.mu.Unlock()
	src := ex.local
	if dir == Remote {
		src = ex.remote
	}
	out := make([]Candidate, 0, len(src))
	for _, c := range src {
		if since <= 0 || c.ReceivedAt > since {
			out = append(out, c)
		}
	}
	return out, nil
}

func appendCandidates(dst []Candidate, in []webrtc.ICECandidateInit, now int64) []Candidate {
	for _, c := range in {
		dst = append(dst, Candidate{ICECandidateInit: c, ReceivedAt: now})
	}
	return dst
}

// ─── Écriture / lecture ───────────────────────────────────────────────────────

func (r *Relay) write(ctx context.Context, id string, fn func(ex *exchange, now int64)) error {
	ex := r.lookup(id)
	if ex == nil {
		return ErrSessionNotFound
	}
	ex.mu.Lock()
	fn(ex, r.clock.Now().UnixMilli())
	ex.version++
	version := ex.version
	snap := ex.snapshot()
	ex.mu.Unlock()

	r.mirrorWrite(ctx, id, ex, version, snap)
	return nil
}

// mirrorWrite recopie l'échange dans la session en base. Les écritures sont
// ordonnées par version ; une copie périmée n'écrase jamais une plus récente.
func (r *Relay) mirrorWrite(ctx context.Context, id string, ex *exchange, version uint64, snap models.SignalingSnapshot) {
	if r.mirror == nil {
		return
	}
	ex.mirrorMu.Lock()
	defer ex.mirrorMu.Unlock()
	if version <= ex.mirrored {
		return
	}
	err := r.mirror.SetAuthSessionSignaling(ctx, id, snap)
	switch {
	case err == nil:
		ex.mirrored = version
	case errors.Is(err, db.ErrNotFound):
		// échange ad hoc sans session persistée
	case errors.Is(err, db.ErrPrecondition):
		logx.Debugf("[signaling] %s: session already terminal, mirror skipped", id)
	default:
		logx.Warnf("[signaling] mirror %s: %v", id, err)
	}
}

func (ex *exchange) snapshot() models.SignalingSnapshot {
	var snap models.SignalingSnapshot
	if ex.offer != nil {
		snap.Offer, _ = json.Marshal(ex.offer)
	}
	if ex.answer != nil {
		snap.Answer, _ = json.Marshal(ex.answer)
	}
	if len(ex.local) > 0 {
		snap.LocalCandidates, _ = json.Marshal(ex.local)
	}
	if len(ex.remote) > 0 {
		snap.RemoteCandidates, _ = json.Marshal(ex.remote)
	}
	return snap
}

func (r *Relay) read(
	ctx context.Context,
	id string,
	live func(*exchange) (*webrtc.SessionDescription, []Candidate),
	persisted func(models.SignalingSnapshot) (json.RawMessage, json.RawMessage),
	notReady error,
) (*Description, error) {
	if ex := r.lookup(id); ex != nil {
		ex.mu.Lock()
		defer ex.mu.Unlock()
		sd, cands := live(ex)
		if sd == nil {
			return nil, notReady
		}
		return &Description{SDP: *sd, Candidates: append([]Candidate{}, cands...)}, nil
	}
	return r.readPersisted(ctx, id, persisted, notReady)
}

// readPersisted retrouve un échange absent de la mémoire dans la session en
// base, par exemple après un redémarrage du contrôleur.
func (r *Relay) readPersisted(
	ctx context.Context,
	id string,
	persisted func(models.SignalingSnapshot) (json.RawMessage, json.RawMessage),
	notReady error,
) (*Description, error) {
	if r.mirror == nil {
		return nil, ErrSessionNotFound
	}
	as, err := r.mirror.GetAuthSession(ctx, id)
	if err != nil || as.Status.Terminal() || !r.clock.Now().Before(as.TimeoutAt) {
		return nil, ErrSessionNotFound
	}
	rawSD, rawCands := persisted(models.SignalingSnapshot{
		Offer:            as.WebRTCOffer,
		Answer:           as.WebRTCAnswer,
		LocalCandidates:  as.LocalCandidates,
		RemoteCandidates: as.RemoteCandidates,
	})
	if len(rawSD) == 0 {
		return nil, notReady
	}
	desc := &Description{Candidates: []Candidate{}}
	if err := json.Unmarshal(rawSD, &desc.SDP); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "decode persisted sdp")
	}
	if len(rawCands) > 0 {
		if err := json.Unmarshal(rawCands, &desc.Candidates); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "decode persisted candidates")
		}
	}
	return desc, nil
}
