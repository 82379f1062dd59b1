// Package authsession pilote les sessions d'authentification OAuth menées
// dans une VM navigateur.
//
// États : pending → awaiting_user_auth → in_progress → {completed, failed,
// expired, cancelled}. Les sauts en avant sont permis, jamais les retours.
// Chaque transition est une mise à jour conditionnelle en base ; une
// transition tentée après timeout_at est convertie en expiration et
// l'appelant reçoit Timeout.
package authsession

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/polydev/master-controller/internal/agent"
	"github.com/polydev/master-controller/internal/apperr"
	"github.com/polydev/master-controller/internal/auth"
	"github.com/polydev/master-controller/internal/clock"
	"github.com/polydev/master-controller/internal/db"
	"github.com/polydev/master-controller/internal/handoff"
	"github.com/polydev/master-controller/internal/keylock"
	"github.com/polydev/master-controller/internal/logx"
	"github.com/polydev/master-controller/internal/models"
)

const (
	msgCancelled = "cancelled by user"
	msgTimedOut  = "session timed out"
)

// VMs regroupe les opérations du gestionnaire de VMs utilisées ici.
type VMs interface {
	EnsureActive(ctx context.Context, userID string, vmType models.VMType) (*models.VM, error)
	FindActiveByUser(ctx context.Context, userID string, vmType models.VMType) (*models.VM, error)
	GetVM(ctx context.Context, id string) (*models.VM, error)
	StartVM(ctx context.Context, id string) (*models.VM, error)
	DestroyVM(ctx context.Context, id string) (*models.VM, error)
}

// Exchanges est le relais de signalisation WebRTC.
type Exchanges interface {
	Open(id string, expiresAt time.Time)
	Close(id string) bool
}

// Agent est le client de l'agent OAuth de la VM navigateur.
type Agent interface {
	OAuthURL(ctx context.Context, ip, sessionID string) (*agent.Response, error)
	OpenURL(ctx context.Context, ip, sessionID, target string) (*agent.Response, error)
	CredentialStatus(ctx context.Context, ip, sessionID string) (*agent.Response, error)
}

type Options struct {
	Timeout  time.Duration
	NoVNCURL func(sessionID, ip string) string
}

type Service struct {
	store     db.Store
	vms       VMs
	exchanges Exchanges
	agent     Agent
	handoff   handoff.Transferer
	box       *auth.Box
	clock     clock.Clock
	opts      Options

	// users sérialise, par utilisateur, le rattachement d'une session à la VM
	// navigateur et la destruction de celle-ci au teardown.
	users *keylock.Locker
}

func NewService(store db.Store, vms VMs, exchanges Exchanges, ag Agent, tr handoff.Transferer, box *auth.Box, clk clock.Clock, opts Options) *Service {
	if opts.NoVNCURL == nil {
		opts.NoVNCURL = func(string, string) string { return "" }
	}
	return &Service{
		store:     store,
		vms:       vms,
		exchanges: exchanges,
		agent:     ag,
		handoff:   tr,
		box:       box,
		clock:     clk,
		opts:      opts,
		users:     keylock.New(),
	}
}

func fromStore(err error, id string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, db.ErrNotFound):
		return apperr.Newf(apperr.NotFound, "session %s not found", id)
	}
	return apperr.Wrap(apperr.Internal, err, "session store")
}

func (s *Service) now() time.Time { return s.clock.Now().UTC() }

// ─── Démarrage ────────────────────────────────────────────────────────────────

type StartResult struct {
	Session   *models.AuthSession
	NoVNCURL  string
	BrowserIP string
}

// StartSession garantit la VM CLI (cible du transfert) et la VM navigateur,
// crée la session en pending et ouvre son échange de signalisation.
func (s *Service) StartSession(ctx context.Context, userID, provider string) (*StartResult, error) {
	if userID == "" {
		return nil, apperr.New(apperr.Invalid, "userId is required")
	}
	p, ok := models.ParseProvider(provider)
	if !ok {
		return nil, apperr.Newf(apperr.Invalid, "unsupported provider %q", provider)
	}

	unlock := s.users.Lock(userID)
	defer unlock()

	cli, err := s.vms.EnsureActive(ctx, userID, models.VMTypeCLI)
	if err != nil {
		return nil, err
	}
	browser, err := s.vms.EnsureActive(ctx, userID, models.VMTypeBrowser)
	if err != nil {
		return nil, err
	}

	now := s.now()
	as := &models.AuthSession{
		ID:        uuid.NewString(),
		UserID:    userID,
		Provider:  p,
		Status:    models.AuthPending,
		VMID:      &browser.ID,
		CLIVMID:   &cli.ID,
		CreatedAt: now,
		TimeoutAt: now.Add(s.opts.Timeout),
	}
	if err := s.store.InsertAuthSession(ctx, as); err != nil {
		return nil, fromStore(err, as.ID)
	}
	s.exchanges.Open(as.ID, as.TimeoutAt)

	logx.Infof("[auth] session %s started for %s (%s), browser VM %s", as.ID, userID, p, browser.ID)
	return &StartResult{
		Session:   as,
		NoVNCURL:  s.opts.NoVNCURL(as.ID, browser.IP()),
		BrowserIP: browser.IP(),
	}, nil
}

// ─── Lecture ──────────────────────────────────────────────────────────────────

func (s *Service) overdue(as *models.AuthSession) bool {
	return !as.Status.Terminal() && s.now().After(as.TimeoutAt)
}

// Get retourne la session, expirée au passage si son délai est dépassé.
func (s *Service) Get(ctx context.Context, id string) (*models.AuthSession, error) {
	as, err := s.store.GetAuthSession(ctx, id)
	if err != nil {
		return nil, fromStore(err, id)
	}
	if s.overdue(as) {
		return s.expire(ctx, as)
	}
	return as, nil
}

func (s *Service) ListByUser(ctx context.Context, userID string) ([]*models.AuthSession, error) {
	sessions, err := s.store.ListAuthSessionsByUser(ctx, userID)
	if err != nil {
		return nil, fromStore(err, userID)
	}
	for i, as := range sessions {
		if !s.overdue(as) {
			continue
		}
		expired, err := s.expire(ctx, as)
		if err != nil {
			return nil, err
		}
		sessions[i] = expired
	}
	return sessions, nil
}

// SessionVM retourne la VM navigateur de la session. Gone si elle a été détruite.
func (s *Service) SessionVM(ctx context.Context, id string) (*models.VM, error) {
	as, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if as.VMID == nil {
		return nil, apperr.Newf(apperr.NotFound, "session %s has no browser VM", id)
	}
	vm, err := s.vms.GetVM(ctx, *as.VMID)
	if err != nil {
		return nil, err
	}
	if vm.Destroyed() {
		return vm, apperr.Newf(apperr.Gone, "browser VM %s has been destroyed", vm.ID)
	}
	return vm, nil
}

// ─── Transitions ──────────────────────────────────────────────────────────────

// rejected explique l'échec d'une mise à jour conditionnelle. Une session
// expirée ne l'est que par dépassement de timeout_at.
func rejected(as *models.AuthSession, action string) error {
	if as.Status == models.AuthExpired {
		return apperr.New(apperr.Timeout, msgTimedOut)
	}
	return apperr.Newf(apperr.Conflict, "session is %s, cannot %s", as.Status, action)
}

// sourcesFor liste les états non terminaux strictement antérieurs à to.
func sourcesFor(to models.AuthStatus) []models.AuthStatus {
	var from []models.AuthStatus
	for _, st := range models.NonTerminalAuthStatuses {
		if st.Rank() < to.Rank() {
			from = append(from, st)
		}
	}
	return from
}

// transition applique to depuis from. Une session déjà dans l'état visé est
// un succès sans effet ; un état terminal ou postérieur donne Conflict.
func (s *Service) transition(ctx context.Context, id string, from []models.AuthStatus, to models.AuthStatus, msg string) (*models.AuthSession, bool, error) {
	as, err := s.store.GetAuthSession(ctx, id)
	if err != nil {
		return nil, false, fromStore(err, id)
	}
	if s.overdue(as) {
		expired, err := s.expire(ctx, as)
		if err != nil {
			return nil, false, err
		}
		return expired, false, apperr.New(apperr.Timeout, msgTimedOut)
	}

	updated, err := s.store.TransitionAuthSession(ctx, id, from, models.AuthTransition{To: to, At: s.now(), ErrorMessage: msg})
	if errors.Is(err, db.ErrPrecondition) {
		if updated.Status == to {
			return updated, false, nil
		}
		return updated, false, rejected(updated, "move to "+string(to))
	}
	if err != nil {
		return nil, false, fromStore(err, id)
	}
	logx.Infof("[auth] session %s %s -> %s", id, as.Status, to)
	return updated, true, nil
}

func (s *Service) TransitionToAwaitingAuth(ctx context.Context, id string) (*models.AuthSession, error) {
	as, _, err := s.transition(ctx, id, sourcesFor(models.AuthAwaitingUserAuth), models.AuthAwaitingUserAuth, "")
	return as, err
}

func (s *Service) MarkInProgress(ctx context.Context, id string) (*models.AuthSession, error) {
	as, _, err := s.transition(ctx, id, sourcesFor(models.AuthInProgress), models.AuthInProgress, "")
	return as, err
}

// Heartbeat signale que le client suit toujours la session. timeout_at
// n'est jamais repoussé.
func (s *Service) Heartbeat(ctx context.Context, id string) (*models.AuthSession, error) {
	as, err := s.store.GetAuthSession(ctx, id)
	if err != nil {
		return nil, fromStore(err, id)
	}
	if s.overdue(as) {
		expired, err := s.expire(ctx, as)
		if err != nil {
			return nil, err
		}
		return expired, apperr.New(apperr.Timeout, msgTimedOut)
	}
	updated, err := s.store.TouchAuthSession(ctx, id, s.now())
	if errors.Is(err, db.ErrPrecondition) {
		return updated, rejected(updated, "record a heartbeat")
	}
	return updated, fromStore(err, id)
}

func (s *Service) Fail(ctx context.Context, id, reason string) (*models.AuthSession, error) {
	if reason == "" {
		reason = "authentication failed"
	}
	return s.terminate(ctx, id, models.AuthFailed, reason)
}

func (s *Service) Cancel(ctx context.Context, id string) (*models.AuthSession, error) {
	return s.terminate(ctx, id, models.AuthCancelled, msgCancelled)
}

func (s *Service) terminate(ctx context.Context, id string, to models.AuthStatus, msg string) (*models.AuthSession, error) {
	as, changed, err := s.transition(ctx, id, models.NonTerminalAuthStatuses, to, msg)
	if err != nil {
		return as, err
	}
	if changed {
		s.teardown(ctx, as)
	}
	return as, nil
}

// ─── Expiration ───────────────────────────────────────────────────────────────

// expire passe une session non terminale en expired. Si une autre écriture
// l'a rendue terminale entre-temps, l'état courant est retourné.
func (s *Service) expire(ctx context.Context, as *models.AuthSession) (*models.AuthSession, error) {
	updated, err := s.store.TransitionAuthSession(ctx, as.ID, models.NonTerminalAuthStatuses,
		models.AuthTransition{To: models.AuthExpired, At: s.now(), ErrorMessage: msgTimedOut})
	if errors.Is(err, db.ErrPrecondition) {
		return updated, nil
	}
	if err != nil {
		return nil, fromStore(err, as.ID)
	}
	logx.Infof("[auth] session %s expired", as.ID)
	s.teardown(ctx, updated)
	return updated, nil
}

// Overdue liste les sessions non terminales dont le délai est dépassé.
func (s *Service) Overdue(ctx context.Context) ([]*models.AuthSession, error) {
	sessions, err := s.store.ListOverdueAuthSessions(ctx, s.now())
	if err != nil {
		return nil, fromStore(err, "")
	}
	return sessions, nil
}

// ExpireSession est l'expiration forcée par le moniteur. Une session déjà
// terminale ou encore dans les temps est laissée telle quelle.
func (s *Service) ExpireSession(ctx context.Context, id string) error {
	as, err := s.store.GetAuthSession(ctx, id)
	if err != nil {
		return fromStore(err, id)
	}
	if !s.overdue(as) {
		return nil
	}
	_, err = s.expire(ctx, as)
	return err
}

// teardown libère l'échange de signalisation et la VM navigateur d'une
// session terminée. Les erreurs sont journalisées.
func (s *Service) teardown(ctx context.Context, as *models.AuthSession) {
	ctx = context.WithoutCancel(ctx)
	s.exchanges.Close(as.ID)

	if as.VMID == nil {
		return
	}
	unlock := s.users.Lock(as.UserID)
	defer unlock()

	// La VM navigateur est partagée entre les sessions ouvertes d'un même utilisateur.
	sessions, err := s.store.ListAuthSessionsByUser(ctx, as.UserID)
	if err != nil {
		logx.Warnf("[auth] teardown %s: list sessions: %v", as.ID, err)
		return
	}
	for _, other := range sessions {
		if other.ID != as.ID && !other.Status.Terminal() && other.BrowserVMID() == *as.VMID {
			logx.Debugf("[auth] browser VM %s kept for session %s", *as.VMID, other.ID)
			return
		}
	}
	if _, err := s.vms.DestroyVM(ctx, *as.VMID); err != nil {
		logx.Warnf("[auth] teardown %s: destroy browser VM %s: %v", as.ID, *as.VMID, err)
	}
}
