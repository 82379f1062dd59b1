package authsession

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/polydev/master-controller/internal/apperr"
	"github.com/polydev/master-controller/internal/db"
	"github.com/polydev/master-controller/internal/logx"
	"github.com/polydev/master-controller/internal/models"
)

// completableFrom : une session ne se termine avec succès qu'une fois le
// navigateur ouvert sur la page du fournisseur.
var completableFrom = []models.AuthStatus{models.AuthAwaitingUserAuth, models.AuthInProgress}

// credentialAAD lie le chiffré à son propriétaire et à son fournisseur.
func credentialAAD(userID string, p models.Provider) []byte {
	return []byte(userID + ":" + string(p))
}

// Complete termine la session avec les identifiants capturés.
//
// Phase 1 : passage à completed et stockage chiffré, dans une même
// transaction. Phase 2 : copie vers la VM CLI ; un échec est consigné dans
// handoff_error sans remettre en cause la complétion.
func (s *Service) Complete(ctx context.Context, id string, credentials json.RawMessage) (*models.AuthSession, error) {
	if len(credentials) == 0 || !json.Valid(credentials) {
		return nil, apperr.New(apperr.Invalid, "credentials must be a JSON document")
	}

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

	ciphertext, nonce, salt, err := s.box.Seal(credentials, credentialAAD(as.UserID, as.Provider))
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "seal credentials")
	}
	now := s.now()
	cred := &models.ProviderCredential{
		ID:         uuid.NewString(),
		UserID:     as.UserID,
		Provider:   as.Provider,
		SessionID:  as.ID,
		Ciphertext: ciphertext,
		Nonce:      nonce,
		Salt:       salt,
		IsValid:    true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	completed, err := s.store.CompleteAuthSession(ctx, id, completableFrom, now, cred)
	if errors.Is(err, db.ErrPrecondition) {
		return completed, rejected(completed, "complete")
	}
	if err != nil {
		return nil, fromStore(err, id)
	}
	logx.Infof("[auth] session %s completed for %s (%s)", id, as.UserID, as.Provider)

	// La suite ne dépend plus de la requête du client.
	ctx = context.WithoutCancel(ctx)
	if err := s.deliver(ctx, completed, credentials); err != nil {
		logx.Warnf("[auth] hand-off for session %s failed: %v", id, err)
		msg := err.Error()
		if serr := s.store.SetAuthSessionHandoffError(ctx, id, msg); serr != nil {
			logx.Errorf("[auth] record hand-off error for %s: %v", id, serr)
		}
		completed.HandoffError = &msg
	}
	s.teardown(ctx, completed)
	return completed, nil
}

// deliver copie les identifiants dans la VM CLI de l'utilisateur, en la
// redémarrant si elle est arrêtée.
func (s *Service) deliver(ctx context.Context, as *models.AuthSession, payload []byte) error {
	var (
		vm  *models.VM
		err error
	)
	if as.CLIVMID != nil {
		vm, err = s.vms.GetVM(ctx, *as.CLIVMID)
		if err == nil && vm.Destroyed() {
			vm, err = nil, apperr.ErrNotFound
		}
	}
	if vm == nil {
		vm, err = s.vms.FindActiveByUser(ctx, as.UserID, models.VMTypeCLI)
	}
	if err != nil {
		return err
	}
	if vm.Status == models.VMStopped {
		if vm, err = s.vms.StartVM(ctx, vm.ID); err != nil {
			return err
		}
	}
	if vm.IP() == "" {
		return apperr.Newf(apperr.Conflict, "CLI VM %s has no IP address yet", vm.ID)
	}
	return s.handoff.Deliver(ctx, vm.IP(), as.Provider, payload)
}

// ─── Identifiants stockés ─────────────────────────────────────────────────────

// Credentials liste les métadonnées des identifiants d'un utilisateur ; le
// contenu chiffré n'est jamais exposé.
func (s *Service) Credentials(ctx context.Context, userID string) ([]*models.ProviderCredential, error) {
	creds, err := s.store.ListCredentials(ctx, userID)
	if err != nil {
		return nil, fromStore(err, userID)
	}
	return creds, nil
}

type Validation struct {
	Valid     bool       `json:"valid"`
	Provider  string     `json:"provider"`
	Reason    string     `json:"reason,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Validate indique si l'identifiant stocké se déchiffre et n'a pas expiré.
func (s *Service) Validate(ctx context.Context, userID, provider string) (*Validation, error) {
	p, ok := models.ParseProvider(provider)
	if !ok {
		return nil, apperr.Newf(apperr.Invalid, "unsupported provider %q", provider)
	}
	out := &Validation{Provider: string(p)}

	cred, err := s.store.GetCredential(ctx, userID, p)
	if errors.Is(err, db.ErrNotFound) {
		out.Reason = "not_found"
		return out, nil
	}
	if err != nil {
		return nil, fromStore(err, userID)
	}
	out.UpdatedAt = &cred.UpdatedAt

	plain, err := s.box.Open(cred.Ciphertext, cred.Nonce, cred.Salt, credentialAAD(userID, p))
	if err != nil {
		logx.Warnf("[auth] credential %s for %s does not decrypt: %v", p, userID, err)
		out.Reason = "decrypt_failed"
		return out, nil
	}
	if exp, ok := expiry(plain); ok {
		out.ExpiresAt = &exp
		if !s.now().Before(exp) {
			out.Reason = "expired"
			return out, nil
		}
	}
	out.Valid = true
	return out, nil
}

// expiry lit un champ expires_at ou expiresAt de premier niveau, en RFC 3339
// ou en secondes / millisecondes Unix.
func expiry(doc []byte) (time.Time, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(doc, &fields); err != nil {
		return time.Time{}, false
	}
	raw, ok := fields["expires_at"]
	if !ok {
		if raw, ok = fields["expiresAt"]; !ok {
			return time.Time{}, false
		}
	}
	var str string
	if json.Unmarshal(raw, &str) == nil {
		t, err := time.Parse(time.RFC3339, str)
		return t.UTC(), err == nil
	}
	var n float64
	if json.Unmarshal(raw, &n) != nil || n <= 0 {
		return time.Time{}, false
	}
	// Au-delà de 1e12 la valeur est en millisecondes.
	if n > 1e12 {
		return time.UnixMilli(int64(n)).UTC(), true
	}
	return time.Unix(int64(n), 0).UTC(), true
}
