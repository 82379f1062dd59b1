package authsession

import (
	"context"
	"errors"
	"net/http"

	"github.com/polydev/master-controller/internal/agent"
	"github.com/polydev/master-controller/internal/apperr"
	"github.com/polydev/master-controller/internal/logx"
	"github.com/polydev/master-controller/internal/models"
)

// browserIP résout l'adresse de la VM navigateur d'une session ouverte.
func (s *Service) browserIP(ctx context.Context, id string) (*models.AuthSession, string, error) {
	as, err := s.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if as.Status.Terminal() {
		return as, "", apperr.Newf(apperr.Conflict, "session is %s", as.Status)
	}
	vm, err := s.SessionVM(ctx, id)
	if err != nil {
		return as, "", err
	}
	if vm.IP() == "" {
		return as, "", apperr.New(apperr.Conflict, "Browser VM IP not yet available")
	}
	return as, vm.IP(), nil
}

// advance applique la transition déclenchée par une réponse positive de
// l'agent. Un Conflict signifie que la session est déjà plus loin.
func advance(id string, resp *agent.Response, step func() (*models.AuthSession, error)) {
	if resp.Status < http.StatusOK || resp.Status >= http.StatusMultipleChoices {
		return
	}
	if _, err := step(); err != nil && !errors.Is(err, apperr.ErrConflict) {
		logx.Warnf("[auth] session %s: %v", id, err)
	}
}

// OAuthURL demande à l'agent l'URL d'autorisation du fournisseur.
func (s *Service) OAuthURL(ctx context.Context, id string) (*agent.Response, error) {
	_, ip, err := s.browserIP(ctx, id)
	if err != nil {
		return nil, err
	}
	resp, err := s.agent.OAuthURL(ctx, ip, id)
	if err != nil {
		return nil, err
	}
	advance(id, resp, func() (*models.AuthSession, error) { return s.TransitionToAwaitingAuth(ctx, id) })
	return resp, nil
}

// OpenURL fait ouvrir target dans le navigateur de la VM.
func (s *Service) OpenURL(ctx context.Context, id, target string) (*agent.Response, error) {
	if target == "" {
		return nil, apperr.New(apperr.Invalid, "url is required")
	}
	_, ip, err := s.browserIP(ctx, id)
	if err != nil {
		return nil, err
	}
	resp, err := s.agent.OpenURL(ctx, ip, id, target)
	if err != nil {
		return nil, err
	}
	advance(id, resp, func() (*models.AuthSession, error) { return s.MarkInProgress(ctx, id) })
	return resp, nil
}

var readyFromDatabase = []byte(`{"status":"ready","source":"database"}`)

// CredentialStatus interroge l'agent sur la capture des identifiants. Une
// session complétée répond depuis la base sans contacter la VM.
func (s *Service) CredentialStatus(ctx context.Context, id string) (*agent.Response, error) {
	as, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if as.Status == models.AuthCompleted {
		return &agent.Response{Status: http.StatusOK, ContentType: "application/json", Body: readyFromDatabase}, nil
	}
	_, ip, err := s.browserIP(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.agent.CredentialStatus(ctx, ip, id)
}
