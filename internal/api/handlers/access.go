package handlers

import (
	"net/http"

	mw "github.com/polydev/master-controller/internal/api/middleware"
	"github.com/polydev/master-controller/internal/apperr"
	"github.com/polydev/master-controller/internal/models"
)

// Règles d'accès : un admin voit tout, un utilisateur ses propres ressources,
// l'agent d'une VM sa VM et les sessions qu'elle héberge. L'en-tête
// X-User-Id, s'il est présent, doit désigner le propriétaire.

var errForbidden = apperr.New(apperr.Forbidden, "forbidden")

func identity(r *http.Request) (*mw.Identity, error) {
	id := mw.GetIdentity(r)
	if id == nil {
		return nil, apperr.New(apperr.Unauthorized, "unauthorized")
	}
	return id, nil
}

func checkHeaderOwner(r *http.Request, owner string) error {
	if h := r.Header.Get("X-User-Id"); h != "" && h != owner {
		return errForbidden
	}
	return nil
}

func authorizeUser(r *http.Request, userID string) error {
	id, err := identity(r)
	if err != nil {
		return err
	}
	if err := checkHeaderOwner(r, userID); err != nil {
		return err
	}
	if id.IsAdmin || (!id.IsAgent() && id.UserID == userID) {
		return nil
	}
	return errForbidden
}

func authorizeVM(r *http.Request, vm *models.VM) error {
	id, err := identity(r)
	if err != nil {
		return err
	}
	if err := checkHeaderOwner(r, vm.UserID); err != nil {
		return err
	}
	switch {
	case id.IsAdmin:
		return nil
	case id.IsAgent():
		if id.VMID == vm.ID {
			return nil
		}
	case id.UserID == vm.UserID:
		return nil
	}
	return errForbidden
}

// authorizeSession vérifie l'accès à une session. agentOnly réserve
// l'opération à l'agent de la VM navigateur (et aux admins).
func authorizeSession(r *http.Request, as *models.AuthSession, agentOnly bool) error {
	id, err := identity(r)
	if err != nil {
		return err
	}
	if err := checkHeaderOwner(r, as.UserID); err != nil {
		return err
	}
	switch {
	case id.IsAdmin:
		return nil
	case id.IsAgent():
		if id.VMID != "" && id.VMID == as.BrowserVMID() {
			return nil
		}
	case !agentOnly && id.UserID == as.UserID:
		return nil
	}
	return errForbidden
}
