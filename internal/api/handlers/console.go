package handlers

import (
	"net/http"
	"net/netip"

	"github.com/polydev/master-controller/internal/apperr"
	"github.com/polydev/master-controller/internal/authsession"
	"github.com/polydev/master-controller/internal/config"
	"github.com/polydev/master-controller/internal/vm"
)

// ConsoleResolver traduit la cible de /vnc/{target} en adresse de VM.
type ConsoleResolver struct {
	vms      *vm.Manager
	sessions *authsession.Service
	cfg      *config.Config
}

func NewConsoleResolver(vms *vm.Manager, sessions *authsession.Service, cfg *config.Config) *ConsoleResolver {
	return &ConsoleResolver{vms: vms, sessions: sessions, cfg: cfg}
}

// Resolve accepte une IP du réseau des VMs ou un identifiant de session.
func (c *ConsoleResolver) Resolve(r *http.Request, target string) (string, error) {
	if addr, err := netip.ParseAddr(target); err == nil {
		return c.byIP(r, addr)
	}

	as, err := c.sessions.Get(r.Context(), target)
	if err != nil {
		return "", err
	}
	if err := authorizeSession(r, as, false); err != nil {
		return "", err
	}
	if as.Status.Terminal() {
		return "", apperr.Newf(apperr.Gone, "session is %s", as.Status)
	}
	browser, err := c.sessions.SessionVM(r.Context(), as.ID)
	if err != nil {
		return "", err
	}
	if browser.IP() == "" {
		return "", apperr.New(apperr.Conflict, "Browser VM IP not yet available")
	}
	return browser.IP(), nil
}

func (c *ConsoleResolver) byIP(r *http.Request, addr netip.Addr) (string, error) {
	if !c.cfg.Subnet().Contains(addr) {
		return "", apperr.Newf(apperr.Forbidden, "%s is outside the VM network", addr)
	}
	id, err := identity(r)
	if err != nil {
		return "", err
	}
	if id.IsAdmin {
		return addr.String(), nil
	}

	// Seules les VMs actives de l'appelant sont joignables.
	vms, err := c.vms.ListByUser(r.Context(), id.UserID)
	if err != nil {
		return "", err
	}
	for _, v := range vms {
		if v.Destroyed() || v.IP() != addr.String() {
			continue
		}
		if err := authorizeVM(r, v); err != nil {
			return "", err
		}
		return addr.String(), nil
	}
	return "", apperr.Newf(apperr.NotFound, "no active VM at %s", addr)
}
