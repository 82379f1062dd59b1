package handlers

import (
	"context"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/polydev/master-controller/internal/apperr"
	"github.com/polydev/master-controller/internal/config"
	"github.com/polydev/master-controller/internal/logx"
	"github.com/polydev/master-controller/internal/models"
	"github.com/polydev/master-controller/internal/vm"
	"github.com/polydev/master-controller/internal/vnc"
)

type VMHandler struct {
	vms *vm.Manager
	cfg *config.Config
}

func NewVMHandler(vms *vm.Manager, cfg *config.Config) *VMHandler {
	return &VMHandler{vms: vms, cfg: cfg}
}

func vmTypeParam(s string) (models.VMType, error) {
	if s == "" {
		return models.VMTypeCLI, nil
	}
	t := models.VMType(s)
	if !t.Valid() {
		return "", apperr.Newf(apperr.Invalid, "invalid vm type %q", s)
	}
	return t, nil
}

// ─── VMs d'un utilisateur ─────────────────────────────────────────────────────

func (h *VMHandler) CreateUserVM(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if err := authorizeUser(r, userID); err != nil {
		writeError(w, r, err)
		return
	}
	var req struct {
		VMType string `json:"vmType"`
	}
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, r, err)
		return
	}
	vmType, err := vmTypeParam(req.VMType)
	if err != nil {
		writeError(w, r, err)
		return
	}

	created, err := h.vms.CreateVM(r.Context(), userID, vmType)
	if err != nil {
		writeError(w, r, err)
		return
	}
	jsonResponse(w, map[string]interface{}{"success": true, "vm": created}, http.StatusCreated)
}

func (h *VMHandler) GetUserVM(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if err := authorizeUser(r, userID); err != nil {
		writeError(w, r, err)
		return
	}
	vmType, err := vmTypeParam(r.URL.Query().Get("type"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	found, err := h.vms.FindActiveByUser(r.Context(), userID, vmType)
	if err != nil {
		writeError(w, r, err)
		return
	}
	jsonResponse(w, map[string]interface{}{"vm": found}, http.StatusOK)
}

func (h *VMHandler) DestroyUserVM(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if err := authorizeUser(r, userID); err != nil {
		writeError(w, r, err)
		return
	}
	vmType, err := vmTypeParam(r.URL.Query().Get("type"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	found, err := h.vms.FindActiveByUser(r.Context(), userID, vmType)
	if err != nil {
		writeError(w, r, err)
		return
	}
	destroyed, err := h.vms.DestroyVM(r.Context(), found.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	jsonResponse(w, map[string]interface{}{"success": true, "message": "VM destroyed", "vm": destroyed}, http.StatusOK)
}

// ListUserVMs inclut les VMs détruites (historique).
func (h *VMHandler) ListUserVMs(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if err := authorizeUser(r, userID); err != nil {
		writeError(w, r, err)
		return
	}
	list, err := h.vms.ListByUser(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*models.VM{}
	}
	jsonResponse(w, map[string]interface{}{"vms": list}, http.StatusOK)
}

// ─── Opérations sur une VM ────────────────────────────────────────────────────

// load lit la VM {vmId} et vérifie l'accès de l'appelant.
func (h *VMHandler) load(w http.ResponseWriter, r *http.Request) *models.VM {
	found, err := h.vms.GetVM(r.Context(), chi.URLParam(r, "vmId"))
	if err == nil {
		err = authorizeVM(r, found)
	}
	if err != nil {
		writeError(w, r, err)
		return nil
	}
	return found
}

func (h *VMHandler) Get(w http.ResponseWriter, r *http.Request) {
	found := h.load(w, r)
	if found == nil {
		return
	}
	jsonResponse(w, map[string]interface{}{"vm": found}, http.StatusOK)
}

func (h *VMHandler) Start(w http.ResponseWriter, r *http.Request) {
	h.power(w, r, h.vms.StartVM)
}

func (h *VMHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.power(w, r, h.vms.StopVM)
}

func (h *VMHandler) power(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id string) (*models.VM, error)) {
	found := h.load(w, r)
	if found == nil {
		return
	}
	updated, err := op(r.Context(), found.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	jsonResponse(w, map[string]interface{}{"success": true, "vm": updated}, http.StatusOK)
}

func (h *VMHandler) Destroy(w http.ResponseWriter, r *http.Request) {
	found := h.load(w, r)
	if found == nil {
		return
	}
	destroyed, err := h.vms.DestroyVM(r.Context(), found.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	jsonResponse(w, map[string]interface{}{"success": true, "vm": destroyed}, http.StatusOK)
}

type heartbeatRequest struct {
	IPAddress   string   `json:"ipAddress"`
	CPUUsage    *float64 `json:"cpuUsage"`
	MemoryUsage *float64 `json:"memoryUsage"`
}

// Heartbeat sert aussi de rappel "ready" : le premier appel passe la VM en running.
func (h *VMHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	found := h.load(w, r)
	if found == nil {
		return
	}
	var req heartbeatRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, r, err)
		return
	}
	updated, err := h.vms.RecordHeartbeat(r.Context(), found.ID, models.Heartbeat{
		IP:          req.IPAddress,
		CPUUsage:    req.CPUUsage,
		MemoryUsage: req.MemoryUsage,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := map[string]interface{}{"success": true, "status": updated.Status}

	// Seul l'agent reçoit un jeton renouvelé.
	if id, _ := identity(r); id != nil && id.IsAgent() {
		token, expiresAt, err := h.vms.RenewAgentToken(updated)
		if err != nil {
			writeError(w, r, err)
			return
		}
		resp["agentToken"] = token
		resp["agentTokenExpiresAt"] = expiresAt
	}
	jsonResponse(w, resp, http.StatusOK)
}

// Console vérifie que le serveur VNC de la VM répond.
func (h *VMHandler) Console(w http.ResponseWriter, r *http.Request) {
	found := h.load(w, r)
	if found == nil {
		return
	}
	if found.Destroyed() {
		writeError(w, r, apperr.Newf(apperr.Gone, "VM %s has been destroyed", found.ID))
		return
	}
	if found.IP() == "" {
		jsonResponse(w, map[string]interface{}{"ready": false, "error": "VM IP not yet available"}, http.StatusOK)
		return
	}

	addr := net.JoinHostPort(found.IP(), strconv.Itoa(h.cfg.VNCPort))
	banner, err := vnc.ReadBanner(r.Context(), addr, h.cfg.VNCDialTimeout)
	if err != nil {
		logx.Debugf("[api] console banner %s: %v", addr, err)
		jsonResponse(w, map[string]interface{}{"ready": false, "error": apperr.Message(err)}, http.StatusOK)
		return
	}
	jsonResponse(w, map[string]interface{}{"ready": true, "banner": banner}, http.StatusOK)
}
