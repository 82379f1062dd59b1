package vm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/polydev/master-controller/internal/logx"
	"github.com/polydev/master-controller/internal/models"
)

// ProvisionRequest décrit la VM à démarrer côté hyperviseur.
type ProvisionRequest struct {
	VMID       string        `json:"vm_id"`
	UserID     string        `json:"user_id"`
	Type       models.VMType `json:"vm_type"`
	VCPUs      int           `json:"vcpu_count"`
	MemoryMB   int           `json:"memory_mb"`
	AgentToken string        `json:"agent_token"`
}

// Hypervisor est l'agent de nœud qui exécute réellement les microVMs.
type Hypervisor interface {
	Provision(ctx context.Context, req ProvisionRequest) error
	Start(ctx context.Context, vmID string) error
	Stop(ctx context.Context, vmID string) error
	Release(ctx context.Context, vmID string) error
}

// ─── HTTP ─────────────────────────────────────────────────────────────────────

type HTTPHypervisor struct {
	baseURL string
	client  *http.Client
}

func NewHTTPHypervisor(baseURL string, timeout time.Duration) *HTTPHypervisor {
	return &HTTPHypervisor{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (h *HTTPHypervisor) Provision(ctx context.Context, req ProvisionRequest) error {
	return h.do(ctx, http.MethodPost, "/vms", req)
}

func (h *HTTPHypervisor) Start(ctx context.Context, vmID string) error {
	return h.do(ctx, http.MethodPost, "/vms/"+url.PathEscape(vmID)+"/start", nil)
}

func (h *HTTPHypervisor) Stop(ctx context.Context, vmID string) error {
	return h.do(ctx, http.MethodPost, "/vms/"+url.PathEscape(vmID)+"/stop", nil)
}

func (h *HTTPHypervisor) Release(ctx context.Context, vmID string) error {
	return h.do(ctx, http.MethodDelete, "/vms/"+url.PathEscape(vmID), nil)
}

func (h *HTTPHypervisor) do(ctx context.Context, method, path string, body any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("hypervisor %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("hypervisor %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// ─── Nop ──────────────────────────────────────────────────────────────────────

// NopHypervisor se contente de journaliser. Utilisé quand HYPERVISOR_URL est vide.
type NopHypervisor struct{}

func (NopHypervisor) Provision(_ context.Context, req ProvisionRequest) error {
	logx.Infof("[hypervisor] provision %s (%s, %d vCPU, %d MB)", req.VMID, req.Type, req.VCPUs, req.MemoryMB)
	return nil
}

func (NopHypervisor) Start(_ context.Context, vmID string) error {
	logx.Infof("[hypervisor] start %s", vmID)
	return nil
}

func (NopHypervisor) Stop(_ context.Context, vmID string) error {
	logx.Infof("[hypervisor] stop %s", vmID)
	return nil
}

func (NopHypervisor) Release(_ context.Context, vmID string) error {
	logx.Infof("[hypervisor] release %s", vmID)
	return nil
}
