package models

import (
	"encoding/json"
	"time"
)

// ─── VMs ──────────────────────────────────────────────────────────────────────

type VMType string

const (
	VMTypeCLI     VMType = "cli"
	VMTypeBrowser VMType = "browser"
)

func (t VMType) Valid() bool {
	return t == VMTypeCLI || t == VMTypeBrowser
}

type VMStatus string

const (
	VMProvisioning VMStatus = "provisioning" // enregistrée, en attente du premier heartbeat
	VMRunning      VMStatus = "running"
	VMStopped      VMStatus = "stopped"
	VMDestroyed    VMStatus = "destroyed" // terminal, destroyed_at renseigné
)

type VM struct {
	ID            string     `json:"vm_id"`
	UserID        string     `json:"user_id"`
	Type          VMType     `json:"vm_type"`
	Status        VMStatus   `json:"status"`
	IPAddress     *string    `json:"ip_address"`
	VCPUCount     int        `json:"vcpu_count"`
	MemoryMB      int        `json:"memory_mb"`
	CPUUsage      *float64   `json:"cpu_usage,omitempty"`
	MemoryUsage   *float64   `json:"memory_usage,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	LastHeartbeat *time.Time `json:"last_heartbeat"`
	DestroyedAt   *time.Time `json:"destroyed_at"`
}

func (v *VM) Destroyed() bool { return v.DestroyedAt != nil }

func (v *VM) IP() string {
	if v.IPAddress == nil {
		return ""
	}
	return *v.IPAddress
}

// Heartbeat est le signal de vie envoyé par l'agent d'une VM.
type Heartbeat struct {
	IP          string
	CPUUsage    *float64
	MemoryUsage *float64
	At          time.Time
}

// ─── Sessions d'authentification ──────────────────────────────────────────────

type Provider string

const (
	ProviderClaudeCode Provider = "claude_code"
	ProviderCodexCLI   Provider = "codex_cli"
	ProviderGeminiCLI  Provider = "gemini_cli"
)

// ParseProvider accepte aussi l'alias historique "codex".
func ParseProvider(s string) (Provider, bool) {
	switch s {
	case string(ProviderClaudeCode):
		return ProviderClaudeCode, true
	case string(ProviderCodexCLI), "codex":
		return ProviderCodexCLI, true
	case string(ProviderGeminiCLI):
		return ProviderGeminiCLI, true
	}
	return "", false
}

type AuthStatus string

const (
	AuthPending          AuthStatus = "pending"
	AuthAwaitingUserAuth AuthStatus = "awaiting_user_auth"
	AuthInProgress       AuthStatus = "in_progress"
	AuthCompleted        AuthStatus = "completed"
	AuthFailed           AuthStatus = "failed"
	AuthExpired          AuthStatus = "expired"
	AuthCancelled        AuthStatus = "cancelled"
)

// NonTerminalAuthStatuses liste les états depuis lesquels une transition reste possible.
var NonTerminalAuthStatuses = []AuthStatus{AuthPending, AuthAwaitingUserAuth, AuthInProgress}

func (s AuthStatus) Terminal() bool {
	switch s {
	case AuthCompleted, AuthFailed, AuthExpired, AuthCancelled:
		return true
	}
	return false
}

// Rank ordonne les états non terminaux ; tous les états terminaux partagent le rang le plus haut.
func (s AuthStatus) Rank() int {
	switch s {
	case AuthPending:
		return 0
	case AuthAwaitingUserAuth:
		return 1
	case AuthInProgress:
		return 2
	}
	return 3
}

type AuthSession struct {
	ID               string          `json:"session_id"`
	UserID           string          `json:"user_id"`
	Provider         Provider        `json:"provider"`
	Status           AuthStatus      `json:"status"`
	VMID             *string         `json:"vm_id"`
	CLIVMID          *string         `json:"cli_vm_id"`
	WebRTCOffer      json.RawMessage `json:"webrtc_offer,omitempty"`
	WebRTCAnswer     json.RawMessage `json:"webrtc_answer,omitempty"`
	LocalCandidates  json.RawMessage `json:"local_candidates,omitempty"`
	RemoteCandidates json.RawMessage `json:"remote_candidates,omitempty"`
	ErrorMessage     *string         `json:"error_message"`
	HandoffError     *string         `json:"handoff_error"`
	CreatedAt        time.Time       `json:"created_at"`
	StartedAt        *time.Time      `json:"started_at"`
	CompletedAt      *time.Time      `json:"completed_at"`
	LastHeartbeat    *time.Time      `json:"last_heartbeat"`
	TimeoutAt        time.Time       `json:"timeout_at"`
}

// MarshalJSON expose vm_id aussi sous le nom browser_vm_id.
func (s AuthSession) MarshalJSON() ([]byte, error) {
	type alias AuthSession
	return json.Marshal(struct {
		alias
		BrowserVMID *string `json:"browser_vm_id"`
	}{alias(s), s.VMID})
}

func (s *AuthSession) BrowserVMID() string {
	if s.VMID == nil {
		return ""
	}
	return *s.VMID
}

// AuthTransition décrit une mise à jour conditionnelle de session.
type AuthTransition struct {
	To           AuthStatus
	At           time.Time
	ErrorMessage string
}

// SignalingSnapshot est la copie persistée de l'échange WebRTC d'une session.
type SignalingSnapshot struct {
	Offer            json.RawMessage
	Answer           json.RawMessage
	LocalCandidates  json.RawMessage
	RemoteCandidates json.RawMessage
}

// ─── Identifiants fournisseur ─────────────────────────────────────────────────

type ProviderCredential struct {
	ID         string    `json:"credential_id"`
	UserID     string    `json:"user_id"`
	Provider   Provider  `json:"provider"`
	SessionID  string    `json:"session_id"`
	Ciphertext []byte    `json:"-"`
	Nonce      []byte    `json:"-"`
	Salt       []byte    `json:"-"`
	IsValid    bool      `json:"is_valid"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
