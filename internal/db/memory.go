package db

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/polydev/master-controller/internal/models"
)

// MemoryStore est l'implémentation en mémoire de Store, avec la même
// sémantique conditionnelle que les stores SQL. Un seul mutex protège les
// tables ; chaque méthode est donc atomique.
type MemoryStore struct {
	mu          sync.Mutex
	vms         map[string]*models.VM
	sessions    map[string]*models.AuthSession
	credentials map[string]*models.ProviderCredential // clé user_id/provider
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		vms:         make(map[string]*models.VM),
		sessions:    make(map[string]*models.AuthSession),
		credentials: make(map[string]*models.ProviderCredential),
	}
}

func (s *MemoryStore) Close() {}

func cloneVM(vm *models.VM) *models.VM {
	c := *vm
	c.IPAddress = clonePtr(vm.IPAddress)
	c.CPUUsage = clonePtr(vm.CPUUsage)
	c.MemoryUsage = clonePtr(vm.MemoryUsage)
	c.LastHeartbeat = clonePtr(vm.LastHeartbeat)
	c.DestroyedAt = clonePtr(vm.DestroyedAt)
	return &c
}

func cloneSession(as *models.AuthSession) *models.AuthSession {
	c := *as
	c.VMID = clonePtr(as.VMID)
	c.CLIVMID = clonePtr(as.CLIVMID)
	c.ErrorMessage = clonePtr(as.ErrorMessage)
	c.HandoffError = clonePtr(as.HandoffError)
	c.StartedAt = clonePtr(as.StartedAt)
	c.CompletedAt = clonePtr(as.CompletedAt)
	c.LastHeartbeat = clonePtr(as.LastHeartbeat)
	c.WebRTCOffer = slices.Clone(as.WebRTCOffer)
	c.WebRTCAnswer = slices.Clone(as.WebRTCAnswer)
	c.LocalCandidates = slices.Clone(as.LocalCandidates)
	c.RemoteCandidates = slices.Clone(as.RemoteCandidates)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// ─── VMs ──────────────────────────────────────────────────────────────────────

func (s *MemoryStore) activeVMLocked(userID string, vmType models.VMType) *models.VM {
	for _, vm := range s.vms {
		if vm.UserID == userID && vm.Type == vmType && vm.DestroyedAt == nil {
			return vm
		}
	}
	return nil
}

func (s *MemoryStore) InsertVM(_ context.Context, vm *models.VM) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vms[vm.ID]; ok {
		return ErrConflict
	}
	if s.activeVMLocked(vm.UserID, vm.Type) != nil {
		return ErrConflict
	}
	s.vms[vm.ID] = cloneVM(vm)
	return nil
}

func (s *MemoryStore) GetVM(_ context.Context, id string) (*models.VM, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vm, ok := s.vms[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneVM(vm), nil
}

func (s *MemoryStore) FindActiveVM(_ context.Context, userID string, vmType models.VMType) (*models.VM, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vm := s.activeVMLocked(userID, vmType)
	if vm == nil {
		return nil, ErrNotFound
	}
	return cloneVM(vm), nil
}

func (s *MemoryStore) ListVMsByUser(_ context.Context, userID string) ([]*models.VM, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vms := []*models.VM{}
	for _, vm := range s.vms {
		if vm.UserID == userID {
			vms = append(vms, cloneVM(vm))
		}
	}
	sort.Slice(vms, func(i, j int) bool { return vms[i].CreatedAt.After(vms[j].CreatedAt) })
	return vms, nil
}

// updateVM applique fn si la VM existe, est vivante et satisfait ok.
func (s *MemoryStore) updateVM(id string, ok func(*models.VM) bool, fn func(*models.VM)) (*models.VM, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vm, found := s.vms[id]
	if !found {
		return nil, ErrNotFound
	}
	if vm.DestroyedAt != nil || !ok(vm) {
		return cloneVM(vm), ErrPrecondition
	}
	fn(vm)
	return cloneVM(vm), nil
}

func (s *MemoryStore) TransitionVM(_ context.Context, id string, from []models.VMStatus, to models.VMStatus) (*models.VM, error) {
	return s.updateVM(id,
		func(vm *models.VM) bool { return slices.Contains(from, vm.Status) },
		func(vm *models.VM) { vm.Status = to })
}

func (s *MemoryStore) RecordVMHeartbeat(_ context.Context, id string, hb models.Heartbeat) (*models.VM, error) {
	return s.updateVM(id,
		func(*models.VM) bool { return true },
		func(vm *models.VM) {
			at := hb.At
			vm.LastHeartbeat = &at
			if vm.IPAddress == nil && hb.IP != "" {
				ip := hb.IP
				vm.IPAddress = &ip
			}
			if hb.CPUUsage != nil {
				vm.CPUUsage = clonePtr(hb.CPUUsage)
			}
			if hb.MemoryUsage != nil {
				vm.MemoryUsage = clonePtr(hb.MemoryUsage)
			}
			if vm.Status == models.VMProvisioning {
				vm.Status = models.VMRunning
			}
		})
}

func (s *MemoryStore) MarkVMDestroyed(_ context.Context, id string, at time.Time) (*models.VM, error) {
	return s.updateVM(id,
		func(*models.VM) bool { return true },
		func(vm *models.VM) {
			vm.Status = models.VMDestroyed
			vm.DestroyedAt = &at
		})
}

func (s *MemoryStore) ListStaleVMs(_ context.Context, heartbeatBefore, provisionedBefore time.Time) ([]*models.VM, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vms := []*models.VM{}
	for _, vm := range s.vms {
		if vm.DestroyedAt != nil {
			continue
		}
		switch vm.Status {
		case models.VMRunning:
			last := vm.CreatedAt
			if vm.LastHeartbeat != nil {
				last = *vm.LastHeartbeat
			}
			if last.Before(heartbeatBefore) {
				vms = append(vms, cloneVM(vm))
			}
		case models.VMProvisioning:
			if vm.CreatedAt.Before(provisionedBefore) {
				vms = append(vms, cloneVM(vm))
			}
		}
	}
	sort.Slice(vms, func(i, j int) bool { return vms[i].CreatedAt.Before(vms[j].CreatedAt) })
	return vms, nil
}

// ─── Sessions d'authentification ──────────────────────────────────────────────

func (s *MemoryStore) InsertAuthSession(_ context.Context, as *models.AuthSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[as.ID]; ok {
		return ErrConflict
	}
	s.sessions[as.ID] = cloneSession(as)
	return nil
}

func (s *MemoryStore) GetAuthSession(_ context.Context, id string) (*models.AuthSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	as, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(as), nil
}

func (s *MemoryStore) ListAuthSessionsByUser(_ context.Context, userID string) ([]*models.AuthSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessions := []*models.AuthSession{}
	for _, as := range s.sessions {
		if as.UserID == userID {
			sessions = append(sessions, cloneSession(as))
		}
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].CreatedAt.After(sessions[j].CreatedAt) })
	return sessions, nil
}

func (s *MemoryStore) updateSessionLocked(id string, from []models.AuthStatus, fn func(*models.AuthSession)) (*models.AuthSession, error) {
	as, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !slices.Contains(from, as.Status) {
		return cloneSession(as), ErrPrecondition
	}
	fn(as)
	return cloneSession(as), nil
}

func (s *MemoryStore) TransitionAuthSession(_ context.Context, id string, from []models.AuthStatus, t models.AuthTransition) (*models.AuthSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateSessionLocked(id, from, func(as *models.AuthSession) {
		at := t.At
		as.Status = t.To
		if startsFlow(t.To) && as.StartedAt == nil {
			as.StartedAt = &at
		}
		if t.To == models.AuthCompleted {
			as.CompletedAt = &at
		}
		if t.ErrorMessage != "" {
			msg := t.ErrorMessage
			as.ErrorMessage = &msg
		}
	})
}

func (s *MemoryStore) CompleteAuthSession(_ context.Context, id string, from []models.AuthStatus, at time.Time, cred *models.ProviderCredential) (*models.AuthSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	as, err := s.updateSessionLocked(id, from, func(as *models.AuthSession) {
		completed := at
		as.Status = models.AuthCompleted
		as.CompletedAt = &completed
	})
	if err != nil || cred == nil {
		return as, err
	}

	key := cred.UserID + "/" + string(cred.Provider)
	stored := *cred
	if prev, ok := s.credentials[key]; ok {
		stored.ID = prev.ID
		stored.CreatedAt = prev.CreatedAt
	} else {
		if stored.ID == "" {
			stored.ID = uuid.NewString()
		}
		stored.CreatedAt = at
	}
	stored.UpdatedAt = at
	stored.IsValid = true
	s.credentials[key] = &stored
	return as, nil
}

func (s *MemoryStore) TouchAuthSession(_ context.Context, id string, at time.Time) (*models.AuthSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateSessionLocked(id, models.NonTerminalAuthStatuses, func(as *models.AuthSession) {
		as.LastHeartbeat = &at
	})
}

func (s *MemoryStore) SetAuthSessionHandoffError(_ context.Context, id, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	as, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	as.HandoffError = &msg
	return nil
}

func (s *MemoryStore) SetAuthSessionSignaling(_ context.Context, id string, snap models.SignalingSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	as, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if as.Status.Terminal() {
		return ErrPrecondition
	}
	if len(snap.Offer) > 0 {
		as.WebRTCOffer = slices.Clone(snap.Offer)
	}
	if len(snap.Answer) > 0 {
		as.WebRTCAnswer = slices.Clone(snap.Answer)
	}
	if len(snap.LocalCandidates) > 0 {
		as.LocalCandidates = slices.Clone(snap.LocalCandidates)
	}
	if len(snap.RemoteCandidates) > 0 {
		as.RemoteCandidates = slices.Clone(snap.RemoteCandidates)
	}
	return nil
}

func (s *MemoryStore) ListOverdueAuthSessions(_ context.Context, now time.Time) ([]*models.AuthSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessions := []*models.AuthSession{}
	for _, as := range s.sessions {
		if !as.Status.Terminal() && as.TimeoutAt.Before(now) {
			sessions = append(sessions, cloneSession(as))
		}
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].TimeoutAt.Before(sessions[j].TimeoutAt) })
	return sessions, nil
}

// ─── Identifiants fournisseur ─────────────────────────────────────────────────

func (s *MemoryStore) GetCredential(_ context.Context, userID string, provider models.Provider) (*models.ProviderCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[userID+"/"+string(provider)]
	if !ok {
		return nil, ErrNotFound
	}
	out := *c
	return &out, nil
}

func (s *MemoryStore) ListCredentials(_ context.Context, userID string) ([]*models.ProviderCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	creds := []*models.ProviderCredential{}
	for _, c := range s.credentials {
		if c.UserID == userID {
			out := *c
			creds = append(creds, &out)
		}
	}
	sort.Slice(creds, func(i, j int) bool { return creds[i].Provider < creds[j].Provider })
	return creds, nil
}
