// Package vm gère le cycle de vie des microVMs : une VM active au plus par
// utilisateur et par type, transitions conditionnelles en base, appels
// hyperviseur sérialisés par VM.
package vm

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/polydev/master-controller/internal/apperr"
	"github.com/polydev/master-controller/internal/auth"
	"github.com/polydev/master-controller/internal/clock"
	"github.com/polydev/master-controller/internal/config"
	"github.com/polydev/master-controller/internal/db"
	"github.com/polydev/master-controller/internal/keylock"
	"github.com/polydev/master-controller/internal/logx"
	"github.com/polydev/master-controller/internal/models"
)

type Manager struct {
	store db.Store
	hv    Hypervisor
	clock clock.Clock
	locks *keylock.Locker
	cfg   *config.Config
}

func NewManager(store db.Store, hv Hypervisor, clk clock.Clock, cfg *config.Config) *Manager {
	return &Manager{
		store: store,
		hv:    hv,
		clock: clk,
		locks: keylock.New(),
		cfg:   cfg,
	}
}

// fromStore traduit les erreurs du store dans la taxonomie applicative.
func fromStore(err error, id string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, db.ErrNotFound):
		return apperr.Newf(apperr.NotFound, "VM %s not found", id)
	case errors.Is(err, db.ErrConflict):
		return apperr.New(apperr.Conflict, "VM already exists")
	}
	return apperr.Wrap(apperr.Internal, err, "vm store")
}

func gone(id string) error {
	return apperr.Newf(apperr.Gone, "VM %s has been destroyed", id)
}

// ─── Création / destruction ───────────────────────────────────────────────────

// CreateVM enregistre la VM en provisioning puis demande son démarrage à
// l'hyperviseur. Le passage à running vient du premier heartbeat de l'agent.
func (m *Manager) CreateVM(ctx context.Context, userID string, vmType models.VMType) (*models.VM, error) {
	if userID == "" {
		return nil, apperr.New(apperr.Invalid, "userId is required")
	}
	if !vmType.Valid() {
		return nil, apperr.Newf(apperr.Invalid, "invalid vm type %q", vmType)
	}

	vcpus, memoryMB := m.cfg.Resources(vmType)
	vm := &models.VM{
		ID:        "vm-" + uuid.NewString(),
		UserID:    userID,
		Type:      vmType,
		Status:    models.VMProvisioning,
		VCPUCount: vcpus,
		MemoryMB:  memoryMB,
		CreatedAt: m.clock.Now().UTC(),
	}
	if err := m.store.InsertVM(ctx, vm); err != nil {
		if errors.Is(err, db.ErrConflict) {
			return nil, apperr.Newf(apperr.Conflict, "user already has an active %s VM", vmType)
		}
		return nil, fromStore(err, vm.ID)
	}

	unlock := m.locks.Lock(vm.ID)
	defer unlock()

	token, err := auth.IssueAgentToken(m.cfg.JWTSecret, vm.ID, userID, m.clock.Now())
	if err == nil {
		err = m.hv.Provision(ctx, ProvisionRequest{
			VMID:       vm.ID,
			UserID:     userID,
			Type:       vmType,
			VCPUs:      vcpus,
			MemoryMB:   memoryMB,
			AgentToken: token,
		})
	}
	if err != nil {
		logx.Errorf("[vm] provision %s for %s failed: %v", vm.ID, userID, err)
		if _, derr := m.store.MarkVMDestroyed(context.WithoutCancel(ctx), vm.ID, m.clock.Now().UTC()); derr != nil {
			logx.Errorf("[vm] rollback %s: %v", vm.ID, derr)
		}
		return nil, apperr.Wrap(apperr.UpstreamUnreachable, err, "hypervisor could not provision the VM")
	}

	logx.Infof("[vm] %s VM %s provisioning for user %s", vmType, vm.ID, userID)
	return vm, nil
}

// DestroyVM est idempotent : un second appel retourne l'enregistrement déjà détruit.
func (m *Manager) DestroyVM(ctx context.Context, id string) (*models.VM, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	vm, err := m.store.MarkVMDestroyed(ctx, id, m.clock.Now().UTC())
	if errors.Is(err, db.ErrPrecondition) {
		return vm, nil
	}
	if err != nil {
		return nil, fromStore(err, id)
	}

	if err := m.hv.Release(ctx, id); err != nil {
		logx.Warnf("[vm] release %s: %v", id, err)
	}
	logx.Infof("[vm] %s destroyed", id)
	return vm, nil
}

// ─── Démarrage / arrêt ────────────────────────────────────────────────────────

func (m *Manager) StartVM(ctx context.Context, id string) (*models.VM, error) {
	return m.switchPower(ctx, id, models.VMStopped, models.VMRunning, m.hv.Start)
}

func (m *Manager) StopVM(ctx context.Context, id string) (*models.VM, error) {
	return m.switchPower(ctx, id, models.VMRunning, models.VMStopped, m.hv.Stop)
}

func (m *Manager) switchPower(ctx context.Context, id string, from, to models.VMStatus, call func(context.Context, string) error) (*models.VM, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	vm, err := m.store.GetVM(ctx, id)
	if err != nil {
		return nil, fromStore(err, id)
	}
	if done, err := powerState(vm, from, to); done || err != nil {
		return vm, err
	}

	if err := call(ctx, id); err != nil {
		return nil, apperr.Wrap(apperr.UpstreamUnreachable, err, fmt.Sprintf("hypervisor could not switch VM to %s", to))
	}

	updated, err := m.store.TransitionVM(ctx, id, []models.VMStatus{from}, to)
	if errors.Is(err, db.ErrPrecondition) {
		// Un autre processus a modifié la VM entre-temps.
		done, perr := powerState(updated, from, to)
		if done {
			return updated, nil
		}
		if perr != nil {
			return updated, perr
		}
		return updated, apperr.Newf(apperr.Conflict, "VM %s changed state concurrently", id)
	}
	if err != nil {
		return nil, fromStore(err, id)
	}
	logx.Infof("[vm] %s %s -> %s", id, from, to)
	return updated, nil
}

// powerState indique si la VM est déjà dans l'état voulu, ou pourquoi la
// transition est impossible.
func powerState(vm *models.VM, from, to models.VMStatus) (done bool, err error) {
	switch {
	case vm.Destroyed():
		return false, gone(vm.ID)
	case vm.Status == to:
		return true, nil
	case vm.Status != from:
		return false, apperr.Newf(apperr.Conflict, "VM %s is %s", vm.ID, vm.Status)
	}
	return false, nil
}

// ─── Heartbeats ───────────────────────────────────────────────────────────────

// RecordHeartbeat enregistre un signal de vie. L'adresse n'est retenue qu'au
// premier appel et doit appartenir au réseau des VMs.
func (m *Manager) RecordHeartbeat(ctx context.Context, id string, hb models.Heartbeat) (*models.VM, error) {
	if hb.IP != "" {
		addr, err := netip.ParseAddr(hb.IP)
		if err != nil || !m.cfg.Subnet().Contains(addr) {
			return nil, apperr.Newf(apperr.Invalid, "ip address %q is outside %s", hb.IP, m.cfg.Subnet())
		}
		hb.IP = addr.String()
	}
	hb.At = m.clock.Now().UTC()

	vm, err := m.store.RecordVMHeartbeat(ctx, id, hb)
	if errors.Is(err, db.ErrPrecondition) {
		return nil, gone(id)
	}
	if err != nil {
		return nil, fromStore(err, id)
	}
	return vm, nil
}

// RenewAgentToken signe un nouveau jeton d'agent pour la VM. Appelé à chaque
// heartbeat accepté : tant que l'agent bat, son jeton n'expire pas.
func (m *Manager) RenewAgentToken(vm *models.VM) (string, time.Time, error) {
	if vm.Destroyed() {
		return "", time.Time{}, gone(vm.ID)
	}
	now := m.clock.Now().UTC()
	token, err := auth.IssueAgentToken(m.cfg.JWTSecret, vm.ID, vm.UserID, now)
	if err != nil {
		return "", time.Time{}, apperr.Wrap(apperr.Internal, err, "sign agent token")
	}
	return token, now.Add(auth.AgentTokenDuration), nil
}

// ─── Lecture ──────────────────────────────────────────────────────────────────

func (m *Manager) GetVM(ctx context.Context, id string) (*models.VM, error) {
	vm, err := m.store.GetVM(ctx, id)
	return vm, fromStore(err, id)
}

func (m *Manager) FindActiveByUser(ctx context.Context, userID string, vmType models.VMType) (*models.VM, error) {
	if !vmType.Valid() {
		return nil, apperr.Newf(apperr.Invalid, "invalid vm type %q", vmType)
	}
	vm, err := m.store.FindActiveVM(ctx, userID, vmType)
	if errors.Is(err, db.ErrNotFound) {
		return nil, apperr.Newf(apperr.NotFound, "no active %s VM for user %s", vmType, userID)
	}
	return vm, fromStore(err, userID)
}

func (m *Manager) ListByUser(ctx context.Context, userID string) ([]*models.VM, error) {
	vms, err := m.store.ListVMsByUser(ctx, userID)
	return vms, fromStore(err, userID)
}

// EnsureActive retourne la VM active du type demandé, en la créant si besoin.
// Une création concurrente perdue se résout en relisant la gagnante.
func (m *Manager) EnsureActive(ctx context.Context, userID string, vmType models.VMType) (*models.VM, error) {
	vm, err := m.FindActiveByUser(ctx, userID, vmType)
	if !errors.Is(err, apperr.ErrNotFound) {
		return vm, err
	}
	vm, err = m.CreateVM(ctx, userID, vmType)
	if errors.Is(err, apperr.ErrConflict) {
		return m.FindActiveByUser(ctx, userID, vmType)
	}
	return vm, err
}

// StaleVMs liste les VMs sans heartbeat récent et celles bloquées en provisioning.
func (m *Manager) StaleVMs(ctx context.Context) ([]*models.VM, error) {
	now := m.clock.Now().UTC()
	vms, err := m.store.ListStaleVMs(ctx, now.Add(-m.cfg.VMStaleAfter), now.Add(-m.cfg.VMProvisionTimeout))
	if err != nil {
		return nil, fromStore(err, "")
	}
	return vms, nil
}
