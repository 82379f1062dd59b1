// Package handoff dépose les identifiants obtenus dans la VM CLI de
// l'utilisateur, à l'emplacement attendu par chaque outil.
package handoff

import (
	"context"
	"fmt"
	"net"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"github.com/polydev/master-controller/internal/logx"
	"github.com/polydev/master-controller/internal/models"
	gossh "golang.org/x/crypto/ssh"
)

// Transferer écrit un fichier d'identifiants dans une VM.
type Transferer interface {
	Deliver(ctx context.Context, ip string, provider models.Provider, payload []byte) error
}

// CredentialPath retourne le fichier lu par la CLI du fournisseur.
func CredentialPath(p models.Provider) string {
	switch p {
	case models.ProviderCodexCLI:
		return "/root/.codex/auth.json"
	case models.ProviderGeminiCLI:
		return "/root/.gemini/oauth_creds.json"
	default:
		return "/root/.config/claude/credentials.json"
	}
}

// ─── SFTP ─────────────────────────────────────────────────────────────────────

type SFTPTransferer struct {
	user    string
	port    int
	signer  gossh.Signer
	timeout time.Duration
}

func NewSFTPTransferer(user string, port int, signer gossh.Signer, timeout time.Duration) *SFTPTransferer {
	return &SFTPTransferer{user: user, port: port, signer: signer, timeout: timeout}
}

// LoadSigner lit une clé privée SSH non chiffrée.
func LoadSigner(keyPath string) (gossh.Signer, error) {
	pem, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := gossh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}
	return signer, nil
}

func (t *SFTPTransferer) dial(ctx context.Context, ip string) (*gossh.Client, error) {
	addr := net.JoinHostPort(ip, strconv.Itoa(t.port))
	cfg := &gossh.ClientConfig{
		User: t.user,
		Auth: []gossh.AuthMethod{gossh.PublicKeys(t.signer)},
		// Les VMs sont éphémères, leur clé d'hôte change à chaque provisioning.
		HostKeyCallback: gossh.InsecureIgnoreHostKey(),
		Timeout:         t.timeout,
	}

	d := net.Dialer{Timeout: t.timeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		nc.SetDeadline(deadline)
	}
	c, chans, reqs, err := gossh.NewClientConn(nc, addr, cfg)
	if err != nil {
		nc.Close()
		return nil, err
	}
	nc.SetDeadline(time.Time{})
	return gossh.NewClient(c, chans, reqs), nil
}

func (t *SFTPTransferer) Deliver(ctx context.Context, ip string, provider models.Provider, payload []byte) error {
	sshClient, err := t.dial(ctx, ip)
	if err != nil {
		return fmt.Errorf("ssh %s: %w", ip, err)
	}
	defer sshClient.Close()

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		return fmt.Errorf("open sftp subsystem: %w", err)
	}
	defer client.Close()

	target := CredentialPath(provider)
	if err := client.MkdirAll(path.Dir(target)); err != nil {
		return fmt.Errorf("mkdir %s: %w", path.Dir(target), err)
	}
	f, err := client.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	if _, err := f.Write(payload); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", target, err)
	}
	if err := f.Chmod(0o600); err != nil {
		f.Close()
		return fmt.Errorf("chmod %s: %w", target, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", target, err)
	}

	logx.Infof("[handoff] %s credentials written to %s:%s", provider, ip, target)
	return nil
}

// ─── Désactivé ────────────────────────────────────────────────────────────────

// Disabled est utilisé quand aucune clé SSH n'est configurée.
type Disabled struct{}

func (Disabled) Deliver(_ context.Context, ip string, provider models.Provider, _ []byte) error {
	logx.Warnf("[handoff] no ssh key configured, %s credentials not delivered to %s", provider, ip)
	return nil
}
