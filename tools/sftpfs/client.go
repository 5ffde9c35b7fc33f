package sftpfs

import (
	"context"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolbelt/envelope"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const dialTimeout = 15 * time.Second

// sshSession is the production Session over an SSH transport.
type sshSession struct {
	ssh  *ssh.Client
	sftp *sftp.Client
}

func dialSFTP(_ context.Context, cfg ConnConfig) (Session, error) {
	auth, err := authMethods(cfg)
	if err != nil {
		return nil, err
	}

	sshCfg := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}
	conn, err := ssh.Dial("tcp", cfg.Addr, sshCfg)
	if err != nil {
		return nil, classifySSH(err, cfg.Addr)
	}

	client, err := sftp.NewClient(conn)
	if err != nil {
		_ = conn.Close()
		return nil, envelope.New(envelope.KindRemote, "host %s does not offer the sftp subsystem", cfg.Addr).
			WithCause(errors.WithStack(err))
	}
	return &sshSession{ssh: conn, sftp: client}, nil
}

func readKeyFile(path string) ([]byte, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, envelope.New(envelope.KindFile, "cannot read SSH key file %q", path).
			WithCause(errors.WithStack(err))
	}
	return pem, nil
}

func authMethods(cfg ConnConfig) ([]ssh.AuthMethod, error) {
	if len(cfg.KeyPEM) > 0 {
		signer, err := ssh.ParsePrivateKey(cfg.KeyPEM)
		if err != nil {
			return nil, envelope.New(envelope.KindAuthentication, "cannot parse the SSH private key").
				WithCause(errors.WithStack(err)).
				WithHint("the key must be an unencrypted PEM block")
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	if cfg.Password != "" {
		return []ssh.AuthMethod{ssh.Password(cfg.Password)}, nil
	}
	return nil, envelope.New(envelope.KindAuthentication, "no SSH credential available").
		WithHint("set SFTP_PASSWORD or SFTP_KEY_FILE")
}

// classifySSH separates auth rejection from reachability. The ssh package
// reports auth failures only through the handshake error text.
func classifySSH(err error, addr string) error {
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "permission denied") {
		return envelope.New(envelope.KindAuthentication, "host %s rejected the credentials", addr).WithCause(err)
	}
	return envelope.New(envelope.KindRemote, "cannot reach %s", addr).WithCause(err)
}

func (s *sshSession) List(_ context.Context, dir string) ([]Entry, error) {
	infos, err := s.sftp.ReadDir(dir)
	if err != nil {
		return nil, classifySFTP(err, dir)
	}
	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, Entry{
			Name:    info.Name(),
			Path:    path.Join(dir, info.Name()),
			Size:    info.Size(),
			Mode:    info.Mode().String(),
			ModTime: info.ModTime(),
			IsDir:   info.IsDir(),
		})
	}
	return entries, nil
}

func (s *sshSession) Stat(_ context.Context, p string) (Entry, error) {
	info, err := s.sftp.Stat(p)
	if err != nil {
		return Entry{}, classifySFTP(err, p)
	}
	return Entry{
		Name:    info.Name(),
		Path:    p,
		Size:    info.Size(),
		Mode:    info.Mode().String(),
		ModTime: info.ModTime(),
		IsDir:   info.IsDir(),
	}, nil
}

func (s *sshSession) Download(_ context.Context, p string, maxBytes int64) ([]byte, error) {
	f, err := s.sftp.Open(p)
	if err != nil {
		return nil, classifySFTP(err, p)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxBytes+1))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %q", p)
	}
	if int64(len(data)) > maxBytes {
		return nil, envelope.New(envelope.KindFile, "%q exceeds the %d byte download ceiling", p, maxBytes)
	}
	return data, nil
}

func (s *sshSession) Upload(_ context.Context, p string, data []byte) error {
	if dir := path.Dir(p); dir != "." && dir != "/" {
		if err := s.sftp.MkdirAll(dir); err != nil {
			return classifySFTP(err, dir)
		}
	}
	f, err := s.sftp.Create(p)
	if err != nil {
		return classifySFTP(err, p)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write %q", p)
	}
	return errors.Wrapf(f.Close(), "failed to close %q", p)
}

func (s *sshSession) Delete(_ context.Context, p string) error {
	if err := s.sftp.Remove(p); err != nil {
		return classifySFTP(err, p)
	}
	return nil
}

func (s *sshSession) Close() error {
	err := s.sftp.Close()
	if cerr := s.ssh.Close(); err == nil {
		err = cerr
	}
	return err
}

func classifySFTP(err error, p string) error {
	if errors.Is(err, io.EOF) {
		return envelope.New(envelope.KindRemote, "connection closed while accessing %q", p).WithCause(err)
	}
	var status *sftp.StatusError
	if errors.As(err, &status) {
		switch status.FxCode() {
		case sftp.ErrSSHFxNoSuchFile:
			return envelope.NotFound("%q does not exist on the remote host", p)
		case sftp.ErrSSHFxPermissionDenied:
			return envelope.New(envelope.KindAuthentication, "permission denied for %q", p)
		}
	}
	return envelope.New(envelope.KindRemote, "sftp operation on %q failed", p).WithCause(err)
}
