package sshsession

import (
	"fmt"
	"strings"

	"bytemomo/fleetwarden/internal/domain"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// authMethods turns a credential into ssh auth methods. Public key auth is
// offered first when both a key and a password are present.
func authMethods(c domain.Credential) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if len(c.PrivateKey) > 0 {
		var (
			signer ssh.Signer
			err    error
		)
		if len(c.Passphrase) > 0 {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(c.PrivateKey, c.Passphrase)
		} else {
			signer, err = ssh.ParsePrivateKey(c.PrivateKey)
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if c.Password != "" {
		password := c.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("no password or private key")
	}
	return methods, nil
}

// hostKeyCallback returns the verifier shared by every call of s. Without a
// known_hosts file host keys are accepted and a warning is logged once.
func (s *Session) hostKeyCallback() (ssh.HostKeyCallback, error) {
	s.hostKeysOnce.Do(func() {
		if s.KnownHosts == "" {
			s.logger().Warn("no known_hosts configured, accepting any host key")
			s.hostKeys = ssh.InsecureIgnoreHostKey()
			return
		}
		s.hostKeys, s.hostKeysErr = knownhosts.New(s.KnownHosts)
	})
	return s.hostKeys, s.hostKeysErr
}

// scrub replaces every secret occurring in text.
func scrub(text string, secrets []string) string {
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		text = strings.ReplaceAll(text, secret, "[REDACTED]")
	}
	return text
}
