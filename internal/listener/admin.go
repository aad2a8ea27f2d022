package listener

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"procure/internal"
	"procure/internal/mailbox"
	"procure/internal/vault"
)

type Diagnosis struct {
	IntegrationID string
	User          string
	Host          string
	Port          int
	Status        internal.IntegrationStatus
	Encrypted     bool
	Probe         mailbox.ProbeResult
	Err           error
}

func (d Diagnosis) OK() bool { return d.Err == nil }

// Diagnose checks connectivity of every stored integration without writing
// anything back.
func (s *Service) Diagnose(ctx context.Context) ([]Diagnosis, error) {
	integrations, err := s.store.ListIntegrations(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list integrations: %w", err)
	}

	out := make([]Diagnosis, 0, len(integrations))
	for _, in := range integrations {
		d := Diagnosis{
			IntegrationID: in.ID,
			User:          in.IMAPUser,
			Host:          in.IMAPHost,
			Port:          in.IMAPPort,
			Status:        in.Status,
			Encrypted:     vault.IsEncrypted(in.IMAPPassEncrypted),
		}
		password, err := s.password(in)
		if err != nil {
			d.Err = fmt.Errorf("credential decryption failed: %w", err)
			out = append(out, d)
			continue
		}
		d.Probe, d.Err = s.reader.Probe(ctx, mailbox.Credentials{
			Host: in.IMAPHost, Port: in.IMAPPort, User: in.IMAPUser, Password: password,
		})
		out = append(out, d)
	}
	return out, nil
}

// MigrateCredentials encrypts passwords still stored in plaintext and
// returns how many rows it rewrote.
func (s *Service) MigrateCredentials(ctx context.Context) (int, error) {
	if s.vault == nil {
		return 0, fmt.Errorf("no encryption key configured")
	}
	integrations, err := s.store.ListIntegrations(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("list integrations: %w", err)
	}

	migrated := 0
	for _, in := range integrations {
		if vault.IsEncrypted(in.IMAPPassEncrypted) {
			continue
		}
		blob, err := s.vault.Encrypt(in.IMAPPassEncrypted)
		if err != nil {
			return migrated, err
		}
		if err := s.store.UpdateIntegrationPassword(ctx, in.ID, blob); err != nil {
			return migrated, fmt.Errorf("update %s: %w", in.ID, err)
		}
		migrated++
		s.log.Info("credential encrypted", zap.String("integration_id", in.ID))
	}
	return migrated, nil
}
