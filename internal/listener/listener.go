// Package listener turns procurement emails from connected mailboxes into
// requests.
package listener

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"procure/internal"
	"procure/internal/mailbox"
	"procure/internal/monitoring"
	"procure/internal/sourcing"
	"procure/internal/vault"
)

type Store interface {
	ListIntegrations(ctx context.Context, status internal.IntegrationStatus) ([]internal.EmailIntegration, error)
	UpdateIntegrationSync(ctx context.Context, id string, syncedAt time.Time) error
	MarkIntegrationError(ctx context.Context, id, message string) error
	UpdateIntegrationPassword(ctx context.Context, id, encrypted string) error
}

type MailReader interface {
	FetchSince(ctx context.Context, creds mailbox.Credentials, watermark time.Time) ([]internal.EmailMessage, error)
	Probe(ctx context.Context, creds mailbox.Credentials) (mailbox.ProbeResult, error)
}

type Classifier interface {
	Classify(ctx context.Context, msg internal.EmailMessage) (*internal.Verdict, error)
}

type Sourcer interface {
	Submit(ctx context.Context, in sourcing.NewRequest) (*internal.Request, error)
	Source(ctx context.Context, requestID string) (sourcing.Outcome, error)
}

type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(blob string) (string, error)
}

type Deps struct {
	Store      Store
	Reader     MailReader
	Classifier Classifier
	Sourcer    Sourcer
	Vault      Cipher
	Metrics    *monitoring.Metrics
	Log        *zap.Logger
}

type Service struct {
	store      Store
	reader     MailReader
	classifier Classifier
	sourcer    Sourcer
	vault      Cipher
	metrics    *monitoring.Metrics
	log        *zap.Logger
	now        func() time.Time
}

func NewService(d Deps) *Service {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:      d.Store,
		reader:     d.Reader,
		classifier: d.Classifier,
		sourcer:    d.Sourcer,
		vault:      d.Vault,
		metrics:    d.Metrics,
		log:        log.Named("email-watcher"),
		now:        time.Now,
	}
}

// CycleResult sums one pass over all active integrations.
type CycleResult struct {
	Integrations int
	Failed       int
	Fetched      int
	Classified   int
	Created      int
	Sourced      int
}

func (r *CycleResult) add(o CycleResult) {
	r.Fetched += o.Fetched
	r.Classified += o.Classified
	r.Created += o.Created
	r.Sourced += o.Sourced
}

// Run executes a cycle immediately and then every interval. Cancelling ctx
// stops scheduling; a cycle already running finishes first.
func (s *Service) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	for {
		if _, err := s.RunOnce(context.WithoutCancel(ctx)); err != nil {
			s.log.Error("email cycle failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

// RunOnce processes every active integration. A failing integration is
// logged and marked; the others still run.
func (s *Service) RunOnce(ctx context.Context) (CycleResult, error) {
	started := time.Now()
	defer func() { s.metrics.ObserveEmailCycle(time.Since(started)) }()

	integrations, err := s.store.ListIntegrations(ctx, internal.IntegrationActive)
	if err != nil {
		return CycleResult{}, fmt.Errorf("list integrations: %w", err)
	}

	result := CycleResult{Integrations: len(integrations)}
	for _, in := range integrations {
		one, err := s.syncIntegration(ctx, in)
		result.add(one)
		if err != nil {
			result.Failed++
			s.log.Warn("integration sync failed",
				zap.String("integration_id", in.ID),
				zap.String("user", in.IMAPUser),
				zap.Error(err),
			)
		}
	}

	s.log.Info("email cycle done",
		zap.Int("integrations", result.Integrations),
		zap.Int("failed", result.Failed),
		zap.Int("fetched", result.Fetched),
		zap.Int("created", result.Created),
		zap.Int("sourced", result.Sourced),
	)
	return result, nil
}

func (s *Service) syncIntegration(ctx context.Context, in internal.EmailIntegration) (CycleResult, error) {
	var result CycleResult
	log := s.log.With(zap.String("integration_id", in.ID))

	watermark := startOfDay(s.now())
	firstRun := in.LastSyncedAt == nil
	if !firstRun {
		watermark = *in.LastSyncedAt
	}

	password, err := s.password(in)
	if err != nil {
		s.metrics.RecordIntegrationError("decrypt")
		s.markError(ctx, in.ID, fmt.Sprintf("credential decryption failed: %v", err))
		return result, err
	}

	creds := mailbox.Credentials{Host: in.IMAPHost, Port: in.IMAPPort, User: in.IMAPUser, Password: password}
	messages, err := s.reader.FetchSince(ctx, creds, watermark)
	if err != nil {
		s.metrics.RecordIntegrationError("fetch")
		s.markError(ctx, in.ID, err.Error())
		return result, err
	}
	result.Fetched = len(messages)
	s.metrics.RecordEmailsFetched(len(messages))
	log.Debug("messages fetched", zap.Int("count", len(messages)), zap.Time("watermark", watermark))

	// Messages come sorted by date. The watermark only passes a second once
	// every message dated in it has been handled, so a failure retries its
	// whole second on the next cycle.
	latest := watermark
	var failed error
	for i, msg := range messages {
		created, sourced, err := s.handleMessage(ctx, in, msg)
		if err != nil {
			failed = err
			break
		}
		result.Classified++
		if created {
			result.Created++
		}
		if sourced {
			result.Sourced++
		}
		if i+1 < len(messages) && messages[i+1].Date.Equal(msg.Date) {
			continue
		}
		if msg.Date.After(latest) {
			latest = msg.Date
		}
	}

	if latest.After(watermark) || firstRun {
		if err := s.store.UpdateIntegrationSync(ctx, in.ID, latest); err != nil {
			return result, fmt.Errorf("update watermark: %w", err)
		}
	}
	return result, failed
}

// handleMessage classifies one message and creates a request for a positive
// verdict. Classification failures skip the message; only a failure to store
// the request is returned, which stops the integration before the watermark
// passes this message.
func (s *Service) handleMessage(ctx context.Context, in internal.EmailIntegration, msg internal.EmailMessage) (created, sourced bool, err error) {
	log := s.log.With(zap.String("integration_id", in.ID), zap.String("subject", msg.Subject))

	verdict, err := s.classifier.Classify(ctx, msg)
	if err != nil {
		s.metrics.RecordClassification("error")
		log.Warn("classification failed, message skipped", zap.Error(err))
		return false, false, nil
	}
	if !verdict.IsProcurementRequest {
		s.metrics.RecordClassification("negative")
		log.Info("not a procurement request", zap.String("reasoning", verdict.Reasoning))
		return false, false, nil
	}
	s.metrics.RecordClassification("positive")

	category := verdict.Category
	r, err := s.sourcer.Submit(ctx, sourcing.NewRequest{
		UserID:      in.UserID,
		ProductName: verdict.ProductName,
		Quantity:    verdict.Quantity,
		TargetPrice: verdict.TargetPrice,
		Category:    &category,
		Source:      internal.SourceEmail,
	})
	if errors.Is(err, sourcing.ErrInvalidRequest) {
		log.Warn("verdict rejected, message skipped", zap.Error(err))
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	log.Info("procurement request detected",
		zap.String("request_id", r.ID),
		zap.String("product", r.ProductName),
		zap.Int("quantity", r.Quantity),
	)

	outcome, err := s.sourcer.Source(ctx, r.ID)
	if err != nil {
		log.Warn("sourcing failed, request stays pending", zap.String("request_id", r.ID), zap.Error(err))
		return true, false, nil
	}
	return true, outcome == sourcing.OutcomeOptionsFound, nil
}

// password decrypts the stored credential. Rows written before encryption
// was introduced hold plaintext and are used as is.
func (s *Service) password(in internal.EmailIntegration) (string, error) {
	if !vault.IsEncrypted(in.IMAPPassEncrypted) {
		s.log.Warn("integration password stored in plaintext, run email:migrate-credentials",
			zap.String("integration_id", in.ID))
		return in.IMAPPassEncrypted, nil
	}
	if s.vault == nil {
		return "", errors.New("no encryption key configured")
	}
	return s.vault.Decrypt(in.IMAPPassEncrypted)
}

func (s *Service) markError(ctx context.Context, id, message string) {
	if err := s.store.MarkIntegrationError(ctx, id, message); err != nil {
		s.log.Error("failed to mark integration error", zap.String("integration_id", id), zap.Error(err))
	}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
