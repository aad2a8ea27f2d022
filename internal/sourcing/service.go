// Package sourcing moves requests through their lifecycle: it searches for
// offers on pending requests and applies human decisions.
package sourcing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"procure/internal"
	"procure/internal/config"
	"procure/internal/feed"
	"procure/internal/monitoring"
	"procure/internal/search"
	"procure/internal/storage"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrAlreadyDecided = errors.New("request already decided")
	ErrOptionMismatch = errors.New("option does not belong to request")
	ErrNoSearcher     = errors.New("no search client configured")
)

type Store interface {
	CreateRequest(ctx context.Context, r *internal.Request) error
	GetRequest(ctx context.Context, id string) (*internal.Request, error)
	ListRequestsByStatus(ctx context.Context, status internal.RequestStatus, afterID string, limit int) ([]internal.Request, error)
	AttachOptions(ctx context.Context, requestID string, options []internal.SourcingOption) (bool, error)
	ListOptions(ctx context.Context, requestID string) ([]internal.SourcingOption, error)
	GetOption(ctx context.Context, id string) (*internal.SourcingOption, error)
	FinalizeRequest(ctx context.Context, dec storage.Decision) (bool, error)
	AssignRequest(ctx context.Context, requestID string, memberID *string) error
	GetTeamMember(ctx context.Context, id string) (*internal.TeamMember, error)
}

type Searcher interface {
	Search(ctx context.Context, query string) ([]internal.Offer, error)
}

type Outcome string

const (
	OutcomeOptionsFound Outcome = "options_found"
	OutcomeNoOptions    Outcome = "no_options"
	OutcomeFailed       Outcome = "failed"
	// OutcomeSuperseded: the request left pending while the search ran.
	OutcomeSuperseded Outcome = "superseded"
	// OutcomeSkipped: the request was not pending to begin with.
	OutcomeSkipped Outcome = "skipped"
)

type NewRequest struct {
	UserID      string                `json:"user_id"`
	ProductName string                `json:"product_name"`
	Quantity    int                   `json:"quantity"`
	TargetPrice float64               `json:"target_price"`
	Category    *string               `json:"category,omitempty"`
	Source      internal.RequestSource `json:"source"`
}

func (n NewRequest) validate() error {
	switch {
	case strings.TrimSpace(n.UserID) == "":
		return fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	case strings.TrimSpace(n.ProductName) == "":
		return fmt.Errorf("%w: product_name is required", ErrInvalidRequest)
	case n.Quantity <= 0:
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidRequest)
	case n.TargetPrice < 0 || math.IsNaN(n.TargetPrice) || math.IsInf(n.TargetPrice, 0):
		return fmt.Errorf("%w: target_price must be a non-negative number", ErrInvalidRequest)
	case !n.Source.Valid():
		return fmt.Errorf("%w: unknown source %q", ErrInvalidRequest, n.Source)
	}
	return nil
}

type Service struct {
	store      Store
	searcher   Searcher
	publisher  feed.Publisher
	metrics    *monitoring.Metrics
	log        *zap.Logger
	maxOptions int
	decimal    search.DecimalRule
}

type Option func(*Service)

func WithPublisher(p feed.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithMetrics(m *monitoring.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func NewService(store Store, searcher Searcher, cfg config.Config, log *zap.Logger, opts ...Option) (*Service, error) {
	rule, err := search.ParseDecimalRule(cfg.PriceDecimal)
	if err != nil {
		return nil, err
	}
	maxOptions := cfg.SourcingMaxOptions
	if maxOptions <= 0 {
		maxOptions = 10
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{
		store:      store,
		searcher:   searcher,
		publisher:  feed.Nop,
		log:        log,
		maxOptions: maxOptions,
		decimal:    rule,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Submit validates and stores a new pending request.
func (s *Service) Submit(ctx context.Context, in NewRequest) (*internal.Request, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	r := &internal.Request{
		UserID:      strings.TrimSpace(in.UserID),
		ProductName: strings.TrimSpace(in.ProductName),
		Quantity:    in.Quantity,
		TargetPrice: math.Round(in.TargetPrice*100) / 100,
		Category:    in.Category,
		Source:      in.Source,
		Status:      internal.StatusPending,
	}
	if err := s.store.CreateRequest(ctx, r); err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	s.metrics.RecordRequestCreated(string(r.Source))
	s.publish(ctx, feed.Insert, r.ID, r.Status)
	s.log.Info("request created",
		zap.String("request_id", r.ID),
		zap.String("product", r.ProductName),
		zap.String("source", string(r.Source)),
	)
	return r, nil
}

// Source searches offers for a pending request and attaches them. A failed
// search leaves the request untouched and returns OutcomeFailed with the error.
func (s *Service) Source(ctx context.Context, requestID string) (Outcome, error) {
	r, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return OutcomeFailed, err
	}
	if !internal.CanTransition(r.Status, internal.StatusActionRequired) {
		return OutcomeSkipped, nil
	}
	if s.searcher == nil {
		return OutcomeFailed, ErrNoSearcher
	}

	offers, err := s.searcher.Search(ctx, r.ProductName)
	if err != nil {
		s.metrics.RecordSearch(string(OutcomeFailed), 0)
		return OutcomeFailed, fmt.Errorf("search %q: %w", r.ProductName, err)
	}

	options := s.toOptions(r, offers)
	if len(options) == 0 {
		s.metrics.RecordSearch(string(OutcomeNoOptions), 0)
		s.log.Info("no options found", zap.String("request_id", r.ID), zap.Int("offers", len(offers)))
		return OutcomeNoOptions, nil
	}

	attached, err := s.store.AttachOptions(ctx, r.ID, options)
	if err != nil {
		s.metrics.RecordSearch(string(OutcomeFailed), 0)
		return OutcomeFailed, fmt.Errorf("attach options: %w", err)
	}
	if !attached {
		s.metrics.RecordSearch(string(OutcomeSuperseded), 0)
		s.log.Debug("request no longer pending", zap.String("request_id", r.ID))
		return OutcomeSuperseded, nil
	}

	s.metrics.RecordSearch(string(OutcomeOptionsFound), len(options))
	s.publish(ctx, feed.Update, r.ID, internal.StatusActionRequired)
	s.log.Info("options attached", zap.String("request_id", r.ID), zap.Int("options", len(options)))
	return OutcomeOptionsFound, nil
}

// toOptions keeps offers in provider order up to maxOptions, dropping any
// whose price does not parse or which have no link.
func (s *Service) toOptions(r *internal.Request, offers []internal.Offer) []internal.SourcingOption {
	out := make([]internal.SourcingOption, 0, s.maxOptions)
	for _, o := range offers {
		if len(out) == s.maxOptions {
			break
		}
		price, err := search.ParsePrice(o.PriceText, s.decimal)
		if err != nil {
			s.log.Debug("offer skipped", zap.String("request_id", r.ID), zap.String("price", o.PriceText), zap.Error(err))
			continue
		}
		if strings.TrimSpace(o.URL) == "" {
			continue
		}
		vendor := strings.TrimSpace(o.Vendor)
		if vendor == "" {
			vendor = "Unknown"
		}
		title := strings.TrimSpace(o.Title)
		if title == "" {
			title = r.ProductName
		}
		var image *string
		if o.ImageURL != "" {
			image = &o.ImageURL
		}
		out = append(out, internal.SourcingOption{
			Vendor:       vendor,
			ProductTitle: title,
			Price:        price,
			URL:          o.URL,
			ImageURL:     image,
			Rating:       o.Rating,
			RatingCount:  o.RatingCount,
			ProductID:    o.ProductID,
			Position:     o.Position,
		})
	}
	return out
}

func (s *Service) Options(ctx context.Context, requestID string) ([]internal.SourcingOption, error) {
	if _, err := s.store.GetRequest(ctx, requestID); err != nil {
		return nil, err
	}
	return s.store.ListOptions(ctx, requestID)
}

func (s *Service) Get(ctx context.Context, requestID string) (*internal.Request, error) {
	return s.store.GetRequest(ctx, requestID)
}

var pendingPageSize = 500

// Pending lists every request still waiting for a sourcing attempt, oldest
// first.
func (s *Service) Pending(ctx context.Context) ([]internal.Request, error) {
	var out []internal.Request
	afterID := ""
	for {
		page, err := s.store.ListRequestsByStatus(ctx, internal.StatusPending, afterID, pendingPageSize)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < pendingPageSize {
			return out, nil
		}
		afterID = page[len(page)-1].ID
	}
}

// SelectOption approves the request at the chosen option's price and link.
func (s *Service) SelectOption(ctx context.Context, requestID, optionID string) (*internal.Request, error) {
	r, err := s.decidable(ctx, requestID, internal.StatusApproved)
	if err != nil {
		return nil, err
	}
	opt, err := s.store.GetOption(ctx, optionID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && opt.RequestID != r.ID) {
		return nil, fmt.Errorf("%w: %s", ErrOptionMismatch, optionID)
	}
	if err != nil {
		return nil, err
	}

	price, link := opt.Price, opt.URL
	return s.finalize(ctx, storage.Decision{
		RequestID:        r.ID,
		Status:           internal.StatusApproved,
		SelectedOptionID: opt.ID,
		FoundPrice:       &price,
		Link:             &link,
	})
}

// ApproveWithoutOption approves at the request's own target price.
func (s *Service) ApproveWithoutOption(ctx context.Context, requestID string) (*internal.Request, error) {
	r, err := s.decidable(ctx, requestID, internal.StatusApproved)
	if err != nil {
		return nil, err
	}
	price := r.TargetPrice
	return s.finalize(ctx, storage.Decision{RequestID: r.ID, Status: internal.StatusApproved, FoundPrice: &price})
}

func (s *Service) Reject(ctx context.Context, requestID string) (*internal.Request, error) {
	r, err := s.decidable(ctx, requestID, internal.StatusRejected)
	if err != nil {
		return nil, err
	}
	return s.finalize(ctx, storage.Decision{RequestID: r.ID, Status: internal.StatusRejected})
}

// Assign sets or clears the team member responsible for a request.
func (s *Service) Assign(ctx context.Context, requestID string, memberID *string) (*internal.Request, error) {
	if memberID != nil {
		_, err := s.store.GetTeamMember(ctx, *memberID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown team member %s", ErrInvalidRequest, *memberID)
		}
		if err != nil {
			return nil, err
		}
	}
	if err := s.store.AssignRequest(ctx, requestID, memberID); err != nil {
		return nil, err
	}
	r, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, feed.Update, r.ID, r.Status)
	return r, nil
}

func (s *Service) decidable(ctx context.Context, requestID string, to internal.RequestStatus) (*internal.Request, error) {
	r, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !internal.CanTransition(r.Status, to) {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyDecided, r.ID, r.Status)
	}
	return r, nil
}

func (s *Service) finalize(ctx context.Context, dec storage.Decision) (*internal.Request, error) {
	ok, err := s.store.FinalizeRequest(ctx, dec)
	if errors.Is(err, storage.ErrNotFound) && dec.SelectedOptionID != "" {
		return nil, fmt.Errorf("%w: %s", ErrOptionMismatch, dec.SelectedOptionID)
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyDecided, dec.RequestID)
	}

	s.metrics.RecordDecision(string(dec.Status))
	s.publish(ctx, feed.Update, dec.RequestID, dec.Status)
	s.log.Info("request decided",
		zap.String("request_id", dec.RequestID),
		zap.String("status", string(dec.Status)),
		zap.String("option_id", dec.SelectedOptionID),
	)
	return s.store.GetRequest(ctx, dec.RequestID)
}

func (s *Service) publish(ctx context.Context, event feed.EventType, id string, status internal.RequestStatus) {
	c := feed.Change{Table: feed.TableRequests, Event: event, ID: id, Status: string(status)}
	if err := s.publisher.Publish(ctx, c); err != nil {
		s.log.Warn("change publish failed", zap.String("request_id", id), zap.Error(err))
	}
}
