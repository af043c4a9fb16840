package attendance

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"uniscan/internal/auth"
	"uniscan/internal/clock"
	"uniscan/internal/errs"
	"uniscan/internal/metrics"
	"uniscan/internal/queue"
)

// bcrypt silently ignores input past this length; reject instead.
const maxPasswordBytes = 72

// TokenIssuer creates session tokens for authenticated users.
type TokenIssuer interface {
	Issue(userID string, role auth.Role) (auth.Token, error)
}

// Observer receives business outcomes, typically *metrics.Metrics.
type Observer interface {
	ObserveLogin(outcome string)
	ObserveMark(outcome string)
}

type nopObserver struct{}

func (nopObserver) ObserveLogin(string) {}
func (nopObserver) ObserveMark(string)  {}

// Deps wires a Service. Users, Ledger, Hasher and Tokens are required.
type Deps struct {
	Users    UserRepository
	Ledger   Ledger
	Hasher   auth.Hasher
	Tokens   TokenIssuer
	Clock    clock.Clock
	Location *time.Location
	Events   queue.Publisher
	Observer Observer
	Logger   *log.Logger
}

// Service registers and authenticates users and records attendance. It holds
// no mutable state between requests.
type Service struct {
	users  UserRepository
	ledger Ledger
	hasher auth.Hasher
	tokens TokenIssuer
	clock  clock.Clock
	loc    *time.Location
	events queue.Publisher
	obs    Observer
	log    *log.Logger

	// verified against when the username is unknown
	dummyHash string
}

// NewService creates a service from its collaborators.
func NewService(d Deps) *Service {
	s := &Service{
		users:  d.Users,
		ledger: d.Ledger,
		hasher: d.Hasher,
		tokens: d.Tokens,
		clock:  d.Clock,
		loc:    d.Location,
		events: d.Events,
		obs:    d.Observer,
		log:    d.Logger,
	}
	if s.clock == nil {
		s.clock = clock.Real{}
	}
	if s.loc == nil {
		s.loc = time.Local
	}
	if s.obs == nil {
		s.obs = nopObserver{}
	}
	if s.log == nil {
		s.log = log.Default()
	}
	if s.hasher != nil {
		h, err := s.hasher.Hash(uuid.NewString())
		if err != nil {
			s.log.Printf("warning: dummy hash: %v", err)
		}
		s.dummyHash = h
	}
	return s
}

// Register creates an account. It does not log the user in.
func (s *Service) Register(ctx context.Context, username, password, role string) (UserSummary, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return UserSummary{}, errs.Validation("username is required")
	}
	if password == "" {
		return UserSummary{}, errs.Validation("password is required")
	}
	if len(password) > maxPasswordBytes {
		return UserSummary{}, errs.Validation("password must be at most 72 bytes")
	}
	r, ok := auth.ParseRole(role)
	if !ok {
		return UserSummary{}, errs.Validation("role must be student or admin")
	}

	// Fast path only; the unique constraint decides under concurrency.
	if _, err := s.users.UserByUsername(ctx, username); err == nil {
		return UserSummary{}, errs.ErrDuplicateUsername
	} else if !errors.Is(err, ErrNotFound) {
		return UserSummary{}, errs.Store(err)
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return UserSummary{}, errs.Internal("hash password", err)
	}

	u, err := s.users.CreateUser(ctx, User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hash,
		Role:         r,
		CreatedAt:    s.clock.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, ErrDuplicate) {
			return UserSummary{}, errs.ErrDuplicateUsername
		}
		return UserSummary{}, errs.Store(err)
	}
	s.log.Printf("registered user %s role=%s", u.ID, u.Role)
	return u.Summary(), nil
}

// Login verifies credentials and issues a session token. Unknown users and
// wrong passwords produce the same error.
func (s *Service) Login(ctx context.Context, username, password string) (LoginResult, error) {
	u, err := s.users.UserByUsername(ctx, strings.TrimSpace(username))
	switch {
	case errors.Is(err, ErrNotFound):
		// keep timing comparable to a real verification
		s.hasher.Verify(password, s.dummyHash)
		s.obs.ObserveLogin(metrics.OutcomeFailure)
		return LoginResult{}, errs.ErrInvalidCredentials
	case err != nil:
		s.obs.ObserveLogin(metrics.OutcomeError)
		return LoginResult{}, errs.Store(err)
	}

	if !s.hasher.Verify(password, u.PasswordHash) {
		s.obs.ObserveLogin(metrics.OutcomeFailure)
		return LoginResult{}, errs.ErrInvalidCredentials
	}

	tok, err := s.tokens.Issue(u.ID, u.Role)
	if err != nil {
		s.obs.ObserveLogin(metrics.OutcomeError)
		return LoginResult{}, errs.Internal("issue token", err)
	}
	s.obs.ObserveLogin(metrics.OutcomeSuccess)
	return LoginResult{UserID: u.ID, Token: tok.Value, Role: u.Role, ExpiresAt: tok.ExpiresAt}, nil
}

// MarkAttendance records that the authenticated caller scanned codeData. A
// second mark for the same code on the same calendar day fails with
// AlreadyMarked and writes nothing.
func (s *Service) MarkAttendance(ctx context.Context, codeData string) (Record, error) {
	id, ok := auth.IdentityFrom(ctx)
	if !ok {
		return Record{}, errs.ErrUnauthenticated
	}
	if codeData == "" {
		return Record{}, errs.Validation("code data is required")
	}

	now := s.clock.Now()
	startOfDay := clock.StartOfDay(now, s.loc)

	if _, err := s.ledger.FindSince(ctx, id.UserID, codeData, startOfDay); err == nil {
		s.obs.ObserveMark(metrics.OutcomeAlreadyMarked)
		return Record{}, errs.ErrAlreadyMarked
	} else if !errors.Is(err, ErrNotFound) {
		s.obs.ObserveMark(metrics.OutcomeError)
		return Record{}, errs.Store(err)
	}

	rec := Record{
		ID:        uuid.NewString(),
		StudentID: id.UserID,
		CodeData:  codeData,
		Timestamp: now,
		Day:       startOfDay.Format(time.DateOnly),
	}
	if err := s.ledger.InsertRecord(ctx, rec); err != nil {
		if errors.Is(err, ErrDuplicate) {
			s.obs.ObserveMark(metrics.OutcomeAlreadyMarked)
			return Record{}, errs.ErrAlreadyMarked
		}
		s.obs.ObserveMark(metrics.OutcomeError)
		return Record{}, errs.Store(err)
	}
	s.obs.ObserveMark(metrics.OutcomeRecorded)
	s.publishMarked(ctx, rec)
	return rec, nil
}

// publishMarked is best effort: the record is already durable.
func (s *Service) publishMarked(ctx context.Context, rec Record) {
	if s.events == nil {
		return
	}
	msg, err := queue.NewMessage(queue.TypeAttendanceMarked, queue.AttendanceMarked{
		RecordID:  rec.ID,
		StudentID: rec.StudentID,
		CodeData:  rec.CodeData,
		Day:       rec.Day,
		Timestamp: rec.Timestamp,
	})
	if err == nil {
		err = s.events.Publish(ctx, msg)
	}
	if err != nil {
		s.log.Printf("warning: publish %s for record %s: %v", queue.TypeAttendanceMarked, rec.ID, err)
	}
}

// History returns a student's records, most recent first. Students may read
// only their own history; admins may read anyone's.
func (s *Service) History(ctx context.Context, studentID string) ([]Record, error) {
	id, ok := auth.IdentityFrom(ctx)
	if !ok {
		return nil, errs.ErrUnauthenticated
	}
	if studentID == "" {
		return nil, errs.Validation("student id is required")
	}
	if studentID != id.UserID && !id.IsAdmin() {
		return nil, errs.ErrForbidden
	}
	recs, err := s.ledger.ListByStudent(ctx, studentID)
	if errors.Is(err, ErrNotFound) {
		// an id the store cannot even parse owns no records
		return []Record{}, nil
	}
	if err != nil {
		return nil, errs.Store(err)
	}
	return recs, nil
}

// Me returns the account behind the caller's token.
func (s *Service) Me(ctx context.Context) (UserSummary, error) {
	id, ok := auth.IdentityFrom(ctx)
	if !ok {
		return UserSummary{}, errs.ErrUnauthenticated
	}
	u, err := s.users.UserByID(ctx, id.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return UserSummary{}, errs.ErrUnauthenticated
		}
		return UserSummary{}, errs.Store(err)
	}
	return u.Summary(), nil
}
