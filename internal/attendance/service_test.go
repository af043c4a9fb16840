package attendance

import (
	"bytes"
	"context"
	"errors"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"uniscan/internal/auth"
	"uniscan/internal/clock"
	"uniscan/internal/errs"
	"uniscan/internal/metrics"
	"uniscan/internal/queue"
)

var monday = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

type countingObserver struct {
	mu     sync.Mutex
	logins map[string]int
	marks  map[string]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{logins: map[string]int{}, marks: map[string]int{}}
}

func (o *countingObserver) ObserveLogin(outcome string) {
	o.mu.Lock()
	o.logins[outcome]++
	o.mu.Unlock()
}

func (o *countingObserver) ObserveMark(outcome string) {
	o.mu.Lock()
	o.marks[outcome]++
	o.mu.Unlock()
}

type fixture struct {
	svc    *Service
	repo   *MemoryRepository
	clock  *clock.Fake
	tokens *auth.TokenService
	events *queue.InMemory
	obs    *countingObserver
	logs   *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:   NewMemoryRepository(),
		clock:  clock.NewFake(monday),
		events: queue.NewInMemory(64),
		obs:    newCountingObserver(),
		logs:   &bytes.Buffer{},
	}
	f.tokens = auth.NewTokenService("test-key", "uniscan-test", auth.DefaultTokenTTL, f.clock)
	f.svc = NewService(Deps{
		Users:    f.repo,
		Ledger:   f.repo,
		Hasher:   auth.NewBcryptHasher(bcrypt.MinCost),
		Tokens:   f.tokens,
		Clock:    f.clock,
		Location: time.UTC,
		Events:   f.events,
		Observer: f.obs,
		Logger:   log.New(f.logs, "", 0),
	})
	return f
}

// as logs in and returns a context carrying the verified identity, the way
// the auth gate would.
func (f *fixture) as(t *testing.T, username, password string) context.Context {
	t.Helper()
	res, err := f.svc.Login(context.Background(), username, password)
	require.NoError(t, err)
	id, err := f.tokens.Verify(res.Token)
	require.NoError(t, err)
	return auth.WithIdentity(context.Background(), id)
}

func (f *fixture) register(t *testing.T, username, password, role string) UserSummary {
	t.Helper()
	u, err := f.svc.Register(context.Background(), username, password, role)
	require.NoError(t, err)
	return u
}

func TestRegisterThenLoginRoundTripsRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, tc := range []struct {
		username, role string
		want           auth.Role
	}{
		{"alice", "student", auth.RoleStudent},
		{"bob", "", auth.RoleStudent},
		{"carol", "admin", auth.RoleAdmin},
	} {
		t.Run(tc.username, func(t *testing.T) {
			u, err := f.svc.Register(ctx, tc.username, "p@ss1", tc.role)
			require.NoError(t, err)
			assert.NotEmpty(t, u.ID)
			assert.Equal(t, tc.want, u.Role)

			res, err := f.svc.Login(ctx, tc.username, "p@ss1")
			require.NoError(t, err)
			assert.Equal(t, tc.want, res.Role)
			assert.Equal(t, u.ID, res.UserID)
			assert.Equal(t, monday.Add(24*time.Hour), res.ExpiresAt)

			id, err := f.tokens.Verify(res.Token)
			require.NoError(t, err)
			assert.Equal(t, auth.Identity{UserID: u.ID, Role: tc.want}, id)
		})
	}
}

func TestRegisterStoresHashNotPlaintext(t *testing.T) {
	f := newFixture(t)
	u := f.register(t, "alice", "p@ss1", "student")

	stored, err := f.repo.UserByID(context.Background(), u.ID)
	require.NoError(t, err)
	assert.NotEqual(t, "p@ss1", stored.PasswordHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored.PasswordHash), []byte("p@ss1")))
	assert.NotContains(t, f.logs.String(), "p@ss1")
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t)
	long := string(bytes.Repeat([]byte("a"), 73))

	tests := []struct {
		name               string
		username, password string
		role               string
	}{
		{"empty username", "", "pw", "student"},
		{"blank username", "   ", "pw", "student"},
		{"empty password", "dave", "", "student"},
		{"password too long", "dave", long, "student"},
		{"unknown role", "dave", "pw", "lecturer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Register(context.Background(), tt.username, tt.password, tt.role)
			assert.Equal(t, errs.KindValidation, errs.KindOf(err))
		})
	}
}

func TestRegisterDuplicateUsername(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice", "p@ss1", "student")

	_, err := f.svc.Register(context.Background(), "alice", "other", "admin")
	assert.ErrorIs(t, err, errs.ErrDuplicateUsername)

	_, err = f.svc.Register(context.Background(), "  alice ", "other", "student")
	assert.ErrorIs(t, err, errs.ErrDuplicateUsername, "username is trimmed")
}

// racingUsers hides existing users from the lookup so Register reaches the
// insert and must rely on the store's uniqueness check.
type racingUsers struct{ *MemoryRepository }

func (racingUsers) UserByUsername(context.Context, string) (User, error) {
	return User{}, ErrNotFound
}

func TestRegisterTranslatesInsertConflict(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice", "p@ss1", "student")

	svc := NewService(Deps{
		Users:  racingUsers{f.repo},
		Ledger: f.repo,
		Hasher: auth.NewBcryptHasher(bcrypt.MinCost),
		Tokens: f.tokens,
		Clock:  f.clock,
	})
	_, err := svc.Register(context.Background(), "alice", "p@ss1", "student")
	assert.ErrorIs(t, err, errs.ErrDuplicateUsername)
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice", "p@ss1", "student")

	_, wrongPassword := f.svc.Login(context.Background(), "alice", "nope")
	_, unknownUser := f.svc.Login(context.Background(), "mallory", "p@ss1")

	require.Error(t, wrongPassword)
	require.Error(t, unknownUser)
	assert.ErrorIs(t, wrongPassword, errs.ErrInvalidCredentials)
	assert.ErrorIs(t, unknownUser, errs.ErrInvalidCredentials)
	assert.Equal(t, wrongPassword.Error(), unknownUser.Error())
	assert.Equal(t, 2, f.obs.logins[metrics.OutcomeFailure])
}

type countingHasher struct {
	auth.Hasher
	hashes, verifies int
}

func (h *countingHasher) Hash(p string) (string, error) {
	h.hashes++
	return h.Hasher.Hash(p)
}

func (h *countingHasher) Verify(p, hash string) bool {
	h.verifies++
	return h.Hasher.Verify(p, hash)
}

func TestLoginUnknownUserOnlyVerifies(t *testing.T) {
	f := newFixture(t)
	h := &countingHasher{Hasher: auth.NewBcryptHasher(bcrypt.MinCost)}
	svc := NewService(Deps{Users: f.repo, Ledger: f.repo, Hasher: h, Tokens: f.tokens, Clock: f.clock})
	require.Equal(t, 1, h.hashes)

	for i := 0; i < 2; i++ {
		_, err := svc.Login(context.Background(), "mallory", "p@ss1")
		assert.ErrorIs(t, err, errs.ErrInvalidCredentials)
	}
	assert.Equal(t, 1, h.hashes)
	assert.Equal(t, 2, h.verifies)
}

func TestMarkAttendanceOncePerDay(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice", "p@ss1", "student")
	ctx := f.as(t, "alice", "p@ss1")

	first, err := f.svc.MarkAttendance(ctx, "EVENT42")
	require.NoError(t, err)
	assert.Equal(t, "2024-03-04", first.Day)
	assert.Equal(t, monday, first.Timestamp)

	f.clock.Advance(3 * time.Hour)
	_, err = f.svc.MarkAttendance(ctx, "EVENT42")
	assert.ErrorIs(t, err, errs.ErrAlreadyMarked)

	// a different code on the same day is independent
	_, err = f.svc.MarkAttendance(ctx, "EVENT43")
	require.NoError(t, err)

	recs, err := f.repo.ListByStudent(context.Background(), first.StudentID)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
	assert.Equal(t, 2, f.obs.marks[metrics.OutcomeRecorded])
	assert.Equal(t, 1, f.obs.marks[metrics.OutcomeAlreadyMarked])
}

func TestMarkAttendanceAcrossMidnight(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice", "p@ss1", "student")
	ctx := f.as(t, "alice", "p@ss1")

	f.clock.Set(time.Date(2024, 3, 4, 23, 59, 59, 0, time.UTC))
	_, err := f.svc.MarkAttendance(ctx, "EVENT42")
	require.NoError(t, err)

	f.clock.Set(time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC))
	second, err := f.svc.MarkAttendance(ctx, "EVENT42")
	require.NoError(t, err)
	assert.Equal(t, "2024-03-05", second.Day)

	recs, err := f.svc.History(ctx, second.StudentID)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestMarkAttendanceUsesConfiguredLocation(t *testing.T) {
	f := newFixture(t)
	jakarta := time.FixedZone("UTC+7", 7*60*60)
	f.svc.loc = jakarta
	f.register(t, "alice", "p@ss1", "student")
	ctx := f.as(t, "alice", "p@ss1")

	// 16:30 UTC on the 4th is already 23:30 on the 4th in UTC+7,
	// 17:30 UTC is 00:30 on the 5th.
	f.clock.Set(time.Date(2024, 3, 4, 16, 30, 0, 0, time.UTC))
	_, err := f.svc.MarkAttendance(ctx, "EVENT42")
	require.NoError(t, err)

	f.clock.Set(time.Date(2024, 3, 4, 17, 30, 0, 0, time.UTC))
	rec, err := f.svc.MarkAttendance(ctx, "EVENT42")
	require.NoError(t, err)
	assert.Equal(t, "2024-03-05", rec.Day)
}

func TestMarkAttendanceRequiresIdentityAndCode(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.MarkAttendance(context.Background(), "EVENT42")
	assert.ErrorIs(t, err, errs.ErrUnauthenticated)

	f.register(t, "alice", "p@ss1", "student")
	ctx := f.as(t, "alice", "p@ss1")
	_, err = f.svc.MarkAttendance(ctx, "")
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))

	// whitespace is a legitimate payload and is stored untouched
	rec, err := f.svc.MarkAttendance(ctx, " ")
	require.NoError(t, err)
	assert.Equal(t, " ", rec.CodeData)
}

func TestMarkAttendanceConcurrent(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice", "p@ss1", "student")
	ctx := f.as(t, "alice", "p@ss1")

	const n = 32
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		already int
		other   []error
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.svc.MarkAttendance(ctx, "EVENT42")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, errs.ErrAlreadyMarked):
				already++
			default:
				other = append(other, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Empty(t, other)
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, already)

	id, _ := auth.IdentityFrom(ctx)
	recs, err := f.repo.ListByStudent(context.Background(), id.UserID)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

// racingLedger never sees prior records, so only the insert constraint can
// reject the duplicate.
type racingLedger struct{ *MemoryRepository }

func (racingLedger) FindSince(context.Context, string, string, time.Time) (Record, error) {
	return Record{}, ErrNotFound
}

func TestMarkAttendanceTranslatesInsertConflict(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice", "p@ss1", "student")
	ctx := f.as(t, "alice", "p@ss1")
	f.svc.ledger = racingLedger{f.repo}

	_, err := f.svc.MarkAttendance(ctx, "EVENT42")
	require.NoError(t, err)
	_, err = f.svc.MarkAttendance(ctx, "EVENT42")
	assert.ErrorIs(t, err, errs.ErrAlreadyMarked)
}

type brokenLedger struct{}

var errConnRefused = errors.New("dial tcp: connection refused")

func (brokenLedger) InsertRecord(context.Context, Record) error { return errConnRefused }
func (brokenLedger) FindSince(context.Context, string, string, time.Time) (Record, error) {
	return Record{}, errConnRefused
}
func (brokenLedger) ListByStudent(context.Context, string) ([]Record, error) {
	return nil, errConnRefused
}

func TestStoreFailuresSurfaceAsStoreUnavailable(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice", "p@ss1", "student")
	ctx := f.as(t, "alice", "p@ss1")
	f.svc.ledger = brokenLedger{}

	_, err := f.svc.MarkAttendance(ctx, "EVENT42")
	assert.Equal(t, errs.KindStoreUnavailable, errs.KindOf(err))
	assert.ErrorIs(t, err, errConnRefused)

	id, _ := auth.IdentityFrom(ctx)
	_, err = f.svc.History(ctx, id.UserID)
	assert.Equal(t, errs.KindStoreUnavailable, errs.KindOf(err))
}

func TestMarkAttendancePublishesEvent(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice", "p@ss1", "student")
	ctx := f.as(t, "alice", "p@ss1")

	rec, err := f.svc.MarkAttendance(ctx, "EVENT42")
	require.NoError(t, err)

	consumeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ch, err := f.events.Consume(consumeCtx)
	require.NoError(t, err)

	msg := <-ch
	assert.Equal(t, queue.TypeAttendanceMarked, msg.Type)
	var evt queue.AttendanceMarked
	require.NoError(t, msg.Decode(&evt))
	assert.Equal(t, rec.ID, evt.RecordID)
	assert.Equal(t, "EVENT42", evt.CodeData)
	assert.Equal(t, "2024-03-04", evt.Day)
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, queue.Message) error {
	return errors.New("redis down")
}

func TestPublishFailureDoesNotFailMark(t *testing.T) {
	f := newFixture(t)
	f.svc.events = failingPublisher{}
	f.register(t, "alice", "p@ss1", "student")
	ctx := f.as(t, "alice", "p@ss1")

	_, err := f.svc.MarkAttendance(ctx, "EVENT42")
	require.NoError(t, err)
	assert.Contains(t, f.logs.String(), "redis down")
}

func TestHistoryOrderingAndAccess(t *testing.T) {
	f := newFixture(t)
	alice := f.register(t, "alice", "p@ss1", "student")
	f.register(t, "bob", "pw", "student")
	f.register(t, "root", "pw", "admin")
	aliceCtx := f.as(t, "alice", "p@ss1")

	codes := []string{"A", "B", "C"}
	for i, code := range codes {
		f.clock.Set(monday.Add(time.Duration(i) * time.Hour))
		_, err := f.svc.MarkAttendance(aliceCtx, code)
		require.NoError(t, err)
	}

	recs, err := f.svc.History(aliceCtx, alice.ID)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for i := 1; i < len(recs); i++ {
		assert.False(t, recs[i].Timestamp.After(recs[i-1].Timestamp), "history must be newest first")
	}
	assert.Equal(t, "C", recs[0].CodeData)

	_, err = f.svc.History(f.as(t, "bob", "pw"), alice.ID)
	assert.ErrorIs(t, err, errs.ErrForbidden)

	adminView, err := f.svc.History(f.as(t, "root", "pw"), alice.ID)
	require.NoError(t, err)
	assert.Equal(t, recs, adminView)

	_, err = f.svc.History(context.Background(), alice.ID)
	assert.ErrorIs(t, err, errs.ErrUnauthenticated)

	empty, err := f.svc.History(f.as(t, "bob", "pw"), "")
	assert.Nil(t, empty)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestHistoryMalformedStudentID(t *testing.T) {
	f := newFixture(t)
	f.register(t, "root", "pw", "admin")
	adminCtx := f.as(t, "root", "pw")

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	mock.ExpectQuery("ORDER BY recorded_at DESC").
		WithArgs("not-a-uuid").
		WillReturnError(&pgconn.PgError{Code: "22P02", Message: "invalid input syntax for type uuid"})

	for name, ledger := range map[string]Ledger{
		"memory":   f.repo,
		"postgres": NewRepository(mock),
	} {
		t.Run(name, func(t *testing.T) {
			f.svc.ledger = ledger
			recs, err := f.svc.History(adminCtx, "not-a-uuid")
			require.NoError(t, err)
			assert.NotNil(t, recs)
			assert.Empty(t, recs)
		})
	}
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMe(t *testing.T) {
	f := newFixture(t)
	alice := f.register(t, "alice", "p@ss1", "student")

	me, err := f.svc.Me(f.as(t, "alice", "p@ss1"))
	require.NoError(t, err)
	assert.Equal(t, alice, me)

	ghost := auth.WithIdentity(context.Background(), auth.Identity{UserID: "gone", Role: auth.RoleStudent})
	_, err = f.svc.Me(ghost)
	assert.ErrorIs(t, err, errs.ErrUnauthenticated)
}

func TestAliceScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Register(ctx, "alice", "p@ss1", "student")
	require.NoError(t, err)

	res, err := f.svc.Login(ctx, "alice", "p@ss1")
	require.NoError(t, err)
	assert.Equal(t, auth.RoleStudent, res.Role)

	id, err := f.tokens.Verify(res.Token)
	require.NoError(t, err)
	authed := auth.WithIdentity(ctx, id)

	r1, err := f.svc.MarkAttendance(authed, "EVENT42")
	require.NoError(t, err)

	_, err = f.svc.MarkAttendance(authed, "EVENT42")
	assert.ErrorIs(t, err, errs.ErrAlreadyMarked)

	history, err := f.svc.History(authed, id.UserID)
	require.NoError(t, err)
	assert.Equal(t, []Record{r1}, history)
}
