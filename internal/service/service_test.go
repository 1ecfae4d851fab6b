package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/shopcore-system/internal/ledger"
	"github.com/mmeshcher/shopcore-system/internal/model"
	"github.com/mmeshcher/shopcore-system/internal/ordernum"
)

type stubRepo struct {
	mu sync.Mutex

	createUserID  int64
	createUserErr error

	getUser    *model.User
	getUserErr error

	order           *model.Order
	orderErr        error
	lastAmountCents int64

	coupon    *model.Coupon
	couponErr error

	events []model.EventType

	insertEventErr error

	deadLetters []model.Event
	requeueErr  error
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error) {
	return s.createUserID, s.createUserErr
}

func (s *stubRepo) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	return s.getUser, s.getUserErr
}

func (s *stubRepo) CreateOrder(ctx context.Context, userID int64, amountCents int64, date time.Time) (*model.Order, error) {
	s.mu.Lock()
	s.lastAmountCents = amountCents
	s.mu.Unlock()
	return s.order, s.orderErr
}

func (s *stubRepo) UpdateOrderStatus(ctx context.Context, userID int64, number string, target model.OrderStatus) (*model.Order, error) {
	return s.order, s.orderErr
}

func (s *stubRepo) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	return nil, nil
}

func (s *stubRepo) CreateCoupon(ctx context.Context, name string, quota int64, startAt, endAt time.Time) (*model.Coupon, error) {
	return s.coupon, s.couponErr
}

func (s *stubRepo) GetCoupon(ctx context.Context, couponID int64) (*model.Coupon, error) {
	return s.coupon, s.couponErr
}

func (s *stubRepo) GetActiveCoupons(ctx context.Context, now time.Time) ([]model.Coupon, error) {
	return nil, nil
}

func (s *stubRepo) GetUserCoupons(ctx context.Context, userID int64) ([]model.UserCoupon, error) {
	return nil, nil
}

func (s *stubRepo) InsertEvent(ctx context.Context, eventType model.EventType, entityID int64, payload any) error {
	if s.insertEventErr != nil {
		return s.insertEventErr
	}
	s.mu.Lock()
	s.events = append(s.events, eventType)
	s.mu.Unlock()
	return nil
}

func (s *stubRepo) GetDeadLetters(ctx context.Context, limit int) ([]model.Event, error) {
	return s.deadLetters, nil
}

func (s *stubRepo) RequeueDeadLetter(ctx context.Context, eventID string) error {
	return s.requeueErr
}

func (s *stubRepo) emittedEvents() []model.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.EventType(nil), s.events...)
}

// memLedger повторяет семантику Lua-скрипта в памяти: проверка членства,
// проверка квоты и добавление выполняются под одним мьютексом.
type memLedger struct {
	mu      sync.Mutex
	granted map[int64]map[int64]int64
}

func newMemLedger() *memLedger {
	return &memLedger{granted: make(map[int64]map[int64]int64)}
}

func (l *memLedger) TryClaim(ctx context.Context, couponID, userID, quota int64) (*model.IssueResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	users := l.granted[couponID]
	if users == nil {
		users = make(map[int64]int64)
		l.granted[couponID] = users
	}

	if _, ok := users[userID]; ok {
		return nil, ledger.ErrAlreadyIssued
	}
	if int64(len(users)) >= quota {
		return nil, ledger.ErrQuotaExhausted
	}

	rank := int64(len(users)) + 1
	users[userID] = rank
	return &model.IssueResult{Rank: rank, IssuedCount: rank}, nil
}

func (l *memLedger) Reset(ctx context.Context, couponID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.granted, couponID)
	return nil
}

func activeCoupon(quota int64) *model.Coupon {
	now := time.Now()
	return &model.Coupon{
		ID:           1,
		Name:         "welcome",
		Quota:        quota,
		IssueStartAt: now.Add(-time.Hour),
		IssueEndAt:   now.Add(time.Hour),
	}
}

func newTestService(repo Repository, ldg Ledger) *Service {
	return NewService(repo, ldg, zap.NewNop())
}

func TestHashPasswordDeterministic(t *testing.T) {
	a := hashPassword("user", "pass")
	b := hashPassword("user", "pass")
	c := hashPassword("user", "other")

	if string(a) != string(b) {
		t.Fatalf("hashPassword must be deterministic, got %x and %x", a, b)
	}
	if string(a) == string(c) {
		t.Fatalf("different passwords must produce different hashes")
	}
}

func TestCreateOrderValidation(t *testing.T) {
	svc := newTestService(&stubRepo{}, newMemLedger())

	if _, err := svc.CreateOrder(context.Background(), 1, -10); err == nil {
		t.Fatalf("expected error for negative amount")
	}
	if _, err := svc.CreateOrder(context.Background(), 1, 0); err == nil {
		t.Fatalf("expected error for zero amount")
	}
}

func TestCreateOrderRoundsAmountToCents(t *testing.T) {
	tests := []struct {
		amount float64
		cents  int64
	}{
		{0.29, 29},
		{19.99, 1999},
		{3.33, 333},
	}

	for _, tt := range tests {
		repo := &stubRepo{order: &model.Order{Number: "ORD-20251120-000001"}}
		svc := newTestService(repo, newMemLedger())

		if _, err := svc.CreateOrder(context.Background(), 1, tt.amount); err != nil {
			t.Fatalf("CreateOrder(%v): %v", tt.amount, err)
		}
		if repo.lastAmountCents != tt.cents {
			t.Errorf("amount %v stored as %d cents, want %d", tt.amount, repo.lastAmountCents, tt.cents)
		}
	}
}

func TestIssueCouponGranted(t *testing.T) {
	repo := &stubRepo{coupon: activeCoupon(10)}
	svc := newTestService(repo, newMemLedger())

	res, err := svc.IssueCoupon(context.Background(), 42, 1)
	if err != nil {
		t.Fatalf("IssueCoupon: %v", err)
	}
	if res.Rank != 1 || res.IssuedCount != 1 {
		t.Errorf("result = %+v, want rank 1, issued 1", res)
	}

	events := repo.emittedEvents()
	if len(events) != 1 || events[0] != model.EventCouponIssued {
		t.Errorf("emitted events = %v, want one COUPON_ISSUED", events)
	}
}

func TestIssueCouponOutsideWindow(t *testing.T) {
	now := time.Now()
	repo := &stubRepo{coupon: &model.Coupon{
		ID:           1,
		Quota:        10,
		IssueStartAt: now.Add(-2 * time.Hour),
		IssueEndAt:   now.Add(-time.Hour),
	}}
	svc := newTestService(repo, newMemLedger())

	_, err := svc.IssueCoupon(context.Background(), 42, 1)
	if !errors.Is(err, ErrCouponNotActive) {
		t.Fatalf("expected ErrCouponNotActive, got %v", err)
	}
	if len(repo.emittedEvents()) != 0 {
		t.Errorf("rejected claim must not emit events")
	}
}

func TestIssueCouponDuplicateUser(t *testing.T) {
	repo := &stubRepo{coupon: activeCoupon(10)}
	svc := newTestService(repo, newMemLedger())

	if _, err := svc.IssueCoupon(context.Background(), 42, 1); err != nil {
		t.Fatalf("first claim: %v", err)
	}

	_, err := svc.IssueCoupon(context.Background(), 42, 1)
	if !errors.Is(err, ledger.ErrAlreadyIssued) {
		t.Fatalf("expected ErrAlreadyIssued, got %v", err)
	}

	if got := len(repo.emittedEvents()); got != 1 {
		t.Errorf("emitted %d events, want 1", got)
	}
}

func TestIssueCouponQuotaUnderContention(t *testing.T) {
	const (
		quota = 100
		users = 250
	)

	repo := &stubRepo{coupon: activeCoupon(quota)}
	svc := newTestService(repo, newMemLedger())

	var (
		mu        sync.Mutex
		ranks     = make(map[int64]bool)
		exhausted int
	)

	var wg sync.WaitGroup
	for u := int64(1); u <= users; u++ {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()

			res, err := svc.IssueCoupon(context.Background(), userID, 1)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				if ranks[res.Rank] {
					t.Errorf("duplicate rank %d", res.Rank)
				}
				ranks[res.Rank] = true
			case errors.Is(err, ledger.ErrQuotaExhausted):
				exhausted++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(u)
	}
	wg.Wait()

	if len(ranks) != quota {
		t.Fatalf("granted %d claims, want exactly %d", len(ranks), quota)
	}
	for r := int64(1); r <= quota; r++ {
		if !ranks[r] {
			t.Errorf("rank %d missing, ranks must cover 1..%d without gaps", r, quota)
		}
	}
	if exhausted != users-quota {
		t.Errorf("quota exhausted for %d users, want %d", exhausted, users-quota)
	}
	if got := len(repo.emittedEvents()); got != quota {
		t.Errorf("emitted %d events, want %d", got, quota)
	}
}

// memSequenceRepo повторяет протокол счётчика номеров в памяти: чтение,
// инкремент и выдача номера выполняются под одним мьютексом, как под
// эксклюзивной блокировкой строки даты.
type memSequenceRepo struct {
	stubRepo

	seqMu     sync.Mutex
	sequences map[string]int64
}

func newMemSequenceRepo() *memSequenceRepo {
	return &memSequenceRepo{sequences: make(map[string]int64)}
}

func (s *memSequenceRepo) CreateOrder(ctx context.Context, userID int64, amountCents int64, date time.Time) (*model.Order, error) {
	s.seqMu.Lock()
	day := date.Format("2006-01-02")
	s.sequences[day]++
	seq := s.sequences[day]
	s.seqMu.Unlock()

	return &model.Order{
		ID:        seq,
		Number:    ordernum.Format(date, seq),
		UserID:    userID,
		Amount:    float64(amountCents) / 100,
		Status:    model.OrderStatusNew,
		CreatedAt: time.Now(),
	}, nil
}

func TestCreateOrderNumbersUnderContention(t *testing.T) {
	const orders = 200

	repo := newMemSequenceRepo()
	svc := newTestService(repo, newMemLedger())

	var (
		mu      sync.Mutex
		numbers []string
	)

	var wg sync.WaitGroup
	for u := int64(1); u <= orders; u++ {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()

			order, err := svc.CreateOrder(context.Background(), userID, 10.50)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				t.Errorf("CreateOrder: %v", err)
				return
			}
			numbers = append(numbers, order.Number)
		}(u)
	}
	wg.Wait()

	if len(numbers) != orders {
		t.Fatalf("created %d orders, want %d", len(numbers), orders)
	}

	// Номера покрывают 1..orders без пропусков и повторов.
	seqs := make(map[int64]bool)
	for _, n := range numbers {
		_, seq, err := ordernum.Parse(n)
		if err != nil {
			t.Fatalf("Parse(%q): %v", n, err)
		}
		if seqs[seq] {
			t.Errorf("duplicate sequence %d in %q", seq, n)
		}
		seqs[seq] = true
	}
	for s := int64(1); s <= orders; s++ {
		if !seqs[s] {
			t.Errorf("sequence %d missing, numbers must cover 1..%d without gaps", s, orders)
		}
	}
}

func TestCreateOrderSequencesIsolatedPerDate(t *testing.T) {
	repo := newMemSequenceRepo()
	svc := newTestService(repo, newMemLedger())

	day1 := time.Date(2025, 11, 20, 10, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)

	svc.now = func() time.Time { return day1 }
	first, err := svc.CreateOrder(context.Background(), 1, 5)
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	svc.now = func() time.Time { return day2 }
	second, err := svc.CreateOrder(context.Background(), 1, 5)
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	if first.Number != "ORD-20251120-000001" {
		t.Errorf("first number = %q", first.Number)
	}
	// Новая дата начинает счёт заново.
	if second.Number != "ORD-20251121-000001" {
		t.Errorf("second number = %q", second.Number)
	}
}

func TestIssueCouponSameUserRace(t *testing.T) {
	repo := &stubRepo{coupon: activeCoupon(100)}
	svc := newTestService(repo, newMemLedger())

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.IssueCoupon(context.Background(), 42, 1); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if granted != 1 {
		t.Fatalf("user granted %d times, want exactly 1", granted)
	}
}

func TestIssueCouponEmitFailureDoesNotRejectGrant(t *testing.T) {
	repo := &stubRepo{
		coupon:         activeCoupon(10),
		insertEventErr: errors.New("outbox unavailable"),
	}
	svc := newTestService(repo, newMemLedger())

	// Выдача окончательна после захвата слота в ledger-е;
	// сбой эмиссии события не отменяет её.
	res, err := svc.IssueCoupon(context.Background(), 42, 1)
	if err != nil {
		t.Fatalf("IssueCoupon: %v", err)
	}
	if res.Rank != 1 {
		t.Errorf("rank = %d, want 1", res.Rank)
	}
}

func TestConfigureCouponValidation(t *testing.T) {
	svc := newTestService(&stubRepo{}, newMemLedger())
	now := time.Now()

	if _, err := svc.ConfigureCoupon(context.Background(), "x", 0, now, now.Add(time.Hour)); err == nil {
		t.Fatalf("expected error for zero quota")
	}
	if _, err := svc.ConfigureCoupon(context.Background(), "x", 10, now, now); err == nil {
		t.Fatalf("expected error for empty window")
	}
}

func TestConfigureCouponResetsLedger(t *testing.T) {
	ldg := newMemLedger()
	ldg.granted[1] = map[int64]int64{99: 1}

	repo := &stubRepo{coupon: activeCoupon(10)}
	svc := newTestService(repo, ldg)

	if _, err := svc.ConfigureCoupon(context.Background(), "welcome", 10, time.Now(), time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("ConfigureCoupon: %v", err)
	}

	if _, ok := ldg.granted[1]; ok {
		t.Errorf("ledger must be reset for new campaign")
	}
}
