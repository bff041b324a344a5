package position

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/amirphl/ema-trader/internal/journal"
	"github.com/amirphl/ema-trader/internal/notifier"
	"github.com/amirphl/ema-trader/internal/strategy"
)

// fakeStore is a minimal in-memory Store with the one-open-per-symbol rule.
type fakeStore struct {
	mu        sync.Mutex
	positions map[string]Position
	inserts   int
	closes    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{positions: make(map[string]Position)}
}

func (s *fakeStore) RestoreOpen(ctx context.Context, symbol string) (*Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var open []Position
	for _, p := range s.positions {
		if p.Symbol == symbol && p.Status == StatusOpen {
			open = append(open, p)
		}
	}
	if len(open) == 0 {
		return nil, nil
	}
	sort.Slice(open, func(i, j int) bool { return open[i].CreatedAt.After(open[j].CreatedAt) })
	return &open[0], nil
}

func (s *fakeStore) InsertOpen(ctx context.Context, pos Position) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.positions {
		if p.Symbol == pos.Symbol && p.Status == StatusOpen {
			return "", ErrOpenExists
		}
	}
	if err := pos.Validate(); err != nil {
		return "", err
	}
	s.positions[pos.ID] = pos
	s.inserts++
	return pos.ID, nil
}

func (s *fakeStore) CloseIfOpen(ctx context.Context, id string, exit Exit) (*Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok || p.Status != StatusOpen {
		return nil, nil
	}
	p.Status = StatusClosed
	p.Exit = &exit
	s.positions[id] = p
	s.closes++
	return &p, nil
}

func (s *fakeStore) byStatus(st Status) []Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Position
	for _, p := range s.positions {
		if p.Status == st {
			out = append(out, p)
		}
	}
	return out
}

// forceClose closes id behind the manager's back.
func (s *fakeStore) forceClose(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.positions[id]
	p.Status = StatusClosed
	p.Exit = &Exit{Price: p.EntryPrice, Time: at}
	s.positions[id] = p
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) RestoreOpen(ctx context.Context, symbol string) (*Position, error) {
	args := m.Called(ctx, symbol)
	p, _ := args.Get(0).(*Position)
	return p, args.Error(1)
}

func (m *mockStore) InsertOpen(ctx context.Context, pos Position) (string, error) {
	args := m.Called(ctx, pos)
	return args.String(0), args.Error(1)
}

func (m *mockStore) CloseIfOpen(ctx context.Context, id string, exit Exit) (*Position, error) {
	args := m.Called(ctx, id, exit)
	p, _ := args.Get(0).(*Position)
	return p, args.Error(1)
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingNotifier) Send(msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func quote(price float64, minute int) Quote {
	return Quote{Price: price, FastEMA: price + 0.1, SlowEMA: price - 0.1, Time: t0.Add(time.Duration(minute) * time.Minute)}
}

func newTestManager(store Store, opts Options) *Manager {
	opts.Logger = zerolog.Nop()
	if opts.Now == nil {
		clock := t0
		opts.Now = func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		}
	}
	return NewManager("BTCUSDT", store, opts)
}

func TestManager_TransitionTable(t *testing.T) {
	tests := []struct {
		name      string
		start     Type // "" means FLAT
		signal    strategy.Signal
		expected  State
		opens     int
		closes    int
		changedOK bool
	}{
		{"flat none", "", strategy.None, Flat, 0, 0, false},
		{"flat golden", "", strategy.Golden, StateLong, 1, 0, true},
		{"flat death", "", strategy.Death, StateShort, 1, 0, true},
		{"long none", Long, strategy.None, StateLong, 0, 0, false},
		{"long golden", Long, strategy.Golden, StateLong, 0, 0, false},
		{"long death", Long, strategy.Death, StateShort, 1, 1, true},
		{"short none", Short, strategy.None, StateShort, 0, 0, false},
		{"short death", Short, strategy.Death, StateShort, 0, 0, false},
		{"short golden", Short, strategy.Golden, StateLong, 1, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := newFakeStore()
			m := newTestManager(store, Options{})

			if tt.start != "" {
				sig := strategy.Golden
				if tt.start == Short {
					sig = strategy.Death
				}
				_, err := m.Apply(ctx, sig, quote(10, 0))
				require.NoError(t, err)
			}
			insertsBefore, closesBefore := store.inserts, store.closes

			d, err := m.Apply(ctx, tt.signal, quote(11, 1))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, m.State())
			assert.Equal(t, tt.expected, d.To)
			assert.Equal(t, tt.changedOK, d.Changed())
			assert.Equal(t, tt.opens, store.inserts-insertsBefore)
			assert.Equal(t, tt.closes, store.closes-closesBefore)
			assert.LessOrEqual(t, len(store.byStatus(StatusOpen)), 1)
		})
	}
}

func TestManager_FlipScenario(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	n := &recordingNotifier{}
	j := journal.NewMemory(0)
	m := newTestManager(store, Options{Notifier: n, Journal: j})

	require.NoError(t, m.Restore(ctx))
	assert.Equal(t, Flat, m.State())

	d, err := m.Apply(ctx, strategy.Golden, quote(12, 0))
	require.NoError(t, err)
	require.NotNil(t, d.Opened)
	assert.Equal(t, Long, d.Opened.Type)
	assert.Equal(t, 12.0, d.Opened.EntryPrice)
	assert.Equal(t, StateLong, m.State())

	d, err = m.Apply(ctx, strategy.Death, quote(9, 5))
	require.NoError(t, err)
	require.NotNil(t, d.Closed)
	require.NotNil(t, d.Closed.Exit)
	assert.Equal(t, 9.0, d.Closed.Exit.Price)
	assert.InDelta(t, -3.0, d.Closed.Exit.ProfitLoss, 1e-12)
	require.NotNil(t, d.Opened)
	assert.Equal(t, Short, d.Opened.Type)
	assert.Equal(t, 9.0, d.Opened.EntryPrice)
	assert.Equal(t, StateLong, d.From)
	assert.Equal(t, StateShort, d.To)

	cur := m.Current()
	require.NotNil(t, cur)
	assert.Equal(t, d.Opened.ID, cur.ID)

	assert.Len(t, store.byStatus(StatusClosed), 1)
	assert.Len(t, store.byStatus(StatusOpen), 1)
	assert.Len(t, n.msgs, 3)

	events, err := j.GetEvents("", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, []string{journal.TypeOpen, journal.TypeClose, journal.TypeOpen},
		[]string{events[0].Type, events[1].Type, events[2].Type})
	assert.Equal(t, -3.0, events[1].Data["profit_loss"])
}

func TestManager_ExplicitClose(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	m := newTestManager(store, Options{Qty: 2})

	d, err := m.Close(ctx, quote(10, 0))
	require.NoError(t, err)
	assert.False(t, d.Changed())

	_, err = m.Apply(ctx, strategy.Death, quote(10, 0))
	require.NoError(t, err)

	d, err = m.Close(ctx, quote(8, 1))
	require.NoError(t, err)
	require.NotNil(t, d.Closed)
	assert.InDelta(t, 4.0, d.Closed.Exit.ProfitLoss, 1e-12)
	assert.Nil(t, d.Opened)
	assert.Equal(t, Flat, m.State())
}

func TestManager_RandomSignalsNeverDoubleOpen(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	m := newTestManager(store, Options{})
	rng := rand.New(rand.NewSource(42))
	signals := []strategy.Signal{strategy.None, strategy.Golden, strategy.Death}

	for i := range 500 {
		sig := signals[rng.Intn(len(signals))]
		before := m.State()
		d, err := m.Apply(ctx, sig, quote(float64(10+rng.Intn(10)), i))
		require.NoError(t, err)

		open := store.byStatus(StatusOpen)
		require.LessOrEqual(t, len(open), 1)
		if m.State() == Flat {
			require.Empty(t, open)
		} else {
			require.Len(t, open, 1)
			require.Equal(t, m.Current().ID, open[0].ID)
		}

		// an open never happens without the previous position closed first
		if d.Opened != nil && before != Flat {
			require.NotNil(t, d.Closed)
		}
	}

	// every closed record balances exactly one open
	assert.Equal(t, store.inserts, store.closes+len(store.byStatus(StatusOpen)))
}

func TestManager_RestorePicksNewestOpen(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	// two OPEN rows can only come from a store without the unique rule
	store.positions["old"] = Position{ID: "old", Symbol: "BTCUSDT", Status: StatusOpen, Type: Long, Qty: 1, EntryPrice: 10, EntryTime: t0, CreatedAt: t0}
	store.positions["new"] = Position{ID: "new", Symbol: "BTCUSDT", Status: StatusOpen, Type: Short, Qty: 1, EntryPrice: 11, EntryTime: t0, CreatedAt: t0.Add(time.Minute)}
	store.positions["eth"] = Position{ID: "eth", Symbol: "ETHUSDT", Status: StatusOpen, Type: Long, Qty: 1, EntryPrice: 1, EntryTime: t0, CreatedAt: t0.Add(time.Hour)}

	m := newTestManager(store, Options{})
	require.NoError(t, m.Restore(ctx))
	assert.Equal(t, StateShort, m.State())
	assert.Equal(t, "new", m.Current().ID)
}

func TestManager_RestoreError(t *testing.T) {
	store := &mockStore{}
	store.On("RestoreOpen", mock.Anything, "BTCUSDT").Return(nil, errors.New("db down"))

	m := newTestManager(store, Options{})
	err := m.Restore(context.Background())
	require.Error(t, err)
	assert.Equal(t, Flat, m.State())
	store.AssertExpectations(t)
}

func TestManager_OpenFailureStaysFlat(t *testing.T) {
	store := &mockStore{}
	store.On("InsertOpen", mock.Anything, mock.AnythingOfType("position.Position")).Return("", errors.New("disk full"))

	m := newTestManager(store, Options{})
	d, err := m.Apply(context.Background(), strategy.Golden, quote(10, 0))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOpenFailed)
	assert.Equal(t, Flat, m.State())
	assert.Nil(t, d.Opened)
	store.AssertExpectations(t)
}

func TestManager_CloseFailureKeepsPosition(t *testing.T) {
	ctx := context.Background()
	store := &mockStore{}
	store.On("InsertOpen", mock.Anything, mock.AnythingOfType("position.Position")).Return("pos-1", nil).Once()
	store.On("CloseIfOpen", mock.Anything, "pos-1", mock.AnythingOfType("position.Exit")).Return(nil, errors.New("timeout"))

	m := newTestManager(store, Options{})
	_, err := m.Apply(ctx, strategy.Golden, quote(10, 0))
	require.NoError(t, err)

	d, err := m.Apply(ctx, strategy.Death, quote(9, 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCloseFailed)
	assert.Equal(t, StateLong, m.State())
	assert.Nil(t, d.Opened)
	// no second insert attempted
	store.AssertNumberOfCalls(t, "InsertOpen", 1)
}

func TestManager_CloseMissWithoutReconcile(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	n := &recordingNotifier{}
	m := newTestManager(store, Options{Notifier: n})

	d, err := m.Apply(ctx, strategy.Golden, quote(10, 0))
	require.NoError(t, err)
	store.forceClose(d.Opened.ID, t0)

	d, err = m.Apply(ctx, strategy.Death, quote(9, 1))
	require.NoError(t, err)
	assert.True(t, d.CloseMissed)
	assert.Nil(t, d.Closed)
	require.NotNil(t, d.Opened)
	assert.Equal(t, StateShort, m.State())
	assert.Len(t, store.byStatus(StatusOpen), 1)
}

func TestManager_CloseMissAdoptsStoredOpen(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	j := journal.NewMemory(0)
	m := newTestManager(store, Options{ReconcileOnCloseMiss: true, Journal: j})

	d, err := m.Apply(ctx, strategy.Golden, quote(10, 0))
	require.NoError(t, err)

	// someone else closed ours and opened a SHORT
	store.forceClose(d.Opened.ID, t0)
	foreign := Position{ID: "foreign", Symbol: "BTCUSDT", Status: StatusOpen, Type: Short, Qty: 1, EntryPrice: 9.5, EntryTime: t0, CreatedAt: t0.Add(time.Minute)}
	_, err = store.InsertOpen(ctx, foreign)
	require.NoError(t, err)

	d, err = m.Apply(ctx, strategy.Death, quote(9, 2))
	require.NoError(t, err)
	assert.True(t, d.CloseMissed)
	require.NotNil(t, d.Adopted)
	assert.Equal(t, "foreign", d.Adopted.ID)
	assert.Nil(t, d.Opened)
	assert.Equal(t, StateShort, m.State())
	assert.Len(t, store.byStatus(StatusOpen), 1)

	misses, _ := j.GetEvents(journal.TypeCloseMiss, time.Time{}, time.Time{})
	assert.Len(t, misses, 1)
	adopts, _ := j.GetEvents(journal.TypeAdopt, time.Time{}, time.Time{})
	assert.Len(t, adopts, 1)
}

func TestManager_CloseMissReconcileFindsNothing(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	m := newTestManager(store, Options{ReconcileOnCloseMiss: true})

	d, err := m.Apply(ctx, strategy.Death, quote(10, 0))
	require.NoError(t, err)
	store.forceClose(d.Opened.ID, t0)

	d, err = m.Apply(ctx, strategy.Golden, quote(11, 1))
	require.NoError(t, err)
	assert.True(t, d.CloseMissed)
	assert.Nil(t, d.Adopted)
	require.NotNil(t, d.Opened)
	assert.Equal(t, StateLong, m.State())
}

func TestManager_CurrentIsACopy(t *testing.T) {
	m := newTestManager(newFakeStore(), Options{})
	_, err := m.Apply(context.Background(), strategy.Golden, quote(10, 0))
	require.NoError(t, err)

	cur := m.Current()
	cur.EntryPrice = 999
	assert.Equal(t, 10.0, m.Current().EntryPrice)
}

// stalledNotifier never returns until released.
type stalledNotifier struct {
	release chan struct{}
}

func (s stalledNotifier) Send(string) error {
	<-s.release
	return nil
}

func TestManager_SlowNotifierDoesNotHoldDecisions(t *testing.T) {
	stalled := stalledNotifier{release: make(chan struct{})}
	async := notifier.NewAsync(stalled, notifier.DefaultQueueSize, zerolog.Nop())
	t.Cleanup(func() {
		close(stalled.release)
		_ = async.Close(context.Background())
	})

	store := newFakeStore()
	m := newTestManager(store, Options{Notifier: async})
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := m.Apply(ctx, strategy.Golden, quote(12, 0))
		assert.NoError(t, err)
		_, err = m.Apply(ctx, strategy.Death, quote(9, 1))
		assert.NoError(t, err)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Apply blocked on notification delivery")
	}
	assert.Equal(t, StateShort, m.State())
	assert.Len(t, store.byStatus(StatusClosed), 1)
}
