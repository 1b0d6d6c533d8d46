package order

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"courierhub/internal/types"
)

// StoreIntegrationTestSuite exercises the PostgreSQL store against a throwaway container.
type StoreIntegrationTestSuite struct {
	suite.Suite
	container *postgres.PostgresContainer
	db        *pgxpool.Pool
	store     *Store
}

func (s *StoreIntegrationTestSuite) SetupSuite() {
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("courierhub"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	s.Require().NoError(err)
	s.container = container

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	s.Require().NoError(err)

	db, err := pgxpool.New(ctx, connStr)
	s.Require().NoError(err)
	s.db = db
	s.Require().NoError(applyMigration(ctx, db))
}

func (s *StoreIntegrationTestSuite) SetupTest() {
	_, err := s.db.Exec(context.Background(), "TRUNCATE TABLE order_state_events, orders")
	s.Require().NoError(err)
	s.store = NewStore(s.db)
}

func (s *StoreIntegrationTestSuite) TearDownSuite() {
	if s.db != nil {
		s.db.Close()
	}
	if s.container != nil {
		s.Require().NoError(s.container.Terminate(context.Background()))
	}
}

func (s *StoreIntegrationTestSuite) TestInsertAndGetRoundTrip() {
	ctx := context.Background()
	o := s.newOrder("o1", "ORD-AAAA1111")
	s.Require().NoError(s.store.Insert(ctx, o))

	got, err := s.store.Get(ctx, "o1")
	s.Require().NoError(err)
	s.Equal(o.Number, got.Number)
	s.Equal(StatusPending, got.Status)
	s.Equal(o.Items, got.Items)
	s.Equal(o.Total, got.Total)
	s.Equal(int64(389), got.CourierFee.Amount)
	s.Require().NotNil(got.Dropoff)
	s.InDelta(25.04, got.Dropoff.Lat, 1e-9)
	s.Nil(got.CourierID)
}

func (s *StoreIntegrationTestSuite) TestGetMissing() {
	_, err := s.store.Get(context.Background(), "nope")
	s.ErrorIs(err, ErrNotFound)
}

func (s *StoreIntegrationTestSuite) TestDuplicateNumber() {
	ctx := context.Background()
	s.Require().NoError(s.store.Insert(ctx, s.newOrder("o1", "ORD-SAME0000")))
	err := s.store.Insert(ctx, s.newOrder("o2", "ORD-SAME0000"))
	s.ErrorIs(err, ErrDuplicateNumber)
}

func (s *StoreIntegrationTestSuite) TestConditionalUpdatePredicate() {
	ctx := context.Background()
	o := s.newOrder("o1", "ORD-CAS00001")
	o.Status = StatusReadyForPickup
	s.Require().NoError(s.store.Insert(ctx, o))

	courier := types.ID("c1")
	now := time.Now().UTC().Truncate(time.Microsecond)
	expect := Expect{Statuses: []Status{StatusReadyForPickup}, CourierUnset: true}
	patch := Patch{Status: StatusAssigned, CourierID: &courier, AssignedAt: &now}

	got, ok, err := s.store.ConditionalUpdate(ctx, "o1", expect, patch)
	s.Require().NoError(err)
	s.Require().True(ok)
	s.Equal(StatusAssigned, got.Status)
	s.Equal(1, got.StatusVersion)
	s.Require().NotNil(got.CourierID)
	s.Equal(courier, *got.CourierID)
	s.Require().NotNil(got.AssignedAt)
	s.True(now.Equal(*got.AssignedAt))

	other := types.ID("c2")
	_, ok, err = s.store.ConditionalUpdate(ctx, "o1", expect, Patch{Status: StatusAssigned, CourierID: &other, AssignedAt: &now})
	s.Require().NoError(err)
	s.False(ok, "second claim must not match the predicate")

	_, ok, err = s.store.ConditionalUpdate(ctx, "missing", Expect{}, Patch{Status: StatusCancelled})
	s.Require().NoError(err)
	s.False(ok)
}

func (s *StoreIntegrationTestSuite) TestCancelClearsCourierAndKeepsFirstStamp() {
	ctx := context.Background()
	o := s.newOrder("o1", "ORD-CANCEL01")
	courier := types.ID("c1")
	first := time.Now().UTC().Add(-time.Minute).Truncate(time.Microsecond)
	o.Status = StatusAssigned
	o.CourierID = &courier
	o.AssignedAt = &first
	s.Require().NoError(s.store.Insert(ctx, o))

	reason := "restaurant closed"
	later := first.Add(time.Hour)
	got, ok, err := s.store.ConditionalUpdate(ctx, "o1",
		Expect{Statuses: []Status{StatusAssigned}, CourierIs: &courier},
		Patch{Status: StatusCancelled, ClearCourier: true, CancelReason: &reason, CancelledAt: &later, AssignedAt: &later},
	)
	s.Require().NoError(err)
	s.Require().True(ok)
	s.Nil(got.CourierID)
	s.Require().NotNil(got.CancelReason)
	s.Equal(reason, *got.CancelReason)
	s.True(first.Equal(*got.AssignedAt), "existing stamps are never overwritten")
}

func (s *StoreIntegrationTestSuite) TestScanFilters() {
	ctx := context.Background()
	a := s.newOrder("o1", "ORD-SCAN0001")
	a.Status = StatusReadyForPickup
	b := s.newOrder("o2", "ORD-SCAN0002")
	b.RestaurantID = "rest_2"
	s.Require().NoError(s.store.Insert(ctx, a))
	s.Require().NoError(s.store.Insert(ctx, b))

	ready, err := s.store.Scan(ctx, Filter{Statuses: []Status{StatusReadyForPickup}, CourierUnset: true})
	s.Require().NoError(err)
	s.Require().Len(ready, 1)
	s.Equal(types.ID("o1"), ready[0].ID)

	byRestaurant, err := s.store.Scan(ctx, Filter{RestaurantID: "rest_2", Limit: 10})
	s.Require().NoError(err)
	s.Require().Len(byRestaurant, 1)
	s.Equal(types.ID("o2"), byRestaurant[0].ID)
}

func (s *StoreIntegrationTestSuite) TestEventsAppendInOrder() {
	ctx := context.Background()
	s.Require().NoError(s.store.Insert(ctx, s.newOrder("o1", "ORD-EVT00001")))
	actor := types.ID("rest_1")
	for _, to := range []Status{StatusPending, StatusConfirmed} {
		s.Require().NoError(s.store.AppendEvent(ctx, &Event{
			OrderID: "o1", FromStatus: StatusNone, ToStatus: to, ActorRole: RoleRestaurant, ActorID: &actor, CreatedAt: time.Now(),
		}))
	}
	events, err := s.store.Events(ctx, "o1")
	s.Require().NoError(err)
	s.Require().Len(events, 2)
	s.Equal(StatusConfirmed, events[1].ToStatus)
	s.Require().NotNil(events[1].ActorID)
	s.Equal(actor, *events[1].ActorID)
}

func (s *StoreIntegrationTestSuite) newOrder(id types.ID, number string) *Order {
	return &Order{
		ID:              id,
		Number:          number,
		Status:          StatusPending,
		CustomerID:      "cust_1",
		RestaurantID:    "rest_1",
		Items:           []Item{{Name: "ramen", UnitPrice: 1250, Quantity: 2}, {Name: "gyoza", UnitPrice: 99, Quantity: 1}},
		Total:           types.Money{Amount: 2599, Currency: "USD"},
		CourierFee:      types.Money{Amount: 389, Currency: "USD"},
		Pickup:          types.Point{Lat: 25.033, Lng: 121.565},
		DeliveryAddress: "1 Main St",
		Dropoff:         &types.Point{Lat: 25.04, Lng: 121.55},
		PaymentMethod:   "cash",
		PaymentStatus:   PaymentPending,
		CreatedAt:       time.Now().UTC(),
	}
}

func TestStoreIntegrationTestSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed store tests in -short mode")
	}
	suite.Run(t, new(StoreIntegrationTestSuite))
}
