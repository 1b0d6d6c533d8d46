// README: Order service tests (flow, actor rules, idempotence, invariants) on the in-memory store.
package order

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"sync"
	"testing"
	"time"

	"courierhub/internal/modules/payment"
	"courierhub/internal/types"
)

const (
	testCustomer   types.ID = "cust_1"
	testRestaurant types.ID = "rest_1"
)

// TestCanTransition verifies the state machine transition table without a database.
func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		// happy-path forward transitions
		{StatusPending, StatusConfirmed, true},
		{StatusConfirmed, StatusPreparing, true},
		{StatusPreparing, StatusReadyForPickup, true},
		{StatusReadyForPickup, StatusAssigned, true},
		{StatusAssigned, StatusPickedUp, true},
		{StatusPickedUp, StatusInTransit, true},
		{StatusInTransit, StatusDelivered, true},
		// cancels from every non-terminal state
		{StatusPending, StatusCancelled, true},
		{StatusConfirmed, StatusCancelled, true},
		{StatusPreparing, StatusCancelled, true},
		{StatusReadyForPickup, StatusCancelled, true},
		{StatusAssigned, StatusCancelled, true},
		{StatusPickedUp, StatusCancelled, true},
		{StatusInTransit, StatusCancelled, true},
		// terminal states have no outgoing transitions
		{StatusDelivered, StatusCancelled, false},
		{StatusCancelled, StatusPending, false},
		{StatusDelivered, StatusInTransit, false},
		// skipping and going backwards
		{StatusPending, StatusPreparing, false},
		{StatusConfirmed, StatusReadyForPickup, false},
		{StatusReadyForPickup, StatusPickedUp, false},
		{StatusAssigned, StatusReadyForPickup, false},
		{StatusInTransit, StatusPickedUp, false},
	}
	for _, tc := range cases {
		got := CanTransition(tc.from, tc.to)
		if got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestPlanTransitionActorRules(t *testing.T) {
	courier := types.ID("c1")
	base := func(s Status) *Order {
		o := &Order{ID: "o1", Status: s, CustomerID: testCustomer, RestaurantID: testRestaurant, CreatedAt: time.Now()}
		if s.HoldsCourier() {
			o.CourierID = &courier
		}
		return o
	}
	cases := []struct {
		name string
		from Status
		tr   Transition
		want error
	}{
		{"restaurant confirms", StatusPending, Transition{To: StatusConfirmed, ActorRole: RoleRestaurant, ActorID: testRestaurant}, nil},
		{"other restaurant", StatusPending, Transition{To: StatusConfirmed, ActorRole: RoleRestaurant, ActorID: "rest_2"}, ErrForbidden},
		{"restaurant cannot pick up", StatusAssigned, Transition{To: StatusPickedUp, ActorRole: RoleRestaurant, ActorID: testRestaurant}, ErrForbidden},
		{"assigned courier picks up", StatusAssigned, Transition{To: StatusPickedUp, ActorRole: RoleCourier, ActorID: courier}, nil},
		{"other courier picks up", StatusAssigned, Transition{To: StatusPickedUp, ActorRole: RoleCourier, ActorID: "c2"}, ErrForbidden},
		{"courier cannot confirm", StatusPending, Transition{To: StatusConfirmed, ActorRole: RoleCourier, ActorID: courier}, ErrForbidden},
		{"customer cannot confirm", StatusPending, Transition{To: StatusConfirmed, ActorRole: RoleCustomer, ActorID: testCustomer}, ErrForbidden},
		{"customer cancels pending", StatusPending, Transition{To: StatusCancelled, ActorRole: RoleCustomer, ActorID: testCustomer, Reason: "changed mind"}, nil},
		{"customer cancels preparing", StatusPreparing, Transition{To: StatusCancelled, ActorRole: RoleCustomer, ActorID: testCustomer, Reason: "late"}, ErrCancellationWindowClosed},
		{"customer cancels delivered", StatusDelivered, Transition{To: StatusCancelled, ActorRole: RoleCustomer, ActorID: testCustomer, Reason: "late"}, ErrCancellationWindowClosed},
		{"support skips ahead", StatusPending, Transition{To: StatusPreparing, ActorRole: RoleSupport, ActorID: "sup"}, ErrIllegalTransition},
		{"support cannot assign", StatusReadyForPickup, Transition{To: StatusAssigned, ActorRole: RoleSupport, ActorID: "sup", CourierID: courier}, ErrForbidden},
		{"cancel needs reason", StatusPreparing, Transition{To: StatusCancelled, ActorRole: RoleSupport, ActorID: "sup"}, ErrReasonRequired},
		{"unknown status", StatusPending, Transition{To: "teleported", ActorRole: RoleSystem}, ErrBadRequest},
		{"winner repeats claim while assigned", StatusAssigned, Transition{To: StatusAssigned, ActorRole: RoleCourier, ActorID: courier, CourierID: courier}, nil},
		{"winner repeats claim after pickup", StatusPickedUp, Transition{To: StatusAssigned, ActorRole: RoleCourier, ActorID: courier, CourierID: courier}, ErrIllegalTransition},
		{"winner repeats claim after delivery", StatusDelivered, Transition{To: StatusAssigned, ActorRole: RoleCourier, ActorID: courier, CourierID: courier}, ErrIllegalTransition},
		{"loser claims after pickup", StatusPickedUp, Transition{To: StatusAssigned, ActorRole: RoleCourier, ActorID: "c2", CourierID: "c2"}, ErrAlreadyAssigned},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := PlanTransition(base(tc.from), tc.tr, time.Now())
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestOrderFlowHappyPath(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	o := mustCreateOrder(t, svc)
	assertStatus(t, svc, o.ID, StatusPending)

	advance(t, svc, o.ID, StatusConfirmed, RoleRestaurant, testRestaurant)
	advance(t, svc, o.ID, StatusPreparing, RoleRestaurant, testRestaurant)
	advance(t, svc, o.ID, StatusReadyForPickup, RoleRestaurant, testRestaurant)

	claimed, newlyClaimed, err := svc.Claim(ctx, ClaimCommand{OrderID: o.ID, CourierID: "c1"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !newlyClaimed {
		t.Fatalf("first claim must report the write")
	}
	if claimed.Status != StatusAssigned || claimed.CourierID == nil || *claimed.CourierID != "c1" {
		t.Fatalf("unexpected claim result: status=%s courier=%v", claimed.Status, claimed.CourierID)
	}

	advance(t, svc, o.ID, StatusPickedUp, RoleCourier, "c1")
	advance(t, svc, o.ID, StatusInTransit, RoleCourier, "c1")
	final := advance(t, svc, o.ID, StatusDelivered, RoleCourier, "c1")

	for name, ts := range map[string]*time.Time{
		"confirmed_at": final.ConfirmedAt,
		"ready_at":     final.ReadyAt,
		"assigned_at":  final.AssignedAt,
		"pickup_at":    final.PickupAt,
		"delivered_at": final.DeliveredAt,
	} {
		if ts == nil {
			t.Errorf("%s not set", name)
		}
	}
	if final.CancelledAt != nil {
		t.Error("cancelled_at must stay unset on a delivered order")
	}

	events, err := svc.Events(ctx, o.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 8 {
		t.Fatalf("expected 8 events, got %d", len(events))
	}
	if events[0].FromStatus != StatusNone || events[7].ToStatus != StatusDelivered {
		t.Fatalf("unexpected event bounds: %+v ... %+v", events[0], events[7])
	}
}

func TestAdvanceRejectsAssignment(t *testing.T) {
	svc, _ := newTestService(t, nil)
	o := readyOrder(t, svc)
	_, err := svc.Advance(context.Background(), AdvanceCommand{
		OrderID: o.ID, To: StatusAssigned, ActorRole: RoleSystem,
	})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestIllegalTransitionLeavesRecordUnchanged(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	o := mustCreateOrder(t, svc)
	advance(t, svc, o.ID, StatusConfirmed, RoleRestaurant, testRestaurant)

	before, err := svc.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	for _, to := range []Status{StatusPending, StatusReadyForPickup, StatusPickedUp, StatusDelivered} {
		_, err := svc.Advance(ctx, AdvanceCommand{OrderID: o.ID, To: to, ActorRole: RoleSupport, ActorID: "sup"})
		if !errors.Is(err, ErrIllegalTransition) {
			t.Fatalf("advance to %s: expected ErrIllegalTransition, got %v", to, err)
		}
	}
	after, err := svc.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("record changed after illegal transitions:\nbefore=%+v\nafter=%+v", before, after)
	}
}

func TestAdvanceIsIdempotent(t *testing.T) {
	svc, clock := newTestService(t, nil)
	ctx := context.Background()
	o := mustCreateOrder(t, svc)

	first := advance(t, svc, o.ID, StatusConfirmed, RoleRestaurant, testRestaurant)
	clock.Advance(time.Minute)
	second := advance(t, svc, o.ID, StatusConfirmed, RoleRestaurant, testRestaurant)

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("second call changed the record:\nfirst=%+v\nsecond=%+v", first, second)
	}
	events, _ := svc.Events(ctx, o.ID)
	if len(events) != 2 {
		t.Fatalf("expected create + confirm events only, got %d", len(events))
	}
}

func TestTimestampsAreMonotonic(t *testing.T) {
	svc, clock := newTestService(t, nil)
	o := mustCreateOrder(t, svc)

	// The clock steps backwards between transitions.
	clock.Advance(-time.Minute)
	c := advance(t, svc, o.ID, StatusConfirmed, RoleRestaurant, testRestaurant)
	advance(t, svc, o.ID, StatusPreparing, RoleRestaurant, testRestaurant)
	clock.Advance(-time.Hour)
	r := advance(t, svc, o.ID, StatusReadyForPickup, RoleRestaurant, testRestaurant)

	if c.ConfirmedAt.Before(c.CreatedAt) {
		t.Fatalf("confirmed_at %v before created_at %v", c.ConfirmedAt, c.CreatedAt)
	}
	if r.ReadyAt.Before(*r.ConfirmedAt) {
		t.Fatalf("ready_at %v before confirmed_at %v", r.ReadyAt, r.ConfirmedAt)
	}
}

// Scenario O-1002: the customer may cancel while pending, but not once preparation began.
func TestCustomerCancelWindow(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	early := mustCreateOrder(t, svc)
	got, err := svc.Cancel(ctx, CancelCommand{OrderID: early.ID, ActorRole: RoleCustomer, ActorID: testCustomer, Reason: "changed my mind"})
	if err != nil {
		t.Fatalf("cancel pending: %v", err)
	}
	if got.Status != StatusCancelled || got.CancelReason == nil || *got.CancelReason != "changed my mind" {
		t.Fatalf("unexpected cancelled record: %+v", got)
	}

	late := mustCreateOrder(t, svc)
	advance(t, svc, late.ID, StatusConfirmed, RoleRestaurant, testRestaurant)
	advance(t, svc, late.ID, StatusPreparing, RoleRestaurant, testRestaurant)
	_, err = svc.Cancel(ctx, CancelCommand{OrderID: late.ID, ActorRole: RoleCustomer, ActorID: testCustomer, Reason: "changed my mind"})
	if !errors.Is(err, ErrCancellationWindowClosed) {
		t.Fatalf("expected ErrCancellationWindowClosed, got %v", err)
	}
	assertStatus(t, svc, late.ID, StatusPreparing)
}

func TestCancelRequiresReason(t *testing.T) {
	svc, _ := newTestService(t, nil)
	o := mustCreateOrder(t, svc)
	_, err := svc.Cancel(context.Background(), CancelCommand{OrderID: o.ID, ActorRole: RoleCustomer, ActorID: testCustomer, Reason: "   "})
	if !errors.Is(err, ErrReasonRequired) {
		t.Fatalf("expected ErrReasonRequired, got %v", err)
	}
	assertStatus(t, svc, o.ID, StatusPending)
}

func TestCancelAfterAssignmentClearsCourier(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	o := readyOrder(t, svc)
	if _, _, err := svc.Claim(ctx, ClaimCommand{OrderID: o.ID, CourierID: "c1"}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	got, err := svc.Cancel(ctx, CancelCommand{OrderID: o.ID, ActorRole: RoleSupport, ActorID: "sup", Reason: "restaurant closed"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.CourierID != nil {
		t.Fatalf("courier id should be cleared, got %s", *got.CourierID)
	}
}

// Scenario O-1001: two couriers accept in the same instant, exactly one wins.
func TestClaimSameTime(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	o := readyOrder(t, svc)

	courierIDs := []types.ID{"C1", "C2"}
	errs := make(chan error, len(courierIDs))
	start := make(chan struct{})
	var wg sync.WaitGroup

	for _, courierID := range courierIDs {
		wg.Add(1)
		go func(cid types.ID) {
			defer wg.Done()
			<-start
			_, _, err := svc.Claim(ctx, ClaimCommand{OrderID: o.ID, CourierID: cid})
			errs <- err
		}(courierID)
	}

	close(start)
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, ErrAlreadyAssigned) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly 1 success, got %d", success)
	}

	got, err := svc.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusAssigned {
		t.Fatalf("expected assigned, got %s", got.Status)
	}
	if got.CourierID == nil || (*got.CourierID != "C1" && *got.CourierID != "C2") {
		t.Fatalf("unexpected courier: %v", got.CourierID)
	}
}

func TestClaimManyCouriers(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	o := readyOrder(t, svc)

	const attempts = 32
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []types.ID
		losers  int
	)
	start := make(chan struct{})
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(cid types.ID) {
			defer wg.Done()
			<-start
			_, _, err := svc.Claim(ctx, ClaimCommand{OrderID: o.ID, CourierID: cid})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, cid)
			case errors.Is(err, ErrAlreadyAssigned):
				losers++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(types.ID(fmt.Sprintf("c%d", i)))
	}
	close(start)
	wg.Wait()

	if len(winners) != 1 || losers != attempts-1 {
		t.Fatalf("expected 1 winner and %d losers, got %d winners and %d losers", attempts-1, len(winners), losers)
	}
}

func TestClaimIdempotentForWinner(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	o := readyOrder(t, svc)

	first, _, err := svc.Claim(ctx, ClaimCommand{OrderID: o.ID, CourierID: "c1"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	again, claimed, err := svc.Claim(ctx, ClaimCommand{OrderID: o.ID, CourierID: "c1"})
	if err != nil {
		t.Fatalf("repeat claim: %v", err)
	}
	if claimed {
		t.Fatalf("repeat claim must not report a write")
	}
	if !reflect.DeepEqual(first, again) {
		t.Fatalf("repeat claim changed the record")
	}
	if _, _, err := svc.Claim(ctx, ClaimCommand{OrderID: o.ID, CourierID: "c2"}); !errors.Is(err, ErrAlreadyAssigned) {
		t.Fatalf("expected ErrAlreadyAssigned, got %v", err)
	}
}

func TestClaimRepeatAfterPickupIsRejected(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	o := readyOrder(t, svc)

	if _, _, err := svc.Claim(ctx, ClaimCommand{OrderID: o.ID, CourierID: "c1"}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	advance(t, svc, o.ID, StatusPickedUp, RoleCourier, "c1")

	for _, to := range []Status{StatusInTransit, StatusDelivered} {
		before, err := svc.Get(ctx, o.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if _, claimed, err := svc.Claim(ctx, ClaimCommand{OrderID: o.ID, CourierID: "c1"}); !errors.Is(err, ErrIllegalTransition) || claimed {
			t.Fatalf("repeat claim in %s: expected ErrIllegalTransition, got claimed=%v err=%v", before.Status, claimed, err)
		}
		after, err := svc.Get(ctx, o.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !reflect.DeepEqual(before, after) {
			t.Fatalf("repeat claim in %s changed the record", before.Status)
		}
		advance(t, svc, o.ID, to, RoleCourier, "c1")
	}
	if _, _, err := svc.Claim(ctx, ClaimCommand{OrderID: o.ID, CourierID: "c1"}); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("repeat claim on delivered order: expected ErrIllegalTransition, got %v", err)
	}
}

func TestClaimBeforeReady(t *testing.T) {
	svc, _ := newTestService(t, nil)
	o := mustCreateOrder(t, svc)
	_, _, err := svc.Claim(context.Background(), ClaimCommand{OrderID: o.ID, CourierID: "c1"})
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
}

// Random transition sequences never break the courier/status invariant.
func TestCourierInvariantUnderRandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	statuses := []Status{
		StatusPending, StatusConfirmed, StatusPreparing, StatusReadyForPickup, StatusAssigned,
		StatusPickedUp, StatusInTransit, StatusDelivered, StatusCancelled,
	}
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	for run := 0; run < 50; run++ {
		o := mustCreateOrder(t, svc)
		for step := 0; step < 12; step++ {
			to := statuses[rng.Intn(len(statuses))]
			courier := types.ID(fmt.Sprintf("c%d", rng.Intn(3)))
			switch {
			case to == StatusAssigned:
				_, _, _ = svc.Claim(ctx, ClaimCommand{OrderID: o.ID, CourierID: courier})
			case to == StatusCancelled:
				_, _ = svc.Cancel(ctx, CancelCommand{OrderID: o.ID, ActorRole: RoleSupport, ActorID: "sup", Reason: "random"})
			case rng.Intn(2) == 0:
				_, _ = svc.Advance(ctx, AdvanceCommand{OrderID: o.ID, To: to, ActorRole: RoleCourier, ActorID: courier})
			default:
				_, _ = svc.Advance(ctx, AdvanceCommand{OrderID: o.ID, To: to, ActorRole: RoleSupport, ActorID: "sup"})
			}
			got, err := svc.Get(ctx, o.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if (got.CourierID != nil) != got.Status.HoldsCourier() {
				t.Fatalf("run %d step %d: status=%s courier=%v", run, step, got.Status, got.CourierID)
			}
			if got.Status == StatusCancelled && got.CancelReason == nil {
				t.Fatalf("cancelled without reason")
			}
		}
	}
}

func TestCreateComputesTotalsAndNumber(t *testing.T) {
	svc, _ := newTestService(t, nil)
	o, err := svc.Create(context.Background(), CreateCommand{
		CustomerID:      testCustomer,
		RestaurantID:    testRestaurant,
		Items:           []Item{{Name: "ramen", UnitPrice: 1250, Quantity: 2}, {Name: "gyoza", UnitPrice: 99, Quantity: 1}},
		DeliveryAddress: "1 Main St",
		PaymentMethod:   payment.MethodCash,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if o.Total.Amount != 2599 || o.Total.Currency != "USD" {
		t.Fatalf("unexpected total: %+v", o.Total)
	}
	if o.CourierFee.Amount != 389 {
		t.Fatalf("expected 15%% courier fee of 389, got %d", o.CourierFee.Amount)
	}
	if len(o.Number) != len("ORD-XXXXXXXX") || o.Number[:4] != "ORD-" {
		t.Fatalf("unexpected order number %q", o.Number)
	}
	if o.PaymentStatus != PaymentPending || o.PaymentRef == nil {
		t.Fatalf("cash order should be payment pending with a reference, got %s", o.PaymentStatus)
	}
	if o.Pickup != (types.Point{Lat: 25.033, Lng: 121.565}) {
		t.Fatalf("pickup should come from the restaurant directory, got %+v", o.Pickup)
	}
}

func TestCreateValidation(t *testing.T) {
	svc, _ := newTestService(t, nil)
	valid := CreateCommand{
		CustomerID: testCustomer, RestaurantID: testRestaurant,
		Items:           []Item{{Name: "ramen", UnitPrice: 1250, Quantity: 1}},
		DeliveryAddress: "1 Main St", PaymentMethod: payment.MethodCash,
	}
	cases := map[string]func(c *CreateCommand){
		"no customer":    func(c *CreateCommand) { c.CustomerID = "" },
		"no items":       func(c *CreateCommand) { c.Items = nil },
		"zero quantity":  func(c *CreateCommand) { c.Items = []Item{{Name: "x", UnitPrice: 1, Quantity: 0}} },
		"no address":     func(c *CreateCommand) { c.DeliveryAddress = " " },
		"unknown method": func(c *CreateCommand) { c.PaymentMethod = "barter" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cmd := valid
			mutate(&cmd)
			if _, err := svc.Create(context.Background(), cmd); !errors.Is(err, ErrBadRequest) {
				t.Fatalf("expected ErrBadRequest, got %v", err)
			}
		})
	}
}

func TestCreatePaymentFailureCancelsOrder(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(Deps{
		Store:       store,
		Payments:    failingProcessor{},
		Restaurants: fixedRestaurants{},
	})
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateCommand{
		CustomerID: testCustomer, RestaurantID: testRestaurant,
		Items:           []Item{{Name: "ramen", UnitPrice: 1250, Quantity: 1}},
		DeliveryAddress: "1 Main St", PaymentMethod: payment.MethodCard,
	})
	if !errors.Is(err, ErrPaymentFailed) {
		t.Fatalf("expected ErrPaymentFailed, got %v", err)
	}

	orders, err := store.Scan(ctx, Filter{CustomerID: testCustomer})
	if err != nil || len(orders) != 1 {
		t.Fatalf("expected one stored order, got %d (%v)", len(orders), err)
	}
	o := orders[0]
	if o.Status != StatusCancelled || o.CancelReason == nil || *o.CancelReason != ReasonPaymentFailed {
		t.Fatalf("expected payment_failed cancellation, got status=%s reason=%v", o.Status, o.CancelReason)
	}
	if o.PaymentStatus != PaymentFailed {
		t.Fatalf("expected payment status failed, got %s", o.PaymentStatus)
	}
}

func TestStoreUnavailableIsRetried(t *testing.T) {
	flaky := &flakyStore{MemoryStore: NewMemoryStore()}
	svc := NewService(Deps{Store: flaky, Restaurants: fixedRestaurants{}})
	ctx := context.Background()

	o := mustCreateOrder(t, svc)
	flaky.arm(2)
	got, err := svc.Advance(ctx, AdvanceCommand{OrderID: o.ID, To: StatusConfirmed, ActorRole: RoleRestaurant, ActorID: testRestaurant})
	if err != nil {
		t.Fatalf("advance through transient failures: %v", err)
	}
	if got.Status != StatusConfirmed {
		t.Fatalf("expected confirmed, got %s", got.Status)
	}
}

func TestListenersSeeEveryCommittedChange(t *testing.T) {
	svc, _ := newTestService(t, nil)
	rec := &recordingListener{}
	svc.AddListener(rec)

	o := mustCreateOrder(t, svc)
	advance(t, svc, o.ID, StatusConfirmed, RoleRestaurant, testRestaurant)
	advance(t, svc, o.ID, StatusConfirmed, RoleRestaurant, testRestaurant)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.changes) != 2 {
		t.Fatalf("expected 2 notifications (create + confirm), got %d", len(rec.changes))
	}
	if rec.changes[0][0] != StatusNone || rec.changes[1] != [2]Status{StatusPending, StatusConfirmed} {
		t.Fatalf("unexpected changes: %v", rec.changes)
	}
}

func TestListFilters(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	ready := readyOrder(t, svc)
	_ = mustCreateOrder(t, svc)

	got, err := svc.List(ctx, Filter{Statuses: []Status{StatusReadyForPickup}, CourierUnset: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != ready.ID {
		t.Fatalf("expected only the ready order, got %d", len(got))
	}
}

// ---- helpers ----

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestService(t *testing.T, payments payment.Processor) (*Service, *testClock) {
	t.Helper()
	if payments == nil {
		payments = payment.NewRouter(nil)
	}
	clock := &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	svc := NewService(Deps{
		Store:             NewMemoryStore(),
		Payments:          payments,
		Restaurants:       fixedRestaurants{},
		CourierFeePercent: 15,
	})
	svc.now = clock.Now
	return svc, clock
}

func mustCreateOrder(t *testing.T, svc *Service) *Order {
	t.Helper()
	o, err := svc.Create(context.Background(), CreateCommand{
		CustomerID:      testCustomer,
		RestaurantID:    testRestaurant,
		Items:           []Item{{Name: "ramen", UnitPrice: 1250, Quantity: 1}},
		DeliveryAddress: "1 Main St",
		PaymentMethod:   payment.MethodCash,
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return o
}

func readyOrder(t *testing.T, svc *Service) *Order {
	t.Helper()
	o := mustCreateOrder(t, svc)
	advance(t, svc, o.ID, StatusConfirmed, RoleRestaurant, testRestaurant)
	advance(t, svc, o.ID, StatusPreparing, RoleRestaurant, testRestaurant)
	return advance(t, svc, o.ID, StatusReadyForPickup, RoleRestaurant, testRestaurant)
}

func advance(t *testing.T, svc *Service, id types.ID, to Status, role Role, actor types.ID) *Order {
	t.Helper()
	o, err := svc.Advance(context.Background(), AdvanceCommand{OrderID: id, To: to, ActorRole: role, ActorID: actor})
	if err != nil {
		t.Fatalf("advance to %s: %v", to, err)
	}
	return o
}

func assertStatus(t *testing.T, svc *Service, orderID types.ID, want Status) {
	t.Helper()
	o, err := svc.Get(context.Background(), orderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if o.Status != want {
		t.Fatalf("expected status %s, got %s", want, o.Status)
	}
}

type fixedRestaurants struct{}

func (fixedRestaurants) Location(_ context.Context, _ types.ID) (types.Point, error) {
	return types.Point{Lat: 25.033, Lng: 121.565}, nil
}

type failingProcessor struct{}

func (failingProcessor) Capture(_ context.Context, _ payment.Charge) (payment.Result, error) {
	return payment.Result{Status: payment.StatusFailed, Reference: "ch_declined"}, payment.ErrDeclined
}

// flakyStore fails the next n reads with ErrStoreUnavailable once armed.
type flakyStore struct {
	*MemoryStore
	mu       sync.Mutex
	failures int
}

func (f *flakyStore) arm(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = n
}

func (f *flakyStore) Get(ctx context.Context, id types.ID) (*Order, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return nil, fmt.Errorf("%w: connection reset", ErrStoreUnavailable)
	}
	f.mu.Unlock()
	return f.MemoryStore.Get(ctx, id)
}

type recordingListener struct {
	mu      sync.Mutex
	changes [][2]Status
}

func (r *recordingListener) OrderChanged(_ context.Context, prev, cur *Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	from := StatusNone
	if prev != nil {
		from = prev.Status
	}
	r.changes = append(r.changes, [2]Status{from, cur.Status})
}
