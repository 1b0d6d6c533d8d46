// README: Dispatch engine turns ready orders into offers and keeps re-offering until claimed.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"courierhub/internal/metrics"
	"courierhub/internal/modules/courier"
	"courierhub/internal/modules/notify"
	"courierhub/internal/modules/order"
	"courierhub/internal/types"
)

var ErrNotClaimable = errors.New("order is not awaiting a courier")

const sweepLimit = 500

type Orders interface {
	Get(ctx context.Context, id types.ID) (*order.Order, error)
	List(ctx context.Context, f order.Filter) ([]*order.Order, error)
}

type Pool interface {
	Nearby(ctx context.Context, center types.Point, radiusKm float64) ([]courier.Presence, error)
}

type EngineDeps struct {
	Orders    Orders
	Pool      Pool
	Book      OfferBook
	Publisher notify.Publisher
	Config    Config
	Logger    *slog.Logger
	// Instance identifies this process in dispatch leases. Random when empty.
	Instance string
}

type loop struct {
	gen    uint64
	cancel context.CancelFunc
}

type Engine struct {
	orders   Orders
	pool     Pool
	book     OfferBook
	pub      notify.Publisher
	cfg      Config
	log      *slog.Logger
	instance string
	now      func() time.Time

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	gen   uint64
	loops map[types.ID]loop
}

func NewEngine(d EngineDeps) *Engine {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	instance := d.Instance
	if instance == "" {
		instance = uuid.NewString()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Engine{
		orders:   d.Orders,
		pool:     d.Pool,
		book:     d.Book,
		pub:      d.Publisher,
		cfg:      d.Config.withDefaults(),
		log:      logger.With("component", "dispatch"),
		instance: instance,
		now:      time.Now,
		base:     base,
		cancel:   cancel,
		loops:    make(map[types.ID]loop),
	}
}

func claimable(o *order.Order) bool {
	return o != nil && o.Status == order.StatusReadyForPickup && o.CourierID == nil
}

// OrderChanged starts dispatch when an order becomes ready and stops it when the order leaves ready.
func (e *Engine) OrderChanged(ctx context.Context, prev, cur *order.Order) {
	if claimable(cur) {
		if prev == nil || prev.Status != order.StatusReadyForPickup {
			e.Start(cur.ID)
		}
		return
	}
	if prev == nil || prev.Status != order.StatusReadyForPickup {
		return
	}
	e.Halt(cur.ID)
	if cur.Status == order.StatusCancelled {
		e.withdraw(ctx, cur)
	}
}

// Start launches the retry loop for an order unless one is already running here.
func (e *Engine) Start(orderID types.ID) bool {
	if e.base.Err() != nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.loops[orderID]; ok {
		return false
	}
	e.gen++
	ctx, cancel := context.WithCancel(e.base)
	e.loops[orderID] = loop{gen: e.gen, cancel: cancel}
	e.wg.Add(1)
	go e.run(ctx, orderID, e.gen)
	return true
}

// Halt stops the retry loop for an order, if any.
func (e *Engine) Halt(orderID types.ID) {
	e.mu.Lock()
	l, ok := e.loops[orderID]
	delete(e.loops, orderID)
	e.mu.Unlock()
	if ok {
		l.cancel()
	}
}

func (e *Engine) Running(orderID types.ID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.loops[orderID]
	return ok
}

// Stop cancels every loop and waits for them to exit.
func (e *Engine) Stop() {
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) run(ctx context.Context, orderID types.ID, gen uint64) {
	defer e.wg.Done()
	defer e.finish(orderID, gen)

	wait := e.cfg.RetryInterval
	var delay time.Duration
	for {
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
		if ctx.Err() != nil {
			return
		}

		held, err := e.book.AcquireLease(ctx, orderID, e.instance, e.cfg.LeaseTTL)
		if err != nil {
			e.log.Warn("acquire dispatch lease", "order_id", orderID, "error", err)
			delay, wait = wait, e.backoff(wait)
			continue
		}
		if !held {
			e.log.Debug("dispatch owned by another instance", "order_id", orderID)
			return
		}

		offers, err := e.Dispatch(ctx, orderID)
		switch {
		case errors.Is(err, ErrNotClaimable), errors.Is(err, order.ErrNotFound):
			return
		case err != nil:
			e.log.Warn("dispatch round failed", "order_id", orderID, "error", err)
			delay, wait = wait, e.backoff(wait)
		case len(offers) == 0:
			delay, wait = wait, e.backoff(wait)
		default:
			delay, wait = e.cfg.OfferTTL, e.cfg.RetryInterval
		}
	}
}

func (e *Engine) backoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > e.cfg.RetryMaxInterval {
		next = e.cfg.RetryMaxInterval
	}
	return next
}

func (e *Engine) finish(orderID types.ID, gen uint64) {
	e.mu.Lock()
	if l, ok := e.loops[orderID]; ok && l.gen == gen {
		delete(e.loops, orderID)
	}
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.book.ReleaseLease(ctx, orderID, e.instance); err != nil {
		e.log.Warn("release dispatch lease", "order_id", orderID, "error", err)
	}
}

// Dispatch runs one offer round: every eligible courier without a live offer or a rejection
// gets a fresh offer. It returns all live offers for the order after the round.
func (e *Engine) Dispatch(ctx context.Context, orderID types.ID) ([]Offer, error) {
	o, err := e.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !claimable(o) {
		return nil, ErrNotClaimable
	}

	pool, err := e.pool.Nearby(ctx, o.Pickup, e.cfg.RadiusKm)
	if err != nil {
		return nil, fmt.Errorf("courier pool: %w", err)
	}
	rejected, err := e.book.Rejected(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("rejected couriers: %w", err)
	}
	held, err := e.book.Offers(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("held offers: %w", err)
	}

	now := e.now()
	live := make(map[types.ID]Offer, len(held))
	for _, h := range held {
		if !h.Expired(now) {
			live[h.CourierID] = h
		}
	}

	var fresh, all []Offer
	for _, c := range Eligible(o.Pickup, pool, now, e.cfg.Rules) {
		if rejected[c.CourierID] {
			continue
		}
		if h, ok := live[c.CourierID]; ok {
			all = append(all, h)
			continue
		}
		offer := Offer{
			OrderID:    orderID,
			CourierID:  c.CourierID,
			IssuedAt:   now,
			ExpiresAt:  now.Add(e.cfg.OfferTTL),
			DistanceKm: c.DistanceKm,
		}
		fresh = append(fresh, offer)
		all = append(all, offer)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(fresh) > 0 {
		if err := e.book.Put(ctx, fresh); err != nil {
			return nil, fmt.Errorf("record offers: %w", err)
		}
		// A claim on any instance clears the book after its write; one that landed during this
		// round has already cleared, so take back what the round added and stay quiet.
		cur, err := e.orders.Get(ctx, orderID)
		if err != nil || !claimable(cur) {
			e.takeBack(ctx, fresh)
			if err != nil {
				return nil, err
			}
			return nil, ErrNotClaimable
		}
	}
	for _, offer := range fresh {
		_ = e.pub.Publish(ctx, notify.Envelope{
			RecipientID: offer.CourierID,
			EventType:   notify.EventOffer,
			Title:       "New delivery offer",
			Body:        fmt.Sprintf("Order %s, %.1f km to pickup", o.Number, offer.DistanceKm),
			Category:    notify.CategoryOffer,
			OrderID:     orderID,
			Summary:     offer.ExpiresAt.UTC().Format(time.RFC3339),
		})
	}

	metrics.OffersIssuedTotal.Add(float64(len(fresh)))
	if len(all) == 0 {
		metrics.DispatchEmptyRoundsTotal.Inc()
	}
	e.log.Info("dispatch round", "order_id", orderID, "pool", len(pool), "offered", len(fresh), "live", len(all))
	return all, nil
}

func (e *Engine) takeBack(ctx context.Context, offers []Offer) {
	for _, o := range offers {
		if err := e.book.Withdraw(ctx, o.OrderID, o.CourierID); err != nil {
			e.log.Warn("withdraw stale offer", "order_id", o.OrderID, "courier_id", o.CourierID, "error", err)
		}
	}
}

// Sweep makes sure every ready, unassigned order has a running loop. Used after restarts.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	orders, err := e.orders.List(ctx, order.Filter{
		Statuses:     []order.Status{order.StatusReadyForPickup},
		CourierUnset: true,
		Limit:        sweepLimit,
	})
	if err != nil {
		return 0, err
	}
	started := 0
	for _, o := range orders {
		if e.Start(o.ID) {
			started++
		}
	}
	return started, nil
}

// OffersFor lists a courier's unexpired offers, soonest expiry first.
func (e *Engine) OffersFor(ctx context.Context, courierID types.ID) ([]Offer, error) {
	offers, err := e.book.ForCourier(ctx, courierID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	out := offers[:0]
	for _, o := range offers {
		if !o.Expired(now) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (e *Engine) withdraw(ctx context.Context, o *order.Order) {
	held, err := e.book.Clear(ctx, o.ID)
	if err != nil {
		e.log.Warn("clear offers", "order_id", o.ID, "error", err)
		return
	}
	env := notify.Envelope{
		EventType: notify.EventOfferWithdrawn,
		Title:     "Offer withdrawn",
		Body:      fmt.Sprintf("Order %s was cancelled", o.Number),
		Category:  notify.CategoryOffer,
		OrderID:   o.ID,
		Summary:   string(o.Status),
	}
	for _, h := range held {
		env.RecipientID = h.CourierID
		_ = e.pub.Publish(ctx, env)
	}
}
