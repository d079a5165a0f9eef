// Package transport moves requests to a device over a bus and matches the asynchronous
// responses back to them by transaction id.
//
// Ids come from a small fixed pool (1..254 by default, 0 and 255 are reserved) and are
// reused as soon as a response is matched. A single matching goroutine per engine is
// started by Transmit when needed and exits once no request is outstanding.
package transport

import (
	"context"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"swamp/bus"
	"swamp/message"
	"swamp/metrics"
)

// maxLength is the largest value the frame length field can carry.
const maxLength = 0xFF

var (
	errRequestReused = errors.New("transport: request was already transmitted")

	engineSeq atomic.Uint64
)

type Engine struct {
	bus     bus.Bus
	log     *zap.Logger
	mapping Mapping
	limiter *rate.Limiter
	address uint8
	idLow   uint8
	idHigh  uint8
	name    string

	inFlight prometheus.Gauge
	freeIDs  prometheus.Gauge

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	submitMu sync.Mutex

	// mu guards the registry and the matching goroutine state; it is never held across
	// bus I/O or a callback.
	mu        sync.Mutex
	reg       *registry
	listening bool
	fatal     error
	closed    bool

	cbMu       sync.RWMutex
	callbacks  map[int]message.Callback
	nextOrigin int
}

type Option func(e *Engine)

func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithIDRange restricts the transaction id pool to [lo, hi]. Reserved ids are excluded.
func WithIDRange(lo, hi uint8) Option {
	return func(e *Engine) {
		if lo == bus.ReservedIDLow {
			lo++
		}
		if hi == bus.ReservedIDHigh {
			hi--
		}
		e.idLow, e.idHigh = lo, hi
	}
}

func WithMapping(m Mapping) Option {
	return func(e *Engine) { e.mapping = m }
}

// WithRateLimit limits how many requests per second are handed to the bus.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(e *Engine) { e.limiter = rate.NewLimiter(r, burst) }
}

// WithName labels the engine's gauges; engines are numbered when no name is given.
func WithName(name string) Option {
	return func(e *Engine) { e.name = name }
}

func WithSubmissionAddress(address uint8) Option {
	return func(e *Engine) { e.address = address }
}

func New(b bus.Bus, opts ...Option) *Engine {
	e := &Engine{
		bus:       b,
		log:       zap.NewNop(),
		mapping:   RegisterMapping{Protocol: bus.DefaultRegisterProtocol},
		address:   bus.SubmissionAddress,
		idLow:     bus.ReservedIDLow + 1,
		idHigh:    bus.ReservedIDHigh - 1,
		callbacks: make(map[int]message.Callback),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.Named("transport")
	e.reg = newRegistry(e.idLow, e.idHigh)
	e.ctx, e.cancel = context.WithCancel(context.Background())
	if e.name == "" {
		e.name = "engine-" + strconv.FormatUint(engineSeq.Inc(), 10)
	}
	e.inFlight = metrics.InFlight.WithLabelValues(e.name)
	e.freeIDs = metrics.FreeIDs.WithLabelValues(e.name)
	e.freeIDs.Set(float64(e.reg.available()))
	return e
}

// Transmit allocates a transaction id for req and hands it to the bus. It returns once the
// request is submitted; the response is awaited with req.Wait.
func (e *Engine) Transmit(req *Request, lengthOverride int) error {
	if lengthOverride > maxLength {
		return errors.Wrapf(ErrLengthOutOfRange, "%d", lengthOverride)
	}
	if e.limiter != nil {
		if err := e.limiter.Wait(e.ctx); err != nil {
			return errors.Wrap(ErrClosed, err.Error())
		}
	}

	// submitMu keeps frames on the bus in id allocation order without holding mu across
	// bus I/O, so the matching goroutine is never blocked by a slow Submit:
	e.submitMu.Lock()
	defer e.submitMu.Unlock()

	e.mu.Lock()
	if e.fatal != nil {
		e.mu.Unlock()
		return e.fatal
	}
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if req.id != 0 {
		e.mu.Unlock()
		return errRequestReused
	}
	id, err := e.reg.allocate(req)
	if err != nil {
		e.log.Error("no more free transaction ids", zap.Int("in_flight", e.reg.len()))
		e.mu.Unlock()
		return err
	}
	req.id = id
	e.inFlight.Inc()
	e.freeIDs.Set(float64(e.reg.available()))
	e.mu.Unlock()

	f := req.frame(e.address, lengthOverride)
	e.log.Debug("sending request", zap.Stringer("frame", f))
	if err = e.bus.Submit(f); err != nil {
		e.mu.Lock()
		if _, ok := e.reg.release(id); ok {
			e.inFlight.Dec()
		}
		e.freeIDs.Set(float64(e.reg.available()))
		req.id = 0
		e.mu.Unlock()
		return errors.Wrapf(err, "transport: submit tid %d", id)
	}
	metrics.TransmittedRequests.WithLabelValues(channelLabel(req.Channel)).Inc()

	e.mu.Lock()
	defer e.mu.Unlock()
	// the matching goroutine only runs while requests are in flight; the response may
	// already have been matched by one that was still running:
	if !e.listening && !e.closed && e.fatal == nil && e.reg.len() > 0 {
		e.log.Debug("listener is inactive, activating listener")
		e.listening = true
		e.wg.Add(1)
		go e.listen()
	}
	return nil
}

// must run in a goroutine
func (e *Engine) listen() {
	defer e.wg.Done()

	for {
		f, err := e.bus.Next(e.ctx)
		if err != nil {
			if e.ctx.Err() != nil {
				err = ErrClosed
			} else {
				err = errors.Wrap(err, "transport: receive")
			}
			e.abort(err)
			return
		}

		if f.IsReserved() {
			e.log.Warn("received frame with invalid transaction id", zap.Stringer("frame", f))
			metrics.Responses.WithLabelValues(metrics.OutcomeSpurious).Inc()
			if err = e.bus.Discard(); err != nil {
				e.abort(errors.Wrap(err, "transport: discard"))
				return
			}
			continue
		}

		e.log.Debug("received response", zap.Stringer("frame", f))

		e.mu.Lock()
		req, ok := e.reg.release(f.TransactionID)
		free := e.reg.available()
		e.mu.Unlock()

		if !ok {
			e.abort(&UnexpectedResponseError{Reason: "no open transaction with this id", Frame: f})
			return
		}
		e.inFlight.Dec()
		e.freeIDs.Set(float64(free))

		if err = e.validate(req, f); err != nil {
			e.fail(req, err)
			e.abort(err)
			return
		}

		e.resolve(req, f)

		if err = e.bus.Discard(); err != nil {
			e.abort(errors.Wrap(err, "transport: discard"))
			return
		}

		e.mu.Lock()
		if e.reg.len() == 0 {
			e.log.Debug("no transactions in flight, shutting down listener")
			e.listening = false
			e.mu.Unlock()
			return
		}
		e.mu.Unlock()
	}
}

func (e *Engine) validate(req *Request, f bus.Frame) error {
	if f.Channel != req.Channel {
		return &UnexpectedResponseError{Reason: "channel mismatch with " + req.String(), Frame: f}
	}
	if f.Address != e.address {
		return &UnexpectedResponseError{Reason: "response address is not the submission address", Frame: f}
	}
	return nil
}

func (e *Engine) resolve(req *Request, f bus.Frame) {
	if f.Error != 0 {
		metrics.Responses.WithLabelValues(metrics.OutcomeError).Inc()
		req.err = &HardwareError{Code: f.Error, Channel: req.Channel, Command: req.Command}
	} else {
		metrics.Responses.WithLabelValues(metrics.OutcomeCommitted).Inc()
		req.response = append([]byte(nil), f.Data[:]...)
		req.length = f.Length
	}
	close(req.done)

	if req.tx != nil {
		e.settle(req)
	}
}

func (e *Engine) fail(req *Request, err error) {
	req.err = err
	close(req.done)
	if req.tx != nil {
		e.settle(req)
	}
}

// abort makes err the terminal error of the engine and fails every outstanding request.
func (e *Engine) abort(err error) {
	e.mu.Lock()
	if e.fatal == nil {
		e.fatal = err
	}
	pending := e.reg.drain()
	e.listening = false
	free := e.reg.available()
	e.mu.Unlock()

	if !errors.Is(err, ErrClosed) {
		e.log.Error("listener stopped", zap.Error(err), zap.Int("failed_requests", len(pending)))
		metrics.Responses.WithLabelValues(metrics.OutcomeViolation).Inc()
	}
	e.inFlight.Sub(float64(len(pending)))
	e.freeIDs.Set(float64(free))

	for _, req := range pending {
		e.fail(req, err)
	}
}

func (e *Engine) Name() string { return e.name }

// Err returns the terminal error of the engine, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fatal
}

// Outstanding returns the number of requests waiting for a response.
func (e *Engine) Outstanding() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reg.len()
}

// Listening reports whether the matching goroutine is running.
func (e *Engine) Listening() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.listening
}

// Clear drops stale inbound frames, typically once after opening the bus.
func (e *Engine) Clear() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listening {
		return 0, ErrListening
	}
	d, ok := e.bus.(bus.Drainer)
	if !ok {
		return 0, nil
	}
	n := d.Drain()
	e.log.Debug("cleared inbound frames", zap.Int("count", n))
	return n, nil
}

// Close stops the matching goroutine, fails outstanding requests and closes the bus.
func (e *Engine) Close() (err error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()

	// fail anything submitted while the listener was already gone:
	e.mu.Lock()
	pending := e.reg.drain()
	e.mu.Unlock()
	for _, req := range pending {
		e.fail(req, ErrClosed)
	}

	metrics.InFlight.DeleteLabelValues(e.name)
	metrics.FreeIDs.DeleteLabelValues(e.name)

	err = multierr.Append(err, e.bus.Close())
	return
}

func channelLabel(ch uint8) string {
	return "0x" + strconv.FormatUint(uint64(ch), 16)
}
