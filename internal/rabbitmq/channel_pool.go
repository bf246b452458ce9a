package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelPool manages a pool of AMQP channels
type ChannelPool struct {
	opener      ChannelOpener
	channels    chan *PooledChannel
	maxSize     int
	minSize     int
	idleTimeout time.Duration
	logger      *slog.Logger
	mu          sync.Mutex
	closed      bool
	done        chan struct{}
	activeCount int
}

// PooledChannel wraps a channel with pool metadata
type PooledChannel struct {
	Channel
	lastUsed time.Time
	id       string
	confirms chan amqp.Confirmation
}

// ID returns the pool-assigned channel identifier
func (pc *PooledChannel) ID() string {
	return pc.id
}

// EnableConfirms puts the channel into confirm mode once and returns the
// confirmation stream. The channel must be used by one goroutine at a time.
func (pc *PooledChannel) EnableConfirms() (<-chan amqp.Confirmation, error) {
	if pc.confirms != nil {
		return pc.confirms, nil
	}
	if err := pc.Channel.Confirm(false); err != nil {
		return nil, err
	}
	pc.confirms = pc.Channel.NotifyPublish(make(chan amqp.Confirmation, 1))
	return pc.confirms, nil
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxSize sets the maximum pool size
func WithMaxSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// WithMinSize sets the minimum pool size
func WithMinSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.minSize = size
	}
}

// WithIdleTimeout sets the idle timeout for channels
func WithIdleTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.idleTimeout = timeout
	}
}

// WithPoolLogger sets the logger
func WithPoolLogger(logger *slog.Logger) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.logger = logger
	}
}

// NewChannelPool creates a new channel pool
func NewChannelPool(opener ChannelOpener, options ...ChannelPoolOption) (*ChannelPool, error) {
	if opener == nil {
		return nil, ErrInvalidConfiguration
	}

	pool := &ChannelPool{
		opener:      opener,
		maxSize:     10,
		minSize:     2,
		idleTimeout: 5 * time.Minute,
		logger:      slog.Default(),
		done:        make(chan struct{}),
	}

	for _, opt := range options {
		opt(pool)
	}

	if pool.maxSize < 1 {
		return nil, fmt.Errorf("%w: max size must be at least 1", ErrInvalidConfiguration)
	}
	if pool.minSize < 0 || pool.minSize > pool.maxSize {
		return nil, fmt.Errorf("%w: min size must be between 0 and max size", ErrInvalidConfiguration)
	}

	pool.channels = make(chan *PooledChannel, pool.maxSize)

	// Pre-populate with minimum channels
	var created []*PooledChannel
	for i := 0; i < pool.minSize; i++ {
		ch, err := pool.createChannel()
		if err != nil {
			for _, c := range created {
				c.Channel.Close()
			}
			return nil, &ChannelError{
				Op:        "pool initialization",
				ChannelID: fmt.Sprintf("init-%d", i),
				Err:       err,
				Timestamp: time.Now(),
			}
		}
		created = append(created, ch)
	}

	for _, ch := range created {
		pool.channels <- ch
	}

	go pool.cleanupIdle()

	return pool, nil
}

// Get retrieves a channel from the pool
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil, ErrChannelPoolClosed
	}
	cp.mu.Unlock()

	for {
		select {
		case ch := <-cp.channels:
			if ch.Channel.IsClosed() {
				cp.release()
				continue
			}
			ch.lastUsed = time.Now()
			return ch, nil

		default:
		}

		cp.mu.Lock()
		if cp.activeCount < cp.maxSize {
			cp.mu.Unlock()
			return cp.createAndGet(ctx)
		}
		cp.mu.Unlock()

		// Wait for a channel to become available
		timer := time.NewTimer(5 * time.Second)
		select {
		case ch := <-cp.channels:
			timer.Stop()
			if ch.Channel.IsClosed() {
				cp.release()
				continue
			}
			ch.lastUsed = time.Now()
			return ch, nil

		case <-ctx.Done():
			timer.Stop()
			return nil, &ChannelError{Op: "get channel", ChannelID: "pool", Err: ctx.Err(), Timestamp: time.Now()}

		case <-timer.C:
			return nil, &ChannelError{Op: "get channel", ChannelID: "pool", Err: ErrChannelPoolExhausted, Timestamp: time.Now()}
		}
	}
}

// Put returns a channel to the pool. Closed channels are discarded.
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}

	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		ch.Channel.Close()
		return
	}
	cp.mu.Unlock()

	if ch.Channel.IsClosed() {
		cp.logger.Debug("discarding closed channel", "channel", ch.id)
		cp.release()
		return
	}

	ch.lastUsed = time.Now()

	select {
	case cp.channels <- ch:
	default:
		// Pool is full
		ch.Channel.Close()
		cp.release()
	}
}

// Close closes all channels in the pool
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	close(cp.done)
	cp.mu.Unlock()

	for {
		select {
		case ch := <-cp.channels:
			if !ch.Channel.IsClosed() {
				ch.Channel.Close()
			}
			cp.release()
		default:
			return nil
		}
	}
}

func (cp *ChannelPool) release() {
	cp.mu.Lock()
	cp.activeCount--
	cp.mu.Unlock()
}

// createChannel creates a new pooled channel
func (cp *ChannelPool) createChannel() (*PooledChannel, error) {
	ch, err := cp.opener.OpenChannel()
	if err != nil {
		return nil, err
	}

	pooled := &PooledChannel{
		Channel:  ch,
		lastUsed: time.Now(),
		id:       uuid.New().String(),
	}

	cp.mu.Lock()
	cp.activeCount++
	cp.mu.Unlock()

	return pooled, nil
}

// createAndGet creates a new channel and returns it
func (cp *ChannelPool) createAndGet(ctx context.Context) (*PooledChannel, error) {
	select {
	case <-ctx.Done():
		return nil, &ChannelError{Op: "create channel", ChannelID: "new", Err: ctx.Err(), Timestamp: time.Now()}
	default:
	}

	ch, err := cp.createChannel()
	if err != nil {
		return nil, &ChannelError{Op: "create channel", ChannelID: "new", Err: err, Timestamp: time.Now()}
	}
	return ch, nil
}

// cleanupIdle closes channels idle longer than idleTimeout, keeping minSize
func (cp *ChannelPool) cleanupIdle() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-cp.done:
			return
		case <-ticker.C:
		}

		timeout := time.Now().Add(-cp.idleTimeout)
		var keep []*PooledChannel

	drainLoop:
		for {
			select {
			case ch := <-cp.channels:
				if ch.lastUsed.Before(timeout) && cp.Size() > cp.minSize {
					ch.Channel.Close()
					cp.release()
				} else {
					keep = append(keep, ch)
				}
			default:
				break drainLoop
			}
		}

		for _, ch := range keep {
			select {
			case cp.channels <- ch:
			default:
				ch.Channel.Close()
				cp.release()
			}
		}
	}
}

// Size returns the current number of channels owned by the pool
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.activeCount
}

// Execute runs a function with a channel from the pool
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*PooledChannel) error) error {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer cp.Put(ch)

	var execErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				execErr = fmt.Errorf("panic in channel execution: %v", r)
			}
		}()
		execErr = fn(ch)
	}()

	return execErr
}

// IsBlocked forwards the opener's flow-control state when it tracks one
func (cp *ChannelPool) IsBlocked() bool {
	if fc, ok := cp.opener.(FlowController); ok {
		return fc.IsBlocked()
	}
	return false
}
