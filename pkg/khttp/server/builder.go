package server

import (
	"github.com/sirupsen/logrus"

	"github.com/karlivory/khttp/pkg/khttp/http11"
	"github.com/karlivory/khttp/pkg/khttp/router"
)

// config is frozen into the Server at Build time.
type config struct {
	threadCount     int
	maxHeadSize     int
	maxBodySize     int64
	drainBudget     int64
	readBufferSize  int
	writeBufferSize int
	maxConns        int
	epoll           bool
	epollWorkers    int
}

// Builder assembles a Server. Route conflicts are configuration errors and
// panic here, at build time, never at request time.
type Builder struct {
	cfg        config
	routes     *router.Trie[Handler]
	fallback   Handler
	setupHook  ConnectionSetupHook
	preRouting PreRoutingHook
	teardown   ConnectionTeardownHook
	log        *logrus.Logger
}

// New returns a Builder with the defaults: 20 worker threads, 8 KiB head
// ceiling, 16 KiB read buffers, unbounded convenience drains, and the
// built-in 404 fallback.
func New() *Builder {
	return &Builder{
		cfg: config{
			threadCount:     20,
			maxHeadSize:     http11.DefaultMaxHeadSize,
			drainBudget:     http11.DefaultDrainBudget,
			readBufferSize:  http11.DefaultReadBufferSize,
			writeBufferSize: 4096,
		},
		routes: router.New[Handler](),
	}
}

// ThreadCount sets the number of workers in the threaded scheduler.
func (b *Builder) ThreadCount(n int) *Builder {
	b.cfg.threadCount = n
	return b
}

// MaxRequestHeadSize sets the request-head byte ceiling. Heads that do not
// terminate within it get a 413 and the connection is closed.
func (b *Builder) MaxRequestHeadSize(n int) *Builder {
	b.cfg.maxHeadSize = n
	return b
}

// MaxBodySize caps the convenience drains (BodyReader.Bytes/String) for
// handlers that use the server default. Zero means unbounded.
func (b *Builder) MaxBodySize(n int64) *Builder {
	b.cfg.maxBodySize = n
	return b
}

// ReadBufferSize sets the per-connection read buffer. It must be at least
// the head ceiling, since a head has to fit in the buffer to parse.
func (b *Builder) ReadBufferSize(n int) *Builder {
	b.cfg.readBufferSize = n
	return b
}

// MaxConns bounds concurrent connections; excess ones queue in accept.
// Zero means unlimited.
func (b *Builder) MaxConns(n int) *Builder {
	b.cfg.maxConns = n
	return b
}

// EpollScheduler switches to the readiness-driven scheduler (Linux only)
// with the given handler worker count. Its value is scaling many idle
// keep-alive connections, not multiplexing long-running handlers.
func (b *Builder) EpollScheduler(workers int) *Builder {
	b.cfg.epoll = true
	b.cfg.epollWorkers = workers
	return b
}

// Route registers a handler for (method, pattern). Patterns combine static
// segments, ":name" parameters, "*" single-segment wildcards, and a final
// "**" catch-all. Conflicting registrations panic.
func (b *Builder) Route(method http11.Method, pattern string, h Handler) *Builder {
	if h == nil {
		panic("server: nil handler for route " + pattern)
	}
	b.routes.Add(method, pattern, h)
	return b
}

// RouteAll registers a node-level fallback handler matching every method
// at pattern.
func (b *Builder) RouteAll(pattern string, h Handler) *Builder {
	b.routes.Add(router.AnyMethod, pattern, h)
	return b
}

// FallbackRoute replaces the built-in 404 handler invoked when no route
// matches.
func (b *Builder) FallbackRoute(h Handler) *Builder {
	b.fallback = h
	return b
}

// ConnectionSetup installs the post-accept hook.
func (b *Builder) ConnectionSetup(h ConnectionSetupHook) *Builder {
	b.setupHook = h
	return b
}

// PreRouting installs the hook running between head parse and route
// resolution.
func (b *Builder) PreRouting(h PreRoutingHook) *Builder {
	b.preRouting = h
	return b
}

// ConnectionTeardown installs the hook running after each connection
// closes.
func (b *Builder) ConnectionTeardown(h ConnectionTeardownHook) *Builder {
	b.teardown = h
	return b
}

// Logger replaces the default logrus standard logger.
func (b *Builder) Logger(log *logrus.Logger) *Builder {
	b.log = log
	return b
}

// Build freezes the configuration and route table into a Server. The trie
// is read-only from here on and shared across all serving threads.
func (b *Builder) Build() *Server {
	cfg := b.cfg
	if cfg.threadCount <= 0 {
		cfg.threadCount = 20
	}
	if cfg.readBufferSize < cfg.maxHeadSize {
		// A head must fit in the read buffer for the cursor-only scan
		// to terminate.
		cfg.readBufferSize = cfg.maxHeadSize
	}
	if cfg.epollWorkers <= 0 {
		cfg.epollWorkers = cfg.threadCount
	}

	s := &Server{
		cfg:        cfg,
		routes:     b.routes,
		fallback:   b.fallback,
		setupHook:  b.setupHook,
		preRouting: b.preRouting,
		teardown:   b.teardown,
		log:        b.log,
	}
	if s.fallback == nil {
		s.fallback = defaultFallback
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	return s
}

// defaultFallback answers 404 for unmatched routes.
func defaultFallback(ctx *RequestContext, res *ResponseHandle) error {
	return res.Send0(http11.StatusNotFound, http11.Empty())
}
