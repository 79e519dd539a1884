// Package reactor defines the readiness-notification contract the transport
// layer is driven by, and provides an epoll based implementation of it.
//
// The transport core never waits. It registers descriptors together with a
// handler, and the reactor invokes that handler on its own goroutine, once per
// readiness notification. Work produced on other goroutines (handshake results,
// timers) is handed over with Post, so every state mutation of sockets and
// channels happens on the single goroutine executing Loop.Run.
//
//	loop, _ := reactor.NewLoop(reactor.WithLogger(logger))
//	go loop.Run(ctx)
//
//	reg, _ := loop.Register(fd, reactor.Readable, func(ready reactor.Interest) {
//	    // non-blocking read on fd
//	})
//	defer reg.Cancel()
package reactor
