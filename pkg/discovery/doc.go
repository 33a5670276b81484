// Package discovery publishes, browses and resolves DNS-SD services.
//
// Publisher, Browser and ServiceEntry each wrap one outstanding request to a
// Daemon binding. Replies never arrive on their own: a Monitor watches the
// request's readiness and calls Transaction.ProcessConnection, which runs
// the request's callback. Pick the Monitor that matches the host program:
//
//   - ReactorMonitor for code driven by a reactor.Reactor
//   - AsyncMonitor for goroutine-per-request processing under a shared lock
//   - NotifierMonitor to plug into another event loop
//
// Three Daemon bindings are provided: MockDaemon for tests, ZeroconfDaemon
// (github.com/grandcat/zeroconf) and DNSSDDaemon (github.com/brutella/dnssd).
package discovery
