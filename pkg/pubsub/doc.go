// Package pubsub connects data producers and consumers found through
// DNS-SD.
//
// A producer publishes its connection details with a DataPublisher and a
// consumer locates it with a DataSubscriber browsing the twin service type.
// MulticastDataPublisher and TCPDataPublisher carry the data itself;
// subscribers report liveness with "HI"/"BYE" heartbeat datagrams so a
// producer without consumers can skip encoding and sending. StateEmitter
// pushes a small key/value state blob to every StateCollector on the
// network.
//
// Discovery objects are driven by a reactor.Reactor. Methods documented as
// reactor-bound must be called on the reactor goroutine, for example from a
// closure passed to Reactor.Post. Data paths (Send, Publish on a
// StateEmitter) may be called from any goroutine.
package pubsub
