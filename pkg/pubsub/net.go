package pubsub

import (
	ptransport "github.com/pion/transport/v3"
	"github.com/pion/transport/v3/stdnet"
)

// hostNet returns n, or the host network stack when n is nil.
func hostNet(n ptransport.Net) (ptransport.Net, error) {
	if n != nil {
		return n, nil
	}
	return stdnet.NewNet()
}
