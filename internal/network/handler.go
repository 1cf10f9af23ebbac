package network

// Handler receives everything a transport observes. The broadcast engine
// implements it.
type Handler interface {
	HandleBlob(blob []byte, from string)
	NeighborConnected(handle string)
	NeighborDisconnected(handle string)
}
