// Package stream delivers committed transactions to subscribers in log order.
//
// A subscriber names the position it wants to start from. It first replays
// history from the store in batches. Once caught up, it registers a bounded
// live queue with the Hub and reads the store once more to cover anything
// committed in between. From then on entries arrive from the queue; an
// entry below the cursor is a duplicate and is dropped, an entry above it
// means the queue skipped ahead and the gap is read from the store. Every
// subscriber therefore sees each position exactly once, in order.
//
// Publish never blocks. A subscriber whose queue fills up is disconnected
// with ErrLagged and can resubscribe from Position().
package stream
