// Package reliabletransport implements go-back-N automatic repeat request.
//
// The [Sender] keeps a window of at most N unacknowledged data segments and
// retransmits the whole window whenever the retransmission timer expires.
// The [Receiver] accepts only the next expected sequence number and answers
// every data segment with a cumulative acknowledgment. Stop-and-wait is the
// special case with N=1 and an alternating-bit sequence space.
//
// A note about concurrency: [Sender] and [Receiver] lack mutexes because they
// are intended to be confined to the single goroutine that runs a connection's
// event loop. They never perform I/O: every method returns the segments the
// caller should transmit.
package reliabletransport
