package channeldb

import "fmt"

var (
	// ErrNoChanDBExists is returned when a channel bucket hasn't been
	// created.
	ErrNoChanDBExists = fmt.Errorf("channel db has not yet been created")

	// ErrNoActiveChannels is returned when there is no active (open)
	// channels within the database.
	ErrNoActiveChannels = fmt.Errorf("no active channels exist")

	// ErrChannelNotFound is returned when we attempt to locate a channel
	// for a specific chain, but it is not found.
	ErrChannelNotFound = fmt.Errorf("channel not found")

	// ErrNoPendingCommit is returned when there is not a pending
	// commitment for a remote party. A new commitment is written to disk
	// each time we write a new state in order to be properly fault
	// tolerant.
	ErrNoPendingCommit = fmt.Errorf("no pending commits found")

	// ErrChanClosed is returned when a caller attempts to
	// mutate a channel that is marked as closed.
	ErrChanClosed = fmt.Errorf("channel is already closed")

	// ErrInvalidRevocationRelease is returned when a revocation release
	// token doesn't belong to the channel or height it's presented for.
	ErrInvalidRevocationRelease = fmt.Errorf("revocation release does " +
		"not match channel state")

	// ErrChanBorked is returned when a caller attempts to mutate a borked
	// channel.
	ErrChanBorked = fmt.Errorf("cannot mutate borked channel")

	// ErrInvalidCommitHeight is returned when a new commitment doesn't
	// extend its chain by exactly one.
	ErrInvalidCommitHeight = fmt.Errorf("invalid commitment height")

	// ErrNoPriorRevocation is returned when a revocation is requested for
	// a channel that never revoked a commitment.
	ErrNoPriorRevocation = fmt.Errorf("no prior revocation")

	// ErrNoCloseTx is returned when no closing tx is found for a channel
	// in the state CommitBroadcasted.
	ErrNoCloseTx = fmt.Errorf("no closing tx found")

	// ErrNoChanInfoFound is returned when a particular channel does not
	// have any channels state.
	ErrNoChanInfoFound = fmt.Errorf("no chan info found")

	// ErrNoCommitmentsFound is returned when a channel has not set
	// commitment states.
	ErrNoCommitmentsFound = fmt.Errorf("no commitments found")

	// ErrNoRevocationsFound is returned when revocation state for a
	// particular channel cannot be found.
	ErrNoRevocationsFound = fmt.Errorf("no revocations found")

	// ErrNoRevocationLogFound is returned when no revocation log is
	// found.
	ErrNoRevocationLogFound = fmt.Errorf("no revocation log found")

	// ErrNoClosedChannels is returned when a node is queries for all the
	// channels it has closed, but it hasn't yet closed any channels.
	ErrNoClosedChannels = fmt.Errorf("no channel have been closed yet")

	// ErrClosedChannelNotFound signals that a closed channel could not be
	// found in the channeldb.
	ErrClosedChannelNotFound = fmt.Errorf("unable to find closed channel " +
		"summary")

	// ErrGraphNotFound is returned when at least one of the components of
	// graph doesn't exist.
	ErrGraphNotFound = fmt.Errorf("graph bucket not initialized")

	// ErrGraphNodeNotFound is returned when we're unable to find the target
	// node.
	ErrGraphNodeNotFound = fmt.Errorf("unable to find node")

	// ErrEdgeNotFound is returned when an edge for the target chanID
	// can't be found.
	ErrEdgeNotFound = fmt.Errorf("edge not found")

	// ErrEdgeAlreadyExist is returned when edge with specific
	// channel id can't be added because it already exist.
	ErrEdgeAlreadyExist = fmt.Errorf("edge already exist")

	// ErrNoInvoicesCreated is returned when we don't have invoices in
	// our database to return.
	ErrNoInvoicesCreated = fmt.Errorf("there are no existing invoices")

	// ErrInvoiceNotFound is returned when a targeted invoice can't be
	// found.
	ErrInvoiceNotFound = fmt.Errorf("unable to locate invoice")

	// ErrDuplicateInvoice is returned when an invoice with the target
	// payment hash already exists.
	ErrDuplicateInvoice = fmt.Errorf("invoice with payment hash " +
		"already exists")

	// ErrInvoiceAlreadySettled is returned when the invoice is already
	// settled.
	ErrInvoiceAlreadySettled = fmt.Errorf("invoice already settled")

	// ErrInvoiceAlreadyCanceled is returned when the invoice is already
	// canceled.
	ErrInvoiceAlreadyCanceled = fmt.Errorf("invoice already canceled")

	// ErrPaymentNotInitiated is returned if the payment wasn't initiated.
	ErrPaymentNotInitiated = fmt.Errorf("payment isn't initiated")

	// ErrPaymentInFlight is returned if we try to initiate a payment
	// whose hash is already in flight.
	ErrPaymentInFlight = fmt.Errorf("payment is in transition")

	// ErrAlreadyPaid signals we have already paid this payment hash.
	ErrAlreadyPaid = fmt.Errorf("invoice is already paid")

	// ErrPaymentNotInFlight is returned when a payment that is not in
	// flight is resolved.
	ErrPaymentNotInFlight = fmt.Errorf("payment is not in flight")

	// ErrPaymentAlreadyCompleted is returned in the event we attempt to
	// recomplete a completed payment.
	ErrPaymentAlreadyCompleted = fmt.Errorf("payment is already completed")

	// ErrNodeAddrsNotFound is returned when no addresses are stored for
	// a peer.
	ErrNodeAddrsNotFound = fmt.Errorf("no addresses found for node")
)

// UnknownElementType is an error returned when the codec is unable to encode
// or decode a particular type.
type UnknownElementType struct {
	method  string
	element interface{}
}

// NewUnknownElementType creates a new UnknownElementType error from the passed
// method name and element.
func NewUnknownElementType(method string, el interface{}) UnknownElementType {
	return UnknownElementType{method: method, element: el}
}

// Error returns the name of the method that encountered the error, as well as
// the type that was unsupported.
func (e UnknownElementType) Error() string {
	return fmt.Sprintf("Unknown type in %s: %T", e.method, e.element)
}
