package ledger

import (
	"context"
	"math/big"
	"net/http"
	"time"

	xerrors "AuctionMesh/internal/errors"
)

// Auction is what the ledger hands back after an auction has been opened.
type Auction struct {
	ID       string
	Deadline time.Time
}

// AuctionState is a point-in-time read of an auction.
type AuctionState struct {
	AuctionID string
	Resolved  bool
	Winner    string
	Deadline  time.Time
}

// Bid is a single bid observed on the ledger.
type Bid struct {
	AuctionID   string    `json:"auction_id"`
	Agent       string    `json:"agent"`
	Amount      *big.Int  `json:"amount"`
	BlockNumber uint64    `json:"block_number"`
	TxHash      string    `json:"tx_hash,omitempty"`
	ObservedAt  time.Time `json:"observed_at"`
}

// Ledger is the remote auction service. Implementations must be safe for
// concurrent use: every monitor of every task shares one instance.
type Ledger interface {
	CreateAuction(ctx context.Context, description string) (Auction, error)
	ReadAuction(ctx context.Context, auctionID string) (AuctionState, error)
	Close()
}

// BidSource is implemented by ledgers that can stream bid submissions.
type BidSource interface {
	SubscribeBids(ctx context.Context, auctionID string) (*BidSubscription, error)
}

// BidSubscription delivers bids until Close is called or the source fails.
type BidSubscription struct {
	bids  <-chan Bid
	errs  <-chan error
	close func()
}

// NewBidSubscription wraps channels produced by a ledger implementation.
func NewBidSubscription(bids <-chan Bid, errs <-chan error, closeFn func()) *BidSubscription {
	return &BidSubscription{bids: bids, errs: errs, close: closeFn}
}

// Bids returns the channel that receives bids.
func (s *BidSubscription) Bids() <-chan Bid {
	return s.bids
}

// Err reports a terminal subscription failure.
func (s *BidSubscription) Err() <-chan error {
	if s == nil {
		return nil
	}
	return s.errs
}

// Close terminates the subscription.
func (s *BidSubscription) Close() {
	if s == nil || s.close == nil {
		return
	}
	s.close()
}

const (
	CodeAuctionNotFound   xerrors.Code = "AUCTION_NOT_FOUND"
	CodeLedgerUnavailable xerrors.Code = "LEDGER_UNAVAILABLE"
	CodeLedgerReverted    xerrors.Code = "LEDGER_TX_REVERTED"
	// CodeLedgerTxPending 表示交易已广播但在截止前未确认，重发会产生重复拍卖。
	CodeLedgerTxPending xerrors.Code = "LEDGER_TX_PENDING"
)

var (
	// ErrAuctionNotFound 表示账本上不存在该拍卖。
	ErrAuctionNotFound = xerrors.New(CodeAuctionNotFound, "auction not found")
)

func init() {
	xerrors.Register(CodeAuctionNotFound, xerrors.Attributes{
		Message:    "auction not found",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeLedgerUnavailable, xerrors.Attributes{
		Message:    "ledger unavailable",
		Severity:   xerrors.SeverityWarning,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: http.StatusBadGateway,
	})
	xerrors.Register(CodeLedgerReverted, xerrors.Attributes{
		Message:    "ledger transaction reverted",
		Severity:   xerrors.SeverityCritical,
		Alert:      true,
		HTTPStatus: http.StatusUnprocessableEntity,
	})
	xerrors.Register(CodeLedgerTxPending, xerrors.Attributes{
		Message:    "ledger transaction not confirmed",
		Severity:   xerrors.SeverityCritical,
		Alert:      true,
		HTTPStatus: http.StatusGatewayTimeout,
	})
}
